package handler

import (
	"github.com/gin-gonic/gin"

	appwallet "github.com/erp/datasync/internal/application/wallet"
	"github.com/erp/datasync/internal/interfaces/http/dto"
)

// DepositHandler drives the deposit workflow
type DepositHandler struct {
	BaseHandler
	service *appwallet.Service
}

// NewDepositHandler creates a new deposit handler
func NewDepositHandler(service *appwallet.Service) *DepositHandler {
	return &DepositHandler{service: service}
}

// RegisterRoutes mounts the deposit routes
func (h *DepositHandler) RegisterRoutes(rg *gin.RouterGroup) {
	deposits := rg.Group("/deposits")
	deposits.GET("", h.List)
	deposits.POST("", h.Create)
	deposits.GET("/methods", h.Methods)
	deposits.POST("/:orderId/confirm", h.Confirm)
	deposits.POST("/:orderId/approve", h.Approve)
	deposits.POST("/:orderId/reject", h.Reject)
}

// List returns every deposit order, or one user's with ?userId=
// @Router /deposits [get]
func (h *DepositHandler) List(c *gin.Context) {
	orders, err := h.service.Deposits(c.Request.Context(), c.Query("userId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, orders, dto.Meta{Total: len(orders), RemoteSynced: true})
}

// Methods lists the available deposit methods
// @Router /deposits/methods [get]
func (h *DepositHandler) Methods(c *gin.Context) {
	methods, err := h.service.Methods(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, methods)
}

// Create opens a deposit order
// @Router /deposits [post]
func (h *DepositHandler) Create(c *gin.Context) {
	var req dto.CreateDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	order, err := h.service.CreateDeposit(c.Request.Context(), appwallet.CreateDepositRequest{
		UserID:   req.UserID,
		Amount:   req.Amount,
		MethodID: req.MethodID,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, order)
}

// Confirm records that the user sent the money
// @Router /deposits/{orderId}/confirm [post]
func (h *DepositHandler) Confirm(c *gin.Context) {
	var req dto.ConfirmDepositRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.BindError(c, err)
			return
		}
	}

	order, err := h.service.ConfirmDeposit(c.Request.Context(), c.Param("orderId"), req.UserID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, order)
}

// Approve credits the deposit
// @Router /deposits/{orderId}/approve [post]
func (h *DepositHandler) Approve(c *gin.Context) {
	var req dto.ReviewDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	order, err := h.service.ApproveDeposit(c.Request.Context(), c.Param("orderId"), req.AdminID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, order)
}

// Reject refuses the deposit
// @Router /deposits/{orderId}/reject [post]
func (h *DepositHandler) Reject(c *gin.Context) {
	var req dto.ReviewDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	order, err := h.service.RejectDeposit(c.Request.Context(), c.Param("orderId"), req.AdminID, req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, order)
}
