package handler

import (
	"github.com/gin-gonic/gin"

	appwallet "github.com/erp/datasync/internal/application/wallet"
	"github.com/erp/datasync/internal/interfaces/http/dto"
)

// WalletHandler serves balances and direct balance changes
type WalletHandler struct {
	BaseHandler
	service *appwallet.Service
}

// NewWalletHandler creates a new wallet handler
func NewWalletHandler(service *appwallet.Service) *WalletHandler {
	return &WalletHandler{service: service}
}

// RegisterRoutes mounts the wallet routes
func (h *WalletHandler) RegisterRoutes(rg *gin.RouterGroup) {
	wallets := rg.Group("/wallets")
	wallets.GET("/:userId", h.Get)
	wallets.GET("/:userId/deposits", h.Deposits)
	wallets.POST("/:userId/deduct", h.Deduct)
	wallets.POST("/:userId/refund", h.Refund)
}

// Get returns a user's wallet
// @Router /wallets/{userId} [get]
func (h *WalletHandler) Get(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, w)
}

// Deposits lists a user's deposit orders
// @Router /wallets/{userId}/deposits [get]
func (h *WalletHandler) Deposits(c *gin.Context) {
	orders, err := h.service.Deposits(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, orders, dto.Meta{Total: len(orders), RemoteSynced: true})
}

// Deduct charges a purchase. An uncovered amount answers 422 and leaves
// the wallet unchanged.
// @Router /wallets/{userId}/deduct [post]
func (h *WalletHandler) Deduct(c *gin.Context) {
	var req dto.WalletChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	w, ok, err := h.service.Deduct(c.Request.Context(), c.Param("userId"), req.Amount, req.Description, req.OrderID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if !ok {
		h.UnprocessableEntity(c, dto.ErrCodeInsufficientBalance, "Insufficient balance available")
		return
	}
	h.Success(c, dto.WalletChangeResponse{Applied: true, Balance: w.Balance, Wallet: w})
}

// Refund credits an amount back
// @Router /wallets/{userId}/refund [post]
func (h *WalletHandler) Refund(c *gin.Context) {
	var req dto.WalletChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	description := req.Description
	if description == "" {
		description = "Refund"
	}
	w, err := h.service.Refund(c.Request.Context(), c.Param("userId"), req.Amount, description, req.OrderID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.WalletChangeResponse{Applied: true, Balance: w.Balance, Wallet: w})
}
