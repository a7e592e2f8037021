package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	apptrade "github.com/erp/datasync/internal/application/trade"
	"github.com/erp/datasync/internal/domain/trade"
	"github.com/erp/datasync/internal/interfaces/http/dto"
)

// OrderHandler drives the shop order lifecycle
type OrderHandler struct {
	BaseHandler
	service *apptrade.OrderService
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(service *apptrade.OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

// RegisterRoutes mounts the order routes
func (h *OrderHandler) RegisterRoutes(rg *gin.RouterGroup) {
	orders := rg.Group("/orders")
	orders.GET("", h.List)
	orders.POST("", h.Create)
	orders.GET("/:orderId", h.Get)
	orders.POST("/:orderId/pay", h.transition(h.service.Pay))
	orders.POST("/:orderId/ship", h.transition(h.service.Ship))
	orders.POST("/:orderId/complete", h.transition(h.service.Complete))
	orders.POST("/:orderId/cancel", h.transition(h.service.Cancel))
}

// List returns orders, filtered by ?userId=
// @Router /orders [get]
func (h *OrderHandler) List(c *gin.Context) {
	orders, err := h.service.List(c.Request.Context(), c.Query("userId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, orders, dto.Meta{Total: len(orders), RemoteSynced: true})
}

// Get returns one order
// @Router /orders/{orderId} [get]
func (h *OrderHandler) Get(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, order)
}

// Create places a pending order
// @Router /orders [post]
func (h *OrderHandler) Create(c *gin.Context) {
	var req dto.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	items := make([]trade.OrderItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = trade.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price}
	}
	order, err := h.service.Create(c.Request.Context(), req.UserID, items)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, order)
}

func (h *OrderHandler) transition(fn func(context.Context, string) (*trade.Order, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := fn(c.Request.Context(), c.Param("orderId"))
		if err != nil {
			h.HandleError(c, err)
			return
		}
		h.Success(c, order)
	}
}
