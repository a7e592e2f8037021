package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	appranking "github.com/erp/datasync/internal/application/ranking"
	"github.com/erp/datasync/internal/domain/ranking"
	"github.com/erp/datasync/internal/interfaces/http/dto"
)

// RankingHandler serves loyalty standings
type RankingHandler struct {
	BaseHandler
	service *appranking.Service
}

// NewRankingHandler creates a new ranking handler
func NewRankingHandler(service *appranking.Service) *RankingHandler {
	return &RankingHandler{service: service}
}

// RegisterRoutes mounts the ranking routes
func (h *RankingHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rankings := rg.Group("/rankings")
	rankings.GET("", h.Leaderboard)
	rankings.GET("/points", h.Points)
	rankings.GET("/:userId", h.Get)
}

// Get returns a user's record and the tier above it
// @Router /rankings/{userId} [get]
func (h *RankingHandler) Get(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := dto.RankingResponse{Record: rec}
	if next, spent, orders, ok := ranking.NextRank(rec.Rank); ok {
		resp.NextRank = string(next)
		resp.NextMinSpent = spent
		resp.NextMinOrders = orders
	}
	h.Success(c, resp)
}

// Points previews what an order would earn
// @Router /rankings/points [get]
func (h *RankingHandler) Points(c *gin.Context) {
	var req dto.PointsPreviewRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.BindError(c, err)
		return
	}
	h.Success(c, dto.PointsPreviewResponse{
		Points:      ranking.CalculatePoints(req.Total, req.Items),
		VolumeBonus: ranking.VolumeBonus(req.Total),
	})
}

// Leaderboard returns the top records, ?limit= caps the list
// @Router /rankings [get]
func (h *RankingHandler) Leaderboard(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.service.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, records, dto.Meta{Total: len(records), RemoteSynced: true})
}
