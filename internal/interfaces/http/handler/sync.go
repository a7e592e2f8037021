package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/erp/datasync/internal/application/entitysync"
	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/interfaces/http/dto"
)

// SyncHandler exposes raw collection loads and the reconciliation outbox
type SyncHandler struct {
	BaseHandler
	manager    *entitysync.Manager
	reconciler *entitysync.Reconciler
}

// NewSyncHandler creates a new sync handler. reconciler may be nil when
// the outbox is disabled.
func NewSyncHandler(manager *entitysync.Manager, reconciler *entitysync.Reconciler) *SyncHandler {
	return &SyncHandler{manager: manager, reconciler: reconciler}
}

// RegisterRoutes mounts the sync routes
func (h *SyncHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sync := rg.Group("/sync")
	sync.GET("/outbox", h.OutboxStats)
	sync.GET("/outbox/dead", h.DeadLetters)
	sync.POST("/outbox/:id/retry", h.Retry)
	sync.GET("/:type", h.Load)
	sync.DELETE("/:type", h.Invalidate)
}

func scopeOf(c *gin.Context) string {
	if scope := c.Query("scope"); scope != "" {
		return scope
	}
	return entity.ScopeAll
}

// Load runs the cache cascade for ?scope= (default "all"). ?force=true
// skips a fresh cache entry.
// @Router /sync/{type} [get]
func (h *SyncHandler) Load(c *gin.Context) {
	var opts []entitysync.LoadOption
	if force, _ := strconv.ParseBool(c.Query("force")); force {
		opts = append(opts, entitysync.Force())
	}

	snap, err := h.manager.Load(c.Request.Context(), entity.Type(c.Param("type")), scopeOf(c), opts...)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	meta := dto.Meta{
		Total:        len(snap.Items),
		Source:       string(snap.Source),
		RemoteSynced: snap.RemoteSynced,
	}
	if !snap.FetchedAt.IsZero() {
		fetched := snap.FetchedAt
		meta.FetchedAt = &fetched
	}
	h.SuccessWithMeta(c, snap.Items, meta)
}

// Invalidate drops the cached entry so the next load goes remote
// @Router /sync/{type} [delete]
func (h *SyncHandler) Invalidate(c *gin.Context) {
	if err := h.manager.Invalidate(c.Request.Context(), entity.Type(c.Param("type")), scopeOf(c)); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"invalidated": true})
}

// OutboxStats counts outbox entries by status
// @Router /sync/outbox [get]
func (h *SyncHandler) OutboxStats(c *gin.Context) {
	if h.reconciler == nil {
		h.Success(c, dto.OutboxStatsResponse{Counts: map[string]int64{}})
		return
	}

	counts, err := h.reconciler.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	resp := dto.OutboxStatsResponse{Counts: make(map[string]int64, len(counts))}
	for status, n := range counts {
		resp.Counts[string(status)] = n
	}
	resp.Dead = int(resp.Counts[string(shared.OutboxStatusDead)])
	h.Success(c, resp)
}

// DeadLetters lists entries that ran out of retries
// @Router /sync/outbox/dead [get]
func (h *SyncHandler) DeadLetters(c *gin.Context) {
	if h.reconciler == nil {
		h.Success(c, []any{})
		return
	}
	entries, err := h.reconciler.DeadLetters(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, entries, dto.Meta{Total: len(entries)})
}

// Retry resets a dead entry for another round
// @Router /sync/outbox/{id}/retry [post]
func (h *SyncHandler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid entry ID")
		return
	}
	if h.reconciler == nil {
		h.NotFound(c, "Outbox is disabled")
		return
	}
	if err := h.reconciler.Retry(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"id": id.String(), "status": shared.OutboxStatusPending})
}
