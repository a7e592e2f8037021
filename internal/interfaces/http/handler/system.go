package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/erp/datasync/internal/interfaces/http/dto"
)

// SystemHandler answers health checks
type SystemHandler struct {
	BaseHandler
	name      string
	tabID     string
	startTime time.Time
}

// NewSystemHandler creates a new SystemHandler. tabID identifies this
// engine instance on the bus.
func NewSystemHandler(name, tabID string) *SystemHandler {
	return &SystemHandler{
		name:      name,
		tabID:     tabID,
		startTime: time.Now(),
	}
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string `json:"status"`
	Name      string `json:"name"`
	TabID     string `json:"tab_id"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

// Health reports liveness
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(HealthResponse{
		Status:    "ok",
		Name:      h.name,
		TabID:     h.tabID,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}))
}
