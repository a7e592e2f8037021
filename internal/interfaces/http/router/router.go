// Package router assembles the gin engine of the sync HTTP API.
package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/datasync/internal/infrastructure/logger"
	"github.com/erp/datasync/internal/interfaces/http/middleware"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router manages HTTP route registration
type Router struct {
	engine     *gin.Engine
	apiVersion string
	registrars []RouteRegistrar
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix (e.g., "v1", "v2")
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{
		engine:     engine,
		apiVersion: "v1",
		registrars: make([]RouteRegistrar, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a RouteRegistrar to be registered later
func (r *Router) Register(registrars ...RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrars...)
	return r
}

// Setup registers all routes under /api/<version>
func (r *Router) Setup() {
	api := r.engine.Group("/api/" + r.apiVersion)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}

// EngineConfig selects the middleware stack
type EngineConfig struct {
	ServiceName    string
	Mode           string
	Tracing        bool
	AllowOrigins   []string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// DefaultEngineConfig returns the production defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ServiceName:    "datasync",
		Mode:           gin.ReleaseMode,
		Tracing:        true,
		MaxBodyBytes:   4 << 20,
		RequestTimeout: 30 * time.Second,
	}
}

// NewEngine builds a gin engine with recovery, request ids, tracing, CORS,
// body limits and request logging installed in that order
func NewEngine(cfg EngineConfig, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	engine := gin.New()
	engine.Use(logger.Recovery(log))
	engine.Use(middleware.RequestID())
	engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
		ServiceName: cfg.ServiceName,
		Enabled:     cfg.Tracing,
	}))
	engine.Use(middleware.SpanEnricher())

	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.AllowOrigins
	engine.Use(middleware.CORSWithConfig(cors))

	if cfg.MaxBodyBytes > 0 {
		engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	}
	engine.Use(middleware.Timeout(cfg.RequestTimeout))
	engine.Use(logger.GinMiddleware(logger.Component(log, "http")))
	return engine
}
