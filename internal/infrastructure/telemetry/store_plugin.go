package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AttrTable labels store metrics with the table touched
var AttrTable = attribute.Key("table")

// StoreDurationBuckets are bucket boundaries for local store queries (seconds).
var StoreDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// StorePluginConfig configures instrumentation of the SQLite store.
type StorePluginConfig struct {
	// Tracing adds one span per statement through otelgorm. Query variables
	// are never recorded since they carry cached user data.
	Tracing        bool
	TracerProvider trace.TracerProvider // nil uses the global provider
	DBSystem       string               // Default: "sqlite"
	SlowThreshold  time.Duration        // Default: 200ms
}

// StorePlugin is a gorm.Plugin that counts and times store queries.
type StorePlugin struct {
	cfg      StorePluginConfig
	queries  *Counter
	slow     *Counter
	duration *Histogram
	logger   *zap.Logger
}

// NewStorePlugin registers the store instruments on meter
func NewStorePlugin(meter metric.Meter, cfg StorePluginConfig, logger *zap.Logger) (*StorePlugin, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DBSystem == "" {
		cfg.DBSystem = "sqlite"
	}
	if cfg.SlowThreshold == 0 {
		cfg.SlowThreshold = 200 * time.Millisecond
	}

	p := &StorePlugin{cfg: cfg, logger: logger}
	var err error
	if p.queries, err = NewCounter(meter, "datasync_store_queries_total",
		"Local store queries by operation", "{queries}"); err != nil {
		return nil, err
	}
	if p.slow, err = NewCounter(meter, "datasync_store_slow_queries_total",
		"Local store queries slower than the slow threshold", "{queries}"); err != nil {
		return nil, err
	}
	if p.duration, err = NewHistogram(meter, "datasync_store_query_duration_seconds",
		"Local store query latency", "s", StoreDurationBuckets...); err != nil {
		return nil, err
	}
	return p, nil
}

// Name implements gorm.Plugin
func (p *StorePlugin) Name() string {
	return "datasync:store_telemetry"
}

// Initialize implements gorm.Plugin
func (p *StorePlugin) Initialize(db *gorm.DB) error {
	if p.cfg.Tracing {
		opts := []otelgorm.Option{
			otelgorm.WithDBName(p.cfg.DBSystem),
			otelgorm.WithoutQueryVariables(),
		}
		if p.cfg.TracerProvider != nil {
			opts = append(opts, otelgorm.WithTracerProvider(p.cfg.TracerProvider))
		}
		if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
			return fmt.Errorf("failed to register otelgorm: %w", err)
		}
	}

	cb := db.Callback()
	after := func(operation string) func(*gorm.DB) {
		return func(db *gorm.DB) { p.after(db, operation) }
	}
	// processors are unexported in gorm, so each operation is spelled out
	regs := []func() error{
		func() error { return cb.Create().Before("gorm:create").Register("datasync:before_create", p.before) },
		func() error { return cb.Query().Before("gorm:query").Register("datasync:before_query", p.before) },
		func() error { return cb.Update().Before("gorm:update").Register("datasync:before_update", p.before) },
		func() error { return cb.Delete().Before("gorm:delete").Register("datasync:before_delete", p.before) },
		func() error { return cb.Row().Before("gorm:row").Register("datasync:before_row", p.before) },
		func() error { return cb.Raw().Before("gorm:raw").Register("datasync:before_raw", p.before) },
		func() error { return cb.Create().After("gorm:create").Register("datasync:after_create", after("INSERT")) },
		func() error { return cb.Query().After("gorm:query").Register("datasync:after_query", after("SELECT")) },
		func() error { return cb.Update().After("gorm:update").Register("datasync:after_update", after("UPDATE")) },
		func() error { return cb.Delete().After("gorm:delete").Register("datasync:after_delete", after("DELETE")) },
		func() error { return cb.Row().After("gorm:row").Register("datasync:after_row", after("")) },
		func() error { return cb.Raw().After("gorm:raw").Register("datasync:after_raw", after("")) },
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}

	p.logger.Debug("Store telemetry plugin initialized", zap.Bool("tracing", p.cfg.Tracing))
	return nil
}

type storeStartKey struct{}

func (p *StorePlugin) before(db *gorm.DB) {
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	db.Statement.Context = context.WithValue(ctx, storeStartKey{}, time.Now())
}

func (p *StorePlugin) after(db *gorm.DB, operation string) {
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if operation == "" {
		operation = detectOperation(db.Statement.SQL.String())
	}
	attrs := []attribute.KeyValue{AttrOperation.String(operation), AttrTable.String(db.Statement.Table)}
	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		attrs = append(attrs, AttrResult.String("error"))
	} else {
		attrs = append(attrs, AttrResult.String("ok"))
	}
	p.queries.Inc(ctx, attrs...)

	start, ok := ctx.Value(storeStartKey{}).(time.Time)
	if !ok {
		return
	}
	d := time.Since(start)
	p.duration.RecordDuration(ctx, d, attrs...)
	if d >= p.cfg.SlowThreshold {
		p.slow.Inc(ctx, attrs...)
	}
}

func detectOperation(sql string) string {
	sql = strings.ToUpper(strings.TrimSpace(sql))
	for _, op := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(sql, op) {
			return op
		}
	}
	return "OTHER"
}
