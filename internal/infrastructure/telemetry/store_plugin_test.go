package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type storeRow struct {
	Key   string `gorm:"column:row_key;primaryKey"`
	Value string
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&storeRow{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestStorePlugin_RecordsQueries(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	plugin, err := NewStorePlugin(provider.Meter("test"), StorePluginConfig{SlowThreshold: 1}, nil)
	require.NoError(t, err)
	db := openTestDB(t)
	require.NoError(t, db.Use(plugin))

	ctx := context.Background()
	require.NoError(t, db.WithContext(ctx).Create(&storeRow{Key: "cache:users:all", Value: "[]"}).Error)
	var row storeRow
	require.NoError(t, db.WithContext(ctx).Where("row_key = ?", "cache:users:all").Take(&row).Error)
	err = db.WithContext(ctx).Where("row_key = ?", "missing").Take(&row).Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	got := collect(t, reader)
	assert.Equal(t, int64(3), got["datasync_store_queries_total"])
	// a 1ns threshold makes every query slow
	assert.Equal(t, int64(3), got["datasync_store_slow_queries_total"])
}

func TestStorePlugin_TracingHidesVariables(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	provider := sdkmetric.NewMeterProvider()

	plugin, err := NewStorePlugin(provider.Meter("test"), StorePluginConfig{Tracing: true, TracerProvider: tp}, nil)
	require.NoError(t, err)
	db := openTestDB(t)
	require.NoError(t, db.Use(plugin))

	require.NoError(t, db.Create(&storeRow{Key: "wallet:u-1", Value: "balance-secret"}).Error)

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	for _, s := range spans {
		for _, kv := range s.Attributes() {
			assert.False(t, strings.Contains(kv.Value.Emit(), "balance-secret"), "attribute %s leaks a value", kv.Key)
		}
	}
}

func TestNewStorePlugin_NilMeter(t *testing.T) {
	_, err := NewStorePlugin(nil, StorePluginConfig{}, nil)
	assert.ErrorIs(t, err, ErrMeterNil)
}

func TestDetectOperation(t *testing.T) {
	assert.Equal(t, "SELECT", detectOperation("  select * from kv_store"))
	assert.Equal(t, "DELETE", detectOperation("DELETE FROM kv_store"))
	assert.Equal(t, "OTHER", detectOperation("PRAGMA foreign_keys"))
}
