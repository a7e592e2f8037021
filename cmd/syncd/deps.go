package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/bus"
	"github.com/erp/datasync/internal/infrastructure/config"
	"github.com/erp/datasync/internal/infrastructure/store"
)

// deps holds the stateful backends opened at startup
type deps struct {
	store       shared.PersistentStore
	redis       *redis.Client
	idempotency shared.IdempotencyStore
}

// openDeps opens the persistent store and, when the store or the bus needs
// it, one shared Redis client. plugins instrument the SQLite store.
func openDeps(ctx context.Context, cfg *config.Config, log *zap.Logger, plugins ...gorm.Plugin) (*deps, error) {
	d := &deps{}

	if cfg.Store.Driver == "redis" || cfg.Bus.Transport == "redis" {
		client, err := store.NewRedisClient(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		d.redis = client
		log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr()))
	}

	switch cfg.Store.Driver {
	case "redis":
		d.store = store.NewRedisStoreWithClient(d.redis, cfg.Store.KeyPrefix)
	case "sqlite":
		s, err := store.NewSQLiteStore(store.SQLiteConfig{
			Path:          cfg.SQLite.Path,
			LogLevel:      cfg.SQLite.LogLevel,
			SlowThreshold: cfg.SQLite.SlowThreshold,
			Plugins:       plugins,
		}, log)
		if err != nil {
			d.Close(log)
			return nil, err
		}
		d.store = s
	case "memory", "":
		d.store = store.NewMemoryStore()
	default:
		d.Close(log)
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if d.redis != nil {
		d.idempotency = bus.NewRedisIdempotencyStore(d.redis, cfg.Bus.ChannelPrefix+"idem:")
	} else {
		d.idempotency = bus.NewMemoryIdempotencyStore(time.Minute)
	}
	return d, nil
}

// Close releases everything openDeps opened. The Redis client goes last
// because the store and idempotency store share it.
func (d *deps) Close(log *zap.Logger) {
	if d.idempotency != nil {
		if err := d.idempotency.Close(); err != nil {
			log.Error("Error closing idempotency store", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Error("Error closing store", zap.Error(err))
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			log.Error("Error closing Redis", zap.Error(err))
		}
	}
}

// newTransport picks the cross-tab transport. A hub only reaches buses in
// this process, so a lone daemon on "hub" hears nothing but itself.
func newTransport(cfg *config.Config, d *deps, log *zap.Logger) (bus.Transport, error) {
	switch cfg.Bus.Transport {
	case "redis":
		return bus.NewRedisTransport(d.redis,
			bus.WithRedisChannel(cfg.Bus.ChannelPrefix+"events"),
			bus.WithRedisLogger(log)), nil
	case "hub", "":
		return bus.NewHub(0, bus.WithHubLogger(log)).Connect(), nil
	default:
		return nil, fmt.Errorf("unknown bus transport %q", cfg.Bus.Transport)
	}
}

func idempotencyConfig(cfg *config.Config) shared.IdempotencyConfig {
	c := shared.DefaultIdempotencyConfig()
	if cfg.Bus.IdempotencyTTL > 0 {
		c.TTL = cfg.Bus.IdempotencyTTL
	}
	return c
}
