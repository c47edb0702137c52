package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"tg-imagebot/internal/config"
	"tg-imagebot/internal/logger"
)

// Backend bundles the stores opened for one database driver
type Backend struct {
	Store   Store
	History HistoryStore
	// DB is set for the SQL drivers only
	DB *gorm.DB

	closers []func() error
}

// Open connects the backend selected by cfg.Database.Driver. SQL schemas are
// migrated on open.
func Open(cfg *config.Config) (*Backend, error) {
	switch cfg.Database.Driver {
	case "mysql", "sqlite":
		db, err := OpenDB(cfg)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		b := &Backend{
			Store:   NewBanRepository(db),
			History: NewHistoryRepository(db),
			DB:      db,
		}
		if sqlDB, err := db.DB(); err == nil {
			b.closers = append(b.closers, sqlDB.Close)
		}
		return b, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Database.Redis.Addr,
			Password: cfg.Database.Redis.Password,
			DB:       cfg.Database.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Database.Redis.Addr, err)
		}
		logger.Infof("Connected to redis at %s", cfg.Database.Redis.Addr)

		store := NewRedisStore(client, cfg.Database.Redis.Prefix)
		return &Backend{Store: store, History: store, closers: []func() error{client.Close}}, nil

	case "memory":
		logger.Warning("Using in-memory store, bans and warnings will not survive a restart")
		store := NewMemoryStore()
		return &Backend{Store: store, History: store}, nil
	}

	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

// Close releases the backend's connections
func (b *Backend) Close() error {
	var firstErr error
	for _, closeFn := range b.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
