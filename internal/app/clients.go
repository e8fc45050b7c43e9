package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/data/db"
	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/docindex/elastic"
	"github.com/yungbote/snovault-indexer/internal/docindex/memindex"
	"github.com/yungbote/snovault-indexer/internal/docindex/pebblestore"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

type Clients struct {
	DB    *gorm.DB
	Redis goredis.UniversalClient
	Index docindex.Index
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var c Clients

	pg, err := db.NewPostgresService(log, db.Options{
		DSN:             cfg.Postgres.DSN,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return c, fmt.Errorf("init postgres: %w", err)
	}
	c.DB = pg.DB()
	if cfg.Postgres.AutoMigrate {
		if err := db.AutoMigrateAll(c.DB); err != nil {
			c.Close()
			return c, fmt.Errorf("postgres automigrate: %w", err)
		}
	}

	if cfg.Redis.Addr != "" {
		rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:       []string{cfg.Redis.Addr},
			Password:    cfg.Redis.Password,
			DialTimeout: 5 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			c.Close()
			return c, fmt.Errorf("redis ping: %w", err)
		}
		c.Redis = rdb
	}

	idx, err := openIndex(ctx, log, cfg.Index)
	if err != nil {
		c.Close()
		return c, err
	}
	c.Index = idx
	return c, nil
}

func openIndex(ctx context.Context, log *logger.Logger, cfg IndexConfig) (docindex.Index, error) {
	switch cfg.Backend {
	case "elastic":
		es, err := elastic.New(elastic.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Index:     cfg.Name,
			MetaIndex: cfg.MetaName,
		}, log)
		if err != nil {
			return nil, err
		}
		if err := es.EnsureIndices(ctx); err != nil {
			return nil, fmt.Errorf("ensure indices: %w", err)
		}
		return es, nil
	case "pebble":
		st, err := pebblestore.Open(cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		log.Warn("using in-memory document index; documents are lost on exit")
		return memindex.New(), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}

// Close releases every client that was opened.
func (c Clients) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
