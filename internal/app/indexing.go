package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/data/db"
	"github.com/yungbote/snovault-indexer/internal/indexing/indexer"
	"github.com/yungbote/snovault-indexer/internal/indexing/invalidation"
	"github.com/yungbote/snovault-indexer/internal/indexing/listener"
	"github.com/yungbote/snovault-indexer/internal/indexing/lock"
	"github.com/yungbote/snovault-indexer/internal/indexing/snapshot"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
	"github.com/yungbote/snovault-indexer/internal/realtime/bus"
	"github.com/yungbote/snovault-indexer/internal/render"
)

type Indexing struct {
	Renderer   *render.Renderer
	Builder    *invalidation.Builder
	Controller *indexer.Controller
	Bus        bus.Bus
}

func wireIndexing(log *logger.Logger, cfg Config, clients Clients, repos Repos) (Indexing, error) {
	log.Info("Wiring indexing...")
	var out Indexing

	out.Renderer = render.NewRenderer(repos.Items, render.NewRegistry(cfg.Types), log)
	var opts []invalidation.Option
	if cfg.Indexer.InvalidationLimit > 0 {
		opts = append(opts, invalidation.WithLimit(cfg.Indexer.InvalidationLimit))
	}
	out.Builder = invalidation.NewBuilder(clients.Index, repos.Items, log, opts...)

	var snaps snapshot.Acquirer
	var workerDB indexer.WorkerDB
	if db.IsPostgres(clients.DB) {
		snaps = snapshot.NewCoordinator(cfg.Postgres.DSN, log)
		workerDB = postgresWorkerDB(cfg.Postgres)
	} else {
		log.Warn("database cannot export snapshots; workers read latest committed state")
		snaps = snapshot.NewEmbedded(clients.DB)
	}

	var cycleLock lock.Lock = lock.NewLocal()
	out.Bus = bus.NewLocalBus()
	if clients.Redis != nil {
		cycleLock = lock.NewRedis(clients.Redis, cfg.Redis.LockKey, cfg.Redis.LockTTL)
		b, err := bus.NewRedisBus(log, clients.Redis, cfg.Redis.Channel)
		if err != nil {
			return out, fmt.Errorf("redis bus: %w", err)
		}
		out.Bus = b
	}

	out.Controller = indexer.NewController(
		indexer.Config{
			PoolSize:        cfg.Indexer.PoolSize,
			MaxInFlight:     cfg.Indexer.MaxInFlight,
			PollInterval:    cfg.Indexer.ResultPoll,
			ShutdownTimeout: cfg.Indexer.ShutdownTimeout,
			RebuildQPS:      cfg.Indexer.RebuildQPS,
			MaxErrors:       cfg.Indexer.MaxErrors,
			Types:           cfg.Indexer.Types,
		},
		indexer.Deps{
			DB:        clients.DB,
			WorkerDB:  workerDB,
			Snapshots: snaps,
			TxLog:     repos.TxLog,
			Builder:   out.Builder,
			Index:     clients.Index,
			Objects:   indexer.NewObjectIndexer(out.Renderer, clients.Index, nil, log),
			Lock:      cycleLock,
			Bus:       out.Bus,
			Log:       log,
		},
	)
	return out, nil
}

// postgresWorkerDB gives every worker a single-connection handle so its
// snapshot-bound session never competes for the shared pool.
func postgresWorkerDB(pc PostgresConfig) indexer.WorkerDB {
	return func(ctx context.Context, workerID int) (*gorm.DB, func(), error) {
		gdb, err := db.Open(db.Options{DSN: pc.DSN, MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxLifetime: pc.ConnMaxLifetime})
		if err != nil {
			return nil, nil, fmt.Errorf("worker %d db: %w", workerID, err)
		}
		return gdb, func() {
			if sqlDB, err := gdb.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}, nil
	}
}

// NewListener builds a listener that drives a.Controller from notifications.
func (a *App) NewListener(dryRun bool, username string) (*listener.Listener, error) {
	if !db.IsPostgres(a.DB) {
		return nil, fmt.Errorf("listen requires a PostgreSQL database")
	}
	if username == "" {
		username = a.Cfg.Indexer.Username
	}
	return listener.New(listener.Config{
		PollInterval: a.Cfg.Indexer.PollInterval,
		Backoff:      a.Cfg.Indexer.Backoff,
		DryRun:       dryRun,
		Recovery:     a.Cfg.Indexer.Recovery,
		Username:     username,
		StatusSize:   a.Cfg.Indexer.StatusSize,
	}, listener.PgxDialer(a.Cfg.Postgres.DSN), a.Indexing.Controller, a.Log), nil
}
