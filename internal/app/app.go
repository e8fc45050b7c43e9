package app

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/observability"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
	"github.com/yungbote/snovault-indexer/internal/realtime/bus"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Metrics  *observability.Metrics
	Clients  Clients
	Repos    Repos
	Indexing Indexing

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// New wires every dependency named by cfg. The caller owns log.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*App, error) {
	metrics := observability.Init(log)
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.Otel.Enabled,
		ServiceName: cfg.Otel.ServiceName,
		Environment: cfg.Otel.Environment,
		Endpoint:    cfg.Otel.Endpoint,
		Insecure:    cfg.Otel.Insecure,
		Headers:     cfg.Otel.Headers,
		SampleRatio: cfg.Otel.SampleRatio,
	})

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}
	reposet := wireRepos(clients.DB, log)
	indexing, err := wireIndexing(log, cfg, clients, reposet)
	if err != nil {
		clients.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	return &App{
		Log:          log,
		DB:           clients.DB,
		Cfg:          cfg,
		Metrics:      metrics,
		Clients:      clients,
		Repos:        reposet,
		Indexing:     indexing,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the worker pool and the cycle event forwarder.
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.Indexing.Controller.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	err := a.Indexing.Bus.StartForwarder(ctx, func(ev bus.CycleEvent) {
		a.Log.Info("cycle finished",
			"xmin", ev.Xmin,
			"status", ev.Status,
			"indexed", ev.Indexed,
			"errors", ev.Errors,
			"full_rebuild", ev.FullRebuild,
		)
	})
	if err != nil {
		a.Log.Warn("cycle event forwarder not started", "error", err)
	}
	return nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Indexing.Controller != nil {
		a.Indexing.Controller.Close()
	}
	if a.Indexing.Bus != nil {
		_ = a.Indexing.Bus.Close()
	}
	a.Clients.Close()
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
}
