package app

import (
	"context"

	httpx "github.com/yungbote/snovault-indexer/internal/http"
	httpH "github.com/yungbote/snovault-indexer/internal/http/handlers"
	httpMW "github.com/yungbote/snovault-indexer/internal/http/middleware"
)

// NewServer builds the HTTP surface. lst may be nil when no listener runs in
// this process.
func (a *App) NewServer(lst httpH.ListenerStatus) *httpx.Server {
	a.Log.Info("Wiring http...")
	checks := map[string]httpH.Check{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if a.Clients.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Clients.Redis.Ping(ctx).Err() }
	}

	var auth *httpMW.AuthMiddleware
	if a.Cfg.Auth.JWTSecret != "" {
		auth = httpMW.NewAuthMiddleware(a.Log, a.Cfg.Auth.JWTSecret)
	} else {
		a.Log.Warn("auth.jwt_secret not set; POST /index is unauthenticated")
	}

	serviceName := ""
	if a.Cfg.Otel.Enabled {
		serviceName = a.Cfg.Otel.ServiceName
	}
	return httpx.NewServer(httpx.RouterConfig{
		Log:            a.Log,
		ServiceName:    serviceName,
		CORSOrigins:    a.Cfg.HTTP.CORSOrigins,
		Metrics:        a.Metrics,
		AuthMiddleware: auth,
		IndexHandler:   httpH.NewIndexHandler(a.Log, a.Indexing.Controller, lst, a.Cfg.Indexer.Username),
		HealthHandler:  httpH.NewHealthHandler(checks),
	})
}
