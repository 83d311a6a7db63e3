// 程序入口：读取配置、装配检测管线并启动 HTTP 服务；路由注册在 internal/api
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"territory-api/internal/api"
	"territory-api/internal/app"
	"territory-api/internal/config"
	"territory-api/internal/logger"
	"territory-api/internal/ratelimit"

	"github.com/go-chi/chi/v5"
)

func main() {
	l := logger.Setup()
	l.Debug("log_init_ok")
	cfg, err := config.Load()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	l.Debug("config_api_base", "base", cfg.APIBase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{WithStore: true, WithKafka: true, WithGeoIP: true})
	if err != nil {
		l.Error("app_build_error", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			l.Error("app_close_error", "err", err)
		}
	}()
	l.Info("pipeline_ready", "store", a.Store != nil, "kafka", a.Publisher != nil, "geoip", a.GeoIP != nil, "backend", a.Backend != nil)

	deps := api.Deps{
		Resolver:     a.Resolver,
		Streets:      a.Streets,
		Orchestrator: a.Orchestrator,
		Sessions:     a.Sessions,
		GeoIP:        a.GeoIP,
		Country:      cfg.Country,
	}
	if a.Store != nil {
		deps.Runs = a.Store
	}
	srv := api.NewServer(deps)
	defer srv.Close()
	go a.Sessions.Janitor(ctx, 10*time.Minute)

	r := chi.NewRouter()
	r.Use(logger.AccessMiddleware(l))
	r.Use(ratelimit.Middleware(cfg.Limits.HTTPQPS))
	r.Mount(cfg.APIBase, srv.Routes())

	s := &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()
	l.Info("listening", "addr", cfg.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("listen_error", "err", err)
	}
	l.Info("shutdown_complete")
}
