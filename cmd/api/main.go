package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wwwzhouhui/seedance2.0/internal/http/handlers"
	"github.com/wwwzhouhui/seedance2.0/internal/http/httpapi"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
	"github.com/wwwzhouhui/seedance2.0/internal/infra/geoip"
	"github.com/wwwzhouhui/seedance2.0/internal/pipeline"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	defer resolver.Close()

	p, err := pipeline.Build(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}
	p.Start()

	app := &handlers.App{
		Jobs:              p.Service,
		Streamer:          p.Proxy,
		Logger:            &logger,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		MaxUploadFiles:    cfg.MaxUploadFiles,
		UploadReadTimeout: cfg.UploadTimeout,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		CORSOrigins:     cfg.CORSOrigins,
		DefaultLocale:   cfg.DefaultLocale,
		CountryLookup:   resolver.Lookup(),
		RateLimitPerMin: cfg.RateLimitPerMin,
	})
	server := infra.NewHTTPServer(cfg, router, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DefaultSessionID == "" {
		logger.Warn().Msg("DEFAULT_SESSION_ID not set, requests must carry a sessionId")
	}
	if err := server.Run(ctx, cfg.HTTPIdleTimeout); err != nil {
		logger.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := p.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown pipeline")
	}
	logger.Info().Msg("server stopped")
}
