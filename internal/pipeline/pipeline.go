// Package pipeline assembles the generation stack shared by the binaries:
// vendor client, browser pool, orchestrator, job registry and service.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/wwwzhouhui/seedance2.0/internal/browser"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
	"github.com/wwwzhouhui/seedance2.0/internal/jobs"
	"github.com/wwwzhouhui/seedance2.0/internal/providers/jimeng"
	"github.com/wwwzhouhui/seedance2.0/internal/providers/video"
	"github.com/wwwzhouhui/seedance2.0/internal/service"
	"github.com/wwwzhouhui/seedance2.0/internal/stream"
)

// Pipeline holds the long-lived components and shuts them down in order.
type Pipeline struct {
	Client  *jimeng.Client
	Pool    *browser.Pool
	Service *service.Service
	Proxy   *stream.Proxy

	logger *infra.Logger
}

// Build wires every component from cfg. The browser engine is launched
// lazily by the first submission.
func Build(cfg *infra.Config, logger *infra.Logger) (*Pipeline, error) {
	client, err := jimeng.NewClient(jimeng.Options{
		BaseURL:   cfg.JimengBaseURL,
		ImageXURL: cfg.ImageXBaseURL,
		Timeout:   cfg.APITimeout,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: jimeng client: %w", err)
	}

	pool := browser.NewPool(browser.Options{
		Launcher: browser.ChromeLauncher(browser.ChromeOptions{
			ExecPath:        cfg.ChromePath,
			AppURL:          client.AppURL(),
			CookieDomain:    jimeng.CookieDomain,
			UserAgent:       jimeng.UserAgent,
			ReadyTimeout:    cfg.BrowserReadyWait,
			ReadyChecks:     cfg.BrowserReadyChecks,
			ScriptAllowlist: cfg.ScriptAllowlist,
			Logger:          logger,
		}),
		IdleTimeout: cfg.BrowserIdleTimeout,
		Logger:      logger,
	})

	gen, err := video.NewSeedance(video.Options{
		API:      client,
		Browser:  pool,
		Logger:   logger,
		MaxPolls: cfg.PollMaxAttempts,
	})
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("pipeline: orchestrator: %w", err)
	}

	registry := jobs.NewRegistry(jobs.Options{
		TTL:       cfg.JobTTL,
		Retention: cfg.JobRetention,
		Logger:    logger,
	})
	svc, err := service.New(service.Options{
		Generator:        gen,
		Registry:         registry,
		DefaultSessionID: cfg.DefaultSessionID,
		Logger:           logger,
	})
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("pipeline: service: %w", err)
	}

	proxy := stream.NewProxy(stream.Options{
		HTTPClient:   &http.Client{},
		UserAgent:    jimeng.UserAgent,
		AllowedHosts: cfg.ProxyHosts,
		Logger:       logger,
	})

	return &Pipeline{
		Client:  client,
		Pool:    pool,
		Service: svc,
		Proxy:   proxy,
		logger:  logger,
	}, nil
}

// Start runs the background janitors.
func (p *Pipeline) Start() {
	p.Pool.Start()
	p.Service.Start()
}

// Close stops running jobs and the registry sweeper, then every browser
// session and the engine.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs []error
	if err := p.Service.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("service: %w", err))
	}
	if err := p.Pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("browser pool: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Error().Err(err).Msg("pipeline: shutdown incomplete")
		return err
	}
	return nil
}
