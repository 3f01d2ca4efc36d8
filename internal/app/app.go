// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initCatalog — model catalog with configured tier overrides
//  2. initRouter  — scoring router
//  3. initPayment — wallet signer + payment engine (optional)
//  4. initProxy   — upstream client, dedup registry, balance monitor, server
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/clawrouter/clawrouter/internal/balance"
	"github.com/clawrouter/clawrouter/internal/catalog"
	"github.com/clawrouter/clawrouter/internal/config"
	"github.com/clawrouter/clawrouter/internal/dedup"
	"github.com/clawrouter/clawrouter/internal/logger"
	"github.com/clawrouter/clawrouter/internal/metrics"
	"github.com/clawrouter/clawrouter/internal/payment"
	"github.com/clawrouter/clawrouter/internal/proxy"
	"github.com/clawrouter/clawrouter/internal/router"
	"github.com/clawrouter/clawrouter/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	cat       *catalog.Catalog
	rt        *router.Router
	engine    *payment.Engine // nil when no wallet key
	client    *upstream.Client
	registry  *dedup.Registry
	monitor   *balance.Monitor
	reqLogger *logger.Logger
	prom      *metrics.Registry

	handle proxy.Handle
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"catalog", a.initCatalog},
		{"router", a.initRouter},
		{"payment", a.initPayment},
		{"proxy", a.initProxy},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the proxy and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	handle, err := proxy.Start(proxy.Options{
		Port:      a.cfg.Port,
		Disabled:  a.cfg.Disabled,
		Catalog:   a.cat,
		Router:    a.rt,
		Payment:   a.engine,
		Upstream:  a.client,
		Registry:  a.registry,
		Balance:   a.monitor,
		Logger:    a.log,
		ReqLogger: a.reqLogger,
		Metrics:   a.prom,
	})
	if err != nil {
		return err
	}
	a.handle = handle

	a.log.Info("proxy started",
		slog.String("version", a.version),
		slog.String("base_url", handle.BaseURL()),
		slog.String("wallet", handle.WalletAddress()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})
	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.handle != nil {
		if err := a.handle.Close(); err != nil {
			a.log.Error("proxy close error", slog.String("error", err.Error()))
		}
		a.handle = nil
	}
	if a.monitor != nil {
		a.monitor.Close()
		a.monitor = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
}
