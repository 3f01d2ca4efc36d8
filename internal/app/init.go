package app

import (
	"context"

	"github.com/clawrouter/clawrouter/internal/balance"
	"github.com/clawrouter/clawrouter/internal/catalog"
	"github.com/clawrouter/clawrouter/internal/dedup"
	"github.com/clawrouter/clawrouter/internal/logger"
	"github.com/clawrouter/clawrouter/internal/metrics"
	"github.com/clawrouter/clawrouter/internal/payment"
	"github.com/clawrouter/clawrouter/internal/router"
	"github.com/clawrouter/clawrouter/internal/upstream"
)

func (a *App) initCatalog(_ context.Context) error {
	cat, err := catalog.New(a.cfg.TierOverrides())
	if err != nil {
		return err
	}
	a.cat = cat
	return nil
}

func (a *App) initRouter(_ context.Context) error {
	cfg := router.DefaultConfig()
	cfg.ConfidenceThreshold = a.cfg.Router.ConfidenceThreshold
	cfg.AmbiguousDefaultTier = catalog.Tier(a.cfg.Router.AmbiguousTier)
	cfg.MaxTokensForceComplex = a.cfg.Router.MaxTokensForceComplex

	rt, err := router.New(cfg, a.cat)
	if err != nil {
		return err
	}
	a.rt = rt
	return nil
}

func (a *App) initPayment(_ context.Context) error {
	if a.cfg.WalletKey == "" {
		a.log.Warn("no wallet key configured; all requests route to the free tier")
		return nil
	}
	signer, err := payment.NewWalletSigner(a.cfg.WalletKey)
	if err != nil {
		return err
	}
	a.engine = payment.NewEngine(signer, a.log)
	return nil
}

func (a *App) initProxy(ctx context.Context) error {
	client, err := upstream.NewClient(upstream.Config{
		BaseURL:          a.cfg.UpstreamURL,
		ConnectTimeout:   a.cfg.Timeouts.Connect,
		FirstByteTimeout: a.cfg.Timeouts.FirstByte,
		TotalTimeout:     a.cfg.Timeouts.Total,
	}, a.log)
	if err != nil {
		return err
	}
	a.client = client

	a.registry = dedup.NewRegistry(dedup.Config{
		Capacity: a.cfg.Dedup.Capacity,
		TTL:      a.cfg.Dedup.TTL,
	}, a.log)

	// The monitor consumes only a boolean. Without a wallet there is nothing
	// to probe; the wallet is permanently empty.
	a.monitor = balance.NewMonitor(nil, a.cfg.BalanceInterval, a.log)
	a.monitor.SetEmpty(a.engine == nil)
	a.monitor.Start(ctx)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	return nil
}
