package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fusionrelay/internal/auction"
	s3blob "github.com/alanyoungcy/fusionrelay/internal/blob/s3"
	"github.com/alanyoungcy/fusionrelay/internal/coordinator"
	"github.com/alanyoungcy/fusionrelay/internal/crypto"
	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/executor"
	"github.com/alanyoungcy/fusionrelay/internal/monitor"
	"github.com/alanyoungcy/fusionrelay/internal/orderbook"
	"github.com/alanyoungcy/fusionrelay/internal/planner"
	"github.com/alanyoungcy/fusionrelay/internal/server"
	"github.com/alanyoungcy/fusionrelay/internal/server/handler"
	"github.com/alanyoungcy/fusionrelay/internal/server/ws"
	"github.com/alanyoungcy/fusionrelay/internal/service"
	"github.com/alanyoungcy/fusionrelay/internal/vault"
)

// pipeline is the running relayer: admission, auctions, coordination,
// settlement and chain watching.
type pipeline struct {
	book     *orderbook.Book
	auctions *auction.Engine
	coord    *coordinator.Coordinator
	exec     *executor.Executor
	mon      *monitor.Monitor
	svc      *service.RelayerService
}

// RelayerMode runs the relayer against remote chain adapters with durable
// Postgres state.
func (a *App) RelayerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "relayer mode starting",
		slog.String("src_chain", a.cfg.Chains.Source.Name),
		slog.String("dst_chain", a.cfg.Chains.Destination.Name),
	)
	return a.runPipeline(ctx, deps)
}

// SimulateMode runs the same pipeline over in-process ledgers and stores.
// Nothing survives a restart.
func (a *App) SimulateMode(ctx context.Context, deps *Dependencies) error {
	for _, l := range deps.Ledgers {
		a.logger.InfoContext(ctx, "simulated ledger ready", slog.String("chain", l.Name()))
	}
	return a.runPipeline(ctx, deps)
}

// buildPipeline assembles the components in dependency order. The executor
// and coordinator reference each other, so the result callback is attached
// after both exist.
func (a *App) buildPipeline(deps *Dependencies) (*pipeline, error) {
	cfg := a.cfg

	minSource, ok := cfg.MinSourceAmount()
	if !ok {
		return nil, fmt.Errorf("app: bad min_source_amount %q", cfg.OrderBook.MinSourceAmount)
	}

	submitters := make(map[string]domain.Submitter, len(deps.Chains))
	sources := make(map[string]domain.EventSource, len(deps.Chains))
	for name, ch := range deps.Chains {
		submitters[name] = ch
		sources[name] = ch
	}

	auctions := auction.NewEngine(auction.Config{
		Duration:        cfg.Auction.Duration.Duration,
		StartPremiumBps: cfg.Auction.StartPremiumBps,
	}, a.logger)

	exec := executor.NewExecutor(executor.Config{
		MaxAttempts:    cfg.Executor.MaxAttempts,
		BaseDelay:      cfg.Executor.BaseDelay.Duration,
		MaxDelay:       cfg.Executor.MaxDelay.Duration,
		SubmitTimeout:  cfg.Executor.SubmitTimeout.Duration,
		IdempotencyTTL: cfg.Executor.IdempotencyTTL.Duration,
	}, submitters, deps.Idempotency, nil, a.logger)

	coord := coordinator.New(coordinator.Config{
		SourceTimeout:        cfg.HTLC.SourceTimeout.Duration,
		SafetyMargin:         cfg.HTLC.SafetyMargin.Duration,
		TimelockGuard:        cfg.HTLC.TimelockGuard.Duration,
		MinDestinationWindow: cfg.HTLC.MinDestinationWindow.Duration,
		MinTimelock:          cfg.HTLC.MinTimelock.Duration,
		MaxTimelock:          cfg.HTLC.MaxTimelock.Duration,
		InboxSize:            cfg.Relayer.InboxSize,
		EventBufferTTL:       cfg.Relayer.EventBufferTTL.Duration,
		SweepInterval:        cfg.Relayer.SweepInterval.Duration,
		AutoReveal:           cfg.Relayer.AutoReveal,
		LockTTL:              cfg.Relayer.LockTTL.Duration,
		UnobservedLockGrace:  cfg.Relayer.UnobservedLockGrace.Duration,
	}, coordinator.Deps{
		Auctions: auctions,
		Planner: planner.New(planner.Config{
			MinFillRatio:   cfg.Planner.MinFillRatio,
			RatioStep:      cfg.Planner.RatioStep,
			VariableFeeBps: cfg.Planner.VariableFeeBps,
		}),
		Vault:        vault.New(deps.Secrets, deps.Sealer, a.logger),
		Executor:     exec,
		States:       deps.States,
		VerifyCancel: crypto.VerifyCancel,
		Audit:        deps.Audit,
		Locks:        deps.Locks,
		Alerts:       deps.Notifier,
		Bus:          deps.Bus,
	}, a.logger)
	exec.SetResultFunc(coord.HandleResult)

	mon := monitor.New(monitor.Config{
		DedupTTL:        cfg.Monitor.DedupTTL.Duration,
		DedupMaxEntries: cfg.Monitor.DedupMaxEntries,
		ResubscribeBase: cfg.Monitor.ResubscribeBase.Duration,
		ResubscribeMax:  cfg.Monitor.ResubscribeMax.Duration,
		ChannelSize:     cfg.Monitor.ChannelSize,
	}, sources, coord.Filter(), a.logger)

	book := orderbook.New(orderbook.Config{
		MinSourceAmount: minSource,
		SrcChain:        cfg.Chains.Source.Name,
		DstChain:        cfg.Chains.Destination.Name,
	}, crypto.NewOrderHasher(cfg.Relayer.DomainName, cfg.Relayer.DomainVersion, cfg.Relayer.ChainID),
		deps.States, coord, a.logger)

	svc := service.NewRelayerService(book, auctions, coord, deps.Limiter, service.BidLimit{
		Limit:  cfg.Auction.BidRateLimit,
		Window: cfg.Auction.BidRateWindow.Duration,
	}, deps.Audit, a.logger)
	for name, check := range deps.HealthChecks {
		svc.WithHealthCheck(name, check)
	}

	return &pipeline{
		book:     book,
		auctions: auctions,
		coord:    coord,
		exec:     exec,
		mon:      mon,
		svc:      svc,
	}, nil
}

// runPipeline restores persisted orders, then runs every component under one
// errgroup until ctx is cancelled or a component fails.
func (a *App) runPipeline(ctx context.Context, deps *Dependencies) error {
	if a.cfg.Archive.Enabled && deps.BlobWriter == nil {
		return errors.New("app: archive enabled without s3")
	}
	p, err := a.buildPipeline(deps)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, p.exec.Close)

	restored, err := p.coord.Restore(ctx)
	if err != nil {
		return fmt.Errorf("app: restore orders: %w", err)
	}
	p.book.Restore(restored)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.coord.Run(ctx) })
	g.Go(func() error { return p.exec.Run(ctx) })
	g.Go(func() error { return p.mon.Run(ctx, p.coord.HandleEvent) })

	if a.cfg.Archive.Enabled {
		archiver := s3blob.NewArchiver(
			deps.BlobWriter,
			deps.BlobReader,
			deps.States,
			deps.Audit,
			a.cfg.Archive.Prefix,
			a.cfg.Archive.BatchSize,
			a.logger,
			p.book.Forget,
			p.coord.Forget,
		)
		archive := service.NewArchiveService(archiver,
			a.cfg.Archive.Interval.Duration, a.cfg.Archive.Retention.Duration, a.logger)
		g.Go(func() error { return archive.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, p)
	}

	return g.Wait()
}

// startHTTPServer registers the API and WebSocket hub on g. The server shuts
// down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, p *pipeline) {
	hub := ws.NewHub(p.svc, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKeys:       a.cfg.Server.APIKeys,
		Limiter:       deps.Limiter,
		RequestLimit:  a.cfg.Server.RequestLimit,
		RequestWindow: a.cfg.Server.RequestWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(p.svc),
		Orders: handler.NewOrderHandler(p.svc, a.logger),
		Bids:   handler.NewBidHandler(p.svc, a.logger),
	}, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
