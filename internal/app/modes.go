package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/legsafe/internal/archive"
	"github.com/alanyoungcy/legsafe/internal/assignment"
	"github.com/alanyoungcy/legsafe/internal/breaker"
	"github.com/alanyoungcy/legsafe/internal/coordinator"
	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/queue"
	"github.com/alanyoungcy/legsafe/internal/reconcile"
	"github.com/alanyoungcy/legsafe/internal/riskevent"
	"github.com/alanyoungcy/legsafe/internal/server"
	"github.com/alanyoungcy/legsafe/internal/server/handler"
	"github.com/alanyoungcy/legsafe/internal/server/ws"
)

// components are the safety services built on top of Dependencies.
type components struct {
	recorder    *riskevent.Recorder
	queue       *queue.Queue
	breaker     *breaker.Breaker
	worker      *queue.Worker
	coordinator *coordinator.Coordinator
	monitor     *assignment.Monitor
	reconciler  *reconcile.Engine
}

// PaperMode runs the full subsystem against the simulated broker.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode", slog.String("gateway", deps.Gateway.Name()))
	return a.run(ctx, deps, a.cfg.Server.AcceptIntents)
}

// LiveMode runs the full subsystem against the Alpaca account.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode", slog.String("gateway", deps.Gateway.Name()))
	return a.run(ctx, deps, a.cfg.Server.AcceptIntents)
}

// MonitorMode watches an account without taking new intents. Assignment
// mitigation, reconciliation and operator emergency closes stay active.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode", slog.String("gateway", deps.Gateway.Name()))
	if a.cfg.Server.AcceptIntents {
		a.logger.WarnContext(ctx, "server.accept_intents ignored in monitor mode")
	}
	return a.run(ctx, deps, false)
}

func (a *App) build(deps *Dependencies) components {
	cfg := a.cfg
	rec := riskevent.NewRecorder(deps.RiskEvents, deps.Bus, a.logger)

	q := queue.New(deps.QueueStore, queue.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		Backoff: queue.Backoff{
			Base:   cfg.Queue.BackoffBase.Duration,
			Max:    cfg.Queue.BackoffMax.Duration,
			Jitter: true,
		},
		BackfillDelay:      cfg.Queue.BackfillDelay.Duration,
		BackfillMaxRetries: cfg.Queue.BackfillMaxRetries,
		PollInterval:       queue.DefaultConfig().PollInterval,
	}, a.logger)

	br := breaker.New(breaker.Config{
		Name:             deps.Gateway.Name(),
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Window:           cfg.Breaker.Window.Duration,
		Cooldown:         cfg.Breaker.Cooldown.Duration,
	}, rec, deps.Notifier, deps.Metrics, a.logger)

	wcfg := queue.DefaultWorkerConfig()
	wcfg.CallTimeout = cfg.Queue.CallTimeout.Duration
	wcfg.BackfillInterval = cfg.Queue.BackfillInterval.Duration
	wcfg.BatchSize = cfg.Queue.BatchSize
	w := queue.NewWorker(q, deps.Gateway, deps.RateLimiter, br, deps.Metrics, wcfg, a.logger)

	coord := coordinator.New(coordinator.Deps{
		Positions: deps.Positions,
		Queue:     q,
		Gate:      br,
		Recorder:  rec,
		Alerts:    deps.Notifier,
		Locks:     deps.Locks,
		Bus:       deps.Bus,
		Metrics:   deps.Metrics,
	}, coordinator.Config{
		FillTimeout:      cfg.Coordinator.FillTimeout.Duration,
		FillPollInterval: cfg.Coordinator.FillPollInterval.Duration,
		ClosePolicy:      domain.ClosePolicy(cfg.Coordinator.ClosePolicy),
		UnwindFailedOpen: cfg.Coordinator.UnwindFailedOpen,
		LockTTL:          cfg.Coordinator.LockTTL.Duration,
	}, a.logger)

	mon := assignment.New(assignment.Deps{
		Positions:   deps.Positions,
		Queue:       q,
		Coordinator: coord,
		Events:      deps.Gateway,
		Recorder:    rec,
		Alerts:      deps.Notifier,
		Metrics:     deps.Metrics,
	}, assignment.Config{
		PollInterval: cfg.Assignment.PollInterval.Duration,
		Retain:       cfg.Assignment.Retain.Duration,
	}, a.logger)

	eng := reconcile.New(reconcile.Deps{
		Positions:     deps.Positions,
		Discrepancies: deps.Discrepancies,
		Queue:         q,
		Mitigator:     mon,
		Recorder:      rec,
		Alerts:        deps.Notifier,
		Metrics:       deps.Metrics,
	}, reconcile.Config{Interval: cfg.Reconcile.Interval.Duration}, a.logger)

	return components{
		recorder:    rec,
		queue:       q,
		breaker:     br,
		worker:      w,
		coordinator: coord,
		monitor:     mon,
		reconciler:  eng,
	}
}

// run starts every long-lived goroutine and blocks until ctx ends or one of
// them fails. Startup order: breaker state and in-flight queue items are
// restored, the worker starts, coordinator recovery runs through it, and
// only then do the monitor and reconciler begin.
func (a *App) run(ctx context.Context, deps *Dependencies, acceptIntents bool) error {
	c := a.build(deps)

	if err := c.breaker.Restore(ctx); err != nil {
		a.logger.WarnContext(ctx, "breaker state not restored", slog.String("error", err.Error()))
	}
	if _, err := c.queue.Recover(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.worker.Run(ctx)
	})

	recovered := make(chan struct{})
	g.Go(func() error {
		start := time.Now()
		if err := c.coordinator.Recover(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("app: %w", err)
		}
		a.logger.InfoContext(ctx, "startup recovery finished", slog.Duration("took", time.Since(start)))
		close(recovered)
		return nil
	})

	afterRecovery := func(run func(context.Context) error) func() error {
		return func() error {
			select {
			case <-recovered:
			case <-ctx.Done():
				return nil
			}
			return run(ctx)
		}
	}
	g.Go(afterRecovery(c.monitor.Run))
	g.Go(afterRecovery(c.reconciler.Run))

	if deps.Archiver != nil {
		sched := archive.NewScheduler(deps.Archiver, a.cfg.Archive.LookbackDays, a.logger)
		g.Go(func() error {
			return sched.Run(ctx, a.cfg.Archive.Cron)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, acceptIntents)
	}

	return g.Wait()
}

// startHTTPServer registers the websocket hub and the HTTP API on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c components, acceptIntents bool) {
	hub := ws.NewHub(deps.Bus, a.cfg.Mode, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	checks := make(map[string]handler.Check, len(deps.Checks)+1)
	for name, check := range deps.Checks {
		checks[name] = check
	}
	checks["breaker"] = func(context.Context) error {
		if c.breaker.State() == breaker.StateOpen {
			return errors.New("broker circuit open")
		}
		return nil
	}

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		RateLimit:     a.cfg.Server.RateLimit,
		AcceptIntents: acceptIntents,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(a.cfg.Mode, checks, a.logger),
		Positions: handler.NewPositionHandler(deps.Positions, c.coordinator, c.monitor, a.logger),
		Risk:      handler.NewRiskHandler(c.recorder, deps.Discrepancies, a.logger),
		Ops:       handler.NewOpsHandler(c.queue, c.breaker, c.reconciler, c.coordinator, c.monitor, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Run(ctx)
	})
}
