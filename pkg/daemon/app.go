// Package daemon composes the scheduler's always-on process: the main
// tick that peeks and spawns work for every daemon-scheduled workflow's
// agents, the Recovery Sweeper's three independent passes, the local HTTP
// API, and the PID-file singleton guard (spec.md §4.7, §9): a
// ticker/cancel/done goroutine shape extended to three independent tickers.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vardasoft/antfarm/pkg/api"
	"github.com/vardasoft/antfarm/pkg/config"
	"github.com/vardasoft/antfarm/pkg/events"
	"github.com/vardasoft/antfarm/pkg/metrics"
	"github.com/vardasoft/antfarm/pkg/models"
	"github.com/vardasoft/antfarm/pkg/pipeline"
	"github.com/vardasoft/antfarm/pkg/spawner"
	"github.com/vardasoft/antfarm/pkg/store"
	"github.com/vardasoft/antfarm/pkg/sweeper"
	"github.com/vardasoft/antfarm/pkg/workflow"
)

// App is the composition root: every long-lived dependency lives as a
// field here, built once in main, instead of as package-level singletons
// (spec.md §9).
type App struct {
	Config  *config.Config
	Store   *store.Store
	Journal *events.Journal
	Cache   *workflow.Cache
	Engine  *pipeline.Engine
	Sweeper *sweeper.Sweeper
	Spawner *spawner.Spawner
	Gateway *spawner.GatewayClient
	API     *api.Server

	httpServer *http.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New wires an App from a resolved Config. It does not start anything.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := store.NewStore(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	webhook, err := events.NewWebhookDispatcher(cfg.WebhookURL)
	if err != nil {
		return nil, fmt.Errorf("daemon: build webhook dispatcher: %w", err)
	}
	journal, err := events.NewJournal(cfg.JournalPath, webhook)
	if err != nil {
		return nil, fmt.Errorf("daemon: open journal: %w", err)
	}

	cache := workflow.NewCache(cfg.WorkflowDir)
	engine := pipeline.NewEngine(st, journal, cfg.ProgressDir)
	sweep := sweeper.New(st, engine, journal, cache)
	engine.Sweeper = sweep
	gateway := spawner.NewGatewayClient(cfg.GatewayURL, cfg.GatewayTimeout)
	spawn := spawner.New(st, engine, gateway, journal)
	apiServer := api.NewServer(engine, cache, journal)

	return &App{
		Config:  cfg,
		Store:   st,
		Journal: journal,
		Cache:   cache,
		Engine:  engine,
		Sweeper: sweep,
		Spawner: spawn,
		Gateway: gateway,
		API:     apiServer,
	}, nil
}

// Run acquires the PID file, starts the HTTP API and the three tickers,
// and blocks until ctx is cancelled (normally by a SIGTERM/SIGINT caught
// in main via signal.NotifyContext). It releases the PID file and closes
// the journal before returning.
func (a *App) Run(ctx context.Context) error {
	if err := acquirePIDFile(a.Config.PIDFile); err != nil {
		return err
	}
	defer releasePIDFile(a.Config.PIDFile)
	defer a.Journal.Close()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.startHTTP(runCtx)
	a.startTicker(runCtx, "main", time.Duration(a.Config.Daemon.IntervalMS)*time.Millisecond, a.tick)
	a.startTicker(runCtx, "sweep_claiming", a.Config.SweepInterval, a.sweepClaimingTick)
	a.startTicker(runCtx, "sweep_sessions", a.Config.SessionGCEvery, a.sweepSessionsTick)

	slog.Info("daemon: started", "interval_ms", a.Config.Daemon.IntervalMS,
		"sweep_claiming_every", a.Config.SweepInterval, "sweep_sessions_every", a.Config.SessionGCEvery)

	<-runCtx.Done()
	a.stopHTTP()
	a.wg.Wait()
	slog.Info("daemon: stopped")
	return nil
}

// Stop cancels the run loop; Run's caller normally does this via ctx
// instead, but Stop is exposed for tests that build an App directly.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *App) startHTTP(ctx context.Context) {
	a.httpServer = &http.Server{Addr: a.Config.ListenAddr, Handler: a.API.Router()}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("daemon: http server exited", "error", err)
		}
	}()
}

func (a *App) stopHTTP() {
	if a.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("daemon: http server shutdown", "error", err)
	}
}

func (a *App) startTicker(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				slog.Debug("daemon: tick", "ticker", name)
				fn(ctx)
			}
		}
	}()
}

// tick fans out peekAndSpawn over every daemon-scheduled run's agents
// (spec.md §4.7). A re-entrant tick (the previous one still running past
// the next boundary) is tolerated: each peekAndSpawn call is independent
// and idempotent at the claim layer.
func (a *App) tick(ctx context.Context) {
	runs, err := a.Store.ListActiveRuns(ctx, models.SchedulerDaemon)
	if err != nil {
		slog.Error("daemon: list active runs", "error", err)
		return
	}

	seenWorkflow := make(map[string]bool)
	for _, run := range runs {
		if seenWorkflow[run.WorkflowID] {
			continue
		}
		seenWorkflow[run.WorkflowID] = true

		if !a.workflowAllowed(run.WorkflowID) {
			continue
		}

		spec, err := a.Cache.Get(run.WorkflowID)
		if err != nil {
			slog.Error("daemon: load workflow spec", "workflow_id", run.WorkflowID, "error", err)
			continue
		}
		cacheStats := a.Cache.Stats()
		metrics.ObserveCache(metrics.CacheStats{Size: cacheStats.Size, HitRate: cacheStats.HitRate})

		for _, agentID := range spec.Agents() {
			result := a.Spawner.PeekAndSpawn(ctx, agentID, spec, models.SpawnedByDaemon)
			if result.Error != nil {
				slog.Error("daemon: peek and spawn", "agent_id", agentID, "workflow_id", run.WorkflowID, "error", result.Error)
				metrics.SpawnsTotal.WithLabelValues("error").Inc()
				continue
			}
			if result.Spawned {
				metrics.SpawnsTotal.WithLabelValues("spawned").Inc()
			} else if result.Rollback {
				metrics.SpawnsTotal.WithLabelValues("rollback").Inc()
			} else {
				metrics.SpawnsTotal.WithLabelValues(result.Reason).Inc()
			}
		}
	}
}

func (a *App) workflowAllowed(workflowID string) bool {
	if len(a.Config.Daemon.WorkflowIDs) == 0 {
		return true
	}
	for _, id := range a.Config.Daemon.WorkflowIDs {
		if id == workflowID {
			return true
		}
	}
	return false
}

func (a *App) sweepClaimingTick(ctx context.Context) {
	if err := a.Sweeper.Sweep(ctx); err != nil {
		slog.Error("daemon: sweep", "error", err)
	}
	if err := a.Sweeper.SweepClaiming(ctx); err != nil {
		slog.Error("daemon: sweep claiming", "error", err)
	}
}

func (a *App) sweepSessionsTick(ctx context.Context) {
	if err := a.Sweeper.SweepSessions(ctx); err != nil {
		slog.Error("daemon: sweep sessions", "error", err)
	}
}
