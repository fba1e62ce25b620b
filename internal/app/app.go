// Package app assembles the engine. It owns construction order, the unlock
// modes, the serving lifecycle, and the shutdown sequence; the CLI builds an
// App and drives it instead of wiring components itself.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgfeed/tca/internal/config"
	"github.com/tgfeed/tca/internal/dedupe"
	"github.com/tgfeed/tca/internal/ingest"
	"github.com/tgfeed/tca/internal/logging"
	"github.com/tgfeed/tca/internal/ops"
	"github.com/tgfeed/tca/internal/sched"
	"github.com/tgfeed/tca/internal/secrets"
	"github.com/tgfeed/tca/internal/settings"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/telemetry"
	"github.com/tgfeed/tca/internal/upstream/telegram"
)

// UpstreamManager is the slice of the telegram manager the app depends on.
// Tests substitute a fake source that never dials out.
type UpstreamManager interface {
	ingest.ClientSource
	CloseAll(ctx context.Context) error
}

// Options tune an App. The zero value gives production wiring.
type Options struct {
	// Upstream overrides the gotd-backed client manager.
	Upstream UpstreamManager
	// Metrics overrides the engine instrument set.
	Metrics *telemetry.EngineMetrics
	// Now supplies the clock, for tests.
	Now func() time.Time
	Log *zerolog.Logger
}

// App is one assembled engine over one store. Open builds it, Start brings
// up the serving components, Shutdown tears everything down in dependency
// order.
type App struct {
	cfg      *config.Config
	store    *storage.Store
	writer   *storage.WriterQueue
	settings *settings.Store
	secrets  *secrets.Manager
	engine   *dedupe.Engine
	upstream UpstreamManager

	pipeline  *ingest.Pipeline
	scheduler *sched.Scheduler
	backup    *ops.Backup
	pruner    *ops.Pruner
	loop      *ops.Loop

	metrics *telemetry.EngineMetrics
	now     func() time.Time
	log     zerolog.Logger

	mu      sync.Mutex
	serving bool
	stops   []stopFn
}

// stopFn cancels one running component and waits for it, bounded by ctx.
type stopFn struct {
	name   string
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Open builds the full component graph over cfg.DBPath and seeds settings.
// The returned App is locked: call Unlock before Start or any operation
// that touches credentials.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: opts.Metrics,
		now:     opts.Now,
		log:     logging.WithComponent("app"),
	}
	if a.now == nil {
		a.now = time.Now
	}
	if opts.Log != nil {
		a.log = *opts.Log
	}
	if a.metrics == nil {
		a.metrics = telemetry.NewEngineMetrics()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.Open(ctx, cfg.DBPath, storage.Options{Log: &a.log})
	if err != nil {
		return nil, err
	}
	a.store = store
	a.writer = storage.NewWriterQueue(store, &a.log)

	a.settings = settings.NewStore(store, a.writer)
	if err := a.settings.Seed(ctx); err != nil {
		a.teardownPartial(ctx)
		return nil, fmt.Errorf("seed settings: %w", err)
	}
	a.secrets = secrets.NewManager(store, a.writer, a.settings, &a.log)

	var chain *dedupe.ChainConfig
	if cfg.DedupeConfig != "" {
		chain, err = dedupe.LoadChainConfig(cfg.DedupeConfig)
		if err != nil {
			a.teardownPartial(ctx)
			return nil, err
		}
	}
	engineLog := logging.WithComponent("dedupe")
	a.engine = dedupe.NewEngine(store, a.writer, a.settings, dedupe.Options{
		Chain: chain,
		Now:   a.now,
		Log:   &engineLog,
	})

	a.upstream = opts.Upstream
	if a.upstream == nil {
		a.upstream = telegram.NewManager(store, a.writer, a.secrets.Keyring(), telegram.ManagerOptions{})
	}

	a.pipeline = ingest.New(store, a.writer, a.settings, a.engine, a.upstream, ingest.Options{
		Metrics: a.metrics,
		Now:     a.now,
	})
	a.scheduler = sched.New(store, a.writer, a.settings, a.pipeline, sched.Options{Now: a.now})
	a.backup = ops.NewBackup(store, a.writer, a.settings, cfg.BackupDir, ops.BackupOptions{
		Metrics: a.metrics,
		Now:     a.now,
	})
	a.pruner = ops.NewPruner(store, a.writer, a.settings, ops.PrunerOptions{
		Metrics: a.metrics,
		Now:     a.now,
	})
	a.loop = ops.NewLoop(a.backup, a.pruner, a.writer, ops.LoopOptions{
		Metrics: a.metrics,
		Now:     a.now,
	})
	return a, nil
}

// teardownPartial unwinds a half-built App after an Open failure.
func (a *App) teardownPartial(ctx context.Context) {
	if a.writer != nil {
		if err := a.writer.Close(ctx); err != nil && !errors.Is(err, storage.ErrClosed) {
			a.log.Warn().Err(err).Msg("writer close failed during teardown")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("store close failed during teardown")
		}
	}
}

// Unlock makes key material available per the configured mode: auto-unlock
// reads the mounted secret file and ignores the passphrase argument,
// interactive derives from the passphrase.
func (a *App) Unlock(ctx context.Context, passphrase string) error {
	if a.cfg.Mode == config.ModeAutoUnlock {
		return a.secrets.UnlockFromSecretFile(ctx, a.cfg.SecretFile)
	}
	return a.secrets.UnlockWithPassphrase(ctx, passphrase)
}

// EnsureBootstrap generates the one-time bootstrap token on first unlock.
// It reports whether a new token was written to the configured token file.
func (a *App) EnsureBootstrap(ctx context.Context) (bool, error) {
	return a.secrets.EnsureBootstrapToken(ctx, a.cfg.TokenFile)
}

// Start brings up the serving components: ingest workers first so the
// re-enqueued leftovers have consumers, then the scheduler, then the
// nightly ops loop. It requires an unlocked keyring and returns once
// everything is running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serving {
		return errors.New("app: already serving")
	}
	if a.secrets.Keyring().Locked() {
		return secrets.ErrLocked
	}

	a.spawn("ingest", a.pipeline.Run)
	if err := a.scheduler.Reenqueue(ctx); err != nil {
		a.stopAllLocked(ctx)
		return fmt.Errorf("reenqueue poll jobs: %w", err)
	}
	a.spawn("sched", a.scheduler.Run)
	a.spawn("ops", a.loop.Run)

	a.serving = true
	a.log.Info().Str("db", a.cfg.DBPath).Msg("engine started")
	return nil
}

// spawn runs one component under its own cancel and records it for Shutdown
// in reverse-stop order. Caller holds a.mu.
func (a *App) spawn(name string, run func(context.Context) error) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error().Err(err).Str("component", name).Msg("component stopped with error")
		}
	}()
	a.stops = append(a.stops, stopFn{name: name, cancel: cancel, done: done})
}

// Shutdown tears the engine down: scheduler and ops loop stop issuing work,
// workers drain, the writer queue flushes, upstream connections drop, key
// material is zeroized, and the store closes last. Every step is bounded by
// ctx and logged; a failed step never blocks the ones after it.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	wasServing := a.serving
	a.stopAllLocked(ctx)
	a.serving = false

	if err := a.writer.Close(ctx); err != nil && !errors.Is(err, storage.ErrClosed) {
		a.log.Warn().Err(err).Msg("writer close failed")
		keep(err)
	} else {
		a.log.Debug().Msg("writer drained")
	}

	if err := a.upstream.CloseAll(ctx); err != nil {
		a.log.Warn().Err(err).Msg("upstream disconnect failed")
		keep(err)
	}

	a.secrets.Zeroize()

	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close failed")
		keep(err)
	}
	if wasServing {
		a.log.Info().Msg("engine stopped")
	}
	return firstErr
}

// stopAllLocked cancels running components in reverse start order: the
// scheduler and ops loop stop producing before the ingest workers stop
// consuming. Caller holds a.mu.
func (a *App) stopAllLocked(ctx context.Context) {
	for i := len(a.stops) - 1; i >= 0; i-- {
		s := a.stops[i]
		s.cancel()
		select {
		case <-s.done:
			a.log.Debug().Str("component", s.name).Msg("component stopped")
		case <-ctx.Done():
			a.log.Warn().Str("component", s.name).Msg("component did not stop in time")
		}
	}
	a.stops = nil
}

// Close is Shutdown for processes that never started serving; the component
// stops are no-ops then and only the writer, upstream, keyring, and store
// teardown runs.
func (a *App) Close(ctx context.Context) error {
	return a.Shutdown(ctx)
}

// Accessors for the CLI layer.

func (a *App) Config() *config.Config { return a.cfg }

func (a *App) Store() *storage.Store { return a.store }

func (a *App) Writer() *storage.WriterQueue { return a.writer }

func (a *App) Settings() *settings.Store { return a.settings }

func (a *App) Secrets() *secrets.Manager { return a.secrets }

func (a *App) Upstream() UpstreamManager { return a.upstream }

func (a *App) Backup() *ops.Backup { return a.backup }

func (a *App) Pruner() *ops.Pruner { return a.pruner }

func (a *App) Metrics() *telemetry.EngineMetrics { return a.metrics }
