// Package runtime wires storage, services, and background loops for a
// single tracker node.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cfgpkg "github.com/TailR3d/Universal-tracker-2/internal/config"
	"github.com/TailR3d/Universal-tracker-2/internal/events"
	"github.com/TailR3d/Universal-tracker-2/internal/ledger"
	"github.com/TailR3d/Universal-tracker-2/internal/lease"
	"github.com/TailR3d/Universal-tracker-2/internal/project"
	"github.com/TailR3d/Universal-tracker-2/internal/replenish"
	"github.com/TailR3d/Universal-tracker-2/internal/services/tracker"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	"github.com/TailR3d/Universal-tracker-2/internal/store/pebbledb"
	"github.com/TailR3d/Universal-tracker-2/internal/store/postgres"
	pebblestore "github.com/TailR3d/Universal-tracker-2/internal/storage/pebble"
	"github.com/TailR3d/Universal-tracker-2/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
}

// Runtime owns the store, the service facade, and the background loops
// (reaper, ledger saver) of one node.
type Runtime struct {
	db     *pebblestore.DB
	store  store.Store
	svc    *tracker.Service
	ledger *ledger.Ledger
	reaper *lease.Reaper
	config cfgpkg.Config
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open initializes storage and assembles the service graph. Background
// loops do not run until Start.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	cfg := opts.Config

	// The local Pebble database always opens: even with the Postgres item
	// store it carries the completion audit log.
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	var st store.Store
	switch cfg.Backend {
	case "", "pebble":
		st = pebbledb.New(db)
	case "postgres":
		st, err = postgres.Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	default:
		_ = db.Close()
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	registry := project.NewRegistry(st, logger)
	if err := registry.Load(context.Background()); err != nil {
		_ = st.Close()
		_ = db.Close()
		return nil, err
	}

	led := ledger.New()
	var projectNames []string
	for _, p := range registry.List(context.Background()) {
		projectNames = append(projectNames, p.Name)
	}
	if err := led.Load(context.Background(), st, projectNames); err != nil {
		_ = st.Close()
		_ = db.Close()
		return nil, err
	}

	completions := events.NewLog(db)
	manager := lease.NewManager(st, completions, led, lease.Config{
		RequeuePenalty: cfg.Lease.RequeuePenalty,
	}, logger)

	var replenisher *replenish.Replenisher
	if cfg.BatchDir != "" {
		replenisher = replenish.New(st, replenish.NewDirSource(cfg.BatchDir), replenish.Defaults{
			Priority:         cfg.Items.Priority,
			ExpectedDuration: cfg.Items.ExpectedDuration.Std(),
		}, logger)
	}

	controller := project.NewController(registry, manager, replenisher, st, logger)
	svc := tracker.New(st, registry, controller, manager, led, completions, tracker.Options{
		LeaderboardTTL:  cfg.Ledger.LeaderboardTTL.Std(),
		EnqueuePriority: cfg.Items.Priority,
		EnqueueExpected: cfg.Items.ExpectedDuration.Std(),
	}, logger)

	reaper := lease.NewReaper(st, manager, lease.ReaperConfig{
		Timeout:  cfg.Lease.Timeout.Std(),
		Interval: cfg.Lease.ReapInterval.Std(),
		Batch:    cfg.Lease.ReapBatch,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		db:     db,
		store:  st,
		svc:    svc,
		ledger: led,
		reaper: reaper,
		config: cfg,
		logger: logger.WithComponent("runtime"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the reaper and the periodic ledger saver.
func (r *Runtime) Start() {
	r.reaper.Start()

	interval := r.config.Ledger.SaveInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				if err := r.ledger.Save(r.ctx, r.store); err != nil {
					r.logger.Error("ledger save failed", log.Err(err))
				}
			}
		}
	}()
}

// Close stops background loops, flushes the ledger, and closes storage.
func (r *Runtime) Close() error {
	r.cancel()
	r.reaper.Stop()
	r.wg.Wait()
	r.svc.Close()

	// Final flush so contributions since the last tick survive restarts.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ledger.Save(ctx, r.store); err != nil {
		r.logger.Error("final ledger save failed", log.Err(err))
	}

	err := r.store.Close()
	if dbErr := r.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// Service returns the tracker facade.
func (r *Runtime) Service() *tracker.Service { return r.svc }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// CheckHealth performs a simple storage health check.
func (r *Runtime) CheckHealth(_ context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}
