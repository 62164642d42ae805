package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	"github.com/TailR3d/Universal-tracker-2/pkg/log"
)

// Reaper periodically abandons handouts whose last heartbeat is older than
// the timeout, returning their items to the pending queue.
type Reaper struct {
	store    store.Store
	manager  *Manager
	timeout  time.Duration
	interval time.Duration
	batch    int
	logger   log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ReaperConfig configures the expiry scanner.
type ReaperConfig struct {
	Timeout  time.Duration // silence before a handout is considered dead (default: 5m)
	Interval time.Duration // how often to scan (default: 30s)
	Batch    int           // max handouts reaped per scan (default: 100)
}

// NewReaper creates a Reaper.
func NewReaper(st store.Store, mgr *Manager, cfg ReaperConfig, logger log.Logger) *Reaper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		store:    st,
		manager:  mgr,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		logger:   logger.WithComponent("reaper"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background scan loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started",
		log.Dur("timeout", r.timeout),
		log.Dur("interval", r.interval))

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			if n, err := r.Sweep(r.ctx); err != nil {
				r.logger.Error("sweep failed", log.Err(err))
			} else if n > 0 {
				r.logger.Info("handouts reaped", log.Int("count", n))
			}
		}
	}
}

// Sweep abandons every expired handout once and returns how many it reaped.
// Exposed for tests and administrative use.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.timeout).UnixMilli()
	expired, err := r.store.ExpiredHandouts(ctx, cutoff, r.batch)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, h := range expired {
		_, _, err := r.manager.Finish(ctx, h.ID, domain.OutcomeAbandoned, 0)
		switch {
		case err == nil:
			reaped++
			r.logger.Warn("handout expired",
				log.Str("project", h.Project),
				log.Str("item", h.Item),
				log.Str("handout", h.ID),
				log.Str("username", h.Username))
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrUnknownHandout):
			// The worker finished in the window between scan and reap.
		default:
			return reaped, err
		}
	}
	return reaped, nil
}
