// Package tracker is the service facade the transports talk to. It bundles
// the project registry, the lease manager, the contribution ledger, and the
// completion log behind one type and owns cross-cutting behavior like the
// leaderboard cache.
package tracker

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/events"
	"github.com/TailR3d/Universal-tracker-2/internal/ledger"
	"github.com/TailR3d/Universal-tracker-2/internal/lease"
	"github.com/TailR3d/Universal-tracker-2/internal/project"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	"github.com/TailR3d/Universal-tracker-2/pkg/log"
)

// Options configures the facade.
type Options struct {
	// LeaderboardTTL bounds how stale a served leaderboard may be. The
	// leaderboard is read on every dashboard poll; serving a short-lived
	// cached copy keeps hot projects from hammering the ledger lock.
	// Default 2s.
	LeaderboardTTL time.Duration
	// EnqueueDefaults apply to items enqueued directly through the API.
	EnqueuePriority int32
	EnqueueExpected time.Duration
}

// Service is the tracker control plane.
type Service struct {
	store       store.Store
	registry    *project.Registry
	controller  *project.Controller
	manager     *lease.Manager
	ledger      *ledger.Ledger
	completions *events.Log
	logger      log.Logger
	opts        Options

	boards *ttlcache.Cache[string, map[string]ledger.Contribution]
}

// New assembles a Service from its parts. completions may be nil.
func New(st store.Store, reg *project.Registry, ctrl *project.Controller, mgr *lease.Manager,
	led *ledger.Ledger, completions *events.Log, opts Options, logger log.Logger) *Service {
	if opts.LeaderboardTTL <= 0 {
		opts.LeaderboardTTL = 2 * time.Second
	}
	if opts.EnqueueExpected <= 0 {
		opts.EnqueueExpected = 24 * time.Hour
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	boards := ttlcache.New[string, map[string]ledger.Contribution](
		ttlcache.WithTTL[string, map[string]ledger.Contribution](opts.LeaderboardTTL),
		ttlcache.WithDisableTouchOnHit[string, map[string]ledger.Contribution](),
	)
	go boards.Start()

	return &Service{
		store:       st,
		registry:    reg,
		controller:  ctrl,
		manager:     mgr,
		ledger:      led,
		completions: completions,
		logger:      logger.WithComponent("tracker"),
		opts:        opts,
		boards:      boards,
	}
}

// Close stops background cache maintenance.
func (s *Service) Close() {
	s.boards.Stop()
}

// CreateProject registers a new project.
func (s *Service) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	return s.registry.Create(ctx, p)
}

// PauseProject stops new handouts for the project.
func (s *Service) PauseProject(ctx context.Context, name string) (domain.Project, error) {
	return s.registry.SetPaused(ctx, name, true)
}

// ResumeProject re-enables handouts for the project.
func (s *Service) ResumeProject(ctx context.Context, name string) (domain.Project, error) {
	return s.registry.SetPaused(ctx, name, false)
}

// ListProjects returns all projects ordered by name.
func (s *Service) ListProjects(ctx context.Context) []domain.Project {
	return s.registry.List(ctx)
}

// Counts reports items per lifecycle status for one project.
func (s *Service) Counts(ctx context.Context, projectName string) (map[domain.ItemStatus]int64, error) {
	return s.controller.Counts(ctx, projectName)
}

// EnqueueItem inserts one item directly, bypassing batch sources. A nil
// priority and a zero expected duration fall back to the configured defaults.
func (s *Service) EnqueueItem(ctx context.Context, projectName, item string, priority *int32, expected time.Duration) error {
	if _, err := s.registry.Get(ctx, projectName); err != nil {
		return err
	}
	prio := s.opts.EnqueuePriority
	if priority != nil {
		prio = *priority
	}
	if expected <= 0 {
		expected = s.opts.EnqueueExpected
	}
	return s.store.Enqueue(ctx, projectName, item, prio, expected)
}

// RequestItem assigns the next pending item to the requester.
func (s *Service) RequestItem(ctx context.Context, req store.AcquireRequest) (domain.Item, domain.Handout, error) {
	return s.controller.RequestItem(ctx, req)
}

// Heartbeat refreshes a handout's liveness timestamp.
func (s *Service) Heartbeat(ctx context.Context, handoutID string) (int64, error) {
	return s.manager.Heartbeat(ctx, handoutID)
}

// FinishItem resolves a handout with the given outcome.
func (s *Service) FinishItem(ctx context.Context, handoutID string, outcome domain.Outcome, size int64) (domain.Handout, domain.Item, error) {
	return s.manager.Finish(ctx, handoutID, outcome, size)
}

// Leaderboard returns per-worker contribution totals, served from a
// short-TTL cache.
func (s *Service) Leaderboard(ctx context.Context, projectName string) (map[string]ledger.Contribution, error) {
	if _, err := s.registry.Get(ctx, projectName); err != nil {
		return nil, err
	}
	if cached := s.boards.Get(projectName); cached != nil {
		return cached.Value(), nil
	}
	snap := s.ledger.Snapshot(projectName)
	s.boards.Set(projectName, snap, ttlcache.DefaultTTL)
	return snap, nil
}

// Completions lists the most recent completion audit records.
func (s *Service) Completions(ctx context.Context, projectName string, limit int) ([]domain.Completion, error) {
	if _, err := s.registry.Get(ctx, projectName); err != nil {
		return nil, err
	}
	if s.completions == nil {
		return nil, nil
	}
	return s.completions.List(ctx, projectName, limit)
}
