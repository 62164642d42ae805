// Package lease manages the handout lifecycle: assignment, heartbeats, and
// resolution, plus the reaper that abandons handouts whose workers went
// silent.
package lease

import (
	"context"
	"time"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	"github.com/TailR3d/Universal-tracker-2/pkg/log"
)

// CompletionSink receives an audit record for every successfully finished
// item.
type CompletionSink interface {
	Append(ctx context.Context, c domain.Completion) error
}

// Config tunes the lease manager.
type Config struct {
	// RequeuePenalty is added to an item's priority each time its handout is
	// abandoned, pushing flaky items behind fresh work. Default 0: abandoned
	// items come back at their original priority.
	RequeuePenalty int32
}

// Manager owns handout state transitions on top of the store.
type Manager struct {
	store       store.Store
	completions CompletionSink
	ledger      contributionRecorder
	cfg         Config
	logger      log.Logger
}

// contributionRecorder is satisfied by *ledger.Ledger.
type contributionRecorder interface {
	Record(project, username string, items, data int64)
}

// NewManager creates a Manager. completions and contributions may be nil.
func NewManager(st store.Store, completions CompletionSink, contributions contributionRecorder, cfg Config, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Manager{
		store:       st,
		completions: completions,
		ledger:      contributions,
		cfg:         cfg,
		logger:      logger.WithComponent("lease"),
	}
}

// Assign claims the next pending item for the requester.
func (m *Manager) Assign(ctx context.Context, req store.AcquireRequest) (domain.Item, domain.Handout, error) {
	item, h, err := m.store.Acquire(ctx, req)
	if err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	m.logger.Info("handout assigned",
		log.Str("project", item.Project),
		log.Str("item", item.Name),
		log.Str("handout", h.ID),
		log.Str("username", h.Username))
	return item, h, nil
}

// Heartbeat refreshes the liveness timestamp of an in_progress handout and
// returns the stored value.
func (m *Manager) Heartbeat(ctx context.Context, handoutID string) (int64, error) {
	return m.store.Heartbeat(ctx, handoutID, time.Now().UnixMilli())
}

// Finish resolves a handout. On success the completion is appended to the
// audit log and credited to the worker's ledger; size is the worker-reported
// payload size in bytes.
func (m *Manager) Finish(ctx context.Context, handoutID string, outcome domain.Outcome, size int64) (domain.Handout, domain.Item, error) {
	now := time.Now().UnixMilli()
	h, item, err := m.store.Finalize(ctx, handoutID, outcome, m.cfg.RequeuePenalty, now)
	if err != nil {
		return domain.Handout{}, domain.Item{}, err
	}

	switch outcome {
	case domain.OutcomeSucceeded:
		if m.ledger != nil {
			m.ledger.Record(h.Project, h.Username, 1, size)
		}
		if m.completions != nil {
			c := domain.Completion{
				Project:    h.Project,
				Item:       h.Item,
				Username:   h.Username,
				Size:       size,
				FinishedMs: now,
			}
			if err := m.completions.Append(ctx, c); err != nil {
				// The item transition already committed; losing one audit
				// record is preferable to failing the worker's upload.
				m.logger.Error("completion log append failed",
					log.Str("project", h.Project),
					log.Str("item", h.Item),
					log.Err(err))
			}
		}
		m.logger.Info("handout succeeded",
			log.Str("project", h.Project),
			log.Str("item", h.Item),
			log.Str("handout", h.ID),
			log.Int64("size", size))
	case domain.OutcomeAbandoned:
		m.logger.Info("handout abandoned",
			log.Str("project", h.Project),
			log.Str("item", h.Item),
			log.Str("handout", h.ID))
	}
	return h, item, nil
}
