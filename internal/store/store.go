// Package store defines the storage contract for items, handouts, project
// metadata, and ledger snapshots. Two backends implement it: an embedded
// Pebble store for the single-binary server and a Postgres store for
// multi-node deployments.
package store

import (
	"context"
	"time"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
)

// AcquireRequest identifies the requester of a lease.
type AcquireRequest struct {
	Project  string
	Username string
	IP       string
	Version  string
	// NowMs stamps the handout's first heartbeat; 0 means the current time.
	NowMs int64
}

// Store is the durable record of items and handouts.
//
// Implementations must guarantee that Acquire and Finalize are atomic: no
// observer may ever see an item in handed_out without its in_progress
// handout, or two in_progress handouts for one item. For the Pebble backend
// that is a single-writer mutex plus one batch commit; for Postgres it is a
// transaction with row locking.
type Store interface {
	// Enqueue inserts an item with status should_handout. Fails with
	// domain.ErrDuplicateItem when the (project, item) pair exists.
	Enqueue(ctx context.Context, project, item string, priority int32, expected time.Duration) error

	// NextCandidate returns the lowest-priority (ties: earliest enqueued)
	// should_handout item, or domain.ErrNoItemsAvailable.
	NextCandidate(ctx context.Context, project string) (domain.Item, error)

	// MarkHandedOut, MarkSucceeded, and MarkShouldHandout are the guarded
	// single-item transitions of the lifecycle state machine. Each fails
	// with domain.ErrInvalidTransition when the item is not in the expected
	// source state. Acquire and Finalize compose them with handout writes;
	// they are exposed for administrative repair and tests.
	MarkHandedOut(ctx context.Context, project, item string) error
	MarkSucceeded(ctx context.Context, project, item string) error
	MarkShouldHandout(ctx context.Context, project, item string) error

	// Count returns the point-in-time number of items in the given status.
	Count(ctx context.Context, project string, status domain.ItemStatus) (int64, error)

	// Acquire atomically claims the next candidate for the requester:
	// item -> handed_out and a new in_progress handout, as one unit.
	// Fails with domain.ErrNoItemsAvailable when the queue is empty.
	Acquire(ctx context.Context, req AcquireRequest) (domain.Item, domain.Handout, error)

	// Heartbeat bumps last_heartbeat on an in_progress handout to a
	// non-decreasing value and returns the stored timestamp. Fails with
	// domain.ErrUnknownHandout when the id is not an active handout.
	Heartbeat(ctx context.Context, handoutID string, nowMs int64) (int64, error)

	// Finalize resolves an in_progress handout. succeeded: item ->
	// succeeded, terminal. abandoned: item -> should_handout with
	// requeuePenalty added to its priority. The handout status is written
	// unconditionally as the last write of the same atomic unit. Fails
	// with domain.ErrUnknownHandout for unknown ids and
	// domain.ErrInvalidTransition when the handout already resolved.
	Finalize(ctx context.Context, handoutID string, outcome domain.Outcome, requeuePenalty int32, nowMs int64) (domain.Handout, domain.Item, error)

	// GetHandout loads a handout by id, any status.
	GetHandout(ctx context.Context, handoutID string) (domain.Handout, error)

	// ExpiredHandouts lists in_progress handouts whose last_heartbeat is at
	// or before olderThanMs, oldest first, up to limit.
	ExpiredHandouts(ctx context.Context, olderThanMs int64, limit int) ([]domain.Handout, error)

	// Project metadata.
	PutProject(ctx context.Context, p domain.Project) error
	GetProject(ctx context.Context, name string) (domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)

	// Ledger snapshots, opaque per-project blobs.
	SaveLedgerSnapshot(ctx context.Context, project string, snapshot []byte) error
	LoadLedgerSnapshot(ctx context.Context, project string) ([]byte, error)

	Close() error
}
