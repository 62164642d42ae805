// Package postgres implements store.Store on PostgreSQL via pgx. Concurrent
// handout assignment relies on FOR UPDATE SKIP LOCKED so parallel workers
// never claim the same item, and lifecycle transitions are guarded UPDATEs
// that require the expected source status.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
)

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to databaseURL and applies pending migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Enqueue inserts an item with status should_handout.
func (s *Store) Enqueue(ctx context.Context, project, item string, priority int32, expected time.Duration) error {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO items (project, name, priority, expected_duration_ms, status, created_at_ms)
		VALUES ($1, $2, $3, $4, 'should_handout', $5)
		ON CONFLICT (project, name) DO NOTHING`,
		project, item, priority, expected.Milliseconds(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", project, item, domain.ErrDuplicateItem)
	}
	return nil
}

// NextCandidate returns the head of the pending queue without claiming it.
func (s *Store) NextCandidate(ctx context.Context, project string) (domain.Item, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT project, name, priority, expected_duration_ms, status, seq, created_at_ms
		FROM items
		WHERE project = $1 AND status = 'should_handout'
		ORDER BY priority, seq
		LIMIT 1`, project)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Item{}, fmt.Errorf("project %s: %w", project, domain.ErrNoItemsAvailable)
	}
	return item, err
}

// Acquire claims the next candidate inside one transaction. SKIP LOCKED keeps
// concurrent claimers off the same row.
func (s *Store) Acquire(ctx context.Context, req store.AcquireRequest) (domain.Item, domain.Handout, error) {
	now := req.NowMs
	if now <= 0 {
		now = time.Now().UnixMilli()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		WITH candidate AS (
			SELECT project, name
			FROM items
			WHERE project = $1 AND status = 'should_handout'
			ORDER BY priority, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE items i
		SET status = 'handed_out'
		FROM candidate c
		WHERE i.project = c.project AND i.name = c.name
		RETURNING i.project, i.name, i.priority, i.expected_duration_ms, i.status, i.seq, i.created_at_ms`,
		req.Project)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Item{}, domain.Handout{}, fmt.Errorf("project %s: %w", req.Project, domain.ErrNoItemsAvailable)
	}
	if err != nil {
		return domain.Item{}, domain.Handout{}, err
	}

	h := domain.Handout{
		ID:              uuid.NewString(),
		Project:         item.Project,
		Item:            item.Name,
		Username:        req.Username,
		IP:              req.IP,
		Version:         req.Version,
		Status:          domain.HandoutInProgress,
		LastHeartbeatMs: now,
		CreatedAtMs:     now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO handouts (id, project, item, username, ip, version, status, last_heartbeat_ms, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, 'in_progress', $7, $7)`,
		h.ID, h.Project, h.Item, h.Username, h.IP, h.Version, now)
	if err != nil {
		return domain.Item{}, domain.Handout{}, fmt.Errorf("insert handout: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	return item, h, nil
}

// Heartbeat bumps last_heartbeat on an in_progress handout; GREATEST keeps
// the stored value non-decreasing under clock skew.
func (s *Store) Heartbeat(ctx context.Context, handoutID string, nowMs int64) (int64, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	var ts int64
	err := s.pool.QueryRow(ctx, `
		UPDATE handouts
		SET last_heartbeat_ms = GREATEST(last_heartbeat_ms, $2)
		WHERE id = $1 AND status = 'in_progress'
		RETURNING last_heartbeat_ms`,
		handoutID, nowMs).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", handoutID, domain.ErrUnknownHandout)
	}
	return ts, err
}

// Finalize resolves an in_progress handout and transitions its item inside
// one transaction.
func (s *Store) Finalize(ctx context.Context, handoutID string, outcome domain.Outcome, requeuePenalty int32, nowMs int64) (domain.Handout, domain.Item, error) {
	if !outcome.Valid() {
		return domain.Handout{}, domain.Item{}, fmt.Errorf("outcome %q: %w", outcome, domain.ErrInvalidTransition)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, project, item, username, ip, version, status, last_heartbeat_ms, created_at_ms
		FROM handouts WHERE id = $1 FOR UPDATE`, handoutID)
	h, err := scanHandout(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Handout{}, domain.Item{}, fmt.Errorf("%s: %w", handoutID, domain.ErrUnknownHandout)
	}
	if err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	if h.Status != domain.HandoutInProgress {
		return domain.Handout{}, domain.Item{}, fmt.Errorf("handout %s already %s: %w",
			handoutID, h.Status, domain.ErrInvalidTransition)
	}

	var itemRow pgx.Row
	switch outcome {
	case domain.OutcomeSucceeded:
		h.Status = domain.HandoutSucceeded
		itemRow = tx.QueryRow(ctx, `
			UPDATE items SET status = 'succeeded'
			WHERE project = $1 AND name = $2 AND status = 'handed_out'
			RETURNING project, name, priority, expected_duration_ms, status, seq, created_at_ms`,
			h.Project, h.Item)
	case domain.OutcomeAbandoned:
		h.Status = domain.HandoutAbandoned
		itemRow = tx.QueryRow(ctx, `
			UPDATE items SET status = 'should_handout', priority = priority + $3
			WHERE project = $1 AND name = $2 AND status = 'handed_out'
			RETURNING project, name, priority, expected_duration_ms, status, seq, created_at_ms`,
			h.Project, h.Item, requeuePenalty)
	}
	item, err := scanItem(itemRow)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Handout{}, domain.Item{}, fmt.Errorf("item %s/%s not handed_out: %w",
			h.Project, h.Item, domain.ErrInvalidTransition)
	}
	if err != nil {
		return domain.Handout{}, domain.Item{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE handouts SET status = $2 WHERE id = $1`, h.ID, string(h.Status)); err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	return h, item, nil
}

// GetHandout loads a handout by id, any status.
func (s *Store) GetHandout(ctx context.Context, handoutID string) (domain.Handout, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project, item, username, ip, version, status, last_heartbeat_ms, created_at_ms
		FROM handouts WHERE id = $1`, handoutID)
	h, err := scanHandout(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Handout{}, fmt.Errorf("%s: %w", handoutID, domain.ErrUnknownHandout)
	}
	return h, err
}

// ExpiredHandouts lists stale in_progress handouts, oldest first.
func (s *Store) ExpiredHandouts(ctx context.Context, olderThanMs int64, limit int) ([]domain.Handout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, project, item, username, ip, version, status, last_heartbeat_ms, created_at_ms
		FROM handouts
		WHERE status = 'in_progress' AND last_heartbeat_ms <= $1
		ORDER BY last_heartbeat_ms
		LIMIT $2`, olderThanMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Handout
	for rows.Next() {
		h, err := scanHandout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// MarkHandedOut transitions should_handout -> handed_out.
func (s *Store) MarkHandedOut(ctx context.Context, project, item string) error {
	return s.transition(ctx, project, item, domain.ItemShouldHandout, domain.ItemHandedOut)
}

// MarkSucceeded transitions handed_out -> succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, project, item string) error {
	return s.transition(ctx, project, item, domain.ItemHandedOut, domain.ItemSucceeded)
}

// MarkShouldHandout transitions handed_out -> should_handout.
func (s *Store) MarkShouldHandout(ctx context.Context, project, item string) error {
	return s.transition(ctx, project, item, domain.ItemHandedOut, domain.ItemShouldHandout)
}

func (s *Store) transition(ctx context.Context, project, item string, from, to domain.ItemStatus) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE items SET status = $4
		WHERE project = $1 AND name = $2 AND status = $3`,
		project, item, string(from), string(to))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("item %s/%s not in %s: %w", project, item, from, domain.ErrInvalidTransition)
	}
	return nil
}

// Count returns the number of items in the given status.
func (s *Store) Count(ctx context.Context, project string, status domain.ItemStatus) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM items WHERE project = $1 AND status = $2`,
		project, string(status)).Scan(&n)
	return n, err
}

// PutProject upserts project metadata.
func (s *Store) PutProject(ctx context.Context, p domain.Project) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (name, slug, icon_uri, ratelimit, min_pipeline_version, public, paused, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			slug = EXCLUDED.slug,
			icon_uri = EXCLUDED.icon_uri,
			ratelimit = EXCLUDED.ratelimit,
			min_pipeline_version = EXCLUDED.min_pipeline_version,
			public = EXCLUDED.public,
			paused = EXCLUDED.paused`,
		p.Name, p.Slug, p.IconURI, p.Ratelimit, p.MinPipelineVersion, p.Public, p.Paused, p.CreatedAtMs)
	return err
}

// GetProject loads project metadata by name.
func (s *Store) GetProject(ctx context.Context, name string) (domain.Project, error) {
	var p domain.Project
	err := s.pool.QueryRow(ctx, `
		SELECT name, slug, icon_uri, ratelimit, min_pipeline_version, public, paused, created_at_ms
		FROM projects WHERE name = $1`, name).
		Scan(&p.Name, &p.Slug, &p.IconURI, &p.Ratelimit, &p.MinPipelineVersion, &p.Public, &p.Paused, &p.CreatedAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Project{}, fmt.Errorf("%s: %w", name, domain.ErrUnknownProject)
	}
	return p, err
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, slug, icon_uri, ratelimit, min_pipeline_version, public, paused, created_at_ms
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.Name, &p.Slug, &p.IconURI, &p.Ratelimit, &p.MinPipelineVersion,
			&p.Public, &p.Paused, &p.CreatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveLedgerSnapshot upserts the ledger blob for the project.
func (s *Store) SaveLedgerSnapshot(ctx context.Context, project string, snapshot []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_snapshots (project, snapshot) VALUES ($1, $2)
		ON CONFLICT (project) DO UPDATE SET snapshot = EXCLUDED.snapshot`,
		project, snapshot)
	return err
}

// LoadLedgerSnapshot returns the stored blob, or nil when absent.
func (s *Store) LoadLedgerSnapshot(ctx context.Context, project string) ([]byte, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM ledger_snapshots WHERE project = $1`, project).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return snapshot, err
}

func scanItem(row pgx.Row) (domain.Item, error) {
	var (
		item       domain.Item
		expectedMs int64
		status     string
	)
	err := row.Scan(&item.Project, &item.Name, &item.Priority, &expectedMs, &status, &item.Seq, &item.CreatedAtMs)
	if err != nil {
		return domain.Item{}, err
	}
	item.ExpectedDuration = time.Duration(expectedMs) * time.Millisecond
	item.Status = domain.ItemStatus(status)
	return item, nil
}

func scanHandout(row pgx.Row) (domain.Handout, error) {
	var (
		h      domain.Handout
		status string
	)
	err := row.Scan(&h.ID, &h.Project, &h.Item, &h.Username, &h.IP, &h.Version, &status,
		&h.LastHeartbeatMs, &h.CreatedAtMs)
	if err != nil {
		return domain.Handout{}, err
	}
	h.Status = domain.HandoutStatus(status)
	return h, nil
}
