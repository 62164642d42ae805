package pebbledb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	pebblestore "github.com/TailR3d/Universal-tracker-2/internal/storage/pebble"
)

// Store implements store.Store on top of the embedded Pebble database.
//
// A single mutex serializes every write path. That makes the pair
// (select candidate, claim candidate) in Acquire trivially serializable:
// concurrent Acquire calls can never claim the same item. Reads go straight
// to Pebble without the lock.
type Store struct {
	db *pebblestore.DB

	mu   sync.Mutex
	seqs map[string]uint64 // per-project last insertion sequence
}

var _ store.Store = (*Store)(nil)

// New creates a Store over an open database. The database is owned by the
// caller; Close here is a no-op.
func New(db *pebblestore.DB) *Store {
	return &Store{db: db, seqs: make(map[string]uint64)}
}

// Close implements store.Store. The underlying database is shared with the
// completion log and closed by the runtime.
func (s *Store) Close() error { return nil }

// Enqueue inserts an item with status should_handout.
func (s *Store) Enqueue(ctx context.Context, project, item string, priority int32, expected time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.db.Has(itemKey(project, item))
	if err != nil {
		return fmt.Errorf("check item: %w", err)
	}
	if exists {
		return fmt.Errorf("%s/%s: %w", project, item, domain.ErrDuplicateItem)
	}

	seq, err := s.nextSeqLocked(project)
	if err != nil {
		return err
	}

	rec := domain.Item{
		Project:          project,
		Name:             item,
		Priority:         priority,
		ExpectedDuration: expected,
		Status:           domain.ItemShouldHandout,
		Seq:              seq,
		CreatedAtMs:      time.Now().UnixMilli(),
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putItem(b, rec); err != nil {
		return err
	}
	if err := b.Set(queueKey(project, priority, seq), []byte(item), nil); err != nil {
		return err
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	if err := b.Set(seqKey(project), seqBuf[:], nil); err != nil {
		return err
	}
	if err := s.bumpCount(b, project, domain.ItemShouldHandout, 1); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// NextCandidate returns the head of the pending index.
func (s *Store) NextCandidate(_ context.Context, project string) (domain.Item, error) {
	name, _, err := s.peekQueue(project)
	if err != nil {
		return domain.Item{}, err
	}
	return s.getItem(project, name)
}

// Acquire claims the next candidate for the requester as one atomic batch.
func (s *Store) Acquire(ctx context.Context, req store.AcquireRequest) (domain.Item, domain.Handout, error) {
	now := req.NowMs
	if now <= 0 {
		now = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name, qk, err := s.peekQueue(req.Project)
	if err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	item, err := s.getItem(req.Project, name)
	if err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	if item.Status != domain.ItemShouldHandout {
		// Index and record disagree; refuse rather than double-assign.
		return domain.Item{}, domain.Handout{}, fmt.Errorf("queued item %s/%s has status %s: %w",
			req.Project, name, item.Status, domain.ErrInvalidTransition)
	}

	h := domain.Handout{
		ID:              uuid.NewString(),
		Project:         req.Project,
		Item:            name,
		Username:        req.Username,
		IP:              req.IP,
		Version:         req.Version,
		Status:          domain.HandoutInProgress,
		LastHeartbeatMs: now,
		CreatedAtMs:     now,
	}
	item.Status = domain.ItemHandedOut

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(qk, nil); err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	if err := s.putItem(b, item); err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	if err := s.putHandout(b, h); err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	if err := b.Set(hbKey(now, h.ID), nil, nil); err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	if err := b.Set(activeKey(req.Project, name), []byte(h.ID), nil); err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	if err := s.bumpCount(b, req.Project, domain.ItemShouldHandout, -1); err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	if err := s.bumpCount(b, req.Project, domain.ItemHandedOut, 1); err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	return item, h, nil
}

// Heartbeat bumps the liveness timestamp on an in_progress handout.
func (s *Store) Heartbeat(ctx context.Context, handoutID string, nowMs int64) (int64, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.loadHandout(handoutID)
	if err != nil {
		return 0, err
	}
	if h.Status != domain.HandoutInProgress {
		return 0, fmt.Errorf("handout %s is %s: %w", handoutID, h.Status, domain.ErrUnknownHandout)
	}

	prev := h.LastHeartbeatMs
	if nowMs > prev {
		h.LastHeartbeatMs = nowMs
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(hbKey(prev, h.ID), nil); err != nil {
		return 0, err
	}
	if err := b.Set(hbKey(h.LastHeartbeatMs, h.ID), nil, nil); err != nil {
		return 0, err
	}
	if err := s.putHandout(b, h); err != nil {
		return 0, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	return h.LastHeartbeatMs, nil
}

// Finalize resolves an in_progress handout and transitions its item.
func (s *Store) Finalize(ctx context.Context, handoutID string, outcome domain.Outcome, requeuePenalty int32, nowMs int64) (domain.Handout, domain.Item, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.loadHandout(handoutID)
	if err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	if h.Status != domain.HandoutInProgress {
		return domain.Handout{}, domain.Item{}, fmt.Errorf("handout %s already %s: %w",
			handoutID, h.Status, domain.ErrInvalidTransition)
	}
	item, err := s.getItem(h.Project, h.Item)
	if err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	if item.Status != domain.ItemHandedOut {
		return domain.Handout{}, domain.Item{}, fmt.Errorf("item %s/%s is %s: %w",
			h.Project, h.Item, item.Status, domain.ErrInvalidTransition)
	}

	b := s.db.NewBatch()
	defer b.Close()

	// Item-status write first, handout-status write last, one commit.
	switch outcome {
	case domain.OutcomeSucceeded:
		item.Status = domain.ItemSucceeded
		if err := s.bumpCount(b, h.Project, domain.ItemSucceeded, 1); err != nil {
			return domain.Handout{}, domain.Item{}, err
		}
		h.Status = domain.HandoutSucceeded
	case domain.OutcomeAbandoned:
		item.Status = domain.ItemShouldHandout
		item.Priority += requeuePenalty
		if err := b.Set(queueKey(h.Project, item.Priority, item.Seq), []byte(item.Name), nil); err != nil {
			return domain.Handout{}, domain.Item{}, err
		}
		if err := s.bumpCount(b, h.Project, domain.ItemShouldHandout, 1); err != nil {
			return domain.Handout{}, domain.Item{}, err
		}
		h.Status = domain.HandoutAbandoned
	default:
		return domain.Handout{}, domain.Item{}, fmt.Errorf("outcome %q: %w", outcome, domain.ErrInvalidTransition)
	}

	if err := s.putItem(b, item); err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	if err := s.bumpCount(b, h.Project, domain.ItemHandedOut, -1); err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	if err := b.Delete(activeKey(h.Project, h.Item), nil); err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	if err := b.Delete(hbKey(h.LastHeartbeatMs, h.ID), nil); err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	if err := s.putHandout(b, h); err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return domain.Handout{}, domain.Item{}, err
	}
	return h, item, nil
}

// GetHandout loads a handout by id.
func (s *Store) GetHandout(_ context.Context, handoutID string) (domain.Handout, error) {
	return s.loadHandout(handoutID)
}

// ExpiredHandouts scans the liveness index oldest-first up to olderThanMs.
func (s *Store) ExpiredHandouts(_ context.Context, olderThanMs int64, limit int) ([]domain.Handout, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := hbPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []domain.Handout
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8 {
			continue
		}
		ms := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if ms > olderThanMs {
			break // index is time-ordered
		}
		id := string(k[len(prefix)+8:])
		h, err := s.loadHandout(id)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// MarkHandedOut transitions should_handout -> handed_out.
func (s *Store) MarkHandedOut(ctx context.Context, project, item string) error {
	return s.transition(ctx, project, item, domain.ItemShouldHandout, domain.ItemHandedOut)
}

// MarkSucceeded transitions handed_out -> succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, project, item string) error {
	return s.transition(ctx, project, item, domain.ItemHandedOut, domain.ItemSucceeded)
}

// MarkShouldHandout transitions handed_out -> should_handout (requeue).
func (s *Store) MarkShouldHandout(ctx context.Context, project, item string) error {
	return s.transition(ctx, project, item, domain.ItemHandedOut, domain.ItemShouldHandout)
}

func (s *Store) transition(ctx context.Context, project, item string, from, to domain.ItemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getItem(project, item)
	if err != nil {
		return err
	}
	if rec.Status != from {
		return fmt.Errorf("item %s/%s is %s, want %s: %w", project, item, rec.Status, from, domain.ErrInvalidTransition)
	}
	rec.Status = to

	b := s.db.NewBatch()
	defer b.Close()
	// Keep the pending index in step with the status.
	switch {
	case from == domain.ItemShouldHandout:
		if err := b.Delete(queueKey(project, rec.Priority, rec.Seq), nil); err != nil {
			return err
		}
	case to == domain.ItemShouldHandout:
		if err := b.Set(queueKey(project, rec.Priority, rec.Seq), []byte(item), nil); err != nil {
			return err
		}
	}
	if err := s.putItem(b, rec); err != nil {
		return err
	}
	if err := s.bumpCount(b, project, from, -1); err != nil {
		return err
	}
	if err := s.bumpCount(b, project, to, 1); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// Count reads the maintained per-status counter.
func (s *Store) Count(_ context.Context, project string, status domain.ItemStatus) (int64, error) {
	buf, err := s.db.Get(countKey(project, string(status)))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(buf) < 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(buf[:8])), nil
}

// PutProject writes project metadata.
func (s *Store) PutProject(_ context.Context, p domain.Project) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Set(projectKey(p.Name), buf)
}

// GetProject loads project metadata by name.
func (s *Store) GetProject(_ context.Context, name string) (domain.Project, error) {
	buf, err := s.db.Get(projectKey(name))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return domain.Project{}, fmt.Errorf("%s: %w", name, domain.ErrUnknownProject)
	}
	if err != nil {
		return domain.Project{}, err
	}
	var p domain.Project
	if err := json.Unmarshal(buf, &p); err != nil {
		return domain.Project{}, fmt.Errorf("decode project %s: %w", name, err)
	}
	return p, nil
}

// ListProjects scans all project metadata.
func (s *Store) ListProjects(_ context.Context) ([]domain.Project, error) {
	prefix := []byte(prefixProject)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []domain.Project
	for ok := iter.First(); ok; ok = iter.Next() {
		var p domain.Project
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SaveLedgerSnapshot persists a ledger blob for the project.
func (s *Store) SaveLedgerSnapshot(_ context.Context, project string, snapshot []byte) error {
	return s.db.Set(ledgerKey(project), snapshot)
}

// LoadLedgerSnapshot returns the stored blob, or nil when absent.
func (s *Store) LoadLedgerSnapshot(_ context.Context, project string) ([]byte, error) {
	buf, err := s.db.Get(ledgerKey(project))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, nil
	}
	return buf, err
}

// peekQueue returns the item name and key at the head of the pending index.
func (s *Store) peekQueue(project string) (string, []byte, error) {
	prefix := queuePrefix(project)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return "", nil, err
	}
	defer iter.Close()

	if !iter.First() {
		return "", nil, fmt.Errorf("project %s: %w", project, domain.ErrNoItemsAvailable)
	}
	key := append([]byte(nil), iter.Key()...)
	name := string(iter.Value())
	return name, key, nil
}

func (s *Store) getItem(project, item string) (domain.Item, error) {
	buf, err := s.db.Get(itemKey(project, item))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return domain.Item{}, fmt.Errorf("item %s/%s not found: %w", project, item, domain.ErrNoItemsAvailable)
	}
	if err != nil {
		return domain.Item{}, err
	}
	var rec domain.Item
	if err := json.Unmarshal(buf, &rec); err != nil {
		return domain.Item{}, fmt.Errorf("decode item %s/%s: %w", project, item, err)
	}
	return rec, nil
}

func (s *Store) loadHandout(id string) (domain.Handout, error) {
	buf, err := s.db.Get(handoutKey(id))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return domain.Handout{}, fmt.Errorf("%s: %w", id, domain.ErrUnknownHandout)
	}
	if err != nil {
		return domain.Handout{}, err
	}
	var h domain.Handout
	if err := json.Unmarshal(buf, &h); err != nil {
		return domain.Handout{}, fmt.Errorf("decode handout %s: %w", id, err)
	}
	return h, nil
}

func (s *Store) putItem(b *pebble.Batch, rec domain.Item) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Set(itemKey(rec.Project, rec.Name), buf, nil)
}

func (s *Store) putHandout(b *pebble.Batch, h domain.Handout) error {
	buf, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return b.Set(handoutKey(h.ID), buf, nil)
}

// bumpCount adjusts a per-status counter inside the caller's batch. Callers
// hold s.mu, so the read-modify-write is not racy. A batch must not bump the
// same counter twice.
func (s *Store) bumpCount(b *pebble.Batch, project string, status domain.ItemStatus, delta int64) error {
	key := countKey(project, string(status))
	cur := int64(0)
	if buf, err := s.db.Get(key); err == nil && len(buf) >= 8 {
		cur = int64(binary.BigEndian.Uint64(buf[:8]))
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return err
	}
	cur += delta
	if cur < 0 {
		cur = 0
	}
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], uint64(cur))
	return b.Set(key, out[:], nil)
}

func (s *Store) nextSeqLocked(project string) (uint64, error) {
	if seq, ok := s.seqs[project]; ok {
		s.seqs[project] = seq + 1
		return seq + 1, nil
	}
	last := uint64(0)
	if buf, err := s.db.Get(seqKey(project)); err == nil && len(buf) >= 8 {
		last = binary.BigEndian.Uint64(buf[:8])
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return 0, err
	}
	s.seqs[project] = last + 1
	return last + 1, nil
}
