package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	"github.com/TailR3d/Universal-tracker-2/internal/store/pebbledb"
	pebblestore "github.com/TailR3d/Universal-tracker-2/internal/storage/pebble"
)

type fakeSink struct {
	mu  sync.Mutex
	out []domain.Completion
}

func (f *fakeSink) Append(_ context.Context, c domain.Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, c)
	return nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	items map[string]int64
	data  map[string]int64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{items: map[string]int64{}, data: map[string]int64{}}
}

func (f *fakeRecorder) Record(_, username string, items, data int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[username] += items
	f.data[username] += data
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return pebbledb.New(db)
}

func TestFinishSucceededCreditsWorker(t *testing.T) {
	st := newTestStore(t)
	sink := &fakeSink{}
	rec := newFakeRecorder()
	mgr := NewManager(st, sink, rec, Config{}, nil)
	ctx := context.Background()

	if err := st.Enqueue(ctx, "p", "a", 0, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, h, err := mgr.Assign(ctx, store.AcquireRequest{Project: "p", Username: "alice"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, item, err := mgr.Finish(ctx, h.ID, domain.OutcomeSucceeded, 4096)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if item.Status != domain.ItemSucceeded {
		t.Fatalf("item = %s", item.Status)
	}
	if rec.items["alice"] != 1 || rec.data["alice"] != 4096 {
		t.Fatalf("ledger: items=%d data=%d", rec.items["alice"], rec.data["alice"])
	}
	if len(sink.out) != 1 || sink.out[0].Item != "a" || sink.out[0].Size != 4096 {
		t.Fatalf("completions = %+v", sink.out)
	}
}

func TestFinishAbandonedDoesNotCredit(t *testing.T) {
	st := newTestStore(t)
	sink := &fakeSink{}
	rec := newFakeRecorder()
	mgr := NewManager(st, sink, rec, Config{RequeuePenalty: 2}, nil)
	ctx := context.Background()

	if err := st.Enqueue(ctx, "p", "a", 1, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, h, err := mgr.Assign(ctx, store.AcquireRequest{Project: "p", Username: "alice"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, item, err := mgr.Finish(ctx, h.ID, domain.OutcomeAbandoned, 0)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if item.Status != domain.ItemShouldHandout || item.Priority != 3 {
		t.Fatalf("item = %+v", item)
	}
	if len(rec.items) != 0 || len(sink.out) != 0 {
		t.Fatalf("abandon must not credit: %v %v", rec.items, sink.out)
	}
}

func TestAbandonedItemGoesBackBehindHigherPriorityWork(t *testing.T) {
	st := newTestStore(t)
	mgr := NewManager(st, nil, nil, Config{}, nil)
	ctx := context.Background()

	if err := st.Enqueue(ctx, "p", "urgent", 1, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.Enqueue(ctx, "p", "later", 2, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	item, h, err := mgr.Assign(ctx, store.AcquireRequest{Project: "p", Username: "w"})
	if err != nil || item.Name != "urgent" {
		t.Fatalf("assign = %v, %v", item, err)
	}
	if _, _, err := mgr.Finish(ctx, h.ID, domain.OutcomeAbandoned, 0); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	// With no penalty the abandoned item keeps its priority and is
	// reassigned ahead of lower-priority work.
	item, _, err = mgr.Assign(ctx, store.AcquireRequest{Project: "p", Username: "w"})
	if err != nil || item.Name != "urgent" {
		t.Fatalf("reassign = %v, %v", item, err)
	}
}

func TestReaperSweepReclaimsSilentHandouts(t *testing.T) {
	st := newTestStore(t)
	mgr := NewManager(st, nil, nil, Config{}, nil)
	reaper := NewReaper(st, mgr, ReaperConfig{Timeout: time.Minute}, nil)
	ctx := context.Background()

	if err := st.Enqueue(ctx, "p", "a", 0, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Handout whose last heartbeat is far in the past.
	stale := time.Now().Add(-time.Hour).UnixMilli()
	_, h, err := st.Acquire(ctx, store.AcquireRequest{Project: "p", Username: "w", NowMs: stale})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	n, err := reaper.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1", n, err)
	}
	got, err := st.GetHandout(ctx, h.ID)
	if err != nil || got.Status != domain.HandoutAbandoned {
		t.Fatalf("handout after sweep = %+v, %v", got, err)
	}

	// Item is pending again and assignable.
	if _, _, err := mgr.Assign(ctx, store.AcquireRequest{Project: "p", Username: "w2"}); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	// Nothing left to reap.
	if n, err := reaper.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep = %d, %v; want 0", n, err)
	}
}

func TestReaperSparesFreshHandouts(t *testing.T) {
	st := newTestStore(t)
	mgr := NewManager(st, nil, nil, Config{}, nil)
	reaper := NewReaper(st, mgr, ReaperConfig{Timeout: time.Minute}, nil)
	ctx := context.Background()

	if err := st.Enqueue(ctx, "p", "a", 0, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := st.Acquire(ctx, store.AcquireRequest{Project: "p", Username: "w"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if n, err := reaper.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("sweep touched a live handout: %d, %v", n, err)
	}
}

// staleStore replays an already-resolved handout from the expiry scan, the
// window where a worker finishes between scan and reap.
type staleStore struct {
	store.Store
	stale []domain.Handout
}

func (s *staleStore) ExpiredHandouts(context.Context, int64, int) ([]domain.Handout, error) {
	return s.stale, nil
}

func TestSweepToleratesRaceWithFinishingWorker(t *testing.T) {
	st := newTestStore(t)
	mgr := NewManager(st, nil, nil, Config{}, nil)
	ctx := context.Background()

	if err := st.Enqueue(ctx, "p", "a", 0, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, h, err := st.Acquire(ctx, store.AcquireRequest{Project: "p", Username: "w"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Worker finishes first.
	if _, _, err := mgr.Finish(ctx, h.ID, domain.OutcomeSucceeded, 0); err != nil {
		t.Fatalf("finish: %v", err)
	}

	wrapped := &staleStore{Store: st, stale: []domain.Handout{h}}
	reaper := NewReaper(wrapped, NewManager(wrapped, nil, nil, Config{}, nil), ReaperConfig{Timeout: time.Minute}, nil)
	n, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped a finished handout")
	}
	if got, _ := st.GetHandout(ctx, h.ID); got.Status != domain.HandoutSucceeded {
		t.Fatalf("status overwritten: %s", got.Status)
	}
}
