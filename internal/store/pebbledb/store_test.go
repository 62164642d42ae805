package pebbledb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	pebblestore "github.com/TailR3d/Universal-tracker-2/internal/storage/pebble"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func acquireReq(project string) store.AcquireRequest {
	return store.AcquireRequest{Project: project, Username: "alice", Version: "3"}
}

func TestEnqueueDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Enqueue(ctx, "p", "a", 0, time.Minute); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := s.Enqueue(ctx, "p", "a", 5, time.Minute)
	if !errors.Is(err, domain.ErrDuplicateItem) {
		t.Fatalf("want ErrDuplicateItem, got %v", err)
	}
}

func TestAcquireOrdersByPriorityThenSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, e := range []struct {
		name string
		prio int32
	}{
		{"low-late", 5},
		{"high-1", 1},
		{"high-2", 1},
	} {
		if err := s.Enqueue(ctx, "p", e.name, e.prio, time.Minute); err != nil {
			t.Fatalf("enqueue %s: %v", e.name, err)
		}
	}

	want := []string{"high-1", "high-2", "low-late"}
	for _, name := range want {
		item, _, err := s.Acquire(ctx, acquireReq("p"))
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if item.Name != name {
			t.Fatalf("got %s, want %s", item.Name, name)
		}
	}
	if _, _, err := s.Acquire(ctx, acquireReq("p")); !errors.Is(err, domain.ErrNoItemsAvailable) {
		t.Fatalf("want ErrNoItemsAvailable on drained queue, got %v", err)
	}
}

func TestNegativePrioritiesOrderBeforePositive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, e := range []struct {
		name string
		prio int32
	}{
		{"normal", 1},
		{"urgent", -1},
		{"critical", -2000000000},
	} {
		if err := s.Enqueue(ctx, "p", e.name, e.prio, time.Minute); err != nil {
			t.Fatalf("enqueue %s: %v", e.name, err)
		}
	}

	if n, err := s.Count(ctx, "p", domain.ItemShouldHandout); err != nil || n != 3 {
		t.Fatalf("count = %d, %v; want 3", n, err)
	}
	// Every pending item stays reachable, most negative priority first.
	for _, want := range []string{"critical", "urgent", "normal"} {
		next, err := s.NextCandidate(ctx, "p")
		if err != nil || next.Name != want {
			t.Fatalf("next = %+v, %v; want %s", next, err, want)
		}
		item, _, err := s.Acquire(ctx, acquireReq("p"))
		if err != nil || item.Name != want {
			t.Fatalf("acquire = %+v, %v; want %s", item, err, want)
		}
	}
}

func TestAcquireEmptyQueue(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Acquire(context.Background(), acquireReq("empty"))
	if !errors.Is(err, domain.ErrNoItemsAvailable) {
		t.Fatalf("want ErrNoItemsAvailable, got %v", err)
	}
}

func TestFinalizeSucceeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Enqueue(ctx, "p", "a", 0, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, h, err := s.Acquire(ctx, acquireReq("p"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	gotH, gotItem, err := s.Finalize(ctx, h.ID, domain.OutcomeSucceeded, 0, 0)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if gotH.Status != domain.HandoutSucceeded || gotItem.Status != domain.ItemSucceeded {
		t.Fatalf("statuses = %s/%s", gotH.Status, gotItem.Status)
	}

	for status, want := range map[domain.ItemStatus]int64{
		domain.ItemShouldHandout: 0,
		domain.ItemHandedOut:     0,
		domain.ItemSucceeded:     1,
	} {
		n, err := s.Count(ctx, "p", status)
		if err != nil || n != want {
			t.Fatalf("count %s = %d, %v; want %d", status, n, err, want)
		}
	}
}

func TestFinalizeAbandonedRequeuesWithPenalty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Enqueue(ctx, "p", "a", 2, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, h, err := s.Acquire(ctx, acquireReq("p"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, item, err := s.Finalize(ctx, h.ID, domain.OutcomeAbandoned, 3, 0)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if item.Status != domain.ItemShouldHandout || item.Priority != 5 {
		t.Fatalf("item after abandon = %s prio=%d", item.Status, item.Priority)
	}

	again, _, err := s.Acquire(ctx, acquireReq("p"))
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if again.Name != "a" {
		t.Fatalf("reassigned %s, want a", again.Name)
	}
}

func TestFinalizeTwice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Enqueue(ctx, "p", "a", 0, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, h, err := s.Acquire(ctx, acquireReq("p"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, _, err := s.Finalize(ctx, h.ID, domain.OutcomeSucceeded, 0, 0); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	_, _, err = s.Finalize(ctx, h.ID, domain.OutcomeAbandoned, 0, 0)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
}

func TestFinalizeUnknownHandout(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Finalize(context.Background(), "no-such-id", domain.OutcomeSucceeded, 0, 0)
	if !errors.Is(err, domain.ErrUnknownHandout) {
		t.Fatalf("want ErrUnknownHandout, got %v", err)
	}
}

func TestHeartbeatIsNonDecreasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Enqueue(ctx, "p", "a", 0, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, h, err := s.Acquire(ctx, store.AcquireRequest{Project: "p", Username: "u", NowMs: 1000})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ts, err := s.Heartbeat(ctx, h.ID, 5000)
	if err != nil || ts != 5000 {
		t.Fatalf("heartbeat = %d, %v; want 5000", ts, err)
	}
	// A stale clock must not move the timestamp backwards.
	ts, err = s.Heartbeat(ctx, h.ID, 2000)
	if err != nil || ts != 5000 {
		t.Fatalf("stale heartbeat = %d, %v; want 5000", ts, err)
	}
}

func TestHeartbeatUnknownHandout(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Heartbeat(context.Background(), "missing", 0)
	if !errors.Is(err, domain.ErrUnknownHandout) {
		t.Fatalf("want ErrUnknownHandout, got %v", err)
	}
}

func TestExpiredHandouts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, name := range []string{"a", "b"} {
		if err := s.Enqueue(ctx, "p", name, int32(i), time.Minute); err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
	}
	_, hOld, err := s.Acquire(ctx, store.AcquireRequest{Project: "p", Username: "u", NowMs: 1000})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, hNew, err := s.Acquire(ctx, store.AcquireRequest{Project: "p", Username: "u", NowMs: 9000})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	expired, err := s.ExpiredHandouts(ctx, 5000, 10)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != hOld.ID {
		t.Fatalf("expired = %v, want only %s", expired, hOld.ID)
	}

	// A heartbeat moves the handout out of the expired window.
	if _, err := s.Heartbeat(ctx, hOld.ID, 9000); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	expired, err = s.ExpiredHandouts(ctx, 5000, 10)
	if err != nil || len(expired) != 0 {
		t.Fatalf("expired after heartbeat = %v, %v; want none", expired, err)
	}
	_ = hNew
}

func TestConcurrentAcquireGrantsAtMostOneLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Enqueue(ctx, "p", "only", 0, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, h, err := s.Acquire(ctx, acquireReq("p")); err == nil {
				wins <- h.ID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var ids []string
	for id := range wins {
		ids = append(ids, id)
	}
	if len(ids) != 1 {
		t.Fatalf("%d acquisitions succeeded, want exactly 1: %v", len(ids), ids)
	}
}

func TestSeqSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := New(db)
	if err := s.Enqueue(ctx, "p", "first", 1, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	s = New(db)
	if err := s.Enqueue(ctx, "p", "second", 1, time.Minute); err != nil {
		t.Fatalf("enqueue after reopen: %v", err)
	}

	item, err := s.NextCandidate(ctx, "p")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if item.Name != "first" {
		t.Fatalf("head = %s, want first (insertion order must survive reopen)", item.Name)
	}
}

func TestProjectRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := domain.Project{Name: "example", Slug: "ex", Ratelimit: 4, MinPipelineVersion: 2, Public: true}
	if err := s.PutProject(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetProject(ctx, "example")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Slug != "ex" || got.Ratelimit != 4 || !got.Public {
		t.Fatalf("got %+v", got)
	}
	if _, err := s.GetProject(ctx, "nope"); !errors.Is(err, domain.ErrUnknownProject) {
		t.Fatalf("want ErrUnknownProject, got %v", err)
	}
	list, err := s.ListProjects(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}
}

func TestLedgerSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if got, err := s.LoadLedgerSnapshot(ctx, "p"); err != nil || got != nil {
		t.Fatalf("load absent = %v, %v; want nil, nil", got, err)
	}
	if err := s.SaveLedgerSnapshot(ctx, "p", []byte(`{"alice":{"items":1}}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadLedgerSnapshot(ctx, "p")
	if err != nil || string(got) != `{"alice":{"items":1}}` {
		t.Fatalf("load = %q, %v", got, err)
	}
}
