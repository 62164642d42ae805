package replenish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
)

type fakeEnqueuer struct {
	calls []string
	seen  map[string]bool
	fail  error
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{seen: map[string]bool{}}
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, project, item string, _ int32, _ time.Duration) error {
	if f.fail != nil {
		return f.fail
	}
	key := project + "/" + item
	if f.seen[key] {
		return fmt.Errorf("%s: %w", key, domain.ErrDuplicateItem)
	}
	f.seen[key] = true
	f.calls = append(f.calls, key)
	return nil
}

func writeBatch(t *testing.T, root, project, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	return path
}

func TestDirSourceTakesFilesInLexicalOrder(t *testing.T) {
	root := t.TempDir()
	writeBatch(t, root, "p", "002.txt", "later\n")
	writeBatch(t, root, "p", "001.txt", "first\nsecond\n\n  third  \n")
	writeBatch(t, root, "p", "notes.md", "ignored")

	src := NewDirSource(root)
	batch, err := src.Next(context.Background(), "p")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if batch.Name != "001.txt" {
		t.Fatalf("batch = %s, want 001.txt", batch.Name)
	}
	want := []string{"first", "second", "third"}
	if len(batch.Items) != len(want) {
		t.Fatalf("items = %v, want %v", batch.Items, want)
	}
	for i := range want {
		if batch.Items[i] != want[i] {
			t.Fatalf("items = %v, want %v", batch.Items, want)
		}
	}
}

func TestDirSourceConsumeDeletesFile(t *testing.T) {
	root := t.TempDir()
	path := writeBatch(t, root, "p", "only.txt", "a\n")

	src := NewDirSource(root)
	ctx := context.Background()
	batch, err := src.Next(ctx, "p")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := batch.Consume(); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("batch file still present after consume")
	}
	if _, err := src.Next(ctx, "p"); !errors.Is(err, domain.ErrNoBatchesLeft) {
		t.Fatalf("want ErrNoBatchesLeft, got %v", err)
	}
}

func TestDirSourceMissingProjectDir(t *testing.T) {
	src := NewDirSource(t.TempDir())
	if _, err := src.Next(context.Background(), "ghost"); !errors.Is(err, domain.ErrNoBatchesLeft) {
		t.Fatalf("want ErrNoBatchesLeft, got %v", err)
	}
}

func TestReplenishOnceEnqueuesThenConsumes(t *testing.T) {
	root := t.TempDir()
	path := writeBatch(t, root, "p", "b.txt", "x\ny\n")

	enq := newFakeEnqueuer()
	r := New(enq, NewDirSource(root), Defaults{Priority: 10}, nil)

	n, err := r.ReplenishOnce(context.Background(), "p")
	if err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if n != 2 || len(enq.calls) != 2 {
		t.Fatalf("enqueued %d (%v), want 2", n, enq.calls)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("batch not consumed")
	}
}

func TestReplenishOnceSkipsDuplicates(t *testing.T) {
	root := t.TempDir()
	writeBatch(t, root, "p", "b.txt", "x\ny\n")

	enq := newFakeEnqueuer()
	enq.seen["p/x"] = true // already tracked

	r := New(enq, NewDirSource(root), Defaults{}, nil)
	n, err := r.ReplenishOnce(context.Background(), "p")
	if err != nil {
		t.Fatalf("replenish: %v", err)
	}
	if n != 1 || len(enq.calls) != 1 || enq.calls[0] != "p/y" {
		t.Fatalf("enqueued %d (%v), want only p/y", n, enq.calls)
	}
}

func TestReplenishOnceKeepsBatchOnEnqueueFailure(t *testing.T) {
	root := t.TempDir()
	path := writeBatch(t, root, "p", "b.txt", "x\n")

	enq := newFakeEnqueuer()
	enq.fail = errors.New("disk full")

	r := New(enq, NewDirSource(root), Defaults{}, nil)
	if _, err := r.ReplenishOnce(context.Background(), "p"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("batch consumed despite enqueue failure: %v", err)
	}
}

func TestReplenishOnceNoBatches(t *testing.T) {
	r := New(newFakeEnqueuer(), NewDirSource(t.TempDir()), Defaults{}, nil)
	_, err := r.ReplenishOnce(context.Background(), "p")
	if !errors.Is(err, domain.ErrNoBatchesLeft) {
		t.Fatalf("want ErrNoBatchesLeft, got %v", err)
	}
}
