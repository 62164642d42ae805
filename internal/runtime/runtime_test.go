package runtime

import (
	"context"
	"testing"

	cfgpkg "github.com/TailR3d/Universal-tracker-2/internal/config"
	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	pebblestore "github.com/TailR3d/Universal-tracker-2/internal/storage/pebble"
)

func openTestRuntime(t *testing.T, dir string) *Runtime {
	t.Helper()
	rt, err := Open(Options{
		DataDir: dir,
		Fsync:   pebblestore.FsyncModeNever,
		Config:  cfgpkg.Default(),
	})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	return rt
}

func TestOpenAndHealth(t *testing.T) {
	rt := openTestRuntime(t, t.TempDir())
	defer rt.Close()

	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rt.Service() == nil {
		t.Fatal("nil service")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	rt := openTestRuntime(t, dir)
	svc := rt.Service()
	if _, err := svc.CreateProject(ctx, domain.Project{Name: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.EnqueueItem(ctx, "p", "a", nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, h, err := svc.RequestItem(ctx, store.AcquireRequest{Project: "p", Username: "alice"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, _, err := svc.FinishItem(ctx, h.ID, domain.OutcomeSucceeded, 512); err != nil {
		t.Fatalf("finish: %v", err)
	}
	// Close flushes the ledger.
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt = openTestRuntime(t, dir)
	defer rt.Close()
	svc = rt.Service()

	projects := svc.ListProjects(ctx)
	if len(projects) != 1 || projects[0].Name != "p" {
		t.Fatalf("projects after restart: %v", projects)
	}
	counts, err := svc.Counts(ctx, "p")
	if err != nil || counts[domain.ItemSucceeded] != 1 {
		t.Fatalf("counts after restart: %v, %v", counts, err)
	}
	board, err := svc.Leaderboard(ctx, "p")
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if c := board["alice"]; c.Items != 1 || c.Data != 512 {
		t.Fatalf("restored ledger: %+v", c)
	}
	completions, err := svc.Completions(ctx, "p", 10)
	if err != nil || len(completions) != 1 {
		t.Fatalf("completions after restart: %v, %v", completions, err)
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Backend = "sqlite"
	_, err := Open(Options{DataDir: t.TempDir(), Config: cfg})
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
