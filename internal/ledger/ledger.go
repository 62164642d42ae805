// Package ledger tracks per-worker contribution totals. Totals are additive
// only: finished items add to a username's counters and nothing subtracts.
// The ledger lives in memory and is periodically persisted through the store
// as one JSON blob per project.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// SnapshotStore is the slice of the item store the ledger persists through.
type SnapshotStore interface {
	SaveLedgerSnapshot(ctx context.Context, project string, snapshot []byte) error
	LoadLedgerSnapshot(ctx context.Context, project string) ([]byte, error)
}

// Contribution is one worker's running totals for a project.
type Contribution struct {
	Items int64 `json:"items"`
	Data  int64 `json:"data"`
}

// Ledger holds contribution totals for every project.
type Ledger struct {
	mu       sync.RWMutex
	projects map[string]map[string]Contribution
	dirty    map[string]bool
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		projects: make(map[string]map[string]Contribution),
		dirty:    make(map[string]bool),
	}
}

// Record adds items and data to username's totals for project.
func (l *Ledger) Record(project, username string, items, data int64) {
	if username == "" || (items == 0 && data == 0) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	byUser := l.projects[project]
	if byUser == nil {
		byUser = make(map[string]Contribution)
		l.projects[project] = byUser
	}
	c := byUser[username]
	c.Items += items
	c.Data += data
	byUser[username] = c
	l.dirty[project] = true
}

// Snapshot returns a copy of the project's totals.
func (l *Ledger) Snapshot(project string) map[string]Contribution {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Contribution, len(l.projects[project]))
	for user, c := range l.projects[project] {
		out[user] = c
	}
	return out
}

// Projects lists the projects with recorded contributions.
func (l *Ledger) Projects() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.projects))
	for p := range l.projects {
		out = append(out, p)
	}
	return out
}

// Save persists every project modified since the last Save. Dirty flags are
// claimed at marshal time, so a Record landing while a snapshot is being
// written re-marks the project for the next Save instead of being dropped.
func (l *Ledger) Save(ctx context.Context, st SnapshotStore) error {
	l.mu.Lock()
	pending := make(map[string][]byte, len(l.dirty))
	for project := range l.dirty {
		blob, err := json.Marshal(l.projects[project])
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("encode ledger %s: %w", project, err)
		}
		pending[project] = blob
		delete(l.dirty, project)
	}
	l.mu.Unlock()

	for project, blob := range pending {
		if err := st.SaveLedgerSnapshot(ctx, project, blob); err != nil {
			l.mu.Lock()
			l.dirty[project] = true
			l.mu.Unlock()
			return fmt.Errorf("save ledger %s: %w", project, err)
		}
	}
	return nil
}

// Load restores totals for the given projects from stored snapshots.
// Projects without a snapshot start empty.
func (l *Ledger) Load(ctx context.Context, st SnapshotStore, projects []string) error {
	for _, project := range projects {
		blob, err := st.LoadLedgerSnapshot(ctx, project)
		if err != nil {
			return fmt.Errorf("load ledger %s: %w", project, err)
		}
		if blob == nil {
			continue
		}
		byUser := make(map[string]Contribution)
		if err := json.Unmarshal(blob, &byUser); err != nil {
			return fmt.Errorf("decode ledger %s: %w", project, err)
		}
		l.mu.Lock()
		l.projects[project] = byUser
		l.mu.Unlock()
	}
	return nil
}
