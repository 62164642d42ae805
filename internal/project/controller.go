package project

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/internal/lease"
	"github.com/TailR3d/Universal-tracker-2/internal/replenish"
	"github.com/TailR3d/Universal-tracker-2/internal/store"
	"github.com/TailR3d/Universal-tracker-2/pkg/log"
)

// Controller gates item requests and keeps queues fed.
type Controller struct {
	registry    *Registry
	manager     *lease.Manager
	replenisher *replenish.Replenisher
	store       store.Store
	logger      log.Logger

	// Serializes replenishment so an empty-queue stampede consumes one
	// batch, not one batch per waiting client.
	replenishMu sync.Mutex
}

// NewController creates a Controller. replenisher may be nil when the
// deployment has no batch source.
func NewController(reg *Registry, mgr *lease.Manager, rep *replenish.Replenisher, st store.Store, logger log.Logger) *Controller {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Controller{
		registry:    reg,
		manager:     mgr,
		replenisher: rep,
		store:       st,
		logger:      logger.WithComponent("controller"),
	}
}

// RequestItem is the worker-facing assignment path: pause gate, version
// gate, then claim. An empty queue triggers one replenishment attempt and
// one retry before the request fails.
func (c *Controller) RequestItem(ctx context.Context, req store.AcquireRequest) (domain.Item, domain.Handout, error) {
	p, err := c.registry.Get(ctx, req.Project)
	if err != nil {
		return domain.Item{}, domain.Handout{}, err
	}
	if p.Paused {
		return domain.Item{}, domain.Handout{}, fmt.Errorf("%s: %w", p.Name, domain.ErrProjectPaused)
	}
	if p.MinPipelineVersion > 0 && parseMajor(req.Version) < p.MinPipelineVersion {
		return domain.Item{}, domain.Handout{}, fmt.Errorf("client version %q below minimum %d: %w",
			req.Version, p.MinPipelineVersion, domain.ErrVersionTooOld)
	}

	item, h, err := c.manager.Assign(ctx, req)
	if !errors.Is(err, domain.ErrNoItemsAvailable) {
		return item, h, err
	}

	if err := c.replenishOnce(ctx, req.Project); err != nil {
		if errors.Is(err, domain.ErrNoBatchesLeft) {
			return domain.Item{}, domain.Handout{}, fmt.Errorf("%s: %w", req.Project, domain.ErrNoItemsLeft)
		}
		return domain.Item{}, domain.Handout{}, err
	}

	item, h, err = c.manager.Assign(ctx, req)
	if errors.Is(err, domain.ErrNoItemsAvailable) {
		// The replenished batch was drained before our retry.
		return domain.Item{}, domain.Handout{}, fmt.Errorf("%s: %w", req.Project, domain.ErrNoItemsLeft)
	}
	return item, h, err
}

func (c *Controller) replenishOnce(ctx context.Context, project string) error {
	if c.replenisher == nil {
		return fmt.Errorf("%s: %w", project, domain.ErrNoBatchesLeft)
	}

	c.replenishMu.Lock()
	defer c.replenishMu.Unlock()

	// Another request may have replenished while we waited for the lock.
	if _, err := c.store.NextCandidate(ctx, project); err == nil {
		return nil
	}
	_, err := c.replenisher.ReplenishOnce(ctx, project)
	return err
}

// Counts reports the number of items per lifecycle status.
func (c *Controller) Counts(ctx context.Context, project string) (map[domain.ItemStatus]int64, error) {
	if _, err := c.registry.Get(ctx, project); err != nil {
		return nil, err
	}
	out := make(map[domain.ItemStatus]int64, 3)
	for _, status := range []domain.ItemStatus{
		domain.ItemShouldHandout, domain.ItemHandedOut, domain.ItemSucceeded,
	} {
		n, err := c.store.Count(ctx, project, status)
		if err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, nil
}

// parseMajor extracts the leading integer of a version string: "3", "3.1",
// and "3-beta" all parse to 3. Unparseable versions count as 0.
func parseMajor(version string) int {
	n := 0
	seen := false
	for _, r := range version {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
		seen = true
		if n > 1<<30 {
			break
		}
	}
	if !seen {
		return 0
	}
	return n
}
