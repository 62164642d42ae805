package replenish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	"github.com/TailR3d/Universal-tracker-2/pkg/log"
)

// Enqueuer is the slice of the item store the replenisher writes through.
type Enqueuer interface {
	Enqueue(ctx context.Context, project, item string, priority int32, expected time.Duration) error
}

// Defaults are applied to every item enqueued from a batch.
type Defaults struct {
	Priority         int32
	ExpectedDuration time.Duration
}

// Replenisher moves batches from a source into the pending queue.
type Replenisher struct {
	store    Enqueuer
	source   Source
	defaults Defaults
	logger   log.Logger
}

// New creates a Replenisher.
func New(store Enqueuer, source Source, defaults Defaults, logger log.Logger) *Replenisher {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Replenisher{
		store:    store,
		source:   source,
		defaults: defaults,
		logger:   logger.WithComponent("replenish"),
	}
}

// ReplenishOnce consumes exactly one batch into the project's queue and
// returns the number of items enqueued. Duplicate items are logged and
// skipped; any other enqueue error aborts before the batch is consumed so a
// retry sees it again. Returns domain.ErrNoBatchesLeft when the source is
// exhausted.
func (r *Replenisher) ReplenishOnce(ctx context.Context, project string) (int, error) {
	batch, err := r.source.Next(ctx, project)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, item := range batch.Items {
		err := r.store.Enqueue(ctx, project, item, r.defaults.Priority, r.defaults.ExpectedDuration)
		if errors.Is(err, domain.ErrDuplicateItem) {
			r.logger.Warn("batch item already tracked, skipping",
				log.Str("project", project),
				log.Str("batch", batch.Name),
				log.Str("item", item))
			continue
		}
		if err != nil {
			return enqueued, fmt.Errorf("enqueue %s/%s from batch %s: %w", project, item, batch.Name, err)
		}
		enqueued++
	}

	if err := batch.Consume(); err != nil {
		return enqueued, fmt.Errorf("consume batch %s: %w", batch.Name, err)
	}
	r.logger.Info("batch replenished",
		log.Str("project", project),
		log.Str("batch", batch.Name),
		log.Int("enqueued", enqueued),
		log.Int("total", len(batch.Items)))
	return enqueued, nil
}
