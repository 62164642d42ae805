// Package replenish refills a project's pending queue from consumable
// batches. A batch is consumed destructively, but only after every item in
// it has been offered to the queue: enqueue first, consume last, so a crash
// between the two re-offers the batch instead of losing it.
package replenish

import "context"

// Batch is one consumable unit of item names.
type Batch struct {
	// Name identifies the batch for logging.
	Name string
	// Items are the item names carried by the batch.
	Items []string

	consume func() error
}

// Consume destroys the batch at its source. Call only after all items were
// enqueued; duplicates produced by a replay are tolerated downstream.
func (b *Batch) Consume() error {
	if b.consume == nil {
		return nil
	}
	return b.consume()
}

// Source yields batches for a project. Next returns
// domain.ErrNoBatchesLeft when the source is exhausted.
type Source interface {
	Next(ctx context.Context, project string) (*Batch, error)
}
