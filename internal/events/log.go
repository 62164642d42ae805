// Package events keeps an append-only audit log of completed items. Each
// record is CRC32C framed so corruption is detected on read instead of being
// served; corrupt records are skipped, never returned.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/TailR3d/Universal-tracker-2/internal/domain"
	pebblestore "github.com/TailR3d/Universal-tracker-2/internal/storage/pebble"
	"github.com/TailR3d/Universal-tracker-2/pkg/id"
)

const prefixCompletion = "compl/"

// Log is the per-project completion log. Record ids are time-ordered, so a
// prefix scan returns completions in append order.
type Log struct {
	db  *pebblestore.DB
	gen *id.Generator
}

// NewLog creates a completion log over an open database.
func NewLog(db *pebblestore.DB) *Log {
	return &Log{db: db, gen: id.NewGenerator()}
}

// Append records one completion.
func (l *Log) Append(ctx context.Context, c domain.Completion) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	rid := l.gen.Next()

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(completionKey(c.Project, rid), encodeRecord(payload), nil); err != nil {
		return err
	}
	return l.db.CommitBatch(ctx, b)
}

// List returns up to limit completions for the project in append order.
func (l *Log) List(_ context.Context, project string, limit int) ([]domain.Completion, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := []byte(prefixCompletion + project + "/")
	// Exclusive scan bound: the prefix with its final '/' bumped, so every
	// record id byte sequence under the prefix is covered.
	upper := append([]byte(nil), prefix...)
	upper[len(upper)-1]++

	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []domain.Completion
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		payload, valid := decodeRecord(iter.Value())
		if !valid {
			continue
		}
		var c domain.Completion
		if err := json.Unmarshal(payload, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func completionKey(project string, rid id.ID) []byte {
	prefix := prefixCompletion + project + "/"
	key := make([]byte, len(prefix)+len(rid))
	copy(key, prefix)
	copy(key[len(prefix):], rid.Bytes())
	return key
}
