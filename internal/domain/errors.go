package domain

import "errors"

// Sentinel errors reported by the store and the layers above it. Transports
// match on these with errors.Is and map them to status codes.
var (
	// ErrProjectPaused rejects lease operations while a project is paused.
	ErrProjectPaused = errors.New("project is paused")

	// ErrNoItemsAvailable means the project's active queue is momentarily
	// empty. The project controller retries once after replenishment before
	// surfacing ErrNoItemsLeft.
	ErrNoItemsAvailable = errors.New("no items available")

	// ErrNoItemsLeft means the queue is empty and no batches remain.
	ErrNoItemsLeft = errors.New("no items left")

	// ErrNoBatchesLeft is returned by a batch source when its backlog is
	// exhausted.
	ErrNoBatchesLeft = errors.New("no batches left")

	// ErrDuplicateItem rejects enqueueing an item that already exists in
	// the project.
	ErrDuplicateItem = errors.New("item already exists")

	// ErrInvalidTransition signals a state-machine contract violation: the
	// item or handout was not in the expected source state. Race losers
	// (reaper vs. client finalize) see this and must treat it as final.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownHandout means the handout id does not reference an active
	// handout.
	ErrUnknownHandout = errors.New("unknown handout")

	// ErrUnknownProject means no project with that name exists.
	ErrUnknownProject = errors.New("unknown project")

	// ErrDuplicateProject rejects creating a project whose name is taken.
	ErrDuplicateProject = errors.New("project already exists")

	// ErrVersionTooOld rejects clients below a project's minimum pipeline
	// version.
	ErrVersionTooOld = errors.New("client version below project minimum")
)
