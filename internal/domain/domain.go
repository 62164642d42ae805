// Package domain holds the core types of the tracker: projects, items,
// handouts, and the sentinel errors shared by every layer above the store.
package domain

import "time"

// ItemStatus is the lifecycle state of an item.
//
// Valid transitions:
//
//	should_handout -> handed_out -> succeeded
//	handed_out     -> should_handout   (abandonment, requeued)
//
// succeeded is terminal. Items are never deleted; a succeeded row is the
// audit record of the work.
type ItemStatus string

const (
	ItemShouldHandout ItemStatus = "should_handout"
	ItemHandedOut     ItemStatus = "handed_out"
	ItemSucceeded     ItemStatus = "succeeded"
)

// HandoutStatus is the state of a single lease attempt.
type HandoutStatus string

const (
	HandoutInProgress HandoutStatus = "in_progress"
	HandoutSucceeded  HandoutStatus = "succeeded"
	HandoutAbandoned  HandoutStatus = "abandoned"
)

// Outcome is a client- or reaper-reported finalization result.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeAbandoned Outcome = "abandoned"
)

// Valid reports whether o is a recognized outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeSucceeded || o == OutcomeAbandoned
}

// Project is the metadata and operational flags for one project.
type Project struct {
	Name               string `json:"name"`
	Slug               string `json:"slug"`
	IconURI            string `json:"iconUri"`
	Ratelimit          int    `json:"ratelimit"`
	MinPipelineVersion int    `json:"minPipelineVersion"`
	Public             bool   `json:"public"`
	Paused             bool   `json:"paused"`
	CreatedAtMs        int64  `json:"createdAtMs"`
}

// Item is one unit of work belonging to a project. Name is the opaque
// payload identifier handed to workers. Seq is the insertion order within
// the project and breaks priority ties.
type Item struct {
	Project          string        `json:"project"`
	Name             string        `json:"name"`
	Priority         int32         `json:"priority"`
	ExpectedDuration time.Duration `json:"expectedDuration"`
	Status           ItemStatus    `json:"status"`
	Seq              uint64        `json:"seq"`
	CreatedAtMs      int64         `json:"createdAtMs"`
}

// Handout is one lease attempt pairing a worker with an item. At most one
// in_progress handout may reference an item at any instant.
type Handout struct {
	ID              string        `json:"id"`
	Project         string        `json:"project"`
	Item            string        `json:"item"`
	Username        string        `json:"username"`
	IP              string        `json:"ip"`
	Version         string        `json:"version"`
	Status          HandoutStatus `json:"status"`
	LastHeartbeatMs int64         `json:"lastHeartbeatMs"`
	CreatedAtMs     int64         `json:"createdAtMs"`
}

// Completion is the event emitted when a handout finishes successfully.
// Size is the worker-reported byte count of the finished item.
type Completion struct {
	Project    string `json:"project"`
	Item       string `json:"item"`
	Username   string `json:"username"`
	Size       int64  `json:"size"`
	FinishedMs int64  `json:"finishedMs"`
}
