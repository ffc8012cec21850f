/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package redistribute implements RedistributionPlanner and
// RedistributionEngine: seed a durable per-table work queue inside the
// database, then drain it with bounded worker concurrency. It generalizes
// gravity's plan/execute split (lib/storage
// OperationPlan seeded once, lib/fsm.Engine draining it with a worker pool)
// from an infrastructure-operation tree to a flat SQL-table queue.
package redistribute

import "time"

// Rank orders work items: unique-index tables redistribute first to
// minimize the uniqueness-violation window.
type Rank int

const (
	// RankUnique is assigned to tables carrying a unique index in a user
	// schema.
	RankUnique Rank = 1
	// RankPlain is assigned to every other qualifying table.
	RankPlain Rank = 2
)

// Status is a TableWorkItem's lifecycle state.
type Status string

const (
	// StatusNotStarted is the initial state, and the state a cancelled or
	// failed worker resets its row back to.
	StatusNotStarted Status = "NOT STARTED"
	// StatusInProgress marks a row currently claimed by a worker.
	StatusInProgress Status = "IN PROGRESS"
	// StatusCompleted marks a row whose ALTER succeeded.
	StatusCompleted Status = "COMPLETED"
	// StatusNoLongerExists marks a row whose relation disappeared from the
	// catalog before the worker could claim it.
	StatusNoLongerExists Status = "NO LONGER EXISTS"
)

// TableWorkItem is one row in the expand.status_detail queue.
// The tuple (Database, SchemaID, RelationID) is unique.
type TableWorkItem struct {
	Database  string
	Schema    string
	Table     string
	SchemaID  int
	RelationID int
	// PolicyColumnIDs are the original distribution-policy attribute
	// numbers, preserved so the engine can restate the same policy in its
	// ALTER statement (correctness notes).
	PolicyColumnIDs []int
	// PolicyColumnNames are the human-readable column names matching
	// PolicyColumnIDs, used to render the ALTER's column list.
	PolicyColumnNames []string
	// StorageOptions are extra WITH(...) options carried alongside
	// REORGANIZE=TRUE (e.g. an original appendonly/orientation setting).
	StorageOptions []string
	Rank           Rank
	Status         Status
	StartedAt      *time.Time
	CompletedAt    *time.Time
	// SourceBytes is the pre-redistribution size estimate, 0 when the run
	// opted into simple progress.
	SourceBytes int64
}

// QualifiedName renders "schema"."table" for use in ALTER TABLE statements.
func (w TableWorkItem) QualifiedName() string {
	return `"` + w.Schema + `"."` + w.Table + `"`
}

// Distributed reports whether the item carries an explicit column-based
// distribution policy as opposed to random distribution.
func (w TableWorkItem) Distributed() bool {
	return len(w.PolicyColumnNames) > 0
}

// GlobalEvent is one entry in the append-only expand.status log.
type GlobalEvent string

const (
	EventSetup              GlobalEvent = "SETUP"
	EventSetupDone          GlobalEvent = "SETUP DONE"
	EventExpansionStarted   GlobalEvent = "EXPANSION STARTED"
	EventExpansionStopped   GlobalEvent = "EXPANSION STOPPED"
	EventExpansionComplete  GlobalEvent = "EXPANSION COMPLETE"
)

// GlobalStatus is one row of the expand.status log, timestamped.
type GlobalStatus struct {
	Event     GlobalEvent
	Recorded  time.Time
}
