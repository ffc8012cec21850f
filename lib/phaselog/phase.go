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

// Package phaselog implements the persistent phase state machine: an
// append-only, coordinator-disk-resident, standby-mirrored record of
// preparation phases, with strict successor-only transitions.
//
// It generalizes gravity's storage.OperationPlan/OperationPhase tree
// (lib/storage/plan.go, lib/fsm/fsm.go) to the flat total order this
// controller's prepare pipeline actually needs: there is exactly one phase
// in flight at a time, so a linear log of (Phase, payload) entries replaces
// the tree of parallel/sequential sub-phases gravity's FSM supports.
package phaselog

import "github.com/gravitational/trace"

// Phase is a named point in the preparation state machine. The
// zero value is Uninitialized.
type Phase int

// The total order of preparation phases. Transitions are only allowed to
// the immediate successor in this list.
const (
	Uninitialized Phase = iota
	PrepareStarted
	TemplateStarted
	TemplateDone
	SegmentsStarted
	SegmentsDone
	OldSegmentsStarted
	OldSegmentsDone
	CatalogStarted
	CatalogDone
	SchemaStarted
	SchemaDone
	PopulateStarted
	PopulateDone
	PrepareDone
)

var phaseNames = [...]string{
	"UNINITIALIZED",
	"PREPARE_STARTED",
	"TEMPLATE_STARTED",
	"TEMPLATE_DONE",
	"SEGMENTS_STARTED",
	"SEGMENTS_DONE",
	"OLD_SEGMENTS_STARTED",
	"OLD_SEGMENTS_DONE",
	"CATALOG_STARTED",
	"CATALOG_DONE",
	"SCHEMA_STARTED",
	"SCHEMA_DONE",
	"POPULATE_STARTED",
	"POPULATE_DONE",
	"PREPARE_DONE",
}

// String renders the phase's canonical name, used as the on-disk
// representation in the phase log file.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// ParsePhase parses the on-disk name back into a Phase.
func ParsePhase(name string) (Phase, error) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), nil
		}
	}
	return Uninitialized, trace.BadParameter("unknown phase %q", name)
}

// IsSuccessorOf reports whether p is the immediate successor of prev in the
// total order — the sole rule PhaseLog.advance enforces.
func (p Phase) IsSuccessorOf(prev Phase) bool {
	return int(p) == int(prev)+1
}

// IsPointOfNoReturn reports whether p is PrepareDone, the phase after which
// RollbackController refuses to run (PastPointOfNoReturn).
func (p Phase) IsPointOfNoReturn() bool {
	return p == PrepareDone
}

// Last returns the final phase in the total order.
func Last() Phase { return PrepareDone }
