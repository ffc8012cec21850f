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

// Package lifecycle implements LifecycleController: the single
// entry point that inspects database and phase-log state and dispatches to
// one of the other components. It generalizes gravity's
// Engine.GetExecutor plan-driven dispatch (lib/fsm) from a phase-tree
// lookup to a flat decision table.
package lifecycle

import (
	"github.com/gravitational/trace"

	"github.com/segmentdb/expandctl/lib/config"
	"github.com/segmentdb/expandctl/lib/errkind"
	"github.com/segmentdb/expandctl/lib/redistribute"
)

// DBStatus is the top row of the expand.status GlobalStatus log, or
// StatusAbsent when the expand schema does not yet exist (no run has ever
// seeded it).
type DBStatus string

const (
	// StatusAbsent means expand.status has no row at all.
	StatusAbsent DBStatus = ""
	// StatusSetupDone mirrors redistribute.EventSetupDone.
	StatusSetupDone DBStatus = DBStatus(redistribute.EventSetupDone)
	// StatusExpansionStopped mirrors redistribute.EventExpansionStopped.
	StatusExpansionStopped DBStatus = DBStatus(redistribute.EventExpansionStopped)
	// StatusExpansionStarted mirrors redistribute.EventExpansionStarted.
	StatusExpansionStarted DBStatus = DBStatus(redistribute.EventExpansionStarted)
	// StatusExpansionComplete mirrors redistribute.EventExpansionComplete.
	StatusExpansionComplete DBStatus = DBStatus(redistribute.EventExpansionComplete)
)

// Action is the dispatch decision route returns.
type Action int

const (
	// ActionNone indicates no work is needed; Run returns immediately.
	ActionNone Action = iota
	// ActionRollback runs RollbackController.
	ActionRollback
	// ActionPreparePipeline runs the full prepare pipeline from scratch.
	ActionPreparePipeline
	// ActionResumePreparePipeline resumes an interrupted prepare pipeline
	// from the phase log's current entry.
	ActionResumePreparePipeline
	// ActionRedistributionEngine starts draining the work queue.
	ActionRedistributionEngine
	// ActionResumeRedistributionEngine resumes draining an in-progress run.
	ActionResumeRedistributionEngine
	// ActionRefuseNeedsClean refuses to start because the prior run
	// completed and -c has not been run yet.
	ActionRefuseNeedsClean
	// ActionInterview hands off to the external interview (out of scope).
	ActionInterview
	// ActionCleanSchema drops the expand schema.
	ActionCleanSchema
)

// route implements the controller's state-routing matrix as a pure
// function: (dbStatus, logPresent, opts) -> Action. opts.Clean takes
// priority over every other state ("any, flag=--clean ->
// cleanup_schema"), matching the table's final catch-all row.
func route(dbStatus DBStatus, logPresent bool, opts *config.Options) (Action, error) {
	if opts.Clean {
		return ActionCleanSchema, nil
	}

	if opts.Rollback {
		if dbStatus != StatusAbsent {
			return ActionNone, errkind.Wrap(
				trace.BadParameter("-r (rollback) is only valid before the expand schema is populated (current status %q)", dbStatus),
				errkind.Validation)
		}
		if !logPresent {
			return ActionNone, errkind.Wrap(
				trace.BadParameter("-r (rollback) requested but no phase log is present"), errkind.Validation)
		}
		return ActionRollback, nil
	}

	switch dbStatus {
	case StatusSetupDone, StatusExpansionStopped:
		return ActionRedistributionEngine, nil
	case StatusExpansionStarted:
		return ActionResumeRedistributionEngine, nil
	case StatusExpansionComplete:
		return ActionRefuseNeedsClean, nil
	case StatusAbsent:
		switch {
		case logPresent:
			// An interrupted prepare pipeline: resume from PhaseLog.Current()
			// rather than re-running from UNINITIALIZED ("on
			// restart, the controller inspects current() and chooses either
			// 'resume this phase' or 'continue at the next one'").
			return ActionResumePreparePipeline, nil
		case opts.InputFile != "":
			return ActionPreparePipeline, nil
		case opts.HostsFile != "":
			return ActionInterview, nil
		default:
			return ActionInterview, nil
		}
	default:
		return ActionNone, errkind.Wrap(trace.BadParameter("unrecognized expand.status value %q", dbStatus), errkind.InvalidStatus)
	}
}
