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

// Package errkind tags errors with the small closed taxonomy from the
// controller's error handling design: InvalidStatus, Validation, Expansion,
// PastPointOfNoReturn, TableExpand and Cancelled. A kind carries its own
// process exit code so cmd/expandctl can map an error to 0/1/3 by looking at
// a single field instead of re-deriving policy at the call site.
package errkind

import "github.com/gravitational/trace"

// Kind is one of the taxonomy values from the error handling design.
type Kind string

const (
	// InvalidStatus means a PhaseLog transition was violated, or a write
	// was attempted against a closed log. Always fatal; requires -r.
	InvalidStatus Kind = "invalid_status"
	// Validation means a pre-flight check refused to start the run:
	// max_connections too small, unalterable columns, checksum mismatch,
	// malformed input file, non-standard array without -s.
	Validation Kind = "validation"
	// Expansion means the prepare pipeline failed before the point of no
	// return. The caller is advised to run -r.
	Expansion Kind = "expansion"
	// PastPointOfNoReturn means the failure happened after PREPARE_DONE;
	// there is no automated recovery.
	PastPointOfNoReturn Kind = "past_point_of_no_return"
	// TableExpand means a single redistribution worker's ALTER failed.
	// The row is left NOT STARTED and the run still exits cleanly.
	TableExpand Kind = "table_expand"
	// Cancelled means a deadline or signal stopped the run cleanly.
	Cancelled Kind = "cancelled"
)

const fieldName = "errkind"

// Wrap tags err with kind, or returns nil if err is nil.
func Wrap(err error, kind Kind, args ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped, ok := trace.Wrap(err, args...).(trace.Error)
	if !ok {
		return trace.Wrap(err, args...)
	}
	return wrapped.AddFields(trace.Fields{fieldName: string(kind)})
}

// Of returns the kind attached to err by Wrap, and whether one was found.
func Of(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	tErr, ok := err.(trace.Error)
	if !ok {
		return "", false
	}
	v, ok := tErr.GetFields()[fieldName]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return Kind(s), true
}

// ExitCode maps an error to the process exit code the CLI should return:
// 0 success, 1 validation refusal, 3 unexpected failure. Cancelled is a
// deadline or signal stopping a clean run early and exits 0 too, the same
// as a completed run, so automation gating on exit code doesn't treat a
// stop-and-resume-later run as a failure. Errors with no recognized kind
// are treated as unexpected failures.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	kind, ok := Of(err)
	if !ok {
		return 3
	}
	switch kind {
	case Cancelled:
		return 0
	case Validation:
		return 1
	default:
		return 3
	}
}
