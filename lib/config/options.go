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

// Package config is the fixed options struct the CLI surface
// parses into, following gravity's Config.CheckAndSetDefaults idiom
// (tool/gravity/cli.Application) generalized from a multi-command kingpin
// application to this tool's single flat flag set.
package config

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/segmentdb/expandctl/lib/defaults"
)

// Options is the complete, validated set of run parameters: a fixed struct
// with every flag enumerated up front, rather than a dynamic configuration
// object, so an unknown or contradictory option fails at parse time.
type Options struct {
	// InputFile is -i: the path to the new-segment input file. Present
	// triggers the full prepare pipeline.
	InputFile string
	// HostsFile is -f: hosts for the external interview. expandctl treats
	// interview-driven runs as out of scope and only checks
	// this flag to refuse cleanly rather than silently ignore it.
	HostsFile string
	// Database is -D: the database the expand schema lives in. Must not
	// be a template database or "postgres".
	Database string
	// BatchSize is -B: BatchPool concurrency, 1-128.
	BatchSize int
	// Parallel is -n: TablePool concurrency, 1-96.
	Parallel int
	// Duration is -d: a relative deadline from invocation time.
	Duration time.Duration
	// EndTime is -e: an absolute deadline. If both Duration and EndTime
	// are set, the later of the two effective deadlines wins.
	EndTime *time.Time
	// Rollback is -r.
	Rollback bool
	// Clean is -c: drop the expand schema. Mutually exclusive with Rollback.
	Clean bool
	// SkipVacuum is -V.
	SkipVacuum bool
	// SimpleProgress is -S.
	SimpleProgress bool
	// Analyze is -a.
	Analyze bool
	// Silent is -s: suppress warning prompts.
	Silent bool
	// TarDir is -t: local scratch directory for the segment template.
	TarDir string
	// Verbose is -v.
	Verbose bool
	// MetricsAddr is -m: optional address to serve Prometheus metrics on
	// while a run is in progress (supplemental, opt-in, off the critical path).
	MetricsAddr string

	// PGPort is the PGPORT environment override, default 5432.
	PGPort int
}

// Deadline computes the effective absolute deadline from Duration and
// EndTime: if both are set, the later of the two wins. Returns nil if
// neither was set.
func (o *Options) Deadline(now time.Time) *time.Time {
	var fromDuration, fromEnd *time.Time
	if o.Duration > 0 {
		t := now.Add(o.Duration)
		fromDuration = &t
	}
	if o.EndTime != nil {
		fromEnd = o.EndTime
	}
	switch {
	case fromDuration == nil:
		return fromEnd
	case fromEnd == nil:
		return fromDuration
	case fromEnd.After(*fromDuration):
		return fromEnd
	default:
		return fromDuration
	}
}

// reservedDatabases are database names -D may never name, following
// gpexpand-5x.py's explicit template0/template1/postgres check.
var reservedDatabases = map[string]bool{
	"template0": true,
	"template1": true,
	"postgres":  true,
}

// CheckAndSetDefaults validates o and fills in defaults. Unknown or
// contradictory options fail here rather than deeper in the pipeline, after
// a dial or a mutation has already happened.
func (o *Options) CheckAndSetDefaults() error {
	if o.Rollback && o.Clean {
		return trace.BadParameter("-r (rollback) and -c (clean) are mutually exclusive")
	}
	if o.Database != "" && reservedDatabases[o.Database] {
		return trace.BadParameter("-D %q may not name a template database or postgres", o.Database)
	}
	if deadline := o.Deadline(time.Now()); deadline != nil && deadline.Before(time.Now()) {
		return trace.BadParameter("-d/-e deadline %v is already in the past", deadline.Format(time.RFC3339))
	}
	if o.BatchSize == 0 {
		o.BatchSize = defaults.DefaultBatchSize
	}
	if o.BatchSize < defaults.MinBatchSize || o.BatchSize > defaults.MaxBatchSize {
		return trace.BadParameter("-B %d out of range [%d,%d]", o.BatchSize, defaults.MinBatchSize, defaults.MaxBatchSize)
	}
	if o.Parallel == 0 {
		o.Parallel = defaults.DefaultParallel
	}
	if o.Parallel < defaults.MinParallel || o.Parallel > defaults.MaxParallel {
		return trace.BadParameter("-n %d out of range [%d,%d]", o.Parallel, defaults.MinParallel, defaults.MaxParallel)
	}
	if o.PGPort == 0 {
		o.PGPort = defaults.DefaultPGPort
	}
	if o.InputFile != "" && o.HostsFile != "" {
		return trace.BadParameter("-i and -f are mutually exclusive")
	}
	return nil
}
