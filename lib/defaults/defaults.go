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

// Package defaults holds default values and sizing limits used across
// expandctl that are not themselves part of the public CLI contract.
package defaults

import "time"

const (
	// MinBatchSize is the smallest accepted -B value.
	MinBatchSize = 1
	// MaxBatchSize is the largest accepted -B value.
	MaxBatchSize = 128
	// DefaultBatchSize is used when -B and GP_MGMT_PROCESS_COUNT are both unset.
	DefaultBatchSize = 16

	// MinParallel is the smallest accepted -n value.
	MinParallel = 1
	// MaxParallel is the largest accepted -n value.
	MaxParallel = 96
	// DefaultParallel is used when -n is unset.
	DefaultParallel = 1

	// DefaultPGPort is the default PGPORT when unset in the environment.
	DefaultPGPort = 5432

	// PollInterval is a cancel-flag/queue polling interval. No package in
	// this module reads it: Engine.Drain checks for cancellation between
	// batches and claims the next batch as soon as the previous one ends.
	PollInterval = 2 * time.Second

	// BarrierJoinTimeout is a bound for waiting on a BatchPool drain during
	// shutdown. No package in this module reads it; batchpool.Pool.Run
	// returns at once when its context is cancelled.
	BarrierJoinTimeout = 5 * time.Minute

	// TemplateArchiveName is the filename used for the portable template
	// tarball, both locally and once copied to new segment hosts.
	TemplateArchiveName = "gpexpand_segment_template.tar"

	// PhaseLogFilename is the coordinator-local phase log file name.
	PhaseLogFilename = "gpexpand.status"
	// StandbyPhaseLogFilename is the standby-local mirror file name, copied
	// to the standby host before the coordinator copy is considered durable.
	StandbyPhaseLogFilename = "gpexpand.standby.status"
	// CatalogSnapshotFilename is the pre-mutation SegmentSet snapshot file.
	CatalogSnapshotFilename = "gpexpand.gp_segment_configuration"

	// FilespaceSidecarSuffix is appended to an input file's basename to
	// locate its filespace sidecar.
	FilespaceSidecarSuffix = ".fs"

	// PgHbaBackupSuffix is appended to an existing segment's "pg_hba.conf"
	// to name its backup, which RollbackController's OLD_SEGMENTS_STARTED
	// inverse moves back into place.
	PgHbaBackupSuffix = ".gpexpand.bak"
)
