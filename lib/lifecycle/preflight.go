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

package lifecycle

import (
	"context"

	"github.com/segmentdb/expandctl/lib/segment"
)

// Preflight is the out-of-scope "cluster-state-changing operations that
// aren't persisted, resumable, or phase-ordered in their own right" family
// named in SPEC_FULL.md §1: checksum/unique-index/alterable-column
// validation, extension sync, filespace relocation, coordinator-only
// catalog row cleanup, and mirror sync. LifecycleController depends only on
// this narrow contract; a concrete implementation driving template.Remote
// and dbclient.Client against the live cluster is an external collaborator.
type Preflight interface {
	// ValidateUniqueIndexTables fails if any table carrying a unique index
	// cannot be safely redistributed (prepare pipeline step 1).
	ValidateUniqueIndexTables(ctx context.Context) error
	// ValidateAlterableTables fails if any relation cannot accept
	// ALTER ... SET DISTRIBUTED BY (step 2).
	ValidateAlterableTables(ctx context.Context) error
	// ValidateHeapChecksums fails if data_checksums is inconsistent across
	// the existing segments (step 3).
	ValidateHeapChecksums(ctx context.Context) error
	// VacuumCatalog runs the optional heavyweight catalog vacuum gated by
	// -V/--skip-vacuum (Build step 1).
	VacuumCatalog(ctx context.Context) error
	// SyncExtensions copies installed extension control files/libraries to
	// newHosts. Failures are logged, not fatal.
	SyncExtensions(ctx context.Context, newHosts []string) error
	// StopCluster stops the cluster and returns the control-data utility's
	// raw output, which template.VerifyStopped inspects (step 3).
	StopCluster(ctx context.Context) (controlDataOutput string, err error)
	// UpdateOriginalSegments rewrites pg_hba.conf (after backing up the
	// original) and any id-bearing files on every existing segment so the
	// enlarged cluster's trust lines and identities agree.
	UpdateOriginalSegments(ctx context.Context, set *segment.Set, newSegments segment.NewSegments) error
	// MoveFilespaces relocates filespace directories when the cluster is
	// configured to use a non-default filespace layout.
	MoveFilespaces(ctx context.Context) error
	// ConfigureFilespaces points every new segment's non-default filespaces
	// at the paths recorded in its input-file sidecar.
	ConfigureFilespaces(ctx context.Context, newSegments segment.NewSegments) error
	// CleanupNewSegmentCatalogRows removes coordinator-only catalog rows
	// (e.g. stale pg_stat entries) a freshly adopted segment should not
	// carry over from the template.
	CleanupNewSegmentCatalogRows(ctx context.Context, newSegments segment.NewSegments) error
	// StartCluster brings the enlarged cluster back up.
	StartCluster(ctx context.Context) error
	// SyncMirrors brings new mirrors into sync with their primaries.
	SyncMirrors(ctx context.Context) error
}

// NopPreflight is a no-op Preflight, usable against a single-node or
// already-prepared test cluster where every one of these operations is
// vacuously satisfied. StopCluster reports an already-shut-down cluster so
// template.VerifyStopped succeeds against it.
type NopPreflight struct{}

var _ Preflight = NopPreflight{}

func (NopPreflight) ValidateUniqueIndexTables(context.Context) error { return nil }
func (NopPreflight) ValidateAlterableTables(context.Context) error   { return nil }
func (NopPreflight) ValidateHeapChecksums(context.Context) error     { return nil }
func (NopPreflight) VacuumCatalog(context.Context) error             { return nil }
func (NopPreflight) SyncExtensions(context.Context, []string) error  { return nil }

func (NopPreflight) StopCluster(context.Context) (string, error) {
	return "Database cluster state:            shut down", nil
}

func (NopPreflight) UpdateOriginalSegments(context.Context, *segment.Set, segment.NewSegments) error {
	return nil
}
func (NopPreflight) MoveFilespaces(context.Context) error { return nil }
func (NopPreflight) ConfigureFilespaces(context.Context, segment.NewSegments) error {
	return nil
}
func (NopPreflight) CleanupNewSegmentCatalogRows(context.Context, segment.NewSegments) error {
	return nil
}
func (NopPreflight) StartCluster(context.Context) error { return nil }
func (NopPreflight) SyncMirrors(context.Context) error  { return nil }
