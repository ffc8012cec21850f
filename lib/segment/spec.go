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

// Package segment holds the data model for cluster membership: SegmentSpec,
// SegmentSet, and the input-file/filespace-sidecar parsers. The shape
// follows gravity's storage.Server / storage.OperationPlan value
// objects (plain structs with a Check method) generalized from a
// Kubernetes-node-list domain to a segment-list domain.
package segment

import (
	"fmt"

	"github.com/gravitational/trace"

	"github.com/segmentdb/expandctl/lib/constants"
)

// Role is a segment's role within its content id's (primary, mirrors...) tuple.
type Role string

const (
	// RolePrimary is the primary segment for its content id.
	RolePrimary Role = constants.RoleP
	// RoleMirror is a mirror segment for its content id.
	RoleMirror Role = constants.RoleM
)

// Spec is one new segment, parsed from a line of the input file.
type Spec struct {
	// Host is the hostname the segment runs on.
	Host string
	// Address is the resolvable address used for connections to the segment.
	Address string
	// Port is the segment's listening port.
	Port int
	// DataDir is the segment's data directory on Host.
	DataDir string
	// DBID is the database-assigned unique id of this segment instance.
	DBID int
	// ContentID is the stable shard id shared by a primary and its mirrors.
	ContentID int
	// SegRole is p (primary) or m (mirror).
	SegRole Role
	// ReplicationPort is optional; zero means "not set".
	ReplicationPort int
	// FilespacePaths maps filespace name to local path on Host, required
	// when the cluster has any non-system filespace (sidecar file).
	FilespacePaths map[string]string
}

// Check validates the core invariants: host/address non-empty,
// port/ids non-negative, role in {p,m}, and — when filespacePaths is
// non-empty overall (checked by the caller across all specs) — every
// filespace has a path.
func (s Spec) Check() error {
	if s.Host == "" {
		return trace.BadParameter("segment spec missing host")
	}
	if s.Address == "" {
		return trace.BadParameter("segment spec for host %q missing address", s.Host)
	}
	if s.Port < 0 {
		return trace.BadParameter("segment spec for host %q has negative port %d", s.Host, s.Port)
	}
	if s.DBID < 0 {
		return trace.BadParameter("segment spec for host %q has negative dbid %d", s.Host, s.DBID)
	}
	if s.ContentID < 0 {
		return trace.BadParameter("segment spec for host %q has negative content id %d", s.Host, s.ContentID)
	}
	if s.SegRole != RolePrimary && s.SegRole != RoleMirror {
		return trace.BadParameter("segment spec for host %q has invalid role %q, want %q or %q",
			s.Host, s.SegRole, RolePrimary, RoleMirror)
	}
	if s.ReplicationPort < 0 {
		return trace.BadParameter("segment spec for host %q has negative replication port %d", s.Host, s.ReplicationPort)
	}
	return nil
}

// ContentTuple is the (primary, mirrors...) group for one content id.
type ContentTuple struct {
	// ContentID is the shard id shared by every member of the tuple.
	ContentID int
	// Primary is the primary segment for this content id.
	Primary Spec
	// Mirrors is the ordered list of mirrors for this content id, empty
	// when mirroring is disabled.
	Mirrors []Spec
}

// Set is the current cluster membership: coordinator, optional standby,
// and an ordered list of content tuples.
type Set struct {
	// Coordinator is the coordinator node.
	Coordinator Spec
	// Standby is the optional coordinator standby.
	Standby *Spec
	// Tuples is the ordered list of (primary, mirrors...) groups keyed by
	// content id, in ascending content id order.
	Tuples []ContentTuple
	// Filespaces is the list of non-system filespace names known to the
	// cluster, in the order used by the filespace sidecar file.
	Filespaces []string
}

// MirroringEnabled reports whether any content tuple carries a mirror.
func (s Set) MirroringEnabled() bool {
	for _, t := range s.Tuples {
		if len(t.Mirrors) > 0 {
			return true
		}
	}
	return false
}

// MaxContentID returns the highest content id currently in the set, or -1
// if the set has no tuples yet.
func (s Set) MaxContentID() int {
	max := -1
	for _, t := range s.Tuples {
		if t.ContentID > max {
			max = t.ContentID
		}
	}
	return max
}

// MaxDBID returns the highest dbid currently assigned to any segment,
// coordinator and standby included.
func (s Set) MaxDBID(dbidOf func(Spec) int) int {
	max := dbidOf(s.Coordinator)
	if s.Standby != nil {
		if v := dbidOf(*s.Standby); v > max {
			max = v
		}
	}
	for _, t := range s.Tuples {
		if v := dbidOf(t.Primary); v > max {
			max = v
		}
		for _, m := range t.Mirrors {
			if v := dbidOf(m); v > max {
				max = v
			}
		}
	}
	return max
}

// AllSpecs returns every member spec of the set: coordinator, standby if
// present, and every tuple's primary followed by its mirrors — the
// enumeration RollbackController uses to visit every original segment's
// data directory, since AllHosts collapses hosts running more than one
// segment.
func (s Set) AllSpecs() []Spec {
	specs := []Spec{s.Coordinator}
	if s.Standby != nil {
		specs = append(specs, *s.Standby)
	}
	for _, t := range s.Tuples {
		specs = append(specs, t.Primary)
		specs = append(specs, t.Mirrors...)
	}
	return specs
}

// AllHosts returns the set of distinct hosts across coordinator, standby
// and every tuple member.
func (s Set) AllHosts() []string {
	seen := map[string]bool{}
	var hosts []string
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	add(s.Coordinator.Host)
	if s.Standby != nil {
		add(s.Standby.Host)
	}
	for _, t := range s.Tuples {
		add(t.Primary.Host)
		for _, m := range t.Mirrors {
			add(m.Host)
		}
	}
	return hosts
}

// NewSegments is the list of new segments (every primary/mirror in Add,
// flattened) to be adopted onto the cluster — the analogue of the source
// tool's getSegmentsToAdd().
type NewSegments struct {
	Tuples []ContentTuple
}

// Flatten returns every Spec across every tuple, primaries first then
// mirrors, in tuple order — the order the template distribute phase and
// the catalog mutator both rely on.
func (n NewSegments) Flatten() []Spec {
	var out []Spec
	for _, t := range n.Tuples {
		out = append(out, t.Primary)
		out = append(out, t.Mirrors...)
	}
	return out
}

// Hosts returns the distinct hosts across every new segment.
func (n NewSegments) Hosts() []string {
	seen := map[string]bool{}
	var hosts []string
	for _, s := range n.Flatten() {
		if !seen[s.Host] {
			seen[s.Host] = true
			hosts = append(hosts, s.Host)
		}
	}
	return hosts
}

// String renders a ContentTuple for diagnostics.
func (t ContentTuple) String() string {
	return fmt.Sprintf("content=%d primary=%s mirrors=%d", t.ContentID, t.Primary.Host, len(t.Mirrors))
}
