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

// Package catalog implements CatalogMutator: snapshotting the
// cluster's segment configuration before mutating it, registering new
// segments in a single administrative write, and restoring a snapshot
// during rollback.
package catalog

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/segmentdb/expandctl/lib/constants"
	"github.com/segmentdb/expandctl/lib/dbclient"
	"github.com/segmentdb/expandctl/lib/errkind"
	"github.com/segmentdb/expandctl/lib/segment"
)

// ModeChangeTracking and StatusDown are the catalog column values applied
// to new primaries/mirrors respectively: new primaries start in
// "changetracking" mode, new mirrors start "down", since neither is
// initialized end-to-end until the cluster has restarted onto the enlarged
// segment set.
const (
	ModeChangeTracking = "changetracking"
	StatusDown         = "down"
)

// Reader is the narrow read contract CatalogMutator needs to know the
// cluster's current segment configuration; satisfied by a dbclient.Client
// querying the real catalog table, or a fake in tests.
type Reader interface {
	CurrentSet(ctx context.Context) (*segment.Set, error)
}

// Mutator applies a planned set of new segments to the on-disk catalog,
// keeping a restorable snapshot so a failed expansion can be undone.
type Mutator struct {
	client dbclient.Client
	reader Reader
	log    logrus.FieldLogger
}

// Config configures a Mutator.
type Config struct {
	// Client is the administrative-write connection (utility mode).
	Client dbclient.Client
	// Reader reads the current segment configuration. When nil, Client is
	// used via the default catalogReader below.
	Reader Reader
	// Logger overrides the default logger.
	Logger logrus.FieldLogger
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing Client")
	}
	if c.Reader == nil {
		c.Reader = catalogReader{client: c.Client}
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, constants.ComponentCatalog)
	}
	return nil
}

// New constructs a Mutator.
func New(cfg Config) (*Mutator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Mutator{client: cfg.Client, reader: cfg.Reader, log: cfg.Logger}, nil
}

// CurrentSet returns the cluster's current segment configuration, the same
// read Snapshot uses — exposed for RollbackController's OLD_SEGMENTS_STARTED
// inverse, which needs every original segment's host and data directory
// without taking a new snapshot.
func (m *Mutator) CurrentSet(ctx context.Context) (*segment.Set, error) {
	set, err := m.reader.CurrentSet(ctx)
	return set, errkind.Wrap(err, errkind.Expansion)
}

// Snapshot serializes the current segment configuration to path — the sole
// artefact RollbackController's catalog-phase inverse consults.
func (m *Mutator) Snapshot(ctx context.Context, path string) (*segment.Set, error) {
	set, err := m.reader.CurrentSet(ctx)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Expansion)
	}
	if err := set.SaveToFile(path); err != nil {
		return nil, errkind.Wrap(err, errkind.Expansion)
	}
	m.log.WithField("path", path).Info("Wrote catalog snapshot.")
	return set, nil
}

// ApplyNewSegments registers every new segment within a single
// administrative write: insert the row; for primaries, set mode to
// changetracking; for mirrors, set status to down.
func (m *Mutator) ApplyNewSegments(ctx context.Context, newSegs segment.NewSegments) error {
	tx, err := m.client.Begin(ctx)
	if err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, tuple := range newSegs.Tuples {
		if err := insertSegmentRow(ctx, tx, tuple.Primary, ModeChangeTracking, ""); err != nil {
			return errkind.Wrap(err, errkind.Expansion)
		}
		for _, mirror := range tuple.Mirrors {
			if err := insertSegmentRow(ctx, tx, mirror, "", StatusDown); err != nil {
				return errkind.Wrap(err, errkind.Expansion)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
	}
	committed = true
	m.log.WithField("segments", len(newSegs.Flatten())).Info("Applied new segments to catalog.")
	return nil
}

// insertSegmentRow is idempotent on dbid: a resumed run that crashed after
// a prior ApplyNewSegments already committed this row hits ON CONFLICT DO
// NOTHING instead of a duplicate-key error, so re-running the catalog
// phase on resume is safe.
func insertSegmentRow(ctx context.Context, tx dbclient.Tx, s segment.Spec, mode, status string) error {
	err := tx.Exec(ctx,
		`INSERT INTO gp_segment_configuration
			(dbid, content, role, hostname, address, port, datadir, mode, status, replication_port)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (dbid) DO NOTHING`,
		s.DBID, s.ContentID, string(s.SegRole), s.Host, s.Address, s.Port, s.DataDir,
		nullableString(mode), nullableString(status), nullablePort(s.ReplicationPort))
	return trace.Wrap(err)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullablePort(p int) interface{} {
	if p == 0 {
		return nil
	}
	return p
}

// RestoreFromSnapshot restores a prior segment configuration.
// For every content id present in the current configuration but not in the
// snapshot whose tuple carries mirror rows, it invokes
// remove_segment_mirror(content). For every dbid
// present on a primary row in the current configuration but not in the
// snapshot, it invokes remove_segment(dbid). All deletions commit as a
// single write.
//
// Safety rail: before issuing any deletion, the snapshot must contain at
// least two ids (a nontrivial cluster has at least a coordinator and one
// segment), and the number of rows to delete must not exceed
// expectedNewSegmentCount, the count recorded in the phase log payload when
// the catalog phase started.
func (m *Mutator) RestoreFromSnapshot(ctx context.Context, path string, expectedNewSegmentCount int) error {
	snap, err := segment.LoadFromFile(path)
	if err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.PastPointOfNoReturn)
	}
	current, err := m.reader.CurrentSet(ctx)
	if err != nil {
		return errkind.Wrap(err, errkind.PastPointOfNoReturn)
	}

	snapIDs := snap.CollectIDs(dbidOf)
	if snapIDs.Count() < 2 {
		return errkind.Wrap(
			trace.BadParameter("catalog snapshot at %v only has %d ids, refusing to restore", path, snapIDs.Count()),
			errkind.PastPointOfNoReturn)
	}

	var contentsToDelete []int
	for _, t := range current.Tuples {
		if !snapIDs.ContentIDs[t.ContentID] && len(t.Mirrors) > 0 {
			contentsToDelete = append(contentsToDelete, t.ContentID)
		}
	}
	var dbidsToDelete []int
	for _, t := range current.Tuples {
		if !snapIDs.DBIDs[t.Primary.DBID] {
			dbidsToDelete = append(dbidsToDelete, t.Primary.DBID)
		}
	}

	if len(contentsToDelete)+len(dbidsToDelete) > expectedNewSegmentCount {
		return errkind.Wrap(
			trace.BadParameter(
				"restore would delete %d rows, more than the %d new segments recorded for this operation",
				len(contentsToDelete)+len(dbidsToDelete), expectedNewSegmentCount),
			errkind.PastPointOfNoReturn)
	}

	tx, err := m.client.Begin(ctx)
	if err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.PastPointOfNoReturn)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, content := range contentsToDelete {
		if err := tx.Exec(ctx, "SELECT remove_segment_mirror($1)", content); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.PastPointOfNoReturn)
		}
	}
	for _, dbid := range dbidsToDelete {
		if err := tx.Exec(ctx, "SELECT remove_segment($1)", dbid); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.PastPointOfNoReturn)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.PastPointOfNoReturn)
	}
	committed = true
	m.log.WithFields(logrus.Fields{
		"mirrors_removed": len(contentsToDelete),
		"segments_removed": len(dbidsToDelete),
	}).Info("Restored catalog from snapshot.")
	return nil
}

func dbidOf(s segment.Spec) int { return s.DBID }

// catalogReader is the default Reader, backed by a live dbclient.Client
// query against gp_segment_configuration.
type catalogReader struct {
	client dbclient.Client
}

// CurrentSet implements Reader.
func (r catalogReader) CurrentSet(ctx context.Context) (*segment.Set, error) {
	rows, err := r.client.Query(ctx, `
		SELECT dbid, content, role, hostname, address, port, datadir,
		       COALESCE(replication_port, 0)
		FROM gp_segment_configuration
		ORDER BY content, role`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	byContent := map[int]*segment.ContentTuple{}
	var order []int
	var coordinator *segment.Spec
	var standby *segment.Spec

	for rows.Next() {
		var s segment.Spec
		var role string
		var content int
		if err := rows.Scan(&s.DBID, &content, &role, &s.Host, &s.Address, &s.Port, &s.DataDir, &s.ReplicationPort); err != nil {
			return nil, trace.Wrap(err)
		}
		s.ContentID = content
		s.SegRole = segment.Role(role)
		switch content {
		case -1:
			if role == constants.RoleP {
				coordinator = &s
			} else {
				standby = &s
			}
		default:
			t, ok := byContent[content]
			if !ok {
				t = &segment.ContentTuple{ContentID: content}
				byContent[content] = t
				order = append(order, content)
			}
			if role == constants.RoleP {
				t.Primary = s
			} else {
				t.Mirrors = append(t.Mirrors, s)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	if coordinator == nil {
		return nil, trace.NotFound("gp_segment_configuration has no coordinator row (content=-1)")
	}

	set := &segment.Set{Coordinator: *coordinator, Standby: standby}
	for _, content := range order {
		set.Tuples = append(set.Tuples, *byContent[content])
	}
	return set, nil
}
