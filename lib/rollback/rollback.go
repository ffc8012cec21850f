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

// Package rollback implements RollbackController: walk the
// phase log in reverse and invert each completed phase, following
// gravity's storage.FSM.RollbackPlan (lib/fsm/rollback.go) — simplified
// here from a tree walk over parallel/sequential sub-phases to a linear
// walk, since phaselog.PhaseLog.History is already a flat total order.
package rollback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/segmentdb/expandctl/lib/catalog"
	"github.com/segmentdb/expandctl/lib/constants"
	"github.com/segmentdb/expandctl/lib/dbclient"
	"github.com/segmentdb/expandctl/lib/defaults"
	"github.com/segmentdb/expandctl/lib/errkind"
	"github.com/segmentdb/expandctl/lib/phaselog"
	"github.com/segmentdb/expandctl/lib/redistribute"
	"github.com/segmentdb/expandctl/lib/segment"
	"github.com/segmentdb/expandctl/lib/template"
)

// Controller implements RollbackController.
type Controller struct {
	// PhaseLog is walked in reverse and removed on a successful rollback.
	PhaseLog *phaselog.PhaseLog
	// Catalog restores the pre-mutation segment configuration.
	Catalog *catalog.Mutator
	// Dialer opens the control database connection used to drop the
	// expand schema.
	Dialer dbclient.Dialer
	// ControlDatabase is the database the expand schema lives in.
	ControlDatabase string
	// Remote runs file/shell operations against segment hosts, restoring
	// pg_hba.conf backups and cleaning new segment data directories.
	Remote template.Remote
	// RemoteTarPath is the path the template archive was copied to on
	// every new segment host (same value template.Config.RemoteTarPath
	// defaulted to).
	RemoteTarPath string
	// IsStandby marks that this rollback runs on the standby coordinator
	// after the primary coordinator failed; the local template scratch
	// directory only ever existed on the primary, so its cleanup is
	// skipped.
	IsStandby bool

	log logrus.FieldLogger
}

// Config configures a Controller.
type Config struct {
	PhaseLog        *phaselog.PhaseLog
	Catalog         *catalog.Mutator
	Dialer          dbclient.Dialer
	ControlDatabase string
	Remote          template.Remote
	RemoteTarPath   string
	IsStandby       bool
	Logger          logrus.FieldLogger
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.PhaseLog == nil {
		return trace.BadParameter("PhaseLog is required")
	}
	if c.Catalog == nil {
		return trace.BadParameter("Catalog is required")
	}
	if c.Dialer == nil {
		return trace.BadParameter("Dialer is required")
	}
	if c.ControlDatabase == "" {
		return trace.BadParameter("ControlDatabase is required")
	}
	if c.Remote == nil {
		return trace.BadParameter("Remote is required")
	}
	if c.RemoteTarPath == "" {
		c.RemoteTarPath = fmt.Sprintf("/tmp/%s", defaults.TemplateArchiveName)
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, constants.ComponentRollback)
	}
	return nil
}

// New constructs a Controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{
		PhaseLog:        cfg.PhaseLog,
		Catalog:         cfg.Catalog,
		Dialer:          cfg.Dialer,
		ControlDatabase: cfg.ControlDatabase,
		Remote:          cfg.Remote,
		RemoteTarPath:   cfg.RemoteTarPath,
		IsStandby:       cfg.IsStandby,
		log:             cfg.Logger,
	}, nil
}

// Run walks PhaseLog.History in reverse, dispatching the inverse operation
// for each STARTED phase present, then removes the phase log. It is
// idempotent: a phase log with no entries past UNINITIALIZED is a no-op
// other than the final Remove.
func (c *Controller) Run(ctx context.Context) error {
	current, _, err := c.PhaseLog.Current()
	if err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.InvalidStatus)
	}
	if current.IsPointOfNoReturn() {
		return errkind.Wrap(
			trace.BadParameter("preparation already completed (phase %v); rollback must be done manually", current),
			errkind.PastPointOfNoReturn)
	}

	history := c.PhaseLog.History()
	newSegmentCount := segmentCountFromHistory(history)

	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]
		switch entry.Phase {
		case phaselog.SchemaStarted:
			if err := c.rollbackSchema(ctx); err != nil {
				return trace.Wrap(err)
			}
		case phaselog.CatalogStarted:
			if err := c.rollbackCatalog(ctx, entry.Payload, newSegmentCount); err != nil {
				return trace.Wrap(err)
			}
		case phaselog.OldSegmentsStarted:
			if err := c.rollbackOldSegments(ctx); err != nil {
				return trace.Wrap(err)
			}
		case phaselog.SegmentsStarted:
			if err := c.rollbackSegments(ctx, entry.Payload); err != nil {
				return trace.Wrap(err)
			}
		case phaselog.TemplateStarted:
			if err := c.rollbackTemplate(entry.Payload); err != nil {
				return trace.Wrap(err)
			}
		}
	}

	if err := c.PhaseLog.Remove(); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.InvalidStatus)
	}
	c.log.Info("Rollback complete.")
	return nil
}

// segmentCountFromHistory recovers the new-segment count CatalogMutator's
// safety rail needs, recorded in the SEGMENTS_DONE payload by the Distribute
// phase (step 4). CATALOG_STARTED is only reachable after
// SEGMENTS_DONE, so if a CATALOG_STARTED entry exists this is always found.
func segmentCountFromHistory(history []phaselog.Entry) int {
	for _, e := range history {
		if e.Phase == phaselog.SegmentsDone {
			n, err := strconv.Atoi(e.Payload)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func (c *Controller) rollbackSchema(ctx context.Context) error {
	control, err := c.Dialer.Dial(ctx, c.ControlDatabase)
	if err != nil {
		return errkind.Wrap(trace.Wrap(err, "failed to dial control database %v", c.ControlDatabase), errkind.Expansion)
	}
	defer control.Close(ctx)
	c.log.Info("Dropping expand schema.")
	return trace.Wrap(redistribute.DropSchema(ctx, control))
}

func (c *Controller) rollbackCatalog(ctx context.Context, snapshotPath string, expectedNewSegmentCount int) error {
	if snapshotPath == "" {
		return nil
	}
	c.log.WithField("snapshot", snapshotPath).Info("Restoring catalog from snapshot.")
	if err := c.Catalog.RestoreFromSnapshot(ctx, snapshotPath, expectedNewSegmentCount); err != nil {
		return trace.Wrap(err)
	}
	if err := os.Remove(snapshotPath); err != nil && !os.IsNotExist(err) {
		c.log.WithError(err).Warn("Failed to remove catalog snapshot file.")
	}
	return nil
}

func (c *Controller) rollbackOldSegments(ctx context.Context) error {
	set, err := c.Catalog.CurrentSet(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	c.log.WithField("segments", len(set.AllSpecs())).Info("Restoring original pg_hba.conf files.")
	for _, spec := range set.AllSpecs() {
		target := filepath.Join(spec.DataDir, "pg_hba.conf")
		backup := target + defaults.PgHbaBackupSuffix
		script := fmt.Sprintf("test -f %q && mv -f %q %q", backup, backup, target)
		if _, err := c.Remote.RunShell(ctx, spec.Host, script); err != nil {
			return errkind.Wrap(trace.Wrap(err, "failed to restore pg_hba.conf on %v", spec.Host), errkind.Expansion)
		}
	}
	return nil
}

func (c *Controller) rollbackSegments(ctx context.Context, inputFilePath string) error {
	if inputFilePath == "" {
		return nil
	}
	records, err := segment.ParseInputFile(inputFilePath)
	if err != nil {
		return errkind.Wrap(trace.Wrap(err, "failed to re-read input file %v", inputFilePath), errkind.Expansion)
	}
	newSegments := segment.NewSegmentsFromRecords(records)

	c.log.WithField("hosts", len(newSegments.Hosts())).Info("Cleaning new segment hosts.")
	for _, host := range newSegments.Hosts() {
		if err := c.Remote.Remove(ctx, host, c.RemoteTarPath); err != nil {
			c.log.WithError(err).WithField("host", host).Warn("Failed to remove remote template archive.")
		}
	}
	for _, spec := range newSegments.Flatten() {
		if err := c.Remote.Remove(ctx, spec.Host, spec.DataDir); err != nil {
			return errkind.Wrap(trace.Wrap(err, "failed to remove data directory %v on %v", spec.DataDir, spec.Host), errkind.Expansion)
		}
	}
	return nil
}

func (c *Controller) rollbackTemplate(workDir string) error {
	if c.IsStandby {
		c.log.Debug("Skipping local template cleanup on standby rollback.")
		return nil
	}
	if workDir == "" {
		return nil
	}
	c.log.WithField("dir", workDir).Info("Removing local template scratch directory.")
	if err := os.RemoveAll(workDir); err != nil {
		return errkind.Wrap(trace.ConvertSystemError(err), errkind.Expansion)
	}
	return nil
}
