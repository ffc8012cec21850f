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
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/segmentdb/expandctl/lib/catalog"
	"github.com/segmentdb/expandctl/lib/config"
	"github.com/segmentdb/expandctl/lib/constants"
	"github.com/segmentdb/expandctl/lib/dbclient"
	"github.com/segmentdb/expandctl/lib/defaults"
	"github.com/segmentdb/expandctl/lib/errkind"
	"github.com/segmentdb/expandctl/lib/phaselog"
	"github.com/segmentdb/expandctl/lib/redistribute"
	"github.com/segmentdb/expandctl/lib/rollback"
	"github.com/segmentdb/expandctl/lib/segment"
	"github.com/segmentdb/expandctl/lib/template"
)

// statusTopRowQuery reads the current top-of-log expand.status value,
// tolerating both "schema does not exist yet" and "schema exists but
// status is still empty" as StatusAbsent without needing a
// driver-specific ErrNoRows check (dbclient.Row is Scan-only by design).
const statusTopRowQuery = `
SELECT CASE WHEN to_regclass('expand.status') IS NULL THEN ''
ELSE COALESCE((SELECT status FROM expand.status ORDER BY updated DESC LIMIT 1), '') END`

// Controller implements LifecycleController: the single entry
// point that inspects database and phase-log state, routes via route(), and
// drives the full prepare pipeline, redistribution engine, or rollback.
type Controller struct {
	Options *config.Options

	PhaseLogPath string
	PhaseLog     *phaselog.PhaseLog
	Catalog      *catalog.Mutator
	Template     *template.Builder
	Planner      *redistribute.Planner
	Engine       *redistribute.Engine
	Rollback     *rollback.Controller
	Preflight    Preflight
	Dialer       dbclient.Dialer

	// MigrationDSN is the raw DSN redistribute.ApplySchema needs to run the
	// embedded goose migrations (step 1). Required only to reach
	// ActionPreparePipeline/ActionResumePreparePipeline.
	MigrationDSN string
	// Databases lists every user database the redistribution planner scans,
	// skipping the immutable template databases.
	Databases []string

	log logrus.FieldLogger
}

// Config configures a Controller.
type Config struct {
	Options      *config.Options
	PhaseLogPath string
	PhaseLog     *phaselog.PhaseLog
	Catalog      *catalog.Mutator
	Template     *template.Builder
	Planner      *redistribute.Planner
	Engine       *redistribute.Engine
	Rollback     *rollback.Controller
	Preflight    Preflight
	Dialer       dbclient.Dialer
	MigrationDSN string
	Databases    []string
	Logger       logrus.FieldLogger
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Options == nil {
		return trace.BadParameter("Options is required")
	}
	if c.PhaseLogPath == "" {
		return trace.BadParameter("PhaseLogPath is required")
	}
	if c.PhaseLog == nil {
		return trace.BadParameter("PhaseLog is required")
	}
	if c.Catalog == nil {
		return trace.BadParameter("Catalog is required")
	}
	if c.Template == nil {
		return trace.BadParameter("Template is required")
	}
	if c.Planner == nil {
		return trace.BadParameter("Planner is required")
	}
	if c.Engine == nil {
		return trace.BadParameter("Engine is required")
	}
	if c.Rollback == nil {
		return trace.BadParameter("Rollback is required")
	}
	if c.Dialer == nil {
		return trace.BadParameter("Dialer is required")
	}
	if c.Preflight == nil {
		c.Preflight = NopPreflight{}
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, constants.ComponentLifecycle)
	}
	return nil
}

// New constructs a Controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{
		Options:      cfg.Options,
		PhaseLogPath: cfg.PhaseLogPath,
		PhaseLog:     cfg.PhaseLog,
		Catalog:      cfg.Catalog,
		Template:     cfg.Template,
		Planner:      cfg.Planner,
		Engine:       cfg.Engine,
		Rollback:     cfg.Rollback,
		Preflight:    cfg.Preflight,
		Dialer:       cfg.Dialer,
		MigrationDSN: cfg.MigrationDSN,
		Databases:    cfg.Databases,
		log:          cfg.Logger,
	}, nil
}

// Run inspects database and phase-log state, routes via route(), and
// dispatches to the matching handler.
func (c *Controller) Run(ctx context.Context) error {
	status, err := c.readDBStatus(ctx)
	if err != nil {
		return err
	}
	logPresent := phaselog.Exists(c.PhaseLogPath)

	action, err := route(status, logPresent, c.Options)
	if err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{"db_status": status, "log_present": logPresent, "action": action}).Info("Routed lifecycle action.")

	switch action {
	case ActionCleanSchema:
		return c.cleanSchema(ctx)
	case ActionRollback:
		return c.runRollback(ctx)
	case ActionPreparePipeline:
		return c.runPreparePipeline(ctx, false)
	case ActionResumePreparePipeline:
		return c.runPreparePipeline(ctx, true)
	case ActionRedistributionEngine, ActionResumeRedistributionEngine:
		return c.runRedistribution(ctx)
	case ActionRefuseNeedsClean:
		return errkind.Wrap(
			trace.BadParameter("a prior expansion completed; run again with -c to clean up the expand schema before starting a new one"),
			errkind.Validation)
	case ActionInterview:
		return errkind.Wrap(
			trace.BadParameter("no input file given and no phase log present; the interactive segment interview is out of scope for this controller"),
			errkind.Validation)
	default:
		return nil
	}
}

func (c *Controller) readDBStatus(ctx context.Context) (DBStatus, error) {
	control, err := c.Dialer.Dial(ctx, c.Options.Database)
	if err != nil {
		return StatusAbsent, errkind.Wrap(trace.Wrap(err, "failed to dial database %v", c.Options.Database), errkind.Expansion)
	}
	defer control.Close(ctx)

	var status string
	if err := control.QueryRow(ctx, statusTopRowQuery).Scan(&status); err != nil {
		return StatusAbsent, errkind.Wrap(trace.Wrap(err, "failed to read expand.status"), errkind.Expansion)
	}
	return DBStatus(status), nil
}

func (c *Controller) cleanSchema(ctx context.Context) error {
	control, err := c.Dialer.Dial(ctx, c.Options.Database)
	if err != nil {
		return errkind.Wrap(trace.Wrap(err, "failed to dial database %v", c.Options.Database), errkind.Expansion)
	}
	defer control.Close(ctx)
	c.log.Info("Cleaning up expand schema.")
	return trace.Wrap(redistribute.DropSchema(ctx, control))
}

func (c *Controller) runRollback(ctx context.Context) error {
	if err := c.PhaseLog.Open(); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.InvalidStatus)
	}
	return c.Rollback.Run(ctx)
}

func (c *Controller) runRedistribution(ctx context.Context) error {
	deadline := c.Options.Deadline(time.Now())
	hadErrors, err := c.Engine.Drain(ctx, deadline)
	if err != nil {
		return err
	}
	if hadErrors {
		c.log.Warn("Some tables failed to redistribute and were left NOT STARTED; rerun to retry.")
	}
	return nil
}

// snapshotPath is the catalog snapshot's coordinator-local location,
// alongside the phase log rather than inside the ephemeral template scratch
// directory, since it must outlive Builder.Cleanup.
func (c *Controller) snapshotPath() string {
	return filepath.Join(filepath.Dir(c.PhaseLogPath), defaults.CatalogSnapshotFilename)
}

// current returns the phase log's current entry, treating a read failure as
// Uninitialized (only reachable right after Create, before any entry has
// been written, which cannot happen here since Create seeds one).
func (c *Controller) current() phaselog.Phase {
	p, _, _ := c.PhaseLog.Current()
	return p
}

// runPreparePipeline drives the full prepare pipeline, gated at
// each step by a PhaseLog advance. Steps whose target phase is already at
// or behind the log's current entry are skipped, which is what makes resume
// (resume=true) pick up where an interrupted run left off instead of
// restarting from scratch.
func (c *Controller) runPreparePipeline(ctx context.Context, resume bool) error {
	if resume {
		if err := c.PhaseLog.Open(); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.InvalidStatus)
		}
	} else {
		if err := c.PhaseLog.Create(); err != nil {
			return err
		}
	}

	_, newSegments, err := c.loadNewSegments()
	if err != nil {
		return err
	}

	if c.current() == phaselog.Uninitialized {
		if err := c.PhaseLog.Advance(phaselog.PrepareStarted, ""); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
		if err := c.runValidations(ctx, newSegments); err != nil {
			return err
		}
	}

	set, err := c.Catalog.CurrentSet(ctx)
	if err != nil {
		return err
	}
	allHosts := append(append([]string{}, set.AllHosts()...), newSegments.Hosts()...)

	if err := c.runTemplatePhase(ctx, set, newSegments, allHosts); err != nil {
		return err
	}
	if err := c.runSegmentsPhase(ctx, newSegments); err != nil {
		return err
	}
	if err := c.runOldSegmentsPhase(ctx, set, newSegments); err != nil {
		return err
	}
	if err := c.runCatalogPhase(ctx, newSegments); err != nil {
		return err
	}

	// Filespace relocation and per-new-segment catalog cleanup have no
	// dedicated phase slot in the total order: they execute once, while
	// CatalogDone is current, before schema creation begins.
	if c.current() == phaselog.CatalogDone {
		if err := c.Preflight.MoveFilespaces(ctx); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
		if err := c.Preflight.ConfigureFilespaces(ctx, newSegments); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
		if err := c.Preflight.CleanupNewSegmentCatalogRows(ctx, newSegments); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
	}

	if err := c.runSchemaPhase(); err != nil {
		return err
	}
	if err := c.runPopulatePhase(ctx); err != nil {
		return err
	}

	if c.current() == phaselog.PopulateDone {
		if err := c.Preflight.StartCluster(ctx); err != nil {
			return errkind.Wrap(trace.Wrap(err, "failed to start cluster"), errkind.PastPointOfNoReturn)
		}
		if err := c.Preflight.SyncMirrors(ctx); err != nil {
			return errkind.Wrap(trace.Wrap(err, "failed to sync mirrors"), errkind.PastPointOfNoReturn)
		}
		if err := c.PhaseLog.Advance(phaselog.PrepareDone, ""); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.PastPointOfNoReturn)
		}
	}

	c.log.Info("Prepare pipeline reached the point of no return.")
	return nil
}

// runValidations performs the non-resumable checks at the head of the
// pipeline (steps 1-5). They run exactly once, immediately after
// the PrepareStarted advance, never again on resume.
func (c *Controller) runValidations(ctx context.Context, newSegments segment.NewSegments) error {
	if err := c.Preflight.ValidateUniqueIndexTables(ctx); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Validation)
	}
	if err := c.Preflight.ValidateAlterableTables(ctx); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Validation)
	}
	if err := c.Preflight.ValidateHeapChecksums(ctx); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Validation)
	}
	if err := c.Preflight.SyncExtensions(ctx, newSegments.Hosts()); err != nil {
		c.log.WithError(err).Warn("Extension sync to new hosts failed; continuing (non-fatal per spec).")
	}
	return nil
}

// loadNewSegments re-reads and re-validates the input file every time it is
// called rather than caching it in the Controller, so a resumed run always
// reflects the file on disk instead of a stale in-memory copy from a dead
// process ("read+validate input file").
func (c *Controller) loadNewSegments() ([]segment.Record, segment.NewSegments, error) {
	path := c.inputFilePath()
	records, err := segment.ParseInputFile(path)
	if err != nil {
		return nil, segment.NewSegments{}, errkind.Wrap(trace.Wrap(err), errkind.Validation)
	}
	if fsPath := segment.FilespaceSidecarPath(path); phaselog.Exists(fsPath) {
		fs, err := segment.ParseFilespaceSidecar(fsPath)
		if err != nil {
			return nil, segment.NewSegments{}, errkind.Wrap(trace.Wrap(err), errkind.Validation)
		}
		if err := segment.ApplyFilespaces(records, fs); err != nil {
			return nil, segment.NewSegments{}, errkind.Wrap(trace.Wrap(err), errkind.Validation)
		}
	}
	return records, segment.NewSegmentsFromRecords(records), nil
}

// inputFilePath prefers the input file path recorded in the phase log's
// SegmentsStarted payload (the file a prior, now-dead process validated)
// over Options.InputFile, which may be empty or stale on a resumed run.
func (c *Controller) inputFilePath() string {
	for _, e := range c.PhaseLog.History() {
		if e.Phase == phaselog.SegmentsStarted && e.Payload != "" {
			return e.Payload
		}
	}
	return c.Options.InputFile
}

func (c *Controller) runTemplatePhase(ctx context.Context, set *segment.Set, newSegments segment.NewSegments, allHosts []string) error {
	if c.current() >= phaselog.TemplateDone {
		return nil
	}
	if c.current() < phaselog.TemplateStarted {
		if err := c.PhaseLog.Advance(phaselog.TemplateStarted, c.Template.WorkDir); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
	}

	if !c.Options.SkipVacuum {
		if err := c.Preflight.VacuumCatalog(ctx); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
	}

	src, err := c.templateSource(set)
	if err != nil {
		return err
	}
	controlData, err := c.Preflight.StopCluster(ctx)
	if err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
	}
	if err := c.Template.Build(ctx, src, controlData, allHosts); err != nil {
		return err
	}
	return errkind.Wrap(trace.Wrap(c.PhaseLog.Advance(phaselog.TemplateDone, "")), errkind.Expansion)
}

// templateSource selects content-0's primary if present, else its mirror
// (step 2). Transaction-file filespace detection on the existing
// source segment is out of scope here (no catalog.Reader method exposes it);
// ConfigureFilespaces/MoveFilespaces cover filespace handling for the new
// segments instead.
func (c *Controller) templateSource(set *segment.Set) (template.Source, error) {
	for _, t := range set.Tuples {
		if t.ContentID != 0 {
			continue
		}
		if t.Primary.Host != "" {
			return template.Source{Host: t.Primary.Host, DataDir: t.Primary.DataDir}, nil
		}
		for _, m := range t.Mirrors {
			return template.Source{Host: m.Host, DataDir: m.DataDir}, nil
		}
	}
	return template.Source{}, errkind.Wrap(trace.NotFound("no content-0 tuple found in the current segment configuration"), errkind.Expansion)
}

func (c *Controller) runSegmentsPhase(ctx context.Context, newSegments segment.NewSegments) error {
	if c.current() >= phaselog.SegmentsDone {
		return nil
	}
	if c.current() < phaselog.SegmentsStarted {
		if err := c.PhaseLog.Advance(phaselog.SegmentsStarted, c.inputFilePath()); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
	}
	if err := c.Template.Distribute(ctx, newSegments); err != nil {
		return err
	}
	payload := strconv.Itoa(len(newSegments.Flatten()))
	return errkind.Wrap(trace.Wrap(c.PhaseLog.Advance(phaselog.SegmentsDone, payload)), errkind.Expansion)
}

func (c *Controller) runOldSegmentsPhase(ctx context.Context, set *segment.Set, newSegments segment.NewSegments) error {
	if c.current() >= phaselog.OldSegmentsDone {
		return nil
	}
	if c.current() < phaselog.OldSegmentsStarted {
		if err := c.PhaseLog.Advance(phaselog.OldSegmentsStarted, ""); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
	}
	if err := c.Preflight.UpdateOriginalSegments(ctx, set, newSegments); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
	}
	return errkind.Wrap(trace.Wrap(c.PhaseLog.Advance(phaselog.OldSegmentsDone, "")), errkind.Expansion)
}

func (c *Controller) runCatalogPhase(ctx context.Context, newSegments segment.NewSegments) error {
	if c.current() >= phaselog.CatalogDone {
		return nil
	}
	path := c.snapshotPath()
	if c.current() < phaselog.CatalogStarted {
		if err := c.PhaseLog.Advance(phaselog.CatalogStarted, path); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
		if _, err := c.Catalog.Snapshot(ctx, path); err != nil {
			return err
		}
	}
	if err := c.Catalog.ApplyNewSegments(ctx, newSegments); err != nil {
		return err
	}
	return errkind.Wrap(trace.Wrap(c.PhaseLog.Advance(phaselog.CatalogDone, "")), errkind.Expansion)
}

func (c *Controller) runSchemaPhase() error {
	if c.current() >= phaselog.SchemaDone {
		return nil
	}
	if c.current() < phaselog.SchemaStarted {
		if err := c.PhaseLog.Advance(phaselog.SchemaStarted, ""); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
	}
	if c.MigrationDSN == "" {
		return errkind.Wrap(trace.BadParameter("MigrationDSN is required to create the expand schema"), errkind.Expansion)
	}
	if err := redistribute.ApplySchema(c.MigrationDSN); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
	}
	return errkind.Wrap(trace.Wrap(c.PhaseLog.Advance(phaselog.SchemaDone, "")), errkind.Expansion)
}

func (c *Controller) runPopulatePhase(ctx context.Context) error {
	if c.current() >= phaselog.PopulateDone {
		return nil
	}
	if c.current() < phaselog.PopulateStarted {
		if err := c.PhaseLog.Advance(phaselog.PopulateStarted, ""); err != nil {
			return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
		}
	}
	if err := c.Planner.Plan(ctx, c.Databases); err != nil {
		return err
	}
	return errkind.Wrap(trace.Wrap(c.PhaseLog.Advance(phaselog.PopulateDone, "")), errkind.Expansion)
}
