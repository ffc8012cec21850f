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

package redistribute

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/segmentdb/expandctl/lib/batchpool"
	"github.com/segmentdb/expandctl/lib/constants"
	"github.com/segmentdb/expandctl/lib/dbclient"
	"github.com/segmentdb/expandctl/lib/defaults"
	"github.com/segmentdb/expandctl/lib/errkind"
	"github.com/segmentdb/expandctl/lib/metrics"
)

const relationExistsQuery = `SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_class WHERE oid = $1)`

const (
	selectNotStartedQuery = `
SELECT dbname, schema_name, table_name, schema_oid, relation_oid,
       policy_column_ids, policy_column_names, storage_options, rank
FROM expand.status_detail
WHERE status = 'NOT STARTED'
ORDER BY rank ASC
LIMIT $1`

	setInProgressStatement = `
UPDATE expand.status_detail SET status = 'IN PROGRESS', started_at = now()
WHERE dbname = $1 AND schema_oid = $2 AND relation_oid = $3`

	setCompletedStatement = `
UPDATE expand.status_detail SET status = 'COMPLETED', completed_at = now()
WHERE dbname = $1 AND schema_oid = $2 AND relation_oid = $3`

	setNotStartedStatement = `
UPDATE expand.status_detail SET status = 'NOT STARTED', started_at = NULL
WHERE dbname = $1 AND schema_oid = $2 AND relation_oid = $3`

	setNoLongerExistsStatement = `
UPDATE expand.status_detail SET status = 'NO LONGER EXISTS'
WHERE dbname = $1 AND schema_oid = $2 AND relation_oid = $3`

	resetOrphanedInProgressStatement = `
UPDATE expand.status_detail SET status = 'NOT STARTED', started_at = NULL
WHERE status = 'IN PROGRESS'`
)

// Engine implements RedistributionEngine: drains status_detail
// with bounded worker concurrency, built on lib/batchpool.Pool the way
// gravity's lib/fsm.Engine drives its operation plan with a worker pool
// ("TablePool").
type Engine struct {
	Dialer          dbclient.Dialer
	ControlDatabase string
	Parallel        int
	SimpleProgress  bool
	Analyze         bool

	// Pool bounds worker concurrency. When nil, Drain runs each claimed
	// batch sequentially — still correct, just not concurrent; tests use
	// this to avoid standing up a batchpool.Pool.
	Pool *batchpool.Pool
	// Metrics records per-table Prometheus collectors. Nil disables
	// instrumentation entirely.
	Metrics *metrics.Collectors
	cache   *lru.Cache[string, bool]
	log     logrus.FieldLogger
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Dialer          dbclient.Dialer
	ControlDatabase string
	Parallel        int
	SimpleProgress  bool
	Analyze         bool
	Pool            *batchpool.Pool
	Metrics         *metrics.Collectors
	Logger          logrus.FieldLogger
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.Dialer == nil {
		return trace.BadParameter("Dialer is required")
	}
	if c.ControlDatabase == "" {
		return trace.BadParameter("ControlDatabase is required")
	}
	if c.Parallel < defaults.MinParallel || c.Parallel > defaults.MaxParallel {
		return trace.BadParameter("parallel %d out of range [%d,%d]", c.Parallel, defaults.MinParallel, defaults.MaxParallel)
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, constants.ComponentRedistribute)
	}
	return nil
}

// NewEngine constructs an Engine with a relation-existence cache bounded at
// 4096 entries ("bounded, not a correctness dependency").
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := lru.New[string, bool](4096)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		Dialer:          cfg.Dialer,
		ControlDatabase: cfg.ControlDatabase,
		Parallel:        cfg.Parallel,
		SimpleProgress:  cfg.SimpleProgress,
		Analyze:         cfg.Analyze,
		Pool:            cfg.Pool,
		Metrics:         cfg.Metrics,
		cache:           cache,
		log:             cfg.Logger,
	}, nil
}

// CheckConnectionBudget verifies max_connections admits 2*Parallel+1
// sessions ("connection budget").
func (e *Engine) CheckConnectionBudget(ctx context.Context, control dbclient.Client) error {
	raw, err := control.GUC(ctx, "max_connections")
	if err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Validation)
	}
	max, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return errkind.Wrap(trace.Wrap(err, "max_connections %q is not numeric", raw), errkind.Validation)
	}
	need := 2*e.Parallel + 1
	if max < need {
		return errkind.Wrap(
			trace.BadParameter("max_connections=%d admits fewer than the %d sessions redistribution with parallel=%d needs", max, need, e.Parallel),
			errkind.Validation)
	}
	return nil
}

// reconcileOrphanedRows resets every IN PROGRESS row back to NOT STARTED
// (supplemental feature from original_source/gpexpand-5x.py: a prior
// unclean exit can leave rows claimed by a worker that never returned;
// every Drain call starts by assuming such rows are abandoned).
func (e *Engine) reconcileOrphanedRows(ctx context.Context, control dbclient.Client) error {
	return trace.Wrap(control.Exec(ctx, resetOrphanedInProgressStatement))
}

// Drain repeatedly claims batches of up to Parallel NOT STARTED rows and
// redistributes them until the queue is empty, ctx is cancelled, or
// deadline passes. It returns (hadErrors, err): hadErrors is
// true when one or more tables failed their ALTER and were left
// NOT STARTED for a future run; err is non-nil only for a failure in the
// draining machinery itself (dial failure, budget check, control-row
// writes), never for an individual table's ALTER.
func (e *Engine) Drain(ctx context.Context, deadline *time.Time) (hadErrors bool, err error) {
	control, err := e.Dialer.Dial(ctx, e.ControlDatabase)
	if err != nil {
		return false, errkind.Wrap(trace.Wrap(err, "failed to dial control database"), errkind.Expansion)
	}
	defer control.Close(ctx)

	if err := e.CheckConnectionBudget(ctx, control); err != nil {
		return false, err
	}
	if err := e.reconcileOrphanedRows(ctx, control); err != nil {
		return false, errkind.Wrap(err, errkind.Expansion)
	}

	if err := control.Exec(ctx, insertGlobalStatusStatement, string(EventExpansionStarted)); err != nil {
		return false, errkind.Wrap(trace.Wrap(err), errkind.Expansion)
	}

	for {
		if deadline != nil && time.Now().After(*deadline) {
			return hadErrors, e.recordStopped(ctx, control)
		}
		select {
		case <-ctx.Done():
			return hadErrors, e.recordStopped(ctx, control)
		default:
		}

		batch, err := e.claimBatch(ctx, control)
		if err != nil {
			return hadErrors, errkind.Wrap(err, errkind.Expansion)
		}
		if len(batch) == 0 {
			break
		}
		if e.Metrics != nil {
			e.Metrics.QueuePending.Set(float64(len(batch)))
			e.Metrics.WorkersBusy.Set(float64(len(batch)))
		}

		items := make([]batchpool.Executable, 0, len(batch))
		for _, work := range batch {
			items = append(items, &tableItem{engine: e, control: control, work: work})
		}
		runErr := e.runBatch(ctx, items)
		if e.Metrics != nil {
			e.Metrics.WorkersBusy.Set(0)
		}
		if runErr != nil {
			hadErrors = true
			e.log.WithError(runErr).Warn("Redistribution batch had errors; affected tables left NOT STARTED.")
		}
	}
	if e.Metrics != nil {
		e.Metrics.QueuePending.Set(0)
	}

	if err := control.Exec(ctx, insertGlobalStatusStatement, string(EventExpansionComplete)); err != nil {
		return hadErrors, errkind.Wrap(trace.Wrap(err), errkind.Expansion)
	}
	return hadErrors, nil
}

func (e *Engine) recordStopped(ctx context.Context, control dbclient.Client) error {
	if err := control.Exec(context.Background(), insertGlobalStatusStatement, string(EventExpansionStopped)); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
	}
	return errkind.Wrap(trace.Wrap(fmt.Errorf("redistribution stopped before the queue was drained")), errkind.Cancelled)
}

func (e *Engine) claimBatch(ctx context.Context, control dbclient.Client) ([]TableWorkItem, error) {
	rows, err := control.Query(ctx, selectNotStartedQuery, e.Parallel)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var batch []TableWorkItem
	for rows.Next() {
		var w TableWorkItem
		var rank int
		if err := rows.Scan(&w.Database, &w.Schema, &w.Table, &w.SchemaID, &w.RelationID,
			&w.PolicyColumnIDs, &w.PolicyColumnNames, &w.StorageOptions, &rank); err != nil {
			return nil, trace.Wrap(err)
		}
		w.Rank = Rank(rank)
		w.Status = StatusNotStarted
		batch = append(batch, w)
	}
	return batch, trace.Wrap(rows.Err())
}

func (e *Engine) runBatch(ctx context.Context, items []batchpool.Executable) error {
	if e.Pool != nil {
		return e.Pool.Run(ctx, items)
	}
	// No pool configured (e.g. Parallel==1 or tests): run sequentially,
	// collecting every error instead of stopping at the first.
	var failures []error
	for _, item := range items {
		if err := item.Execute(ctx); err != nil {
			failures = append(failures, err)
		}
	}
	return trace.NewAggregate(failures...)
}

// relationCacheKey identifies a relation's existence-check cache entry.
func relationCacheKey(database string, relationOID int) string {
	return fmt.Sprintf("%s:%d", database, relationOID)
}

// tableItem adapts one TableWorkItem to the batch pool's Executable
// contract (worker steps 1-5).
type tableItem struct {
	engine  *Engine
	control dbclient.Client
	work    TableWorkItem
}

func (t *tableItem) Describe() string {
	return fmt.Sprintf("redistribute %s %s", t.work.Database, t.work.QualifiedName())
}

func (t *tableItem) Execute(ctx context.Context) error {
	start := time.Now()
	target, err := t.engine.Dialer.Dial(ctx, t.work.Database)
	if err != nil {
		return trace.Wrap(err, "failed to dial %v", t.work.Database)
	}
	defer target.Close(ctx)

	exists, err := t.relationExists(ctx, target)
	if err != nil {
		return trace.Wrap(err)
	}
	if !exists {
		t.recordDone("no_longer_exists", start)
		return trace.Wrap(t.control.Exec(ctx, setNoLongerExistsStatement, t.work.Database, t.work.SchemaID, t.work.RelationID))
	}

	if !t.engine.SimpleProgress {
		if err := t.control.Exec(ctx, setInProgressStatement, t.work.Database, t.work.SchemaID, t.work.RelationID); err != nil {
			return trace.Wrap(err)
		}
	}

	alterErr := target.Exec(ctx, buildAlterStatement(t.work))
	if ctx.Err() != nil {
		resetErr := t.control.Exec(context.Background(), setNotStartedStatement, t.work.Database, t.work.SchemaID, t.work.RelationID)
		t.recordDone("cancelled", start)
		return errkind.Wrap(trace.NewAggregate(ctx.Err(), resetErr), errkind.Cancelled)
	}
	if alterErr != nil {
		if err := t.control.Exec(ctx, setNotStartedStatement, t.work.Database, t.work.SchemaID, t.work.RelationID); err != nil {
			return trace.Wrap(err)
		}
		t.recordDone("table_expand_error", start)
		return errkind.Wrap(trace.Wrap(alterErr, "ALTER failed for %v", t.work.QualifiedName()), errkind.TableExpand)
	}

	if t.engine.Analyze {
		if err := target.Exec(ctx, fmt.Sprintf(`ANALYZE %s`, t.work.QualifiedName())); err != nil {
			t.engine.log.WithError(err).WithField("table", t.work.QualifiedName()).Warn("ANALYZE failed after successful redistribution.")
		}
	}
	t.recordDone("completed", start)
	return trace.Wrap(t.control.Exec(ctx, setCompletedStatement, t.work.Database, t.work.SchemaID, t.work.RelationID))
}

// recordDone updates the optional Prometheus collectors with this table's
// terminal status, elapsed time, and (on success) bytes moved.
func (t *tableItem) recordDone(status string, start time.Time) {
	m := t.engine.Metrics
	if m == nil {
		return
	}
	m.TablesDone.WithLabelValues(status).Inc()
	m.TableSeconds.Observe(time.Since(start).Seconds())
	if status == "completed" {
		m.BytesMoved.Add(float64(t.work.SourceBytes))
	}
}

func (t *tableItem) relationExists(ctx context.Context, target dbclient.Client) (bool, error) {
	key := relationCacheKey(t.work.Database, t.work.RelationID)
	if v, ok := t.engine.cache.Get(key); ok {
		return v, nil
	}
	var exists bool
	if err := target.QueryRow(ctx, relationExistsQuery, t.work.RelationID).Scan(&exists); err != nil {
		return false, trace.Wrap(err)
	}
	t.engine.cache.Add(key, exists)
	return exists, nil
}

// buildAlterStatement renders the REORGANIZE ALTER, replaying the work
// item's original policy column names so the table ends up distributed
// the way it started.
func buildAlterStatement(w TableWorkItem) string {
	opts := "REORGANIZE=TRUE"
	if len(w.StorageOptions) > 0 {
		opts += "," + strings.Join(w.StorageOptions, ",")
	}
	dist := "DISTRIBUTED RANDOMLY"
	if w.Distributed() {
		cols := make([]string, len(w.PolicyColumnNames))
		for i, name := range w.PolicyColumnNames {
			cols[i] = `"` + name + `"`
		}
		dist = fmt.Sprintf("DISTRIBUTED BY (%s)", strings.Join(cols, ","))
	}
	return fmt.Sprintf(`ALTER TABLE ONLY %s SET WITH(%s) %s`, w.QualifiedName(), opts, dist)
}
