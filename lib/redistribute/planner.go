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

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/segmentdb/expandctl/lib/constants"
	"github.com/segmentdb/expandctl/lib/dbclient"
	"github.com/segmentdb/expandctl/lib/errkind"
)

// relationSizeQuery estimates a relation's on-disk size; callers skip it
// entirely (recording 0) when the run opted into simple progress.
const relationSizeQuery = `SELECT pg_total_relation_size($1)`

// hasUniqueIndexQuery reports whether a relation has at least one unique
// index defined in a user schema.
const hasUniqueIndexQuery = `
SELECT EXISTS (
    SELECT 1 FROM pg_index i
    WHERE i.indrelid = $1 AND i.indisunique
)`

// nullPolicyStatement clears a table's distribution-policy column array so
// the subsequent ALTER ... SET WITH(REORGANIZE=TRUE) ... actually rewrites
// the table instead of being a no-op (step 3).
const nullPolicyStatement = `
UPDATE pg_catalog.gp_distribution_policy
SET attrnums = NULL
WHERE localoid = $1`

// Planner implements RedistributionPlanner: bootstraps the
// expand schema, then for each user database enumerates qualifying
// relations, classifies and sizes them, bulk-loads status_detail, and
// clears their distribution policy so the engine's later ALTER actually
// redistributes.
type Planner struct {
	// Dialer opens sessions against the controller database (where the
	// expand schema lives) and every user database being scanned.
	Dialer dbclient.Dialer
	// ControlDatabase is the database the expand schema is created in.
	ControlDatabase string
	// SimpleProgress, when true, skips size estimation (records 0) to
	// reduce catalog round trips (step 2).
	SimpleProgress bool
	// MigrationDSN is the connection string ApplySchema uses to run the
	// embedded goose migrations; empty skips schema bootstrap (already
	// applied by a previous run).
	MigrationDSN string

	log logrus.FieldLogger
}

// Config configures a Planner.
type Config struct {
	Dialer          dbclient.Dialer
	ControlDatabase string
	SimpleProgress  bool
	MigrationDSN    string
	Logger          logrus.FieldLogger
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dialer == nil {
		return trace.BadParameter("Dialer is required")
	}
	if c.ControlDatabase == "" {
		return trace.BadParameter("ControlDatabase is required")
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, constants.ComponentRedistribute)
	}
	return nil
}

// NewPlanner constructs a Planner.
func NewPlanner(cfg Config) (*Planner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Planner{
		Dialer:          cfg.Dialer,
		ControlDatabase: cfg.ControlDatabase,
		SimpleProgress:  cfg.SimpleProgress,
		MigrationDSN:    cfg.MigrationDSN,
		log:             cfg.Logger,
	}, nil
}

// classifyRank implements the rank rule: tables with a unique index or
// primary key get RankUnique and redistribute before those without (the
// engine claims rows in rank ASC order), keeping the window in which
// uniqueness constraints can be violated short.
func classifyRank(hasUniqueIndex bool) Rank {
	if hasUniqueIndex {
		return RankUnique
	}
	return RankPlain
}

// relation is one candidate table discovered while scanning a database,
// read from the distribution-policy catalog (step 2).
type relation struct {
	SchemaName  string
	TableName   string
	SchemaOID   int
	RelationOID int
	PolicyIDs   []int
	PolicyNames []string
	StorageOpts []string
	// IsLeafPartition marks the deepest-level partition leaves, scanned in
	// a second pass after non-partitioned/root/mid-level tables.
	IsLeafPartition bool
}

// listQualifyingRelationsQuery enumerates non-external user relations
// visible in the distribution-policy catalog, excluding partition roots
// (handled implicitly since gp_distribution_policy only carries leaf and
// non-partitioned relations) and ordering leaf partitions last so the two
// logical passes (non-leaf tables, then leaf partitions) fall out of one
// query's ORDER BY.
const listQualifyingRelationsQuery = `
SELECT n.nspname, c.relname, c.relnamespace, c.oid,
       COALESCE(p.attrnums, '{}'), COALESCE(p.policy_names, '{}'),
       COALESCE(p.storage_opts, '{}'), p.is_leaf_partition
FROM pg_catalog.gp_distribution_policy p
JOIN pg_catalog.pg_class c ON c.oid = p.localoid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE c.relstorage != 'x'
ORDER BY p.is_leaf_partition ASC`

// Plan seeds the work queue for every database in databases.
func (p *Planner) Plan(ctx context.Context, databases []string) error {
	if p.MigrationDSN != "" {
		if err := ApplySchema(p.MigrationDSN); err != nil {
			return errkind.Wrap(err, errkind.Expansion)
		}
	}

	control, err := p.Dialer.Dial(ctx, p.ControlDatabase)
	if err != nil {
		return errkind.Wrap(trace.Wrap(err, "failed to dial control database %v", p.ControlDatabase), errkind.Expansion)
	}
	defer control.Close(ctx)

	if err := control.Exec(ctx, insertGlobalStatusStatement, string(EventSetup)); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
	}

	for _, db := range databases {
		if err := p.planDatabase(ctx, control, db); err != nil {
			return errkind.Wrap(trace.Wrap(err, "failed to plan database %v", db), errkind.Expansion)
		}
	}

	if err := control.Exec(ctx, insertGlobalStatusStatement, string(EventSetupDone)); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Expansion)
	}
	return nil
}

const insertGlobalStatusStatement = `INSERT INTO expand.status(status) VALUES ($1)`

func (p *Planner) planDatabase(ctx context.Context, control dbclient.Client, database string) error {
	client, err := p.Dialer.Dial(ctx, database)
	if err != nil {
		return trace.Wrap(err, "failed to dial database %v", database)
	}
	defer client.Close(ctx)

	rows, err := client.Query(ctx, listQualifyingRelationsQuery)
	if err != nil {
		return trace.Wrap(err, "failed to enumerate relations in %v", database)
	}
	defer rows.Close()

	var items []TableWorkItem
	var nullTargets []int
	for rows.Next() {
		var r relation
		if err := rows.Scan(&r.SchemaName, &r.TableName, &r.SchemaOID, &r.RelationOID,
			&r.PolicyIDs, &r.PolicyNames, &r.StorageOpts, &r.IsLeafPartition); err != nil {
			return trace.Wrap(err)
		}

		hasUnique, err := p.hasUniqueIndex(ctx, client, r.RelationOID)
		if err != nil {
			return trace.Wrap(err)
		}

		var size int64
		if !p.SimpleProgress {
			size, err = p.estimateSize(ctx, client, r.RelationOID)
			if err != nil {
				return trace.Wrap(err)
			}
		}

		items = append(items, TableWorkItem{
			Database:          database,
			Schema:            r.SchemaName,
			Table:             r.TableName,
			SchemaID:          r.SchemaOID,
			RelationID:        r.RelationOID,
			PolicyColumnIDs:   r.PolicyIDs,
			PolicyColumnNames: r.PolicyNames,
			StorageOptions:    r.StorageOpts,
			Rank:              classifyRank(hasUnique),
			Status:            StatusNotStarted,
			SourceBytes:       size,
		})
		nullTargets = append(nullTargets, r.RelationOID)
	}
	if err := rows.Err(); err != nil {
		return trace.Wrap(err)
	}

	if err := p.bulkInsert(ctx, control, database, items); err != nil {
		return trace.Wrap(err)
	}

	for _, oid := range nullTargets {
		if err := client.Exec(ctx, nullPolicyStatement, oid); err != nil {
			return trace.Wrap(err, "failed to clear distribution policy for relation %v", oid)
		}
	}
	return nil
}

func (p *Planner) hasUniqueIndex(ctx context.Context, client dbclient.Client, relationOID int) (bool, error) {
	var has bool
	if err := client.QueryRow(ctx, hasUniqueIndexQuery, relationOID).Scan(&has); err != nil {
		return false, trace.Wrap(err)
	}
	return has, nil
}

func (p *Planner) estimateSize(ctx context.Context, client dbclient.Client, relationOID int) (int64, error) {
	var size int64
	if err := client.QueryRow(ctx, relationSizeQuery, relationOID).Scan(&size); err != nil {
		return 0, trace.Wrap(err)
	}
	return size, nil
}

var statusDetailColumns = []string{
	"dbname", "schema_name", "table_name", "schema_oid", "relation_oid",
	"policy_column_ids", "policy_column_names", "storage_options",
	"rank", "status", "source_bytes",
}

// databaseSeededQuery reports whether database already has status_detail
// rows, the signal that a prior run's bulkInsert for it already committed.
const databaseSeededQuery = `SELECT EXISTS(SELECT 1 FROM expand.status_detail WHERE dbname = $1)`

// bulkInsert ingests items into expand.status_detail via dbclient.Client's
// CopyFrom, trading the source tool's streamed-temp-file ingest path for
// an in-memory row batch, since CopyFrom is already a single wire-level
// bulk-load operation and a temp file would add no throughput). CopyFrom
// has no ON CONFLICT clause, so a resumed run first checks whether
// database was already seeded by a prior attempt that committed before
// crashing, and skips the reload rather than hitting status_detail's
// (dbname, schema_oid, relation_oid) primary key.
func (p *Planner) bulkInsert(ctx context.Context, control dbclient.Client, database string, items []TableWorkItem) error {
	if len(items) == 0 {
		return nil
	}
	var seeded bool
	if err := control.QueryRow(ctx, databaseSeededQuery, database).Scan(&seeded); err != nil {
		return trace.Wrap(err, "failed to check whether %v was already seeded", database)
	}
	if seeded {
		p.log.WithField("database", database).Debug("status_detail already seeded for this database, skipping (resumed run).")
		return nil
	}
	rows := make([][]interface{}, 0, len(items))
	for _, item := range items {
		rows = append(rows, []interface{}{
			item.Database, item.Schema, item.Table, item.SchemaID, item.RelationID,
			item.PolicyColumnIDs, item.PolicyColumnNames, item.StorageOptions,
			int(item.Rank), string(item.Status), item.SourceBytes,
		})
	}
	n, err := control.CopyFrom(ctx, "expand.status_detail", statusDetailColumns, rows)
	if err != nil {
		return trace.Wrap(err, "failed to bulk-load status_detail")
	}
	p.log.WithField("rows", n).Debug("Seeded redistribution work queue.")
	return nil
}
