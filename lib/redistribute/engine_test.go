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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentdb/expandctl/lib/dbclient"
	"github.com/segmentdb/expandctl/lib/dbclient/dbtest"
	"github.com/segmentdb/expandctl/lib/errkind"
)

func newTestEngine(t *testing.T, dialer *dbtest.Dialer, parallel int) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{Dialer: dialer, ControlDatabase: "ctrl", Parallel: parallel})
	require.NoError(t, err)
	return e
}

func TestCheckConnectionBudgetRefusesWhenTooLow(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctrl := dbtest.New()
	ctrl.GUCs["max_connections"] = "10"
	dialer.Clients["ctrl"] = ctrl

	e := newTestEngine(t, dialer, 10) // needs 21
	err := e.CheckConnectionBudget(context.Background(), ctrl)
	require.Error(t, err)
	kind, ok := errkind.Of(err)
	require.True(t, ok)
	assert.Equal(t, errkind.Validation, kind)
}

func TestCheckConnectionBudgetAllowsSufficientConnections(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctrl := dbtest.New()
	ctrl.GUCs["max_connections"] = "200"
	dialer.Clients["ctrl"] = ctrl

	e := newTestEngine(t, dialer, 96)
	assert.NoError(t, e.CheckConnectionBudget(context.Background(), ctrl))
}

func claimableRows(items []TableWorkItem) func(sql string, args ...interface{}) (dbclient.Rows, error) {
	cols := []string{"dbname", "schema_name", "table_name", "schema_oid", "relation_oid", "policy_column_ids", "policy_column_names", "storage_options", "rank"}
	var rows []map[string]interface{}
	for _, it := range items {
		rows = append(rows, map[string]interface{}{
			"dbname": it.Database, "schema_name": it.Schema, "table_name": it.Table,
			"schema_oid": it.SchemaID, "relation_oid": it.RelationID,
			"policy_column_ids": it.PolicyColumnIDs, "policy_column_names": it.PolicyColumnNames,
			"storage_options": it.StorageOptions, "rank": int(it.Rank),
		})
	}
	served := false
	return func(sql string, args ...interface{}) (dbclient.Rows, error) {
		if served {
			return dbtest.NewSliceRows(cols, nil), nil
		}
		served = true
		return dbtest.NewSliceRows(cols, rows), nil
	}
}

func TestDrainCompletesTableAndRecordsGlobalStatus(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctrl := dbtest.New()
	ctrl.GUCs["max_connections"] = "200"
	ctrl.RowsScripter = claimableRows([]TableWorkItem{
		{Database: "userdb", Schema: "public", Table: "orders", SchemaID: 1, RelationID: 100, Rank: RankUnique},
	})
	dialer.Clients["ctrl"] = ctrl

	userDB := dbtest.New()
	userDB.RowScanner = func(sql string, args ...interface{}) dbclient.Row {
		return scanFunc(func(dest ...interface{}) error {
			if b, ok := dest[0].(*bool); ok {
				*b = true
			}
			return nil
		})
	}
	dialer.Clients["userdb"] = userDB

	e := newTestEngine(t, dialer, 1)
	hadErrors, err := e.Drain(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, hadErrors)

	var completed bool
	for _, s := range ctrl.Execs {
		if strings.Contains(s, "COMPLETED") {
			completed = true
		}
	}
	assert.True(t, completed)

	var sawComplete bool
	for _, s := range ctrl.Execs {
		if s == insertGlobalStatusStatement {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete)

	require.Len(t, userDB.Execs, 1)
	assert.Contains(t, userDB.Execs[0], "ALTER TABLE ONLY")
}

func TestDrainLeavesRowNotStartedOnAlterFailure(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctrl := dbtest.New()
	ctrl.GUCs["max_connections"] = "200"
	ctrl.RowsScripter = claimableRows([]TableWorkItem{
		{Database: "userdb", Schema: "public", Table: "orders", SchemaID: 1, RelationID: 100, Rank: RankUnique},
	})
	dialer.Clients["ctrl"] = ctrl

	userDB := dbtest.New()
	userDB.RowScanner = func(sql string, args ...interface{}) dbclient.Row {
		return scanFunc(func(dest ...interface{}) error {
			if b, ok := dest[0].(*bool); ok {
				*b = true
			}
			return nil
		})
	}
	userDB.ExecErr = assert.AnError
	dialer.Clients["userdb"] = userDB

	e := newTestEngine(t, dialer, 1)
	hadErrors, err := e.Drain(context.Background(), nil)
	require.NoError(t, err, "a single table's ALTER failure should not fail Drain itself")
	assert.True(t, hadErrors)

	var resetToNotStarted bool
	for _, s := range ctrl.Execs {
		if strings.Contains(s, "NOT STARTED") {
			resetToNotStarted = true
		}
	}
	assert.True(t, resetToNotStarted)
}

func TestDrainMarksMissingRelationNoLongerExists(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctrl := dbtest.New()
	ctrl.GUCs["max_connections"] = "200"
	ctrl.RowsScripter = claimableRows([]TableWorkItem{
		{Database: "userdb", Schema: "public", Table: "gone", SchemaID: 1, RelationID: 999, Rank: RankPlain},
	})
	dialer.Clients["ctrl"] = ctrl

	userDB := dbtest.New()
	userDB.RowScanner = func(sql string, args ...interface{}) dbclient.Row {
		return scanFunc(func(dest ...interface{}) error {
			if b, ok := dest[0].(*bool); ok {
				*b = false // relation no longer exists
			}
			return nil
		})
	}
	dialer.Clients["userdb"] = userDB

	e := newTestEngine(t, dialer, 1)
	hadErrors, err := e.Drain(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, hadErrors)

	var noLongerExists bool
	for _, s := range ctrl.Execs {
		if strings.Contains(s, "NO LONGER EXISTS") {
			noLongerExists = true
		}
	}
	assert.True(t, noLongerExists)
	assert.Empty(t, userDB.Execs, "no ALTER should be issued for a relation that no longer exists")
}

func TestReconcileOrphanedRowsResetsInProgress(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctrl := dbtest.New()
	dialer.Clients["ctrl"] = ctrl

	e := newTestEngine(t, dialer, 1)
	require.NoError(t, e.reconcileOrphanedRows(context.Background(), ctrl))
	require.Len(t, ctrl.Execs, 1)
	assert.Contains(t, ctrl.Execs[0], "IN PROGRESS")
}
