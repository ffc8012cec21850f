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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentdb/expandctl/lib/dbclient"
	"github.com/segmentdb/expandctl/lib/dbclient/dbtest"
)

func TestClassifyRank(t *testing.T) {
	assert.Equal(t, RankUnique, classifyRank(true))
	assert.Equal(t, RankPlain, classifyRank(false))
}

func TestBuildAlterStatementRandomVsColumns(t *testing.T) {
	random := buildAlterStatement(TableWorkItem{Schema: "public", Table: "t"})
	assert.Contains(t, random, "DISTRIBUTED RANDOMLY")
	assert.Contains(t, random, `"public"."t"`)

	withCols := buildAlterStatement(TableWorkItem{Schema: "public", Table: "t", PolicyColumnNames: []string{"id", "region"}})
	assert.Contains(t, withCols, `DISTRIBUTED BY ("id","region")`)
}

func TestBuildAlterStatementIncludesStorageOptions(t *testing.T) {
	stmt := buildAlterStatement(TableWorkItem{Schema: "s", Table: "t", StorageOptions: []string{"appendonly=true"}})
	assert.Contains(t, stmt, "REORGANIZE=TRUE,appendonly=true")
}

func TestPlanSeedsQueueAndRecordsGlobalStatus(t *testing.T) {
	dialer := dbtest.NewDialer()
	userDB := dbtest.New()
	userDB.RowsScripter = func(sql string, args ...interface{}) (dbclient.Rows, error) {
		return dbtest.NewSliceRows(
			[]string{"nspname", "relname", "relnamespace", "oid", "attrnums", "policy_names", "storage_opts", "is_leaf_partition"},
			[]map[string]interface{}{
				{"nspname": "public", "relname": "orders", "relnamespace": 1, "oid": 100,
					"attrnums": []int{1}, "policy_names": []string{"id"}, "storage_opts": []string{}, "is_leaf_partition": false},
			},
		), nil
	}
	userDB.RowScanner = func(sql string, args ...interface{}) dbclient.Row {
		return scanFunc(func(dest ...interface{}) error {
			if b, ok := dest[0].(*bool); ok {
				*b = true // every QueryRow in this test is the unique-index / size check
			}
			if i, ok := dest[0].(*int64); ok {
				*i = 4096
			}
			return nil
		})
	}
	dialer.Clients["userdb"] = userDB
	ctrl := dbtest.New()
	ctrl.RowScanner = func(sql string, args ...interface{}) dbclient.Row {
		return scanFunc(func(dest ...interface{}) error { return nil }) // status_detail not yet seeded
	}
	dialer.Clients["ctrl"] = ctrl

	p, err := NewPlanner(Config{Dialer: dialer, ControlDatabase: "ctrl"})
	require.NoError(t, err)

	err = p.Plan(context.Background(), []string{"userdb"})
	require.NoError(t, err)

	ctrlClient := dialer.Clients["ctrl"]
	require.NotNil(t, ctrlClient)
	table, ok := ctrlClient.Tables["expand.status_detail"]
	require.True(t, ok)
	assert.Len(t, table.Rows, 1)

	// two SETUP/SETUP DONE global status inserts
	var setupCount int
	for _, e := range ctrlClient.Execs {
		if e == insertGlobalStatusStatement {
			setupCount++
		}
	}
	assert.Equal(t, 2, setupCount)

	// distribution policy cleared on the source database, not the control one
	assert.Len(t, userDB.Execs, 1)
	assert.Contains(t, userDB.Execs[0], "UPDATE pg_catalog.gp_distribution_policy")
}

func TestPlanSkipsSizeEstimationWithSimpleProgress(t *testing.T) {
	dialer := dbtest.NewDialer()
	userDB := dbtest.New()
	queryRowCalls := 0
	userDB.RowsScripter = func(sql string, args ...interface{}) (dbclient.Rows, error) {
		return dbtest.NewSliceRows(
			[]string{"nspname", "relname", "relnamespace", "oid", "attrnums", "policy_names", "storage_opts", "is_leaf_partition"},
			[]map[string]interface{}{
				{"nspname": "public", "relname": "events", "relnamespace": 1, "oid": 200,
					"attrnums": []int{}, "policy_names": []string{}, "storage_opts": []string{}, "is_leaf_partition": false},
			},
		), nil
	}
	userDB.RowScanner = func(sql string, args ...interface{}) dbclient.Row {
		queryRowCalls++
		return scanFunc(func(dest ...interface{}) error {
			if b, ok := dest[0].(*bool); ok {
				*b = false
			}
			return nil
		})
	}
	dialer.Clients["userdb"] = userDB
	ctrl := dbtest.New()
	ctrl.RowScanner = func(sql string, args ...interface{}) dbclient.Row {
		return scanFunc(func(dest ...interface{}) error { return nil }) // status_detail not yet seeded
	}
	dialer.Clients["ctrl"] = ctrl

	p, err := NewPlanner(Config{Dialer: dialer, ControlDatabase: "ctrl", SimpleProgress: true})
	require.NoError(t, err)

	require.NoError(t, p.Plan(context.Background(), []string{"userdb"}))
	assert.Equal(t, 1, queryRowCalls, "simple progress should skip the size-estimate QueryRow")

	table := dialer.Clients["ctrl"].Tables["expand.status_detail"]
	require.NotNil(t, table)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, int64(0), table.Rows[0][10])
}

// scanFunc adapts a plain function to dbclient.Row.
type scanFunc func(dest ...interface{}) error

func (f scanFunc) Scan(dest ...interface{}) error { return f(dest...) }
