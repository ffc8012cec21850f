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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentdb/expandctl/lib/batchpool"
	"github.com/segmentdb/expandctl/lib/catalog"
	"github.com/segmentdb/expandctl/lib/config"
	"github.com/segmentdb/expandctl/lib/dbclient"
	"github.com/segmentdb/expandctl/lib/dbclient/dbtest"
	"github.com/segmentdb/expandctl/lib/errkind"
	"github.com/segmentdb/expandctl/lib/phaselog"
	"github.com/segmentdb/expandctl/lib/redistribute"
	"github.com/segmentdb/expandctl/lib/rollback"
	"github.com/segmentdb/expandctl/lib/segment"
	"github.com/segmentdb/expandctl/lib/template"
)

type fakeRemote struct{}

func (fakeRemote) CopyFile(context.Context, string, string, string) error { return nil }
func (fakeRemote) RunShell(context.Context, string, string) (string, error) {
	return "", nil
}
func (fakeRemote) Remove(context.Context, string, string) error { return nil }

type fakeReader struct{ set *segment.Set }

func (r fakeReader) CurrentSet(context.Context) (*segment.Set, error) { return r.set, nil }

// newTestController wires every dependency with fakes/dbtest doubles so
// Run's dispatch logic can be tested without a real cluster. Tests that
// need a specific dialer response mutate dialer/control before calling Run.
func newTestController(t *testing.T, dialer *dbtest.Dialer) (*Controller, string) {
	t.Helper()
	dir := t.TempDir()
	phaseLogPath := filepath.Join(dir, "gpexpand.status")

	plog, err := phaselog.New(phaselog.Config{Path: phaseLogPath})
	require.NoError(t, err)

	control := dbtest.New()
	dialer.Clients["ctrl"] = control

	catalogMutator, err := catalog.New(catalog.Config{
		Client: control,
		Reader: fakeReader{set: &segment.Set{}},
	})
	require.NoError(t, err)

	pool, err := batchpool.New(batchpool.Config{BatchSize: 1})
	require.NoError(t, err)

	tmplBuilder, err := template.New(template.Config{
		Remote:  fakeRemote{},
		Pool:    pool,
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	planner, err := redistribute.NewPlanner(redistribute.Config{Dialer: dialer, ControlDatabase: "ctrl"})
	require.NoError(t, err)

	engine, err := redistribute.NewEngine(redistribute.EngineConfig{Dialer: dialer, ControlDatabase: "ctrl", Parallel: 1})
	require.NoError(t, err)

	rollbackCtl, err := rollback.New(rollback.Config{
		PhaseLog:        plog,
		Catalog:         catalogMutator,
		Dialer:          dialer,
		ControlDatabase: "ctrl",
		Remote:          fakeRemote{},
	})
	require.NoError(t, err)

	ctl, err := New(Config{
		Options:      &config.Options{Database: "ctrl"},
		PhaseLogPath: phaseLogPath,
		PhaseLog:     plog,
		Catalog:      catalogMutator,
		Template:     tmplBuilder,
		Planner:      planner,
		Engine:       engine,
		Rollback:     rollbackCtl,
		Dialer:       dialer,
	})
	require.NoError(t, err)
	return ctl, phaseLogPath
}

func scanString(value string) func(string, ...interface{}) dbclient.Row {
	return func(string, ...interface{}) dbclient.Row {
		return stringRow{value}
	}
}

type stringRow struct{ value string }

func (r stringRow) Scan(dest ...interface{}) error {
	*dest[0].(*string) = r.value
	return nil
}

func TestReadDBStatusAbsentWhenNoStatusRow(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctl, _ := newTestController(t, dialer)
	dialer.Clients["ctrl"].RowScanner = scanString("")

	status, err := ctl.readDBStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, status)
}

func TestReadDBStatusReflectsTopRow(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctl, _ := newTestController(t, dialer)
	dialer.Clients["ctrl"].RowScanner = scanString(string(redistribute.EventSetupDone))

	status, err := ctl.readDBStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSetupDone, status)
}

func TestRunRefusesRedistributionCompleteWithoutClean(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctl, _ := newTestController(t, dialer)
	dialer.Clients["ctrl"].RowScanner = scanString(string(redistribute.EventExpansionComplete))

	err := ctl.Run(context.Background())
	require.Error(t, err)
	kind, ok := errkind.Of(err)
	require.True(t, ok)
	assert.Equal(t, errkind.Validation, kind)
}

func TestRunDispatchesCleanSchema(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctl, _ := newTestController(t, dialer)
	ctl.Options.Clean = true
	dialer.Clients["ctrl"].RowScanner = scanString(string(redistribute.EventExpansionComplete))

	err := ctl.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, dialer.Clients["ctrl"].Execs[0], "DROP SCHEMA")
}

func TestRunRollbackRefusesWhenLogAbsent(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctl, _ := newTestController(t, dialer)
	ctl.Options.Rollback = true
	dialer.Clients["ctrl"].RowScanner = scanString("")

	err := ctl.Run(context.Background())
	require.Error(t, err)
	kind, ok := errkind.Of(err)
	require.True(t, ok)
	assert.Equal(t, errkind.Validation, kind)
}

func TestRunRollbackRunsWhenLogPresent(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctl, phaseLogPath := newTestController(t, dialer)
	require.NoError(t, ctl.PhaseLog.Create())
	require.NoError(t, ctl.PhaseLog.Advance(phaselog.PrepareStarted, ""))

	ctl.Options.Rollback = true
	dialer.Clients["ctrl"].RowScanner = scanString("")

	err := ctl.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, phaselog.Exists(phaseLogPath), "rollback should remove the phase log on success")
}

func TestRunRedistributionEngineDrainsEmptyQueue(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctl, _ := newTestController(t, dialer)
	control := dialer.Clients["ctrl"]
	control.RowScanner = scanString(string(redistribute.EventSetupDone))
	control.GUCs["max_connections"] = "100"
	control.RowsScripter = func(string, ...interface{}) (dbclient.Rows, error) {
		return dbtest.NewSliceRows(nil, nil), nil
	}

	err := ctl.Run(context.Background())
	require.NoError(t, err)
}

func TestSnapshotPathSitsBesidePhaseLog(t *testing.T) {
	dialer := dbtest.NewDialer()
	ctl, phaseLogPath := newTestController(t, dialer)
	assert.Equal(t, filepath.Dir(phaseLogPath), filepath.Dir(ctl.snapshotPath()))
}
