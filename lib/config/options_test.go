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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentdb/expandctl/lib/defaults"
)

func TestCheckAndSetDefaultsFillsBatchAndParallel(t *testing.T) {
	o := &Options{}
	require.NoError(t, o.CheckAndSetDefaults())
	assert.Equal(t, defaults.DefaultBatchSize, o.BatchSize)
	assert.Equal(t, defaults.DefaultParallel, o.Parallel)
	assert.Equal(t, defaults.DefaultPGPort, o.PGPort)
}

func TestCheckAndSetDefaultsRefusesRollbackAndClean(t *testing.T) {
	o := &Options{Rollback: true, Clean: true}
	assert.Error(t, o.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRefusesReservedDatabase(t *testing.T) {
	o := &Options{Database: "postgres"}
	assert.Error(t, o.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRefusesOutOfRangeParallel(t *testing.T) {
	o := &Options{Parallel: 97}
	assert.Error(t, o.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsRefusesInputFileAndHostsFileTogether(t *testing.T) {
	o := &Options{InputFile: "in", HostsFile: "hosts"}
	assert.Error(t, o.CheckAndSetDefaults())
}

func TestDeadlinePrefersLaterOfDurationAndEndTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(30 * time.Minute)
	o := &Options{Duration: time.Hour, EndTime: &end}
	d := o.Deadline(now)
	require.NotNil(t, d)
	assert.True(t, d.Equal(now.Add(time.Hour)))
}

func TestDeadlineNilWhenNeitherSet(t *testing.T) {
	o := &Options{}
	assert.Nil(t, o.Deadline(time.Now()))
}

func TestCheckAndSetDefaultsRefusesPastEndTime(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	o := &Options{EndTime: &past}
	assert.Error(t, o.CheckAndSetDefaults())
}
