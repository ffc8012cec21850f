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

package segment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInput = `# comment, and a blank line follow

sdw4:sdw4:40000:/data/primary/gpseg6:10:6:p
sdw4:sdw4:50000:/data/mirror/gpseg6:11:6:m
sdw5:sdw5:40000:/data/primary/gpseg7:12:7:p:41000
`

func TestParseInputSkipsCommentsAndBlankLines(t *testing.T) {
	records, err := ParseInput(strings.NewReader(sampleInput), "test")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "sdw4", records[0].Host)
	assert.Equal(t, RolePrimary, records[0].SegRole)
	assert.Equal(t, RoleMirror, records[1].SegRole)
	assert.Equal(t, 41000, records[2].ReplicationPort)
}

func TestParseInputRejectsBadFieldCount(t *testing.T) {
	_, err := ParseInput(strings.NewReader("sdw4:sdw4:40000\n"), "test")
	assert.Error(t, err)
}

func TestParseInputRejectsUnknownRole(t *testing.T) {
	_, err := ParseInput(strings.NewReader("sdw4:sdw4:40000:/data/gpseg6:10:6:x\n"), "test")
	assert.Error(t, err)
}

func TestParseInputRejectsEmptyFile(t *testing.T) {
	_, err := ParseInput(strings.NewReader("# only a comment\n"), "test")
	assert.Error(t, err)
}

func TestWriteInputFileRoundTrips(t *testing.T) {
	records, err := ParseInput(strings.NewReader(sampleInput), "test")
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, WriteInputFile(&buf, records))

	reparsed, err := ParseInput(strings.NewReader(buf.String()), "roundtrip")
	require.NoError(t, err)
	assert.Equal(t, records, reparsed)
}

func TestNewSegmentsFromRecordsGroupsByContentID(t *testing.T) {
	records, err := ParseInput(strings.NewReader(sampleInput), "test")
	require.NoError(t, err)

	newSegments := NewSegmentsFromRecords(records)
	require.Len(t, newSegments.Tuples, 2)
	assert.Equal(t, 6, newSegments.Tuples[0].ContentID)
	assert.Equal(t, "sdw4", newSegments.Tuples[0].Primary.Host)
	require.Len(t, newSegments.Tuples[0].Mirrors, 1)
	assert.Equal(t, 7, newSegments.Tuples[1].ContentID)
	assert.Equal(t, []string{"sdw4", "sdw5"}, newSegments.Hosts())
}

const sampleSidecar = `filespaceOrder=txn_files
10:/fs/txn/gpseg6
11:/fs/txn/gpseg6m
12:/fs/txn/gpseg7
`

func TestParseFilespaceSidecarAndApply(t *testing.T) {
	fs, err := ParseFilespaces(strings.NewReader(sampleSidecar), "test.fs")
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_files"}, fs.Order)

	records, err := ParseInput(strings.NewReader(sampleInput), "test")
	require.NoError(t, err)
	require.NoError(t, ApplyFilespaces(records, fs))

	for _, r := range records {
		assert.Equal(t, fs.PathsByDBID[r.DBID][0], r.FilespacePaths["txn_files"])
	}
}

func TestApplyFilespacesFailsOnMissingDBID(t *testing.T) {
	fs := &Filespaces{Order: []string{"txn_files"}, PathsByDBID: map[int][]string{99: {"/x"}}}
	records, err := ParseInput(strings.NewReader(sampleInput), "test")
	require.NoError(t, err)
	assert.Error(t, ApplyFilespaces(records, fs))
}

func TestSetAllHostsDedupesAcrossTuples(t *testing.T) {
	set := Set{
		Coordinator: Spec{Host: "mdw"},
		Standby:     &Spec{Host: "smdw"},
		Tuples: []ContentTuple{
			{ContentID: 0, Primary: Spec{Host: "sdw1"}, Mirrors: []Spec{{Host: "sdw2"}}},
			{ContentID: 1, Primary: Spec{Host: "sdw1"}, Mirrors: []Spec{{Host: "sdw2"}}},
		},
	}
	assert.Equal(t, []string{"mdw", "smdw", "sdw1", "sdw2"}, set.AllHosts())
	assert.True(t, set.MirroringEnabled())
	assert.Equal(t, 1, set.MaxContentID())
}
