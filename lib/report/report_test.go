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

package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmentdb/expandctl/lib/redistribute"
)

func sampleItems() []redistribute.TableWorkItem {
	return []redistribute.TableWorkItem{
		{Database: "db1", Schema: "public", Table: "orders", Rank: redistribute.RankUnique, Status: redistribute.StatusCompleted, SourceBytes: 1024},
		{Database: "db1", Schema: "public", Table: "events", Rank: redistribute.RankPlain, Status: redistribute.StatusNotStarted, SourceBytes: 2048},
	}
}

func TestStatusTableRendersEveryRow(t *testing.T) {
	var buf bytes.Buffer
	StatusTable(&buf, sampleItems())
	out := buf.String()
	assert.Contains(t, out, `"public"."orders"`)
	assert.Contains(t, out, `"public"."events"`)
}

func TestDumpStatusDetailWritesOneLinePerRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status_detail.txt")
	require.NoError(t, DumpStatusDetail(path, sampleItems()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "db1")
	assert.Contains(t, string(data), "COMPLETED")
}

func TestIsInteractiveFalseForNilFile(t *testing.T) {
	assert.False(t, IsInteractive(nil))
}

func TestProgressNilSafe(t *testing.T) {
	var p *Progress
	assert.NotPanics(t, func() {
		p.Add(1)
		p.Finish()
	})
}

func TestProgressAddAndFinish(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, 2, "redistributing")
	p.Add(1)
	p.Add(1)
	p.Finish()
}
