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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.QueuePending.Set(3)
	c.WorkersBusy.Set(1)
	c.TableSeconds.Observe(0.5)
	c.TablesDone.WithLabelValues("completed").Inc()
	c.BytesMoved.Add(1024)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["expandctl_queue_pending"])
	assert.True(t, names["expandctl_workers_busy"])
	assert.True(t, names["expandctl_table_redistribute_seconds"])
	assert.True(t, names["expandctl_tables_total"])
	assert.True(t, names["expandctl_bytes_moved_total"])
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler(reg).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "expandctl_queue_pending")
}
