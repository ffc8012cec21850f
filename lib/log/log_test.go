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

package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesJSONFormatterForNonTTYWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := New("prepare", false, &buf)

	entry, ok := logger.(*logrus.Entry)
	require.True(t, ok)
	_, isJSON := entry.Logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
	assert.Equal(t, logrus.InfoLevel, entry.Logger.Level)
	assert.Equal(t, "prepare", entry.Data["component"])
}

func TestNewVerboseSetsDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("redistribute", true, &buf)

	entry, ok := logger.(*logrus.Entry)
	require.True(t, ok)
	assert.Equal(t, logrus.DebugLevel, entry.Logger.Level)
}

func TestNewDefaultsToStderrWhenOutNil(t *testing.T) {
	logger := New("rollback", false, nil)
	entry, ok := logger.(*logrus.Entry)
	require.True(t, ok)
	assert.NotNil(t, entry.Logger.Out)
}

func TestNopStatusRecorderDiscardsEvents(t *testing.T) {
	var r NopStatusRecorder
	assert.NoError(t, r.RecordGlobalStatus(context.Background(), "EXPANSION_STARTED"))
}
