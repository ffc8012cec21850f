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

// Package log wires up the logrus logger used throughout expandctl and
// declares StatusRecorder, the contract for appending to the
// database-resident GlobalStatus log, modeled on the way lib/fsm.Logger in
// gravity fans log entries out to both the local logger and the cluster
// operation log. Only a no-op recorder is provided here.
package log

import (
	"context"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// New returns a logger configured the way cmd/expandctl wants it: text
// formatter for a TTY, JSON for anything else (piped to a log collector),
// component field attached.
func New(component string, verbose bool, out io.Writer) logrus.FieldLogger {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New()
	logger.Out = out
	level := logrus.InfoLevel
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger.WithField("component", component)
}

// StatusRecorder appends a row to the GlobalStatus log. NopStatusRecorder
// is its only implementation in this repo; lib/redistribute inserts
// expand.status rows directly rather than through this interface.
type StatusRecorder interface {
	RecordGlobalStatus(ctx context.Context, event string) error
}

// NopStatusRecorder discards every event.
type NopStatusRecorder struct{}

// RecordGlobalStatus implements StatusRecorder.
func (NopStatusRecorder) RecordGlobalStatus(context.Context, string) error { return nil }
