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
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/alecthomas/kingpin.v2"
)

// Application binds every CLI flag to a kingpin.Application, following
// gravity's Application/register idiom (tool/gravity/cli): one struct
// field per flag, populated by a single Register call.
type Application struct {
	*kingpin.Application

	inputFile      *string
	hostsFile      *string
	database       *string
	batchSize      *int
	parallel       *int
	duration       *string
	endTime        *string
	rollback       *bool
	clean          *bool
	skipVacuum     *bool
	simpleProgress *bool
	analyze        *bool
	silent         *bool
	tarDir         *string
	verbose        *bool
	metricsAddr    *string
}

// NewApplication constructs the kingpin application and registers every
// flag, matching gravity's `app.Flag(...).Short('i')...` call style
// and `Envar(...)` usage for environment overrides.
func NewApplication(name, help string) *Application {
	app := kingpin.New(name, help)
	a := &Application{Application: app}

	a.inputFile = app.Flag("input-file", "New segment input file; triggers the prepare pipeline").Short('i').String()
	a.hostsFile = app.Flag("hosts-file", "Hosts file for the interactive interview").Short('f').String()
	a.database = app.Flag("database", "Database the expand schema lives in").Short('D').Envar("PGDATABASE").String()
	a.batchSize = app.Flag("batch-size", "BatchPool concurrency, 1-128").Short('B').Envar("GP_MGMT_PROCESS_COUNT").Int()
	a.parallel = app.Flag("parallel", "TablePool concurrency, 1-96").Short('n').Int()
	a.duration = app.Flag("duration", "Relative deadline from invocation time, e.g. 01:30:00").Short('d').String()
	a.endTime = app.Flag("end-time", "Absolute deadline, YYYY-MM-DD hh:mm:ss").Short('e').String()
	a.rollback = app.Flag("rollback", "Roll back an interrupted prepare pipeline").Short('r').Bool()
	a.clean = app.Flag("clean", "Drop the expand schema").Short('c').Bool()
	a.skipVacuum = app.Flag("skip-vacuum", "Skip the pre-template catalog vacuum").Short('V').Bool()
	a.simpleProgress = app.Flag("simple-progress", "Skip size estimation and IN PROGRESS writes").Short('S').Bool()
	a.analyze = app.Flag("analyze", "Run ANALYZE after each table redistributes").Short('a').Bool()
	a.silent = app.Flag("silent", "Suppress warning prompts").Short('s').Bool()
	a.tarDir = app.Flag("tar-dir", "Local scratch directory for the segment template").Short('t').String()
	a.verbose = app.Flag("verbose", "Verbose logging").Short('v').Bool()
	a.metricsAddr = app.Flag("metrics-addr", "Serve Prometheus metrics on this address while the run is in progress").Short('m').String()

	return a
}

// Options renders the parsed flags into a validated Options struct.
func (a *Application) Options() (*Options, error) {
	opts := &Options{
		InputFile:      *a.inputFile,
		HostsFile:      *a.hostsFile,
		Database:       *a.database,
		BatchSize:      *a.batchSize,
		Parallel:       *a.parallel,
		Rollback:       *a.rollback,
		Clean:          *a.clean,
		SkipVacuum:     *a.skipVacuum,
		SimpleProgress: *a.simpleProgress,
		Analyze:        *a.analyze,
		Silent:         *a.silent,
		TarDir:         *a.tarDir,
		Verbose:        *a.verbose,
		MetricsAddr:    *a.metricsAddr,
	}
	if *a.duration != "" {
		var h, m, s int
		if _, err := fmt.Sscanf(*a.duration, "%d:%d:%d", &h, &m, &s); err != nil {
			return nil, trace.Wrap(err, "failed to parse -d %q as hh:mm:ss", *a.duration)
		}
		opts.Duration = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	}
	if *a.endTime != "" {
		t, err := time.ParseInLocation("2006-01-02 15:04:05", *a.endTime, time.Local)
		if err != nil {
			return nil, trace.Wrap(err, "failed to parse -e %q", *a.endTime)
		}
		opts.EndTime = &t
	}
	if err := opts.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return opts, nil
}
