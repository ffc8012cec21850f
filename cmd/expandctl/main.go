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

// Command expandctl is the cluster-expansion controller's CLI entrypoint
//, following gravity's tool/gravity/cli bootstrap idiom:
// parse flags into a validated Options, wire every component's Config, run
// under a context cancelled by SIGTERM/SIGHUP/SIGINT, and map the returned error
// to a process exit code via lib/errkind.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/segmentdb/expandctl/lib/batchpool"
	"github.com/segmentdb/expandctl/lib/catalog"
	"github.com/segmentdb/expandctl/lib/config"
	"github.com/segmentdb/expandctl/lib/constants"
	"github.com/segmentdb/expandctl/lib/dbclient"
	"github.com/segmentdb/expandctl/lib/defaults"
	"github.com/segmentdb/expandctl/lib/errkind"
	"github.com/segmentdb/expandctl/lib/lifecycle"
	applog "github.com/segmentdb/expandctl/lib/log"
	"github.com/segmentdb/expandctl/lib/metrics"
	"github.com/segmentdb/expandctl/lib/phaselog"
	"github.com/segmentdb/expandctl/lib/redistribute"
	"github.com/segmentdb/expandctl/lib/rollback"
	"github.com/segmentdb/expandctl/lib/sshremote"
	"github.com/segmentdb/expandctl/lib/template"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("expandctl failed.")
		os.Exit(errkind.ExitCode(err))
	}
	os.Exit(0)
}

func run() error {
	app := config.NewApplication("expandctl", "Cluster expansion controller")
	if _, err := app.Parse(os.Args[1:]); err != nil {
		return errkind.Wrap(trace.Wrap(err), errkind.Validation)
	}
	opts, err := app.Options()
	if err != nil {
		return err
	}

	log := applog.New(constants.ComponentLifecycle, opts.Verbose, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Warn("Received signal, cancelling run.")
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		collectors := metrics.New(reg)
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: metrics.Handler(reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("Metrics listener stopped.")
			}
		}()
		defer srv.Close()
		return runController(ctx, opts, log, collectors)
	}
	return runController(ctx, opts, log, nil)
}

// runID tags one invocation's scratch directories and remote tar path so
// two operators running expandctl against the same cluster at once (a
// misuse nothing else here guards against) don't clobber each other's
// template archive.
func runID() string {
	return uuid.NewString()
}

func runController(ctx context.Context, opts *config.Options, log logrus.FieldLogger, collectors *metrics.Collectors) error {
	dialer := &dbclient.PgxDialer{
		Host:     envOr("PGHOST", "localhost"),
		Port:     opts.PGPort,
		User:     os.Getenv("PGUSER"),
		Password: os.Getenv("PGPASSWORD"),
		SSLMode:  os.Getenv("PGSSLMODE"),
	}

	var control dbclient.Client
	err := backoff.Retry(func() error {
		c, dialErr := dialer.Dial(ctx, opts.Database)
		if dialErr != nil {
			return dialErr
		}
		control = c
		return nil
	}, backoff.NewExponentialBackOff())
	if err != nil {
		return errkind.Wrap(trace.Wrap(err, "failed to reach coordinator database %v", opts.Database), errkind.Expansion)
	}
	defer control.Close(ctx)

	catalogMutator, err := catalog.New(catalog.Config{Client: control})
	if err != nil {
		return trace.Wrap(err)
	}

	pool, err := batchpool.New(batchpool.Config{BatchSize: opts.BatchSize, Logger: log})
	if err != nil {
		return trace.Wrap(err)
	}

	sshUser := envOr("EXPANDCTL_SSH_USER", "gpadmin")
	remote, err := sshremote.New(sshremote.Config{
		User:         sshUser,
		IdentityFile: os.Getenv("EXPANDCTL_SSH_KEY"),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	id := runID()
	tarDir := opts.TarDir
	if tarDir == "" {
		tarDir = filepath.Join(os.TempDir(), "expandctl-"+id)
	}
	remoteTarPath := fmt.Sprintf("/tmp/%s-%s", id, defaults.TemplateArchiveName)

	builder, err := template.New(template.Config{
		Remote:        remote,
		Pool:          pool,
		WorkDir:       tarDir,
		RemoteTarPath: remoteTarPath,
		Logger:        log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	planner, err := redistribute.NewPlanner(redistribute.Config{
		Dialer:          dialer,
		ControlDatabase: opts.Database,
		SimpleProgress:  opts.SimpleProgress,
		Logger:          log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	engine, err := redistribute.NewEngine(redistribute.EngineConfig{
		Dialer:          dialer,
		ControlDatabase: opts.Database,
		Parallel:        opts.Parallel,
		SimpleProgress:  opts.SimpleProgress,
		Analyze:         opts.Analyze,
		Pool:            pool,
		Metrics:         collectors,
		Logger:          log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if err := os.MkdirAll(stateDir(), 0o700); err != nil {
		return errkind.Wrap(trace.ConvertSystemError(err), errkind.InvalidStatus)
	}
	phaseLogPath := filepath.Join(stateDir(), defaults.PhaseLogFilename)
	plog, err := phaselog.New(phaselog.Config{
		Path:   phaseLogPath,
		Logger: log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	rollbackCtl, err := rollback.New(rollback.Config{
		PhaseLog:        plog,
		Catalog:         catalogMutator,
		Dialer:          dialer,
		ControlDatabase: opts.Database,
		Remote:          remote,
		RemoteTarPath:   remoteTarPath,
		Logger:          log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	migrationDSN := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		os.Getenv("PGUSER"), os.Getenv("PGPASSWORD"), envOr("PGHOST", "localhost"),
		opts.PGPort, opts.Database, envOrDefaultSSLMode())

	ctl, err := lifecycle.New(lifecycle.Config{
		Options:      opts,
		PhaseLogPath: phaseLogPath,
		PhaseLog:     plog,
		Catalog:      catalogMutator,
		Template:     builder,
		Planner:      planner,
		Engine:       engine,
		Rollback:     rollbackCtl,
		Dialer:       dialer,
		MigrationDSN: migrationDSN,
		Databases:    userDatabases(opts),
		Logger:       log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	return ctl.Run(ctx)
}

// stateDir is where the phase log and catalog snapshot live, overridable so
// tests and multi-coordinator setups can point it at a shared path.
func stateDir() string {
	if d := os.Getenv("EXPANDCTL_STATE_DIR"); d != "" {
		return d
	}
	return "/tmp/expandctl"
}

// userDatabases lists every database RedistributionPlanner scans, read
// from EXPANDCTL_DATABASES (colon-separated) and falling back to just the
// controller database itself when unset.
func userDatabases(opts *config.Options) []string {
	if raw := os.Getenv("EXPANDCTL_DATABASES"); raw != "" {
		var dbs []string
		start := 0
		for i := 0; i <= len(raw); i++ {
			if i == len(raw) || raw[i] == ':' {
				if i > start {
					dbs = append(dbs, raw[start:i])
				}
				start = i + 1
			}
		}
		return dbs
	}
	return []string{opts.Database}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultSSLMode() string {
	return envOr("PGSSLMODE", "prefer")
}
