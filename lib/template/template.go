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

// Package template implements the SegmentTemplate component: build a
// scrubbed copy of an existing segment's data directory, distribute it to
// every new segment host, and configure or validate each new segment in
// place. It generalizes gravity's lib/expand build
// pipeline (build a deployable application bundle once, then ship and
// unpack it onto every target node) to shipping a Postgres data directory
// template instead of an application archive.
package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/segmentdb/expandctl/lib/batchpool"
	"github.com/segmentdb/expandctl/lib/constants"
	"github.com/segmentdb/expandctl/lib/defaults"
	"github.com/segmentdb/expandctl/lib/errkind"
	"github.com/segmentdb/expandctl/lib/segment"
)

// Builder drives the Build and Distribute phases of segment templating.
type Builder struct {
	// Remote executes file/shell operations against segment hosts.
	Remote Remote
	// Pool bounds concurrent distribution operations.
	Pool *batchpool.Pool
	// Resolver resolves hostnames to addresses for pg_hba.conf trust lines.
	Resolver Resolver
	// WorkDir is a local scratch directory the builder owns for the
	// duration of one Build/Distribute/Cleanup cycle.
	WorkDir string
	// RemoteTarPath is the path the built archive is copied to on every
	// new segment host before being unpacked.
	RemoteTarPath string

	log logrus.FieldLogger
}

// Config configures a Builder.
type Config struct {
	Remote        Remote
	Pool          *batchpool.Pool
	Resolver      Resolver
	WorkDir       string
	RemoteTarPath string
	Logger        logrus.FieldLogger
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Remote == nil {
		return trace.BadParameter("Remote is required")
	}
	if c.Pool == nil {
		return trace.BadParameter("Pool is required")
	}
	if c.Resolver == nil {
		c.Resolver = NetResolver{}
	}
	if c.WorkDir == "" {
		var err error
		c.WorkDir, err = os.MkdirTemp("", "expandctl-template-")
		if err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	if c.RemoteTarPath == "" {
		c.RemoteTarPath = fmt.Sprintf("/tmp/%s", defaults.TemplateArchiveName)
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, constants.ComponentTemplate)
	}
	return nil
}

// New constructs a Builder.
func New(cfg Config) (*Builder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Builder{
		Remote:        cfg.Remote,
		Pool:          cfg.Pool,
		Resolver:      cfg.Resolver,
		WorkDir:       cfg.WorkDir,
		RemoteTarPath: cfg.RemoteTarPath,
		log:           cfg.Logger,
	}, nil
}

// Source describes the segment whose data directory seeds the template:
// the content-0 primary if it's running, else its mirror.
type Source struct {
	// Host is the hostname the source segment runs on.
	Host string
	// DataDir is the source segment's data directory on Host.
	DataDir string
	// FilespacePath is the path of the transaction-files filespace on
	// Host, empty when the cluster uses only the default filespace.
	FilespacePath string
}

func (b *Builder) templateDir() string { return filepath.Join(b.WorkDir, "template") }
func (b *Builder) tarPath() string     { return filepath.Join(b.WorkDir, defaults.TemplateArchiveName) }

// Build assembles the local template directory and archives it, following
// these steps:
//  1. caller selects Source (content-0 primary or mirror)
//  2. verify the source is stopped
//  3. copy its data directory into the scratch template dir
//  4. overlay pg_hba.conf/postgresql.conf from Source
//  5. copy transaction-file directories if a non-default filespace is used
//  6. scrub log dirs, postmaster files, and flat files
//  7. append one pg_hba.conf trust line per resolved address of every host
//  8. tar the scrubbed template directory
func (b *Builder) Build(ctx context.Context, src Source, controlDataOutput string, allHosts []string) error {
	if err := VerifyStopped(controlDataOutput); err != nil {
		return trace.Wrap(err)
	}

	templateDir := b.templateDir()
	if err := os.RemoveAll(templateDir); err != nil {
		return errkind.Wrap(trace.ConvertSystemError(err), errkind.Expansion)
	}
	b.log.WithField("source", src.Host).Info("Building segment template.")

	if err := copyDir(src.DataDir, templateDir); err != nil {
		return errkind.Wrap(trace.Wrap(err, "failed to copy data directory from %v", src.Host), errkind.Expansion)
	}

	for _, name := range []string{"pg_hba.conf", "postgresql.conf"} {
		if err := overlayFile(filepath.Join(src.DataDir, name), filepath.Join(templateDir, name)); err != nil {
			return errkind.Wrap(trace.Wrap(err, "failed to overlay %v", name), errkind.Expansion)
		}
	}

	if src.FilespacePath != "" {
		if err := copyTransactionDirs(src.FilespacePath, templateDir); err != nil {
			return errkind.Wrap(err, errkind.Expansion)
		}
	}

	if err := scrub(templateDir); err != nil {
		return errkind.Wrap(err, errkind.Expansion)
	}

	lines, err := TrustLinesFor(ctx, b.Resolver, allHosts)
	if err != nil {
		return errkind.Wrap(err, errkind.Expansion)
	}
	if err := appendLines(filepath.Join(templateDir, "pg_hba.conf"), lines); err != nil {
		return errkind.Wrap(err, errkind.Expansion)
	}

	if err := createArchive(templateDir, b.tarPath()); err != nil {
		return errkind.Wrap(err, errkind.Expansion)
	}
	return nil
}

// distributeItem is one per-segment distribute/configure operation run
// through the batch pool.
type distributeItem struct {
	builder *Builder
	host    string
	specs   []segment.Spec
	seen    map[string]bool
}

func (d distributeItem) Describe() string { return fmt.Sprintf("distribute template to %s", d.host) }

func (d distributeItem) Execute(ctx context.Context) error {
	if err := d.builder.Remote.CopyFile(ctx, d.host, d.builder.tarPath(), d.builder.RemoteTarPath); err != nil {
		return trace.Wrap(err, "failed to copy template to %v", d.host)
	}
	for _, spec := range d.specs {
		if spec.SegRole == segment.RoleMirror {
			if _, err := d.builder.Remote.RunShell(ctx, d.host, validateMirrorTargetScript(spec)); err != nil {
				return trace.Wrap(err, "failed to validate mirror target %v on %v", spec.DataDir, d.host)
			}
			continue
		}
		script := fmt.Sprintf("mkdir -p %q && tar -xf %q -C %q", spec.DataDir, d.builder.RemoteTarPath, spec.DataDir)
		if _, err := d.builder.Remote.RunShell(ctx, d.host, script); err != nil {
			return trace.Wrap(err, "failed to unpack template into %v on %v", spec.DataDir, d.host)
		}
		script = configureScript(spec)
		if _, err := d.builder.Remote.RunShell(ctx, d.host, script); err != nil {
			return trace.Wrap(err, "failed to configure segment dbid=%v on %v", spec.DBID, d.host)
		}
	}
	return nil
}

// configureScript renders the per-segment postgresql.conf overrides
// (port, data directory identity) applied after unpacking the shared
// template onto a host that may run more than one new segment. Primaries
// only: mirrors get their data later, from SyncMirrors.
func configureScript(spec segment.Spec) string {
	return fmt.Sprintf(
		"printf 'port=%d\\n' >> %q/postgresql.conf",
		spec.Port, spec.DataDir,
	)
}

// validateMirrorTargetScript is the validation-only pass for mirrors: it
// confirms the target directory's parent exists and is writable without
// unpacking the template or rewriting any files. A new mirror's data
// directory is populated later, when Preflight.SyncMirrors brings it into
// sync with its primary.
func validateMirrorTargetScript(spec segment.Spec) string {
	parent := filepath.Dir(spec.DataDir)
	return fmt.Sprintf("test -w %q || { echo %q not writable >&2; exit 1; }", parent, parent)
}

// Distribute ships the built archive to every new segment host and unpacks
// it into each new segment's data directory (steps 1-4 of the
// Distribute phase). Hosts are deduped via segment.NewSegments.Hosts so a
// host carrying several new segments is only copied to once.
func (b *Builder) Distribute(ctx context.Context, newSegments segment.NewSegments) error {
	byHost := map[string][]segment.Spec{}
	for _, spec := range newSegments.Flatten() {
		byHost[spec.Host] = append(byHost[spec.Host], spec)
	}

	var items []batchpool.Executable
	for _, host := range newSegments.Hosts() {
		items = append(items, distributeItem{builder: b, host: host, specs: byHost[host]})
	}

	b.log.WithField("hosts", len(items)).Info("Distributing segment template.")
	if err := b.Pool.Run(ctx, items); err != nil {
		return errkind.Wrap(err, errkind.Expansion)
	}
	return nil
}

// Cleanup removes the local scratch directory and, when requested, the
// remote archive copy left on every new segment host (cleanup
// runs both on success and on rollback).
func (b *Builder) Cleanup(ctx context.Context, newSegments segment.NewSegments, removeRemote bool) error {
	if err := os.RemoveAll(b.WorkDir); err != nil {
		b.log.WithError(err).Warn("Failed to remove local template scratch directory.")
	}
	if !removeRemote {
		return nil
	}
	var items []batchpool.Executable
	for _, host := range newSegments.Hosts() {
		items = append(items, removeItem{builder: b, host: host, path: b.RemoteTarPath})
	}
	return trace.Wrap(b.Pool.Run(ctx, items))
}

type removeItem struct {
	builder *Builder
	host    string
	path    string
}

func (r removeItem) Describe() string { return fmt.Sprintf("remove %s on %s", r.path, r.host) }

func (r removeItem) Execute(ctx context.Context) error {
	return trace.Wrap(r.builder.Remote.Remove(ctx, r.host, r.path))
}
