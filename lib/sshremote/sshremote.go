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

// Package sshremote is a concrete template.Remote backed by the system's
// ssh/scp binaries, following gravity's exec.Command-wrapping runner
// idiom (lib/ops/opsservice.teleportRunner/remoteRunner) generalized from a
// Teleport-proxied command runner to a plain keyed-auth ssh/scp one.
package sshremote

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/segmentdb/expandctl/lib/constants"
)

// Runner is a concrete template.Remote. Every operation shells out to the
// system ssh/scp binaries using User/IdentityFile for authentication,
// matching how a cluster operator would reach segment hosts by hand.
type Runner struct {
	// User is the ssh login user every command connects as.
	User string
	// IdentityFile is the private key path passed to -i. Empty uses the
	// ssh client's own default key discovery.
	IdentityFile string
	// ConnectTimeout bounds a single ssh/scp invocation's connection setup,
	// in seconds. Zero uses the ssh client's own default.
	ConnectTimeout int

	log logrus.FieldLogger
}

// Config configures a Runner.
type Config struct {
	User           string
	IdentityFile   string
	ConnectTimeout int
	Logger         logrus.FieldLogger
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.User == "" {
		return trace.BadParameter("User is required")
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, constants.ComponentTemplate)
	}
	return nil
}

// New constructs a Runner.
func New(cfg Config) (*Runner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Runner{
		User:           cfg.User,
		IdentityFile:   cfg.IdentityFile,
		ConnectTimeout: cfg.ConnectTimeout,
		log:            cfg.Logger,
	}, nil
}

func (r *Runner) sshArgs(host string) []string {
	args := []string{"-o", "StrictHostKeyChecking=accept-new", "-o", "BatchMode=yes"}
	if r.IdentityFile != "" {
		args = append(args, "-i", r.IdentityFile)
	}
	if r.ConnectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", r.ConnectTimeout))
	}
	return append(args, fmt.Sprintf("%s@%s", r.User, host))
}

// CopyFile implements template.Remote via scp.
func (r *Runner) CopyFile(ctx context.Context, host, localPath, remotePath string) error {
	args := []string{"-o", "StrictHostKeyChecking=accept-new", "-o", "BatchMode=yes"}
	if r.IdentityFile != "" {
		args = append(args, "-i", r.IdentityFile)
	}
	if r.ConnectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", r.ConnectTimeout))
	}
	args = append(args, localPath, fmt.Sprintf("%s@%s:%s", r.User, host, remotePath))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "scp", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return trace.Wrap(err, "scp to %v failed: %v", host, stderr.String())
	}
	return nil
}

// RunShell implements template.Remote by piping script to `ssh host sh`.
func (r *Runner) RunShell(ctx context.Context, host, script string) (string, error) {
	args := append(r.sshArgs(host), "sh")
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = strings.NewReader(script)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), trace.Wrap(err)
}

// Remove implements template.Remote. A missing path is not an error, since
// the inverse operation (rollback) calls this defensively.
func (r *Runner) Remove(ctx context.Context, host, path string) error {
	script := fmt.Sprintf("rm -rf -- %s", shellQuote(path))
	output, err := r.RunShell(ctx, host, script)
	if err != nil {
		return trace.Wrap(err, "rm -rf %v on %v failed: %v", path, host, output)
	}
	return nil
}

// shellQuote wraps s in single quotes for safe inclusion in a remote shell
// command line, escaping any single quotes it contains.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
