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

package phaselog

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/segmentdb/expandctl/lib/constants"
	"github.com/segmentdb/expandctl/lib/errkind"
)

// Entry is one recorded (Phase, payload) pair.
type Entry struct {
	// Phase is the recorded phase.
	Phase Phase
	// Payload carries resumable data: a temp-dir path, tar path, original
	// primary count, catalog snapshot path, or input-file path, depending
	// on Phase.
	Payload string
}

// StandbyCopier is the out-of-scope "copy a file to a named remote host"
// primitive (remote command execution is an external collaborator).
// PhaseLog depends only on this narrow contract, not on any concrete
// transport.
type StandbyCopier interface {
	// CopyToStandby copies the file at localPath to the standby host,
	// landing it at the same relative name PhaseLog will reopen it under.
	CopyToStandby(localPath string) error
}

// NopStandbyCopier is used when no standby is configured.
type NopStandbyCopier struct{}

// CopyToStandby implements StandbyCopier as a no-op.
func (NopStandbyCopier) CopyToStandby(string) error { return nil }

// PhaseLog is the append-only record of preparation phases. It is
// exclusively owned by the caller (LifecycleController); concurrent
// instances against the same path are the caller's responsibility to
// serialize (normally via a PID file).
type PhaseLog struct {
	path           string
	standbyPath    string
	copier         StandbyCopier
	log            logrus.FieldLogger
	loadedFromBack bool

	mu      sync.Mutex
	entries []Entry
}

// Config configures a PhaseLog.
type Config struct {
	// Path is the coordinator-local phase log file path.
	Path string
	// StandbyPath is the standby-local mirror file path. Empty disables
	// standby mirroring.
	StandbyPath string
	// Copier ships StandbyPath's contents to the standby host. Required
	// when StandbyPath is set.
	Copier StandbyCopier
	// Logger overrides the default logger.
	Logger logrus.FieldLogger
}

// CheckAndSetDefaults validates c and fills in defaults, following
// gravity's Config.CheckAndSetDefaults idiom (lib/fsm.Config).
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing Path")
	}
	if c.StandbyPath != "" && c.Copier == nil {
		return trace.BadParameter("StandbyPath set without a Copier")
	}
	if c.Copier == nil {
		c.Copier = NopStandbyCopier{}
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, constants.ComponentPhaseLog)
	}
	return nil
}

// New constructs a PhaseLog from config without touching disk. Call Open or
// Create next.
func New(cfg Config) (*PhaseLog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &PhaseLog{
		path:        cfg.Path,
		standbyPath: cfg.StandbyPath,
		copier:      cfg.Copier,
		log:         cfg.Logger,
	}, nil
}

// Exists reports whether a phase log file is present at path — used by
// LifecycleController's pre-flight routing without requiring a
// full Open.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Create initializes a new phase log with a single UNINITIALIZED entry.
// Fails if the file already exists.
func (l *PhaseLog) Create() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := os.Stat(l.path); err == nil {
		return errkind.Wrap(trace.AlreadyExists("phase log already exists at %v", l.path), errkind.InvalidStatus)
	}
	l.entries = []Entry{{Phase: Uninitialized}}
	if err := l.writeAll(); err != nil {
		return errkind.Wrap(err, errkind.InvalidStatus)
	}
	return nil
}

// Open loads an existing phase log from disk, preferring the coordinator
// copy; if the coordinator copy is missing but the standby copy is present
// and a standby-local path was configured, it loads from there and marks
// IsStandbyRecord true — this is how a rollback invoked on the standby
// after a coordinator failure recovers phase history.
func (l *PhaseLog) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := readEntries(l.path)
	if err == nil {
		l.entries = entries
		l.loadedFromBack = false
		return nil
	}
	if !os.IsNotExist(err) || l.standbyPath == "" {
		return errkind.Wrap(trace.ConvertSystemError(err), errkind.InvalidStatus)
	}
	entries, err2 := readEntries(l.standbyPath)
	if err2 != nil {
		return errkind.Wrap(trace.ConvertSystemError(err), errkind.InvalidStatus)
	}
	l.entries = entries
	l.loadedFromBack = true
	return nil
}

// IsStandbyRecord reports true iff this log was loaded from the standby
// copy because the coordinator copy was unavailable.
func (l *PhaseLog) IsStandbyRecord() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadedFromBack
}

// Current returns the last recorded (phase, payload).
func (l *PhaseLog) Current() (Phase, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Uninitialized, "", trace.NotFound("phase log has no entries")
	}
	last := l.entries[len(l.entries)-1]
	return last.Phase, last.Payload, nil
}

// History returns the ordered list of recorded entries.
func (l *PhaseLog) History() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Advance appends a new entry. Fails with an InvalidStatus-tagged
// OutOfOrder error if phase is not the immediate successor of Current().
//
// When a standby is configured, the new entry is written to the
// standby-local file first, flushed, copied to the standby host, and only
// then appended to the coordinator-local file and flushed — so the standby
// is always at most one phase ahead of the coordinator, never behind
//. A standby copy failure fails Advance before the
// coordinator-local append is considered committed.
func (l *PhaseLog) Advance(phase Phase, payload string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := Uninitialized
	if len(l.entries) > 0 {
		current = l.entries[len(l.entries)-1].Phase
	}
	if !phase.IsSuccessorOf(current) {
		return errkind.Wrap(
			trace.BadParameter("cannot advance from %v to %v: not the immediate successor", current, phase),
			errkind.InvalidStatus)
	}
	candidate := append(append([]Entry{}, l.entries...), Entry{Phase: phase, Payload: payload})

	if l.standbyPath != "" {
		if err := writeEntries(l.standbyPath, candidate); err != nil {
			return errkind.Wrap(err, errkind.InvalidStatus)
		}
		if err := l.copier.CopyToStandby(l.standbyPath); err != nil {
			return errkind.Wrap(trace.Wrap(err, "failed to ship phase log to standby"), errkind.InvalidStatus)
		}
	}
	if err := writeEntries(l.path, candidate); err != nil {
		return errkind.Wrap(err, errkind.InvalidStatus)
	}
	l.entries = candidate
	l.log.WithField("phase", phase).Info("Advanced phase log.")
	return nil
}

// Remove deletes both the coordinator-local and standby-local copies. It is
// the final step of PREPARE_DONE and of a successful rollback.
func (l *PhaseLog) Remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := removeIfExists(l.path); err != nil {
		return errkind.Wrap(err, errkind.InvalidStatus)
	}
	if l.standbyPath != "" {
		if err := removeIfExists(l.standbyPath); err != nil {
			return errkind.Wrap(err, errkind.InvalidStatus)
		}
	}
	l.entries = nil
	return nil
}

func (l *PhaseLog) writeAll() error {
	if l.standbyPath != "" {
		if err := writeEntries(l.standbyPath, l.entries); err != nil {
			return err
		}
		if err := l.copier.CopyToStandby(l.standbyPath); err != nil {
			return trace.Wrap(err, "failed to ship phase log to standby")
		}
	}
	return writeEntries(l.path, l.entries)
}

func readEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		phase, err := ParsePhase(parts[0])
		if err != nil {
			return nil, trace.Wrap(err, "corrupt phase log at %v", path)
		}
		payload := ""
		if len(parts) == 2 {
			payload = parts[1]
		}
		entries = append(entries, Entry{Phase: phase, Payload: payload})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeEntries(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s:%s\n", e.Phase, e.Payload); err != nil {
			f.Close()
			return trace.ConvertSystemError(err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return trace.ConvertSystemError(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(f.Close())
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}
