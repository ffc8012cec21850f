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

// Package batchpool implements a bounded pool that fans out blocking
// remote-command/file-transfer operations against segment hosts,
// barrier-joins, and halts on any failure. It generalizes
// gravity's FSM.executeSubphasesConcurrently (lib/fsm/fsm.go), which fans
// out over operation sub-phases, into an Executable interface fanning out
// over arbitrary remote commands.
package batchpool

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/segmentdb/expandctl/lib/constants"
	"github.com/segmentdb/expandctl/lib/defaults"
)

// Executable is a single (local shell, remote SSH, SQL, file transfer)
// command object: an interface with Execute plus discriminated subtypes,
// with BatchPool generic over it.
type Executable interface {
	// Execute runs the command, returning an error on failure.
	Execute(ctx context.Context) error
	// Describe renders a short human-readable description for logging.
	Describe() string
}

// Pool is a bounded batch pool.
type Pool struct {
	size    int
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// Config configures a Pool.
type Config struct {
	// BatchSize is the number of concurrent commands (1-128, CLI flag -B).
	BatchSize int
	// Logger overrides the default logger.
	Logger logrus.FieldLogger
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.BatchSize < defaults.MinBatchSize || c.BatchSize > defaults.MaxBatchSize {
		return trace.BadParameter("batch size %d out of range [%d,%d]", c.BatchSize, defaults.MinBatchSize, defaults.MaxBatchSize)
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, constants.ComponentBatchPool)
	}
	return nil
}

// New constructs a Pool. Dispatch is throttled by a token-bucket limiter
// sized off BatchSize, so a burst of work items never opens more
// concurrent connections than the batch size even though barrier-join
// would otherwise let them all start at once.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		size:    cfg.BatchSize,
		limiter: rate.NewLimiter(rate.Every(time.Millisecond), cfg.BatchSize),
		log:     cfg.Logger,
	}, nil
}

// AdjustToSegmentCount caps the pool size at the current segment count at
// startup: expanding a 3-segment cluster never needs a 16-wide
// batch pool just because -B defaulted high.
func (p *Pool) AdjustToSegmentCount(segmentCount int) {
	if segmentCount > 0 && segmentCount < p.size {
		p.size = segmentCount
		p.limiter = rate.NewLimiter(rate.Every(time.Millisecond), segmentCount)
	}
}

// Size returns the pool's current concurrency limit.
func (p *Pool) Size() int { return p.size }

// Run fans out every item up to Size() concurrently, waits for all of them
// (barrier-join), and returns the aggregate error. A cancelled ctx stops
// new dispatch and makes Run return ctx's error without waiting for
// in-flight items: each Executable is expected to observe ctx itself.
func (p *Pool) Run(ctx context.Context, items []Executable) error {
	if len(items) == 0 {
		return nil
	}
	sem := make(chan struct{}, p.size)
	errCh := make(chan error, len(items))

	for _, item := range items {
		item := item
		select {
		case <-ctx.Done():
			errCh <- trace.Wrap(ctx.Err())
			continue
		case sem <- struct{}{}:
		}
		if err := p.limiter.Wait(ctx); err != nil {
			<-sem
			errCh <- trace.Wrap(err)
			continue
		}
		go func() {
			defer func() { <-sem }()
			p.log.WithField("item", item.Describe()).Debug("Executing batch item.")
			err := item.Execute(ctx)
			if err != nil {
				p.log.WithField("item", item.Describe()).WithError(err).Warn("Batch item failed.")
			}
			errCh <- trace.Wrap(err, "item %q failed", item.Describe())
		}()
	}
	return collectErrors(ctx, errCh)
}
