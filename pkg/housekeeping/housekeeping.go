// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package housekeeping runs the stale locked file sweep of the storage
// elements periodically.
package housekeeping

import (
	"context"
	"time"

	"github.com/cs3org/digs/pkg/appctx"
	"github.com/cs3org/digs/pkg/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Sweeper removes stale locked files of one storage element.
type Sweeper interface {
	Name() string
	Housekeeping(ctx context.Context, host string) error
}

// Target is an element together with the hosts it serves.
type Target struct {
	Sweeper Sweeper
	Hosts   []string
}

// Runner sweeps its targets at a fixed interval.
type Runner struct {
	targets     []Target
	interval    time.Duration
	concurrency int
}

// New returns a runner. A concurrency below one sweeps one host at a time.
func New(interval time.Duration, concurrency int, targets ...Target) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		targets:     targets,
		interval:    interval,
		concurrency: concurrency,
	}
}

// RunOnce sweeps every host of every target once. A failing host does not
// stop the others; the first failure is returned.
func (r *Runner) RunOnce(ctx context.Context) error {
	id := uuid.New().String()
	ctx, log := appctx.WithFields(ctx, "housekeeping_run", id)
	log.Info().Int("elements", len(r.targets)).Msg("housekeeping started")

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, t := range r.targets {
		t := t
		for _, host := range t.Hosts {
			host := host
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				err := t.Sweeper.Housekeeping(ctx, host)
				result := "ok"
				if err != nil {
					result = "error"
					log.Error().Err(err).Str("element", t.Sweeper.Name()).Str("host", host).Msg("housekeeping failed")
				}
				metrics.Get().HousekeepingRuns.WithLabelValues(t.Sweeper.Name(), result).Inc()
				return err
			})
		}
	}
	err := g.Wait()
	log.Info().Err(err).Msg("housekeeping done")
	return err
}

// Run sweeps once per interval until ctx is done. With runOnStart the
// first sweep starts immediately.
func (r *Runner) Run(ctx context.Context, runOnStart bool) error {
	if runOnStart {
		_ = r.RunOnce(ctx)
	}
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = r.RunOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
