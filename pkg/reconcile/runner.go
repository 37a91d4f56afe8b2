/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package reconcile

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/resolve"
)

// Job is one device to process. When Resolution is nil the identity is
// resolved live before processing.
type Job struct {
	Identity   models.DeviceIdentity
	Resolution *resolve.Resolution
}

// Sink receives each finished result. Writes are serialized by the Runner.
type Sink interface {
	Write(ctx context.Context, result *models.DeviceReconciliationResult) error
}

// IdentityResolver is the live lookup used for jobs without a resolution.
type IdentityResolver interface {
	Resolve(ctx context.Context, identity models.DeviceIdentity) (*resolve.Resolution, error)
}

// ProgressFunc is called after each device finishes.
type ProgressFunc func(done, total int, result *models.DeviceReconciliationResult)

// Runner processes a batch with bounded concurrency. Per-device ordering is
// untouched; only independent devices run in parallel.
type Runner struct {
	orchestrator *Orchestrator
	resolver     IdentityResolver
	workers      int
	sink         Sink
	progress     ProgressFunc
	logger       logger.Logger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithSink sends every result to s.
func WithSink(s Sink) RunnerOption {
	return func(r *Runner) { r.sink = s }
}

// WithProgress reports completion to fn.
func WithProgress(fn ProgressFunc) RunnerOption {
	return func(r *Runner) { r.progress = fn }
}

// NewRunner creates a Runner with the given worker count; values below one mean one.
func NewRunner(o *Orchestrator, resolver IdentityResolver, workers int, log logger.Logger, opts ...RunnerOption) *Runner {
	if workers < 1 {
		workers = 1
	}

	r := &Runner{orchestrator: o, resolver: resolver, workers: workers, logger: log}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run processes every job and returns results in job order. A cancelled
// context stops new devices from starting; devices already running finish
// their current call. The returned error is only ever ctx.Err().
func (r *Runner) Run(ctx context.Context, jobs []Job, opts Options) ([]*models.DeviceReconciliationResult, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	results := make([]*models.DeviceReconciliationResult, len(jobs))

	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	r.logger.Info().
		Str("run_id", opts.RunID).
		Int("devices", len(jobs)).
		Int("workers", r.workers).
		Bool("dry_run", opts.DryRun).
		Msg("Starting reconciliation run")

	for i, job := range jobs {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			res := r.processJob(gctx, job, opts)

			mu.Lock()
			defer mu.Unlock()

			results[i] = res
			done++

			if r.sink != nil {
				if err := r.sink.Write(gctx, res); err != nil {
					r.logger.Warn().Err(err).Str("identity", res.Identity.String()).Msg("Failed to write result to sink")
				}
			}

			if r.progress != nil {
				r.progress(done, len(jobs), res)
			}

			return nil
		})
	}

	err := g.Wait()

	out := make([]*models.DeviceReconciliationResult, 0, len(results))

	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}

	if err == nil {
		err = ctx.Err()
	}

	return out, err
}

func (r *Runner) processJob(ctx context.Context, job Job, opts Options) *models.DeviceReconciliationResult {
	res := job.Resolution

	if res == nil {
		if r.resolver == nil {
			return r.abort(job.Identity, opts, "no resolver configured")
		}

		var err error

		res, err = r.resolver.Resolve(ctx, job.Identity)
		if err != nil {
			return r.abort(job.Identity, opts, "resolution failed: "+err.Error())
		}
	}

	return r.orchestrator.Process(ctx, res, opts)
}

func (r *Runner) abort(identity models.DeviceIdentity, opts Options, reason string) *models.DeviceReconciliationResult {
	res := models.NewDeviceReconciliationResult(opts.RunID, identity, r.orchestrator.clock.Now())
	res.Aborted = true
	res.AbortReason = reason
	res.DryRun = opts.DryRun

	r.logger.Warn().Str("identity", identity.String()).Str("reason", reason).Msg("Device skipped")

	return res
}
