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

// Package reconcile runs the ordered wipe, delete and verify sequence for
// devices and normalizes every outcome.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/resolve"
	"github.com/carverauto/fleetreconcile/pkg/verify"
)

const tracerName = "github.com/carverauto/fleetreconcile/pkg/reconcile"

// Options configures the processing of one device. It replaces any ambient
// mode flags; every stage reads from it.
type Options struct {
	RunID string
	// Services limits which services are touched. Empty means all three.
	Services       []models.ServiceKind
	Wipe           bool
	KeepEnrollment bool
	KeepUser       bool
	// Fast skips the wipe wait and the removal verification.
	Fast bool
	// DryRun suppresses every destructive call and all polling.
	DryRun         bool
	MaxWait        time.Duration
	PollInterval   time.Duration
	WipeMaxWait    time.Duration
	AllowAmbiguous bool
}

// Targets returns the selected services in deletion order.
func (o Options) Targets() []models.ServiceKind {
	if len(o.Services) == 0 {
		return models.AllServices()
	}

	selected := make(map[models.ServiceKind]bool, len(o.Services))
	for _, s := range o.Services {
		selected[s] = true
	}

	out := make([]models.ServiceKind, 0, len(selected))

	for _, s := range models.AllServices() {
		if selected[s] {
			out = append(out, s)
		}
	}

	return out
}

// Recorder receives per-call outcome observations.
type Recorder interface {
	ObserveOutcome(service models.ServiceKind, outcome models.OperationOutcome)
}

type noopRecorder struct{}

func (noopRecorder) ObserveOutcome(models.ServiceKind, models.OperationOutcome) {}

// Orchestrator processes one device at a time. It holds no per-device state
// and is safe for concurrent use.
type Orchestrator struct {
	client      directory.Client
	verifier    *verify.Verifier
	translators map[models.ServiceKind]Translator
	recorder    Recorder
	clock       clock.Clock
	tracer      trace.Tracer
	logger      logger.Logger
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTranslators replaces the error translators.
func WithTranslators(t map[models.ServiceKind]Translator) OrchestratorOption {
	return func(o *Orchestrator) {
		for kind, tr := range t {
			o.translators[kind] = tr
		}
	}
}

// WithRecorder reports every normalized outcome to r.
func WithRecorder(r Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	client directory.Client, verifier *verify.Verifier, clk clock.Clock, log logger.Logger, opts ...OrchestratorOption) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}

	o := &Orchestrator{
		client:      client,
		verifier:    verifier,
		translators: DefaultTranslators(),
		recorder:    noopRecorder{},
		clock:       clk,
		tracer:      otel.Tracer(tracerName),
		logger:      log,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Process runs Wipe, WipeAwait, then deletes from Management, Registry and
// Directory in that order, then verifies. Failures on one service never stop
// the others; only a wipe that was not sent or not confirmed aborts deletion.
func (o *Orchestrator) Process(ctx context.Context, res *resolve.Resolution, opts Options) *models.DeviceReconciliationResult {
	result := models.NewDeviceReconciliationResult(opts.RunID, res.Identity, o.clock.Now())
	result.DryRun = opts.DryRun

	ctx, span := o.tracer.Start(ctx, "reconcile.device", trace.WithAttributes(
		attribute.String("device.name", res.Identity.Name),
		attribute.String("device.serial", res.Identity.Serial),
		attribute.Bool("dry_run", opts.DryRun),
	))
	defer span.End()

	log := o.logger.With().
		Str("run_id", opts.RunID).
		Str("identity", res.Identity.String()).
		Logger()

	client := o.client
	if opts.DryRun {
		client = directory.NewDryRunClient(o.client, o.logger)
	}

	defer func() {
		result.Elapsed = o.clock.Now().Sub(result.StartedAt)
	}()

	if opts.Wipe && !o.wipe(ctx, client, res, opts, result) {
		span.SetStatus(codes.Error, result.AbortReason)
		log.Warn().Str("reason", result.AbortReason).Msg("Deletion aborted")

		return result
	}

	for _, kind := range opts.Targets() {
		if err := ctx.Err(); err != nil {
			result.Aborted = true
			result.AbortReason = fmt.Sprintf("cancelled before %s deletion: %v", kind, err)

			return result
		}

		so := o.deleteService(ctx, client, res, kind, opts)
		result.Services[kind] = so

		log.Info().
			Str("service", kind.String()).
			Bool("found", so.Outcome.Found).
			Bool("success", so.Outcome.Success).
			Str("error_class", string(so.Outcome.ErrorClass)).
			Bool("partial", so.Partial).
			Msg("Service processed")
	}

	if opts.Fast || opts.DryRun {
		return result
	}

	o.verifyRemoval(ctx, res, opts, result)

	if len(result.HardFailures()) > 0 {
		span.SetStatus(codes.Error, "hard failure")
	}

	return result
}

// wipe reports whether deletion may proceed.
func (o *Orchestrator) wipe(
	ctx context.Context, client directory.Client, res *resolve.Resolution, opts Options, result *models.DeviceReconciliationResult) bool {
	ctx, span := o.tracer.Start(ctx, "reconcile.wipe")
	defer span.End()

	records := res.Records[models.ServiceManagement]

	if len(records) == 0 {
		outcome := models.NotFoundOutcome()
		result.Wipe = &outcome

		return true
	}

	if res.Ambiguous[models.ServiceManagement] && !opts.AllowAmbiguous {
		outcome := ambiguousOutcome(len(records))
		result.Wipe = &outcome.Outcome
		result.Aborted = true
		result.AbortReason = "wipe refused: " + outcome.Outcome.Message

		return false
	}

	translate := o.translator(models.ServiceManagement)
	perRecord := make([]models.RecordOutcome, 0, len(records))
	sent := true

	for _, rec := range records {
		var outcome models.OperationOutcome

		if rec.ManagementState.Pending() {
			outcome = models.OperationOutcome{
				Found: true, Success: true, ErrorClass: models.ErrorClassAlreadyQueued,
				Message: "management state is " + string(rec.ManagementState),
			}
		} else {
			outcome = translate(client.InvokeWipe(ctx, rec.NativeID, opts.KeepEnrollment, opts.KeepUser))
		}

		// only an accepted or already queued wipe protects the data
		if outcome.ErrorClass != models.ErrorClassNone && outcome.ErrorClass != models.ErrorClassAlreadyQueued {
			outcome.Success = false
			sent = false
		}

		o.recorder.ObserveOutcome(models.ServiceManagement, outcome)
		perRecord = append(perRecord, models.RecordOutcome{NativeID: rec.NativeID, DisplayName: rec.DisplayName, Outcome: outcome})
	}

	agg := models.NewServiceOutcome(models.ServiceManagement, perRecord)
	result.Wipe = &agg.Outcome

	if !sent {
		result.Aborted = true
		result.AbortReason = "wipe could not be sent: " + agg.Outcome.Message

		return false
	}

	for _, rec := range records {
		if err := client.InvokeSync(ctx, rec.NativeID); err != nil {
			o.logger.Debug().Err(err).Str("native_id", rec.NativeID).Msg("Check-in request failed")
		}
	}

	if opts.Fast || opts.DryRun {
		return true
	}

	vr, err := o.verifier.AwaitRemoval(ctx, verify.Request{
		Identity:     res.VerifyIdentity(),
		Targets:      map[models.ServiceKind][]string{models.ServiceManagement: nativeIDs(records)},
		MaxWait:      opts.WipeMaxWait,
		PollInterval: opts.PollInterval,
	})

	switch {
	case err != nil:
		result.Aborted = true
		result.AbortReason = fmt.Sprintf("wipe wait interrupted: %v", err)

		return false
	case vr.TimedOut:
		result.Aborted = true
		result.AbortReason = fmt.Sprintf("wipe not confirmed within %s", opts.WipeMaxWait)

		return false
	default:
		result.WipeConfirmed = true

		return true
	}
}

func (o *Orchestrator) deleteService(
	ctx context.Context, client directory.Client, res *resolve.Resolution, kind models.ServiceKind, opts Options) *models.ServiceOutcome {
	ctx, span := o.tracer.Start(ctx, "reconcile.delete", trace.WithAttributes(attribute.String("service", kind.String())))
	defer span.End()

	records := res.Records[kind]

	if len(records) == 0 {
		so := models.NewServiceOutcome(kind, nil)
		if msg, ok := res.LookupErrors[kind]; ok {
			so.Outcome.Message = "lookup failed: " + msg
		}

		return so
	}

	if res.Ambiguous[kind] && !opts.AllowAmbiguous {
		so := ambiguousOutcome(len(records))
		so.Service = kind
		so.LowConfidence = true
		o.recorder.ObserveOutcome(kind, so.Outcome)

		return so
	}

	translate := o.translator(kind)
	perRecord := make([]models.RecordOutcome, 0, len(records))

	// every duplicate is attempted even after a failure
	for _, rec := range records {
		outcome := translate(client.Delete(ctx, kind, rec.NativeID))
		o.recorder.ObserveOutcome(kind, outcome)

		if outcome.IsHardFailure() {
			o.logger.Error().
				Str("service", kind.String()).
				Str("native_id", rec.NativeID).
				Str("message", outcome.Message).
				Msg("Delete failed")
		}

		perRecord = append(perRecord, models.RecordOutcome{NativeID: rec.NativeID, DisplayName: rec.DisplayName, Outcome: outcome})
	}

	so := models.NewServiceOutcome(kind, perRecord)
	so.LowConfidence = res.LowConfidence[kind]

	return so
}

// verifyRemoval polls every record whose delete was accepted, including the
// accepted records of a service whose other duplicates failed.
func (o *Orchestrator) verifyRemoval(
	ctx context.Context, res *resolve.Resolution, opts Options, result *models.DeviceReconciliationResult) {
	targets := make(map[models.ServiceKind][]string)

	for kind, so := range result.Services {
		if !so.Outcome.Found {
			continue
		}

		if ids := acceptedIDs(so); len(ids) > 0 {
			targets[kind] = ids
		}
	}

	if len(targets) == 0 {
		return
	}

	identity := res.VerifyIdentity()
	if err := identity.Validate(); err != nil {
		o.logger.Warn().Msg("No name or serial to verify with, skipping verification")
		return
	}

	ctx, span := o.tracer.Start(ctx, "reconcile.verify")
	defer span.End()

	vr, err := o.verifier.AwaitRemoval(ctx, verify.Request{
		Identity:     identity,
		Targets:      targets,
		MaxWait:      opts.MaxWait,
		PollInterval: opts.PollInterval,
	})

	for kind, ok := range vr.Confirmed {
		result.Verified[kind] = ok
	}

	if err != nil {
		result.Aborted = true
		result.AbortReason = fmt.Sprintf("verification interrupted: %v", err)

		return
	}

	result.VerificationTimedOut = vr.TimedOut
}

func (o *Orchestrator) translator(kind models.ServiceKind) Translator {
	if t, ok := o.translators[kind]; ok {
		return t
	}

	return NewTranslator()
}

func ambiguousOutcome(n int) *models.ServiceOutcome {
	return &models.ServiceOutcome{
		Outcome: models.OperationOutcome{
			Found:      true,
			Success:    false,
			ErrorClass: models.ErrorClassUnknown,
			Message:    fmt.Sprintf("%d records matched by name only, supply a serial or allow ambiguous matches", n),
		},
	}
}

func acceptedIDs(so *models.ServiceOutcome) []string {
	ids := make([]string, 0, len(so.Records))

	for _, r := range so.Records {
		if r.Outcome.Success {
			ids = append(ids, r.NativeID)
		}
	}

	return ids
}

func nativeIDs(records []models.DeviceRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.NativeID)
	}

	return ids
}
