// Package verify polls the backing services until deleted records are gone.
package verify

import (
	"context"
	"time"

	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
)

// Locator runs a single-service lookup, returning errors rather than hiding them.
type Locator interface {
	Locate(ctx context.Context, kind models.ServiceKind, identity models.DeviceIdentity) ([]models.DeviceRecord, error)
}

// Request describes one verification.
type Request struct {
	Identity models.DeviceIdentity
	// Targets maps each service to poll onto the native IDs that must
	// disappear. An empty ID list means any match counts as present.
	Targets      map[models.ServiceKind][]string
	MaxWait      time.Duration
	PollInterval time.Duration
}

// Result is the outcome of AwaitRemoval.
type Result struct {
	Confirmed map[models.ServiceKind]bool
	Pending   []models.ServiceKind
	TimedOut  bool
	Elapsed   time.Duration
	Ticks     int
}

// Verifier polls at a fixed interval, without backoff or jitter.
type Verifier struct {
	locator Locator
	clock   clock.Clock
	logger  logger.Logger
}

// New creates a Verifier.
func New(locator Locator, clk clock.Clock, log logger.Logger) *Verifier {
	if clk == nil {
		clk = clock.Real()
	}

	return &Verifier{locator: locator, clock: clk, logger: log}
}

// AwaitRemoval sleeps one interval, gives up once MaxWait has elapsed, and
// otherwise re-checks every pending service. Directory is only checked once
// Management and Registry are both confirmed. Lookup errors never count as
// removal. A cancelled context returns the partial result with ctx.Err().
func (v *Verifier) AwaitRemoval(ctx context.Context, req Request) (Result, error) {
	res := Result{Confirmed: make(map[models.ServiceKind]bool)}

	pending := make([]models.ServiceKind, 0, len(req.Targets))

	for _, kind := range models.AllServices() {
		if _, ok := req.Targets[kind]; ok {
			pending = append(pending, kind)
		}
	}

	start := v.clock.Now()

	for len(pending) > 0 {
		if err := clock.Sleep(ctx, v.clock, req.PollInterval); err != nil {
			res.Pending = pending
			res.Elapsed = v.clock.Now().Sub(start)

			return res, err
		}

		res.Ticks++

		if v.clock.Now().Sub(start) > req.MaxWait {
			res.TimedOut = true

			break
		}

		pending = v.tick(ctx, req, pending, res.Confirmed)
	}

	res.Pending = pending
	res.Elapsed = v.clock.Now().Sub(start)

	if res.TimedOut {
		v.logger.Warn().
			Str("identity", req.Identity.String()).
			Interface("pending", pending).
			Dur("elapsed", res.Elapsed).
			Msg("Removal not confirmed in time, device may still be present, verify manually")
	}

	return res, nil
}

func (v *Verifier) tick(
	ctx context.Context, req Request, pending []models.ServiceKind, confirmed map[models.ServiceKind]bool) []models.ServiceKind {
	still := make([]models.ServiceKind, 0, len(pending))

	for _, kind := range pending {
		if kind == models.ServiceDirectory && upstreamPending(still) {
			still = append(still, kind)
			continue
		}

		records, err := v.locator.Locate(ctx, kind, req.Identity)
		if err != nil {
			v.logger.Warn().
				Err(err).
				Str("service", kind.String()).
				Str("identity", req.Identity.String()).
				Msg("Verification lookup failed, retrying next tick")

			still = append(still, kind)

			continue
		}

		if present(records, req.Targets[kind]) {
			still = append(still, kind)
			continue
		}

		confirmed[kind] = true

		v.logger.Info().
			Str("service", kind.String()).
			Str("identity", req.Identity.String()).
			Msg("Removal confirmed")
	}

	return still
}

// upstreamPending reports whether Management or Registry is still unconfirmed.
// Services are polled in deletion order, so still already holds their verdicts.
func upstreamPending(still []models.ServiceKind) bool {
	for _, k := range still {
		if k == models.ServiceManagement || k == models.ServiceRegistry {
			return true
		}
	}

	return false
}

func present(records []models.DeviceRecord, ids []string) bool {
	if len(ids) == 0 {
		return len(records) > 0
	}

	for _, rec := range records {
		for _, id := range ids {
			if rec.NativeID == id {
				return true
			}
		}
	}

	return false
}
