package directory

import (
	"context"
	"sync"

	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
)

// InterceptedCall is a destructive call suppressed by a DryRunClient.
type InterceptedCall struct {
	Service   models.ServiceKind
	Operation string
	NativeID  string
}

// DryRunClient passes reads through to the wrapped client and logs and
// records every destructive call instead of sending it.
type DryRunClient struct {
	Client

	log         logger.Logger
	mu          sync.Mutex
	intercepted []InterceptedCall
}

// NewDryRunClient wraps inner.
func NewDryRunClient(inner Client, log logger.Logger) *DryRunClient {
	return &DryRunClient{Client: inner, log: log}
}

func (d *DryRunClient) intercept(kind models.ServiceKind, op, nativeID string) {
	d.mu.Lock()
	d.intercepted = append(d.intercepted, InterceptedCall{Service: kind, Operation: op, NativeID: nativeID})
	d.mu.Unlock()

	d.log.Info().
		Str("service", kind.String()).
		Str("operation", op).
		Str("native_id", nativeID).
		Msg("Dry run, not sending")
}

// Delete implements Client.
func (d *DryRunClient) Delete(_ context.Context, kind models.ServiceKind, nativeID string) error {
	d.intercept(kind, "delete", nativeID)

	return nil
}

// InvokeWipe implements Client.
func (d *DryRunClient) InvokeWipe(_ context.Context, nativeID string, _, _ bool) error {
	d.intercept(models.ServiceManagement, "wipe", nativeID)

	return nil
}

// InvokeSync implements Client.
func (d *DryRunClient) InvokeSync(_ context.Context, nativeID string) error {
	d.intercept(models.ServiceManagement, "sync", nativeID)

	return nil
}

// Intercepted returns a copy of every suppressed call so far.
func (d *DryRunClient) Intercepted() []InterceptedCall {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]InterceptedCall, len(d.intercepted))
	copy(out, d.intercepted)

	return out
}
