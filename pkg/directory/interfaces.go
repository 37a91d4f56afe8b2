package directory

import (
	"context"
	"net/http"
	"time"

	"github.com/carverauto/fleetreconcile/pkg/models"
)

//go:generate mockgen -destination=mock_directory.go -package=directory github.com/carverauto/fleetreconcile/pkg/directory Client,TokenProvider,HTTPClient

// HTTPClient defines the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenProvider defines the interface for obtaining bearer tokens.
type TokenProvider interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// tokenInvalidator is implemented by providers that cache tokens.
type tokenInvalidator interface {
	InvalidateToken()
}

// Client is the uniform request contract over the three backing services.
// It performs no business logic and never retries.
type Client interface {
	// ListAll returns every record of a service, following pagination until exhausted.
	ListAll(ctx context.Context, kind models.ServiceKind, filter string) ([]models.DeviceRecord, error)
	// FindBySerial queries by serial number. For the Registry this is a
	// contains match, callers must re-filter for equality.
	FindBySerial(ctx context.Context, kind models.ServiceKind, serial string) ([]models.DeviceRecord, error)
	// FindByName returns exact display-name matches.
	FindByName(ctx context.Context, kind models.ServiceKind, name string) ([]models.DeviceRecord, error)
	Get(ctx context.Context, kind models.ServiceKind, nativeID string) (*models.DeviceRecord, error)
	Delete(ctx context.Context, kind models.ServiceKind, nativeID string) error
	// InvokeWipe queues a remote wipe on a Management record.
	InvokeWipe(ctx context.Context, nativeID string, keepEnrollment, keepUser bool) error
	// InvokeSync queues a forced check-in on a Management record.
	InvokeSync(ctx context.Context, nativeID string) error
}

// APIObserver receives one observation per backing-service call.
type APIObserver interface {
	ObserveAPICall(service models.ServiceKind, operation string, status int, duration time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveAPICall(models.ServiceKind, string, int, time.Duration) {}
