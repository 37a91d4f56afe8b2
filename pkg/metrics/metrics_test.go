package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetreconcile/pkg/models"
)

func TestObserveAPICall(t *testing.T) {
	m := New()

	m.ObserveAPICall(models.ServiceManagement, "delete", http.StatusNoContent, 20*time.Millisecond)
	m.ObserveAPICall(models.ServiceManagement, "delete", http.StatusNoContent, 30*time.Millisecond)
	m.ObserveAPICall(models.ServiceDirectory, "list", 0, time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(m.apiCalls.WithLabelValues("management", "delete", "204")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.apiCalls.WithLabelValues("directory", "list", "0")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(m.apiCallDuration))
}

func TestObserveOutcome(t *testing.T) {
	m := New()

	m.ObserveOutcome(models.ServiceRegistry, models.SucceededOutcome())
	m.ObserveOutcome(models.ServiceRegistry, models.OperationOutcome{Found: true, ErrorClass: models.ErrorClassUnknown})

	assert.InDelta(t, 1, testutil.ToFloat64(m.outcomes.WithLabelValues("registry", "none", "true")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.outcomes.WithLabelValues("registry", "unknown", "false")), 0)
}

func TestWriteCountsDeviceStatus(t *testing.T) {
	m := New()
	start := time.Unix(1700000000, 0).UTC()

	done := models.NewDeviceReconciliationResult("run", models.DeviceIdentity{Name: "a"}, start)
	done.Services[models.ServiceManagement] = models.NewServiceOutcome(models.ServiceManagement, []models.RecordOutcome{
		{NativeID: "m1", Outcome: models.SucceededOutcome()},
	})
	done.Elapsed = 90 * time.Second

	missing := models.NewDeviceReconciliationResult("run", models.DeviceIdentity{Name: "b"}, start)

	require.NoError(t, m.Write(context.Background(), done))
	require.NoError(t, m.Write(context.Background(), missing))

	assert.InDelta(t, 1, testutil.ToFloat64(m.devices.WithLabelValues("succeeded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.devices.WithLabelValues("not_found")), 0)

	expected := `
# HELP fleetreconcile_last_run_timestamp_seconds Unix time of the last processed device.
# TYPE fleetreconcile_last_run_timestamp_seconds gauge
fleetreconcile_last_run_timestamp_seconds 1.7e+09
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "fleetreconcile_last_run_timestamp_seconds"))
}

func TestObserveBreakerTransition(t *testing.T) {
	m := New()
	m.ObserveBreakerTransition("graph", "open")
	m.ObserveBreakerTransition("graph", "open")
	m.ObserveBreakerTransition("graph", "half-open")

	assert.InDelta(t, 2, testutil.ToFloat64(m.breaker.WithLabelValues("graph", "open")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.breaker.WithLabelValues("graph", "half-open")), 0)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.ObserveAPICall(models.ServiceRegistry, "list", 200, time.Millisecond)
	m.ObserveOutcome(models.ServiceRegistry, models.SucceededOutcome())
	m.ObserveBreakerTransition("graph", "open")
	require.NoError(t, m.Write(context.Background(), nil))
	require.NoError(t, m.Push(context.Background(), Config{}, "run"))
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveOutcome(models.ServiceDirectory, models.SucceededOutcome())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fleetreconcile_operation_outcomes_total")
}

func TestPush(t *testing.T) {
	var (
		pushes atomic.Int32
		path   atomic.Value
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		path.Store(r.URL.Path)

		_, _ = io.Copy(io.Discard, r.Body)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.ObserveAPICall(models.ServiceRegistry, "list", 200, time.Millisecond)

	require.NoError(t, m.Push(context.Background(), Config{PushgatewayURL: srv.URL, Job: "nightly"}, "run-7"))
	assert.Equal(t, int32(1), pushes.Load())
	assert.Equal(t, "/metrics/job/nightly/run_id/run-7", path.Load())
}

func TestPushRequiresURL(t *testing.T) {
	require.ErrorIs(t, New().Push(context.Background(), Config{}, "run"), errNoPushgateway)
}
