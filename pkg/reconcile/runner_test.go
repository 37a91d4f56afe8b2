package reconcile

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetreconcile/internal/graphfake"
	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/resolve"
	"github.com/carverauto/fleetreconcile/pkg/verify"
)

type memorySink struct {
	mu      sync.Mutex
	results []*models.DeviceReconciliationResult
}

func (m *memorySink) Write(_ context.Context, r *models.DeviceReconciliationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.results = append(m.results, r)

	return nil
}

type stack struct {
	srv      *graphfake.Server
	resolver *resolve.Resolver
	orch     *Orchestrator
}

func newStack(t *testing.T, removalReads int) *stack {
	t.Helper()

	srv := graphfake.New()
	srv.RemovalReads = removalReads
	t.Cleanup(srv.Close)

	log := logger.NewTestLogger()
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	client := directory.NewGraphClient(directory.Config{BaseURL: srv.URL()}, http.DefaultClient,
		directory.StaticTokenProvider{Token: "t"}, log)
	resolver := resolve.New(client, log)

	return &stack{
		srv:      srv,
		resolver: resolver,
		orch:     NewOrchestrator(client, verify.New(resolver, clk, log), clk, log),
	}
}

func (s *stack) seedLaptop() {
	s.srv.AddManaged(directory.ManagedDevice{ID: "m1", DeviceName: "LAPTOP-01", SerialNumber: "PF2ABC"})
	s.srv.AddAutopilot(directory.AutopilotIdentity{ID: "z1", SerialNumber: "PF2ABC"})
	s.srv.AddDirectory(directory.DirectoryDevice{ID: "d1", DisplayName: "LAPTOP-01", PhysicalIDs: []string{"[SerialNumber]:PF2ABC"}})
	s.srv.AddDirectory(directory.DirectoryDevice{ID: "d2", DisplayName: "LAPTOP-01"})
	s.srv.AddDirectory(directory.DirectoryDevice{ID: "d3", DisplayName: "LAPTOP-01", PhysicalIDs: []string{"[SerialNumber]:OTHER"}})
}

func TestRun_WipeDeleteVerify(t *testing.T) {
	s := newStack(t, 2)
	s.seedLaptop()

	sink := &memorySink{}
	runner := NewRunner(s.orch, s.resolver, 1, logger.NewTestLogger(), WithSink(sink))

	results, err := runner.Run(context.Background(), []Job{{Identity: models.DeviceIdentity{Serial: "PF2ABC"}}}, Options{
		Wipe:         true,
		MaxWait:      10 * time.Minute,
		WipeMaxWait:  10 * time.Minute,
		PollInterval: 30 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.NotEmpty(t, res.RunID)
	assert.False(t, res.Aborted, res.AbortReason)
	assert.True(t, res.WipeConfirmed)

	assert.Equal(t, models.ErrorClassAlreadyRemoved, res.Services[models.ServiceManagement].Outcome.ErrorClass)
	assert.True(t, res.Services[models.ServiceRegistry].Outcome.Success)
	assert.Len(t, res.Services[models.ServiceDirectory].Records, 2)

	assert.False(t, res.VerificationTimedOut)
	assert.True(t, res.Verified[models.ServiceManagement])
	assert.True(t, res.Verified[models.ServiceRegistry])
	assert.True(t, res.Verified[models.ServiceDirectory])

	// the record with a conflicting serial is left alone
	assert.True(t, s.srv.Exists(models.ServiceDirectory, "d3"))
	assert.False(t, s.srv.Exists(models.ServiceDirectory, "d1"))

	require.Len(t, sink.results, 1)
	assert.Same(t, res, sink.results[0])
}

func TestRun_DeleteOrderOnTheWire(t *testing.T) {
	s := newStack(t, 0)
	s.seedLaptop()

	runner := NewRunner(s.orch, s.resolver, 1, logger.NewTestLogger())

	_, err := runner.Run(context.Background(), []Job{{Identity: models.DeviceIdentity{Serial: "PF2ABC"}}}, Options{Fast: true})
	require.NoError(t, err)

	var deletes []string

	for _, c := range s.srv.Calls() {
		if c.Method == http.MethodDelete {
			deletes = append(deletes, c.Path)
		}
	}

	assert.Equal(t, []string{
		"/deviceManagement/managedDevices/m1",
		"/deviceManagement/windowsAutopilotDeviceIdentities/z1",
		"/devices/d1",
		"/devices/d2",
	}, deletes)
}

func TestRun_DeleteTwiceIsIdempotent(t *testing.T) {
	s := newStack(t, 0)
	s.seedLaptop()

	res, err := s.resolver.Resolve(context.Background(), models.DeviceIdentity{Serial: "PF2ABC"})
	require.NoError(t, err)

	first := s.orch.Process(context.Background(), res, Options{Fast: true})
	second := s.orch.Process(context.Background(), res, Options{Fast: true})

	for _, kind := range models.AllServices() {
		assert.True(t, first.Services[kind].Outcome.Success)
		assert.Equal(t, models.ErrorClassNone, first.Services[kind].Outcome.ErrorClass)

		assert.True(t, second.Services[kind].Outcome.Success)
		assert.Equal(t, models.ErrorClassAlreadyRemoved, second.Services[kind].Outcome.ErrorClass)
	}

	// a fresh lookup now finds nothing, which is also success
	again, err := s.resolver.Resolve(context.Background(), models.DeviceIdentity{Serial: "PF2ABC", Name: "LAPTOP-01"})
	require.NoError(t, err)

	third := s.orch.Process(context.Background(), again, Options{Fast: true})
	assert.False(t, third.Services[models.ServiceManagement].Outcome.Found)
	assert.True(t, third.Services[models.ServiceManagement].Outcome.Success)
}

func TestRun_DryRunSendsNothing(t *testing.T) {
	s := newStack(t, 0)
	s.seedLaptop()
	s.srv.AddManaged(directory.ManagedDevice{ID: "m2", DeviceName: "LAPTOP-02", SerialNumber: "QQ1"})

	runner := NewRunner(s.orch, s.resolver, 4, logger.NewTestLogger())

	results, err := runner.Run(context.Background(), []Job{
		{Identity: models.DeviceIdentity{Serial: "PF2ABC"}},
		{Identity: models.DeviceIdentity{Serial: "QQ1"}},
	}, Options{Wipe: true, DryRun: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Zero(t, s.srv.CountCalls(http.MethodDelete, "/"))
	assert.Zero(t, s.srv.CountCalls(http.MethodPost, "/"))

	for _, res := range results {
		assert.True(t, res.DryRun)
		assert.True(t, res.Services[models.ServiceManagement].Outcome.Success)
	}
}

func TestRun_InvalidIdentityIsAborted(t *testing.T) {
	s := newStack(t, 0)

	var progress []int

	runner := NewRunner(s.orch, s.resolver, 2, logger.NewTestLogger(), WithProgress(func(done, total int, _ *models.DeviceReconciliationResult) {
		progress = append(progress, done)
		assert.Equal(t, 1, total)
	}))

	results, err := runner.Run(context.Background(), []Job{{Identity: models.DeviceIdentity{}}}, Options{RunID: "fixed"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.True(t, results[0].Aborted)
	assert.Contains(t, results[0].AbortReason, "resolution failed")
	assert.Equal(t, "fixed", results[0].RunID)
	assert.Equal(t, []int{1}, progress)
	assert.Empty(t, s.srv.Calls())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	s := newStack(t, 0)
	s.seedLaptop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(s.orch, s.resolver, 1, logger.NewTestLogger())

	results, err := runner.Run(ctx, []Job{{Identity: models.DeviceIdentity{Serial: "PF2ABC"}}}, Options{Fast: true})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
	assert.Zero(t, s.srv.CountCalls(http.MethodDelete, "/"))
}
