package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
)

var errFlaky = errors.New("gateway timeout")

// scriptedLocator answers each service from a per-call script.
type scriptedLocator struct {
	mu      sync.Mutex
	scripts map[models.ServiceKind]func(call int) ([]models.DeviceRecord, error)
	calls   map[models.ServiceKind]int
	order   []models.ServiceKind
}

func newScriptedLocator() *scriptedLocator {
	return &scriptedLocator{
		scripts: make(map[models.ServiceKind]func(int) ([]models.DeviceRecord, error)),
		calls:   make(map[models.ServiceKind]int),
	}
}

func (s *scriptedLocator) Locate(_ context.Context, kind models.ServiceKind, _ models.DeviceIdentity) ([]models.DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[kind]++
	s.order = append(s.order, kind)

	return s.scripts[kind](s.calls[kind])
}

// goneAfter reports the record present for the first n-1 calls.
func goneAfter(n int, id string) func(int) ([]models.DeviceRecord, error) {
	return func(call int) ([]models.DeviceRecord, error) {
		if call >= n {
			return nil, nil
		}

		return []models.DeviceRecord{{NativeID: id}}, nil
	}
}

func TestAwaitRemoval_Converges(t *testing.T) {
	loc := newScriptedLocator()
	loc.scripts[models.ServiceManagement] = goneAfter(3, "m1")

	clk := clock.NewFake(time.Unix(0, 0))
	v := New(loc, clk, logger.NewTestLogger())

	res, err := v.AwaitRemoval(context.Background(), Request{
		Identity:     models.DeviceIdentity{Serial: "S1"},
		Targets:      map[models.ServiceKind][]string{models.ServiceManagement: {"m1"}},
		MaxWait:      time.Minute,
		PollInterval: 10 * time.Second,
	})
	require.NoError(t, err)

	assert.False(t, res.TimedOut)
	assert.True(t, res.Confirmed[models.ServiceManagement])
	assert.Empty(t, res.Pending)
	assert.Equal(t, 3, res.Ticks)
	assert.Equal(t, 30*time.Second, res.Elapsed)
}

func TestAwaitRemoval_TimesOut(t *testing.T) {
	loc := newScriptedLocator()
	loc.scripts[models.ServiceRegistry] = goneAfter(10, "z1")

	clk := clock.NewFake(time.Unix(0, 0))
	v := New(loc, clk, logger.NewTestLogger())

	res, err := v.AwaitRemoval(context.Background(), Request{
		Identity:     models.DeviceIdentity{Serial: "S1"},
		Targets:      map[models.ServiceKind][]string{models.ServiceRegistry: {"z1"}},
		MaxWait:      45 * time.Second,
		PollInterval: 10 * time.Second,
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Confirmed[models.ServiceRegistry])
	assert.Equal(t, []models.ServiceKind{models.ServiceRegistry}, res.Pending)
	assert.Equal(t, 4, loc.calls[models.ServiceRegistry])
}

func TestAwaitRemoval_LookupErrorIsNotRemoval(t *testing.T) {
	loc := newScriptedLocator()
	loc.scripts[models.ServiceManagement] = func(call int) ([]models.DeviceRecord, error) {
		switch call {
		case 1, 2:
			return nil, errFlaky
		case 3:
			return []models.DeviceRecord{{NativeID: "m1"}}, nil
		default:
			return nil, nil
		}
	}

	v := New(loc, clock.NewFake(time.Unix(0, 0)), logger.NewTestLogger())

	res, err := v.AwaitRemoval(context.Background(), Request{
		Identity:     models.DeviceIdentity{Name: "PC"},
		Targets:      map[models.ServiceKind][]string{models.ServiceManagement: {"m1"}},
		MaxWait:      time.Hour,
		PollInterval: time.Second,
	})
	require.NoError(t, err)

	assert.True(t, res.Confirmed[models.ServiceManagement])
	assert.Equal(t, 4, res.Ticks)
}

func TestAwaitRemoval_DirectoryWaitsForUpstream(t *testing.T) {
	loc := newScriptedLocator()
	loc.scripts[models.ServiceManagement] = goneAfter(2, "m1")
	loc.scripts[models.ServiceRegistry] = goneAfter(1, "z1")
	loc.scripts[models.ServiceDirectory] = goneAfter(1, "d1")

	v := New(loc, clock.NewFake(time.Unix(0, 0)), logger.NewTestLogger())

	res, err := v.AwaitRemoval(context.Background(), Request{
		Identity: models.DeviceIdentity{Name: "PC", Serial: "S1"},
		Targets: map[models.ServiceKind][]string{
			models.ServiceManagement: {"m1"},
			models.ServiceRegistry:   {"z1"},
			models.ServiceDirectory:  {"d1"},
		},
		MaxWait:      time.Minute,
		PollInterval: time.Second,
	})
	require.NoError(t, err)

	assert.Len(t, res.Confirmed, 3)
	assert.Equal(t, 2, res.Ticks)
	assert.Equal(t, []models.ServiceKind{
		models.ServiceManagement, models.ServiceRegistry,
		models.ServiceManagement, models.ServiceDirectory,
	}, loc.order)
}

func TestAwaitRemoval_OnlyTargetedRecordsCount(t *testing.T) {
	loc := newScriptedLocator()
	loc.scripts[models.ServiceDirectory] = func(int) ([]models.DeviceRecord, error) {
		// a same-name record that was never targeted
		return []models.DeviceRecord{{NativeID: "d-other"}}, nil
	}

	v := New(loc, clock.NewFake(time.Unix(0, 0)), logger.NewTestLogger())

	res, err := v.AwaitRemoval(context.Background(), Request{
		Identity:     models.DeviceIdentity{Name: "PC"},
		Targets:      map[models.ServiceKind][]string{models.ServiceDirectory: {"d1", "d2"}},
		MaxWait:      time.Minute,
		PollInterval: time.Second,
	})
	require.NoError(t, err)
	assert.True(t, res.Confirmed[models.ServiceDirectory])
	assert.Equal(t, 1, res.Ticks)
}

func TestAwaitRemoval_NoTargets(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	v := New(newScriptedLocator(), clk, logger.NewTestLogger())

	res, err := v.AwaitRemoval(context.Background(), Request{MaxWait: time.Minute, PollInterval: time.Second})
	require.NoError(t, err)
	assert.Zero(t, res.Ticks)
	assert.Zero(t, clk.Waits())
}

func TestAwaitRemoval_Cancelled(t *testing.T) {
	loc := newScriptedLocator()
	loc.scripts[models.ServiceManagement] = goneAfter(100, "m1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := New(loc, clock.Real(), logger.NewTestLogger())

	res, err := v.AwaitRemoval(ctx, Request{
		Targets:      map[models.ServiceKind][]string{models.ServiceManagement: {"m1"}},
		MaxWait:      time.Hour,
		PollInterval: time.Hour,
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []models.ServiceKind{models.ServiceManagement}, res.Pending)
}
