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

package directory

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/logger"
)

var errTest = errors.New("test error")

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          100 * time.Millisecond,
		ResetTimeout:     time.Second,
	}
}

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb := NewCircuitBreaker("test", testBreakerConfig(), nil, logger.NewTestLogger())

	err := cb.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", testBreakerConfig(), nil, logger.NewTestLogger())

	require.ErrorIs(t, cb.Execute(func() error { return errTest }), errTest)
	assert.Equal(t, StateClosed, cb.State())

	require.ErrorIs(t, cb.Execute(func() error { return errTest }), errTest)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, errCircuitOpen)
	assert.Contains(t, err.Error(), "test")
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cb := NewCircuitBreaker("test", testBreakerConfig(), clk, logger.NewTestLogger())

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	require.Equal(t, StateOpen, cb.State())

	clk.Advance(150 * time.Millisecond)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cb := NewCircuitBreaker("test", testBreakerConfig(), clk, logger.NewTestLogger())

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })

	clk.Advance(150 * time.Millisecond)

	require.ErrorIs(t, cb.Execute(func() error { return errTest }), errTest)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	clk := clock.NewFake(time.Unix(100, 0))
	cb := NewCircuitBreaker("graph", testBreakerConfig(), clk, logger.NewTestLogger())
	_ = cb.Execute(func() error { return errTest })

	snap := cb.Snapshot()
	assert.Equal(t, "graph", snap.Name)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 1, snap.Failures)
	assert.Equal(t, time.Unix(100, 0), snap.LastFailure)
}

func TestCircuitBreaker_ObserverSeesTransitions(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))

	var seen []string

	cb := NewCircuitBreaker("graph", testBreakerConfig(), clk, logger.NewTestLogger(),
		WithStateObserver(func(name string, from, to CircuitBreakerState) {
			seen = append(seen, name+":"+from.String()+"->"+to.String())
		}))

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })

	clk.Advance(150 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))

	assert.Equal(t, []string{
		"graph:closed->open",
		"graph:open->half-open",
		"graph:half-open->closed",
	}, seen)
}

func response(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(`{}`))}
}

func TestCircuitBreakerHTTPClient(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := NewMockHTTPClient(ctrl)

	cb := NewCircuitBreaker("graph", testBreakerConfig(), clock.NewFake(time.Unix(0, 0)), logger.NewTestLogger())
	client := NewCircuitBreakerHTTPClient(inner, cb)

	req, err := http.NewRequest(http.MethodGet, "http://example.invalid/devices", http.NoBody)
	require.NoError(t, err)

	inner.EXPECT().Do(req).Return(response(http.StatusServiceUnavailable), nil).Times(2)

	// 5xx responses are still handed back
	for i := 0; i < 2; i++ {
		resp, err := client.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		_ = resp.Body.Close()
	}

	assert.Equal(t, StateOpen, client.Breaker().State())

	resp, err := client.Do(req)
	require.ErrorIs(t, err, errCircuitOpen)
	assert.Nil(t, resp)
}

func TestCircuitBreakerHTTPClient_ClientErrorsDoNotTrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := NewMockHTTPClient(ctrl)

	cb := NewCircuitBreaker("graph", testBreakerConfig(), nil, logger.NewTestLogger())
	client := NewCircuitBreakerHTTPClient(inner, cb)

	req, err := http.NewRequest(http.MethodDelete, "http://example.invalid/devices/x", http.NoBody)
	require.NoError(t, err)

	inner.EXPECT().Do(req).Return(response(http.StatusNotFound), nil).Times(3)

	for i := 0; i < 3; i++ {
		resp, err := client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	assert.Equal(t, StateClosed, cb.State())
}
