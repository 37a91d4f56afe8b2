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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/logger"
)

// CircuitBreakerState is the position of a breaker.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes when the graph endpoint is considered down.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	// SuccessThreshold probes must succeed in half-open before closing again.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold" toml:"success_threshold"`
	// Timeout is the cool-down between opening and the first probe.
	Timeout time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	// ResetTimeout forgets stale failures while closed.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout" toml:"reset_timeout"`
}

// DefaultCircuitBreakerConfig returns the defaults used for the graph endpoint.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// StateObserver is told about every transition, outside the breaker lock.
type StateObserver func(name string, from, to CircuitBreakerState)

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithStateObserver registers fn for state transitions.
func WithStateObserver(fn StateObserver) BreakerOption {
	return func(cb *CircuitBreaker) { cb.observer = fn }
}

// BreakerSnapshot is a point-in-time copy of a breaker's counters.
type BreakerSnapshot struct {
	Name        string              `json:"name"`
	State       CircuitBreakerState `json:"state"`
	Failures    int                 `json:"failures"`
	Probes      int                 `json:"probes"`
	LastFailure time.Time           `json:"last_failure"`
	LastReset   time.Time           `json:"last_reset"`
}

// CircuitBreaker stops hammering a failing endpoint. An open circuit surfaces
// as a transient error, which the orchestrator reports like any other.
type CircuitBreaker struct {
	name     string
	config   CircuitBreakerConfig
	clock    clock.Clock
	logger   logger.Logger
	observer StateObserver

	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int
	probes      int
	lastFailure time.Time
	lastReset   time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, clk clock.Clock, log logger.Logger, opts ...BreakerOption) *CircuitBreaker {
	if clk == nil {
		clk = clock.Real()
	}

	cb := &CircuitBreaker{
		name:      name,
		config:    config,
		clock:     clk,
		logger:    log,
		lastReset: clk.Now(),
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

type transition struct {
	from, to CircuitBreakerState
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	allowed, moved := cb.admit()
	cb.notify(moved)

	if !allowed {
		return fmt.Errorf("%w: %s", errCircuitOpen, cb.name)
	}

	err := fn()
	cb.notify(cb.record(err))

	return err
}

func (cb *CircuitBreaker) admit() (bool, *transition) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastReset) >= cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastReset = now
		}

		return true, nil
	case StateOpen:
		if now.Sub(cb.lastFailure) < cb.config.Timeout {
			return false, nil
		}

		cb.probes = 0

		return true, cb.moveTo(StateHalfOpen)
	default:
		return true, nil
	}
}

func (cb *CircuitBreaker) record(err error) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()

	if err != nil {
		cb.failures++
		cb.lastFailure = now

		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.config.FailureThreshold) {
			return cb.moveTo(StateOpen)
		}

		return nil
	}

	switch cb.state {
	case StateHalfOpen:
		cb.probes++
		if cb.probes < cb.config.SuccessThreshold {
			return nil
		}

		cb.failures = 0
		cb.lastReset = now

		return cb.moveTo(StateClosed)
	case StateClosed:
		cb.failures = 0
		cb.lastReset = now
	case StateOpen:
	}

	return nil
}

// moveTo changes state and logs it. Callers hold cb.mu.
func (cb *CircuitBreaker) moveTo(to CircuitBreakerState) *transition {
	t := &transition{from: cb.state, to: to}
	cb.state = to

	ev := cb.logger.Info()
	if to == StateOpen {
		ev = cb.logger.Warn().Int("failures", cb.failures)
	}

	ev.Str("circuit_breaker", cb.name).
		Str("from", t.from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")

	return t
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t != nil && cb.observer != nil {
		cb.observer(cb.name, t.from, t.to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// Snapshot copies the counters for logging or diagnostics.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerSnapshot{
		Name:        cb.name,
		State:       cb.state,
		Failures:    cb.failures,
		Probes:      cb.probes,
		LastFailure: cb.lastFailure,
		LastReset:   cb.lastReset,
	}
}

// CircuitBreakerHTTPClient sends requests through a CircuitBreaker. Transport
// errors and 5xx responses count as failures, but 5xx responses are still
// returned so the caller can read the error envelope.
type CircuitBreakerHTTPClient struct {
	client  HTTPClient
	breaker *CircuitBreaker
}

// NewCircuitBreakerHTTPClient wraps client.
func NewCircuitBreakerHTTPClient(client HTTPClient, cb *CircuitBreaker) *CircuitBreakerHTTPClient {
	return &CircuitBreakerHTTPClient{client: client, breaker: cb}
}

// Do implements HTTPClient.
func (c *CircuitBreakerHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response

	err := c.breaker.Execute(func() error {
		var doErr error

		resp, doErr = c.client.Do(req)
		switch {
		case doErr != nil:
			return doErr
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: status %d", errServerStatus, resp.StatusCode)
		default:
			return nil
		}
	})

	if resp != nil {
		return resp, nil
	}

	return nil, err
}

// Breaker exposes the wrapped breaker.
func (c *CircuitBreakerHTTPClient) Breaker() *CircuitBreaker {
	return c.breaker
}
