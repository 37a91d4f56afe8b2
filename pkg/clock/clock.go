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

// Package clock provides the time source used by polling loops so tests can
// simulate elapsed time without sleeping.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock defines the time operations the polling loops depend on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real returns the wall clock.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for d on the given clock or until ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// Fake is a manually driven clock. After advances the clock by the requested
// duration and fires immediately, so a polling loop runs at full speed while
// observing the elapsed time it would have seen in production.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	waits int
}

// NewFake returns a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	f.waits++

	ch := make(chan time.Time, 1)
	ch <- f.now

	return ch
}

// Advance moves the clock forward without counting a wait.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

// Waits returns how many times After was called.
func (f *Fake) Waits() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.waits
}
