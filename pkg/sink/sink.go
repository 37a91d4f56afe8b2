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

// Package sink holds write-only destinations for per-device reconciliation results.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/fleetreconcile/pkg/models"
)

// Sink receives each finished device result.
type Sink interface {
	Write(ctx context.Context, result *models.DeviceReconciliationResult) error
}

// Closer is implemented by sinks that hold connections or files.
type Closer interface {
	Close() error
}

// Multi fans a result out to every sink. Every sink is attempted; errors are joined.
type Multi []Sink

func (m Multi) Write(ctx context.Context, result *models.DeviceReconciliationResult) error {
	var errs []error

	for _, s := range m {
		if s == nil {
			continue
		}

		if err := s.Write(ctx, result); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}

	return errors.Join(errs...)
}

// Close closes every sink that implements Closer.
func (m Multi) Close() error {
	var errs []error

	for _, s := range m {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
