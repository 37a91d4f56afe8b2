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
	"fmt"
	"net/http"

	"github.com/carverauto/fleetreconcile/pkg/models"
)

var (
	// ErrNotFound means the backing service has no record with that identifier.
	ErrNotFound = errors.New("not found")
	// ErrConflict covers 400/409/412 answers. The same status is used for
	// "already pending" and for genuine refusals, see APIError.Message.
	ErrConflict = errors.New("conflict")
	// ErrTransient covers transport failures, throttling and 5xx answers.
	ErrTransient = errors.New("transient failure")
	// ErrUnknown is everything else, including authorization failures.
	ErrUnknown = errors.New("unknown failure")
	// ErrAuthentication is returned when no bearer token could be obtained.
	ErrAuthentication = errors.New("authentication failed")

	errNoToken        = errors.New("no access token configured")
	errPaginationLoop = errors.New("pagination link repeats the current page")
	errCircuitOpen    = errors.New("circuit breaker is open")
	errServerStatus   = errors.New("server error")
)

// APIError is the normalized failure of one backing-service call.
type APIError struct {
	Service    models.ServiceKind
	Operation  string
	StatusCode int
	// Code is the structured error code from the response envelope, when present.
	Code    string
	Message string
	kind    error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v: %s", e.Service, e.Operation, e.kind, e.Message)
	}

	if e.Code != "" {
		return fmt.Sprintf("%s %s: status %d (%s): %s", e.Service, e.Operation, e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("%s %s: status %d: %s", e.Service, e.Operation, e.StatusCode, e.Message)
}

// Unwrap exposes the taxonomy sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	return e.kind
}

// kindForStatus maps an HTTP status to the error taxonomy.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusBadRequest, status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return ErrConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return ErrTransient
	default:
		return ErrUnknown
	}
}

func newTransportError(service models.ServiceKind, op string, err error) *APIError {
	return &APIError{Service: service, Operation: op, Message: err.Error(), kind: ErrTransient}
}

// NewAPIError builds an APIError classified by status code.
func NewAPIError(service models.ServiceKind, op string, status int, code, message string) *APIError {
	return &APIError{
		Service:    service,
		Operation:  op,
		StatusCode: status,
		Code:       code,
		Message:    message,
		kind:       kindForStatus(status),
	}
}
