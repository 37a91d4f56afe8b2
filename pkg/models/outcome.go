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

package models

import (
	"strings"
	"time"
)

// ErrorClass is the normalized classification of one delete or action call.
type ErrorClass string

const (
	ErrorClassNone           ErrorClass = "none"
	ErrorClassAlreadyRemoved ErrorClass = "already_removed"
	ErrorClassAlreadyQueued  ErrorClass = "already_queued"
	ErrorClassConflict       ErrorClass = "conflict"
	ErrorClassUnknown        ErrorClass = "unknown"
)

// severity orders classes so aggregates report the worst one.
func (e ErrorClass) severity() int {
	switch e {
	case ErrorClassUnknown:
		return 4
	case ErrorClassConflict:
		return 3
	case ErrorClassAlreadyQueued:
		return 2
	case ErrorClassAlreadyRemoved:
		return 1
	default:
		return 0
	}
}

// OperationOutcome is the normalized result of one delete/action call against one service.
type OperationOutcome struct {
	Found      bool       `json:"found"`
	Success    bool       `json:"success"`
	ErrorClass ErrorClass `json:"error_class"`
	Message    string     `json:"message,omitempty"`
}

// NotFoundOutcome is the idempotent "nothing to do" result.
func NotFoundOutcome() OperationOutcome {
	return OperationOutcome{Found: false, Success: true, ErrorClass: ErrorClassNone}
}

// SucceededOutcome is a plain successful call.
func SucceededOutcome() OperationOutcome {
	return OperationOutcome{Found: true, Success: true, ErrorClass: ErrorClassNone}
}

// IsHardFailure reports whether the operator has to look at this outcome.
func (o OperationOutcome) IsHardFailure() bool {
	return !o.Success
}

// RecordOutcome ties an outcome to the record it was produced for.
type RecordOutcome struct {
	NativeID    string           `json:"native_id"`
	DisplayName string           `json:"display_name,omitempty"`
	Outcome     OperationOutcome `json:"outcome"`
}

// ServiceOutcome aggregates every record targeted in one service.
type ServiceOutcome struct {
	Service       ServiceKind      `json:"service"`
	Outcome       OperationOutcome `json:"outcome"`
	Records       []RecordOutcome  `json:"records,omitempty"`
	Partial       bool             `json:"partial,omitempty"`
	LowConfidence bool             `json:"low_confidence,omitempty"`
}

// NewServiceOutcome aggregates per-record outcomes. An empty set means the
// target was not found, which counts as success.
func NewServiceOutcome(service ServiceKind, records []RecordOutcome) *ServiceOutcome {
	so := &ServiceOutcome{Service: service, Records: records}

	if len(records) == 0 {
		so.Outcome = NotFoundOutcome()

		return so
	}

	agg := OperationOutcome{Found: true, Success: true, ErrorClass: ErrorClassNone}

	var (
		messages  []string
		succeeded int
	)

	for _, r := range records {
		if r.Outcome.Success {
			succeeded++
		} else {
			agg.Success = false
		}

		if r.Outcome.ErrorClass.severity() > agg.ErrorClass.severity() {
			agg.ErrorClass = r.Outcome.ErrorClass
		}

		if r.Outcome.Message != "" {
			messages = append(messages, r.NativeID+": "+r.Outcome.Message)
		}
	}

	agg.Message = strings.Join(messages, "; ")
	so.Outcome = agg
	so.Partial = succeeded > 0 && succeeded < len(records)

	return so
}

// Sent reports whether at least one destructive call was accepted (or was
// already done) for this service.
func (s *ServiceOutcome) Sent() bool {
	if s == nil {
		return false
	}

	return s.Outcome.Found && (s.Outcome.Success || s.Partial)
}

// DeviceReconciliationResult is the per-device aggregate produced by one orchestration.
type DeviceReconciliationResult struct {
	RunID                string                          `json:"run_id"`
	Identity             DeviceIdentity                  `json:"identity"`
	Services             map[ServiceKind]*ServiceOutcome `json:"services"`
	Wipe                 *OperationOutcome               `json:"wipe,omitempty"`
	WipeConfirmed        bool                            `json:"wipe_confirmed,omitempty"`
	Aborted              bool                            `json:"aborted,omitempty"`
	AbortReason          string                          `json:"abort_reason,omitempty"`
	Verified             map[ServiceKind]bool            `json:"verified,omitempty"`
	VerificationTimedOut bool                            `json:"verification_timed_out,omitempty"`
	DryRun               bool                            `json:"dry_run,omitempty"`
	StartedAt            time.Time                       `json:"started_at"`
	Elapsed              time.Duration                   `json:"elapsed"`
}

// NewDeviceReconciliationResult starts a result for one device.
func NewDeviceReconciliationResult(runID string, identity DeviceIdentity, startedAt time.Time) *DeviceReconciliationResult {
	return &DeviceReconciliationResult{
		RunID:     runID,
		Identity:  identity,
		Services:  make(map[ServiceKind]*ServiceOutcome),
		Verified:  make(map[ServiceKind]bool),
		StartedAt: startedAt,
	}
}

// HardFailures lists services whose outcome needs operator attention.
func (r *DeviceReconciliationResult) HardFailures() []ServiceKind {
	var out []ServiceKind

	for _, kind := range AllServices() {
		if so, ok := r.Services[kind]; ok && so.Outcome.IsHardFailure() {
			out = append(out, kind)
		}
	}

	return out
}

// AnyFound reports whether any targeted service had a record.
func (r *DeviceReconciliationResult) AnyFound() bool {
	for _, so := range r.Services {
		if so.Outcome.Found {
			return true
		}
	}

	return r.Wipe != nil && r.Wipe.Found
}
