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

// Package report aggregates per-device results for operator review and export.
package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/carverauto/fleetreconcile/pkg/models"
)

// Status is the overall verdict for one device.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
	StatusTimedOut  Status = "timed_out"
	StatusAborted   Status = "aborted"
)

// TimeoutAdvisory is attached to every device whose removal was not confirmed.
const TimeoutAdvisory = "removal not confirmed in time, the device may still be present; verify manually"

// Classify derives the device verdict. Hard failures outrank timeouts,
// timeouts outrank not-found. A service that had nothing to delete never
// makes a device partial.
func Classify(r *models.DeviceReconciliationResult) Status {
	if r.Aborted {
		return StatusAborted
	}

	if failures := r.HardFailures(); len(failures) > 0 {
		for _, so := range r.Services {
			if so.Outcome.Found && (so.Outcome.Success || so.Partial) {
				return StatusPartial
			}
		}

		return StatusFailed
	}

	if r.VerificationTimedOut {
		return StatusTimedOut
	}

	if !r.AnyFound() {
		return StatusNotFound
	}

	return StatusSucceeded
}

// Issue is one operator-visible message for a device and service.
type Issue struct {
	Identity   models.DeviceIdentity `json:"identity"`
	Service    string                `json:"service"`
	ErrorClass models.ErrorClass     `json:"error_class"`
	Message    string                `json:"message"`
}

// Summary holds the counts for a run.
type Summary struct {
	Total     int  `json:"total"`
	Succeeded int  `json:"succeeded"`
	Partial   int  `json:"partial"`
	Failed    int  `json:"failed"`
	NotFound  int  `json:"not_found"`
	TimedOut  int  `json:"timed_out"`
	Aborted   int  `json:"aborted"`
	DryRun    bool `json:"dry_run,omitempty"`

	PerService map[models.ServiceKind]*ServiceTally `json:"per_service,omitempty"`
}

// ServiceTally counts record-level outcomes for one service across a run.
type ServiceTally struct {
	Targeted    int `json:"targeted"`
	Deleted     int `json:"deleted"`
	AlreadyDone int `json:"already_done"`
	Conflict    int `json:"conflict"`
	Failed      int `json:"failed"`
	Verified    int `json:"verified"`
}

func (s *Summary) tally(r *models.DeviceReconciliationResult) {
	for kind, so := range r.Services {
		if so == nil || !so.Outcome.Found {
			continue
		}

		if s.PerService == nil {
			s.PerService = make(map[models.ServiceKind]*ServiceTally)
		}

		t, ok := s.PerService[kind]
		if !ok {
			t = &ServiceTally{}
			s.PerService[kind] = t
		}

		t.Targeted++

		if r.Verified[kind] {
			t.Verified++
		}

		for _, rec := range so.Records {
			switch {
			case !rec.Outcome.Success:
				t.Failed++
			case rec.Outcome.ErrorClass == models.ErrorClassConflict:
				t.Conflict++
			case rec.Outcome.ErrorClass == models.ErrorClassAlreadyRemoved,
				rec.Outcome.ErrorClass == models.ErrorClassAlreadyQueued:
				t.AlreadyDone++
			default:
				t.Deleted++
			}
		}
	}
}

// Entry is one device in a report.
type Entry struct {
	Status Status                             `json:"status"`
	Result *models.DeviceReconciliationResult `json:"result"`
}

// Report is the immutable aggregate of a run.
type Report struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Summary     Summary   `json:"summary"`
	Entries     []Entry   `json:"entries"`
	Issues      []Issue   `json:"issues,omitempty"`
}

// Build aggregates results. It performs no I/O.
func Build(runID string, results []*models.DeviceReconciliationResult, generatedAt time.Time) *Report {
	rep := &Report{
		RunID:       runID,
		GeneratedAt: generatedAt,
		Entries:     make([]Entry, 0, len(results)),
	}

	for _, r := range results {
		status := Classify(r)
		rep.Entries = append(rep.Entries, Entry{Status: status, Result: r})
		rep.Summary.Total++
		rep.Summary.DryRun = rep.Summary.DryRun || r.DryRun
		rep.Summary.tally(r)

		switch status {
		case StatusSucceeded:
			rep.Summary.Succeeded++
		case StatusPartial:
			rep.Summary.Partial++
		case StatusFailed:
			rep.Summary.Failed++
		case StatusNotFound:
			rep.Summary.NotFound++
		case StatusTimedOut:
			rep.Summary.TimedOut++
		case StatusAborted:
			rep.Summary.Aborted++
		}

		rep.Issues = append(rep.Issues, issues(r)...)
	}

	return rep
}

// issues keeps the messages an operator needs: Unknown and Conflict outcomes,
// aborts and verification timeouts.
func issues(r *models.DeviceReconciliationResult) []Issue {
	var out []Issue

	if r.Aborted {
		out = append(out, Issue{Identity: r.Identity, Service: "device", ErrorClass: models.ErrorClassUnknown, Message: r.AbortReason})
	}

	if r.Wipe != nil && r.Wipe.Message != "" && r.Wipe.ErrorClass != models.ErrorClassNone {
		out = append(out, Issue{Identity: r.Identity, Service: "wipe", ErrorClass: r.Wipe.ErrorClass, Message: r.Wipe.Message})
	}

	for _, kind := range models.AllServices() {
		so, ok := r.Services[kind]
		if !ok {
			continue
		}

		switch so.Outcome.ErrorClass {
		case models.ErrorClassUnknown, models.ErrorClassConflict:
			out = append(out, Issue{Identity: r.Identity, Service: kind.String(), ErrorClass: so.Outcome.ErrorClass, Message: so.Outcome.Message})
		case models.ErrorClassNone, models.ErrorClassAlreadyRemoved, models.ErrorClassAlreadyQueued:
		}
	}

	if r.VerificationTimedOut {
		out = append(out, Issue{Identity: r.Identity, Service: "verification", ErrorClass: models.ErrorClassNone, Message: TimeoutAdvisory})
	}

	return out
}

// WriteJSON writes the full report.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(r)
}
