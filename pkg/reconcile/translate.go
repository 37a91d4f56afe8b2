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

package reconcile

import (
	"errors"
	"strings"

	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/models"
)

// Translator turns the error of one delete or action call into an outcome.
// Each service gets its own so vendor-specific text matching stays out of
// the orchestrator.
type Translator func(err error) models.OperationOutcome

var (
	// pendingCodes are structured codes that mean the action is already queued.
	pendingCodes = []string{
		"pending",
		"alreadyqueued",
		"inprogress",
	}

	// pendingPhrases are the message fallbacks used when no code is given.
	pendingPhrases = []string{
		"pending",
		"already queued",
		"already been queued",
		"in progress",
		"is being deleted",
		"deletion is already",
	}
)

// NewTranslator builds a Translator that also treats the extra phrases as
// "already queued" indicators.
func NewTranslator(extraPhrases ...string) Translator {
	phrases := append(append([]string(nil), pendingPhrases...), extraPhrases...)

	return func(err error) models.OperationOutcome {
		if err == nil {
			return models.SucceededOutcome()
		}

		msg := err.Error()

		var apiErr *directory.APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.Message
		}

		switch {
		case errors.Is(err, directory.ErrNotFound):
			return models.OperationOutcome{Found: true, Success: true, ErrorClass: models.ErrorClassAlreadyRemoved}
		case errors.Is(err, directory.ErrConflict):
			class := models.ErrorClassConflict
			if apiErr != nil && indicatesPending(apiErr.Code, msg, phrases) {
				class = models.ErrorClassAlreadyQueued
			}

			return models.OperationOutcome{Found: true, Success: true, ErrorClass: class, Message: msg}
		default:
			return models.OperationOutcome{Found: true, Success: false, ErrorClass: models.ErrorClassUnknown, Message: err.Error()}
		}
	}
}

// indicatesPending prefers the structured code and falls back to the message.
func indicatesPending(code, message string, phrases []string) bool {
	normalized := strings.ToLower(code)
	for _, c := range pendingCodes {
		if strings.Contains(normalized, c) {
			return true
		}
	}

	lower := strings.ToLower(message)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}

	return false
}

// DefaultTranslators returns the translators used for the graph services.
func DefaultTranslators() map[models.ServiceKind]Translator {
	return map[models.ServiceKind]Translator{
		models.ServiceManagement: NewTranslator("wipe action is already", "retire action is already"),
		models.ServiceRegistry:   NewTranslator("zero touch deletion", "device is already scheduled"),
		models.ServiceDirectory:  NewTranslator(),
	}
}
