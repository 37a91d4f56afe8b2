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

package logger

import (
	"io"

	"github.com/rs/zerolog"
)

type Logger interface {
	Trace() *zerolog.Event
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
	Fatal() *zerolog.Event
	With() zerolog.Context
	WithComponent(component string) Logger
	SetLevel(level zerolog.Level)
	SetDebug(debug bool)
}

// New wraps an existing zerolog logger.
func New(zl zerolog.Logger) Logger {
	return &instance{logger: zl}
}

// NewWriter builds a Logger that writes JSON to w at the given level.
func NewWriter(w io.Writer, level zerolog.Level) Logger {
	return &instance{logger: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

type instance struct {
	logger zerolog.Logger
}

func (l *instance) Trace() *zerolog.Event { return l.logger.Trace() }
func (l *instance) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *instance) Info() *zerolog.Event  { return l.logger.Info() }
func (l *instance) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *instance) Error() *zerolog.Event { return l.logger.Error() }
func (l *instance) Fatal() *zerolog.Event { return l.logger.Fatal() }
func (l *instance) With() zerolog.Context { return l.logger.With() }

func (l *instance) WithComponent(component string) Logger {
	return &instance{logger: l.logger.With().Str("component", component).Logger()}
}

func (l *instance) SetLevel(level zerolog.Level) {
	l.logger = l.logger.Level(level)
}

func (l *instance) SetDebug(debug bool) {
	if debug {
		l.SetLevel(zerolog.DebugLevel)
	} else {
		l.SetLevel(zerolog.InfoLevel)
	}
}

// NewTestLogger creates a no-op logger for testing that discards all output
func NewTestLogger() Logger {
	return &instance{logger: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}
