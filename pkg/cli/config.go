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

package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/metrics"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/sink"
)

const (
	defaultMaxWait      = 10 * time.Minute
	defaultPollInterval = 30 * time.Second
	defaultWipeMaxWait  = 30 * time.Minute
	defaultTimeout      = 60 * time.Second
	defaultTokenTTL     = 45 * time.Minute
	defaultWorkers      = 4
)

var (
	errMissingCredentials = errors.New("graph credentials missing: set access_token or tenant_id, client_id and client_secret")
	errInvalidWorkers     = errors.New("workers must be at least 1")
	errInvalidDuration    = errors.New("durations must be positive")
)

// GraphConfig selects the endpoint and how to authenticate against it.
type GraphConfig struct {
	BaseURL        string                         `json:"base_url" yaml:"base_url" toml:"base_url"`
	TenantID       string                         `json:"tenant_id" yaml:"tenant_id" toml:"tenant_id"`
	ClientID       string                         `json:"client_id" yaml:"client_id" toml:"client_id"`
	ClientSecret   string                         `json:"client_secret" yaml:"client_secret" toml:"client_secret" sensitive:"true"`
	AccessToken    string                         `json:"access_token" yaml:"access_token" toml:"access_token" sensitive:"true"`
	Authority      string                         `json:"authority" yaml:"authority" toml:"authority"`
	Scopes         []string                       `json:"scopes" yaml:"scopes" toml:"scopes"`
	Timeout        models.Duration                `json:"timeout" yaml:"timeout" toml:"timeout"`
	TokenTTL       models.Duration                `json:"token_ttl" yaml:"token_ttl" toml:"token_ttl"`
	PageSize       int                            `json:"page_size" yaml:"page_size" toml:"page_size"`
	SerialIDPrefix string                         `json:"serial_id_prefix" yaml:"serial_id_prefix" toml:"serial_id_prefix"`
	CircuitBreaker directory.CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker" toml:"circuit_breaker"`
}

// VerificationConfig bounds the removal and wipe polling loops.
type VerificationConfig struct {
	MaxWait      models.Duration `json:"max_wait" yaml:"max_wait" toml:"max_wait"`
	PollInterval models.Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	WipeMaxWait  models.Duration `json:"wipe_max_wait" yaml:"wipe_max_wait" toml:"wipe_max_wait"`
}

// ExportConfig sets a default CSV export path for runs.
type ExportConfig struct {
	Path string `json:"path" yaml:"path" toml:"path"`
}

// Config is the application configuration.
type Config struct {
	Graph        GraphConfig         `json:"graph" yaml:"graph" toml:"graph"`
	Verification VerificationConfig  `json:"verification" yaml:"verification" toml:"verification"`
	Workers      int                 `json:"workers" yaml:"workers" toml:"workers"`
	Logging      *logger.Config      `json:"logging" yaml:"logging" toml:"logging"`
	Metrics      metrics.Config      `json:"metrics" yaml:"metrics" toml:"metrics"`
	Tracing      logger.OTelConfig   `json:"tracing" yaml:"tracing" toml:"tracing"`
	NATS         sink.NATSConfig     `json:"nats" yaml:"nats" toml:"nats"`
	Postgres     sink.PostgresConfig `json:"postgres" yaml:"postgres" toml:"postgres"`
	Export       ExportConfig        `json:"export" yaml:"export" toml:"export"`
}

// DefaultConfig returns the values used when neither file nor environment set them.
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			BaseURL:        directory.DefaultBaseURL,
			Timeout:        models.Duration(defaultTimeout),
			TokenTTL:       models.Duration(defaultTokenTTL),
			CircuitBreaker: directory.DefaultCircuitBreakerConfig(),
		},
		Verification: VerificationConfig{
			MaxWait:      models.Duration(defaultMaxWait),
			PollInterval: models.Duration(defaultPollInterval),
			WipeMaxWait:  models.Duration(defaultWipeMaxWait),
		},
		Workers: defaultWorkers,
		Logging: logger.DefaultConfig(),
	}
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	var errs []error

	g := c.Graph
	if strings.TrimSpace(g.AccessToken) == "" &&
		(strings.TrimSpace(g.TenantID) == "" || strings.TrimSpace(g.ClientID) == "" || g.ClientSecret == "") {
		errs = append(errs, errMissingCredentials)
	}

	if c.Workers < 1 {
		errs = append(errs, errInvalidWorkers)
	}

	for name, d := range map[string]models.Duration{
		"graph.timeout":              g.Timeout,
		"verification.max_wait":      c.Verification.MaxWait,
		"verification.poll_interval": c.Verification.PollInterval,
		"verification.wipe_max_wait": c.Verification.WipeMaxWait,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s", errInvalidDuration, name))
		}
	}

	return errors.Join(errs...)
}
