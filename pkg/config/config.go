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

// Package config loads fleetreconcile configuration from files and the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/carverauto/fleetreconcile/pkg/logger"
)

var (
	errInvalidConfigSource = errors.New("invalid CONFIG_SOURCE value")
	errInvalidConfigPtr    = errors.New("config must be a non-nil pointer")
)

const (
	configSourceFile = "file"
	configSourceEnv  = "env"

	// DefaultEnvPrefix is prepended to every environment override.
	DefaultEnvPrefix = "FLEETRECONCILE_"
)

// ConfigLoader fills dst from one source.
type ConfigLoader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// Validator is implemented by configs that can check themselves after loading.
type Validator interface {
	Validate() error
}

// Config holds the configuration loading dependencies.
type Config struct {
	fileLoader ConfigLoader
	envLoader  *EnvConfigLoader
	logger     logger.Logger
}

// NewConfig initializes a new Config instance with a file loader and an env overlay.
// If logger is nil, a warn-level stderr logger is used.
func NewConfig(log logger.Logger) *Config {
	if log == nil {
		log = logger.New(zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger())
	}

	prefix := os.Getenv("CONFIG_ENV_PREFIX")
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	return &Config{
		fileLoader: &FileConfigLoader{},
		envLoader:  NewEnvConfigLoader(log, prefix),
		logger:     log,
	}
}

// ValidateConfig validates a configuration if it implements Validator.
func ValidateConfig(cfg interface{}) error {
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}

	return v.Validate()
}

// LoadAndValidate loads cfg from path (when set), applies environment
// overrides and validates the result. Values already present in cfg act as defaults.
//
// CONFIG_SOURCE=env skips the file entirely.
func (c *Config) LoadAndValidate(ctx context.Context, path string, cfg interface{}) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return errInvalidConfigPtr
	}

	source := strings.ToLower(os.Getenv("CONFIG_SOURCE"))

	switch source {
	case configSourceFile, "":
		if path != "" {
			if err := c.fileLoader.Load(ctx, path, cfg); err != nil {
				return err
			}

			c.logger.Debug().Str("path", path).Msg("Loaded configuration file")
		}
	case configSourceEnv:
	default:
		return fmt.Errorf("%w: %s (expected '%s' or '%s')",
			errInvalidConfigSource, source, configSourceFile, configSourceEnv)
	}

	if err := c.envLoader.Load(ctx, path, cfg); err != nil {
		return err
	}

	return ValidateConfig(cfg)
}
