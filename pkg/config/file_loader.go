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

package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var errUnsupportedFormat = errors.New("unsupported config file format")

// FileConfigLoader loads configuration from a local JSON, YAML or TOML file,
// chosen by extension.
type FileConfigLoader struct{}

// Load implements ConfigLoader by reading and decoding the file.
func (*FileConfigLoader) Load(_ context.Context, path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file '%s': %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		err = json.Unmarshal(data, dst)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)

		err = dec.Decode(dst)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	case ".toml":
		var md toml.MetaData

		md, err = toml.Decode(string(data), dst)
		if err == nil {
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("unknown keys %v", undecoded)
			}
		}
	default:
		return fmt.Errorf("%w: %q", errUnsupportedFormat, ext)
	}

	if err != nil {
		return fmt.Errorf("failed to decode '%s': %w", path, err)
	}

	return nil
}
