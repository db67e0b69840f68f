// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hcpcfg loads the shared HCP workload configuration.
//
// The configuration is a single JSON (or YAML) document addressed by
// HCP_CONFIG_FILE. Services and the supervisor share one document; each
// consumer narrows its view with a scope path (HCP_CONFIG_SCOPE, or
// Shrink). The document is run through the vars/files expander on load, so
// configs can factor out common values and include other files.
package hcpcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/hcp/internal/errors"
	"github.com/kraklabs/hcp/pkg/jsonexpand"
	"github.com/kraklabs/hcp/pkg/jsonpath"
)

const (
	// EnvConfigFile and EnvConfigScope locate the shared config document
	// and the caller's scope within it. They are always preserved across the
	// privilege-separation boundary, along with PATH, VERBOSE and HOME.
	EnvConfigFile  = "HCP_CONFIG_FILE"
	EnvConfigScope = "HCP_CONFIG_SCOPE"
)

// Config is a loaded configuration document narrowed to a scope.
type Config struct {
	doc   any
	scope string
	path  string
}

// Load reads and expands the config document at configPath, falling back to
// HCP_CONFIG_FILE when configPath is empty. The initial scope comes from
// HCP_CONFIG_SCOPE (default ".").
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv(EnvConfigFile)
	}
	if configPath == "" {
		return nil, errors.NewConfigError(
			"No configuration file",
			"HCP_CONFIG_FILE is not set and no --config was given",
			"Point HCP_CONFIG_FILE at the workload's JSON config",
			nil,
		)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.NewConfigError(
			"Cannot read configuration file",
			fmt.Sprintf("Failed to read %s", configPath),
			"Check file permissions and ensure the file exists",
			err,
		)
	}

	doc, err := decode(configPath, data)
	if err != nil {
		return nil, err
	}

	// Expansion lets configs carry vars/files sections.
	doc, err = jsonexpand.Process(nil, doc)
	if err != nil {
		return nil, errors.NewConfigError(
			"Configuration expansion failed",
			err.Error(),
			fmt.Sprintf("Check the vars/files sections in %s", configPath),
			err,
		)
	}

	scope := os.Getenv(EnvConfigScope)
	if scope == "" {
		scope = "."
	}
	cfg := &Config{doc: doc, scope: ".", path: configPath}
	return cfg.Shrink(scope)
}

// decode parses JSON, or YAML normalised to JSON types.
func decode(path string, data []byte) (any, error) {
	var doc any
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		var ydoc any
		if err := yaml.Unmarshal(data, &ydoc); err != nil {
			return nil, errors.NewConfigError(
				"Invalid configuration format",
				fmt.Sprintf("YAML parsing of %s failed", path),
				"Fix the syntax errors reported by the parser",
				err,
			)
		}
		// Round-trip through JSON so that numbers and nested maps come
		// out as the map[string]any/float64 family the rest of the code
		// expects.
		enc, err := json.Marshal(ydoc)
		if err != nil {
			return nil, errors.NewConfigError(
				"Invalid configuration document",
				fmt.Sprintf("%s does not reduce to JSON", path),
				"Config documents must be JSON-shaped (string keys only)",
				err,
			)
		}
		data = enc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewConfigError(
			"Invalid configuration format",
			fmt.Sprintf("JSON parsing of %s failed", path),
			"Fix the syntax errors reported by the parser",
			err,
		)
	}
	return doc, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Scope returns the current scope path.
func (c *Config) Scope() string {
	return c.scope
}

// Shrink returns a view of the config narrowed by sub (relative to the
// current scope). The scoped value must exist.
func (c *Config) Shrink(sub string) (*Config, error) {
	scope := joinPath(c.scope, sub)
	if _, err := jsonpath.MustExtract(c.doc, scope); err != nil {
		return nil, errors.NewConfigError(
			"Configuration scope not found",
			fmt.Sprintf("No value at %q in %s", scope, c.path),
			"Check HCP_CONFIG_SCOPE against the config document",
			err,
		)
	}
	return &Config{doc: c.doc, scope: scope, path: c.path}, nil
}

// Extract returns the value at path relative to the scope, plus whether it
// was present.
func (c *Config) Extract(path string) (any, bool, error) {
	return jsonpath.Extract(c.doc, joinPath(c.scope, path))
}

// MustExtract is Extract for required settings.
func (c *Config) MustExtract(path string) (any, error) {
	v, ok, err := c.Extract(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewConfigError(
			"Missing configuration setting",
			fmt.Sprintf("No value at %q (scope %q) in %s", path, c.scope, c.path),
			"Add the setting to the config document",
			nil,
		)
	}
	return v, nil
}

// String returns a required string setting.
func (c *Config) String(path string) (string, error) {
	v, err := c.MustExtract(path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("setting %q is not a string", path)
	}
	return s, nil
}

// StringOr returns a string setting with a fallback.
func (c *Config) StringOr(path, fallback string) (string, error) {
	v, ok, err := c.Extract(path)
	if err != nil {
		return "", err
	}
	if !ok || v == nil {
		return fallback, nil
	}
	s, sok := v.(string)
	if !sok {
		return "", fmt.Errorf("setting %q is not a string", path)
	}
	return s, nil
}

// BoolOr returns a boolean setting with a fallback.
func (c *Config) BoolOr(path string, fallback bool) (bool, error) {
	v, ok, err := c.Extract(path)
	if err != nil {
		return false, err
	}
	if !ok || v == nil {
		return fallback, nil
	}
	b, bok := v.(bool)
	if !bok {
		return false, fmt.Errorf("setting %q is not a boolean", path)
	}
	return b, nil
}

// Object returns an object-valued setting, or an empty object when absent.
func (c *Config) Object(path string) (map[string]any, error) {
	v, ok, err := c.Extract(path)
	if err != nil {
		return nil, err
	}
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	m, mok := v.(map[string]any)
	if !mok {
		return nil, fmt.Errorf("setting %q is not an object", path)
	}
	return m, nil
}

// StringsOr returns a list-of-strings setting with a fallback. A plain
// string is accepted as a single-element list.
func (c *Config) StringsOr(path string, fallback []string) ([]string, error) {
	v, ok, err := c.Extract(path)
	if err != nil {
		return nil, err
	}
	if !ok || v == nil {
		return fallback, nil
	}
	switch vv := v.(type) {
	case string:
		return []string{vv}, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, sok := e.(string)
			if !sok {
				return nil, fmt.Errorf("setting %q contains a non-string entry", path)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("setting %q is not a string or list", path)
}

// joinPath combines a scope path with a relative path. Paths without a
// leading '.' are tolerated.
func joinPath(scope, rel string) string {
	if rel != "" && !strings.HasPrefix(rel, ".") {
		rel = "." + rel
	}
	if rel == "" || rel == "." {
		return scope
	}
	if scope == "" || scope == "." {
		return rel
	}
	return scope + rel
}

// GetEnv retrieves an environment variable or returns a fallback value if
// not set.
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
