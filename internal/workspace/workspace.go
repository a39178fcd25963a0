// Copyright 2026 The WriteIt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workspace manages named isolation units. Each workspace owns a
// root directory holding its templates, storage, and cache; every path the
// engine derives for a workspace is proven to stay under that root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrWorkspaceExists indicates a create with a duplicate name.
	ErrWorkspaceExists = errors.New("workspace already exists")

	// ErrWorkspaceActive indicates a remove of the active workspace.
	ErrWorkspaceActive = errors.New("workspace is active")

	// ErrWorkspaceNotFound indicates the named workspace is not registered.
	ErrWorkspaceNotFound = errors.New("workspace not found")
)

// DefaultName is the workspace seeded by Initialize.
const DefaultName = "default"

// ConfigFileName is the per-workspace configuration file.
const ConfigFileName = "config.yaml"

// Config is the per-workspace configuration record, stored as YAML in the
// workspace root.
type Config struct {
	// DefaultModel is used when a step declares no model preference.
	DefaultModel string `yaml:"default_model,omitempty"`

	// CacheTTLSeconds is the default TTL for LLM cache entries.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds,omitempty"`

	// MapSizeBytes is the storage engine's memory-map budget.
	MapSizeBytes int64 `yaml:"map_size_bytes,omitempty"`

	// Metadata holds free-form workspace settings.
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// Workspace is a handle to one isolation unit.
type Workspace struct {
	// Name is the registry key for this workspace.
	Name string

	// Root is the absolute root directory.
	Root string

	// Config is the parsed per-workspace configuration.
	Config Config
}

// TemplatesDir returns the workspace's template directory.
func (w *Workspace) TemplatesDir() string {
	return filepath.Join(w.Root, "templates")
}

// StorageDir returns the workspace's storage directory.
func (w *Workspace) StorageDir() string {
	return filepath.Join(w.Root, "storage")
}

// CacheDir returns the workspace's on-disk cache directory.
func (w *Workspace) CacheDir() string {
	return filepath.Join(w.Root, "cache")
}

// loadConfig reads config.yaml from the workspace root. A missing file
// yields the zero config.
func loadConfig(root string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Join(root, ConfigFileName))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read workspace config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse workspace config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the workspace's configuration back to config.yaml.
func (w *Workspace) SaveConfig() error {
	data, err := yaml.Marshal(w.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal workspace config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.Root, ConfigFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write workspace config: %w", err)
	}
	return nil
}

// validName rejects names that could escape the home directory or collide
// with path syntax.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("workspace name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("workspace name %q contains path separators", name)
	}
	return nil
}
