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

package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// RegistryFileName is the registry file in the home directory.
const RegistryFileName = "workspaces.yaml"

// registryDoc is the on-disk shape of the registry file.
type registryDoc struct {
	Active     string            `yaml:"active"`
	Workspaces map[string]string `yaml:"workspaces"`
}

// Registry is the process-wide set of workspaces. It persists its state in
// <home>/workspaces.yaml and guarantees exactly one active workspace.
type Registry struct {
	home   string
	logger *slog.Logger

	mu         sync.Mutex
	workspaces map[string]string
	active     string
}

// NewRegistry creates a registry rooted at home. Call Initialize before use.
func NewRegistry(home string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		home:       home,
		logger:     logger.With("component", "workspace"),
		workspaces: make(map[string]string),
	}
}

// Initialize creates the home directory, loads the registry file, and seeds
// the default workspace. Idempotent: running it again is a no-op.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.home, 0o755); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}
	if err := r.load(); err != nil {
		return err
	}

	if _, ok := r.workspaces[DefaultName]; !ok {
		if _, err := r.createLocked(DefaultName); err != nil && !errors.Is(err, ErrWorkspaceExists) {
			return err
		}
	}
	if r.active == "" {
		r.active = DefaultName
	}
	return r.persist()
}

// Create registers a new workspace and lays out its directories.
func (r *Registry) Create(name string) (*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, err := r.createLocked(name)
	if err != nil {
		return nil, err
	}
	if err := r.persist(); err != nil {
		return nil, err
	}
	r.logger.Info("workspace created", "workspace", name, "root", ws.Root)
	return ws, nil
}

func (r *Registry) createLocked(name string) (*Workspace, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if _, ok := r.workspaces[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceExists, name)
	}

	root := filepath.Join(r.home, name)
	for _, dir := range []string{root, filepath.Join(root, "templates"), filepath.Join(root, "storage"), filepath.Join(root, "cache")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace layout: %w", err)
		}
	}

	ws := &Workspace{Name: name, Root: root}
	if err := ws.SaveConfig(); err != nil {
		return nil, err
	}
	r.workspaces[name] = root
	return ws, nil
}

// Remove deletes a workspace's directory and registry entry. The active
// workspace cannot be removed.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	root, ok := r.workspaces[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, name)
	}
	if name == r.active {
		return fmt.Errorf("%w: %s", ErrWorkspaceActive, name)
	}

	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to delete workspace directory: %w", err)
	}
	delete(r.workspaces, name)
	if err := r.persist(); err != nil {
		return err
	}
	r.logger.Info("workspace removed", "workspace", name)
	return nil
}

// SetActive switches the process-wide active workspace.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workspaces[name]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, name)
	}
	r.active = name
	return r.persist()
}

// Active returns the currently active workspace.
func (r *Registry) Active() (*Workspace, error) {
	r.mu.Lock()
	name := r.active
	r.mu.Unlock()
	if name == "" {
		return nil, fmt.Errorf("%w: no active workspace", ErrWorkspaceNotFound)
	}
	return r.Get(name)
}

// Get returns a handle to a registered workspace, loading its config.
func (r *Registry) Get(name string) (*Workspace, error) {
	r.mu.Lock()
	root, ok := r.workspaces[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, name)
	}

	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	return &Workspace{Name: name, Root: root, Config: cfg}, nil
}

// PathFor returns the absolute root for a workspace.
func (r *Registry) PathFor(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	root, ok := r.workspaces[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkspaceNotFound, name)
	}
	return root, nil
}

// List returns the registered workspace names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.workspaces))
	for name := range r.workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// load reads the registry file. A missing file yields an empty registry.
func (r *Registry) load() error {
	data, err := os.ReadFile(filepath.Join(r.home, RegistryFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read registry file: %w", err)
	}

	var doc registryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse registry file: %w", err)
	}
	if doc.Workspaces != nil {
		r.workspaces = doc.Workspaces
	}
	r.active = doc.Active
	return nil
}

// persist writes the registry file. Caller holds the lock.
func (r *Registry) persist() error {
	doc := registryDoc{Active: r.active, Workspaces: r.workspaces}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.home, RegistryFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	return nil
}
