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
	"os"
	"path/filepath"
	"strings"

	"github.com/writeit/writeit/pkg/errors"
)

// ResolvePath joins rel against the workspace root and proves, by canonical
// path comparison, that the result stays under the root. A path that escapes
// fails with IsolationError; such failures are never retried.
func (w *Workspace) ResolvePath(rel string) (string, error) {
	candidate := rel
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.Root, rel)
	}

	contained, err := ContainsPath(w.Root, candidate)
	if err != nil {
		return "", err
	}
	if !contained {
		return "", &errors.IsolationError{Workspace: w.Name, Path: rel}
	}
	return filepath.Clean(candidate), nil
}

// CheckPath verifies an already-derived path belongs to this workspace.
func (w *Workspace) CheckPath(path string) error {
	contained, err := ContainsPath(w.Root, path)
	if err != nil {
		return err
	}
	if !contained {
		return &errors.IsolationError{Workspace: w.Name, Path: path}
	}
	return nil
}

// ContainsPath reports whether path is root or a descendant of root after
// canonicalization. Symlinks are resolved for the portions of each path that
// exist, so a link pointing outside the root cannot smuggle a path in.
func ContainsPath(root, path string) (bool, error) {
	canonRoot, err := canonicalize(root)
	if err != nil {
		return false, err
	}
	canonPath, err := canonicalize(path)
	if err != nil {
		return false, err
	}

	if canonPath == canonRoot {
		return true, nil
	}
	return strings.HasPrefix(canonPath, canonRoot+string(filepath.Separator)), nil
}

// canonicalize makes a path absolute, cleans it, and resolves symlinks for
// its longest existing ancestor.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	// Walk up to the deepest existing ancestor, resolve that, and re-attach
	// the non-existing suffix.
	existing := abs
	var suffix []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		suffix = append([]string{filepath.Base(existing)}, suffix...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		resolved = existing
	}
	if len(suffix) > 0 {
		resolved = filepath.Join(append([]string{resolved}, suffix...)...)
	}
	return resolved, nil
}
