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
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/writeit/writeit/pkg/errors"
)

func testWorkspace(t *testing.T) *Workspace {
	t.Helper()
	r := newTestRegistry(t)
	ws, err := r.Get(DefaultName)
	require.NoError(t, err)
	return ws
}

func TestResolvePathInside(t *testing.T) {
	ws := testWorkspace(t)

	tests := []string{
		"templates/article.yaml",
		"storage/data.db",
		"cache",
		".",
		"a/b/../c",
	}
	for _, rel := range tests {
		resolved, err := ws.ResolvePath(rel)
		require.NoError(t, err, "path %q", rel)
		contained, err := ContainsPath(ws.Root, resolved)
		require.NoError(t, err)
		assert.True(t, contained, "path %q resolved outside the root", rel)
	}
}

func TestResolvePathEscapes(t *testing.T) {
	ws := testWorkspace(t)

	tests := []string{
		"..",
		"../other",
		"templates/../../other",
		"/etc/passwd",
	}
	for _, rel := range tests {
		_, err := ws.ResolvePath(rel)
		require.Error(t, err, "path %q", rel)

		var ierr *errors.IsolationError
		assert.ErrorAs(t, err, &ierr, "path %q", rel)
	}
}

func TestCheckPath(t *testing.T) {
	ws := testWorkspace(t)

	assert.NoError(t, ws.CheckPath(filepath.Join(ws.Root, "templates")))
	assert.Error(t, ws.CheckPath(filepath.Dir(ws.Root)))
}

func TestContainsPathSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated rights on windows")
	}
	ws := testWorkspace(t)

	outside := t.TempDir()
	link := filepath.Join(ws.Root, "sneaky")
	require.NoError(t, os.Symlink(outside, link))

	contained, err := ContainsPath(ws.Root, filepath.Join(link, "file.txt"))
	require.NoError(t, err)
	assert.False(t, contained, "symlink to an outside directory must not count as contained")
}

func TestContainsPathNonExistent(t *testing.T) {
	ws := testWorkspace(t)

	// Paths that do not exist yet are judged by their existing ancestors.
	contained, err := ContainsPath(ws.Root, filepath.Join(ws.Root, "not", "yet", "created.txt"))
	require.NoError(t, err)
	assert.True(t, contained)
}
