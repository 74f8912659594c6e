// Copyright 2024 Bloomberg Finance L.P
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

// Package pathmap provides the lexical path transformations applied to
// command arguments and dependency paths before they are sent to a remote
// worker: prefix replacement, project-root relative rewriting and
// normalization.
package pathmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PrefixPair is a single entry of an ordered prefix replacement list.
type PrefixPair struct {
	From string
	To   string
}

// Mapper applies path rewriting rules derived from the configuration.
// The zero value performs no prefix replacement and no relative rewriting.
type Mapper struct {
	// PrefixMap is the ordered replacement list. The first matching entry
	// wins; the replacement is implicitly terminated by "/".
	PrefixMap []PrefixPair
	// ProjectRoot limits relative rewriting: only paths under it are made
	// relative to the working directory.
	ProjectRoot string
	// NoPathRewrite disables relative rewriting and normalization entirely.
	NoPathRewrite bool
}

// Normalize collapses ".", ".." and double-slash segments without touching
// the filesystem, using filepath.Clean: a leading ".." sequence is
// preserved and the result never gains a leading "./". The empty path
// stays empty.
func Normalize(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}

// HasPrefix returns true iff path equals prefix or starts with prefix
// followed by a path separator. The empty prefix never matches.
func HasPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if path == prefix {
		return true
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(path, prefix)
}

// HasAnyPrefix returns true if any of the given prefixes matches path.
func HasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ResolvePrefixMap applies the first matching replacement entry to path and
// normalizes the result. Paths that match no entry pass through unchanged.
func (m *Mapper) ResolvePrefixMap(path string) string {
	for _, pair := range m.PrefixMap {
		if HasPrefix(path, pair.From) {
			// The trailing slash keeps "/" as a valid replacement target;
			// doubled slashes are removed by normalization.
			return Normalize(pair.To + "/" + path[len(pair.From):])
		}
	}
	return path
}

// MakeRelative rewrites an absolute path to one relative to workingDirectory
// iff the path is under the configured project root. All other paths are
// returned unchanged.
func (m *Mapper) MakeRelative(path, workingDirectory string) string {
	if m.NoPathRewrite || !HasPrefix(path, m.ProjectRoot) {
		return path
	}
	rel, err := filepath.Rel(workingDirectory, path)
	if err != nil {
		return path
	}
	return rel
}

// ModifyForRemote is the canonical transformation for paths appearing in the
// remote command: prefix replacement, then relative rewriting, then
// normalization (unless disabled).
func (m *Mapper) ModifyForRemote(path, workingDirectory string) string {
	return m.modifyForRemote(path, workingDirectory, true)
}

// ModifyForRemoteNoNormalize is ModifyForRemote without the final
// normalization step. It is used for the executable path, where
// normalization could strip the distinguishing slash from "./gcc".
func (m *Mapper) ModifyForRemoteNoNormalize(path, workingDirectory string) string {
	return m.modifyForRemote(path, workingDirectory, false)
}

func (m *Mapper) modifyForRemote(path, workingDirectory string, normalize bool) string {
	replaced := m.ResolvePrefixMap(path)
	replaced = m.MakeRelative(replaced, workingDirectory)
	if normalize && !m.NoPathRewrite {
		replaced = Normalize(replaced)
	}
	return replaced
}

// ParentDirectoryLevels returns the maximum number of parent-directory
// levels the path escapes to, or 0 if it never leaves its starting
// directory.
func ParentDirectoryLevels(path string) int {
	currentLevel := 0
	lowestLevel := 0
	for _, segment := range strings.Split(path, "/") {
		switch segment {
		case "", ".":
			// Empty and dot segments don't change the level.
		case "..":
			currentLevel--
			if currentLevel < lowestLevel {
				lowestLevel = currentLevel
			}
		default:
			currentLevel++
		}
	}
	return -lowestLevel
}

// LastNSegments returns the last n path components joined by "/" with no
// trailing slash. It is an error to request more segments than the path
// contains.
func LastNSegments(path string, n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	trimmed := strings.TrimSuffix(path, "/")
	segments := []string{}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	if n > len(segments) {
		return "", fmt.Errorf("not enough segments in path %q to take %d", path, n)
	}
	return strings.Join(segments[len(segments)-n:], "/"), nil
}

// IsAbs reports whether the path is absolute.
func IsAbs(path string) bool {
	return strings.HasPrefix(path, "/")
}

// ResolveSymlink reads the target of the symlink at path, resolving a
// relative target against the symlink's own directory.
func ResolveSymlink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	if IsAbs(target) {
		return target, nil
	}
	return filepath.Join(filepath.Dir(path), target), nil
}
