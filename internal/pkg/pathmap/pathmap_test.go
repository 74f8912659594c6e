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

package pathmap

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a/b/c", "a/b/c"},
		{"a//b///c", "a/b/c"},
		{"a/./b", "a/b"},
		{"a/b/../c", "a/c"},
		{"foo/../hello.cpp", "hello.cpp"},
		{"../a", "../a"},
		{"/a/b/..", "/a"},
		{"", ""},
	}
	for _, test := range tests {
		got := Normalize(test.path)
		if got != test.want {
			t.Errorf("Normalize(%q) = %q, want %q", test.path, got, test.want)
		}
		// Normalization is idempotent.
		if again := Normalize(got); again != got {
			t.Errorf("Normalize(Normalize(%q)) = %q, want %q", test.path, again, got)
		}
	}
}

func TestHasPrefix(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"/foo/bar", "/foo", true},
		{"/foo", "/foo", true},
		{"/foobar", "/foo", false},
		{"/foo/bar", "", false},
		{"/foo/bar", "/foo/", true},
		{"relative/path", "relative", true},
	}
	for _, test := range tests {
		if got := HasPrefix(test.path, test.prefix); got != test.want {
			t.Errorf("HasPrefix(%q, %q) = %v, want %v", test.path, test.prefix, got, test.want)
		}
	}
}

func TestResolvePrefixMap(t *testing.T) {
	m := &Mapper{PrefixMap: []PrefixPair{
		{From: "/usr/local", To: "/opt"},
		{From: "/usr", To: "/x"},
	}}
	tests := []struct {
		path string
		want string
	}{
		{"/usr/local/lib", "/opt/lib"},
		{"/usr/lib", "/x/lib"},
		// First match wins even when a later entry also matches.
		{"/usr/local", "/opt"},
		{"/home/user", "/home/user"},
	}
	for _, test := range tests {
		if got := m.ResolvePrefixMap(test.path); got != test.want {
			t.Errorf("ResolvePrefixMap(%q) = %q, want %q", test.path, got, test.want)
		}
	}
}

func TestMakeRelative(t *testing.T) {
	m := &Mapper{ProjectRoot: "/home/project"}
	tests := []struct {
		name string
		path string
		cwd  string
		want string
	}{
		{name: "under root", path: "/home/project/src/a.cpp", cwd: "/home/project/src", want: "a.cpp"},
		{name: "sibling dir", path: "/home/project/include/a.h", cwd: "/home/project/src", want: "../include/a.h"},
		{name: "outside root", path: "/usr/include/stdio.h", cwd: "/home/project/src", want: "/usr/include/stdio.h"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := m.MakeRelative(test.path, test.cwd); got != test.want {
				t.Errorf("MakeRelative(%q, %q) = %q, want %q", test.path, test.cwd, got, test.want)
			}
		})
	}
}

func TestMakeRelativeDisabled(t *testing.T) {
	m := &Mapper{ProjectRoot: "/home/project", NoPathRewrite: true}
	path := "/home/project/src/a.cpp"
	if got := m.MakeRelative(path, "/home/project/src"); got != path {
		t.Errorf("MakeRelative with rewriting disabled = %q, want %q", got, path)
	}
}

func TestModifyForRemoteIdempotent(t *testing.T) {
	// With no project root and no prefix map, the transformation is a
	// no-op beyond normalization and therefore idempotent.
	m := &Mapper{}
	for _, path := range []string{"hello.cpp", "/usr/include/stdio.h", "a/./b", "../up"} {
		once := m.ModifyForRemote(path, "/cwd")
		twice := m.ModifyForRemote(once, "/cwd")
		if once != twice {
			t.Errorf("ModifyForRemote not idempotent for %q: %q then %q", path, once, twice)
		}
	}
}

func TestModifyForRemoteRelativeUnderProjectRoot(t *testing.T) {
	m := &Mapper{ProjectRoot: "/proj"}
	got := m.ModifyForRemote("/proj/lib/a.o", "/proj/build")
	if strings.HasPrefix(got, "/") {
		t.Errorf("ModifyForRemote returned absolute path %q for path under project root", got)
	}
	if got != "../lib/a.o" {
		t.Errorf("ModifyForRemote = %q, want %q", got, "../lib/a.o")
	}
}

func TestParentDirectoryLevels(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"a/b/c", 0},
		{"..", 1},
		{"../..", 2},
		{"a/../..", 1},
		{"../a/..", 1},
		{"../../a/b", 2},
		{"./a", 0},
		{"a/../b/../..", 1},
	}
	for _, test := range tests {
		if got := ParentDirectoryLevels(test.path); got != test.want {
			t.Errorf("ParentDirectoryLevels(%q) = %d, want %d", test.path, got, test.want)
		}
	}
}

func TestLastNSegments(t *testing.T) {
	tests := []struct {
		path    string
		n       int
		want    string
		wantErr bool
	}{
		{"/a/b/c", 0, "", false},
		{"/a/b/c", 1, "c", false},
		{"/a/b/c", 2, "b/c", false},
		{"/a/b/c", 3, "a/b/c", false},
		{"/a/b/c", 4, "", true},
		{"/a/b/c/", 1, "c", false},
		{"single", 1, "single", false},
		{"single", 2, "", true},
	}
	for _, test := range tests {
		got, err := LastNSegments(test.path, test.n)
		if (err != nil) != test.wantErr {
			t.Errorf("LastNSegments(%q, %d) error = %v, wantErr %v", test.path, test.n, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("LastNSegments(%q, %d) = %q, want %q", test.path, test.n, got, test.want)
		}
	}
}
