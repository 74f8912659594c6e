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

package merkle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// decodeRoot looks up and unmarshals the root directory message.
func decodeRoot(t *testing.T, blobs map[digest.Digest][]byte, root digest.Digest) *repb.Directory {
	t.Helper()
	blob, ok := blobs[root]
	if !ok {
		t.Fatalf("root digest %v not in blob map", root)
	}
	dir := &repb.Directory{}
	if err := proto.Unmarshal(blob, dir); err != nil {
		t.Fatal(err)
	}
	return dir
}

func childDir(t *testing.T, blobs map[digest.Digest][]byte, parent *repb.Directory, name string) *repb.Directory {
	t.Helper()
	for _, node := range parent.Directories {
		if node.Name == name {
			dg, err := digest.NewFromProto(node.Digest)
			if err != nil {
				t.Fatal(err)
			}
			return decodeRoot(t, blobs, dg)
		}
	}
	t.Fatalf("directory %q not found in %v", name, parent)
	return nil
}

func TestSingleFileTree(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello.cpp", "int main() {}\n")

	tree := NewTree()
	if err := tree.AddFile(PathPair{Local: hello, Remote: "hello.cpp"}, &Options{}); err != nil {
		t.Fatal(err)
	}
	blobs := map[digest.Digest][]byte{}
	root, err := tree.Digest(blobs)
	if err != nil {
		t.Fatal(err)
	}

	rootDir := decodeRoot(t, blobs, root)
	if len(rootDir.Files) != 1 || rootDir.Files[0].Name != "hello.cpp" {
		t.Errorf("root = %v, want a single file hello.cpp", rootDir)
	}
	if len(rootDir.Directories) != 0 {
		t.Errorf("root has %d subdirectories, want 0", len(rootDir.Directories))
	}

	// The file bytes are referenced through the path map, not the blob map.
	paths := tree.FilePaths()
	if len(paths) != 1 {
		t.Fatalf("FilePaths has %d entries, want 1", len(paths))
	}
	for _, path := range paths {
		if path != hello {
			t.Errorf("FilePaths entry = %q, want %q", path, hello)
		}
	}
}

func TestWorkingDirectoryWrapsFile(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello.cpp", "")

	tree := NewTree()
	opts := &Options{WorkingDirectory: "recc-build"}
	if err := tree.AddFile(PathPair{Local: hello, Remote: "hello.cpp"}, opts); err != nil {
		t.Fatal(err)
	}
	blobs := map[digest.Digest][]byte{}
	root, err := tree.Digest(blobs)
	if err != nil {
		t.Fatal(err)
	}
	rootDir := decodeRoot(t, blobs, root)
	if len(rootDir.Directories) != 1 || rootDir.Directories[0].Name != "recc-build" {
		t.Fatalf("root = %v, want a single directory recc-build", rootDir)
	}
	sub := childDir(t, blobs, rootDir, "recc-build")
	if len(sub.Files) != 1 || sub.Files[0].Name != "hello.cpp" {
		t.Errorf("recc-build = %v, want a single file hello.cpp", sub)
	}
}

func TestDotDotSegmentsCreateIntermediateDirectories(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello.cpp", "")

	tree := NewTree()
	opts := &Options{}
	if err := tree.AddFile(PathPair{Local: hello, Remote: "foo/../hello.cpp"}, opts); err != nil {
		t.Fatal(err)
	}
	if err := tree.AddFile(PathPair{Local: hello, Remote: "foo/../bar/../hello.cpp"}, opts); err != nil {
		t.Fatal(err)
	}

	blobs := map[digest.Digest][]byte{}
	root, err := tree.Digest(blobs)
	if err != nil {
		t.Fatal(err)
	}
	rootDir := decodeRoot(t, blobs, root)

	// The normalized file sits at the root, with empty foo/ and bar/
	// alongside so the remote OS can resolve the unnormalized path.
	if len(rootDir.Files) != 1 || rootDir.Files[0].Name != "hello.cpp" {
		t.Errorf("root files = %v, want hello.cpp", rootDir.Files)
	}
	var names []string
	for _, node := range rootDir.Directories {
		names = append(names, node.Name)
	}
	if len(names) != 2 || names[0] != "bar" || names[1] != "foo" {
		t.Errorf("root directories = %v, want [bar foo]", names)
	}
	for _, name := range names {
		sub := childDir(t, blobs, rootDir, name)
		if len(sub.Files)+len(sub.Directories)+len(sub.Symlinks) != 0 {
			t.Errorf("directory %s not empty: %v", name, sub)
		}
	}
}

func TestAbsolutePathsExcludedWithoutGlobalPaths(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello.cpp", "")

	tree := NewTree()
	if err := tree.AddFile(PathPair{Local: hello, Remote: hello}, &Options{}); err != nil {
		t.Fatal(err)
	}
	blobs := map[digest.Digest][]byte{}
	root, err := tree.Digest(blobs)
	if err != nil {
		t.Fatal(err)
	}
	rootDir := decodeRoot(t, blobs, root)
	if len(rootDir.Files) != 0 || len(rootDir.Directories) != 0 {
		t.Errorf("absolute dependency was not excluded: %v", rootDir)
	}
}

func TestExcludePrefixes(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello.cpp", "")

	tree := NewTree()
	opts := &Options{ExcludePaths: []string{"vendor"}}
	if err := tree.AddFile(PathPair{Local: hello, Remote: "vendor/hello.cpp"}, opts); err != nil {
		t.Fatal(err)
	}
	blobs := map[digest.Digest][]byte{}
	root, err := tree.Digest(blobs)
	if err != nil {
		t.Fatal(err)
	}
	rootDir := decodeRoot(t, blobs, root)
	if len(rootDir.Files)+len(rootDir.Directories) != 0 {
		t.Errorf("excluded dependency was added: %v", rootDir)
	}
}

func TestDigestDeterministicUnderInsertionOrder(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.h", "a")
	b := writeFile(t, dir, "b.h", "b")
	c := writeFile(t, dir, "sub/c.h", "c")

	build := func(pairs []PathPair) digest.Digest {
		tree := NewTree()
		for _, pair := range pairs {
			if err := tree.AddFile(pair, &Options{}); err != nil {
				t.Fatal(err)
			}
		}
		blobs := map[digest.Digest][]byte{}
		root, err := tree.Digest(blobs)
		if err != nil {
			t.Fatal(err)
		}
		return root
	}

	forward := build([]PathPair{
		{Local: a, Remote: "a.h"}, {Local: b, Remote: "b.h"}, {Local: c, Remote: "sub/c.h"},
	})
	reverse := build([]PathPair{
		{Local: c, Remote: "sub/c.h"}, {Local: b, Remote: "b.h"}, {Local: a, Remote: "a.h"},
	})
	if forward != reverse {
		t.Errorf("root digest depends on insertion order: %v vs %v", forward, reverse)
	}
}

func TestEmptyTreeDigest(t *testing.T) {
	tree := NewTree()
	blobs := map[digest.Digest][]byte{}
	root, err := tree.Digest(blobs)
	if err != nil {
		t.Fatal(err)
	}
	if root.Size != 0 {
		t.Errorf("empty tree root digest size = %d, want 0", root.Size)
	}
}

func TestSymlinkNode(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "target.h", "")
	link := filepath.Join(dir, "link.h")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	tree := NewTree()
	tree.AddSymlink(PathPair{Local: link, Remote: "link.h"}, &Options{})
	// Non-existent symlinks are silently skipped.
	tree.AddSymlink(PathPair{Local: filepath.Join(dir, "missing"), Remote: "missing"}, &Options{})

	blobs := map[digest.Digest][]byte{}
	root, err := tree.Digest(blobs)
	if err != nil {
		t.Fatal(err)
	}
	rootDir := decodeRoot(t, blobs, root)
	if len(rootDir.Symlinks) != 1 || rootDir.Symlinks[0].Name != "link.h" || rootDir.Symlinks[0].Target != target {
		t.Errorf("symlinks = %v, want link.h -> %s", rootDir.Symlinks, target)
	}
}
