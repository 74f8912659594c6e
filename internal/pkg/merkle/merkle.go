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

// Package merkle builds the content-addressed input root of an action: a
// tree of REAPI Directory messages assembled from the resolved dependency
// set and serialized bottom-up into a digest-keyed blob map.
package merkle

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/bloomberg/recc/internal/pkg/pathmap"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/karrick/godirwalk"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	log "github.com/golang/glog"
)

// singleThreadThreshold is the work-item count below which parallel
// insertion isn't worth the bookkeeping.
const singleThreadThreshold = 50

// PathPair maps a local filesystem path to its rewritten remote path.
type PathPair struct {
	Local  string
	Remote string
}

// Tree is a nested directory under construction. Child names are kept
// unsorted until serialization, which restores determinism regardless of
// insertion order.
type Tree struct {
	mu       sync.Mutex
	files    map[string]*repb.FileNode
	symlinks map[string]string
	subdirs  map[string]*Tree

	// pathsMu guards the digest-to-local-path map shared by all workers.
	pathsMu sync.Mutex
	paths   map[digest.Digest]string
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		files:    map[string]*repb.FileNode{},
		symlinks: map[string]string{},
		subdirs:  map[string]*Tree{},
		paths:    map[digest.Digest]string{},
	}
}

// Options configures tree construction.
type Options struct {
	// WorkingDirectory is the remote working directory prepended to
	// relative paths.
	WorkingDirectory string
	// ReportGlobalPaths allows absolute paths into the tree.
	ReportGlobalPaths bool
	// ExcludePaths drops any dependency matching one of these prefixes.
	ExcludePaths []string
	// MaxThreads bounds the insertion worker count: -1 means hardware
	// concurrency, 0 means 1.
	MaxThreads int
}

// merklePath rewrites a dependency path into its in-tree form, creating
// intermediate directories for embedded ".." segments, and returns "" for
// excluded paths.
func (t *Tree) merklePath(path string, opts *Options) string {
	merklePath := path
	if !pathmap.IsAbs(merklePath) && opts.WorkingDirectory != "" {
		merklePath = opts.WorkingDirectory + "/" + merklePath
	}

	// If the path contains ".." segments, the directories preceding each
	// one must exist in the tree, or the remote OS will fail to resolve
	// the non-normalized path with ENOENT.
	pos := 0
	for {
		dotdot := strings.Index(merklePath[pos:], "/../")
		if dotdot < 0 {
			break
		}
		dotdot += pos
		if dotdot != pos {
			// A ".." segment follows a segment that isn't "..".
			t.AddDirectory(pathmap.Normalize(merklePath[:dotdot]))
		}
		pos = dotdot + len("/..")
	}

	merklePath = pathmap.Normalize(merklePath)

	if (pathmap.IsAbs(merklePath) && !opts.ReportGlobalPaths) ||
		pathmap.HasAnyPrefix(merklePath, opts.ExcludePaths) {
		log.V(1).Infof("Skipping %q", merklePath)
		return ""
	}
	return merklePath
}

// AddFile stats the local file (following symlinks), inserts a FileNode at
// the remote path and records the digest-to-path mapping for upload.
func (t *Tree) AddFile(pair PathPair, opts *Options) error {
	merklePath := t.merklePath(pair.Remote, opts)
	if merklePath == "" {
		return nil
	}
	fi, err := os.Stat(pair.Local)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%q is not a regular file", pair.Local)
	}
	dg, err := digest.NewFromFile(pair.Local)
	if err != nil {
		return err
	}
	node := &repb.FileNode{
		Digest:       dg.ToProto(),
		IsExecutable: fi.Mode()&0100 != 0,
	}

	t.pathsMu.Lock()
	t.paths[dg] = pair.Local
	t.pathsMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	dir, name := t.ensureParent(merklePath)
	node.Name = name
	dir.files[name] = node
	return nil
}

// AddDirectory inserts an empty directory (and its parents) at the given
// in-tree path.
func (t *Tree) AddDirectory(path string) {
	if path == "" || path == "." {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureDir(path)
}

// AddDirectoryForRemote is AddDirectory with exclusion and working
// directory handling applied.
func (t *Tree) AddDirectoryForRemote(path string, opts *Options) {
	if merklePath := t.merklePath(path, opts); merklePath != "" {
		t.AddDirectory(merklePath)
	}
}

// AddSymlink inserts a SymlinkNode whose target is read from the local
// filesystem. Non-existent symlinks are silently skipped.
func (t *Tree) AddSymlink(pair PathPair, opts *Options) {
	merklePath := t.merklePath(pair.Remote, opts)
	if merklePath == "" {
		return
	}
	fi, err := os.Lstat(pair.Local)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := os.Readlink(pair.Local)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	dir, name := t.ensureParent(merklePath)
	dir.symlinks[name] = target
}

// ensureParent walks (and creates) the directories of path, returning the
// parent tree and the leaf name. Callers hold t.mu.
func (t *Tree) ensureParent(path string) (*Tree, string) {
	segments := splitPath(path)
	dir := t
	for _, segment := range segments[:len(segments)-1] {
		dir = dir.child(segment)
	}
	return dir, segments[len(segments)-1]
}

func (t *Tree) ensureDir(path string) *Tree {
	dir := t
	for _, segment := range splitPath(path) {
		dir = dir.child(segment)
	}
	return dir
}

func (t *Tree) child(name string) *Tree {
	sub, ok := t.subdirs[name]
	if !ok {
		sub = &Tree{
			files:    map[string]*repb.FileNode{},
			symlinks: map[string]string{},
			subdirs:  map[string]*Tree{},
		}
		t.subdirs[name] = sub
	}
	return sub
}

func splitPath(path string) []string {
	var segments []string
	for _, segment := range strings.Split(path, "/") {
		if segment != "" && segment != "." {
			segments = append(segments, segment)
		}
	}
	if len(segments) == 0 {
		return []string{"."}
	}
	return segments
}

// BuildFromPairs inserts the dependency set into the tree, partitioning
// the work across up to opts.MaxThreads workers.
func (t *Tree) BuildFromPairs(pairs []PathPair, opts *Options) error {
	workers := opts.MaxThreads
	switch {
	case workers < 0:
		workers = runtime.NumCPU()
	case workers == 0:
		workers = 1
	}
	if len(pairs) < singleThreadThreshold || workers == 1 {
		for _, pair := range pairs {
			if err := t.AddFile(pair, opts); err != nil {
				return err
			}
		}
		return nil
	}

	log.V(1).Infof("Building Merkle tree with %d workers", workers)
	var eg errgroup.Group
	eg.SetLimit(workers)
	for _, pair := range pairs {
		pair := pair
		eg.Go(func() error {
			return t.AddFile(pair, opts)
		})
	}
	return eg.Wait()
}

// BuildFromDirectory populates the tree from an entire directory without
// following symlinks, used by the dependency directory override. The
// remote-side tree is rooted at remoteRoot.
func (t *Tree) BuildFromDirectory(localRoot, remoteRoot string) error {
	return godirwalk.Walk(localRoot, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			rel, err := relPath(localRoot, path)
			if err != nil {
				return err
			}
			remote := rel
			if remoteRoot != "" {
				remote = remoteRoot + "/" + rel
			}
			switch {
			case de.IsSymlink():
				target, err := os.Readlink(path)
				if err != nil {
					return err
				}
				t.mu.Lock()
				dir, name := t.ensureParent(remote)
				dir.symlinks[name] = target
				t.mu.Unlock()
			case de.IsDir():
				if rel != "." {
					t.AddDirectory(remote)
				} else if remoteRoot != "" {
					t.AddDirectory(remoteRoot)
				}
			case de.IsRegular():
				if err := t.AddFile(PathPair{Local: path, Remote: remote}, &Options{ReportGlobalPaths: true}); err != nil {
					return err
				}
			}
			return nil
		},
		Unsorted: true,
	})
}

// FilePaths returns the digest-to-local-path map for content whose bytes
// live on disk.
func (t *Tree) FilePaths() map[digest.Digest]string {
	t.pathsMu.Lock()
	defer t.pathsMu.Unlock()
	paths := make(map[digest.Digest]string, len(t.paths))
	for k, v := range t.paths {
		paths[k] = v
	}
	return paths
}

// Digest serializes the tree depth-first post-order into blobs and returns
// the root digest. Each Directory message is byte-canonical: children
// sorted by name, deterministic proto marshaling.
func (t *Tree) Digest(blobs map[digest.Digest][]byte) (digest.Digest, error) {
	dir := &repb.Directory{}

	names := make([]string, 0, len(t.files))
	for name := range t.files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dir.Files = append(dir.Files, t.files[name])
	}

	names = names[:0]
	for name := range t.subdirs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		subDigest, err := t.subdirs[name].Digest(blobs)
		if err != nil {
			return digest.Empty, err
		}
		dir.Directories = append(dir.Directories, &repb.DirectoryNode{
			Name:   name,
			Digest: subDigest.ToProto(),
		})
	}

	names = names[:0]
	for name := range t.symlinks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dir.Symlinks = append(dir.Symlinks, &repb.SymlinkNode{
			Name:   name,
			Target: t.symlinks[name],
		})
	}

	blob, err := proto.MarshalOptions{Deterministic: true}.Marshal(dir)
	if err != nil {
		return digest.Empty, err
	}
	dg := digest.NewFromBlob(blob)
	blobs[dg] = blob
	return dg, nil
}

func relPath(root, path string) (string, error) {
	if path == root {
		return ".", nil
	}
	if strings.HasPrefix(path, root+"/") {
		return path[len(root)+1:], nil
	}
	return "", fmt.Errorf("%q is not under %q", path, root)
}
