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

package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/bloomberg/recc/internal/pkg/parser"
	"github.com/bloomberg/recc/internal/pkg/pathmap"
	"github.com/bloomberg/recc/internal/pkg/shellwords"

	log "github.com/golang/glog"
)

// ErrLibraryNotFound reports a -l requirement that no search directory
// satisfies.
var ErrLibraryNotFound = errors.New("library not found")

var (
	neededLinuxRE   = regexp.MustCompile(`\s+NEEDED\s+(\S+)`)
	neededSolarisRE = regexp.MustCompile(`\[\d+\]\s+NEEDED\s+0x[0-9a-f]+\s+(\S+)`)
	searchDirRE     = regexp.MustCompile(`SEARCH_DIR\("([^\n"]+)"\)`)

	// Base system libraries whose .so files are commonly linker scripts;
	// their indirect dependencies are part of the toolchain and need no
	// resolution.
	baseSystemLibraries = []string{
		"libc.so", "libgcc_s.so", "libm.so",
		"libpthread.so", "libstdc++.so", "libgfortran.so",
	}
)

// linkFileInfo resolves the dependency closure of a link command: the
// linker's positional inputs, every -l library resolved against the
// effective search path, and the transitive DT_NEEDED closure of the shared
// libraries among them.
func (s *Scanner) linkFileInfo(ctx context.Context, pc *parser.ParsedCommand) (*CommandFileInfo, error) {
	result := &CommandFileInfo{
		Dependencies:     map[string]bool{},
		PossibleProducts: map[string]bool{},
	}
	products, err := DetermineProducts(pc)
	if err != nil {
		return nil, err
	}
	for product := range products {
		result.PossibleProducts[pathmap.Normalize(product)] = true
	}

	if !pc.IsGcc() && !pc.IsClang() && !pc.IsSunStudio() {
		log.Info("Unsupported compiler in link command")
		return result, nil
	}

	linkerCommand, err := s.parseLinkerCommand(ctx, pc)
	if err != nil {
		return nil, err
	}
	if !linkerCommand.IsLink {
		return nil, errors.New("unsupported linker command")
	}

	// All direct input files are dependencies of the link command.
	for _, input := range linkerCommand.Inputs {
		result.Dependencies[input] = true
	}
	for _, input := range linkerCommand.AuxInputs {
		result.Dependencies[input] = true
	}

	defaultSearchPath, err := s.defaultLibrarySearchPath(ctx, pc, linkerCommand)
	if err != nil {
		return nil, err
	}

	// Directories given on the command line are searched before the
	// default directories.
	searchPath := append(append([]string(nil), linkerCommand.LibraryDirs...), defaultSearchPath...)

	staticLibraries := map[string]bool{}
	for library := range linkerCommand.StaticLibraries {
		staticLibraries[library] = true
	}

	// First try to find a shared library for each -l option; misses move
	// to the static set.
	var sharedQueue []string
	for _, library := range sortedKeySet(linkerCommand.Libraries) {
		path, found := findLibrary(searchPath, libraryFilename(library, ".so"))
		if !found {
			staticLibraries[library] = true
			continue
		}
		// Normalize but don't follow symlinks: the remote linker must see
		// the same symlink names as the local one.
		normalized := pathmap.Normalize(path)
		result.Dependencies[normalized] = true
		sharedQueue = append(sharedQueue, normalized)
	}

	for _, library := range sortedKeySet(staticLibraries) {
		filename := libraryFilename(library, ".a")
		path, found := findLibrary(searchPath, filename)
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, filename)
		}
		result.Dependencies[path] = true
	}

	rpath := s.effectiveRpath(linkerCommand, defaultSearchPath)

	// Gather indirect dependencies (DT_NEEDED of dependencies).
	processed := map[string]bool{}
	for len(sharedQueue) > 0 {
		shared := sharedQueue[0]
		sharedQueue = sharedQueue[1:]
		if processed[shared] {
			continue
		}
		processed[shared] = true

		needed, err := s.neededLibraries(ctx, shared)
		if err != nil {
			return nil, err
		}
		for _, filename := range needed {
			path, found := findLibrary(rpath, filename)
			if !found {
				return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, filename)
			}
			normalized := pathmap.Normalize(path)
			result.Dependencies[normalized] = true
			sharedQueue = append(sharedQueue, normalized)
		}
	}
	return result, nil
}

// parseLinkerCommand re-invokes the compiler driver in dry-run mode to
// obtain the actual linker invocation and parses it with the ld rule table.
func (s *Scanner) parseLinkerCommand(ctx context.Context, pc *parser.ParsedCommand) (*parser.ParsedCommand, error) {
	probe := append(append([]string(nil), pc.OriginalArgs...), "-###")
	res, err := s.Executor.Execute(ctx, probe, nil)
	if err != nil {
		log.Errorf("Failed to execute: %v", probe)
		log.Errorf("Exit status: %d", res.ExitCode)
		return nil, fmt.Errorf("linker probe failed: %w", err)
	}

	var linkerArgs []string
	commandFound := false
	for _, line := range strings.Split(res.Stderr, "\n") {
		if line == "" {
			continue
		}
		if (pc.IsGcc() || pc.IsClang()) && line[0] == ' ' {
			if commandFound {
				// Pure link commands shouldn't execute multiple
				// subprocesses.
				return nil, errors.New("unexpected second linker command")
			}
			commandFound = true
			log.V(1).Infof("Linker command: %s", line)
			linkerArgs = shellwords.Split(line)
		} else if pc.IsSunStudio() && line[0] != '#' {
			args := shellwords.Split(line)
			if len(args) > 0 && filepath.Base(args[0]) == "ld" {
				if commandFound {
					return nil, errors.New("unexpected second linker command")
				}
				commandFound = true
				log.V(1).Infof("Linker command: %s", line)
				linkerArgs = args
				// Drop stderr redirection.
				if len(linkerArgs) > 2 && linkerArgs[len(linkerArgs)-2] == "2>" {
					linkerArgs = linkerArgs[:len(linkerArgs)-2]
				}
			}
		}
	}
	if !commandFound {
		log.Errorf("Unable to determine linker command: %v", probe)
		return nil, errors.New("unable to determine linker command")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return parser.ParseLinkerCommand(linkerArgs, parser.Options{
		WorkingDirectory: cwd,
		Mapper:           s.Cfg.Mapper(),
		DepsGlobalPaths:  s.Cfg.DepsGlobalPaths,
	})
}

// defaultLibrarySearchPath determines the linker's default search
// directories: on Solaris they come from the linker command itself, on
// Linux from a -Wl,--verbose probe of the compiler driver.
func (s *Scanner) defaultLibrarySearchPath(ctx context.Context, pc, linkerCommand *parser.ParsedCommand) ([]string, error) {
	if runtime.GOOS == "solaris" {
		return linkerCommand.DefaultLibraryDirs, nil
	}

	probe := []string{pc.OriginalArgs[0]}
	for _, arg := range pc.OriginalArgs[1:] {
		if arg == "-m32" || arg == "-m64" {
			probe = append(probe, arg)
		}
	}
	probe = append(probe, "-Wl,--verbose")

	res, _ := s.Executor.Execute(ctx, probe, nil)
	var searchDirs []string
	for _, m := range searchDirRE.FindAllStringSubmatch(res.Stdout, -1) {
		searchDirs = append(searchDirs, m[1])
	}
	return searchDirs, nil
}

// effectiveRpath builds the search path for indirect shared library
// dependencies, following ld's -rpath-link documentation.
func (s *Scanner) effectiveRpath(linkerCommand *parser.ParsedCommand, defaultSearchPath []string) []string {
	rpath := append([]string(nil), linkerCommand.RpathLinkDirs...)
	rpath = append(rpath, linkerCommand.RpathDirs...)
	if len(rpath) == 0 {
		rpath = appendDirsFromPathVar(rpath, "LD_RUN_PATH")
	}
	rpath = appendDirsFromPathVar(rpath, "LD_LIBRARY_PATH")
	if runtime.GOOS == "linux" {
		rpath = appendLdSoConf(rpath, "/etc/ld.so.conf")
	}
	return append(rpath, defaultSearchPath...)
}

// neededLibraries extracts DT_NEEDED entries from a shared library using
// the platform's object inspector. Inspector failures are fatal except for
// base system libraries, which are commonly linker scripts.
func (s *Scanner) neededLibraries(ctx context.Context, path string) ([]string, error) {
	command := []string{"objdump", "-p", path}
	re := neededLinuxRE
	if runtime.GOOS == "solaris" {
		command = []string{"elfdump", "-d", path}
		re = neededSolarisRE
	}
	res, err := s.Executor.Execute(ctx, command, nil)
	if err != nil {
		for _, base := range baseSystemLibraries {
			if strings.HasSuffix(path, base) {
				return nil, nil
			}
		}
		log.Errorf("Failed to execute: %v", command)
		log.Errorf("Exit status: %d", res.ExitCode)
		return nil, fmt.Errorf("object inspector failed: %w", err)
	}
	var needed []string
	for _, m := range re.FindAllStringSubmatch(res.Stdout, -1) {
		needed = append(needed, m[1])
	}
	return needed, nil
}

// libraryFilename maps a -l value to the filename to search for. The
// ":name" form names the file verbatim.
func libraryFilename(library, ext string) string {
	if strings.HasPrefix(library, ":") {
		return library[1:]
	}
	return "lib" + library + ext
}

func findLibrary(searchPath []string, filename string) (string, bool) {
	for _, dir := range searchPath {
		path := dir + "/" + filename
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

func appendDirsFromPathVar(dirs []string, envName string) []string {
	value, ok := os.LookupEnv(envName)
	if !ok {
		return dirs
	}
	for _, entry := range strings.Split(value, ":") {
		if fi, err := os.Stat(entry); err == nil && fi.IsDir() {
			dirs = append(dirs, entry)
		}
	}
	return dirs
}

// appendLdSoConf parses an ld.so.conf file, following include directives
// with glob patterns, to get the runtime linker's search path.
func appendLdSoConf(dirs []string, filename string) []string {
	data, err := os.ReadFile(filename)
	if err != nil {
		return dirs
	}
	for _, line := range strings.Split(string(data), "\n") {
		if hash := strings.IndexByte(line, '#'); hash >= 0 {
			line = line[:hash]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if pattern, ok := strings.CutPrefix(line, "include"); ok && len(pattern) > 0 && (pattern[0] == ' ' || pattern[0] == '\t') {
			pattern = strings.TrimSpace(pattern)
			if !strings.HasPrefix(pattern, "/") {
				// Relative include patterns resolve against the parent
				// directory of the including file.
				pattern = filepath.Join(filepath.Dir(filename), pattern)
			}
			matches, err := filepath.Glob(pattern)
			if err != nil {
				log.Errorf("Failed to evaluate include pattern in ld.so.conf: %v", err)
				continue
			}
			for _, match := range matches {
				dirs = appendLdSoConf(dirs, match)
			}
			continue
		}
		dirs = append(dirs, line)
	}
	return dirs
}

func sortedKeySet(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	// Deterministic resolution order.
	sort.Strings(keys)
	return keys
}
