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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bloomberg/recc/internal/pkg/metrics"
	"github.com/bloomberg/recc/internal/pkg/parser"
	"github.com/bloomberg/recc/internal/pkg/shellwords"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	"golang.org/x/sys/unix"

	log "github.com/golang/glog"
)

const (
	depsDirName     = "recc-scan-deps.d"
	depsDirLockName = depsDirName + ".lock"
	probeHeaderName = "recc-scan-deps.h"
)

// compilationDatabaseEntry is one command object of a clang compilation
// database (compile_commands.json).
type compilationDatabaseEntry struct {
	Directory string   `json:"directory,omitempty"`
	File      string   `json:"file"`
	Command   string   `json:"command,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
	Output    string   `json:"output,omitempty"`
}

// scanDepsForTarget looks up the dependencies of a single .o target in the
// shared clang-scan-deps dependency directory, populating it on first use.
// It returns false whenever the caller should fall back to the
// per-invocation dependency command.
func (s *Scanner) scanDepsForTarget(ctx context.Context, pc *parser.ParsedCommand, target string, out map[string]bool) bool {
	if !pc.IsClang() && !pc.IsGcc() {
		return false
	}
	depsDir, err := s.dependenciesDirectory(ctx)
	if err != nil {
		log.Errorf("clang-scan-deps failed: %v", err)
		log.Info("Falling back to dependencies command")
		s.recordCounter(metrics.CounterScanDepsTargetFailure, 1)
		return false
	}
	if depsDir == "" {
		return false
	}

	targetDigest := digest.NewFromBlob([]byte(target))
	path := filepath.Join(depsDir, targetDigest.Hash)
	rules, err := os.ReadFile(path)
	if err != nil {
		// Expected for generated files.
		log.Warningf("clang-scan-deps returned no dependencies for %q", target)
		log.Info("Falling back to dependencies command")
		s.recordCounter(metrics.CounterScanDepsTargetFailure, 1)
		return false
	}

	raw := DependenciesFromMakeRules(string(rules), false)
	depsDirInfo, err := os.Stat(depsDir)
	if err != nil {
		s.recordCounter(metrics.CounterScanDepsTargetFailure, 1)
		return false
	}

	found := false
	for dep := range raw {
		// Filter out the generated file for predefined macros.
		if strings.Contains(dep, probeHeaderName) {
			continue
		}
		out[dep] = true
		found = true

		fi, err := os.Stat(dep)
		if err != nil || !fi.Mode().IsRegular() {
			log.Warningf("%q was removed after the invocation of clang-scan-deps", dep)
			log.Info("Falling back to dependencies command")
			s.recordCounter(metrics.CounterScanDepsTargetFailure, 1)
			return false
		}
		if fi.ModTime().After(depsDirInfo.ModTime()) {
			log.Warningf("%q was modified after the invocation of clang-scan-deps", dep)
			log.Info("Falling back to dependencies command")
			s.recordCounter(metrics.CounterScanDepsTargetFailure, 1)
			return false
		}
	}
	if !found {
		s.recordCounter(metrics.CounterScanDepsTargetFailure, 1)
		return false
	}
	s.recordCounter(metrics.CounterScanDepsTargetSuccess, 1)
	return true
}

// dependenciesDirectory locates (and on first use populates) the shared
// per-build dependency directory. An empty return with nil error means the
// bulk scanner is not enabled or not applicable.
func (s *Scanner) dependenciesDirectory(ctx context.Context) (string, error) {
	if s.Cfg.CompilationDatabase == "" {
		return "", nil
	}

	// The compilation database may live in an ancestor of the working
	// directory (e.g. cmake subdirectory builds with make).
	topBuildDir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if fi, err := os.Stat(filepath.Join(topBuildDir, s.Cfg.CompilationDatabase)); err == nil && fi.Mode().IsRegular() {
			break
		}
		parent := filepath.Dir(topBuildDir)
		if parent == topBuildDir || parent == "/" {
			// Incompatible build system or disabled.
			return "", nil
		}
		topBuildDir = parent
	}

	scanDeps := s.Cfg.ClangScanDeps
	if scanDeps == "" {
		scanDeps = "clang-scan-deps"
	}
	scanDepsPath, err := exec.LookPath(scanDeps)
	if err != nil {
		// clang-scan-deps not available.
		return "", nil
	}

	depsDir := filepath.Join(topBuildDir, depsDirName)
	if fi, err := os.Stat(depsDir); err == nil && fi.IsDir() {
		// Already written by another recc process.
		return depsDir, nil
	}

	log.Infof("Using clang-scan-deps to get dependencies of %s",
		filepath.Join(topBuildDir, s.Cfg.CompilationDatabase))

	lockPath := filepath.Join(topBuildDir, depsDirLockName)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return "", fmt.Errorf("error opening dependencies lock file %q: %w", lockPath, err)
	}
	defer lockFile.Close()
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return "", fmt.Errorf("failed to lock file %q: %w", lockPath, err)
	}

	// With the exclusive lock held, check whether another recc process
	// populated the directory in the meantime.
	if fi, err := os.Stat(depsDir); err == nil && fi.IsDir() {
		return depsDir, nil
	}

	if err := s.populateDependenciesDirectory(ctx, topBuildDir, scanDepsPath, depsDir); err != nil {
		s.recordCounter(metrics.CounterScanDepsInvokeFailure, 1)
		// Leave an empty directory so other recc processes won't try the
		// same again.
		if mkErr := os.MkdirAll(depsDir, 0755); mkErr != nil {
			log.Errorf("Failed to create empty dependencies directory: %v", mkErr)
		}
		os.Remove(lockPath)
		return "", err
	}
	s.recordCounter(metrics.CounterScanDepsInvokeSuccess, 1)
	os.Remove(lockPath)
	return depsDir, nil
}

// populateDependenciesDirectory rewrites the compilation database with the
// probed per-compiler settings, runs the bulk scanner and splits its output
// into per-target rule files, renaming the directory into place atomically.
func (s *Scanner) populateDependenciesDirectory(ctx context.Context, topBuildDir, scanDepsPath, depsDir string) error {
	// Generated headers go to a temporary directory so they aren't picked
	// up by *.h glob patterns in build systems.
	tempDir, err := os.MkdirTemp("", "recc")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tempDir)

	data, err := os.ReadFile(filepath.Join(topBuildDir, s.Cfg.CompilationDatabase))
	if err != nil {
		return err
	}
	var database []compilationDatabaseEntry
	if err := json.Unmarshal(data, &database); err != nil {
		return fmt.Errorf("failed to parse compilation database: %w", err)
	}

	extraArgsCache := map[string][]string{}
	var modified []compilationDatabaseEntry
	for _, entry := range database {
		if entry.File == "" {
			return errors.New("command object in compilation database without file")
		}
		if fi, err := os.Stat(entry.File); err != nil || !fi.Mode().IsRegular() || !IsSourceFile(entry.File) {
			// Only C/C++ source files are supported by clang-scan-deps;
			// the database may also name files generated later in the
			// build.
			continue
		}

		arguments := entry.Arguments
		if entry.Command != "" {
			arguments = shellwords.Split(entry.Command)
			entry.Command = ""
		}
		if len(arguments) == 0 {
			return errors.New("command object in compilation database without arguments or command")
		}

		extraArgs, err := s.extraArgsForScanDeps(ctx, extraArgsCache, tempDir, arguments)
		if err != nil {
			return err
		}
		entry.Arguments = append(append([]string{arguments[0]}, extraArgs...), arguments[1:]...)
		modified = append(modified, entry)
	}

	modifiedData, err := json.Marshal(modified)
	if err != nil {
		return err
	}
	modifiedFile, err := os.CreateTemp("", "recc-compdb-")
	if err != nil {
		return err
	}
	defer os.Remove(modifiedFile.Name())
	if _, err := modifiedFile.Write(modifiedData); err != nil {
		modifiedFile.Close()
		return err
	}
	modifiedFile.Close()

	scanCommand := []string{scanDepsPath, "--compilation-database=" + modifiedFile.Name()}
	log.V(1).Infof("Getting dependencies using the command: %v", scanCommand)
	res, err := s.Executor.Execute(ctx, scanCommand, envList(s.Cfg.DepsEnv))
	if err != nil {
		log.Errorf("Failed to execute: %v", scanCommand)
		log.Errorf("Exit status: %d", res.ExitCode)
		return fmt.Errorf("clang-scan-deps failed: %w", err)
	}

	tmpDir := depsDir + ".tmp"
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return err
	}
	if err := splitScanDepsRules(res.Stdout, tmpDir); err != nil {
		return err
	}
	if err := os.Rename(tmpDir, depsDir); err != nil {
		return fmt.Errorf("failed to rename dependencies directory: %w", err)
	}
	return nil
}

// splitScanDepsRules splits the scanner output into one file per rule,
// named by the hash of the rule's target. A duplicate target deletes the
// file so lookups for it fall back to the per-invocation scanner.
func splitScanDepsRules(rules, depsDir string) error {
	targets := map[string]bool{}

	ruleStart := 0
	for ruleStart < len(rules) {
		// Scan for an unescaped newline to find the end of the rule.
		pos := ruleStart
		ruleSize := len(rules) - ruleStart
		for {
			next := strings.IndexByte(rules[pos:], '\n')
			if next < 0 {
				break
			}
			pos += next
			if pos > 0 && rules[pos-1] == '\\' {
				pos++
				continue
			}
			ruleSize = pos + 1 - ruleStart
			break
		}

		rule := rules[ruleStart : ruleStart+ruleSize]
		colon := strings.IndexByte(rule, ':')
		if colon >= 0 {
			target := strings.TrimSpace(rule[:colon])
			targetDigest := digest.NewFromBlob([]byte(target))
			path := filepath.Join(depsDir, targetDigest.Hash)
			if !targets[target] {
				targets[target] = true
				if err := writeFileAtomically(path, []byte(rule), 0644); err != nil {
					return err
				}
			} else if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove file %q: %w", path, err)
			}
		} else if strings.TrimSpace(rule) != "" {
			return fmt.Errorf("failed to parse clang-scan-deps rule: %q", rule)
		}
		ruleStart += ruleSize
	}
	return nil
}

// extraArgsForScanDeps probes the compiler for predefined macros and system
// include directories so that the scanner sees the compiler's view instead
// of its own toolchain defaults. Results are cached by compiler and the
// semantically relevant flags.
func (s *Scanner) extraArgsForScanDeps(ctx context.Context, cache map[string][]string, baseDir string, arguments []string) ([]string, error) {
	probe := []string{arguments[0]}
	key := arguments[0]
	for _, argument := range arguments {
		if strings.HasPrefix(argument, "-std=") || strings.HasPrefix(argument, "-O") ||
			strings.HasPrefix(argument, "-f") || strings.HasPrefix(argument, "-m") ||
			argument == "-undef" || argument == "-nostdinc" {
			// These flags may affect predefined macros or include
			// directories.
			probe = append(probe, argument)
			key += " " + argument
		}
	}
	if cached, ok := cache[key]; ok {
		return cached, nil
	}

	emptyHeader := filepath.Join(baseDir, "recc-empty.h")
	if err := os.WriteFile(emptyHeader, nil, 0644); err != nil {
		return nil, err
	}
	probe = append(probe, "-E", "-dM", "-Wp,-v", emptyHeader)

	res, err := s.Executor.Execute(ctx, probe, envList(s.Cfg.DepsEnv))
	if err != nil {
		log.Errorf("Failed to execute: %v", probe)
		log.Errorf("Exit status: %d", res.ExitCode)
		return nil, fmt.Errorf("compiler probe failed: %w", err)
	}

	extraArgs := []string{"-undef", "-nostdinc"}

	keyDigest := digest.NewFromBlob([]byte(key))
	predefinedHeader := filepath.Join(baseDir, keyDigest.Hash+"-"+probeHeaderName)
	if err := writeFileAtomically(predefinedHeader, []byte(res.Stdout), 0644); err != nil {
		return nil, err
	}
	extraArgs = append(extraArgs, "-include", predefinedHeader)

	inSearchList := false
	for _, line := range strings.Split(res.Stderr, "\n") {
		switch {
		case line == "#include <...> search starts here:":
			inSearchList = true
		case line == "End of search list.":
			inSearchList = false
		case inSearchList:
			extraArgs = append(extraArgs, "-idirafter", strings.TrimSpace(line))
		}
	}

	cache[key] = extraArgs
	return extraArgs, nil
}

func writeFileAtomically(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".recc-tmp-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
