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

// Package compiler classifies compiler and linker executables into the
// families recc knows how to parse.
package compiler

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/bloomberg/recc/internal/pkg/pathmap"
)

// Family identifies a group of executables sharing a command-line dialect.
type Family int

// Known compiler and linker families.
const (
	Unknown Family = iota
	Gcc
	Clang
	SunStudio
	AIX
	Ld
	SolarisLd
)

func (f Family) String() string {
	switch f {
	case Gcc:
		return "gcc"
	case Clang:
		return "clang"
	case SunStudio:
		return "sun-studio"
	case AIX:
		return "aix"
	case Ld:
		return "ld"
	case SolarisLd:
		return "solaris-ld"
	default:
		return "unknown"
	}
}

// maxSymlinkHops bounds the cc -> gcc style symlink resolution.
const maxSymlinkHops = 40

var (
	gccNames = map[string]bool{
		"gcc": true, "g++": true, "c99-gcc": true, "c++": true,
	}
	clangNames = map[string]bool{
		"clang": true, "clang++": true,
	}
	sunNames = map[string]bool{
		"CC": true,
	}
	aixNames = map[string]bool{
		"xlc": true, "xlc++": true, "xlC": true, "xlCcore": true, "xlc++core": true,
	}
	ldNames = map[string]bool{
		"ld": true, "ld.bfd": true, "ld.gold": true, "ld.lld": true,
	}
	// cCompilerIndirections are standard names that are commonly symlinks
	// to the real compiler (e.g. cc -> gcc). Only these are resolved; a
	// clang++ -> clang symlink must not change the detected basename.
	cCompilerIndirections = map[string]bool{
		"cc": true, "c89": true, "c99": true,
	}

	// GccSupportedLanguages is the allow list for the gcc "-x" option.
	GccSupportedLanguages = map[string]bool{
		"c":                  true,
		"c++":                true,
		"c-header":           true,
		"c++-header":         true,
		"c++-system-header":  true,
		"c++-user-header":    true,
		"objective-c":        true,
		"objective-c++":      true,
		"assembler-with-cpp": true,
	}
)

// DefaultDepsArgs returns the flag sequence appended to the dependency
// command so the compiler emits make rules. The AIX sequence is incomplete:
// the caller appends the temporary file the compiler writes to.
func DefaultDepsArgs(f Family) []string {
	switch f {
	case Gcc, Clang:
		return []string{"-M"}
	case SunStudio:
		return []string{"-xM"}
	case AIX:
		return []string{"-qsyntaxonly", "-M", "-MF"}
	default:
		return nil
	}
}

// ProducesSunMakeRules reports whether the family's dependency output uses
// the Sun variant of make rules (one dependency per line, literal spaces).
func ProducesSunMakeRules(f Family) bool {
	return f == SunStudio || f == AIX
}

// IsCompilerFamily reports whether the family is a compiler driver (as
// opposed to a plain linker or an unknown executable).
func IsCompilerFamily(f Family) bool {
	switch f {
	case Gcc, Clang, SunStudio, AIX:
		return true
	}
	return false
}

// Classify resolves the executable path to a canonical basename and maps it
// to a family.
func Classify(executable string) (Family, error) {
	basename, err := CommandBasename(executable, 0)
	if err != nil {
		return Unknown, err
	}
	switch {
	case gccNames[basename]:
		return Gcc, nil
	case clangNames[basename]:
		return Clang, nil
	case sunNames[basename]:
		return SunStudio, nil
	case aixNames[basename]:
		return AIX, nil
	case ldNames[basename]:
		if runtime.GOOS == "solaris" {
			return SolarisLd, nil
		}
		return Ld, nil
	default:
		return Unknown, nil
	}
}

// CommandBasename converts a command path (e.g. "/usr/bin/gcc-4.7") to a
// canonical command name (e.g. "gcc"). Standard C compiler indirections
// that are symlinks are followed, up to maxSymlinkHops.
func CommandBasename(path string, symlinks int) (string, error) {
	basename := path
	if slash := strings.LastIndex(path, "/"); slash >= 0 {
		basename = path[slash+1:]
	}

	if cCompilerIndirections[basename] {
		// Resolve the symlink to get the final basename (e.g. cc => gcc).
		absolutePath := path
		if !strings.Contains(path, "/") {
			if found, err := exec.LookPath(path); err == nil {
				absolutePath = found
			}
		}
		if fi, err := os.Lstat(absolutePath); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if symlinks >= maxSymlinkHops {
				return "", fmt.Errorf("too many levels of symlinks for compiler command %q", absolutePath)
			}
			target, err := pathmap.ResolveSymlink(absolutePath)
			if err != nil {
				return "", err
			}
			return CommandBasename(target, symlinks+1)
		}
		return basename, nil
	}

	// Strip AIX reentrant suffixes, e.g. "xlc++_r" or "xlc++_r7".
	length := len(basename)
	if length > 2 && basename[length-2:] == "_r" {
		length -= 2
	} else if length > 3 && basename[length-3:length-1] == "_r" {
		length -= 3
	}

	isVersionChar := func(c byte) bool {
		return (c >= '0' && c <= '9') || c == '.' || c == '-'
	}
	for length > 0 && isVersionChar(basename[length-1]) {
		length--
	}
	return basename[:length], nil
}
