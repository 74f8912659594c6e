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

// Package deps discovers the input files and probable output files of a
// parsed command: it runs the compiler's own dependency-output mode and
// parses the resulting make rules, optionally consulting a shared
// clang-scan-deps cache, and derives output names from the command's
// flags.
package deps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bloomberg/recc/internal/pkg/config"
	"github.com/bloomberg/recc/internal/pkg/metrics"
	"github.com/bloomberg/recc/internal/pkg/parser"
	"github.com/bloomberg/recc/internal/pkg/pathmap"
	"github.com/bloomberg/recc/internal/pkg/subprocess"

	log "github.com/golang/glog"
)

// CommandFileInfo holds the dependency and product sets discovered for a
// command.
type CommandFileInfo struct {
	Dependencies     map[string]bool
	PossibleProducts map[string]bool
}

// Scanner derives CommandFileInfo from parsed commands.
type Scanner struct {
	Cfg      *config.Config
	Executor subprocess.Executor
	Metrics  *metrics.Recorder
}

var (
	headerSuffixes = map[string]bool{
		"h": true, "hh": true, "H": true, "hp": true, "hxx": true,
		"hpp": true, "HPP": true, "h++": true, "tcc": true,
	}
	sourceSuffixes = map[string]bool{
		"cc": true, "c": true, "cp": true, "cxx": true,
		"cpp": true, "CPP": true, "c++": true, "C": true,
	}
	objectSuffixes = map[string]bool{
		"a": true, "o": true, "so": true,
	}

	// Lines of the form
	//   Selected GCC installation: <path>
	//   Selected multilib: <path>;…
	// in clang -v output locate the crtbegin.o the remote side must see.
	crtbeginRE = regexp.MustCompile(`Selected GCC installation: ([^\n]*)(?s:.*)Selected multilib: ([^;\n]*)`)
)

func suffix(file string) string {
	if dot := strings.LastIndexByte(file, '.'); dot >= 0 {
		return file[dot+1:]
	}
	return ""
}

// IsHeaderFile reports whether the file has a recognized C/C++ header
// suffix.
func IsHeaderFile(file string) bool { return headerSuffixes[suffix(file)] }

// IsSourceFile reports whether the file has a recognized C/C++ source
// suffix.
func IsSourceFile(file string) bool { return sourceSuffixes[suffix(file)] }

// IsObjectFile reports whether the file is an object, archive or shared
// library.
func IsObjectFile(file string) bool { return objectSuffixes[suffix(file)] }

// isAuxInputFile reports inputs that contribute to the build without
// producing a separate output, such as Sun Studio .il inline templates.
func isAuxInputFile(file string, pc *parser.ParsedCommand) bool {
	return pc.IsSunStudio() && suffix(file) == "il"
}

// DependenciesFromMakeRules parses the right-hand side of make rules as
// emitted by C compilers in dependency-output mode. In the Sun variant one
// dependency is listed per line and spaces within filenames are literal.
func DependenciesFromMakeRules(rules string, sunFormat bool) map[string]bool {
	result := map[string]bool{}
	sawColonOnLine := false
	sawBackslash := false
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			result[current.String()] = true
			current.Reset()
		}
	}

	for i := 0; i < len(rules); i++ {
		c := rules[i]
		switch {
		case sawBackslash:
			sawBackslash = false
			if c != '\n' && sawColonOnLine {
				current.WriteByte(c)
			}
		case c == '\\':
			sawBackslash = true
		case c == ':' && !sawColonOnLine:
			sawColonOnLine = true
		case c == '\n':
			sawColonOnLine = false
			flush()
		case c == ' ':
			if sunFormat {
				if current.Len() > 0 && sawColonOnLine {
					current.WriteByte(c)
				}
			} else {
				flush()
			}
		case sawColonOnLine:
			current.WriteByte(c)
		}
	}
	flush()
	return result
}

// CrtbeginFromClangV extracts the path of the crtbegin.o selected by clang
// from its -v output, or "" if not found.
func CrtbeginFromClangV(stderr string) string {
	m := crtbeginRE.FindStringSubmatch(stderr)
	if m == nil {
		log.V(1).Info("Failed to locate crtbegin.o for clang")
		return ""
	}
	crtbegin := m[1]
	if m[2] != "." {
		crtbegin += "/" + m[2]
	}
	crtbegin += "/crtbegin.o"
	log.V(1).Infof("Found crtbegin.o for clang: %s", crtbegin)
	return crtbegin
}

// GetFileInfo discovers the dependencies and probable products of the
// command. Linker commands go through the link dependency resolver; compile
// commands run the dependency subprocess (or hit the clang-scan-deps
// cache).
func (s *Scanner) GetFileInfo(ctx context.Context, pc *parser.ParsedCommand) (*CommandFileInfo, error) {
	if pc.IsLink {
		return s.linkFileInfo(ctx, pc)
	}

	result := &CommandFileInfo{
		Dependencies:     map[string]bool{},
		PossibleProducts: map[string]bool{},
	}
	products, err := DetermineProducts(pc)
	if err != nil {
		return nil, err
	}
	var objectTargets []string
	for product := range products {
		result.PossibleProducts[pathmap.Normalize(product)] = true
		if strings.HasSuffix(product, ".o") {
			objectTargets = append(objectTargets, product)
		}
	}

	// Use the clang-scan-deps cache when available and configured.
	if len(objectTargets) == 1 {
		if found := s.scanDepsForTarget(ctx, pc, objectTargets[0], result.Dependencies); found {
			return result, nil
		}
	}

	log.V(1).Infof("Getting dependencies using the command: %v", pc.DepsArgs)
	res, err := s.Executor.Execute(ctx, pc.DepsArgs, envList(s.Cfg.DepsEnv))
	if err != nil {
		log.Errorf("Failed to execute get dependencies command: %v", pc.DepsArgs)
		log.Errorf("Exit status: %d", res.ExitCode)
		log.V(1).Infof("stdout: %s", res.Stdout)
		log.V(1).Infof("stderr: %s", res.Stderr)
		return nil, fmt.Errorf("dependency command failed: %w", err)
	}

	rules := res.Stdout
	if pc.IsAIX() {
		// The AIX compiler writes dependency information to the temporary
		// file instead of stdout.
		data, err := os.ReadFile(pc.AIXDepsFile)
		if err != nil {
			return nil, err
		}
		rules = string(data)
	}

	result.Dependencies = DependenciesFromMakeRules(rules, pc.ProducesSunMakeRules())

	if s.Cfg.DepsGlobalPaths && pc.IsClang() {
		// Clang locates GCC installations by looking for crtbegin.o and
		// adjusts its system include paths accordingly; the remote side
		// needs the same file.
		if crtbegin := CrtbeginFromClangV(res.Stderr); crtbegin != "" {
			result.Dependencies[crtbegin] = true
		}
	}

	for _, input := range pc.Inputs {
		if isAuxInputFile(input, pc) {
			result.Dependencies[input] = true
		}
	}
	return result, nil
}

// DetermineProducts derives the probable output set of a command from its
// inputs and flags. Inputs with unrecognized suffixes are rejected.
func DetermineProducts(pc *parser.ParsedCommand) (map[string]bool, error) {
	headers := map[string]bool{}
	sources := map[string]bool{}
	objects := map[string]bool{}
	result := map[string]bool{}

	for _, input := range pc.Inputs {
		switch {
		case pc.IsCompile && IsHeaderFile(input):
			headers[input] = true
		case pc.IsCompile && IsSourceFile(input):
			sources[input] = true
		case pc.IsCompile && isAuxInputFile(input, pc):
			// Contributes no separate output.
		case pc.IsLink && IsObjectFile(input):
			objects[input] = true
		default:
			return nil, fmt.Errorf("file %q uses a file suffix unsupported for caching", input)
		}
	}
	if len(headers) == 0 && len(sources) == 0 && len(objects) == 0 {
		// No products without inputs.
		return result, nil
	}

	switch {
	case len(pc.Products) > 0:
		for product := range pc.Products {
			result[product] = true
		}
	case pc.IsLink:
		result["a.out"] = true
	default:
		for header := range headers {
			// The precompiled header stays in the header's directory.
			result[header+".gch"] = true
		}
		for source := range sources {
			result[stripDirectory(replaceSuffix(source, ".o"))] = true
		}
	}

	// -MD/-MMD without -MF writes a make dependency file next to the
	// output; xlc's -qmakedep works the same with a .u suffix. Explicit
	// -MF values win, then -o derived names, then input derived names.
	if pc.MD || pc.QMakeDep {
		depsSuffix := ".d"
		if !pc.MD {
			depsSuffix = ".u"
		}
		addDerivedProducts(result, pc, headers, sources, pc.DepsProducts, depsSuffix)
	}

	if pc.Coverage {
		addDerivedProducts(result, pc, headers, sources, pc.CoverageProducts, ".gcno")
	}

	// -gsplit-dwarf only produces .dwo files when real sources are
	// compiled; renamed .gch outputs get no sibling.
	if pc.SplitDwarf {
		if len(pc.Products) > 0 {
			if len(sources) > 0 {
				for product := range pc.Products {
					result[replaceSuffix(product, ".dwo")] = true
				}
			}
		} else {
			for source := range sources {
				result[stripDirectory(replaceSuffix(source, ".dwo"))] = true
			}
		}
	}
	return result, nil
}

// addDerivedProducts applies the explicit-then-output-then-input priority
// order shared by the deps-file and coverage product rules.
func addDerivedProducts(result map[string]bool, pc *parser.ParsedCommand, headers, sources, explicit map[string]bool, suffix string) {
	switch {
	case len(explicit) > 0:
		for product := range explicit {
			result[product] = true
		}
	case len(pc.Products) > 0:
		for product := range pc.Products {
			result[replaceSuffix(product, suffix)] = true
		}
	default:
		for header := range headers {
			result[stripDirectory(replaceSuffix(header, suffix))] = true
		}
		for source := range sources {
			result[stripDirectory(replaceSuffix(source, suffix))] = true
		}
	}
}

func stripDirectory(path string) string {
	return filepath.Base(path)
}

func replaceSuffix(path, suffix string) string {
	if dot := strings.LastIndexByte(path, '.'); dot >= 0 {
		return path[:dot] + suffix
	}
	return path + suffix
}

func envList(env map[string]string) []string {
	var list []string
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}

func (s *Scanner) recordCounter(name string, value int64) {
	if s.Metrics != nil {
		s.Metrics.Count(name, value)
	}
}
