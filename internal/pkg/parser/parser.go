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

// Package parser turns a compiler or linker argv into a ParsedCommand:
// the rewritten remote command, the local dependency command, the input
// and output file sets, and the flag bits that drive the rest of the
// pipeline.
package parser

import (
	"os"
	"runtime"
	"sort"

	"github.com/bloomberg/recc/internal/pkg/compiler"
	"github.com/bloomberg/recc/internal/pkg/pathmap"

	log "github.com/golang/glog"
)

// ParsedCommand is the result of parsing a command. It is immutable after
// Parse returns, except for Cleanup releasing the AIX temp file.
type ParsedCommand struct {
	Family   compiler.Family
	Compiler string

	// OriginalArgs is the untouched argv.
	OriginalArgs []string
	// RemoteArgs is the command with paths rewritten for the remote side.
	RemoteArgs []string
	// DepsArgs is the command used for the local dependency scan, with
	// paths kept local and the family's dependency flags appended.
	DepsArgs []string

	Inputs    []string
	AuxInputs []string

	IncludeDirs        []string
	LibraryDirs        []string
	RpathDirs          []string
	RpathLinkDirs      []string
	DefaultLibraryDirs []string

	Libraries       map[string]bool
	StaticLibraries map[string]bool

	Products         map[string]bool
	DepsProducts     map[string]bool
	CoverageProducts map[string]bool

	IsCompile            bool
	IsLink               bool
	MD                   bool
	QMakeDep             bool
	Coverage             bool
	SplitDwarf           bool
	UploadAllIncludeDirs bool
	Unsupported          bool
	BStatic              bool

	// AIXDepsFile is the temporary file the AIX compiler writes dependency
	// information to. Deleted by Cleanup.
	AIXDepsFile string

	bstaticStack        []bool
	preprocessorOptions []string
	defaultDepsArgs     []string
	includeDirSet       map[string]bool
}

func newParsedCommand() *ParsedCommand {
	return &ParsedCommand{
		Libraries:        map[string]bool{},
		StaticLibraries:  map[string]bool{},
		Products:         map[string]bool{},
		DepsProducts:     map[string]bool{},
		CoverageProducts: map[string]bool{},
		includeDirSet:    map[string]bool{},
	}
}

// IsCompilerFamily reports whether the executable was recognized as a
// compiler driver.
func (p *ParsedCommand) IsCompilerFamily() bool {
	return compiler.IsCompilerFamily(p.Family)
}

// IsClang reports whether the compiler is clang or clang++.
func (p *ParsedCommand) IsClang() bool { return p.Family == compiler.Clang }

// IsGcc reports whether the compiler uses the gcc dialect but is not clang.
func (p *ParsedCommand) IsGcc() bool { return p.Family == compiler.Gcc }

// IsSunStudio reports whether the compiler is Sun Studio CC.
func (p *ParsedCommand) IsSunStudio() bool { return p.Family == compiler.SunStudio }

// IsAIX reports whether the compiler is an AIX xlc variant.
func (p *ParsedCommand) IsAIX() bool { return p.Family == compiler.AIX }

// ProducesSunMakeRules reports whether the dependency command emits the Sun
// variant of make rules (one dependency per line, literal spaces).
func (p *ParsedCommand) ProducesSunMakeRules() bool {
	return compiler.ProducesSunMakeRules(p.Family)
}

// SortedProducts returns the product set in deterministic order.
func (p *ParsedCommand) SortedProducts() []string { return sortedKeys(p.Products) }

// SortedDepsProducts returns the deps product set in deterministic order.
func (p *ParsedCommand) SortedDepsProducts() []string { return sortedKeys(p.DepsProducts) }

// SortedCoverageProducts returns the coverage product set in deterministic
// order.
func (p *ParsedCommand) SortedCoverageProducts() []string { return sortedKeys(p.CoverageProducts) }

// Cleanup removes resources whose lifetime is tied to the parsed command.
func (p *ParsedCommand) Cleanup() {
	if p.AIXDepsFile != "" {
		if err := os.Remove(p.AIXDepsFile); err != nil && !os.IsNotExist(err) {
			log.Warningf("Failed to remove AIX dependency file %s: %v", p.AIXDepsFile, err)
		}
		p.AIXDepsFile = ""
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Options carries the configuration the parser depends on.
type Options struct {
	WorkingDirectory string
	Mapper           *pathmap.Mapper
	// DepsGlobalPaths appends "-v" to clang dependency commands so the
	// selected GCC installation can be read from stderr.
	DepsGlobalPaths bool
}

// Parse classifies and parses a compiler invocation. Commands whose
// executable belongs to no known family come back with Unsupported set and
// are not otherwise parsed.
func Parse(command []string, opts Options) (*ParsedCommand, error) {
	pc := newParsedCommand()
	if len(command) == 0 || command[0] == "" {
		pc.Unsupported = true
		return pc, nil
	}
	if err := initCommand(pc, command, opts); err != nil {
		return nil, err
	}

	rules, ok := familyRules(pc.Family)
	if !ok {
		// Don't attempt to parse arguments of an unsupported command.
		pc.Unsupported = true
		pc.OriginalArgs = append([]string(nil), command...)
		return pc, nil
	}

	st := &parseState{
		pc:     pc,
		args:   command[1:],
		opts:   opts,
		rules:  rules,
		prefix: rules.prefixIndex(),
	}
	st.run()

	// If unsupported options were seen or there are no input files, this
	// cannot be treated as a compile command.
	if pc.Unsupported || len(pc.Inputs) == 0 {
		pc.IsCompile = false
	} else if !pc.IsCompile {
		// Compiler driver without "-c" is a link invocation.
		pc.IsLink = true
	}

	if (pc.IsCompile || pc.IsLink) && len(pc.preprocessorOptions) > 0 {
		mergePreprocessorOptions(pc, opts)
	}

	pc.DepsArgs = append(pc.DepsArgs, pc.defaultDepsArgs...)
	pc.OriginalArgs = append([]string(nil), command...)
	pc.IncludeDirs = sortedKeys(pc.includeDirSet)
	return pc, nil
}

// ParseLinkerCommand parses a raw linker invocation with the ld rule table
// (Solaris ld rules on Solaris hosts).
func ParseLinkerCommand(command []string, opts Options) (*ParsedCommand, error) {
	pc := newParsedCommand()
	if len(command) == 0 {
		pc.Unsupported = true
		return pc, nil
	}
	if err := initCommand(pc, command, opts); err != nil {
		return nil, err
	}

	rules := ldRules
	if runtime.GOOS == "solaris" {
		rules = solarisLdRules
	}
	st := &parseState{
		pc:     pc,
		args:   command[1:],
		opts:   opts,
		rules:  rules,
		prefix: rules.prefixIndex(),
	}
	st.run()

	if !pc.Unsupported && !pc.IsCompile {
		pc.IsLink = true
	}
	pc.OriginalArgs = append([]string(nil), command...)
	pc.IncludeDirs = sortedKeys(pc.includeDirSet)
	return pc, nil
}

// initCommand classifies the executable, records the per-family dependency
// flags and pre-inserts the executable into the remote and deps commands.
func initCommand(pc *ParsedCommand, command []string, opts Options) error {
	executable := command[0]
	family, err := compiler.Classify(executable)
	if err != nil {
		return err
	}
	pc.Family = family
	pc.Compiler, _ = compiler.CommandBasename(executable, 0)
	pc.defaultDepsArgs = append([]string(nil), compiler.DefaultDepsArgs(family)...)

	if family == compiler.AIX {
		// The AIX compiler writes dependency information to a file given
		// after -MF. The file lives as long as the parsed command.
		tmp, err := os.CreateTemp("", "recc-aix-deps-")
		if err != nil {
			return err
		}
		tmp.Close()
		pc.AIXDepsFile = tmp.Name()
		pc.defaultDepsArgs = append(pc.defaultDepsArgs, pc.AIXDepsFile)
	}
	if family == compiler.Clang && opts.DepsGlobalPaths {
		// Clang mentions where it found crtbegin.o in stderr with -v.
		pc.defaultDepsArgs = append(pc.defaultDepsArgs, "-v")
	}

	// The executable path is not normalized when rewritten: normalization
	// could strip the distinguishing slash from "./gcc", and the Remote
	// Execution API requires a relative or absolute path rather than a
	// bare command name looked up in the worker's PATH.
	pc.RemoteArgs = append(pc.RemoteArgs, opts.Mapper.ModifyForRemoteNoNormalize(executable, opts.WorkingDirectory))
	pc.DepsArgs = append(pc.DepsArgs, executable)
	return nil
}

// mergePreprocessorOptions re-parses the accumulated -Wp,/-Xpreprocessor
// options with the restricted preprocessor rule table and re-emits each
// resulting token behind -Xpreprocessor.
func mergePreprocessorOptions(pc *ParsedCommand, opts Options) {
	sub := newParsedCommand()
	st := &parseState{
		pc:     sub,
		args:   pc.preprocessorOptions,
		opts:   opts,
		rules:  gccPreprocessorRules,
		prefix: gccPreprocessorRules.prefixIndex(),
	}
	st.run()

	for _, arg := range sub.RemoteArgs {
		pc.RemoteArgs = append(pc.RemoteArgs, "-Xpreprocessor", arg)
	}
	for _, arg := range sub.DepsArgs {
		pc.DepsArgs = append(pc.DepsArgs, "-Xpreprocessor", arg)
	}
	for product := range sub.Products {
		pc.Products[product] = true
	}
	for product := range sub.DepsProducts {
		pc.DepsProducts[product] = true
	}
	pc.MD = pc.MD || sub.MD
	pc.Unsupported = pc.Unsupported || sub.Unsupported
}
