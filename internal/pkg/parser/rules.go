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

package parser

import (
	"os"
	"sort"
	"strings"

	"github.com/bloomberg/recc/internal/pkg/compiler"
	"github.com/bloomberg/recc/internal/pkg/pathmap"

	log "github.com/golang/glog"
)

// ruleKind tags the handler for a flag. Handlers carry no state of their
// own; all per-flag data is the matched key itself.
type ruleKind int

const (
	ruleSimple ruleKind = iota
	ruleInterferesWithDeps
	ruleCompile
	ruleMacro
	ruleRedirectsOutput
	ruleRedirectsDepsOutput
	ruleDepsRuleTarget
	ruleCoverage
	ruleRedirectsCoverageOutput
	ruleInputPath
	rulePreprocessorArg
	ruleSetsLanguage
	ruleSplitDwarf
	ruleUnsupported
	ruleNative
	ruleParam
	ruleSolarisPhase
	ruleLdLibraryPath
	ruleLdLibrary
	ruleLdDynamic
	ruleLdStatic
	ruleLdState
	ruleLdEmulation
	ruleSolarisLdB
	ruleSolarisLdD
	ruleSolarisLdY
	ruleSolarisLdMapfile
)

type ruleTable map[string]ruleKind

var gccRules = ruleTable{
	// Interferes with dependencies
	"-MD":                          ruleInterferesWithDeps,
	"-MMD":                         ruleInterferesWithDeps,
	"-MG":                          ruleInterferesWithDeps,
	"-MP":                          ruleInterferesWithDeps,
	"-MV":                          ruleInterferesWithDeps,
	"-Wmissing-include-dirs":       ruleInterferesWithDeps,
	"-Werror=missing-include-dirs": ruleInterferesWithDeps,
	// Compile options
	"-c": ruleCompile,
	// Macros
	"-D": ruleMacro,
	// Redirects output
	"-o":  ruleRedirectsOutput,
	"-MF": ruleRedirectsDepsOutput,
	"-MT": ruleDepsRuleTarget,
	"-MQ": ruleDepsRuleTarget,
	// Coverage options
	"--coverage":      ruleCoverage,
	"-ftest-coverage": ruleCoverage,
	"-fprofile-note":  ruleRedirectsCoverageOutput,
	// Input paths
	"-include":   ruleInputPath,
	"-imacros":   ruleInputPath,
	"-I":         ruleInputPath,
	"-iquote":    ruleInputPath,
	"-isystem":   ruleInputPath,
	"-idirafter": ruleInputPath,
	"-iprefix":   ruleInputPath,
	"-isysroot":  ruleInputPath,
	"--sysroot":  ruleInputPath,
	// Preprocessor arguments
	"-Wp,":           rulePreprocessorArg,
	"-Xpreprocessor": rulePreprocessorArg,
	// Sets language
	"-x": ruleSetsLanguage,
	// Debug options
	"-gsplit-dwarf": ruleSplitDwarf,
	// Options not supported
	"-fprofile-use":          ruleUnsupported,
	"-fauto-profile":         ruleUnsupported,
	"-fbranch-probabilities": ruleUnsupported,
	"-specs":                 ruleUnsupported,
	"-M":                     ruleUnsupported,
	"-MM":                    ruleUnsupported,
	"-E":                     ruleUnsupported,
	"-S":                     ruleUnsupported,
	"-save-temps":            ruleUnsupported,
	"-fdump":                 ruleUnsupported,
	"-march":                 ruleNative,
	"-mtune":                 ruleNative,
	"-mcpu":                  ruleNative,
	"--param":                ruleParam,
	"-z":                     ruleParam,
}

var gccPreprocessorRules = ruleTable{
	"-MD":        ruleInterferesWithDeps,
	"-MMD":       ruleInterferesWithDeps,
	"-M":         ruleUnsupported,
	"-MM":        ruleUnsupported,
	"-MG":        ruleInterferesWithDeps,
	"-MP":        ruleInterferesWithDeps,
	"-MV":        ruleInterferesWithDeps,
	"-o":         ruleRedirectsOutput,
	"-MF":        ruleRedirectsDepsOutput,
	"-MT":        ruleDepsRuleTarget,
	"-MQ":        ruleDepsRuleTarget,
	"-include":   ruleInputPath,
	"-imacros":   ruleInputPath,
	"-I":         ruleInputPath,
	"-iquote":    ruleInputPath,
	"-isystem":   ruleInputPath,
	"-idirafter": ruleInputPath,
	"-iprefix":   ruleInputPath,
	"-isysroot":  ruleInputPath,
	"--sysroot":  ruleInputPath,
}

var sunCPPRules = ruleTable{
	// Phase rules
	"-Qoption": ruleSolarisPhase,
	// Interferes with dependencies
	"-xMD":  ruleInterferesWithDeps,
	"-xMMD": ruleInterferesWithDeps,
	// Macros
	"-D": ruleMacro,
	// Redirects output
	"-o":   ruleRedirectsOutput,
	"-xMF": ruleRedirectsDepsOutput,
	// Input paths
	"-I":       ruleInputPath,
	"-include": ruleInputPath,
	// Compile options
	"-c": ruleCompile,
	// Rule needed to avoid substring matching the -xar rule
	"-xarch": ruleSimple,
	// Options not supported
	"-xar":      ruleUnsupported,
	"-xpch":     ruleUnsupported,
	"-xprofile": ruleUnsupported,
	"-###":      ruleUnsupported,
	"-xM":       ruleUnsupported,
	"-xM1":      ruleUnsupported,
	"-E":        ruleUnsupported,
	"-S":        ruleUnsupported,
}

var aixRules = ruleTable{
	// Interferes with dependencies
	"-qsyntaxonly":  ruleInterferesWithDeps,
	"-M":            ruleInterferesWithDeps,
	"-qmakedep":     ruleInterferesWithDeps,
	"-qmakedep=gcc": ruleInterferesWithDeps,
	// Macros
	"-D": ruleMacro,
	// Redirects output
	"-o":        ruleRedirectsOutput,
	"-MF":       ruleRedirectsDepsOutput,
	"-qexpfile": ruleRedirectsOutput,
	// Input paths
	"-qinclude": ruleInputPath,
	"-I":        ruleInputPath,
	"-qcinc":    ruleInputPath,
	// Compile options
	"-c": ruleCompile,
	// Options not supported
	"-#":                    ruleUnsupported,
	"-qshowpdf":             ruleUnsupported,
	"-qdump_class_hierachy": ruleUnsupported,
	"-E":                    ruleUnsupported,
	"-S":                    ruleUnsupported,
}

var ldRules = ruleTable{
	"-o":             ruleRedirectsOutput,
	"-L":             ruleLdLibraryPath,
	"--library-path": ruleLdLibraryPath,
	"-l":             ruleLdLibrary,
	"--library":      ruleLdLibrary,
	"-rpath-link":    ruleLdLibraryPath,
	"--rpath-link":   ruleLdLibraryPath,
	"-rpath":         ruleLdLibraryPath,
	"--rpath":        ruleLdLibraryPath,
	"-R":             ruleLdLibraryPath,
	"-Bdynamic":      ruleLdDynamic,
	"-dy":            ruleLdDynamic,
	"-call_shared":   ruleLdDynamic,
	"-Bstatic":       ruleLdStatic,
	"-dn":            ruleLdStatic,
	"-non_shared":    ruleLdStatic,
	"-static":        ruleLdStatic,
	"--push-state":   ruleLdState,
	"--pop-state":    ruleLdState,
	"-m":             ruleLdEmulation,
	"-soname":        ruleParam,
	"--soname":       ruleParam,
	"-z":             ruleParam,
	// Options not supported
	"--dependency-file":       ruleUnsupported,
	"--just-symbols":          ruleUnsupported,
	"-T":                      ruleUnsupported,
	"--script":                ruleUnsupported,
	"-dT":                     ruleUnsupported,
	"--default-script":        ruleUnsupported,
	"-Y":                      ruleUnsupported,
	"--dynamic-list":          ruleUnsupported,
	"-Map":                    ruleUnsupported,
	"--error-handling-script": ruleUnsupported,
	"--out-implib":            ruleUnsupported,
	"--retain-symbols-file":   ruleUnsupported,
	"--sysroot":               ruleUnsupported,
	"--version-script":        ruleUnsupported,
	"-a":                      ruleUnsupported,
}

var solarisLdRules = ruleTable{
	"-o":             ruleRedirectsOutput,
	"-L":             ruleLdLibraryPath,
	"--library-path": ruleLdLibraryPath,
	"-l":             ruleLdLibrary,
	"--library":      ruleLdLibrary,
	"-rpath":         ruleLdLibraryPath,
	"-R":             ruleLdLibraryPath,
	"-B":             ruleSolarisLdB,
	"-d":             ruleSolarisLdD,
	"-Y":             ruleSolarisLdY,
	"-h":             ruleParam,
	"-soname":        ruleParam,
	"-z":             ruleParam,
	"-u":             ruleMacro,
	"-M":             ruleSolarisLdMapfile,
}

// familyRules maps a compiler family to its rule table.
func familyRules(f compiler.Family) (ruleTable, bool) {
	switch f {
	case compiler.Gcc, compiler.Clang:
		return gccRules, true
	case compiler.SunStudio:
		return sunCPPRules, true
	case compiler.AIX:
		return aixRules, true
	default:
		return nil, false
	}
}

// prefixIndex returns the table's keys sorted by descending length so that
// the longest prefix wins the substring match (e.g. "-xassembler"
// dispatches to "-x", never to a shorter key).
func (t ruleTable) prefixIndex() []string {
	keys := make([]string, 0, len(t))
	for key := range t {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// parseState walks the remaining tokens of one command.
type parseState struct {
	pc     *ParsedCommand
	args   []string
	opts   Options
	rules  ruleTable
	prefix []string
}

func (s *parseState) run() {
	for len(s.args) > 0 {
		token := s.args[0]
		if key, kind, ok := s.match(token); ok {
			s.dispatch(key, kind)
			continue
		}
		switch {
		case token == "-":
			log.Warning("recc does not support standard input")
			s.pc.Unsupported = true
			s.pop()
		case strings.HasPrefix(token, "@"):
			log.Warning("recc does not support reading command-line options from a file")
			s.pc.Unsupported = true
			s.pop()
		case strings.HasPrefix(token, "-") || (s.pc.IsSunStudio() && strings.HasPrefix(token, "+")):
			// Option without a handler; Sun Studio uses both "-" and "+"
			// as option prefixes.
			s.appendOption(false, true)
		default:
			s.pc.RemoteArgs = append(s.pc.RemoteArgs, s.modifyForRemote(token))
			s.pc.DepsArgs = append(s.pc.DepsArgs, token)
			s.pc.Inputs = append(s.pc.Inputs, token)
			s.pop()
		}
	}
}

// match finds the rule for a token: first an exact match on the token
// trimmed at "=" (with spaces removed), then the longest key that is a
// prefix of the raw token.
func (s *parseState) match(token string) (string, ruleKind, bool) {
	if token == "" || (token[0] != '-' && token[0] != '+') {
		return "", 0, false
	}
	trimmed := token
	if eq := strings.IndexByte(trimmed, '='); eq >= 0 {
		trimmed = trimmed[:eq]
	}
	trimmed = strings.ReplaceAll(trimmed, " ", "")
	if kind, ok := s.rules[trimmed]; ok {
		return trimmed, kind, true
	}
	for _, key := range s.prefix {
		if strings.HasPrefix(token, key) {
			return key, s.rules[key], true
		}
	}
	return "", 0, false
}

func (s *parseState) dispatch(key string, kind ruleKind) {
	switch kind {
	case ruleSimple:
		s.appendOption(false, true)
	case ruleInterferesWithDeps:
		s.handleInterferesWithDeps(key)
	case ruleCompile:
		s.pc.IsCompile = true
		s.appendOption(false, true)
	case ruleMacro:
		s.handleMacro(key)
	case ruleRedirectsOutput:
		s.handlePathOption(key, false, true, false)
	case ruleRedirectsDepsOutput:
		s.handlePathOption(key, false, true, true)
	case ruleDepsRuleTarget:
		s.handlePathOption(key, false, false, false)
	case ruleCoverage:
		s.pc.Coverage = true
		s.pc.RemoteArgs = append(s.pc.RemoteArgs, s.args[0])
		s.pop()
	case ruleRedirectsCoverageOutput:
		s.handleRedirectsCoverageOutput(key)
	case ruleInputPath:
		s.handlePathOption(key, true, false, false)
	case rulePreprocessorArg:
		s.handlePreprocessorArg(key)
	case ruleSetsLanguage:
		s.handleSetsLanguage(key)
	case ruleSplitDwarf:
		s.pc.SplitDwarf = true
		s.appendOption(false, true)
	case ruleUnsupported:
		s.handleUnsupported()
	case ruleNative:
		s.handleNative(key)
	case ruleParam:
		s.handleParam(key)
	case ruleSolarisPhase:
		s.handleSolarisPhase()
	case ruleLdLibraryPath:
		s.handleLdLibraryPath(key)
	case ruleLdLibrary:
		s.handleLdLibrary(key)
	case ruleLdDynamic:
		s.pc.BStatic = false
		s.appendOption(false, true)
	case ruleLdStatic:
		s.pc.BStatic = true
		s.appendOption(false, true)
	case ruleLdState:
		s.handleLdState(key)
	case ruleLdEmulation:
		s.handleLdEmulation(key)
	case ruleSolarisLdB:
		s.handleSolarisLdToggle(key, "dynamic", "static")
	case ruleSolarisLdD:
		s.handleSolarisLdToggle(key, "y", "n")
	case ruleSolarisLdY:
		s.handleSolarisLdY(key)
	case ruleSolarisLdMapfile:
		s.handleSolarisLdMapfile(key)
	}
}

func (s *parseState) pop() string {
	token := s.args[0]
	s.args = s.args[1:]
	return token
}

func (s *parseState) modifyForRemote(path string) string {
	return s.opts.Mapper.ModifyForRemote(path, s.opts.WorkingDirectory)
}

// recordIncludeDir records a payload in the include directory set when it
// resolves to an existing directory locally.
func (s *parseState) recordIncludeDir(localPath, replacedPath string) {
	if fi, err := os.Stat(pathmap.Normalize(localPath)); err == nil && fi.IsDir() {
		s.pc.includeDirSet[replacedPath] = true
	}
}

// appendOption pushes the current token to the remote command (path-mapped
// when isPath) and, when toDeps, to the deps command, then consumes it.
func (s *parseState) appendOption(isPath, toDeps bool) {
	token := s.pop()
	if isPath {
		replaced := s.modifyForRemote(token)
		s.recordIncludeDir(token, replaced)
		if toDeps {
			s.pc.DepsArgs = append(s.pc.DepsArgs, token)
		}
		s.pc.RemoteArgs = append(s.pc.RemoteArgs, replaced)
		return
	}
	s.pc.RemoteArgs = append(s.pc.RemoteArgs, token)
	if toDeps {
		s.pc.DepsArgs = append(s.pc.DepsArgs, token)
	}
}

// appendPathArg pushes the current token to the remote command path-mapped,
// recording it as a product or deps product as requested.
func (s *parseState) appendPathArg(toDeps, isOutput, depsOutput bool) {
	token := s.pop()
	replaced := s.modifyForRemote(token)
	s.recordIncludeDir(token, replaced)
	if toDeps {
		s.pc.DepsArgs = append(s.pc.DepsArgs, token)
	}
	s.pc.RemoteArgs = append(s.pc.RemoteArgs, replaced)
	switch {
	case isOutput && !depsOutput:
		s.pc.Products[replaced] = true
	case isOutput:
		s.pc.DepsProducts[replaced] = true
	}
}

// handlePathOption implements the common option-with-path-argument shape:
// "-I dir", "-Idir" and "-I=dir" (and the option key with "=" like
// "--sysroot=dir").
func (s *parseState) handlePathOption(key string, toDeps, isOutput, depsOutput bool) {
	token := s.args[0]
	if token == key {
		// Space between option and argument.
		s.appendOption(false, toDeps)
		if len(s.args) == 0 {
			s.pc.Unsupported = true
			return
		}
		s.appendPathArg(toDeps, isOutput, depsOutput)
		return
	}

	// Joined argument, with or without "=".
	option := key
	payload := token[len(key):]
	if eq := strings.IndexByte(token, '='); eq >= 0 {
		option += "="
		payload = token[eq+1:]
	}
	replaced := s.modifyForRemote(payload)
	s.recordIncludeDir(payload, replaced)

	s.pc.RemoteArgs = append(s.pc.RemoteArgs, option+replaced)
	switch {
	case isOutput && !depsOutput:
		s.pc.Products[replaced] = true
	case isOutput:
		s.pc.DepsProducts[replaced] = true
	case toDeps:
		s.pc.DepsArgs = append(s.pc.DepsArgs, option+payload)
	}
	s.pop()
}

func (s *parseState) handleInterferesWithDeps(key string) {
	token := s.args[0]
	switch token {
	case "-MD", "-MMD", "-xMD", "-xMMD":
		s.pc.MD = true
	case "-Wmissing-include-dirs", "-Werror=missing-include-dirs":
		s.pc.UploadAllIncludeDirs = true
	default:
		if s.pc.IsAIX() && (key == "-M" || key == "-qmakedep") {
			s.pc.QMakeDep = true
		}
	}
	// Only push back to the remote command: these options would corrupt
	// the dependency scan output.
	s.pc.RemoteArgs = append(s.pc.RemoteArgs, token)
	s.pop()
}

// handleMacro passes -D through verbatim on both sides, in all four forms:
// -Dname, -Dname=definition, -D name and -D name=definition.
func (s *parseState) handleMacro(key string) {
	token := s.pop()
	s.pc.RemoteArgs = append(s.pc.RemoteArgs, token)
	s.pc.DepsArgs = append(s.pc.DepsArgs, token)
	if token == key && len(s.args) > 0 {
		arg := s.pop()
		s.pc.RemoteArgs = append(s.pc.RemoteArgs, arg)
		s.pc.DepsArgs = append(s.pc.DepsArgs, arg)
	}
}

func (s *parseState) handleRedirectsCoverageOutput(key string) {
	token := s.pop()
	eq := strings.IndexByte(token, '=')
	if eq < 0 {
		log.Warningf("%s requires an argument", key)
		s.pc.Unsupported = true
		return
	}
	replaced := s.modifyForRemote(token[eq+1:])
	s.pc.CoverageProducts[replaced] = true
	s.pc.RemoteArgs = append(s.pc.RemoteArgs, token)
}

func (s *parseState) handlePreprocessorArg(key string) {
	token := s.args[0]
	switch key {
	case "-Wp,":
		s.pc.preprocessorOptions = append(s.pc.preprocessorOptions,
			splitStageOptionList(token[len(key):])...)
	case "-Xpreprocessor":
		s.pop()
		if len(s.args) == 0 {
			s.pc.Unsupported = true
			return
		}
		s.pc.preprocessorOptions = append(s.pc.preprocessorOptions, s.args[0])
	}
	s.pop()
}

// splitStageOptionList splits a comma separated option list, treating
// single-quoted sections as literal.
func splitStageOptionList(list string) []string {
	var result []string
	var current strings.Builder
	quoted := false
	for i := 0; i < len(list); i++ {
		switch {
		case list[i] == '\'':
			quoted = !quoted
		case list[i] == ',' && !quoted:
			result = append(result, current.String())
			current.Reset()
		default:
			current.WriteByte(list[i])
		}
	}
	return append(result, current.String())
}

func (s *parseState) handleSetsLanguage(key string) {
	token := s.pop()
	var language string
	if token == key {
		if len(s.args) == 0 {
			log.Warningf("gcc's %q flag requires an argument", key)
			s.pc.Unsupported = true
			return
		}
		language = s.args[0]
	} else {
		// No space, e.g. "-xassembler". gcc -x does not understand an
		// equals sign: "-x=c++" selects the language "=c++".
		language = token[len(key):]
	}
	if !compiler.GccSupportedLanguages[language] {
		log.Warningf("recc does not support the language [%s]", language)
		s.pc.Unsupported = true
	}
	// Re-parse the option as a regular path option so both forms are
	// emitted consistently.
	s.args = append([]string{token}, s.args...)
	s.handlePathOption(key, true, false, false)
}

// handleUnsupported marks the command unsupported and flushes the remaining
// tokens to both command vectors so the local fallback still sees them.
func (s *parseState) handleUnsupported() {
	s.pc.Unsupported = true
	s.pc.DepsArgs = append(s.pc.DepsArgs, s.args...)
	s.pc.RemoteArgs = append(s.pc.RemoteArgs, s.args...)
	s.args = nil
}

func (s *parseState) handleNative(key string) {
	token := s.args[0]
	if eq := strings.IndexByte(token, '='); eq >= 0 {
		if token[eq+1:] == "native" {
			log.Warningf("\"native\" machine type builds cannot be cached [%s]", token)
			s.handleUnsupported()
			return
		}
	} else {
		log.V(1).Infof("malformed machine type option [%s]", token)
	}
	s.appendOption(false, true)
}

func (s *parseState) handleParam(key string) {
	if s.args[0] == key {
		if len(s.args) < 2 {
			s.handleUnsupported()
			return
		}
		s.appendOption(false, true)
		s.appendOption(false, true)
		return
	}
	// "=" between option and value, e.g. --param=ggc-min-expand=30.
	s.appendOption(false, true)
}

// handleSolarisPhase passes "-Qoption phase option" through as three
// tokens.
func (s *parseState) handleSolarisPhase() {
	if len(s.args) < 3 {
		s.handleUnsupported()
		return
	}
	for i := 0; i < 3; i++ {
		s.appendOption(false, true)
	}
}

func (s *parseState) handleLdLibraryPath(key string) {
	token := s.pop()
	var libraryPath string
	if token == key {
		if len(s.args) == 0 {
			s.handleUnsupported()
			return
		}
		libraryPath = s.pop()
	} else {
		libraryPath = strings.TrimPrefix(token[len(key):], "=")
	}
	if libraryPath == "" {
		s.handleUnsupported()
		return
	}

	var dirs *[]string
	switch key {
	case "-rpath-link", "--rpath-link":
		dirs = &s.pc.RpathLinkDirs
	case "-rpath", "--rpath", "-R":
		dirs = &s.pc.RpathDirs
	default:
		dirs = &s.pc.LibraryDirs
	}

	for _, entry := range strings.Split(libraryPath, ":") {
		fi, err := os.Stat(entry)
		switch {
		case err == nil && fi.IsDir():
			s.pc.RemoteArgs = append(s.pc.RemoteArgs, key, s.modifyForRemote(entry))
			*dirs = append(*dirs, entry)
		case key == "-R" && err == nil && fi.Mode().IsRegular():
			// -R with a regular file argument is --just-symbols.
			s.handleUnsupported()
			return
		}
	}
}

func (s *parseState) handleLdLibrary(key string) {
	token := s.pop()
	var library string
	if token == key {
		if len(s.args) == 0 {
			s.handleUnsupported()
			return
		}
		s.pc.RemoteArgs = append(s.pc.RemoteArgs, token)
		library = s.pop()
		s.pc.RemoteArgs = append(s.pc.RemoteArgs, library)
	} else {
		library = token[len(key):]
		if eq := strings.IndexByte(token, '='); eq >= 0 {
			library = token[eq+1:]
		}
		s.pc.RemoteArgs = append(s.pc.RemoteArgs, token)
	}
	if library == "" {
		s.handleUnsupported()
		return
	}
	if s.pc.BStatic {
		s.pc.StaticLibraries[library] = true
	} else {
		s.pc.Libraries[library] = true
	}
}

func (s *parseState) handleLdState(key string) {
	switch {
	case key == "--push-state":
		s.pc.bstaticStack = append(s.pc.bstaticStack, s.pc.BStatic)
	case key == "--pop-state" && len(s.pc.bstaticStack) > 0:
		s.pc.BStatic = s.pc.bstaticStack[len(s.pc.bstaticStack)-1]
		s.pc.bstaticStack = s.pc.bstaticStack[:len(s.pc.bstaticStack)-1]
	default:
		s.handleUnsupported()
		return
	}
	s.appendOption(false, true)
}

// handleLdEmulation preserves "-m EMU" with and without the space.
func (s *parseState) handleLdEmulation(key string) {
	token := s.pop()
	s.pc.RemoteArgs = append(s.pc.RemoteArgs, token)
	s.pc.DepsArgs = append(s.pc.DepsArgs, token)
	if token == key && len(s.args) > 0 {
		arg := s.pop()
		s.pc.RemoteArgs = append(s.pc.RemoteArgs, arg)
		s.pc.DepsArgs = append(s.pc.DepsArgs, arg)
	}
}

// handleSolarisLdToggle handles -B{dynamic,static} and -d{y,n}.
func (s *parseState) handleSolarisLdToggle(key, dynamicArg, staticArg string) {
	token := s.args[0]
	var arg string
	if token == key {
		if len(s.args) < 2 {
			s.handleUnsupported()
			return
		}
		s.appendOption(false, true)
		arg = s.args[0]
		s.appendOption(false, true)
	} else {
		arg = token[len(key):]
		s.appendOption(false, true)
	}
	switch arg {
	case dynamicArg:
		s.pc.BStatic = false
	case staticArg:
		s.pc.BStatic = true
	}
}

// handleSolarisLdY handles "-YP,dir:dir", which replaces the default
// library search path.
func (s *parseState) handleSolarisLdY(key string) {
	token := s.args[0]
	var arg string
	if token == key {
		if len(s.args) < 2 {
			s.handleUnsupported()
			return
		}
		s.appendOption(false, true)
		arg = s.args[0]
		s.appendOption(false, true)
	} else {
		arg = token[len(key):]
		s.appendOption(false, true)
	}
	if !strings.HasPrefix(arg, "P,") {
		s.handleUnsupported()
		return
	}
	s.pc.DefaultLibraryDirs = nil
	for _, entry := range strings.Split(arg[2:], ":") {
		if fi, err := os.Stat(entry); err == nil && fi.IsDir() {
			s.pc.DefaultLibraryDirs = append(s.pc.DefaultLibraryDirs, entry)
		}
	}
}

// handleSolarisLdMapfile records the mapfile of "-M mapfile" as an aux
// input.
func (s *parseState) handleSolarisLdMapfile(key string) {
	token := s.args[0]
	var mapfile string
	if token == key {
		if len(s.args) < 2 {
			s.handleUnsupported()
			return
		}
		s.appendOption(false, false)
		mapfile = s.args[0]
		s.appendOption(false, false)
	} else {
		mapfile = token[len(key):]
		s.appendOption(false, false)
	}
	if mapfile == "" {
		s.handleUnsupported()
		return
	}
	s.pc.AuxInputs = append(s.pc.AuxInputs, mapfile)
}
