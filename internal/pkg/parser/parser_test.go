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
	"testing"

	"github.com/bloomberg/recc/internal/pkg/pathmap"

	"github.com/google/go-cmp/cmp"
)

func parse(t *testing.T, command ...string) *ParsedCommand {
	t.Helper()
	pc, err := Parse(command, Options{Mapper: &pathmap.Mapper{}})
	if err != nil {
		t.Fatalf("Parse(%v) failed: %v", command, err)
	}
	t.Cleanup(pc.Cleanup)
	return pc
}

func TestParseSimpleCompile(t *testing.T) {
	pc := parse(t, "./gcc", "-c", "hello.cpp", "-o", "hello.o")

	if !pc.IsCompile {
		t.Error("IsCompile = false, want true")
	}
	if pc.IsLink {
		t.Error("IsLink = true, want false")
	}
	if pc.Unsupported {
		t.Error("Unsupported = true, want false")
	}
	wantRemote := []string{"./gcc", "-c", "hello.cpp", "-o", "hello.o"}
	if diff := cmp.Diff(wantRemote, pc.RemoteArgs); diff != "" {
		t.Errorf("RemoteArgs diff (-want +got):\n%s", diff)
	}
	wantDeps := []string{"./gcc", "-c", "hello.cpp", "-M"}
	if diff := cmp.Diff(wantDeps, pc.DepsArgs); diff != "" {
		t.Errorf("DepsArgs diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"hello.cpp"}, pc.Inputs); diff != "" {
		t.Errorf("Inputs diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"hello.o"}, pc.SortedProducts()); diff != "" {
		t.Errorf("Products diff (-want +got):\n%s", diff)
	}
}

func TestParseIsDeterministic(t *testing.T) {
	// Parsing the original argv of a produced ParsedCommand reproduces
	// the same remote command, products and flag bits.
	argv := []string{"./gcc", "-c", "foo.cpp", "-o", "foo.o", "-MD", "-MF", "foo.d", "--coverage"}
	first := parse(t, argv...)
	second := parse(t, first.OriginalArgs...)

	if diff := cmp.Diff(first.RemoteArgs, second.RemoteArgs); diff != "" {
		t.Errorf("RemoteArgs diff:\n%s", diff)
	}
	if diff := cmp.Diff(first.SortedProducts(), second.SortedProducts()); diff != "" {
		t.Errorf("Products diff:\n%s", diff)
	}
	if first.IsCompile != second.IsCompile || first.MD != second.MD || first.Coverage != second.Coverage {
		t.Errorf("flag bits differ between parses: %+v vs %+v", first, second)
	}
}

func TestParseUnsupportedOptions(t *testing.T) {
	tests := []struct {
		name string
		argv []string
	}{
		{name: "stdin", argv: []string{"gcc", "-c", "-"}},
		{name: "response file", argv: []string{"gcc", "-c", "@args.rsp"}},
		{name: "preprocess only", argv: []string{"gcc", "-E", "hello.cpp"}},
		{name: "assembly output", argv: []string{"gcc", "-S", "hello.cpp"}},
		{name: "make rules", argv: []string{"gcc", "-M", "hello.cpp"}},
		{name: "save temps", argv: []string{"gcc", "-save-temps", "-c", "hello.cpp"}},
		{name: "specs", argv: []string{"gcc", "-specs=custom.specs", "-c", "hello.cpp"}},
		{name: "profile use", argv: []string{"gcc", "-fprofile-use", "-c", "hello.cpp"}},
		{name: "march native", argv: []string{"gcc", "-march=native", "-c", "hello.cpp"}},
		{name: "mtune native", argv: []string{"gcc", "-mtune=native", "-c", "hello.cpp"}},
		{name: "language assembler", argv: []string{"gcc", "-x", "assembler", "-c", "hello.s"}},
		{name: "language joined", argv: []string{"gcc", "-xassembler", "-c", "hello.s"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pc := parse(t, test.argv...)
			if !pc.Unsupported {
				t.Errorf("Parse(%v): Unsupported = false, want true", test.argv)
			}
			if pc.IsCompile {
				t.Errorf("Parse(%v): IsCompile = true, want false", test.argv)
			}
		})
	}
}

func TestParseSupportedLanguages(t *testing.T) {
	for _, language := range []string{"c", "c++", "c-header", "c++-header"} {
		pc := parse(t, "gcc", "-x", language, "-c", "hello.cpp")
		if pc.Unsupported {
			t.Errorf("Parse with -x %s: Unsupported = true, want false", language)
		}
	}
}

func TestParseMachineOptionsNonNative(t *testing.T) {
	pc := parse(t, "gcc", "-march=armv8-a", "-c", "hello.cpp")
	if pc.Unsupported {
		t.Error("-march=armv8-a marked unsupported")
	}
	if !contains(pc.RemoteArgs, "-march=armv8-a") {
		t.Errorf("RemoteArgs %v missing -march=armv8-a", pc.RemoteArgs)
	}
}

func TestParseMacroForms(t *testing.T) {
	pc := parse(t, "gcc", "-DFOO", "-D", "BAR", "-DBAZ=1", "-c", "hello.cpp")
	for _, want := range []string{"-DFOO", "-D", "BAR", "-DBAZ=1"} {
		if !contains(pc.RemoteArgs, want) {
			t.Errorf("RemoteArgs %v missing %q", pc.RemoteArgs, want)
		}
		if !contains(pc.DepsArgs, want) {
			t.Errorf("DepsArgs %v missing %q", pc.DepsArgs, want)
		}
	}
}

func TestParseDependencyFlags(t *testing.T) {
	pc := parse(t, "gcc", "-c", "hello.cpp", "-MD", "-MF", "deps.d", "-o", "hello.o")
	if !pc.MD {
		t.Error("MD = false, want true")
	}
	if diff := cmp.Diff([]string{"deps.d"}, pc.SortedDepsProducts()); diff != "" {
		t.Errorf("DepsProducts diff (-want +got):\n%s", diff)
	}
	// -MD and -MF must not leak into the deps command.
	for _, arg := range []string{"-MD", "-MF", "deps.d"} {
		if contains(pc.DepsArgs, arg) {
			t.Errorf("DepsArgs %v contains %q", pc.DepsArgs, arg)
		}
	}
}

func TestParseCoverage(t *testing.T) {
	pc := parse(t, "gcc", "--coverage", "-c", "hello.cpp", "-o", "hello.o")
	if !pc.Coverage {
		t.Error("Coverage = false, want true")
	}
	pc = parse(t, "gcc", "-ftest-coverage", "-fprofile-note=note.gcno", "-c", "hello.cpp")
	if diff := cmp.Diff([]string{"note.gcno"}, pc.SortedCoverageProducts()); diff != "" {
		t.Errorf("CoverageProducts diff (-want +got):\n%s", diff)
	}
}

func TestParseSplitDwarf(t *testing.T) {
	pc := parse(t, "gcc", "-gsplit-dwarf", "-c", "hello.cpp", "-o", "hello.o")
	if !pc.SplitDwarf {
		t.Error("SplitDwarf = false, want true")
	}
}

func TestParsePreprocessorOptions(t *testing.T) {
	pc := parse(t, "gcc", "-Wp,-MMD,foo.d", "-c", "hello.cpp", "-o", "hello.o")
	// The -Wp options are re-parsed and re-emitted behind -Xpreprocessor.
	if !contains(pc.RemoteArgs, "-Xpreprocessor") {
		t.Errorf("RemoteArgs %v missing -Xpreprocessor", pc.RemoteArgs)
	}
	if !contains(pc.RemoteArgs, "-MMD") {
		t.Errorf("RemoteArgs %v missing re-emitted -MMD", pc.RemoteArgs)
	}
	if !pc.MD {
		t.Error("MD = false, want true (set via -Wp,-MMD)")
	}
}

func TestParseXpreprocessorOption(t *testing.T) {
	pc := parse(t, "gcc", "-Xpreprocessor", "-MMD", "-c", "hello.cpp", "-o", "hello.o")
	if !pc.MD {
		t.Error("MD = false, want true (set via -Xpreprocessor -MMD)")
	}
}

func TestParseUploadAllIncludeDirs(t *testing.T) {
	pc := parse(t, "gcc", "-Wmissing-include-dirs", "-c", "hello.cpp")
	if !pc.UploadAllIncludeDirs {
		t.Error("UploadAllIncludeDirs = false, want true")
	}
}

func TestParseCompilerWithoutDashCIsLink(t *testing.T) {
	pc := parse(t, "gcc", "hello.o", "-o", "hello")
	if pc.IsCompile {
		t.Error("IsCompile = true, want false")
	}
	if !pc.IsLink {
		t.Error("IsLink = false, want true")
	}
}

func TestParseNoInputFiles(t *testing.T) {
	pc := parse(t, "gcc", "-c")
	if pc.IsCompile || pc.IsLink {
		t.Errorf("command without inputs: IsCompile = %v, IsLink = %v, want false/false", pc.IsCompile, pc.IsLink)
	}
}

func TestParseUnknownCompiler(t *testing.T) {
	pc := parse(t, "/bin/ls")
	if !pc.Unsupported {
		t.Error("Unsupported = false, want true for unknown executable")
	}
	// The rewritten command still carries the executable for force-remote.
	if diff := cmp.Diff([]string{"/bin/ls"}, pc.RemoteArgs); diff != "" {
		t.Errorf("RemoteArgs diff (-want +got):\n%s", diff)
	}
}

func TestParseLinkerCommand(t *testing.T) {
	pc, err := ParseLinkerCommand(
		[]string{"/usr/bin/ld", "-o", "prog", "main.o", "-lfoo", "-Bstatic", "-lbar", "-Bdynamic", "-lbaz"},
		Options{Mapper: &pathmap.Mapper{}})
	if err != nil {
		t.Fatalf("ParseLinkerCommand failed: %v", err)
	}
	if !pc.IsLink {
		t.Error("IsLink = false, want true")
	}
	if !pc.Libraries["foo"] || !pc.Libraries["baz"] {
		t.Errorf("Libraries = %v, want foo and baz", pc.Libraries)
	}
	if !pc.StaticLibraries["bar"] {
		t.Errorf("StaticLibraries = %v, want bar", pc.StaticLibraries)
	}
	if diff := cmp.Diff([]string{"main.o"}, pc.Inputs); diff != "" {
		t.Errorf("Inputs diff (-want +got):\n%s", diff)
	}
}

func TestParseLinkerPushPopState(t *testing.T) {
	pc, err := ParseLinkerCommand(
		[]string{"ld", "-Bstatic", "--push-state", "-Bdynamic", "-lshared", "--pop-state", "-lstill_static", "-o", "out"},
		Options{Mapper: &pathmap.Mapper{}})
	if err != nil {
		t.Fatalf("ParseLinkerCommand failed: %v", err)
	}
	if !pc.Libraries["shared"] {
		t.Errorf("Libraries = %v, want shared", pc.Libraries)
	}
	if !pc.StaticLibraries["still_static"] {
		t.Errorf("StaticLibraries = %v, want still_static (bstatic restored by --pop-state)", pc.StaticLibraries)
	}
}

func TestParseLinkerUnsupportedOptions(t *testing.T) {
	tests := [][]string{
		{"ld", "-T", "script.ld", "-o", "out", "main.o"},
		{"ld", "--version-script=vers", "-o", "out", "main.o"},
		{"ld", "-Map", "out.map", "-o", "out", "main.o"},
		{"ld", "--dynamic-list", "list", "-o", "out", "main.o"},
	}
	for _, argv := range tests {
		pc, err := ParseLinkerCommand(argv, Options{Mapper: &pathmap.Mapper{}})
		if err != nil {
			t.Fatalf("ParseLinkerCommand(%v) failed: %v", argv, err)
		}
		if !pc.Unsupported {
			t.Errorf("ParseLinkerCommand(%v): Unsupported = false, want true", argv)
		}
	}
}

func TestParseLibraryPathRecorded(t *testing.T) {
	dir := t.TempDir()
	pc, err := ParseLinkerCommand(
		[]string{"ld", "-L", dir, "-lfoo", "-o", "out", "main.o"},
		Options{Mapper: &pathmap.Mapper{}})
	if err != nil {
		t.Fatalf("ParseLinkerCommand failed: %v", err)
	}
	if diff := cmp.Diff([]string{dir}, pc.LibraryDirs); diff != "" {
		t.Errorf("LibraryDirs diff (-want +got):\n%s", diff)
	}
}

func contains(args []string, want string) bool {
	for _, arg := range args {
		if arg == want {
			return true
		}
	}
	return false
}
