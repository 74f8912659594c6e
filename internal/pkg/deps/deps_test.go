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
	"testing"

	"github.com/bloomberg/recc/internal/pkg/parser"
	"github.com/bloomberg/recc/internal/pkg/pathmap"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func sortSlices() cmp.Option {
	return cmpopts.SortSlices(func(a, b string) bool { return a < b })
}

func TestDependenciesFromMakeRules(t *testing.T) {
	tests := []struct {
		name      string
		rules     string
		sunFormat bool
		want      map[string]bool
	}{{
		name:  "single rule",
		rules: "hello.o: hello.cpp hello.h\n",
		want:  map[string]bool{"hello.cpp": true, "hello.h": true},
	}, {
		name:  "backslash continuation",
		rules: "hello.o: hello.cpp \\\n  hello.h \\\n  other.h\n",
		want:  map[string]bool{"hello.cpp": true, "hello.h": true, "other.h": true},
	}, {
		name:  "multiple rules",
		rules: "a.o: a.cpp a.h\nb.o: b.cpp\n",
		want:  map[string]bool{"a.cpp": true, "a.h": true, "b.cpp": true},
	}, {
		name:  "no trailing newline",
		rules: "hello.o: hello.cpp",
		want:  map[string]bool{"hello.cpp": true},
	}, {
		name:  "extra whitespace",
		rules: "hello.o:     hello.cpp      hello.h \n",
		want:  map[string]bool{"hello.cpp": true, "hello.h": true},
	}, {
		name:      "sun one dep per line",
		rules:     "hello.o : hello.cpp\nhello.o : dir/my header.h\n",
		sunFormat: true,
		want:      map[string]bool{"hello.cpp": true, "dir/my header.h": true},
	}, {
		name:  "empty",
		rules: "",
		want:  map[string]bool{},
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := DependenciesFromMakeRules(test.rules, test.sunFormat)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("DependenciesFromMakeRules diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDependenciesFromMakeRulesReformatInvariance(t *testing.T) {
	// Arbitrary intra-rule whitespace and backslash-newline splitting must
	// not change the parsed set.
	variants := []string{
		"t.o: a.cpp b.h c.h\n",
		"t.o: a.cpp  b.h   c.h\n",
		"t.o: a.cpp \\\nb.h \\\nc.h\n",
		"t.o: \\\n a.cpp \\\n b.h \\\n c.h\n",
	}
	want := DependenciesFromMakeRules(variants[0], false)
	for _, variant := range variants[1:] {
		got := DependenciesFromMakeRules(variant, false)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("parse of %q differs (-want +got):\n%s", variant, diff)
		}
	}
}

func TestCrtbeginFromClangV(t *testing.T) {
	stderr := `clang version 11.0.0
Selected GCC installation: /usr/lib/gcc/x86_64-linux-gnu/9
Candidate multilib: .;@m64
Selected multilib: .;@m64
`
	want := "/usr/lib/gcc/x86_64-linux-gnu/9/crtbegin.o"
	if got := CrtbeginFromClangV(stderr); got != want {
		t.Errorf("CrtbeginFromClangV = %q, want %q", got, want)
	}

	multilib := `Selected GCC installation: /usr/lib/gcc/x86_64-linux-gnu/9
Selected multilib: 32;@m32
`
	want = "/usr/lib/gcc/x86_64-linux-gnu/9/32/crtbegin.o"
	if got := CrtbeginFromClangV(multilib); got != want {
		t.Errorf("CrtbeginFromClangV = %q, want %q", got, want)
	}

	if got := CrtbeginFromClangV("no such lines"); got != "" {
		t.Errorf("CrtbeginFromClangV on unrelated output = %q, want empty", got)
	}
}

func parseCommand(t *testing.T, argv ...string) *parser.ParsedCommand {
	t.Helper()
	pc, err := parser.Parse(argv, parser.Options{Mapper: &pathmap.Mapper{}})
	if err != nil {
		t.Fatalf("Parse(%v) failed: %v", argv, err)
	}
	t.Cleanup(pc.Cleanup)
	return pc
}

func TestDetermineProducts(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want []string
	}{{
		name: "explicit output",
		argv: []string{"gcc", "-c", "hello.cpp", "-o", "out/hello.o"},
		want: []string{"out/hello.o"},
	}, {
		name: "derived object name",
		argv: []string{"gcc", "-c", "src/hello.cpp"},
		want: []string{"hello.o"},
	}, {
		name: "header produces gch in place",
		argv: []string{"gcc", "-c", "include/hello.h"},
		want: []string{"include/hello.h.gch"},
	}, {
		name: "md adds deps file next to output",
		argv: []string{"gcc", "-c", "hello.cpp", "-o", "hello.o", "-MD"},
		want: []string{"hello.d", "hello.o"},
	}, {
		name: "md with explicit MF",
		argv: []string{"gcc", "-c", "hello.cpp", "-o", "hello.o", "-MD", "-MF", "custom.d"},
		want: []string{"custom.d", "hello.o"},
	}, {
		name: "md without output",
		argv: []string{"gcc", "-c", "src/hello.cpp", "-MD"},
		want: []string{"hello.d", "hello.o"},
	}, {
		name: "coverage",
		argv: []string{"gcc", "--coverage", "-c", "hello.cpp", "-o", "hello.o"},
		want: []string{"hello.gcno", "hello.o"},
	}, {
		name: "split dwarf",
		argv: []string{"gcc", "-gsplit-dwarf", "-c", "hello.cpp", "-o", "hello.o"},
		want: []string{"hello.dwo", "hello.o"},
	}, {
		name: "link default product",
		argv: []string{"gcc", "main.o"},
		want: []string{"a.out"},
	}, {
		name: "link explicit product",
		argv: []string{"gcc", "main.o", "-o", "prog"},
		want: []string{"prog"},
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pc := parseCommand(t, test.argv...)
			products, err := DetermineProducts(pc)
			if err != nil {
				t.Fatalf("DetermineProducts failed: %v", err)
			}
			var got []string
			for product := range products {
				got = append(got, product)
			}
			if diff := cmp.Diff(test.want, got, sortSlices()); diff != "" {
				t.Errorf("DetermineProducts diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDetermineProductsRejectsUnknownSuffix(t *testing.T) {
	pc := parseCommand(t, "gcc", "-c", "hello.rs")
	if _, err := DetermineProducts(pc); err == nil {
		t.Error("DetermineProducts accepted an unsupported suffix, want error")
	}
}

func TestSuffixClassification(t *testing.T) {
	if !IsSourceFile("a.cpp") || !IsSourceFile("b.c") || !IsSourceFile("c.cc") {
		t.Error("IsSourceFile rejected a C/C++ source")
	}
	if IsSourceFile("a.h") || IsSourceFile("a.o") {
		t.Error("IsSourceFile accepted a non-source")
	}
	if !IsHeaderFile("a.h") || !IsHeaderFile("a.hpp") || !IsHeaderFile("a.tcc") {
		t.Error("IsHeaderFile rejected a header")
	}
	if !IsObjectFile("a.o") || !IsObjectFile("a.a") || !IsObjectFile("a.so") {
		t.Error("IsObjectFile rejected an object")
	}
}
