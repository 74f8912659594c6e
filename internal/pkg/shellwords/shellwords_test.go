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

package shellwords

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{{
		name:    "simple",
		command: "/my/runner --flag a",
		want:    []string{"/my/runner", "--flag", "a"},
	}, {
		name:    "extra spaces",
		command: "  gcc   -c  main.c ",
		want:    []string{"gcc", "-c", "main.c"},
	}, {
		name:    "single quotes literal",
		command: `runner 'a b' 'c\d'`,
		want:    []string{"runner", "a b", `c\d`},
	}, {
		name:    "double quotes with escapes",
		command: `runner "a \"b\" c" d`,
		want:    []string{"runner", `a "b" c`, "d"},
	}, {
		name:    "unquoted backslash",
		command: `a\ b c`,
		want:    []string{"a b", "c"},
	}, {
		name:    "adjacent quoted pieces",
		command: `--opt='x y'z`,
		want:    []string{"--opt=x yz"},
	}, {
		name:    "missing closing quote",
		command: `runner 'unterminated arg`,
		want:    []string{"runner", "unterminated arg"},
	}, {
		name:    "empty",
		command: "   ",
		want:    nil,
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Split(test.command)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("Split(%q) returned diff (-want +got):\n%s", test.command, diff)
			}
		})
	}
}
