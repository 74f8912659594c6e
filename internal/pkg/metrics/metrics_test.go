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

package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestFormatTag(t *testing.T) {
	tags := map[string]string{"team": "build", "host": "dev1"}
	tests := []struct {
		format string
		want   string
	}{
		{format: "influx", want: ",host=dev1,team=build"},
		{format: "graphite", want: ";host=dev1;team=build"},
		{format: "dog", want: "|#host=dev1,team=build"},
		{format: "", want: ""},
		{format: "bogus", want: ""},
	}
	for _, test := range tests {
		if got := FormatTag(test.format, tags); got != test.want {
			t.Errorf("FormatTag(%q) = %q, want %q", test.format, got, test.want)
		}
	}
	if got := FormatTag("influx", nil); got != "" {
		t.Errorf("FormatTag with no tags = %q, want empty", got)
	}
}

func TestRecorderAccumulates(t *testing.T) {
	r := NewRecorder()
	r.RecordDuration(TimerExecuteAction, 100*time.Millisecond)
	r.RecordDuration(TimerExecuteAction, 50*time.Millisecond)
	r.Count(CounterActionCacheHit, 1)

	if got := r.Durations()[TimerExecuteAction]; got != 150*time.Millisecond {
		t.Errorf("duration = %v, want 150ms", got)
	}
	if got := r.Counters()[CounterActionCacheHit]; got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}
}

func TestRenderStatsdLines(t *testing.T) {
	r := NewRecorder()
	r.RecordDuration(TimerExecuteAction, 1200*time.Millisecond)
	r.Count(CounterActionCacheMiss, 1)

	p := &Publisher{Tag: ",team=build"}
	lines := p.render(r)
	if !strings.Contains(lines, "recc.execute_action,team=build:1200|ms\n") {
		t.Errorf("render missing timer line, got:\n%s", lines)
	}
	if !strings.Contains(lines, "recc.action_cache_miss,team=build:1|c\n") {
		t.Errorf("render missing counter line, got:\n%s", lines)
	}
}
