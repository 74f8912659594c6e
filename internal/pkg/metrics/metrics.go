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

// Package metrics accumulates per-invocation duration and counter metrics
// and publishes them in statsd format to a file, a UDP endpoint or stderr.
package metrics

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
)

// Metric names recorded across the invocation.
const (
	TimerCompilerDeps       = "recc.compiler_deps"
	TimerLinkerDeps         = "recc.linker_deps"
	TimerBuildMerkleTree    = "recc.build_merkle_tree"
	TimerExecuteAction      = "recc.execute_action"
	TimerFindMissingBlobs   = "recc.find_missing_blobs"
	TimerQueryActionCache   = "recc.query_action_cache"
	TimerUploadMissingBlobs = "recc.upload_missing_blobs"
	TimerDownloadBlobs      = "recc.download_blobs"

	CounterActionCacheHit        = "recc.action_cache_hit"
	CounterActionCacheMiss       = "recc.action_cache_miss"
	CounterActionCacheSkip       = "recc.action_cache_skip"
	CounterLinkActionCacheHit    = "recc.link_action_cache_hit"
	CounterLinkActionCacheMiss   = "recc.link_action_cache_miss"
	CounterUploadBlobsCacheHit   = "recc.upload_blobs_cache_hit"
	CounterUploadBlobsCacheMiss  = "recc.upload_blobs_cache_miss"
	CounterInputSizeBytes        = "recc.input_size_bytes"
	CounterUnsupportedCommand    = "recc.unsupported_command"
	CounterScanDepsInvokeSuccess = "recc.clang_scan_deps_invocation_success"
	CounterScanDepsInvokeFailure = "recc.clang_scan_deps_invocation_failure"
	CounterScanDepsTargetSuccess = "recc.clang_scan_deps_target_success"
	CounterScanDepsTargetFailure = "recc.clang_scan_deps_target_failure"
)

// Recorder accumulates metrics for one invocation. The zero value is not
// usable; use NewRecorder. All methods are safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	durations map[string]time.Duration
	counters  map[string]int64
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		durations: map[string]time.Duration{},
		counters:  map[string]int64{},
	}
}

// Timed records the elapsed time under name once the returned function is
// called. Typical use: defer r.Timed(TimerExecuteAction)().
func (r *Recorder) Timed(name string) func() {
	start := time.Now()
	return func() {
		r.RecordDuration(name, time.Since(start))
	}
}

// RecordDuration adds a duration sample under name. Repeated samples
// accumulate.
func (r *Recorder) RecordDuration(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[name] += d
}

// Count records a counter value under name, replacing any earlier value.
func (r *Recorder) Count(name string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] = value
}

// Durations returns a copy of the recorded duration metrics.
func (r *Recorder) Durations() map[string]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	durations := make(map[string]time.Duration, len(r.durations))
	for k, v := range r.durations {
		durations[k] = v
	}
	return durations
}

// Counters returns a copy of the recorded counter metrics.
func (r *Recorder) Counters() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	return counters
}

// FormatTag renders the configured metric tags in the given statsd dialect:
// influx (",k=v"), graphite (";k=v") or dog ("|#k=v"). An empty format or
// tag set renders to "".
func FormatTag(format string, tags map[string]string) string {
	if len(tags) == 0 || format == "" {
		return ""
	}
	var separator, prefix string
	switch format {
	case "influx":
		separator, prefix = ",", ","
	case "graphite":
		separator, prefix = ";", ";"
	case "dog":
		separator, prefix = ",", "|#"
	default:
		return ""
	}
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+tags[key])
	}
	return prefix + strings.Join(parts, separator)
}

// Publisher writes statsd lines to the configured sink.
type Publisher struct {
	// File receives the statsd lines when set; otherwise UDPServer is
	// dialed; otherwise lines go to stderr.
	File      string
	UDPServer string
	Tag       string
}

// Publish renders and writes all recorded metrics. Failures are logged,
// never fatal: metrics must not break the build.
func (p *Publisher) Publish(r *Recorder) {
	lines := p.render(r)
	if lines == "" {
		return
	}
	switch {
	case p.File != "":
		f, err := os.OpenFile(p.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Errorf("Failed to open metrics file %s: %v", p.File, err)
			return
		}
		defer f.Close()
		if _, err := f.WriteString(lines); err != nil {
			log.Errorf("Failed to write metrics: %v", err)
		}
	case p.UDPServer != "":
		conn, err := net.Dial("udp", p.UDPServer)
		if err != nil {
			log.Errorf("Failed to dial metrics UDP server %s: %v", p.UDPServer, err)
			return
		}
		defer conn.Close()
		if _, err := conn.Write([]byte(lines)); err != nil {
			log.Errorf("Failed to send metrics: %v", err)
		}
	default:
		fmt.Fprint(os.Stderr, lines)
	}
}

// render produces one statsd line per metric: timers in milliseconds with
// "|ms", counters with "|c". The tag suffix is appended to the metric name.
func (p *Publisher) render(r *Recorder) string {
	var b strings.Builder
	durations := r.Durations()
	names := make([]string, 0, len(durations))
	for name := range durations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s%s:%d|ms\n", name, p.Tag, durations[name].Milliseconds())
	}

	counters := r.Counters()
	names = names[:0]
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s%s:%d|c\n", name, p.Tag, counters[name])
	}
	return b.String()
}
