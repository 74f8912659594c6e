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

// Package metadata sends a best-effort UDP datagram describing one
// compiler execution to a local collector. The record is encoded directly
// in protobuf wire format; the field numbers of the CompilerExecutionData
// message are fixed in the constants below.
package metadata

import (
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/bloomberg/recc/internal/pkg/deps"
	"github.com/bloomberg/recc/internal/pkg/metrics"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	log "github.com/golang/glog"
)

// Field numbers of the CompilerExecutionData record.
const (
	fieldCommand          = 1 // string
	fieldFullCommand      = 2 // string
	fieldWorkingDirectory = 3 // string
	fieldEnvironment      = 4 // map<string, string>
	fieldPlatform         = 5 // build.bazel.remote.execution.v2.Platform
	fieldSourceFileInfo   = 6 // repeated build.bazel.remote.execution.v2.FileNode
	fieldCorrelatedID     = 7 // string
	fieldDurationUsec     = 8 // int64
	fieldRusage           = 9 // Rusage submessage

	fieldCounterMetrics  = 10 // map<string, int64>
	fieldDurationMetrics = 11 // map<string, int64> (milliseconds)
	fieldActionDigest    = 12 // build.bazel.remote.execution.v2.Digest

	rusageUserUsec   = 1
	rusageSystemUsec = 2
	rusageMaxRSS     = 3
)

// Record captures everything reported about one invocation.
type Record struct {
	Command                 string
	Args                    []string
	WorkingDirectory        string
	CorrelatedInvocationsID string
	Duration                time.Duration
	ActionDigest            digest.Digest
	Metrics                 *metrics.Recorder
}

// Send emits the datagram to 127.0.0.1:port. Failures are logged at low
// verbosity and never propagate: metadata must not break the build.
func Send(port string, record *Record) {
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		log.V(1).Infof("Failed to dial metadata collector: %v", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write(encode(record)); err != nil {
		log.V(1).Infof("Failed to send compilation metadata: %v", err)
	}
}

func encode(record *Record) []byte {
	var b []byte

	b = protowire.AppendTag(b, fieldCommand, protowire.BytesType)
	b = protowire.AppendString(b, record.Command)
	b = protowire.AppendTag(b, fieldFullCommand, protowire.BytesType)
	b = protowire.AppendString(b, strings.Join(record.Args, " "))
	b = protowire.AppendTag(b, fieldWorkingDirectory, protowire.BytesType)
	b = protowire.AppendString(b, record.WorkingDirectory)

	for _, envVar := range os.Environ() {
		key, value, found := strings.Cut(envVar, "=")
		if !found {
			continue
		}
		b = appendMapEntry(b, fieldEnvironment, key, value)
	}

	b = appendMessage(b, fieldPlatform, hostPlatform())

	// Files with recognized source suffixes are digested so the collector
	// can correlate compilations of the same source.
	for _, arg := range record.Args {
		if !deps.IsSourceFile(arg) {
			continue
		}
		dg, err := digest.NewFromFile(arg)
		if err != nil {
			continue
		}
		b = appendMessage(b, fieldSourceFileInfo, &repb.FileNode{Name: arg, Digest: dg.ToProto()})
	}

	b = protowire.AppendTag(b, fieldCorrelatedID, protowire.BytesType)
	b = protowire.AppendString(b, record.CorrelatedInvocationsID)
	b = protowire.AppendTag(b, fieldDurationUsec, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(record.Duration.Microseconds()))
	b = appendRusage(b)

	if record.Metrics != nil {
		for name, value := range record.Metrics.Counters() {
			b = appendMapVarintEntry(b, fieldCounterMetrics, name, uint64(value))
		}
		for name, value := range record.Metrics.Durations() {
			b = appendMapVarintEntry(b, fieldDurationMetrics, name, uint64(value.Milliseconds()))
		}
	}

	b = appendMessage(b, fieldActionDigest, record.ActionDigest.ToProto())
	return b
}

// hostPlatform reports the host's ISA and OS family the same way workers
// advertise theirs.
func hostPlatform() *repb.Platform {
	osFamily := runtime.GOOS
	if info, err := host.Info(); err == nil && info.OS != "" {
		osFamily = info.OS
	}
	return &repb.Platform{Properties: []*repb.Platform_Property{
		{Name: "ISA", Value: runtime.GOARCH},
		{Name: "OSFamily", Value: osFamily},
	}}
}

// appendRusage records the resource usage of terminated children, which at
// send time covers the dependency subprocesses and any local build.
func appendRusage(b []byte) []byte {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_CHILDREN, &ru); err != nil {
		return b
	}
	var msg []byte
	msg = protowire.AppendTag(msg, rusageUserUsec, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(ru.Utime.Sec)*1e6+uint64(ru.Utime.Usec))
	msg = protowire.AppendTag(msg, rusageSystemUsec, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(ru.Stime.Sec)*1e6+uint64(ru.Stime.Usec))
	msg = protowire.AppendTag(msg, rusageMaxRSS, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(ru.Maxrss))

	b = protowire.AppendTag(b, fieldRusage, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendMessage(b []byte, field protowire.Number, msg proto.Message) []byte {
	blob, err := proto.Marshal(msg)
	if err != nil {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, blob)
}

// appendMapEntry encodes one entry of a proto map field: a nested message
// with the key at 1 and the value at 2.
func appendMapEntry(b []byte, field protowire.Number, key, value string) []byte {
	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendString(entry, key)
	entry = protowire.AppendTag(entry, 2, protowire.BytesType)
	entry = protowire.AppendString(entry, value)

	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, entry)
}

func appendMapVarintEntry(b []byte, field protowire.Number, key string, value uint64) []byte {
	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendString(entry, key)
	entry = protowire.AppendTag(entry, 2, protowire.VarintType)
	entry = protowire.AppendVarint(entry, value)

	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, entry)
}
