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

// Main package for the recc binary, a caching, remote-executing wrapper
// for C/C++ compiler and linker invocations.
//
// Example usage:
//
//	RECC_SERVER=grpc://localhost:8980 recc gcc -c hello.cpp -o hello.o
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bloomberg/recc/internal/pkg/config"
	"github.com/bloomberg/recc/internal/pkg/execution"
	"github.com/bloomberg/recc/internal/pkg/metadata"
	"github.com/bloomberg/recc/internal/pkg/metrics"
	"github.com/bloomberg/recc/internal/pkg/signals"
	"github.com/bloomberg/recc/internal/pkg/version"

	log "github.com/golang/glog"
)

const usage = `USAGE: recc <command>

recc is a remote execution caching compiler wrapper. Prefix a compile or
link command with "recc" to attempt to build it remotely or serve it from
a content-addressed cache, falling back to local execution when the
command cannot be remoted.

recc is configured through RECC_* environment variables and recc.conf
files; see the project documentation for the full list. The most
important ones:

  RECC_SERVER                URI of the execution server
  RECC_CAS_SERVER            URI of the CAS server (defaults to RECC_ACTION_CACHE_SERVER, then RECC_SERVER)
  RECC_ACTION_CACHE_SERVER   URI of the action cache (defaults to CAS)
  RECC_CACHE_ONLY            only use the action cache, never execute remotely
  RECC_FORCE_REMOTE          remote even non-compile commands
  RECC_VERBOSE               enable verbose output
`

func main() {
	os.Exit(run())
}

func run() int {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "recc: no command given")
		return execution.ExitUsageError
	}
	switch args[0] {
	case "--help", "-h":
		fmt.Print(usage)
		return 0
	case "--version", "-v":
		fmt.Printf("recc version: %s\n", version.CurrentVersion())
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "recc: %v\n", err)
		return execution.ExitUsageError
	}
	setupLogging(cfg)
	defer log.Flush()

	stop, ctx := signals.Install(context.Background())

	start := time.Now()
	e := execution.New(cfg)
	e.Stop = stop
	exitCode, err := e.Execute(ctx, args)
	if err != nil {
		var transportErr *execution.TransportError
		switch {
		case errors.As(err, &transportErr):
			log.Errorf("Transport error: %v", err)
		default:
			log.Error(err)
		}
	}
	if stop.Stopped() {
		exitCode = execution.ExitCancelled
	}

	if cfg.EnableMetrics {
		publisher := &metrics.Publisher{
			File:      cfg.MetricsFile,
			UDPServer: cfg.MetricsUDPServer,
			Tag:       metrics.FormatTag(cfg.StatsdFormat, cfg.MetricsTags),
		}
		publisher.Publish(e.Metrics)
	}
	if cfg.CompilationMetadataUDPPort != "" {
		metadata.Send(cfg.CompilationMetadataUDPPort, &metadata.Record{
			Command:                 args[0],
			Args:                    args,
			WorkingDirectory:        workingDirectory(),
			CorrelatedInvocationsID: cfg.CorrelatedInvocationsID,
			Duration:                time.Since(start),
			ActionDigest:            e.ActionDigest,
			Metrics:                 e.Metrics,
		})
	}
	return exitCode
}

// setupLogging maps the recc logging configuration onto glog's flags. The
// flag set is parsed empty: recc's own arguments belong to the wrapped
// compiler.
func setupLogging(cfg *config.Config) {
	flag.CommandLine.Parse(nil)
	if cfg.LogDirectory != "" {
		flag.Set("log_dir", cfg.LogDirectory)
	} else {
		flag.Set("logtostderr", "true")
	}
	switch cfg.LogLevel {
	case "error":
		flag.Set("stderrthreshold", "ERROR")
	case "warning":
		flag.Set("stderrthreshold", "WARNING")
	case "info":
		flag.Set("stderrthreshold", "INFO")
	case "debug", "trace":
		flag.Set("stderrthreshold", "INFO")
		flag.Set("v", "1")
	default:
		flag.Set("stderrthreshold", "ERROR")
	}
	if cfg.Verbose {
		flag.Set("stderrthreshold", "INFO")
		flag.Set("v", "1")
	}
}

func workingDirectory() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return cwd
}
