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

// Package execution drives one recc invocation end to end: parse and
// classify the command, build its action, query the action cache, upload
// missing blobs, execute remotely (or through a local runner), and
// materialize the outputs.
package execution

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bloomberg/recc/internal/pkg/actionbuilder"
	"github.com/bloomberg/recc/internal/pkg/config"
	"github.com/bloomberg/recc/internal/pkg/deps"
	"github.com/bloomberg/recc/internal/pkg/metrics"
	"github.com/bloomberg/recc/internal/pkg/parser"
	"github.com/bloomberg/recc/internal/pkg/reapi"
	"github.com/bloomberg/recc/internal/pkg/shellwords"
	"github.com/bloomberg/recc/internal/pkg/signals"
	"github.com/bloomberg/recc/internal/pkg/subprocess"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	"github.com/bazelbuild/remote-apis-sdks/go/pkg/uploadinfo"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"

	log "github.com/golang/glog"
)

// CLI exit classes.
const (
	ExitUsageError   = 100
	ExitLocalFailure = 101
	ExitTransport    = 102
	ExitCancelled    = 130
)

// TransportError marks failures of the remote endpoints, which are not
// recovered locally: the work was already surfaced as remote.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Context owns the state of one invocation.
type Context struct {
	Cfg      *config.Config
	Executor subprocess.Executor
	Metrics  *metrics.Recorder
	Stop     *signals.StopToken

	// Dial opens the REAPI connections; overridable in tests.
	Dial func(ctx context.Context, cfg *config.Config) (*reapi.Clients, error)

	// ActionDigest is the digest of the built action, exposed for the
	// metadata sink.
	ActionDigest digest.Digest
}

// New returns a Context with production collaborators.
func New(cfg *config.Config) *Context {
	return &Context{
		Cfg:      cfg,
		Executor: subprocess.SystemExecutor{},
		Metrics:  metrics.NewRecorder(),
		Dial:     reapi.Dial,
	}
}

// Execute runs the invocation and returns the exit code to propagate.
func (e *Context) Execute(ctx context.Context, argv []string) (int, error) {
	cfg := e.Cfg
	log.V(1).Infof("RECC_REAPI_VERSION == %q", cfg.ReapiVersion)

	cwd, err := os.Getwd()
	if err != nil {
		return ExitLocalFailure, err
	}

	pc, err := parser.Parse(argv, parser.Options{
		WorkingDirectory: cwd,
		Mapper:           cfg.Mapper(),
		DepsGlobalPaths:  cfg.DepsGlobalPaths,
	})
	if err != nil {
		return ExitLocalFailure, err
	}
	defer pc.Cleanup()

	// Apply the per-family overlays by value.
	cfg = cfg.ForCommand(pc.IsCompile, pc.IsLink)

	var built *actionbuilder.Result
	if pc.IsCompile || ((cfg.Link || cfg.LinkMetricsOnly) && pc.IsLink) || cfg.ForceRemote {
		builder := &actionbuilder.Builder{
			Cfg: cfg,
			Scanner: &deps.Scanner{
				Cfg:      cfg,
				Executor: e.Executor,
				Metrics:  e.Metrics,
			},
			Metrics: e.Metrics,
		}
		built, err = builder.BuildAction(ctx, pc, cwd)
		if err != nil {
			log.Errorf("Failed to build action: %v", err)
			return ExitLocalFailure, err
		}
		if !built.RunLocally {
			e.Metrics.Count(metrics.CounterInputSizeBytes, built.InputSize())
		}
	} else {
		log.Info("Not a compiler command, so running locally. (Use RECC_FORCE_REMOTE=1 to force remote execution)")
		e.Metrics.Count(metrics.CounterUnsupportedCommand, 1)
		built = &actionbuilder.Result{RunLocally: true}
	}

	if built.RunLocally {
		if cfg.NoExecute {
			log.Info("Command would have run locally but RECC_NO_EXECUTE is enabled, exiting.")
			return 0, nil
		}
		return e.execLocally(ctx, argv)
	}

	e.ActionDigest = built.ActionDigest
	log.V(1).Infof("Action digest: %s", built.ActionDigest)
	if cfg.NoExecute {
		log.Infof("Action digest: %s. RECC_NO_EXECUTE is enabled, exiting.", built.ActionDigest)
		return 0, nil
	}

	clients, err := e.Dial(ctx, cfg)
	if err != nil {
		return ExitTransport, &TransportError{Err: err}
	}
	defer clients.Close()

	correlatedID := cfg.CorrelatedInvocationsID
	if correlatedID == "" {
		correlatedID = uuid.New().String()
	}
	ctx = reapi.WithRequestMetadata(ctx, built.ActionDigest.String(), correlatedID)

	localRunner := cfg.CacheOnly && cfg.RunnerCommand != ""

	// Action cache lookup.
	actionInCache := false
	var result *repb.ActionResult
	if !cfg.SkipCache {
		stopTimer := e.Metrics.Timed(metrics.TimerQueryActionCache)
		cached, err := clients.ActionCache.GetActionResult(ctx, built.ActionDigest, built.Products)
		stopTimer()
		if err != nil {
			// Any action cache error is a miss for execution purposes.
			log.Errorf("Error while querying action cache at %q: %v", cfg.ActionCacheServer, err)
		} else if cached != nil {
			actionInCache = true
			result = cached
			log.Infof("Action cache hit for [%s]", built.ActionDigest)
		}
		hitCounter, missCounter := metrics.CounterActionCacheHit, metrics.CounterActionCacheMiss
		if pc.IsLink {
			hitCounter, missCounter = metrics.CounterLinkActionCacheHit, metrics.CounterLinkActionCacheMiss
		}
		if actionInCache {
			e.Metrics.Count(hitCounter, 1)
		} else {
			e.Metrics.Count(missCounter, 1)
		}
	} else {
		e.Metrics.Count(metrics.CounterActionCacheSkip, 1)
	}

	if !actionInCache || (cfg.LinkMetricsOnly && pc.IsLink) {
		actionBlob, err := proto.MarshalOptions{Deterministic: true}.Marshal(built.Action)
		if err != nil {
			return ExitLocalFailure, err
		}
		built.Blobs[built.ActionDigest] = actionBlob

		if cfg.CacheOnly && !localRunner {
			return e.cacheOnlyLocalBuild(ctx, cfg, clients, argv, built, actionInCache)
		}

		if localRunner {
			log.Infof("Executing action in local runner... [actionDigest=%s]", built.ActionDigest)
		} else {
			log.Infof("Executing action remotely... [actionDigest=%s]", built.ActionDigest)
		}

		log.V(1).Info("Uploading resources...")
		if err := e.uploadResources(ctx, clients, built.Blobs, built.FilePaths); err != nil {
			log.Errorf("Error while uploading resources to CAS at %q: %v", cfg.CASServer, err)
			return ExitTransport, &TransportError{Err: err}
		}

		stopTimer := e.Metrics.Timed(metrics.TimerExecuteAction)
		if localRunner {
			result, err = e.runLocalRunner(ctx, cfg, clients, built)
		} else {
			result, err = clients.Execution.ExecuteAction(ctx, built.ActionDigest, cfg.SkipCache)
		}
		stopTimer()
		if err != nil {
			if e.stopped(ctx) {
				return ExitCancelled, nil
			}
			log.Errorf("Error while calling `Execute()` on %q: %v", cfg.Server, err)
			return ExitTransport, &TransportError{Err: err}
		}
		log.Infof("Remote execution finished with exit code %d", result.GetExitCode())
	}

	exitCode := int(result.GetExitCode())
	if exitCode == 0 && len(result.GetOutputFiles()) == 0 && len(built.Products) > 0 {
		return ExitLocalFailure, errors.New("action produced none of the expected output files")
	}

	if err := e.downloadOutputs(ctx, cfg, clients, result); err != nil {
		if e.stopped(ctx) {
			return ExitCancelled, nil
		}
		return ExitTransport, &TransportError{Err: err}
	}
	return exitCode, nil
}

// execLocally runs the original command as a child process attached to
// recc's standard streams and returns its exit code.
func (e *Context) execLocally(ctx context.Context, argv []string) (int, error) {
	defer e.Metrics.Timed(metrics.TimerExecuteAction)()
	exitCode, err := subprocess.ExecutePassthrough(ctx, argv)
	if err != nil {
		return ExitLocalFailure, err
	}
	return exitCode, nil
}

// cacheOnlyLocalBuild handles a cache miss in cache-only mode without a
// runner: the command runs locally, and when configured the synthesized
// ActionResult is uploaded for future cache hits.
func (e *Context) cacheOnlyLocalBuild(ctx context.Context, cfg *config.Config, clients *reapi.Clients,
	argv []string, built *actionbuilder.Result, actionInCache bool) (int, error) {
	uploadLocalBuild := cfg.CacheUploadLocalBuild && !cfg.ActionUncacheable && !actionInCache
	log.Info("Action not cached and running in cache-only mode, executing locally")
	if !uploadLocalBuild {
		return e.execLocally(ctx, argv)
	}

	// Input files need not be uploaded in cache-only mode.
	for dg := range built.FilePaths {
		delete(built.FilePaths, dg)
	}

	actionResult, exitCode, err := e.execLocallyWithActionResult(ctx, argv, built)
	if err != nil {
		return ExitLocalFailure, err
	}

	switch {
	case exitCode != 0 && !cfg.CacheUploadFailedBuild:
		log.Warningf("Not uploading action result due to exit_code = %d, RECC_CACHE_UPLOAD_FAILED_BUILD = false", exitCode)
	case len(actionResult.GetOutputFiles()) != len(built.Products):
		log.Warningf("Not uploading action result due to %d of the requested output files not being found",
			len(built.Products)-len(actionResult.GetOutputFiles()))
	default:
		log.V(1).Info("Uploading local build...")
		if err := e.uploadResources(ctx, clients, built.Blobs, built.FilePaths); err != nil {
			log.Warningf("Error while uploading local build to CAS at %q: %v", cfg.CASServer, err)
			return exitCode, nil
		}
		if err := clients.ActionCache.UpdateActionResult(ctx, built.ActionDigest, actionResult); err != nil {
			// The local build still succeeded.
			log.Warningf("Error while calling `UpdateActionCache()` on %q: %v", cfg.ActionCacheServer, err)
		} else {
			log.Infof("Action cache updated for [%s]", built.ActionDigest)
		}
	}
	return exitCode, nil
}

// execLocallyWithActionResult runs argv locally, relaying its output, and
// synthesizes an ActionResult covering the declared products.
func (e *Context) execLocallyWithActionResult(ctx context.Context, argv []string, built *actionbuilder.Result) (*repb.ActionResult, int, error) {
	defer e.Metrics.Timed(metrics.TimerExecuteAction)()

	res, err := e.Executor.Execute(ctx, argv, nil)
	var exitErr *subprocess.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, ExitLocalFailure, err
	}
	fmt.Print(res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)

	actionResult := &repb.ActionResult{ExitCode: int32(res.ExitCode)}

	stdoutDigest := digest.NewFromBlob([]byte(res.Stdout))
	stderrDigest := digest.NewFromBlob([]byte(res.Stderr))
	built.Blobs[stdoutDigest] = []byte(res.Stdout)
	built.Blobs[stderrDigest] = []byte(res.Stderr)
	actionResult.StdoutDigest = stdoutDigest.ToProto()
	actionResult.StderrDigest = stderrDigest.ToProto()

	for _, product := range built.Products {
		fi, err := os.Stat(product)
		if err != nil || !fi.Mode().IsRegular() {
			// Only products the compiler actually produced are uploaded.
			continue
		}
		dg, err := digest.NewFromFile(product)
		if err != nil {
			continue
		}
		built.FilePaths[dg] = product
		actionResult.OutputFiles = append(actionResult.OutputFiles, &repb.OutputFile{
			Path:         product,
			Digest:       dg.ToProto(),
			IsExecutable: fi.Mode()&0100 != 0,
		})
	}
	return actionResult, res.ExitCode, nil
}

// runLocalRunner executes the command through the configured runner
// process and synthesizes an ActionResult, updating the action cache when
// allowed.
func (e *Context) runLocalRunner(ctx context.Context, cfg *config.Config, clients *reapi.Clients,
	built *actionbuilder.Result) (*repb.ActionResult, error) {
	runnerArgs := shellwords.Split(cfg.RunnerCommand)
	if len(runnerArgs) < 1 || runnerArgs[0] == "" {
		return nil, fmt.Errorf("empty runner command %q", cfg.RunnerCommand)
	}
	command := append(runnerArgs, built.Command.GetArguments()...)

	res, err := e.Executor.Execute(ctx, command, nil)
	var exitErr *subprocess.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, err
	}
	fmt.Print(res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)

	actionResult := &repb.ActionResult{
		ExitCode:  int32(res.ExitCode),
		StdoutRaw: []byte(res.Stdout),
		StderrRaw: []byte(res.Stderr),
	}
	var entries []*uploadinfo.Entry
	for _, product := range built.Products {
		fi, err := os.Stat(product)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		dg, err := digest.NewFromFile(product)
		if err != nil {
			continue
		}
		entries = append(entries, uploadinfo.EntryFromFile(dg, product))
		actionResult.OutputFiles = append(actionResult.OutputFiles, &repb.OutputFile{
			Path:         product,
			Digest:       dg.ToProto(),
			IsExecutable: fi.Mode()&0100 != 0,
		})
	}

	uploadResult := cfg.CacheUploadLocalBuild && !cfg.ActionUncacheable &&
		(res.ExitCode == 0 || cfg.CacheUploadFailedBuild) &&
		len(actionResult.OutputFiles) == len(built.Products)
	if uploadResult {
		if err := clients.CAS.UploadBlobs(ctx, entries); err != nil {
			log.Warningf("Error uploading runner outputs: %v", err)
		} else if err := clients.ActionCache.UpdateActionResult(ctx, built.ActionDigest, actionResult); err != nil {
			log.Warningf("Error updating action cache after local runner build: %v", err)
		} else {
			log.Infof("Action cache updated for [%s]", built.ActionDigest)
		}
	}
	return actionResult, nil
}

// uploadResources sends the missing subset of the in-memory blobs and
// on-disk files to the CAS, recording upload cache hit/miss counters.
func (e *Context) uploadResources(ctx context.Context, clients *reapi.Clients,
	blobs map[digest.Digest][]byte, filePaths map[digest.Digest]string) error {
	digests := make([]digest.Digest, 0, len(blobs)+len(filePaths))
	for dg := range blobs {
		digests = append(digests, dg)
	}
	for dg := range filePaths {
		digests = append(digests, dg)
	}

	stopTimer := e.Metrics.Timed(metrics.TimerFindMissingBlobs)
	missing, err := clients.CAS.FindMissingBlobs(ctx, digests)
	stopTimer()
	if err != nil {
		return err
	}

	entries := make([]*uploadinfo.Entry, 0, len(missing))
	for _, dg := range missing {
		if blob, ok := blobs[dg]; ok {
			entries = append(entries, uploadinfo.EntryFromBlob(blob))
		} else if path, ok := filePaths[dg]; ok {
			entries = append(entries, uploadinfo.EntryFromFile(dg, path))
		} else {
			return fmt.Errorf("FindMissingBlobs returned non-existent digest %s", dg)
		}
	}

	stopTimer = e.Metrics.Timed(metrics.TimerUploadMissingBlobs)
	err = clients.CAS.UploadBlobs(ctx, entries)
	stopTimer()
	if err != nil {
		return err
	}

	e.Metrics.Count(metrics.CounterUploadBlobsCacheHit, int64(len(digests)-len(missing)))
	e.Metrics.Count(metrics.CounterUploadBlobsCacheMiss, int64(len(missing)))
	return nil
}

// downloadOutputs fetches the result's output files and directories and
// replays stdout and stderr. Inline stdout/stderr referenced by digest are
// appended to the output file list under random temp names so everything
// downloads in one batch.
func (e *Context) downloadOutputs(ctx context.Context, cfg *config.Config, clients *reapi.Clients, result *repb.ActionResult) error {
	// Work on a copy: callers may hold on to the original result.
	result = proto.Clone(result).(*repb.ActionResult)

	if cfg.DontSaveOutput {
		result.OutputFiles = nil
		result.OutputSymlinks = nil
		result.OutputDirectories = nil
	}

	randomSuffix := uuid.New().String()[:8]
	stdoutFile := ".recc-stdout-" + randomSuffix
	stderrFile := ".recc-stderr-" + randomSuffix
	fetchStdout := result.GetStdoutDigest().GetSizeBytes() > 0
	fetchStderr := result.GetStderrDigest().GetSizeBytes() > 0
	if fetchStdout {
		result.OutputFiles = append(result.OutputFiles, &repb.OutputFile{
			Path:   stdoutFile,
			Digest: result.GetStdoutDigest(),
		})
	}
	if fetchStderr {
		result.OutputFiles = append(result.OutputFiles, &repb.OutputFile{
			Path:   stderrFile,
			Digest: result.GetStderrDigest(),
		})
	}

	stopTimer := e.Metrics.Timed(metrics.TimerDownloadBlobs)
	err := clients.CAS.DownloadActionOutputs(ctx, result, ".")
	stopTimer()
	if err != nil {
		return err
	}

	// These writes are compiler output, not logging.
	if fetchStdout {
		data, err := os.ReadFile(stdoutFile)
		if err == nil {
			fmt.Print(string(data))
		}
		os.Remove(stdoutFile)
	} else {
		fmt.Print(string(result.GetStdoutRaw()))
	}
	if fetchStderr {
		data, err := os.ReadFile(stderrFile)
		if err == nil {
			fmt.Fprint(os.Stderr, string(data))
		}
		os.Remove(stderrFile)
	} else {
		fmt.Fprint(os.Stderr, string(result.GetStderrRaw()))
	}
	return nil
}

func (e *Context) stopped(ctx context.Context) bool {
	if e.Stop != nil && e.Stop.Stopped() {
		return true
	}
	return errors.Is(ctx.Err(), context.Canceled)
}
