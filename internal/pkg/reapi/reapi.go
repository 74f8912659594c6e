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

// Package reapi wraps the Remote Execution API clients used by recc: CAS
// blob transfer, ActionCache queries and updates, and Execute, with the
// configured retry policy applied to every call.
package reapi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bloomberg/recc/internal/pkg/config"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/client"
	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	"github.com/bazelbuild/remote-apis-sdks/go/pkg/filemetadata"
	"github.com/bazelbuild/remote-apis-sdks/go/pkg/uploadinfo"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/eapache/go-resiliency/retrier"
	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/oauth"
	"google.golang.org/grpc/status"

	log "github.com/golang/glog"
)

// ErrStopped reports an execution aborted by the stop token.
var ErrStopped = errors.New("execution stopped")

// CASClient is the content-addressed storage surface recc depends on.
type CASClient interface {
	FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error)
	UploadBlobs(ctx context.Context, entries []*uploadinfo.Entry) error
	DownloadActionOutputs(ctx context.Context, result *repb.ActionResult, outDir string) error
}

// ActionCacheClient is the action cache surface recc depends on.
type ActionCacheClient interface {
	// GetActionResult returns nil without error on a cache miss.
	GetActionResult(ctx context.Context, actionDigest digest.Digest, inlineOutputs []string) (*repb.ActionResult, error)
	UpdateActionResult(ctx context.Context, actionDigest digest.Digest, result *repb.ActionResult) error
}

// ExecutionClient runs actions remotely.
type ExecutionClient interface {
	ExecuteAction(ctx context.Context, actionDigest digest.Digest, skipCache bool) (*repb.ActionResult, error)
}

// Clients bundles the per-endpoint connections. The same underlying
// connection is shared whenever endpoints and instances coincide.
type Clients struct {
	CAS         CASClient
	ActionCache ActionCacheClient
	Execution   ExecutionClient

	closers []func() error
}

// Close tears down every connection, blocking until complete so gRPC
// shutdown cannot race with process teardown.
func (c *Clients) Close() {
	for _, closer := range c.closers {
		if err := closer(); err != nil {
			log.Warningf("Error closing gRPC connection: %v", err)
		}
	}
	c.closers = nil
}

// Dial connects to the configured endpoints.
func Dial(ctx context.Context, cfg *config.Config) (*Clients, error) {
	retry := newRetrier(cfg)

	cache := map[string]*client.Client{}
	connect := func(endpoint, instance string) (*client.Client, error) {
		key := endpoint + "|" + instance
		if existing, ok := cache[key]; ok {
			return existing, nil
		}
		grpcClient, err := dialOne(ctx, cfg, endpoint, instance)
		if err != nil {
			return nil, err
		}
		cache[key] = grpcClient
		return grpcClient, nil
	}

	casClient, err := connect(cfg.CASServer, cfg.CASInstance)
	if err != nil {
		return nil, err
	}
	acClient, err := connect(cfg.ActionCacheServer, cfg.ActionCacheInst)
	if err != nil {
		return nil, err
	}
	execClient, err := connect(cfg.Server, cfg.Instance)
	if err != nil {
		return nil, err
	}

	clients := &Clients{
		CAS:         &sdkCAS{grpcClient: casClient, retry: retry},
		ActionCache: &sdkActionCache{grpcClient: acClient, retry: retry},
		Execution:   &sdkExecution{grpcClient: execClient, retry: retry},
	}
	seen := map[*client.Client]bool{}
	for _, grpcClient := range cache {
		if !seen[grpcClient] {
			seen[grpcClient] = true
			clients.closers = append(clients.closers, grpcClient.Close)
		}
	}
	return clients, nil
}

// dialOne opens one SDK client. Scheme prefixes select transport security:
// http/grpc dial insecurely, https/grpcs with TLS.
func dialOne(ctx context.Context, cfg *config.Config, endpoint, instance string) (*client.Client, error) {
	if endpoint == "" {
		return nil, errors.New("no server configured (set RECC_SERVER)")
	}
	service, secure := splitScheme(endpoint)
	params := client.DialParams{
		Service:    service,
		NoSecurity: !secure,
	}
	if cfg.ServerAuthGoogleAPI {
		params.UseApplicationDefault = true
	}

	opts := []client.Opt{client.StartupCapabilities(false)}
	if cfg.AccessTokenPath != "" {
		tokenData, err := os.ReadFile(cfg.AccessTokenPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read access token: %w", err)
		}
		ts := &oauth.TokenSource{TokenSource: oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: strings.TrimSpace(string(tokenData))})}
		opts = append(opts, &client.PerRPCCreds{Creds: ts})
	}
	timeouts := map[string]time.Duration{}
	if cfg.RequestTimeout > 0 {
		timeouts["default"] = cfg.RequestTimeout
	}
	if cfg.MinThroughput > 0 {
		// ByteStream deadlines grow with transfer size; the SDK tracks
		// progress internally, so drop the fixed deadline on streaming
		// calls and let the per-write watchdog take over.
		timeouts["Write"] = 0
		timeouts["Read"] = 0
	}
	if len(timeouts) > 0 {
		opts = append(opts, client.RPCTimeouts(timeouts))
	}

	grpcClient, err := client.NewClient(ctx, instance, params, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	return grpcClient, nil
}

func splitScheme(endpoint string) (service string, secure bool) {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return endpoint[len("http://"):], false
	case strings.HasPrefix(endpoint, "grpc://"):
		return endpoint[len("grpc://"):], false
	case strings.HasPrefix(endpoint, "https://"):
		return endpoint[len("https://"):], true
	case strings.HasPrefix(endpoint, "grpcs://"):
		return endpoint[len("grpcs://"):], true
	case strings.HasPrefix(endpoint, "unix:"):
		return endpoint, false
	default:
		return endpoint, false
	}
}

// newRetrier builds the retry policy: retry_limit attempts beyond the
// first, delayed by retry_delay doubling each time, for transient errors
// only.
func newRetrier(cfg *config.Config) *retrier.Retrier {
	if cfg.RetryLimit <= 0 {
		return nil
	}
	return retrier.New(retrier.ExponentialBackoff(cfg.RetryLimit, cfg.RetryDelay), grpcClassifier{})
}

// grpcClassifier retries the transient gRPC codes and fails everything
// else immediately.
type grpcClassifier struct{}

func (grpcClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.DeadlineExceeded:
		return retrier.Retry
	default:
		return retrier.Fail
	}
}

func runWithRetries(ctx context.Context, retry *retrier.Retrier, work func() error) error {
	if retry == nil {
		return work()
	}
	return retry.RunCtx(ctx, func(context.Context) error { return work() })
}

type sdkCAS struct {
	grpcClient *client.Client
	retry      *retrier.Retrier
}

func (c *sdkCAS) FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	var missing []digest.Digest
	err := runWithRetries(ctx, c.retry, func() error {
		var err error
		missing, err = c.grpcClient.MissingBlobs(ctx, digests)
		return err
	})
	return missing, err
}

func (c *sdkCAS) UploadBlobs(ctx context.Context, entries []*uploadinfo.Entry) error {
	return runWithRetries(ctx, c.retry, func() error {
		_, _, err := c.grpcClient.UploadIfMissing(ctx, entries...)
		return err
	})
}

func (c *sdkCAS) DownloadActionOutputs(ctx context.Context, result *repb.ActionResult, outDir string) error {
	return runWithRetries(ctx, c.retry, func() error {
		_, err := c.grpcClient.DownloadActionOutputs(ctx, result, outDir, filemetadata.NewNoopCache())
		return err
	})
}

type sdkActionCache struct {
	grpcClient *client.Client
	retry      *retrier.Retrier
}

func (c *sdkActionCache) GetActionResult(ctx context.Context, actionDigest digest.Digest, inlineOutputs []string) (*repb.ActionResult, error) {
	var result *repb.ActionResult
	err := runWithRetries(ctx, c.retry, func() error {
		res, err := c.grpcClient.GetActionResult(ctx, &repb.GetActionResultRequest{
			InstanceName: c.grpcClient.InstanceName,
			ActionDigest: actionDigest.ToProto(),
		})
		if err != nil {
			if status.Code(err) == codes.NotFound {
				result = nil
				return nil
			}
			return err
		}
		result = res
		return nil
	})
	return result, err
}

func (c *sdkActionCache) UpdateActionResult(ctx context.Context, actionDigest digest.Digest, result *repb.ActionResult) error {
	return runWithRetries(ctx, c.retry, func() error {
		_, err := c.grpcClient.UpdateActionResult(ctx, &repb.UpdateActionResultRequest{
			InstanceName: c.grpcClient.InstanceName,
			ActionDigest: actionDigest.ToProto(),
			ActionResult: result,
		})
		return err
	})
}

type sdkExecution struct {
	grpcClient *client.Client
	retry      *retrier.Retrier
}

func (c *sdkExecution) ExecuteAction(ctx context.Context, actionDigest digest.Digest, skipCache bool) (*repb.ActionResult, error) {
	var result *repb.ActionResult
	err := runWithRetries(ctx, c.retry, func() error {
		op, err := c.grpcClient.ExecuteAndWait(ctx, &repb.ExecuteRequest{
			InstanceName:    c.grpcClient.InstanceName,
			ActionDigest:    actionDigest.ToProto(),
			SkipCacheLookup: skipCache,
		})
		if err != nil {
			return err
		}
		response := &repb.ExecuteResponse{}
		if err := op.GetResponse().UnmarshalTo(response); err != nil {
			return fmt.Errorf("failed to unpack execute response: %w", err)
		}
		if st := status.FromProto(response.GetStatus()); st.Code() != codes.OK {
			return st.Err()
		}
		result = response.GetResult()
		return nil
	})
	return result, err
}
