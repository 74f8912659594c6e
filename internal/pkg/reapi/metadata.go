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

package reapi

import (
	"context"
	"fmt"
	"os"

	"github.com/bloomberg/recc/internal/pkg/version"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	log "github.com/golang/glog"
)

// requestMetadataHeader is the binary gRPC header carrying RequestMetadata.
const requestMetadataHeader = "build.bazel.remote.execution.v2.requestmetadata-bin"

// toolName identifies recc in RequestMetadata.
const toolName = "recc"

// ToolInvocationID identifies the surrounding build: all recc invocations
// spawned by the same parent (usually make or ninja) on one host share it.
func ToolInvocationID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getppid())
}

// WithRequestMetadata attaches the RequestMetadata header to every RPC
// issued through the returned context.
func WithRequestMetadata(ctx context.Context, actionID, correlatedInvocationsID string) context.Context {
	md := &repb.RequestMetadata{
		ToolDetails: &repb.ToolDetails{
			ToolName:    toolName,
			ToolVersion: version.CurrentVersion(),
		},
		ActionId:                actionID,
		ToolInvocationId:        ToolInvocationID(),
		CorrelatedInvocationsId: correlatedInvocationsID,
	}
	blob, err := proto.Marshal(md)
	if err != nil {
		log.Warningf("Failed to marshal request metadata: %v", err)
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, requestMetadataHeader, string(blob))
}
