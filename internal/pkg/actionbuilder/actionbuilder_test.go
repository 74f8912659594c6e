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

package actionbuilder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bloomberg/recc/internal/pkg/config"
	"github.com/bloomberg/recc/internal/pkg/parser"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/testing/protocmp"
)

// emptyPathEnv pins the environment to a single empty PATH so digests are
// reproducible.
func emptyPathEnv() []string { return []string{"PATH="} }

func loadConfig(t *testing.T, environ ...string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromEnviron(environ)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func buildAction(t *testing.T, cfg *config.Config, cwd string, argv ...string) *Result {
	t.Helper()
	pc, err := parser.Parse(argv, parser.Options{
		WorkingDirectory: cwd,
		Mapper:           cfg.Mapper(),
		DepsGlobalPaths:  cfg.DepsGlobalPaths,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pc.Cleanup)

	builder := &Builder{Cfg: cfg, Environ: emptyPathEnv}
	result, err := builder.BuildAction(context.Background(), pc, cwd)
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func TestForceRemoteActionDigest(t *testing.T) {
	cfg := loadConfig(t, "RECC_FORCE_REMOTE=1")
	result := buildAction(t, cfg, "/build", "/bin/ls")
	if result.RunLocally {
		t.Fatal("RunLocally = true, want action")
	}
	want := digest.Digest{
		Hash: "c718489624f4078a96261090329a864c20add37856953fdaa1a200500d9ebf9d",
		Size: 140,
	}
	if result.ActionDigest != want {
		t.Errorf("ActionDigest = %v, want %v", result.ActionDigest, want)
	}
}

func TestForceRemoteActionDigestWithWorkingDirPrefix(t *testing.T) {
	cfg := loadConfig(t, "RECC_FORCE_REMOTE=1", "RECC_WORKING_DIR_PREFIX=recc-build")
	result := buildAction(t, cfg, "/build", "/bin/ls")
	if result.RunLocally {
		t.Fatal("RunLocally = true, want action")
	}
	want := digest.Digest{
		Hash: "f19a533d8d743f5c8b317e8074e75c0affee9d3d095b307e2ff50b8d44f07f58",
		Size: 142,
	}
	if result.ActionDigest != want {
		t.Errorf("ActionDigest = %v, want %v", result.ActionDigest, want)
	}

	// The input root holds exactly one empty directory named recc-build.
	rootDigest, err := digest.NewFromProto(result.Action.InputRootDigest)
	if err != nil {
		t.Fatal(err)
	}
	root := &repb.Directory{}
	if err := proto.Unmarshal(result.Blobs[rootDigest], root); err != nil {
		t.Fatal(err)
	}
	if len(root.Directories) != 1 || root.Directories[0].Name != "recc-build" ||
		len(root.Files) != 0 || len(root.Symlinks) != 0 {
		t.Errorf("input root = %v, want a single empty directory recc-build", root)
	}
}

func compileFixture(t *testing.T) (cwd string) {
	t.Helper()
	cwd = t.TempDir()
	if err := os.WriteFile(filepath.Join(cwd, "hello.cpp"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(cwd); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(origWd) })
	return cwd
}

func TestCompileCommandDigest(t *testing.T) {
	cwd := compileFixture(t)
	cfg := loadConfig(t, "RECC_DEPS_OVERRIDE=hello.cpp")
	result := buildAction(t, cfg, cwd, "./gcc", "-c", "hello.cpp", "-o", "hello.o")
	if result.RunLocally {
		t.Fatal("RunLocally = true, want action")
	}

	commandBlob, err := proto.MarshalOptions{Deterministic: true}.Marshal(result.Command)
	if err != nil {
		t.Fatal(err)
	}
	got := digest.NewFromBlob(commandBlob)
	want := digest.Digest{
		Hash: "a20cd0b097bcf6bc5c4d1fb5c040ac76017b55029d4ea65f6e4a0c689286f8ae",
		Size: int64(len(commandBlob)),
	}
	if got != want {
		t.Errorf("command digest = %v, want %v", got, want)
	}
	if diff := cmp.Diff([]string{"hello.o"}, result.Command.OutputPaths); diff != "" {
		t.Errorf("OutputPaths diff (-want +got):\n%s", diff)
	}
}

func TestCompileActionDigest(t *testing.T) {
	cwd := compileFixture(t)
	cfg := loadConfig(t, "RECC_DEPS_OVERRIDE=hello.cpp")
	result := buildAction(t, cfg, cwd, "./gcc", "-c", "hello.cpp", "-o", "hello.o")
	want := digest.Digest{
		Hash: "415cef529a7b9aa58bcbac3fc11bcbc60fca53b1e57d7cf8ff054c46f80e1866",
		Size: 142,
	}
	if result.ActionDigest != want {
		t.Errorf("ActionDigest = %v, want %v", result.ActionDigest, want)
	}
}

func TestCompileActionDigestWithWorkingDirPrefix(t *testing.T) {
	cwd := compileFixture(t)
	cfg := loadConfig(t, "RECC_DEPS_OVERRIDE=hello.cpp", "RECC_WORKING_DIR_PREFIX=recc-build")
	result := buildAction(t, cfg, cwd, "./gcc", "-c", "hello.cpp", "-o", "hello.o")
	if result.RunLocally {
		t.Fatal("RunLocally = true, want action")
	}

	// The action digest names the deterministic serialization.
	actionBlob, err := proto.MarshalOptions{Deterministic: true}.Marshal(result.Action)
	if err != nil {
		t.Fatal(err)
	}
	if got := digest.NewFromBlob(actionBlob); got != result.ActionDigest {
		t.Errorf("ActionDigest = %v, recomputed %v", result.ActionDigest, got)
	}
	if result.ActionDigest.Size != int64(len(actionBlob)) {
		t.Errorf("ActionDigest size = %d, serialized length = %d", result.ActionDigest.Size, len(actionBlob))
	}
	if result.Command.WorkingDirectory != "recc-build" {
		t.Errorf("WorkingDirectory = %q, want %q", result.Command.WorkingDirectory, "recc-build")
	}
}

func TestActionSaltChangesDigestOnly(t *testing.T) {
	cfg := loadConfig(t, "RECC_FORCE_REMOTE=1")
	unsalted := buildAction(t, cfg, "/build", "/bin/ls")

	salted := buildAction(t, loadConfig(t, "RECC_FORCE_REMOTE=1", "RECC_ACTION_SALT=salt"), "/build", "/bin/ls")

	if unsalted.ActionDigest == salted.ActionDigest {
		t.Error("action salt did not change the action digest")
	}
	if diff := cmp.Diff(unsalted.Command, salted.Command, protocmp.Transform()); diff != "" {
		t.Errorf("salt changed the Command message (-unsalted +salted):\n%s", diff)
	}
	if diff := cmp.Diff(unsalted.Action.CommandDigest, salted.Action.CommandDigest, protocmp.Transform()); diff != "" {
		t.Errorf("salt changed the command digest:\n%s", diff)
	}
	if diff := cmp.Diff(unsalted.Action.InputRootDigest, salted.Action.InputRootDigest, protocmp.Transform()); diff != "" {
		t.Errorf("salt changed the input root digest:\n%s", diff)
	}
}

func TestOutputFilesFieldOnReapi20(t *testing.T) {
	cwd := compileFixture(t)
	cfg := loadConfig(t, "RECC_DEPS_OVERRIDE=hello.cpp", "RECC_REAPI_VERSION=2.0")
	result := buildAction(t, cfg, cwd, "./gcc", "-c", "hello.cpp", "-o", "hello.o")

	if diff := cmp.Diff([]string{"hello.o"}, result.Command.OutputFiles); diff != "" {
		t.Errorf("OutputFiles diff (-want +got):\n%s", diff)
	}
	if len(result.Command.OutputPaths) != 0 {
		t.Errorf("OutputPaths = %v, want empty on REAPI 2.0", result.Command.OutputPaths)
	}
}

func TestPlatformInActionOnlyOnReapi22(t *testing.T) {
	for _, test := range []struct {
		version      string
		wantPlatform bool
	}{
		{version: "2.1", wantPlatform: false},
		{version: "2.2", wantPlatform: true},
	} {
		cfg := loadConfig(t, "RECC_FORCE_REMOTE=1",
			"RECC_REAPI_VERSION="+test.version, "RECC_REMOTE_PLATFORM_OSFamily=linux")
		result := buildAction(t, cfg, "/build", "/bin/ls")
		if (result.Action.Platform != nil) != test.wantPlatform {
			t.Errorf("REAPI %s: Action.Platform = %v, want present=%v",
				test.version, result.Action.Platform, test.wantPlatform)
		}
		if result.Command.Platform == nil {
			t.Errorf("REAPI %s: Command.Platform missing", test.version)
		}
	}
}

func TestAbsoluteProductRunsLocally(t *testing.T) {
	cwd := compileFixture(t)
	cfg := loadConfig(t, "RECC_DEPS_OVERRIDE=hello.cpp", "RECC_NO_PATH_REWRITE=1")
	result := buildAction(t, cfg, cwd, "./gcc", "-c", "hello.cpp", "-o", "/tmp/out/hello.o")
	if !result.RunLocally {
		t.Error("absolute product did not trigger local fallback")
	}
}

func TestBareBasenameExecutableRejected(t *testing.T) {
	cwd := compileFixture(t)
	cfg := loadConfig(t, "RECC_DEPS_OVERRIDE=hello.cpp")
	pc, err := parser.Parse([]string{"gcc", "-c", "hello.cpp", "-o", "hello.o"}, parser.Options{
		WorkingDirectory: cwd,
		Mapper:           cfg.Mapper(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Cleanup()
	builder := &Builder{Cfg: cfg, Environ: emptyPathEnv}
	if _, err := builder.BuildAction(context.Background(), pc, cwd); err == nil {
		t.Error("BuildAction accepted a bare basename executable, want error")
	}
}

func TestNotACompilerCommandRunsLocally(t *testing.T) {
	cfg := loadConfig(t)
	result := buildAction(t, cfg, "/build", "/bin/ls")
	if !result.RunLocally {
		t.Error("unsupported command without force-remote did not run locally")
	}
}

func TestRemoteEnvOverrides(t *testing.T) {
	cfg := loadConfig(t, "RECC_FORCE_REMOTE=1", "RECC_REMOTE_ENV_PATH=/worker/bin")
	result := buildAction(t, cfg, "/build", "/bin/ls")
	found := false
	for _, envVar := range result.Command.EnvironmentVariables {
		if envVar.Name == "PATH" {
			found = true
			if envVar.Value != "/worker/bin" {
				t.Errorf("PATH = %q, want %q", envVar.Value, "/worker/bin")
			}
		}
	}
	if !found {
		t.Error("PATH missing from remote environment")
	}
}
