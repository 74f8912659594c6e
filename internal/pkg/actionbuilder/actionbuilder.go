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

// Package actionbuilder assembles the REAPI Command and Action messages
// for a parsed command: it resolves the dependency set, derives the remote
// working directory, builds the input root and composes environment,
// platform and salt into the canonical cache key.
package actionbuilder

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bloomberg/recc/internal/pkg/config"
	"github.com/bloomberg/recc/internal/pkg/deps"
	"github.com/bloomberg/recc/internal/pkg/merkle"
	"github.com/bloomberg/recc/internal/pkg/metrics"
	"github.com/bloomberg/recc/internal/pkg/parser"
	"github.com/bloomberg/recc/internal/pkg/pathmap"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	log "github.com/golang/glog"
)

// pathLikeEnv lists environment variables whose values are ':'-delimited
// path lists, each segment of which goes through the prefix map.
var pathLikeEnv = map[string]bool{
	"PATH":                  true,
	"LD_LIBRARY_PATH":       true,
	"CPATH":                 true,
	"C_INCLUDE_PATH":        true,
	"CPLUS_INCLUDE_PATH":    true,
	"OBJC_INCLUDE_PATH":     true,
	"OBJCPLUS_INCLUDE_PATH": true,
	"COMPILER_PATH":         true,
	"LIBRARY_PATH":          true,
	"LIB_PATH":              true,
}

// Result is the outcome of building an action. RunLocally set means the
// command cannot (or must not) be remoted and no other field is valid.
type Result struct {
	RunLocally bool

	Action       *repb.Action
	ActionDigest digest.Digest
	Command      *repb.Command

	// Blobs holds in-memory content to upload (directories, the Command
	// and the Action); FilePaths holds content uploaded from disk.
	Blobs     map[digest.Digest][]byte
	FilePaths map[digest.Digest]string

	// Products are the normalized output paths expected of the command.
	Products []string
}

// InputSize totals the sizes of all blobs and path-referenced files.
func (r *Result) InputSize() int64 {
	var total int64
	for dg := range r.Blobs {
		total += dg.Size
	}
	for dg := range r.FilePaths {
		total += dg.Size
	}
	return total
}

// Builder builds actions for parsed commands.
type Builder struct {
	Cfg     *config.Config
	Scanner *deps.Scanner
	Metrics *metrics.Recorder
	// Environ supplies the process environment; defaults to os.Environ.
	Environ func() []string
}

func (b *Builder) environ() []string {
	if b.Environ != nil {
		return b.Environ()
	}
	return os.Environ()
}

// BuildAction builds the Action for the command, or reports that the
// command should run locally. Errors are reserved for conditions the
// caller must surface (such as a bare basename executable).
func (b *Builder) BuildAction(ctx context.Context, pc *parser.ParsedCommand, cwd string) (*Result, error) {
	if !pc.IsCompile && !pc.IsLink && !b.Cfg.ForceRemote {
		return &Result{RunLocally: true}, nil
	}
	if len(pc.RemoteArgs) == 0 || !strings.Contains(pc.RemoteArgs[0], "/") {
		// The Remote Execution API requires argv[0] to be a relative or
		// absolute path; a bare basename would resolve against the
		// worker's PATH.
		return nil, fmt.Errorf("invalid argv[0] value %q: must be a relative or absolute path", firstArg(pc))
	}

	tree := merkle.NewTree()
	treeOpts := &merkle.Options{
		ReportGlobalPaths: b.Cfg.DepsGlobalPaths,
		ExcludePaths:      b.Cfg.DepsExcludePaths,
		MaxThreads:        b.Cfg.MaxThreads,
	}
	mapper := b.Cfg.Mapper()

	products := map[string]bool{}
	for _, product := range b.Cfg.OutputFilesOverride {
		products[product] = true
	}

	var workingDirectory string
	if b.Cfg.DepsDirectoryOverride != "" {
		log.V(1).Info("Building Merkle tree using directory override")
		replacedRoot := b.normalizeReplaceRoot(b.Cfg.DepsDirectoryOverride, cwd)
		log.V(1).Infof("Mapping local directory [%s] to remote [%s]", b.Cfg.DepsDirectoryOverride, replacedRoot)
		// The override directory is walked without following symlinks to
		// avoid loops.
		if err := tree.BuildFromDirectory(b.Cfg.DepsDirectoryOverride, replacedRoot); err != nil {
			log.Errorf("Failed to build tree from %s: %v", b.Cfg.DepsDirectoryOverride, err)
			return &Result{RunLocally: true}, nil
		}
		workingDirectory = b.Cfg.WorkingDirPrefix
	} else {
		dependencies := map[string]bool{}
		for _, dep := range b.Cfg.DepsOverride {
			dependencies[dep] = true
		}
		if len(dependencies) > 0 || b.Cfg.ForceRemote {
			// Dependency discovery is skipped, but the products can still
			// be derived from the parsed command unless overridden.
			if len(products) == 0 && len(b.Cfg.OutputDirsOverride) == 0 && (pc.IsCompile || pc.IsLink) {
				if derived, err := deps.DetermineProducts(pc); err == nil {
					for product := range derived {
						products[pathmap.Normalize(product)] = true
					}
				}
			}
		} else {
			fileInfo, err := b.discoverDependencies(ctx, pc)
			if err != nil {
				// Dependency discovery failures run the command locally so
				// the compiler can display the real error.
				log.V(1).Infof("Running locally to display the error: %v", err)
				return &Result{RunLocally: true}, nil
			}
			dependencies = fileInfo.Dependencies
			if len(dependencies) == 0 {
				log.Info("No deps found. Running locally.")
				return &Result{RunLocally: true}, nil
			}
			if len(b.Cfg.OutputDirsOverride) == 0 && len(b.Cfg.OutputFilesOverride) == 0 {
				products = fileInfo.PossibleProducts
				if len(products) == 0 {
					log.Info("No products found. Running locally.")
					return &Result{RunLocally: true}, nil
				}
			}
		}

		// Apply the path transformations to every dependency, pairing the
		// filesystem path with its in-tree path.
		var pairs []merkle.PathPair
		for _, dep := range sortedKeys(dependencies) {
			modified := dep
			if pathmap.IsAbs(modified) {
				modified = mapper.ResolvePrefixMap(modified)
				modified = mapper.MakeRelative(modified, cwd)
				log.V(1).Infof("Mapping local path [%s] to remote path [%s]", dep, modified)
			}
			pairs = append(pairs, merkle.PathPair{Local: dep, Remote: modified})
		}

		if b.Cfg.NoPathRewrite && b.Cfg.WorkingDirPrefix == "" {
			workingDirectory = strings.TrimLeft(cwd, "/")
		} else {
			commonAncestor, err := commonAncestorPath(pairs, products, cwd)
			if err != nil {
				log.Error(err)
				return &Result{RunLocally: true}, nil
			}
			workingDirectory = prefixWorkingDirectory(commonAncestor, b.Cfg.WorkingDirPrefix)
		}
		treeOpts.WorkingDirectory = workingDirectory

		stopTimer := b.timer(metrics.TimerBuildMerkleTree)
		log.V(1).Info("Building Merkle tree")
		err := tree.BuildFromPairs(pairs, treeOpts)
		stopTimer()
		if err != nil {
			log.Errorf("Failed to build Merkle tree: %v", err)
			return &Result{RunLocally: true}, nil
		}
	}

	if workingDirectory != "" {
		workingDirectory = pathmap.Normalize(workingDirectory)
		tree.AddDirectory(workingDirectory)
	}

	if pc.UploadAllIncludeDirs {
		for _, includeDir := range pc.IncludeDirs {
			tree.AddDirectoryForRemote(includeDir, &merkle.Options{
				WorkingDirectory:  workingDirectory,
				ReportGlobalPaths: b.Cfg.DepsGlobalPaths,
				ExcludePaths:      b.Cfg.DepsExcludePaths,
			})
		}
	}

	for _, symlinkPath := range b.Cfg.DepsExtraSymlinks {
		if fi, err := os.Lstat(symlinkPath); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			replaced := mapper.ModifyForRemote(symlinkPath, cwd)
			tree.AddSymlink(merkle.PathPair{Local: symlinkPath, Remote: replaced}, &merkle.Options{
				WorkingDirectory:  workingDirectory,
				ReportGlobalPaths: b.Cfg.DepsGlobalPaths,
				ExcludePaths:      b.Cfg.DepsExcludePaths,
			})
		}
	}

	for product := range products {
		if pathmap.IsAbs(product) {
			log.V(1).Info("Command produces a file in a location unrelated to the current directory, so running locally.")
			log.V(1).Info("(use RECC_OUTPUT_[FILES|DIRECTORIES]_OVERRIDE to override)")
			return &Result{RunLocally: true}, nil
		}
	}

	blobs := map[digest.Digest][]byte{}
	rootDigest, err := tree.Digest(blobs)
	if err != nil {
		return nil, err
	}

	if b.Cfg.LinkMetricsOnly && pc.IsLink && !b.Cfg.ForceRemote {
		// The ActionCache entry exists only for metric collection; the
		// linker output itself is not uploaded.
		products = map[string]bool{}
	}

	remoteEnv := b.prepareRemoteEnv(pc)
	commandProto := b.populateCommandProto(pc.RemoteArgs, sortedKeys(products),
		b.Cfg.OutputDirsOverride, remoteEnv, b.Cfg.RemotePlatform,
		mapper.ResolvePrefixMap(workingDirectory))
	log.V(1).Infof("Command: %v", commandProto)

	commandBlob, err := proto.MarshalOptions{Deterministic: true}.Marshal(commandProto)
	if err != nil {
		return nil, err
	}
	commandDigest := digest.NewFromBlob(commandBlob)
	blobs[commandDigest] = commandBlob

	action := &repb.Action{
		CommandDigest:   commandDigest.ToProto(),
		InputRootDigest: rootDigest.ToProto(),
		DoNotCache:      b.Cfg.ActionUncacheable,
	}
	if b.Cfg.ActionSalt != "" {
		action.Salt = []byte(b.Cfg.ActionSalt)
	}
	// REAPI v2.2 allows the platform in the Action message so servers can
	// read it without dereferencing the Command.
	if b.Cfg.PlatformInActionSupported() {
		action.Platform = commandProto.Platform
		if action.Platform == nil {
			action.Platform = &repb.Platform{}
		}
	}

	actionBlob, err := proto.MarshalOptions{Deterministic: true}.Marshal(action)
	if err != nil {
		return nil, err
	}

	return &Result{
		Action:       action,
		ActionDigest: digest.NewFromBlob(actionBlob),
		Command:      commandProto,
		Blobs:        blobs,
		FilePaths:    tree.FilePaths(),
		Products:     sortedKeys(products),
	}, nil
}

func (b *Builder) discoverDependencies(ctx context.Context, pc *parser.ParsedCommand) (*deps.CommandFileInfo, error) {
	timerName := metrics.TimerCompilerDeps
	if pc.IsLink {
		timerName = metrics.TimerLinkerDeps
	}
	defer b.timer(timerName)()
	return b.Scanner.GetFileInfo(ctx, pc)
}

func (b *Builder) timer(name string) func() {
	if b.Metrics == nil {
		return func() {}
	}
	return b.Metrics.Timed(name)
}

// normalizeReplaceRoot maps the deps directory override to its remote
// form: prefix map, project-root relative rewrite, working-dir prefix, and
// normalization.
func (b *Builder) normalizeReplaceRoot(path, cwd string) string {
	mapper := b.Cfg.Mapper()
	replaced := mapper.ResolvePrefixMap(path)
	relative := mapper.MakeRelative(replaced, cwd)
	if !pathmap.IsAbs(relative) && b.Cfg.WorkingDirPrefix != "" {
		relative = b.Cfg.WorkingDirPrefix + "/" + relative
	}
	return pathmap.Normalize(relative)
}

// commonAncestorPath computes the tail of the working directory that must
// exist remotely so that no dependency or product escapes the input root.
func commonAncestorPath(pairs []merkle.PathPair, products map[string]bool, workingDirectory string) (string, error) {
	parentsNeeded := 0
	for _, pair := range pairs {
		if levels := pathmap.ParentDirectoryLevels(pair.Remote); levels > parentsNeeded {
			parentsNeeded = levels
		}
	}
	for product := range products {
		if levels := pathmap.ParentDirectoryLevels(product); levels > parentsNeeded {
			parentsNeeded = levels
		}
	}
	return pathmap.LastNSegments(workingDirectory, parentsNeeded)
}

func prefixWorkingDirectory(workingDirectory, prefix string) string {
	if prefix == "" {
		return workingDirectory
	}
	return prefix + "/" + workingDirectory
}

// prepareRemoteEnv composes the environment sent with the remote command:
// either every non-RECC_ variable (preserve mode), or the whitelist plus
// family-specific additions, with explicit overrides winning and path-like
// values run through the prefix map segment by segment.
func (b *Builder) prepareRemoteEnv(pc *parser.ParsedCommand) map[string]string {
	remoteEnv := map[string]string{}
	mapper := b.Cfg.Mapper()

	if b.Cfg.PreserveEnv {
		for _, envVar := range b.environ() {
			if strings.HasPrefix(envVar, "RECC_") {
				continue
			}
			if key, value, found := strings.Cut(envVar, "="); found {
				remoteEnv[key] = value
			}
		}
	} else {
		envToRead := append([]string(nil), b.Cfg.EnvToRead...)
		if len(envToRead) == 0 {
			envToRead = defaultEnvToRead(pc)
		}
		environ := map[string]string{}
		for _, envVar := range b.environ() {
			if key, value, found := strings.Cut(envVar, "="); found {
				environ[key] = value
			}
		}
		for _, envName := range envToRead {
			value, ok := environ[envName]
			if !ok || value == "" {
				continue
			}
			if pathLikeEnv[envName] && value != "" {
				var segments []string
				for _, segment := range strings.Split(value, ":") {
					if segment != "" {
						segments = append(segments, mapper.ResolvePrefixMap(segment))
					}
				}
				value = strings.Join(segments, ":")
			}
			remoteEnv[envName] = value
		}
	}

	for key, value := range b.Cfg.RemoteEnv {
		remoteEnv[key] = value
	}
	return remoteEnv
}

// defaultEnvToRead is the whitelist of environment variables forwarded to
// the remote side when no explicit list is configured.
func defaultEnvToRead(pc *parser.ParsedCommand) []string {
	envToRead := []string{"PATH", "LD_LIBRARY_PATH", "LANG", "LC_CTYPE", "LC_MESSAGES", "LC_ALL"}

	if pc.IsGcc() || pc.IsClang() {
		envToRead = append(envToRead, "CPATH", "C_INCLUDE_PATH", "CPLUS_INCLUDE_PATH",
			"OBJC_INCLUDE_PATH", "OBJCPLUS_INCLUDE_PATH", "SOURCE_DATE_EPOCH")
	}
	if pc.IsGcc() {
		envToRead = append(envToRead, "GCC_COMPARE_DEBUG", "GCC_EXEC_PREFIX", "COMPILER_PATH",
			"LIBRARY_PATH", "GCC_EXTRA_DIAGNOSTIC_OUTPUT", "DEPENDENCIES_OUTPUT",
			"GOMP_CPU_AFFINITY", "GOMP_DEBUG", "GOMP_STACKSIZE", "GOMP_SPINCOUNT",
			"GOMP_RTEMS_THREAD_POOLS")
	}
	if pc.IsGcc() || pc.IsSunStudio() {
		envToRead = append(envToRead, "SUNPRO_DEPENDENCIES")
	}
	if pc.IsSunStudio() {
		envToRead = append(envToRead, "PARALLEL", "STACKSIZE")
	}
	if pc.IsAIX() {
		envToRead = append(envToRead, "LIBPATH", "NLSPATH", "OBJECT_MODE", "XLC_USR_CONFIG")
	}
	return append(envToRead,
		"OMP_CANCELLATION", "OMP_DISPLAY_ENV", "OMP_DYNAMIC", "OMP_MAX_ACTIVE_LEVELS",
		"OMP_MAX_TASK_PRIORITY", "OMP_NESTED", "OMP_NUM_TEAMS", "OMP_NUM_THREADS",
		"OMP_PROC_BIND", "OMP_PLACES", "OMP_STACKSIZE", "OMP_SCHEDULE",
		"OMP_TARGET_OFFLOAD", "OMP_TEAMS_THREAD_LIMIT", "OMP_THREAD_LIMIT",
		"OMP_WAIT_POLICY")
}

// populateCommandProto assembles the Command message. REAPI v2.1
// deprecated output_files and output_directories in favor of output_paths.
func (b *Builder) populateCommandProto(arguments, outputFiles, outputDirectories []string,
	remoteEnv, platform map[string]string, workingDirectory string) *repb.Command {
	commandProto := &repb.Command{
		Arguments:        arguments,
		WorkingDirectory: workingDirectory,
	}

	for _, name := range sortedMapKeys(remoteEnv) {
		commandProto.EnvironmentVariables = append(commandProto.EnvironmentVariables,
			&repb.Command_EnvironmentVariable{Name: name, Value: remoteEnv[name]})
	}

	outputPathsSupported := b.Cfg.OutputPathsSupported()
	for _, file := range outputFiles {
		if outputPathsSupported {
			commandProto.OutputPaths = append(commandProto.OutputPaths, file)
		} else {
			commandProto.OutputFiles = append(commandProto.OutputFiles, file)
		}
	}
	for _, directory := range outputDirectories {
		if outputPathsSupported {
			commandProto.OutputPaths = append(commandProto.OutputPaths, directory)
		} else {
			commandProto.OutputDirectories = append(commandProto.OutputDirectories, directory)
		}
	}

	for _, name := range sortedMapKeys(platform) {
		if platform[name] == "" {
			continue
		}
		if commandProto.Platform == nil {
			commandProto.Platform = &repb.Platform{}
		}
		commandProto.Platform.Properties = append(commandProto.Platform.Properties,
			&repb.Platform_Property{Name: name, Value: platform[name]})
	}
	return commandProto
}

func firstArg(pc *parser.ParsedCommand) string {
	if len(pc.RemoteArgs) > 0 {
		return pc.RemoteArgs[0]
	}
	return ""
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedMapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
