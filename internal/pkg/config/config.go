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

// Package config loads the recc configuration from RECC_* environment
// variables and recc.conf files into an immutable Config value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bloomberg/recc/internal/pkg/pathmap"

	log "github.com/golang/glog"
)

// envPrefix is the prefix shared by every recc environment variable. Keys
// in configuration files omit it.
const envPrefix = "RECC_"

// Config holds every recc option. It is constructed once by Load and not
// modified afterwards; per-command overlays are applied by value in
// ForCommand.
type Config struct {
	// Endpoints and instances.
	Server            string
	CASServer         string
	ActionCacheServer string
	Instance          string
	CASInstance       string
	ActionCacheInst   string

	// Auth.
	ServerAuthGoogleAPI bool
	AccessTokenPath     string
	ServerSSL           bool

	// Retries and timeouts.
	RetryLimit     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	MinThroughput  int64
	KeepaliveTime  time.Duration

	// Modes.
	CacheOnly              bool
	CompileCacheOnly       bool
	Link                   bool
	LinkMetricsOnly        bool
	LinkCacheOnly          bool
	ForceRemote            bool
	ActionUncacheable      bool
	SkipCache              bool
	DontSaveOutput         bool
	NoExecute              bool
	Verify                 bool
	CacheUploadLocalBuild  bool
	CacheUploadFailedBuild bool
	RunnerCommand          string

	// Dependencies.
	DepsOverride          []string
	DepsDirectoryOverride string
	OutputFilesOverride   []string
	OutputDirsOverride    []string
	DepsExcludePaths      []string
	DepsExtraSymlinks     []string
	DepsGlobalPaths       bool
	CompilationDatabase   string
	ClangScanDeps         string
	DepsEnv               map[string]string

	// Path handling.
	ProjectRoot      string
	NoPathRewrite    bool
	PrefixMap        []pathmap.PrefixPair
	WorkingDirPrefix string

	// Environment.
	PreserveEnv bool
	EnvToRead   []string
	RemoteEnv   map[string]string

	// Platform.
	RemotePlatform        map[string]string
	CompileRemotePlatform map[string]string
	LinkRemotePlatform    map[string]string

	// REAPI.
	ReapiVersion      string
	CASDigestFunction string
	ActionSalt        string

	// Concurrency.
	MaxThreads int

	// Observability.
	EnableMetrics              bool
	MetricsFile                string
	MetricsUDPServer           string
	StatsdFormat               string
	MetricsTags                map[string]string
	CompilationMetadataUDPPort string
	LogLevel                   string
	LogDirectory               string
	Verbose                    bool

	CorrelatedInvocationsID string
}

// defaults returns a Config populated with the documented default values.
func defaults() *Config {
	return &Config{
		RetryLimit:            0,
		RetryDelay:            100 * time.Millisecond,
		MaxThreads:            4,
		ReapiVersion:          "2.2",
		CASDigestFunction:     "SHA256",
		DepsEnv:               map[string]string{},
		RemoteEnv:             map[string]string{},
		RemotePlatform:        map[string]string{},
		CompileRemotePlatform: map[string]string{},
		LinkRemotePlatform:    map[string]string{},
		MetricsTags:           map[string]string{},
	}
}

// supportedReapiVersions maps accepted RECC_REAPI_VERSION values to
// (major, minor) pairs.
var supportedReapiVersions = map[string][2]int{
	"2.0": {2, 0},
	"2.1": {2, 1},
	"2.2": {2, 2},
}

// Load builds the configuration from recc.conf files and the process
// environment. Environment variables take priority over files; among
// files, later locations in the search order take priority.
func Load() (*Config, error) {
	cfg := defaults()
	for _, location := range ConfigLocations() {
		path := filepath.Join(location, "recc.conf")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		log.V(2).Infof("Parsing config file %s", path)
		if err := cfg.applyFile(string(data)); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.applyEnviron(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnviron is Load restricted to an explicit environment, with no
// file parsing. Used by tests.
func LoadFromEnviron(environ []string) (*Config, error) {
	cfg := defaults()
	if err := cfg.applyEnviron(environ); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigLocations returns the recc.conf search locations in ascending
// priority order.
func ConfigLocations() []string {
	var locations []string
	if installDir, err := os.Executable(); err == nil {
		locations = append(locations, filepath.Join(filepath.Dir(installDir), "..", "etc", "recc"))
	}
	if prefixDir := os.Getenv("RECC_CONFIG_PREFIX_DIR"); prefixDir != "" {
		locations = append(locations, prefixDir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".recc"))
	}
	if cwd, err := os.Getwd(); err == nil {
		locations = append(locations, filepath.Join(cwd, "recc"))
	}
	return locations
}

// applyFile parses one KEY=VALUE per line; keys omit the RECC_ prefix.
func (c *Config) applyFile(contents string) error {
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("malformed config line %q", line)
		}
		if err := c.set(strings.ToUpper(strings.TrimSpace(key)), strings.TrimSpace(value)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnviron(environ []string) error {
	// Sort for deterministic application order of map-valued variables.
	vars := append([]string(nil), environ...)
	sort.Strings(vars)
	for _, envVar := range vars {
		key, value, found := strings.Cut(envVar, "=")
		if !found || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if err := c.set(strings.TrimPrefix(key, envPrefix), value); err != nil {
			return err
		}
	}
	return nil
}

// set applies a single option. key has no RECC_ prefix.
func (c *Config) set(key, value string) error {
	// Map-valued options share a key prefix.
	switch {
	case strings.HasPrefix(key, "REMOTE_ENV_"):
		c.RemoteEnv[strings.TrimPrefix(key, "REMOTE_ENV_")] = value
		return nil
	case strings.HasPrefix(key, "DEPS_ENV_"):
		c.DepsEnv[strings.TrimPrefix(key, "DEPS_ENV_")] = value
		return nil
	case strings.HasPrefix(key, "COMPILE_REMOTE_PLATFORM_"):
		c.CompileRemotePlatform[strings.TrimPrefix(key, "COMPILE_REMOTE_PLATFORM_")] = value
		return nil
	case strings.HasPrefix(key, "LINK_REMOTE_PLATFORM_"):
		c.LinkRemotePlatform[strings.TrimPrefix(key, "LINK_REMOTE_PLATFORM_")] = value
		return nil
	case strings.HasPrefix(key, "REMOTE_PLATFORM_"):
		c.RemotePlatform[strings.TrimPrefix(key, "REMOTE_PLATFORM_")] = value
		return nil
	case strings.HasPrefix(key, "METRICS_TAG_"):
		c.MetricsTags[strings.TrimPrefix(key, "METRICS_TAG_")] = value
		return nil
	}

	var err error
	switch key {
	case "SERVER":
		c.Server = value
	case "CAS_SERVER":
		c.CASServer = value
	case "ACTION_CACHE_SERVER":
		c.ActionCacheServer = value
	case "INSTANCE":
		c.Instance = value
	case "CAS_INSTANCE":
		c.CASInstance = value
	case "ACTION_CACHE_INSTANCE":
		c.ActionCacheInst = value
	case "SERVER_AUTH_GOOGLEAPI":
		c.ServerAuthGoogleAPI = parseBool(value)
	case "ACCESS_TOKEN_PATH":
		c.AccessTokenPath = value
	case "SERVER_SSL":
		c.ServerSSL = parseBool(value)
	case "RETRY_LIMIT":
		c.RetryLimit, err = strconv.Atoi(value)
	case "RETRY_DELAY":
		var millis int
		millis, err = strconv.Atoi(value)
		c.RetryDelay = time.Duration(millis) * time.Millisecond
	case "REQUEST_TIMEOUT":
		var seconds int
		seconds, err = strconv.Atoi(value)
		c.RequestTimeout = time.Duration(seconds) * time.Second
	case "MIN_THROUGHPUT":
		c.MinThroughput, err = parseByteSize(value)
	case "KEEPALIVE_TIME":
		var seconds int
		seconds, err = strconv.Atoi(value)
		c.KeepaliveTime = time.Duration(seconds) * time.Second
	case "CACHE_ONLY":
		c.CacheOnly = parseBool(value)
	case "COMPILE_CACHE_ONLY":
		c.CompileCacheOnly = parseBool(value)
	case "LINK":
		c.Link = parseBool(value)
	case "LINK_METRICS_ONLY":
		c.LinkMetricsOnly = parseBool(value)
	case "LINK_CACHE_ONLY":
		c.LinkCacheOnly = parseBool(value)
	case "FORCE_REMOTE":
		c.ForceRemote = parseBool(value)
	case "ACTION_UNCACHEABLE":
		c.ActionUncacheable = parseBool(value)
	case "SKIP_CACHE":
		c.SkipCache = parseBool(value)
	case "DONT_SAVE_OUTPUT":
		c.DontSaveOutput = parseBool(value)
	case "NO_EXECUTE":
		c.NoExecute = parseBool(value)
	case "VERIFY":
		c.Verify = parseBool(value)
	case "CACHE_UPLOAD_LOCAL_BUILD":
		c.CacheUploadLocalBuild = parseBool(value)
	case "CACHE_UPLOAD_FAILED_BUILD":
		c.CacheUploadFailedBuild = parseBool(value)
	case "RUNNER_COMMAND":
		c.RunnerCommand = value
	case "DEPS_OVERRIDE":
		c.DepsOverride = parseList(value)
	case "DEPS_DIRECTORY_OVERRIDE":
		c.DepsDirectoryOverride = value
	case "OUTPUT_FILES_OVERRIDE":
		c.OutputFilesOverride = parseList(value)
	case "OUTPUT_DIRECTORIES_OVERRIDE":
		c.OutputDirsOverride = parseList(value)
	case "DEPS_EXCLUDE_PATHS":
		c.DepsExcludePaths = parseList(value)
	case "DEPS_EXTRA_SYMLINKS":
		c.DepsExtraSymlinks = parseList(value)
	case "DEPS_GLOBAL_PATHS":
		c.DepsGlobalPaths = parseBool(value)
	case "COMPILATION_DATABASE":
		c.CompilationDatabase = value
	case "CLANG_SCAN_DEPS":
		c.ClangScanDeps = value
	case "PROJECT_ROOT":
		c.ProjectRoot = value
	case "NO_PATH_REWRITE":
		c.NoPathRewrite = parseBool(value)
	case "PREFIX_MAP":
		c.PrefixMap, err = parsePrefixMap(value)
	case "WORKING_DIR_PREFIX":
		c.WorkingDirPrefix = value
	case "PRESERVE_ENV":
		c.PreserveEnv = parseBool(value)
	case "ENV_TO_READ":
		c.EnvToRead = parseList(value)
	case "REAPI_VERSION":
		c.ReapiVersion = value
	case "CAS_DIGEST_FUNCTION":
		c.CASDigestFunction = value
	case "ACTION_SALT":
		c.ActionSalt = value
	case "MAX_THREADS":
		c.MaxThreads, err = strconv.Atoi(value)
	case "ENABLE_METRICS":
		c.EnableMetrics = parseBool(value)
	case "METRICS_FILE":
		c.MetricsFile = value
	case "METRICS_UDP_SERVER":
		c.MetricsUDPServer = value
	case "STATSD_FORMAT":
		c.StatsdFormat = value
	case "COMPILATION_METADATA_UDP_PORT":
		c.CompilationMetadataUDPPort = value
	case "LOG_LEVEL":
		c.LogLevel = value
	case "LOG_DIRECTORY":
		c.LogDirectory = value
	case "VERBOSE":
		c.Verbose = parseBool(value)
	case "CORRELATED_INVOCATIONS_ID":
		c.CorrelatedInvocationsID = value
	case "CONFIG_PREFIX_DIR":
		// Consumed by ConfigLocations.
	default:
		log.V(1).Infof("Ignoring unknown configuration key RECC_%s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value %q for RECC_%s: %w", value, key, err)
	}
	return nil
}

// finalize applies the endpoint and instance defaulting chains and
// validates cross-option constraints.
func (c *Config) finalize() error {
	// Endpoint defaulting: CAS falls back to the action cache server or
	// the execution server; the action cache falls back to CAS or the
	// execution server. A single forward pass, never re-entered.
	if c.CASServer == "" {
		if c.ActionCacheServer != "" {
			c.CASServer = c.ActionCacheServer
		} else {
			c.CASServer = c.Server
		}
	}
	if c.ActionCacheServer == "" {
		c.ActionCacheServer = c.CASServer
	}

	// Instance defaulting follows the same shape. An unset action-cache
	// instance after CAS defaulting resolves to the CAS value, which may
	// be the empty string.
	if c.CASInstance == "" {
		if c.ActionCacheInst != "" {
			c.CASInstance = c.ActionCacheInst
		} else {
			c.CASInstance = c.Instance
		}
	}
	if c.ActionCacheInst == "" {
		c.ActionCacheInst = c.CASInstance
	}

	if c.ServerSSL {
		c.Server = coerceURLScheme(c.Server)
		c.CASServer = coerceURLScheme(c.CASServer)
		c.ActionCacheServer = coerceURLScheme(c.ActionCacheServer)
	}

	if _, ok := supportedReapiVersions[c.ReapiVersion]; !ok {
		return fmt.Errorf("unsupported RECC_REAPI_VERSION %q", c.ReapiVersion)
	}
	switch c.StatsdFormat {
	case "", "influx", "graphite", "dog":
	default:
		return fmt.Errorf("unsupported RECC_STATSD_FORMAT %q", c.StatsdFormat)
	}
	return nil
}

// ForCommand returns a copy with the per-family overlays applied: the
// cache-only mode and the platform map specific to compile or link
// commands.
func (c *Config) ForCommand(isCompile, isLink bool) *Config {
	overlaid := *c
	overlaid.RemotePlatform = map[string]string{}
	for k, v := range c.RemotePlatform {
		overlaid.RemotePlatform[k] = v
	}
	if isCompile {
		overlaid.CacheOnly = c.CacheOnly || c.CompileCacheOnly
		for k, v := range c.CompileRemotePlatform {
			overlaid.RemotePlatform[k] = v
		}
	} else if isLink {
		overlaid.CacheOnly = c.CacheOnly || c.LinkCacheOnly
		for k, v := range c.LinkRemotePlatform {
			overlaid.RemotePlatform[k] = v
		}
	}
	return &overlaid
}

// Mapper builds the path mapper for this configuration.
func (c *Config) Mapper() *pathmap.Mapper {
	return &pathmap.Mapper{
		PrefixMap:     c.PrefixMap,
		ProjectRoot:   c.ProjectRoot,
		NoPathRewrite: c.NoPathRewrite,
	}
}

// OutputPathsSupported reports whether the negotiated REAPI version uses
// the Command.output_paths field (v2.1+).
func (c *Config) OutputPathsSupported() bool {
	v := supportedReapiVersions[c.ReapiVersion]
	return v[0] > 2 || (v[0] == 2 && v[1] >= 1)
}

// PlatformInActionSupported reports whether the negotiated REAPI version
// duplicates the platform into the Action message (v2.2+).
func (c *Config) PlatformInActionSupported() bool {
	v := supportedReapiVersions[c.ReapiVersion]
	return v[0] > 2 || (v[0] == 2 && v[1] >= 2)
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

func parseList(value string) []string {
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parsePrefixMap parses colon-separated from=to pairs.
func parsePrefixMap(value string) ([]pathmap.PrefixPair, error) {
	if value == "" {
		return nil, nil
	}
	var pairs []pathmap.PrefixPair
	for _, entry := range strings.Split(value, ":") {
		from, to, found := strings.Cut(entry, "=")
		if !found || from == "" {
			return nil, fmt.Errorf("malformed prefix map entry %q", entry)
		}
		pairs = append(pairs, pathmap.PrefixPair{From: from, To: to})
	}
	return pairs, nil
}

// parseByteSize parses a throughput value with an optional K/M/G suffix.
func parseByteSize(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	multiplier := int64(1)
	switch value[len(value)-1] {
	case 'K', 'k':
		multiplier = 1024
		value = value[:len(value)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		value = value[:len(value)-1]
	case 'G', 'g':
		multiplier = 1024 * 1024 * 1024
		value = value[:len(value)-1]
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

func coerceURLScheme(url string) string {
	if url == "" || strings.Contains(url, "://") {
		return url
	}
	return "https://" + url
}
