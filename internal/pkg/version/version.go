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

// Package version defines the version number reported by --version and in
// RequestMetadata.
package version

import "fmt"

// These variables are overridden at link time to set the released version.
var (
	versionMajor = "1"
	versionMinor = "0"
	versionPatch = "0"
)

// CurrentVersion returns the current version number in semver format.
func CurrentVersion() string {
	return fmt.Sprintf("%s.%s.%s", versionMajor, versionMinor, versionPatch)
}
