//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"
)

// VersionJson describes a build's id, timestamp and version; String
// renders it as JSON.
type VersionJson struct {
	BuildId        string    `json:"build_id"`
	BuildTimestamp time.Time `json:"build_timestamp"`
	BuildVersion   string    `json:"build_version"`
}

// Current reports this binary's own version/build id under the same
// shape VersionJson uses for a remote peer's, so a client can compare
// json.Unmarshal results directly without a separate "local version"
// type.
func Current() VersionJson {
	return VersionJson{BuildId: BuildId, BuildVersion: Version}
}

func (v VersionJson) String() string {
	b, _ := json.Marshal(v)
	return string(b)
}

// GetUserAgent formats a User-Agent string in the style mos tags its
// cloud API calls with; internal/remoteclient does not set it on its
// requests.
func GetUserAgent() string {
	return fmt.Sprintf("espbrew/%s %s (%s; %s)", Version, BuildId, runtime.GOOS, runtime.GOARCH)
}
