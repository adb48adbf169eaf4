// Copyright 2024-2026 The Gofil Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !linux

package memtrack

// Memory limits are only discoverable on Linux. Elsewhere the watcher
// stays quiet unless an explicit limit is configured.
func availableMemory() (uint64, bool) {
	return 0, false
}

func detectMemLimit() uint64 {
	return 0
}
