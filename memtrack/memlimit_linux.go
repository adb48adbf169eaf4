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

//go:build linux

package memtrack

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/containerd/cgroups/v3/cgroup2"
	log "github.com/sirupsen/logrus"
)

// Limits at or above this are the kernel's way of saying "none".
const noCgroupLimit = uint64(1) << 62

var (
	selfCgroupOnce sync.Once
	selfCgroup     *cgroup2.Manager
)

func selfCgroupManager() *cgroup2.Manager {
	selfCgroupOnce.Do(func() {
		path, err := cgroup2.PidGroupPath(os.Getpid())
		if err != nil {
			log.WithError(err).Debug("resolving own cgroup path")
			return
		}
		m, err := cgroup2.Load(path)
		if err != nil {
			log.WithError(err).Debug("loading cgroup")
			return
		}
		selfCgroup = m
	})
	return selfCgroup
}

// availableMemory reports how many bytes the process can still
// allocate: headroom under the cgroup v2 limit when one applies,
// otherwise the kernel's system-wide MemAvailable estimate.
func availableMemory() (uint64, bool) {
	if m := selfCgroupManager(); m != nil {
		if st, err := m.Stat(); err == nil && st.Memory != nil {
			limit := st.Memory.UsageLimit
			if limit > 0 && limit < noCgroupLimit {
				if st.Memory.Usage >= limit {
					return 0, true
				}
				return limit - st.Memory.Usage, true
			}
		}
	}
	return meminfoField("MemAvailable:")
}

// detectMemLimit finds the effective memory ceiling: the cgroup v2
// limit when set, otherwise total system RAM.
func detectMemLimit() uint64 {
	if m := selfCgroupManager(); m != nil {
		if st, err := m.Stat(); err == nil && st.Memory != nil {
			if limit := st.Memory.UsageLimit; limit > 0 && limit < noCgroupLimit {
				return limit
			}
		}
	}
	if total, ok := meminfoField("MemTotal:"); ok {
		return total
	}
	return 0
}

func meminfoField(field string) (uint64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, field) {
			continue
		}
		var kb uint64
		if _, err := fmt.Sscanf(line[len(field):], "%d kB", &kb); err != nil {
			return 0, false
		}
		return kb << 10, true
	}
	return 0, false
}
