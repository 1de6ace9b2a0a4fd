// Copyright 2026 The gVisor Authors.
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

package limits

import (
	"fmt"

	"gvisor.dev/rst/pkg/abi/linux"
)

// FromLinuxResource maps linux resources to LimitTypes.
var FromLinuxResource = map[int]LimitType{
	linux.RLIMIT_CPU:        CPU,
	linux.RLIMIT_FSIZE:      FileSize,
	linux.RLIMIT_DATA:       Data,
	linux.RLIMIT_STACK:      Stack,
	linux.RLIMIT_CORE:       Core,
	linux.RLIMIT_RSS:        Rss,
	linux.RLIMIT_NPROC:      ProcessCount,
	linux.RLIMIT_NOFILE:     NumberOfFiles,
	linux.RLIMIT_MEMLOCK:    MemoryLocked,
	linux.RLIMIT_AS:         AS,
	linux.RLIMIT_LOCKS:      Locks,
	linux.RLIMIT_SIGPENDING: SignalsPending,
	linux.RLIMIT_MSGQUEUE:   MessageQueueBytes,
	linux.RLIMIT_NICE:       Nice,
	linux.RLIMIT_RTPRIO:     RealTimePriority,
	linux.RLIMIT_RTTIME:     Rttime,
}

// FromLinux maps linux rlimit values to Limits, being careful to handle
// infinities.
func FromLinux(rl uint64) uint64 {
	if rl == linux.RLimInfinity {
		return Infinity
	}
	return rl
}

// ToLinux maps Limits to linux rlimit values, being careful to handle
// infinities.
func ToLinux(l uint64) uint64 {
	if l == Infinity {
		return linux.RLimInfinity
	}
	return l
}

// NewLinuxLimitSet returns a LimitSet whose values match the default rlimits
// in Linux.
func NewLinuxLimitSet() (*LimitSet, error) {
	ls := NewLimitSet()
	for rlt, rl := range linux.InitRLimits {
		lt, ok := FromLinuxResource[rlt]
		if !ok {
			return nil, fmt.Errorf("unknown rlimit type %v", rlt)
		}
		ls.SetUnchecked(lt, Limit{
			Cur: FromLinux(rl.Cur),
			Max: FromLinux(rl.Max),
		})
	}
	return ls, nil
}

// FromLinuxRLimits returns a LimitSet holding the given rlimits, indexed by
// linux resource number.
func FromLinuxRLimits(rls []linux.RLimit) (*LimitSet, error) {
	if len(rls) > linux.RLIM_NLIMITS {
		return nil, fmt.Errorf("%d rlimits, at most %d are known", len(rls), linux.RLIM_NLIMITS)
	}
	ls := NewLimitSet()
	for rlt, rl := range rls {
		if rl.Cur != linux.RLimInfinity && rl.Cur > rl.Max {
			return nil, fmt.Errorf("rlimit %d: soft limit %d above hard limit %d", rlt, rl.Cur, rl.Max)
		}
		ls.SetUnchecked(FromLinuxResource[rlt], Limit{
			Cur: FromLinux(rl.Cur),
			Max: FromLinux(rl.Max),
		})
	}
	return ls, nil
}
