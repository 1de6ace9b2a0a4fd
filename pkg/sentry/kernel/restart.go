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

package kernel

import (
	"fmt"
	"time"
)

// RestartKind identifies the system call an interrupted task restarts.
type RestartKind uint32

// Restart kinds.
const (
	RestartNone RestartKind = iota
	RestartNanosleep
	RestartPoll
	RestartFutexWait
)

func (k RestartKind) String() string {
	switch k {
	case RestartNone:
		return "none"
	case RestartNanosleep:
		return "nanosleep"
	case RestartPoll:
		return "poll"
	case RestartFutexWait:
		return "futex"
	default:
		return fmt.Sprintf("RestartKind(%d)", uint32(k))
	}
}

// RestartBlock is the state needed to restart an interrupted blocking system
// call, as struct restart_block.
type RestartBlock struct {
	Kind RestartKind

	// Deadline is the absolute expiry time on the kernel's monotonic clock
	// in nanoseconds. Zero means no timeout.
	Deadline int64

	// Args are the kind-specific arguments: the user address of the
	// remaining-time buffer for nanosleep; the poll fd array and count; the
	// futex address, value and bitset.
	Args [4]uint64
}

// Remaining returns the time left until r's deadline at now, never negative.
func (r *RestartBlock) Remaining(now int64) time.Duration {
	if r.Deadline == 0 || r.Deadline <= now {
		return 0
	}
	return time.Duration(r.Deadline - now)
}
