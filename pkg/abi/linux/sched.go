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

package linux

// Clone flags, from include/uapi/linux/sched.h.
const (
	CLONE_VM      = 0x100
	CLONE_FS      = 0x200
	CLONE_FILES   = 0x400
	CLONE_SIGHAND = 0x800
	CLONE_PARENT  = 0x8000
	CLONE_THREAD  = 0x10000
	CLONE_SYSVSEM = 0x40000
)

// Task states, from include/linux/sched.h.
const (
	TASK_RUNNING         = 0x0
	TASK_INTERRUPTIBLE   = 0x1
	TASK_UNINTERRUPTIBLE = 0x2
	TASK_STOPPED         = 0x4
	TASK_TRACED          = 0x8
	EXIT_DEAD            = 0x10
	EXIT_ZOMBIE          = 0x20
)

// Per-process flags that survive a restore.
const (
	PF_FORKNOEXEC = 0x00000040
	PF_SUPERPRIV  = 0x00000100
)

// Personalities, from include/uapi/linux/personality.h.
const (
	PER_LINUX   = 0x0000
	PER_LINUX32 = 0x0008
)
