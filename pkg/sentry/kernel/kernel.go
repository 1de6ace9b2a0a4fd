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

// Package kernel provides an emulation of the Linux kernel objects that a
// restored process tree is attached to.
//
// A Kernel holds every Task, the UTS names, the clocks restored tasks
// observe, and the shared special mappings. Tasks own (possibly shared)
// references on a MemoryManager, an FDTable, an FSContext and a
// SignalHandlers table; sharing follows the Linux clone(2) flags.
//
// Lock order:
//
//	Kernel.mu
//	  Task.mu
//	    ThreadGroup.mu
//	      FDTable.mu
//	      FSContext.mu
//	      SignalHandlers.mu
package kernel

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/hostarch"
	"gvisor.dev/rst/pkg/log"
	"gvisor.dev/rst/pkg/sentry/mm"
)

// TasksLimit is the maximum number of tasks a Kernel holds, and the bound on
// thread IDs.
const TasksLimit = 1 << 22

// vdsoSize is the size of the [vdso] special mapping.
const vdsoSize = 2 * hostarch.PageSize

// Kernel represents an emulated Linux kernel.
type Kernel struct {
	// mu protects below.
	mu sync.Mutex

	// tasks maps thread IDs to live and zombie tasks.
	tasks map[ThreadID]*Task

	// lastPID is the last thread ID allocated.
	lastPID ThreadID

	// hostname and domainname are the UTS names.
	hostname   string
	domainname string

	// vdso backs every [vdso] mapping. It is created on first use.
	vdso *mm.MemoryObject

	// monotonicBase is the host time that monotonic time is measured from.
	// monotonicOffset is added to the elapsed time.
	monotonicBase   time.Time
	monotonicOffset atomic.Int64

	// startTimeDelta is added to task start times, see VEInfo.
	startTimeDelta atomic.Int64

	// fdTableUIDs is the last FDTable unique identifier handed out.
	fdTableUIDs atomic.Uint64

	checkpointMu  sync.Mutex
	checkpointGen CheckpointGeneration
}

// New returns a Kernel with no tasks.
func New() *Kernel {
	return &Kernel{
		tasks:         make(map[ThreadID]*Task),
		hostname:      "localhost",
		domainname:    "(none)",
		monotonicBase: time.Now(),
	}
}

// RealtimeNow returns the current wall time in nanoseconds.
func (k *Kernel) RealtimeNow() int64 {
	return time.Now().UnixNano()
}

// MonotonicNow returns the current monotonic time in nanoseconds.
func (k *Kernel) MonotonicNow() int64 {
	return int64(time.Since(k.monotonicBase)) + k.monotonicOffset.Load()
}

// RebaseMonotonic shifts the monotonic clock so that it reads mono now. Time
// that elapsed between a checkpoint and the restore does not appear on the
// rebased clock.
func (k *Kernel) RebaseMonotonic(mono int64) {
	k.monotonicOffset.Store(mono - int64(time.Since(k.monotonicBase)))
	log.Debugf("Monotonic clock rebased to %v", time.Duration(mono))
}

// StartTimeDelta returns the delta added to task start times.
func (k *Kernel) StartTimeDelta() time.Duration {
	return time.Duration(k.startTimeDelta.Load())
}

// SetStartTimeDelta sets the delta added to task start times.
func (k *Kernel) SetStartTimeDelta(d time.Duration) {
	k.startTimeDelta.Store(int64(d))
}

// Hostname returns the UTS node name.
func (k *Kernel) Hostname() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.hostname
}

// SetHostname sets the UTS node name, as sethostname(2).
func (k *Kernel) SetHostname(name string) error {
	if len(name) > linux.UTSLen {
		return unix.ENAMETOOLONG
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hostname = name
	return nil
}

// DomainName returns the UTS domain name.
func (k *Kernel) DomainName() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.domainname
}

// SetDomainName sets the UTS domain name, as setdomainname(2).
func (k *Kernel) SetDomainName(name string) error {
	if len(name) > linux.UTSLen {
		return unix.ENAMETOOLONG
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.domainname = name
	return nil
}

// LastPID returns the last allocated thread ID.
func (k *Kernel) LastPID() ThreadID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastPID
}

// SetLastPID sets the last allocated thread ID, as
// /proc/sys/kernel/ns_last_pid.
func (k *Kernel) SetLastPID(tid ThreadID) error {
	if tid < 0 || tid >= TasksLimit {
		return unix.EINVAL
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastPID = tid
	return nil
}

// allocateTIDLocked reserves tid, or the next free ID if tid is zero.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) allocateTIDLocked(tid ThreadID) (ThreadID, error) {
	if tid < 0 || tid >= TasksLimit {
		return 0, unix.EINVAL
	}
	if tid != 0 {
		if _, ok := k.tasks[tid]; ok {
			return 0, unix.EEXIST
		}
		if tid > k.lastPID {
			k.lastPID = tid
		}
		return tid, nil
	}
	if len(k.tasks) >= TasksLimit-1 {
		return 0, unix.EAGAIN
	}
	for {
		k.lastPID++
		if k.lastPID >= TasksLimit {
			k.lastPID = InitTID
		}
		if _, ok := k.tasks[k.lastPID]; !ok {
			return k.lastPID, nil
		}
	}
}

// TaskWithID returns the task with the given ID, or nil.
func (k *Kernel) TaskWithID(tid ThreadID) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tasks[tid]
}

// Tasks returns all tasks ordered by thread ID.
func (k *Kernel) Tasks() []*Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	ts := make([]*Task, 0, len(k.tasks))
	for _, t := range k.tasks {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].tid < ts[j].tid })
	return ts
}

// release removes a reaped task from the kernel.
func (k *Kernel) release(t *Task) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.tasks[t.tid] == t {
		delete(k.tasks, t.tid)
	}
}

// VDSO returns the memory object backing [vdso] mappings. The caller owns a
// reference on it.
func (k *Kernel) VDSO() *mm.MemoryObject {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.vdso == nil {
		k.vdso = mm.NewMemoryObject("[vdso]", vdsoSize)
	}
	k.vdso.IncRef()
	return k.vdso
}

// Release drops the kernel's own references.
func (k *Kernel) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if n := len(k.tasks); n != 0 {
		log.Warningf("Kernel released with %d tasks", n)
	}
	if k.vdso != nil {
		k.vdso.DecRef()
		k.vdso = nil
	}
}
