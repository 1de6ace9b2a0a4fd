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
	"sort"
	"sync"

	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/sentry/limits"
)

// ThreadID is a generic thread identifier.
type ThreadID int32

// String returns a decimal representation of the ThreadID.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

// InitTID is the TID given to the first task of a Kernel.
const InitTID ThreadID = 1

// ProcessGroupID is the public identifier of a process group.
type ProcessGroupID ThreadID

// SessionID is the public identifier of a session.
type SessionID ThreadID

// A ThreadGroup is a logical grouping of tasks that has widespread
// significance to other kernel features (e.g. signal handling). ("Thread
// groups" are usually called "processes" in userspace documentation.)
type ThreadGroup struct {
	// leader is the thread group leader, which is the first task in the
	// group. leader is immutable.
	leader *Task

	// mu protects below.
	mu sync.Mutex

	// tasks is the set of tasks in the thread group.
	tasks map[*Task]struct{}

	// signalHandlers is the set of signal handlers used by every task in
	// this thread group. Tasks in different thread groups may share it.
	signalHandlers *SignalHandlers

	// pendingSignals is the set of pending signals that may be handled by
	// any task in this thread group.
	pendingSignals pendingSignals

	// limits is the thread group's resource limits.
	limits *limits.LimitSet

	// itimers are the thread group's interval timers, indexed by
	// ITIMER_*.
	itimers [3]*ITimer

	pgid ProcessGroupID
	sid  SessionID
}

func newThreadGroup(sh *SignalHandlers, ls *limits.LimitSet) *ThreadGroup {
	tg := &ThreadGroup{
		tasks:          make(map[*Task]struct{}),
		signalHandlers: sh,
		limits:         ls,
	}
	for i := range tg.itimers {
		tg.itimers[i] = newITimer(tg, i)
	}
	return tg
}

// Leader returns tg's leader.
func (tg *ThreadGroup) Leader() *Task {
	return tg.leader
}

// ID returns tg's thread group ID, the thread ID of its leader.
func (tg *ThreadGroup) ID() ThreadID {
	return tg.leader.tid
}

// Limits returns tg's limits.
func (tg *ThreadGroup) Limits() *limits.LimitSet {
	return tg.limits
}

// SetLimits replaces tg's limits.
func (tg *ThreadGroup) SetLimits(ls *limits.LimitSet) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.limits = ls
}

// SignalHandlers returns the signal handlers used by tg.
func (tg *ThreadGroup) SignalHandlers() *SignalHandlers {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.signalHandlers
}

// SetSignalHandlers replaces the signal handlers used by tg.
func (tg *ThreadGroup) SetSignalHandlers(sh *SignalHandlers) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.signalHandlers = sh
}

// ProcessGroupID returns tg's process group.
func (tg *ThreadGroup) ProcessGroupID() ProcessGroupID {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.pgid
}

// SessionID returns tg's session.
func (tg *ThreadGroup) SessionID() SessionID {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.sid
}

// SetProcessGroup sets tg's process group and session.
func (tg *ThreadGroup) SetProcessGroup(pgid ProcessGroupID, sid SessionID) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.pgid = pgid
	tg.sid = sid
}

// Tasks returns the members of tg ordered by thread ID.
func (tg *ThreadGroup) Tasks() []*Task {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	ts := make([]*Task, 0, len(tg.tasks))
	for t := range tg.tasks {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].tid < ts[j].tid })
	return ts
}

// PendingSignals returns the signals pending on the whole group.
func (tg *ThreadGroup) PendingSignals() linux.SignalSet {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.pendingSignals.pendingSet
}

// removeTask drops t from tg and reports whether tg is now empty.
func (tg *ThreadGroup) removeTask(t *Task) bool {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	delete(tg.tasks, t)
	return len(tg.tasks) == 0
}
