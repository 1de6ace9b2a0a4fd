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
	"gvisor.dev/rst/pkg/log"
	"gvisor.dev/rst/pkg/sentry/kernel/auth"
	"gvisor.dev/rst/pkg/sentry/mm"
)

// TaskRunState is the scheduling state of a Task.
type TaskRunState int

const (
	// TaskCreated is a task that has not been started.
	TaskCreated TaskRunState = iota

	// TaskRunnable is a task that will run once resumed.
	TaskRunnable

	// TaskRunning is a resumed task.
	TaskRunning

	// TaskStopped is a task in group stop. It is not woken by Resume.
	TaskStopped

	// TaskTraced is a task in ptrace stop. It is not woken by Resume.
	TaskTraced
)

func (s TaskRunState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskRunnable:
		return "runnable"
	case TaskRunning:
		return "running"
	case TaskStopped:
		return "stopped"
	case TaskTraced:
		return "traced"
	default:
		return fmt.Sprintf("TaskRunState(%d)", int(s))
	}
}

// RunStateFromLinux returns the run state of a recorded task state.
func RunStateFromLinux(state uint32) TaskRunState {
	switch {
	case state&linux.TASK_TRACED != 0:
		return TaskTraced
	case state&linux.TASK_STOPPED != 0:
		return TaskStopped
	default:
		return TaskRunnable
	}
}

// TaskExitState represents a step in the task exit path.
type TaskExitState int

const (
	// TaskExitNone indicates that the task has not begun exiting.
	TaskExitNone TaskExitState = iota

	// TaskExitZombie indicates that the task has released its resources
	// and is waiting to be reaped.
	TaskExitZombie

	// TaskExitDead indicates that the task has been reaped.
	TaskExitDead
)

func (s TaskExitState) String() string {
	switch s {
	case TaskExitNone:
		return "TaskExitNone"
	case TaskExitZombie:
		return "TaskExitZombie"
	case TaskExitDead:
		return "TaskExitDead"
	default:
		return fmt.Sprintf("TaskExitState(%d)", int(s))
	}
}

// Task represents a thread of execution in the untrusted app.
type Task struct {
	k *Kernel

	// tid is the task's thread ID. tid is immutable.
	tid ThreadID

	// tg is the thread group that this task belongs to. The tg pointer is
	// immutable.
	tg *ThreadGroup

	// mu protects below.
	mu sync.Mutex

	// parent is the task's parent. parent may be nil.
	parent *Task

	// children is this task's children.
	children map[*Task]struct{}

	// name is the task's command name.
	name string

	// mm is the task's address space. mm may be nil after exit.
	mm *mm.MemoryManager

	// fdTable is the task's file descriptor table.
	fdTable *FDTable

	// fsContext is the task's filesystem context.
	fsContext *FSContext

	// creds is the task's credentials. The Credentials object is treated as
	// immutable; changes replace the pointer.
	creds *auth.Credentials

	// blocked is the set of signals blocked from delivery.
	blocked linux.SignalSet

	// pendingSignals is the set of pending signals that may be handled
	// only by this task.
	pendingSignals pendingSignals

	personality  uint32
	flags        uint32
	exitCode     int32
	pdeathSignal linux.Signal

	// restart is the pending restart block, or nil.
	restart *RestartBlock

	runState  TaskRunState
	exitState TaskExitState

	// resumed is closed when the task leaves TaskRunnable.
	resumed chan struct{}

	// exited is closed once the task becomes a zombie.
	exited chan struct{}
}

// Kernel returns the Kernel containing t.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// ThreadID returns t's thread ID.
func (t *Task) ThreadID() ThreadID {
	return t.tid
}

// ThreadGroup returns the thread group containing t.
func (t *Task) ThreadGroup() *ThreadGroup {
	return t.tg
}

// IsLeader returns true if t is its thread group's leader.
func (t *Task) IsLeader() bool {
	return t.tg.leader == t
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("%s[%d]", t.Name(), t.tid)
}

// Parent returns t's parent.
func (t *Task) Parent() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parent
}

// Children returns t's children ordered by thread ID.
func (t *Task) Children() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := make([]*Task, 0, len(t.children))
	for c := range t.children {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].tid < cs[j].tid })
	return cs
}

// Name returns t's command name.
func (t *Task) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName changes t's command name, truncated as prctl(PR_SET_NAME).
func (t *Task) SetName(name string) {
	if len(name) > 15 {
		name = name[:15]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
}

// MemoryManager returns t's address space. It may be nil once t exits.
func (t *Task) MemoryManager() *mm.MemoryManager {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mm
}

// SetMemoryManager attaches m to t, consuming a user reference on m that the
// caller has taken, and releases t's previous address space.
func (t *Task) SetMemoryManager(m *mm.MemoryManager) {
	t.mu.Lock()
	old := t.mm
	t.mm = m
	t.mu.Unlock()
	if old != nil {
		old.DecUsers()
	}
}

// FDTable returns t's descriptor table. The returned table carries no extra
// reference.
func (t *Task) FDTable() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fdTable
}

// SetFDTable attaches f to t, taking a reference on f, and drops the
// reference on t's previous table. A nil f leaves t without a table.
func (t *Task) SetFDTable(f *FDTable) {
	if f != nil {
		f.IncRef()
	}
	t.mu.Lock()
	old := t.fdTable
	t.fdTable = f
	t.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// FSContext returns t's filesystem context.
func (t *Task) FSContext() *FSContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fsContext
}

// SetFSContext attaches f to t, taking a reference on f, and drops the
// reference on t's previous context. A nil f leaves t without one.
func (t *Task) SetFSContext(f *FSContext) {
	if f != nil {
		f.IncRef()
	}
	t.mu.Lock()
	old := t.fsContext
	t.fsContext = f
	t.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// SetSignalHandlers makes t's thread group use sh.
func (t *Task) SetSignalHandlers(sh *SignalHandlers) {
	sh.IncUsers()
	old := t.tg.SignalHandlers()
	t.tg.SetSignalHandlers(sh)
	if old != nil {
		old.DecUsers()
	}
}

// Credentials returns t's credentials.
func (t *Task) Credentials() *auth.Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

// SetCredentials replaces t's credentials.
func (t *Task) SetCredentials(creds *auth.Credentials) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creds = creds
}

// Personality returns t's personality.
func (t *Task) Personality() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.personality
}

// SetPersonality sets t's personality.
func (t *Task) SetPersonality(p uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.personality = p
}

// Flags returns t's PF_* flags.
func (t *Task) Flags() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags
}

// SetFlags sets t's PF_* flags.
func (t *Task) SetFlags(flags uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flags = flags
}

// ExitCode returns t's exit code, as wait(2) status.
func (t *Task) ExitCode() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// SetExitCode sets t's exit code.
func (t *Task) SetExitCode(code int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitCode = code
}

// ParentDeathSignal returns t's parent death signal.
func (t *Task) ParentDeathSignal() linux.Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pdeathSignal
}

// SetParentDeathSignal sets t's parent death signal, as
// prctl(PR_SET_PDEATHSIG).
func (t *Task) SetParentDeathSignal(sig linux.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pdeathSignal = sig
}

// RestartBlock returns t's pending restart block, or nil.
func (t *Task) RestartBlock() *RestartBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restart
}

// SetRestartBlock sets t's pending restart block.
func (t *Task) SetRestartBlock(r *RestartBlock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restart = r
}

// RunState returns t's run state.
func (t *Task) RunState() TaskRunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runState
}

// SetRunState sets the state t enters on Start. Only TaskRunnable,
// TaskStopped and TaskTraced are accepted.
func (t *Task) SetRunState(s TaskRunState) {
	switch s {
	case TaskRunnable, TaskStopped, TaskTraced:
	default:
		panic(fmt.Sprintf("SetRunState(%v)", s))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runState != TaskCreated && t.runState != TaskRunnable {
		log.Debugf("Task %d: run state %v replaced with %v", t.tid, t.runState, s)
	}
	t.runState = s
}

// ExitState returns t's exit state.
func (t *Task) ExitState() TaskExitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitState
}

// Exited returns a channel that is closed once t has exited.
func (t *Task) Exited() <-chan struct{} {
	return t.exited
}

// Resumed returns a channel that is closed once t has been resumed or has
// exited.
func (t *Task) Resumed() <-chan struct{} {
	return t.resumed
}

// Resume wakes t if it is runnable. Stopped and traced tasks stay as they
// are. It returns true if t was woken.
func (t *Task) Resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitState != TaskExitNone {
		return false
	}
	switch t.runState {
	case TaskCreated, TaskRunnable:
		t.runState = TaskRunning
		close(t.resumed)
	default:
		return false
	}
	t.tg.startTimers()
	return true
}
