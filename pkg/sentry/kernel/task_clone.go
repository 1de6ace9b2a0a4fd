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
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/log"
	"gvisor.dev/rst/pkg/sentry/kernel/auth"
	"gvisor.dev/rst/pkg/sentry/limits"
	"gvisor.dev/rst/pkg/sentry/mm"
)

// TaskConfig defines the configuration of a new task with no parent.
type TaskConfig struct {
	// TID is the new task's thread ID. Zero allocates the next free ID.
	TID ThreadID

	// Name is the task's command name.
	Name string

	// Credentials is the task's credentials. If nil, root credentials are
	// used.
	Credentials *auth.Credentials

	// Limits is the new thread group's resource limits. If nil, Linux
	// defaults are used.
	Limits *limits.LimitSet

	// FSContext is the task's filesystem context. If nil, a context with
	// no root or working directory is created. The task takes a reference.
	FSContext *FSContext
}

// NewTask creates a task that has no parent and leads a new thread group. It
// starts with an empty address space and descriptor table.
func (k *Kernel) NewTask(cfg TaskConfig) (*Task, error) {
	creds := cfg.Credentials
	if creds == nil {
		creds = auth.NewRootCredentials()
	}
	ls := cfg.Limits
	if ls == nil {
		var err error
		if ls, err = limits.NewLinuxLimitSet(); err != nil {
			return nil, err
		}
	}
	fsc := cfg.FSContext
	if fsc == nil {
		fsc = NewFSContext(nil, nil, 0022)
	} else {
		fsc.IncRef()
	}

	t := &Task{
		k:         k,
		tg:        newThreadGroup(NewSignalHandlers(), ls),
		children:  make(map[*Task]struct{}),
		name:      cfg.Name,
		mm:        mm.NewMemoryManager(),
		fdTable:   k.NewFDTable(),
		fsContext: fsc,
		creds:     creds,
		runState:  TaskCreated,
		resumed:   make(chan struct{}),
		exited:    make(chan struct{}),
	}
	t.tg.leader = t
	if err := k.insertTask(t, cfg.TID); err != nil {
		t.releaseResources()
		return nil, err
	}
	t.tg.pgid = ProcessGroupID(t.tid)
	t.tg.sid = SessionID(t.tid)
	log.Debugf("Task %d created", t.tid)
	return t, nil
}

// CloneOptions controls the behavior of Task.Clone.
type CloneOptions struct {
	// TID is the new task's thread ID. Zero allocates the next free ID.
	TID ThreadID

	// Flags is a set of CLONE_* flags selecting which resources the new
	// task shares with the cloning task. Unshared resources are copied,
	// except the address space, which starts empty.
	Flags uint64

	// Name is the new task's command name. If empty, the cloning task's
	// name is used.
	Name string
}

// validate checks flag combinations as kernel/fork.c:copy_process().
func (opts *CloneOptions) validate() error {
	f := opts.Flags
	if f&linux.CLONE_THREAD != 0 && f&linux.CLONE_SIGHAND == 0 {
		return unix.EINVAL
	}
	if f&linux.CLONE_SIGHAND != 0 && f&linux.CLONE_VM == 0 {
		return unix.EINVAL
	}
	return nil
}

// Clone creates a child of t, or a sibling with CLONE_PARENT or
// CLONE_THREAD, sharing resources as opts.Flags selects. The new task is
// not started.
func (t *Task) Clone(opts CloneOptions) (*Task, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.exitState != TaskExitNone {
		t.mu.Unlock()
		return nil, unix.ESRCH
	}
	pmm, pfd, pfs := t.mm, t.fdTable, t.fsContext
	creds, blocked, name := t.creds, t.blocked, t.name
	personality := t.personality
	parent := t
	if opts.Flags&(linux.CLONE_PARENT|linux.CLONE_THREAD) != 0 {
		parent = t.parent
	}
	t.mu.Unlock()

	var m *mm.MemoryManager
	if opts.Flags&linux.CLONE_VM != 0 {
		// A task without an address space passes that on.
		if pmm != nil && !pmm.IncUsers() {
			return nil, unix.EINVAL
		}
		m = pmm
	} else {
		m = mm.NewMemoryManager()
	}

	var fdTable *FDTable
	switch {
	case pfd == nil:
		fdTable = t.k.NewFDTable()
	case opts.Flags&linux.CLONE_FILES != 0:
		pfd.IncRef()
		fdTable = pfd
	default:
		fdTable = pfd.Fork()
	}

	var fsc *FSContext
	switch {
	case pfs == nil:
		fsc = NewFSContext(nil, nil, 0022)
	case opts.Flags&linux.CLONE_FS != 0:
		pfs.IncRef()
		fsc = pfs
	default:
		fsc = pfs.Fork()
	}

	tg := t.tg
	if opts.Flags&linux.CLONE_THREAD == 0 {
		sh := t.tg.SignalHandlers()
		if opts.Flags&linux.CLONE_SIGHAND != 0 {
			sh.IncUsers()
		} else {
			sh = sh.Fork()
		}
		tg = newThreadGroup(sh, t.tg.Limits().GetCopy())
	}

	if opts.Name != "" {
		name = opts.Name
	}
	nt := &Task{
		k:           t.k,
		tg:          tg,
		parent:      parent,
		children:    make(map[*Task]struct{}),
		name:        name,
		mm:          m,
		fdTable:     fdTable,
		fsContext:   fsc,
		creds:       creds.Fork(),
		blocked:     blocked,
		personality: personality,
		runState:    TaskCreated,
		resumed:     make(chan struct{}),
		exited:      make(chan struct{}),
	}
	if tg != t.tg {
		tg.leader = nt
	}
	if err := t.k.insertTask(nt, opts.TID); err != nil {
		nt.releaseResources()
		if tg != t.tg {
			tg.signalHandlers.DecUsers()
		}
		return nil, err
	}
	if tg != t.tg {
		tg.pgid, tg.sid = t.tg.ProcessGroupID(), t.tg.SessionID()
	}
	if parent != nil {
		parent.mu.Lock()
		parent.children[nt] = struct{}{}
		parent.mu.Unlock()
	}
	log.Debugf("Task %d cloned from %d with flags %#x", nt.tid, t.tid, opts.Flags)
	return nt, nil
}

// insertTask assigns t its thread ID and adds it to k and its thread group.
func (k *Kernel) insertTask(t *Task, tid ThreadID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	tid, err := k.allocateTIDLocked(tid)
	if err != nil {
		return err
	}
	t.tid = tid
	k.tasks[tid] = t
	t.tg.mu.Lock()
	t.tg.tasks[t] = struct{}{}
	t.tg.mu.Unlock()
	return nil
}
