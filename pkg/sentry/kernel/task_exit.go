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
)

// Exit makes t a zombie with the given wait(2) status and releases its
// address space, descriptor table and filesystem context. It does nothing
// if t has already exited.
func (t *Task) Exit(status int32) {
	t.mu.Lock()
	if t.exitState != TaskExitNone {
		t.mu.Unlock()
		return
	}
	t.exitState = TaskExitZombie
	t.exitCode = status
	if t.runState != TaskRunning {
		close(t.resumed)
	}
	t.mu.Unlock()

	t.releaseResources()
	if t.tg.removeTask(t) {
		t.tg.stopTimers()
		if sh := t.tg.SignalHandlers(); sh != nil {
			sh.DecUsers()
		}
	}
	log.Debugf("Task %d exited with status %#x", t.tid, status)
	close(t.exited)
}

// releaseResources drops t's references on shared resources.
func (t *Task) releaseResources() {
	t.mu.Lock()
	m, fdTable, fsc := t.mm, t.fdTable, t.fsContext
	t.mm, t.fdTable, t.fsContext = nil, nil, nil
	t.mu.Unlock()

	if m != nil {
		m.DecUsers()
	}
	if fdTable != nil {
		fdTable.DecRef()
	}
	if fsc != nil {
		fsc.DecRef()
	}
}

// Kill terminates t's thread group with SIGKILL.
func (t *Task) Kill() {
	t.tg.Kill()
}

// Kill terminates every task in tg with SIGKILL.
func (tg *ThreadGroup) Kill() {
	for _, t := range tg.Tasks() {
		t.Exit(int32(linux.SIGKILL))
	}
}

// Reap releases a zombie task, as wait(2) does for its parent.
func (t *Task) Reap() error {
	t.mu.Lock()
	if t.exitState != TaskExitZombie {
		t.mu.Unlock()
		return unix.EINVAL
	}
	t.exitState = TaskExitDead
	parent := t.parent
	t.parent = nil
	t.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		delete(parent.children, t)
		parent.mu.Unlock()
	}
	t.k.release(t)
	return nil
}
