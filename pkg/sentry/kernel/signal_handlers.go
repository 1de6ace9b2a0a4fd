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
	"sync"
	"sync/atomic"

	"github.com/mohae/deepcopy"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
)

// SignalHandlers holds information about signal actions.
type SignalHandlers struct {
	// users is the number of thread groups using this table.
	users atomic.Int32

	// mu protects actions.
	mu sync.Mutex

	// actions is the action to be taken upon receiving each signal.
	actions map[linux.Signal]linux.SigAction
}

// NewSignalHandlers returns a new SignalHandlers specifying all default
// actions.
func NewSignalHandlers() *SignalHandlers {
	sh := &SignalHandlers{
		actions: make(map[linux.Signal]linux.SigAction),
	}
	sh.users.Store(1)
	return sh
}

// Fork returns a copy of sh for a new thread group.
func (sh *SignalHandlers) Fork() *SignalHandlers {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh2 := &SignalHandlers{
		actions: deepcopy.Copy(sh.actions).(map[linux.Signal]linux.SigAction),
	}
	sh2.users.Store(1)
	return sh2
}

// IncUsers records another thread group using sh.
func (sh *SignalHandlers) IncUsers() {
	sh.users.Add(1)
}

// DecUsers drops a user of sh.
func (sh *SignalHandlers) DecUsers() {
	if sh.users.Add(-1) < 0 {
		panic("Invalid SignalHandlers.users")
	}
}

// Users returns the number of thread groups using sh.
func (sh *SignalHandlers) Users() int32 {
	return sh.users.Load()
}

// Action returns the action for sig.
func (sh *SignalHandlers) Action(sig linux.Signal) linux.SigAction {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.actions[sig]
}

// SetAction installs act for sig, as rt_sigaction(2). The handlers of SIGKILL
// and SIGSTOP cannot be changed.
func (sh *SignalHandlers) SetAction(sig linux.Signal, act linux.SigAction) error {
	if !sig.IsValid() {
		return unix.EINVAL
	}
	if linux.UnblockableSignals&linux.SignalSetOf(sig) != 0 && act.Handler != linux.SIG_DFL {
		return unix.EINVAL
	}
	act.Mask &^= linux.UnblockableSignals
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if act == (linux.SigAction{}) {
		delete(sh.actions, sig)
	} else {
		sh.actions[sig] = act
	}
	return nil
}

// Actions returns a copy of every non-default action.
func (sh *SignalHandlers) Actions() map[linux.Signal]linux.SigAction {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return deepcopy.Copy(sh.actions).(map[linux.Signal]linux.SigAction)
}

// IsIgnored returns true if sig is ignored.
func (sh *SignalHandlers) IsIgnored(sig linux.Signal) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.actions[sig].Handler == linux.SIG_IGN
}
