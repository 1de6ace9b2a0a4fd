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
)

// Signal codes, as siginfo_t.si_code.
const (
	SignalInfoUser   = 0
	SignalInfoKernel = 0x80
	SignalInfoQueue  = -1
)

// SignalInfo is a queued signal, a subset of siginfo_t.
type SignalInfo struct {
	Signo int32
	Code  int32
	PID   int32
	UID   uint32
}

// SignalInfoPriv returns a SignalInfo equivalent to Linux's SEND_SIG_PRIV.
func SignalInfoPriv(sig linux.Signal) *SignalInfo {
	return &SignalInfo{
		Signo: int32(sig),
		Code:  SignalInfoKernel,
	}
}

// pendingSignals holds a collection of pending signals. Standard signals are
// queued at most once; realtime signals queue every instance.
type pendingSignals struct {
	queues     [linux.SignalMaximum][]*SignalInfo
	pendingSet linux.SignalSet
}

// enqueue adds info and returns false if it was a standard signal that was
// already pending.
func (p *pendingSignals) enqueue(info *SignalInfo) bool {
	sig := linux.Signal(info.Signo)
	q := &p.queues[sig.Index()]
	if sig <= linux.LastStdSignal && len(*q) > 0 {
		return false
	}
	*q = append(*q, info)
	p.pendingSet |= linux.SignalSetOf(sig)
	return true
}

// dequeue removes and returns the lowest pending signal not in mask.
func (p *pendingSignals) dequeue(mask linux.SignalSet) *SignalInfo {
	set := p.pendingSet &^ mask
	if set == 0 {
		return nil
	}
	var sig linux.Signal
	linux.ForEachSignal(set, func(s linux.Signal) {
		if sig == 0 {
			sig = s
		}
	})
	q := &p.queues[sig.Index()]
	info := (*q)[0]
	(*q)[0] = nil
	*q = (*q)[1:]
	if len(*q) == 0 {
		*q = nil
		p.pendingSet &^= linux.SignalSetOf(sig)
	}
	return info
}

// all returns every queued signal in signal order.
func (p *pendingSignals) all() []SignalInfo {
	var infos []SignalInfo
	linux.ForEachSignal(p.pendingSet, func(s linux.Signal) {
		for _, info := range p.queues[s.Index()] {
			infos = append(infos, *info)
		}
	})
	return infos
}

// SendSignal queues info on t. SIGKILL kills t's whole thread group. Signals
// that are explicitly ignored and not blocked are discarded.
func (t *Task) SendSignal(info *SignalInfo) error {
	sig := linux.Signal(info.Signo)
	if !sig.IsValid() {
		return unix.EINVAL
	}
	if sig == linux.SIGKILL {
		t.tg.Kill()
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitState != TaskExitNone {
		return unix.ESRCH
	}
	if t.blocked&linux.SignalSetOf(sig) == 0 && t.tg.SignalHandlers().IsIgnored(sig) {
		return nil
	}
	t.pendingSignals.enqueue(info)
	return nil
}

// SendSignal queues info on the thread group as a whole.
func (tg *ThreadGroup) SendSignal(info *SignalInfo) error {
	sig := linux.Signal(info.Signo)
	if !sig.IsValid() {
		return unix.EINVAL
	}
	if sig == linux.SIGKILL {
		tg.Kill()
		return nil
	}
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if len(tg.tasks) == 0 {
		return unix.ESRCH
	}
	tg.pendingSignals.enqueue(info)
	return nil
}

// QueueSignal installs a pending signal exactly as recorded, bypassing the
// ignore check. If shared is set it is queued on t's thread group.
func (t *Task) QueueSignal(info SignalInfo, shared bool) error {
	sig := linux.Signal(info.Signo)
	if !sig.IsValid() || sig == linux.SIGKILL {
		return unix.EINVAL
	}
	if shared {
		t.tg.mu.Lock()
		defer t.tg.mu.Unlock()
		t.tg.pendingSignals.enqueue(&info)
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingSignals.enqueue(&info)
	return nil
}

// PendingSignals returns the signals pending on t alone.
func (t *Task) PendingSignals() linux.SignalSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingSignals.pendingSet
}

// PendingSignalInfo returns the signals queued on t, in order.
func (t *Task) PendingSignalInfo() []SignalInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingSignals.all()
}

// DequeueSignal removes the lowest signal in mask pending on t or, failing
// that, on t's thread group. It is used by signalfd.
func (t *Task) DequeueSignal(mask linux.SignalSet) (linux.Signal, bool) {
	t.mu.Lock()
	info := t.pendingSignals.dequeue(^mask)
	t.mu.Unlock()
	if info == nil {
		t.tg.mu.Lock()
		info = t.tg.pendingSignals.dequeue(^mask)
		t.tg.mu.Unlock()
	}
	if info == nil {
		return 0, false
	}
	return linux.Signal(info.Signo), true
}

// SignalMask returns t's blocked signal mask.
func (t *Task) SignalMask() linux.SignalSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

// SetSignalMask sets t's blocked signal mask. SIGKILL and SIGSTOP can never
// be blocked.
func (t *Task) SetSignalMask(mask linux.SignalSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = mask &^ linux.UnblockableSignals
}
