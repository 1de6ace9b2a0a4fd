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
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
)

// ITimer is one of a thread group's interval timers, see setitimer(2).
//
// ITIMER_REAL counts down on the kernel's monotonic clock once the thread
// group is resumed and delivers SIGALRM on expiry. ITIMER_VIRTUAL and
// ITIMER_PROF are kept as set, since no CPU time is accounted.
type ITimer struct {
	tg    *ThreadGroup
	which int

	mu sync.Mutex

	// value is the time remaining until expiry when the timer is not
	// running, zero if disarmed.
	value    time.Duration
	interval time.Duration

	// deadline is the monotonic expiry time while the timer runs.
	deadline int64
	timer    *time.Timer
}

func newITimer(tg *ThreadGroup, which int) *ITimer {
	return &ITimer{tg: tg, which: which}
}

// ITimer returns the interval timer named by which.
func (tg *ThreadGroup) ITimer(which int) (*ITimer, error) {
	if which < linux.ITIMER_REAL || which > linux.ITIMER_PROF {
		return nil, unix.EINVAL
	}
	return tg.itimers[which], nil
}

// Get returns the time remaining until expiry and the reload interval.
func (it *ITimer) Get() (value, interval time.Duration) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.remainingLocked(), it.interval
}

func (it *ITimer) remainingLocked() time.Duration {
	if it.timer == nil {
		return it.value
	}
	rem := time.Duration(it.deadline - it.tg.leader.k.MonotonicNow())
	if rem <= 0 {
		// About to fire; a zero value would read as disarmed.
		rem = time.Nanosecond
	}
	return rem
}

// Set arms the timer with value and interval. A zero value disarms it.
func (it *ITimer) Set(value, interval time.Duration) error {
	if value < 0 || interval < 0 {
		return unix.EINVAL
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	running := it.timer != nil
	it.stopLocked()
	it.value, it.interval = value, interval
	if running {
		it.startLocked()
	}
	return nil
}

// startLocked starts counting down an ITIMER_REAL timer.
//
// Preconditions: it.mu must be locked.
func (it *ITimer) startLocked() {
	if it.which != linux.ITIMER_REAL || it.value == 0 || it.timer != nil {
		return
	}
	it.deadline = it.tg.leader.k.MonotonicNow() + int64(it.value)
	it.timer = time.AfterFunc(it.value, it.fire)
}

// stopLocked stops the countdown, keeping the remaining time in value.
//
// Preconditions: it.mu must be locked.
func (it *ITimer) stopLocked() {
	if it.timer == nil {
		return
	}
	it.value = it.remainingLocked()
	it.timer.Stop()
	it.timer = nil
}

func (it *ITimer) fire() {
	it.mu.Lock()
	if it.timer == nil {
		it.mu.Unlock()
		return
	}
	it.timer = nil
	it.value = it.interval
	it.startLocked()
	it.mu.Unlock()

	it.tg.SendSignal(SignalInfoPriv(linux.SIGALRM))
}

// startTimers starts tg's real timer.
func (tg *ThreadGroup) startTimers() {
	it := tg.itimers[linux.ITIMER_REAL]
	it.mu.Lock()
	defer it.mu.Unlock()
	it.startLocked()
}

// stopTimers stops tg's real timer.
func (tg *ThreadGroup) stopTimers() {
	it := tg.itimers[linux.ITIMER_REAL]
	it.mu.Lock()
	defer it.mu.Unlock()
	it.stopLocked()
}
