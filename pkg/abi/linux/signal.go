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

import "math/bits"

const (
	// SignalMaximum is the highest valid signal number.
	SignalMaximum = 64

	// LastStdSignal is the highest standard signal number.
	LastStdSignal = 31
)

// Signal is a signal number.
type Signal int

// IsValid returns true if s is a valid standard or realtime signal. (0 is not
// considered valid.)
func (s Signal) IsValid() bool {
	return s > 0 && s <= SignalMaximum
}

// Index returns the index for signal s into signal masks.
//
// Preconditions: s.IsValid().
func (s Signal) Index() int {
	return int(s - 1)
}

// Signals.
const (
	SIGHUP  = Signal(1)
	SIGINT  = Signal(2)
	SIGKILL = Signal(9)
	SIGUSR1 = Signal(10)
	SIGUSR2 = Signal(12)
	SIGPIPE = Signal(13)
	SIGALRM = Signal(14)
	SIGTERM = Signal(15)
	SIGCHLD = Signal(17)
	SIGCONT = Signal(18)
	SIGSTOP = Signal(19)
	SIGIO   = Signal(29)
)

// SignalSet is a signal mask with a bit corresponding to each signal.
type SignalSet uint64

// MakeSignalSet returns SignalSet with the bit corresponding to each of the
// given signals set.
func MakeSignalSet(sigs ...Signal) SignalSet {
	var s SignalSet
	for _, sig := range sigs {
		s |= SignalSetOf(sig)
	}
	return s
}

// SignalSetOf returns a SignalSet with a single signal set.
func SignalSetOf(sig Signal) SignalSet {
	return SignalSet(1) << uint(sig.Index())
}

// ForEachSignal invokes f for each signal set in the given mask.
func ForEachSignal(mask SignalSet, f func(sig Signal)) {
	for m := uint64(mask); m != 0; m &= m - 1 {
		f(Signal(bits.TrailingZeros64(m) + 1))
	}
}

// UnblockableSignals contains the set of signals which cannot be blocked.
var UnblockableSignals = MakeSignalSet(SIGKILL, SIGSTOP)

// Signal actions for rt_sigaction(2).
const (
	SIG_DFL = 0
	SIG_IGN = 1
)

// SigAction represents struct sigaction.
type SigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     SignalSet
}
