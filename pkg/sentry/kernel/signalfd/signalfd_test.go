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

package signalfd

import (
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
)

type pending []linux.Signal

func (p *pending) DequeueSignal(mask linux.SignalSet) (linux.Signal, bool) {
	for i, sig := range *p {
		if mask&linux.SignalSetOf(sig) != 0 {
			*p = append((*p)[:i], (*p)[i+1:]...)
			return sig, true
		}
	}
	return 0, false
}

func TestRead(t *testing.T) {
	f := New(linux.MakeSignalSet(linux.SIGUSR1), 0)
	defer f.DecRef()
	s, ok := Operations(f)
	if !ok {
		t.Fatalf("Operations(%v) failed", f)
	}

	buf := make([]byte, SiginfoSize)
	if _, err := f.Read(buf); !errors.Is(err, unix.EAGAIN) {
		t.Errorf("Read without target = %v, want EAGAIN", err)
	}

	p := pending{linux.SIGUSR2, linux.SIGUSR1}
	s.SetTarget(&p)
	n, err := f.Read(buf)
	if err != nil || n != SiginfoSize {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if got := linux.Signal(binary.NativeEndian.Uint32(buf)); got != linux.SIGUSR1 {
		t.Errorf("signo = %d, want %d", got, linux.SIGUSR1)
	}
	if _, err := f.Read(buf); !errors.Is(err, unix.EAGAIN) {
		t.Errorf("Read with only masked-out signals = %v, want EAGAIN", err)
	}
	if _, err := f.Read(buf[:8]); !errors.Is(err, unix.EINVAL) {
		t.Errorf("short Read = %v, want EINVAL", err)
	}
}

func TestSetMaskDropsUnblockable(t *testing.T) {
	f := New(0, 0)
	defer f.DecRef()
	s, _ := Operations(f)
	s.SetMask(linux.MakeSignalSet(linux.SIGKILL, linux.SIGHUP, linux.SIGSTOP))
	if got, want := s.Mask(), linux.MakeSignalSet(linux.SIGHUP); got != want {
		t.Errorf("Mask() = %#x, want %#x", got, want)
	}
}
