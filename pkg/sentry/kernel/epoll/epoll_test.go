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

package epoll

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/sentry/fs"
)

func newPipe(t *testing.T) (*fs.File, *fs.File) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	r, err := fs.NewHostFile(fds[0], "pipe", linux.O_RDONLY)
	if err != nil {
		t.Fatalf("NewHostFile: %v", err)
	}
	w, err := fs.NewHostFile(fds[1], "pipe", linux.O_WRONLY)
	if err != nil {
		t.Fatalf("NewHostFile: %v", err)
	}
	return r, w
}

func TestEntries(t *testing.T) {
	ef, err := NewEventPoll(0)
	if err != nil {
		t.Fatalf("NewEventPoll: %v", err)
	}
	defer ef.DecRef()
	e, ok := FromFile(ef)
	if !ok {
		t.Fatalf("FromFile(%v) failed", ef)
	}
	r, w := newPipe(t)
	defer r.DecRef()
	defer w.DecRef()

	if err := e.AddEntry(FileIdentifier{File: r, FD: 3}, linux.EPOLLIN, 0xdeadbeef00000001); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	// Same file under another descriptor is a distinct entry.
	if err := e.AddEntry(FileIdentifier{File: r, FD: 7}, linux.EPOLLIN|linux.EPOLLET, 2); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := e.AddEntry(FileIdentifier{File: r, FD: 3}, linux.EPOLLIN, 0); !errors.Is(err, unix.EEXIST) {
		t.Errorf("duplicate AddEntry = %v, want EEXIST", err)
	}
	if err := e.AddEntry(FileIdentifier{File: ef, FD: 9}, linux.EPOLLIN, 0); !errors.Is(err, unix.EINVAL) {
		t.Errorf("self AddEntry = %v, want EINVAL", err)
	}

	want := []Entry{
		{FD: 3, File: r, Events: linux.EPOLLIN, Data: 0xdeadbeef00000001},
		{FD: 7, File: r, Events: linux.EPOLLIN | linux.EPOLLET, Data: 2},
	}
	if diff := cmp.Diff(want, e.Entries(), cmp.Comparer(func(a, b *fs.File) bool { return a == b })); diff != "" {
		t.Errorf("Entries() mismatch (-want +got):\n%s", diff)
	}

	// The host instance reports readiness with the recorded data.
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	events := make([]unix.EpollEvent, 4)
	n, err := unix.EpollWait(e.HostFD(), events, 1000)
	if err != nil {
		t.Fatalf("EpollWait: %v", err)
	}
	if n != 2 {
		t.Fatalf("EpollWait returned %d events, want 2", n)
	}

	if err := e.RemoveEntry(FileIdentifier{File: r, FD: 7}); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if err := e.RemoveEntry(FileIdentifier{File: r, FD: 7}); !errors.Is(err, unix.ENOENT) {
		t.Errorf("second RemoveEntry = %v, want ENOENT", err)
	}
	if got := len(e.Entries()); got != 1 {
		t.Errorf("len(Entries()) = %d, want 1", got)
	}
}

func TestValidEvents(t *testing.T) {
	if !ValidEvents(linux.EPOLLIN | linux.EPOLLOUT | linux.EPOLLET) {
		t.Errorf("ValidEvents rejected known bits")
	}
	if ValidEvents(1 << 20) {
		t.Errorf("ValidEvents accepted unknown bit")
	}
}
