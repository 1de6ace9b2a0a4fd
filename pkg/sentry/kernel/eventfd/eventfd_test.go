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

package eventfd

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
)

func TestCounter(t *testing.T) {
	for _, tc := range []struct {
		name    string
		initVal uint64
		semMode bool
		want    []uint64
	}{
		{name: "normal", initVal: 3, want: []uint64{3}},
		{name: "semaphore", initVal: 2, semMode: true, want: []uint64{1, 1}},
		{name: "large", initVal: 1 << 40, want: []uint64{1 << 40}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f, err := New(tc.initVal, tc.semMode, linux.O_NONBLOCK)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer f.DecRef()
			if f.Name() != Name {
				t.Errorf("Name() = %q, want %q", f.Name(), Name)
			}
			for _, want := range tc.want {
				got, err := Read(f)
				if err != nil {
					t.Fatalf("Read: %v", err)
				}
				if got != want {
					t.Errorf("Read = %d, want %d", got, want)
				}
			}
			if _, err := Read(f); !errors.Is(err, unix.EAGAIN) {
				t.Errorf("Read on drained eventfd = %v, want EAGAIN", err)
			}
		})
	}
}

func TestSignal(t *testing.T) {
	f, err := New(0, false, linux.O_NONBLOCK)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.DecRef()
	if err := Signal(f, 5); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := Signal(f, 2); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if got, err := Read(f); err != nil || got != 7 {
		t.Errorf("Read = %d, %v; want 7, nil", got, err)
	}
}
