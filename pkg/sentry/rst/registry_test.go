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

package rst

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/image"
)

func TestRegistryIdentity(t *testing.T) {
	r := newRegistry()
	obj := new(int)
	if err := r.Register(image.KindFile, 100, obj, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Lookup(image.KindFile, 100)
	if !ok || got != any(obj) {
		t.Errorf("Lookup(FILE, 100) = %v, %t, want the registered object", got, ok)
	}
	// Position keys are per kind.
	if _, ok := r.Lookup(image.KindInode, 100); ok {
		t.Errorf("Lookup(INODE, 100) found the FILE")
	}
	if err := r.Register(image.KindFile, 100, new(int), nil); !errors.Is(err, unix.EEXIST) {
		t.Errorf("second Register = %v, want EEXIST", err)
	}
	if err := r.Register(image.KindFile, image.NullPos, new(int), nil); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Register at null position = %v, want EINVAL", err)
	}
}

func TestRegistryIndex(t *testing.T) {
	r := newRegistry()
	a, b := new(int), new(int)
	if err := r.SetIndex(image.KindVMA, 10, 7); !errors.Is(err, unix.ENOENT) {
		t.Errorf("SetIndex of unregistered = %v, want ENOENT", err)
	}
	if err := r.Register(image.KindVMA, 10, a, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(image.KindVMA, 20, b, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.SetIndex(image.KindVMA, 10, 7); err != nil {
		t.Fatalf("SetIndex: %v", err)
	}
	if err := r.SetIndex(image.KindVMA, 10, 7); err != nil {
		t.Errorf("repeated SetIndex: %v", err)
	}
	if err := r.SetIndex(image.KindVMA, 20, 7); !errors.Is(err, unix.EEXIST) {
		t.Errorf("SetIndex to a taken index = %v, want EEXIST", err)
	}
	if got, ok := r.LookupIndex(image.KindVMA, 7); !ok || got != any(a) {
		t.Errorf("LookupIndex(7) = %v, %t, want the first object", got, ok)
	}

	r.InvalidateIndex(image.KindVMA, 7)
	if _, ok := r.LookupIndex(image.KindVMA, 7); ok {
		t.Errorf("LookupIndex found an invalidated index")
	}
	if got, ok := r.Lookup(image.KindVMA, 10); !ok || got != any(a) {
		t.Errorf("invalidating the index dropped the position key")
	}
	if err := r.SetIndex(image.KindVMA, 20, 7); err != nil {
		t.Errorf("SetIndex after invalidation: %v", err)
	}
}

func TestRegistryRelease(t *testing.T) {
	r := newRegistry()
	var released []image.Pos
	for _, pos := range []image.Pos{10, 20, 30} {
		pos := pos
		if err := r.Register(image.KindFile, pos, new(int), func() { released = append(released, pos) }); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := r.Register(image.KindInode, 40, new(int), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var each []image.Pos
	if err := r.Each(image.KindFile, func(pos image.Pos, _ any) error {
		each = append(each, pos)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if diff := cmp.Diff([]image.Pos{10, 20, 30}, each); diff != "" {
		t.Errorf("Each order mismatch (-want +got):\n%s", diff)
	}
	if got := r.Len(); got != 4 {
		t.Errorf("Len = %d, want 4", got)
	}

	r.Release()
	r.Release()
	if diff := cmp.Diff([]image.Pos{30, 20, 10}, released); diff != "" {
		t.Errorf("release order mismatch (-want +got):\n%s", diff)
	}
	if got := r.Len(); got != 0 {
		t.Errorf("Len after Release = %d, want 0", got)
	}
	if err := r.Register(image.KindFile, 50, new(int), nil); !errors.Is(err, unix.ESRCH) {
		t.Errorf("Register after Release = %v, want ESRCH", err)
	}
}

func TestRegistryEachStops(t *testing.T) {
	r := newRegistry()
	for _, pos := range []image.Pos{10, 20} {
		if err := r.Register(image.KindFile, pos, new(int), nil); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	stop := errors.New("stop")
	calls := 0
	err := r.Each(image.KindFile, func(image.Pos, any) error {
		calls++
		return stop
	})
	if err != stop || calls != 1 {
		t.Errorf("Each = %v after %d calls, want stop after 1", err, calls)
	}
}
