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
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/refs"
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/fs/lock"
	"gvisor.dev/rst/pkg/sentry/limits"
)

const (
	// maxFD is the maximum FD to try to create in the map.
	//
	// This number of open files has been seen in the wild.
	maxFD = 2 * 1024
)

// newTestFile opens a fresh host file for the duration of the test.
func newTestFile(t testing.TB) *fs.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := fs.OpenHost(path, linux.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenHost(%q): %v", path, err)
	}
	t.Cleanup(f.DecRef)
	return f
}

func runTest(t testing.TB, fn func(fdTable *FDTable, file *fs.File, limitSet *limits.LimitSet)) {
	t.Helper() // Don't show in stacks.

	// Create the limits.
	limitSet := limits.NewLimitSet()
	limitSet.SetUnchecked(limits.NumberOfFiles, limits.Limit{Cur: maxFD, Max: maxFD})

	// Create a test file.
	file := newTestFile(t)

	// Create the table.
	fdTable := New().NewFDTable()
	defer fdTable.DecRef()

	// Run the test.
	fn(fdTable, file, limitSet)
}

// TestFDTableMany allocates maxFD FDs, i.e. maxes out the FDTable, until there
// is no room, then makes sure that NewFDAt works and also that if we remove
// one and add one that works too.
func TestFDTableMany(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *fs.File, limitSet *limits.LimitSet) {
		for i := 0; i < maxFD; i++ {
			if _, err := fdTable.NewFDs(0, []*fs.File{file}, FDFlags{}, limitSet); err != nil {
				t.Fatalf("Allocated %v FDs but wanted to allocate %v", i, maxFD)
			}
		}

		if _, err := fdTable.NewFDs(0, []*fs.File{file}, FDFlags{}, limitSet); err == nil {
			t.Fatalf("fdTable.NewFDs(0, r) in full map: got nil, wanted error")
		}

		if err := fdTable.NewFDAt(1, file, FDFlags{}); err != nil {
			t.Fatalf("fdTable.NewFDAt(1, r, FDFlags{}): got %v, wanted nil", err)
		}

		i := int32(2)
		fdTable.Remove(i).DecRef()
		if fds, err := fdTable.NewFDs(0, []*fs.File{file}, FDFlags{}, limitSet); err != nil || fds[0] != i {
			t.Fatalf("Allocated %v FDs but wanted to allocate %v: %v", i, maxFD, err)
		}
	})
}

func TestFDTableOverLimit(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *fs.File, limitSet *limits.LimitSet) {
		if _, err := fdTable.NewFDs(maxFD, []*fs.File{file}, FDFlags{}, limitSet); err == nil {
			t.Fatalf("fdTable.NewFDs(maxFD, f): got nil, wanted error")
		}

		if _, err := fdTable.NewFDs(maxFD-2, []*fs.File{file, file, file}, FDFlags{}, limitSet); err == nil {
			t.Fatalf("fdTable.NewFDs(maxFD-2, {f,f,f}): got nil, wanted error")
		}

		if fds, err := fdTable.NewFDs(maxFD-3, []*fs.File{file, file, file}, FDFlags{}, limitSet); err != nil {
			t.Fatalf("fdTable.NewFDs(maxFD-3, {f,f,f}): got %v, wanted nil", err)
		} else {
			for _, fd := range fds {
				fdTable.Remove(fd).DecRef()
			}
		}

		if fds, err := fdTable.NewFDs(maxFD-1, []*fs.File{file}, FDFlags{}, limitSet); err != nil || fds[0] != maxFD-1 {
			t.Fatalf("fdTable.NewFDs(maxFD-1, r): got %v, wanted nil", err)
		}

		if fds, err := fdTable.NewFDs(0, []*fs.File{file}, FDFlags{}, limitSet); err != nil {
			t.Fatalf("Adding an FD to a resized map: got %v, want nil", err)
		} else if len(fds) != 1 || fds[0] != 0 {
			t.Fatalf("Added an FD to a resized map: got %v, want {0}", fds)
		}
	})
}

// TestFDTable does a set of simple tests to make sure simple adds, removes,
// GetRefs, and DecRefs work. The ordering is just weird enough that a
// table-driven approach seemed clumsy.
func TestFDTable(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *fs.File, limitSet *limits.LimitSet) {
		// Cap the limit at one.
		limitSet.SetUnchecked(limits.NumberOfFiles, limits.Limit{Cur: 1, Max: maxFD})

		if _, err := fdTable.NewFDs(0, []*fs.File{file}, FDFlags{}, limitSet); err != nil {
			t.Fatalf("Adding an FD to an empty 1-size map: got %v, want nil", err)
		}

		if _, err := fdTable.NewFDs(0, []*fs.File{file}, FDFlags{}, limitSet); err == nil {
			t.Fatalf("Adding an FD to a filled 1-size map: got nil, wanted an error")
		}

		// Remove the previous limit.
		limitSet.SetUnchecked(limits.NumberOfFiles, limits.Limit{Cur: maxFD, Max: maxFD})

		if fds, err := fdTable.NewFDs(0, []*fs.File{file}, FDFlags{}, limitSet); err != nil {
			t.Fatalf("Adding an FD to a resized map: got %v, want nil", err)
		} else if len(fds) != 1 || fds[0] != 1 {
			t.Fatalf("Added an FD to a resized map: got %v, want {1}", fds)
		}

		if err := fdTable.NewFDAt(1, file, FDFlags{}); err != nil {
			t.Fatalf("Replacing FD 1 via fdTable.NewFDAt(1, r, FDFlags{}): got %v, wanted nil", err)
		}

		if err := fdTable.NewFDAt(maxFD+1, file, FDFlags{}); err == nil {
			t.Fatalf("Using an FD that was too large via fdTable.NewFDAt(%v, r, FDFlags{}): got nil, wanted an error", maxFD+1)
		}

		if ref, _ := fdTable.Get(1); ref == nil {
			t.Fatalf("fdTable.Get(1): got nil, wanted %v", file)
		} else {
			ref.DecRef()
		}

		if ref, _ := fdTable.Get(2); ref != nil {
			t.Fatalf("fdTable.Get(2): got a %v, wanted nil", ref)
		}

		ref := fdTable.Remove(1)
		if ref == nil {
			t.Fatalf("fdTable.Remove(1) for an existing FD: failed, want success")
		}
		ref.DecRef()

		if ref := fdTable.Remove(1); ref != nil {
			t.Fatalf("r.Remove(1) for a removed FD: got success, want failure")
		}
	})
}

func TestDescriptorFlags(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *fs.File, _ *limits.LimitSet) {
		if err := fdTable.NewFDAt(2, file, FDFlags{CloseOnExec: true}); err != nil {
			t.Fatalf("fdTable.NewFDAt(2, r, FDFlags{}): got %v, wanted nil", err)
		}

		newFile, flags := fdTable.Get(2)
		if newFile == nil {
			t.Fatalf("fdTable.Get(2): got a %v, wanted nil", newFile)
		}
		newFile.DecRef()

		if !flags.CloseOnExec {
			t.Fatalf("new File flags %v don't match original %d\n", flags, 0)
		}
		if got := flags.ToLinuxFDFlags(); got != linux.FD_CLOEXEC {
			t.Errorf("ToLinuxFDFlags() = %#x, want %#x", got, linux.FD_CLOEXEC)
		}
	})
}

func TestCapacity(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *fs.File, _ *limits.LimitSet) {
		if got := fdTable.Capacity(); got != initialFDCapacity {
			t.Fatalf("Capacity() = %d, want %d", got, initialFDCapacity)
		}
		if err := fdTable.NewFDAt(100, file, FDFlags{}); !errors.Is(err, unix.EMFILE) {
			t.Fatalf("NewFDAt(100) before Expand: got %v, want EMFILE", err)
		}
		if err := fdTable.Expand(101); err != nil {
			t.Fatalf("Expand(101): %v", err)
		}
		if got := fdTable.Capacity(); got != 128 {
			t.Errorf("Capacity() after Expand(101) = %d, want 128", got)
		}
		if err := fdTable.Expand(10); err != nil || fdTable.Capacity() != 128 {
			t.Errorf("Expand(10) shrank the table to %d (err %v)", fdTable.Capacity(), err)
		}
		if err := fdTable.Expand(maxFDCapacity + 1); !errors.Is(err, unix.EMFILE) {
			t.Errorf("Expand(maxFDCapacity+1): got %v, want EMFILE", err)
		}
		if err := fdTable.InstallFD(100, file, FDFlags{}); err != nil {
			t.Fatalf("InstallFD(100): %v", err)
		}
		if err := fdTable.InstallFD(100, file, FDFlags{}); !errors.Is(err, unix.EBUSY) {
			t.Errorf("second InstallFD(100): got %v, want EBUSY", err)
		}
	})
}

func TestForkAndSharing(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *fs.File, limitSet *limits.LimitSet) {
		if _, err := fdTable.NewFDs(0, []*fs.File{file, file}, FDFlags{}, limitSet); err != nil {
			t.Fatalf("NewFDs: %v", err)
		}
		fdTable.SetNextFD(7)
		clone := fdTable.Fork()
		defer clone.DecRef()

		if clone.ID() == fdTable.ID() {
			t.Errorf("Fork returned a table with the same ID %d", clone.ID())
		}
		if got := clone.NextFD(); got != 7 {
			t.Errorf("clone.NextFD() = %d, want 7", got)
		}
		clone.Remove(0).DecRef()
		if got := fdTable.GetFDs(); len(got) != 2 {
			t.Errorf("removing from the clone changed the original: %v", got)
		}
		if got := clone.GetFDs(); len(got) != 1 || got[0] != 1 {
			t.Errorf("clone.GetFDs() = %v, want [1]", got)
		}
	})
}

func TestDropReleasesPosixLocks(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *fs.File, _ *limits.LimitSet) {
		if err := fdTable.NewFDAt(0, file, FDFlags{}); err != nil {
			t.Fatalf("NewFDAt: %v", err)
		}
		r := lock.LockRange{Start: 0, End: 10}
		if err := file.Inode.LockCtx.Posix.LockRegion(fdTable, 1, lock.WriteLock, r); err != nil {
			t.Fatalf("LockRegion: %v", err)
		}
		fdTable.Remove(0).DecRef()
		if held := file.Inode.LockCtx.Posix.Held(); len(held) != 0 {
			t.Errorf("locks held after close: %+v", held)
		}
	})
}

func TestNoLeaks(t *testing.T) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	defer refs.SetLeakMode(refs.NoLeakChecking)

	file := newTestFile(t)
	fdTable := New().NewFDTable()
	if _, err := fdTable.NewFDs(0, []*fs.File{file, file}, FDFlags{}, nil); err != nil {
		t.Fatalf("NewFDs: %v", err)
	}
	fdTable.Fork().DecRef()
	fdTable.DecRef()
	if got := refs.LiveObjects("kernel.FDTable"); len(got) != 0 {
		t.Errorf("leaked: %v", got)
	}
}

func BenchmarkFDLookupAndDecRef(b *testing.B) {
	b.StopTimer() // Setup.

	runTest(b, func(fdTable *FDTable, file *fs.File, limitSet *limits.LimitSet) {
		fds, err := fdTable.NewFDs(0, []*fs.File{file, file, file, file, file}, FDFlags{}, limitSet)
		if err != nil {
			b.Fatalf("fdTable.NewFDs: got %v, wanted nil", err)
		}

		b.StartTimer() // Benchmark.
		for i := 0; i < b.N; i++ {
			tf, _ := fdTable.Get(fds[i%len(fds)])
			tf.DecRef()
		}
	})
}

func BenchmarkFDLookupAndDecRefConcurrent(b *testing.B) {
	b.StopTimer() // Setup.

	runTest(b, func(fdTable *FDTable, file *fs.File, limitSet *limits.LimitSet) {
		fds, err := fdTable.NewFDs(0, []*fs.File{file, file, file, file, file}, FDFlags{}, limitSet)
		if err != nil {
			b.Fatalf("fdTable.NewFDs: got %v, wanted nil", err)
		}

		concurrency := max(runtime.GOMAXPROCS(0), 4)
		each := b.N / concurrency

		b.StartTimer() // Benchmark.
		var wg sync.WaitGroup
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < each; i++ {
					tf, _ := fdTable.Get(fds[i%len(fds)])
					tf.DecRef()
				}
			}()
		}
		wg.Wait()
	})
}
