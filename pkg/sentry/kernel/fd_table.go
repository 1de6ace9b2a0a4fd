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
	"bytes"
	"fmt"
	"math"
	"math/bits"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/refs"
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/limits"
)

const (
	// initialFDCapacity is the capacity of a new table, as
	// include/linux/fdtable.h:NR_OPEN_DEFAULT on 64-bit.
	initialFDCapacity = 64

	// maxFDCapacity is fs/file.c:sysctl_nr_open.
	maxFDCapacity = 1 << 20
)

// FDFlags define flags for an individual descriptor.
type FDFlags struct {
	// CloseOnExec indicates the descriptor should be closed on exec.
	CloseOnExec bool
}

// ToLinuxFileFlags converts a kernel.FDFlags object to a Linux file flags
// representation.
func (f FDFlags) ToLinuxFileFlags() (mask uint) {
	if f.CloseOnExec {
		mask |= linux.O_CLOEXEC
	}
	return
}

// ToLinuxFDFlags converts a kernel.FDFlags object to a Linux descriptor flags
// representation.
func (f FDFlags) ToLinuxFDFlags() (mask uint) {
	if f.CloseOnExec {
		mask |= linux.FD_CLOEXEC
	}
	return
}

// FDFlagsFromLinux converts Linux descriptor flags to FDFlags.
func FDFlagsFromLinux(mask uint) FDFlags {
	return FDFlags{CloseOnExec: mask&linux.FD_CLOEXEC != 0}
}

// descriptor holds the details about a file descriptor, namely a pointer to
// the file itself and the descriptor flags.
//
// Note that this is immutable and can only be changed via operations on the
// descriptorTable.
type descriptor struct {
	file  *fs.File
	flags FDFlags
}

// FDTable is used to manage File references and flags.
type FDTable struct {
	refs.AtomicRefCount
	k *Kernel

	// uid is a unique identifier.
	uid uint64

	// mu protects below.
	mu sync.Mutex

	// descriptors holds the installed descriptors.
	descriptors map[int32]descriptor

	// capacity bounds the descriptors that may be installed without
	// expanding the table.
	capacity int32

	// next is the lowest descriptor that may be free, as
	// struct files_struct::next_fd.
	next int32
}

// drop drops the table reference.
func (f *FDTable) drop(file *fs.File) {
	// Release locks.
	file.Inode.LockCtx.Posix.ReleaseOwner(f)

	// Drop the table reference.
	file.DecRef()
}

// ID returns a unique identifier for this FDTable.
func (f *FDTable) ID() uint64 {
	return f.uid
}

// NewFDTable allocates a new, empty FDTable that may be used by tasks in k.
func (k *Kernel) NewFDTable() *FDTable {
	f := &FDTable{
		k:           k,
		uid:         k.fdTableUIDs.Add(1),
		descriptors: make(map[int32]descriptor),
		capacity:    initialFDCapacity,
	}
	refs.Register(f)
	return f
}

// destroy removes all of the file descriptors from the map.
func (f *FDTable) destroy() {
	f.RemoveIf(func(*fs.File, FDFlags) bool {
		return true
	})
	refs.Unregister(f)
}

// DecRef implements RefCounter.DecRef with destructor f.destroy.
func (f *FDTable) DecRef() {
	f.DecRefWithDestructor(f.destroy)
}

// RefType implements refs.CheckedObject.RefType.
func (f *FDTable) RefType() string {
	return "kernel.FDTable"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (f *FDTable) LeakMessage() string {
	return fmt.Sprintf("[kernel.FDTable %d] reference count of %d instead of 0", f.uid, f.ReadRefs())
}

// Size returns the number of installed descriptors.
func (f *FDTable) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.descriptors)
}

// Capacity returns the number of descriptor slots currently allocated.
func (f *FDTable) Capacity() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity
}

// Expand grows the table so that descriptors below n can be installed, as
// fs/file.c:expand_files(). Capacity is rounded up to a power of two and
// never shrinks.
func (f *FDTable) Expand(n int32) error {
	if n < 0 || n > maxFDCapacity {
		return unix.EMFILE
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expandLocked(n)
	return nil
}

func (f *FDTable) expandLocked(n int32) {
	if n <= f.capacity {
		return
	}
	c := int32(1) << bits.Len32(uint32(n-1))
	f.capacity = min(c, maxFDCapacity)
}

// NextFD returns the allocation hint.
func (f *FDTable) NextFD() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// SetNextFD sets the allocation hint.
func (f *FDTable) SetNextFD(fd int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = max(fd, 0)
}

// sortedFDsLocked returns the installed descriptors in ascending order.
//
// Preconditions: f.mu must be locked.
func (f *FDTable) sortedFDsLocked() []int32 {
	fds := make([]int32, 0, len(f.descriptors))
	for fd := range f.descriptors {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	return fds
}

// forEach iterates over all non-nil files in ascending order. fn is called
// without f.mu held, with a reference held on the file.
func (f *FDTable) forEach(fn func(fd int32, file *fs.File, flags FDFlags)) {
	f.mu.Lock()
	fds := f.sortedFDsLocked()
	ds := make([]descriptor, len(fds))
	for i, fd := range fds {
		ds[i] = f.descriptors[fd]
		ds[i].file.IncRef()
	}
	f.mu.Unlock()
	for i, fd := range fds {
		fn(fd, ds[i].file, ds[i].flags)
		ds[i].file.DecRef()
	}
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	var b bytes.Buffer
	f.forEach(func(fd int32, file *fs.File, flags FDFlags) {
		b.WriteString(fmt.Sprintf("\tfd:%d => name %s\n", fd, file.Name()))
	})
	return b.String()
}

// NewFDs allocates new FDs guaranteed to be the lowest number available
// greater than or equal to the fd parameter. All files will share the set
// flags. Success is guaranteed to be all or none. The table grows as needed
// up to RLIMIT_NOFILE of limitSet, if not nil.
func (f *FDTable) NewFDs(fd int32, files []*fs.File, flags FDFlags, limitSet *limits.LimitSet) (fds []int32, err error) {
	if fd < 0 {
		// Don't accept negative FDs.
		return nil, unix.EINVAL
	}

	// Default limit.
	end := int32(math.MaxInt32)

	// Ensure we don't get past the provided limit.
	if limitSet != nil {
		lim := limitSet.Get(limits.NumberOfFiles)
		if lim.Cur != limits.Infinity {
			end = int32(min(lim.Cur, math.MaxInt32))
		}
		if fd >= end {
			return nil, unix.EMFILE
		}
	}
	end = min(end, maxFDCapacity)

	f.mu.Lock()
	defer f.mu.Unlock()

	// Install all entries.
	for i := max(fd, f.next); i < end && len(fds) < len(files); i++ {
		if _, ok := f.descriptors[i]; !ok {
			f.expandLocked(i + 1)
			f.setLocked(i, files[len(fds)], flags) // Set the descriptor.
			fds = append(fds, i)                   // Record the file descriptor.
		}
	}

	// Failure? Unwind existing FDs.
	if len(fds) < len(files) {
		for _, i := range fds {
			f.setLocked(i, nil, FDFlags{}) // Zap entry.
		}
		return nil, unix.EMFILE
	}
	if fd <= f.next {
		f.next = fds[len(fds)-1] + 1
	}
	return fds, nil
}

// NewFDAt sets the file reference for the given FD. If there is an active
// reference for that FD, the ref count for that existing reference is
// decremented. The table is never expanded: fd must be below Capacity.
func (f *FDTable) NewFDAt(fd int32, file *fs.File, flags FDFlags) error {
	if fd < 0 {
		// Don't accept negative FDs.
		return unix.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if fd >= f.capacity {
		return unix.EMFILE
	}

	// Install the entry.
	f.setLocked(fd, file, flags)
	return nil
}

// InstallFD is like NewFDAt, but fails with EBUSY if fd is already in use.
func (f *FDTable) InstallFD(fd int32, file *fs.File, flags FDFlags) error {
	if fd < 0 {
		return unix.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if fd >= f.capacity {
		return unix.EMFILE
	}
	if _, ok := f.descriptors[fd]; ok {
		return unix.EBUSY
	}
	f.setLocked(fd, file, flags)
	return nil
}

// SetFlags sets the flags for the given file descriptor.
func (f *FDTable) SetFlags(fd int32, flags FDFlags) error {
	if fd < 0 {
		// Don't accept negative FDs.
		return unix.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.descriptors[fd]
	if !ok {
		// No file found.
		return unix.EBADF
	}

	// Update the flags.
	d.flags = flags
	f.descriptors[fd] = d
	return nil
}

// Get returns a reference to the file and the flags for the FD or nil if no
// file is defined for the given fd.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) Get(fd int32) (*fs.File, FDFlags) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.descriptors[fd]
	if !ok {
		// No file available.
		return nil, FDFlags{}
	}
	d.file.IncRef()
	return d.file, d.flags
}

// GetFDs returns a list of valid fds in ascending order.
func (f *FDTable) GetFDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedFDsLocked()
}

// GetRefs returns a stable slice of references to all files and bumps the
// reference count on each. The caller must use DecRef on each reference when
// they're done using the slice.
func (f *FDTable) GetRefs() []*fs.File {
	var files []*fs.File
	f.forEach(func(_ int32, file *fs.File, flags FDFlags) {
		file.IncRef() // Acquire a reference for caller.
		files = append(files, file)
	})
	return files
}

// Fork returns an independent FDTable.
func (f *FDTable) Fork() *FDTable {
	clone := f.k.NewFDTable()

	f.mu.Lock()
	defer f.mu.Unlock()
	clone.capacity = f.capacity
	clone.next = f.next
	for fd, d := range f.descriptors {
		// The set function here will acquire an appropriate table
		// reference for the clone. We don't need anything else.
		clone.setLocked(fd, d.file, d.flags)
	}
	return clone
}

// Remove removes an FD from and returns a non-file iff successful.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) Remove(fd int32) *fs.File {
	if fd < 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.descriptors[fd]
	if !ok {
		return nil
	}
	d.file.IncRef()                 // Reference for caller.
	f.setLocked(fd, nil, FDFlags{}) // Zap entry.
	if fd < f.next {
		f.next = fd
	}
	return d.file
}

// RemoveIf removes all FDs where cond is true.
func (f *FDTable) RemoveIf(cond func(*fs.File, FDFlags) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, fd := range f.sortedFDsLocked() {
		d := f.descriptors[fd]
		if cond(d.file, d.flags) {
			f.setLocked(fd, nil, FDFlags{}) // Clear from table.
			if fd < f.next {
				f.next = fd
			}
		}
	}
}

// setLocked installs file at fd, dropping any file previously there. A nil
// file clears the entry.
//
// Preconditions: f.mu must be locked.
func (f *FDTable) setLocked(fd int32, file *fs.File, flags FDFlags) {
	if file != nil {
		file.IncRef()
	}
	old, ok := f.descriptors[fd]
	if file == nil {
		delete(f.descriptors, fd)
	} else {
		f.descriptors[fd] = descriptor{file: file, flags: flags}
	}
	if ok {
		f.drop(old.file)
	}
}
