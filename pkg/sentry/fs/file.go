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

// Package fs implements the open files attached to restored descriptor
// tables. Most files are backed by host descriptors; the rest are
// implemented in-process.
package fs

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/refs"
	"gvisor.dev/rst/pkg/sentry/fs/lock"
	"gvisor.dev/rst/pkg/sentry/kernel/auth"
)

// FileMaxOffset is the maximum possible file offset.
const FileMaxOffset = math.MaxInt64

var lastFileID atomic.Uint64

// Owner is the recipient of async I/O signals of a file, see F_SETOWN.
type Owner struct {
	// PID is the owning process, zero for none.
	PID int32
	// UID and EUID are the credentials of the task that set the owner.
	UID  auth.KUID
	EUID auth.KUID
	// Signo is the signal sent, zero for SIGIO.
	Signo int32
}

// File is an open file handle. It is thread-safe.
type File struct {
	refs.AtomicRefCount

	// UniqueID is the globally unique identifier of the File.
	UniqueID uint64

	// Inode is the Inode backing this File. The association is immutable
	// and the File holds a reference on it.
	Inode *Inode

	// name is the path the file was opened by, or a pseudo name.
	name string

	// flagsMu protects flags, owner and creds below.
	flagsMu sync.Mutex

	// flags are the File's flags.
	flags FileFlags

	owner Owner
	creds *auth.Credentials

	// mu makes reads, writes and seeks atomic with respect to offset.
	mu sync.Mutex

	// offset is the File's offset. Updating offset is protected by mu but
	// can be read atomically via File.Offset() outside of mu.
	offset atomic.Int64

	// FileOperations implements file system specific behavior for this File.
	FileOperations FileOperations
}

// NewFile returns a File. It takes ownership of a reference on inode and
// owns the lifetime of the FileOperations.
func NewFile(inode *Inode, name string, flags FileFlags, fops FileOperations) *File {
	f := &File{
		UniqueID:       lastFileID.Add(1),
		Inode:          inode,
		name:           name,
		flags:          flags,
		FileOperations: fops,
	}
	refs.Register(f)
	return f
}

// DecRef destroys the File when it is no longer referenced.
func (f *File) DecRef() {
	f.DecRefWithDestructor(func() {
		// Drop BSD style locks.
		f.Inode.LockCtx.BSD.UnlockRegion(f, lock.LockRange{Start: 0, End: lock.LockEOF})

		// Release resources held by the FileOperations.
		f.FileOperations.Release()

		// Release a reference on the Inode.
		f.Inode.DecRef()

		refs.Unregister(f)
	})
}

// Name returns the name the file was opened by.
func (f *File) Name() string {
	return f.name
}

// Flags atomically loads the File's flags.
func (f *File) Flags() FileFlags {
	f.flagsMu.Lock()
	defer f.flagsMu.Unlock()
	return f.flags
}

// SetFlags atomically changes the File's flags to the values contained
// in newFlags. See SettableFileFlags for values that can be set. Host
// descriptors are updated to match.
func (f *File) SetFlags(newFlags SettableFileFlags) error {
	f.flagsMu.Lock()
	defer f.flagsMu.Unlock()
	next := f.flags
	next.Direct = newFlags.Direct
	next.NonBlocking = newFlags.NonBlocking
	next.Append = newFlags.Append
	next.Async = newFlags.Async
	next.NoATime = newFlags.NoATime
	if fd := f.FileOperations.HostFD(); fd >= 0 {
		// O_ASYNC is delivered in-process; the host descriptor never
		// signals.
		host := next
		host.Async = false
		hostFlags := host.ToLinux() &^ (unix.O_ACCMODE)
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, int(hostFlags)); err != nil {
			return fmt.Errorf("F_SETFL %#x: %w", hostFlags, err)
		}
	}
	f.flags = next
	return nil
}

// SetNoFollow sets whether O_NOFOLLOW is reported in the File's flags. The
// host descriptor is unaffected.
func (f *File) SetNoFollow(noFollow bool) {
	f.flagsMu.Lock()
	defer f.flagsMu.Unlock()
	f.flags.NoFollow = noFollow
}

// Owner returns the async I/O owner.
func (f *File) Owner() Owner {
	f.flagsMu.Lock()
	defer f.flagsMu.Unlock()
	return f.owner
}

// SetOwner sets the async I/O owner.
func (f *File) SetOwner(o Owner) {
	f.flagsMu.Lock()
	defer f.flagsMu.Unlock()
	f.owner = o
}

// Credentials returns the credentials the file was opened with. It may be
// nil.
func (f *File) Credentials() *auth.Credentials {
	f.flagsMu.Lock()
	defer f.flagsMu.Unlock()
	return f.creds
}

// SetCredentials sets the credentials the file was opened with.
func (f *File) SetCredentials(c *auth.Credentials) {
	f.flagsMu.Lock()
	defer f.flagsMu.Unlock()
	f.creds = c
}

// Offset atomically loads the File's offset.
func (f *File) Offset() int64 {
	return f.offset.Load()
}

// Seek updates the file offset. whence is one of io.SeekStart,
// io.SeekCurrent or io.SeekEnd.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Flags().NonSeekable {
		return 0, unix.ESPIPE
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.offset.Load()
	case io.SeekEnd:
		size, err := f.FileOperations.Size(f)
		if err != nil {
			return 0, err
		}
		base = size
	default:
		return 0, unix.EINVAL
	}
	n := base + offset
	if n < 0 || (offset > 0 && n < base) {
		return 0, unix.EINVAL
	}
	f.offset.Store(n)
	return n, nil
}

// Read reads into dst at the file offset, advancing it.
func (f *File) Read(dst []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.Flags().Read {
		return 0, unix.EBADF
	}
	n, err := f.FileOperations.Read(f, dst, f.offset.Load())
	if n > 0 && !f.Flags().NonSeekable {
		f.offset.Add(int64(n))
	}
	return n, err
}

// Write writes src at the file offset, advancing it. Files opened for
// append write at the end.
func (f *File) Write(src []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	flags := f.Flags()
	if !flags.Write {
		return 0, unix.EBADF
	}
	if flags.Append && !flags.NonSeekable {
		size, err := f.FileOperations.Size(f)
		if err != nil {
			return 0, err
		}
		f.offset.Store(size)
	}
	n, err := f.FileOperations.Write(f, src, f.offset.Load())
	if n > 0 && !flags.NonSeekable {
		f.offset.Add(int64(n))
	}
	return n, err
}

// ReadAt reads into dst at offset without using the file offset. It
// ignores the access mode, which memory mappings check on their own.
func (f *File) ReadAt(dst []byte, offset int64) (int, error) {
	return f.FileOperations.Read(f, dst, offset)
}

// WriteAt writes src at offset without using the file offset.
func (f *File) WriteAt(src []byte, offset int64) (int, error) {
	return f.FileOperations.Write(f, src, offset)
}

// RefType implements refs.CheckedObject.RefType.
func (f *File) RefType() string {
	return "fs.File"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (f *File) LeakMessage() string {
	return fmt.Sprintf("[fs.File %p] %q refs=%d", f, f.name, f.ReadRefs())
}

// String implements fmt.Stringer.
func (f *File) String() string {
	return fmt.Sprintf("file %d (%s)", f.UniqueID, f.name)
}
