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

package fs

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/log"
)

// hostFileOperations implements FileOperations for a host descriptor owned
// by the File.
type hostFileOperations struct {
	fd       int
	seekable bool
}

var _ FileOperations = (*hostFileOperations)(nil)

// Release implements FileOperations.Release.
func (h *hostFileOperations) Release() {
	if err := unix.Close(h.fd); err != nil {
		log.Warningf("closing host fd %d: %v", h.fd, err)
	}
}

// Read implements FileOperations.Read.
func (h *hostFileOperations) Read(_ *File, dst []byte, offset int64) (int, error) {
	var (
		n   int
		err error
	)
	if h.seekable {
		n, err = unix.Pread(h.fd, dst, offset)
	} else {
		n, err = unix.Read(h.fd, dst)
	}
	if n < 0 {
		n = 0
	}
	if err == nil && n == 0 && len(dst) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// Write implements FileOperations.Write.
func (h *hostFileOperations) Write(_ *File, src []byte, offset int64) (int, error) {
	var (
		n   int
		err error
	)
	if h.seekable {
		n, err = unix.Pwrite(h.fd, src, offset)
	} else {
		n, err = unix.Write(h.fd, src)
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

// Size implements FileOperations.Size.
func (h *hostFileOperations) Size(*File) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(h.fd, &st); err != nil {
		return 0, err
	}
	return st.Size, nil
}

// HostFD implements FileOperations.HostFD.
func (h *hostFileOperations) HostFD() int {
	return h.fd
}

// OpenHost opens path on the host with the given linux open flags.
// O_CLOEXEC is always added.
func OpenHost(path string, flags uint, perm uint32) (*File, error) {
	fd, err := unix.Open(path, int(flags)|unix.O_CLOEXEC, perm)
	if err != nil {
		return nil, err
	}
	f, err := NewHostFile(fd, path, flags)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return f, nil
}

// NewHostFile wraps fd, which the returned File owns. flags are the linux
// flags fd was opened with.
func NewHostFile(fd int, name string, flags uint) (*File, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat(%d): %w", fd, err)
	}
	inode := NewInode(stableAttrFromStat(&st), nil)
	return newHostFile(fd, name, flags, inode), nil
}

// newHostFile takes ownership of fd and a reference on inode.
func newHostFile(fd int, name string, flags uint, inode *Inode) *File {
	seekable := false
	switch inode.StableAttr.Type {
	case RegularFile, Directory, BlockDevice, Symlink:
		seekable = true
	}
	ff := LinuxToFlags(flags)
	ff.Pread = seekable
	ff.Pwrite = seekable
	ff.NonSeekable = !seekable
	return NewFile(inode, name, ff, &hostFileOperations{fd: fd, seekable: seekable})
}

// ProcFDPath returns the path through which fd of this process can be
// reopened.
func ProcFDPath(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}

// reopenIgnored are flags that cannot apply when opening through the
// /proc/self/fd symlink: the link must be followed and the object exists.
const reopenIgnored = linux.O_NOFOLLOW | linux.O_CREAT | linux.O_EXCL | linux.O_TRUNC

// ReopenFlags returns the open(2) flags used to open ProcFDPath with the
// file flags.
func ReopenFlags(flags uint) int {
	return int(flags&^reopenIgnored) | unix.O_CLOEXEC
}

// Reopen opens the object f refers to again with new flags. The returned
// File shares f's Inode and reports flags as given. For a pipe, this
// yields the other end.
func (f *File) Reopen(flags uint) (*File, error) {
	fd := f.FileOperations.HostFD()
	if fd < 0 {
		return nil, fmt.Errorf("reopening %v: %w", f, unix.EOPNOTSUPP)
	}
	nfd, err := unix.Open(ProcFDPath(fd), ReopenFlags(flags), 0)
	if err != nil {
		return nil, fmt.Errorf("reopening %v: %w", f, err)
	}
	f.Inode.IncRef()
	return newHostFile(nfd, f.name, flags, f.Inode), nil
}

func (f *File) hostFD() (int, error) {
	fd := f.FileOperations.HostFD()
	if fd < 0 {
		return -1, unix.EOPNOTSUPP
	}
	return fd, nil
}

// Stat returns the attributes of a host-backed file.
func (f *File) Stat() (UnstableAttr, error) {
	fd, err := f.hostFD()
	if err != nil {
		return UnstableAttr{}, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return UnstableAttr{}, err
	}
	return unstableAttrFromStat(&st), nil
}

// Truncate sets the size of a host-backed file.
func (f *File) Truncate(size int64) error {
	fd, err := f.hostFD()
	if err != nil {
		return err
	}
	return unix.Ftruncate(fd, size)
}

// Chown sets the owner of a host-backed file.
func (f *File) Chown(owner FileOwner) error {
	fd, err := f.hostFD()
	if err != nil {
		return err
	}
	return unix.Fchown(fd, int(owner.UID), int(owner.GID))
}

// Chmod sets the permission bits of a host-backed file.
func (f *File) Chmod(perms uint32) error {
	fd, err := f.hostFD()
	if err != nil {
		return err
	}
	return unix.Fchmod(fd, perms&linux.PermissionsMask)
}

// SetTimes sets the access and modification times, in nanoseconds, of a
// host-backed file.
func (f *File) SetTimes(atime, mtime int64) error {
	fd, err := f.hostFD()
	if err != nil {
		return err
	}
	ts := []unix.Timespec{unix.NsecToTimespec(atime), unix.NsecToTimespec(mtime)}
	return unix.UtimesNanoAt(unix.AT_FDCWD, ProcFDPath(fd), ts, 0)
}

// Flock takes a BSD lock on the whole file without blocking, both on the
// host and in the Inode's lock context.
func (f *File) Flock(t LockKind) error {
	fd, err := f.hostFD()
	if err != nil {
		return err
	}
	how := linux.LOCK_SH
	if t == ExclusiveLock {
		how = linux.LOCK_EX
	}
	if err := unix.Flock(fd, how|linux.LOCK_NB); err != nil {
		return err
	}
	return f.Inode.LockCtx.BSD.LockRegion(f, 0, lockTypeOf(t), fullFile)
}
