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

// Package pipe restores anonymous pipes and named FIFOs.
//
// Pipes are host pipes. Both ends of a restored pipe share one fs.Inode, and
// a missing end is always obtained by reopening an existing one through
// /proc/self/fd, which for a pipe yields the same pipe object.
package pipe

import (
	"context"
	"fmt"
	"syscall"

	"github.com/containerd/fifo"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/log"
	"gvisor.dev/rst/pkg/sentry/fs"
)

// DefaultPipeSize is the system-wide default size of a pipe in bytes.
const DefaultPipeSize = 65536

// ErrNotEmpty is returned by Fill when the pipe already holds data that was
// not written by a previous Fill.
var ErrNotEmpty = fmt.Errorf("pipe buffer is not empty")

// name matches fs/pipe.c:pipefs_dname.
func name(ino uint64) string {
	return fmt.Sprintf("pipe:[%d]", ino)
}

// NewConnectedPipe creates a new pipe and returns its read and write ends.
// Both Files share one Inode. flags are applied to both ends besides the
// access mode.
func NewConnectedPipe(flags uint) (r, w *fs.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("pipe2: %w", err)
	}
	defer unix.Close(fds[1])

	var st unix.Stat_t
	if err := unix.Fstat(fds[0], &st); err != nil {
		unix.Close(fds[0])
		return nil, nil, fmt.Errorf("fstat(%d): %w", fds[0], err)
	}
	flags &^= linux.O_ACCMODE
	r, err = fs.NewHostFile(fds[0], name(st.Ino), flags|linux.O_RDONLY)
	if err != nil {
		unix.Close(fds[0])
		return nil, nil, err
	}
	w, err = r.Reopen(flags | linux.O_WRONLY)
	if err != nil {
		r.DecRef()
		return nil, nil, err
	}
	if flags&linux.O_NONBLOCK != 0 {
		if err := unix.SetNonblock(r.FileOperations.HostFD(), true); err != nil {
			r.DecRef()
			w.DecRef()
			return nil, nil, err
		}
	}
	return r, w, nil
}

// OpenFIFO opens the named pipe at path with flags. The FIFO is first opened
// read-write, so that opening a single end never blocks or fails with ENXIO
// for lack of a peer, and the requested end is then reopened from it.
func OpenFIFO(ctx context.Context, path string, flags uint) (*fs.File, error) {
	rwc, err := fifo.OpenFifo(ctx, path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening fifo %q: %w", path, err)
	}
	defer rwc.Close()

	sc, ok := rwc.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("opening fifo %q: no raw access", path)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("opening fifo %q: %w", path, err)
	}
	var (
		nfd    = -1
		reopen error
	)
	if err := rc.Control(func(fd uintptr) {
		nfd, reopen = unix.Open(fs.ProcFDPath(int(fd)), fs.ReopenFlags(flags), 0)
	}); err != nil {
		return nil, fmt.Errorf("opening fifo %q: %w", path, err)
	}
	if reopen != nil {
		return nil, fmt.Errorf("reopening fifo %q: %w", path, reopen)
	}
	f, err := fs.NewHostFile(nfd, path, flags)
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}
	if !fs.IsPipe(f.Inode.StableAttr) {
		f.DecRef()
		return nil, fmt.Errorf("%q is not a fifo: %w", path, unix.EINVAL)
	}
	return f, nil
}

// Buffered returns the number of bytes queued in the pipe f refers to.
func Buffered(f *fs.File) (int, error) {
	fd := f.FileOperations.HostFD()
	if fd < 0 || !fs.IsPipe(f.Inode.StableAttr) {
		return 0, unix.EINVAL
	}
	return unix.IoctlGetInt(fd, unix.TIOCINQ)
}

// Fill replays a recorded pipe buffer into the pipe f refers to. Only the
// first call for a given pipe writes anything, since every end of the pipe
// carries a copy of the same recorded buffer.
func Fill(f *fs.File, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !f.Inode.MarkPipeFilled() {
		log.Debugf("pipe %v already filled", f)
		return nil
	}
	n, err := Buffered(f)
	if err != nil {
		return err
	}
	if n != 0 {
		return fmt.Errorf("filling %v: %w (%d bytes queued)", f, ErrNotEmpty, n)
	}

	w, err := f.Reopen(linux.O_WRONLY | linux.O_NONBLOCK)
	if err != nil {
		return err
	}
	defer w.DecRef()
	fd := w.FileOperations.HostFD()
	if len(data) > DefaultPipeSize {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, len(data)); err != nil {
			return fmt.Errorf("growing %v to %d bytes: %w", f, len(data), err)
		}
	}
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return fmt.Errorf("filling %v: %w", f, err)
		}
		data = data[n:]
	}
	return nil
}
