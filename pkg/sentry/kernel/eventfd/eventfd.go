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

// Package eventfd restores event file descriptors.
//
// The counter lives in a host eventfd so that the restored process can use
// the descriptor directly once resumed.
package eventfd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/sentry/fs"
)

// Name matches fs/eventfd.c:eventfd_file_create.
const Name = "anon_inode:[eventfd]"

// New creates an eventfd with the given initial counter. If semMode is set,
// reads decrement the counter by one instead of resetting it.
func New(initVal uint64, semMode bool, flags uint) (*fs.File, error) {
	if initVal > uint64(^uint32(0)) {
		// eventfd2(2) takes an unsigned int; larger counters are loaded
		// with a write below.
		return newLarge(initVal, semMode, flags)
	}
	fd, err := unix.Eventfd(uint(initVal), eventfdFlags(semMode))
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return wrap(fd, flags)
}

func newLarge(initVal uint64, semMode bool, flags uint) (*fs.File, error) {
	fd, err := unix.Eventfd(0, eventfdFlags(semMode))
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], initVal)
	if _, err := unix.Write(fd, buf[:]); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("loading eventfd counter %d: %w", initVal, err)
	}
	return wrap(fd, flags)
}

func eventfdFlags(semMode bool) int {
	f := unix.EFD_CLOEXEC
	if semMode {
		f |= unix.EFD_SEMAPHORE
	}
	return f
}

func wrap(fd int, flags uint) (*fs.File, error) {
	// Eventfds are always opened read-write.
	flags = flags&^linux.O_ACCMODE | linux.O_RDWR
	if flags&linux.O_NONBLOCK != 0 {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	f, err := fs.NewHostFile(fd, Name, flags)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return f, nil
}

// Read reads the counter of an eventfd, with the semantics of read(2).
func Read(f *fs.File) (uint64, error) {
	var buf [8]byte
	if _, err := f.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Signal adds val to the counter of an eventfd.
func Signal(f *fs.File, val uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], val)
	_, err := f.Write(buf[:])
	return err
}
