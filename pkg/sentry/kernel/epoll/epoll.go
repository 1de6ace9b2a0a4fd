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

// Package epoll provides an implementation of Linux's IO event notification
// facility. See epoll(7) for more details.
//
// An EventPoll is backed by a host epoll instance. Interest in host-backed
// files is mirrored into it; files implemented in-process are only tracked.
package epoll

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/log"
	"gvisor.dev/rst/pkg/sentry/fs"
)

// Name matches fs/eventpoll.c:epoll_create.
const Name = "anon_inode:[eventpoll]"

// FileIdentifier identifies a file. We cannot use just the file pointer
// because it is possible to have multiple entries for the same file object
// as long as they are created with different FDs (i.e., the FDs point to the
// same file).
type FileIdentifier struct {
	File *fs.File
	FD   int32
}

// pollEntry holds all the state associated with an event poll entry, that
// is, a file being observed by an event poll object.
type pollEntry struct {
	id   FileIdentifier
	mask uint32
	data uint64

	// hostFD is a duplicate of the file's host descriptor registered with
	// the host instance, or -1. Duplicates keep entries for the same file
	// under different FDs distinct on the host too.
	hostFD int
}

func (p *pollEntry) closeHost() {
	if p.hostFD >= 0 {
		unix.Close(p.hostFD)
		p.hostFD = -1
	}
}

// Entry describes one registered interest.
type Entry struct {
	FD     int32
	File   *fs.File
	Events uint32
	Data   uint64
}

// EventPoll holds all the state associated with an event poll object, that
// is, collection of files to observe and their current state.
type EventPoll struct {
	fd int

	// mu protects the fields below.
	mu sync.Mutex

	// files is the map of all the files currently being observed, it is
	// protected by mu.
	files map[FileIdentifier]*pollEntry

	// order is the registration order of files.
	order []*pollEntry
}

var _ fs.FileOperations = (*EventPoll)(nil)

// NewEventPoll allocates and initializes a new event poll object.
func NewEventPoll(flags uint) (*fs.File, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	e := &EventPoll{
		fd:    fd,
		files: make(map[FileIdentifier]*pollEntry),
	}
	inode := fs.NewInode(fs.StableAttr{Type: fs.Anonymous}, nil)
	ff := fs.LinuxToFlags(flags)
	ff.Read = true
	ff.Write = true
	ff.NonSeekable = true
	return fs.NewFile(inode, Name, ff, e), nil
}

// FromFile returns the EventPoll behind f, if f is an epoll file.
func FromFile(f *fs.File) (*EventPoll, bool) {
	e, ok := f.FileOperations.(*EventPoll)
	return e, ok
}

// Release implements fs.FileOperations.Release.
func (e *EventPoll) Release() {
	e.mu.Lock()
	for _, o := range e.order {
		o.closeHost()
	}
	e.files = nil
	e.order = nil
	e.mu.Unlock()
	if err := unix.Close(e.fd); err != nil {
		log.Warningf("closing epoll fd %d: %v", e.fd, err)
	}
}

// Read implements fs.FileOperations.Read.
func (*EventPoll) Read(*fs.File, []byte, int64) (int, error) {
	return 0, unix.EINVAL
}

// Write implements fs.FileOperations.Write.
func (*EventPoll) Write(*fs.File, []byte, int64) (int, error) {
	return 0, unix.EINVAL
}

// Size implements fs.FileOperations.Size.
func (*EventPoll) Size(*fs.File) (int64, error) {
	return 0, unix.ESPIPE
}

// HostFD implements fs.FileOperations.HostFD.
func (e *EventPoll) HostFD() int {
	return e.fd
}

// AddEntry adds a new file to the collection of files observed by e. The
// EventPoll does not hold a reference on the file.
func (e *EventPoll) AddEntry(id FileIdentifier, mask uint32, data uint64) error {
	if id.File == nil {
		return unix.EBADF
	}
	if ep, ok := FromFile(id.File); ok && ep == e {
		return unix.EINVAL
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.files[id]; ok {
		return unix.EEXIST
	}
	entry := &pollEntry{id: id, mask: mask, data: data, hostFD: -1}
	if hfd := id.File.FileOperations.HostFD(); hfd >= 0 {
		dfd, err := unix.FcntlInt(uintptr(hfd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("dup(%d): %w", hfd, err)
		}
		// Fd and Pad together form epoll_data.
		ev := unix.EpollEvent{
			Events: mask,
			Fd:     int32(data),
			Pad:    int32(data >> 32),
		}
		switch err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, dfd, &ev); err {
		case nil:
			entry.hostFD = dfd
		case unix.EPERM:
			// Regular files do not support polling. The interest is
			// still tracked.
			unix.Close(dfd)
			log.Debugf("epoll: %v is not pollable on the host", id.File)
		default:
			unix.Close(dfd)
			return fmt.Errorf("epoll_ctl(ADD, %d): %w", hfd, err)
		}
	}
	e.files[id] = entry
	e.order = append(e.order, entry)
	return nil
}

// RemoveEntry removes a file from the collection of observed files.
func (e *EventPoll) RemoveEntry(id FileIdentifier) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.files[id]
	if !ok {
		return unix.ENOENT
	}
	if entry.hostFD >= 0 {
		if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, entry.hostFD, nil); err != nil {
			log.Warningf("epoll_ctl(DEL) for %v: %v", id.File, err)
		}
		entry.closeHost()
	}
	delete(e.files, id)
	for i, o := range e.order {
		if o == entry {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Entries returns the registered interests in registration order.
func (e *EventPoll) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, 0, len(e.order))
	for _, o := range e.order {
		out = append(out, Entry{
			FD:     o.id.FD,
			File:   o.id.File,
			Events: o.mask,
			Data:   o.data,
		})
	}
	return out
}

// ValidEvents returns whether mask contains only event bits epoll_ctl(2)
// accepts.
func ValidEvents(mask uint32) bool {
	const known = linux.EPOLLIN | linux.EPOLLPRI | linux.EPOLLOUT | linux.EPOLLERR |
		linux.EPOLLHUP | linux.EPOLLET | linux.EPOLLONESHOT |
		unix.EPOLLRDNORM | unix.EPOLLRDBAND | unix.EPOLLWRNORM | unix.EPOLLWRBAND |
		unix.EPOLLMSG | unix.EPOLLRDHUP | unix.EPOLLWAKEUP | unix.EPOLLEXCLUSIVE
	return mask&^uint32(known) == 0
}
