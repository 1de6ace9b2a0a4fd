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
	"context"
	"errors"
	"io"
	"strings"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/kernel"
	"gvisor.dev/rst/pkg/sentry/kernel/auth"
	"gvisor.dev/rst/pkg/sentry/kernel/epoll"
	"gvisor.dev/rst/pkg/sentry/kernel/eventfd"
	"gvisor.dev/rst/pkg/sentry/kernel/pipe"
	"gvisor.dev/rst/pkg/sentry/kernel/signalfd"
)

// Values of the fd argument of restoreFile that are not descriptors.
const (
	// fdNone is used for files behind memory mappings.
	fdNone = -1

	// fdFSContext is used for the root and working directories.
	fdFSContext = -2
)

// sharedAnonName is the name Linux gives the object behind a shared
// anonymous mapping.
const sharedAnonName = "/dev/zero (deleted)"

// fileEntry is a restored FILE record.
type fileEntry struct {
	file *fs.File

	// external is set for files registered by hooks through RegisterFile.
	// Their descriptor state is fixed up on every use.
	external bool
}

// inodeEntry is a restored INODE record. Further files of the inode are
// opened again through parent; for an anonymous pipe, parent is the end no
// descriptor refers to.
type inodeEntry struct {
	parent *fs.File
}

// fileRecord is a FILE record and what hangs off it.
type fileRecord struct {
	o *image.Object
	*image.File

	// name is the recorded path.
	name string

	// locks are the LOCK records of the file.
	locks []*image.Object

	ino *inodeRecord
}

// inodeRecord is an INODE record and its nested objects.
type inodeRecord struct {
	o *image.Object
	*image.Inode

	// link is the name of a surviving hard link of a deleted file.
	link string

	// pipeBuf is the unread content of a pipe.
	pipeBuf *image.Object

	// pages hold the content of a deleted regular file.
	pages []*image.Object
}

func (c *Context) readFileRecord(pos image.Pos) (*fileRecord, error) {
	o, err := c.img.ReadObject(pos, image.KindFile)
	if err != nil {
		return nil, wrap(image.KindFile, pos, err)
	}
	r := &fileRecord{o: o, File: o.Payload.(*image.File)}
	children, err := c.img.Children(o)
	if err != nil {
		return nil, wrap(o.Kind, o.Pos, err)
	}
	for i, ch := range children {
		switch {
		case ch.Kind == image.KindName && i == 0:
			if r.name, err = c.img.Name(ch); err != nil {
				return nil, wrap(ch.Kind, ch.Pos, err)
			}
		case ch.Kind == image.KindLock:
			r.locks = append(r.locks, ch)
		default:
			return nil, corrupt(ch.Kind, ch.Pos, "unexpected object in %v", o.Kind)
		}
	}
	if !r.Inode.IsNull() {
		if r.ino, err = c.readInodeRecord(r.Inode); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (c *Context) readInodeRecord(pos image.Pos) (*inodeRecord, error) {
	o, err := c.img.ReadObject(pos, image.KindInode)
	if err != nil {
		return nil, wrap(image.KindInode, pos, err)
	}
	r := &inodeRecord{o: o, Inode: o.Payload.(*image.Inode)}
	children, err := c.img.Children(o)
	if err != nil {
		return nil, wrap(o.Kind, o.Pos, err)
	}
	for _, ch := range children {
		switch {
		case ch.Kind == image.KindName:
			if r.link, err = c.img.Name(ch); err != nil {
				return nil, wrap(ch.Kind, ch.Pos, err)
			}
		case ch.Kind == image.KindBits && ch.Content == image.ContentPipeBuf:
			r.pipeBuf = ch
		case ch.Kind == image.KindPages:
			r.pages = append(r.pages, ch)
		default:
			return nil, corrupt(ch.Kind, ch.Pos, "unexpected object in %v", o.Kind)
		}
	}
	return r, nil
}

// fileType returns the type of the recorded file.
func (r *fileRecord) fileType() uint32 {
	return r.IMode & linux.S_IFMT
}

// openFlags returns the flags the file is opened with. Descriptor state
// that opening cannot reproduce is fixed up afterwards.
func (r *fileRecord) openFlags() uint {
	flags := uint(linux.O_NOFOLLOW)
	switch r.Mode & (linux.FMODE_READ | linux.FMODE_WRITE) {
	case linux.FMODE_READ | linux.FMODE_WRITE:
		flags |= linux.O_RDWR
	case linux.FMODE_WRITE:
		flags |= linux.O_WRONLY
	case linux.FMODE_READ:
		flags |= linux.O_RDONLY
	}
	flags |= uint(r.Flags) &^ (linux.O_ACCMODE | linux.O_CREAT | linux.O_TRUNC | linux.O_EXCL | linux.FASYNC)
	return flags | linux.O_NONBLOCK | linux.O_NOCTTY
}

// restoreFile returns the file restored from the FILE record at pos, on
// behalf of descriptor fd of u, fdNone or fdFSContext. The caller owns a
// reference on the result.
//
// It returns a nil file for records that cannot be restored yet: /proc
// links to tasks that do not exist yet, and the object of shared
// anonymous mappings.
func (u *taskUnit) restoreFile(ctx context.Context, pos image.Pos, fd int32) (*fs.File, error) {
	c := u.c
	if obj, ok := c.reg.Lookup(image.KindFile, pos); ok {
		e := obj.(*fileEntry)
		if e.external {
			r, err := c.readFileRecord(pos)
			if err != nil {
				return nil, err
			}
			if err := u.fixupFile(e.file, r, false); err != nil {
				return nil, err
			}
		}
		e.file.IncRef()
		return e.file, nil
	}

	r, err := c.readFileRecord(pos)
	if err != nil {
		return nil, err
	}
	f, reopened, err := u.openFile(ctx, r)
	if err != nil || f == nil {
		return nil, err
	}
	if err := u.fixupFile(f, r, reopened); err != nil {
		f.DecRef()
		return nil, err
	}
	if r.fileType() == linux.S_IFIFO && !reopened && r.ino != nil && r.ino.pipeBuf != nil {
		if err := c.fillPipe(f, r.ino.pipeBuf); err != nil {
			f.DecRef()
			return nil, err
		}
	}

	// The registry keeps the opening reference; the caller gets its own.
	if err := c.reg.Register(image.KindFile, pos, &fileEntry{file: f}, f.DecRef); err != nil {
		f.DecRef()
		return nil, wrap(r.o.Kind, r.o.Pos, err)
	}
	if r.ino != nil {
		if err := c.registerInode(r, f); err != nil {
			return nil, err
		}
	}
	for _, l := range r.locks {
		if err := c.restoreFlock(f, l); err != nil {
			return nil, err
		}
	}
	c.log.Debugf("Task %d: %v restored for fd %d", u.rec.PID, f, fd)
	f.IncRef()
	return f, nil
}

// registerInode makes f the file further opens of its inode go through,
// unless the inode already has one.
func (c *Context) registerInode(r *fileRecord, f *fs.File) error {
	if _, ok := c.reg.Lookup(image.KindInode, r.Inode); ok {
		return nil
	}
	f.IncRef()
	if err := c.reg.Register(image.KindInode, r.Inode, &inodeEntry{parent: f}, f.DecRef); err != nil {
		f.DecRef()
		return wrap(image.KindInode, r.Inode, err)
	}
	return nil
}

// openFile opens the file r describes. reopened is true if it was opened
// through an already restored file of the same inode.
func (u *taskUnit) openFile(ctx context.Context, r *fileRecord) (f *fs.File, reopened bool, err error) {
	c := u.c
	flags := r.openFlags()

	if r.ino != nil && r.LFlags&image.FileCloning == 0 {
		if obj, ok := c.reg.Lookup(image.KindInode, r.Inode); ok {
			f, err := obj.(*inodeEntry).parent.Reopen(flags)
			if err != nil {
				return nil, false, wrap(r.o.Kind, r.o.Pos, err)
			}
			c.log.Debugf("%v reopened through its inode", f)
			return f, true, nil
		}
	}

	switch {
	case r.LFlags&image.FileExternal != 0:
		return nil, false, unsupported(r.o.Kind, r.o.Pos, "file %q was not restored by its owner", r.name)
	case r.LFlags&image.FileEpoll != 0:
		f, err = epoll.NewEventPoll(flags)
	case r.LFlags&image.FileSignalfd != 0:
		f = signalfd.New(linux.SignalSet(r.Priv), flags)
		if ops, ok := signalfd.Operations(f); ok {
			ops.SetTarget(u.t)
		}
	case r.LFlags&image.FileEventfd != 0:
		f, err = eventfd.New(r.Priv, false, flags)
	case r.LFlags&image.FileDeleted != 0:
		return u.openDeletedFile(ctx, r, flags)
	default:
		f, err = u.openByName(ctx, r, r.name, flags)
	}
	if err != nil {
		return nil, false, wrap(r.o.Kind, r.o.Pos, err)
	}
	return f, false, nil
}

// openDeletedFile restores a file whose name was unlinked.
func (u *taskUnit) openDeletedFile(ctx context.Context, r *fileRecord, flags uint) (*fs.File, bool, error) {
	c := u.c
	if r.ino == nil {
		return nil, false, corrupt(r.o.Kind, r.o.Pos, "deleted file without inode")
	}
	if r.ino.link != "" {
		if r.LFlags&image.FileHardlinked != 0 && !c.opts.AllowHardlinked {
			return nil, false, wrapf(r.o.Kind, r.o.Pos, unix.EPERM, "deleted file %q is hard linked as %q", r.name, r.ino.link)
		}
		f, err := u.openByName(ctx, r, r.ino.link, flags)
		if err != nil {
			return nil, false, wrap(r.o.Kind, r.o.Pos, err)
		}
		return f, false, nil
	}

	var (
		f   *fs.File
		err error
	)
	switch r.fileType() {
	case linux.S_IFREG:
		if r.name == "" || r.name == sharedAnonName {
			// Memory mappings substitute anonymous memory.
			return nil, false, nil
		}
	case linux.S_IFCHR:
		if f, err = u.openSpecial(ctx, r, flags); err != nil {
			return nil, false, err
		}
		if f != nil {
			return f, false, nil
		}
	case linux.S_IFIFO, linux.S_IFDIR:
	default:
		return nil, false, unsupported(r.o.Kind, r.o.Pos, "deleted file %q of mode %#o", r.name, r.IMode)
	}
	if f, err = u.openDeleted(ctx, r, flags); err != nil {
		return nil, false, err
	}
	if err := c.fixupContent(f, r); err != nil {
		f.DecRef()
		return nil, false, err
	}
	return f, false, nil
}

// openByName opens the file r describes by name.
func (u *taskUnit) openByName(ctx context.Context, r *fileRecord, name string, flags uint) (*fs.File, error) {
	c := u.c
	if name == "" {
		return nil, corrupt(r.o.Kind, r.o.Pos, "file without a name")
	}
	if r.fileType() == linux.S_IFIFO {
		return u.openPipe(ctx, r, name, flags)
	}
	if r.fileType() != linux.S_IFREG {
		f, err := u.openSpecial(ctx, r, flags)
		if err != nil || f != nil {
			return f, err
		}
	}
	if inProc(name) {
		return u.openProc(r, name, flags)
	}
	return fs.OpenHost(c.hostPath(name), flags, 0)
}

// openProc opens a /proc path. Links of restored tasks resolve against
// them. A path of a process that is not in the image gets a placeholder.
func (u *taskUnit) openProc(r *fileRecord, name string, flags uint) (*fs.File, error) {
	c := u.c
	tid, _, ok := kernel.ParseProcPath(name)
	if !ok {
		return fs.OpenHost(name, flags, 0)
	}
	if _, ok := c.byPID[int32(tid)]; !ok {
		c.log.Debugf("%q refers to a process that was not checkpointed", name)
		return fs.NewPlaceholderFile(name, flags), nil
	}
	f, err := c.k.ResolveProcPath(name)
	switch {
	case err == nil:
	case (errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH)) && r.LFlags&image.FileProc != 0:
		c.log.Debugf("%q deferred", name)
		return nil, nil
	case errors.Is(err, unix.EINVAL):
		return fs.NewPlaceholderFile(name, flags), nil
	default:
		return nil, err
	}
	nf, err := f.Reopen(flags)
	if errors.Is(err, unix.EOPNOTSUPP) {
		return f, nil
	}
	f.DecRef()
	return nf, err
}

// openPipe opens a pipe. An anonymous pipe is created anew and the end the
// record does not describe becomes the way to its inode; a named pipe is
// opened by path.
func (u *taskUnit) openPipe(ctx context.Context, r *fileRecord, name string, flags uint) (*fs.File, error) {
	c := u.c
	if r.ino == nil {
		return nil, corrupt(r.o.Kind, r.o.Pos, "pipe without inode")
	}
	if r.ino.Magic == linux.PIPEFS_MAGIC {
		rf, wf, err := pipe.NewConnectedPipe(flags)
		if err != nil {
			return nil, err
		}
		f, other := wf, rf
		if r.Mode&linux.FMODE_READ != 0 {
			f, other = rf, wf
		}
		defer other.DecRef()
		if _, ok := c.reg.Lookup(image.KindInode, r.Inode); !ok {
			other.IncRef()
			if err := c.reg.Register(image.KindInode, r.Inode, &inodeEntry{parent: other}, other.DecRef); err != nil {
				other.DecRef()
				f.DecRef()
				return nil, err
			}
		}
		return f, nil
	}
	return pipe.OpenFIFO(ctx, c.hostPath(name), flags)
}

// openSpecial opens character devices that are not opened by path. It
// returns nil for files that are.
func (u *taskUnit) openSpecial(ctx context.Context, r *fileRecord, flags uint) (*fs.File, error) {
	c := u.c
	switch r.fileType() {
	case linux.S_IFDIR, linux.S_IFIFO:
		return nil, nil
	case linux.S_IFBLK:
		return nil, unsupported(r.o.Kind, r.o.Pos, "block device %q", r.name)
	case linux.S_IFSOCK:
		return nil, unsupported(r.o.Kind, r.o.Pos, "socket %q was not restored by the socket restorer", r.name)
	case linux.S_IFCHR:
	default:
		return nil, unsupported(r.o.Kind, r.o.Pos, "file %q of mode %#o", r.name, r.IMode)
	}
	if r.ino == nil {
		return nil, corrupt(r.o.Kind, r.o.Pos, "device without inode")
	}
	major, minor := linux.DecodeDeviceID(r.ino.Rdev)
	switch {
	case major == linux.MEM_MAJOR:
		return nil, nil
	case major == linux.MISC_MAJOR && minor == linux.TUN_MINOR:
		if c.opts.Net == nil {
			return nil, unsupported(r.o.Kind, r.o.Pos, "tun device without a network restorer")
		}
		f, err := c.opts.Net.OpenTun(ctx, c, r.o, flags)
		if err != nil {
			return nil, wrapf(r.o.Kind, r.o.Pos, err, "opening tun device")
		}
		return f, nil
	case major == linux.TTY_MAJOR || major == linux.TTYAUX_MAJOR ||
		major == linux.UNIX98_PTY_MASTER_MAJOR || major == linux.UNIX98_PTY_SLAVE_MAJOR:
		if c.opts.TTY == nil {
			return nil, unsupported(r.o.Kind, r.o.Pos, "terminal %q without a tty restorer", r.name)
		}
		f, err := c.opts.TTY.OpenTTY(ctx, c, r.o, flags)
		if err != nil {
			return nil, wrapf(r.o.Kind, r.o.Pos, err, "opening terminal %q", r.name)
		}
		return f, nil
	default:
		return nil, nil
	}
}

// fixupFile brings descriptor state the open could not reproduce in line
// with r. Mismatches the image cannot resolve are drift.
func (u *taskUnit) fixupFile(f *fs.File, r *fileRecord, reopened bool) error {
	c := u.c
	if f.Offset() != r.Offset {
		if _, err := f.Seek(r.Offset, io.SeekStart); err != nil {
			c.log.Debugf("%v: seek to %d: %v", f, r.Offset, err)
		}
	}

	creds := u.t.Credentials()
	if creds != nil {
		if creds.RealKUID != auth.KUID(r.UID) || creds.RealKGID != auth.KGID(r.GID) {
			if err := c.drift(r.o.Kind, r.o.Pos, "%v opened by %d/%d, recorded %d/%d",
				f, creds.RealKUID, creds.RealKGID, r.UID, r.GID); err != nil {
				return err
			}
		}
		f.SetCredentials(creds)
	}

	owner := fs.Owner{
		PID:   r.FownPID,
		UID:   auth.KUID(r.FownUID),
		EUID:  auth.KUID(r.FownEUID),
		Signo: r.FownSigno,
	}
	if r.FownPID != 0 {
		if _, ok := c.byPID[r.FownPID]; !ok {
			owner.PID = 0
			if err := c.drift(r.o.Kind, r.o.Pos, "%v owner %d does not exist anymore", f, r.FownPID); err != nil {
				return err
			}
		}
	}
	f.SetOwner(owner)

	want := uint(r.Flags)
	settable := f.Flags().Settable()
	settable.NonBlocking = want&linux.O_NONBLOCK != 0
	if want&linux.FASYNC != 0 {
		if r.FownFD == -1 {
			if err := c.drift(r.o.Kind, r.o.Pos, "%v: O_ASYNC without an owner descriptor", f); err != nil {
				return err
			}
		} else {
			settable.Async = true
		}
	}
	if err := f.SetFlags(settable); err != nil {
		return wrap(r.o.Kind, r.o.Pos, err)
	}
	f.SetNoFollow(want&linux.O_NOFOLLOW != 0)

	const checked = linux.O_APPEND | linux.O_NONBLOCK | linux.O_ASYNC | linux.O_DIRECT | linux.O_NOATIME | linux.O_NOFOLLOW
	if got := f.Flags().ToLinux(); got&checked != want&checked {
		return c.drift(r.o.Kind, r.o.Pos, "%v flags %#o, recorded %#o", f, got&checked, want&checked)
	}
	return nil
}

// restoreFlock replays a whole-file lock. POSIX locks wait for
// finalization, when their owners exist.
func (c *Context) restoreFlock(f *fs.File, o *image.Object) error {
	l := o.Payload.(*image.Lock)
	if l.Flags&linux.FL_FLOCK == 0 {
		return nil
	}
	var kind fs.LockKind
	switch l.Type {
	case linux.F_RDLCK:
		kind = fs.SharedLock
	case linux.F_WRLCK:
		kind = fs.ExclusiveLock
	default:
		return corrupt(o.Kind, o.Pos, "flock of type %d", l.Type)
	}
	if err := f.Flock(kind); err != nil {
		return wrapf(o.Kind, o.Pos, err, "flock on %v", f)
	}
	return nil
}

// fillPipe replays the unread content of a pipe.
func (c *Context) fillPipe(f *fs.File, o *image.Object) error {
	data, err := c.img.Data(o)
	if err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	if err := pipe.Fill(f, data); err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	return nil
}

// stripDeleted removes the marker Linux adds to names of unlinked files.
func stripDeleted(name string) string {
	if s, ok := strings.CutSuffix(name, " (deleted)"); ok && s != "" {
		return s
	}
	if s, ok := strings.CutPrefix(name, "(deleted) "); ok && s != "" {
		return s
	}
	return name
}
