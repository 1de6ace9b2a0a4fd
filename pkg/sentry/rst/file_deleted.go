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
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/cleanup"
	"gvisor.dev/rst/pkg/hostarch"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/kernel/auth"
	"gvisor.dev/rst/pkg/sentry/kernel/pipe"
)

// maxDeletedTries bounds the names tried when recreating a deleted file.
const maxDeletedTries = 1000

// openDeleted recreates a deleted file under a free name next to where it
// lived, opens it and unlinks it again. If its directory is not usable, a
// per-task directory under Options.ScratchDir is used instead.
func (u *taskUnit) openDeleted(ctx context.Context, r *fileRecord, flags uint) (*fs.File, error) {
	c := u.c
	base := c.hostPath(stripDeleted(r.name))
	scratch := false

	var f *fs.File
	try := 0
	op := func() error {
		path := base
		if try > 0 {
			path = fmt.Sprintf("%s.%08x", base, rand.Uint32())
		}
		try++

		var err error
		f, err = u.createDeleted(ctx, r, path, flags)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EEXIST):
			return err
		case !scratch:
			dir := filepath.Join(c.opts.ScratchDir, fmt.Sprintf("rst%d", u.rec.PID))
			if merr := os.MkdirAll(dir, 0o700); merr != nil {
				return backoff.Permanent(fmt.Errorf("%w (scratch: %v)", err, merr))
			}
			c.log.Debugf("%q not creatable (%v), using %s", base, err, dir)
			base = filepath.Join(dir, filepath.Base(base))
			scratch = true
			try = 0
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxDeletedTries)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, wrapf(r.o.Kind, r.o.Pos, err, "recreating deleted %q", r.name)
	}
	return f, nil
}

// createDeleted creates a file of r's type at path, opens it and removes
// path again.
func (u *taskUnit) createDeleted(ctx context.Context, r *fileRecord, path string, flags uint) (*fs.File, error) {
	perm := r.IMode & linux.PermissionsMask
	remove := unix.Unlink
	switch r.fileType() {
	case linux.S_IFIFO:
		if err := unix.Mkfifo(path, perm); err != nil {
			return nil, err
		}
	case linux.S_IFCHR:
		major, minor := linux.DecodeDeviceID(r.ino.Rdev)
		if err := unix.Mknod(path, linux.S_IFCHR|perm, int(unix.Mkdev(uint32(major), minor))); err != nil {
			return nil, err
		}
	case linux.S_IFDIR:
		if err := unix.Mkdir(path, perm); err != nil {
			return nil, err
		}
		remove = unix.Rmdir
		flags = flags&^linux.O_ACCMODE | linux.O_RDONLY
	default:
		// Created by the open below.
	}
	cu := cleanup.Make(func() { _ = remove(path) })
	defer cu.Clean()

	var (
		f   *fs.File
		err error
	)
	switch r.fileType() {
	case linux.S_IFIFO:
		f, err = pipe.OpenFIFO(ctx, path, flags)
	case linux.S_IFCHR, linux.S_IFDIR:
		f, err = fs.OpenHost(path, flags, 0)
	default:
		f, err = fs.OpenHost(path, flags|linux.O_CREAT|linux.O_EXCL, 0o600)
		if errors.Is(err, unix.EEXIST) {
			// Not ours to remove.
			cu.Release()
		}
	}
	if err != nil {
		return nil, err
	}
	cu.Add(f.DecRef)

	if err := remove(path); err != nil {
		return nil, err
	}
	cu.Release()
	return f, nil
}

// fixupContent restores the content and attributes of a recreated
// regular file.
func (c *Context) fixupContent(f *fs.File, r *fileRecord) error {
	if r.fileType() != linux.S_IFREG {
		return nil
	}
	w := f
	if ff := f.Flags(); !ff.Write || ff.Direct {
		var err error
		if w, err = f.Reopen(linux.O_WRONLY | linux.O_LARGEFILE); err != nil {
			return wrapf(r.o.Kind, r.o.Pos, err, "reopening %v for writing", f)
		}
		defer w.DecRef()
	}

	buf := make([]byte, hostarch.PageSize)
	for _, o := range r.ino.pages {
		p := o.Payload.(*image.Pages)
		if p.End < p.Start || o.Content == image.ContentData && o.DataLen() != p.End-p.Start {
			return corrupt(o.Kind, o.Pos, "file content [%#x, %#x) with %d bytes", p.Start, p.End, o.DataLen())
		}
		if o.Content == image.ContentVoid {
			// Holes stay holes once the size is set.
			continue
		}
		for off := uint64(0); off < p.End-p.Start; off += uint64(len(buf)) {
			n := min(uint64(len(buf)), p.End-p.Start-off)
			if err := c.img.ReadAt(buf[:n], o.DataPos()+image.Pos(off)); err != nil {
				return wrap(o.Kind, o.Pos, err)
			}
			if _, err := w.WriteAt(buf[:n], int64(p.Start+off)); err != nil {
				return wrapf(o.Kind, o.Pos, err, "writing content of %v", f)
			}
		}
	}

	ino := r.ino
	if err := w.Truncate(ino.Size); err != nil {
		return wrapf(r.o.Kind, r.o.Pos, err, "truncating %v", f)
	}
	owner := fs.FileOwner{UID: auth.KUID(ino.UID), GID: auth.KGID(ino.GID)}
	if err := w.Chown(owner); err != nil {
		if !errors.Is(err, unix.EPERM) {
			return wrapf(r.o.Kind, r.o.Pos, err, "chown %v", f)
		}
		if err := c.drift(r.o.Kind, r.o.Pos, "%v owner %d/%d not restorable", f, ino.UID, ino.GID); err != nil {
			return err
		}
	}
	if err := w.Chmod(ino.Mode); err != nil {
		return wrapf(r.o.Kind, r.o.Pos, err, "chmod %v", f)
	}
	if err := w.SetTimes(ino.Atime, ino.Mtime); err != nil {
		return wrapf(r.o.Kind, r.o.Pos, err, "setting times of %v", f)
	}
	return nil
}
