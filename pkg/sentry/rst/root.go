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
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/fs/lock"
	"gvisor.dev/rst/pkg/sentry/kernel"
)

// setupRoot prepares the environment the tree is restored into. It runs in
// the root task before anything of it is restored.
func (c *Context) setupRoot(ctx context.Context, u *taskUnit) error {
	if err := c.restoreClocks(); err != nil {
		return err
	}
	if err := c.restoreUTS(); err != nil {
		return err
	}
	if err := u.restoreStdio(); err != nil {
		return err
	}
	if err := c.restoreNamespace(ctx); err != nil {
		return err
	}
	c.log.Infof("Mounts restored")

	if err := c.runHook(ctx, image.SectionNet, "network", c.opts.Net); err != nil {
		return err
	}
	if err := c.runHook(ctx, image.SectionSockets, "socket", c.opts.Sockets); err != nil {
		return err
	}
	return c.runHook(ctx, image.SectionSysVIPC, "System V IPC", c.opts.IPC)
}

// sectionRestorer is the part hooks share.
type sectionRestorer interface {
	Restore(ctx context.Context, c *Context, objs []*image.Object) error
}

// runHook passes the objects of section kind to h. A populated section
// without a hook is unsupported.
func (c *Context) runHook(ctx context.Context, kind image.SectionKind, what string, h sectionRestorer) error {
	objs, err := c.img.SectionObjects(kind)
	if err != nil {
		return wrap(image.AnyKind, image.NullPos, err)
	}
	if len(objs) == 0 {
		return nil
	}
	if h == nil {
		return unsupported(objs[0].Kind, objs[0].Pos, "%d %v records without a %s restorer", len(objs), kind, what)
	}
	if err := h.Restore(ctx, c, objs); err != nil {
		return wrapf(objs[0].Kind, objs[0].Pos, err, "%s restorer", what)
	}
	c.log.Infof("%d %v records restored", len(objs), kind)
	return nil
}

// restoreClocks computes the time the tree was down and carries the
// recorded clocks over it.
func (c *Context) restoreClocks() error {
	h := c.img.Header
	c.delta = time.Duration(c.k.RealtimeNow() - h.CheckpointRealtime)
	if c.delta < 0 {
		c.log.Warningf("Wall clock is %v behind the checkpoint", -c.delta)
	}
	c.k.RebaseMonotonic(h.CheckpointMonotonic)

	objs, err := c.img.SectionObjects(image.SectionVEInfo)
	if err != nil {
		return wrap(image.KindVEInfo, image.NullPos, err)
	}
	for _, o := range objs {
		if o.Kind != image.KindVEInfo {
			return corrupt(o.Kind, o.Pos, "unexpected object in %v section", image.SectionVEInfo)
		}
		ve := o.Payload.(*image.VEInfo)
		c.k.SetStartTimeDelta(time.Duration(ve.StartTimeDelta))
		c.lastPID = ve.LastPID
	}
	c.log.Infof("Clocks restored, %v since checkpoint", c.delta)
	return nil
}

// restoreUTS sets the node and domain names.
func (c *Context) restoreUTS() error {
	objs, err := c.img.SectionObjects(image.SectionUTSName)
	if err != nil {
		return wrap(image.KindName, image.NullPos, err)
	}
	if len(objs) > 2 {
		return corrupt(objs[2].Kind, objs[2].Pos, "%d uts names", len(objs))
	}
	set := []func(string) error{c.k.SetHostname, c.k.SetDomainName}
	for i, o := range objs {
		name, err := c.img.Name(o)
		if err != nil {
			return wrap(o.Kind, o.Pos, err)
		}
		if err := set[i](name); err != nil {
			return wrapf(o.Kind, o.Pos, err, "uts name %q", name)
		}
	}
	return nil
}

// restoreStdio installs Options.Stdio in the root task.
func (u *taskUnit) restoreStdio() error {
	table := u.t.FDTable()
	if table == nil {
		table = u.c.k.NewFDTable()
		u.t.SetFDTable(table)
		table.DecRef()
	}
	if err := table.Expand(stdioFDs); err != nil {
		return err
	}
	for fd, f := range u.c.opts.Stdio {
		if f == nil {
			continue
		}
		if err := table.NewFDAt(int32(fd), f, kernel.FDFlags{}); err != nil {
			return wrapf(image.KindFileDesc, image.NullPos, err, "installing stdio fd %d", fd)
		}
	}
	return nil
}

// finalize restores what depends on the whole tree. It runs in the root
// task once every task is built.
func (c *Context) finalize(ctx context.Context) error {
	c.linkProcessGroups()
	if err := c.flushJobs(ctx); err != nil {
		return err
	}
	if err := c.restoreEpoll(); err != nil {
		return err
	}
	if s := c.opts.Sockets; s != nil {
		if err := s.Complete(ctx, c); err != nil {
			return wrapf(image.AnyKind, image.NullPos, err, "completing sockets")
		}
	}
	if err := c.restoreStray(ctx); err != nil {
		return err
	}
	if err := c.restorePosixLocks(); err != nil {
		return err
	}
	if err := c.runHook(ctx, image.SectionTTY, "tty", c.opts.TTY); err != nil {
		return err
	}
	if err := c.restoreFSContexts(ctx); err != nil {
		return err
	}
	c.log.Infof("Descriptors, locks and fs contexts restored")
	if c.opts.Complete != nil {
		if err := c.opts.Complete(ctx, c); err != nil {
			return wrapf(image.AnyKind, image.NullPos, err, "complete hook")
		}
	}
	if c.lastPID > 0 {
		if err := c.k.SetLastPID(kernel.ThreadID(c.lastPID)); err != nil {
			return wrapf(image.KindVEInfo, image.NullPos, err, "last pid %d", c.lastPID)
		}
	}
	return nil
}

// restoreStray hands files no task refers to to the IPC restorer.
func (c *Context) restoreStray(ctx context.Context) error {
	objs, err := c.img.SectionObjects(image.SectionStray)
	if err != nil {
		return wrap(image.KindFile, image.NullPos, err)
	}
	for _, o := range objs {
		if o.Kind != image.KindFile {
			return corrupt(o.Kind, o.Pos, "unexpected object in %v section", image.SectionStray)
		}
		if c.opts.IPC == nil {
			c.log.Infof("Stray file @%d skipped", int64(o.Pos))
			continue
		}
		if err := c.opts.IPC.Stray(ctx, c, o); err != nil {
			return wrapf(o.Kind, o.Pos, err, "stray file")
		}
	}
	return nil
}

// restorePosixLocks replays byte-range locks. Their owners are descriptor
// tables, which exist only once every task does.
func (c *Context) restorePosixLocks() error {
	n := 0
	err := c.reg.Each(image.KindFile, func(pos image.Pos, obj any) error {
		e := obj.(*fileEntry)
		r, err := c.readFileRecord(pos)
		if err != nil {
			return err
		}
		for _, o := range r.locks {
			l := o.Payload.(*image.Lock)
			if l.Flags&linux.FL_POSIX == 0 {
				continue
			}
			if err := c.restorePosixLock(e, o, l); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n > 0 {
		c.log.Infof("%d POSIX locks restored", n)
	}
	return nil
}

func (c *Context) restorePosixLock(e *fileEntry, o *image.Object, l *image.Lock) error {
	obj, ok := c.reg.LookupIndex(image.KindFileTable, uint64(l.Owner))
	if !ok {
		return wrapf(o.Kind, o.Pos, unix.EINVAL, "lock owner table %d was not restored", l.Owner)
	}
	owner := obj.(*kernel.FDTable)
	if c.unitFor(l.PID) == nil {
		return wrapf(o.Kind, o.Pos, unix.ESRCH, "lock pid %d", l.PID)
	}

	var t lock.LockType
	switch l.Type {
	case linux.F_RDLCK:
		t = lock.ReadLock
	case linux.F_WRLCK:
		t = lock.WriteLock
	default:
		return corrupt(o.Kind, o.Pos, "posix lock of type %d", l.Type)
	}
	// Recorded ends are inclusive.
	r := lock.LockRange{Start: l.Start, End: lock.LockEOF}
	if l.End >= 0 {
		r.End = l.End + 1
	}
	if r.Start < 0 || r.End <= r.Start {
		return corrupt(o.Kind, o.Pos, "posix lock [%d, %d]", l.Start, l.End)
	}
	if err := e.file.Inode.LockCtx.Posix.LockRegion(owner, l.PID, t, r); err != nil {
		return wrapf(o.Kind, o.Pos, err, "locking %v [%d, %d)", e.file, r.Start, r.End)
	}
	return nil
}
