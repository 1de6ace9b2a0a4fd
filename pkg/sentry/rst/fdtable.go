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

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/kernel"
	"gvisor.dev/rst/pkg/sentry/limits"
)

// stdioFDs is the number of descriptors the root task gets from
// Options.Stdio.
const stdioFDs = 3

// keepsFD returns whether descriptor fd of u was installed during root
// setup and survives restoreFiles.
func (u *taskUnit) keepsFD(fd int32) bool {
	return u.parent == nil && fd >= 0 && fd < stdioFDs && u.c.opts.Stdio[fd] != nil
}

// keepsTable returns whether u keeps a table for descriptors installed
// during root setup even though the image records none.
func (u *taskUnit) keepsTable() bool {
	for fd := range int32(stdioFDs) {
		if u.keepsFD(fd) {
			return true
		}
	}
	return false
}

// restoreFiles attaches u's descriptor table. A table restored for another
// task is shared; otherwise the table u was cloned with is emptied and
// populated from the image. Descriptors whose files cannot be opened yet
// are queued on c.jobs.
func (u *taskUnit) restoreFiles(ctx context.Context) error {
	c := u.c
	pos := u.rec.Files
	if pos.IsNull() {
		if !u.keepsTable() {
			u.t.SetFDTable(nil)
		}
		return nil
	}
	if obj, ok := c.reg.Lookup(image.KindFileTable, pos); ok {
		if table := obj.(*kernel.FDTable); u.t.FDTable() != table {
			u.t.SetFDTable(table)
		}
		return nil
	}

	o, err := c.img.ReadObject(pos, image.KindFileTable)
	if err != nil {
		return wrap(image.KindFileTable, pos, err)
	}
	ft := o.Payload.(*image.FileTable)
	children, err := c.img.Children(o)
	if err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	descs := make([]*image.FileDesc, 0, len(children))
	for _, ch := range children {
		if ch.Kind != image.KindFileDesc {
			return corrupt(ch.Kind, ch.Pos, "unexpected object in %v", o.Kind)
		}
		d := ch.Payload.(*image.FileDesc)
		if d.FD < 0 || uint32(d.FD) >= ft.MaxFDs {
			return corrupt(ch.Kind, ch.Pos, "fd %d outside table of %d", d.FD, ft.MaxFDs)
		}
		descs = append(descs, d)
	}

	table := u.t.FDTable()
	if table == nil {
		table = c.k.NewFDTable()
		u.t.SetFDTable(table)
		table.DecRef()
	}
	for _, fd := range table.GetFDs() {
		if u.keepsFD(fd) {
			continue
		}
		if f := table.Remove(fd); f != nil {
			f.DecRef()
		}
	}

	nofile := u.t.ThreadGroup().Limits().Get(limits.NumberOfFiles).Cur
	if uint64(ft.MaxFDs) > nofile {
		return wrapf(o.Kind, o.Pos, unix.EMFILE, "table of %d descriptors over RLIMIT_NOFILE %d", ft.MaxFDs, nofile)
	}
	if err := table.Expand(int32(ft.MaxFDs)); err != nil {
		return wrapf(o.Kind, o.Pos, err, "growing table to %d", ft.MaxFDs)
	}

	for _, d := range descs {
		if u.keepsFD(d.FD) {
			continue
		}
		f, err := u.restoreFile(ctx, d.File, d.FD)
		if err != nil {
			return err
		}
		flags := kernel.FDFlagsFromLinux(uint(d.Flags))
		if f == nil {
			c.jobs.queue(fileJob{pid: u.rec.PID, fd: d.FD, file: d.File, flags: flags})
			c.log.Debugf("Task %d: fd %d queued", u.rec.PID, d.FD)
			continue
		}
		err = table.NewFDAt(d.FD, f, flags)
		f.DecRef()
		if err != nil {
			return wrapf(o.Kind, o.Pos, err, "installing fd %d", d.FD)
		}
	}
	table.SetNextFD(ft.NextFD)

	table.IncRef()
	if err := c.reg.Register(image.KindFileTable, pos, table, table.DecRef); err != nil {
		table.DecRef()
		return wrap(o.Kind, o.Pos, err)
	}
	if err := c.reg.SetIndex(image.KindFileTable, pos, uint64(ft.Index)); err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	return nil
}
