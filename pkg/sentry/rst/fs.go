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
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/kernel"
)

// Entries of an FS record's file chain.
const (
	fsRoot = iota
	fsCwd
	fsAltRoot
	fsFiles
)

// fsEntry is a restored FS record. Its umask and directories are applied in
// finalization, once every file they may depend on exists.
type fsEntry struct {
	fsc   *kernel.FSContext
	umask uint32
	files []image.Pos
}

// attachFS gives u the filesystem context it shares, or registers the one
// it was cloned with for its FS record.
func (u *taskUnit) attachFS() error {
	c := u.c
	pos := u.rec.FS
	if pos.IsNull() {
		u.t.SetFSContext(nil)
		return nil
	}
	if obj, ok := c.reg.Lookup(image.KindFS, pos); ok {
		if fsc := obj.(*fsEntry).fsc; u.t.FSContext() != fsc {
			u.t.SetFSContext(fsc)
		}
		return nil
	}

	o, err := c.img.ReadObject(pos, image.KindFS)
	if err != nil {
		return wrap(image.KindFS, pos, err)
	}
	children, err := c.img.Children(o)
	if err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	if len(children) > fsFiles {
		return corrupt(o.Kind, o.Pos, "%d files in fs context", len(children))
	}
	e := &fsEntry{umask: o.Payload.(*image.FS).Umask}
	for _, ch := range children {
		if ch.Kind != image.KindFile {
			return corrupt(ch.Kind, ch.Pos, "unexpected object in %v", o.Kind)
		}
		e.files = append(e.files, ch.Pos)
	}

	e.fsc = u.t.FSContext()
	if e.fsc == nil {
		e.fsc = kernel.NewFSContext(nil, nil, 0)
		u.t.SetFSContext(e.fsc)
		e.fsc.DecRef()
	}
	e.fsc.IncRef()
	if err := c.reg.Register(image.KindFS, pos, e, e.fsc.DecRef); err != nil {
		e.fsc.DecRef()
		return wrap(o.Kind, o.Pos, err)
	}
	return nil
}

// restoreFSContexts applies umasks and rebinds root and working directories
// under the restore root.
func (c *Context) restoreFSContexts(ctx context.Context) error {
	root := c.rootUnit()
	return c.reg.Each(image.KindFS, func(pos image.Pos, obj any) error {
		e := obj.(*fsEntry)
		e.fsc.SwapUmask(uint(e.umask))
		for i, fpos := range e.files {
			if i == fsAltRoot {
				c.warn.Warningf("FS @%d: alternate root ignored", int64(pos))
				continue
			}
			f, err := root.restoreFile(ctx, fpos, fdFSContext)
			if err != nil {
				return err
			}
			if f == nil {
				return wrapf(image.KindFile, fpos, unix.ENOENT, "fs context directory")
			}
			setFSFile(e.fsc, i, f)
			f.DecRef()
		}
		return nil
	})
}

func setFSFile(fsc *kernel.FSContext, i int, f *fs.File) {
	if i == fsRoot {
		fsc.SetRootDirectory(f)
	} else {
		fsc.SetWorkingDirectory(f)
	}
}
