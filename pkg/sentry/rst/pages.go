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
	"errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/hostarch"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/mm"
)

// copyChunk bounds the buffer used to copy pages between address spaces.
const copyChunk = 64 * hostarch.PageSize

var restoreIO = mm.IOOpts{IgnorePermissions: true}

// pageRange validates a page record's range against its mapping.
func pageRange(o *image.Object, vma hostarch.AddrRange, start, end uint64) (hostarch.AddrRange, error) {
	ar, err := vmaRange(o, start, end)
	if err != nil {
		return ar, err
	}
	if !vma.IsSupersetOf(ar) {
		return ar, corrupt(o.Kind, o.Pos, "pages %v outside vma %v", ar, vma)
	}
	return ar, nil
}

// restorePages replays one page record of the mapping at vma.
func (u *taskUnit) restorePages(m *mm.MemoryManager, vma hostarch.AddrRange, o *image.Object) error {
	c := u.c
	switch o.Kind {
	case image.KindPages:
		p := o.Payload.(*image.Pages)
		ar, err := pageRange(o, vma, p.Start, p.End)
		if err != nil {
			return err
		}
		switch o.Content {
		case image.ContentVoid:
			if _, err := m.ZeroOut(ar.Start, int(ar.Length()), restoreIO); err != nil {
				return wrapf(o.Kind, o.Pos, err, "zeroing %v", ar)
			}
		case image.ContentData:
			data, err := c.img.Data(o)
			if err != nil {
				return wrap(o.Kind, o.Pos, err)
			}
			if uint64(len(data)) != ar.Length() {
				return corrupt(o.Kind, o.Pos, "%d bytes for %v", len(data), ar)
			}
			if _, err := m.CopyOut(ar.Start, data, restoreIO); err != nil {
				return wrapf(o.Kind, o.Pos, err, "writing %v", ar)
			}
		default:
			return corrupt(o.Kind, o.Pos, "pages with %v content", o.Content)
		}

	case image.KindRemapPages:
		p := o.Payload.(*image.RemapPages)
		ar, err := pageRange(o, vma, p.Start, p.End)
		if err != nil {
			return err
		}
		if err := m.RemapFilePages(ar.Start, ar.Length(), p.Pgoff); err != nil {
			return wrapf(o.Kind, o.Pos, err, "remapping %v to page %d", ar, p.Pgoff)
		}

	case image.KindCopyPages:
		p := o.Payload.(*image.CopyPages)
		ar, err := pageRange(o, vma, p.Start, p.End)
		if err != nil {
			return err
		}
		obj, ok := c.reg.Lookup(image.KindMM, p.Source)
		if !ok {
			return wrapf(o.Kind, o.Pos, unix.ESRCH, "lost mm @%d", p.Source)
		}
		src := obj.(*mm.MemoryManager)
		err = m.ShareAnonPages(src, ar)
		switch {
		case err == nil:
		case errors.Is(err, mm.ErrAnonMismatch):
			c.warn.Warningf("Task %d: pages %v are not in the anon group of mm @%d, copying", u.rec.PID, ar, p.Source)
			if err := copyPages(m, src, ar); err != nil {
				return wrapf(o.Kind, o.Pos, err, "copying %v", ar)
			}
		default:
			return wrapf(o.Kind, o.Pos, err, "sharing %v", ar)
		}

	case image.KindLazyPages:
		p := o.Payload.(*image.LazyPages)
		ar, err := pageRange(o, vma, p.Start, p.End)
		if err != nil {
			return err
		}
		if c.opts.PageSource == nil {
			return wrapf(o.Kind, o.Pos, unix.EINVAL, "lazy pages %v without a page source", ar)
		}
		if err := m.SetLazy(ar, c.opts.PageSource, p.Index); err != nil {
			return wrapf(o.Kind, o.Pos, err, "lazy pages %v", ar)
		}
		if c.opts.Lazy == LazyEager {
			if err := m.Populate(ar); err != nil {
				return wrapf(o.Kind, o.Pos, err, "populating %v", ar)
			}
		}

	case image.KindIterPages:
		p := o.Payload.(*image.IterPages)
		ar, err := pageRange(o, vma, p.Start, p.End)
		if err != nil {
			return err
		}
		positions, err := c.img.Array(o)
		if err != nil {
			return wrap(o.Kind, o.Pos, err)
		}
		if n := ar.Length() / hostarch.PageSize; uint64(len(positions)) != n {
			return corrupt(o.Kind, o.Pos, "%d positions for %d pages", len(positions), n)
		}
		buf := make([]byte, hostarch.PageSize)
		for i, pos := range positions {
			if err := c.img.ReadAt(buf, image.Pos(pos)); err != nil {
				return wrap(o.Kind, o.Pos, err)
			}
			addr := ar.Start + hostarch.Addr(i)*hostarch.PageSize
			if _, err := m.CopyOut(addr, buf, restoreIO); err != nil {
				return wrapf(o.Kind, o.Pos, err, "writing page %v", addr)
			}
		}

	default:
		return corrupt(o.Kind, o.Pos, "unknown object in vma image")
	}
	return nil
}

// copyPages copies the contents of ar from src to dst.
func copyPages(dst, src *mm.MemoryManager, ar hostarch.AddrRange) error {
	buf := make([]byte, min(ar.Length(), copyChunk))
	for addr := ar.Start; addr < ar.End; {
		n := min(uint64(ar.End-addr), uint64(len(buf)))
		if _, err := src.CopyIn(addr, buf[:n], restoreIO); err != nil {
			return err
		}
		if _, err := dst.CopyOut(addr, buf[:n], restoreIO); err != nil {
			return err
		}
		addr += hostarch.Addr(n)
	}
	return nil
}
