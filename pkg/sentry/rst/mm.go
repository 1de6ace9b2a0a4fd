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

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/hostarch"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/mm"
)

// restoreMM restores the address space of u, unless it shares one that was
// already restored and attached by its parent.
func (u *taskUnit) restoreMM(ctx context.Context) error {
	c, pos := u.c, u.rec.MM
	if pos.IsNull() {
		if u.t.MemoryManager() != nil {
			u.t.SetMemoryManager(nil)
		}
		return nil
	}
	if obj, ok := c.reg.Lookup(image.KindMM, pos); ok {
		if u.t.MemoryManager() != obj.(*mm.MemoryManager) {
			return wrapf(image.KindMM, pos, unix.EINVAL, "task %d does not share its mm", u.rec.PID)
		}
		return nil
	}

	o, err := c.img.ReadObject(pos, image.KindMM)
	if err != nil {
		return wrap(image.KindMM, pos, err)
	}
	rec := o.Payload.(*image.MM)
	m := u.t.MemoryManager()
	if m == nil {
		m = mm.NewMemoryManager()
		u.t.SetMemoryManager(m)
	}
	m.Clear()

	// DefFlags would apply to the mappings restored below.
	meta := mm.Metadata{
		StartCode:  hostarch.Addr(rec.StartCode),
		EndCode:    hostarch.Addr(rec.EndCode),
		StartData:  hostarch.Addr(rec.StartData),
		EndData:    hostarch.Addr(rec.EndData),
		StartBrk:   hostarch.Addr(rec.StartBrk),
		Brk:        hostarch.Addr(rec.Brk),
		StartStack: hostarch.Addr(rec.StartStack),
		ArgStart:   hostarch.Addr(rec.StartArg),
		ArgEnd:     hostarch.Addr(rec.EndArg),
		EnvStart:   hostarch.Addr(rec.StartEnv),
		EnvEnd:     hostarch.Addr(rec.EndEnv),
		Dumpable:   rec.Dumpable,
		DumpFilter: rec.DumpFilter,
	}
	m.SetMetadata(meta)

	children, err := c.img.Children(o)
	if err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	var (
		vmas []*image.Object
		end  hostarch.Addr
	)
	for _, ch := range children {
		switch ch.Kind {
		case image.KindVMA:
			v := ch.Payload.(*image.VMA)
			if hostarch.Addr(v.Start) < end {
				return corrupt(ch.Kind, ch.Pos, "vma %#x-%#x overlaps or precedes %v", v.Start, v.End, end)
			}
			if err := u.restoreVMA(ctx, m, ch); err != nil {
				return err
			}
			end = hostarch.Addr(v.End)
			vmas = append(vmas, ch)
		case image.KindBits:
			if err := c.restoreLDT(m, ch); err != nil {
				return err
			}
		case image.KindAIOContext:
			if err := c.restoreAIOContext(m, ch); err != nil {
				return err
			}
		default:
			return corrupt(ch.Kind, ch.Pos, "unknown object in mm image")
		}
	}
	for _, o := range vmas {
		if err := c.verifyVMA(m, o); err != nil {
			return err
		}
	}

	meta.DefFlags = rec.DefFlags
	m.SetMetadata(meta)

	if !m.IncUsers() {
		return wrapf(o.Kind, o.Pos, unix.ESRCH, "lost mm")
	}
	if err := c.reg.Register(image.KindMM, pos, m, m.DecUsers); err != nil {
		m.DecUsers()
		return wrap(o.Kind, o.Pos, err)
	}
	c.log.Debugf("Task %d: mm restored with %d vmas", u.rec.PID, len(vmas))
	return nil
}

// vmaRange validates the range of a recorded mapping.
func vmaRange(o *image.Object, start, end uint64) (hostarch.AddrRange, error) {
	ar := hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(end)}
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return ar, corrupt(o.Kind, o.Pos, "bad range %#x-%#x", start, end)
	}
	return ar, nil
}

// vmaOpts translates recorded vm_flags to mapping options.
func vmaOpts(ar hostarch.AddrRange, flags uint64) mm.MMapOpts {
	return mm.MMapOpts{
		Length: ar.Length(),
		Addr:   ar.Start,
		Fixed:  true,
		Unmap:  true,
		Perms: hostarch.AccessType{
			Read:    flags&linux.VM_READ != 0,
			Write:   flags&linux.VM_WRITE != 0,
			Execute: flags&linux.VM_EXEC != 0,
		},
		MaxPerms: hostarch.AccessType{
			Read:    flags&linux.VM_MAYREAD != 0,
			Write:   flags&linux.VM_MAYWRITE != 0,
			Execute: flags&linux.VM_MAYEXEC != 0,
		},
		Private:    flags&(linux.VM_SHARED|linux.VM_MAYSHARE) == 0,
		GrowsDown:  flags&linux.VM_GROWSDOWN != 0,
		ExtraFlags: flags & (linux.VM_DENYWRITE | linux.VM_EXECUTABLE | linux.VM_NORESERVE | linux.VM_DONTCOPY | linux.VM_IO),
	}
}

// restoreVMA creates the mapping o describes and fills it.
func (u *taskUnit) restoreVMA(ctx context.Context, m *mm.MemoryManager, o *image.Object) error {
	c := u.c
	v := o.Payload.(*image.VMA)
	ar, err := vmaRange(o, v.Start, v.End)
	if err != nil {
		return err
	}
	opts := vmaOpts(ar, v.Flags)

	switch v.Type {
	case image.VMAVDSO:
		obj, err := c.vdso()
		if err != nil {
			return err
		}
		defer obj.DecRef()
		opts.Object = obj
		opts.Kind = mm.VDSOVMA
		opts.Hint = "[vdso]"
	case image.VMASysVShm:
		if c.opts.IPC == nil {
			return unsupported(o.Kind, o.Pos, "System V shared memory mapping without an IPC restorer")
		}
		seg, err := c.opts.IPC.Segment(ctx, c, v.File)
		if err != nil {
			return wrapf(o.Kind, o.Pos, err, "shm segment @%d", v.File)
		}
		defer seg.DecRef()
		opts.Object = seg
		opts.Offset = v.Pgoff * hostarch.PageSize
		opts.Kind = mm.SysVShmVMA
	case image.VMANormal:
		if !v.File.IsNull() {
			f, err := u.restoreFile(ctx, v.File, fdNone)
			if err != nil {
				return err
			}
			if f != nil {
				defer f.DecRef()
				opts.File = f
				opts.Offset = v.Pgoff * hostarch.PageSize
			}
			// Otherwise a shared mapping of a deleted placeholder gets
			// anonymous memory of its own.
		}
	default:
		return corrupt(o.Kind, o.Pos, "unknown vma type %d", v.Type)
	}

	if _, err := m.MMap(opts); err != nil {
		return wrapf(o.Kind, o.Pos, err, "mapping %v", ar)
	}
	if split, err := m.Split(ar.Start); err != nil {
		return wrap(o.Kind, o.Pos, err)
	} else if split {
		c.log.Debugf("Task %d: vma %v was merged, split", u.rec.PID, ar)
	}

	if v.AnonVMAID != 0 && opts.Private {
		if err := c.restoreAnon(m, o, ar, v.AnonVMAID); err != nil {
			return err
		}
	}

	pages, err := c.img.Children(o)
	if err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	for _, p := range pages {
		if err := u.restorePages(m, ar, p); err != nil {
			return err
		}
	}
	return nil
}

// restoreAnon gives the mapping at ar the anonymous identity of its group.
// The first member of a group registers a fresh identity. When a member
// cannot adopt it, the group is dissolved and later COPYPAGES records fall
// back to copying bytes.
func (c *Context) restoreAnon(m *mm.MemoryManager, o *image.Object, ar hostarch.AddrRange, id uint64) error {
	obj, ok := c.reg.LookupIndex(image.KindVMA, id)
	if !ok {
		a := mm.NewAnonVMA()
		if err := c.reg.Register(image.KindVMA, o.Pos, a, nil); err != nil {
			return wrap(o.Kind, o.Pos, err)
		}
		if err := c.reg.SetIndex(image.KindVMA, o.Pos, id); err != nil {
			return wrap(o.Kind, o.Pos, err)
		}
		obj = a
	}
	err := m.SetAnon(ar, obj.(*mm.AnonVMA))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EBUSY):
		c.warn.Warningf("vma %v cannot join anon group %d, its pages will be copied", ar, id)
		c.reg.InvalidateIndex(image.KindVMA, id)
		return nil
	default:
		return wrapf(o.Kind, o.Pos, err, "anon group %d", id)
	}
}

// vdso returns the memory behind VDSO mappings: the recorded VDSO when the
// image carries one, the kernel's otherwise. The caller owns a reference.
func (c *Context) vdso() (*mm.MemoryObject, error) {
	objs, err := c.img.SectionObjects(image.SectionVDSO)
	if err != nil {
		return nil, wrap(image.KindBits, image.NullPos, err)
	}
	if len(objs) == 0 {
		return c.k.VDSO(), nil
	}
	o := objs[0]
	if obj, ok := c.reg.Lookup(image.KindBits, o.Pos); ok {
		mo := obj.(*mm.MemoryObject)
		mo.IncRef()
		return mo, nil
	}
	if o.Kind != image.KindBits {
		return nil, corrupt(o.Kind, o.Pos, "vdso section holds %v", o.Kind)
	}
	data, err := c.img.Data(o)
	if err != nil {
		return nil, wrap(o.Kind, o.Pos, err)
	}
	size, ok := hostarch.PageRoundUp(uint64(len(data)))
	if !ok || size == 0 {
		return nil, corrupt(o.Kind, o.Pos, "vdso of %d bytes", len(data))
	}
	mo := mm.NewMemoryObject("[vdso]", size)
	if _, err := mo.WriteAt(data, 0); err != nil {
		mo.DecRef()
		return nil, wrap(o.Kind, o.Pos, err)
	}
	if err := c.reg.Register(image.KindBits, o.Pos, mo, mo.DecRef); err != nil {
		mo.DecRef()
		return nil, wrap(o.Kind, o.Pos, err)
	}
	mo.IncRef()
	return mo, nil
}

func (c *Context) restoreLDT(m *mm.MemoryManager, o *image.Object) error {
	if o.Content != image.ContentLDT {
		return corrupt(o.Kind, o.Pos, "%v bits in mm", o.Content)
	}
	data, err := c.img.Data(o)
	if err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	if len(data)%linux.LDTEntrySize != 0 {
		return corrupt(o.Kind, o.Pos, "LDT of %d bytes", len(data))
	}
	m.SetLDT(data)
	return nil
}

// restoreAIOContext recreates an AIO context and its ring mapping. The
// recorded geometry must match what the ring size implies.
func (c *Context) restoreAIOContext(m *mm.MemoryManager, o *image.Object) error {
	a := o.Payload.(*image.AIOContext)
	pages, nr := linux.AIORingGeometry(a.MaxReqs, hostarch.PageSize)
	if a.MaxReqs == 0 || uint64(a.RingPage) != pages || uint64(a.Nr) != nr {
		return corrupt(o.Kind, o.Pos, "aio ring geometry: max %d pages %d nr %d, want pages %d nr %d",
			a.MaxReqs, a.RingPage, a.Nr, pages, nr)
	}
	addr := hostarch.Addr(a.Mmap)
	if !addr.IsPageAligned() {
		return corrupt(o.Kind, o.Pos, "aio ring at %v", addr)
	}
	// The ring may also have been recorded as an ordinary vma.
	if err := m.MUnmap(addr, pages*hostarch.PageSize); err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	if _, err := m.NewAIOContext(addr, a.MaxReqs); err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	return nil
}

// tolerated are vm_flags bits that may differ after restore.
const tolerated = linux.VM_ACCOUNT

// verifyVMA compares the live mapping at a recorded range with the record.
// Read hints and mlock state are corrected; other differences are drift.
func (c *Context) verifyVMA(m *mm.MemoryManager, o *image.Object) error {
	v := o.Payload.(*image.VMA)
	start, length := hostarch.Addr(v.Start), v.End-v.Start
	info, ok := m.FindVMA(start)
	if !ok || info.Range.Start != start {
		return c.drift(o.Kind, o.Pos, "vma %#x-%#x is gone", v.Start, v.End)
	}
	if (info.Flags^v.Flags)&linux.VM_READHINTMASK != 0 {
		if err := m.MAdviseReadHint(start, length, v.Flags&linux.VM_READHINTMASK); err != nil {
			return wrap(o.Kind, o.Pos, err)
		}
	}
	if (info.Flags^v.Flags)&linux.VM_LOCKED != 0 {
		if err := m.MLock(start, length, v.Flags&linux.VM_LOCKED != 0); err != nil {
			return wrap(o.Kind, o.Pos, err)
		}
	}
	if info, ok = m.FindVMA(start); !ok {
		return c.drift(o.Kind, o.Pos, "vma %#x-%#x is gone", v.Start, v.End)
	}

	mask := ^uint64(tolerated)
	if v.Flags&linux.VM_GROWSDOWN != 0 {
		// Executable stacks are decided by the platform.
		mask &^= linux.VM_EXEC | linux.VM_MAYEXEC
	}
	if d := (info.Flags ^ v.Flags) & mask; d != 0 {
		if err := c.drift(o.Kind, o.Pos, "vma %v flags %#x, recorded %#x", info.Range, info.Flags, v.Flags); err != nil {
			return err
		}
	}
	if v.Pgprot != 0 && (info.Pgprot^v.Pgprot)&^linux.PAGE_NX != 0 {
		return c.drift(o.Kind, o.Pos, "vma %v pgprot %#x, recorded %#x", info.Range, info.Pgprot, v.Pgprot)
	}
	return nil
}
