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

package mm

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/hostarch"
	"gvisor.dev/rst/pkg/log"
	"gvisor.dev/rst/pkg/sentry/fs"
)

// mmapBase is where non-fixed mappings are placed bottom-up.
const mmapBase = hostarch.Addr(0x10000)

// extraFlagsMask are the VM_* bits MMapOpts.ExtraFlags may carry.
const extraFlagsMask = linux.VM_DENYWRITE | linux.VM_EXECUTABLE | linux.VM_NORESERVE | linux.VM_DONTCOPY | linux.VM_IO

// MMapOpts specifies a request to create a memory mapping.
type MMapOpts struct {
	// Length is the length of the mapping.
	Length uint64

	// File is the mapped file, or nil. MMap takes its own reference.
	File *fs.File

	// Object is the memory backing the mapping, or nil. MMap takes its
	// own reference. At most one of File and Object may be set; neither
	// means anonymous memory.
	Object *MemoryObject

	// Offset is the offset into File or Object to map.
	Offset uint64

	// Addr is the suggested address for the mapping.
	Addr hostarch.Addr

	// If Fixed is true, the mapping must be placed at Addr.
	Fixed bool

	// If Unmap is true, existing vmas in the mapped range are unmapped,
	// as with MAP_FIXED. Otherwise an overlap fails with EEXIST, as with
	// MAP_FIXED_NOREPLACE.
	Unmap bool

	// Perms is the set of permissions to the applied to this mapping.
	Perms hostarch.AccessType

	// MaxPerms limits the set of permissions that may ever apply to this
	// mapping. The zero value means hostarch.AnyAccess.
	MaxPerms hostarch.AccessType

	// Private is true if writes to the mapping should be propagated to a
	// copy that is exclusive to the MemoryManager.
	Private bool

	// GrowsDown is true if the mapping should be automatically expanded
	// downward on guard page faults.
	GrowsDown bool

	// Locked is MAP_LOCKED.
	Locked bool

	// ExtraFlags are additional VM_* bits recorded for the mapping.
	ExtraFlags uint64

	// Kind distinguishes special mappings.
	Kind VMAKind

	// Hint is the name used for the mapping in /proc/[pid]/maps. If
	// empty, the file name is used.
	Hint string
}

// MMap establishes a memory mapping.
func (mm *MemoryManager) MMap(opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, unix.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, unix.ENOMEM
	}
	opts.Length = length
	if opts.Offset%hostarch.PageSize != 0 || opts.ExtraFlags&^extraFlagsMask != 0 {
		return 0, unix.EINVAL
	}
	if opts.File != nil && opts.Object != nil {
		return 0, unix.EINVAL
	}
	if opts.Fixed && !opts.Addr.IsPageAligned() {
		return 0, unix.EINVAL
	}
	if opts.MaxPerms == hostarch.NoAccess {
		opts.MaxPerms = hostarch.AnyAccess
	}
	if opts.Perms.Union(opts.MaxPerms) != opts.MaxPerms {
		return 0, unix.EACCES
	}
	if f := opts.File; f != nil {
		flags := f.Flags()
		if !flags.Read {
			return 0, unix.EACCES
		}
		if !opts.Private && !flags.Write {
			// mm/mmap.c:do_mmap() clears VM_MAYWRITE.
			if opts.Perms.Write {
				return 0, unix.EACCES
			}
			opts.MaxPerms.Write = false
		}
	}
	if o := opts.Object; o != nil && opts.Offset+opts.Length > o.Size() {
		return 0, unix.EINVAL
	}

	meta := mm.Metadata()

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	ar, err := mm.findAvailableLocked(opts)
	if err != nil {
		return 0, err
	}
	if opts.Unmap {
		mm.unmapLocked(ar)
	}

	v := &vma{
		start:      ar.Start,
		end:        ar.End,
		file:       opts.File,
		object:     opts.Object,
		off:        opts.Offset,
		realPerms:  opts.Perms,
		maxPerms:   opts.MaxPerms,
		private:    opts.Private,
		growsDown:  opts.GrowsDown,
		locked:     opts.Locked || meta.DefFlags&linux.VM_LOCKED != 0,
		extraFlags: opts.ExtraFlags,
		kind:       opts.Kind,
		hint:       opts.Hint,
	}
	if v.private {
		v.anon = NewAnonVMA()
	}
	if v.file != nil {
		v.file.IncRef()
	}
	switch {
	case v.object != nil:
		v.object.IncRef()
	case !v.private && v.file == nil:
		// Shared anonymous memory, as mm/shmem.c:shmem_zero_setup().
		v.object = NewMemoryObject("/dev/zero (deleted)", opts.Length)
		v.off = 0
	}
	mm.vmas.ReplaceOrInsert(v)
	mm.usageAS += opts.Length
	if v.locked {
		mm.lockedAS += opts.Length
	}
	mm.mergeLocked(v)
	return ar.Start, nil
}

// findAvailableLocked returns the range a new mapping will occupy.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) findAvailableLocked(opts MMapOpts) (hostarch.AddrRange, error) {
	if opts.Fixed {
		ar, ok := opts.Addr.ToRange(opts.Length)
		if !ok {
			return hostarch.AddrRange{}, unix.ENOMEM
		}
		if !opts.Unmap && len(mm.vmasInRangeLocked(ar)) != 0 {
			return hostarch.AddrRange{}, unix.EEXIST
		}
		return ar, nil
	}
	start := max(opts.Addr.RoundDown(), mmapBase)
	for {
		ar, ok := start.ToRange(opts.Length)
		if !ok {
			return hostarch.AddrRange{}, unix.ENOMEM
		}
		vs := mm.vmasInRangeLocked(ar)
		if len(vs) == 0 {
			return ar, nil
		}
		start = vs[len(vs)-1].end
	}
}

// MUnmap implements the semantics of Linux's munmap(2).
func (mm *MemoryManager) MUnmap(addr hostarch.Addr, length uint64) error {
	if !addr.IsPageAligned() || length == 0 {
		return unix.EINVAL
	}
	length, ok := hostarch.PageRoundUp(length)
	if !ok {
		return unix.EINVAL
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return unix.EINVAL
	}
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.unmapLocked(ar)
	return nil
}

// unmapLocked unmaps all vmas in ar.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) unmapLocked(ar hostarch.AddrRange) {
	for _, v := range mm.isolateLocked(ar) {
		mm.vmas.Delete(v)
		mm.usageAS -= v.length()
		if v.locked {
			mm.lockedAS -= v.length()
		}
		v.release()
	}
	mm.dropPagesLocked(ar)
	mm.dropLazyLocked(ar)
}

// Clear unmaps every mapping and forgets the LDT and AIO contexts, leaving
// mm as if newly created.
func (mm *MemoryManager) Clear() {
	mm.metadataMu.Lock()
	mm.ldt = nil
	for _, ctx := range mm.aioContexts {
		ctx.ring.DecRef()
	}
	clear(mm.aioContexts)
	mm.metadataMu.Unlock()

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.vmas.Ascend(func(v *vma) bool {
		v.release()
		return true
	})
	mm.vmas.Clear(false)
	for addr, p := range mm.private {
		p.decRef()
		delete(mm.private, addr)
	}
	mm.lazy = nil
	mm.usageAS = 0
	mm.lockedAS = 0
}

// rangeLocked validates addr and length and returns the vmas covering the
// range, split at its boundaries. It fails with ENOMEM if any part of the
// range is unmapped.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) rangeLocked(addr hostarch.Addr, length uint64) (hostarch.AddrRange, []*vma, error) {
	if !addr.IsPageAligned() {
		return hostarch.AddrRange{}, nil, unix.EINVAL
	}
	length, ok := hostarch.PageRoundUp(length)
	if !ok {
		return hostarch.AddrRange{}, nil, unix.ENOMEM
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return hostarch.AddrRange{}, nil, unix.ENOMEM
	}
	if err := checkCovered(mm.vmasInRangeLocked(ar), ar); err != nil {
		return ar, nil, unix.ENOMEM
	}
	return ar, mm.isolateLocked(ar), nil
}

// MProtect implements the semantics of Linux's mprotect(2).
func (mm *MemoryManager) MProtect(addr hostarch.Addr, length uint64, realPerms hostarch.AccessType) error {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	_, vs, err := mm.rangeLocked(addr, length)
	if err != nil {
		return err
	}
	for _, v := range vs {
		if realPerms.Union(v.maxPerms) != v.maxPerms {
			return unix.EACCES
		}
	}
	for _, v := range vs {
		v.realPerms = realPerms
	}
	return nil
}

// MLock sets or clears VM_LOCKED on the range, as mlock(2) and munlock(2)
// do.
func (mm *MemoryManager) MLock(addr hostarch.Addr, length uint64, locked bool) error {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	_, vs, err := mm.rangeLocked(addr, length)
	if err != nil {
		return err
	}
	for _, v := range vs {
		if v.locked == locked {
			continue
		}
		v.locked = locked
		if locked {
			mm.lockedAS += v.length()
		} else {
			mm.lockedAS -= v.length()
		}
	}
	return nil
}

// MAdviseReadHint sets the read-ahead hint of the range to hint, which is
// VM_SEQ_READ, VM_RAND_READ or 0 (MADV_NORMAL).
func (mm *MemoryManager) MAdviseReadHint(addr hostarch.Addr, length uint64, hint uint64) error {
	if hint&^linux.VM_READHINTMASK != 0 || hint == linux.VM_READHINTMASK {
		return unix.EINVAL
	}
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	_, vs, err := mm.rangeLocked(addr, length)
	if err != nil {
		return err
	}
	for _, v := range vs {
		v.readHint = hint
	}
	return nil
}

// RemapFilePages points the range at page pgoff of the backing of the shared
// mapping containing it, as remap_file_pages(2) does.
func (mm *MemoryManager) RemapFilePages(addr hostarch.Addr, length uint64, pgoff uint64) error {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	ar, vs, err := mm.rangeLocked(addr, length)
	if err != nil {
		return unix.EINVAL
	}
	for _, v := range vs {
		if v.private || (v.file == nil && v.object == nil) {
			return unix.EINVAL
		}
		if v.file != vs[0].file || v.object != vs[0].object {
			return unix.EINVAL
		}
	}
	if o := vs[0].object; o != nil && pgoff*hostarch.PageSize+ar.Length() > o.Size() {
		return unix.EINVAL
	}
	for _, v := range vs {
		v.off = pgoff*hostarch.PageSize + uint64(v.start-ar.Start)
	}
	return nil
}

// Split splits the mapping containing addr so that a mapping starts at
// addr. It returns false if a mapping already started there or addr is
// unmapped.
func (mm *MemoryManager) Split(addr hostarch.Addr) (bool, error) {
	if !addr.IsPageAligned() {
		return false, unix.EINVAL
	}
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	return mm.splitLocked(addr), nil
}

// SetAnon replaces the anonymous identity of the private mapping that
// exactly spans ar. It fails with EBUSY if the mapping already has private
// pages, since those belong to its current identity.
func (mm *MemoryManager) SetAnon(ar hostarch.AddrRange, a *AnonVMA) error {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	v := mm.findVMALocked(ar.Start)
	if v == nil || v.addrRange() != ar || !v.private || a == nil {
		return unix.EINVAL
	}
	if v.anon == a {
		return nil
	}
	if mm.hasPagesLocked(ar) {
		return unix.EBUSY
	}
	log.Debugf("mm: %v anon %d -> %d", ar, v.anon.ID(), a.ID())
	v.anon = a
	return nil
}
