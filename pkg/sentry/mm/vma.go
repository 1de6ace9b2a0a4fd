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
	"fmt"
	"sync/atomic"

	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/hostarch"
	"gvisor.dev/rst/pkg/sentry/fs"
)

// VMAKind distinguishes mappings installed by the kernel from ordinary ones.
type VMAKind uint32

const (
	// NormalVMA is created by mmap(2).
	NormalVMA VMAKind = iota

	// VDSOVMA is the [vdso] special mapping.
	VDSOVMA

	// AIOVMA is an AIO completion ring.
	AIOVMA

	// SysVShmVMA is an attached System V shared memory segment.
	SysVShmVMA
)

// String implements fmt.Stringer.String.
func (k VMAKind) String() string {
	switch k {
	case NormalVMA:
		return "normal"
	case VDSOVMA:
		return "vdso"
	case AIOVMA:
		return "aio"
	case SysVShmVMA:
		return "sysvshm"
	default:
		return fmt.Sprintf("VMAKind(%d)", uint32(k))
	}
}

var lastAnonID atomic.Uint64

// AnonVMA is the identity of the anonymous memory behind private mappings,
// analogous to Linux's struct anon_vma. Two vmas with the same AnonVMA in
// different MemoryManagers may share private pages copy-on-write.
type AnonVMA struct {
	id uint64
}

// NewAnonVMA returns a fresh anonymous identity.
func NewAnonVMA() *AnonVMA {
	return &AnonVMA{id: lastAnonID.Add(1)}
}

// ID returns a number unique to a.
func (a *AnonVMA) ID() uint64 {
	return a.id
}

// vma represents a virtual memory area.
type vma struct {
	start hostarch.Addr
	end   hostarch.Addr

	// file is the mapped file, or nil. The vma holds a reference on file.
	file *fs.File

	// object backs shared anonymous and special mappings, or nil. The vma
	// holds a reference on object.
	object *MemoryObject

	// off is the offset into file or object at start.
	off uint64

	// realPerms are the memory permissions on this vma, as defined by the
	// application.
	realPerms hostarch.AccessType

	// maxPerms limits the set of permissions that may ever apply to this
	// vma (VM_MAY*).
	maxPerms hostarch.AccessType

	private   bool
	growsDown bool

	// locked is VM_LOCKED.
	locked bool

	// readHint holds the VM_SEQ_READ and VM_RAND_READ bits.
	readHint uint64

	// extraFlags holds VM_* bits that are recorded but not modeled:
	// VM_DENYWRITE, VM_EXECUTABLE, VM_NORESERVE, VM_DONTCOPY.
	extraFlags uint64

	kind VMAKind

	// anon is the anonymous identity of a private vma.
	anon *AnonVMA

	// hint is the name shown in /proc/[pid]/maps in place of a file name.
	hint string
}

func vmaLess(a, b *vma) bool {
	return a.start < b.start
}

func (v *vma) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.start, End: v.end}
}

func (v *vma) length() uint64 {
	return uint64(v.end - v.start)
}

// offsetOf returns the backing offset of addr.
func (v *vma) offsetOf(addr hostarch.Addr) uint64 {
	return v.off + uint64(addr-v.start)
}

// flags returns the Linux vm_flags of v.
func (v *vma) flags() uint64 {
	var f uint64
	if v.realPerms.Read {
		f |= linux.VM_READ
	}
	if v.realPerms.Write {
		f |= linux.VM_WRITE
	}
	if v.realPerms.Execute {
		f |= linux.VM_EXEC
	}
	if v.maxPerms.Read {
		f |= linux.VM_MAYREAD
	}
	if v.maxPerms.Write {
		f |= linux.VM_MAYWRITE
	}
	if v.maxPerms.Execute {
		f |= linux.VM_MAYEXEC
	}
	if !v.private {
		f |= linux.VM_SHARED | linux.VM_MAYSHARE
	}
	if v.growsDown {
		f |= linux.VM_GROWSDOWN
	}
	if v.locked {
		f |= linux.VM_LOCKED
	}
	f |= v.readHint
	switch v.kind {
	case AIOVMA:
		f |= linux.VM_DONTEXPAND | linux.VM_DONTCOPY
	case VDSOVMA:
		f |= linux.VM_DONTEXPAND
	}
	f |= v.extraFlags
	// mm/mmap.c:accountable_mapping().
	if v.private && v.realPerms.Write && v.extraFlags&linux.VM_NORESERVE == 0 {
		f |= linux.VM_ACCOUNT
	}
	return f
}

// pgprot returns the page protection bits of v's ptes, as in
// mm/mmap.c:protection_map. Private writable mappings are write-protected
// until copy-on-write breaks them.
func (v *vma) pgprot() uint64 {
	var p uint64
	if v.realPerms.Any() {
		p |= linux.PAGE_PRESENT | linux.PAGE_USER
	}
	if v.realPerms.Write && !v.private {
		p |= linux.PAGE_RW
	}
	if !v.realPerms.Execute {
		p |= linux.PAGE_NX
	}
	return p
}

// canMergeWith returns whether next can be appended to v into a single vma,
// as in mm/mmap.c:vma_merge().
func (v *vma) canMergeWith(next *vma) bool {
	if v.end != next.start || v.kind != NormalVMA || next.kind != NormalVMA {
		return false
	}
	if v.file != next.file || v.object != nil || next.object != nil {
		return false
	}
	if v.file != nil && v.offsetOf(v.end) != next.off {
		return false
	}
	return v.realPerms == next.realPerms &&
		v.maxPerms == next.maxPerms &&
		v.private == next.private &&
		v.growsDown == next.growsDown &&
		v.locked == next.locked &&
		v.readHint == next.readHint &&
		v.extraFlags == next.extraFlags &&
		v.hint == next.hint
}

// VMAInfo describes one mapping.
type VMAInfo struct {
	Range     hostarch.AddrRange
	Perms     hostarch.AccessType
	MaxPerms  hostarch.AccessType
	Private   bool
	GrowsDown bool
	Kind      VMAKind

	// Flags are the Linux vm_flags of the mapping.
	Flags uint64

	// Pgprot are the page protection bits of the mapping.
	Pgprot uint64

	// Offset is the offset into File or Object at Range.Start.
	Offset uint64

	File   *fs.File
	Object *MemoryObject
	Anon   *AnonVMA
	Name   string
}

func (v *vma) info() VMAInfo {
	name := v.hint
	switch {
	case name != "":
	case v.file != nil:
		name = v.file.Name()
	case v.object != nil:
		name = v.object.Name()
	}
	return VMAInfo{
		Range:     v.addrRange(),
		Perms:     v.realPerms,
		MaxPerms:  v.maxPerms,
		Private:   v.private,
		GrowsDown: v.growsDown,
		Kind:      v.kind,
		Flags:     v.flags(),
		Pgprot:    v.pgprot(),
		Offset:    v.off,
		File:      v.file,
		Object:    v.object,
		Anon:      v.anon,
		Name:      name,
	}
}

// String implements fmt.Stringer.String.
func (i VMAInfo) String() string {
	return fmt.Sprintf("%v %v flags=%#x kind=%v", i.Range, i.Perms, i.Flags, i.Kind)
}

// findVMALocked returns the vma containing addr, or nil.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) findVMALocked(addr hostarch.Addr) *vma {
	var found *vma
	mm.vmas.DescendLessOrEqual(&vma{start: addr}, func(v *vma) bool {
		if addr < v.end {
			found = v
		}
		return false
	})
	return found
}

// vmasInRangeLocked returns the vmas overlapping ar in ascending order.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) vmasInRangeLocked(ar hostarch.AddrRange) []*vma {
	var vs []*vma
	if v := mm.findVMALocked(ar.Start); v != nil {
		vs = append(vs, v)
	}
	mm.vmas.AscendRange(&vma{start: ar.Start + 1}, &vma{start: ar.End}, func(v *vma) bool {
		vs = append(vs, v)
		return true
	})
	return vs
}

// isolateLocked splits the vmas overlapping ar so that none of them extends
// past ar, and returns those within ar.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) isolateLocked(ar hostarch.AddrRange) []*vma {
	mm.splitLocked(ar.Start)
	mm.splitLocked(ar.End)
	return mm.vmasInRangeLocked(ar)
}

// splitLocked splits the vma containing addr at addr, if addr is strictly
// inside it. It returns true if a split occurred.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) splitLocked(addr hostarch.Addr) bool {
	v := mm.findVMALocked(addr)
	if v == nil || v.start == addr {
		return false
	}
	nv := *v
	nv.start = addr
	nv.off = v.offsetOf(addr)
	if nv.file != nil {
		nv.file.IncRef()
	}
	if nv.object != nil {
		nv.object.IncRef()
	}
	v.end = addr
	mm.vmas.ReplaceOrInsert(&nv)
	return true
}

// mergeLocked merges v with its neighbours where they are compatible.
//
// Preconditions: mm.mappingMu must be locked for writing. v has no private
// pages of its own.
func (mm *MemoryManager) mergeLocked(v *vma) *vma {
	var prev *vma
	if v.start > 0 {
		prev = mm.findVMALocked(v.start - 1)
	}
	if prev != nil && prev.canMergeWith(v) {
		mm.vmas.Delete(v)
		prev.end = v.end
		v.release()
		v = prev
	}
	next, ok := mm.vmas.Get(&vma{start: v.end})
	if ok && v.canMergeWith(next) && (next.anon == v.anon || !mm.hasPagesLocked(next.addrRange())) {
		mm.vmas.Delete(next)
		v.end = next.end
		next.release()
	}
	return v
}

// release drops the references held by v.
func (v *vma) release() {
	if v.file != nil {
		v.file.DecRef()
		v.file = nil
	}
	if v.object != nil {
		v.object.DecRef()
		v.object = nil
	}
}

// VMAs returns all mappings in ascending order.
func (mm *MemoryManager) VMAs() []VMAInfo {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	infos := make([]VMAInfo, 0, mm.vmas.Len())
	mm.vmas.Ascend(func(v *vma) bool {
		infos = append(infos, v.info())
		return true
	})
	return infos
}

// FindVMA returns the mapping containing addr.
func (mm *MemoryManager) FindVMA(addr hostarch.Addr) (VMAInfo, bool) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	if v := mm.findVMALocked(addr); v != nil {
		return v.info(), true
	}
	return VMAInfo{}, false
}

// Executable returns the file of the first mapping marked VM_EXECUTABLE, as
// /proc/[pid]/exe, or nil. The caller owns a reference on the returned file.
func (mm *MemoryManager) Executable() *fs.File {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var exe *fs.File
	mm.vmas.Ascend(func(v *vma) bool {
		if v.file != nil && v.flags()&linux.VM_EXECUTABLE != 0 {
			exe = v.file
			exe.IncRef()
			return false
		}
		return true
	})
	return exe
}
