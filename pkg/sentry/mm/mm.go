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

// Package mm provides a memory management subsystem.
//
// A MemoryManager is an ordered set of vmas. Private mappings keep their
// written pages in the MemoryManager itself; those pages may be shared
// copy-on-write with another MemoryManager whose vma carries the same
// AnonVMA. Shared anonymous and special mappings are backed by a
// MemoryObject, and file mappings read through to their fs.File.
//
// Lock order:
//
//	fs locks, except for memmap.Mappable locks
//		mm.MemoryManager.metadataMu
//			mm.MemoryManager.mappingMu
//				mm.MemoryObject.mu
//
// When two MemoryManagers are locked together (copying pages between
// address spaces), the source is locked before the destination.
package mm

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/rst/pkg/hostarch"
)

// Metadata holds the scalar layout fields of an address space.
type Metadata struct {
	StartCode  hostarch.Addr
	EndCode    hostarch.Addr
	StartData  hostarch.Addr
	EndData    hostarch.Addr
	StartBrk   hostarch.Addr
	Brk        hostarch.Addr
	StartStack hostarch.Addr
	ArgStart   hostarch.Addr
	ArgEnd     hostarch.Addr
	EnvStart   hostarch.Addr
	EnvEnd     hostarch.Addr

	// DefFlags are VM_* flags applied to new mappings (VM_LOCKED after
	// mlockall(MCL_FUTURE)).
	DefFlags uint64

	// Dumpable is the value of prctl(PR_GET_DUMPABLE).
	Dumpable uint32

	// DumpFilter is the coredump filter of /proc/[pid]/coredump_filter.
	DumpFilter uint32
}

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	// users is the number of references to the MemoryManager that are
	// attached to tasks.
	users atomic.Int32

	// mappingMu is analogous to Linux's struct mm_struct::mmap_sem.
	mappingMu sync.RWMutex

	// vmas stores virtual memory areas ordered by start address. vmas is
	// protected by mappingMu.
	vmas *btree.BTreeG[*vma]

	// private stores the anonymous pages of private mappings, keyed by
	// page address. private is protected by mappingMu.
	private map[hostarch.Addr]*page

	// lazy are the ranges whose missing private pages are read from a
	// PageSource. lazy is protected by mappingMu.
	lazy []*lazyRange

	// usageAS is the total length of vmas, checked against RLIMIT_AS.
	// usageAS is protected by mappingMu.
	usageAS uint64

	// lockedAS is the combined size in bytes of all vmas with VM_LOCKED.
	// lockedAS is protected by mappingMu.
	lockedAS uint64

	// metadataMu protects the fields below.
	metadataMu sync.Mutex

	meta Metadata

	// ldt is the raw local descriptor table.
	ldt []byte

	// aioContexts are the AIO contexts of this address space, keyed by
	// ring address.
	aioContexts map[hostarch.Addr]*AIOContext
}

// NewMemoryManager returns a new, empty MemoryManager with one user.
func NewMemoryManager() *MemoryManager {
	mm := &MemoryManager{
		vmas:        btree.NewG(16, vmaLess),
		private:     make(map[hostarch.Addr]*page),
		aioContexts: make(map[hostarch.Addr]*AIOContext),
	}
	mm.users.Store(1)
	return mm
}

// IncUsers increments mm's user count and returns true. If the user count is
// already 0, IncUsers does nothing and returns false.
func (mm *MemoryManager) IncUsers() bool {
	for {
		users := mm.users.Load()
		if users == 0 {
			return false
		}
		if mm.users.CompareAndSwap(users, users+1) {
			return true
		}
	}
}

// DecUsers decrements mm's user count. If the user count reaches 0, all
// mappings in mm are unmapped.
func (mm *MemoryManager) DecUsers() {
	if users := mm.users.Add(-1); users > 0 {
		return
	} else if users < 0 {
		panic("Invalid MemoryManager.users")
	}
	mm.Clear()
}

// Users returns the number of tasks using mm.
func (mm *MemoryManager) Users() int32 {
	return mm.users.Load()
}

// Metadata returns the scalar layout fields of mm.
func (mm *MemoryManager) Metadata() Metadata {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	return mm.meta
}

// SetMetadata sets the scalar layout fields of mm.
func (mm *MemoryManager) SetMetadata(m Metadata) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	mm.meta = m
}

// LDT returns a copy of the local descriptor table.
func (mm *MemoryManager) LDT() []byte {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	return append([]byte(nil), mm.ldt...)
}

// SetLDT replaces the local descriptor table.
func (mm *MemoryManager) SetLDT(ldt []byte) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	mm.ldt = append([]byte(nil), ldt...)
}

// VirtualMemorySize returns the combined length in bytes of all mappings in
// mm.
func (mm *MemoryManager) VirtualMemorySize() uint64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.usageAS
}

// LockedMemorySize returns the combined length in bytes of all locked
// mappings in mm.
func (mm *MemoryManager) LockedMemorySize() uint64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.lockedAS
}

// ResidentSetSize returns the number of bytes of private pages present in
// mm.
func (mm *MemoryManager) ResidentSetSize() uint64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return uint64(len(mm.private)) * hostarch.PageSize
}
