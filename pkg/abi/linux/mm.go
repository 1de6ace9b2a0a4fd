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

package linux

// Protections for mmap(2) and mprotect(2).
const (
	PROT_NONE      = 0
	PROT_READ      = 1 << 0
	PROT_WRITE     = 1 << 1
	PROT_EXEC      = 1 << 2
	PROT_GROWSDOWN = 1 << 24
	PROT_GROWSUP   = 1 << 25
)

// Flags for mmap(2).
const (
	MAP_SHARED     = 1 << 0
	MAP_PRIVATE    = 1 << 1
	MAP_FIXED      = 1 << 4
	MAP_ANONYMOUS  = 1 << 5
	MAP_GROWSDOWN  = 1 << 8
	MAP_DENYWRITE  = 1 << 11
	MAP_EXECUTABLE = 1 << 12
	MAP_LOCKED     = 1 << 13
	MAP_NORESERVE  = 1 << 14
)

// VM flags, from include/linux/mm.h. These are the flags a captured mapping
// record carries.
const (
	VM_READ       = 0x00000001
	VM_WRITE      = 0x00000002
	VM_EXEC       = 0x00000004
	VM_SHARED     = 0x00000008
	VM_MAYREAD    = 0x00000010
	VM_MAYWRITE   = 0x00000020
	VM_MAYEXEC    = 0x00000040
	VM_MAYSHARE   = 0x00000080
	VM_GROWSDOWN  = 0x00000100
	VM_GROWSUP    = 0x00000200
	VM_DENYWRITE  = 0x00000800
	VM_EXECUTABLE = 0x00001000
	VM_LOCKED     = 0x00002000
	VM_IO         = 0x00004000
	VM_SEQ_READ   = 0x00008000
	VM_RAND_READ  = 0x00010000
	VM_DONTCOPY   = 0x00020000
	VM_DONTEXPAND = 0x00040000
	VM_ACCOUNT    = 0x00100000
	VM_NORESERVE  = 0x00200000

	// VM_READHINTMASK covers the madvise(2) read-ahead hints.
	VM_READHINTMASK = VM_SEQ_READ | VM_RAND_READ
)

// Page protection bits as stored in vm_page_prot on x86-64.
const (
	PAGE_PRESENT = 1 << 0
	PAGE_RW      = 1 << 1
	PAGE_USER    = 1 << 2
	PAGE_NX      = 1 << 63
)

// MMF_DUMP_FILTER_DEFAULT is the default coredump filter, from
// include/linux/sched/coredump.h.
const (
	MMF_DUMPABLE_BITS       = 2
	MMF_DUMP_FILTER_DEFAULT = 0x33
)

// LDTEntrySize is the size of a single local descriptor table entry.
const LDTEntrySize = 8
