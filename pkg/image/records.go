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

package image

// Pos is an absolute byte offset in an image.
type Pos uint64

// NullPos is the position of an absent object.
const NullPos Pos = ^Pos(0)

// IsNull returns true if p refers to no object.
func (p Pos) IsNull() bool {
	return p == NullPos
}

// RLimit is a recorded resource limit.
type RLimit struct {
	Cur uint64
	Max uint64
}

// NumRLimits is the number of recorded resource limits.
const NumRLimits = 16

// MaxGroups is the maximum number of recorded supplementary groups.
const MaxGroups = 32

// Restart block kinds recorded in Task.RestartKind.
const (
	RestartNone uint32 = iota
	RestartNanosleep
	RestartPoll
	RestartFutexWait
)

// Task is the payload of a TASK object. Nested objects: SIGQUEUE.
type Task struct {
	PID     int32
	TGID    int32
	PPID    int32
	RPPID   int32
	Leader  int32
	PGRP    int32
	Session int32

	State        uint32
	ExitState    uint32
	ExitCode     int32
	PdeathSignal int32
	Personality  uint32
	Flags        uint32
	Comm         [16]byte

	MM      Pos
	Files   Pos
	FS      Pos
	SigHand Pos
	Signal  Pos

	UID     uint32
	EUID    uint32
	SUID    uint32
	FSUID   uint32
	GID     uint32
	EGID    uint32
	SGID    uint32
	FSGID   uint32
	NGroups uint32
	Groups  [MaxGroups]uint32

	CapEffective   uint64
	CapPermitted   uint64
	CapInheritable uint64
	KeepCaps       uint32

	Blocked uint64

	RestartKind     uint32
	RestartDeadline int64
	RestartArgs     [4]uint64

	ITRealValue    int64
	ITRealInterval int64
	ITVirtValue    int64
	ITVirtInterval int64
	ITProfValue    int64
	ITProfInterval int64

	RLimits [NumRLimits]RLimit

	// Securebits is present from version 2.
	Securebits uint32
}

// SecurebitKeepCaps is the keep-caps securebit.
const SecurebitKeepCaps = 1 << 4

// Name returns the task's command name.
func (t *Task) Name() string {
	for i, c := range t.Comm {
		if c == 0 {
			return string(t.Comm[:i])
		}
	}
	return string(t.Comm[:])
}

func (t *Task) gate(version uint32) {
	if version < 2 {
		t.Securebits = 0
		if t.KeepCaps != 0 {
			t.Securebits = SecurebitKeepCaps
		}
	}
}

// SigHand is the payload of a SIGHAND object. Nested objects: SIGACTION.
type SigHand struct {
	Flags uint32
}

// SigAction is the payload of a SIGACTION object.
type SigAction struct {
	Signo    int32
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

// SigQueue is the payload of a SIGQUEUE object, one pending signal.
type SigQueue struct {
	Signo  int32
	Code   int32
	PID    int32
	UID    uint32
	Shared uint32
}

// MM is the payload of an MM object. Nested objects: VMA, BITS (LDT) and
// AIOCTX.
type MM struct {
	StartCode  uint64
	EndCode    uint64
	StartData  uint64
	EndData    uint64
	StartBrk   uint64
	Brk        uint64
	StartStack uint64
	StartArg   uint64
	EndArg     uint64
	StartEnv   uint64
	EndEnv     uint64
	DefFlags   uint64
	Dumpable   uint32

	// DumpFilter is present from version 2.
	DumpFilter uint32
}

// DefaultDumpFilter is the core dump filter of images that predate it.
const DefaultDumpFilter = 0x33

func (m *MM) gate(version uint32) {
	if version < 2 {
		m.DumpFilter = DefaultDumpFilter
	}
}

// VMA types.
const (
	VMANormal uint32 = iota
	VMAVDSO
	VMASysVShm
)

// VMA is the payload of a VMA object. Nested objects: PAGES, REMAPPAGES,
// COPYPAGES, LAZYPAGES and ITERPAGES.
type VMA struct {
	Start  uint64
	End    uint64
	Pgoff  uint64
	Flags  uint64
	Pgprot uint64
	File   Pos
	Type   uint32

	// AnonVMAID identifies the anonymous-sharing group. Zero means none.
	AnonVMAID uint64
}

// Pages is the payload of a PAGES object. With ContentData the bytes of
// [Start, End) follow; with ContentVoid the range is zero-filled.
type Pages struct {
	Start uint64
	End   uint64
}

// RemapPages is the payload of a REMAPPAGES object.
type RemapPages struct {
	Start uint64
	End   uint64
	Pgoff uint64
}

// CopyPages is the payload of a COPYPAGES object. Source is the MM object of
// the address space to copy from.
type CopyPages struct {
	Start  uint64
	End    uint64
	Source Pos
}

// LazyPages is the payload of a LAZYPAGES object. Index locates the first
// page in the lazy page source.
type LazyPages struct {
	Start uint64
	End   uint64
	Index uint64
}

// IterPages is the payload of an ITERPAGES object. An array of positions
// follows, one per page, each naming a page of data in the image.
type IterPages struct {
	Start uint64
	End   uint64
}

// Bits is the payload of a BITS object. Size bytes follow.
type Bits struct {
	Size uint32
}

// AIOContext is the payload of an AIOCTX object.
type AIOContext struct {
	Mmap     uint64
	MaxReqs  uint32
	RingPage uint32
	Nr       uint32
}

// File LFlags.
const (
	FileDeleted uint32 = 1 << iota
	FileCloning
	FileProc
	FileHardlinked
	FileEpoll
	FileSignalfd
	FileEventfd
	FileExternal
)

// File is the payload of a FILE object. Nested objects: NAME (path) and LOCK.
type File struct {
	Flags  uint32
	Mode   uint32
	Offset int64
	UID    uint32
	GID    uint32
	IMode  uint32
	LFlags uint32
	Inode  Pos

	// Priv holds the signal mask of a signalfd or the counter of an
	// eventfd.
	Priv uint64

	FownFD    int32
	FownPID   int32
	FownUID   uint32
	FownEUID  uint32
	FownSigno int32
}

// Lock is the payload of a LOCK object.
type Lock struct {
	// Owner is the index of the FILES object owning a POSIX lock.
	Owner uint32
	PID   int32
	Start int64
	// End is inclusive; -1 locks to end of file.
	End   int64
	Flags uint32
	Type  uint32
}

// Inode is the payload of an INODE object. Nested objects: BITS (pipe
// buffer) and PAGES (file content).
type Inode struct {
	Mode  uint32
	Rdev  uint32
	Size  int64
	UID   uint32
	GID   uint32
	Atime int64
	Mtime int64
	Ctime int64
	Magic uint64
	Nlink uint32
}

// FileTable is the payload of a FILES object. Nested objects: FILEDESC.
type FileTable struct {
	Index  uint32
	MaxFDs uint32
	NextFD int32
}

// FileDesc is the payload of a FILEDESC object.
type FileDesc struct {
	FD    int32
	File  Pos
	Flags uint32
}

// FS is the payload of an FS object. Nested objects: up to three FILE
// objects for root, cwd and altroot.
type FS struct {
	Umask uint32
}

// Namespace is the payload of a NAMESPACE object. Nested objects: VFSMOUNT.
type Namespace struct {
	Flags uint32
}

// Mount flags.
const (
	MountExternal uint32 = 1 << iota
	MountBind
)

// Mount is the payload of a VFSMOUNT object. Nested objects: NAME for the
// device, mount point and type, a fourth NAME for the bind source when
// MountBind is set, and optionally BITS holding a tar stream.
type Mount struct {
	MntFlags uint64
	Flags    uint32
}

// VEInfo is the payload of a VEINFO object.
type VEInfo struct {
	StartTimeDelta int64
	LastPID        int32
}

// Epoll is the payload of an EPOLL object. Nested objects: EPOLLFD.
type Epoll struct {
	File Pos
}

// EpollItem is the payload of an EPOLLFD object.
type EpollItem struct {
	FD     int32
	File   Pos
	Events uint32
	Data   uint64
}

// Opaque is the payload of an OPAQUE object. Subtype-specific bytes follow.
type Opaque struct {
	Subtype uint32
}

// newPayload returns a defaults-initialized payload for kind, or nil for
// kinds that carry none.
func newPayload(kind ObjectKind) any {
	switch kind {
	case KindTask:
		t := &Task{MM: NullPos, Files: NullPos, FS: NullPos, SigHand: NullPos, Signal: NullPos}
		for i := range t.RLimits {
			t.RLimits[i] = RLimit{Cur: ^uint64(0), Max: ^uint64(0)}
		}
		return t
	case KindSigHand:
		return &SigHand{}
	case KindSigAction:
		return &SigAction{}
	case KindSigQueue:
		return &SigQueue{}
	case KindMM:
		return &MM{DumpFilter: DefaultDumpFilter}
	case KindVMA:
		return &VMA{File: NullPos}
	case KindPages:
		return &Pages{}
	case KindRemapPages:
		return &RemapPages{}
	case KindCopyPages:
		return &CopyPages{Source: NullPos}
	case KindLazyPages:
		return &LazyPages{}
	case KindIterPages:
		return &IterPages{}
	case KindBits:
		return &Bits{}
	case KindAIOContext:
		return &AIOContext{}
	case KindFile:
		return &File{Inode: NullPos, FownFD: -1}
	case KindLock:
		return &Lock{End: -1}
	case KindInode:
		return &Inode{Nlink: 1}
	case KindFileTable:
		return &FileTable{}
	case KindFileDesc:
		return &FileDesc{File: NullPos}
	case KindFS:
		return &FS{Umask: 0022}
	case KindNamespace:
		return &Namespace{}
	case KindMount:
		return &Mount{}
	case KindVEInfo:
		return &VEInfo{}
	case KindEpoll:
		return &Epoll{File: NullPos}
	case KindEpollItem:
		return &EpollItem{File: NullPos}
	case KindOpaque:
		return &Opaque{}
	default:
		return nil
	}
}

// versionGated is implemented by payloads with fields that older images
// lack.
type versionGated interface {
	gate(version uint32)
}
