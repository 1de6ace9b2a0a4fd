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

import "fmt"

// SectionKind identifies a top-level section.
type SectionKind uint32

// Section kinds. Each kind appears at most once in an image.
const (
	SectionTasks SectionKind = iota + 1
	SectionMM
	SectionFiles
	SectionInodes
	SectionFileTables
	SectionFS
	SectionNamespace
	SectionVEInfo
	SectionUTSName
	SectionEpoll
	SectionStray
	SectionVDSO
	SectionSockets
	SectionSysVIPC
	SectionNet
	SectionTTY

	sectionKindCount
)

var sectionNames = [...]string{
	SectionTasks:      "tasks",
	SectionMM:         "mm",
	SectionFiles:      "files",
	SectionInodes:     "inodes",
	SectionFileTables: "filetables",
	SectionFS:         "fs",
	SectionNamespace:  "namespace",
	SectionVEInfo:     "veinfo",
	SectionUTSName:    "utsname",
	SectionEpoll:      "epoll",
	SectionStray:      "stray",
	SectionVDSO:       "vdso",
	SectionSockets:    "sockets",
	SectionSysVIPC:    "sysvipc",
	SectionNet:        "net",
	SectionTTY:        "tty",
}

// Valid returns true if k is a known section kind.
func (k SectionKind) Valid() bool {
	return k > 0 && k < sectionKindCount
}

func (k SectionKind) String() string {
	if k.Valid() {
		return sectionNames[k]
	}
	return fmt.Sprintf("section(%d)", uint32(k))
}

// ObjectKind identifies the payload type of an object.
type ObjectKind uint32

// AnyKind may be passed to Image.ReadObject to accept any object kind.
const AnyKind ObjectKind = 0

// Object kinds.
const (
	KindTask ObjectKind = iota + 1
	KindSigHand
	KindSigAction
	KindSigQueue
	KindMM
	KindVMA
	KindPages
	KindRemapPages
	KindCopyPages
	KindLazyPages
	KindIterPages
	KindBits
	KindAIOContext
	KindFile
	KindLock
	KindInode
	KindFileTable
	KindFileDesc
	KindFS
	KindNamespace
	KindMount
	KindVEInfo
	KindName
	KindEpoll
	KindEpollItem
	KindOpaque

	objectKindCount
)

var objectNames = [...]string{
	KindTask:       "TASK",
	KindSigHand:    "SIGHAND",
	KindSigAction:  "SIGACTION",
	KindSigQueue:   "SIGQUEUE",
	KindMM:         "MM",
	KindVMA:        "VMA",
	KindPages:      "PAGES",
	KindRemapPages: "REMAPPAGES",
	KindCopyPages:  "COPYPAGES",
	KindLazyPages:  "LAZYPAGES",
	KindIterPages:  "ITERPAGES",
	KindBits:       "BITS",
	KindAIOContext: "AIOCTX",
	KindFile:       "FILE",
	KindLock:       "LOCK",
	KindInode:      "INODE",
	KindFileTable:  "FILES",
	KindFileDesc:   "FILEDESC",
	KindFS:         "FS",
	KindNamespace:  "NAMESPACE",
	KindMount:      "VFSMOUNT",
	KindVEInfo:     "VEINFO",
	KindName:       "NAME",
	KindEpoll:      "EPOLL",
	KindEpollItem:  "EPOLLFD",
	KindOpaque:     "OPAQUE",
}

// Valid returns true if k is a known object kind.
func (k ObjectKind) Valid() bool {
	return k > 0 && k < objectKindCount
}

func (k ObjectKind) String() string {
	if k.Valid() {
		return objectNames[k]
	}
	if k == AnyKind {
		return "ANY"
	}
	return fmt.Sprintf("OBJ(%d)", uint32(k))
}

// Content describes what follows an object's payload.
type Content uint16

// Content values.
const (
	// ContentVoid means the object carries no data; for page records the
	// range reads as zero.
	ContentVoid Content = iota

	// ContentData means raw bytes follow the payload.
	ContentData

	// ContentArray means an array of little-endian uint64 follows.
	ContentArray

	// ContentName means a name follows, without a terminating NUL.
	ContentName

	// ContentStack means a chain of nested objects follows.
	ContentStack

	// ContentLDT marks BITS holding local descriptor table entries.
	ContentLDT

	// ContentPipeBuf marks BITS holding unread pipe contents.
	ContentPipeBuf

	// ContentTar marks BITS holding a tar stream of a tmpfs mount.
	ContentTar
)

func (c Content) String() string {
	switch c {
	case ContentVoid:
		return "void"
	case ContentData:
		return "data"
	case ContentArray:
		return "array"
	case ContentName:
		return "name"
	case ContentStack:
		return "stack"
	case ContentLDT:
		return "ldt"
	case ContentPipeBuf:
		return "pipebuf"
	case ContentTar:
		return "tar"
	default:
		return fmt.Sprintf("content(%d)", uint16(c))
	}
}
