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

package fs

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/sentry/kernel/auth"
)

// InodeType enumerates types of Inodes.
type InodeType int

const (
	// RegularFile is a regular file.
	RegularFile InodeType = iota

	// SpecialFile is a file that doesn't support SeekEnd. It is used for
	// placeholders of proc files.
	SpecialFile

	// Directory is a directory.
	Directory

	// Symlink is a symbolic link.
	Symlink

	// Pipe is a pipe (named or regular).
	Pipe

	// Socket is a socket.
	Socket

	// CharacterDevice is a character device.
	CharacterDevice

	// BlockDevice is a block device.
	BlockDevice

	// Anonymous is an anonymous type when none of the above apply.
	// Epoll fds and event-driven fds fit this category.
	Anonymous
)

// String returns a human-readable representation of the InodeType.
func (n InodeType) String() string {
	switch n {
	case RegularFile, SpecialFile:
		return "file"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Pipe:
		return "pipe"
	case Socket:
		return "socket"
	case CharacterDevice:
		return "character-device"
	case BlockDevice:
		return "block-device"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// InodeTypeFromMode returns the InodeType of a file mode.
func InodeTypeFromMode(mode uint32) InodeType {
	switch mode & linux.S_IFMT {
	case linux.S_IFREG:
		return RegularFile
	case linux.S_IFDIR:
		return Directory
	case linux.S_IFLNK:
		return Symlink
	case linux.S_IFIFO:
		return Pipe
	case linux.S_IFSOCK:
		return Socket
	case linux.S_IFCHR:
		return CharacterDevice
	case linux.S_IFBLK:
		return BlockDevice
	default:
		return Anonymous
	}
}

// StableAttr contains Inode attributes that will be stable throughout the
// lifetime of the Inode.
type StableAttr struct {
	// Type is the InodeType of the Inode.
	Type InodeType

	// DeviceID is the device on which the Inode resides.
	DeviceID uint64

	// InodeID uniquely identifies the Inode on its device.
	InodeID uint64

	// BlockSize is the block size of data backing this Inode.
	BlockSize int64

	// DeviceFileMajor is the major device number of this Node, if it is a
	// device file.
	DeviceFileMajor uint16

	// DeviceFileMinor is the minor device number of this Node, if it is a
	// device file.
	DeviceFileMinor uint32
}

// stableAttrFromStat converts a host stat into StableAttr.
func stableAttrFromStat(st *unix.Stat_t) StableAttr {
	major, minor := linux.DecodeDeviceID(uint32(st.Rdev))
	return StableAttr{
		Type:            InodeTypeFromMode(st.Mode),
		DeviceID:        uint64(st.Dev),
		InodeID:         st.Ino,
		BlockSize:       int64(st.Blksize),
		DeviceFileMajor: major,
		DeviceFileMinor: minor,
	}
}

// IsRegular returns true if StableAttr.Type matches a regular file.
func IsRegular(s StableAttr) bool {
	return s.Type == RegularFile
}

// IsDir returns true if StableAttr.Type matches a directory.
func IsDir(s StableAttr) bool {
	return s.Type == Directory
}

// IsPipe returns true if StableAttr.Type matches a pipe.
func IsPipe(s StableAttr) bool {
	return s.Type == Pipe
}

// IsCharDevice returns true if StableAttr.Type matches a character device.
func IsCharDevice(s StableAttr) bool {
	return s.Type == CharacterDevice
}

// FileOwner represents ownership of a file.
type FileOwner struct {
	UID auth.KUID
	GID auth.KGID
}

// RootOwner corresponds to KUID/KGID 0/0.
var RootOwner = FileOwner{
	UID: auth.RootKUID,
	GID: auth.RootKGID,
}

// UnstableAttr contains Inode attributes that may change over the lifetime
// of the Inode.
type UnstableAttr struct {
	// Size is the file size in bytes.
	Size int64

	// Perms is the permission bits.
	Perms uint32

	// Owner describes the ownership of this file.
	Owner FileOwner

	// Links is the number of hard links.
	Links uint64

	// AccessTime is the time of last access, in nanoseconds.
	AccessTime int64

	// ModificationTime is the time of last modification, in nanoseconds.
	ModificationTime int64

	// StatusChangeTime is the time of last attribute modification, in
	// nanoseconds.
	StatusChangeTime int64
}

func unstableAttrFromStat(st *unix.Stat_t) UnstableAttr {
	return UnstableAttr{
		Size:             st.Size,
		Perms:            st.Mode & linux.PermissionsMask,
		Owner:            FileOwner{UID: auth.KUID(st.Uid), GID: auth.KGID(st.Gid)},
		Links:            uint64(st.Nlink),
		AccessTime:       st.Atim.Nano(),
		ModificationTime: st.Mtim.Nano(),
		StatusChangeTime: st.Ctim.Nano(),
	}
}
