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

// Package linux contains the constants and types of the Linux ABI that
// checkpoint images refer to.
package linux

// Constants for open(2). Architecture-dependent flags live in file_*.go.
const (
	O_ACCMODE  = 000000003
	O_RDONLY   = 000000000
	O_WRONLY   = 000000001
	O_RDWR     = 000000002
	O_CREAT    = 000000100
	O_EXCL     = 000000200
	O_NOCTTY   = 000000400
	O_TRUNC    = 000001000
	O_APPEND   = 000002000
	O_NONBLOCK = 000004000
	O_DSYNC    = 000010000
	O_ASYNC    = 000020000
	O_NOATIME  = 001000000
	O_CLOEXEC  = 002000000
	O_SYNC     = 004000000
	O_PATH     = 010000000
	O_TMPFILE  = 020000000
)

// FASYNC is the historical name of O_ASYNC.
const FASYNC = O_ASYNC

// File mode bits, from include/uapi/linux/stat.h.
const (
	S_IFMT   = 0170000
	S_IFSOCK = 0140000
	S_IFLNK  = 0120000
	S_IFREG  = 0100000
	S_IFBLK  = 060000
	S_IFDIR  = 040000
	S_IFCHR  = 020000
	S_IFIFO  = 010000

	// PermissionsMask is the mask to apply to file modes for permissions.
	PermissionsMask = 07777
)

// File struct f_mode bits, from include/linux/fs.h.
const (
	FMODE_READ   = 0x1
	FMODE_WRITE  = 0x2
	FMODE_LSEEK  = 0x4
	FMODE_PREAD  = 0x8
	FMODE_PWRITE = 0x10
)

// Character device majors, from include/uapi/linux/major.h.
const (
	MEM_MAJOR               = 1
	TTY_MAJOR               = 4
	TTYAUX_MAJOR            = 5
	MISC_MAJOR              = 10
	UNIX98_PTY_MASTER_MAJOR = 128
	UNIX98_PTY_SLAVE_MAJOR  = 136
)

// TUN_MINOR is the misc minor of /dev/net/tun.
const TUN_MINOR = 200

// DecodeDeviceID decodes a new-style device number into its major and minor
// numbers, like include/linux/kdev_t.h:new_decode_dev.
func DecodeDeviceID(rdev uint32) (uint16, uint32) {
	major := uint16((rdev >> 8) & 0xfff)
	minor := (rdev & 0xff) | ((rdev >> 12) & 0xfff00)
	return major, minor
}

// MakeDeviceID encodes a major and minor device number into a single device
// number, like include/linux/kdev_t.h:new_encode_dev.
func MakeDeviceID(major uint16, minor uint32) uint32 {
	return (minor & 0xff) | ((uint32(major) & 0xfff) << 8) | ((minor >> 8) << 20)
}
