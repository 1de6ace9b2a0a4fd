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

// Commands from linux/fcntl.h.
const (
	F_GETFD  = 1
	F_SETFD  = 2
	F_GETFL  = 3
	F_SETFL  = 4
	F_GETLK  = 5
	F_SETLK  = 6
	F_SETLKW = 7
	F_SETOWN = 8
	F_GETOWN = 9
)

// Flags for fcntl.
const (
	FD_CLOEXEC = 00000001
)

// Lock types for struct flock.
const (
	F_RDLCK = 0
	F_WRLCK = 1
	F_UNLCK = 2
)

// Lock flavours, from include/linux/filelock.h.
const (
	FL_POSIX = 1
	FL_FLOCK = 2
	FL_SLEEP = 128
)

// Operations for flock(2).
const (
	LOCK_SH = 1
	LOCK_EX = 2
	LOCK_NB = 4
	LOCK_UN = 8
)
