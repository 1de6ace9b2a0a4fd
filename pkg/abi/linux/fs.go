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

// Filesystem magic numbers, from include/uapi/linux/magic.h.
const (
	PIPEFS_MAGIC     = 0x50495045
	PROC_SUPER_MAGIC = 0x9fa0
	TMPFS_MAGIC      = 0x01021994
)

// Mount flags, from include/uapi/linux/mount.h.
const (
	MS_RDONLY = 0x1
	MS_NOSUID = 0x2
	MS_NODEV  = 0x4
	MS_NOEXEC = 0x8
	MS_BIND   = 0x1000
	MS_REC    = 0x4000
)
