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

// Package auth implements the credentials model of restored tasks: user and
// group IDs, supplementary groups, and capability sets.
package auth

import "fmt"

// KUID is a user ID as seen by the host.
type KUID uint32

// KGID is a group ID as seen by the host.
type KGID uint32

const (
	// RootKUID is the KUID of the superuser.
	RootKUID = KUID(0)

	// RootKGID is the KGID of the superuser's group.
	RootKGID = KGID(0)

	// NoID is uint32(-1). -1 is consistently used as a special value, in
	// Linux and by extension in the auth package, to mean "no ID".
	NoID = ^uint32(0)
)

func (uid KUID) String() string {
	return fmt.Sprintf("%d", uint32(uid))
}

func (gid KGID) String() string {
	return fmt.Sprintf("%d", uint32(gid))
}
