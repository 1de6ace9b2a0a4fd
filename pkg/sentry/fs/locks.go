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
	"gvisor.dev/rst/pkg/sentry/fs/lock"
)

// LockKind is the kind of a BSD lock.
type LockKind int

// Kinds of BSD locks.
const (
	SharedLock LockKind = iota
	ExclusiveLock
)

var fullFile = lock.LockRange{Start: 0, End: lock.LockEOF}

func lockTypeOf(k LockKind) lock.LockType {
	if k == ExclusiveLock {
		return lock.WriteLock
	}
	return lock.ReadLock
}
