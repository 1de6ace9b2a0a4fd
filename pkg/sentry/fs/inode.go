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
	"fmt"
	"sync/atomic"

	"gvisor.dev/rst/pkg/refs"
	"gvisor.dev/rst/pkg/sentry/fs/lock"
)

// Inode is a file system object that can be simultaneously referenced by
// several Files, e.g. both ends of a pipe or a file reopened with new flags.
type Inode struct {
	// AtomicRefCount is our reference count.
	refs.AtomicRefCount

	// StableAttr are stable cached attributes of the Inode.
	StableAttr StableAttr

	// LockCtx is the file lock context. It manages its own sychronization and tracks
	// regions of the Inode that have locks held.
	LockCtx LockCtx

	// release is called when the last reference is dropped.
	release func()

	// pipeFilled is set once the recorded pipe buffer has been replayed.
	pipeFilled atomic.Bool
}

// LockCtx is an Inode's lock context and contains different personalities of locks; both
// Posix and BSD style locks are supported.
//
// Note that in Linux fcntl(2) and flock(2) locks are _not_ cooperative, because race and
// deadlock conditions make merging them prohibitive. We do the same and keep them oblivious
// to each other but provide a "context" as a convenient container.
type LockCtx struct {
	// Posix is a set of POSIX-style regional advisory locks, see fcntl(2).
	Posix lock.Locks

	// BSD is a set of BSD-style advisory file wide locks, see flock(2).
	BSD lock.Locks
}

// NewInode constructs an Inode. release, if not nil, runs once the last
// reference is dropped.
func NewInode(sattr StableAttr, release func()) *Inode {
	i := &Inode{
		StableAttr: sattr,
		release:    release,
	}
	refs.Register(i)
	return i
}

// DecRef drops a reference on the Inode.
func (i *Inode) DecRef() {
	i.DecRefWithDestructor(func() {
		if i.release != nil {
			i.release()
		}
		refs.Unregister(i)
	})
}

// MarkPipeFilled records that the pipe buffer of this inode has been
// written. It returns false if it already was.
func (i *Inode) MarkPipeFilled() bool {
	return i.pipeFilled.CompareAndSwap(false, true)
}

// RefType implements refs.CheckedObject.RefType.
func (i *Inode) RefType() string {
	return "fs.Inode"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (i *Inode) LeakMessage() string {
	return fmt.Sprintf("[fs.Inode %p] %s dev=%d ino=%d", i, i.StableAttr.Type, i.StableAttr.DeviceID, i.StableAttr.InodeID)
}
