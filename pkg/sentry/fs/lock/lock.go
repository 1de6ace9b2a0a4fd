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

// Package lock is the API for POSIX-style advisory regional file locks and
// BSD-style full file locks.
//
// Callers needing to enforce these types of locks, like sys_fcntl, can call
// LockRegion and UnlockRegion on a thread-safe set of Locks. Locks are
// specific to a unique identifier of the owner. For POSIX locks the owner is
// a descriptor table; for BSD locks it is an open file.
//
// A single owner may hold several non-overlapping regions, of either type.
// Setting a lock over a region an owner already holds replaces the owner's
// lock on the overlapping part, splitting and merging regions as Linux does.
package lock

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// LockType is a type of regional file lock.
type LockType int

// UniqueID is a unique identifier of the holder of a regional file lock.
type UniqueID any

const (
	// ReadLock describes a POSIX regional file lock to be taken
	// read only. There may be multiple of these locks on a single
	// file region as long as there is no writer lock on the same
	// region.
	ReadLock LockType = iota

	// WriteLock describes a POSIX regional file lock to be taken
	// write only. There may be only a single holder of this lock
	// and no read locks.
	WriteLock
)

func (t LockType) String() string {
	switch t {
	case ReadLock:
		return "read"
	case WriteLock:
		return "write"
	default:
		return fmt.Sprintf("LockType(%d)", int(t))
	}
}

// LockEOF is the maximal possible end of a regional file lock.
//
// A BSD-style full file lock can be represented as a regional file lock from
// offset 0 to LockEOF.
const LockEOF = math.MaxInt64

// LockRange is a half-open range [Start, End) of a file.
type LockRange struct {
	Start int64
	End   int64
}

// Length returns the length of the range.
func (r LockRange) Length() int64 {
	return r.End - r.Start
}

// Overlaps returns true if r and o share at least one offset.
func (r LockRange) Overlaps(o LockRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// ComputeRange takes a positive file offset and computes the start of a
// LockRange using start (relative to offset) and the end of the LockRange
// using length. A zero length locks to the end of the file.
func ComputeRange(start, length, offset int64) (LockRange, error) {
	offset += start
	// fcntl(2): "l_start can be a negative number provided the offset
	// does not lie before the start of the file"
	if offset < 0 {
		return LockRange{}, unix.EINVAL
	}

	// fcntl(2): Specifying 0 for l_len has the  special meaning: lock all
	// bytes starting at the location specified by l_whence and l_start
	// through to the end of file, no matter how large the file grows.
	end := int64(LockEOF)
	if length > 0 {
		// fcntl(2): If l_len is positive, then the range to be locked
		// covers bytes l_start up to and including l_start+l_len-1.
		//
		// Since LockRange.End is exclusive we need not -1 from length..
		end = offset + length
	} else if length < 0 {
		// fcntl(2): If l_len is negative, the interval described by
		// lock covers bytes l_start+l_len up to and including l_start-1.
		//
		// Since LockRange.End is exclusive we need not -1 from offset.
		signedEnd := offset
		// Add to offset using a negative length (subtract).
		offset += length
		if offset < 0 {
			return LockRange{}, unix.EINVAL
		}
		if signedEnd < offset {
			return LockRange{}, unix.EOVERFLOW
		}
		// At this point signedEnd cannot be negative,
		// since we asserted that offset is not negative
		// and it is not less than offset.
		end = signedEnd
	}
	// Offset is guaranteed to be positive at this point.
	return LockRange{Start: offset, End: end}, nil
}

// Lock is one held region.
type Lock struct {
	Range LockRange
	Type  LockType
	Owner UniqueID

	// PID is the process ID reported by F_GETLK for POSIX locks.
	PID int32
}

// Locks is a thread-safe set of locks on one file.
//
// The zero value of Locks is an empty set.
type Locks struct {
	mu sync.Mutex

	// held is sorted by (Range.Start, owner insertion). Regions of one
	// owner never overlap each other.
	held []Lock
}

// conflicts returns the first lock held by another owner that conflicts
// with taking t over r.
func (l *Locks) conflictsLocked(uid UniqueID, t LockType, r LockRange) (Lock, bool) {
	for _, h := range l.held {
		if h.Owner == uid || !h.Range.Overlaps(r) {
			continue
		}
		if t == WriteLock || h.Type == WriteLock {
			return h, true
		}
	}
	return Lock{}, false
}

// LockRegion attempts to acquire a typed lock for the uid on a region of a
// file. It returns EAGAIN if another owner holds a conflicting lock. Locks
// here never block.
func (l *Locks) LockRegion(uid UniqueID, pid int32, t LockType, r LockRange) error {
	if r.Start < 0 || r.End <= r.Start {
		return unix.EINVAL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.conflictsLocked(uid, t, r); ok {
		return unix.EAGAIN
	}
	l.removeLocked(uid, r)
	l.held = append(l.held, Lock{Range: r, Type: t, Owner: uid, PID: pid})
	l.mergeLocked(uid)
	return nil
}

// UnlockRegion attempts to release a lock for the uid on a region of a file.
// This operation is always successful, even if there did not exist a lock on
// the requested region held by uid in the first place.
func (l *Locks) UnlockRegion(uid UniqueID, r LockRange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(uid, r)
}

// removeLocked drops uid's locks over r, splitting regions that straddle
// its boundaries.
func (l *Locks) removeLocked(uid UniqueID, r LockRange) {
	kept := l.held[:0:0]
	for _, h := range l.held {
		if h.Owner != uid || !h.Range.Overlaps(r) {
			kept = append(kept, h)
			continue
		}
		if h.Range.Start < r.Start {
			left := h
			left.Range.End = r.Start
			kept = append(kept, left)
		}
		if h.Range.End > r.End {
			right := h
			right.Range.Start = r.End
			kept = append(kept, right)
		}
	}
	l.held = kept
	l.sortLocked()
}

// mergeLocked coalesces adjacent regions of uid with the same type.
func (l *Locks) mergeLocked(uid UniqueID) {
	l.sortLocked()
	out := l.held[:0:0]
	for _, h := range l.held {
		merged := false
		if h.Owner == uid {
			for i := len(out) - 1; i >= 0; i-- {
				p := &out[i]
				if p.Owner == uid && p.Type == h.Type && p.Range.End == h.Range.Start {
					p.Range.End = h.Range.End
					merged = true
					break
				}
			}
		}
		if !merged {
			out = append(out, h)
		}
	}
	l.held = out
}

func (l *Locks) sortLocked() {
	sort.SliceStable(l.held, func(i, j int) bool {
		return l.held[i].Range.Start < l.held[j].Range.Start
	})
}

// TestRegion returns the first lock that would block uid from taking t over
// r, or false if there is none. Compare F_GETLK.
func (l *Locks) TestRegion(uid UniqueID, t LockType, r LockRange) (Lock, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conflictsLocked(uid, t, r)
}

// Held returns a copy of all held locks, ordered by start.
func (l *Locks) Held() []Lock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Lock(nil), l.held...)
}

// ReleaseOwner drops every lock held by uid.
func (l *Locks) ReleaseOwner(uid UniqueID) {
	l.UnlockRegion(uid, LockRange{Start: 0, End: LockEOF})
}
