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

package mm

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/hostarch"
)

// IOOpts control the behavior of MemoryManager I/O.
type IOOpts struct {
	// If IgnorePermissions is true, application-defined memory protections
	// set by mmap(2) or mprotect(2) will be ignored, as for ptrace
	// PTRACE_POKEDATA. Restore writes with IgnorePermissions set.
	IgnorePermissions bool
}

func (mm *MemoryManager) checkAccess(v *vma, at hostarch.AccessType, opts IOOpts) error {
	perms := v.realPerms
	if opts.IgnorePermissions {
		perms = v.maxPerms.Union(hostarch.Read)
		if v.private {
			// Forced writes to private mappings break COW, as
			// mm/gup.c:FOLL_FORCE does.
			perms.Write = true
		}
	}
	if at.Read && !perms.Read || at.Write && !perms.Write {
		return unix.EFAULT
	}
	return nil
}

// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
// returns the number of bytes copied; on error, the copy stops at the first
// inaccessible byte.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	return mm.withPages(addr, len(src), hostarch.Write, opts, func(v *vma, pageAddr hostarch.Addr, off int, n int, done int) error {
		return mm.writeLocked(v, pageAddr, off, src[done:done+n])
	})
}

// CopyIn copies len(dst) bytes from the memory mapped at addr to dst. It
// returns the number of bytes copied.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	var buf [hostarch.PageSize]byte
	return mm.withPages(addr, len(dst), hostarch.Read, opts, func(v *vma, pageAddr hostarch.Addr, off int, n int, done int) error {
		if p, ok := mm.private[pageAddr]; ok && v.private {
			copy(dst[done:done+n], p.data[off:])
			return nil
		}
		if err := mm.readBackingLocked(v, pageAddr, buf[:]); err != nil {
			return err
		}
		copy(dst[done:done+n], buf[off:])
		return nil
	})
}

// ZeroOut sets length bytes at addr to zero.
func (mm *MemoryManager) ZeroOut(addr hostarch.Addr, length int, opts IOOpts) (int, error) {
	var zeroes [hostarch.PageSize]byte
	return mm.withPages(addr, length, hostarch.Write, opts, func(v *vma, pageAddr hostarch.Addr, off int, n int, _ int) error {
		return mm.writeLocked(v, pageAddr, off, zeroes[:n])
	})
}

// withPages calls fn for each page piece of [addr, addr+length). Write
// access locks mm.mappingMu for writing since it may create private pages.
func (mm *MemoryManager) withPages(addr hostarch.Addr, length int, at hostarch.AccessType, opts IOOpts, fn func(v *vma, pageAddr hostarch.Addr, off, n, done int) error) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if _, ok := addr.AddLength(uint64(length)); !ok {
		return 0, unix.EFAULT
	}
	if at.Write {
		mm.mappingMu.Lock()
		defer mm.mappingMu.Unlock()
	} else {
		mm.mappingMu.RLock()
		defer mm.mappingMu.RUnlock()
	}

	done := 0
	for done < length {
		cur := addr + hostarch.Addr(done)
		v := mm.findVMALocked(cur)
		if v == nil {
			return done, unix.EFAULT
		}
		if err := mm.checkAccess(v, at, opts); err != nil {
			return done, err
		}
		pageAddr := cur.RoundDown()
		off := int(cur - pageAddr)
		n := min(length-done, hostarch.PageSize-off)
		if err := fn(v, pageAddr, off, n, done); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// writeLocked writes src at off within the page at pageAddr of v.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) writeLocked(v *vma, pageAddr hostarch.Addr, off int, src []byte) error {
	if v.private {
		p, err := mm.privatePageLocked(v, pageAddr)
		if err != nil {
			return err
		}
		copy(p.data[off:], src)
		return nil
	}
	pos := int64(v.offsetOf(pageAddr)) + int64(off)
	switch {
	case v.object != nil:
		_, err := v.object.WriteAt(src, pos)
		return err
	case v.file != nil:
		for len(src) > 0 {
			n, err := v.file.WriteAt(src, pos)
			if err != nil {
				return err
			}
			src = src[n:]
			pos += int64(n)
		}
		return nil
	default:
		return unix.EFAULT
	}
}
