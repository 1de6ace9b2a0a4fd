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
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/hostarch"
)

// ErrAnonMismatch is returned by ShareAnonPages when the two ranges do not
// carry the same anonymous identity.
var ErrAnonMismatch = errors.New("anonymous identity mismatch")

// PageSource supplies page contents on first touch.
type PageSource interface {
	// ReadPage fills dst, which is one page long, with the contents of
	// page index.
	ReadPage(index uint64, dst []byte) error
}

// page is one page of private anonymous memory. A page referenced by more
// than one MemoryManager is copied before it is written.
type page struct {
	refs atomic.Int32
	data [hostarch.PageSize]byte
}

func newPage() *page {
	p := &page{}
	p.refs.Store(1)
	return p
}

func (p *page) decRef() {
	if p.refs.Add(-1) < 0 {
		panic("page refcount below zero")
	}
}

// hasPagesLocked returns whether any private page is present in ar.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) hasPagesLocked(ar hostarch.AddrRange) bool {
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if _, ok := mm.private[addr]; ok {
			return true
		}
	}
	return false
}

// dropPagesLocked releases the private pages in ar.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) dropPagesLocked(ar hostarch.AddrRange) {
	if uint64(len(mm.private)) < ar.Length()/hostarch.PageSize {
		for addr, p := range mm.private {
			if ar.Contains(addr) {
				p.decRef()
				delete(mm.private, addr)
			}
		}
		return
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if p, ok := mm.private[addr]; ok {
			p.decRef()
			delete(mm.private, addr)
		}
	}
}

// readBackingLocked fills dst with the contents v has at the page at addr
// when no private page is present.
//
// Preconditions: mm.mappingMu must be locked. addr is page-aligned and
// within v. len(dst) == hostarch.PageSize.
func (mm *MemoryManager) readBackingLocked(v *vma, addr hostarch.Addr, dst []byte) error {
	if v.private {
		if l := mm.lazyAtLocked(addr); l != nil {
			if err := l.src.ReadPage(l.pageIndex(addr), dst); err != nil {
				return fmt.Errorf("faulting in page %v: %w", addr, err)
			}
			return nil
		}
	}
	switch {
	case v.object != nil:
		v.object.readPage(v.offsetOf(addr)/hostarch.PageSize, dst)
		return nil
	case v.file != nil:
		n, err := v.file.ReadAt(dst, int64(v.offsetOf(addr)))
		if err != nil && err != io.EOF {
			return fmt.Errorf("reading %v at %#x: %w", v.file, v.offsetOf(addr), err)
		}
		// Past EOF reads as zero, as SIGBUS is not modeled.
		clear(dst[n:])
		return nil
	default:
		clear(dst)
		return nil
	}
}

// privatePageLocked returns the private page at addr for writing, breaking
// copy-on-write sharing and populating it from the backing as needed.
//
// Preconditions: mm.mappingMu must be locked for writing. v is private.
func (mm *MemoryManager) privatePageLocked(v *vma, addr hostarch.Addr) (*page, error) {
	if p, ok := mm.private[addr]; ok {
		if p.refs.Load() == 1 {
			return p, nil
		}
		np := newPage()
		np.data = p.data
		p.decRef()
		mm.private[addr] = np
		return np, nil
	}
	p := newPage()
	if err := mm.readBackingLocked(v, addr, p.data[:]); err != nil {
		return nil, err
	}
	mm.private[addr] = p
	return p, nil
}

// ShareAnonPages makes the private pages of src in ar shared copy-on-write
// with mm, at the same addresses. Every vma of both MemoryManagers in ar
// must be private and carry the same AnonVMA, otherwise ErrAnonMismatch is
// returned and nothing changes. Pages not present in src are populated in
// mm from src's backing.
func (mm *MemoryManager) ShareAnonPages(src *MemoryManager, ar hostarch.AddrRange) error {
	if !ar.WellFormed() || !ar.IsPageAligned() || ar.Length() == 0 {
		return unix.EINVAL
	}
	if src == mm {
		return nil
	}
	src.mappingMu.RLock()
	defer src.mappingMu.RUnlock()
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		sv, dv := src.findVMALocked(addr), mm.findVMALocked(addr)
		if sv == nil || dv == nil {
			return unix.EFAULT
		}
		if !sv.private || !dv.private || sv.anon == nil || sv.anon != dv.anon {
			return ErrAnonMismatch
		}
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if old, ok := mm.private[addr]; ok {
			old.decRef()
			delete(mm.private, addr)
		}
		if p, ok := src.private[addr]; ok {
			p.refs.Add(1)
			mm.private[addr] = p
			continue
		}
		p := newPage()
		if err := src.readBackingLocked(src.findVMALocked(addr), addr, p.data[:]); err != nil {
			return err
		}
		mm.private[addr] = p
	}
	return nil
}

// SharesPage returns whether mm and other reference the same private page
// at addr.
func (mm *MemoryManager) SharesPage(other *MemoryManager, addr hostarch.Addr) bool {
	addr = addr.RoundDown()
	mm.mappingMu.RLock()
	p := mm.private[addr]
	mm.mappingMu.RUnlock()
	other.mappingMu.RLock()
	q := other.private[addr]
	other.mappingMu.RUnlock()
	return p != nil && p == q
}

// lazyRange satisfies first touches of a range of private memory from a
// PageSource.
type lazyRange struct {
	ar  hostarch.AddrRange
	src PageSource

	// index is the page of src at ar.Start.
	index uint64
}

func (l *lazyRange) pageIndex(addr hostarch.Addr) uint64 {
	return l.index + uint64(addr-l.ar.Start)/hostarch.PageSize
}

// lazyAtLocked returns the lazy range containing addr, or nil.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) lazyAtLocked(addr hostarch.Addr) *lazyRange {
	for _, l := range mm.lazy {
		if l.ar.Contains(addr) {
			return l
		}
	}
	return nil
}

// dropLazyLocked forgets lazy state in ar.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) dropLazyLocked(ar hostarch.AddrRange) {
	var kept []*lazyRange
	for _, l := range mm.lazy {
		if !l.ar.Overlaps(ar) {
			kept = append(kept, l)
			continue
		}
		if l.ar.Start < ar.Start {
			kept = append(kept, &lazyRange{
				ar:    hostarch.AddrRange{Start: l.ar.Start, End: ar.Start},
				src:   l.src,
				index: l.index,
			})
		}
		if ar.End < l.ar.End {
			kept = append(kept, &lazyRange{
				ar:    hostarch.AddrRange{Start: ar.End, End: l.ar.End},
				src:   l.src,
				index: l.pageIndex(ar.End),
			})
		}
	}
	mm.lazy = kept
}

// SetLazy arranges for the pages of ar, which must be covered by private
// vmas without present pages, to be read from src on first touch. The page
// at ar.Start is page index of src.
func (mm *MemoryManager) SetLazy(ar hostarch.AddrRange, src PageSource, index uint64) error {
	if !ar.WellFormed() || !ar.IsPageAligned() || ar.Length() == 0 {
		return unix.EINVAL
	}
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	vs := mm.vmasInRangeLocked(ar)
	if err := checkCovered(vs, ar); err != nil {
		return err
	}
	for _, v := range vs {
		if !v.private {
			return unix.EINVAL
		}
	}
	if mm.hasPagesLocked(ar) {
		return unix.EBUSY
	}
	mm.dropLazyLocked(ar)
	mm.lazy = append(mm.lazy, &lazyRange{ar: ar, src: src, index: index})
	return nil
}

// LazyBytes returns the number of bytes still to be faulted in from a
// PageSource.
func (mm *MemoryManager) LazyBytes() uint64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var n uint64
	for _, l := range mm.lazy {
		for addr := l.ar.Start; addr < l.ar.End; addr += hostarch.PageSize {
			if _, ok := mm.private[addr]; !ok {
				n += hostarch.PageSize
			}
		}
	}
	return n
}

// Populate faults in every private page of ar that is not yet present and
// forgets the lazy state of ar.
func (mm *MemoryManager) Populate(ar hostarch.AddrRange) error {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	vs := mm.vmasInRangeLocked(ar)
	if err := checkCovered(vs, ar); err != nil {
		return err
	}
	for _, v := range vs {
		if !v.private {
			continue
		}
		r := v.addrRange().Intersect(ar)
		for addr := r.Start; addr < r.End; addr += hostarch.PageSize {
			if _, ok := mm.private[addr]; ok {
				continue
			}
			if _, err := mm.privatePageLocked(v, addr); err != nil {
				return err
			}
		}
	}
	mm.dropLazyLocked(ar)
	return nil
}

// checkCovered returns EFAULT unless vs covers ar without holes.
func checkCovered(vs []*vma, ar hostarch.AddrRange) error {
	next := ar.Start
	for _, v := range vs {
		if v.start > next {
			return unix.EFAULT
		}
		next = v.end
	}
	if next < ar.End {
		return unix.EFAULT
	}
	return nil
}
