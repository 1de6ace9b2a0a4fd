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
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/hostarch"
	"gvisor.dev/rst/pkg/refs"
)

// MemoryObject is memory that may be mapped shared by several address
// spaces: shared anonymous memory, System V shared memory segments, and the
// contents of special mappings such as the VDSO or an AIO ring.
//
// A MemoryObject plays the role of a shmem file, and also the role of
// SpecialMappable for mappings installed by the kernel.
type MemoryObject struct {
	refs.AtomicRefCount

	name string
	size uint64

	// mu protects pages.
	mu sync.Mutex

	// pages holds the pages that have been written, by page index.
	pages map[uint64]*[hostarch.PageSize]byte
}

// NewMemoryObject returns a zero-filled MemoryObject of the given size,
// which is rounded up to a page. The name is used in /proc/[pid]/maps.
func NewMemoryObject(name string, size uint64) *MemoryObject {
	size, ok := hostarch.PageRoundUp(size)
	if !ok {
		panic(fmt.Sprintf("memory object size %#x overflows", size))
	}
	o := &MemoryObject{
		name:  name,
		size:  size,
		pages: make(map[uint64]*[hostarch.PageSize]byte),
	}
	refs.Register(o)
	return o
}

// DecRef drops a reference on o.
func (o *MemoryObject) DecRef() {
	o.DecRefWithDestructor(func() {
		o.mu.Lock()
		o.pages = nil
		o.mu.Unlock()
		refs.Unregister(o)
	})
}

// Name returns the name of o.
func (o *MemoryObject) Name() string {
	return o.name
}

// Size returns the size of o in bytes.
func (o *MemoryObject) Size() uint64 {
	return o.size
}

func (o *MemoryObject) readPage(index uint64, dst []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.pages[index]; ok {
		copy(dst, p[:])
		return
	}
	clear(dst)
}

// writePage copies src into page index at off.
func (o *MemoryObject) writePage(index uint64, off int, src []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pages[index]
	if !ok {
		p = new([hostarch.PageSize]byte)
		o.pages[index] = p
	}
	copy(p[off:], src)
}

// ReadAt implements io.ReaderAt.ReadAt. Reads past the end of o are
// truncated.
func (o *MemoryObject) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 {
		return 0, unix.EINVAL
	}
	if uint64(off) >= o.size {
		return 0, io.EOF
	}
	n := 0
	var buf [hostarch.PageSize]byte
	for n < len(dst) && uint64(off)+uint64(n) < o.size {
		pos := uint64(off) + uint64(n)
		o.readPage(pos/hostarch.PageSize, buf[:])
		n += copy(dst[n:], buf[pos%hostarch.PageSize:])
	}
	if uint64(off)+uint64(n) > o.size {
		n = int(o.size - uint64(off))
	}
	return n, nil
}

// WriteAt implements io.WriterAt.WriteAt. Writes past the end of o are
// truncated.
func (o *MemoryObject) WriteAt(src []byte, off int64) (int, error) {
	if off < 0 {
		return 0, unix.EINVAL
	}
	n := 0
	for n < len(src) && uint64(off)+uint64(n) < o.size {
		pos := uint64(off) + uint64(n)
		pageOff := int(pos % hostarch.PageSize)
		m := min(len(src)-n, hostarch.PageSize-pageOff)
		o.writePage(pos/hostarch.PageSize, pageOff, src[n:n+m])
		n += m
	}
	return n, nil
}

// RefType implements refs.CheckedObject.RefType.
func (o *MemoryObject) RefType() string {
	return "mm.MemoryObject"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (o *MemoryObject) LeakMessage() string {
	return fmt.Sprintf("[mm.MemoryObject %p] %q reference count of %d instead of 0", o, o.name, o.ReadRefs())
}
