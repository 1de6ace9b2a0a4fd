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
	"sort"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/hostarch"
)

// AIOContext is an AIO context, as created by io_setup(2). Only its ring
// mapping and geometry are modeled; in-flight requests are not.
type AIOContext struct {
	// Addr is the address of the ring mapping, which is also the context
	// id returned to the application.
	Addr hostarch.Addr

	// MaxReqs is the number of events requested from io_setup(2).
	MaxReqs uint32

	// Nr is the number of completion events the ring can hold.
	Nr uint32

	// Pages is the length of the ring mapping in pages.
	Pages uint64

	// ring is the memory behind the ring mapping. The AIOContext holds a
	// reference on it.
	ring *MemoryObject
}

// Ring returns the memory behind the ring mapping.
func (ctx *AIOContext) Ring() *MemoryObject {
	return ctx.ring
}

// NewAIOContext creates an AIO context whose ring is mapped at addr.
func (mm *MemoryManager) NewAIOContext(addr hostarch.Addr, maxReqs uint32) (*AIOContext, error) {
	if maxReqs == 0 {
		return nil, unix.EINVAL
	}
	nrPages, nr := linux.AIORingGeometry(maxReqs, hostarch.PageSize)
	ring := NewMemoryObject("[aio]", nrPages*hostarch.PageSize)

	if _, err := mm.MMap(MMapOpts{
		Length:   nrPages * hostarch.PageSize,
		Object:   ring,
		Addr:     addr,
		Fixed:    true,
		Perms:    hostarch.ReadWrite,
		MaxPerms: hostarch.ReadWrite,
		Kind:     AIOVMA,
		Hint:     "[aio]",
	}); err != nil {
		ring.DecRef()
		return nil, fmt.Errorf("mapping AIO ring at %v: %w", addr, err)
	}
	ctx := &AIOContext{
		Addr:    addr,
		MaxReqs: maxReqs,
		Nr:      uint32(nr),
		Pages:   nrPages,
		ring:    ring,
	}

	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	mm.aioContexts[addr] = ctx
	return ctx, nil
}

// LookupAIOContext looks up the AIO context with the given id.
func (mm *MemoryManager) LookupAIOContext(id hostarch.Addr) (*AIOContext, bool) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	ctx, ok := mm.aioContexts[id]
	return ctx, ok
}

// AIOContexts returns the AIO contexts of mm ordered by address.
func (mm *MemoryManager) AIOContexts() []*AIOContext {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	ctxs := make([]*AIOContext, 0, len(mm.aioContexts))
	for _, ctx := range mm.aioContexts {
		ctxs = append(ctxs, ctx)
	}
	sort.Slice(ctxs, func(i, j int) bool { return ctxs[i].Addr < ctxs[j].Addr })
	return ctxs
}
