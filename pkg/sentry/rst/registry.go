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

package rst

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/image"
)

type posKey struct {
	kind image.ObjectKind
	pos  image.Pos
}

type indexKey struct {
	kind  image.ObjectKind
	index uint64
}

// entry is a registered object.
type entry struct {
	kind image.ObjectKind
	pos  image.Pos
	obj  any

	// release drops the registry's reference on obj.
	release func()
}

// Registry maps image records to the live objects restored from them. It
// holds one reference on every object until Release.
//
// Objects are found by (kind, position), and optionally by (kind, index)
// for identities that are not positions, such as anonymous memory groups.
// Index keys may be invalidated; position keys are permanent.
type Registry struct {
	mu       sync.RWMutex
	byPos    map[posKey]*entry
	byIndex  map[indexKey]*entry
	order    []*entry
	released bool
}

func newRegistry() *Registry {
	return &Registry{
		byPos:   make(map[posKey]*entry),
		byIndex: make(map[indexKey]*entry),
	}
}

// Lookup returns the object registered for the record at pos.
func (r *Registry) Lookup(kind image.ObjectKind, pos image.Pos) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byPos[posKey{kind, pos}]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// Register records obj as restored from the record at pos. The registry
// takes ownership of the caller's reference, which release drops. A second
// registration of the same record fails with EEXIST: it means a shared
// object was restored twice.
func (r *Registry) Register(kind image.ObjectKind, pos image.Pos, obj any, release func()) error {
	if pos.IsNull() {
		return fmt.Errorf("registering %v at null position: %w", kind, unix.EINVAL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return fmt.Errorf("registering %v @%d after release: %w", kind, pos, unix.ESRCH)
	}
	k := posKey{kind, pos}
	if _, ok := r.byPos[k]; ok {
		return fmt.Errorf("%v @%d registered twice: %w", kind, pos, unix.EEXIST)
	}
	e := &entry{kind: kind, pos: pos, obj: obj, release: release}
	r.byPos[k] = e
	r.order = append(r.order, e)
	return nil
}

// SetIndex makes the object registered for (kind, pos) also reachable as
// (kind, index).
func (r *Registry) SetIndex(kind image.ObjectKind, pos image.Pos, index uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPos[posKey{kind, pos}]
	if !ok {
		return fmt.Errorf("indexing unregistered %v @%d: %w", kind, pos, unix.ENOENT)
	}
	k := indexKey{kind, index}
	if old, ok := r.byIndex[k]; ok && old != e {
		return fmt.Errorf("%v index %d already names @%d: %w", kind, index, old.pos, unix.EEXIST)
	}
	r.byIndex[k] = e
	return nil
}

// LookupIndex returns the object with the given index.
func (r *Registry) LookupIndex(kind image.ObjectKind, index uint64) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byIndex[indexKey{kind, index}]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// InvalidateIndex forgets the index key. The object stays registered by
// position.
func (r *Registry) InvalidateIndex(kind image.ObjectKind, index uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byIndex, indexKey{kind, index})
}

// Each calls fn for every object of kind, in registration order.
func (r *Registry) Each(kind image.ObjectKind, fn func(pos image.Pos, obj any) error) error {
	r.mu.RLock()
	var es []*entry
	for _, e := range r.order {
		if e.kind == kind {
			es = append(es, e)
		}
	}
	r.mu.RUnlock()
	for _, e := range es {
		if err := fn(e.pos, e.obj); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of registered objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Release drops every reference the registry holds, newest first. It is
// safe to call more than once.
func (r *Registry) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	order := r.order
	r.order = nil
	r.byPos = make(map[posKey]*entry)
	r.byIndex = make(map[indexKey]*entry)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if e := order[i]; e.release != nil {
			e.release()
		}
	}
}
