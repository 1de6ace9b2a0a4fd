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

package kernel

import (
	"fmt"
	"sync"

	"gvisor.dev/rst/pkg/refs"
	"gvisor.dev/rst/pkg/sentry/fs"
)

// FSContext contains filesystem context.
//
// This includes umask and working directory.
type FSContext struct {
	refs.AtomicRefCount

	// mu protects below.
	mu sync.Mutex

	// root is the filesystem root. It may be nil.
	root *fs.File

	// cwd is the current working directory. It may be nil.
	cwd *fs.File

	// umask is the current file mode creation mask. When a thread using this
	// context invokes a syscall that creates a file, bits set in umask are
	// removed from the permissions that the file is created with.
	umask uint
}

// NewFSContext returns a new filesystem context. It takes references on
// root and cwd, either of which may be nil.
func NewFSContext(root, cwd *fs.File, umask uint) *FSContext {
	if root != nil {
		root.IncRef()
	}
	if cwd != nil {
		cwd.IncRef()
	}
	f := &FSContext{
		root:  root,
		cwd:   cwd,
		umask: umask,
	}
	refs.Register(f)
	return f
}

// destroy destroys the FSContext.
//
// Preconditions: f must have no refcount.
func (f *FSContext) destroy() {
	// Hold f.mu so that we don't race with RootDirectory() and
	// WorkingDirectory().
	f.mu.Lock()
	root := f.root
	cwd := f.cwd
	f.root = nil
	f.cwd = nil
	f.mu.Unlock()
	if root != nil {
		root.DecRef()
	}
	if cwd != nil {
		cwd.DecRef()
	}
	refs.Unregister(f)
}

// DecRef implements RefCounter.DecRef.
//
// When f reaches zero references, DecRef will be called on both root and cwd.
func (f *FSContext) DecRef() {
	f.DecRefWithDestructor(f.destroy)
}

// RefType implements refs.CheckedObject.RefType.
func (f *FSContext) RefType() string {
	return "kernel.FSContext"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (f *FSContext) LeakMessage() string {
	return fmt.Sprintf("[kernel.FSContext %p] reference count of %d instead of 0", f, f.ReadRefs())
}

// Fork forks this FSContext.
func (f *FSContext) Fork() *FSContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return NewFSContext(f.root, f.cwd, f.umask)
}

// WorkingDirectory returns the current working directory with a reference
// taken, or nil.
func (f *FSContext) WorkingDirectory() *fs.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cwd != nil {
		f.cwd.IncRef()
	}
	return f.cwd
}

// SetWorkingDirectory sets the current working directory.
// This will take an extra reference on the File.
func (f *FSContext) SetWorkingDirectory(d *fs.File) {
	if d == nil {
		panic("FSContext.SetWorkingDirectory called with nil file")
	}
	d.IncRef()
	f.mu.Lock()
	old := f.cwd
	f.cwd = d
	f.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// RootDirectory returns the current filesystem root with a reference taken,
// or nil.
func (f *FSContext) RootDirectory() *fs.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.root != nil {
		f.root.IncRef()
	}
	return f.root
}

// SetRootDirectory sets the root directory.
// This will take an extra reference on the File.
func (f *FSContext) SetRootDirectory(d *fs.File) {
	if d == nil {
		panic("FSContext.SetRootDirectory called with nil file")
	}
	d.IncRef()
	f.mu.Lock()
	old := f.root
	f.root = d
	f.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// Umask returns the current umask.
func (f *FSContext) Umask() uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.umask
}

// SwapUmask atomically sets the current umask and returns the old umask.
func (f *FSContext) SwapUmask(mask uint) uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.umask
	f.umask = mask
	return old
}
