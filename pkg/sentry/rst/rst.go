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

// Package rst restores a process tree from a checkpoint image into a
// kernel.Kernel.
//
// Restore walks the captured ancestry depth first. Every task is built by
// its own goroutine, which signals its parent once it exists, waits for the
// parent to attach its address space, restores the rest of its state and its
// children, and then waits for the whole tree to be resumed or killed. Live
// objects are shared between tasks through a registry keyed by the image
// position they were restored from.
//
// The order is:
//
//	root setup: lock file, clocks, UTS names, fds 0-2, mounts, hooks
//	per task:   mm, credentials, files, fs, signals, timers, children
//	root:       deferred descriptors, epoll, sockets, stray files,
//	            POSIX locks, ttys, fs roots, complete hook, last pid
//
// A failure at any point kills every task built so far and releases every
// registered object before Restore returns.
package rst

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/kernel"
	"gvisor.dev/rst/pkg/sentry/limits"
	"gvisor.dev/rst/pkg/sentry/mm"
)

// LazyPolicy selects how LAZYPAGES records are restored.
type LazyPolicy int

const (
	// LazyFault leaves lazy ranges to be read from Options.PageSource on
	// first touch.
	LazyFault LazyPolicy = iota

	// LazyEager reads lazy ranges from Options.PageSource during restore.
	LazyEager
)

// String implements fmt.Stringer.String.
func (p LazyPolicy) String() string {
	if p == LazyEager {
		return "eager"
	}
	return "fault"
}

// ParseLazyPolicy parses the String form of a LazyPolicy.
func ParseLazyPolicy(s string) (LazyPolicy, error) {
	switch s {
	case "fault":
		return LazyFault, nil
	case "eager":
		return LazyEager, nil
	default:
		return 0, fmt.Errorf("invalid lazy page policy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (p LazyPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (p *LazyPolicy) UnmarshalText(b []byte) error {
	v, err := ParseLazyPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Options configures a restore.
type Options struct {
	// RestoreRoot is the host directory recorded paths are resolved
	// under. Empty means "/".
	RestoreRoot string

	// ScratchDir is where deleted files are recreated when their own
	// directory is not usable. Empty means os.TempDir().
	ScratchDir string

	// Stdio are installed as descriptors 0, 1 and 2 of the root task. The
	// image's own records for those descriptors are used where nil. The
	// caller keeps its references.
	Stdio [3]*fs.File

	// LockFile, if set, is locked for the duration of the restore.
	LockFile string

	// StrictAttributes turns attribute drift (credential and flag
	// mismatches) into errors.
	StrictAttributes bool

	// AllowHardlinked permits deleted files to be restored through a
	// surviving hard link.
	AllowHardlinked bool

	// Lazy and PageSource restore LAZYPAGES records. Images with lazy
	// pages fail to restore without a PageSource.
	Lazy       LazyPolicy
	PageSource mm.PageSource

	// Mounter performs namespace mounts. Nil uses mount(2).
	Mounter Mounter

	// Hooks for state restored outside of this package. A nil hook makes
	// records that need it unsupported.
	Sockets    SocketRestorer
	IPC        IPCRestorer
	Net        NetRestorer
	TTY        TTYRestorer
	Accounting Accounting

	// Complete runs last in root finalization.
	Complete CompleteHook
}

func (o *Options) setDefaults() {
	if o.RestoreRoot == "" {
		o.RestoreRoot = "/"
	}
	if o.ScratchDir == "" {
		o.ScratchDir = os.TempDir()
	}
	if o.Mounter == nil {
		o.Mounter = hostMounter{}
	}
}

// SocketRestorer restores sockets. Restore must register the file of every
// socket it creates with Context.RegisterFile before descriptor tables are
// restored.
type SocketRestorer interface {
	Restore(ctx context.Context, c *Context, objs []*image.Object) error

	// Complete connects restored sockets once every descriptor exists.
	Complete(ctx context.Context, c *Context) error
}

// IPCRestorer restores System V IPC objects.
type IPCRestorer interface {
	Restore(ctx context.Context, c *Context, objs []*image.Object) error

	// Segment returns the memory of the shared memory segment the FILE
	// record at pos stands for. The caller owns a reference.
	Segment(ctx context.Context, c *Context, file image.Pos) (*mm.MemoryObject, error)

	// Stray is given every FILE record no task refers to.
	Stray(ctx context.Context, c *Context, o *image.Object) error
}

// NetRestorer restores network state and tun devices.
type NetRestorer interface {
	Restore(ctx context.Context, c *Context, objs []*image.Object) error

	// OpenTun opens the tun device the FILE record o describes.
	OpenTun(ctx context.Context, c *Context, o *image.Object, flags uint) (*fs.File, error)
}

// TTYRestorer restores terminals.
type TTYRestorer interface {
	// OpenTTY opens the terminal the FILE record o describes.
	OpenTTY(ctx context.Context, c *Context, o *image.Object, flags uint) (*fs.File, error)

	// Restore restores sessions and controlling terminals from the TTY
	// section once every task exists.
	Restore(ctx context.Context, c *Context, objs []*image.Object) error
}

// Accounting is consulted with the resource limits of every restored thread
// group.
type Accounting interface {
	Charge(t *kernel.Task, ls *limits.LimitSet) error
}

// CompleteHook is called once the tree is fully built, before Restore
// returns.
type CompleteHook func(ctx context.Context, c *Context) error

// Mounter performs mounts in the restoring namespace.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
}

type hostMounter struct{}

// Mount implements Mounter.Mount.
func (hostMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}
