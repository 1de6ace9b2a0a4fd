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
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/log"
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/kernel"
)

// warnEvery limits repeated drift warnings, which can come once per vma.
const warnEvery = 100 * time.Millisecond

type contextState int

const (
	contextBuilding contextState = iota
	contextBuilt
	contextResumed
	contextKilled
)

// Context is a restore in progress or a restored tree awaiting Resume or
// Kill.
type Context struct {
	id   uuid.UUID
	k    *kernel.Kernel
	img  *image.Image
	opts Options

	log  log.Logger
	warn log.Logger

	reg  *Registry
	jobs fileJobs

	// tasks holds the task records in image order; byPID indexes them.
	tasks []*taskRecord
	byPID map[int32]*taskRecord

	// delta is the wall time between checkpoint and restore.
	delta time.Duration

	// lastPID is the recorded last allocated pid, applied last.
	lastPID int32

	lock *flock.Flock

	// group runs one goroutine per restored task.
	group errgroup.Group

	// killed is closed when the restore is torn down.
	killed   chan struct{}
	killOnce sync.Once

	// mu protects below.
	mu    sync.Mutex
	state contextState
	built []*taskUnit
	root  *taskUnit
	err   error
	nerrs int
}

func newContext(img *image.Image, k *kernel.Kernel, opts Options) *Context {
	id := uuid.New()
	l := log.Prefixed(log.Log(), fmt.Sprintf("rst[%s]: ", id))
	return &Context{
		id:     id,
		k:      k,
		img:    img,
		opts:   opts,
		log:    l,
		warn:   log.RateLimitedLogger(l, warnEvery),
		reg:    newRegistry(),
		byPID:  make(map[int32]*taskRecord),
		killed: make(chan struct{}),
	}
}

// Restore restores the process tree in img into k. The restored tasks stay
// suspended until Resume.
//
// On failure the returned error is an *Error and every task and object
// created so far has already been released.
func Restore(ctx context.Context, img *image.Image, k *kernel.Kernel, opts Options) (*Context, error) {
	opts.setDefaults()
	c := newContext(img, k, opts)
	if err := c.restore(ctx); err != nil {
		c.fail(err)
		err = c.Err()
		c.log.Warningf("Restore failed: %v", err)
		c.teardown()
		k.OnRestoreAttempt(err)
		return nil, err
	}
	c.mu.Lock()
	c.state = contextBuilt
	c.mu.Unlock()
	c.log.Infof("Restored %d tasks, %d objects", len(c.units()), c.reg.Len())
	if n := log.Suppressed(c.warn); n > 0 {
		c.log.Warningf("%d warnings suppressed", n)
	}
	return c, nil
}

func (c *Context) restore(ctx context.Context) error {
	h := c.img.Header
	if h.Version > image.Version {
		return unsupported(image.AnyKind, image.NullPos, "image version %d", h.Version)
	}
	if err := c.loadTasks(); err != nil {
		return err
	}
	c.log.Infof("Restoring image version %d, %d tasks, root %d", h.Version, len(c.tasks), h.RootPID)
	if err := c.lockFile(); err != nil {
		return err
	}
	root, ok := c.byPID[h.RootPID]
	if !ok {
		return corrupt(image.KindTask, image.NullPos, "no task with root pid %d", h.RootPID)
	}
	return c.restoreRoot(ctx, root)
}

// lockFile takes the lock file, if one is configured.
func (c *Context) lockFile() error {
	if c.opts.LockFile == "" {
		return nil
	}
	l := flock.New(c.opts.LockFile)
	locked, err := l.TryLock()
	if err != nil {
		return wrapf(image.AnyKind, image.NullPos, err, "locking %q", c.opts.LockFile)
	}
	if !locked {
		return wrapf(image.AnyKind, image.NullPos, unix.EBUSY, "lock file %q is held", c.opts.LockFile)
	}
	c.lock = l
	c.log.Infof("Locked %q", c.opts.LockFile)
	return nil
}

func (c *Context) unlockFile() {
	if c.lock == nil {
		return
	}
	if err := c.lock.Unlock(); err != nil {
		c.log.Warningf("Unlocking %q: %v", c.opts.LockFile, err)
	}
	c.lock = nil
}

// fail records err. The first error is the one Restore reports; later ones
// are only logged.
func (c *Context) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = wrap(image.AnyKind, image.NullPos, err)
		return
	}
	c.nerrs++
	c.log.Warningf("Additional error #%d: %v", c.nerrs, err)
}

// Err returns the first fatal error, or nil.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// drift reports an attribute that was not reproduced. It returns an error
// only with Options.StrictAttributes.
func (c *Context) drift(kind image.ObjectKind, pos image.Pos, format string, v ...any) error {
	msg := fmt.Sprintf(format, v...)
	if c.opts.StrictAttributes {
		return &Error{Class: ClassDrift, Kind: kind, Pos: pos, Err: fmt.Errorf("%s", msg)}
	}
	c.warn.Warningf("%v @%d: %s", kind, int64(pos), msg)
	return nil
}

// ID returns the identifier of the restore, which prefixes its log lines.
func (c *Context) ID() uuid.UUID {
	return c.id
}

// Kernel returns the kernel being restored into.
func (c *Context) Kernel() *kernel.Kernel {
	return c.k
}

// Image returns the image being restored.
func (c *Context) Image() *image.Image {
	return c.img
}

// Log returns the logger of the restore.
func (c *Context) Log() log.Logger {
	return c.log
}

// Registry returns the object registry.
func (c *Context) Registry() *Registry {
	return c.reg
}

// RegisterFile registers f as restored from the FILE record at pos,
// consuming the caller's reference. Hooks use it to provide files this
// package cannot open, such as sockets.
func (c *Context) RegisterFile(pos image.Pos, f *fs.File) error {
	return c.reg.Register(image.KindFile, pos, &fileEntry{file: f, external: true}, f.DecRef)
}

// LookupFile returns the file restored from the FILE record at pos, with a
// reference taken.
func (c *Context) LookupFile(pos image.Pos) (*fs.File, bool) {
	obj, ok := c.reg.Lookup(image.KindFile, pos)
	if !ok {
		return nil, false
	}
	f := obj.(*fileEntry).file
	f.IncRef()
	return f, true
}

// hostPath maps a recorded path into the restore root.
func (c *Context) hostPath(name string) string {
	return filepath.Join(c.opts.RestoreRoot, filepath.Clean("/"+name))
}

// inProc returns whether a recorded name lies in procfs.
func inProc(name string) bool {
	return name == "/proc" || strings.HasPrefix(name, "/proc/")
}

// Root returns the root task.
func (c *Context) Root() *kernel.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root == nil {
		return nil
	}
	return c.root.t
}

// Tasks returns the restored tasks in the order they were built.
func (c *Context) Tasks() []*kernel.Task {
	var ts []*kernel.Task
	for _, u := range c.units() {
		ts = append(ts, u.t)
	}
	return ts
}

func (c *Context) rootUnit() *taskUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

func (c *Context) units() []*taskUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*taskUnit(nil), c.built...)
}

func (c *Context) addUnit(u *taskUnit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root == nil {
		c.root = u
	}
	c.built = append(c.built, u)
}

// Resume wakes the restored tasks. Tasks recorded as stopped or traced stay
// so. Once resumed, the registry's references are dropped: the tasks own
// what they use. Resume is idempotent; it fails after Kill.
func (c *Context) Resume() error {
	c.mu.Lock()
	switch c.state {
	case contextResumed:
		c.mu.Unlock()
		return nil
	case contextKilled:
		c.mu.Unlock()
		return ErrKilled
	}
	c.state = contextResumed
	c.mu.Unlock()

	woken := 0
	for _, u := range c.units() {
		if u.resume() {
			woken++
		}
	}
	c.reg.Release()
	c.unlockFile()
	c.k.OnRestoreDone()
	c.log.Infof("Resumed %d of %d tasks", woken, len(c.units()))
	return nil
}

// Kill terminates every restored task and releases everything the restore
// holds. It may be called at any time after Restore returns and is
// idempotent.
func (c *Context) Kill() {
	c.mu.Lock()
	abandoned := c.state == contextBuilt
	c.state = contextKilled
	c.mu.Unlock()
	if abandoned {
		c.k.OnRestoreAttempt(ErrKilled)
	}
	c.teardown()
}

// teardown kills all tasks, waits for their units and drops the registry.
func (c *Context) teardown() {
	c.killOnce.Do(func() {
		close(c.killed)
		units := c.units()
		c.log.Infof("Killing %d tasks", len(units))

		var g errgroup.Group
		for _, u := range units {
			g.Go(func() error {
				u.t.Kill()
				<-u.t.Exited()
				u.terminate()
				return nil
			})
		}
		g.Wait()
		c.group.Wait()
		for i := len(units) - 1; i >= 0; i-- {
			if err := units[i].t.Reap(); err != nil {
				c.log.Debugf("Reaping %v: %v", units[i].t, err)
			}
		}
		c.reg.Release()
		c.unlockFile()
	})
}
