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
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/kernel"
	"gvisor.dev/rst/pkg/sentry/mm"
)

// prefetchers bounds concurrent reads of task records.
const prefetchers = 8

// taskRecord is a TASK record and its nested records.
type taskRecord struct {
	*image.Task
	obj *image.Object

	// queue holds the nested SIGQUEUE records.
	queue []*image.Object
}

func (r *taskRecord) isLeader() bool {
	return r.PID == r.TGID
}

func (r *taskRecord) isZombie() bool {
	return (r.State|r.ExitState)&(linux.EXIT_ZOMBIE|linux.EXIT_DEAD) != 0
}

// loadTasks reads the task section.
func (c *Context) loadTasks() error {
	s, ok := c.img.Section(image.SectionTasks)
	if !ok {
		return corrupt(image.KindTask, image.NullPos, "image has no %v section", image.SectionTasks)
	}
	objs, err := c.img.Objects(s)
	if err != nil {
		return wrap(image.KindTask, s.Pos, err)
	}
	for _, o := range objs {
		if o.Kind != image.KindTask {
			continue
		}
		r := &taskRecord{Task: o.Payload.(*image.Task), obj: o}
		if _, ok := c.byPID[r.PID]; ok {
			return corrupt(o.Kind, o.Pos, "duplicate pid %d", r.PID)
		}
		if r.PID <= 0 || r.TGID <= 0 {
			return corrupt(o.Kind, o.Pos, "bad pid %d tgid %d", r.PID, r.TGID)
		}
		c.byPID[r.PID] = r
		c.tasks = append(c.tasks, r)
	}

	var g errgroup.Group
	g.SetLimit(prefetchers)
	for _, r := range c.tasks {
		g.Go(func() error {
			children, err := c.img.Children(r.obj)
			if err != nil {
				return wrap(image.KindTask, r.obj.Pos, err)
			}
			for _, ch := range children {
				switch ch.Kind {
				case image.KindSigQueue:
					r.queue = append(r.queue, ch)
				default:
					return corrupt(ch.Kind, ch.Pos, "unexpected object in task %d", r.PID)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// childrenOf returns the records of the tasks p clones: its forked children
// and, if p leads a thread group, its other threads.
func (c *Context) childrenOf(p *taskRecord) []*taskRecord {
	var rs []*taskRecord
	for _, r := range c.tasks {
		if r == p || r.PID == c.img.Header.RootPID {
			continue
		}
		if (r.RPPID == p.PID && r.isLeader()) || (r.Leader == p.PID && !r.isLeader()) {
			rs = append(rs, r)
		}
	}
	return rs
}

// unitState is the construction state of a task.
type unitState int32

const (
	unitUnbuilt unitState = iota
	unitAddressSpaceAttached
	unitFilesAttached
	unitLinked
	unitRunnable
	unitRunning
	unitTerminated
)

// String implements fmt.Stringer.String.
func (s unitState) String() string {
	switch s {
	case unitUnbuilt:
		return "unbuilt"
	case unitAddressSpaceAttached:
		return "address-space-attached"
	case unitFilesAttached:
		return "files-attached"
	case unitLinked:
		return "linked"
	case unitRunnable:
		return "runnable"
	case unitRunning:
		return "running"
	case unitTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unitState(%d)", int32(s))
	}
}

// taskUnit builds one task. Its goroutine closes initialized as soon as it
// starts, waits for release, restores the task and its subtree, and sends
// the result on done.
type taskUnit struct {
	c      *Context
	rec    *taskRecord
	t      *kernel.Task
	parent *taskUnit

	initialized chan struct{}
	release     chan struct{}
	done        chan error

	mu    sync.Mutex
	state unitState
}

func (c *Context) newUnit(rec *taskRecord, t *kernel.Task, parent *taskUnit) *taskUnit {
	u := &taskUnit{
		c:           c,
		rec:         rec,
		t:           t,
		parent:      parent,
		initialized: make(chan struct{}),
		release:     make(chan struct{}),
		done:        make(chan error, 1),
	}
	c.addUnit(u)
	return u
}

// unitFor returns the unit building pid, or nil.
func (c *Context) unitFor(pid int32) *taskUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.built {
		if u.rec.PID == pid {
			return u
		}
	}
	return nil
}

// advance moves u to the next construction state.
func (u *taskUnit) advance(to unitState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == unitTerminated {
		return
	}
	if to != u.state+1 {
		panic(fmt.Sprintf("task %d: state %v cannot advance to %v", u.rec.PID, u.state, to))
	}
	u.state = to
}

func (u *taskUnit) getState() unitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *taskUnit) terminate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = unitTerminated
}

// resume wakes a runnable task. It returns false for tasks left stopped,
// traced or exited.
func (u *taskUnit) resume() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != unitRunnable || !u.t.Resume() {
		return false
	}
	u.state = unitRunning
	return true
}

// start runs u's goroutine and waits for it to report that it exists.
func (u *taskUnit) start(ctx context.Context) {
	u.c.group.Go(func() error {
		u.run(ctx)
		return nil
	})
	<-u.initialized
}

func (u *taskUnit) run(ctx context.Context) {
	close(u.initialized)
	select {
	case <-u.release:
	case <-u.c.killed:
		u.done <- errAborted
		return
	}

	err := u.restore(ctx)
	if err != nil {
		u.done <- wrap(image.KindTask, u.rec.obj.Pos, err)
		return
	}
	u.advance(unitRunnable)
	if u.rec.isZombie() {
		u.t.Exit(u.rec.ExitCode)
		u.terminate()
		u.c.log.Debugf("Task %d restored as a zombie", u.rec.PID)
	}
	u.done <- nil
	<-u.t.Exited()
}

// restore restores everything about the task that its parent did not, in
// the order state depends on each other.
func (u *taskUnit) restore(ctx context.Context) error {
	if fsc := u.t.FSContext(); fsc != nil {
		// The recorded umask is applied in finalization.
		fsc.SwapUmask(0)
	}
	if u.parent == nil {
		if err := u.c.setupRoot(ctx, u); err != nil {
			return err
		}
	}
	if err := u.restoreCredentials(); err != nil {
		return err
	}
	if err := u.restoreLimits(); err != nil {
		return err
	}
	if err := u.restoreMM(ctx); err != nil {
		return err
	}
	u.advance(unitAddressSpaceAttached)
	if err := u.restoreFiles(ctx); err != nil {
		return err
	}
	if err := u.attachFS(); err != nil {
		return err
	}
	u.advance(unitFilesAttached)
	if err := u.restoreSignals(); err != nil {
		return err
	}
	u.restoreIdentity()
	if err := u.restoreRestartBlock(); err != nil {
		return err
	}
	if err := u.restoreTimers(); err != nil {
		return err
	}
	for _, r := range u.c.childrenOf(u.rec) {
		if err := u.spawn(ctx, r); err != nil {
			return err
		}
	}
	if u.parent == nil {
		if err := u.c.finalize(ctx); err != nil {
			return err
		}
	}
	u.advance(unitLinked)
	u.t.SetRunState(kernel.RunStateFromLinux(u.rec.State))
	return nil
}

// restoreRoot creates the root task and builds the tree under it.
func (c *Context) restoreRoot(ctx context.Context, r *taskRecord) error {
	t, err := c.k.NewTask(kernel.TaskConfig{
		TID:  kernel.ThreadID(r.PID),
		Name: r.Name(),
	})
	if err != nil {
		return wrapf(image.KindTask, r.obj.Pos, err, "creating root task %d", r.PID)
	}
	u := c.newUnit(r, t, nil)
	u.start(ctx)
	close(u.release)
	if err := <-u.done; err != nil {
		return err
	}
	if n := len(c.units()); n != len(c.tasks) {
		c.log.Warningf("%d of %d tasks are not reachable from root %d", len(c.tasks)-n, len(c.tasks), r.PID)
	}
	return nil
}

// spawn clones the task r describes from u and waits until its subtree is
// built.
func (u *taskUnit) spawn(ctx context.Context, r *taskRecord) error {
	c := u.c
	if c.unitFor(r.PID) != nil {
		return corrupt(r.obj.Kind, r.obj.Pos, "task %d is reached twice", r.PID)
	}
	flags, err := u.cloneFlags(r)
	if err != nil {
		return err
	}
	nt, err := u.t.Clone(kernel.CloneOptions{
		TID:   kernel.ThreadID(r.PID),
		Flags: flags,
		Name:  r.Name(),
	})
	if err != nil {
		return wrapf(image.KindTask, r.obj.Pos, err, "cloning task %d from %d with flags %#x", r.PID, u.rec.PID, flags)
	}
	c.log.Debugf("Task %d cloned from %d with flags %#x", r.PID, u.rec.PID, flags)

	child := c.newUnit(r, nt, u)
	child.start(ctx)
	if err := child.attachMM(); err != nil {
		return err
	}
	nt.SetName(r.Name())
	close(child.release)
	return <-child.done
}

// cloneFlags derives the resources r shares with u from whether they were
// already restored.
func (u *taskUnit) cloneFlags(r *taskRecord) (uint64, error) {
	c := u.c
	var flags uint64
	if c.restored(image.KindMM, r.MM) {
		flags |= linux.CLONE_VM
	}
	if c.restored(image.KindFileTable, r.Files) {
		flags |= linux.CLONE_FILES
	}
	if c.restored(image.KindFS, r.FS) {
		flags |= linux.CLONE_FS
	}
	if r.SigHand.IsNull() {
		// Sharing handlers requires sharing memory.
		if flags&linux.CLONE_VM != 0 {
			flags |= linux.CLONE_SIGHAND
		}
	} else if c.restored(image.KindSigHand, r.SigHand) {
		flags |= linux.CLONE_SIGHAND
	}

	p := u.rec
	if r.RPPID != p.PID {
		flags |= linux.CLONE_THREAD | linux.CLONE_PARENT
		if r.Signal != p.Signal || flags&linux.CLONE_SIGHAND == 0 ||
			(flags&linux.CLONE_VM == 0 && !p.MM.IsNull()) {
			return 0, wrapf(image.KindTask, r.obj.Pos, unix.EINVAL,
				"something is wrong with threads: pid %d rppid %d parent %d signal %d/%d flags %#x",
				r.PID, r.RPPID, p.PID, int64(r.Signal), int64(p.Signal), flags)
		}
	}
	return flags, nil
}

// restored returns whether pos is null or its record is registered.
func (c *Context) restored(kind image.ObjectKind, pos image.Pos) bool {
	if pos.IsNull() {
		return true
	}
	_, ok := c.reg.Lookup(kind, pos)
	return ok
}

// attachMM gives a new task the address space it shares, or none. It runs
// in the parent before the child is released.
func (u *taskUnit) attachMM() error {
	pos := u.rec.MM
	if pos.IsNull() {
		u.t.SetMemoryManager(nil)
		return nil
	}
	obj, ok := u.c.reg.Lookup(image.KindMM, pos)
	if !ok {
		return nil
	}
	m := obj.(*mm.MemoryManager)
	if u.t.MemoryManager() == m {
		return nil
	}
	if !m.IncUsers() {
		return wrapf(image.KindMM, pos, unix.ESRCH, "lost mm")
	}
	u.t.SetMemoryManager(m)
	return nil
}
