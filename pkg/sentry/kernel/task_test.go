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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/hostarch"
	"gvisor.dev/rst/pkg/sentry/mm"
)

func newRoot(t *testing.T, k *Kernel) *Task {
	t.Helper()
	root, err := k.NewTask(TaskConfig{TID: InitTID, Name: "init"})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	t.Cleanup(func() { root.Exit(0) })
	return root
}

func mustClone(t *testing.T, parent *Task, opts CloneOptions) *Task {
	t.Helper()
	child, err := parent.Clone(opts)
	if err != nil {
		t.Fatalf("Clone(%+v): %v", opts, err)
	}
	t.Cleanup(func() { child.Exit(0) })
	return child
}

func TestCloneSharing(t *testing.T) {
	const thread = linux.CLONE_VM | linux.CLONE_FS | linux.CLONE_FILES | linux.CLONE_SIGHAND | linux.CLONE_THREAD
	for _, test := range []struct {
		name       string
		flags      uint64
		sameMM     bool
		sameFiles  bool
		sameFS     bool
		sameSigh   bool
		sameGroup  bool
		parentRoot bool
	}{
		{name: "fork", parentRoot: true},
		{name: "vfork-like", flags: linux.CLONE_VM | linux.CLONE_FILES, sameMM: true, sameFiles: true, parentRoot: true},
		{name: "shared-handlers", flags: linux.CLONE_VM | linux.CLONE_SIGHAND, sameMM: true, sameSigh: true, parentRoot: true},
		{name: "thread", flags: thread, sameMM: true, sameFiles: true, sameFS: true, sameSigh: true, sameGroup: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			k := New()
			root := newRoot(t, k)
			child := mustClone(t, root, CloneOptions{Flags: test.flags})

			if got := child.MemoryManager() == root.MemoryManager(); got != test.sameMM {
				t.Errorf("shared mm = %t, want %t", got, test.sameMM)
			}
			if got := child.FDTable() == root.FDTable(); got != test.sameFiles {
				t.Errorf("shared fd table = %t, want %t", got, test.sameFiles)
			}
			if got := child.FSContext() == root.FSContext(); got != test.sameFS {
				t.Errorf("shared fs context = %t, want %t", got, test.sameFS)
			}
			if got := child.ThreadGroup().SignalHandlers() == root.ThreadGroup().SignalHandlers(); got != test.sameSigh {
				t.Errorf("shared signal handlers = %t, want %t", got, test.sameSigh)
			}
			if got := child.ThreadGroup() == root.ThreadGroup(); got != test.sameGroup {
				t.Errorf("same thread group = %t, want %t", got, test.sameGroup)
			}
			if got := child.Parent() == root; got != test.parentRoot {
				t.Errorf("parent is root = %t, want %t", got, test.parentRoot)
			}
			if child.Credentials() == root.Credentials() || !child.Credentials().Equal(root.Credentials()) {
				t.Errorf("credentials not copied")
			}
		})
	}
}

func TestCloneInvalid(t *testing.T) {
	k := New()
	root := newRoot(t, k)
	for _, flags := range []uint64{
		linux.CLONE_THREAD,
		linux.CLONE_SIGHAND,
		linux.CLONE_THREAD | linux.CLONE_SIGHAND,
	} {
		if _, err := root.Clone(CloneOptions{Flags: flags}); !errors.Is(err, unix.EINVAL) {
			t.Errorf("Clone(%#x): got %v, want EINVAL", flags, err)
		}
	}
	if _, err := root.Clone(CloneOptions{TID: InitTID}); !errors.Is(err, unix.EEXIST) {
		t.Errorf("Clone with a used TID: got %v, want EEXIST", err)
	}
	if got := len(k.Tasks()); got != 1 {
		t.Errorf("failed clones left %d tasks", got)
	}
}

func TestSharedFDTableObservesClose(t *testing.T) {
	k := New()
	root := newRoot(t, k)
	child := mustClone(t, root, CloneOptions{Flags: linux.CLONE_VM | linux.CLONE_FILES})
	file := newTestFile(t)
	if err := root.FDTable().NewFDAt(5, file, FDFlags{}); err != nil {
		t.Fatalf("NewFDAt: %v", err)
	}
	child.FDTable().Remove(5).DecRef()
	if f, _ := root.FDTable().Get(5); f != nil {
		f.DecRef()
		t.Errorf("descriptor closed by the child is still open in the parent")
	}
}

func TestTIDAllocation(t *testing.T) {
	k := New()
	root := newRoot(t, k)
	if err := k.SetLastPID(100); err != nil {
		t.Fatalf("SetLastPID: %v", err)
	}
	child := mustClone(t, root, CloneOptions{})
	if got := child.ThreadID(); got != 101 {
		t.Errorf("allocated TID %d, want 101", got)
	}
	explicit := mustClone(t, root, CloneOptions{TID: 500})
	if got := k.LastPID(); got != explicit.ThreadID() {
		t.Errorf("LastPID() = %d, want %d", got, explicit.ThreadID())
	}
	if err := k.SetLastPID(-1); !errors.Is(err, unix.EINVAL) {
		t.Errorf("SetLastPID(-1): got %v, want EINVAL", err)
	}
}

func TestResume(t *testing.T) {
	k := New()
	root := newRoot(t, k)
	stopped := mustClone(t, root, CloneOptions{})
	stopped.SetRunState(TaskStopped)
	traced := mustClone(t, root, CloneOptions{})
	traced.SetRunState(TaskTraced)

	for _, test := range []struct {
		task *Task
		woke bool
		want TaskRunState
	}{
		{root, true, TaskRunning},
		{stopped, false, TaskStopped},
		{traced, false, TaskTraced},
	} {
		if got := test.task.Resume(); got != test.woke {
			t.Errorf("%v: Resume() = %t, want %t", test.task, got, test.woke)
		}
		if got := test.task.RunState(); got != test.want {
			t.Errorf("%v: RunState() = %v, want %v", test.task, got, test.want)
		}
	}
	select {
	case <-root.Resumed():
	default:
		t.Errorf("Resumed() not closed after Resume")
	}
	if root.Resume() {
		t.Errorf("second Resume woke the task again")
	}
}

func TestRunStateFromLinux(t *testing.T) {
	for state, want := range map[uint32]TaskRunState{
		linux.TASK_RUNNING:       TaskRunnable,
		linux.TASK_INTERRUPTIBLE: TaskRunnable,
		linux.TASK_STOPPED:       TaskStopped,
		linux.TASK_TRACED:        TaskTraced,
	} {
		if got := RunStateFromLinux(state); got != want {
			t.Errorf("RunStateFromLinux(%#x) = %v, want %v", state, got, want)
		}
	}
}

func TestExitAndReap(t *testing.T) {
	k := New()
	root := newRoot(t, k)
	child := mustClone(t, root, CloneOptions{Flags: linux.CLONE_VM})
	m := root.MemoryManager()
	if got := m.Users(); got != 2 {
		t.Fatalf("mm users = %d, want 2", got)
	}

	child.Exit(3 << 8)
	child.Exit(0)
	select {
	case <-child.Exited():
	default:
		t.Fatalf("Exited() not closed")
	}
	if got := child.ExitCode(); got != 3<<8 {
		t.Errorf("ExitCode() = %#x, want %#x", got, 3<<8)
	}
	if got := m.Users(); got != 1 {
		t.Errorf("mm users after exit = %d, want 1", got)
	}
	if child.MemoryManager() != nil || child.FDTable() != nil {
		t.Errorf("exited task still holds resources")
	}
	if err := child.SendSignal(SignalInfoPriv(linux.SIGUSR1)); !errors.Is(err, unix.ESRCH) {
		t.Errorf("SendSignal to zombie: got %v, want ESRCH", err)
	}
	if err := child.Reap(); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if err := child.Reap(); !errors.Is(err, unix.EINVAL) {
		t.Errorf("second Reap: got %v, want EINVAL", err)
	}
	if k.TaskWithID(child.ThreadID()) != nil {
		t.Errorf("reaped task still in kernel")
	}
	if got := root.Children(); len(got) != 0 {
		t.Errorf("reaped task still a child: %v", got)
	}
}

func TestKillThreadGroup(t *testing.T) {
	k := New()
	root := newRoot(t, k)
	const thread = linux.CLONE_VM | linux.CLONE_FS | linux.CLONE_FILES | linux.CLONE_SIGHAND | linux.CLONE_THREAD
	t1 := mustClone(t, root, CloneOptions{Flags: thread})
	other := mustClone(t, root, CloneOptions{})

	if err := t1.SendSignal(SignalInfoPriv(linux.SIGKILL)); err != nil {
		t.Fatalf("SendSignal(SIGKILL): %v", err)
	}
	for _, task := range []*Task{root, t1} {
		if got := task.ExitState(); got != TaskExitZombie {
			t.Errorf("%v: ExitState() = %v, want zombie", task, got)
		}
		if got := task.ExitCode(); got != int32(linux.SIGKILL) {
			t.Errorf("%v: ExitCode() = %d, want %d", task, got, linux.SIGKILL)
		}
	}
	if got := other.ExitState(); got != TaskExitNone {
		t.Errorf("task outside the group exited: %v", got)
	}
}

func TestSignals(t *testing.T) {
	k := New()
	root := newRoot(t, k)

	root.SetSignalMask(linux.MakeSignalSet(linux.SIGUSR1, linux.SIGKILL))
	if got, want := root.SignalMask(), linux.MakeSignalSet(linux.SIGUSR1); got != want {
		t.Errorf("SignalMask() = %#x, want %#x", got, want)
	}

	// Standard signals coalesce, realtime signals queue.
	for i := 0; i < 2; i++ {
		root.SendSignal(SignalInfoPriv(linux.SIGUSR1))
		root.SendSignal(SignalInfoPriv(linux.Signal(40)))
	}
	if err := root.QueueSignal(SignalInfo{Signo: int32(linux.SIGTERM)}, true); err != nil {
		t.Fatalf("QueueSignal: %v", err)
	}
	var got []int32
	for _, info := range root.PendingSignalInfo() {
		got = append(got, info.Signo)
	}
	if diff := cmp.Diff([]int32{10, 40, 40}, got); diff != "" {
		t.Errorf("pending signals mismatch (-want +got):\n%s", diff)
	}
	if got := root.ThreadGroup().PendingSignals(); got != linux.SignalSetOf(linux.SIGTERM) {
		t.Errorf("group pending = %#x", got)
	}

	mask := linux.MakeSignalSet(linux.SIGUSR1, linux.SIGTERM)
	var order []linux.Signal
	for {
		sig, ok := root.DequeueSignal(mask)
		if !ok {
			break
		}
		order = append(order, sig)
	}
	if diff := cmp.Diff([]linux.Signal{linux.SIGUSR1, linux.SIGTERM}, order); diff != "" {
		t.Errorf("dequeue order mismatch (-want +got):\n%s", diff)
	}

	// Ignored, unblocked signals are discarded.
	sh := root.ThreadGroup().SignalHandlers()
	if err := sh.SetAction(linux.SIGHUP, linux.SigAction{Handler: linux.SIG_IGN}); err != nil {
		t.Fatalf("SetAction: %v", err)
	}
	root.SendSignal(SignalInfoPriv(linux.SIGHUP))
	if root.PendingSignals()&linux.SignalSetOf(linux.SIGHUP) != 0 {
		t.Errorf("ignored SIGHUP queued")
	}
	if err := sh.SetAction(linux.SIGKILL, linux.SigAction{Handler: 0x1000}); !errors.Is(err, unix.EINVAL) {
		t.Errorf("SetAction(SIGKILL): got %v, want EINVAL", err)
	}
}

func TestSignalHandlersFork(t *testing.T) {
	sh := NewSignalHandlers()
	act := linux.SigAction{Handler: 0x4000, Flags: 4, Mask: linux.MakeSignalSet(linux.SIGINT, linux.SIGSTOP)}
	if err := sh.SetAction(linux.SIGUSR2, act); err != nil {
		t.Fatalf("SetAction: %v", err)
	}
	fork := sh.Fork()
	if err := fork.SetAction(linux.SIGUSR2, linux.SigAction{}); err != nil {
		t.Fatalf("SetAction: %v", err)
	}
	want := act
	want.Mask = linux.MakeSignalSet(linux.SIGINT)
	if got := sh.Action(linux.SIGUSR2); got != want {
		t.Errorf("original changed by fork: got %+v, want %+v", got, want)
	}
	if got := len(fork.Actions()); got != 0 {
		t.Errorf("fork has %d actions, want 0", got)
	}
}

func TestITimer(t *testing.T) {
	k := New()
	root := newRoot(t, k)
	tg := root.ThreadGroup()
	if _, err := tg.ITimer(3); !errors.Is(err, unix.EINVAL) {
		t.Errorf("ITimer(3): got %v, want EINVAL", err)
	}
	prof, _ := tg.ITimer(linux.ITIMER_PROF)
	if err := prof.Set(time.Second, time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, i := prof.Get(); v != time.Second || i != time.Second {
		t.Errorf("ITIMER_PROF = %v/%v, want 1s/1s", v, i)
	}

	rt, _ := tg.ITimer(linux.ITIMER_REAL)
	if err := rt.Set(time.Millisecond, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := rt.Get(); v != time.Millisecond {
		t.Errorf("unstarted ITIMER_REAL = %v, want 1ms", v)
	}
	root.Resume()
	deadline := time.Now().Add(10 * time.Second)
	for tg.PendingSignals()&linux.SignalSetOf(linux.SIGALRM) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("SIGALRM not delivered")
		}
		time.Sleep(time.Millisecond)
	}
	if v, _ := rt.Get(); v != 0 {
		t.Errorf("expired one-shot timer reads %v", v)
	}
}

func TestRestartBlock(t *testing.T) {
	r := &RestartBlock{Kind: RestartNanosleep, Deadline: 100}
	if got := r.Remaining(40); got != 60 {
		t.Errorf("Remaining(40) = %v, want 60ns", got)
	}
	if got := r.Remaining(200); got != 0 {
		t.Errorf("Remaining(200) = %v, want 0", got)
	}
	if got := RestartKind(9).String(); !strings.Contains(got, "9") {
		t.Errorf("String() = %q", got)
	}
}

func TestClocksAndNames(t *testing.T) {
	k := New()
	k.RebaseMonotonic(int64(time.Hour))
	if got := k.MonotonicNow(); got < int64(time.Hour) || got > int64(time.Hour+time.Minute) {
		t.Errorf("MonotonicNow() after rebase = %v", time.Duration(got))
	}
	if err := k.SetHostname(strings.Repeat("h", linux.UTSLen)); err != nil {
		t.Errorf("SetHostname(64 bytes): %v", err)
	}
	if err := k.SetDomainName(strings.Repeat("d", linux.UTSLen+1)); !errors.Is(err, unix.ENAMETOOLONG) {
		t.Errorf("SetDomainName(65 bytes): got %v, want ENAMETOOLONG", err)
	}
	if got := k.DomainName(); got != "(none)" {
		t.Errorf("DomainName() = %q after failed set", got)
	}
}

func TestResolveProcPath(t *testing.T) {
	k := New()
	root := newRoot(t, k)
	file := newTestFile(t)
	if err := root.FDTable().NewFDAt(4, file, FDFlags{}); err != nil {
		t.Fatalf("NewFDAt: %v", err)
	}
	root.FSContext().SetWorkingDirectory(file)
	if _, err := root.MemoryManager().MMap(mm.MMapOpts{
		Length:     hostarch.PageSize,
		File:       file,
		Addr:       0x400000,
		Fixed:      true,
		Private:    true,
		Perms:      hostarch.Read,
		ExtraFlags: linux.VM_EXECUTABLE,
	}); err != nil {
		t.Fatalf("MMap: %v", err)
	}

	for _, name := range []string{"/proc/1/fd/4", "/proc/1/cwd", "/proc/1/exe"} {
		f, err := k.ResolveProcPath(name)
		if err != nil {
			t.Errorf("ResolveProcPath(%q): %v", name, err)
			continue
		}
		if f != file {
			t.Errorf("ResolveProcPath(%q) = %v, want %v", name, f, file)
		}
		f.DecRef()
	}
	for name, want := range map[string]error{
		"/proc/1/fd/5":  unix.ENOENT,
		"/proc/1/root":  unix.ENOENT,
		"/proc/7/fd/0":  unix.ENOENT,
		"/proc/1/maps":  unix.EINVAL,
		"/tmp/file":     unix.EINVAL,
		"/proc/self/fd": unix.EINVAL,
	} {
		if _, err := k.ResolveProcPath(name); !errors.Is(err, want) {
			t.Errorf("ResolveProcPath(%q): got %v, want %v", name, err, want)
		}
	}

	child := mustClone(t, root, CloneOptions{TID: 7})
	child.Exit(0)
	if _, err := k.ResolveProcPath("/proc/7/fd/0"); !errors.Is(err, unix.ESRCH) {
		t.Errorf("ResolveProcPath on a dead task: got %v, want ESRCH", err)
	}
}
