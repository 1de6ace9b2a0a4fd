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
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/kernel"
)

// rootImage builds an image of a single root task. Sections added by the
// caller must come before finish.
type rootImage struct {
	*image.Builder
}

func newRootImage() rootImage {
	b := image.NewBuilder()
	b.Header.RootPID = 1
	return rootImage{b}
}

func (b rootImage) finish(rec *image.Task) *image.Builder {
	if rec == nil {
		rec = taskRec(1, 0)
	}
	b.Begin(image.SectionTasks)
	b.Add(image.KindTask, rec)
	b.End()
	return b.Builder
}

func TestUTSNames(t *testing.T) {
	b := newRootImage()
	b.Begin(image.SectionUTSName)
	b.AddName("box")
	b.AddName("example.org")
	b.End()

	_, k := restoreImage(t, b.finish(nil), Options{})
	if got := k.Hostname(); got != "box" {
		t.Errorf("Hostname = %q, want box", got)
	}
	if got := k.DomainName(); got != "example.org" {
		t.Errorf("DomainName = %q, want example.org", got)
	}
}

func TestUTSNameTooLong(t *testing.T) {
	b := newRootImage()
	b.Begin(image.SectionUTSName)
	b.AddName(strings.Repeat("h", 65))
	b.End()

	_, _, err := tryRestore(t, b.finish(nil), Options{})
	if !errors.Is(err, unix.ENAMETOOLONG) {
		t.Errorf("Restore = %v, want ENAMETOOLONG", err)
	}
}

func TestClocks(t *testing.T) {
	b := newRootImage()
	b.Header.CheckpointRealtime = time.Now().Add(-time.Hour).UnixNano()
	b.Header.CheckpointMonotonic = int64(100 * time.Second)
	b.Begin(image.SectionVEInfo)
	b.Add(image.KindVEInfo, &image.VEInfo{StartTimeDelta: int64(time.Minute), LastPID: 300})
	b.End()

	c, k := restoreImage(t, b.finish(nil), Options{})
	if c.delta < time.Hour {
		t.Errorf("delta = %v, want at least an hour", c.delta)
	}
	if got := time.Duration(k.MonotonicNow()); got < 100*time.Second || got > 200*time.Second {
		t.Errorf("monotonic clock = %v, want it rebased to 100s", got)
	}
	if got := k.StartTimeDelta(); got != time.Minute {
		t.Errorf("StartTimeDelta = %v, want 1m", got)
	}
	if got := k.LastPID(); got != 300 {
		t.Errorf("LastPID = %d, want 300", got)
	}
}

type fakeMounter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *fakeMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, strings.Join([]string{fstype, source, target}, " "))
	return m.err
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o640, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func addMount(b rootImage, flags uint32, names []string, content []byte) {
	b.Open(image.KindMount, image.ContentStack, &image.Mount{Flags: flags})
	for _, n := range names {
		b.AddName(n)
	}
	if content != nil {
		b.AddData(image.KindBits, image.ContentTar, &image.Bits{Size: uint32(len(content))}, content)
	}
	b.Close()
}

func TestMounts(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	b := newRootImage()
	b.Begin(image.SectionNamespace)
	b.Open(image.KindNamespace, image.ContentStack, &image.Namespace{})
	addMount(b, 0, []string{"rootfs", "/", "ext4"}, nil)
	addMount(b, 0, []string{"tmpfs", "/tmp", "tmpfs"}, tarball(t, map[string]string{"dir/note": "hello"}))
	addMount(b, image.MountBind, []string{"none", "/mnt", "none", "/src"}, nil)
	b.Close()
	b.End()

	m := &fakeMounter{}
	restoreImage(t, b.finish(nil), Options{RestoreRoot: root, Mounter: m})
	want := []string{
		"tmpfs tmpfs " + filepath.Join(root, "tmp"),
		"none " + filepath.Join(root, "src") + " " + filepath.Join(root, "mnt"),
	}
	if diff := cmp.Diff(want, m.calls); diff != "" {
		t.Errorf("mounts mismatch (-want +got):\n%s", diff)
	}
	got, err := os.ReadFile(filepath.Join(root, "tmp", "dir", "note"))
	if err != nil || string(got) != "hello" {
		t.Errorf("tmpfs content = %q, %v, want hello", got, err)
	}
}

func TestMountFails(t *testing.T) {
	b := newRootImage()
	b.Begin(image.SectionNamespace)
	b.Open(image.KindNamespace, image.ContentStack, &image.Namespace{})
	addMount(b, 0, []string{"proc", "/proc", "proc"}, nil)
	b.Close()
	b.End()

	m := &fakeMounter{err: unix.EPERM}
	_, _, err := tryRestore(t, b.finish(nil), Options{RestoreRoot: t.TempDir(), Mounter: m})
	var re *Error
	if !errors.As(err, &re) || re.Kind != image.KindMount || !errors.Is(err, unix.EPERM) {
		t.Errorf("Restore = %v, want EPERM on the mount record", err)
	}
}

func TestExternalMountMissing(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	b := newRootImage()
	b.Begin(image.SectionNamespace)
	b.Open(image.KindNamespace, image.ContentStack, &image.Namespace{})
	addMount(b, image.MountExternal, []string{"/dev/sdb1", "/data", "ext4"}, nil)
	b.Close()
	b.End()

	_, _, err := tryRestore(t, b.finish(nil), Options{RestoreRoot: root, Mounter: &fakeMounter{}})
	if !errors.Is(err, unix.ENOENT) {
		t.Errorf("Restore = %v, want ENOENT", err)
	}
}

func TestUntarEscape(t *testing.T) {
	data := tarball(t, map[string]string{"../../escape": "x"})
	dir := t.TempDir()
	// Names are resolved under dir, so ".." cannot leave it.
	if err := untar(dir, bytes.NewReader(data)); err != nil {
		t.Fatalf("untar: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape")); err != nil {
		t.Errorf("entry not placed under dir: %v", err)
	}
	if err := untar(dir, strings.NewReader("not a tar stream at all, but long enough to be read as a header")); !errors.Is(err, image.ErrCorrupt) {
		t.Errorf("untar of garbage = %v, want ErrCorrupt", err)
	}
}

type fakeNet struct {
	objs int
}

func (n *fakeNet) Restore(ctx context.Context, c *Context, objs []*image.Object) error {
	n.objs += len(objs)
	return nil
}

func (n *fakeNet) OpenTun(ctx context.Context, c *Context, o *image.Object, flags uint) (*fs.File, error) {
	return nil, unix.ENODEV
}

func netImage() *image.Builder {
	b := newRootImage()
	b.Begin(image.SectionNet)
	b.AddData(image.KindOpaque, image.ContentData, &image.Opaque{Subtype: 1}, []byte("route"))
	b.End()
	return b.finish(nil)
}

func TestHookUnsupported(t *testing.T) {
	_, _, err := tryRestore(t, netImage(), Options{})
	if !errors.Is(err, image.ErrUnsupported) {
		t.Errorf("Restore = %v, want ErrUnsupported", err)
	}
	var re *Error
	if !errors.As(err, &re) || re.Class != ClassEnvironment {
		t.Errorf("Restore = %v, want ClassEnvironment", err)
	}
}

func TestNetHook(t *testing.T) {
	n := &fakeNet{}
	restoreImage(t, netImage(), Options{Net: n})
	if n.objs != 1 {
		t.Errorf("net restorer got %d records, want 1", n.objs)
	}
}

func TestCompleteHook(t *testing.T) {
	var root *kernel.Task
	calls := 0
	opts := Options{
		Complete: func(ctx context.Context, c *Context) error {
			calls++
			root = c.Root()
			return nil
		},
	}
	_, k := restoreImage(t, newRootImage().finish(nil), opts)
	if calls != 1 {
		t.Errorf("Complete called %d times, want 1", calls)
	}
	if root != k.TaskWithID(1) {
		t.Errorf("Complete saw root %v, want task 1", root)
	}
}

func TestCompleteHookFails(t *testing.T) {
	opts := Options{
		Complete: func(ctx context.Context, c *Context) error {
			return unix.EIO
		},
	}
	_, k, err := tryRestore(t, newRootImage().finish(nil), opts)
	if !errors.Is(err, unix.EIO) {
		t.Errorf("Restore = %v, want EIO", err)
	}
	if ts := k.Tasks(); len(ts) != 0 {
		t.Errorf("tasks left after failed restore: %v", ts)
	}
}

// stdoutPipe returns the read end of a host pipe and a File wrapping its
// write end.
func stdoutPipe(t *testing.T) (*os.File, *fs.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	fd, err := unix.Dup(int(w.Fd()))
	w.Close()
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	out, err := fs.NewHostFile(fd, "stdout", unix.O_WRONLY)
	if err != nil {
		unix.Close(fd)
		t.Fatalf("NewHostFile: %v", err)
	}
	t.Cleanup(out.DecRef)
	return r, out
}

func expectRead(t *testing.T, r *os.File, want string) {
	t.Helper()
	buf := make([]byte, 2*len(want))
	n, err := r.Read(buf)
	if err != nil || string(buf[:n]) != want {
		t.Errorf("read %q, %v, want %q", buf[:n], err, want)
	}
}

func TestStdio(t *testing.T) {
	r, out := stdoutPipe(t)
	opts := Options{}
	opts.Stdio[1] = out
	_, k := restoreImage(t, newRootImage().finish(nil), opts)
	f := fileAt(t, taskOf(t, k, 1), 1)
	if _, err := f.Write([]byte("out")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	expectRead(t, r, "out")
}

func TestStdioOverridesImage(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "log", "")
	r, out := stdoutPipe(t)

	b := newRootImage()
	b.Begin(image.SectionFiles)
	log := addFile(b.Builder, regFile(0), "/log")
	b.End()
	b.Begin(image.SectionFileTables)
	files := addTable(b.Builder, 1, 8, fdEntry{1, log}, fdEntry{3, log})
	b.End()
	rec := taskRec(1, 0)
	rec.Files = files

	opts := Options{RestoreRoot: root}
	opts.Stdio[1] = out
	_, k := restoreImage(t, b.finish(rec), opts)
	task := taskOf(t, k, 1)
	if _, err := fileAt(t, task, 1).Write([]byte("tty")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	expectRead(t, r, "tty")
	if got := fileAt(t, task, 3).Name(); got != filepath.Join(root, "log") {
		t.Errorf("fd 3 is %q, want the image's log file", got)
	}
}
