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
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/fs/lock"
	"gvisor.dev/rst/pkg/sentry/kernel/epoll"
)

// fileImage returns an image of a root task whose descriptor table holds
// the files that files writes, starting at descriptor 3. files writes the
// FILE section and any INODE section itself. add may write other sections.
func fileImage(files func(b *image.Builder) []image.Pos, add func(b *image.Builder, files []image.Pos)) *image.Builder {
	b := image.NewBuilder()
	b.Header.RootPID = 1
	pos := files(b)
	b.Begin(image.SectionFileTables)
	var fds []fdEntry
	for i, p := range pos {
		fds = append(fds, fdEntry{int32(3 + i), p})
	}
	table := addTable(b, 1, 16, fds...)
	b.End()
	if add != nil {
		add(b, pos)
	}
	b.Begin(image.SectionTasks)
	rec := taskRec(1, 0)
	rec.Files = table
	b.Add(image.KindTask, rec)
	b.End()
	return b
}

func deletedImage(name string, content string) *image.Builder {
	return fileImage(func(b *image.Builder) []image.Pos {
		b.Begin(image.SectionInodes)
		ino := b.Open(image.KindInode, image.ContentStack, &image.Inode{
			Mode:  linux.S_IFREG | 0o640,
			Size:  int64(len(content)) + 100,
			UID:   uint32(os.Getuid()),
			GID:   uint32(os.Getgid()),
			Mtime: 1_000_000_000,
		})
		b.AddData(image.KindPages, image.ContentData, &image.Pages{Start: 0, End: uint64(len(content))}, []byte(content))
		b.Close()
		b.End()
		b.Begin(image.SectionFiles)
		defer b.End()
		f := regFile(2)
		f.LFlags = image.FileDeleted
		f.Inode = ino
		return []image.Pos{addFile(b, f, name+" (deleted)")}
	}, nil)
}

func TestDeletedFile(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "work"), 0o755); err != nil {
		t.Fatal(err)
	}
	// The name is taken by a newer file.
	taken := writeFile(t, filepath.Join(root, "work"), "log", "newer")

	_, k := restoreImage(t, deletedImage("/work/log", "hello"), Options{RestoreRoot: root})
	f := fileAt(t, taskOf(t, k, 1), 3)

	attr, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attr.Links != 0 {
		t.Errorf("Links = %d, want 0", attr.Links)
	}
	if attr.Size != 105 {
		t.Errorf("Size = %d, want 105", attr.Size)
	}
	if attr.Perms&0o777 != 0o640 {
		t.Errorf("Perms = %#o, want 0640", attr.Perms&0o777)
	}
	if attr.ModificationTime != 1_000_000_000 {
		t.Errorf("ModificationTime = %d, want 1s", attr.ModificationTime)
	}
	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 0); err != nil || string(buf) != "hello" {
		t.Errorf("content = %q, %v, want hello", buf, err)
	}
	if got := f.Offset(); got != 2 {
		t.Errorf("Offset = %d, want 2", got)
	}

	if got, err := os.ReadFile(taken); err != nil || string(got) != "newer" {
		t.Errorf("file at the old name = %q, %v, want it untouched", got, err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "work"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("work holds %d entries, want only the newer file", len(entries))
	}
}

func TestDeletedFileScratch(t *testing.T) {
	root, scratch := t.TempDir(), t.TempDir()
	// The file's directory is gone as well.
	opts := Options{RestoreRoot: root, ScratchDir: scratch}
	_, k := restoreImage(t, deletedImage("/gone/data", "abc"), opts)
	f := fileAt(t, taskOf(t, k, 1), 3)
	buf := make([]byte, 3)
	if _, err := f.ReadAt(buf, 0); err != nil || string(buf) != "abc" {
		t.Errorf("content = %q, %v, want abc", buf, err)
	}
	entries, err := os.ReadDir(filepath.Join(scratch, "rst1"))
	if err != nil {
		t.Fatalf("scratch directory: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch directory holds %d entries, want none", len(entries))
	}
}

func TestHardlinkedDeleted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "alias", "linked")
	img := func() *image.Builder {
		return fileImage(func(b *image.Builder) []image.Pos {
			b.Begin(image.SectionInodes)
			ino := b.Open(image.KindInode, image.ContentStack, &image.Inode{Mode: linux.S_IFREG | 0o644, Nlink: 1})
			b.AddName("/alias")
			b.Close()
			b.End()
			b.Begin(image.SectionFiles)
			defer b.End()
			f := regFile(0)
			f.LFlags = image.FileDeleted | image.FileHardlinked
			f.Inode = ino
			return []image.Pos{addFile(b, f, "/orig (deleted)")}
		}, nil)
	}

	if _, _, err := tryRestore(t, img(), Options{RestoreRoot: root}); !errors.Is(err, unix.EPERM) {
		t.Errorf("Restore = %v, want EPERM", err)
	}

	_, k := restoreImage(t, img(), Options{RestoreRoot: root, AllowHardlinked: true})
	f := fileAt(t, taskOf(t, k, 1), 3)
	buf := make([]byte, 6)
	if _, err := f.ReadAt(buf, 0); err != nil || string(buf) != "linked" {
		t.Errorf("content = %q, %v, want linked", buf, err)
	}
}

func lockedImage(locks ...*image.Lock) *image.Builder {
	return fileImage(func(b *image.Builder) []image.Pos {
		b.Begin(image.SectionFiles)
		defer b.End()
		return []image.Pos{addFile(b, regFile(0), "/locked", func() {
			for _, l := range locks {
				b.Add(image.KindLock, l)
			}
		})}
	}, nil)
}

func TestFlock(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "locked", "")
	b := lockedImage(&image.Lock{PID: 1, Flags: linux.FL_FLOCK, Type: linux.F_WRLCK})
	restoreImage(t, b, Options{RestoreRoot: root})

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); !errors.Is(err, unix.EWOULDBLOCK) {
		t.Errorf("flock of a restored exclusive lock = %v, want EWOULDBLOCK", err)
	}
}

func TestPosixLock(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "locked", "")
	b := lockedImage(
		&image.Lock{Owner: 1, PID: 1, Start: 0, End: 9, Flags: linux.FL_POSIX, Type: linux.F_WRLCK},
		&image.Lock{Owner: 1, PID: 1, Start: 100, End: -1, Flags: linux.FL_POSIX, Type: linux.F_RDLCK},
	)
	_, k := restoreImage(t, b, Options{RestoreRoot: root})
	task := taskOf(t, k, 1)
	f := fileAt(t, task, 3)

	type held struct {
		Start, End uint64
		Type       lock.LockType
		PID        int32
	}
	var got []held
	for _, l := range f.Inode.LockCtx.Posix.Held() {
		if l.Owner != task.FDTable() {
			t.Errorf("lock %+v not owned by the descriptor table", l)
		}
		got = append(got, held{uint64(l.Range.Start), uint64(l.Range.End), l.Type, l.PID})
	}
	want := []held{
		{0, 10, lock.WriteLock, 1},
		{100, uint64(lock.LockEOF), lock.ReadLock, 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("posix locks mismatch (-want +got):\n%s", diff)
	}
}

func TestPosixLockUnknownOwner(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "locked", "")
	b := lockedImage(&image.Lock{Owner: 9, PID: 1, Start: 0, End: 0, Flags: linux.FL_POSIX, Type: linux.F_WRLCK})
	_, _, err := tryRestore(t, b, Options{RestoreRoot: root})
	var re *Error
	if !errors.As(err, &re) || re.Kind != image.KindLock || !errors.Is(err, unix.EINVAL) {
		t.Errorf("Restore = %v, want EINVAL on the lock", err)
	}
}

func TestEpoll(t *testing.T) {
	b := fileImage(func(b *image.Builder) []image.Pos {
		b.Begin(image.SectionFiles)
		defer b.End()
		ev := &image.File{Flags: linux.O_RDWR, Mode: linux.FMODE_READ | linux.FMODE_WRITE, LFlags: image.FileEventfd, Priv: 5, Inode: image.NullPos, FownFD: -1}
		ep := &image.File{Flags: linux.O_RDONLY, Mode: linux.FMODE_READ, LFlags: image.FileEpoll, Inode: image.NullPos, FownFD: -1}
		return []image.Pos{
			addFile(b, ev, "anon_inode:[eventfd]"),
			addFile(b, ep, "anon_inode:[eventpoll]"),
		}
	}, func(b *image.Builder, files []image.Pos) {
		b.Begin(image.SectionEpoll)
		b.Open(image.KindEpoll, image.ContentStack, &image.Epoll{File: files[1]})
		b.Add(image.KindEpollItem, &image.EpollItem{FD: 3, File: files[0], Events: linux.EPOLLIN, Data: 42})
		b.Close()
		b.End()
	})

	_, k := restoreImage(t, b, Options{})
	task := taskOf(t, k, 1)
	ev, epf := fileAt(t, task, 3), fileAt(t, task, 4)

	ep, ok := epoll.FromFile(epf)
	if !ok {
		t.Fatalf("fd 4 is not an epoll file")
	}
	entries := ep.Entries()
	if len(entries) != 1 {
		t.Fatalf("epoll watches %d files, want 1", len(entries))
	}
	e := entries[0]
	if e.File != ev || e.FD != 3 || e.Events != linux.EPOLLIN || e.Data != 42 {
		t.Errorf("epoll entry = %+v, want fd 3 EPOLLIN data 42", e)
	}

	buf := make([]byte, 8)
	if _, err := ev.Read(buf); err != nil {
		t.Fatalf("eventfd Read: %v", err)
	}
	if got := binary.NativeEndian.Uint64(buf); got != 5 {
		t.Errorf("eventfd counter = %d, want 5", got)
	}
}

func TestAttributeDrift(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "owned", "")
	img := func() *image.Builder {
		return fileImage(func(b *image.Builder) []image.Pos {
			b.Begin(image.SectionFiles)
			defer b.End()
			f := regFile(0)
			f.UID = 1000
			return []image.Pos{addFile(b, f, "/owned")}
		}, nil)
	}

	if _, _, err := tryRestore(t, img(), Options{RestoreRoot: root}); err != nil {
		t.Errorf("Restore: %v", err)
	}
	_, _, err := tryRestore(t, img(), Options{RestoreRoot: root, StrictAttributes: true})
	var re *Error
	if !errors.As(err, &re) || re.Class != ClassDrift || re.Kind != image.KindFile {
		t.Errorf("strict Restore = %v, want ClassDrift on the file", err)
	}
}

func TestMissingFile(t *testing.T) {
	b := fileImage(func(b *image.Builder) []image.Pos {
		b.Begin(image.SectionFiles)
		defer b.End()
		return []image.Pos{addFile(b, regFile(0), "/nope")}
	}, nil)
	_, _, err := tryRestore(t, b, Options{RestoreRoot: t.TempDir()})
	var re *Error
	if !errors.As(err, &re) || re.Kind != image.KindFile || !errors.Is(err, unix.ENOENT) {
		t.Errorf("Restore = %v, want ENOENT on the file", err)
	}
}

func TestTooManyDescriptors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a", "")
	b := image.NewBuilder()
	b.Header.RootPID = 1
	b.Begin(image.SectionFiles)
	f := addFile(b, regFile(0), "/a")
	b.End()
	b.Begin(image.SectionFileTables)
	table := addTable(b, 1, 64, fdEntry{3, f})
	b.End()
	b.Begin(image.SectionTasks)
	rec := taskRec(1, 0)
	rec.Files = table
	rec.RLimits[linux.RLIMIT_NOFILE] = image.RLimit{Cur: 32, Max: 32}
	b.Add(image.KindTask, rec)
	b.End()

	_, _, err := tryRestore(t, b, Options{RestoreRoot: root})
	var re *Error
	if !errors.As(err, &re) || re.Class != ClassExhaustion {
		t.Errorf("Restore = %v, want ClassExhaustion", err)
	}
}

func dirFile() *image.File {
	return &image.File{
		Flags:  linux.O_RDONLY | linux.O_DIRECTORY,
		Mode:   linux.FMODE_READ,
		IMode:  linux.S_IFDIR | 0o755,
		Inode:  image.NullPos,
		FownFD: -1,
	}
}

func TestFSContext(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "home"), 0o755); err != nil {
		t.Fatal(err)
	}
	b := image.NewBuilder()
	b.Header.RootPID = 1
	b.Begin(image.SectionFS)
	fsPos := b.Open(image.KindFS, image.ContentStack, &image.FS{Umask: 0o027})
	addFile(b, dirFile(), "/")
	addFile(b, dirFile(), "/home")
	b.Close()
	b.End()
	b.Begin(image.SectionTasks)
	parent := taskRec(1, 0)
	parent.FS = fsPos
	b.Add(image.KindTask, parent)
	child := taskRec(2, 1)
	child.FS = fsPos
	b.Add(image.KindTask, child)
	b.End()

	_, k := restoreImage(t, b, Options{RestoreRoot: root})
	fsc := taskOf(t, k, 1).FSContext()
	if taskOf(t, k, 2).FSContext() != fsc {
		t.Errorf("tasks do not share their fs context")
	}
	if got := fsc.Umask(); got != 0o027 {
		t.Errorf("Umask = %#o, want 027", got)
	}
	for _, tc := range []struct {
		what string
		f    *fs.File
		want string
	}{
		{"root", fsc.RootDirectory(), root},
		{"cwd", fsc.WorkingDirectory(), filepath.Join(root, "home")},
	} {
		if tc.f == nil {
			t.Errorf("%s not set", tc.what)
			continue
		}
		if got := tc.f.Name(); got != tc.want {
			t.Errorf("%s = %q, want %q", tc.what, got, tc.want)
		}
		tc.f.DecRef()
	}
}
