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
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/hostarch"
	"gvisor.dev/rst/pkg/refs"
	"gvisor.dev/rst/pkg/sentry/fs"
)

const (
	base = hostarch.Addr(0x400000)
	pg   = hostarch.PageSize
)

func anonOpts(addr hostarch.Addr, pages uint64, perms hostarch.AccessType) MMapOpts {
	return MMapOpts{
		Length:  pages * pg,
		Addr:    addr,
		Fixed:   true,
		Private: true,
		Perms:   perms,
	}
}

func mustMMap(t *testing.T, mm *MemoryManager, opts MMapOpts) hostarch.Addr {
	t.Helper()
	addr, err := mm.MMap(opts)
	if err != nil {
		t.Fatalf("MMap(%+v) failed: %v", opts, err)
	}
	return addr
}

func ranges(mm *MemoryManager) []hostarch.AddrRange {
	var rs []hostarch.AddrRange
	for _, info := range mm.VMAs() {
		rs = append(rs, info.Range)
	}
	return rs
}

func TestMergeAndSplit(t *testing.T) {
	mm := NewMemoryManager()
	defer mm.DecUsers()

	mustMMap(t, mm, anonOpts(base, 2, hostarch.ReadWrite))
	mustMMap(t, mm, anonOpts(base+2*pg, 2, hostarch.ReadWrite))
	// Incompatible protections are not merged.
	mustMMap(t, mm, anonOpts(base+4*pg, 1, hostarch.Read))

	want := []hostarch.AddrRange{
		{Start: base, End: base + 4*pg},
		{Start: base + 4*pg, End: base + 5*pg},
	}
	if diff := cmp.Diff(want, ranges(mm)); diff != "" {
		t.Fatalf("VMAs after merge (-want +got):\n%s", diff)
	}

	if split, err := mm.Split(base + 2*pg); err != nil || !split {
		t.Fatalf("Split = %v, %v; want true, nil", split, err)
	}
	if split, _ := mm.Split(base + 2*pg); split {
		t.Errorf("second Split at the same address split again")
	}
	want = []hostarch.AddrRange{
		{Start: base, End: base + 2*pg},
		{Start: base + 2*pg, End: base + 4*pg},
		{Start: base + 4*pg, End: base + 5*pg},
	}
	if diff := cmp.Diff(want, ranges(mm)); diff != "" {
		t.Fatalf("VMAs after split (-want +got):\n%s", diff)
	}
	a, _ := mm.FindVMA(base)
	b, _ := mm.FindVMA(base + 2*pg)
	if a.Anon != b.Anon {
		t.Errorf("split halves have different anonymous identities")
	}
	if got, want := mm.VirtualMemorySize(), uint64(5*pg); got != want {
		t.Errorf("VirtualMemorySize() = %d, want %d", got, want)
	}
}

func TestFixedNoReplace(t *testing.T) {
	mm := NewMemoryManager()
	defer mm.DecUsers()

	mustMMap(t, mm, anonOpts(base, 2, hostarch.ReadWrite))
	if _, err := mm.MMap(anonOpts(base+pg, 2, hostarch.ReadWrite)); !errors.Is(err, unix.EEXIST) {
		t.Errorf("overlapping MMap = %v, want EEXIST", err)
	}
	opts := anonOpts(base+pg, 2, hostarch.Read)
	opts.Unmap = true
	mustMMap(t, mm, opts)
	want := []hostarch.AddrRange{
		{Start: base, End: base + pg},
		{Start: base + pg, End: base + 3*pg},
	}
	if diff := cmp.Diff(want, ranges(mm)); diff != "" {
		t.Errorf("VMAs (-want +got):\n%s", diff)
	}
}

func TestCopyInOut(t *testing.T) {
	mm := NewMemoryManager()
	defer mm.DecUsers()
	mustMMap(t, mm, anonOpts(base, 2, hostarch.Read))

	data := []byte("straddles a page boundary")
	addr := base + pg - 5
	if _, err := mm.CopyOut(addr, data, IOOpts{}); !errors.Is(err, unix.EFAULT) {
		t.Errorf("CopyOut to read-only memory = %v, want EFAULT", err)
	}
	if n, err := mm.CopyOut(addr, data, IOOpts{IgnorePermissions: true}); err != nil || n != len(data) {
		t.Fatalf("forced CopyOut = %d, %v", n, err)
	}
	got := make([]byte, len(data))
	if _, err := mm.CopyIn(addr, got, IOOpts{}); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("CopyIn = %q, want %q", got, data)
	}

	zero := make([]byte, 16)
	if _, err := mm.CopyIn(base, zero, IOOpts{}); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if !bytes.Equal(zero, make([]byte, 16)) {
		t.Errorf("untouched anonymous memory is not zero")
	}
	if n, err := mm.CopyIn(base+pg, make([]byte, 2*pg), IOOpts{}); !errors.Is(err, unix.EFAULT) || n != pg {
		t.Errorf("CopyIn past the mapping = %d, %v; want %d, EFAULT", n, err, pg)
	}

	if _, err := mm.ZeroOut(addr, len(data), IOOpts{IgnorePermissions: true}); err != nil {
		t.Fatalf("ZeroOut: %v", err)
	}
	mm.CopyIn(addr, got, IOOpts{})
	if !bytes.Equal(got, make([]byte, len(data))) {
		t.Errorf("after ZeroOut, memory = %q", got)
	}
}

func TestShareAnonPages(t *testing.T) {
	parent := NewMemoryManager()
	defer parent.DecUsers()
	child := NewMemoryManager()
	defer child.DecUsers()

	mustMMap(t, parent, anonOpts(base, 2, hostarch.ReadWrite))
	mustMMap(t, child, anonOpts(base, 2, hostarch.ReadWrite))
	parent.CopyOut(base, []byte("parent"), IOOpts{})

	ar := hostarch.AddrRange{Start: base, End: base + 2*pg}
	if err := child.ShareAnonPages(parent, ar); !errors.Is(err, ErrAnonMismatch) {
		t.Fatalf("ShareAnonPages across identities = %v, want ErrAnonMismatch", err)
	}
	pv, _ := parent.FindVMA(base)
	if err := child.SetAnon(ar, pv.Anon); err != nil {
		t.Fatalf("SetAnon: %v", err)
	}
	if err := child.ShareAnonPages(parent, ar); err != nil {
		t.Fatalf("ShareAnonPages: %v", err)
	}
	if !child.SharesPage(parent, base) {
		t.Errorf("page at %v is not shared", base)
	}

	// Writes break sharing.
	child.CopyOut(base, []byte("child!"), IOOpts{})
	if child.SharesPage(parent, base) {
		t.Errorf("page at %v still shared after write", base)
	}
	got := make([]byte, 6)
	parent.CopyIn(base, got, IOOpts{})
	if string(got) != "parent" {
		t.Errorf("parent memory = %q, want parent", got)
	}
	child.CopyIn(base, got, IOOpts{})
	if string(got) != "child!" {
		t.Errorf("child memory = %q, want child!", got)
	}

	// An identity cannot change under present pages.
	if err := child.SetAnon(ar, NewAnonVMA()); !errors.Is(err, unix.EBUSY) {
		t.Errorf("SetAnon with pages present = %v, want EBUSY", err)
	}
}

type fakeSource struct {
	reads []uint64
}

func (s *fakeSource) ReadPage(index uint64, dst []byte) error {
	s.reads = append(s.reads, index)
	for i := range dst {
		dst[i] = byte(index)
	}
	return nil
}

func TestLazy(t *testing.T) {
	mm := NewMemoryManager()
	defer mm.DecUsers()
	mustMMap(t, mm, anonOpts(base, 4, hostarch.ReadWrite))

	src := &fakeSource{}
	ar := hostarch.AddrRange{Start: base + pg, End: base + 3*pg}
	if err := mm.SetLazy(ar, src, 10); err != nil {
		t.Fatalf("SetLazy: %v", err)
	}
	if got := len(mm.VMAs()); got != 1 {
		t.Errorf("SetLazy changed the layout: %d vmas", got)
	}
	if got := mm.LazyBytes(); got != 2*pg {
		t.Errorf("LazyBytes() = %d, want %d", got, 2*pg)
	}

	b := make([]byte, 1)
	mm.CopyIn(base+2*pg, b, IOOpts{})
	if b[0] != 11 {
		t.Errorf("lazy page content = %d, want 11", b[0])
	}
	mm.CopyOut(base+pg, []byte{0xff}, IOOpts{})
	if got := mm.LazyBytes(); got != pg {
		t.Errorf("LazyBytes() after a write = %d, want %d", got, pg)
	}
	if err := mm.Populate(ar); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if got := mm.LazyBytes(); got != 0 {
		t.Errorf("LazyBytes() after Populate = %d, want 0", got)
	}
	mm.CopyIn(base+pg+1, b, IOOpts{})
	if b[0] != 10 {
		t.Errorf("populated page content = %d, want 10", b[0])
	}
	mm.CopyIn(base, b, IOOpts{})
	if b[0] != 0 {
		t.Errorf("page outside the lazy range = %d, want 0", b[0])
	}
}

func TestSharedAnonymous(t *testing.T) {
	a := NewMemoryManager()
	defer a.DecUsers()
	b := NewMemoryManager()
	defer b.DecUsers()

	mustMMap(t, a, MMapOpts{Length: 2 * pg, Addr: base, Fixed: true, Perms: hostarch.ReadWrite})
	info, _ := a.FindVMA(base)
	if info.Object == nil || info.Private {
		t.Fatalf("shared anonymous mapping has no object: %+v", info)
	}
	if info.Flags&linux.VM_SHARED == 0 {
		t.Errorf("flags %#x lack VM_SHARED", info.Flags)
	}
	mustMMap(t, b, MMapOpts{Length: 2 * pg, Addr: base + 8*pg, Fixed: true, Perms: hostarch.ReadWrite, Object: info.Object})

	a.CopyOut(base+pg, []byte("shared"), IOOpts{})
	got := make([]byte, 6)
	b.CopyIn(base+9*pg, got, IOOpts{})
	if string(got) != "shared" {
		t.Errorf("b sees %q, want shared", got)
	}
}

func openFile(t *testing.T, content string, flags uint) *fs.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := fs.OpenHost(path, flags, 0)
	if err != nil {
		t.Fatalf("OpenHost: %v", err)
	}
	return f
}

func TestFileMappings(t *testing.T) {
	content := strings.Repeat("a", pg) + "second page"
	f := openFile(t, content, linux.O_RDWR)
	defer f.DecRef()

	mm := NewMemoryManager()
	defer mm.DecUsers()
	mustMMap(t, mm, MMapOpts{Length: pg, File: f, Offset: pg, Addr: base, Fixed: true, Private: true, Perms: hostarch.ReadWrite})
	mustMMap(t, mm, MMapOpts{Length: 2 * pg, File: f, Addr: base + 4*pg, Fixed: true, Perms: hostarch.ReadWrite})

	got := make([]byte, 6)
	mm.CopyIn(base, got, IOOpts{})
	if string(got) != "second" {
		t.Errorf("private file mapping reads %q, want second", got)
	}

	// Private writes stay private.
	mm.CopyOut(base, []byte("SECOND"), IOOpts{})
	buf := make([]byte, 6)
	f.ReadAt(buf, pg)
	if string(buf) != "second" {
		t.Errorf("private write reached the file: %q", buf)
	}

	// Shared writes reach the file.
	mm.CopyOut(base+4*pg, []byte("bbbb"), IOOpts{})
	f.ReadAt(buf[:4], 0)
	if string(buf[:4]) != "bbbb" {
		t.Errorf("shared write did not reach the file: %q", buf[:4])
	}

	ro := openFile(t, content, linux.O_RDONLY)
	defer ro.DecRef()
	if _, err := mm.MMap(MMapOpts{Length: pg, File: ro, Addr: base + 8*pg, Fixed: true, Perms: hostarch.ReadWrite}); !errors.Is(err, unix.EACCES) {
		t.Errorf("writable shared mapping of a read-only file = %v, want EACCES", err)
	}
	mustMMap(t, mm, MMapOpts{Length: pg, File: ro, Addr: base + 8*pg, Fixed: true, Perms: hostarch.Read})
	if info, _ := mm.FindVMA(base + 8*pg); info.Flags&linux.VM_MAYWRITE != 0 {
		t.Errorf("read-only shared file mapping has VM_MAYWRITE: %#x", info.Flags)
	}
}

func TestRemapFilePages(t *testing.T) {
	f := openFile(t, "0000"+strings.Repeat("\x00", pg-4)+"1111", linux.O_RDWR)
	defer f.DecRef()
	mm := NewMemoryManager()
	defer mm.DecUsers()
	mustMMap(t, mm, MMapOpts{Length: 2 * pg, File: f, Addr: base, Fixed: true, Perms: hostarch.ReadWrite})

	if err := mm.RemapFilePages(base, pg, 1); err != nil {
		t.Fatalf("RemapFilePages: %v", err)
	}
	got := make([]byte, 4)
	mm.CopyIn(base, got, IOOpts{})
	if string(got) != "1111" {
		t.Errorf("remapped page reads %q, want 1111", got)
	}
}

func TestFlagFixups(t *testing.T) {
	mm := NewMemoryManager()
	defer mm.DecUsers()
	mustMMap(t, mm, anonOpts(base, 4, hostarch.ReadWrite))

	info, _ := mm.FindVMA(base)
	want := uint64(linux.VM_READ | linux.VM_WRITE | linux.VM_MAYREAD | linux.VM_MAYWRITE | linux.VM_MAYEXEC | linux.VM_ACCOUNT)
	if info.Flags != want {
		t.Errorf("Flags = %#x, want %#x", info.Flags, want)
	}
	if info.Pgprot != linux.PAGE_PRESENT|linux.PAGE_USER|linux.PAGE_NX {
		t.Errorf("Pgprot = %#x", info.Pgprot)
	}

	if err := mm.MLock(base+pg, pg, true); err != nil {
		t.Fatalf("MLock: %v", err)
	}
	if got := mm.LockedMemorySize(); got != pg {
		t.Errorf("LockedMemorySize() = %d, want %d", got, pg)
	}
	if err := mm.MAdviseReadHint(base+2*pg, pg, linux.VM_SEQ_READ); err != nil {
		t.Fatalf("MAdviseReadHint: %v", err)
	}
	if err := mm.MProtect(base+3*pg, pg, hostarch.Read); err != nil {
		t.Fatalf("MProtect: %v", err)
	}
	var got []uint64
	for _, info := range mm.VMAs() {
		got = append(got, info.Flags&(linux.VM_LOCKED|linux.VM_SEQ_READ|linux.VM_WRITE))
	}
	if diff := cmp.Diff([]uint64{linux.VM_WRITE, linux.VM_WRITE | linux.VM_LOCKED, linux.VM_WRITE | linux.VM_SEQ_READ, 0}, got); diff != "" {
		t.Errorf("flags (-want +got):\n%s", diff)
	}
	if err := mm.MProtect(base+8*pg, pg, hostarch.Read); !errors.Is(err, unix.ENOMEM) {
		t.Errorf("MProtect of unmapped memory = %v, want ENOMEM", err)
	}
}

func TestAIOContext(t *testing.T) {
	mm := NewMemoryManager()
	defer mm.DecUsers()

	ctx, err := mm.NewAIOContext(base, 128)
	if err != nil {
		t.Fatalf("NewAIOContext: %v", err)
	}
	pages, nr := linux.AIORingGeometry(128, pg)
	if ctx.Pages != pages || uint64(ctx.Nr) != nr {
		t.Errorf("geometry = %d pages, %d events; want %d, %d", ctx.Pages, ctx.Nr, pages, nr)
	}
	info, ok := mm.FindVMA(base)
	if !ok || info.Kind != AIOVMA || info.Range.Length() != pages*pg {
		t.Errorf("ring mapping = %+v", info)
	}
	if got, ok := mm.LookupAIOContext(base); !ok || got != ctx {
		t.Errorf("LookupAIOContext failed")
	}
}

func TestWriteMaps(t *testing.T) {
	mm := NewMemoryManager()
	defer mm.DecUsers()
	mustMMap(t, mm, anonOpts(0x1000, 1, hostarch.Read))
	opts := anonOpts(0x3000, 2, hostarch.ReadWrite)
	opts.GrowsDown = true
	opts.Hint = "[stack]"
	mustMMap(t, mm, opts)

	var b strings.Builder
	if err := mm.WriteMaps(&b); err != nil {
		t.Fatalf("WriteMaps: %v", err)
	}
	want := "00001000-00002000 r--p 00000000 00:00 0 \n" +
		"00003000-00005000 rw-p 00000000 00:00 0 " + strings.Repeat(" ", 73-40) + "[stack]\n"
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("maps (-want +got):\n%s", diff)
	}
}

func TestNoLeaks(t *testing.T) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	defer refs.SetLeakMode(refs.NoLeakChecking)

	f := openFile(t, "x", linux.O_RDWR)
	mm := NewMemoryManager()
	mustMMap(t, mm, MMapOpts{Length: pg, File: f, Addr: base, Fixed: true, Private: true, Perms: hostarch.Read})
	mustMMap(t, mm, MMapOpts{Length: 2 * pg, Addr: base + pg, Fixed: true, Perms: hostarch.ReadWrite})
	mm.Split(base + 2*pg)
	f.DecRef()
	if !mm.IncUsers() {
		t.Fatalf("IncUsers failed")
	}
	mm.DecUsers()
	if got := len(refs.LiveObjects("mm.MemoryObject")); got != 1 {
		t.Errorf("live objects with users = %d, want 1", got)
	}
	mm.DecUsers()
	if got := refs.LiveObjects(""); len(got) != 0 {
		t.Errorf("leaked: %v", got)
	}
	if mm.IncUsers() {
		t.Errorf("IncUsers succeeded on a dead MemoryManager")
	}
}
