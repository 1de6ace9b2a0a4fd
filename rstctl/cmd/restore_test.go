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

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/kernel"
	"gvisor.dev/rst/pkg/sentry/rst"
)

func task(pid, tgid, rppid int32, mm image.Pos) *image.Task {
	t := &image.Task{
		PID:     pid,
		TGID:    tgid,
		PPID:    rppid,
		RPPID:   rppid,
		Leader:  tgid,
		MM:      mm,
		Files:   image.NullPos,
		FS:      image.NullPos,
		SigHand: image.NullPos,
		Signal:  image.NullPos,
	}
	for i := range t.RLimits {
		t.RLimits[i] = image.RLimit{Cur: math.MaxUint64, Max: math.MaxUint64}
	}
	copy(t.Comm[:], fmt.Sprintf("task%d", pid))
	return t
}

func TestPrintTree(t *testing.T) {
	b := image.NewBuilder()
	b.Header.RootPID = 1
	b.Begin(image.SectionMM)
	var mms [2]image.Pos
	for i := range mms {
		mms[i] = b.Open(image.KindMM, image.ContentStack, &image.MM{})
		b.Add(image.KindVMA, &image.VMA{
			Start: 0x10000,
			End:   0x11000,
			Flags: linux.VM_READ | linux.VM_WRITE | linux.VM_MAYREAD | linux.VM_MAYWRITE,
			File:  image.NullPos,
		})
		b.Close()
	}
	b.End()
	b.Begin(image.SectionTasks)
	b.Add(image.KindTask, task(1, 1, 0, mms[0]))
	b.Add(image.KindTask, task(2, 2, 1, mms[1]))
	b.Add(image.KindTask, task(3, 2, 1, mms[1]))
	b.End()
	img, err := b.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}

	k := kernel.New()
	defer k.Release()
	c, err := rst.Restore(context.Background(), img, k, rst.Options{RestoreRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	defer c.Kill()
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	var buf bytes.Buffer
	printTree(&buf, c.Root(), c.Tasks())
	want := "1 task1 (process, running)\n" +
		"  2 task2 (process, running)\n" +
		"    3 task3 (thread, running)\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := printMaps(&buf, c.Tasks()); err != nil {
		t.Fatalf("printMaps: %v", err)
	}
	want = "1 task1:\n" +
		"00010000-00011000 rw-p 00000000 00:00 0 \n" +
		"2 task2:\n" +
		"00010000-00011000 rw-p 00000000 00:00 0 \n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("maps mismatch (-want +got):\n%s", diff)
	}
}
