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
	"strings"
	"testing"

	"gvisor.dev/rst/pkg/image"
)

func testImage(t *testing.T) *image.Image {
	t.Helper()
	b := image.NewBuilder()
	b.Header.RootPID = 1
	b.Begin(image.SectionFiles)
	b.Open(image.KindFile, image.ContentStack, &image.File{Inode: image.NullPos, FownFD: -1})
	b.AddName("/etc/hosts")
	b.Close()
	b.End()
	b.Begin(image.SectionTasks)
	b.Add(image.KindTask, &image.Task{PID: 1, TGID: 1, MM: image.NullPos})
	b.End()
	img, err := b.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	return img
}

func TestInspect(t *testing.T) {
	var buf bytes.Buffer
	i := &Inspect{}
	if err := i.inspect(&buf, testImage(t)); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"root pid 1", "files @", "FILE @", `NAME @`, `"/etc/hosts"`, "tasks @", "TASK @"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestInspectSection(t *testing.T) {
	var buf bytes.Buffer
	i := &Inspect{section: "tasks", payloads: true}
	if err := i.inspect(&buf, testImage(t)); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "FILE") {
		t.Errorf("output lists records of another section:\n%s", out)
	}
	if !strings.Contains(out, "PID:1") {
		t.Errorf("output lacks the task payload:\n%s", out)
	}

	i.section = "sockets"
	if err := i.inspect(&buf, testImage(t)); err == nil {
		t.Errorf("inspect of a missing section succeeded")
	}
}
