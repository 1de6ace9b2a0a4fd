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

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}
	if diff := cmp.Diff([]string{"no newline", "\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Emitter: &Writer{Next: tw}}
	l.SetLevel(Info)

	l.Debugf("debug")
	l.Infof("info")
	l.Warningf("warning")

	if diff := cmp.Diff([]string{"info", "\n", "warning", "\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
	if l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = true at level Info")
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	g := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2024, time.May, 3, 4, 5, 6, 7000, time.UTC)
	g.Emit(0, Warning, ts, "hello %d", 42)

	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0503 04:05:06.000007 ") {
		t.Errorf("bad header: %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller missing from %q", line)
	}
	if !strings.HasSuffix(line, "] hello 42\n") {
		t.Errorf("bad message: %q", line)
	}
}

func TestPrefixed(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Emitter: &Writer{Next: tw}}
	l.SetLevel(Debug)

	p := Prefixed(l, "rst[100%]: ")
	p.Infof("pid %d", 7)
	if diff := cmp.Diff([]string{"rst[100%]: pid 7", "\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestRateLimited(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Emitter: &Writer{Next: tw}}
	l.SetLevel(Debug)

	rl := RateLimitedLogger(l, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warningf("message %d", i)
	}
	if diff := cmp.Diff([]string{"message 0", "\n"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
	if got := Suppressed(rl); got != 4 {
		t.Errorf("Suppressed() = %d, want 4", got)
	}
	if got := Suppressed(l); got != 0 {
		t.Errorf("Suppressed(basic) = %d, want 0", got)
	}
}

func TestFileVars(t *testing.T) {
	vars := FileVars{"ID": "abc", "COMMAND": "restore"}
	if got, want := vars.Build("/tmp/%ID%/rst.%COMMAND%.log"), "/tmp/abc/rst.restore.log"; got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}
