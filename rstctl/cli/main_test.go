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

package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"gvisor.dev/rst/pkg/log"
	"gvisor.dev/rst/pkg/refs"
)

func TestParseLeakMode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want refs.LeakMode
	}{
		{"disabled", refs.NoLeakChecking},
		{"log-names", refs.LeaksLogWarning},
		{"panic", refs.LeaksPanic},
	} {
		got, err := parseLeakMode(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("parseLeakMode(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := parseLeakMode("sometimes"); err == nil {
		t.Errorf("parseLeakMode accepted an invalid mode")
	}
}

func TestEmitter(t *testing.T) {
	var buf bytes.Buffer
	e, err := newEmitter("json", &buf)
	if err != nil {
		t.Fatalf("newEmitter: %v", err)
	}
	e.Emit(0, log.Warning, time.Now(), "restored %d tasks", 3)
	if !strings.Contains(buf.String(), `] restored 3 tasks"`) {
		t.Errorf("json output = %q", buf.String())
	}
	if _, err := newEmitter("xml", &buf); err == nil {
		t.Errorf("newEmitter accepted an invalid format")
	}
}

func TestTargetEmitter(t *testing.T) {
	var file, stderr bytes.Buffer
	e, err := targetEmitter("text", &file, &stderr)
	if err != nil {
		t.Fatalf("targetEmitter: %v", err)
	}
	e.Emit(0, log.Info, time.Now(), "resumed %d tasks", 2)
	for name, buf := range map[string]*bytes.Buffer{"file": &file, "stderr": &stderr} {
		if !strings.Contains(buf.String(), "resumed 2 tasks") {
			t.Errorf("%s output = %q", name, buf.String())
		}
	}

	file.Reset()
	if e, err = targetEmitter("json", &file, nil); err != nil {
		t.Fatalf("targetEmitter: %v", err)
	}
	if _, ok := e.(*log.MultiEmitter); ok {
		t.Errorf("targetEmitter without a second writer returned %T", e)
	}
}
