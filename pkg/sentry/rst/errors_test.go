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
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/image"
)

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want Class
	}{
		{&image.FormatError{Kind: "VMA", Msg: "short"}, ClassFormat},
		{fmt.Errorf("reading: %w", image.ErrCorrupt), ClassFormat},
		{unix.ENOMEM, ClassExhaustion},
		{fmt.Errorf("table: %w", unix.EMFILE), ClassExhaustion},
		{unix.ENOENT, ClassEnvironment},
		{image.ErrUnsupported, ClassEnvironment},
	} {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWrapKeepsInnermost(t *testing.T) {
	inner := wrapf(image.KindVMA, 200, unix.EFAULT, "mapping")
	outer := wrap(image.KindTask, 100, fmt.Errorf("task: %w", inner))

	var re *Error
	if !errors.As(outer, &re) {
		t.Fatalf("wrap lost the *Error: %v", outer)
	}
	if re.Kind != image.KindVMA || re.Pos != 200 {
		t.Errorf("error names %v @%d, want VMA @200", re.Kind, re.Pos)
	}
	if !errors.Is(outer, unix.EFAULT) {
		t.Errorf("cause lost: %v", outer)
	}
	if wrap(image.KindTask, 100, nil) != nil {
		t.Errorf("wrap(nil) is not nil")
	}
}

func TestUnsupported(t *testing.T) {
	err := unsupported(image.KindFile, 64, "block device %q", "/dev/sda")
	var re *Error
	if !errors.As(err, &re) || re.Class != ClassEnvironment {
		t.Errorf("unsupported = %v, want ClassEnvironment", err)
	}
	if !errors.Is(err, image.ErrUnsupported) {
		t.Errorf("unsupported does not wrap ErrUnsupported: %v", err)
	}
}
