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
	"bytes"
	"testing"

	"gvisor.dev/rst/pkg/hostarch"
)

func TestReaderPageSource(t *testing.T) {
	store := append(page('a'), []byte("tail")...)
	src := NewReaderPageSource(bytes.NewReader(store))

	for _, tc := range []struct {
		name  string
		index uint64
		want  []byte
	}{
		{"full", 0, page('a')},
		{"partial", 1, append([]byte("tail"), make([]byte, hostarch.PageSize-4)...)},
		{"past end", 5, make([]byte, hostarch.PageSize)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dst := page('x')
			if err := src.ReadPage(tc.index, dst); err != nil {
				t.Fatalf("ReadPage(%d): %v", tc.index, err)
			}
			if !bytes.Equal(dst, tc.want) {
				t.Errorf("ReadPage(%d) returned the wrong bytes", tc.index)
			}
		})
	}

	if err := src.ReadPage(0, make([]byte, 10)); err == nil {
		t.Errorf("ReadPage into a short buffer succeeded")
	}
}
