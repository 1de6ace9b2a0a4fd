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
	"io"

	"gvisor.dev/rst/pkg/hostarch"
)

// ReaderPageSource serves lazy pages from a page store, page index i being
// at offset i*PageSize. Pages past the end of the store read as zeroes.
type ReaderPageSource struct {
	r io.ReaderAt
}

// NewReaderPageSource returns a page source reading from r.
func NewReaderPageSource(r io.ReaderAt) *ReaderPageSource {
	return &ReaderPageSource{r: r}
}

// ReadPage implements mm.PageSource.ReadPage.
func (s *ReaderPageSource) ReadPage(index uint64, dst []byte) error {
	if len(dst) != hostarch.PageSize {
		return fmt.Errorf("page buffer of %d bytes", len(dst))
	}
	n, err := s.r.ReadAt(dst, int64(index)*hostarch.PageSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading page %d: %w", index, err)
	}
	clear(dst[n:])
	return nil
}
