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

package fs

import (
	"io"

	"golang.org/x/sys/unix"
)

// placeholderFileOperations stands in for files whose object no longer
// exists, e.g. /proc entries of processes that were not restored.
type placeholderFileOperations struct {
	NoHostFD
}

// Release implements FileOperations.Release.
func (placeholderFileOperations) Release() {}

// Read implements FileOperations.Read.
func (placeholderFileOperations) Read(*File, []byte, int64) (int, error) {
	return 0, io.EOF
}

// Write implements FileOperations.Write.
func (placeholderFileOperations) Write(*File, []byte, int64) (int, error) {
	return 0, unix.EIO
}

// Size implements FileOperations.Size.
func (placeholderFileOperations) Size(*File) (int64, error) {
	return 0, nil
}

// NewPlaceholderFile returns an in-process file named name that reads as
// empty and refuses writes.
func NewPlaceholderFile(name string, flags uint) *File {
	inode := NewInode(StableAttr{Type: SpecialFile}, nil)
	ff := LinuxToFlags(flags)
	return NewFile(inode, name, ff, placeholderFileOperations{})
}
