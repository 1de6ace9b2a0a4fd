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

// FileOperations are operations on a File that diverge per file system.
//
// Operations that take a File may use only the following interfaces:
//
//   - File.Flags: File.flags is protected by its own mutex, and is safe to
//     read and write.
//   - File.Inode: immutable for the lifetime of the File.
type FileOperations interface {
	// Release release resources held by FileOperations.
	Release()

	// Read reads from the file into dst at offset and returns the number
	// of bytes read. Non-seekable files ignore offset.
	Read(file *File, dst []byte, offset int64) (int, error)

	// Write writes src to file at offset and returns the number of bytes
	// written. Non-seekable files ignore offset.
	Write(file *File, src []byte, offset int64) (int, error)

	// Size returns the current size of the file, for SEEK_END.
	Size(file *File) (int64, error)

	// HostFD returns the host descriptor backing the file, or -1 if the
	// file is implemented in-process.
	HostFD() int
}

// NoHostFD can be embedded by in-process file implementations.
type NoHostFD struct{}

// HostFD implements FileOperations.HostFD.
func (NoHostFD) HostFD() int {
	return -1
}
