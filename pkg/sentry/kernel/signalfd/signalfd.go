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

// Package signalfd provides an implementation of signal file descriptors.
package signalfd

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/sentry/fs"
)

// Name matches fs/signalfd.c:signalfd4.
const Name = "anon_inode:[signalfd]"

// SiginfoSize is the size of struct signalfd_siginfo.
const SiginfoSize = 128

// Target is the task whose pending signals a signalfd reports.
type Target interface {
	// DequeueSignal removes and returns a pending signal in mask.
	DequeueSignal(mask linux.SignalSet) (linux.Signal, bool)
}

// SignalOperations represent a file with signalfd semantics.
type SignalOperations struct {
	fs.NoHostFD

	// target is the task the signalfd was restored into. It may be nil
	// until the task is attached.
	target Target

	// mu protects below.
	mu sync.Mutex

	// mask is the signal mask. Protected by mu.
	mask linux.SignalSet
}

var _ fs.FileOperations = (*SignalOperations)(nil)

// New creates a new signalfd object with the supplied mask.
func New(mask linux.SignalSet, flags uint) *fs.File {
	inode := fs.NewInode(fs.StableAttr{Type: fs.Anonymous}, nil)
	ff := fs.LinuxToFlags(flags)
	ff.Read = true
	ff.Write = true
	ff.NonSeekable = true
	return fs.NewFile(inode, Name, ff, &SignalOperations{mask: mask &^ linux.UnblockableSignals})
}

// Operations returns the signalfd state behind f, if f is a signalfd.
func Operations(f *fs.File) (*SignalOperations, bool) {
	s, ok := f.FileOperations.(*SignalOperations)
	return s, ok
}

// Release implements fs.FileOperations.Release.
func (s *SignalOperations) Release() {}

// Mask returns the signal mask.
func (s *SignalOperations) Mask() linux.SignalSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask
}

// SetMask sets the signal mask. SIGKILL and SIGSTOP are never reported.
func (s *SignalOperations) SetMask(mask linux.SignalSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mask = mask &^ linux.UnblockableSignals
}

// SetTarget attaches the signalfd to t.
func (s *SignalOperations) SetTarget(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = t
}

// Read implements fs.FileOperations.Read.
func (s *SignalOperations) Read(_ *fs.File, dst []byte, _ int64) (int, error) {
	if len(dst) < SiginfoSize {
		return 0, unix.EINVAL
	}
	s.mu.Lock()
	target, mask := s.target, s.mask
	s.mu.Unlock()
	if target == nil {
		return 0, unix.EAGAIN
	}
	sig, ok := target.DequeueSignal(mask)
	if !ok {
		return 0, unix.EAGAIN
	}
	clear(dst[:SiginfoSize])
	binary.NativeEndian.PutUint32(dst, uint32(sig))
	return SiginfoSize, nil
}

// Write implements fs.FileOperations.Write.
func (*SignalOperations) Write(*fs.File, []byte, int64) (int, error) {
	return 0, unix.EINVAL
}

// Size implements fs.FileOperations.Size.
func (*SignalOperations) Size(*fs.File) (int64, error) {
	return 0, unix.ESPIPE
}
