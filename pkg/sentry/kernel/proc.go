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

package kernel

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/sentry/fs"
)

// ParseProcPath splits a path of the form /proc/<pid>/<rest>. It returns
// false for any other path.
func ParseProcPath(name string) (ThreadID, string, bool) {
	rest, ok := strings.CutPrefix(name, "/proc/")
	if !ok {
		return 0, "", false
	}
	pid, rest, _ := strings.Cut(rest, "/")
	tid, err := strconv.ParseInt(pid, 10, 32)
	if err != nil || tid <= 0 {
		return 0, "", false
	}
	return ThreadID(tid), rest, true
}

// ResolveProcPath returns the file a /proc/<pid>/ link names on a task of k:
// fd/<n>, cwd, root or exe. The caller owns a reference on the result.
//
// It returns ENOENT if no such task or file exists yet, ESRCH if the task has
// exited, and EINVAL if name is not a resolvable proc link.
func (k *Kernel) ResolveProcPath(name string) (*fs.File, error) {
	tid, rest, ok := ParseProcPath(name)
	if !ok {
		return nil, unix.EINVAL
	}
	t := k.TaskWithID(tid)
	if t == nil {
		return nil, unix.ENOENT
	}
	if t.ExitState() != TaskExitNone {
		return nil, unix.ESRCH
	}

	var f *fs.File
	switch {
	case rest == "cwd" || rest == "root":
		fsc := t.FSContext()
		if fsc == nil {
			return nil, unix.ESRCH
		}
		if rest == "cwd" {
			f = fsc.WorkingDirectory()
		} else {
			f = fsc.RootDirectory()
		}
	case rest == "exe":
		m := t.MemoryManager()
		if m == nil {
			return nil, unix.ESRCH
		}
		f = m.Executable()
	case strings.HasPrefix(rest, "fd/"):
		fd, err := strconv.ParseInt(rest[len("fd/"):], 10, 32)
		if err != nil || fd < 0 {
			return nil, unix.EINVAL
		}
		fdTable := t.FDTable()
		if fdTable == nil {
			return nil, unix.ESRCH
		}
		f, _ = fdTable.Get(int32(fd))
	default:
		return nil, unix.EINVAL
	}
	if f == nil {
		return nil, unix.ENOENT
	}
	return f, nil
}
