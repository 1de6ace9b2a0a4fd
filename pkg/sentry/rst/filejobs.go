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
	"context"
	"errors"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/kernel"
)

// fileJob is a descriptor whose file could not be opened while its task
// was restored.
type fileJob struct {
	pid   int32
	fd    int32
	file  image.Pos
	flags kernel.FDFlags
}

// fileJobs is the queue of deferred descriptors. Tasks append to it while
// the tree is built; the root flushes it once every task exists.
type fileJobs struct {
	mu sync.Mutex
	q  []fileJob
}

func (j *fileJobs) queue(job fileJob) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.q = append(j.q, job)
}

// Len returns the number of queued jobs.
func (j *fileJobs) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.q)
}

func (j *fileJobs) take() []fileJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	q := j.q
	j.q = nil
	return q
}

// flushJobs installs every queued descriptor. A job that still has no file
// or finds its descriptor taken is fatal.
func (c *Context) flushJobs(ctx context.Context) error {
	jobs := c.jobs.take()
	for i, job := range jobs {
		if err := c.runJob(ctx, job); err != nil {
			// Keep what was not done so it is visible on failure.
			for _, rest := range jobs[i+1:] {
				c.jobs.queue(rest)
			}
			return err
		}
	}
	if len(jobs) > 0 {
		c.log.Infof("%d deferred descriptors installed", len(jobs))
	}
	return nil
}

func (c *Context) runJob(ctx context.Context, job fileJob) error {
	u := c.unitFor(job.pid)
	if u == nil {
		return wrapf(image.KindFileDesc, job.file, unix.ESRCH, "deferred fd %d of task %d", job.fd, job.pid)
	}
	f, err := u.restoreFile(ctx, job.file, job.fd)
	if err != nil {
		return err
	}
	if f == nil {
		return wrapf(image.KindFile, job.file, unix.ENOENT, "deferred fd %d of task %d still not openable", job.fd, job.pid)
	}
	defer f.DecRef()
	table := u.t.FDTable()
	if table == nil {
		return wrapf(image.KindFile, job.file, unix.EBADF, "task %d lost its descriptor table", job.pid)
	}
	if err := table.InstallFD(job.fd, f, job.flags); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return wrapf(image.KindFile, job.file, err, "descriptor busy: fd %d of task %d", job.fd, job.pid)
		}
		return wrapf(image.KindFile, job.file, err, "installing deferred fd %d of task %d", job.fd, job.pid)
	}
	c.log.Debugf("Task %d: deferred fd %d installed", job.pid, job.fd)
	return nil
}
