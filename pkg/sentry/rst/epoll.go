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
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/kernel/epoll"
)

// restoreEpoll fills the interest lists of restored epoll files. It runs
// after deferred descriptors are installed, so every watched file exists.
func (c *Context) restoreEpoll() error {
	objs, err := c.img.SectionObjects(image.SectionEpoll)
	if err != nil {
		return wrap(image.KindEpoll, image.NullPos, err)
	}
	for _, o := range objs {
		if o.Kind != image.KindEpoll {
			return corrupt(o.Kind, o.Pos, "unexpected object in %v section", image.SectionEpoll)
		}
		rec := o.Payload.(*image.Epoll)
		f, ok := c.LookupFile(rec.File)
		if !ok {
			c.log.Debugf("Epoll @%d: file @%d is not used by any task", int64(o.Pos), int64(rec.File))
			continue
		}
		err := c.restoreEpollItems(o, f)
		f.DecRef()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) restoreEpollItems(o *image.Object, ef *fs.File) error {
	ep, ok := epoll.FromFile(ef)
	if !ok {
		return corrupt(o.Kind, o.Pos, "%v is not an epoll file", ef)
	}
	items, err := c.img.Children(o)
	if err != nil {
		return wrap(o.Kind, o.Pos, err)
	}
	for _, it := range items {
		if it.Kind != image.KindEpollItem {
			return corrupt(it.Kind, it.Pos, "unexpected object in %v", o.Kind)
		}
		item := it.Payload.(*image.EpollItem)
		target, ok := c.LookupFile(item.File)
		if !ok {
			return wrapf(it.Kind, it.Pos, unix.ENOENT, "watched file @%d of fd %d was not restored", int64(item.File), item.FD)
		}
		err := ep.AddEntry(epoll.FileIdentifier{File: target, FD: item.FD}, item.Events, item.Data)
		target.DecRef()
		if err != nil {
			return wrapf(it.Kind, it.Pos, err, "watching fd %d", item.FD)
		}
	}
	c.log.Debugf("%v: %d files watched", ef, len(items))
	return nil
}
