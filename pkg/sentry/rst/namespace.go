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
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/abi/linux"
	"gvisor.dev/rst/pkg/image"
)

// mountRecord is a VFSMOUNT record.
type mountRecord struct {
	o *image.Object
	*image.Mount

	device, target, fstype, source string

	// content is a tar stream of the mount's files.
	content *image.Object
}

func (c *Context) readMount(o *image.Object) (*mountRecord, error) {
	r := &mountRecord{o: o, Mount: o.Payload.(*image.Mount)}
	children, err := c.img.Children(o)
	if err != nil {
		return nil, wrap(o.Kind, o.Pos, err)
	}
	var names []string
	for _, ch := range children {
		switch {
		case ch.Kind == image.KindName:
			name, err := c.img.Name(ch)
			if err != nil {
				return nil, wrap(ch.Kind, ch.Pos, err)
			}
			names = append(names, name)
		case ch.Kind == image.KindBits && ch.Content == image.ContentTar:
			r.content = ch
		default:
			return nil, corrupt(ch.Kind, ch.Pos, "unexpected object in %v", o.Kind)
		}
	}
	want := 3
	if r.Flags&image.MountBind != 0 {
		want = 4
	}
	if len(names) != want {
		return nil, corrupt(o.Kind, o.Pos, "mount with %d names, want %d", len(names), want)
	}
	r.device, r.target, r.fstype = names[0], names[1], names[2]
	if want == 4 {
		r.source = names[3]
	}
	return r, nil
}

// restoreNamespace recreates the mounts of the image's namespace under the
// restore root.
func (c *Context) restoreNamespace(ctx context.Context) error {
	objs, err := c.img.SectionObjects(image.SectionNamespace)
	if err != nil {
		return wrap(image.KindNamespace, image.NullPos, err)
	}
	if len(objs) > 1 {
		return unsupported(objs[1].Kind, objs[1].Pos, "%d mount namespaces", len(objs))
	}
	for _, ns := range objs {
		if ns.Kind != image.KindNamespace {
			return corrupt(ns.Kind, ns.Pos, "unexpected object in %v section", image.SectionNamespace)
		}
		mounts, err := c.img.Children(ns)
		if err != nil {
			return wrap(ns.Kind, ns.Pos, err)
		}
		for _, o := range mounts {
			if err := ctx.Err(); err != nil {
				return err
			}
			if o.Kind != image.KindMount {
				return corrupt(o.Kind, o.Pos, "unexpected object in %v", ns.Kind)
			}
			r, err := c.readMount(o)
			if err != nil {
				return err
			}
			if err := c.restoreMount(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Context) restoreMount(r *mountRecord) error {
	if r.target == "/" {
		return nil
	}
	target := c.hostPath(r.target)
	if r.Flags&image.MountExternal != 0 {
		mounted, err := mountinfo.Mounted(target)
		if err != nil {
			return wrapf(r.o.Kind, r.o.Pos, err, "checking external mount %q", target)
		}
		if !mounted {
			return wrapf(r.o.Kind, r.o.Pos, unix.ENOENT, "external mount %q is not mounted", target)
		}
		c.log.Debugf("External mount %q present", target)
		return nil
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return wrapf(r.o.Kind, r.o.Pos, err, "creating mount point")
	}
	source, flags := r.device, uintptr(r.MntFlags)
	if r.Flags&image.MountBind != 0 {
		source = c.hostPath(r.source)
		flags |= linux.MS_BIND
	}
	if err := c.opts.Mounter.Mount(source, target, r.fstype, flags, ""); err != nil {
		return wrapf(r.o.Kind, r.o.Pos, err, "mounting %s on %q", r.fstype, target)
	}
	c.log.Infof("Mounted %s %q on %q", r.fstype, source, target)

	if r.content == nil {
		return nil
	}
	if r.fstype != "tmpfs" || r.Flags&image.MountBind != 0 {
		c.warn.Warningf("Content of %s mount %q ignored", r.fstype, target)
		return nil
	}
	data, err := c.img.Data(r.content)
	if err != nil {
		return wrap(r.content.Kind, r.content.Pos, err)
	}
	if err := untar(target, bytes.NewReader(data)); err != nil {
		return wrapf(r.content.Kind, r.content.Pos, err, "unpacking into %q", target)
	}
	return nil
}

// untar extracts the tar stream rd under dir. Entries may not leave dir.
func untar(dir string, rd io.Reader) error {
	tr := tar.NewReader(rd)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", image.ErrCorrupt, err)
		}
		path := filepath.Join(dir, filepath.Clean("/"+hdr.Name))
		if path != dir && !strings.HasPrefix(path, dir+"/") {
			return fmt.Errorf("entry %q: %w", hdr.Name, unix.EINVAL)
		}
		mode := os.FileMode(hdr.Mode) & os.ModePerm
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, mode); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, path); err != nil {
				return err
			}
		default:
			continue
		}
		if hdr.Typeflag != tar.TypeSymlink {
			if err := os.Chtimes(path, hdr.AccessTime, hdr.ModTime); err != nil {
				return err
			}
		}
	}
}
