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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/cleanup"
	"gvisor.dev/rst/pkg/image"
	"gvisor.dev/rst/pkg/log"
	"gvisor.dev/rst/pkg/sentry/fs"
	"gvisor.dev/rst/pkg/sentry/kernel"
	"gvisor.dev/rst/pkg/sentry/rst"
	"gvisor.dev/rst/rstctl/config"
)

// Restore implements subcommands.Command for the "restore" command.
type Restore struct {
	// imagePath is the checkpoint image to restore.
	imagePath string

	// notify sends READY=1 to systemd once the tree is restored.
	notify bool

	// stdio passes rstctl's own stdin, stdout and stderr as the root's
	// descriptors 0-2.
	stdio bool

	// maps prints the mappings of every restored process.
	maps bool

	// flags holds the configuration flags.
	flags *flag.FlagSet
}

// Name implements subcommands.Command.Name.
func (*Restore) Name() string {
	return "restore"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Restore) Synopsis() string {
	return "restore a process tree from a checkpoint image"
}

// Usage implements subcommands.Command.Usage.
func (*Restore) Usage() string {
	return `restore --image=<path> [flags] - restore, resume and hold a process tree.

The tree is torn down when rstctl receives SIGINT or SIGTERM.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Restore) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.imagePath, "image", "", "path to the checkpoint image, optionally zstd compressed.")
	f.BoolVar(&r.notify, "notify", false, "notify systemd (READY=1) once the tree is restored.")
	f.BoolVar(&r.stdio, "stdio", false, "use rstctl's stdin, stdout and stderr as the root task's descriptors 0-2.")
	f.BoolVar(&r.maps, "maps", false, "print the /proc/[pid]/maps of every restored process.")
	config.RegisterFlags(f)
	r.flags = f
}

// Execute implements subcommands.Command.Execute.
func (r *Restore) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || r.imagePath == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, err := config.NewFromFlags(f)
	if err != nil {
		return Errorf("%v", err)
	}
	log.Debugf("Restore %q with %s", r.imagePath, strings.Join(conf.ToFlags(), " "))

	var cu cleanup.Cleanup
	defer cu.Clean()

	img, err := image.Open(r.imagePath)
	if err != nil {
		return Errorf("opening image: %v", err)
	}
	cu.Add(func() { img.Close() })

	opts, release, err := conf.Options()
	if err != nil {
		return Errorf("%v", err)
	}
	cu.Add(release)

	if r.stdio {
		files, err := hostStdio()
		if err != nil {
			return Errorf("%v", err)
		}
		for i, hf := range files {
			opts.Stdio[i] = hf
			cu.Add(hf.DecRef)
		}
	}
	if r.notify {
		opts.Complete = notifyReady
	}

	k := kernel.New()
	cu.Add(k.Release)

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()

	c, err := rst.Restore(ctx, img, k, opts)
	if err != nil {
		var re *rst.Error
		if errors.As(err, &re) {
			return Errorf("restore failed (%v): %v", re.Class, err)
		}
		return Errorf("restore failed: %v", err)
	}
	cu.Add(c.Kill)

	if err := c.Resume(); err != nil {
		return Errorf("resuming: %v", err)
	}
	printTree(os.Stdout, c.Root(), c.Tasks())
	if r.maps {
		if err := printMaps(os.Stdout, c.Tasks()); err != nil {
			return Errorf("printing maps: %v", err)
		}
	}

	<-ctx.Done()
	log.Infof("Restore %v: tearing down the tree", c.ID())
	return subcommands.ExitSuccess
}

// hostStdio wraps duplicates of rstctl's standard descriptors.
func hostStdio() ([3]*fs.File, error) {
	var files [3]*fs.File
	for i, f := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		fd, err := unix.Dup(int(f.Fd()))
		if err != nil {
			return files, fmt.Errorf("dup %s: %w", f.Name(), err)
		}
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err == nil {
			files[i], err = fs.NewHostFile(fd, f.Name(), uint(flags))
		}
		if err != nil {
			unix.Close(fd)
			for _, hf := range files[:i] {
				hf.DecRef()
			}
			return [3]*fs.File{}, fmt.Errorf("wrapping %s: %w", f.Name(), err)
		}
	}
	return files, nil
}

func notifyReady(ctx context.Context, c *rst.Context) error {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		return fmt.Errorf("notifying systemd: %w", err)
	}
	if !sent {
		log.Infof("NOTIFY_SOCKET is not set, readiness not sent")
	}
	return nil
}

// printTree writes the restored tree under root, children indented below
// their parents.
func printTree(w io.Writer, root *kernel.Task, tasks []*kernel.Task) {
	children := make(map[*kernel.Task][]*kernel.Task)
	for _, t := range tasks {
		if t == root {
			continue
		}
		parent := t.Parent()
		if t.ThreadGroup().Leader() != t {
			parent = t.ThreadGroup().Leader()
		}
		children[parent] = append(children[parent], t)
	}
	var walk func(t *kernel.Task, depth int)
	walk = func(t *kernel.Task, depth int) {
		kind := "process"
		if t.ThreadGroup().Leader() != t {
			kind = "thread"
		}
		fmt.Fprintf(w, "%s%d %s (%s, %v)\n", strings.Repeat("  ", depth), t.ThreadID(), t.Name(), kind, t.RunState())
		for _, ch := range children[t] {
			walk(ch, depth+1)
		}
	}
	if root != nil {
		walk(root, 0)
	}
}

// printMaps writes the mappings of each process in tasks, in the format of
// /proc/[pid]/maps. Threads share their leader's mappings and are skipped.
func printMaps(w io.Writer, tasks []*kernel.Task) error {
	for _, t := range tasks {
		m := t.MemoryManager()
		if m == nil || t.ThreadGroup().Leader() != t {
			continue
		}
		fmt.Fprintf(w, "%d %s:\n", t.ThreadID(), t.Name())
		if err := m.WriteMaps(w); err != nil {
			return err
		}
	}
	return nil
}
