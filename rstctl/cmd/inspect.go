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
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/rst/pkg/image"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	// payloads prints the decoded payload of every record.
	payloads bool

	// section restricts the listing to one section.
	section string
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "list the sections and records of a checkpoint image"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect [flags] <image> - list the sections and records of an image.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&i.payloads, "payloads", false, "print decoded record payloads.")
	f.StringVar(&i.section, "section", "", "only list the named section, e.g. \"files\".")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	img, err := image.Open(f.Arg(0))
	if err != nil {
		return Errorf("opening image: %v", err)
	}
	defer img.Close()
	if err := i.inspect(os.Stdout, img); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (i *Inspect) inspect(w io.Writer, img *image.Image) error {
	h := img.Header
	fmt.Fprintf(w, "version %d, %d bytes, root pid %d, checkpoint realtime %d monotonic %d\n",
		h.Version, img.Size(), h.RootPID, h.CheckpointRealtime, h.CheckpointMonotonic)
	found := false
	for _, s := range img.Sections() {
		if i.section != "" && s.Kind.String() != i.section {
			continue
		}
		found = true
		objs, err := img.Objects(s)
		if err != nil {
			return fmt.Errorf("section %v: %w", s.Kind, err)
		}
		fmt.Fprintf(w, "%v @%d: %d records\n", s.Kind, s.Pos, len(objs))
		for _, o := range objs {
			if err := i.object(w, img, o, 1); err != nil {
				return err
			}
		}
	}
	if i.section != "" && !found {
		return fmt.Errorf("image has no %q section", i.section)
	}
	return nil
}

func (i *Inspect) object(w io.Writer, img *image.Image, o *image.Object, depth int) error {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s%v @%d", indent, o.Kind, o.Pos)
	switch o.Content {
	case image.ContentName:
		name, err := img.Name(o)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, " %q\n", name)
		return nil
	case image.ContentVoid, image.ContentStack:
	default:
		fmt.Fprintf(w, " %v, %d bytes", o.Content, o.DataLen())
	}
	if i.payloads && o.Payload != nil {
		fmt.Fprintf(w, " %+v", o.Payload)
	}
	fmt.Fprintln(w)
	if o.Content != image.ContentStack {
		return nil
	}
	children, err := img.Children(o)
	if err != nil {
		return err
	}
	for _, ch := range children {
		if err := i.object(w, img, ch, depth+1); err != nil {
			return err
		}
	}
	return nil
}
