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

package mm

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

const (
	// devMinorBits is the number of minor bits in a device number. Linux:
	// include/linux/kdev_t.h:MINORBITS
	devMinorBits = 20
)

// WriteMaps writes mm's mappings to w in the format of /proc/[pid]/maps.
func (mm *MemoryManager) WriteMaps(w io.Writer) error {
	for _, info := range mm.VMAs() {
		if _, err := w.Write(mapsEntry(info)); err != nil {
			return err
		}
	}
	return nil
}

// mapsEntry returns a /proc/[pid]/maps entry for the vma, including the
// trailing newline.
func mapsEntry(info VMAInfo) []byte {
	private := "p"
	if !info.Private {
		private = "s"
	}

	var dev, ino uint64
	if f := info.File; f != nil {
		dev = f.Inode.StableAttr.DeviceID
		ino = f.Inode.StableAttr.InodeID
	}
	devMajor := uint32(dev >> devMinorBits)
	devMinor := uint32(dev & ((1 << devMinorBits) - 1))

	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %s%s %08x %02x:%02x %d ",
		uint64(info.Range.Start), uint64(info.Range.End), info.Perms, private, info.Offset, devMajor, devMinor, ino)

	if s := info.Name; s != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - b.Len(); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(s)
	}
	b.WriteString("\n")
	return b.Bytes()
}
