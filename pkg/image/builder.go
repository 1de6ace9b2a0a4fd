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

package image

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"gvisor.dev/rst/pkg/hostarch"
)

// Builder writes images. It is used by tests and tools to produce images;
// misuse (unbalanced Begin/End or Open/Close) panics.
//
// Objects are written in order, so an object can only refer to objects
// written before it.
type Builder struct {
	// Header is written when the image is finished. Magic, Version, Arch
	// and PageSize default to values this host accepts.
	Header Header

	buf     []byte
	section Pos
	open    []Pos
}

// NewBuilder returns a builder for a current-version image.
func NewBuilder() *Builder {
	b := &Builder{
		Header: Header{
			Magic:    magic,
			Version:  Version,
			Arch:     hostArch,
			PageSize: hostarch.PageSize,
		},
		buf:     make([]byte, HeaderSize),
		section: NullPos,
	}
	return b
}

// Pos returns the position the next write goes to.
func (b *Builder) Pos() Pos {
	return Pos(len(b.buf))
}

// Begin starts a section.
func (b *Builder) Begin(kind SectionKind) Pos {
	if !b.section.IsNull() {
		panic(fmt.Sprintf("section %v begun inside another section", kind))
	}
	b.section = b.Pos()
	b.buf = binary.LittleEndian.AppendUint64(b.buf, 0)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(kind))
	b.buf = binary.LittleEndian.AppendUint16(b.buf, recordHeaderSize)
	b.buf = binary.LittleEndian.AppendUint16(b.buf, 8)
	return b.section
}

// End finishes the current section.
func (b *Builder) End() {
	if b.section.IsNull() || len(b.open) != 0 {
		panic("End without a matching Begin")
	}
	b.PatchUint64(b.section, uint64(b.Pos()-b.section))
	b.section = NullPos
}

// Open starts an object. Nested objects and data written before the matching
// Close are part of it.
func (b *Builder) Open(kind ObjectKind, content Content, payload any) Pos {
	pos := b.Pos()
	var p []byte
	if payload != nil {
		var err error
		if p, err = binary.Append(nil, binary.LittleEndian, payload); err != nil {
			panic(fmt.Sprintf("encoding %v payload: %v", kind, err))
		}
	}
	b.buf = binary.LittleEndian.AppendUint64(b.buf, 0)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(kind))
	b.buf = binary.LittleEndian.AppendUint16(b.buf, uint16(recordHeaderSize+len(p)))
	b.buf = binary.LittleEndian.AppendUint16(b.buf, uint16(content))
	b.buf = append(b.buf, p...)
	b.open = append(b.open, pos)
	return pos
}

// Close finishes the innermost open object.
func (b *Builder) Close() {
	if len(b.open) == 0 {
		panic("Close without a matching Open")
	}
	pos := b.open[len(b.open)-1]
	b.open = b.open[:len(b.open)-1]
	b.PatchUint64(pos, uint64(b.Pos()-pos))
}

// Add writes an object without nested content.
func (b *Builder) Add(kind ObjectKind, payload any) Pos {
	pos := b.Open(kind, ContentVoid, payload)
	b.Close()
	return pos
}

// AddData writes an object followed by data.
func (b *Builder) AddData(kind ObjectKind, content Content, payload any, data []byte) Pos {
	pos := b.Open(kind, content, payload)
	b.Write(data)
	b.Close()
	return pos
}

// AddName writes a NAME object.
func (b *Builder) AddName(name string) Pos {
	return b.AddData(KindName, ContentName, nil, []byte(name))
}

// AddArray writes an object followed by an array of uint64.
func (b *Builder) AddArray(kind ObjectKind, payload any, a []uint64) Pos {
	pos := b.Open(kind, ContentArray, payload)
	for _, v := range a {
		b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	}
	b.Close()
	return pos
}

// Write appends raw bytes.
func (b *Builder) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

// PatchUint64 overwrites eight bytes at pos. Tests use it to corrupt
// images.
func (b *Builder) PatchUint64(pos Pos, v uint64) {
	binary.LittleEndian.PutUint64(b.buf[pos:], v)
}

// PatchUint16 overwrites two bytes at pos.
func (b *Builder) PatchUint16(pos Pos, v uint16) {
	binary.LittleEndian.PutUint16(b.buf[pos:], v)
}

// Bytes finishes the image and returns it.
func (b *Builder) Bytes() []byte {
	if !b.section.IsNull() || len(b.open) != 0 {
		panic("Bytes called with an unfinished section or object")
	}
	h, err := binary.Append(nil, binary.LittleEndian, &b.Header)
	if err != nil {
		panic(fmt.Sprintf("encoding header: %v", err))
	}
	copy(b.buf, h)
	return b.buf
}

// Image finishes the image and opens it from memory.
func (b *Builder) Image() (*Image, error) {
	data := b.Bytes()
	return NewImage(bytes.NewReader(data), int64(len(data)))
}

// Compressed finishes the image and returns it zstd-compressed.
func (b *Builder) Compressed() ([]byte, error) {
	e, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer e.Close()
	return e.EncodeAll(b.Bytes(), nil), nil
}
