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

// Package image reads checkpoint images of process trees.
//
// An image is laid out as follows. All integers are little endian and every
// position is an absolute byte offset.
//
// /------------------------------------------------------\
// |                   header (48 bytes)                  |
// +------------------------------------------------------+
// |   section: next(8) kind(4) hdrlen(2) align(2) ...    |
// |      object: next(8) kind(4) hdrlen(2) content(2)    |
// |              payload                                 |
// |              nested objects or data                  |
// |      object ...                                      |
// +------------------------------------------------------+
// |   section ...                                        |
// \------------------------------------------------------/
//
// A section's next field is its total length, and sections follow each other
// until the end of the image. An object's hdrlen covers its 16-byte header and
// its payload; the region [pos+hdrlen, pos+next) holds nested objects or raw
// data depending on the object's content.
//
// Payloads are decoded over defaults: an object written by an older dumper
// with a shorter payload leaves the remaining fields at their defaults, and
// an object with a longer payload has its trailing bytes ignored.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"gvisor.dev/rst/pkg/hostarch"
)

// Version is the newest image version understood by this package.
const Version = 2

// Architectures.
const (
	ArchAMD64 uint32 = 1
	ArchARM64 uint32 = 2
)

// magic is the byte sequence beginning each image.
var magic = [8]byte{'R', 'S', 'T', 'I', 'M', 'G', 0, 1}

// zstdMagic begins zstd-compressed images.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Header is the image header.
type Header struct {
	Magic               [8]byte
	Version             uint32
	Arch                uint32
	PageSize            uint32
	Flags               uint32
	CheckpointRealtime  int64
	CheckpointMonotonic int64
	RootPID             int32
	_                   uint32
}

// HeaderSize is the encoded size of Header.
const HeaderSize = 48

// recordHeaderSize is the size of section and object headers.
const recordHeaderSize = 16

type sectionHeader struct {
	Next   uint64
	Kind   uint32
	HdrLen uint16
	Align  uint16
}

type objectHeader struct {
	Next    uint64
	Kind    uint32
	HdrLen  uint16
	Content uint16
}

// ErrCorrupt is wrapped by every FormatError.
var ErrCorrupt = errors.New("corrupt image")

// ErrUnsupported is returned for well-formed images that this host cannot
// restore.
var ErrUnsupported = errors.New("unsupported image")

// FormatError describes malformed input at a position.
type FormatError struct {
	Pos  Pos
	Kind string
	Msg  string
}

// Error implements error.Error.
func (e *FormatError) Error() string {
	return fmt.Sprintf("corrupt image: %s @%d: %s", e.Kind, e.Pos, e.Msg)
}

// Unwrap returns ErrCorrupt.
func (e *FormatError) Unwrap() error {
	return ErrCorrupt
}

func corrupt(pos Pos, kind fmt.Stringer, format string, v ...any) error {
	return &FormatError{Pos: pos, Kind: kind.String(), Msg: fmt.Sprintf(format, v...)}
}

// Section is a top-level section.
type Section struct {
	Kind SectionKind
	Pos  Pos
	// Start is the position of the first object.
	Start Pos
	End   Pos
}

// Object is a decoded object.
type Object struct {
	Pos     Pos
	Kind    ObjectKind
	Content Content
	HdrLen  uint16
	Next    uint64

	// Payload points to the kind's payload type, or is nil for kinds
	// without one.
	Payload any
}

// DataPos is the start of the object's nested region.
func (o *Object) DataPos() Pos {
	return o.Pos + Pos(o.HdrLen)
}

// End is the position just past the object.
func (o *Object) End() Pos {
	return o.Pos + Pos(o.Next)
}

// DataLen is the length of the nested region.
func (o *Object) DataLen() uint64 {
	return o.Next - uint64(o.HdrLen)
}

// Image is an opened image. It is safe for concurrent use.
type Image struct {
	r      io.ReaderAt
	size   int64
	closer io.Closer

	// Header is the decoded header.
	Header Header

	sections map[SectionKind]Section
	order    []SectionKind
}

// Open opens the image at path. Compressed images are decompressed into
// memory.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var m [4]byte
	if _, err := f.ReadAt(m[:], 0); err != nil && err != io.EOF {
		f.Close()
		return nil, err
	}
	if bytes.Equal(m[:], zstdMagic) {
		defer f.Close()
		d, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer d.Close()
		data, err := io.ReadAll(d)
		if err != nil {
			return nil, fmt.Errorf("decompressing %q: %w", path, err)
		}
		return NewImage(bytes.NewReader(data), int64(len(data)))
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	img, err := NewImage(f, st.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	img.closer = f
	return img, nil
}

// NewImage reads the header and section table of an image of the given size.
func NewImage(r io.ReaderAt, size int64) (*Image, error) {
	img := &Image{
		r:        r,
		size:     size,
		sections: make(map[SectionKind]Section),
	}
	if size < HeaderSize {
		return nil, &FormatError{Pos: 0, Kind: "header", Msg: fmt.Sprintf("image too short: %d bytes", size)}
	}
	if err := img.decode(0, &img.Header, HeaderSize); err != nil {
		return nil, err
	}
	h := &img.Header
	if h.Magic != magic {
		return nil, &FormatError{Pos: 0, Kind: "header", Msg: fmt.Sprintf("bad magic %q", h.Magic[:])}
	}
	if h.Version == 0 || h.Version > Version {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupported, h.Version)
	}
	if h.Arch != hostArch {
		return nil, fmt.Errorf("%w: architecture %d, host is %d", ErrUnsupported, h.Arch, hostArch)
	}
	if h.PageSize != hostarch.PageSize {
		return nil, fmt.Errorf("%w: page size %d, host is %d", ErrUnsupported, h.PageSize, hostarch.PageSize)
	}

	for pos := Pos(HeaderSize); pos < Pos(size); {
		var sh sectionHeader
		if err := img.decode(pos, &sh, recordHeaderSize); err != nil {
			return nil, err
		}
		kind := SectionKind(sh.Kind)
		switch {
		case sh.HdrLen < recordHeaderSize:
			return nil, corrupt(pos, kind, "header length %d too small", sh.HdrLen)
		case uint64(sh.HdrLen) > sh.Next:
			return nil, corrupt(pos, kind, "header length %d exceeds length %d", sh.HdrLen, sh.Next)
		case sh.Next > uint64(size)-uint64(pos):
			return nil, corrupt(pos, kind, "length %d runs past end of image", sh.Next)
		case !kind.Valid():
			return nil, corrupt(pos, kind, "unknown section kind")
		}
		if _, ok := img.sections[kind]; ok {
			return nil, corrupt(pos, kind, "duplicate section")
		}
		img.sections[kind] = Section{
			Kind:  kind,
			Pos:   pos,
			Start: pos + Pos(sh.HdrLen),
			End:   pos + Pos(sh.Next),
		}
		img.order = append(img.order, kind)
		pos += Pos(sh.Next)
	}
	return img, nil
}

// Close releases the underlying file, if any.
func (img *Image) Close() error {
	if img.closer != nil {
		return img.closer.Close()
	}
	return nil
}

// Size returns the image size.
func (img *Image) Size() int64 {
	return img.size
}

// Section returns the section of the given kind.
func (img *Image) Section(kind SectionKind) (Section, bool) {
	s, ok := img.sections[kind]
	return s, ok
}

// Sections returns all sections in image order.
func (img *Image) Sections() []Section {
	ss := make([]Section, 0, len(img.order))
	for _, k := range img.order {
		ss = append(ss, img.sections[k])
	}
	return ss
}

// ReadAt reads len(p) bytes at pos. Reads past the end of the image are
// corrupt.
func (img *Image) ReadAt(p []byte, pos Pos) error {
	if uint64(pos) > uint64(img.size) || uint64(len(p)) > uint64(img.size)-uint64(pos) {
		return &FormatError{Pos: pos, Kind: "read", Msg: fmt.Sprintf("%d bytes past end of image", len(p))}
	}
	n, err := img.r.ReadAt(p, int64(pos))
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("reading %d bytes @%d: %w", len(p), pos, err)
}

func (img *Image) decode(pos Pos, v any, n int) error {
	buf := make([]byte, n)
	if err := img.ReadAt(buf, pos); err != nil {
		return err
	}
	_, err := binary.Decode(buf, binary.LittleEndian, v)
	return err
}

// ReadObject reads the object at pos and decodes its payload. kind must match
// the recorded kind unless it is AnyKind.
func (img *Image) ReadObject(pos Pos, kind ObjectKind) (*Object, error) {
	return img.readObject(pos, kind, Pos(img.size))
}

func (img *Image) readObject(pos Pos, kind ObjectKind, limit Pos) (*Object, error) {
	if pos.IsNull() {
		return nil, corrupt(pos, kind, "null position")
	}
	var oh objectHeader
	if err := img.decode(pos, &oh, recordHeaderSize); err != nil {
		return nil, err
	}
	got := ObjectKind(oh.Kind)
	switch {
	case oh.HdrLen < recordHeaderSize:
		return nil, corrupt(pos, got, "header length %d too small", oh.HdrLen)
	case uint64(oh.HdrLen) > oh.Next:
		return nil, corrupt(pos, got, "length %d smaller than header length %d", oh.Next, oh.HdrLen)
	case pos > limit || oh.Next > uint64(limit-pos):
		return nil, corrupt(pos, got, "length %d runs past enclosing record end %d", oh.Next, limit)
	case !got.Valid():
		return nil, corrupt(pos, got, "unknown object kind")
	case kind != AnyKind && got != kind:
		return nil, corrupt(pos, got, "expected %v", kind)
	}
	o := &Object{
		Pos:     pos,
		Kind:    got,
		Content: Content(oh.Content),
		HdrLen:  oh.HdrLen,
		Next:    oh.Next,
	}
	if err := img.decodePayload(o); err != nil {
		return nil, err
	}
	return o, nil
}

// decodePayload decodes the payload of o over its defaults.
func (img *Image) decodePayload(o *Object) error {
	p := newPayload(o.Kind)
	if p == nil {
		return nil
	}
	buf, err := binary.Append(nil, binary.LittleEndian, p)
	if err != nil {
		panic(fmt.Sprintf("encoding defaults of %v: %v", o.Kind, err))
	}
	avail := int(o.HdrLen) - recordHeaderSize
	if avail > len(buf) {
		avail = len(buf)
	}
	if err := img.ReadAt(buf[:avail], o.Pos+recordHeaderSize); err != nil {
		return err
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, p); err != nil {
		return corrupt(o.Pos, o.Kind, "decoding payload: %v", err)
	}
	if g, ok := p.(versionGated); ok {
		g.gate(img.Header.Version)
	}
	o.Payload = p
	return nil
}

// Objects returns the objects of section s in order.
func (img *Image) Objects(s Section) ([]*Object, error) {
	return img.chain(s.Start, s.End)
}

// SectionObjects returns the objects of the section of the given kind, or
// nil if the image has no such section.
func (img *Image) SectionObjects(kind SectionKind) ([]*Object, error) {
	s, ok := img.sections[kind]
	if !ok {
		return nil, nil
	}
	return img.Objects(s)
}

// Children returns the objects nested in o.
func (img *Image) Children(o *Object) ([]*Object, error) {
	return img.chain(o.DataPos(), o.End())
}

func (img *Image) chain(start, end Pos) ([]*Object, error) {
	var objs []*Object
	for pos := start; pos < end; {
		o, err := img.readObject(pos, AnyKind, end)
		if err != nil {
			return nil, err
		}
		if o.Next == 0 {
			return nil, corrupt(pos, o.Kind, "zero length")
		}
		objs = append(objs, o)
		pos = o.End()
	}
	return objs, nil
}

// Data returns the nested region of o as bytes.
func (img *Image) Data(o *Object) ([]byte, error) {
	buf := make([]byte, o.DataLen())
	if err := img.ReadAt(buf, o.DataPos()); err != nil {
		return nil, err
	}
	return buf, nil
}

// Name returns the name held by a NAME object.
func (img *Image) Name(o *Object) (string, error) {
	if o.Kind != KindName {
		return "", corrupt(o.Pos, o.Kind, "expected %v", KindName)
	}
	b, err := img.Data(o)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(b, "\x00")), nil
}

// Array returns the uint64 array held by an object with ContentArray.
func (img *Image) Array(o *Object) ([]uint64, error) {
	if o.DataLen()%8 != 0 {
		return nil, corrupt(o.Pos, o.Kind, "array length %d not a multiple of 8", o.DataLen())
	}
	b, err := img.Data(o)
	if err != nil {
		return nil, err
	}
	a := make([]uint64, len(b)/8)
	for i := range a {
		a[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return a, nil
}
