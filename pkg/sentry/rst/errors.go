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
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/rst/pkg/image"
)

// Class is the category of a restore error.
type Class int

// Error classes.
const (
	// ClassFormat is malformed image content: undersized records,
	// impossible positions, geometry that does not match its parameters.
	ClassFormat Class = iota

	// ClassExhaustion is failure to allocate a resource.
	ClassExhaustion

	// ClassEnvironment is a mismatch between the image and the restoring
	// environment: missing files, unsupported file categories, a foreign
	// architecture.
	ClassEnvironment

	// ClassDrift is an attribute that could not be reproduced exactly. It
	// is only fatal with Options.StrictAttributes.
	ClassDrift
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ClassFormat:
		return "format"
	case ClassExhaustion:
		return "exhaustion"
	case ClassEnvironment:
		return "environment"
	case ClassDrift:
		return "drift"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Error is a fatal restore error. It names the record being restored when
// the error occurred.
type Error struct {
	Class Class

	// Kind and Pos identify the record. Pos is image.NullPos if the error
	// is not tied to a record.
	Kind image.ObjectKind
	Pos  image.Pos

	Err error
}

// Error implements error.Error.
func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v @%d: %v", e.Class, e.Kind, int64(e.Pos), e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// errAborted is returned by units released after the restore was killed.
var errAborted = errors.New("restore aborted")

// ErrKilled is the error a restore that was killed before it was resumed is
// reported as.
var ErrKilled = errors.New("restore killed")

// classify returns the class of a cause.
func classify(err error) Class {
	var fe *image.FormatError
	switch {
	case errors.As(err, &fe), errors.Is(err, image.ErrCorrupt):
		return ClassFormat
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.EMFILE),
		errors.Is(err, unix.ENFILE), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOSPC):
		return ClassExhaustion
	default:
		return ClassEnvironment
	}
}

// wrap attaches the record at pos to err. An err that already is an *Error
// is returned unchanged, so the innermost record is reported.
func wrap(kind image.ObjectKind, pos image.Pos, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Class: classify(err), Kind: kind, Pos: pos, Err: err}
}

// wrapf is wrap with a formatted cause wrapping err.
func wrapf(kind image.ObjectKind, pos image.Pos, err error, format string, v ...any) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Class: classify(err), Kind: kind, Pos: pos, Err: fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), err)}
}

// corrupt returns a format error for the record at pos.
func corrupt(kind image.ObjectKind, pos image.Pos, format string, v ...any) error {
	return &Error{
		Class: ClassFormat,
		Kind:  kind,
		Pos:   pos,
		Err:   &image.FormatError{Pos: pos, Kind: kind.String(), Msg: fmt.Sprintf(format, v...)},
	}
}

// unsupported returns an environment error wrapping image.ErrUnsupported.
func unsupported(kind image.ObjectKind, pos image.Pos, format string, v ...any) error {
	return &Error{
		Class: ClassEnvironment,
		Kind:  kind,
		Pos:   pos,
		Err:   fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), image.ErrUnsupported),
	}
}
