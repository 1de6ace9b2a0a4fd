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

// Package config provides basic infrastructure to set configuration settings
// for rstctl. Each setting is registered as a flag of the restore command and
// may also be given in a TOML file named by --config. Flags given on the
// command line override the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gvisor.dev/rst/pkg/sentry/rst"
)

// Config holds configuration that is not part of the image.
type Config struct {
	// File is the TOML file the configuration was overlaid from, if any.
	File string `flag:"config" toml:"-"`

	// RestoreRoot is the host directory recorded paths resolve under.
	RestoreRoot string `flag:"root" toml:"root"`

	// ScratchDir is where deleted files are recreated when their own
	// directory is not usable.
	ScratchDir string `flag:"scratch-dir" toml:"scratch-dir"`

	// LockFile is locked for the duration of the restore.
	LockFile string `flag:"lock-file" toml:"lock-file"`

	// Strict turns attribute drift into errors.
	Strict bool `flag:"strict" toml:"strict"`

	// AllowHardlinked permits deleted files to be restored through a
	// surviving hard link.
	AllowHardlinked bool `flag:"allow-hardlinked" toml:"allow-hardlinked"`

	// Lazy is the policy for lazily restored pages.
	Lazy rst.LazyPolicy `flag:"lazy" toml:"lazy"`

	// PageStore is the file lazy pages are read from.
	PageStore string `flag:"page-store" toml:"page-store"`
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	for name, dir := range map[string]string{
		"root":        c.RestoreRoot,
		"scratch-dir": c.ScratchDir,
	} {
		if dir != "" && !filepath.IsAbs(dir) {
			return fmt.Errorf("--%s must be an absolute path, got %q", name, dir)
		}
	}
	if c.Lazy == rst.LazyEager && c.PageStore == "" {
		return fmt.Errorf("--lazy=eager requires --page-store")
	}
	return nil
}

// Options returns the restore options c describes. The returned function
// releases what the options hold and must be called once the restore is
// over.
func (c *Config) Options() (rst.Options, func(), error) {
	opts := rst.Options{
		RestoreRoot:      c.RestoreRoot,
		ScratchDir:       c.ScratchDir,
		LockFile:         c.LockFile,
		StrictAttributes: c.Strict,
		AllowHardlinked:  c.AllowHardlinked,
		Lazy:             c.Lazy,
	}
	if c.PageStore == "" {
		return opts, func() {}, nil
	}
	f, err := os.Open(c.PageStore)
	if err != nil {
		return rst.Options{}, nil, fmt.Errorf("opening page store: %w", err)
	}
	opts.PageSource = rst.NewReaderPageSource(f)
	return opts, func() { f.Close() }, nil
}
