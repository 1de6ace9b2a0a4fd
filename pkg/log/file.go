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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileVars holds the values substituted into a log file pattern. Each key
// K replaces the text %K% in the pattern.
type FileVars map[string]string

// Build constructs the log file path from pattern.
func (v FileVars) Build(pattern string) string {
	for k, val := range v {
		pattern = strings.ReplaceAll(pattern, "%"+k+"%", val)
	}
	return pattern
}

// OpenFile opens a log file using the specified flags. The path is built by
// substituting vars into logPattern. An empty pattern returns a nil file.
func OpenFile(logPattern string, flags int, vars FileVars) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}

	logPath := vars.Build(logPattern)

	// Create parent directory if it doesn't exist.
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}

	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", logPath, err)
	}
	return f, nil
}
