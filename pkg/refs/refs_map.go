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

package refs

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"gvisor.dev/rst/pkg/log"
)

// LeakMode configures the leak checker.
type LeakMode uint32

const (
	// NoLeakChecking indicates that no effort should be made to check for
	// leaks.
	NoLeakChecking LeakMode = iota

	// LeaksLogWarning indicates that a warning should be logged when leaks
	// are found.
	LeaksLogWarning

	// LeaksPanic indicates that a panic should be issued when leaks are found.
	LeaksPanic
)

var leakMode atomic.Uint32

// SetLeakMode configures the reference leak checker.
func SetLeakMode(mode LeakMode) {
	leakMode.Store(uint32(mode))
}

// GetLeakMode returns the current leak mode.
func GetLeakMode() LeakMode {
	return LeakMode(leakMode.Load())
}

var (
	// liveObjects is a global map of reference-counted objects. Objects are
	// inserted when leak check is enabled, and they are removed when they are
	// destroyed. It is protected by liveObjectsMu.
	liveObjects   = make(map[CheckedObject]struct{})
	liveObjectsMu sync.Mutex
)

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string
}

// LeakCheckEnabled returns whether leak checking is enabled. The following
// functions should only be called if it returns true.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if LeakCheckEnabled() {
		liveObjectsMu.Lock()
		defer liveObjectsMu.Unlock()
		if _, ok := liveObjects[obj]; ok {
			panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %p already added", obj))
		}
		liveObjects[obj] = struct{}{}
	}
}

// Unregister removes obj from the live object map. Objects registered while
// leak checking was off are ignored.
func Unregister(obj CheckedObject) {
	if LeakCheckEnabled() {
		liveObjectsMu.Lock()
		defer liveObjectsMu.Unlock()
		delete(liveObjects, obj)
	}
}

// LiveObjects returns the leak messages of all registered objects of the
// given type, sorted. An empty refType matches every type.
func LiveObjects(refType string) []string {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	var msgs []string
	for obj := range liveObjects {
		if refType == "" || obj.RefType() == refType {
			msgs = append(msgs, obj.LeakMessage())
		}
	}
	sort.Strings(msgs)
	return msgs
}

// DoRepeatedLeakCheck iterates through the live object map and logs a message
// for each object. It should be called when no reference-counted objects are
// reachable anymore, at which point anything left in the map is considered a
// leak. It returns the number of leaked objects.
func DoRepeatedLeakCheck() int {
	if !LeakCheckEnabled() {
		return 0
	}
	msgs := LiveObjects("")
	if len(msgs) == 0 {
		return 0
	}
	msg := fmt.Sprintf("Leak checking detected %d leaked objects:\n", len(msgs))
	for _, m := range msgs {
		msg += m + "\n"
	}
	if GetLeakMode() == LeaksPanic {
		panic(msg)
	}
	log.Warningf("%s", msg)
	return len(msgs)
}
