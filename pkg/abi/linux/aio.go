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

package linux

// AIORingSize is sizeof(struct aio_ring).
const AIORingSize = 32

// IOEventSize is sizeof(struct io_event).
const IOEventSize = 32

// AIORingGeometry computes the ring layout fs/aio.c:aio_setup_ring derives
// for a context created with maxReqs requests: the number of pages backing
// the ring and the number of io_event slots those pages hold.
//
// Two extra events are reserved by the kernel on top of maxReqs.
func AIORingGeometry(maxReqs uint32, pageSize uint64) (nrPages uint64, nr uint64) {
	size := uint64(AIORingSize) + uint64(IOEventSize)*(uint64(maxReqs)+2)
	nrPages = (size + pageSize - 1) / pageSize
	nr = (pageSize*nrPages - AIORingSize) / IOEventSize
	return nrPages, nr
}
