/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pool

import (
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
)

// mcacheMaxSize is the largest buffer mcache has a size class for.
const mcacheMaxSize = 1 << 45

// Mcache is a pool allocator on top of bytedance/gopkg/lang/mcache.
//
// It is safe to use from multiple goroutines.
type Mcache struct {
	limit int64
	inuse int64 // bytes, by len
	live  int64
}

// NewMcache creates a Mcache allocator. limit is the max number of bytes
// outstanding at once, 0 means no limit.
func NewMcache(limit int) *Mcache {
	if limit < 0 {
		limit = 0
	}
	return &Mcache{limit: int64(limit)}
}

// AllocatePool returns a buffer with len == size, or nil if size <= 0, size
// is larger than the largest mcache class or the limit would be exceeded.
// The buffer may not be zeroed.
func (m *Mcache) AllocatePool(size int) []byte {
	if size <= 0 || uint64(size) > mcacheMaxSize {
		return nil
	}
	if n := atomic.AddInt64(&m.inuse, int64(size)); m.limit > 0 && n > m.limit {
		atomic.AddInt64(&m.inuse, -int64(size))
		return nil
	}
	atomic.AddInt64(&m.live, 1)
	return mcache.Malloc(size)
}

// FreePool returns b to mcache. b must be a buffer returned by AllocatePool.
func (m *Mcache) FreePool(b []byte) {
	if cap(b) == 0 {
		return
	}
	atomic.AddInt64(&m.inuse, -int64(len(b)))
	atomic.AddInt64(&m.live, -1)
	mcache.Free(b)
}

// Outstanding returns the number of buffers allocated and not yet freed.
func (m *Mcache) Outstanding() int {
	return int(atomic.LoadInt64(&m.live))
}

// InUse returns the bytes held by outstanding buffers.
func (m *Mcache) InUse() int {
	return int(atomic.LoadInt64(&m.inuse))
}
