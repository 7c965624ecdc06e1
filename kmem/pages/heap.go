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

package pages

import (
	"sync/atomic"

	"github.com/JohnCGriffin/overflow"

	"github.com/cloudwego/linuxbase/unsafex"
)

// heapMaxAlloc is the largest padded buffer Heap asks the runtime for:
// 64GiB on 64-bit platforms, 1GiB on 32-bit ones.
const heapMaxAlloc = 1 << (30 + 6*(^uint(0)>>63))

// Heap is an unbounded page allocator on the Go heap. Each request is served
// by a fresh buffer padded for alignment, FreeAlignedPages only drops the
// accounting and leaves the memory to the garbage collector.
//
// It is safe to use from multiple goroutines.
type Heap struct {
	limit int64 // pages, 0 means no limit
	inuse int64 // pages
	live  int64
}

// NewHeap creates a Heap allocator. limit is the max number of pages
// outstanding at once, 0 means no limit.
func NewHeap(limit int) *Heap {
	if limit < 0 {
		limit = 0
	}
	return &Heap{limit: int64(limit)}
}

// AllocateAlignedPages returns pages zeroed pages aligned to align, or nil if
// pages <= 0, align is not a power of two, the padded buffer would exceed
// heapMaxAlloc or the limit would be exceeded.
func (h *Heap) AllocateAlignedPages(pages, align int) []byte {
	align, ok := effectiveAlign(align)
	if pages <= 0 || !ok || pages > heapMaxAlloc>>PageShift {
		return nil
	}
	size := PagesToSize(pages)
	if n, ok := overflow.Add(size, align); !ok || n > heapMaxAlloc {
		return nil
	}
	if n := atomic.AddInt64(&h.inuse, int64(pages)); h.limit > 0 && n > h.limit {
		atomic.AddInt64(&h.inuse, -int64(pages))
		return nil
	}
	atomic.AddInt64(&h.live, 1)

	buf := make([]byte, size+align) // padding for alignment
	addr := unsafex.DataAddr(buf)
	shift := int(alignUp(addr, align) - addr)
	return buf[shift : shift+size : shift+size]
}

// FreeAlignedPages drops the accounting of b. Panics if pages does not match b.
func (h *Heap) FreeAlignedPages(b []byte, pages int) {
	if cap(b) == 0 {
		return
	}
	if PagesToSize(pages) != len(b) {
		panic("heap: page count does not match block")
	}
	atomic.AddInt64(&h.inuse, -int64(pages))
	atomic.AddInt64(&h.live, -1)
}

// Outstanding returns the number of allocations not yet freed.
func (h *Heap) Outstanding() int {
	return int(atomic.LoadInt64(&h.live))
}

// InUse returns the number of pages held by outstanding allocations.
func (h *Heap) InUse() int {
	return int(atomic.LoadInt64(&h.inuse))
}
