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
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/cloudwego/linuxbase/unsafex"
)

// Bitmap is a page allocator that tracks page usage with one bit per page and
// serves requests from contiguous runs, searching next-fit from the end of
// the previous allocation.
//
// Bitmap is not safe for concurrent use.
type Bitmap struct {
	arena []byte
	base  uintptr

	// bitmap has one bit per page of arena, set when the page is in use.
	// It is padded to a multiple of 8 bytes so that it can be scanned in words.
	bitmap   []byte
	numPages int

	// runs maps the first page of every allocation to its length in pages.
	runs map[int]int

	// next-fit: start searching from here
	nextIdx int
}

// NewBitmap creates a bitmap allocator over arena, whose size must be a
// positive multiple of PageSize and whose first byte must be page aligned.
func NewBitmap(arena []byte) (*Bitmap, error) {
	if len(arena) == 0 || len(arena)%PageSize != 0 {
		return nil, fmt.Errorf("arena size must be a positive multiple of %d, got %d", PageSize, len(arena))
	}
	base := unsafex.DataAddr(arena)
	if base&^PageMask != 0 {
		return nil, fmt.Errorf("arena must be aligned to %d bytes", PageSize)
	}
	numPages := len(arena) >> PageShift
	return &Bitmap{
		arena:    arena,
		base:     base,
		bitmap:   make([]byte, (numPages+63)/64*8),
		numPages: numPages,
		runs:     make(map[int]int),
	}, nil
}

// AllocateAlignedPages allocates pages contiguous pages aligned to align.
// Returns nil if no suitable run is available.
func (a *Bitmap) AllocateAlignedPages(pages, align int) []byte {
	align, ok := effectiveAlign(align)
	if pages <= 0 || !ok || pages > a.numPages {
		return nil
	}

	var idx int
	if align == PageSize {
		idx = a.findFirstFit(pages)
	} else {
		idx = a.findAlignedRun(pages, align)
	}
	if idx < 0 {
		return nil
	}

	a.setPages(idx, pages, true)
	a.runs[idx] = pages
	a.nextIdx = idx + pages
	if a.nextIdx >= a.numPages {
		a.nextIdx = 0
	}
	off := idx << PageShift
	size := pages << PageShift
	return a.arena[off : off+size : off+size]
}

// findFirstFit runs the next-fit search with wrap around.
func (a *Bitmap) findFirstFit(pages int) int {
	if pages == 1 {
		idx := a.findFreeBit(a.nextIdx)
		if idx == -1 && a.nextIdx > 0 {
			idx = a.findFreeBit(0)
		}
		return idx
	}
	idx := a.findFreeRun(a.nextIdx, pages)
	if idx == -1 && a.nextIdx > 0 {
		idx = a.findFreeRun(0, pages)
	}
	return idx
}

// findAlignedRun returns the first page index whose address is aligned to
// align and that starts a free run of the given length, or -1.
func (a *Bitmap) findAlignedRun(pages, align int) int {
	mask := uintptr(align - 1)
	off := (uintptr(align) - a.base&mask) & mask // no wrap for huge align
	if off >= uintptr(len(a.arena)) {
		return -1
	}
	first := int(off >> PageShift)
	step := align >> PageShift
	for i := first; i+pages <= a.numPages; i += step {
		if a.isRunFree(i, pages) {
			return i
		}
	}
	return -1
}

// FreeAlignedPages returns pages to the allocator.
// Panics if b was not allocated by a, is already free, or pages does not
// match the allocation.
func (a *Bitmap) FreeAlignedPages(b []byte, pages int) {
	if cap(b) == 0 {
		return
	}
	off := offsetIn(a.arena, b)
	if off < 0 {
		panic("bitmap: block not in arena")
	}
	if off&(PageSize-1) != 0 {
		panic("bitmap: misaligned block")
	}
	idx := off >> PageShift
	n, ok := a.runs[idx]
	if !ok {
		panic("bitmap: double free or invalid block")
	}
	if n != pages {
		panic("bitmap: page count does not match block")
	}
	delete(a.runs, idx)
	a.setPages(idx, n, false)
}

// Available returns total free bytes.
func (a *Bitmap) Available() int {
	free := 0
	for i := 0; i < a.numPages; i++ {
		if !a.isSet(i) {
			free += PageSize
		}
	}
	return free
}

// Outstanding returns the number of allocations not yet freed.
func (a *Bitmap) Outstanding() int {
	return len(a.runs)
}

// Reset drops all allocations and returns the allocator to its initial state.
func (a *Bitmap) Reset() {
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	for k := range a.runs {
		delete(a.runs, k)
	}
	a.nextIdx = 0
}

// findFreeBit finds a single free page starting from startIdx.
// Optimized to scan uint64 words using TrailingZeros64.
func (a *Bitmap) findFreeBit(startIdx int) int {
	bitmap := a.bitmap
	n := len(bitmap)
	byteIdx := startIdx >> 3
	bitIdx := startIdx & 7

	// Handle partial first byte
	if bitIdx != 0 && byteIdx < n {
		b := bitmap[byteIdx] | (byte(1<<bitIdx) - 1)
		if b != 0xFF {
			idx := byteIdx<<3 + bits.TrailingZeros8(^b)
			if idx < a.numPages {
				return idx
			}
			return -1
		}
		byteIdx++
	}

	// Scan 64-bit words
	for byteIdx+8 <= n {
		val := *(*uint64)(unsafe.Pointer(&bitmap[byteIdx]))
		if val != ^uint64(0) {
			idx := byteIdx<<3 + bits.TrailingZeros64(^val)
			if idx < a.numPages {
				return idx
			}
			return -1
		}
		byteIdx += 8
	}

	// Scan remaining bytes
	for ; byteIdx < n; byteIdx++ {
		if bitmap[byteIdx] != 0xFF {
			idx := byteIdx<<3 + bits.TrailingZeros8(^bitmap[byteIdx])
			if idx < a.numPages {
				return idx
			}
			return -1
		}
	}
	return -1
}

// findFreeRun finds `pages` contiguous free pages starting from startIdx.
// Returns -1 if not found before end of bitmap.
func (a *Bitmap) findFreeRun(startIdx, pages int) int {
	runStart := -1
	runLen := 0
	i := startIdx
	n := a.numPages

	// 1. Scan unaligned head
	for i < n && (i&63) != 0 {
		if a.isSet(i) {
			runStart, runLen = -1, 0
		} else {
			if runStart == -1 {
				runStart = i
			}
			runLen++
			if runLen >= pages {
				return runStart
			}
		}
		i++
	}

	// 2. Scan aligned 64-bit words
	for i+64 <= n {
		val := *(*uint64)(unsafe.Pointer(&a.bitmap[i>>3]))
		switch val {
		case ^uint64(0): // all used
			runStart, runLen = -1, 0
		case 0: // all free
			if runStart == -1 {
				runStart = i
			}
			runLen += 64
			if runLen >= pages {
				return runStart
			}
		default: // mixed word: scan bits in register
			for k := 0; k < 64; k++ {
				if (val>>k)&1 != 0 {
					runStart, runLen = -1, 0
					continue
				}
				if runStart == -1 {
					runStart = i + k
				}
				runLen++
				if runLen >= pages {
					return runStart
				}
			}
		}
		i += 64
	}

	// 3. Scan remaining tail
	for ; i < n; i++ {
		if a.isSet(i) {
			runStart, runLen = -1, 0
			continue
		}
		if runStart == -1 {
			runStart = i
		}
		runLen++
		if runLen >= pages {
			return runStart
		}
	}
	return -1
}

func (a *Bitmap) isRunFree(idx, pages int) bool {
	for i := idx; i < idx+pages; i++ {
		if a.isSet(i) {
			return false
		}
	}
	return true
}

// isSet returns true if page at idx is allocated.
func (a *Bitmap) isSet(idx int) bool {
	return a.bitmap[idx>>3]&(1<<(idx&7)) != 0
}

// setPages marks count pages starting at idx as used (set=true) or free (set=false).
func (a *Bitmap) setPages(idx, count int, set bool) {
	if count == 0 {
		return
	}
	end := idx + count
	startByte := idx >> 3
	endByte := (end - 1) >> 3

	if startByte == endByte {
		mask := byte((1<<count)-1) << (idx & 7)
		if set {
			a.bitmap[startByte] |= mask
		} else {
			a.bitmap[startByte] &^= mask
		}
		return
	}

	// First byte: bits from idx&7 to 7
	firstMask := byte(0xFF) << (idx & 7)
	// Last byte: bits 0 to (end-1)&7
	lastMask := byte((1 << ((end-1)&7 + 1)) - 1)
	var middle byte
	if set {
		a.bitmap[startByte] |= firstMask
		a.bitmap[endByte] |= lastMask
		middle = 0xFF
	} else {
		a.bitmap[startByte] &^= firstMask
		a.bitmap[endByte] &^= lastMask
	}
	for i := startByte + 1; i < endByte; i++ {
		a.bitmap[i] = middle
	}
}
