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

	"github.com/cloudwego/linuxbase/unsafex"
)

const (
	// DefaultBuddyMinBlockSize is the default minimum block size, one page.
	DefaultBuddyMinBlockSize = PageSize

	// DefaultBuddyMaxBlockSize is the default maximum block size (4MB).
	DefaultBuddyMaxBlockSize = 4 << 20
)

// Buddy is a buddy system page allocator.
//
// A block of order k is minBlockSize<<k bytes and starts at an arena offset
// that is a multiple of its size. The arena itself is aligned to
// maxBlockSize, so every block is naturally aligned to its own size, which
// is how alignment requests are served: a request for n pages at alignment a
// takes a block of at least max(n*PageSize, a) bytes.
//
// Buddy is not safe for concurrent use.
type Buddy struct {
	// arena is the underlying memory slab we are managing.
	arena []byte

	// freeLists holds slices of free block offsets for each order.
	// freeLists[0] is for minBlockSize blocks (order 0).
	// freeLists[maxBlockOrder] is for maxBlockSize blocks (the largest).
	freeLists [][]int

	// used maps the offset of every allocated block to its order.
	used map[int]int

	// needsCoalesce is a hint that adjacent free blocks may exist that can be merged.
	// Set to true on free of non-max-order blocks, cleared when coalescing fails.
	needsCoalesce bool

	minBlockSize  int
	minBlockShift int // log2(minBlockSize)
	maxBlockSize  int
	maxBlockOrder int // log2(maxBlockSize) - log2(minBlockSize)
}

// NewBuddy creates a buddy allocator with default block sizes (one page min, 4MB max).
func NewBuddy(arena []byte) (*Buddy, error) {
	return NewBuddyWithBlockSize(arena, DefaultBuddyMinBlockSize, DefaultBuddyMaxBlockSize)
}

// NewBuddyWithBlockSize creates a buddy allocator with custom block sizes.
// Both minBlock and maxBlock must be powers of two with
// PageSize <= minBlock <= maxBlock. The arena's size must be a multiple of
// maxBlock and its first byte aligned to maxBlock (see NewArena).
func NewBuddyWithBlockSize(arena []byte, minBlock, maxBlock int) (*Buddy, error) {
	if !isPowerOfTwo(minBlock) || minBlock < PageSize {
		return nil, fmt.Errorf("minBlockSize must be a power of two >= %d, got %d", PageSize, minBlock)
	}
	if !isPowerOfTwo(maxBlock) {
		return nil, fmt.Errorf("maxBlockSize must be a power of two, got %d", maxBlock)
	}
	if minBlock > maxBlock {
		return nil, fmt.Errorf("minBlockSize (%d) must be <= maxBlockSize (%d)", minBlock, maxBlock)
	}
	totalSize := len(arena)
	if totalSize < maxBlock || totalSize%maxBlock != 0 {
		return nil, fmt.Errorf("arena size must be a multiple of %d bytes (%dKB) and >= %dKB, got %d",
			maxBlock, maxBlock>>10, maxBlock>>10, totalSize)
	}
	if unsafex.DataAddr(arena)%uintptr(maxBlock) != 0 {
		return nil, fmt.Errorf("arena must be aligned to %d bytes", maxBlock)
	}

	minShift := bits.TrailingZeros(uint(minBlock))
	maxShift := bits.TrailingZeros(uint(maxBlock))
	a := &Buddy{
		arena:         arena,
		used:          make(map[int]int),
		minBlockSize:  minBlock,
		minBlockShift: minShift,
		maxBlockSize:  maxBlock,
		maxBlockOrder: maxShift - minShift,
		freeLists:     make([][]int, maxShift-minShift+1),
	}
	a.Reset()
	return a, nil
}

// AllocateAlignedPages allocates pages contiguous pages aligned to align.
// It returns nil if pages <= 0, align is not a power of two or larger than
// the max block size, or no sufficiently large block is available.
func (a *Buddy) AllocateAlignedPages(pages, align int) []byte {
	align, ok := effectiveAlign(align)
	if pages <= 0 || !ok || align > a.maxBlockSize || pages > a.maxBlockSize>>PageShift {
		return nil
	}
	size := PagesToSize(pages)
	need := size
	if align > need {
		need = align
	}
	order := a.getOrderForSize(need)

	offset, ok := a.popBlock(order)
	if !ok {
		return nil
	}
	a.used[offset] = order
	return a.arena[offset : offset+size : offset+size]
}

// popBlock takes a free block of the given order, splitting a larger one if needed.
func (a *Buddy) popBlock(order int) (int, bool) {
	// Fast path: exact order match
	if freeList := a.freeLists[order]; len(freeList) > 0 {
		n := len(freeList) - 1
		offset := freeList[n]
		a.freeLists[order] = freeList[:n]
		return offset, true
	}

	// Find higher order block
	foundOrder := -1
	for o := order + 1; o <= a.maxBlockOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			foundOrder = o
			break
		}
	}

	// No block available - try coalescing
	if foundOrder == -1 {
		if !a.needsCoalesce {
			return 0, false
		}
		foundOrder = a.CoalesceUntil(order)
		if foundOrder == -1 {
			a.needsCoalesce = false
			return 0, false
		}
	}

	freeList := a.freeLists[foundOrder]
	n := len(freeList) - 1
	offset := freeList[n]
	a.freeLists[foundOrder] = freeList[:n]

	// Split until we reach required order.
	// The left half retains the original offset, the right half goes to the
	// free list of the new (lower) order.
	for foundOrder > order {
		foundOrder--
		right := offset + (a.minBlockSize << foundOrder)
		a.freeLists[foundOrder] = append(a.freeLists[foundOrder], right)
	}
	return offset, true
}

// FreeAlignedPages returns a block to the allocator. Blocks are marked free
// but not merged until an allocation needs a larger order.
// Panics if b was not allocated by a, is already free, or pages does not
// match the block.
//
// b must be the slice returned by AllocateAlignedPages, not a reslice of it.
func (a *Buddy) FreeAlignedPages(b []byte, pages int) {
	if cap(b) == 0 {
		return
	}
	offset := offsetIn(a.arena, b)
	if offset < 0 {
		panic("buddy: block not in arena")
	}
	order, ok := a.used[offset]
	if !ok {
		panic("buddy: double free or invalid block")
	}
	if pages <= 0 || PagesToSize(pages) > a.minBlockSize<<order {
		panic("buddy: page count does not match block")
	}
	delete(a.used, offset)
	a.freeLists[order] = append(a.freeLists[order], offset)
	if order < a.maxBlockOrder {
		a.needsCoalesce = true
	}
}

// Available returns the total free bytes available for allocation.
func (a *Buddy) Available() int {
	total := 0
	for order, freeList := range a.freeLists {
		total += len(freeList) * (a.minBlockSize << order)
	}
	return total
}

// Outstanding returns the number of allocated blocks.
func (a *Buddy) Outstanding() int {
	return len(a.used)
}

// CoalesceUntil merges adjacent free buddy blocks until we have a block >= targetOrder.
// Returns the order of a suitable block found, or -1 if none available.
func (a *Buddy) CoalesceUntil(targetOrder int) int {
	if o := a.firstFreeOrder(targetOrder); o >= 0 {
		return o
	}

	// Merging at lower orders creates blocks that can be merged at higher orders.
	for order := 0; order < targetOrder; order++ {
		freeList := a.freeLists[order]
		listLen := len(freeList)
		if listLen < 2 {
			continue
		}

		// Sort so buddies are adjacent. Insertion sort: free lists are
		// small and usually nearly sorted.
		for i := 1; i < listLen; i++ {
			for j := i; j > 0 && freeList[j] < freeList[j-1]; j-- {
				freeList[j], freeList[j-1] = freeList[j-1], freeList[j]
			}
		}

		blockSize := a.minBlockSize << order
		n := 0 // write index for remaining blocks
		for i := 0; i < listLen; {
			offset := freeList[i]
			// When sorted, the buddy of a left block is offset + blockSize.
			if offset&blockSize == 0 && i+1 < listLen && freeList[i+1] == offset^blockSize {
				a.freeLists[order+1] = append(a.freeLists[order+1], offset)
				i += 2
			} else {
				freeList[n] = offset
				n++
				i++
			}
		}
		a.freeLists[order] = freeList[:n]
	}
	return a.firstFreeOrder(targetOrder)
}

func (a *Buddy) firstFreeOrder(from int) int {
	for o := from; o <= a.maxBlockOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return o
		}
	}
	return -1
}

// Reset drops all allocations and returns the allocator to its initial state.
func (a *Buddy) Reset() {
	for i := 0; i < a.maxBlockOrder; i++ {
		a.freeLists[i] = a.freeLists[i][:0]
	}
	numRoots := len(a.arena) / a.maxBlockSize
	roots := a.freeLists[a.maxBlockOrder][:0]
	for i := 0; i < numRoots; i++ {
		roots = append(roots, i*a.maxBlockSize)
	}
	a.freeLists[a.maxBlockOrder] = roots
	for k := range a.used {
		delete(a.used, k)
	}
	a.needsCoalesce = false
}

// getOrderForSize calculates the smallest order that can fit the given size.
func (a *Buddy) getOrderForSize(size int) int {
	if size <= a.minBlockSize {
		return 0
	}
	return bits.Len(uint(size-1)) - a.minBlockShift
}
