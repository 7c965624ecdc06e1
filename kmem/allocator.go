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

// Package kmem implements kernel-style memory allocation on top of a pool
// allocator and an aligned-page allocator.
//
// Every block carries a header right before its payload that records the
// backing strategy, the sizes and the alignment of the block. Blocks with an
// alignment of at most 8 bytes come from the pool allocator, the others are
// served in whole pages by the page allocator. Free, Realloc, Size and
// ZeroFree recover the header from the payload and check it; a pointer that
// was not returned by the allocator, is already freed or whose header was
// overwritten is fatal (see printk.Panic).
//
// A zero-size request returns ZeroSizePtr, which carries no header.
package kmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JohnCGriffin/overflow"

	"github.com/cloudwego/linuxbase/kmem/pages"
	"github.com/cloudwego/linuxbase/kmem/pool"
	"github.com/cloudwego/linuxbase/printk"
	"github.com/cloudwego/linuxbase/unsafex"
)

// PoolAllocator is a general purpose allocator. Buffers must be aligned to
// at least 8 bytes.
type PoolAllocator interface {
	// AllocatePool returns a buffer with len == size, or nil.
	AllocatePool(size int) []byte

	// FreePool releases a buffer returned by AllocatePool.
	FreePool(b []byte)
}

// PageAllocator allocates whole pages.
type PageAllocator interface {
	// AllocateAlignedPages returns pages contiguous pages aligned to align,
	// or nil.
	AllocateAlignedPages(pages, align int) []byte

	// FreeAlignedPages releases a buffer returned by AllocateAlignedPages.
	FreeAlignedPages(b []byte, pages int)
}

// Option is the options of an Allocator.
type Option struct {
	// Pool serves PooledBlock blocks.
	// Defaults to a pool.SizeClass with its default options.
	Pool PoolAllocator

	// Pages serves AlignedPageBlock blocks.
	// Defaults to an unbounded pages.Heap.
	Pages PageAllocator

	// PageSize is the page granularity of Pages, a power of two.
	// Defaults to pages.PageSize.
	PageSize int
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{PageSize: pages.PageSize}
}

// Stats is a snapshot of the live blocks of an Allocator.
type Stats struct {
	Blocks       int // live blocks, ZeroSizePtr excluded
	PayloadBytes int // sum of payload sizes
	BackingBytes int // sum of backing sizes

	Pooled       int // live PooledBlock blocks
	AlignedPages int // live AlignedPageBlock blocks
}

func (s *Stats) add(h *header, n int) {
	s.Blocks += n
	s.PayloadBytes += n * h.PayloadSize
	s.BackingBytes += n * h.BackingSize
	switch h.kind.(type) {
	case pooledBlock:
		s.Pooled += n
	case alignedPageBlock:
		s.AlignedPages += n
	}
}

// block is the side table entry of a live block.
type block struct {
	// mem is the buffer returned by the backing allocator.
	mem []byte
}

// Allocator is a header-tagged block allocator.
//
// Operations on distinct blocks may run concurrently if the backing
// allocators allow it. Operations on the same block must be serialized by the
// caller.
type Allocator struct {
	pool     PoolAllocator
	pages    PageAllocator
	pageSize int

	mu     sync.Mutex // guards blocks and stats
	blocks map[uintptr]*block
	stats  Stats
}

// New creates an Allocator. A nil o uses DefaultOption.
func New(o *Option) (*Allocator, error) {
	if o == nil {
		o = DefaultOption()
	}
	a := &Allocator{
		pool:     o.Pool,
		pages:    o.Pages,
		pageSize: o.PageSize,
		blocks:   make(map[uintptr]*block),
	}
	if a.pageSize == 0 {
		a.pageSize = pages.PageSize
	}
	if !isPowerOfTwo(a.pageSize) {
		return nil, fmt.Errorf("kmem: PageSize must be a power of two, got %d", o.PageSize)
	}
	if a.pool == nil {
		p, err := pool.NewSizeClass(nil)
		if err != nil {
			return nil, err
		}
		a.pool = p
	}
	if a.pages == nil {
		a.pages = pages.NewHeap(0)
	}
	return a, nil
}

var std atomic.Pointer[Allocator]

func init() {
	a, err := New(nil)
	if err != nil {
		panic(err)
	}
	std.Store(a)
}

// Default returns the Allocator used by the package level functions.
func Default() *Allocator {
	return std.Load()
}

// SetDefault replaces the Allocator used by the package level functions and
// returns the previous one. Blocks must be freed through the allocator that
// returned them.
func SetDefault(a *Allocator) *Allocator {
	if a == nil {
		panic("kmem: SetDefault(nil)")
	}
	return std.Swap(a)
}

var zeroSizeBase [minAlign]byte

// ZeroSizePtr is returned for zero-size requests. It is neither nil nor the
// payload of any block, and Free, Size and ZeroFree accept it.
var ZeroSizePtr = zeroSizeBase[:0:0]

// IsZeroSizePtr reports whether p is ZeroSizePtr.
func IsZeroSizePtr(p []byte) bool {
	return p != nil && unsafex.SameData(p, ZeroSizePtr)
}

// IsZeroOrNil reports whether p is nil or ZeroSizePtr.
func IsZeroOrNil(p []byte) bool {
	return p == nil || IsZeroSizePtr(p)
}

func (a *Allocator) sizeToPages(size int) int {
	n := size / a.pageSize
	if size%a.pageSize != 0 {
		n++
	}
	return n
}

// Alloc allocates size bytes aligned to align. align 0 means 8, otherwise it
// must be a power of two; alignments up to 8 are served by the pool
// allocator, larger ones by the page allocator.
//
// A zero size returns ZeroSizePtr. The returned slice has len and cap equal
// to size. The payload is not zeroed unless flags has GFPZero.
func (a *Allocator) Alloc(size int, flags Flags, align int) ([]byte, error) {
	if size == 0 {
		return ZeroSizePtr, nil
	}
	if size < 0 {
		return nil, fmt.Errorf("kmem: alloc of %d bytes: %w", size, ErrNoMemory)
	}
	if align == 0 {
		align = minAlign
	}
	printk.BugOn(!isPowerOfTwo(align), "kmem: alignment %d is not a power of two", align)
	printk.WarnOn(flags&^knownFlags != 0, "kmem: unknown gfp flags %#x", uint32(flags&^knownFlags))

	kind, align := selectBacking(align)
	hs := headerSize(align)
	bs, ok := overflow.Add(hs, size)
	if !ok {
		return nil, fmt.Errorf("kmem: alloc of %d bytes: %w", size, ErrNoMemory)
	}
	mem := kind.acquire(a, bs, align)
	if mem == nil {
		return nil, fmt.Errorf("kmem: %v alloc of %d bytes aligned to %d: %w", kind.strategy(), size, align, ErrNoMemory)
	}
	base := unsafex.DataAddr(mem)
	printk.BugOn(len(mem) < bs || base%uintptr(align) != 0,
		"kmem: %v backing returned %d bytes at %#x for %d bytes aligned to %d",
		kind.strategy(), len(mem), base, bs, align)

	h := header{
		Header: Header{
			Strategy:    kind.strategy(),
			Flags:       flags,
			Align:       align,
			HeaderSize:  hs,
			BackingSize: bs,
			PayloadSize: size,
		},
		backingAddr: base,
		kind:        kind,
	}
	h.encode(mem[hs-headerFootprint : hs])

	p := mem[hs:bs:bs]
	if flags&GFPZero != 0 {
		clear(p)
	}

	a.mu.Lock()
	a.blocks[base+uintptr(hs)] = &block{mem: mem}
	a.stats.add(&h, 1)
	a.mu.Unlock()
	return p, nil
}

// lookup recovers and checks the header of p. It never returns on failure.
func (a *Allocator) lookup(p []byte) (*block, header) {
	addr := unsafex.DataAddr(p)
	a.mu.Lock()
	b := a.blocks[addr]
	a.mu.Unlock()
	if b == nil {
		printk.Panic("kmem: invalid pointer %#x: not allocated or already freed", addr)
	}
	h, err := b.header(addr)
	if err != nil {
		printk.Panic("kmem: corrupted block header at %#x: %v", addr, err)
	}
	return b, h
}

// header decodes the header of the block whose payload starts at addr.
func (b *block) header(addr uintptr) (header, error) {
	base := unsafex.DataAddr(b.mem)
	if addr < base+headerFootprint || addr > base+uintptr(len(b.mem)) {
		return header{}, errOutOfBounds
	}
	off := int(addr - base)
	h, err := decodeHeader(b.mem[off-headerFootprint : off])
	if err != nil {
		return h, err
	}
	if h.backingAddr != base {
		return h, errBadBacking
	}
	if h.HeaderSize != off || h.BackingSize > len(b.mem) {
		return h, errBadLayout
	}
	return h, nil
}

func (b *block) payload(h *header) []byte {
	return b.mem[h.HeaderSize:h.BackingSize:h.BackingSize]
}

// release invalidates the header of b and returns it to its backing.
func (a *Allocator) release(b *block, h *header) {
	clearSignature(b.mem[h.HeaderSize-headerFootprint:])

	a.mu.Lock()
	delete(a.blocks, h.backingAddr+uintptr(h.HeaderSize))
	a.stats.add(h, -1)
	a.mu.Unlock()

	h.kind.release(a, b.mem, h.BackingSize)
}

// Free releases p. nil and ZeroSizePtr are ignored.
func (a *Allocator) Free(p []byte) {
	if IsZeroOrNil(p) {
		return
	}
	b, h := a.lookup(p)
	a.release(b, &h)
}

// Size returns the payload size of p, 0 for ZeroSizePtr. p must not be nil.
func (a *Allocator) Size(p []byte) int {
	printk.BugOn(p == nil, "kmem: size of nil pointer")
	if IsZeroSizePtr(p) {
		return 0
	}
	_, h := a.lookup(p)
	return h.PayloadSize
}

// Realloc moves p to a new block of newSize bytes and returns it. The first
// min(Size(p), newSize) bytes are copied and p is freed. The new block keeps
// the alignment of p; a nil or ZeroSizePtr p behaves like Alloc with the
// default alignment.
//
// A zero newSize frees p and returns ZeroSizePtr. On failure p is left
// untouched.
func (a *Allocator) Realloc(p []byte, newSize int, flags Flags) ([]byte, error) {
	if newSize == 0 {
		a.Free(p)
		return ZeroSizePtr, nil
	}
	if IsZeroOrNil(p) {
		return a.Alloc(newSize, flags, 0)
	}

	b, h := a.lookup(p)
	ret, err := a.Alloc(newSize, flags, h.Align)
	if err != nil {
		return nil, err
	}
	copy(ret, b.payload(&h))
	a.release(b, &h)
	return ret, nil
}

// ZeroFree zeroes the payload of p then frees it. nil and ZeroSizePtr are
// ignored.
func (a *Allocator) ZeroFree(p []byte) {
	if IsZeroOrNil(p) {
		return
	}
	b, h := a.lookup(p)
	clear(b.payload(&h))
	a.release(b, &h)
}

// HeaderOf returns the header of the live block p.
func (a *Allocator) HeaderOf(p []byte) Header {
	printk.BugOn(IsZeroOrNil(p), "kmem: no header for nil or zero-size pointer")
	_, h := a.lookup(p)
	return h.Header
}

// Stats returns a snapshot of the live blocks.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
