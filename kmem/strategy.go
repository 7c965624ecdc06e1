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

package kmem

import "strconv"

// Strategy identifies the backing allocator that owns a block.
type Strategy uint32

const (
	// PooledBlock blocks come from the pool allocator, alignment 8.
	PooledBlock Strategy = 1

	// AlignedPageBlock blocks come from the page allocator, in whole pages
	// aligned to the requested alignment.
	AlignedPageBlock Strategy = 2
)

func (s Strategy) String() string {
	switch s {
	case PooledBlock:
		return "PooledBlock"
	case AlignedPageBlock:
		return "AlignedPageBlock"
	}
	return "Strategy(" + strconv.FormatUint(uint64(s), 10) + ")"
}

// backing is implemented by pooledBlock and alignedPageBlock only.
type backing interface {
	strategy() Strategy

	// acquire returns at least size bytes aligned to align, or nil.
	acquire(a *Allocator, size, align int) []byte

	// release returns mem, a slice returned by acquire(a, size, _).
	release(a *Allocator, mem []byte, size int)
}

type pooledBlock struct{}

func (pooledBlock) strategy() Strategy { return PooledBlock }

func (pooledBlock) acquire(a *Allocator, size, _ int) []byte {
	return a.pool.AllocatePool(size)
}

func (pooledBlock) release(a *Allocator, mem []byte, _ int) {
	a.pool.FreePool(mem)
}

type alignedPageBlock struct{}

func (alignedPageBlock) strategy() Strategy { return AlignedPageBlock }

func (alignedPageBlock) acquire(a *Allocator, size, align int) []byte {
	return a.pages.AllocateAlignedPages(a.sizeToPages(size), align)
}

func (alignedPageBlock) release(a *Allocator, mem []byte, size int) {
	a.pages.FreeAlignedPages(mem, a.sizeToPages(size))
}

// selectBacking returns the backing for a request aligned to align, and the
// effective alignment.
func selectBacking(align int) (backing, int) {
	if align <= minAlign {
		return pooledBlock{}, minAlign
	}
	return alignedPageBlock{}, align
}

// backingOf maps a recorded strategy back to its backing.
func backingOf(s Strategy) (backing, error) {
	switch s {
	case PooledBlock:
		return pooledBlock{}, nil
	case AlignedPageBlock:
		return alignedPageBlock{}, nil
	}
	return nil, errBadStrategy
}
