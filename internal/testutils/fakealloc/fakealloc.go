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

// Package fakealloc provides checked backends for testing kmem: they wrap a
// real pool or page allocator, track every live allocation and can be told to
// fail a given upcoming request.
package fakealloc

import (
	"runtime"
	"sync"

	"github.com/cloudwego/linuxbase/kmem/pages"
	"github.com/cloudwego/linuxbase/kmem/pool"
	"github.com/cloudwego/linuxbase/unsafex"
)

// TestingT is the subset of testing.TB used by the Assert helpers.
type TestingT interface {
	Errorf(format string, args ...interface{})
	Helper()
}

// PoolAllocator and PageAllocator mirror the kmem backend interfaces.
type (
	PoolAllocator interface {
		AllocatePool(size int) []byte
		FreePool(b []byte)
	}
	PageAllocator interface {
		AllocateAlignedPages(pages, align int) []byte
		FreeAlignedPages(b []byte, pages int)
	}
)

// callerFrames skips tracker.record, the backend method and the kmem
// allocation path, to report the frame that asked kmem for memory.
const callerFrames = 4

type dalloc struct {
	pc   uintptr
	line int
	size int
}

// tracker is the bookkeeping shared by Pool and Pages.
type tracker struct {
	mu     sync.Mutex
	live   map[uintptr]*dalloc
	allocs int
	frees  int
	failIn int
}

func (t *tracker) shouldFail() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allocs++
	if t.failIn == 0 {
		return false
	}
	t.failIn--
	return t.failIn == 0
}

func (t *tracker) record(b []byte) {
	d := &dalloc{size: len(b)}
	if pc, _, l, ok := runtime.Caller(callerFrames); ok {
		d.pc, d.line = pc, l
	}
	t.mu.Lock()
	if t.live == nil {
		t.live = make(map[uintptr]*dalloc)
	}
	t.live[unsafex.DataAddr(b)] = d
	t.mu.Unlock()
}

func (t *tracker) forget(b []byte) *dalloc {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frees++
	p := unsafex.DataAddr(b)
	d := t.live[p]
	if d == nil {
		panic("fakealloc: free of unknown buffer")
	}
	delete(t.live, p)
	return d
}

// FailNext makes the n-th allocation request from now on fail; 1 is the next
// one. n <= 0 disables fault injection.
func (t *tracker) FailNext(n int) {
	t.mu.Lock()
	if n < 0 {
		n = 0
	}
	t.failIn = n
	t.mu.Unlock()
}

// Outstanding returns the number of live allocations.
func (t *tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Allocs returns the number of allocation requests, failed ones included.
func (t *tracker) Allocs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocs
}

// Frees returns the number of free requests.
func (t *tracker) Frees() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frees
}

// AssertOutstanding reports every live allocation as a leak when their
// number differs from n.
func (t *tracker) AssertOutstanding(tt TestingT, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.live) == n {
		return
	}
	tt.Helper()
	for _, d := range t.live {
		name := "unknown"
		if f := runtime.FuncForPC(d.pc); f != nil {
			name = f.Name()
		}
		tt.Errorf("LEAK of %d bytes FROM %s line %d", d.size, name, d.line)
	}
	tt.Errorf("invalid outstanding allocations exp=%d, got=%d", n, len(t.live))
}

// Pool is a checked PoolAllocator.
type Pool struct {
	tracker
	mem PoolAllocator
}

// NewPool wraps mem, or a fresh pool.Mcache if mem is nil.
func NewPool(mem PoolAllocator) *Pool {
	if mem == nil {
		mem = pool.NewMcache(0)
	}
	return &Pool{mem: mem}
}

func (p *Pool) AllocatePool(size int) []byte {
	if p.shouldFail() {
		return nil
	}
	b := p.mem.AllocatePool(size)
	if b != nil {
		p.record(b)
	}
	return b
}

func (p *Pool) FreePool(b []byte) {
	p.forget(b)
	p.mem.FreePool(b)
}

// Pages is a checked PageAllocator.
type Pages struct {
	tracker
	mem PageAllocator
}

// NewPages wraps mem, or a fresh unbounded pages.Heap if mem is nil.
func NewPages(mem PageAllocator) *Pages {
	if mem == nil {
		mem = pages.NewHeap(0)
	}
	return &Pages{mem: mem}
}

func (p *Pages) AllocateAlignedPages(n, align int) []byte {
	if p.shouldFail() {
		return nil
	}
	b := p.mem.AllocateAlignedPages(n, align)
	if b != nil {
		p.record(b)
	}
	return b
}

// FreeAlignedPages panics if b is unknown or n does not match its size.
func (p *Pages) FreeAlignedPages(b []byte, n int) {
	d := p.forget(b)
	if pages.PagesToSize(n) != d.size {
		panic("fakealloc: page count does not match block")
	}
	p.mem.FreeAlignedPages(b, n)
}
