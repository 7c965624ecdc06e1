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
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/linuxbase/unsafex"
)

const (
	testMinBlock = PageSize
	testMaxBlock = 64 * 1024
)

func TestNewBuddyWithBlockSize(t *testing.T) {
	arena := newTestArena(t, 128*1024, testMaxBlock)
	mem := arena.Bytes()

	tests := []struct {
		name    string
		arena   []byte
		min     int
		max     int
		wantErr bool
	}{
		{"valid_custom", mem, testMinBlock, testMaxBlock, false},
		{"valid_same_min_max", mem[:testMaxBlock], testMaxBlock, testMaxBlock, false},
		{"valid_multi_root", mem, testMinBlock, testMaxBlock / 2, false},
		{"min_not_pow2", mem, 5000, testMaxBlock, true},
		{"min_lt_page", mem, 1024, testMaxBlock, true},
		{"max_not_pow2", mem, testMinBlock, 60000, true},
		{"min_gt_max", mem, 8192, testMinBlock, true},
		{"arena_not_multiple", mem[:100*1024], testMinBlock, testMaxBlock, true},
		{"arena_too_small", mem[:32*1024], testMinBlock, testMaxBlock, true},
		{"arena_misaligned", mem[PageSize : PageSize+testMaxBlock], testMinBlock, testMaxBlock, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuddyWithBlockSize(tt.arena, tt.min, tt.max)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewBuddyDefault(t *testing.T) {
	arena := newTestArena(t, DefaultBuddyMaxBlockSize, DefaultBuddyMaxBlockSize)
	a, err := NewBuddy(arena.Bytes())
	require.NoError(t, err)
	assert.Equal(t, DefaultBuddyMaxBlockSize, a.Available())
}

func TestBuddyAllocFree(t *testing.T) {
	a := newTestBuddy(t, 128*1024)

	b1 := a.AllocateAlignedPages(1, 0)
	require.NotNil(t, b1)
	assert.Equal(t, PageSize, len(b1))
	assert.Equal(t, PageSize, cap(b1))
	assert.Zero(t, unsafex.DataAddr(b1)%PageSize)
	for i := range b1 {
		b1[i] = byte(i)
	}

	b2 := a.AllocateAlignedPages(3, 0)
	require.NotNil(t, b2)
	assert.Equal(t, 3*PageSize, len(b2))
	assert.False(t, overlap(b1, b2))
	assert.Equal(t, 2, a.Outstanding())

	a.FreeAlignedPages(b1, 1)
	a.FreeAlignedPages(b2, 3)
	assert.Equal(t, 0, a.Outstanding())
}

func TestBuddyAlignment(t *testing.T) {
	a := newTestBuddy(t, 128*1024)
	// take the first page so that alignment is not satisfied by accident
	first := a.AllocateAlignedPages(1, 0)
	require.NotNil(t, first)

	for _, align := range []int{8, 16, 64, PageSize, 2 * PageSize, 4 * PageSize, testMaxBlock} {
		b := a.AllocateAlignedPages(1, align)
		require.NotNil(t, b, "align=%d", align)
		assert.Zero(t, unsafex.DataAddr(b)%uintptr(align), "align=%d", align)
		assert.Equal(t, PageSize, len(b))
		a.FreeAlignedPages(b, 1)
	}
}

func TestBuddyAllocRejects(t *testing.T) {
	a := newTestBuddy(t, 128*1024)
	assert.Nil(t, a.AllocateAlignedPages(0, 0))
	assert.Nil(t, a.AllocateAlignedPages(-1, 0))
	assert.Nil(t, a.AllocateAlignedPages(testMaxBlock/PageSize+1, 0))
	assert.Nil(t, a.AllocateAlignedPages(1, 3*PageSize))
	assert.Nil(t, a.AllocateAlignedPages(1, 2*testMaxBlock))
	assert.Nil(t, a.AllocateAlignedPages(math.MaxInt, 0))
	assert.Nil(t, a.AllocateAlignedPages(math.MaxInt>>PageShift+1, 0))
	assert.Nil(t, a.AllocateAlignedPages(1, math.MaxInt>>1+1))
	assert.Equal(t, 0, a.Outstanding())
}

func TestBuddyExhaustion(t *testing.T) {
	a := newTestBuddy(t, 128*1024)

	var blocks [][]byte
	for {
		b := a.AllocateAlignedPages(1, 0)
		if b == nil {
			break
		}
		blocks = append(blocks, b)
	}
	assert.Equal(t, 32, len(blocks)) // 128KB / 4KB
	assert.Equal(t, 0, a.Available())

	for _, b := range blocks {
		a.FreeAlignedPages(b, 1)
	}
	// lazy coalescing kicks in for the large request
	large := a.AllocateAlignedPages(testMaxBlock/PageSize, 0)
	require.NotNil(t, large)
	assert.Equal(t, testMaxBlock, len(large))
}

func TestBuddyCoalesceUntil(t *testing.T) {
	tests := []struct {
		name   string
		nodes  []int // offsets
		target int
		want   int
	}{
		{"TwoBuddies", []int{0, 4096}, 1, 1},
		{"FourNodes", []int{0, 4096, 8192, 12288}, 2, 2},
		{"Unsorted", []int{12288, 0, 8192, 4096}, 2, 2},
		{"NoBuddies", []int{0, 8192, 16384, 24576}, 1, -1},
		{"RightThenLeft", []int{4096, 8192}, 1, -1},
		{"SingleNode", []int{8192}, 1, -1},
		{"RootCantMerge", []int{0, testMaxBlock}, 1, -1},
		{"PartialBuddies", []int{0, 4096, 16384}, 2, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestBuddy(t, 128*1024)
			clearBuddyFreeLists(a)
			a.freeLists[0] = append(a.freeLists[0], tt.nodes...)
			assert.Equal(t, tt.want, a.CoalesceUntil(tt.target))
		})
	}

	t.Run("HigherOrderAvailable", func(t *testing.T) {
		a := newTestBuddy(t, 128*1024)
		clearBuddyFreeLists(a)
		a.freeLists[3] = append(a.freeLists[3], 0)
		assert.Equal(t, 3, a.CoalesceUntil(1))
	})
}

func TestBuddyFreeInvalid(t *testing.T) {
	a := newTestBuddy(t, 128*1024)

	assert.NotPanics(t, func() { a.FreeAlignedPages(nil, 1) })
	assert.Panics(t, func() { a.FreeAlignedPages(make([]byte, PageSize), 1) })

	b := a.AllocateAlignedPages(1, 0)
	require.NotNil(t, b)
	assert.Panics(t, func() { a.FreeAlignedPages(b[1:], 1) })
	assert.Panics(t, func() { a.FreeAlignedPages(b, 2) })
	assert.Panics(t, func() { a.FreeAlignedPages(b, 0) })

	assert.NotPanics(t, func() { a.FreeAlignedPages(b, 1) })
	assert.Panics(t, func() { a.FreeAlignedPages(b, 1) }) // double free
}

func TestBuddyAvailableAfterRandomAllocFree(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := newTestBuddy(t, 1024*1024)
	initial := a.Available()

	type block struct {
		b     []byte
		pages int
	}
	var blocks []block
	for i := 0; i < 20000; i++ {
		if len(blocks) == 0 || rng.Intn(3) != 0 {
			n := 1 + rng.Intn(8)
			align := PageSize << rng.Intn(4)
			if b := a.AllocateAlignedPages(n, align); b != nil {
				require.Zero(t, unsafex.DataAddr(b)%uintptr(align))
				blocks = append(blocks, block{b, n})
			}
		} else {
			idx := rng.Intn(len(blocks))
			a.FreeAlignedPages(blocks[idx].b, blocks[idx].pages)
			blocks[idx] = blocks[len(blocks)-1]
			blocks = blocks[:len(blocks)-1]
		}
	}
	for _, b := range blocks {
		a.FreeAlignedPages(b.b, b.pages)
	}

	a.CoalesceUntil(a.maxBlockOrder)
	assert.Equal(t, initial, a.Available())
	assert.Equal(t, 0, a.Outstanding())
}

func TestBuddyReset(t *testing.T) {
	a := newTestBuddy(t, 128*1024)
	initial := a.Available()
	require.NotNil(t, a.AllocateAlignedPages(3, 0))
	require.NotNil(t, a.AllocateAlignedPages(1, 0))
	a.Reset()
	assert.Equal(t, initial, a.Available())
	assert.Equal(t, 0, a.Outstanding())
}

// helpers

func newTestArena(t testing.TB, size, align int) *Arena {
	t.Helper()
	arena, err := NewArena(size, align)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	return arena
}

func newTestBuddy(t testing.TB, size int) *Buddy {
	t.Helper()
	arena := newTestArena(t, size, testMaxBlock)
	a, err := NewBuddyWithBlockSize(arena.Bytes(), testMinBlock, testMaxBlock)
	require.NoError(t, err)
	return a
}

func clearBuddyFreeLists(a *Buddy) {
	for i := range a.freeLists {
		a.freeLists[i] = a.freeLists[i][:0]
	}
}

func overlap(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	aStart := unsafex.DataAddr(a)
	aEnd := aStart + uintptr(len(a))
	bStart := unsafex.DataAddr(b)
	bEnd := bStart + uintptr(len(b))
	return !(aEnd <= bStart || bEnd <= aStart)
}

// benchmarks

func BenchmarkBuddyAlloc(b *testing.B) {
	a := newTestBuddy(b, 16*1024*1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		block := a.AllocateAlignedPages(2, 0)
		if block != nil {
			a.FreeAlignedPages(block, 2)
		}
	}
}

func BenchmarkBuddyAllocAligned(b *testing.B) {
	a := newTestBuddy(b, 16*1024*1024)
	aligns := []int{PageSize, 4 * PageSize, testMaxBlock}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		block := a.AllocateAlignedPages(1, aligns[i%len(aligns)])
		if block != nil {
			a.FreeAlignedPages(block, 1)
		}
	}
}
