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

func newTestBitmap(t testing.TB, pages, align int) *Bitmap {
	t.Helper()
	arena := newTestArena(t, pages*PageSize, align)
	a, err := NewBitmap(arena.Bytes())
	require.NoError(t, err)
	return a
}

func TestNewBitmap(t *testing.T) {
	arena := newTestArena(t, 4*PageSize, PageSize)
	mem := arena.Bytes()

	_, err := NewBitmap(mem)
	assert.NoError(t, err)
	_, err = NewBitmap(nil)
	assert.Error(t, err)
	_, err = NewBitmap(mem[:PageSize+1])
	assert.Error(t, err)
	_, err = NewBitmap(mem[1 : PageSize+1])
	assert.Error(t, err)
}

func TestBitmapAllocFree(t *testing.T) {
	a := newTestBitmap(t, 64, PageSize)
	assert.Equal(t, 64*PageSize, a.Available())

	b1 := a.AllocateAlignedPages(1, 0)
	require.NotNil(t, b1)
	assert.Equal(t, PageSize, len(b1))
	assert.Equal(t, PageSize, cap(b1))

	b2 := a.AllocateAlignedPages(3, 0)
	require.NotNil(t, b2)
	assert.Equal(t, 3*PageSize, len(b2))
	assert.False(t, overlap(b1, b2))
	assert.Equal(t, 60*PageSize, a.Available())
	assert.Equal(t, 2, a.Outstanding())

	a.FreeAlignedPages(b1, 1)
	a.FreeAlignedPages(b2, 3)
	assert.Equal(t, 64*PageSize, a.Available())
	assert.Equal(t, 0, a.Outstanding())
}

func TestBitmapNextFit(t *testing.T) {
	a := newTestBitmap(t, 64, PageSize)
	base := unsafex.DataAddr(a.arena)

	b1 := a.AllocateAlignedPages(1, 0)
	b2 := a.AllocateAlignedPages(1, 0)
	require.NotNil(t, b1)
	require.NotNil(t, b2)
	a.FreeAlignedPages(b1, 1)

	// the search resumes after b2 instead of reusing the page of b1
	b3 := a.AllocateAlignedPages(1, 0)
	require.NotNil(t, b3)
	assert.Equal(t, uintptr(2*PageSize), unsafex.DataAddr(b3)-base)
}

func TestBitmapExhaustion(t *testing.T) {
	a := newTestBitmap(t, 64, PageSize)

	var blocks [][]byte
	for {
		b := a.AllocateAlignedPages(1, 0)
		if b == nil {
			break
		}
		blocks = append(blocks, b)
	}
	assert.Equal(t, 64, len(blocks))
	assert.Equal(t, 0, a.Available())
	assert.Nil(t, a.AllocateAlignedPages(2, 0))

	// wrap around to the freed page
	a.FreeAlignedPages(blocks[10], 1)
	b := a.AllocateAlignedPages(1, 0)
	require.NotNil(t, b)
	assert.True(t, unsafex.SameData(b, blocks[10]))
}

func TestBitmapRunAcrossWords(t *testing.T) {
	a := newTestBitmap(t, 128, PageSize)
	base := unsafex.DataAddr(a.arena)

	require.NotNil(t, a.AllocateAlignedPages(1, 0))
	b := a.AllocateAlignedPages(70, 0)
	require.NotNil(t, b)
	assert.Equal(t, uintptr(PageSize), unsafex.DataAddr(b)-base)
	assert.Equal(t, 70*PageSize, len(b))

	assert.Nil(t, a.AllocateAlignedPages(58, 0))
	assert.NotNil(t, a.AllocateAlignedPages(57, 0))
}

func TestBitmapAlignment(t *testing.T) {
	const align = 4 * PageSize
	a := newTestBitmap(t, 64, align)
	base := unsafex.DataAddr(a.arena)

	require.NotNil(t, a.AllocateAlignedPages(1, 0))
	b := a.AllocateAlignedPages(1, align)
	require.NotNil(t, b)
	assert.Zero(t, unsafex.DataAddr(b)%align)
	assert.Equal(t, uintptr(align), unsafex.DataAddr(b)-base)

	for _, al := range []int{8, 64, PageSize, 2 * PageSize, 16 * PageSize} {
		b := a.AllocateAlignedPages(2, al)
		require.NotNil(t, b, "align=%d", al)
		assert.Zero(t, unsafex.DataAddr(b)%uintptr(al), "align=%d", al)
		a.FreeAlignedPages(b, 2)
	}
	assert.Nil(t, a.AllocateAlignedPages(1, 3*PageSize))
	assert.Nil(t, a.AllocateAlignedPages(1, 128*PageSize))
}

func TestBitmapAllocRejects(t *testing.T) {
	a := newTestBitmap(t, 8, PageSize)
	assert.Nil(t, a.AllocateAlignedPages(0, 0))
	assert.Nil(t, a.AllocateAlignedPages(-1, 0))
	assert.Nil(t, a.AllocateAlignedPages(9, 0))
	assert.Nil(t, a.AllocateAlignedPages(math.MaxInt, 0))
	assert.Nil(t, a.AllocateAlignedPages(1, math.MaxInt>>1+1))
	assert.Equal(t, 0, a.Outstanding())
}

func TestBitmapFreeInvalid(t *testing.T) {
	a := newTestBitmap(t, 8, PageSize)

	assert.NotPanics(t, func() { a.FreeAlignedPages(nil, 1) })
	assert.Panics(t, func() { a.FreeAlignedPages(make([]byte, PageSize), 1) })

	b := a.AllocateAlignedPages(2, 0)
	require.NotNil(t, b)
	assert.Panics(t, func() { a.FreeAlignedPages(b[1:], 2) })
	assert.Panics(t, func() { a.FreeAlignedPages(b[PageSize:], 1) })
	assert.Panics(t, func() { a.FreeAlignedPages(b, 1) })

	assert.NotPanics(t, func() { a.FreeAlignedPages(b, 2) })
	assert.Panics(t, func() { a.FreeAlignedPages(b, 2) }) // double free
}

func TestBitmapRandomAllocFree(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := newTestBitmap(t, 256, 16*PageSize)

	type block struct {
		b     []byte
		pages int
	}
	var blocks []block
	for i := 0; i < 20000; i++ {
		if len(blocks) == 0 || rng.Intn(3) != 0 {
			n := 1 + rng.Intn(6)
			align := PageSize << rng.Intn(4)
			if b := a.AllocateAlignedPages(n, align); b != nil {
				require.Zero(t, unsafex.DataAddr(b)%uintptr(align))
				for _, o := range blocks {
					require.False(t, overlap(o.b, b))
				}
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
	assert.Equal(t, 256*PageSize, a.Available())
	assert.Equal(t, 0, a.Outstanding())
}

func TestBitmapReset(t *testing.T) {
	a := newTestBitmap(t, 16, PageSize)
	require.NotNil(t, a.AllocateAlignedPages(5, 0))
	a.Reset()
	assert.Equal(t, 16*PageSize, a.Available())
	assert.Equal(t, 0, a.Outstanding())
	assert.NotNil(t, a.AllocateAlignedPages(16, 0))
}

func BenchmarkBitmapAlloc(b *testing.B) {
	a := newTestBitmap(b, 4096, PageSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		block := a.AllocateAlignedPages(2, 0)
		if block != nil {
			a.FreeAlignedPages(block, 2)
		}
	}
}
