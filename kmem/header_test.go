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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSignature(t *testing.T) {
	assert.Equal(t, uint32(0x6d656d6b), headerSignature)
}

func TestHeaderSize(t *testing.T) {
	tests := []struct {
		align, size int
	}{
		{8, 56},
		{16, 64},
		{32, 64},
		{64, 64},
		{128, 128},
		{4096, 4096},
		{1 << 20, 1 << 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.size, headerSize(tt.align), "align=%d", tt.align)
	}
}

func TestHeaderEncodeDecode(t *testing.T) {
	h := header{
		Header: Header{
			Strategy:    AlignedPageBlock,
			Flags:       GFPZero | GFPDMA,
			Align:       64,
			HeaderSize:  64,
			BackingSize: 64 + 1000,
			PayloadSize: 1000,
		},
		backingAddr: 0x10001000,
		kind:        alignedPageBlock{},
	}
	b := make([]byte, headerFootprint)
	h.encode(b)

	got, err := decodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	clearSignature(b)
	_, err = decodeHeader(b)
	assert.Equal(t, errBadSignature, err)
}

func TestDecodeHeaderLayout(t *testing.T) {
	tests := []struct {
		name string
		h    header
		want error
	}{
		{"pooled_ok", header{Header: Header{Strategy: PooledBlock, Align: 8, BackingSize: 66, PayloadSize: 10}}, nil},
		{"pooled_wide_align", header{Header: Header{Strategy: PooledBlock, Align: 16, BackingSize: 74, PayloadSize: 10}}, errBadLayout},
		{"pages_narrow_align", header{Header: Header{Strategy: AlignedPageBlock, Align: 8, BackingSize: 66, PayloadSize: 10}}, errBadLayout},
		{"align_not_pow2", header{Header: Header{Strategy: AlignedPageBlock, Align: 24, BackingSize: 82, PayloadSize: 10}}, errBadLayout},
		{"sizes_mismatch", header{Header: Header{Strategy: PooledBlock, Align: 8, BackingSize: 60, PayloadSize: 10}}, errBadLayout},
		{"unknown_strategy", header{Header: Header{Strategy: 0, Align: 8, BackingSize: 66, PayloadSize: 10}}, errBadStrategy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := make([]byte, headerFootprint)
			tt.h.encode(b)
			_, err := decodeHeader(b)
			assert.Equal(t, tt.want, err)
		})
	}
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "PooledBlock", PooledBlock.String())
	assert.Equal(t, "AlignedPageBlock", AlignedPageBlock.String())
	assert.Equal(t, "Strategy(9)", Strategy(9).String())
}

func TestSelectBacking(t *testing.T) {
	for _, align := range []int{1, 2, 4, 8} {
		kind, eff := selectBacking(align)
		assert.Equal(t, PooledBlock, kind.strategy())
		assert.Equal(t, minAlign, eff)
	}
	for _, align := range []int{16, 64, 4096} {
		kind, eff := selectBacking(align)
		assert.Equal(t, AlignedPageBlock, kind.strategy())
		assert.Equal(t, align, eff)
	}
}

func BenchmarkDecodeHeader(b *testing.B) {
	h := header{Header: Header{Strategy: PooledBlock, Align: 8, BackingSize: 66, PayloadSize: 10}}
	buf := make([]byte, headerFootprint)
	h.encode(buf)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = decodeHeader(buf)
	}
}
