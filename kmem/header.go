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
	"encoding/binary"
	"math"

	"github.com/JohnCGriffin/overflow"
	"github.com/bytedance/gopkg/util/xxhash3"
)

// Block header layout, little endian:
//
//	0  signature     u32  'k' 'm' 'e' 'm'
//	4  strategy      u32
//	8  flags         u32
//	12 reserved      u32
//	16 backing addr  u64
//	24 backing size  u64
//	32 payload size  u64
//	40 alignment     u64
//	48 check         u64  xxhash3 of [0, 48)
//
// The header ends where the payload starts. The payload starts headerSize
// bytes into the backing allocation, so that it keeps the alignment of the
// backing allocation.
const (
	headerSignature = uint32('k') | uint32('m')<<8 | uint32('e')<<16 | uint32('m')<<24
	headerFootprint = 56
	headerCheckOff  = 48

	// minAlign is the alignment of PooledBlock payloads.
	minAlign = 8
)

// headerSize returns the footprint of the header rounded up to align.
func headerSize(align int) int {
	return (headerFootprint + align - 1) &^ (align - 1)
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Header describes a live block.
type Header struct {
	Strategy Strategy
	Flags    Flags

	// Align is the effective alignment of the payload.
	Align int

	// HeaderSize is the offset of the payload in the backing allocation.
	HeaderSize int

	// BackingSize is the number of bytes requested from the backing
	// allocator, HeaderSize + PayloadSize.
	BackingSize int

	// PayloadSize is the size the client asked for.
	PayloadSize int
}

type header struct {
	Header

	backingAddr uintptr
	kind        backing
}

func (h *header) encode(b []byte) {
	_ = b[headerFootprint-1]
	le := binary.LittleEndian
	le.PutUint32(b[0:], headerSignature)
	le.PutUint32(b[4:], uint32(h.Strategy))
	le.PutUint32(b[8:], uint32(h.Flags))
	le.PutUint32(b[12:], 0)
	le.PutUint64(b[16:], uint64(h.backingAddr))
	le.PutUint64(b[24:], uint64(h.BackingSize))
	le.PutUint64(b[32:], uint64(h.PayloadSize))
	le.PutUint64(b[40:], uint64(h.Align))
	le.PutUint64(b[headerCheckOff:], xxhash3.Hash(b[:headerCheckOff]))
}

// decodeHeader parses and checks the header bytes b.
func decodeHeader(b []byte) (h header, err error) {
	_ = b[headerFootprint-1]
	le := binary.LittleEndian
	if le.Uint32(b[0:]) != headerSignature {
		return h, errBadSignature
	}
	if le.Uint64(b[headerCheckOff:]) != xxhash3.Hash(b[:headerCheckOff]) {
		return h, errBadChecksum
	}

	h.Strategy = Strategy(le.Uint32(b[4:]))
	if h.kind, err = backingOf(h.Strategy); err != nil {
		return h, err
	}
	h.Flags = Flags(le.Uint32(b[8:]))
	h.backingAddr = uintptr(le.Uint64(b[16:]))

	bs, ps, al := le.Uint64(b[24:]), le.Uint64(b[32:]), le.Uint64(b[40:])
	if bs > math.MaxInt || ps > math.MaxInt || al > math.MaxInt {
		return h, errBadLayout
	}
	h.BackingSize, h.PayloadSize, h.Align = int(bs), int(ps), int(al)
	if !isPowerOfTwo(h.Align) || (h.Strategy == PooledBlock) != (h.Align == minAlign) {
		return h, errBadLayout
	}
	h.HeaderSize = headerSize(h.Align)
	if n, ok := overflow.Add(h.HeaderSize, h.PayloadSize); !ok || n != h.BackingSize {
		return h, errBadLayout
	}
	return h, nil
}

// clearSignature invalidates the header bytes b.
func clearSignature(b []byte) {
	binary.LittleEndian.PutUint32(b, 0)
}
