/*
 * Copyright 2024 CloudWeGo Authors
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

// Package pool provides pool allocators for kmem: general purpose byte
// allocators with no alignment guarantee beyond the Go heap's 8 bytes.
package pool

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// footer is a [8]byte stored in the last 8 bytes of every class buffer,
	// it contains two parts: magic(58 bits) and index (6 bits):
	// * magic is for checking a []byte is created by this allocator
	// * index is for `classes`, the cap of a []byte is always equal to classes[i].size
	footerLen = 8

	footerMagicMask = uint64(0xFFFFFFFFFFFFFFC0) // 58 bits mask
	footerIndexMask = uint64(0x000000000000003F) // 6 bits mask
	footerMagic     = uint64(0xBADC0DEBADC0DEC0) // it ends with 6 zero bits which used by index
)

const (
	// DefaultMinClassSize is the smallest class, 64B.
	DefaultMinClassSize = 64

	// DefaultMaxClassSize is the largest class, 1GB. Larger requests fail.
	DefaultMaxClassSize = 1 << 30
)

// Option configures a SizeClass allocator.
type Option struct {
	// MinClassSize and MaxClassSize bound the classes, both must be powers of two.
	MinClassSize int
	MaxClassSize int

	// Limit is the max number of bytes (counted by class size) that may be
	// outstanding at once. Allocations beyond it fail. 0 means no limit.
	Limit int
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		MinClassSize: DefaultMinClassSize,
		MaxClassSize: DefaultMaxClassSize,
	}
}

type sizeClass struct {
	sync.Pool

	size int
}

// SizeClass is a pool allocator which rounds requests up to a power of two
// class and recycles freed buffers per class through sync.Pool.
//
// It is safe to use from multiple goroutines.
type SizeClass struct {
	classes []*sizeClass

	// bits2idx maps bits.Len to the index of `classes`
	bits2idx [64]int

	limit int64
	inuse int64 // bytes, by class size
	live  int64
}

// NewSizeClass creates a SizeClass allocator. A nil o uses DefaultOption.
func NewSizeClass(o *Option) (*SizeClass, error) {
	if o == nil {
		o = DefaultOption()
	}
	minSize, maxSize := o.MinClassSize, o.MaxClassSize
	if minSize <= footerLen || minSize&(minSize-1) != 0 {
		return nil, fmt.Errorf("pool: MinClassSize must be a power of two > %d, got %d", footerLen, minSize)
	}
	if maxSize < minSize || maxSize&(maxSize-1) != 0 {
		return nil, fmt.Errorf("pool: MaxClassSize must be a power of two >= %d, got %d", minSize, maxSize)
	}
	if n := bits.Len(uint(maxSize)) - bits.Len(uint(minSize)) + 1; uint64(n) > footerIndexMask+1 {
		return nil, fmt.Errorf("pool: too many size classes: %d", n)
	}
	if o.Limit < 0 {
		return nil, fmt.Errorf("pool: negative Limit %d", o.Limit)
	}

	p := &SizeClass{limit: int64(o.Limit)}
	i := 0
	for sz := minSize; sz <= maxSize; sz <<= 1 {
		c := &sizeClass{size: sz}
		c.New = func() interface{} {
			b := make([]byte, c.size)
			return &b[0]
		}
		p.classes = append(p.classes, c)
		p.bits2idx[bits.Len(uint(sz))] = i
		i++
	}
	return p, nil
}

// classIndex returns index of a class which fits the given size `sz`,
// or -1 if sz is larger than the largest class.
func (p *SizeClass) classIndex(sz int) int {
	if sz <= p.classes[0].size {
		return 0
	}
	if sz > p.classes[len(p.classes)-1].size {
		return -1
	}
	i := p.bits2idx[bits.Len(uint(sz))]
	if uint(sz)&(uint(sz)-1) == 0 {
		// if power of two, it fits perfectly
		return i
	}
	return i + 1
}

// AllocatePool returns a buffer with len == size, or nil if size <= 0, size is
// larger than the largest class, or Limit would be exceeded.
//
// The returned buffer may not be initialized with zeros. Its capacity is used
// for bookkeeping: pass it back to FreePool as returned, do not append to it.
func (p *SizeClass) AllocatePool(size int) []byte {
	if size <= 0 || size > p.classes[len(p.classes)-1].size-footerLen {
		return nil
	}
	i := p.classIndex(size + footerLen) // reserve for footer
	if i < 0 {
		return nil
	}
	c := p.classes[i]
	if n := atomic.AddInt64(&p.inuse, int64(c.size)); p.limit > 0 && n > p.limit {
		atomic.AddInt64(&p.inuse, -int64(c.size))
		return nil
	}
	atomic.AddInt64(&p.live, 1)

	ptr := c.Get().(*byte)
	buf := unsafe.Slice(ptr, c.size)
	binary.LittleEndian.PutUint64(buf[c.size-footerLen:], footerMagic|uint64(i))
	return buf[:size:c.size]
}

// FreePool returns a buffer to its class. Buffers that were not created by
// this allocator, or were already freed, are ignored.
func (p *SizeClass) FreePool(b []byte) {
	c := cap(b)
	if c < p.classes[0].size || uint(c)&uint(c-1) != 0 {
		return
	}
	full := b[:c]
	f := binary.LittleEndian.Uint64(full[c-footerLen:])
	if f&footerMagicMask != footerMagic {
		return
	}
	i := int(f & footerIndexMask)
	if i >= len(p.classes) || p.classes[i].size != c {
		return
	}
	// reset footer, a second FreePool of the same buffer is ignored
	binary.LittleEndian.PutUint64(full[c-footerLen:], 0)
	atomic.AddInt64(&p.inuse, -int64(c))
	atomic.AddInt64(&p.live, -1)
	p.classes[i].Put(&full[0])
}

// Outstanding returns the number of buffers allocated and not yet freed.
func (p *SizeClass) Outstanding() int {
	return int(atomic.LoadInt64(&p.live))
}

// InUse returns the bytes held by outstanding buffers, counted by class size.
func (p *SizeClass) InUse() int {
	return int(atomic.LoadInt64(&p.inuse))
}
