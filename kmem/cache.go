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
	"fmt"
	"math"

	"github.com/cloudwego/linuxbase/printk"
	"github.com/cloudwego/linuxbase/unsafex"
)

// cache descriptor layout, little endian, followed by the name bytes
const (
	descObjectSize = 0  // u32
	descAlign      = 4  // u32
	descFlags      = 8  // u32
	descNameOff    = 12 // name bytes
)

// Cache allocates objects of a fixed size and alignment, running an optional
// constructor on each of them.
//
// Objects are not pooled: every Alloc is a fresh request to the Allocator,
// and objects belong to the caller once returned. Destroy releases the cache
// descriptor only.
type Cache struct {
	a    *Allocator
	desc []byte
	ctor func(obj []byte)
}

// NewCache creates a cache of objects of size bytes aligned to align (0 means
// 8), whose descriptor is allocated from a. ctor may be nil.
//
// A size that is not positive or does not fit in 32 bits, or an alignment
// that is not a power of two, is fatal. So is any failure if flags has
// SlabPanic.
func (a *Allocator) NewCache(name string, size, align int, flags SlabFlags, ctor func(obj []byte)) (*Cache, error) {
	printk.BugOn(size <= 0 || uint64(size) > math.MaxUint32, "kmem_cache_create: %q: invalid object size %d", name, size)
	printk.BugOn(align < 0 || uint64(align) > math.MaxUint32 || (align != 0 && !isPowerOfTwo(align)),
		"kmem_cache_create: %q: invalid alignment %d", name, align)

	desc, err := a.Alloc(descNameOff+len(name), GFPKernel, 0)
	if err != nil {
		if flags&SlabPanic != 0 {
			printk.Panic("kmem_cache_create: Failed to create slab '%s'. Error %v", name, err)
		}
		return nil, fmt.Errorf("kmem: create cache %q: %w", name, err)
	}
	le := binary.LittleEndian
	le.PutUint32(desc[descObjectSize:], uint32(size))
	le.PutUint32(desc[descAlign:], uint32(align))
	le.PutUint32(desc[descFlags:], uint32(flags))
	copy(desc[descNameOff:], name)
	return &Cache{a: a, desc: desc, ctor: ctor}, nil
}

func (c *Cache) check() {
	printk.BugOn(c == nil, "kmem: nil cache")
	printk.BugOn(c.desc == nil, "kmem: use of destroyed cache")
}

// Name returns the name of c. It is only valid until Destroy.
func (c *Cache) Name() string {
	c.check()
	return unsafex.BinaryToString(c.desc[descNameOff:])
}

// ObjectSize returns the size of the objects of c.
func (c *Cache) ObjectSize() int {
	c.check()
	return int(binary.LittleEndian.Uint32(c.desc[descObjectSize:]))
}

// Align returns the alignment the objects of c are allocated with, 0 meaning
// the default.
func (c *Cache) Align() int {
	c.check()
	return int(binary.LittleEndian.Uint32(c.desc[descAlign:]))
}

// Flags returns the flags c was created with.
func (c *Cache) Flags() SlabFlags {
	c.check()
	return SlabFlags(binary.LittleEndian.Uint32(c.desc[descFlags:]))
}

// Destroy releases the descriptor of c. Objects allocated from c are not
// affected. A nil c is ignored; any other use of c after Destroy is fatal.
func (c *Cache) Destroy() {
	if c == nil {
		return
	}
	c.check()
	c.a.Free(c.desc)
	c.desc = nil
}

// Alloc allocates one object and runs the constructor on it.
func (c *Cache) Alloc(flags Flags) ([]byte, error) {
	p, err := c.a.Alloc(c.ObjectSize(), flags, c.Align())
	if err != nil {
		return nil, err
	}
	if c.ctor != nil {
		c.ctor(p)
	}
	return p, nil
}

// Free releases an object. A nil c frees p through the default Allocator.
func (c *Cache) Free(p []byte) {
	if c == nil {
		Default().Free(p)
		return
	}
	c.check()
	c.a.Free(p)
}

// AllocBulk fills objs with new objects and returns len(objs). If any
// allocation fails, the objects allocated so far are freed, every entry of
// objs is set to nil and 0 is returned.
func (c *Cache) AllocBulk(flags Flags, objs [][]byte) int {
	for i := range objs {
		p, err := c.Alloc(flags)
		if err != nil {
			c.FreeBulk(objs[:i])
			clear(objs)
			return 0
		}
		objs[i] = p
	}
	return len(objs)
}

// FreeBulk frees every non-nil entry of objs. A nil c frees them through the
// default Allocator.
func (c *Cache) FreeBulk(objs [][]byte) {
	for _, p := range objs {
		c.Free(p)
	}
}
