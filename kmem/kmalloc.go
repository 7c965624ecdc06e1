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
	"github.com/JohnCGriffin/overflow"
)

// Kernel style functions over the default Allocator. Allocation failures
// return nil instead of an error.

func orNil(p []byte, err error) []byte {
	if err != nil {
		return nil
	}
	return p
}

// Kmalloc allocates size bytes aligned to 8.
func Kmalloc(size int, flags Flags) []byte {
	return orNil(Default().Alloc(size, flags, 0))
}

// KmallocTrackCaller is Kmalloc.
func KmallocTrackCaller(size int, flags Flags) []byte {
	return Kmalloc(size, flags)
}

// Kzalloc allocates size zeroed bytes.
func Kzalloc(size int, flags Flags) []byte {
	return Kmalloc(size, flags|GFPZero)
}

// KmallocArray allocates n elements of size bytes, or returns nil if n*size
// overflows.
func KmallocArray(n, size int, flags Flags) []byte {
	if n < 0 || size < 0 {
		return nil
	}
	total, ok := overflow.Mul(n, size)
	if !ok {
		return nil
	}
	return Kmalloc(total, flags)
}

// Kcalloc is KmallocArray with a zeroed result.
func Kcalloc(n, size int, flags Flags) []byte {
	return KmallocArray(n, size, flags|GFPZero)
}

// Kmemdup returns a copy of src in a new block.
func Kmemdup(src []byte, flags Flags) []byte {
	p := Kmalloc(len(src), flags)
	if p != nil {
		copy(p, src)
	}
	return p
}

// Kstrdup returns the bytes of s in a new block.
func Kstrdup(s string, flags Flags) []byte {
	p := Kmalloc(len(s), flags)
	if p != nil {
		copy(p, s)
	}
	return p
}

// Krealloc is Allocator.Realloc on the default Allocator. On failure it
// returns nil and p is still valid.
func Krealloc(p []byte, newSize int, flags Flags) []byte {
	return orNil(Default().Realloc(p, newSize, flags))
}

// Kfree frees p. nil and ZeroSizePtr are ignored.
func Kfree(p []byte) {
	Default().Free(p)
}

// Ksize returns the payload size of p.
func Ksize(p []byte) int {
	return Default().Size(p)
}

// Kzfree zeroes then frees p.
func Kzfree(p []byte) {
	Default().ZeroFree(p)
}

// KmemCacheCreate creates a Cache on the default Allocator, or returns nil.
func KmemCacheCreate(name string, size, align int, flags SlabFlags, ctor func(obj []byte)) *Cache {
	c, err := Default().NewCache(name, size, align, flags, ctor)
	if err != nil {
		return nil
	}
	return c
}

// KmemCacheDestroy destroys c. A nil c is ignored.
func KmemCacheDestroy(c *Cache) {
	c.Destroy()
}

// KmemCacheAlloc allocates an object from c, or returns nil.
func KmemCacheAlloc(c *Cache, flags Flags) []byte {
	return orNil(c.Alloc(flags))
}

// KmemCacheFree frees p. c may be nil.
func KmemCacheFree(c *Cache, p []byte) {
	c.Free(p)
}

// KmemCacheAllocBulk fills objs from c and returns len(objs), or 0 if any
// allocation failed, in which case no object is kept.
func KmemCacheAllocBulk(c *Cache, flags Flags, objs [][]byte) int {
	return c.AllocBulk(flags, objs)
}

// KmemCacheFreeBulk frees every non-nil entry of objs. c may be nil.
func KmemCacheFreeBulk(c *Cache, objs [][]byte) {
	c.FreeBulk(objs)
}
