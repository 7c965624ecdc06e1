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

// Package pages provides aligned-page allocators for kmem.
//
// Memory is handed out in whole pages of PageSize bytes, aligned to at least
// PageSize and to any larger power-of-two alignment the caller asks for.
package pages

import (
	"github.com/cloudwego/linuxbase/unsafex"
)

const (
	// PageShift determines the page size.
	PageShift = 12

	// PageSize is the granularity of every allocator in this package.
	PageSize = 1 << PageShift

	// PageMask clears the offset-in-page bits of an address.
	PageMask = ^uintptr(PageSize - 1)
)

// SizeToPages returns the number of pages needed to hold size bytes.
func SizeToPages(size int) int {
	if size <= 0 {
		return 0
	}
	n := size >> PageShift
	if size&(PageSize-1) != 0 {
		n++
	}
	return n
}

// PagesToSize returns the size in bytes of n pages.
func PagesToSize(n int) int {
	return n << PageShift
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// effectiveAlign returns the alignment a request is served with: align
// rounded up to PageSize. ok is false if align is not a power of two.
func effectiveAlign(align int) (int, bool) {
	if align <= PageSize {
		return PageSize, align >= 0 && (align == 0 || isPowerOfTwo(align))
	}
	return align, isPowerOfTwo(align)
}

func alignUp(addr uintptr, align int) uintptr {
	return (addr + uintptr(align) - 1) &^ (uintptr(align) - 1)
}

// offsetIn returns the offset of b's first byte within arena, or -1 if b does
// not start inside arena.
func offsetIn(arena, b []byte) int {
	base := unsafex.DataAddr(arena)
	p := unsafex.DataAddr(b)
	if p < base || p >= base+uintptr(len(arena)) {
		return -1
	}
	return int(p - base)
}
