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
	"fmt"

	"github.com/JohnCGriffin/overflow"

	"github.com/cloudwego/linuxbase/unsafex"
)

// Arena is a fixed region of memory aligned to a power of two, used as the
// backing store of Buddy and Bitmap.
//
// On linux and darwin the region is an anonymous private mapping, elsewhere
// it comes from the Go heap.
type Arena struct {
	mem []byte
	raw []byte
}

// NewArena creates an arena of size bytes whose first byte is aligned to
// align. size must be a positive multiple of PageSize, align a power of two;
// align <= PageSize means PageSize.
func NewArena(size, align int) (*Arena, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("arena size must be a positive multiple of %d, got %d", PageSize, size)
	}
	al, ok := effectiveAlign(align)
	if !ok {
		return nil, fmt.Errorf("arena alignment must be a power of two, got %d", align)
	}
	extra := 0
	if al > PageSize {
		extra = al
	}
	total, ok := overflow.Add(size, extra)
	if !ok {
		return nil, fmt.Errorf("arena size %d with alignment %d overflows", size, al)
	}
	raw, err := mapArena(total)
	if err != nil {
		return nil, err
	}
	base := unsafex.DataAddr(raw)
	off := int(alignUp(base, al) - base)
	return &Arena{mem: raw[off : off+size : off+size], raw: raw}, nil
}

// Bytes returns the aligned region.
func (a *Arena) Bytes() []byte {
	return a.mem
}

// Close releases the region. No slice of it may be used afterwards.
func (a *Arena) Close() error {
	if a.raw == nil {
		return nil
	}
	err := unmapArena(a.raw)
	a.raw, a.mem = nil, nil
	return err
}
