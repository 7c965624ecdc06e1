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

// Package unsafex holds the few unsafe helpers kmem needs to treat a []byte
// as an address.
package unsafex

import "unsafe"

// BinaryToString converts []byte to string without copy.
// b must not be modified or released while the string is in use.
func BinaryToString(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// DataAddr returns the address of the first element of b's backing array.
//
// Unlike &b[0] it works on zero-length slices: a nil slice yields 0, and a
// non-nil empty slice yields the address it was sliced from.
func DataAddr(b []byte) uintptr {
	// for []byte, the Data ptr is always the 1st field
	return *(*uintptr)(unsafe.Pointer(&b))
}

// SameData reports whether a and b start at the same address.
func SameData(a, b []byte) bool {
	return DataAddr(a) == DataAddr(b)
}
