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

// Flags are the GFP flags of an allocation request. They are recorded in the
// block header; only GFPZero changes the behaviour of an allocation.
type Flags uint32

const (
	// GFPKernel is the typical flag set: the caller may sleep.
	GFPKernel Flags = 0
	// GFPAtomic is for callers that cannot sleep. No allocation sleeps here,
	// so it is the same as GFPKernel.
	GFPAtomic Flags = 0

	GFPDMA        Flags = 0x01
	GFPDMA32      Flags = 0x04
	GFPZero       Flags = 0x8000 // zero-fill the payload
	GFPHighAtomic Flags = 0x80000

	knownFlags = GFPDMA | GFPDMA32 | GFPZero | GFPHighAtomic
)

// SlabFlags are the flags of a Cache.
type SlabFlags uint32

const (
	// SlabHWCacheAlign is recorded but has no effect.
	SlabHWCacheAlign SlabFlags = 0x00002000

	// SlabPanic makes a failure to create the cache fatal.
	SlabPanic SlabFlags = 0x00040000
)
