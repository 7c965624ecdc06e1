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

import "errors"

// ErrNoMemory is returned when the backing allocator cannot satisfy a request
// or the request size overflows.
var ErrNoMemory = errors.New("kmem: out of memory")

// header integrity errors, reported through printk.Panic
var (
	errBadSignature = errors.New("bad signature")
	errBadChecksum  = errors.New("checksum mismatch")
	errBadStrategy  = errors.New("unknown strategy")
	errBadLayout    = errors.New("inconsistent sizes")
	errOutOfBounds  = errors.New("header out of backing bounds")
	errBadBacking   = errors.New("backing address mismatch")
)
