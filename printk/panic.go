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

package printk

import (
	"fmt"
	"runtime"
	"strings"
)

const (
	cutHere       = "------------[ cut here ]------------"
	endTraceMark  = "---[ end trace ]---"
	panicPrefix   = "Kernel panic - not syncing: "
	panicOnWarnMs = "panic_on_warn set ..."
)

// PanicError is the value passed to the builtin panic by Panic.
type PanicError struct {
	Msg string
}

func (e *PanicError) Error() string {
	return panicPrefix + e.Msg
}

// Panic logs an emergency message and never returns.
//
// The process is halted by a Go panic carrying *PanicError, so a test (or a
// supervisor goroutine) can still recover it.
func Panic(format string, args ...interface{}) {
	msg := strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
	Emit(LevelEmerg, panicPrefix+"%s", msg)
	panic(&PanicError{Msg: msg})
}

// BugOn panics with a "BUG: " message if cond holds.
func BugOn(cond bool, format string, args ...interface{}) {
	if cond {
		Panic("BUG: "+format, args...)
	}
}

// WarnOn logs a warning with the caller location if cond holds, and returns cond.
// With PanicOnWarn set, the warning becomes a Panic; the flag is cleared first.
func WarnOn(cond bool, format string, args ...interface{}) bool {
	if !cond {
		return false
	}
	Emit(LevelWarning, cutHere)
	if _, file, line, ok := runtime.Caller(1); ok {
		Emit(LevelWarning, "WARNING: at %s:%d", file, line)
	} else {
		Emit(LevelWarning, "WARNING: at unknown location")
	}
	if format != "" {
		Emit(LevelWarning, format, args...)
	}

	mu.Lock()
	p := cfg.PanicOnWarn
	cfg.PanicOnWarn = false
	mu.Unlock()
	if p {
		Panic(panicOnWarnMs)
	}

	Emit(LevelWarning, endTraceMark)
	return true
}
