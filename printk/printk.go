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

// Package printk is the diagnostic sink used by kmem.
//
// Messages follow the kernel convention: an optional "\x01<c>" prefix selects
// the level (or marks a continuation), the text is kept in a fixed-size log
// buffer and forwarded to a Sink when its level is below the console level.
package printk

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bytedance/gopkg/util/logger"
)

// Level is a kernel log level. Lower is more severe.
type Level int

const (
	LevelDefault Level = -1
	LevelEmerg   Level = 0
	LevelAlert   Level = 1
	LevelCrit    Level = 2
	LevelErr     Level = 3
	LevelWarning Level = 4
	LevelNotice  Level = 5
	LevelInfo    Level = 6
	LevelDebug   Level = 7
)

// Level prefixes, to be concatenated in front of a format string.
const (
	KernSOH     = "\x01"
	KernEmerg   = KernSOH + "0"
	KernAlert   = KernSOH + "1"
	KernCrit    = KernSOH + "2"
	KernErr     = KernSOH + "3"
	KernWarning = KernSOH + "4"
	KernNotice  = KernSOH + "5"
	KernInfo    = KernSOH + "6"
	KernDebug   = KernSOH + "7"
	KernDefault = KernSOH + "d"
	KernCont    = KernSOH + "c"
)

// lineMax bounds a single formatted message, prefix excluded.
const lineMax = 1024 - 32

// Sink receives the messages that pass the console level.
// logger.FormatLogger from bytedance/gopkg satisfies it.
type Sink interface {
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Noticef(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

type loggerSink struct{}

func (loggerSink) Errorf(format string, v ...interface{})  { logger.Errorf(format, v...) }
func (loggerSink) Warnf(format string, v ...interface{})   { logger.Warnf(format, v...) }
func (loggerSink) Noticef(format string, v ...interface{}) { logger.Noticef(format, v...) }
func (loggerSink) Infof(format string, v ...interface{})   { logger.Infof(format, v...) }
func (loggerSink) Debugf(format string, v ...interface{})  { logger.Debugf(format, v...) }

// Config is the process-wide diagnostic state.
//
// It is installed by Init and restored to DefaultConfig by Reset. Nothing else
// mutates it, except WarnOn which clears PanicOnWarn right before panicking so
// that a warning raised on the panic path does not panic again.
type Config struct {
	// Sink receives console output. Defaults to bytedance/gopkg/util/logger.
	Sink Sink

	// ConsoleLevel: records with a level >= ConsoleLevel are buffered only.
	// Init treats 0 as unset, use SetConsoleLevel(LevelEmerg) to keep every
	// record off the console.
	ConsoleLevel Level

	// DefaultMessageLevel is used for messages without a level prefix.
	DefaultMessageLevel Level

	// PanicOnWarn turns the first WarnOn hit into a Panic.
	PanicOnWarn bool

	// LogBufferLen is the number of records kept for Dmesg.
	LogBufferLen int
}

// DefaultConfig returns the default values of Config.
func DefaultConfig() *Config {
	return &Config{
		Sink:                loggerSink{},
		ConsoleLevel:        LevelDebug,
		DefaultMessageLevel: LevelWarning,
		LogBufferLen:        256,
	}
}

var (
	mu  sync.Mutex
	cfg Config
	buf *logBuffer
)

func init() {
	Reset()
}

// Init installs c as the diagnostic state and clears the log buffer.
// Zero fields of c take their default values; a nil c is the same as Reset.
func Init(c *Config) {
	d := DefaultConfig()
	if c == nil {
		c = d
	}
	n := *c
	if n.Sink == nil {
		n.Sink = d.Sink
	}
	if n.ConsoleLevel == 0 {
		n.ConsoleLevel = d.ConsoleLevel
	}
	if n.DefaultMessageLevel <= LevelDefault || n.DefaultMessageLevel > LevelDebug {
		n.DefaultMessageLevel = d.DefaultMessageLevel
	}
	if n.LogBufferLen <= 0 {
		n.LogBufferLen = d.LogBufferLen
	}

	mu.Lock()
	cfg = n
	buf = newLogBuffer(n.LogBufferLen)
	mu.Unlock()
}

// Reset restores DefaultConfig and clears the log buffer.
func Reset() {
	Init(nil)
}

// SetPanicOnWarn updates PanicOnWarn of the current state.
func SetPanicOnWarn(v bool) {
	mu.Lock()
	cfg.PanicOnWarn = v
	mu.Unlock()
}

// SetConsoleLevel updates ConsoleLevel of the current state. Unlike Init it
// accepts LevelEmerg, which sends nothing to the sink.
func SetConsoleLevel(l Level) {
	mu.Lock()
	cfg.ConsoleLevel = l
	mu.Unlock()
}

// ConsoleLevel reports the current ConsoleLevel setting.
func ConsoleLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return cfg.ConsoleLevel
}

// PanicOnWarn reports the current PanicOnWarn setting.
func PanicOnWarn() bool {
	mu.Lock()
	defer mu.Unlock()
	return cfg.PanicOnWarn
}

// Printk formats and logs a message. It returns the length of the stored text.
func Printk(format string, args ...interface{}) int {
	return Emit(LevelDefault, format, args...)
}

// Emit is Printk with an explicit level. A level prefix in the message only
// applies when level is LevelDefault.
func Emit(level Level, format string, args ...interface{}) int {
	text := fmt.Sprintf(format, args...)
	text = truncate(text, lineMax)

	text = strings.TrimSuffix(text, "\n")
	cont := false

	for {
		c := prefixLevel(text)
		if c == 0 {
			break
		}
		switch {
		case c >= '0' && c <= '7':
			if level == LevelDefault {
				level = Level(c - '0')
			}
		case c == 'c':
			cont = true
		}
		text = text[2:]
	}
	return output(level, cont, text)
}

func prefixLevel(text string) byte {
	if len(text) < 2 || text[0] != KernSOH[0] {
		return 0
	}
	switch c := text[1]; {
	case c >= '0' && c <= '7', c == 'd', c == 'c':
		return c
	}
	return 0
}

func output(level Level, cont bool, text string) int {
	if text == "" && cont {
		return 0
	}

	mu.Lock()
	if level == LevelDefault {
		level = cfg.DefaultMessageLevel
	}
	if cont {
		if last := buf.last(); last != nil {
			level = last.Level
			last.appendText(text)
		} else {
			buf.add(level, text)
		}
	} else {
		buf.add(level, text)
	}
	sink := cfg.Sink
	console := level < cfg.ConsoleLevel
	mu.Unlock()

	if console {
		write(sink, level, text)
	}
	return len(text)
}

func write(s Sink, level Level, text string) {
	switch {
	case level <= LevelErr:
		s.Errorf("<%d>%s", level, text)
	case level == LevelWarning:
		s.Warnf("<%d>%s", level, text)
	case level == LevelNotice:
		s.Noticef("<%d>%s", level, text)
	case level == LevelInfo:
		s.Infof("<%d>%s", level, text)
	default:
		s.Debugf("<%d>%s", level, text)
	}
}

// Dmesg returns a copy of the buffered records, oldest first.
func Dmesg() []Record {
	mu.Lock()
	defer mu.Unlock()
	ret := make([]Record, 0, buf.len())
	buf.do(func(r *Record) {
		ret = append(ret, *r)
	})
	return ret
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
