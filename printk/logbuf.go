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

// recordTextMax bounds the text kept per record; longer text is truncated in
// the buffer but still reaches the sink in full.
const recordTextMax = 240

// Record is one entry of the log buffer.
// It holds no pointers so that the buffer is a single GC-friendly allocation.
type Record struct {
	Seq   uint64
	Level Level

	n    uint16
	text [recordTextMax]byte
}

// Text returns the text of the record.
func (r *Record) Text() string {
	return string(r.text[:r.n])
}

func (r *Record) setText(s string) {
	r.n = uint16(copy(r.text[:], truncate(s, recordTextMax)))
}

func (r *Record) appendText(s string) {
	r.n += uint16(copy(r.text[r.n:], truncate(s, recordTextMax-int(r.n))))
}

// logBuffer is a fixed ring of records. items are allocated once by
// newLogBuffer and overwritten oldest first once the ring is full.
type logBuffer struct {
	items []Record
	next  int // index the next record is written to
	n     int // number of valid records
	seq   uint64
}

func newLogBuffer(n int) *logBuffer {
	return &logBuffer{items: make([]Record, n)}
}

func (b *logBuffer) len() int {
	return b.n
}

func (b *logBuffer) add(level Level, text string) {
	r := &b.items[b.next]
	b.seq++
	r.Seq = b.seq
	r.Level = level
	r.setText(text)

	b.next = b.move(b.next, 1)
	if b.n < len(b.items) {
		b.n++
	}
}

// last returns the newest record, or nil if the buffer is empty.
func (b *logBuffer) last() *Record {
	if b.n == 0 {
		return nil
	}
	return &b.items[b.move(b.next, -1)]
}

// move returns the index n steps from i, wrapping in both directions.
func (b *logBuffer) move(i, n int) int {
	l := len(b.items)
	if n >= 0 {
		return (i + n) % l
	}
	return (l + (i+n)%l) % l
}

// do calls f on each valid record, oldest first.
func (b *logBuffer) do(f func(r *Record)) {
	i := b.move(b.next, -b.n)
	for k := 0; k < b.n; k++ {
		f(&b.items[i])
		i = b.move(i, 1)
	}
}
