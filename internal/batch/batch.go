// Package batch accumulates serialized records into batches bounded by a
// record count and a byte size.
package batch

import "bytes"

// Default thresholds.
const (
	DefaultEntryThreshold = 50000
	DefaultSizeThreshold  = 4 << 20 // 4 MiB
)

// Batch is an ordered group of line-delimited JSON records.
type Batch struct {
	Index int      // 0-based sequence number within the session
	Lines [][]byte // one serialized record per line, without newline
	Size  int      // length of Payload()
}

// Count returns the number of records in the batch.
func (b *Batch) Count() int {
	return len(b.Lines)
}

// Payload returns the records joined by newlines.
func (b *Batch) Payload() []byte {
	return bytes.Join(b.Lines, []byte{'\n'})
}

// Buffer collects lines until adding the next one would cross a threshold.
// A threshold of zero or less is disabled. Buffer is not safe for concurrent
// use.
type Buffer struct {
	entryThreshold int
	sizeThreshold  int

	cur  *Batch
	next int
}

// NewBuffer creates a buffer with the given thresholds.
func NewBuffer(entryThreshold, sizeThreshold int) *Buffer {
	b := &Buffer{
		entryThreshold: entryThreshold,
		sizeThreshold:  sizeThreshold,
	}
	b.reset()
	return b
}

// Thresholds returns the entry and size thresholds.
func (b *Buffer) Thresholds() (entries, size int) {
	return b.entryThreshold, b.sizeThreshold
}

// Add appends line. When the line would make the pending batch exceed either
// threshold, the pending batch is returned for sending and line starts the
// next batch. Otherwise Add returns nil.
func (b *Buffer) Add(line []byte) *Batch {
	var full *Batch
	if b.wouldExceed(len(line)) {
		full = b.take()
	}

	if len(b.cur.Lines) > 0 {
		b.cur.Size++ // newline separator
	}
	b.cur.Lines = append(b.cur.Lines, line)
	b.cur.Size += len(line)
	return full
}

// Flush returns the pending batch, or nil when nothing is pending.
func (b *Buffer) Flush() *Batch {
	if len(b.cur.Lines) == 0 {
		return nil
	}
	return b.take()
}

// Len returns the number of pending records.
func (b *Buffer) Len() int {
	return len(b.cur.Lines)
}

// Size returns the serialized size of the pending records.
func (b *Buffer) Size() int {
	return b.cur.Size
}

// Emitted returns how many batches have been handed out.
func (b *Buffer) Emitted() int {
	return b.next
}

func (b *Buffer) wouldExceed(lineLen int) bool {
	n := len(b.cur.Lines)
	if n == 0 {
		return false
	}
	if b.entryThreshold > 0 && n+1 > b.entryThreshold {
		return true
	}
	if b.sizeThreshold > 0 && b.cur.Size+1+lineLen > b.sizeThreshold {
		return true
	}
	return false
}

func (b *Buffer) take() *Batch {
	full := b.cur
	b.next++
	b.reset()
	return full
}

func (b *Buffer) reset() {
	b.cur = &Batch{Index: b.next}
}
