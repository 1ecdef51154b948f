// Package usecase contains application business logic.
package usecase

import "bytes"

// DefaultChunkSize is the read size used by relay workers.
const DefaultChunkSize = 1024

// Reassembler turns raw byte chunks into newline-delimited records.
// It holds at most one partial record between calls to Feed.
// A Reassembler is owned by a single reader and is not safe for concurrent use.
type Reassembler struct {
	buf []byte
}

// NewReassembler creates a reassembler with an initial capacity of DefaultChunkSize.
func NewReassembler() *Reassembler {
	return &Reassembler{buf: make([]byte, 0, DefaultChunkSize)}
}

// Feed appends chunk to the pending residual and returns every complete record,
// newline excluded, in arrival order. The returned slices do not alias the
// internal buffer. Whatever follows the last newline is kept for the next call.
func (r *Reassembler) Feed(chunk []byte) [][]byte {
	// append grows the backing array geometrically; nothing is ever truncated.
	r.buf = append(r.buf, chunk...)

	var records [][]byte
	start := 0
	for {
		i := bytes.IndexByte(r.buf[start:], '\n')
		if i < 0 {
			break
		}
		record := make([]byte, i)
		copy(record, r.buf[start:start+i])
		records = append(records, record)
		start += i + 1
	}

	if start > 0 {
		n := copy(r.buf, r.buf[start:])
		r.buf = r.buf[:n]
	}
	return records
}

// Residual returns a copy of the pending partial record.
func (r *Reassembler) Residual() []byte {
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// Pending returns the number of buffered bytes not yet emitted.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Reset discards the pending partial record. Used when the stream ends:
// an unterminated trailing fragment is a truncated message and is dropped.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}
