package wire

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// ChunkBuffer — segment queue for stream reassembly
// -------------------------------------------------------------------------

// Sentinel errors for ChunkBuffer operations.
var (
	// ErrBufferRange indicates a peek or remove of a non-positive byte count.
	ErrBufferRange = errors.New("byte count must be positive")

	// ErrBufferUnderflow indicates a peek or remove of more bytes than the
	// buffer holds.
	ErrBufferUnderflow = errors.New("not enough buffered bytes")
)

// ChunkBuffer is an append-mostly byte queue kept as an ordered sequence of
// segments. Append retains the chunk without copying; the caller hands over
// ownership. RemoveFirst walks segments from the head, copying consumed
// bytes out and retaining the tail of a partially-consumed segment in place.
//
// ChunkBuffer is not safe for concurrent use; a session drives it from a
// single polling goroutine.
type ChunkBuffer struct {
	segments [][]byte
	length   int
}

// NewChunkBuffer returns an empty buffer.
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{}
}

// Len returns the exact number of outstanding bytes.
func (b *ChunkBuffer) Len() int {
	return b.length
}

// Append enqueues chunk at the tail. The chunk is retained, not copied;
// the caller must not reuse it. Empty chunks are ignored.
func (b *ChunkBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.segments = append(b.segments, chunk)
	b.length += len(chunk)
}

// PeekFirst returns a copy of the first n bytes without consuming them.
// Fails when n <= 0 or n exceeds the buffered length.
func (b *ChunkBuffer) PeekFirst(n int) ([]byte, error) {
	if err := b.checkRange(n); err != nil {
		return nil, err
	}

	out := make([]byte, 0, n)
	for _, seg := range b.segments {
		remain := n - len(out)
		if remain <= 0 {
			break
		}
		if remain < len(seg) {
			out = append(out, seg[:remain]...)
			break
		}
		out = append(out, seg...)
	}

	return out, nil
}

// RemoveFirst returns a copy of the first n bytes and drops them from the
// buffer. Fails when n <= 0 or n exceeds the buffered length.
func (b *ChunkBuffer) RemoveFirst(n int) ([]byte, error) {
	if err := b.checkRange(n); err != nil {
		return nil, err
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		seg := b.segments[0]
		remain := n - len(out)

		if remain < len(seg) {
			// Partially consumed head: keep its tail in place.
			out = append(out, seg[:remain]...)
			b.segments[0] = seg[remain:]
			break
		}

		out = append(out, seg...)
		b.segments[0] = nil
		b.segments = b.segments[1:]
	}

	b.length -= n
	if len(b.segments) == 0 {
		b.segments = nil
	}

	return out, nil
}

// Reset discards all buffered bytes.
func (b *ChunkBuffer) Reset() {
	b.segments = nil
	b.length = 0
}

// checkRange validates n against the buffered length.
func (b *ChunkBuffer) checkRange(n int) error {
	if n <= 0 {
		return fmt.Errorf("chunk buffer: n=%d: %w", n, ErrBufferRange)
	}
	if n > b.length {
		return fmt.Errorf("chunk buffer: n=%d, have %d: %w", n, b.length, ErrBufferUnderflow)
	}
	return nil
}
