// Package ringbuf implements a bounded circular byte buffer with
// line-framing and socket-drain helpers. It is the leaf component shared
// by the modem mux framer, the NMEA channel and any other byte-stream
// parser in this module.
//
// A Buffer is owned by exactly one reader and one writer. It performs no
// internal locking; callers sharing a Buffer across goroutines must
// synchronize externally.
package ringbuf

import (
	"bytes"
	"net"
	"time"

	"ovms.dev/core/internal/errs"
)

// Buffer is a fixed-capacity circular byte buffer. The zero value is not
// usable; construct with New.
type Buffer struct {
	data       []byte
	head, tail int
	used       int
}

// New returns an empty Buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Used returns the number of bytes currently stored.
func (b *Buffer) Used() int { return b.used }

// Free returns the number of bytes that can still be pushed.
func (b *Buffer) Free() int { return len(b.data) - b.used }

// Reset empties the buffer without copying.
func (b *Buffer) Reset() {
	b.head, b.tail, b.used = 0, 0, 0
}

// Push appends one byte, failing with a ResourceExhausted error if full.
func (b *Buffer) Push(c byte) error {
	if b.used == len(b.data) {
		return errs.New(errs.ResourceExhausted, "ringbuf.Push", nil)
	}
	b.data[b.tail] = c
	b.tail = (b.tail + 1) % len(b.data)
	b.used++
	return nil
}

// PushAll appends p atomically: either all of p is stored, or none of it
// is and a ResourceExhausted error is returned.
func (b *Buffer) PushAll(p []byte) error {
	if len(p) > b.Free() {
		return errs.New(errs.ResourceExhausted, "ringbuf.PushAll", nil)
	}
	for _, c := range p {
		b.data[b.tail] = c
		b.tail = (b.tail + 1) % len(b.data)
	}
	b.used += len(p)
	return nil
}

// Pop removes and returns up to len(out) bytes, returning the count
// actually consumed. It never blocks; an empty buffer returns 0.
func (b *Buffer) Pop(out []byte) int {
	n := b.consume(out, true)
	return n
}

// Peek behaves like Pop but leaves the buffer contents untouched.
func (b *Buffer) Peek(out []byte) int {
	return b.consume(out, false)
}

func (b *Buffer) consume(out []byte, remove bool) int {
	n := min(len(out), b.used)
	head := b.head
	for i := 0; i < n; i++ {
		out[i] = b.data[head]
		head = (head + 1) % len(b.data)
	}
	if remove {
		b.head = head
		b.used -= n
	}
	return n
}

// discard removes n bytes from the front without copying them out.
func (b *Buffer) discard(n int) {
	n = min(n, b.used)
	b.head = (b.head + n) % len(b.data)
	b.used -= n
}

// at returns the byte at logical offset i from the head, which must be <
// b.used.
func (b *Buffer) at(i int) byte {
	return b.data[(b.head+i)%len(b.data)]
}

// HasLine returns the offset of the first '\r' or '\n' in the used region,
// and ok=false if no line terminator is present yet.
func (b *Buffer) HasLine() (offset int, ok bool) {
	for i := 0; i < b.used; i++ {
		c := b.at(i)
		if c == '\r' || c == '\n' {
			return i, true
		}
	}
	return 0, false
}

// ReadLine returns the string up to (but excluding) the first '\r' or
// '\n' and removes it and the terminator from the buffer. A "\r\n" pair
// is consumed as a single terminator. ok is false if no line is
// currently buffered, in which case the buffer is left untouched.
func (b *Buffer) ReadLine() (line string, ok bool) {
	off, found := b.HasLine()
	if !found {
		return "", false
	}
	buf := make([]byte, off)
	b.Peek(buf)
	termLen := 1
	if off+1 < b.used && b.at(off) == '\r' && b.at(off+1) == '\n' {
		termLen = 2
	}
	b.discard(off + termLen)
	return string(buf), true
}

// Contains reports whether p occurs in the used region, mirroring the
// framer's SOF-scan need without exposing the backing array.
func (b *Buffer) Contains(p []byte) bool {
	flat := make([]byte, b.used)
	b.Peek(flat)
	return bytes.Contains(flat, p)
}

// PollSocket waits up to timeout for sock to become readable, then reads
// into free space and pushes it. It returns the number of bytes read,
// which is 0 (with a nil error) on timeout.
func (b *Buffer) PollSocket(sock net.Conn, timeout time.Duration) (int, error) {
	free := b.Free()
	if free == 0 {
		return 0, errs.New(errs.ResourceExhausted, "ringbuf.PollSocket", nil)
	}
	if err := sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, errs.New(errs.TransientIO, "ringbuf.PollSocket", err)
	}
	scratch := make([]byte, free)
	n, err := sock.Read(scratch)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, errs.New(errs.TransientIO, "ringbuf.PollSocket", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.PushAll(scratch[:n]); err != nil {
		return 0, err
	}
	return n, nil
}
