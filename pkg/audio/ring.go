// ABOUTME: Byte ring buffer bridging callback-driven devices and streams
// ABOUTME: Used by malgo capture (blocking reads) and playback (zero-filled reads)
package audio

import (
	"io"
	"sync"
)

// RingBuffer provides a thread-safe circular buffer of PCM bytes
type RingBuffer struct {
	buffer   []byte
	readPos  int
	writePos int
	count    int
	closed   bool
	mu       sync.Mutex
	cond     *sync.Cond
}

// NewRingBuffer creates a ring buffer with given capacity in bytes
func NewRingBuffer(capacity int) *RingBuffer {
	rb := &RingBuffer{buffer: make([]byte, capacity)}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Write adds bytes to the ring buffer without blocking. Bytes that do not
// fit are dropped; the number actually stored is returned.
func (rb *RingBuffer) Write(p []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return 0
	}

	written := 0
	for written < len(p) && rb.count < len(rb.buffer) {
		chunk := len(rb.buffer) - rb.writePos
		if free := len(rb.buffer) - rb.count; chunk > free {
			chunk = free
		}
		n := copy(rb.buffer[rb.writePos:rb.writePos+chunk], p[written:])
		rb.writePos = (rb.writePos + n) % len(rb.buffer)
		rb.count += n
		written += n
	}
	if written > 0 {
		rb.cond.Broadcast()
	}
	return written
}

// read copies up to len(p) buffered bytes (must hold rb.mu)
func (rb *RingBuffer) read(p []byte) int {
	read := 0
	for read < len(p) && rb.count > 0 {
		end := rb.readPos + rb.count
		if end > len(rb.buffer) {
			end = len(rb.buffer)
		}
		n := copy(p[read:], rb.buffer[rb.readPos:end])
		rb.readPos = (rb.readPos + n) % len(rb.buffer)
		rb.count -= n
		read += n
	}
	return read
}

// ReadAvailable copies whatever is buffered into p and zero-fills the rest.
// It never blocks, which is what playback callbacks need on underrun.
func (rb *RingBuffer) ReadAvailable(p []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := rb.read(p)
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return n
}

// ReadFull blocks until len(p) bytes are available or the buffer is closed.
// After Close it drains what is left and then returns io.EOF.
func (rb *RingBuffer) ReadFull(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	need := len(p)
	if need > len(rb.buffer) {
		need = len(rb.buffer)
	}
	for rb.count < need && !rb.closed {
		rb.cond.Wait()
	}
	n := rb.read(p)
	if n == 0 && rb.closed {
		return 0, io.EOF
	}
	return n, nil
}

// Available returns the number of bytes buffered
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Close wakes blocked readers and rejects further writes
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	rb.closed = true
	rb.mu.Unlock()
	rb.cond.Broadcast()
}
