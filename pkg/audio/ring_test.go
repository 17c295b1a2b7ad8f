// ABOUTME: Tests for the byte ring buffer
// ABOUTME: Covers wraparound, overflow drops, blocking reads and close
package audio

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer(8)

	if n := rb.Write([]byte{1, 2, 3, 4, 5, 6}); n != 6 {
		t.Fatalf("expected 6 written, got %d", n)
	}
	out := make([]byte, 4)
	rb.ReadAvailable(out)
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected read %v", out)
	}

	// Crosses the end of the backing slice
	if n := rb.Write([]byte{7, 8, 9, 10, 11}); n != 5 {
		t.Fatalf("expected 5 written, got %d", n)
	}
	out = make([]byte, 7)
	if n := rb.ReadAvailable(out); n != 7 {
		t.Fatalf("expected 7 read, got %d", n)
	}
	if !bytes.Equal(out, []byte{5, 6, 7, 8, 9, 10, 11}) {
		t.Errorf("unexpected read %v", out)
	}
}

func TestRingBufferDropsOverflow(t *testing.T) {
	rb := NewRingBuffer(4)
	if n := rb.Write([]byte{1, 2, 3, 4, 5, 6}); n != 4 {
		t.Errorf("expected 4 written, got %d", n)
	}
	if rb.Available() != 4 {
		t.Errorf("expected 4 available, got %d", rb.Available())
	}
}

func TestRingBufferReadAvailableZeroFills(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte{9, 9})

	out := []byte{1, 1, 1, 1}
	if n := rb.ReadAvailable(out); n != 2 {
		t.Fatalf("expected 2 read, got %d", n)
	}
	if !bytes.Equal(out, []byte{9, 9, 0, 0}) {
		t.Errorf("expected zero fill, got %v", out)
	}
}

func TestRingBufferReadFullBlocks(t *testing.T) {
	rb := NewRingBuffer(16)
	done := make(chan []byte, 1)

	go func() {
		buf := make([]byte, 4)
		if _, err := rb.ReadFull(buf); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- buf
	}()

	rb.Write([]byte{1, 2})
	select {
	case <-done:
		t.Fatal("ReadFull returned before enough data was written")
	case <-time.After(20 * time.Millisecond):
	}

	rb.Write([]byte{3, 4})
	select {
	case buf := <-done:
		if !bytes.Equal(buf, []byte{1, 2, 3, 4}) {
			t.Errorf("unexpected read %v", buf)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadFull did not return")
	}
}

func TestRingBufferCloseUnblocksReader(t *testing.T) {
	rb := NewRingBuffer(16)
	errs := make(chan error, 1)

	go func() {
		_, err := rb.ReadFull(make([]byte, 4))
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	rb.Close()

	select {
	case err := <-errs:
		if err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock reader")
	}

	if n := rb.Write([]byte{1}); n != 0 {
		t.Errorf("expected write after close to be rejected, got %d", n)
	}
}
