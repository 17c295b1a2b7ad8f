// ABOUTME: Tests for the test tone capture backend
// ABOUTME: Verifies frame sizing, signal content and close behavior
package capture

import (
	"io"
	"testing"
	"time"

	"github.com/bluetoothification/btsink/pkg/audio"
)

func TestToneImplementsPort(t *testing.T) {
	var _ Port = (*Tone)(nil)
}

func TestToneRejectsInvalidFormat(t *testing.T) {
	if _, err := NewTone(0).Open(audio.Format{}); err == nil {
		t.Error("expected error for empty format")
	}
}

func TestToneReadFillsWholeFrames(t *testing.T) {
	format := audio.Format{SampleRate: 48000, Channels: 2, BitDepth: 16}
	stream, err := NewTone(440).Open(format)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer stream.Close()

	// 10 frames plus a partial frame that must be ignored
	buf := make([]byte, 10*format.BytesPerFrame()+3)
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if n != 10*format.BytesPerFrame() {
		t.Errorf("expected %d bytes, got %d", 10*format.BytesPerFrame(), n)
	}

	// Second sample of a 440Hz sine must be non-zero
	left := int16(uint16(buf[4]) | uint16(buf[5])<<8)
	if left == 0 {
		t.Error("expected non-zero sample")
	}
	right := int16(uint16(buf[6]) | uint16(buf[7])<<8)
	if left != right {
		t.Errorf("expected identical channels, got %d and %d", left, right)
	}
}

func TestToneIsPaced(t *testing.T) {
	format := audio.Format{SampleRate: 48000, Channels: 2, BitDepth: 16}
	stream, err := NewTone(440).Open(format)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer stream.Close()

	buf := make([]byte, format.BufferBytes(20*time.Millisecond))
	start := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := stream.Read(buf); err != nil {
			t.Fatalf("read failed: %v", err)
		}
	}

	// Five 20ms chunks: the fifth is due 80ms after the first
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("reads were not paced, took %v", elapsed)
	}
}

func TestToneCloseReturnsEOF(t *testing.T) {
	stream, err := NewTone(440).Open(audio.DefaultFormat)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	// Close twice must be safe
	if err := stream.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	buf := make([]byte, audio.DefaultFormat.BufferBytes(10*time.Millisecond))
	if _, err := stream.Read(buf); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}
