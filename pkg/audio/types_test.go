// ABOUTME: Tests for audio types
// ABOUTME: Tests format sizing and sample conversion functions
package audio

import (
	"testing"
	"time"
)

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name      string
		format    Format
		expectErr bool
	}{
		{"default", DefaultFormat, false},
		{"24-bit", Format{SampleRate: 48000, Channels: 2, BitDepth: 24}, false},
		{"zero rate", Format{SampleRate: 0, Channels: 2, BitDepth: 16}, true},
		{"zero channels", Format{SampleRate: 48000, Channels: 0, BitDepth: 16}, true},
		{"32-bit", Format{SampleRate: 48000, Channels: 2, BitDepth: 32}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.expectErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestFormatBufferBytes(t *testing.T) {
	tests := []struct {
		name     string
		format   Format
		duration time.Duration
		expected int
	}{
		{"20ms 48k stereo 16-bit", Format{48000, 2, 16}, 20 * time.Millisecond, 960 * 4},
		{"10ms 44.1k stereo 16-bit", Format{44100, 2, 16}, 10 * time.Millisecond, 441 * 4},
		{"20ms 48k stereo 24-bit", Format{48000, 2, 24}, 20 * time.Millisecond, 960 * 6},
		{"never below one frame", Format{48000, 2, 16}, time.Nanosecond, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.BufferBytes(tt.duration); got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	f := Format{SampleRate: 48000, Channels: 2, BitDepth: 16}
	if got := f.Duration(960 * 4); got != 20*time.Millisecond {
		t.Errorf("expected 20ms, got %v", got)
	}
	if got := (Format{}).Duration(100); got != 0 {
		t.Errorf("expected 0 for empty format, got %v", got)
	}
}

func TestPutSample(t *testing.T) {
	buf := make([]byte, 3)

	f16 := Format{SampleRate: 48000, Channels: 1, BitDepth: 16}
	if n := f16.PutSample(buf, 0x123456); n != 2 {
		t.Fatalf("expected 2 bytes, got %d", n)
	}
	if buf[0] != 0x34 || buf[1] != 0x12 {
		t.Errorf("unexpected 16-bit bytes %v", buf[:2])
	}

	f24 := Format{SampleRate: 48000, Channels: 1, BitDepth: 24}
	if n := f24.PutSample(buf, 0x123456); n != 3 {
		t.Fatalf("expected 3 bytes, got %d", n)
	}
	if buf[0] != 0x56 || buf[1] != 0x34 || buf[2] != 0x12 {
		t.Errorf("unexpected 24-bit bytes %v", buf)
	}
}

func TestSampleToInt16(t *testing.T) {
	tests := []struct {
		name     string
		input    int32
		expected int16
	}{
		{"zero", 0, 0},
		{"positive", 100 << 8, 100},
		{"negative", -100 << 8, -100},
		{"24bit positive", 1000000, 3906},
		{"24bit negative", -1000000, -3907},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SampleToInt16(tt.input)
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestSampleFrom24Bit(t *testing.T) {
	tests := []struct {
		name     string
		input    [3]byte
		expected int32
	}{
		{"zero", [3]byte{0, 0, 0}, 0},
		{"positive", [3]byte{0x56, 0x34, 0x12}, 0x123456},
		{"negative", [3]byte{0x00, 0xFF, 0xFF}, -256},
		{"max positive", [3]byte{0xFF, 0xFF, 0x7F}, Max24Bit},
		{"max negative", [3]byte{0x00, 0x00, 0x80}, Min24Bit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SampleFrom24Bit(tt.input)
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}
