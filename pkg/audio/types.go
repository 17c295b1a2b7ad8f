// ABOUTME: Audio type definitions shared by capture and output ports
// ABOUTME: Defines the PCM stream format and sample conversion helpers
package audio

import (
	"errors"
	"fmt"
	"time"
)

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23
)

// ErrUnsupported is returned by ports when the platform has no audio capability
var ErrUnsupported = errors.New("audio: platform has no audio capability")

// Format describes an interleaved PCM stream. Frames carried by the sink are
// opaque byte payloads in this format; nothing here encodes or decodes them.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int // 16 or 24, little-endian signed
}

// DefaultFormat matches the original device sink: 44.1kHz stereo 16-bit
var DefaultFormat = Format{SampleRate: 44100, Channels: 2, BitDepth: 16}

// Validate checks the format is usable
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.BitDepth != 16 && f.BitDepth != 24 {
		return fmt.Errorf("unsupported bit depth: %d (supported: 16, 24)", f.BitDepth)
	}
	return nil
}

// BytesPerSample returns the size of one sample of one channel
func (f Format) BytesPerSample() int {
	return f.BitDepth / 8
}

// BytesPerFrame returns the size of one sample across all channels
func (f Format) BytesPerFrame() int {
	return f.BytesPerSample() * f.Channels
}

// BufferBytes returns the byte size of d worth of audio, rounded down to a
// whole number of sample frames and never less than one frame.
func (f Format) BufferBytes(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	return frames * f.BytesPerFrame()
}

// Duration returns the play time of n bytes of audio
func (f Format) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf == 0 || f.SampleRate == 0 {
		return 0
	}
	frames := n / bpf
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	// Right-shift to convert 24-bit to 16-bit range
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	return int32(sample) << 8
}

// SampleTo24Bit converts int32 to 24-bit packed bytes (little-endian)
func SampleTo24Bit(sample int32) [3]byte {
	return [3]byte{
		byte(sample),
		byte(sample >> 8),
		byte(sample >> 16),
	}
}

// SampleFrom24Bit converts 24-bit packed bytes to int32 (little-endian)
func SampleFrom24Bit(b [3]byte) int32 {
	val := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	// Sign extend from 24-bit to 32-bit
	if val&0x800000 != 0 {
		val |= ^0xFFFFFF
	}
	return val
}

// PutSample writes a 24-bit range sample into buf at the format's bit depth
// and returns the number of bytes written
func (f Format) PutSample(buf []byte, sample int32) int {
	switch f.BitDepth {
	case 24:
		b := SampleTo24Bit(sample)
		copy(buf, b[:])
		return 3
	default:
		s := SampleToInt16(sample)
		buf[0] = byte(s)
		buf[1] = byte(s >> 8)
		return 2
	}
}
