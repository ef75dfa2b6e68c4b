// Package audio holds the PCM frame model, capture sources and level math.
package audio

import (
	"encoding/binary"
	"time"
)

// Frame is a fixed-size chunk of mono PCM16 samples.
type Frame struct {
	Seq        int64
	Captured   time.Time
	Samples    []int16
	SampleRate int
}

// Duration is the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || len(f.Samples) == 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// PCM16LE encodes samples as little-endian bytes.
func PCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16LE is the inverse of PCM16LE. A trailing odd byte is ignored.
func DecodePCM16LE(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
