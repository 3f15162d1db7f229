// Package media fetches and decodes audio for the media player.
package media

import (
	"encoding/binary"
	"time"
)

// Int16ToBytes encodes samples as little-endian 16-bit PCM.
func Int16ToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

// BytesToInt16 decodes little-endian 16-bit PCM. A trailing odd byte is dropped.
func BytesToInt16(data []byte) []int16 {
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out
}

// Clip is decoded interleaved 16-bit PCM.
type Clip struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames.
func (c *Clip) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the clip length.
func (c *Clip) Duration() time.Duration {
	return c.FrameTime(c.Frames())
}

// FrameTime converts a frame index into a play position.
func (c *Clip) FrameTime(frame int) time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frame) * time.Second / time.Duration(c.SampleRate)
}

// FrameAt converts a play position into a frame index clamped to the clip.
func (c *Clip) FrameAt(pos time.Duration) int {
	if pos <= 0 || c.SampleRate <= 0 {
		return 0
	}
	frame := int(pos * time.Duration(c.SampleRate) / time.Second)
	if n := c.Frames(); frame > n {
		return n
	}
	return frame
}
