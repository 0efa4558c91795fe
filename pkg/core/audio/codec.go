// Package audio converts between float samples, 16-bit PCM and playable buffers.
//
// Every function here is pure: nothing touches a device and no input slice is
// retained after the call returns.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const pcm16Scale = 32768.0

// EncodePCM16 quantizes samples in [-1,1] to little-endian signed 16-bit PCM.
// Out-of-range and non-finite samples are clamped; NaN encodes as silence.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	}
	q := math.Round(v * pcm16Scale)
	if q > math.MaxInt16 {
		q = math.MaxInt16
	}
	if q < math.MinInt16 {
		q = math.MinInt16
	}
	return int16(q)
}

// DecodePCM16 reads little-endian signed 16-bit samples. A trailing odd byte is ignored.
func DecodePCM16(payload []byte) []int16 {
	n := len(payload) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return out
}

// Samples converts PCM values to floats in [-1,1).
func Samples(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		out[i] = float32(float64(v) / pcm16Scale)
	}
	return out
}

// Buffer is a de-interleaved, playback-ready block of audio.
type Buffer struct {
	SampleRate int
	Data       [][]float32
}

// Channels returns the channel count.
func (b *Buffer) Channels() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}

// PCM16 re-interleaves the buffer into little-endian 16-bit PCM.
func (b *Buffer) PCM16() []byte {
	channels := b.Channels()
	frames := b.Frames()
	interleaved := make([]float32, 0, channels*frames)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			interleaved = append(interleaved, b.Data[ch][i])
		}
	}
	return EncodePCM16(interleaved)
}

// BuildPlayableBuffer allocates a buffer for interleaved samples and copies them in.
// Trailing samples that do not fill a whole frame are dropped.
func BuildPlayableBuffer(samples []int16, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be > 0")
	}
	if channels <= 0 {
		return nil, errors.New("channel count must be > 0")
	}
	frames := len(samples) / channels
	buf := &Buffer{SampleRate: sampleRate, Data: make([][]float32, channels)}
	for ch := 0; ch < channels; ch++ {
		data := make([]float32, frames)
		for i := 0; i < frames; i++ {
			data[i] = float32(float64(samples[i*channels+ch]) / pcm16Scale)
		}
		buf.Data[ch] = data
	}
	return buf, nil
}

// EncodeBase64 encodes document bytes for transport next to JSON control messages.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 is the inverse of EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
