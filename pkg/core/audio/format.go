package audio

import (
	"fmt"
	"time"
)

const (
	// InputSampleRateHz is the microphone capture rate sent to the remote service.
	InputSampleRateHz = 16000
	// OutputSampleRateHz is the rate of audio the remote service streams back.
	OutputSampleRateHz = 24000
)

// Format specifies PCM format parameters.
type Format struct {
	// SampleRate in Hz.
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels" yaml:"channels"`

	// BitsPerSample is always 16 on the wire.
	BitsPerSample int `json:"bits_per_sample" yaml:"bits_per_sample"`
}

// InputFormat is the capture format: 16 kHz mono s16le.
func InputFormat() Format {
	return Format{SampleRate: InputSampleRateHz, Channels: 1, BitsPerSample: 16}
}

// OutputFormat is the playback format: 24 kHz mono s16le.
func OutputFormat() Format {
	return Format{SampleRate: OutputSampleRateHz, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8)
}

// Duration returns the playback duration of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesForDuration returns the byte count for d, rounded down to whole frames.
func (f Format) BytesForDuration(d time.Duration) int {
	bps := f.BytesPerSecond()
	if bps <= 0 || d <= 0 {
		return 0
	}
	n := int(int64(bps) * int64(d) / int64(time.Second))
	frame := f.Channels * (f.BitsPerSample / 8)
	if frame > 0 {
		n -= n % frame
	}
	return n
}

// MIMEType is the realtime-input mime type for this format.
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}
