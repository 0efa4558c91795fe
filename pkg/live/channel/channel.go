// Package channel is the duplex connection to the remote conversational service.
//
// A Dialer opens a Handle; the Handle sends microphone audio, documents and tool
// results, and yields parsed inbound Events. The channel only parses. Interpreting
// events is the session machine's job.
package channel

import (
	"context"

	"github.com/vango-go/vai-caseworker/pkg/core/audio"
	"github.com/vango-go/vai-caseworker/pkg/core/tools"
)

const (
	DefaultModel            = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultResponseModality = "AUDIO"
	defaultOutboundQueue    = 32
	defaultEventBuffer      = 64
)

// Config is the connect-time session configuration.
type Config struct {
	Model               string
	ResponseModality    string
	SystemInstruction   string
	Tools               []tools.Declaration
	InputTranscription  bool
	OutputTranscription bool
	InputFormat         audio.Format
	OutputFormat        audio.Format
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.ResponseModality == "" {
		c.ResponseModality = DefaultResponseModality
	}
	if c.InputFormat == (audio.Format{}) {
		c.InputFormat = audio.InputFormat()
	}
	if c.OutputFormat == (audio.Format{}) {
		c.OutputFormat = audio.OutputFormat()
	}
	return c
}

// Dialer opens live sessions. Failures are *core.Error of type connection_error.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Handle, error)
}

// Handle is one live session.
type Handle interface {
	// SendAudioFrame encodes and queues one microphone frame without blocking.
	// Frames are dropped when the outbound queue is full.
	SendAudioFrame(frame []float32) error
	SendDocument(ctx context.Context, mimeType string, data []byte) error
	SendToolResults(ctx context.Context, results []tools.Result) error
	// Events is closed after a terminal event or Close.
	Events() <-chan Event
	Close() error
}
