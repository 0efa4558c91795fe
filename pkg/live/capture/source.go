// Package capture turns a microphone into a stream of fixed-size sample frames.
package capture

import (
	"context"

	"github.com/vango-go/vai-caseworker/pkg/core/audio"
)

// Source is an open microphone. Read blocks until frame is full or the source fails.
type Source interface {
	Read(frame []float32) (int, error)
	Close() error
}

// Opener acquires a microphone producing samples in the given format.
// Failures to acquire the device are *core.Error of type permission_denied.
type Opener interface {
	Open(ctx context.Context, format audio.Format) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, format audio.Format) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, format audio.Format) (Source, error) {
	return f(ctx, format)
}
