package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-caseworker/pkg/core/audio"
)

// DefaultFrameSize is the number of samples per frame (256 ms at 16 kHz).
const DefaultFrameSize = 4096

// Pipeline reads frames from a Source on one goroutine and hands each frame to
// OnFrame immediately. The frame slice is reused; callbacks must not retain it.
type Pipeline struct {
	Source    Source
	FrameSize int
	Gain      float64
	OnFrame   func(frame []float32)
	OnVolume  func(level float64)
	// OnError is called at most once, when the source fails while the pipeline runs.
	OnError func(err error)
	Logger  *slog.Logger

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	stopOnce sync.Once
	detached atomic.Bool
}

// Start begins reading. Calling Start twice, or after Stop, is an error.
func (p *Pipeline) Start() error {
	if p == nil || p.Source == nil {
		return errors.New("capture pipeline requires a source")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("capture pipeline already started")
	}
	if p.detached.Load() {
		return errors.New("capture pipeline is stopped")
	}
	p.started = true
	p.done = make(chan struct{})
	go p.run(p.done)
	return nil
}

// Stop releases the source and waits for the reader to exit. Idempotent and safe
// to call on a pipeline that was never started.
func (p *Pipeline) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		p.detached.Store(true)
		if p.Source != nil {
			if err := p.Source.Close(); err != nil {
				p.logger().Debug("closing capture source", "error", err)
			}
		}
	})
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Pipeline) run(done chan struct{}) {
	defer close(done)
	defer func() {
		if rec := recover(); rec != nil {
			p.logger().Error("capture pipeline panicked", "panic", rec)
			p.fail(fmt.Errorf("capture panic: %v", rec))
		}
	}()

	size := p.FrameSize
	if size <= 0 {
		size = DefaultFrameSize
	}
	frame := make([]float32, size)

	for {
		n, err := p.Source.Read(frame)
		if p.detached.Load() {
			return
		}
		if n > 0 {
			chunk := frame[:n]
			if p.OnVolume != nil {
				p.OnVolume(audio.Volume(chunk, p.Gain))
			}
			if p.OnFrame != nil {
				p.OnFrame(chunk)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("microphone stream ended")
			}
			p.fail(err)
			return
		}
	}
}

func (p *Pipeline) fail(err error) {
	if p.detached.Load() || p.OnError == nil {
		return
	}
	p.OnError(err)
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
