package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-caseworker/pkg/core/audio"
)

// defaultLead is how far ahead of its start time a voice is written to the sink.
const defaultLead = 150 * time.Millisecond

// Sink receives PCM bytes in play order. Restart discards anything buffered.
type Sink interface {
	Write(pcm []byte) error
	Restart() error
	Close() error
}

// Output is a Device driven by the wall clock. Voices are written to the sink by
// a single goroutine in start order; a nil sink plays silently but keeps time.
type Output struct {
	sink   Sink
	lead   time.Duration
	logger *slog.Logger

	epoch time.Time
	now   func() time.Time

	mu     sync.Mutex
	queue  []*voice
	gen    uint64
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewOutput starts an output on sink. sink may be nil.
func NewOutput(sink Sink, logger *slog.Logger) *Output {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Output{
		sink:   sink,
		lead:   defaultLead,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	o.epoch = o.now()
	o.wg.Add(1)
	go o.writeLoop()
	return o
}

func (o *Output) Now() time.Duration {
	return o.now().Sub(o.epoch)
}

func (o *Output) Start(buf *audio.Buffer, at time.Duration, ended func()) (Voice, error) {
	if buf == nil {
		return nil, errors.New("playback buffer is nil")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("playback device is closed")
	}

	v := &voice{out: o, pcm: buf.PCM16(), at: at, ended: ended}
	wait := at + buf.Duration() - o.Now()
	if wait < 0 {
		wait = 0
	}
	v.timer = time.AfterFunc(wait, v.finish)
	o.queue = append(o.queue, v)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return v, nil
}

// Close stops every voice and releases the sink.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, v := range o.queue {
		v.stopped = true
		v.timer.Stop()
	}
	o.queue = nil
	close(o.done)
	o.mu.Unlock()

	o.wg.Wait()
	if o.sink != nil {
		return o.sink.Close()
	}
	return nil
}

func (o *Output) writeLoop() {
	defer o.wg.Done()
	for {
		v := o.next()
		if v == nil {
			select {
			case <-o.done:
				return
			case <-o.wake:
				continue
			}
		}

		if wait := v.at - o.lead - o.Now(); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-o.done:
				t.Stop()
				return
			case <-t.C:
			}
		}

		o.mu.Lock()
		if v.stopped || o.closed {
			o.mu.Unlock()
			continue
		}
		v.written = true
		v.gen = o.gen
		o.mu.Unlock()

		if o.sink == nil {
			continue
		}
		if err := o.sink.Write(v.pcm); err != nil {
			o.logger.Warn("playback write failed", "error", err)
		}
	}
}

func (o *Output) next() *voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) > 0 {
		v := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		if !v.stopped {
			return v
		}
	}
	return nil
}

type voice struct {
	out   *Output
	pcm   []byte
	at    time.Duration
	ended func()
	timer *time.Timer

	// Guarded by out.mu.
	written  bool
	stopped  bool
	finished bool
	gen      uint64
}

func (v *voice) finish() {
	o := v.out
	o.mu.Lock()
	if v.stopped || v.finished {
		o.mu.Unlock()
		return
	}
	v.finished = true
	o.mu.Unlock()
	if v.ended == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("playback ended callback panicked", "panic", rec)
		}
	}()
	v.ended()
}

// Stop silences the voice. Stopping audio already handed to the sink restarts
// the sink once per generation, so cancelling many voices flushes only once.
func (v *voice) Stop() {
	o := v.out
	o.mu.Lock()
	if v.stopped || v.finished {
		o.mu.Unlock()
		return
	}
	v.stopped = true
	v.timer.Stop()
	flush := v.written && v.gen == o.gen && o.sink != nil && !o.closed
	if flush {
		o.gen++
	}
	o.mu.Unlock()

	if flush {
		if err := o.sink.Restart(); err != nil {
			o.logger.Warn("restarting playback sink", "error", err)
		}
	}
}
