// Package playback schedules agent speech chunks back to back on an output device.
package playback

import (
	"errors"
	"time"

	"github.com/vango-go/vai-caseworker/pkg/core/audio"
)

// Device is an output device with its own monotonic clock.
type Device interface {
	// Now is the device clock, starting near zero when the device opens.
	Now() time.Duration
	// Start plays buf beginning at device time at. ended runs once, from any
	// goroutine, when playback finishes naturally. It never runs after Stop.
	Start(buf *audio.Buffer, at time.Duration, ended func()) (Voice, error)
	Close() error
}

// Voice is one started buffer.
type Voice interface {
	Stop()
}

// Chunk describes a scheduled buffer.
type Chunk struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// Scheduler places chunks gaplessly in arrival order. It is not safe for
// concurrent use; the owner serializes calls, including Ended.
type Scheduler struct {
	device  Device
	onEnded func(id uint64)

	nextStart time.Duration
	nextID    uint64
	pending   map[uint64]Voice
}

// NewScheduler builds a scheduler on device. onEnded receives the id of each chunk
// that finishes on its own; the owner must route it back and call Ended.
func NewScheduler(device Device, onEnded func(id uint64)) *Scheduler {
	return &Scheduler{
		device:  device,
		onEnded: onEnded,
		pending: make(map[uint64]Voice),
	}
}

// Enqueue schedules buf at max(nextStart, now). Empty buffers are ignored and
// return a zero Chunk.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (Chunk, error) {
	if s.device == nil {
		return Chunk{}, errors.New("playback device is not open")
	}
	if buf == nil || buf.Frames() == 0 {
		return Chunk{}, nil
	}

	start := s.nextStart
	if now := s.device.Now(); now > start {
		start = now
	}
	dur := buf.Duration()

	s.nextID++
	id := s.nextID
	onEnded := s.onEnded
	voice, err := s.device.Start(buf, start, func() {
		if onEnded != nil {
			onEnded(id)
		}
	})
	if err != nil {
		return Chunk{}, err
	}

	s.pending[id] = voice
	s.nextStart = start + dur
	return Chunk{ID: id, Start: start, Duration: dur}, nil
}

// Ended removes a finished chunk. It reports true when this removal drained the
// pending set. Unknown ids (already cancelled) report false.
func (s *Scheduler) Ended(id uint64) bool {
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return len(s.pending) == 0
}

// CancelAll stops every pending chunk and resets the timeline. It returns the
// number of chunks stopped.
func (s *Scheduler) CancelAll() int {
	n := len(s.pending)
	for id, voice := range s.pending {
		if voice != nil {
			voice.Stop()
		}
		delete(s.pending, id)
	}
	s.nextStart = 0
	return n
}

// Pending is the number of scheduled chunks that have not ended.
func (s *Scheduler) Pending() int {
	return len(s.pending)
}

// NextStart is the device time at which the next chunk would begin if the device
// clock has not passed it.
func (s *Scheduler) NextStart() time.Duration {
	return s.nextStart
}
