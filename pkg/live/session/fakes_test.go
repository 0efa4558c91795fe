package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-caseworker/pkg/core"
	"github.com/vango-go/vai-caseworker/pkg/core/audio"
	"github.com/vango-go/vai-caseworker/pkg/core/tools"
	"github.com/vango-go/vai-caseworker/pkg/live/capture"
	"github.com/vango-go/vai-caseworker/pkg/live/channel"
	"github.com/vango-go/vai-caseworker/pkg/live/playback"
)

type sentDocument struct {
	mime string
	data []byte
}

type fakeHandle struct {
	mu      sync.Mutex
	events  chan channel.Event
	closed  bool
	closes  int
	frames  int
	docs    []sentDocument
	results [][]tools.Result
	docErr  error
	sent    chan struct{}
	// docSent and docGate, when set, hold SendDocument after the bytes are
	// recorded until the test releases it.
	docSent chan struct{}
	docGate chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan channel.Event, 64), sent: make(chan struct{}, 16)}
}

func (h *fakeHandle) emit(ev channel.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

func (h *fakeHandle) SendAudioFrame(frame []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return core.NewNotConnectedError("closed")
	}
	h.frames++
	return nil
}

func (h *fakeHandle) SendDocument(ctx context.Context, mimeType string, data []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return core.NewNotConnectedError("closed")
	}
	if h.docErr != nil {
		h.mu.Unlock()
		return h.docErr
	}
	h.docs = append(h.docs, sentDocument{mime: mimeType, data: append([]byte(nil), data...)})
	sent, gate := h.docSent, h.docGate
	h.mu.Unlock()
	if sent != nil {
		sent <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return nil
}

func (h *fakeHandle) SendToolResults(ctx context.Context, results []tools.Result) error {
	h.mu.Lock()
	h.results = append(h.results, results)
	h.mu.Unlock()
	h.sent <- struct{}{}
	return nil
}

func (h *fakeHandle) Events() <-chan channel.Event { return h.events }

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, cfg channel.Config) (channel.Handle, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return nil, d.err
	}
	h := newFakeHandle()
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

func (d *fakeDialer) last(t *testing.T) *fakeHandle {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		t.Fatal("no handle dialed")
	}
	return d.handles[len(d.handles)-1]
}

type fakeSource struct {
	mu     sync.Mutex
	closes int
	closed chan struct{}
}

func (s *fakeSource) Read(frame []float32) (int, error) {
	<-s.closed
	return 0, io.EOF
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes == 1 {
		close(s.closed)
	}
	return nil
}

func (s *fakeSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeMic struct {
	mu      sync.Mutex
	sources []*fakeSource
	err     error
}

func (m *fakeMic) Open(ctx context.Context, format audio.Format) (capture.Source, error) {
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeSource{closed: make(chan struct{})}
	m.mu.Lock()
	m.sources = append(m.sources, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMic) last() *fakeSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources[len(m.sources)-1]
}

type fakeVoice struct {
	dev     *fakeDevice
	ended   func()
	stopped bool
	done    bool
}

func (v *fakeVoice) Stop() {
	v.dev.mu.Lock()
	defer v.dev.mu.Unlock()
	v.stopped = true
}

type fakeDevice struct {
	mu     sync.Mutex
	voices []*fakeVoice
	closes int
}

func (d *fakeDevice) Now() time.Duration { return 0 }

func (d *fakeDevice) Start(buf *audio.Buffer, at time.Duration, ended func()) (playback.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := &fakeVoice{dev: d, ended: ended}
	d.voices = append(d.voices, v)
	return v, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// finishNext plays out the oldest live voice.
func (d *fakeDevice) finishNext() bool {
	d.mu.Lock()
	var next *fakeVoice
	for _, v := range d.voices {
		if !v.stopped && !v.done {
			next = v
			break
		}
	}
	if next != nil {
		next.done = true
	}
	d.mu.Unlock()
	if next == nil {
		return false
	}
	next.ended()
	return true
}

func (d *fakeDevice) stats() (started, stopped, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range d.voices {
		if v.stopped {
			stopped++
		}
	}
	return len(d.voices), stopped, d.closes
}

type fakeSpeaker struct {
	mu      sync.Mutex
	devices []*fakeDevice
	err     error
}

func (s *fakeSpeaker) Open(ctx context.Context) (playback.Device, error) {
	if s.err != nil {
		return nil, s.err
	}
	d := &fakeDevice{}
	s.mu.Lock()
	s.devices = append(s.devices, d)
	s.mu.Unlock()
	return d, nil
}

func (s *fakeSpeaker) last() *fakeDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[len(s.devices)-1]
}

type harness struct {
	m       *Machine
	dialer  *fakeDialer
	mic     *fakeMic
	speaker *fakeSpeaker
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, mutate func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{}, mic: &fakeMic{}, speaker: &fakeSpeaker{}}
	cfg := DefaultConfig()
	cfg.TurnTimeout = 0
	deps := Dependencies{
		Dialer:     h.dialer,
		Microphone: h.mic,
		Speaker:    h.speaker,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:     cfg,
	}
	if mutate != nil {
		mutate(&deps)
	}
	m, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-m.Done():
		case <-time.After(2 * time.Second):
			t.Error("machine did not stop")
		}
	})
	return h
}

func (h *harness) connect(t *testing.T) (*fakeHandle, *fakeDevice) {
	t.Helper()
	if err := h.m.Connect(testCtx(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h.dialer.last(t), h.speaker.last()
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return m.State() == want })
}

func hasEntry(m *Machine, role, text string) bool {
	for _, e := range m.Snapshot().Transcript {
		if string(e.Role) == role && e.Text == text {
			return true
		}
	}
	return false
}

func pcmChunk(samples int) channel.AudioChunkEvent {
	return channel.AudioChunkEvent{
		Data:     audio.EncodePCM16(make([]float32, samples)),
		MIMEType: "audio/pcm;rate=24000",
	}
}

var errBoom = errors.New("boom")
