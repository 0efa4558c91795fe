package playback

import (
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-caseworker/pkg/core/audio"
)

type recordingSink struct {
	mu       sync.Mutex
	writes   [][]byte
	restarts int
	closed   bool
}

func (s *recordingSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), p...))
	return nil
}

func (s *recordingSink) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() ([][]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...), s.restarts
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func pcmBuffer(t *testing.T, samples ...int16) *audio.Buffer {
	t.Helper()
	buf, err := audio.BuildPlayableBuffer(samples, audio.OutputSampleRateHz, 1)
	if err != nil {
		t.Fatalf("BuildPlayableBuffer: %v", err)
	}
	return buf
}

func TestOutput_WritesInOrderAndSignalsEnd(t *testing.T) {
	sink := &recordingSink{}
	out := NewOutput(sink, quietLogger())
	defer out.Close()

	ended := make(chan int, 2)
	first := pcmBuffer(t, make([]int16, 2400)...)  // 100ms
	second := pcmBuffer(t, make([]int16, 2400)...) // 100ms
	second.Data[0][0] = 0.5
	if _, err := out.Start(first, out.Now(), func() { ended <- 1 }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := out.Start(second, out.Now()+first.Duration(), func() { ended <- 2 }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, want := range []int{1, 2} {
		select {
		case got := <-ended:
			if got != want {
				t.Fatalf("ended %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("voice never ended")
		}
	}

	writes, _ := sink.snapshot()
	want := [][]byte{first.PCM16(), second.PCM16()}
	if !reflect.DeepEqual(writes, want) {
		t.Fatalf("writes = %v, want %v", writes, want)
	}
}

func TestOutput_StopSuppressesEndAndFlushesOnce(t *testing.T) {
	sink := &recordingSink{}
	out := NewOutput(sink, quietLogger())
	defer out.Close()

	long := pcmBuffer(t, make([]int16, audio.OutputSampleRateHz)...) // 1s
	var endedCalls int
	var mu sync.Mutex
	onEnd := func() {
		mu.Lock()
		endedCalls++
		mu.Unlock()
	}
	a, _ := out.Start(long, out.Now(), onEnd)
	b, _ := out.Start(long, out.Now()+time.Second, onEnd)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if writes, _ := sink.snapshot(); len(writes) >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first voice never written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.Stop()
	b.Stop()
	a.Stop()

	_, restarts := sink.snapshot()
	if restarts != 1 {
		t.Fatalf("restarts = %d, want 1", restarts)
	}
	time.Sleep(50 * time.Millisecond)
	if writes, _ := sink.snapshot(); len(writes) != 1 {
		t.Fatalf("stopped voice was written: %d writes", len(writes))
	}
	mu.Lock()
	defer mu.Unlock()
	if endedCalls != 0 {
		t.Fatalf("ended called %d times after stop", endedCalls)
	}
}

func TestOutput_SilentKeepsTime(t *testing.T) {
	out := NewOutput(nil, quietLogger())
	done := make(chan struct{})
	if _, err := out.Start(pcmBuffer(t, 1, 2, 3), 0, func() { close(done) }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("silent voice never ended")
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := out.Start(pcmBuffer(t, 1), 0, nil); err == nil {
		t.Fatal("expected Start after Close to fail")
	}
	if err := out.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOutput_CloseReleasesSink(t *testing.T) {
	sink := &recordingSink{}
	out := NewOutput(sink, quietLogger())
	out.Start(pcmBuffer(t, make([]int16, audio.OutputSampleRateHz)...), time.Hour, func() {
		t.Error("ended after close")
	})
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sink.closed {
		t.Fatal("sink not closed")
	}
}

func TestFFplayArgs(t *testing.T) {
	args := ffplayArgs(FFplayConfig{Format: audio.OutputFormat(), Volume: 80, LogLevel: "error"})
	joined := map[string]string{}
	for i := 0; i+1 < len(args); i++ {
		joined[args[i]] = args[i+1]
	}
	if joined["-ar"] != "24000" || joined["-ch_layout"] != "mono" || joined["-f"] != "s16le" || joined["-volume"] != "80" {
		t.Fatalf("args = %v", args)
	}
	if args[len(args)-1] != "-" {
		t.Fatalf("ffplay must read stdin: %v", args)
	}
}
