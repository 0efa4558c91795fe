package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/vai-caseworker/pkg/core"
	"github.com/vango-go/vai-caseworker/pkg/core/claim"
	"github.com/vango-go/vai-caseworker/pkg/core/tools"
	"github.com/vango-go/vai-caseworker/pkg/live/channel"
	"github.com/vango-go/vai-caseworker/pkg/live/metrics"
)

func TestNewRequiresDevices(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatal("expected error without dialer")
	}
	if _, err := New(Dependencies{Dialer: &fakeDialer{}}); err == nil {
		t.Fatal("expected error without microphone")
	}
	if _, err := New(Dependencies{Dialer: &fakeDialer{}, Microphone: &fakeMic{}}); err == nil {
		t.Fatal("expected error without speaker")
	}
}

func TestInitialSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	snap := h.m.Snapshot()
	if snap.State != StateDisconnected {
		t.Fatalf("state = %q", snap.State)
	}
	if snap.Draft.Status != claim.StatusDraft || snap.Progress != 0 {
		t.Fatalf("unexpected draft %+v progress %v", snap.Draft, snap.Progress)
	}
	if len(snap.Transcript) != 0 {
		t.Fatalf("transcript = %v", snap.Transcript)
	}
}

func TestConnectSpeakAndDrain(t *testing.T) {
	h := newHarness(t, nil)
	handle, dev := h.connect(t)

	if got := h.m.State(); got != StateListening {
		t.Fatalf("state after connect = %q", got)
	}
	if !hasEntry(h.m, "system", noteConnected) {
		t.Fatalf("missing connected note: %+v", h.m.Snapshot().Transcript)
	}

	handle.emit(pcmChunk(2400))
	waitState(t, h.m, StateSpeaking)

	if !dev.finishNext() {
		t.Fatal("no voice was started")
	}
	waitState(t, h.m, StateListening)
}

func TestSpeakingUntilLastChunkEnds(t *testing.T) {
	h := newHarness(t, nil)
	handle, dev := h.connect(t)

	handle.emit(pcmChunk(2400))
	handle.emit(pcmChunk(2400))
	waitFor(t, "two voices", func() bool {
		started, _, _ := dev.stats()
		return started == 2
	})

	dev.finishNext()
	// A later event proves the first end was processed.
	handle.emit(channel.TurnCompleteEvent{})
	time.Sleep(20 * time.Millisecond)
	if got := h.m.State(); got != StateSpeaking {
		t.Fatalf("state after first end = %q, want speaking", got)
	}

	dev.finishNext()
	waitState(t, h.m, StateListening)
}

func TestInterruptionCancelsPlayback(t *testing.T) {
	h := newHarness(t, nil)
	handle, dev := h.connect(t)

	handle.emit(pcmChunk(2400))
	handle.emit(pcmChunk(2400))
	waitState(t, h.m, StateSpeaking)
	waitFor(t, "two voices", func() bool {
		started, _, _ := dev.stats()
		return started == 2
	})

	handle.emit(channel.InterruptedEvent{})
	waitState(t, h.m, StateListening)
	waitFor(t, "interrupted note", func() bool { return hasEntry(h.m, "system", noteInterrupted) })

	if _, stopped, _ := dev.stats(); stopped != 2 {
		t.Fatalf("stopped voices = %d, want 2", stopped)
	}
	if dev.finishNext() {
		t.Fatal("a cancelled voice played out")
	}

	// Playback after an interruption starts a fresh turn.
	handle.emit(pcmChunk(2400))
	waitState(t, h.m, StateSpeaking)
}

func TestToolCallUpdatesDraftAndAcknowledges(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)

	handle.emit(channel.ToolCallEvent{Calls: []tools.Call{{
		ID:   "call-1",
		Name: tools.ToolUpdateClaimDraft,
		Args: map[string]any{"bankName": "State Bank"},
	}}})

	select {
	case <-handle.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("tool results were not sent")
	}

	handle.mu.Lock()
	results := handle.results
	handle.mu.Unlock()
	if len(results) != 1 || len(results[0]) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if r := results[0][0]; r.ID != "call-1" || r.Name != tools.ToolUpdateClaimDraft {
		t.Fatalf("result = %+v", r)
	}

	snap := h.m.Snapshot()
	if snap.Draft.BankName != "State Bank" {
		t.Fatalf("bank = %q", snap.Draft.BankName)
	}
	if snap.Progress != 0.2 {
		t.Fatalf("progress = %v", snap.Progress)
	}
	if !hasEntry(h.m, "system", noteToolUpdate) {
		t.Fatal("missing tool update note")
	}
}

func TestUnknownToolStillAcknowledged(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)

	handle.emit(channel.ToolCallEvent{Calls: []tools.Call{{ID: "x", Name: "launchRocket"}}})
	select {
	case <-handle.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("tool results were not sent")
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if got := handle.results[0][0]; got.ID != "x" || got.Response["result"] != "ok" {
		t.Fatalf("result = %+v", got)
	}
}

func TestTranscriptFragmentsAggregate(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)

	handle.emit(channel.TranscriptEvent{Role: channel.TranscriptInput, Text: "My bank"})
	handle.emit(channel.TranscriptEvent{Role: channel.TranscriptInput, Text: " is State Bank"})
	handle.emit(channel.TranscriptEvent{Role: channel.TranscriptOutput, Text: "Thanks,"})
	handle.emit(channel.TranscriptEvent{Role: channel.TranscriptOutput, Text: " noted."})
	handle.emit(channel.TurnCompleteEvent{})

	waitFor(t, "agent entry", func() bool { return hasEntry(h.m, "agent", "Thanks, noted.") })
	if !hasEntry(h.m, "user", "My bank is State Bank") {
		t.Fatalf("transcript = %+v", h.m.Snapshot().Transcript)
	}
}

func TestDisconnectReleasesOnce(t *testing.T) {
	h := newHarness(t, nil)
	handle, dev := h.connect(t)
	src := h.mic.last()

	ctx := testCtx(t)
	if err := h.m.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := h.m.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	if got := h.m.State(); got != StateDisconnected {
		t.Fatalf("state = %q", got)
	}
	if n := handle.closeCount(); n != 1 {
		t.Fatalf("handle closes = %d", n)
	}
	if n := src.closeCount(); n != 1 {
		t.Fatalf("source closes = %d", n)
	}
	if _, _, closes := dev.stats(); closes != 1 {
		t.Fatalf("device closes = %d", closes)
	}
}

func TestDisconnectWhileIdle(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.m.Disconnect(testCtx(t)); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := h.m.State(); got != StateDisconnected {
		t.Fatalf("state = %q", got)
	}
}

func TestConnectWhileConnectedConflicts(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	err := h.m.Connect(testCtx(t))
	if !core.IsType(err, core.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if got := len(h.dialer.handles); got != 1 {
		t.Fatalf("dials = %d", got)
	}
}

func TestDisconnectDuringConnectDiscardsLateSession(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	h := newHarness(t, nil)
	h.dialer.gate = gate
	h.dialer.entered = entered

	connectErr := make(chan error, 1)
	go func() { connectErr <- h.m.Connect(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never started")
	}
	waitState(t, h.m, StateConnecting)
	if err := h.m.Disconnect(testCtx(t)); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := <-connectErr; !core.IsType(err, core.ErrConnection) {
		t.Fatalf("Connect err = %v", err)
	}

	close(gate)
	waitFor(t, "late handle closed", func() bool {
		h.dialer.mu.Lock()
		defer h.dialer.mu.Unlock()
		return len(h.dialer.handles) == 1 && h.dialer.handles[0].closeCount() == 1
	})
	waitFor(t, "late source closed", func() bool { return h.mic.last().closeCount() == 1 })
	if got := h.m.State(); got != StateDisconnected {
		t.Fatalf("state = %q", got)
	}
}

func TestMicrophoneDeniedEntersError(t *testing.T) {
	h := newHarness(t, nil)
	h.mic.err = errBoom

	err := h.m.Connect(testCtx(t))
	if !core.IsType(err, core.ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
	snap := h.m.Snapshot()
	if snap.State != StateError || snap.Error == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(h.dialer.handles) != 0 {
		t.Fatal("dialed despite missing microphone")
	}

	// Error is recoverable by connecting again.
	h.mic.err = nil
	if err := h.m.Connect(testCtx(t)); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if snap := h.m.Snapshot(); snap.State != StateListening || snap.Error != "" {
		t.Fatalf("snapshot after reconnect = %+v", snap)
	}
}

func TestDialFailureReleasesDevices(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.err = core.NewConnectionError("missing API key: set GEMINI_API_KEY", nil)

	err := h.m.Connect(testCtx(t))
	if !core.IsType(err, core.ErrConnection) {
		t.Fatalf("err = %v", err)
	}
	if got := h.m.State(); got != StateError {
		t.Fatalf("state = %q", got)
	}
	if n := h.mic.last().closeCount(); n != 1 {
		t.Fatalf("source closes = %d", n)
	}
	if _, _, closes := h.speaker.last().stats(); closes != 1 {
		t.Fatalf("device closes = %d", closes)
	}
}

func TestRemoteCloseDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)

	handle.emit(channel.ClosedEvent{Reason: "bye"})
	waitState(t, h.m, StateDisconnected)
	waitFor(t, "closed note", func() bool { return hasEntry(h.m, "system", noteClosed) })
	if n := handle.closeCount(); n != 1 {
		t.Fatalf("handle closes = %d", n)
	}
}

func TestTransportErrorEntersError(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)

	handle.emit(channel.TransportErrorEvent{Err: core.NewTransportError("socket reset", errBoom)})
	waitState(t, h.m, StateError)
	if msg := h.m.Snapshot().Error; msg != "socket reset" {
		t.Fatalf("error = %q", msg)
	}
}

func TestMalformedEventIgnored(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)

	handle.emit(channel.MalformedEvent{Reason: "bad json"})
	handle.emit(pcmChunk(2400))
	waitState(t, h.m, StateSpeaking)
}

func TestUploadRequiresSession(t *testing.T) {
	h := newHarness(t, nil)
	err := h.m.UploadDocument(testCtx(t), "license.png", "image/png", bytes.NewReader([]byte{1}))
	if !core.IsType(err, core.ErrNotConnected) {
		t.Fatalf("err = %v, want not connected", err)
	}
}

func TestUploadRejectsNonImage(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	err := h.m.UploadDocument(testCtx(t), "notes.pdf", "application/pdf", bytes.NewReader([]byte{1}))
	if !core.IsType(err, core.ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestUploadSendsDocument(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)

	payload := []byte{0xff, 0xd8, 0xff}
	if err := h.m.UploadDocument(testCtx(t), "license.jpg", "image/jpeg", bytes.NewReader(payload)); err != nil {
		t.Fatalf("UploadDocument: %v", err)
	}
	handle.mu.Lock()
	docs := handle.docs
	handle.mu.Unlock()
	if len(docs) != 1 || docs[0].mime != "image/jpeg" || !bytes.Equal(docs[0].data, payload) {
		t.Fatalf("docs = %+v", docs)
	}
	waitFor(t, "upload entry", func() bool { return hasEntry(h.m, "user", "[Uploaded Image: license.jpg]") })
	if !hasEntry(h.m, "system", "Uploading license.jpg...") {
		t.Fatal("missing uploading note")
	}
}

func TestUploadFailureNoted(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)
	handle.mu.Lock()
	handle.docErr = errBoom
	handle.mu.Unlock()

	err := h.m.UploadDocument(testCtx(t), "a.png", "image/png", bytes.NewReader([]byte{1}))
	if !core.IsType(err, core.ErrUploadFailed) {
		t.Fatalf("err = %v", err)
	}
	waitFor(t, "failure note", func() bool { return hasEntry(h.m, "system", noteUploadFailed) })
	if got := h.m.State(); got != StateListening {
		t.Fatalf("state = %q", got)
	}
}

func TestUploadFinishingAfterDisconnectLeavesTranscriptAlone(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)
	handle.mu.Lock()
	handle.docSent = make(chan struct{}, 1)
	handle.docGate = make(chan struct{})
	handle.mu.Unlock()

	uploaded := make(chan error, 1)
	go func() {
		uploaded <- h.m.UploadDocument(context.Background(), "deed.png", "image/png", bytes.NewReader([]byte{1, 2}))
	}()
	select {
	case <-handle.docSent:
	case <-time.After(2 * time.Second):
		t.Fatal("document never sent")
	}

	if err := h.m.Disconnect(testCtx(t)); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	close(handle.docGate)
	select {
	case err := <-uploaded:
		if err != nil {
			t.Fatalf("UploadDocument: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not return")
	}
	// The upload result is queued ahead of this command.
	if err := h.m.Disconnect(testCtx(t)); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	if hasEntry(h.m, "user", "[Uploaded Image: deed.png]") {
		t.Fatal("upload logged after the session ended")
	}
	if hasEntry(h.m, "system", noteUploadFailed) {
		t.Fatal("failure note logged after the session ended")
	}
	entries := h.m.Snapshot().Transcript
	if last := entries[len(entries)-1]; last.Text != noteDisconnected {
		t.Fatalf("last entry = %+v, want %q", last, noteDisconnected)
	}
}

func TestUploadTooLarge(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Config.MaxUploadBytes = 4 })
	h.connect(t)
	err := h.m.UploadDocument(testCtx(t), "big.png", "image/png", bytes.NewReader(make([]byte, 5)))
	if !core.IsType(err, core.ErrUploadFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitClaim(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)

	if _, err := h.m.SubmitClaim(testCtx(t)); !core.IsType(err, core.ErrConflict) {
		t.Fatalf("submit draft err = %v", err)
	}

	handle.emit(channel.ToolCallEvent{Calls: []tools.Call{{
		ID:   "c",
		Name: tools.ToolUpdateClaimDraft,
		Args: map[string]any{
			"claimantName":  "Ada Lovelace",
			"deceasedName":  "Charles Babbage",
			"relationship":  "Executor",
			"bankName":      "State Bank",
			"accountNumber": "12345",
			"status":        "ready",
		},
	}}})
	<-handle.sent

	d, err := h.m.SubmitClaim(testCtx(t))
	if err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
	if d.Status != claim.StatusSubmitted {
		t.Fatalf("status = %q", d.Status)
	}
	if h.m.Snapshot().Draft.Status != claim.StatusSubmitted {
		t.Fatal("snapshot not submitted")
	}
}

func TestTurnTimeoutReturnsToListening(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Config.TurnTimeout = 150 * time.Millisecond })
	handle, dev := h.connect(t)

	handle.emit(pcmChunk(2400))
	waitState(t, h.m, StateSpeaking)
	waitState(t, h.m, StateListening)
	if !hasEntry(h.m, "system", noteTurnTimedOut) {
		t.Fatal("missing timeout note")
	}
	if _, stopped, _ := dev.stats(); stopped != 1 {
		t.Fatalf("stopped = %d", stopped)
	}
}

func TestReconnectResetsDraftAndTranscript(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)
	handle.emit(channel.ToolCallEvent{Calls: []tools.Call{{
		ID: "c", Name: tools.ToolUpdateClaimDraft, Args: map[string]any{"bankName": "State Bank"},
	}}})
	<-handle.sent
	if err := h.m.Disconnect(testCtx(t)); err != nil {
		t.Fatal(err)
	}

	h.connect(t)
	snap := h.m.Snapshot()
	if snap.Draft.BankName != "" {
		t.Fatalf("draft not reset: %+v", snap.Draft)
	}
	if len(snap.Transcript) != 2 {
		t.Fatalf("transcript = %+v", snap.Transcript)
	}
}

func TestWatchSignalsChanges(t *testing.T) {
	h := newHarness(t, nil)
	ch, cancel := h.m.Watch()
	defer cancel()

	h.connect(t)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no watch signal after connect")
	}
}

func TestRunStopsAndReleases(t *testing.T) {
	h := newHarness(t, nil)
	handle, _ := h.connect(t)
	h.cancel()
	select {
	case <-h.m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if n := handle.closeCount(); n != 1 {
		t.Fatalf("handle closes = %d", n)
	}
	if got := h.m.State(); got != StateDisconnected {
		t.Fatalf("state = %q", got)
	}
	if err := h.m.Connect(context.Background()); err == nil {
		t.Fatal("connect after stop succeeded")
	}
}

func TestMetricsTrackSession(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, func(d *Dependencies) { d.Metrics = m })
	handle, _ := h.connect(t)
	handle.emit(pcmChunk(2400))
	waitState(t, h.m, StateSpeaking)
	handle.emit(channel.InterruptedEvent{})
	waitState(t, h.m, StateListening)

	if got := testutil.ToFloat64(m.Connects.WithLabelValues("ok")); got != 1 {
		t.Fatalf("connects = %v", got)
	}
	if got := testutil.ToFloat64(m.Interruptions); got != 1 {
		t.Fatalf("interruptions = %v", got)
	}
}
