package session

import (
	"context"
	"fmt"
	"time"

	"github.com/vango-go/vai-caseworker/pkg/core"
	"github.com/vango-go/vai-caseworker/pkg/core/audio"
	"github.com/vango-go/vai-caseworker/pkg/core/claim"
	"github.com/vango-go/vai-caseworker/pkg/live/capture"
	"github.com/vango-go/vai-caseworker/pkg/live/channel"
	"github.com/vango-go/vai-caseworker/pkg/live/playback"
)

type loopEvent interface {
	loopEventType() string
}

type cmdConnect struct{ reply chan error }

type cmdDisconnect struct{ reply chan struct{} }

type cmdUploadBegin struct {
	name  string
	reply chan uploadTicket
}

type uploadTicket struct {
	handle channel.Handle
	gen    uint64
	err    error
}

type uploadResult struct {
	gen  uint64
	name string
	err  error
}

type cmdSubmit struct{ reply chan submitReply }

type submitReply struct {
	draft claim.Draft
	err   error
}

type connectResult struct{ op *pendingOpen }

// pendingOpen is one in-flight device and channel acquisition. done is closed
// once conn or err is set.
type pendingOpen struct {
	attempt uint64
	done    chan struct{}
	conn    *connection
	err     error
}

type inbound struct {
	gen   uint64
	event channel.Event
}

type chunkEnded struct {
	gen uint64
	id  uint64
}

type captureFailed struct {
	gen uint64
	err error
}

type turnTimeout struct{ seq uint64 }

func (cmdConnect) loopEventType() string     { return "connect" }
func (cmdDisconnect) loopEventType() string  { return "disconnect" }
func (cmdUploadBegin) loopEventType() string { return "upload_begin" }
func (uploadResult) loopEventType() string   { return "upload_result" }
func (cmdSubmit) loopEventType() string      { return "submit" }
func (connectResult) loopEventType() string  { return "connect_result" }
func (inbound) loopEventType() string        { return "inbound" }
func (chunkEnded) loopEventType() string     { return "chunk_ended" }
func (captureFailed) loopEventType() string  { return "capture_failed" }
func (turnTimeout) loopEventType() string    { return "turn_timeout" }

// connection holds every resource of one live session. Owned by the loop.
type connection struct {
	gen       uint64
	handle    channel.Handle
	source    capture.Source
	device    playback.Device
	pipeline  *capture.Pipeline
	scheduler *playback.Scheduler
	closing   chan struct{}
}

func (m *Machine) handle(ev loopEvent) {
	switch e := ev.(type) {
	case cmdConnect:
		m.onConnect(e)
	case connectResult:
		m.onConnectResult(e)
	case cmdDisconnect:
		m.onDisconnect()
		m.publish()
		close(e.reply)
	case inbound:
		m.onInbound(e)
	case chunkEnded:
		m.onChunkEnded(e)
	case captureFailed:
		m.onCaptureFailed(e)
	case turnTimeout:
		m.onTurnTimeout(e)
	case cmdUploadBegin:
		m.onUploadBegin(e)
	case uploadResult:
		m.onUploadResult(e)
	case cmdSubmit:
		m.onSubmit(e)
	default:
		m.logger.Warn("unknown loop event", "type", ev.loopEventType())
	}
}

func (m *Machine) onConnect(e cmdConnect) {
	switch m.state {
	case StateDisconnected, StateError:
	case StateConnecting:
		// Join the attempt already in flight.
		m.connectWaiters = append(m.connectWaiters, e.reply)
		return
	default:
		e.reply <- core.NewConflictError("session already connected")
		return
	}

	m.attempt++
	attempt := m.attempt
	m.draft.Reset()
	m.transcript.Reset()
	m.partials.reset()
	m.errMsg = ""
	m.setState(StateConnecting)
	m.note(noteConnecting)
	m.connectWaiters = append(m.connectWaiters, e.reply)
	m.connectStarted = m.now()

	op := &pendingOpen{attempt: attempt, done: make(chan struct{})}
	m.opening = op
	cfg := m.cfg.Channel
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		op.conn, op.err = m.open(ctx, cfg)
		close(op.done)
		select {
		case m.events <- connectResult{op: op}:
		case <-m.stopped:
		}
	}()
}

// abandonOpen gives up on the in-flight attempt. Whatever it acquires is
// released when it finishes; wait blocks until then.
func (m *Machine) abandonOpen(wait bool) {
	op := m.opening
	if op == nil {
		return
	}
	m.opening = nil
	m.attempt++
	release := func() {
		<-op.done
		if op.conn != nil {
			m.logger.Info("releasing abandoned connection", "attempt", op.attempt)
			releaseConnection(op.conn)
		}
	}
	if wait {
		release()
		return
	}
	go release()
}

// open acquires the microphone, then the speaker, then the live channel. It runs
// off the loop.
func (m *Machine) open(ctx context.Context, cfg channel.Config) (*connection, error) {
	src, err := m.mic.Open(ctx, cfg.InputFormat)
	if err != nil {
		if !core.IsType(err, core.ErrPermissionDenied) {
			err = core.NewPermissionDeniedError("microphone unavailable: "+err.Error(), err)
		}
		return nil, err
	}
	dev, err := m.speaker.Open(ctx)
	if err != nil {
		_ = src.Close()
		if !core.IsType(err, core.ErrPermissionDenied) {
			err = core.NewPermissionDeniedError("audio output unavailable: "+err.Error(), err)
		}
		return nil, err
	}
	h, err := m.dialer.Dial(ctx, cfg)
	if err != nil {
		_ = src.Close()
		_ = dev.Close()
		if !core.IsType(err, core.ErrConnection) {
			err = core.NewConnectionError(err.Error(), err)
		}
		return nil, err
	}
	return &connection{handle: h, source: src, device: dev, closing: make(chan struct{})}, nil
}

func (m *Machine) onConnectResult(e connectResult) {
	op := e.op
	if op != m.opening {
		// Abandoned; abandonOpen owns its resources.
		return
	}
	m.opening = nil
	elapsed := m.now().Sub(m.connectStarted).Seconds()

	if op.err != nil {
		m.metrics.RecordConnect("failed", elapsed)
		m.logger.Warn("connect failed", "error", op.err)
		m.fail(core.Message(op.err))
		m.replyConnect(op.err)
		return
	}

	c := op.conn
	c.gen = op.attempt
	c.scheduler = playback.NewScheduler(c.device, func(id uint64) {
		m.postFrom(c, chunkEnded{gen: c.gen, id: id})
	})
	c.pipeline = &capture.Pipeline{
		Source:    c.source,
		FrameSize: m.cfg.FrameSize,
		Gain:      m.cfg.VolumeGain,
		Logger:    m.logger,
		OnFrame: func(frame []float32) {
			_ = c.handle.SendAudioFrame(frame)
		},
		OnVolume: m.storeVolume,
		OnError: func(err error) {
			m.postFrom(c, captureFailed{gen: c.gen, err: err})
		},
	}
	m.conn = c

	go func() {
		for ev := range c.handle.Events() {
			m.postFrom(c, inbound{gen: c.gen, event: ev})
		}
	}()
	if err := c.pipeline.Start(); err != nil {
		m.metrics.RecordConnect("failed", elapsed)
		m.teardown()
		err = core.NewPermissionDeniedError("microphone unavailable", err)
		m.fail(core.Message(err))
		m.replyConnect(err)
		return
	}

	m.metrics.RecordConnect("ok", elapsed)
	m.logger.Info("session connected", "model", m.cfg.Channel.Model)
	m.setState(StateListening)
	m.note(noteConnected)
	m.replyConnect(nil)
}

// replyConnect publishes first so callers observe the outcome in Snapshot.
func (m *Machine) replyConnect(err error) {
	m.publish()
	for _, w := range m.connectWaiters {
		w <- err
	}
	m.connectWaiters = nil
}

func (m *Machine) onDisconnect() {
	switch m.state {
	case StateDisconnected:
		return
	case StateConnecting:
		m.abandonOpen(false)
		m.replyConnect(core.NewConnectionError("connect cancelled", nil))
	}
	wasLive := m.conn != nil
	m.teardown()
	m.errMsg = ""
	m.setState(StateDisconnected)
	if wasLive {
		m.note(noteDisconnected)
	}
}

func (m *Machine) onInbound(e inbound) {
	c := m.conn
	if c == nil || e.gen != c.gen {
		return
	}
	switch ev := e.event.(type) {
	case channel.AudioChunkEvent:
		m.onAudioChunk(c, ev)
	case channel.TranscriptEvent:
		m.fragment(ev.Role, ev.Text, ev.Final)
	case channel.ToolCallEvent:
		m.onToolCalls(c, ev)
	case channel.ToolCancelEvent:
		m.logger.Debug("tool calls cancelled", "ids", ev.IDs)
	case channel.InterruptedEvent:
		n := c.scheduler.CancelAll()
		m.metrics.RecordInterruption()
		m.flushAll()
		m.stopTurnTimer()
		if m.state == StateSpeaking {
			m.setState(StateListening)
		}
		m.logger.Debug("agent interrupted", "cancelled_chunks", n)
		m.note(noteInterrupted)
	case channel.TurnCompleteEvent:
		m.flushAll()
	case channel.GoAwayEvent:
		m.logger.Info("live service will close the session soon")
	case channel.MalformedEvent:
		m.logger.Debug("skipping malformed live message", "reason", ev.Reason)
	case channel.ClosedEvent:
		m.logger.Info("live session closed", "reason", ev.Reason)
		m.teardown()
		m.errMsg = ""
		m.setState(StateDisconnected)
		m.note(noteClosed)
	case channel.TransportErrorEvent:
		m.logger.Warn("live session failed", "error", ev.Err)
		m.teardown()
		m.fail(core.Message(ev.Err))
	default:
		m.logger.Debug("ignoring live event", "type", channel.EventType(e.event))
	}
}

func (m *Machine) onAudioChunk(c *connection, ev channel.AudioChunkEvent) {
	format := m.cfg.Channel.OutputFormat
	buf, err := audio.BuildPlayableBuffer(audio.DecodePCM16(ev.Data), format.SampleRate, format.Channels)
	if err != nil {
		m.logger.Warn("undecodable audio chunk", "error", err)
		return
	}
	chunk, err := c.scheduler.Enqueue(buf)
	if err != nil {
		m.logger.Warn("scheduling audio chunk", "error", err)
		return
	}
	if chunk.ID == 0 {
		return
	}
	m.metrics.RecordChunkScheduled(chunk.Duration.Seconds())
	if m.state == StateListening {
		m.partials.flush(channel.TranscriptInput, m.transcript)
		m.setState(StateSpeaking)
		m.startTurnTimer()
	}
}

func (m *Machine) onToolCalls(c *connection, ev channel.ToolCallEvent) {
	if len(ev.Calls) == 0 {
		return
	}
	m.note(noteToolUpdate)
	results := m.registry.Dispatch(m.ctx, ev.Calls)
	for _, r := range results {
		outcome := "ok"
		if _, failed := r.Response["error"]; failed {
			outcome = "error"
		}
		m.metrics.RecordToolCall(r.Name, outcome)
		m.logger.Debug("tool call handled", "tool", r.Name, "call_id", r.ID, "outcome", outcome)
	}

	h := c.handle
	go func() {
		if err := h.SendToolResults(context.Background(), results); err != nil {
			m.logger.Warn("sending tool results", "error", err)
		}
	}()
}

func (m *Machine) onChunkEnded(e chunkEnded) {
	c := m.conn
	if c == nil || e.gen != c.gen {
		return
	}
	if c.scheduler.Ended(e.id) && m.state == StateSpeaking {
		m.stopTurnTimer()
		m.setState(StateListening)
	}
}

func (m *Machine) onCaptureFailed(e captureFailed) {
	c := m.conn
	if c == nil || e.gen != c.gen {
		return
	}
	m.logger.Warn("microphone capture failed", "error", e.err)
	m.note(noteMicrophoneEnded)
	m.teardown()
	m.fail(fmt.Sprintf("microphone stopped: %v", e.err))
}

func (m *Machine) startTurnTimer() {
	m.stopTurnTimer()
	if m.cfg.TurnTimeout <= 0 {
		return
	}
	m.turnSeq++
	seq := m.turnSeq
	m.turnTimer = time.AfterFunc(m.cfg.TurnTimeout, func() {
		select {
		case m.events <- turnTimeout{seq: seq}:
		case <-m.stopped:
		}
	})
}

func (m *Machine) stopTurnTimer() {
	if m.turnTimer != nil {
		m.turnTimer.Stop()
		m.turnTimer = nil
	}
	m.turnSeq++
}

func (m *Machine) onTurnTimeout(e turnTimeout) {
	if e.seq != m.turnSeq || m.state != StateSpeaking || m.conn == nil {
		return
	}
	m.turnTimer = nil
	m.conn.scheduler.CancelAll()
	m.metrics.RecordTurnTimeout()
	m.flushAll()
	m.setState(StateListening)
	m.note(noteTurnTimedOut)
}

func (m *Machine) onUploadBegin(e cmdUploadBegin) {
	c := m.conn
	if c == nil || (m.state != StateListening && m.state != StateSpeaking) {
		e.reply <- uploadTicket{err: core.NewNotConnectedError("no active session: connect before uploading documents")}
		return
	}
	m.note(fmt.Sprintf("Uploading %s...", e.name))
	e.reply <- uploadTicket{handle: c.handle, gen: c.gen}
}

func (m *Machine) onUploadResult(e uploadResult) {
	if m.conn == nil || m.conn.gen != e.gen {
		// The session that sent it is gone.
		return
	}
	if e.err != nil {
		m.logger.Warn("document upload failed", "name", e.name, "error", e.err)
		m.note(noteUploadFailed)
		return
	}
	m.transcript.Append(claim.RoleUser, fmt.Sprintf("[Uploaded Image: %s]", e.name))
}

func (m *Machine) onSubmit(e cmdSubmit) {
	d, err := m.draft.Submit()
	if err != nil {
		e.reply <- submitReply{draft: d, err: core.NewConflictError(err.Error())}
		return
	}
	m.logger.Info("claim submitted", "claimant", d.ClaimantName)
	e.reply <- submitReply{draft: d}
}

// teardown releases the active connection exactly once.
func (m *Machine) teardown() {
	m.stopTurnTimer()
	m.flushAll()
	m.storeVolume(0)
	c := m.conn
	if c == nil {
		return
	}
	m.conn = nil
	close(c.closing)
	if c.pipeline != nil {
		// Stop closes the source.
		c.pipeline.Stop()
		c.source = nil
	}
	if c.scheduler != nil {
		c.scheduler.CancelAll()
	}
	releaseConnection(c)
}

// releaseConnection closes the devices and the handle. The pipeline, when
// present, must already be stopped.
func releaseConnection(c *connection) {
	if c.source != nil {
		_ = c.source.Close()
	}
	if c.device != nil {
		_ = c.device.Close()
	}
	if c.handle != nil {
		_ = c.handle.Close()
	}
}

func (m *Machine) fail(msg string) {
	m.errMsg = msg
	m.setState(StateError)
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("session state", "from", string(m.state), "to", string(s))
	m.state = s
	m.metrics.SetState(string(s), allStates)
}

func (m *Machine) note(text string) {
	m.transcript.Append(claim.RoleSystem, text)
}

func (m *Machine) shutdown() {
	if m.state == StateConnecting {
		m.abandonOpen(true)
		m.replyConnect(core.NewConnectionError("session machine stopped", nil))
	}
	m.teardown()
	m.setState(StateDisconnected)
	m.publish()
}
