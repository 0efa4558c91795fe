// Package session orchestrates one live claim conversation: microphone capture,
// the remote live channel, gapless playback, tool dispatch into the claim draft,
// and the transcript.
//
// All state changes happen on a single loop goroutine started by Run. Public
// methods post typed commands to the loop; channel events, device callbacks and
// timers are routed through the same loop in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-caseworker/pkg/core"
	"github.com/vango-go/vai-caseworker/pkg/core/audio"
	"github.com/vango-go/vai-caseworker/pkg/core/claim"
	"github.com/vango-go/vai-caseworker/pkg/core/tools"
	"github.com/vango-go/vai-caseworker/pkg/live/capture"
	"github.com/vango-go/vai-caseworker/pkg/live/channel"
	"github.com/vango-go/vai-caseworker/pkg/live/metrics"
	"github.com/vango-go/vai-caseworker/pkg/live/playback"
)

// State is the externally visible session state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateListening    State = "listening"
	StateSpeaking     State = "speaking"
	StateError        State = "error"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateListening),
	string(StateSpeaking),
	string(StateError),
}

const (
	defaultConnectTimeout = 15 * time.Second
	defaultTurnTimeout    = 2 * time.Minute
	defaultMaxUpload      = 10 << 20
	loopQueueSize         = 256
)

// Transcript notes.
const (
	noteConnecting      = "Connecting to CivicAlly..."
	noteConnected       = "Connected. Speak now."
	noteToolUpdate      = "Agent is updating the claim form..."
	noteInterrupted     = "Agent interrupted"
	noteClosed          = "Connection closed"
	noteDisconnected    = "Disconnected"
	noteTurnTimedOut    = "Agent turn timed out"
	noteUploadFailed    = "Upload failed"
	noteMicrophoneEnded = "Microphone stopped"
)

type Config struct {
	Channel        channel.Config
	FrameSize      int
	VolumeGain     float64
	ConnectTimeout time.Duration
	// TurnTimeout bounds one speaking turn; zero disables the watchdog.
	TurnTimeout    time.Duration
	MaxUploadBytes int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Channel: channel.Config{
			Model:              channel.DefaultModel,
			ResponseModality:   channel.DefaultResponseModality,
			SystemInstruction:  DefaultSystemInstruction,
			InputTranscription: true,
			InputFormat:        audio.InputFormat(),
			OutputFormat:       audio.OutputFormat(),
		},
		FrameSize:      capture.DefaultFrameSize,
		VolumeGain:     audio.DefaultVolumeGain,
		ConnectTimeout: defaultConnectTimeout,
		TurnTimeout:    defaultTurnTimeout,
		MaxUploadBytes: defaultMaxUpload,
	}
}

type Dependencies struct {
	Dialer     channel.Dialer
	Microphone capture.Opener
	Speaker    playback.Opener
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Config     Config
	Now        func() time.Time
}

// Snapshot is a consistent view for the presentation layer.
type Snapshot struct {
	State      State         `json:"state"`
	Draft      claim.Draft   `json:"draft"`
	Progress   float64       `json:"progress"`
	Transcript []claim.Entry `json:"transcript"`
	Volume     float64       `json:"volume"`
	Error      string        `json:"error,omitempty"`
}

type status struct {
	state State
	err   string
}

// Machine is the session state machine.
type Machine struct {
	cfg     Config
	dialer  channel.Dialer
	mic     capture.Opener
	speaker playback.Opener
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	draft      *claim.Store
	transcript *claim.Transcript
	registry   *tools.Registry

	events  chan loopEvent
	started atomic.Bool
	stopped chan struct{}
	exited  chan struct{}

	status atomic.Pointer[status]
	volume atomic.Uint64

	watchMu  sync.Mutex
	watchers map[int]chan struct{}
	watchSeq int

	// Loop-owned.
	ctx            context.Context
	state          State
	errMsg         string
	attempt        uint64
	opening        *pendingOpen
	conn           *connection
	connectWaiters []chan error
	connectStarted time.Time
	turnSeq        uint64
	turnTimer      *time.Timer
	partials       fragments
}

// New validates deps and builds a Machine. Call Run to start it.
func New(deps Dependencies) (*Machine, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if deps.Microphone == nil {
		return nil, fmt.Errorf("microphone opener is required")
	}
	if deps.Speaker == nil {
		return nil, fmt.Errorf("speaker opener is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	cfg.Channel = cfg.Channel.WithDefaults()
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = capture.DefaultFrameSize
	}
	if cfg.VolumeGain <= 0 {
		cfg.VolumeGain = audio.DefaultVolumeGain
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.TurnTimeout < 0 {
		cfg.TurnTimeout = 0
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}

	m := &Machine{
		cfg:        cfg,
		dialer:     deps.Dialer,
		mic:        deps.Microphone,
		speaker:    deps.Speaker,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        deps.Now,
		draft:      claim.NewStore(),
		transcript: claim.NewTranscript(),
		events:     make(chan loopEvent, loopQueueSize),
		stopped:    make(chan struct{}),
		exited:     make(chan struct{}),
		watchers:   make(map[int]chan struct{}),
		state:      StateDisconnected,
		partials:   newFragments(),
	}
	m.registry = tools.NewRegistry(deps.Logger, tools.NewUpdateClaimDraft(m.draft))
	if len(m.cfg.Channel.Tools) == 0 {
		m.cfg.Channel.Tools = m.registry.Declarations()
	}
	m.status.Store(&status{state: StateDisconnected})
	m.metrics.SetState(string(StateDisconnected), allStates)
	return m, nil
}

// Run processes loop events until ctx is cancelled, then releases every device.
func (m *Machine) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("session machine already running")
	}
	m.ctx = ctx
	defer close(m.exited)
	defer close(m.stopped)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ev)
			m.publish()
		}
	}
}

// Done is closed once Run has returned and devices are released.
func (m *Machine) Done() <-chan struct{} {
	return m.exited
}

// Connect starts a session and waits for its outcome. It fails with a conflict
// error when a session is already active.
func (m *Machine) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := m.post(ctx, cmdConnect{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return core.NewConnectionError("session machine stopped", nil)
	}
}

// Disconnect ends the active session, if any. Idempotent.
func (m *Machine) Disconnect(ctx context.Context) error {
	reply := make(chan struct{})
	if err := m.post(ctx, cmdDisconnect{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return nil
	}
}

// UploadDocument sends an image into the live conversation.
func (m *Machine) UploadDocument(ctx context.Context, name, mimeType string, r io.Reader) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "document"
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if !strings.HasPrefix(mimeType, "image/") {
		return core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unsupported document type %q: only images are accepted", mimeType), "mime_type")
	}
	if r == nil {
		return core.NewInvalidRequestErrorWithParam("document body is required", "file")
	}

	reply := make(chan uploadTicket, 1)
	if err := m.post(ctx, cmdUploadBegin{name: name, reply: reply}); err != nil {
		return err
	}
	var ticket uploadTicket
	select {
	case ticket = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return core.NewNotConnectedError("no active session")
	}
	if ticket.err != nil {
		return ticket.err
	}

	err := m.transmit(ctx, ticket.handle, mimeType, r)
	_ = m.post(context.Background(), uploadResult{gen: ticket.gen, name: name, err: err})
	if err != nil {
		m.metrics.RecordDocument("failed")
		return err
	}
	m.metrics.RecordDocument("ok")
	return nil
}

func (m *Machine) transmit(ctx context.Context, h channel.Handle, mimeType string, r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, m.cfg.MaxUploadBytes+1))
	if err != nil {
		return core.NewUploadFailedError("read document", err)
	}
	if int64(len(data)) > m.cfg.MaxUploadBytes {
		return core.NewUploadFailedError(fmt.Sprintf("document exceeds %d bytes", m.cfg.MaxUploadBytes), nil)
	}
	if len(data) == 0 {
		return core.NewUploadFailedError("document is empty", nil)
	}
	if err := h.SendDocument(ctx, mimeType, data); err != nil {
		if core.IsType(err, core.ErrNotConnected) {
			return err
		}
		return core.NewUploadFailedError("send document", err)
	}
	return nil
}

// SubmitClaim moves a ready draft to submitted.
func (m *Machine) SubmitClaim(ctx context.Context) (claim.Draft, error) {
	reply := make(chan submitReply, 1)
	if err := m.post(ctx, cmdSubmit{reply: reply}); err != nil {
		return claim.Draft{}, err
	}
	select {
	case r := <-reply:
		return r.draft, r.err
	case <-ctx.Done():
		return claim.Draft{}, ctx.Err()
	case <-m.stopped:
		return claim.Draft{}, core.NewConflictError("session machine stopped")
	}
}

// Snapshot returns the current state. Safe from any goroutine.
func (m *Machine) Snapshot() Snapshot {
	st := m.status.Load()
	draft := m.draft.Snapshot()
	return Snapshot{
		State:      st.state,
		Draft:      draft,
		Progress:   draft.Progress(),
		Transcript: m.transcript.Entries(),
		Volume:     m.loadVolume(),
		Error:      st.err,
	}
}

// State returns only the session state.
func (m *Machine) State() State {
	return m.status.Load().state
}

// post enqueues a loop event, giving up when ctx ends or the loop has stopped.
func (m *Machine) post(ctx context.Context, ev loopEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return core.NewConflictError("session machine stopped")
	}
}

// postFrom enqueues an event on behalf of a connection; it is dropped once the
// connection is torn down so device goroutines never block teardown.
func (m *Machine) postFrom(c *connection, ev loopEvent) {
	select {
	case m.events <- ev:
	case <-c.closing:
	case <-m.stopped:
	}
}
