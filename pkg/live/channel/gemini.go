package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-caseworker/pkg/core"
	"github.com/vango-go/vai-caseworker/pkg/core/audio"
	"github.com/vango-go/vai-caseworker/pkg/core/tools"
	"github.com/vango-go/vai-caseworker/pkg/live/metrics"
)

// liveSession is the subset of *genai.Session the handle uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// GeminiDialer connects to the Gemini Live API.
type GeminiDialer struct {
	APIKey        string
	OutboundQueue int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics

	// connect is replaced in tests.
	connect func(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error)
}

func NewGeminiDialer(apiKey string, logger *slog.Logger, m *metrics.Metrics) *GeminiDialer {
	return &GeminiDialer{APIKey: apiKey, Logger: logger, Metrics: m}
}

func (d *GeminiDialer) Dial(ctx context.Context, cfg Config) (Handle, error) {
	if d == nil {
		return nil, core.NewConnectionError("live dialer is not configured", nil)
	}
	apiKey := strings.TrimSpace(d.APIKey)
	if apiKey == "" {
		return nil, core.NewConnectionError("missing API key: set GEMINI_API_KEY", nil)
	}
	cfg = cfg.WithDefaults()

	connect := d.connect
	if connect == nil {
		connect = connectGemini
	}
	sess, err := connect(ctx, apiKey, cfg.Model, liveConnectConfig(cfg))
	if err != nil {
		return nil, core.NewConnectionError(fmt.Sprintf("connect to live model %s: %v", cfg.Model, err), err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return newGeminiHandle(sess, cfg, d.OutboundQueue, logger.With("model", cfg.Model), d.Metrics), nil
}

func connectGemini(ctx context.Context, apiKey, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client.Live.Connect(ctx, model, cfg)
}

func liveConnectConfig(cfg Config) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(strings.ToUpper(cfg.ResponseModality))},
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			})
		}
		out.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if cfg.InputTranscription {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return out
}

func toGenaiSchema(s *tools.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Description: s.Description,
		Enum:        append([]string(nil), s.Enum...),
		Required:    append([]string(nil), s.Required...),
	}
	switch s.Type {
	case tools.TypeObject:
		out.Type = genai.TypeObject
	case tools.TypeString:
		out.Type = genai.TypeString
	default:
		out.Type = genai.Type(strings.ToUpper(string(s.Type)))
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	return out
}

type geminiHandle struct {
	sess    liveSession
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	outbound chan []byte
	events   chan Event
	done     chan struct{}

	// genai sessions wrap a single websocket; writes must not interleave.
	// Close does not take writeMu: closing the socket is what unblocks a
	// stalled write.
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup
}

func newGeminiHandle(sess liveSession, cfg Config, queue int, logger *slog.Logger, m *metrics.Metrics) *geminiHandle {
	if queue <= 0 {
		queue = defaultOutboundQueue
	}
	h := &geminiHandle{
		sess:     sess,
		cfg:      cfg.WithDefaults(),
		logger:   logger,
		metrics:  m,
		outbound: make(chan []byte, queue),
		events:   make(chan Event, defaultEventBuffer),
		done:     make(chan struct{}),
	}
	h.wg.Add(2)
	go h.writeLoop()
	go h.readLoop()
	return h
}

func (h *geminiHandle) Events() <-chan Event {
	return h.events
}

func (h *geminiHandle) SendAudioFrame(frame []float32) error {
	if h.closed.Load() {
		return core.NewNotConnectedError("live session is closed")
	}
	pcm := audio.EncodePCM16(frame)
	select {
	case h.outbound <- pcm:
		h.metrics.RecordFrameSent()
	default:
		h.metrics.RecordFrameDropped()
	}
	return nil
}

func (h *geminiHandle) SendDocument(ctx context.Context, mimeType string, data []byte) error {
	if h.closed.Load() {
		return core.NewNotConnectedError("live session is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := h.send(func() error {
		return h.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Video: &genai.Blob{MIMEType: mimeType, Data: data},
		})
	})
	if err != nil {
		return core.NewTransportError("send document", err)
	}
	return nil
}

func (h *geminiHandle) SendToolResults(ctx context.Context, results []tools.Result) error {
	if len(results) == 0 {
		return nil
	}
	if h.closed.Load() {
		return core.NewNotConnectedError("live session is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	responses := make([]*genai.FunctionResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, &genai.FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		})
	}
	err := h.send(func() error {
		return h.sess.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: responses})
	})
	if err != nil {
		return core.NewTransportError("send tool response", err)
	}
	return nil
}

func (h *geminiHandle) send(fn func() error) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.closed.Load() {
		return core.NewNotConnectedError("live session is closed")
	}
	return fn()
}

// Close ends the session. Safe to call more than once and from any goroutine.
func (h *geminiHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.done)
		err = h.sess.Close()
	})
	h.wg.Wait()
	return err
}

func (h *geminiHandle) writeLoop() {
	defer h.wg.Done()
	mime := h.cfg.InputFormat.MIMEType()
	for {
		select {
		case <-h.done:
			return
		case pcm := <-h.outbound:
			err := h.send(func() error {
				return h.sess.SendRealtimeInput(genai.LiveRealtimeInput{
					Audio: &genai.Blob{MIMEType: mime, Data: pcm},
				})
			})
			if err != nil && !h.closed.Load() {
				// The read loop observes the broken connection and reports it.
				h.logger.Debug("audio frame send failed", "error", err)
			}
		}
	}
}

func (h *geminiHandle) readLoop() {
	defer h.wg.Done()
	defer close(h.events)

	for {
		msg, err := h.sess.Receive()
		if err != nil {
			if h.closed.Load() {
				return
			}
			if isDecodeError(err) {
				h.metrics.RecordMalformedEvent()
				h.logger.Warn("dropping undecodable live message", "error", err)
				if !h.emit(MalformedEvent{Reason: err.Error()}) {
					return
				}
				continue
			}
			h.emit(terminalEvent(err))
			return
		}
		for _, event := range translate(msg) {
			if !h.emit(event) {
				return
			}
		}
	}
}

// emit delivers in order, blocking until the consumer reads or the handle closes.
func (h *geminiHandle) emit(event Event) bool {
	select {
	case h.events <- event:
		return true
	case <-h.done:
		return false
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func terminalEvent(err error) Event {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if websocket.IsCloseError(closeErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return ClosedEvent{Reason: closeErr.Text}
		}
		msg := strings.TrimSpace(closeErr.Text)
		if msg == "" {
			msg = fmt.Sprintf("connection closed with code %d", closeErr.Code)
		}
		return TransportErrorEvent{Err: core.NewTransportError(msg, err)}
	}
	return TransportErrorEvent{Err: core.NewTransportError("live connection failed: "+err.Error(), err)}
}

func translate(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event

	if sc := msg.ServerContent; sc != nil {
		if t := sc.InputTranscription; t != nil && (t.Text != "" || t.Finished) {
			out = append(out, TranscriptEvent{Role: TranscriptInput, Text: t.Text, Final: t.Finished})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					continue
				}
				out = append(out, AudioChunkEvent{
					Data:     part.InlineData.Data,
					MIMEType: part.InlineData.MIMEType,
				})
			}
		}
		if t := sc.OutputTranscription; t != nil && (t.Text != "" || t.Finished) {
			out = append(out, TranscriptEvent{Role: TranscriptOutput, Text: t.Text, Final: t.Finished})
		}
		if sc.Interrupted {
			out = append(out, InterruptedEvent{})
		}
		if sc.TurnComplete {
			out = append(out, TurnCompleteEvent{})
		}
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]tools.Call, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			calls = append(calls, tools.Call{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		out = append(out, ToolCallEvent{Calls: calls})
	}

	if cancel := msg.ToolCallCancellation; cancel != nil && len(cancel.IDs) > 0 {
		out = append(out, ToolCancelEvent{IDs: append([]string(nil), cancel.IDs...)})
	}

	if msg.GoAway != nil {
		out = append(out, GoAwayEvent{})
	}
	return out
}
