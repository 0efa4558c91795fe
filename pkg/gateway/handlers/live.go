package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-caseworker/pkg/core"
	"github.com/vango-go/vai-caseworker/pkg/gateway/config"
	"github.com/vango-go/vai-caseworker/pkg/gateway/mw"
	"github.com/vango-go/vai-caseworker/pkg/live/session"
)

const (
	feedMaxMessageBytes = 4 << 10
	feedControlTimeout  = 30 * time.Second
)

// Feed message types.
const (
	feedTypeSnapshot = "snapshot"
	feedTypeError    = "error"
	feedTypeControl  = "control"
)

type feedMessage struct {
	Type     string            `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Op       string            `json:"op,omitempty"`
	Error    *core.Error       `json:"error,omitempty"`
}

type controlMessage struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// LiveFeedHandler serves GET /v1/live. It pushes a snapshot on every change and
// accepts control messages {"type":"control","op":"connect"|"disconnect"}.
type LiveFeedHandler struct {
	Config     config.Config
	Controller Controller
	Logger     *slog.Logger
}

func (h LiveFeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !h.originAllowed(r) {
		mw.WriteError(w, r, http.StatusForbidden, &core.Error{
			Type:    core.ErrInvalidRequest,
			Message: "origin is not allowed",
			Param:   "Origin",
		})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(feedMaxMessageBytes)

	logger := h.logger()
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger = logger.With("request_id", reqID)
	logger.Debug("live feed opened")
	defer logger.Debug("live feed closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	changes, unwatch := h.Controller.Watch()
	defer unwatch()

	replies := make(chan feedMessage, 8)
	readDone := make(chan struct{})
	go h.readLoop(ctx, conn, replies, readDone, logger)

	pingEvery := h.Config.LiveWSPingInterval
	if pingEvery <= 0 {
		pingEvery = 20 * time.Second
	}
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	if err := h.writeSnapshot(conn); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-changes:
			if err := h.writeSnapshot(conn); err != nil {
				logger.Debug("live feed write failed", "error", err)
				return
			}
		case msg := <-replies:
			if err := h.write(conn, msg); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(h.writeTimeout())
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// readLoop is the only reader. Control operations run on their own goroutine so
// a slow connect never stalls reads or pongs.
func (h LiveFeedHandler) readLoop(ctx context.Context, conn *websocket.Conn, replies chan<- feedMessage, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			h.reply(ctx, replies, "", core.NewInvalidRequestError("live feed accepts text frames only"))
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != feedTypeControl {
			h.reply(ctx, replies, "", core.NewInvalidRequestError(`expected {"type":"control","op":...}`))
			continue
		}
		switch msg.Op {
		case string(OpConnect), string(OpDisconnect):
		default:
			h.reply(ctx, replies, msg.Op, core.NewInvalidRequestErrorWithParam("unknown control op", "op"))
			continue
		}

		op := msg.Op
		go func() {
			opCtx, cancel := context.WithTimeout(ctx, feedControlTimeout)
			defer cancel()
			var err error
			if op == string(OpConnect) {
				err = h.Controller.Connect(opCtx)
			} else {
				err = h.Controller.Disconnect(opCtx)
			}
			if err != nil {
				logger.Debug("live feed control failed", "op", op, "error", err)
				h.reply(ctx, replies, op, err)
			}
		}()
	}
}

func (h LiveFeedHandler) reply(ctx context.Context, replies chan<- feedMessage, op string, err error) {
	coreErr, _ := statusFor(err)
	select {
	case replies <- feedMessage{Type: feedTypeError, Op: op, Error: coreErr}:
	case <-ctx.Done():
	}
}

func (h LiveFeedHandler) writeSnapshot(conn *websocket.Conn) error {
	snap := h.Controller.Snapshot()
	return h.write(conn, feedMessage{Type: feedTypeSnapshot, Snapshot: &snap})
}

func (h LiveFeedHandler) write(conn *websocket.Conn, msg feedMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
	return conn.WriteJSON(msg)
}

func (h LiveFeedHandler) writeTimeout() time.Duration {
	if h.Config.LiveWSWriteTimeout > 0 {
		return h.Config.LiveWSWriteTimeout
	}
	return 5 * time.Second
}

// originAllowed accepts non-browser clients, same-host pages and allowlisted
// origins.
func (h LiveFeedHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := h.Config.CORSAllowedOrigins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (h LiveFeedHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
