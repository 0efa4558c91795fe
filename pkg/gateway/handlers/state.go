package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-caseworker/pkg/core"
	"github.com/vango-go/vai-caseworker/pkg/gateway/mw"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StateHandler serves GET /v1/state.
type StateHandler struct {
	Controller Controller
}

func (h StateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, h.Controller.Snapshot())
}

// SessionOp selects what SessionHandler does.
type SessionOp string

const (
	OpConnect    SessionOp = "connect"
	OpDisconnect SessionOp = "disconnect"
)

// SessionHandler serves POST /v1/session/connect and /v1/session/disconnect and
// answers with the resulting snapshot.
type SessionHandler struct {
	Controller Controller
	Op         SessionOp
	Logger     *slog.Logger
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var err error
	switch h.Op {
	case OpConnect:
		err = h.Controller.Connect(r.Context())
	case OpDisconnect:
		err = h.Controller.Disconnect(r.Context())
	default:
		err = core.NewAPIError("unknown session operation")
	}
	if err != nil {
		if h.Logger != nil {
			reqID, _ := mw.RequestIDFrom(r.Context())
			h.Logger.Warn("session operation failed", "op", string(h.Op), "request_id", reqID, "error", err)
		}
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Controller.Snapshot())
}

// SubmitHandler serves POST /v1/claim/submit.
type SubmitHandler struct {
	Controller Controller
}

func (h SubmitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	draft, err := h.Controller.SubmitClaim(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"draft": draft})
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mw.WriteError(w, r, http.StatusNotFound, &core.Error{
		Type:    core.ErrInvalidRequest,
		Message: "not found",
		Code:    "not_found",
	})
}
