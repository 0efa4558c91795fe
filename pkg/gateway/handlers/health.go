package handlers

import (
	"encoding/json"
	"net/http"
	"os/exec"
	"strings"

	"github.com/vango-go/vai-caseworker/pkg/gateway/config"
	"github.com/vango-go/vai-caseworker/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether a session could be started: credentials present
// and the capture and playback tools installed.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	// LookPath defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK     bool     `json:"ok"`
		Model  string   `json:"model"`
		Silent bool     `json:"silent"`
		Issues []string `json:"issues,omitempty"`
	}

	lookPath := h.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	issues := make([]string, 0, 4)
	if h.Lifecycle.Draining() {
		issues = append(issues, "shutting down")
	}
	if strings.TrimSpace(h.Config.GeminiAPIKey) == "" {
		issues = append(issues, "missing API key: set GEMINI_API_KEY")
	}
	if _, err := lookPath(h.Config.FFmpegPath); err != nil {
		issues = append(issues, "ffmpeg not found for microphone capture")
	}
	if !h.Config.Silent {
		if _, err := lookPath(h.Config.FFplayPath); err != nil {
			issues = append(issues, "ffplay not found for audio playback")
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:     ok,
		Model:  h.Config.Model,
		Silent: h.Config.Silent,
		Issues: issues,
	})
}
