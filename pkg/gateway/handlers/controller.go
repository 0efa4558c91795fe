package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/vango-go/vai-caseworker/pkg/core"
	"github.com/vango-go/vai-caseworker/pkg/core/claim"
	"github.com/vango-go/vai-caseworker/pkg/gateway/mw"
	"github.com/vango-go/vai-caseworker/pkg/live/session"
)

// Controller is the slice of the session machine the HTTP surface drives.
// *session.Machine implements it.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	UploadDocument(ctx context.Context, name, mimeType string, r io.Reader) error
	SubmitClaim(ctx context.Context) (claim.Draft, error)
	Snapshot() session.Snapshot
	Watch() (<-chan struct{}, func())
}

var _ Controller = (*session.Machine)(nil)

// statusFor maps a core error type to its HTTP status.
func statusFor(err error) (*core.Error, int) {
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &core.Error{Type: core.ErrConnection, Message: err.Error()}, http.StatusGatewayTimeout
		}
		return core.NewAPIError(err.Error()), http.StatusInternalServerError
	}
	switch coreErr.Type {
	case core.ErrInvalidRequest:
		return coreErr, http.StatusBadRequest
	case core.ErrNotConnected, core.ErrConflict:
		return coreErr, http.StatusConflict
	case core.ErrPermissionDenied:
		return coreErr, http.StatusFailedDependency
	case core.ErrConnection, core.ErrTransport, core.ErrUploadFailed:
		return coreErr, http.StatusBadGateway
	default:
		return coreErr, http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	coreErr, status := statusFor(err)
	mw.WriteError(w, r, status, coreErr)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	mw.WriteError(w, r, http.StatusMethodNotAllowed, &core.Error{
		Type:    core.ErrInvalidRequest,
		Message: "method not allowed",
		Code:    "method_not_allowed",
	})
}
