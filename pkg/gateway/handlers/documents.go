package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/vango-go/vai-caseworker/pkg/core"
)

// multipartOverhead covers form boundaries and headers around the file part.
const multipartOverhead = 1 << 20

// DocumentsHandler serves POST /v1/documents. It accepts either a multipart form
// with a "file" part or a JSON body {name, mime_type, data_b64}.
type DocumentsHandler struct {
	Controller Controller
	MaxBytes   int64
}

type documentJSON struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	DataB64  string `json:"data_b64"`
}

func (h DocumentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	maxBytes := h.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		name, mimeType string
		body           io.Reader
	)
	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			writeErr(w, r, bodyError(err, "invalid multipart form"))
			return
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			writeErr(w, r, core.NewInvalidRequestErrorWithParam("multipart field \"file\" is required", "file"))
			return
		}
		defer f.Close()
		name = header.Filename
		mimeType = header.Header.Get("Content-Type")
		body = f
		if mimeType == "" || mimeType == "application/octet-stream" {
			sniffed, rest, err := sniff(f)
			if err != nil {
				writeErr(w, r, core.NewUploadFailedError("read document", err))
				return
			}
			mimeType, body = sniffed, rest
		}
	case "application/json":
		// base64 inflates by 4/3.
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes*4/3+multipartOverhead)
		var doc documentJSON
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			writeErr(w, r, bodyError(err, "invalid JSON body"))
			return
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(doc.DataB64))
		if err != nil {
			writeErr(w, r, core.NewInvalidRequestErrorWithParam("data_b64 is not valid base64", "data_b64"))
			return
		}
		name, mimeType, body = doc.Name, doc.MIMEType, bytes.NewReader(data)
	default:
		writeErr(w, r, core.NewInvalidRequestErrorWithParam("content type must be multipart/form-data or application/json", "Content-Type"))
		return
	}

	if err := h.Controller.UploadDocument(r.Context(), name, mimeType, body); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "name": name, "mime_type": mimeType})
}

func sniff(r io.Reader) (string, io.Reader, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, err
	}
	head = head[:n]
	return http.DetectContentType(head), io.MultiReader(bytes.NewReader(head), r), nil
}

func bodyError(err error, msg string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return core.NewInvalidRequestError("document exceeds the upload limit")
	}
	return core.NewInvalidRequestError(msg + ": " + err.Error())
}
