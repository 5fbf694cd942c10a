package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const streamChunkSize = 32 << 10

func (h *AudioHandler) HandleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	asset, err := h.pipeline.Asset(r.Context(), id, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (h *AudioHandler) HandleSignedURL(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	url, expires, err := h.pipeline.SignedURL(r.Context(), id, mux.Vars(r)["path"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":       url,
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}

// HandleStream relays the object in chunks without a Content-Length.
func (h *AudioHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	path := mux.Vars(r)["path"]
	body, info, err := h.pipeline.Stream(r.Context(), id, path)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.f = f
	}
	buf := make([]byte, streamChunkSize)
	n, err := io.CopyBuffer(fw, body, buf)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"path":  path,
			"bytes": n,
		}).Warn("Stream interrupted")
	}
}

func (h *AudioHandler) HandleRateLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	status, err := h.pipeline.RateLimit(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRateLimitBody(status))
}

// flushWriter flushes after every write so each chunk leaves immediately.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
