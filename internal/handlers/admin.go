package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/audit"
	"github.com/sirupsen/logrus"
)

const defaultAuditWindow = 24 * time.Hour

type invalidateRequest struct {
	Source  string `json:"source"`
	Variant string `json:"variant,omitempty"`
}

// InvalidateCache drops one variant of a source, or all of its variants
// when no variant is given.
func (h *AudioHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil || req.Source == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "source is required")
		return
	}

	if err := h.cache.Invalidate(r.Context(), req.Source, req.Variant); err != nil {
		h.log.WithError(err).WithField("variant", req.Variant).Error("Cache invalidation failed")
		writeJSONError(w, http.StatusBadGateway, "cache_unavailable", "cache invalidation failed")
		return
	}

	h.log.WithFields(logrus.Fields{
		"variant": req.Variant,
	}).Info("Cache entries invalidated")
	w.WriteHeader(http.StatusNoContent)
}

func (h *AudioHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.cache.ClearAll(r.Context())
	ev := audit.Event{
		Operation: audit.OpCacheClear,
		Identity:  r.Header.Get(identityHeader),
		Status:    audit.StatusSuccess,
		Severity:  audit.SeverityWarning,
		Details:   map[string]interface{}{"removed": n},
	}
	if err != nil {
		ev.Status = audit.StatusFailure
		ev.Details["error"] = err.Error()
		h.auditor.Record(ev)
		h.log.WithError(err).Error("Cache clear failed")
		writeJSONError(w, http.StatusBadGateway, "cache_unavailable", "cache clear failed")
		return
	}
	h.auditor.Record(ev)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *AudioHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

// RotateKeys drops the cached encryption key; the next operation fetches
// the current secret.
func (h *AudioHandler) RotateKeys(w http.ResponseWriter, r *http.Request) {
	h.keys.Rotate()
	h.log.Warn("Encryption key cache invalidated")
	w.WriteHeader(http.StatusNoContent)
}

// QueryAudit serves the four read-only audit queries selected by the
// "kind" parameter: identity, severity, operation or failures.
func (h *AudioHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	window := defaultAuditWindow
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_query", "window must be a positive duration")
			return
		}
		window = d
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_query", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	since := time.Now().Add(-window)

	var (
		events []audit.Event
		err    error
	)
	switch q.Get("kind") {
	case "identity":
		who := q.Get("identity")
		if who == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_query", "identity is required")
			return
		}
		events, err = h.events.ByIdentity(r.Context(), who, since, limit)
	case "severity":
		events, err = h.events.HighSeverity(r.Context(), since, limit)
	case "operation":
		op := q.Get("operation")
		if op == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_query", "operation is required")
			return
		}
		events, err = h.events.ByOperation(r.Context(), audit.Operation(op), since, limit)
	case "failures":
		events, err = h.events.Failures(r.Context(), since, limit)
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid_query", "kind must be identity, severity, operation or failures")
		return
	}
	if err != nil {
		h.log.WithError(err).Error("Audit query failed")
		writeJSONError(w, http.StatusBadGateway, "audit_unavailable", "audit query failed")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
