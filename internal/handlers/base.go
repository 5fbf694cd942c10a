package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/audio"
	"github.com/sdko-org/audio-pipeline/internal/audit"
	"github.com/sdko-org/audio-pipeline/internal/cache"
	"github.com/sdko-org/audio-pipeline/internal/config"
	"github.com/sdko-org/audio-pipeline/internal/models"
	"github.com/sdko-org/audio-pipeline/internal/pipeline"
	"github.com/sdko-org/audio-pipeline/internal/ratelimit"
	"github.com/sdko-org/audio-pipeline/internal/storage"
	"github.com/sirupsen/logrus"
)

const identityHeader = "X-User-ID"

// Pipeline is the orchestrator surface used by the transport.
type Pipeline interface {
	Process(ctx context.Context, req pipeline.Request) (*models.AudioAsset, error)
	AnalyzeQuality(ctx context.Context, identity string, data []byte) (audio.QualityReport, models.Format, error)
	Asset(ctx context.Context, identity, id string) (*models.AudioAsset, error)
	SignedURL(ctx context.Context, identity, path string) (string, time.Time, error)
	Stream(ctx context.Context, identity, path string) (io.ReadCloser, storage.ObjectInfo, error)
	RateLimit(ctx context.Context, identity string) (ratelimit.Status, error)
}

type CacheAdmin interface {
	Invalidate(ctx context.Context, source, variant string) error
	ClearAll(ctx context.Context) (int, error)
	Stats() cache.Stats
}

type KeyRotator interface {
	Rotate()
}

type Auditor interface {
	Record(ev audit.Event)
}

type AudioHandler struct {
	cfg      *config.Config
	pipeline Pipeline
	cache    CacheAdmin
	keys     KeyRotator
	events   audit.Query
	auditor  Auditor
	log      *logrus.Entry
}

func NewAudioHandler(logger *logrus.Logger, cfg *config.Config, p Pipeline, c CacheAdmin, keys KeyRotator, events audit.Query, auditor Auditor) *AudioHandler {
	return &AudioHandler{
		cfg:      cfg,
		pipeline: p,
		cache:    c,
		keys:     keys,
		events:   events,
		auditor:  auditor,
		log:      logger.WithField("component", "audio_handler"),
	}
}

// identity returns the caller set by the upstream auth layer, writing a 401
// when it is absent.
func identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(identityHeader))
	if id == "" {
		writeJSONError(w, http.StatusUnauthorized, pipeline.CodeMissingIdentity, "missing "+identityHeader+" header")
		return "", false
	}
	return id, true
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
