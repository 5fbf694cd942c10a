package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/pipeline"
	"github.com/sdko-org/audio-pipeline/internal/ratelimit"
)

type errorBody struct {
	Stage     string         `json:"stage,omitempty"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RateLimit *rateLimitBody `json:"rateLimit,omitempty"`
}

type rateLimitBody struct {
	HourlyCount       int        `json:"hourlyCount"`
	HourlyLimit       int        `json:"hourlyLimit"`
	HourlyResetAt     *time.Time `json:"hourlyResetAt,omitempty"`
	DailyCount        int        `json:"dailyCount"`
	DailyLimit        int        `json:"dailyLimit"`
	DailyResetAt      *time.Time `json:"dailyResetAt,omitempty"`
	Active            int        `json:"active"`
	MaxConcurrent     int        `json:"maxConcurrent"`
	Exceeded          bool       `json:"exceeded"`
	Window            string     `json:"window,omitempty"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
}

func newRateLimitBody(s ratelimit.Status) *rateLimitBody {
	b := &rateLimitBody{
		HourlyCount:   s.HourlyCount,
		HourlyLimit:   s.HourlyLimit,
		DailyCount:    s.DailyCount,
		DailyLimit:    s.DailyLimit,
		Active:        s.Active,
		MaxConcurrent: s.MaxConcurrent,
		Exceeded:      s.Exceeded,
		Window:        string(s.Window),
	}
	if !s.HourlyResetAt.IsZero() {
		b.HourlyResetAt = &s.HourlyResetAt
	}
	if !s.DailyResetAt.IsZero() {
		b.DailyResetAt = &s.DailyResetAt
	}
	if s.Exceeded {
		b.RetryAfterSeconds = retryAfterSeconds(s.RetryAfter)
	}
	return b
}

// retryAfterSeconds rounds up and never returns less than one second.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeError renders a pipeline error. Anything else is an internal error.
func writeError(w http.ResponseWriter, err error) {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	body := errorBody{Stage: string(pe.Stage), Code: pe.Code, Message: pe.Message}
	status := statusFor(pe)
	if pe.RateLimit != nil {
		body.RateLimit = newRateLimitBody(*pe.RateLimit)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(pe.RateLimit.RetryAfter)))
	}
	// internal details stay in the logs
	if pe.Kind == pipeline.KindStorage || pe.Kind == pipeline.KindCrypto {
		body.Message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func statusFor(pe *pipeline.Error) int {
	switch pe.Kind {
	case pipeline.KindValidation:
		switch pe.Code {
		case pipeline.CodeFileTooLarge:
			return http.StatusRequestEntityTooLarge
		case pipeline.CodeContentType, pipeline.CodeUnsupportedFormat:
			return http.StatusUnsupportedMediaType
		case pipeline.CodeMissingIdentity:
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	case pipeline.KindPolicy:
		if pe.Code == pipeline.CodeRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusUnprocessableEntity
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindStorage:
		return http.StatusBadGateway
	case pipeline.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
