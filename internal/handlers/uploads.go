package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/sdko-org/audio-pipeline/internal/normalizer"
	"github.com/sdko-org/audio-pipeline/internal/pipeline"
	"github.com/sirupsen/logrus"
)

const (
	multipartMemory = 32 << 20
	formOverhead    = 1 << 20
)

// HandleUpload accepts a multipart form with the audio in the "file" part
// and optional metadata and normalization fields.
func (h *AudioHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxAudioBytes+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, pipeline.CodeFileTooLarge, "Audio file too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_form", "expected multipart/form-data with a file part")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_form", "missing file part")
		return
	}
	defer file.Close()

	// one byte over the limit is enough for the validators to reject it
	data, err := io.ReadAll(io.LimitReader(file, h.cfg.MaxAudioBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_form", "failed to read file part")
		return
	}

	params, err := h.paramsFromForm(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	req := pipeline.Request{
		Identity:    id,
		GroupID:     r.FormValue("group"),
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
		Params:      params,
		Generated:   formBool(r, "generated"),
		Provider:    r.FormValue("provider"),
		Language:    r.FormValue("language"),
		Voice:       r.FormValue("voice"),
		Transcript:  r.FormValue("transcript"),
		ContainsPII: formBool(r, "containsPii"),
	}

	asset, err := h.pipeline.Process(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"asset_id": asset.ID,
		"identity": id,
		"size":     asset.SizeBytes,
	}).Info("Upload processed")
	writeJSON(w, http.StatusCreated, asset)
}

// HandleAnalyze reports loudness metrics for a raw audio body.
func (h *AudioHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxAudioBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "failed to read body")
		return
	}

	report, format, err := h.pipeline.AnalyzeQuality(r.Context(), id, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"format":  format,
		"quality": report,
	})
}

func (h *AudioHandler) paramsFromForm(r *http.Request) (normalizer.Params, error) {
	p := normalizer.DefaultParams()
	p.TargetLoudnessLUFS = h.cfg.TargetLUFS

	if v := r.FormValue("targetLufs"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f > 0 || f < -70 {
			return p, errors.New("targetLufs must be between -70 and 0")
		}
		p.TargetLoudnessLUFS = f
	}
	if v := r.FormValue("fadeDuration"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 10 {
			return p, errors.New("fadeDuration must be between 0 and 10 seconds")
		}
		p.FadeDuration = f
	}
	if v := r.FormValue("peakNormalization"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, errors.New("peakNormalization must be a boolean")
		}
		p.PeakNormalization = b
	}
	if v := r.FormValue("removeSilence"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, errors.New("removeSilence must be a boolean")
		}
		p.RemoveSilence = b
	}
	return p, nil
}

func formBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.FormValue(key))
	return b
}
