// Package audio holds the pure, in-process parts of the pipeline: format
// sniffing, metadata estimation and content hashing.
package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sdko-org/audio-pipeline/internal/models"
)

var (
	ErrEmpty       = errors.New("Audio file is empty")
	ErrTooLarge    = errors.New("Audio file too large")
	ErrUnsupported = errors.New("Unsupported audio format or corrupted file")
)

const DefaultMaxBytes int64 = 50 << 20

var (
	sigID3      = []byte("ID3")
	sigRIFF     = []byte("RIFF")
	sigWAVE     = []byte("WAVE")
	sigOggS     = []byte("OggS")
	sigOpusHead = []byte("OpusHead")
	sigFLAC     = []byte("fLaC")
	sigEBML     = []byte{0x1A, 0x45, 0xDF, 0xA3}
)

// opusHeadOffset is where the first Ogg page payload starts for a
// single-segment page: 27 byte page header plus one lacing byte.
const opusHeadOffset = 28

type ValidationResult struct {
	Valid  bool
	Format models.Format
	Error  string
}

type FormatValidator struct {
	maxBytes int64
}

func NewFormatValidator(maxBytes int64) *FormatValidator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &FormatValidator{maxBytes: maxBytes}
}

// Validate checks size limits and sniffs the format from magic bytes.
// Unknown headers are rejected.
func (v *FormatValidator) Validate(data []byte) ValidationResult {
	if err := v.Check(data); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	format, _ := DetectFormat(data)
	return ValidationResult{Valid: true, Format: format}
}

// Check is Validate in error-returning form. The returned error wraps one of
// ErrEmpty, ErrTooLarge or ErrUnsupported.
func (v *FormatValidator) Check(data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if int64(len(data)) > v.maxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), v.maxBytes)
	}
	if _, ok := DetectFormat(data); !ok {
		return ErrUnsupported
	}
	return nil
}

// DetectFormat matches the leading bytes against the known signatures in
// priority order.
func DetectFormat(data []byte) (models.Format, bool) {
	switch {
	case isMP3(data):
		return models.FormatMP3, true
	case len(data) >= 12 && bytes.HasPrefix(data, sigRIFF) && bytes.Equal(data[8:12], sigWAVE):
		return models.FormatWAV, true
	case bytes.HasPrefix(data, sigOggS):
		if len(data) >= opusHeadOffset+len(sigOpusHead) &&
			bytes.Equal(data[opusHeadOffset:opusHeadOffset+len(sigOpusHead)], sigOpusHead) {
			return models.FormatOpus, true
		}
		return models.FormatOGG, true
	case bytes.HasPrefix(data, sigFLAC):
		return models.FormatFLAC, true
	case bytes.HasPrefix(data, sigEBML):
		return models.FormatWebM, true
	}
	return "", false
}

func isMP3(data []byte) bool {
	if bytes.HasPrefix(data, sigID3) {
		return true
	}
	// MPEG audio frame sync: 11 set bits, and a layer field that is not the
	// reserved 00 value.
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 && data[1]&0x06 != 0
}
