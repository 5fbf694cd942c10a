package security

import (
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyContent      = errors.New("content is empty")
	ErrContentTooLong    = errors.New("content too long")
	ErrProhibitedContent = errors.New("content violates policy")
	ErrFileTooLarge      = errors.New("file too large")
	ErrContentType       = errors.New("content type not allowed")
)

const (
	DefaultMaxTextLength = 5000
	DefaultMaxFileBytes  = 50 << 20
)

type abusePattern struct {
	category string
	re       *regexp.Regexp
}

// abusePatterns are hard rejections, matched case-insensitively on word
// boundaries.
var abusePatterns = []abusePattern{
	{"self_harm", regexp.MustCompile(`(?i)\b(kill|hurt|harm)\s+(yourself|myself|themselves)\b`)},
	{"violent_threat", regexp.MustCompile(`(?i)\b(i\s+will|i'?m\s+going\s+to|gonna)\s+(kill|shoot|stab|bomb)\b`)},
	{"weapons", regexp.MustCompile(`(?i)\b(make|build)\s+a\s+(bomb|pipe\s+bomb|explosive)\b`)},
	{"impersonation", regexp.MustCompile(`(?i)\b(this\s+is|i\s+am)\s+(your\s+bank|the\s+irs|the\s+police)\b`)},
	{"credential_phishing", regexp.MustCompile(`(?i)\b(send|tell|give)\s+me\s+your\s+(password|pin|social\s+security\s+number)\b`)},
}

var allowedContentTypes = map[string]bool{
	"audio/mpeg":   true,
	"audio/mp3":    true,
	"audio/wav":    true,
	"audio/wave":   true,
	"audio/x-wav":  true,
	"audio/ogg":    true,
	"audio/opus":   true,
	"audio/flac":   true,
	"audio/x-flac": true,
	"audio/webm":   true,
}

type Result struct {
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
}

// ContentValidator enforces text and upload policy. It is independent of
// format sniffing; both must pass.
type ContentValidator struct {
	maxTextLength int
	maxFileBytes  int64
}

func NewContentValidator(maxTextLength int, maxFileBytes int64) *ContentValidator {
	if maxTextLength <= 0 {
		maxTextLength = DefaultMaxTextLength
	}
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	return &ContentValidator{maxTextLength: maxTextLength, maxFileBytes: maxFileBytes}
}

func (v *ContentValidator) ValidateText(text string) Result {
	return toResult(v.CheckText(text))
}

func (v *ContentValidator) ValidateFile(data []byte, declaredContentType string) Result {
	return toResult(v.CheckFile(data, declaredContentType))
}

// CheckText returns nil or an error wrapping one of the Err* values. Policy
// violations are *PolicyError.
func (v *ContentValidator) CheckText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyContent
	}
	if n := utf8.RuneCountInString(text); n > v.maxTextLength {
		return fmt.Errorf("%w: %d characters (max %d)", ErrContentTooLong, n, v.maxTextLength)
	}
	for _, p := range abusePatterns {
		if p.re.MatchString(text) {
			return &PolicyError{Category: p.category}
		}
	}
	return nil
}

func (v *ContentValidator) CheckFile(data []byte, declaredContentType string) error {
	if len(data) == 0 {
		return ErrEmptyContent
	}
	if int64(len(data)) > v.maxFileBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(data), v.maxFileBytes)
	}
	mediaType, _, err := mime.ParseMediaType(declaredContentType)
	if err != nil || !allowedContentTypes[strings.ToLower(mediaType)] {
		return fmt.Errorf("%w: %q", ErrContentType, declaredContentType)
	}
	return nil
}

// PolicyError names the prohibited category a text matched.
type PolicyError struct {
	Category string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProhibitedContent, e.Category)
}

func (e *PolicyError) Unwrap() error {
	return ErrProhibitedContent
}

func toResult(err error) Result {
	if err == nil {
		return Result{Valid: true}
	}
	r := Result{Valid: false, Error: err.Error()}
	var pe *PolicyError
	if errors.As(err, &pe) {
		r.Category = pe.Category
	}
	return r
}
