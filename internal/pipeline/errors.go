package pipeline

import (
	"fmt"

	"github.com/sdko-org/audio-pipeline/internal/ratelimit"
)

// Stage names a step of the upload state machine.
type Stage string

const (
	StageAdmission          Stage = "admission"
	StageValidating         Stage = "validating"
	StageExtractingMetadata Stage = "extracting_metadata"
	StageNormalizing        Stage = "normalizing"
	StageChecksumming       Stage = "checksumming"
	StageUploading          Stage = "uploading"
	StageFinalizing         Stage = "finalizing"
	StageLookup             Stage = "lookup"
)

// Kind classifies a failure so callers can tell bad input from internal
// faults and policy denials.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPolicy     Kind = "policy"
	KindNotFound   Kind = "not_found"
	KindStorage    Kind = "storage"
	KindCrypto     Kind = "crypto"
	KindCanceled   Kind = "canceled"
)

// Stable machine-readable reasons.
const (
	CodeMissingIdentity    = "missing_identity"
	CodeInvalidIdentity    = "invalid_identity"
	CodeRateLimited        = "rate_limit_exceeded"
	CodeLimiterUnavailable = "rate_limiter_unavailable"
	CodeEmptyFile          = "empty_file"
	CodeFileTooLarge       = "file_too_large"
	CodeContentType        = "unsupported_content_type"
	CodeUnsupportedFormat  = "unsupported_format"
	CodeTextTooLong        = "text_too_long"
	CodeContentPolicy      = "content_policy_violation"
	CodeUploadFailed       = "upload_failed"
	CodeRecordFailed       = "record_failed"
	CodeEncryptFailed      = "encryption_failed"
	CodeDecryptFailed      = "decryption_failed"
	CodeCanceled           = "canceled"
	CodeAssetNotFound      = "asset_not_found"
	CodeObjectNotFound     = "object_not_found"
	CodeSignedURLFailed    = "signed_url_failed"
	CodeObjectReadFailed   = "object_read_failed"
	CodeInvalidObjectPath  = "invalid_object_path"
	CodeRepositoryFailure  = "repository_failure"
)

// Error is the only error type returned by the orchestrator.
type Error struct {
	Stage   Stage
	Kind    Kind
	Code    string
	Message string
	// RateLimit is set when Code is CodeRateLimited.
	RateLimit *ratelimit.Status
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Stage, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(stage Stage, kind Kind, code string, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Code: code, Message: err.Error(), Err: err}
}
