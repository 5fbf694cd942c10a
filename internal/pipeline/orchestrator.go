// Package pipeline composes validation, normalization, hashing and storage
// into the upload operation and exposes the related read paths.
package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sdko-org/audio-pipeline/internal/audio"
	"github.com/sdko-org/audio-pipeline/internal/audit"
	"github.com/sdko-org/audio-pipeline/internal/database"
	"github.com/sdko-org/audio-pipeline/internal/models"
	"github.com/sdko-org/audio-pipeline/internal/normalizer"
	"github.com/sdko-org/audio-pipeline/internal/ratelimit"
	"github.com/sdko-org/audio-pipeline/internal/security"
	"github.com/sdko-org/audio-pipeline/internal/storage"
	"github.com/sirupsen/logrus"
)

const cleanupTimeout = 10 * time.Second

type Limiter interface {
	Admit(ctx context.Context, identity string) (ratelimit.Status, func(), error)
	Check(ctx context.Context, identity string) (ratelimit.Status, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, data []byte, format models.Format, params normalizer.Params) ([]byte, bool)
}

type Analyzer interface {
	Analyze(ctx context.Context, data []byte, format models.Format) audio.QualityReport
}

type Cache interface {
	Get(ctx context.Context, source, variant string) ([]byte, bool)
	Put(ctx context.Context, source, variant string, value []byte, ttl time.Duration)
}

type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

type Auditor interface {
	Record(ev audit.Event)
}

// Deps are the collaborators of an Orchestrator. All fields are required
// except the TTLs.
type Deps struct {
	Limiter    Limiter
	Assets     database.AssetRepository
	Content    *security.ContentValidator
	Formats    *audio.FormatValidator
	Metadata   *audio.MetadataExtractor
	Normalizer Normalizer
	Analyzer   Analyzer
	Cache      Cache
	Store      storage.ObjectStore
	Encryptor  Encryptor
	Auditor    Auditor

	CacheTTL     time.Duration
	SignedURLTTL time.Duration
}

type Orchestrator struct {
	Deps
	log   *logrus.Entry
	newID func() string
}

func New(logger *logrus.Logger, deps Deps) *Orchestrator {
	return &Orchestrator{
		Deps:  deps,
		log:   logger.WithField("component", "pipeline"),
		newID: uuid.NewString,
	}
}

// Request is one upload.
type Request struct {
	Identity    string
	GroupID     string
	Data        []byte
	ContentType string
	Params      normalizer.Params
	Generated   bool
	Provider    string
	Language    string
	Voice       string
	Transcript  string
	ContainsPII bool
}

// Process runs one upload through validating, metadata extraction,
// normalizing, checksumming and uploading. It returns the ready asset or a
// *Error; the asset record is marked failed on any error after creation.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*models.AudioAsset, error) {
	op := audit.OpAudioUpload
	if req.Generated {
		op = audit.OpAudioGeneration
	}
	if req.Identity == "" {
		return nil, &Error{Stage: StageAdmission, Kind: KindValidation, Code: CodeMissingIdentity, Message: "caller identity is required"}
	}

	release, perr := o.admit(ctx, req.Identity)
	if perr != nil {
		return nil, perr
	}
	defer release()

	asset := &models.AudioAsset{
		ID:          o.newID(),
		Owner:       req.Identity,
		GroupID:     req.GroupID,
		Provider:    req.Provider,
		Language:    req.Language,
		Voice:       req.Voice,
		ContainsPII: req.ContainsPII,
	}
	log := o.log.WithFields(logrus.Fields{
		"asset_id": asset.ID,
		"identity": req.Identity,
	})
	if err := o.Assets.Create(ctx, asset); err != nil {
		log.WithError(err).Error("Failed to create asset record")
		return nil, newError(StageAdmission, KindStorage, CodeRecordFailed, err)
	}

	r := &run{o: o, req: req, asset: asset, op: op, log: log}
	out, err := r.execute(ctx)
	if err != nil {
		r.fail(ctx, err)
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) admit(ctx context.Context, identity string) (func(), *Error) {
	status, release, err := o.Limiter.Admit(ctx, identity)
	if err == nil {
		return release, nil
	}

	var le *ratelimit.LimitError
	if errors.As(err, &le) {
		o.Auditor.Record(audit.Event{
			Operation: audit.OpRateLimitViolation,
			Identity:  identity,
			Status:    audit.StatusFailure,
			Severity:  audit.SeverityWarning,
			Details: map[string]interface{}{
				"window":      string(status.Window),
				"hourlyCount": status.HourlyCount,
				"dailyCount":  status.DailyCount,
				"active":      status.Active,
			},
		})
		o.log.WithFields(logrus.Fields{
			"identity": identity,
			"window":   status.Window,
		}).Warn("Rate limit exceeded")
		pe := newError(StageAdmission, KindPolicy, CodeRateLimited, err)
		pe.RateLimit = &status
		return nil, pe
	}

	o.log.WithError(err).WithField("identity", identity).Error("Rate limiter unavailable")
	return nil, newError(StageAdmission, KindStorage, CodeLimiterUnavailable, err)
}

// run carries the state of one Process call.
type run struct {
	o     *Orchestrator
	req   Request
	asset *models.AudioAsset
	op    audit.Operation
	log   *logrus.Entry
	// path is set once the object is stored and cleared once the asset is
	// ready, so a failure in between removes the object.
	path string
}

func (r *run) execute(ctx context.Context) (*models.AudioAsset, *Error) {
	o := r.o
	req := r.req

	// Validating
	format, verr := r.validate()
	if verr != nil {
		return nil, verr
	}
	if err := ctx.Err(); err != nil {
		return nil, canceled(StageValidating, err)
	}

	// ExtractingMetadata
	meta := o.Metadata.Extract(req.Data, format)
	r.log.WithFields(logrus.Fields{
		"format":   format,
		"duration": meta.Duration,
		"size":     meta.Size,
	}).Debug("Metadata extracted")

	// Normalizing. The cache is keyed by the input bytes themselves, so a
	// changed source can never hit an entry made from other bytes.
	source := audio.Checksum(req.Data)
	variant := req.Params.Variant()
	output, normalized, cached := r.normalize(ctx, source, variant, format)
	if err := ctx.Err(); err != nil {
		return nil, canceled(StageNormalizing, err)
	}

	// Checksumming
	checksum := audio.Checksum(output)

	// Uploading
	path, err := o.Store.Upload(ctx, storage.UploadInput{
		Data:     output,
		Owner:    req.Identity,
		Group:    req.GroupID,
		Format:   format,
		Checksum: checksum,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, canceled(StageUploading, ctx.Err())
		case errors.Is(err, storage.ErrInvalidPath):
			return nil, newError(StageUploading, KindValidation, CodeInvalidIdentity, err)
		default:
			return nil, newError(StageUploading, KindStorage, CodeUploadFailed, err)
		}
	}
	r.path = path
	if err := ctx.Err(); err != nil {
		return nil, canceled(StageUploading, err)
	}

	final := o.Metadata.Extract(output, format)
	asset := r.asset
	asset.Checksum = checksum
	asset.Format = format
	asset.Duration = final.Duration
	asset.SizeBytes = final.Size
	asset.SampleRate = final.SampleRate
	asset.BitDepth = final.BitDepth
	asset.Channels = final.Channels
	asset.Bitrate = final.Bitrate
	asset.StoragePath = path
	asset.Normalized = normalized

	if req.Transcript != "" {
		sealed, err := o.Encryptor.Encrypt(ctx, req.Transcript)
		if err != nil {
			return nil, newError(StageFinalizing, KindCrypto, CodeEncryptFailed, err)
		}
		asset.TranscriptEncrypted = sealed
	}
	if err := o.Assets.MarkReady(ctx, asset); err != nil {
		if ctx.Err() != nil {
			return nil, canceled(StageFinalizing, ctx.Err())
		}
		return nil, newError(StageFinalizing, KindStorage, CodeRecordFailed, err)
	}
	r.path = ""
	asset.Transcript = req.Transcript

	o.Auditor.Record(audit.Event{
		Operation: r.op,
		Identity:  req.Identity,
		AssetID:   asset.ID,
		Status:    audit.StatusSuccess,
		Details: map[string]interface{}{
			"format":     string(format),
			"size":       asset.SizeBytes,
			"normalized": normalized,
			"cached":     cached,
			"path":       path,
		},
	})
	if req.Transcript != "" {
		o.Auditor.Record(audit.Event{
			Operation: audit.OpTranscription,
			Identity:  req.Identity,
			AssetID:   asset.ID,
			Status:    audit.StatusSuccess,
			Details:   map[string]interface{}{"encrypted": true, "pii": req.ContainsPII},
		})
	}
	r.log.WithFields(logrus.Fields{
		"path":       path,
		"checksum":   checksum,
		"normalized": normalized,
		"cached":     cached,
	}).Info("Audio asset ready")
	return asset, nil
}

// validate applies the content policy, then format sniffing. Both must pass.
func (r *run) validate() (models.Format, *Error) {
	o := r.o
	req := r.req

	if err := o.Content.CheckFile(req.Data, req.ContentType); err != nil {
		switch {
		case errors.Is(err, security.ErrEmptyContent):
			return "", newError(StageValidating, KindValidation, CodeEmptyFile, audio.ErrEmpty)
		case errors.Is(err, security.ErrFileTooLarge):
			return "", newError(StageValidating, KindValidation, CodeFileTooLarge, err)
		default:
			r.violation(map[string]interface{}{
				"category":    "content_type",
				"field":       "contentType",
				"contentType": req.ContentType,
			})
			return "", newError(StageValidating, KindValidation, CodeContentType, err)
		}
	}
	if req.Transcript != "" {
		if err := o.Content.CheckText(req.Transcript); err != nil {
			var pe *security.PolicyError
			if errors.As(err, &pe) {
				r.violation(map[string]interface{}{"category": pe.Category, "field": "transcript"})
				return "", newError(StageValidating, KindPolicy, CodeContentPolicy, err)
			}
			return "", newError(StageValidating, KindValidation, CodeTextTooLong, err)
		}
	}

	if err := o.Formats.Check(req.Data); err != nil {
		switch {
		case errors.Is(err, audio.ErrEmpty):
			return "", newError(StageValidating, KindValidation, CodeEmptyFile, err)
		case errors.Is(err, audio.ErrTooLarge):
			return "", newError(StageValidating, KindValidation, CodeFileTooLarge, err)
		default:
			return "", newError(StageValidating, KindValidation, CodeUnsupportedFormat, err)
		}
	}
	format, _ := audio.DetectFormat(req.Data)
	return format, nil
}

// violation records rejected content as a security event.
func (r *run) violation(details map[string]interface{}) {
	r.o.Auditor.Record(audit.Event{
		Operation: audit.OpContentViolation,
		Identity:  r.req.Identity,
		AssetID:   r.asset.ID,
		Status:    audit.StatusFailure,
		Severity:  audit.SeverityWarning,
		Details:   details,
	})
}

// normalize consults the cache before running the normalizer. Only output
// the normalizer actually produced is cached; degraded originals are not.
func (r *run) normalize(ctx context.Context, source, variant string, format models.Format) (out []byte, normalized, cached bool) {
	o := r.o
	if hit, ok := o.Cache.Get(ctx, source, variant); ok {
		return hit, true, true
	}
	out, normalized = o.Normalizer.Normalize(ctx, r.req.Data, format, r.req.Params)
	if normalized {
		o.Cache.Put(ctx, source, variant, out, o.CacheTTL)
	}
	return out, normalized, false
}

// fail removes any stored object, marks the record failed and audits the
// failure. Cleanup ignores caller cancellation.
func (r *run) fail(ctx context.Context, perr *Error) {
	o := r.o
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	log := r.log.WithFields(logrus.Fields{
		"stage": perr.Stage,
		"code":  perr.Code,
	})
	if r.path != "" {
		if err := o.Store.Delete(cctx, r.path); err != nil {
			log.WithError(err).WithField("path", r.path).Error("Failed to remove object of failed upload")
		}
	}
	if err := o.Assets.MarkFailed(cctx, r.asset.ID, perr.Error()); err != nil {
		log.WithError(err).Warn("Failed to mark asset failed")
	}

	severity := audit.SeverityWarning
	if perr.Kind == KindStorage || perr.Kind == KindCrypto {
		severity = audit.SeverityError
	}
	o.Auditor.Record(audit.Event{
		Operation: r.op,
		Identity:  r.req.Identity,
		AssetID:   r.asset.ID,
		Status:    audit.StatusFailure,
		Severity:  severity,
		Details: map[string]interface{}{
			"stage": string(perr.Stage),
			"code":  perr.Code,
			"error": perr.Message,
		},
	})
	if severity == audit.SeverityError {
		log.WithError(perr.Err).Error("Audio pipeline failed")
	} else {
		log.WithError(perr.Err).Warn("Audio pipeline rejected upload")
	}
}

func canceled(stage Stage, err error) *Error {
	return newError(stage, KindCanceled, CodeCanceled, err)
}

// AnalyzeQuality validates the buffer and reports loudness metrics. When no
// measurement is possible the default profile is returned with
// Measured=false.
func (o *Orchestrator) AnalyzeQuality(ctx context.Context, identity string, data []byte) (audio.QualityReport, models.Format, error) {
	if err := o.Formats.Check(data); err != nil {
		code := CodeUnsupportedFormat
		switch {
		case errors.Is(err, audio.ErrEmpty):
			code = CodeEmptyFile
		case errors.Is(err, audio.ErrTooLarge):
			code = CodeFileTooLarge
		}
		return audio.QualityReport{}, "", newError(StageValidating, KindValidation, code, err)
	}
	format, _ := audio.DetectFormat(data)
	report := o.Analyzer.Analyze(ctx, data, format)

	o.Auditor.Record(audit.Event{
		Operation: audit.OpQualityAnalysis,
		Identity:  identity,
		Status:    audit.StatusSuccess,
		Details: map[string]interface{}{
			"format":   string(format),
			"measured": report.Measured,
		},
	})
	return report, format, nil
}

// Asset loads an asset owned by identity and decrypts its transcript.
func (o *Orchestrator) Asset(ctx context.Context, identity, id string) (*models.AudioAsset, error) {
	asset, err := o.Assets.Get(ctx, id)
	if errors.Is(err, database.ErrAssetNotFound) {
		return nil, newError(StageLookup, KindNotFound, CodeAssetNotFound, err)
	}
	if err != nil {
		return nil, newError(StageLookup, KindStorage, CodeRepositoryFailure, err)
	}
	if asset.Owner != identity {
		return nil, newError(StageLookup, KindNotFound, CodeAssetNotFound, database.ErrAssetNotFound)
	}
	if asset.TranscriptEncrypted != "" {
		plain, err := o.Encryptor.Decrypt(ctx, asset.TranscriptEncrypted)
		if err != nil {
			return nil, newError(StageLookup, KindCrypto, CodeDecryptFailed, err)
		}
		asset.Transcript = plain
	}
	return asset, nil
}

// SignedURL issues a read-only URL for an object owned by identity.
func (o *Orchestrator) SignedURL(ctx context.Context, identity, path string) (string, time.Time, error) {
	if perr := checkOwnership(identity, path); perr != nil {
		return "", time.Time{}, perr
	}
	ttl := o.SignedURLTTL
	if ttl <= 0 {
		ttl = storage.DefaultSignedURLTTL
	}
	exists, err := o.Store.Exists(ctx, path)
	if err != nil {
		return "", time.Time{}, newError(StageLookup, KindStorage, CodeSignedURLFailed, err)
	}
	if !exists {
		return "", time.Time{}, newError(StageLookup, KindNotFound, CodeObjectNotFound, storage.ErrNotFound)
	}

	issued := time.Now()
	url, err := o.Store.SignedURL(ctx, path, ttl)
	if err != nil {
		return "", time.Time{}, newError(StageLookup, KindStorage, CodeSignedURLFailed, err)
	}
	o.Auditor.Record(audit.Event{
		Operation: audit.OpSignedURL,
		Identity:  identity,
		Status:    audit.StatusSuccess,
		Details:   map[string]interface{}{"path": path, "ttlSeconds": int(ttl.Seconds())},
	})
	return url, issued.Add(ttl), nil
}

// Stream opens an object owned by identity for reading.
func (o *Orchestrator) Stream(ctx context.Context, identity, path string) (io.ReadCloser, storage.ObjectInfo, error) {
	if perr := checkOwnership(identity, path); perr != nil {
		return nil, storage.ObjectInfo{}, perr
	}
	body, info, err := o.Store.Open(ctx, path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ObjectInfo{}, newError(StageLookup, KindNotFound, CodeObjectNotFound, err)
	}
	if err != nil {
		return nil, storage.ObjectInfo{}, newError(StageLookup, KindStorage, CodeObjectReadFailed, err)
	}
	return body, info, nil
}

// RateLimit reports the caller's counters without consuming quota.
func (o *Orchestrator) RateLimit(ctx context.Context, identity string) (ratelimit.Status, error) {
	status, err := o.Limiter.Check(ctx, identity)
	if err != nil {
		return ratelimit.Status{}, newError(StageAdmission, KindStorage, CodeLimiterUnavailable, err)
	}
	return status, nil
}

func checkOwnership(identity, path string) *Error {
	if identity == "" {
		return &Error{Stage: StageLookup, Kind: KindValidation, Code: CodeMissingIdentity, Message: "caller identity is required"}
	}
	if err := storage.ValidatePath(path); err != nil {
		return newError(StageLookup, KindValidation, CodeInvalidObjectPath, err)
	}
	// Objects of other owners are reported as missing.
	if !strings.HasPrefix(path, identity+"/") {
		return newError(StageLookup, KindNotFound, CodeObjectNotFound, storage.ErrNotFound)
	}
	return nil
}
