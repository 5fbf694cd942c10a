package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/audio"
	"github.com/sdko-org/audio-pipeline/internal/audit"
	"github.com/sdko-org/audio-pipeline/internal/cache"
	"github.com/sdko-org/audio-pipeline/internal/database"
	"github.com/sdko-org/audio-pipeline/internal/models"
	"github.com/sdko-org/audio-pipeline/internal/normalizer"
	"github.com/sdko-org/audio-pipeline/internal/ratelimit"
	"github.com/sdko-org/audio-pipeline/internal/security"
	"github.com/sdko-org/audio-pipeline/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keyVar = "PIPELINE_TEST_KEY"

type memoryStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	// afterUpload runs once the object is stored.
	afterUpload func()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (s *memoryStore) Upload(_ context.Context, in storage.UploadInput) (string, error) {
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	path, err := storage.ObjectKey(in.Owner, in.Group, in.Format, in.Checksum, time.Now())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	path = fmt.Sprintf("%s-%d", strings.TrimSuffix(path, "."+string(in.Format)), len(s.objects)) + "." + string(in.Format)
	s.objects[path] = append([]byte(nil), in.Data...)
	s.mu.Unlock()
	if s.afterUpload != nil {
		s.afterUpload()
	}
	return path, nil
}

func (s *memoryStore) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://signed.example/%s?expires=%d", path, int(ttl.Seconds())), nil
}

func (s *memoryStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	return ok, nil
}

func (s *memoryStore) Metadata(_ context.Context, path string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[path]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrNotFound
	}
	return storage.ObjectInfo{Size: int64(len(b)), ContentType: "audio/wav"}, nil
}

func (s *memoryStore) Open(ctx context.Context, path string) (io.ReadCloser, storage.ObjectInfo, error) {
	info, err := s.Metadata(ctx, path)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return io.NopCloser(bytes.NewReader(s.objects[path])), info, nil
}

func (s *memoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type fakeNormalizer struct {
	mu      sync.Mutex
	calls   int
	output  []byte
	applied bool
	// echo derives the output from the input instead of returning output.
	echo bool
}

func (f *fakeNormalizer) Normalize(_ context.Context, data []byte, _ models.Format, _ normalizer.Params) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.applied {
		return data, false
	}
	if f.echo {
		return echoed(data), true
	}
	return f.output, true
}

func echoed(data []byte) []byte {
	return append(append([]byte(nil), data...), 0xEE)
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(context.Context, []byte, models.Format) audio.QualityReport {
	return audio.DefaultQualityProfile()
}

type syncAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *syncAuditor) Record(ev audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *syncAuditor) find(op audit.Operation, status audit.Status) []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Event
	for _, ev := range a.events {
		if ev.Operation == op && ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	orch       *Orchestrator
	store      *memoryStore
	assets     *database.MemoryAssetRepository
	normalizer *fakeNormalizer
	auditor    *syncAuditor
	ids        int
}

func newHarness(t *testing.T, limits ratelimit.Limits) *harness {
	t.Helper()
	t.Setenv(keyVar, base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		store:      newMemoryStore(),
		assets:     database.NewMemoryAssetRepository(),
		normalizer: &fakeNormalizer{output: append(testWAV(), 0x01, 0x02), applied: true},
		auditor:    &syncAuditor{},
	}
	h.orch = New(logger, Deps{
		Limiter:      ratelimit.New(ratelimit.NewMemoryStore(), limits),
		Assets:       h.assets,
		Content:      security.NewContentValidator(100, 1<<20),
		Formats:      audio.NewFormatValidator(1 << 20),
		Metadata:     audio.NewMetadataExtractor(),
		Normalizer:   h.normalizer,
		Analyzer:     fakeAnalyzer{},
		Cache:        cache.New(logger, cache.NewMemoryBackend(), time.Hour),
		Store:        h.store,
		Encryptor:    security.NewFieldEncryptor(security.EnvKeySource{Var: keyVar}, time.Minute, h.auditor),
		Auditor:      h.auditor,
		SignedURLTTL: time.Hour,
	})
	h.orch.newID = func() string {
		h.ids++
		return fmt.Sprintf("asset-%d", h.ids)
	}
	return h
}

func defaultLimits() ratelimit.Limits {
	return ratelimit.Limits{Hourly: 50, Daily: 200, Concurrent: 3}
}

func testWAV() []byte {
	b := make([]byte, 44+1000)
	copy(b, "RIFF")
	copy(b[8:], "WAVE")
	return b
}

func upload(data []byte) Request {
	return Request{
		Identity:    "user-1",
		GroupID:     "job-1",
		Data:        data,
		ContentType: "audio/wav",
		Params:      normalizer.DefaultParams(),
	}
}

func requirePipelineError(t *testing.T, err error, kind Kind, code string) *Error {
	t.Helper()
	var pe *Error
	require.True(t, errors.As(err, &pe), "expected *pipeline.Error, got %v", err)
	assert.Equal(t, kind, pe.Kind)
	assert.Equal(t, code, pe.Code)
	return pe
}

func TestProcessStoresNormalizedAudio(t *testing.T) {
	h := newHarness(t, defaultLimits())
	req := upload(testWAV())
	req.Transcript = "hello there"

	asset, err := h.orch.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.StatusReady, asset.Status)
	assert.Equal(t, models.FormatWAV, asset.Format)
	assert.True(t, asset.Normalized)
	assert.Equal(t, audio.Checksum(h.normalizer.output), asset.Checksum)
	assert.Equal(t, int64(len(h.normalizer.output)), asset.SizeBytes)
	assert.True(t, strings.HasPrefix(asset.StoragePath, "user-1/job-1/"))
	assert.Equal(t, "hello there", asset.Transcript)

	stored, err := h.assets.Get(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, stored.Status)
	assert.NotEmpty(t, stored.TranscriptEncrypted)
	assert.NotContains(t, stored.TranscriptEncrypted, "hello")

	loaded, err := h.orch.Asset(context.Background(), "user-1", asset.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello there", loaded.Transcript)

	assert.Len(t, h.auditor.find(audit.OpAudioUpload, audit.StatusSuccess), 1)
	assert.Len(t, h.auditor.find(audit.OpTranscription, audit.StatusSuccess), 1)
}

func TestProcessFallsBackToOriginalBytes(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.normalizer.applied = false
	data := testWAV()

	asset, err := h.orch.Process(context.Background(), upload(data))
	require.NoError(t, err)
	assert.False(t, asset.Normalized)
	assert.Equal(t, audio.Checksum(data), asset.Checksum)

	_, err = h.orch.Process(context.Background(), upload(data))
	require.NoError(t, err)
	assert.Equal(t, 2, h.normalizer.calls, "degraded output must not be cached")
}

func TestProcessUsesCacheForSameSource(t *testing.T) {
	h := newHarness(t, defaultLimits())
	data := testWAV()

	first, err := h.orch.Process(context.Background(), upload(data))
	require.NoError(t, err)
	second, err := h.orch.Process(context.Background(), upload(data))
	require.NoError(t, err)

	assert.Equal(t, 1, h.normalizer.calls)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.NotEqual(t, first.StoragePath, second.StoragePath)
	assert.True(t, second.Normalized)
}

func TestProcessCacheNeverServesOtherBytes(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.normalizer.echo = true

	original := testWAV()
	mutated := testWAV()
	mutated[100] = 0x7F
	other := testWAV()
	other[200] = 0x42

	reqs := []Request{upload(original), upload(mutated), upload(other)}
	reqs[2].Identity = "user-2"

	for i, req := range reqs {
		asset, err := h.orch.Process(context.Background(), req)
		require.NoError(t, err, "upload %d", i)
		assert.Equal(t, audio.Checksum(echoed(req.Data)), asset.Checksum, "upload %d", i)
		assert.True(t, asset.Normalized)
		assert.Equal(t, echoed(req.Data), h.store.objects[asset.StoragePath], "upload %d", i)
	}
	assert.Equal(t, 3, h.normalizer.calls)

	// Identical bytes from another owner hit the cache and yield the same output.
	again := upload(original)
	again.Identity = "user-2"
	asset, err := h.orch.Process(context.Background(), again)
	require.NoError(t, err)
	assert.Equal(t, audio.Checksum(echoed(original)), asset.Checksum)
	assert.Equal(t, 3, h.normalizer.calls)
}

func TestProcessAuditsDisallowedContentType(t *testing.T) {
	h := newHarness(t, defaultLimits())
	req := upload(testWAV())
	req.ContentType = "application/x-msdownload"

	_, err := h.orch.Process(context.Background(), req)
	requirePipelineError(t, err, KindValidation, CodeContentType)

	violations := h.auditor.find(audit.OpContentViolation, audit.StatusFailure)
	require.Len(t, violations, 1)
	assert.Equal(t, "content_type", violations[0].Details["category"])
	assert.Equal(t, "application/x-msdownload", violations[0].Details["contentType"])
	assert.Equal(t, audit.SeverityWarning, violations[0].Severity)
	assert.Equal(t, "user-1", violations[0].Identity)
}

func TestProcessValidationFailures(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		contentType string
		code        string
		message     string
	}{
		{"empty", nil, "audio/wav", CodeEmptyFile, "Audio file is empty"},
		{"content type", testWAV(), "text/plain", CodeContentType, ""},
		{"unknown header", []byte("definitely not audio"), "audio/wav", CodeUnsupportedFormat, "Unsupported audio format or corrupted file"},
		{"too large", make([]byte, 2<<20), "audio/wav", CodeFileTooLarge, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultLimits())
			req := upload(tt.data)
			req.ContentType = tt.contentType

			asset, err := h.orch.Process(context.Background(), req)
			assert.Nil(t, asset)
			pe := requirePipelineError(t, err, KindValidation, tt.code)
			assert.Equal(t, StageValidating, pe.Stage)
			if tt.message != "" {
				assert.Equal(t, tt.message, pe.Message)
			}

			stored, err := h.assets.Get(context.Background(), "asset-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, stored.Status)
			assert.Zero(t, h.store.count())
			assert.Zero(t, h.normalizer.calls)
		})
	}
}

func TestProcessRejectsProhibitedTranscript(t *testing.T) {
	h := newHarness(t, defaultLimits())
	req := upload(testWAV())
	req.Transcript = "please send me your password now"

	_, err := h.orch.Process(context.Background(), req)
	requirePipelineError(t, err, KindPolicy, CodeContentPolicy)

	violations := h.auditor.find(audit.OpContentViolation, audit.StatusFailure)
	require.Len(t, violations, 1)
	assert.Equal(t, "credential_phishing", violations[0].Details["category"])
}

func TestProcessRateLimited(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{Hourly: 1, Daily: 10, Concurrent: 3})

	_, err := h.orch.Process(context.Background(), upload(testWAV()))
	require.NoError(t, err)

	_, err = h.orch.Process(context.Background(), upload(testWAV()))
	pe := requirePipelineError(t, err, KindPolicy, CodeRateLimited)
	require.NotNil(t, pe.RateLimit)
	assert.Equal(t, ratelimit.WindowHourly, pe.RateLimit.Window)
	assert.Equal(t, 1, pe.RateLimit.HourlyCount)
	assert.Positive(t, pe.RateLimit.RetryAfter)

	assert.Len(t, h.auditor.find(audit.OpRateLimitViolation, audit.StatusFailure), 1)
	assert.Equal(t, 1, h.store.count())
}

func TestProcessUploadFailureIsStorageError(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.store.uploadErr = errors.New("connection refused")

	_, err := h.orch.Process(context.Background(), upload(testWAV()))
	pe := requirePipelineError(t, err, KindStorage, CodeUploadFailed)
	assert.Equal(t, StageUploading, pe.Stage)

	stored, err := h.assets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)

	failures := h.auditor.find(audit.OpAudioUpload, audit.StatusFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, audit.SeverityError, failures[0].Severity)
}

func TestProcessCanceledAfterUploadRemovesObject(t *testing.T) {
	h := newHarness(t, defaultLimits())
	ctx, cancel := context.WithCancel(context.Background())
	h.store.afterUpload = cancel

	_, err := h.orch.Process(ctx, upload(testWAV()))
	requirePipelineError(t, err, KindCanceled, CodeCanceled)
	assert.Zero(t, h.store.count())

	stored, err := h.assets.Get(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestProcessEncryptionFailureIsFatal(t *testing.T) {
	h := newHarness(t, defaultLimits())
	t.Setenv(keyVar, "")
	req := upload(testWAV())
	req.Transcript = "sensitive words"

	_, err := h.orch.Process(context.Background(), req)
	requirePipelineError(t, err, KindCrypto, CodeEncryptFailed)
	assert.Zero(t, h.store.count())
}

func TestProcessRequiresIdentity(t *testing.T) {
	h := newHarness(t, defaultLimits())
	req := upload(testWAV())
	req.Identity = ""

	_, err := h.orch.Process(context.Background(), req)
	requirePipelineError(t, err, KindValidation, CodeMissingIdentity)
}

func TestAssetIsScopedToOwner(t *testing.T) {
	h := newHarness(t, defaultLimits())
	asset, err := h.orch.Process(context.Background(), upload(testWAV()))
	require.NoError(t, err)

	_, err = h.orch.Asset(context.Background(), "someone-else", asset.ID)
	requirePipelineError(t, err, KindNotFound, CodeAssetNotFound)

	_, err = h.orch.Asset(context.Background(), "user-1", "missing")
	requirePipelineError(t, err, KindNotFound, CodeAssetNotFound)
}

func TestSignedURLAndStream(t *testing.T) {
	h := newHarness(t, defaultLimits())
	asset, err := h.orch.Process(context.Background(), upload(testWAV()))
	require.NoError(t, err)

	url, expires, err := h.orch.SignedURL(context.Background(), "user-1", asset.StoragePath)
	require.NoError(t, err)
	assert.Contains(t, url, "expires=3600")
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)
	assert.Len(t, h.auditor.find(audit.OpSignedURL, audit.StatusSuccess), 1)

	body, info, err := h.orch.Stream(context.Background(), "user-1", asset.StoragePath)
	require.NoError(t, err)
	defer body.Close()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, h.normalizer.output, got)
	assert.Equal(t, int64(len(got)), info.Size)

	_, _, err = h.orch.SignedURL(context.Background(), "intruder", asset.StoragePath)
	requirePipelineError(t, err, KindNotFound, CodeObjectNotFound)

	_, _, err = h.orch.Stream(context.Background(), "user-1", "user-1/../etc/passwd")
	requirePipelineError(t, err, KindValidation, CodeInvalidObjectPath)

	_, _, err = h.orch.Stream(context.Background(), "user-1", "user-1/nothing.wav")
	requirePipelineError(t, err, KindNotFound, CodeObjectNotFound)
}

func TestAnalyzeQuality(t *testing.T) {
	h := newHarness(t, defaultLimits())

	report, format, err := h.orch.AnalyzeQuality(context.Background(), "user-1", testWAV())
	require.NoError(t, err)
	assert.Equal(t, models.FormatWAV, format)
	assert.False(t, report.Measured)
	assert.Len(t, h.auditor.find(audit.OpQualityAnalysis, audit.StatusSuccess), 1)

	_, _, err = h.orch.AnalyzeQuality(context.Background(), "user-1", nil)
	requirePipelineError(t, err, KindValidation, CodeEmptyFile)
}

func TestRateLimitDoesNotConsumeQuota(t *testing.T) {
	h := newHarness(t, defaultLimits())

	for i := 0; i < 3; i++ {
		status, err := h.orch.RateLimit(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Zero(t, status.HourlyCount)
		assert.Equal(t, 50, status.HourlyLimit)
	}
}
