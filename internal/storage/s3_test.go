package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/config"
	"github.com/sdko-org/audio-pipeline/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	body   []byte
	header http.Header
}

// fakeS3 is a minimal path-style S3 endpoint covering PUT, HEAD, GET and DELETE.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		h := http.Header{}
		h.Set("Content-Type", r.Header.Get("Content-Type"))
		for k, v := range r.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				h[k] = v
			}
		}
		f.objects[key] = fakeObject{body: body, header: h}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				io.WriteString(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			}
			return
		}
		for k, v := range obj.header {
			w.Header()[k] = v
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.body)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(obj.body)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStorage(t *testing.T) (*S3Storage, *fakeS3) {
	t.Helper()
	backend := &fakeS3{objects: map[string]fakeObject{}}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, err := NewS3Storage(logger, &config.Config{
		S3Bucket:    "audio-test",
		S3Region:    "us-east-1",
		S3Endpoint:  srv.URL,
		S3AccessKey: "test",
		S3SecretKey: "test",
	})
	require.NoError(t, err)
	return s, backend
}

const testChecksum = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestObjectKey(t *testing.T) {
	at := time.UnixMilli(1700000000123)

	key, err := ObjectKey("user1", "job-7", models.FormatMP3, testChecksum, at)
	require.NoError(t, err)
	assert.Equal(t, "user1/job-7/1700000000123-0123456789ab.mp3", key)

	key, err = ObjectKey("user1", "", models.FormatWAV, testChecksum, at)
	require.NoError(t, err)
	assert.Equal(t, "user1/1700000000123-0123456789ab.wav", key)
}

func TestObjectKeyRejectsTraversal(t *testing.T) {
	for _, owner := range []string{"", "..", "a/b", "a b"} {
		_, err := ObjectKey(owner, "", models.FormatMP3, testChecksum, time.Now())
		assert.ErrorIs(t, err, ErrInvalidPath, owner)
	}
	_, err := ObjectKey("user", "../x", models.FormatMP3, testChecksum, time.Now())
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = ObjectKey("user", "", models.FormatMP3, "abc", time.Now())
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("user/job/1-abc.mp3"))
	for _, p := range []string{"", "/abs", "a/../b", "a//b", "a/./b", "a?b"} {
		assert.ErrorIs(t, ValidatePath(p), ErrInvalidPath, p)
	}
}

func TestUploadStoresMetadata(t *testing.T) {
	s, backend := newTestStorage(t)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }
	ctx := context.Background()

	key, err := s.Upload(ctx, UploadInput{
		Data:     []byte("audio-bytes"),
		Owner:    "user1",
		Group:    "job1",
		Format:   models.FormatMP3,
		Checksum: testChecksum,
	})
	require.NoError(t, err)
	assert.Equal(t, "user1/job1/1700000000000-0123456789ab.mp3", key)

	obj, ok := backend.objects["audio-test/"+key]
	require.True(t, ok)
	assert.Equal(t, []byte("audio-bytes"), obj.body)

	info, err := s.Metadata(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, "audio/mpeg", info.ContentType)
	assert.Equal(t, testChecksum, info.Metadata["checksum"])
	assert.Equal(t, "user1", info.Metadata["owner"])
	assert.Equal(t, "job1", info.Metadata["group"])
	assert.Equal(t, "1700000000000", info.Metadata["uploaded-at"])

	rc, _, err := s.Open(ctx, key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), body)
}

func TestSameBytesGetDistinctKeys(t *testing.T) {
	s, _ := newTestStorage(t)
	tick := int64(1700000000000)
	s.now = func() time.Time { tick++; return time.UnixMilli(tick) }

	in := UploadInput{Data: []byte("same"), Owner: "u", Group: "g", Format: models.FormatWAV, Checksum: testChecksum}
	a, err := s.Upload(context.Background(), in)
	require.NoError(t, err)
	b, err := s.Upload(context.Background(), in)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSameMillisecondUploadsGetDistinctKeys(t *testing.T) {
	s, backend := newTestStorage(t)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	in := UploadInput{Data: []byte("same"), Owner: "u", Group: "g", Format: models.FormatWAV, Checksum: testChecksum}
	a, err := s.Upload(context.Background(), in)
	require.NoError(t, err)
	b, err := s.Upload(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "u/g/1700000000000-0123456789ab.wav", a)
	assert.Equal(t, "u/g/1700000000001-0123456789ab.wav", b)
	assert.Len(t, backend.objects, 2)
}

func TestUploadSkipsTakenKey(t *testing.T) {
	s, backend := newTestStorage(t)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }
	backend.objects["audio-test/u/g/1700000000000-0123456789ab.wav"] = fakeObject{body: []byte("other process"), header: http.Header{}}

	key, err := s.Upload(context.Background(), UploadInput{Data: []byte("mine"), Owner: "u", Group: "g", Format: models.FormatWAV, Checksum: testChecksum})
	require.NoError(t, err)
	assert.Equal(t, "u/g/1700000000001-0123456789ab.wav", key)
	assert.Equal(t, []byte("other process"), backend.objects["audio-test/u/g/1700000000000-0123456789ab.wav"].body)
}

func TestExistsAndIdempotentDelete(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "user1/missing.mp3")
	require.NoError(t, err)
	assert.False(t, ok)

	key, err := s.Upload(ctx, UploadInput{Data: []byte("x"), Owner: "user1", Format: models.FormatOGG, Checksum: testChecksum})
	require.NoError(t, err)

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Metadata(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSignedURLIsReadOnlyAndExpires(t *testing.T) {
	s, _ := newTestStorage(t)

	url, err := s.SignedURL(context.Background(), "user1/1-abc.mp3", 0)
	require.NoError(t, err)
	assert.Contains(t, url, "/audio-test/user1/1-abc.mp3")
	assert.Contains(t, url, "X-Amz-Expires=3600")
	assert.Contains(t, url, "X-Amz-Signature=")

	url, err = s.SignedURL(context.Background(), "user1/1-abc.mp3", 5*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "X-Amz-Expires=300")

	_, err = s.SignedURL(context.Background(), "../etc/passwd", 0)
	assert.ErrorIs(t, err, ErrInvalidPath)
}
