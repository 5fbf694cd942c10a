package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sdko-org/audio-pipeline/internal/config"
	"github.com/sirupsen/logrus"
)

const (
	metaChecksum   = "Checksum"
	metaOwner      = "Owner"
	metaGroup      = "Group"
	metaUploadedAt = "Uploaded-At"

	maxKeyAttempts = 5
)

type S3Storage struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	urlTTL   time.Duration
	log      *logrus.Entry
	now      func() time.Time

	mu         sync.Mutex
	lastMillis int64
}

func NewS3Storage(logger *logrus.Logger, cfg *config.Config) (*S3Storage, error) {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.S3Region),
		Credentials:      credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}

	if cfg.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}

	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}

	return &S3Storage{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.S3Bucket,
		urlTTL:   ttl,
		log:      logger.WithField("component", "s3_storage"),
		now:      time.Now,
	}, nil
}

// stamp returns a millisecond timestamp strictly greater than any previous
// one, so keys built from identical bytes never repeat within this process.
func (s *S3Storage) stamp(after int64) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.now().UnixMilli()
	if ms <= s.lastMillis {
		ms = s.lastMillis + 1
	}
	if ms <= after {
		ms = after + 1
	}
	s.lastMillis = ms
	return time.UnixMilli(ms).UTC()
}

// freeKey picks a key that is not already taken in the bucket.
func (s *S3Storage) freeKey(ctx context.Context, in UploadInput) (string, time.Time, error) {
	var after int64
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		uploadedAt := s.stamp(after)
		key, err := ObjectKey(in.Owner, in.Group, in.Format, in.Checksum, uploadedAt)
		if err != nil {
			return "", time.Time{}, err
		}
		taken, err := s.Exists(ctx, key)
		if err != nil {
			return "", time.Time{}, err
		}
		if !taken {
			return key, uploadedAt, nil
		}
		after = uploadedAt.UnixMilli()
	}
	return "", time.Time{}, fmt.Errorf("no free object key for %s after %d attempts", in.Owner, maxKeyAttempts)
}

func (s *S3Storage) Upload(ctx context.Context, in UploadInput) (string, error) {
	key, uploadedAt, err := s.freeKey(ctx, in)
	if err != nil {
		return "", err
	}

	metadata := map[string]*string{
		metaChecksum:   aws.String(in.Checksum),
		metaOwner:      aws.String(in.Owner),
		metaUploadedAt: aws.String(strconv.FormatInt(uploadedAt.UnixMilli(), 10)),
	}
	if in.Group != "" {
		metadata[metaGroup] = aws.String(in.Group)
	}

	// s3manager aborts multipart uploads on failure, so a cancelled upload
	// leaves no object behind.
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(in.Data),
		ContentType: aws.String(in.Format.MIMEType()),
		Metadata:    metadata,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"key":      key,
		"size":     len(in.Data),
		"checksum": in.Checksum,
	}).Info("Stored audio object")
	return key, nil
}

// SignedURL presigns a GET for path. Only read access is ever signed.
func (s *S3Storage) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.urlTTL
	}

	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	req.SetContext(ctx)
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to sign url: %w", err)
	}
	return url, nil
}

func (s *S3Storage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.Metadata(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *S3Storage) Metadata(ctx context.Context, path string) (ObjectInfo, error) {
	if err := ValidatePath(path); err != nil {
		return ObjectInfo{}, err
	}

	resp, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("s3 head failed: %w", err)
	}

	return ObjectInfo{
		Size:        aws.Int64Value(resp.ContentLength),
		ContentType: aws.StringValue(resp.ContentType),
		Metadata:    flattenMetadata(resp.Metadata),
	}, nil
}

// Open streams the object body. The caller closes the reader.
func (s *S3Storage) Open(ctx context.Context, path string) (io.ReadCloser, ObjectInfo, error) {
	if err := ValidatePath(path); err != nil {
		return nil, ObjectInfo{}, err
	}

	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("s3 get failed: %w", err)
	}

	return resp.Body, ObjectInfo{
		Size:        aws.Int64Value(resp.ContentLength),
		ContentType: aws.StringValue(resp.ContentType),
		Metadata:    flattenMetadata(resp.Metadata),
	}, nil
}

// Delete is idempotent: deleting a missing object is not an error.
func (s *S3Storage) Delete(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func flattenMetadata(in map[string]*string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = aws.StringValue(v)
	}
	return out
}
