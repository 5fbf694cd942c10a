package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/models"
)

const (
	DefaultSignedURLTTL = time.Hour
	checksumPrefixLen   = 12
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidPath = errors.New("invalid storage path")

	segmentValidator = regexp.MustCompile(`^[a-zA-Z0-9_@.-]+$`)
	pathValidator    = regexp.MustCompile(`^[a-zA-Z0-9_@./-]+$`)
)

type UploadInput struct {
	Data     []byte
	Owner    string
	Group    string
	Format   models.Format
	Checksum string
}

type ObjectInfo struct {
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// ObjectStore persists processed audio and hands out time-limited read URLs.
type ObjectStore interface {
	Upload(ctx context.Context, in UploadInput) (string, error)
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
	Metadata(ctx context.Context, path string) (ObjectInfo, error)
	Open(ctx context.Context, path string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, path string) error
}

// ObjectKey builds {owner}/[{group}/]{unixMillis}-{checksum[:12]}.{format}.
func ObjectKey(owner, group string, format models.Format, checksum string, at time.Time) (string, error) {
	if !validSegment(owner) {
		return "", fmt.Errorf("%w: owner %q", ErrInvalidPath, owner)
	}
	if group != "" && !validSegment(group) {
		return "", fmt.Errorf("%w: group %q", ErrInvalidPath, group)
	}
	if !format.Valid() {
		return "", fmt.Errorf("%w: format %q", ErrInvalidPath, format)
	}
	if len(checksum) < checksumPrefixLen {
		return "", fmt.Errorf("%w: checksum too short", ErrInvalidPath)
	}

	name := fmt.Sprintf("%d-%s.%s", at.UnixMilli(), checksum[:checksumPrefixLen], format)
	if group == "" {
		return owner + "/" + name, nil
	}
	return owner + "/" + group + "/" + name, nil
}

// ValidatePath rejects keys that could escape the owner prefix.
func ValidatePath(path string) error {
	if path == "" || !pathValidator.MatchString(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && len(s) <= 128 && segmentValidator.MatchString(s)
}
