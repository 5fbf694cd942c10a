package security

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

const keySize = 32

var ErrKeyUnavailable = errors.New("encryption key unavailable")

// KeySource fetches the current data encryption key from a secret store.
type KeySource interface {
	FetchKey(ctx context.Context) ([]byte, error)
}

// EnvKeySource reads a base64 key from an environment variable on every
// fetch, so a rotated secret is picked up after the cache is cleared.
type EnvKeySource struct {
	Var string
}

func (s EnvKeySource) FetchKey(context.Context) ([]byte, error) {
	raw := os.Getenv(s.Var)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrKeyUnavailable, s.Var)
	}
	return decodeKey(raw)
}

// FileKeySource reads a base64 key from a mounted secret file.
type FileKeySource struct {
	Path string
}

func (s FileKeySource) FetchKey(context.Context) ([]byte, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	return decodeKey(string(b))
}

func decodeKey(raw string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: key is not base64: %v", ErrKeyUnavailable, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrKeyUnavailable, keySize, len(key))
	}
	return key, nil
}
