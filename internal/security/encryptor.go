package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/audit"
)

const (
	nonceSize         = 12
	tagSize           = 16
	DefaultKeyTTL     = 5 * time.Minute
	ciphertextSepChar = ":"
)

var (
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrDecrypt             = errors.New("decryption failed")
)

// Auditor receives security events. *audit.Recorder satisfies it.
type Auditor interface {
	Record(ev audit.Event)
}

type cachedKey struct {
	value     []byte
	fetchedAt time.Time
}

func (k cachedKey) stale(now time.Time, ttl time.Duration) bool {
	return k.value == nil || now.Sub(k.fetchedAt) >= ttl
}

// FieldEncryptor encrypts individual fields with AES-256-GCM. Ciphertext is
// base64(iv):base64(tag):base64(data).
type FieldEncryptor struct {
	source  KeySource
	ttl     time.Duration
	auditor Auditor
	now     func() time.Time

	mu  sync.Mutex
	key cachedKey
}

func NewFieldEncryptor(source KeySource, ttl time.Duration, auditor Auditor) *FieldEncryptor {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &FieldEncryptor{
		source:  source,
		ttl:     ttl,
		auditor: auditor,
		now:     time.Now,
	}
}

func (e *FieldEncryptor) Encrypt(ctx context.Context, plaintext string) (string, error) {
	gcm, err := e.aead(ctx)
	if err != nil {
		e.recordFailure(audit.OpEncryptFailure, err)
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		err = fmt.Errorf("generate iv: %w", err)
		e.recordFailure(audit.OpEncryptFailure, err)
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, ciphertextSepChar), nil
}

func (e *FieldEncryptor) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	nonce, tag, ct, err := splitCiphertext(ciphertext)
	if err != nil {
		e.recordFailure(audit.OpDecryptFailure, err)
		return "", err
	}

	gcm, err := e.aead(ctx)
	if err != nil {
		e.recordFailure(audit.OpDecryptFailure, err)
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDecrypt, err)
		e.recordFailure(audit.OpDecryptFailure, err)
		return "", err
	}
	return string(plaintext), nil
}

// Rotate drops the cached key so the next operation fetches it again.
func (e *FieldEncryptor) Rotate() {
	e.mu.Lock()
	e.key = cachedKey{}
	e.mu.Unlock()

	e.record(audit.Event{
		Operation: audit.OpKeyRotation,
		Status:    audit.StatusSuccess,
		Severity:  audit.SeverityWarning,
	})
}

func (e *FieldEncryptor) aead(ctx context.Context) (cipher.AEAD, error) {
	key, err := e.currentKey(ctx)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (e *FieldEncryptor) currentKey(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if !e.key.stale(now, e.ttl) {
		return e.key.value, nil
	}

	key, err := e.source.FetchKey(ctx)
	if err != nil {
		e.record(audit.Event{
			Operation: audit.OpKeyAccess,
			Status:    audit.StatusFailure,
			Severity:  audit.SeverityError,
			Details:   map[string]interface{}{"error": err.Error()},
		})
		return nil, err
	}
	if len(key) != keySize {
		err := fmt.Errorf("%w: key must be %d bytes, got %d", ErrKeyUnavailable, keySize, len(key))
		e.record(audit.Event{
			Operation: audit.OpKeyAccess,
			Status:    audit.StatusFailure,
			Severity:  audit.SeverityError,
			Details:   map[string]interface{}{"error": err.Error()},
		})
		return nil, err
	}

	e.key = cachedKey{value: key, fetchedAt: now}
	e.record(audit.Event{
		Operation: audit.OpKeyAccess,
		Status:    audit.StatusSuccess,
		Severity:  audit.SeverityInfo,
	})
	return key, nil
}

func splitCiphertext(s string) (nonce, tag, ct []byte, err error) {
	parts := strings.Split(s, ciphertextSepChar)
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedCiphertext, len(parts))
	}
	decoded := make([][]byte, 3)
	for i, p := range parts {
		decoded[i], err = base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: part %d: %v", ErrMalformedCiphertext, i, err)
		}
	}
	if len(decoded[0]) != nonceSize || len(decoded[1]) != tagSize {
		return nil, nil, nil, fmt.Errorf("%w: bad iv or tag length", ErrMalformedCiphertext)
	}
	return decoded[0], decoded[1], decoded[2], nil
}

func (e *FieldEncryptor) recordFailure(op audit.Operation, err error) {
	e.record(audit.Event{
		Operation: op,
		Status:    audit.StatusFailure,
		Severity:  audit.SeverityError,
		Details:   map[string]interface{}{"error": err.Error()},
	})
}

func (e *FieldEncryptor) record(ev audit.Event) {
	if e.auditor != nil {
		e.auditor.Record(ev)
	}
}
