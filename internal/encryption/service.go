// Package encryption seals document bytes under per-document keys.
//
// Ciphertext layout is [IV(12)][tag(16)][ciphertext] under AES-256-GCM with
// "documentID:userID" as additional authenticated data. A SHA-256 hash of
// the plaintext is returned separately so stored content can be verified
// independently of the cipher.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"dossier/internal/encryption/metrics"
	dErrors "dossier/pkg/domain-errors"
	audit "dossier/pkg/platform/audit"
	"dossier/pkg/requestcontext"
)

const (
	ivSize  = 12
	tagSize = 16
)

// SecurityAuditor receives high-severity events. Emission must not block.
type SecurityAuditor interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// Sealed is the output of Encrypt.
type Sealed struct {
	Ciphertext  []byte
	KeyID       string
	ContentHash string
}

type Service struct {
	keys     KeyManager
	logger   *slog.Logger
	metrics  *metrics.Metrics
	security SecurityAuditor
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithSecurityAuditor(a SecurityAuditor) Option {
	return func(s *Service) { s.security = a }
}

func New(keys KeyManager, opts ...Option) *Service {
	s := &Service{keys: keys, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Encrypt seals plaintext for (documentID, userID).
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, documentID, userID string) (*Sealed, error) {
	start := time.Now()
	sealed, err := s.encrypt(ctx, plaintext, documentID, userID)
	s.metrics.ObserveOperation("encrypt", err == nil, time.Since(start))
	if err != nil {
		s.raise(ctx, audit.EventEncryptionFailed, documentID, err)
		return nil, err
	}
	return sealed, nil
}

func (s *Service) encrypt(ctx context.Context, plaintext []byte, documentID, userID string) (*Sealed, error) {
	hash := HashContent(plaintext)

	key, err := s.keys.GetOrCreateKey(ctx, documentID, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeEncryptionFailed, "obtain document key")
	}
	gcm, err := newGCM(key.Material)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeEncryptionFailed, "init cipher")
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeEncryptionFailed, "generate iv")
	}

	sealed := gcm.Seal(nil, iv, plaintext, aad(documentID, userID))
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(body))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, body...)

	return &Sealed{Ciphertext: out, KeyID: key.ID, ContentHash: hash}, nil
}

// Decrypt opens ciphertext. Any mismatch of key ID, document, user or bytes
// yields CodeDecryptionFailed; partial plaintext is never returned.
func (s *Service) Decrypt(ctx context.Context, ciphertext []byte, keyID, documentID, userID string) ([]byte, error) {
	start := time.Now()
	plaintext, err := s.decrypt(ctx, ciphertext, keyID, documentID, userID)
	s.metrics.ObserveOperation("decrypt", err == nil, time.Since(start))
	if err != nil {
		s.raise(ctx, audit.EventDecryptionFailed, documentID, err)
		return nil, err
	}
	return plaintext, nil
}

func (s *Service) decrypt(ctx context.Context, ciphertext []byte, keyID, documentID, userID string) ([]byte, error) {
	if len(ciphertext) < ivSize+tagSize {
		return nil, dErrors.New(dErrors.CodeDecryptionFailed, "ciphertext too short")
	}
	material, err := s.keys.GetKey(ctx, keyID, documentID, userID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeDecryptionFailed) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "recover document key")
	}
	gcm, err := newGCM(material)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "init cipher")
	}

	iv := ciphertext[:ivSize]
	tag := ciphertext[ivSize : ivSize+tagSize]
	body := ciphertext[ivSize+tagSize:]

	joined := make([]byte, 0, len(body)+tagSize)
	joined = append(joined, body...)
	joined = append(joined, tag...)

	plaintext, err := gcm.Open(make([]byte, 0, len(body)), iv, joined, aad(documentID, userID))
	if err != nil {
		return nil, dErrors.New(dErrors.CodeDecryptionFailed, "authentication failed")
	}
	return plaintext, nil
}

func (s *Service) raise(ctx context.Context, action audit.AuditEvent, documentID string, err error) {
	s.logger.ErrorContext(ctx, "document cipher operation failed",
		"action", action,
		"document_id", documentID,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
	if s.security == nil {
		return
	}
	s.security.Emit(ctx, audit.SecurityEvent{
		Subject:   documentID,
		Action:    string(action),
		Reason:    string(dErrors.CodeOf(err)),
		RequestID: requestcontext.RequestID(ctx),
		Severity:  audit.SeverityCritical,
	})
}

// HashContent returns the hex SHA-256 of b.
func HashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func aad(documentID, userID string) []byte {
	return []byte(documentID + ":" + userID)
}
