package encryption

//go:generate mockgen -source=keys.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	dErrors "dossier/pkg/domain-errors"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// MinIterations is the lowest PBKDF2 work factor accepted on derive or
	// re-derive. Key IDs carrying fewer iterations are rejected.
	MinIterations = 100_000
	// maxIterationFactor bounds a stored key ID's work factor relative to the
	// configured one.
	maxIterationFactor = 10

	saltSize       = 16
	derivedPrefix  = "pbkdf2"
	derivedVersion = "v1"
)

// Key is per-document key material. ID is persisted with the document;
// Material never is.
type Key struct {
	ID       string
	Material []byte
}

// KeyManager issues and recovers per-document keys. A key is bound to the
// (documentID, userID) pair it was created for; recovering it for any other
// pair must not yield the same material.
type KeyManager interface {
	GetOrCreateKey(ctx context.Context, documentID, userID string) (Key, error)
	GetKey(ctx context.Context, keyID, documentID, userID string) ([]byte, error)
}

// DerivedKeyManager derives keys from a process master key with
// PBKDF2-HMAC-SHA256 over "documentID:userID:salt". The salt and iteration
// count travel inside the key ID, so no key store is needed.
type DerivedKeyManager struct {
	masterKey  []byte
	iterations int
}

// NewDerivedKeyManager fails on an empty master key or fewer than
// MinIterations.
func NewDerivedKeyManager(masterKey string, iterations int) (*DerivedKeyManager, error) {
	if masterKey == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "master key is required")
	}
	if iterations < MinIterations {
		return nil, dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("pbkdf2 iterations must be at least %d", MinIterations))
	}
	return &DerivedKeyManager{masterKey: []byte(masterKey), iterations: iterations}, nil
}

// GetOrCreateKey draws a fresh salt on every call, so each encryption gets
// its own key even for the same document.
func (m *DerivedKeyManager) GetOrCreateKey(_ context.Context, documentID, userID string) (Key, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Key{}, dErrors.Wrap(err, dErrors.CodeEncryptionFailed, "generate salt")
	}
	encodedSalt := base64.RawURLEncoding.EncodeToString(salt)
	keyID := strings.Join([]string{derivedPrefix, derivedVersion, strconv.Itoa(m.iterations), encodedSalt}, ":")
	return Key{
		ID:       keyID,
		Material: m.derive(documentID, userID, encodedSalt, m.iterations),
	}, nil
}

// GetKey re-derives the key named by keyID. A malformed key ID is a
// decryption failure, not an input error: it is read back from storage.
func (m *DerivedKeyManager) GetKey(_ context.Context, keyID, documentID, userID string) ([]byte, error) {
	iterations, salt, err := parseDerivedKeyID(keyID, m.iterations*maxIterationFactor)
	if err != nil {
		return nil, err
	}
	return m.derive(documentID, userID, salt, iterations), nil
}

func (m *DerivedKeyManager) derive(documentID, userID, salt string, iterations int) []byte {
	input := []byte(documentID + ":" + userID + ":" + salt)
	return pbkdf2.Key(m.masterKey, input, iterations, KeySize, sha256.New)
}

func parseDerivedKeyID(keyID string, maxIterations int) (int, string, error) {
	parts := strings.Split(keyID, ":")
	if len(parts) != 4 || parts[0] != derivedPrefix || parts[1] != derivedVersion {
		return 0, "", dErrors.New(dErrors.CodeDecryptionFailed, "unrecognised key id")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations < MinIterations || iterations > maxIterations {
		return 0, "", dErrors.New(dErrors.CodeDecryptionFailed, "invalid key id work factor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil || len(raw) != saltSize {
		return 0, "", dErrors.New(dErrors.CodeDecryptionFailed, "invalid key id salt")
	}
	return iterations, parts[3], nil
}
