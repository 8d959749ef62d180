package encryption_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dossier/internal/encryption"
	"dossier/internal/encryption/mocks"
	dErrors "dossier/pkg/domain-errors"
	audit "dossier/pkg/platform/audit"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (r *recordingAuditor) Emit(_ context.Context, e audit.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAuditor) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

// ServiceSuite exercises the cipher with the real PBKDF2 key manager.
type ServiceSuite struct {
	suite.Suite
	auditor *recordingAuditor
	svc     *encryption.Service
	docID   string
	userID  string
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	keys, err := encryption.NewDerivedKeyManager("test-master-key", encryption.MinIterations)
	s.Require().NoError(err)
	s.auditor = &recordingAuditor{}
	s.svc = encryption.New(keys, encryption.WithSecurityAuditor(s.auditor))
	s.docID = uuid.NewString()
	s.userID = uuid.NewString()
}

// =============================================================================
// Round trip
// =============================================================================

func (s *ServiceSuite) TestRoundTrip() {
	ctx := context.Background()
	for _, plaintext := range [][]byte{
		{},
		[]byte("x"),
		bytes.Repeat([]byte("passport-scan"), 4096),
	} {
		sealed, err := s.svc.Encrypt(ctx, plaintext, s.docID, s.userID)
		s.Require().NoError(err)
		s.Len(sealed.Ciphertext, 12+16+len(plaintext))
		s.Equal(encryption.HashContent(plaintext), sealed.ContentHash)

		got, err := s.svc.Decrypt(ctx, sealed.Ciphertext, sealed.KeyID, s.docID, s.userID)
		s.Require().NoError(err)
		s.NotNil(got)
		s.Equal(plaintext, got)
	}
	s.Empty(s.auditor.actions())
}

func (s *ServiceSuite) TestEachEncryptionUsesFreshKeyAndIV() {
	ctx := context.Background()
	a, err := s.svc.Encrypt(ctx, []byte("same"), s.docID, s.userID)
	s.Require().NoError(err)
	b, err := s.svc.Encrypt(ctx, []byte("same"), s.docID, s.userID)
	s.Require().NoError(err)

	s.NotEqual(a.KeyID, b.KeyID)
	s.NotEqual(a.Ciphertext, b.Ciphertext)
	s.Equal(a.ContentHash, b.ContentHash)
	s.True(strings.HasPrefix(a.KeyID, "pbkdf2:v1:100000:"))
}

// =============================================================================
// Tamper and binding
// =============================================================================

// Justification: flipping any byte, in IV, tag or body, must fail
// authentication rather than return altered plaintext.
func (s *ServiceSuite) TestTamperedCiphertextFails() {
	ctx := context.Background()
	sealed, err := s.svc.Encrypt(ctx, []byte("utility bill"), s.docID, s.userID)
	s.Require().NoError(err)

	for i := range sealed.Ciphertext {
		tampered := bytes.Clone(sealed.Ciphertext)
		tampered[i] ^= 0x01
		_, err := s.svc.Decrypt(ctx, tampered, sealed.KeyID, s.docID, s.userID)
		s.Require().Error(err, "byte %d", i)
		s.True(dErrors.HasCode(err, dErrors.CodeDecryptionFailed))
	}
}

func (s *ServiceSuite) TestWrongBindingFails() {
	ctx := context.Background()
	sealed, err := s.svc.Encrypt(ctx, []byte("selfie"), s.docID, s.userID)
	s.Require().NoError(err)
	other, err := s.svc.Encrypt(ctx, []byte("selfie"), s.docID, s.userID)
	s.Require().NoError(err)

	cases := map[string]func() error{
		"wrong document": func() error {
			_, err := s.svc.Decrypt(ctx, sealed.Ciphertext, sealed.KeyID, uuid.NewString(), s.userID)
			return err
		},
		"wrong user": func() error {
			_, err := s.svc.Decrypt(ctx, sealed.Ciphertext, sealed.KeyID, s.docID, uuid.NewString())
			return err
		},
		"key id of another encryption": func() error {
			_, err := s.svc.Decrypt(ctx, sealed.Ciphertext, other.KeyID, s.docID, s.userID)
			return err
		},
		"malformed key id": func() error {
			_, err := s.svc.Decrypt(ctx, sealed.Ciphertext, "pbkdf2:v1:nope", s.docID, s.userID)
			return err
		},
		"downgraded work factor": func() error {
			weak := strings.Replace(sealed.KeyID, ":100000:", ":1000:", 1)
			_, err := s.svc.Decrypt(ctx, sealed.Ciphertext, weak, s.docID, s.userID)
			return err
		},
		"inflated work factor": func() error {
			heavy := strings.Replace(sealed.KeyID, ":100000:", ":2000000000:", 1)
			_, err := s.svc.Decrypt(ctx, sealed.Ciphertext, heavy, s.docID, s.userID)
			return err
		},
		"truncated ciphertext": func() error {
			_, err := s.svc.Decrypt(ctx, sealed.Ciphertext[:20], sealed.KeyID, s.docID, s.userID)
			return err
		},
	}
	for name, fn := range cases {
		s.Run(name, func() {
			err := fn()
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeDecryptionFailed))
		})
	}

	actions := s.auditor.actions()
	s.Len(actions, len(cases))
	for _, a := range actions {
		s.Equal(string(audit.EventDecryptionFailed), a)
	}
}

// =============================================================================
// Key manager failures
// =============================================================================

func TestService_KeyManagerFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := mocks.NewMockKeyManager(ctrl)
	auditor := &recordingAuditor{}
	svc := encryption.New(keys, encryption.WithSecurityAuditor(auditor))
	ctx := context.Background()

	t.Run("encrypt surfaces EncryptionFailed", func(t *testing.T) {
		keys.EXPECT().GetOrCreateKey(gomock.Any(), "doc", "user").
			Return(encryption.Key{}, errors.New("vault sealed"))

		_, err := svc.Encrypt(ctx, []byte("data"), "doc", "user")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeEncryptionFailed))
	})

	t.Run("decrypt surfaces DecryptionFailed", func(t *testing.T) {
		keys.EXPECT().GetKey(gomock.Any(), "transit:vault:v1:abc", "doc", "user").
			Return(nil, errors.New("permission denied"))

		_, err := svc.Decrypt(ctx, make([]byte, 64), "transit:vault:v1:abc", "doc", "user")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeDecryptionFailed))
	})

	assert.Equal(t, []string{
		string(audit.EventEncryptionFailed),
		string(audit.EventDecryptionFailed),
	}, auditor.actions())
}

func TestNewDerivedKeyManager_Invariants(t *testing.T) {
	_, err := encryption.NewDerivedKeyManager("", encryption.MinIterations)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	_, err = encryption.NewDerivedKeyManager("k", encryption.MinIterations-1)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func TestDerivedKeyManager_Deterministic(t *testing.T) {
	ctx := context.Background()
	keys, err := encryption.NewDerivedKeyManager("master", encryption.MinIterations)
	require.NoError(t, err)

	key, err := keys.GetOrCreateKey(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	require.Len(t, key.Material, encryption.KeySize)

	again, err := keys.GetKey(ctx, key.ID, "doc-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, key.Material, again)

	swapped, err := keys.GetKey(ctx, key.ID, "user-1", "doc-1")
	require.NoError(t, err)
	assert.NotEqual(t, key.Material, swapped)

	over := strings.Replace(key.ID, ":100000:", ":1000001:", 1)
	_, err = keys.GetKey(ctx, over, "doc-1", "user-1")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeDecryptionFailed))
}
