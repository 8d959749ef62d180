// Package service orchestrates document intake: validation and malware
// scanning run concurrently under one wall-clock budget, accepted uploads are
// encrypted, written to storage and recorded with their check and scan rows
// in a single per-owner transaction.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dossier/internal/documents/metrics"
	"dossier/internal/documents/store"
	"dossier/internal/encryption"
	"dossier/internal/platform/lease"
	"dossier/internal/scan"
	"dossier/internal/storage"
	"dossier/internal/validation"
	dErrors "dossier/pkg/domain-errors"
	audit "dossier/pkg/platform/audit"
	"dossier/pkg/platform/sentinel"
)

const (
	// DefaultBudget bounds one ingestion end to end.
	DefaultBudget = 60 * time.Second
	// DefaultLeaseTTL bounds how long a crashed worker can hold a document.
	DefaultLeaseTTL = 2 * time.Minute
)

type Validator interface {
	Precheck(data []byte, filename string) error
	Validate(data []byte, meta validation.Metadata) *validation.Result
}

type Scanner interface {
	Scan(ctx context.Context, data []byte) (*scan.Outcome, error)
}

type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte, documentID, userID string) (*encryption.Sealed, error)
	Decrypt(ctx context.Context, ciphertext []byte, keyID, documentID, userID string) ([]byte, error)
}

// ComplianceAuditor is fail-closed: an error aborts the surrounding
// transaction.
type ComplianceAuditor interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type SecurityAuditor interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

type OpsAuditor interface {
	Emit(ctx context.Context, event audit.OpsEvent)
}

// Dependencies are required collaborators. Every field must be set.
type Dependencies struct {
	Store      store.Store
	Tx         store.Tx
	Storage    storage.Storage
	Validator  Validator
	Scanner    Scanner
	Cipher     Cipher
	Compliance ComplianceAuditor
	Locker     lease.Locker
}

type Service struct {
	store      store.Store
	tx         store.Tx
	blobs      storage.Storage
	validator  Validator
	scanner    Scanner
	cipher     Cipher
	compliance ComplianceAuditor
	locker     lease.Locker

	security SecurityAuditor
	ops      OpsAuditor
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	budget   time.Duration
	leaseTTL time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithSecurityAuditor(a SecurityAuditor) Option {
	return func(s *Service) { s.security = a }
}

func WithOpsAuditor(a OpsAuditor) Option {
	return func(s *Service) { s.ops = a }
}

// WithBudget sets the ingestion wall-clock budget. Non-positive values are
// ignored.
func WithBudget(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.budget = d
		}
	}
}

func WithLeaseTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

func New(deps Dependencies, opts ...Option) (*Service, error) {
	if deps.Store == nil || deps.Tx == nil || deps.Storage == nil || deps.Validator == nil ||
		deps.Scanner == nil || deps.Cipher == nil || deps.Compliance == nil || deps.Locker == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "documents service is missing a dependency")
	}
	s := &Service{
		store:      deps.Store,
		tx:         deps.Tx,
		blobs:      deps.Storage,
		validator:  deps.Validator,
		scanner:    deps.Scanner,
		cipher:     deps.Cipher,
		compliance: deps.Compliance,
		locker:     deps.Locker,
		logger:     slog.New(slog.DiscardHandler),
		tracer:     otel.Tracer("dossier/documents"),
		budget:     DefaultBudget,
		leaseTTL:   DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) emitSecurity(ctx context.Context, event audit.SecurityEvent) {
	if s.security == nil {
		return
	}
	s.security.Emit(ctx, event)
}

func (s *Service) emitOps(ctx context.Context, event audit.OpsEvent) {
	if s.ops == nil {
		return
	}
	s.ops.Emit(ctx, event)
}

// acquire maps a held lease to CodeConflict.
func (s *Service) acquire(ctx context.Context, key, msg string) (*lease.Lease, error) {
	l, err := s.locker.Acquire(ctx, key, s.leaseTTL)
	if err != nil {
		if errors.Is(err, sentinel.ErrLeaseHeld) {
			return nil, dErrors.New(dErrors.CodeConflict, msg)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "lock service unavailable")
	}
	return l, nil
}

func (s *Service) release(ctx context.Context, l *lease.Lease) {
	if err := l.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.WarnContext(ctx, "failed to release lease", "key", l.Key, "error", err)
	}
}

// translateStoreErr turns store sentinels into domain errors for callers.
func translateStoreErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, what+" already exists")
	default:
		if _, ok := dErrors.As(err); ok {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to access "+what)
	}
}
