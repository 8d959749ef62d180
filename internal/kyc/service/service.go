// Package service runs the KYC workflow over a user's documents: derived
// status reads, submission for review, and reviewer decisions. Every
// transition for a user runs inside the documents store's per-owner
// transaction, so a decision never interleaves with a concurrent upload.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mssola/useragent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dossier/internal/documents/store"
	"dossier/internal/kyc/metrics"
	"dossier/internal/kyc/models"
	dErrors "dossier/pkg/domain-errors"
	audit "dossier/pkg/platform/audit"
	"dossier/pkg/platform/sentinel"
)

// ComplianceAuditor is fail-closed: an error aborts the transition.
type ComplianceAuditor interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type Service struct {
	store        store.Store
	tx           store.Tx
	compliance   ComplianceAuditor
	requirements models.Requirements
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
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

// WithRequirements replaces DefaultRequirements.
func WithRequirements(r models.Requirements) Option {
	return func(s *Service) {
		if len(r) > 0 {
			s.requirements = r
		}
	}
}

func New(docs store.Store, tx store.Tx, compliance ComplianceAuditor, opts ...Option) (*Service, error) {
	if docs == nil || tx == nil || compliance == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "kyc service requires a store, a transaction runner and a compliance auditor")
	}
	s := &Service{
		store:        docs,
		tx:           tx,
		compliance:   compliance,
		requirements: models.DefaultRequirements,
		logger:       slog.New(slog.DiscardHandler),
		tracer:       otel.Tracer("dossier/kyc"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// refuse records a workflow refusal and returns err unchanged.
func (s *Service) refuse(action string, err error) error {
	if err != nil {
		s.metrics.IncRefusal(action, string(dErrors.CodeOf(err)))
	}
	return err
}

func translateStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.New(dErrors.CodeAlreadyReviewed, "documents were changed by another reviewer")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "document not found")
	default:
		if _, ok := dErrors.As(err); ok {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to access documents")
	}
}

// describeClient condenses a User-Agent header into the short descriptor
// recorded on review audit events, e.g. "Firefox 128.0 (Linux x86_64)".
func describeClient(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if ua.Bot() {
		return "bot: " + name
	}
	out := name
	if version != "" {
		out += " " + version
	}
	if os := ua.OS(); os != "" {
		out += " (" + os + ")"
	}
	if ua.Mobile() {
		out += " mobile"
	}
	return out
}
