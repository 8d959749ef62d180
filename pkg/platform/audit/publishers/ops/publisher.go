// Package ops records routine activity such as document downloads. Events
// are sampled and persisted best-effort: a store failure is logged and
// never reaches the caller.
package ops

import (
	"context"
	"log/slog"
	"time"

	audit "dossier/pkg/platform/audit"
)

type Publisher struct {
	store   audit.Store
	sampler *Sampler
	logger  *slog.Logger
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithSampler(s *Sampler) Option {
	return func(p *Publisher) { p.sampler = s }
}

// New keeps every event unless a sampler is supplied.
func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, sampler: NewSampler(1), logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Emit(ctx context.Context, event audit.OpsEvent) {
	if p == nil || !p.sampler.ShouldSample(event.Action) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := p.store.Append(ctx, event.ToEvent()); err != nil {
		p.logger.WarnContext(ctx, "ops audit event dropped",
			"action", event.Action,
			"subject", event.Subject,
			"error", err,
		)
	}
}
