// Package outbox relays committed audit outbox rows to the event sink.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dossier/pkg/platform/audit/store/postgres"
	txcontext "dossier/pkg/platform/tx"
)

// Publisher ships one outbox payload.
type Publisher interface {
	Publish(ctx context.Context, key, eventType string, payload []byte) error
}

type Relay struct {
	db        *sql.DB
	store     *postgres.Store
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func NewRelay(db *sql.DB, store *postgres.Store, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		db:        db,
		store:     store,
		publisher: publisher,
		logger:    slog.Default(),
		interval:  time.Second,
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox relay failed", "error", err)
			}
		}
	}
}

// RelayOnce publishes one batch. Entries are marked published only after
// every publish in the batch succeeded; a failure rolls the batch back so it
// is retried on the next tick.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	txCtx := txcontext.WithTx(ctx, tx)

	entries, err := r.store.FetchPending(txCtx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if err := r.publisher.Publish(ctx, e.AggregateID, e.EventType, e.Payload); err != nil {
			return 0, fmt.Errorf("publish outbox entry %s: %w", e.ID, err)
		}
		ids = append(ids, e.ID)
	}
	if err := r.store.MarkPublished(txCtx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox tx: %w", err)
	}
	return len(ids), nil
}
