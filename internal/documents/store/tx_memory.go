package store

import (
	"context"
	"sync"
	"time"

	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
)

// numOwnerShards spreads owners across mutexes so unrelated users rarely
// contend.
const numOwnerShards = 128

// DefaultTxTimeout bounds a transaction when ctx carries no deadline.
const DefaultTxTimeout = 5 * time.Second

// ShardedTx serialises work per owner with sharded mutexes. It provides
// isolation but not rollback: a failing fn leaves earlier writes in place.
type ShardedTx struct {
	shards  [numOwnerShards]sync.Mutex
	store   Store
	timeout time.Duration
}

func NewShardedTx(store Store) *ShardedTx {
	return &ShardedTx{store: store, timeout: DefaultTxTimeout}
}

func (t *ShardedTx) RunInTx(ctx context.Context, ownerID id.UserID, fn func(ctx context.Context, s Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	shard := &t.shards[hashOwner(ownerID.String())%numOwnerShards]
	shard.Lock()
	defer shard.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(ctx, t.store)
}

// hashOwner is FNV-1a.
func hashOwner(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
