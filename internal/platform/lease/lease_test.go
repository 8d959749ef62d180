package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossier/pkg/platform/sentinel"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("second acquire fails while held", func(t *testing.T) {
		l := NewMemoryLocker()
		first, err := l.Acquire(ctx, "document:1", time.Minute)
		require.NoError(t, err)

		_, err = l.Acquire(ctx, "document:1", time.Minute)
		assert.ErrorIs(t, err, sentinel.ErrLeaseHeld)

		require.NoError(t, first.Release(ctx))
		_, err = l.Acquire(ctx, "document:1", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("expired lease can be taken over", func(t *testing.T) {
		l := NewMemoryLocker()
		now := time.Now()
		l.now = func() time.Time { return now }

		stale, err := l.Acquire(ctx, "ingest:u:sha", time.Second)
		require.NoError(t, err)

		now = now.Add(2 * time.Second)
		fresh, err := l.Acquire(ctx, "ingest:u:sha", time.Second)
		require.NoError(t, err)

		// the stale holder's release must not drop the new lease
		require.NoError(t, stale.Release(ctx))
		_, err = l.Acquire(ctx, "ingest:u:sha", time.Second)
		assert.ErrorIs(t, err, sentinel.ErrLeaseHeld)
		require.NoError(t, fresh.Release(ctx))
	})
}
