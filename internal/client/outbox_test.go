package client

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptoivanen/ranksync/internal/order"
)

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()

	outbox, err := NewOutbox(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, outbox.Close())
	})

	return outbox
}

func makeIntent(id string, originTS int64) *order.MutationIntent {
	return &order.MutationIntent{
		ID:       id,
		Scope:    order.NewScopeKey("list-1", "root"),
		ItemID:   "item-" + id,
		OriginTS: originTS,
		Actor:    "alice",
	}
}

func TestOutboxQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("pending returned in origin order", func(t *testing.T) {
		outbox := newTestOutbox(t)

		require.NoError(t, outbox.Enqueue(ctx, makeIntent("i-late", 300)))
		require.NoError(t, outbox.Enqueue(ctx, makeIntent("i-early", 100)))
		require.NoError(t, outbox.Enqueue(ctx, makeIntent("i-mid", 200)))

		pending, err := outbox.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, "i-early", pending[0].ID)
		assert.Equal(t, "i-mid", pending[1].ID)
		assert.Equal(t, "i-late", pending[2].ID)
	})

	t.Run("submitted intents remain pending until resolved", func(t *testing.T) {
		outbox := newTestOutbox(t)

		require.NoError(t, outbox.Enqueue(ctx, makeIntent("i1", 100)))
		require.NoError(t, outbox.MarkSubmitted(ctx, "i1"))

		// An unacknowledged submit must survive for retransmission.
		pending, err := outbox.Pending(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		require.NoError(t, outbox.Resolve(ctx, "i1"))

		pending, err = outbox.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("depth counts unacknowledged intents", func(t *testing.T) {
		outbox := newTestOutbox(t)

		require.NoError(t, outbox.Enqueue(ctx, makeIntent("i1", 100)))
		require.NoError(t, outbox.Enqueue(ctx, makeIntent("i2", 200)))

		depth, err := outbox.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, depth)
	})
}

func TestOutboxAbandon(t *testing.T) {
	ctx := context.Background()

	t.Run("pending intent can be abandoned", func(t *testing.T) {
		outbox := newTestOutbox(t)

		require.NoError(t, outbox.Enqueue(ctx, makeIntent("i1", 100)))
		require.NoError(t, outbox.Abandon(ctx, "i1"))

		pending, err := outbox.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("submitted intent cannot be abandoned", func(t *testing.T) {
		outbox := newTestOutbox(t)

		require.NoError(t, outbox.Enqueue(ctx, makeIntent("i1", 100)))
		require.NoError(t, outbox.MarkSubmitted(ctx, "i1"))

		err := outbox.Abandon(ctx, "i1")
		assert.ErrorIs(t, err, ErrAlreadySubmitted)
	})

	t.Run("abandoning unknown intent is a no-op", func(t *testing.T) {
		outbox := newTestOutbox(t)
		assert.NoError(t, outbox.Abandon(ctx, "ghost"))
	})
}

func TestOutboxPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")

	outbox, err := NewOutbox(path, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, outbox.Enqueue(ctx, makeIntent("i1", 100)))
	require.NoError(t, outbox.Close())

	// Intents survive a process restart.
	reopened, err := NewOutbox(path, testLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "i1", pending[0].ID)
}
