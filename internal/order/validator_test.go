package order

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	ctx := context.Background()
	scope := testScope()

	intent := &MutationIntent{
		ID: "i1", Scope: scope, ItemID: "item-1",
		Predicted: 15, Actor: "alice",
	}

	t.Run("exact match is no divergence", func(t *testing.T) {
		store := newTestStore(t)
		v := NewValidator(store, testLogger(t))

		div, err := v.Validate(ctx, intent, 15, true)
		require.NoError(t, err)
		assert.Equal(t, DivergenceNone, div)

		records, err := store.ListConflicts(ctx, scope)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("divergence with different neighbors is a conflict", func(t *testing.T) {
		store := newTestStore(t)
		v := NewValidator(store, testLogger(t))

		div, err := v.Validate(ctx, intent, 17.5, false)
		require.NoError(t, err)
		assert.Equal(t, DivergenceConflict, div)

		records, err := store.ListConflicts(ctx, scope)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "i1", records[0].IntentID)
		assert.Equal(t, intent.Predicted, records[0].Predicted)
		assert.EqualValues(t, 17.5, records[0].Authoritative)
		assert.Equal(t, "alice", records[0].Actor)
	})

	t.Run("divergence with matching neighbors is a logic fault", func(t *testing.T) {
		store := newTestStore(t)
		v := NewValidator(store, testLogger(t))

		div, err := v.Validate(ctx, intent, 15.0000001, true)
		require.NoError(t, err)
		assert.Equal(t, DivergenceLogic, div)

		records, err := store.ListConflicts(ctx, scope)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, DivergenceLogic, records[0].Divergence)
	})

	t.Run("tolerance permits small deltas", func(t *testing.T) {
		store := newTestStore(t)
		v := NewValidator(store, testLogger(t))
		v.Tolerance = 1e-6

		div, err := v.Validate(ctx, intent, 15.0000000001, true)
		require.NoError(t, err)
		assert.Equal(t, DivergenceNone, div)
	})
}
