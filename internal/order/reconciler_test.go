package order

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptoivanen/ranksync/internal/position"
)

func newTestReconciler(t *testing.T) (*Reconciler, *SQLiteStore) {
	t.Helper()

	store := newTestStore(t)

	return NewReconciler(store, position.NewCalculator(), testLogger(t)), store
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	scope := testScope()

	t.Run("first item in empty scope lands at seed", func(t *testing.T) {
		rc, store := newTestReconciler(t)

		res, err := rc.Reconcile(ctx, &MutationIntent{
			ID: "i1", Scope: scope, ItemID: "a",
			Predicted: 1000, OriginTS: 100, Actor: "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, position.Value(1000), res.Outcome.Position)
		assert.Equal(t, StateResolved, res.Outcome.State)
		assert.Equal(t, int64(1), res.Outcome.Revision)
		assert.False(t, res.Outcome.Rebalanced)

		conflicts, err := store.ListConflicts(ctx, scope)
		require.NoError(t, err)
		assert.Empty(t, conflicts)
	})

	t.Run("midpoint insert between neighbors", func(t *testing.T) {
		rc, store := newTestReconciler(t)
		require.NoError(t, store.InsertItem(ctx, makeTestItem("a", scope, 1000)))
		require.NoError(t, store.InsertItem(ctx, makeTestItem("b", scope, 2000)))

		res, err := rc.Reconcile(ctx, &MutationIntent{
			ID: "i1", Scope: scope, ItemID: "new",
			PrevItemID: "a", NextItemID: "b",
			Predicted: 1500, OriginTS: 100, Actor: "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, position.Value(1500), res.Outcome.Position)
		assert.Equal(t, StateResolved, res.Outcome.State)
	})

	t.Run("redelivered intent returns journaled outcome", func(t *testing.T) {
		rc, store := newTestReconciler(t)

		intent := &MutationIntent{
			ID: "i1", Scope: scope, ItemID: "a",
			Predicted: 1000, OriginTS: 100, Actor: "alice",
		}

		first, err := rc.Reconcile(ctx, intent)
		require.NoError(t, err)

		second, err := rc.Reconcile(ctx, intent)
		require.NoError(t, err)
		assert.Equal(t, first.Outcome.Position, second.Outcome.Position)
		assert.Equal(t, first.Outcome.Revision, second.Outcome.Revision)

		// Replaying did not touch the scope.
		rev, err := store.ScopeRevision(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, first.Outcome.Revision, rev)
	})

	t.Run("deleted anchors degrade to end of scope", func(t *testing.T) {
		rc, store := newTestReconciler(t)
		require.NoError(t, store.InsertItem(ctx, makeTestItem("a", scope, 1000)))
		require.NoError(t, store.InsertItem(ctx, makeTestItem("b", scope, 2000)))
		require.NoError(t, store.InsertItem(ctx, makeTestItem("c", scope, 3000)))
		require.NoError(t, store.MarkDeleted(ctx, "a", NowNano()))
		require.NoError(t, store.MarkDeleted(ctx, "b", NowNano()))

		res, err := rc.Reconcile(ctx, &MutationIntent{
			ID: "i1", Scope: scope, ItemID: "new",
			PrevItemID: "a", NextItemID: "b",
			Predicted: 1500, OriginTS: 100, Actor: "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, StateRejected, res.Outcome.State)
		assert.Equal(t, position.Value(4000), res.Outcome.Position)
	})

	t.Run("precision exhaustion forces rebalance", func(t *testing.T) {
		rc, store := newTestReconciler(t)

		// Adjacent doubles: the gap between them has no representable midpoint.
		lo := position.Value(10)
		hi := position.Value(math.Nextafter(10, 20))
		require.NoError(t, store.InsertItem(ctx, makeTestItem("a", scope, lo)))
		require.NoError(t, store.InsertItem(ctx, makeTestItem("b", scope, hi)))

		res, err := rc.Reconcile(ctx, &MutationIntent{
			ID: "i1", Scope: scope, ItemID: "new",
			PrevItemID: "a", NextItemID: "b",
			Predicted: lo, OriginTS: 100, Actor: "alice",
		})
		require.NoError(t, err)
		assert.True(t, res.Outcome.Rebalanced)
		require.NotNil(t, res.Plan)
		assert.Equal(t, StateResolved, res.Outcome.State)

		items, err := store.ListScope(ctx, scope)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "a", items[0].ID)
		assert.Equal(t, "new", items[1].ID)
		assert.Equal(t, "b", items[2].ID)
		assert.Equal(t, position.Value(1000), items[0].Position)
		assert.Equal(t, position.Value(1500), items[1].Position)
		assert.Equal(t, position.Value(2000), items[2].Position)
		assert.Equal(t, res.Outcome.Position, items[1].Position)
	})
}

// runDisputedGap reconciles the two intents in the given order and returns
// the scope's final item IDs and positions.
func runDisputedGap(t *testing.T, first, second *MutationIntent) ([]string, []position.Value) {
	t.Helper()

	ctx := context.Background()
	scope := testScope()
	rc, store := newTestReconciler(t)

	itemA := makeTestItem("A", scope, 10)
	itemA.OriginTS = 1
	itemB := makeTestItem("B", scope, 20)
	itemB.OriginTS = 2
	require.NoError(t, store.InsertItem(ctx, itemA))
	require.NoError(t, store.InsertItem(ctx, itemB))

	_, err := rc.Reconcile(ctx, first)
	require.NoError(t, err)
	_, err = rc.Reconcile(ctx, second)
	require.NoError(t, err)

	items, err := store.ListScope(ctx, scope)
	require.NoError(t, err)

	ids := make([]string, len(items))
	positions := make([]position.Value, len(items))

	for i, it := range items {
		ids[i] = it.ID
		positions[i] = it.Position
	}

	return ids, positions
}

func TestReconcileDisputedGap(t *testing.T) {
	scope := testScope()

	// Two offline writers both computed midpoint(10, 20) = 15 for the gap
	// between A and B. The earlier origin timestamp must hold 15 and the
	// later writer must move to midpoint(15, 20) = 17.5, whichever intent
	// reaches the server first.
	early := &MutationIntent{
		ID: "intent-early", Scope: scope, ItemID: "x",
		PrevItemID: "A", NextItemID: "B",
		Predicted: 15, OriginTS: 100, Actor: "alice",
	}
	late := &MutationIntent{
		ID: "intent-late", Scope: scope, ItemID: "y",
		PrevItemID: "A", NextItemID: "B",
		Predicted: 15, OriginTS: 200, Actor: "bob",
	}

	wantIDs := []string{"A", "x", "y", "B"}
	wantPositions := []position.Value{10, 15, 17.5, 20}

	t.Run("earlier intent arrives first", func(t *testing.T) {
		ids, positions := runDisputedGap(t, early, late)
		assert.Equal(t, wantIDs, ids)
		assert.Equal(t, wantPositions, positions)
	})

	t.Run("later intent arrives first", func(t *testing.T) {
		ids, positions := runDisputedGap(t, late, early)
		assert.Equal(t, wantIDs, ids)
		assert.Equal(t, wantPositions, positions)
	})

	t.Run("displaced occupant reported for fan-out", func(t *testing.T) {
		ctx := context.Background()
		rc, store := newTestReconciler(t)

		itemA := makeTestItem("A", scope, 10)
		itemA.OriginTS = 1
		itemB := makeTestItem("B", scope, 20)
		itemB.OriginTS = 2
		require.NoError(t, store.InsertItem(ctx, itemA))
		require.NoError(t, store.InsertItem(ctx, itemB))

		_, err := rc.Reconcile(ctx, late)
		require.NoError(t, err)

		// The earlier writer takes 15 and bumps y. Subscribers other
		// than the two writers only learn about y through the result.
		res, err := rc.Reconcile(ctx, early)
		require.NoError(t, err)

		require.Len(t, res.Updates, 1)
		assert.Equal(t, "y", res.Updates[0].ItemID)
		assert.Equal(t, position.Value(17.5), res.Updates[0].Position)
	})

	t.Run("clock-equal writers break by intent ID", func(t *testing.T) {
		twinA := &MutationIntent{
			ID: "intent-aaa", Scope: scope, ItemID: "x",
			PrevItemID: "A", NextItemID: "B",
			Predicted: 15, OriginTS: 100, Actor: "alice",
		}
		twinB := &MutationIntent{
			ID: "intent-bbb", Scope: scope, ItemID: "y",
			PrevItemID: "A", NextItemID: "B",
			Predicted: 15, OriginTS: 100, Actor: "bob",
		}

		idsForward, posForward := runDisputedGap(t, twinA, twinB)
		idsReverse, posReverse := runDisputedGap(t, twinB, twinA)

		assert.Equal(t, []string{"A", "x", "y", "B"}, idsForward)
		assert.Equal(t, idsForward, idsReverse)
		assert.Equal(t, posForward, posReverse)
	})
}

func TestForcedRebalance(t *testing.T) {
	ctx := context.Background()
	scope := testScope()
	rc, store := newTestReconciler(t)

	require.NoError(t, store.InsertItem(ctx, makeTestItem("a", scope, 1.25)))
	require.NoError(t, store.InsertItem(ctx, makeTestItem("b", scope, 1.5)))
	require.NoError(t, store.InsertItem(ctx, makeTestItem("c", scope, 900)))

	plan, err := rc.Rebalance(ctx, scope)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 3)

	items, err := store.ListScope(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, position.Value(1000), items[0].Position)
	assert.Equal(t, position.Value(2000), items[1].Position)
	assert.Equal(t, position.Value(3000), items[2].Position)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)
	assert.Equal(t, "c", items[2].ID)

	rev, err := store.ScopeRevision(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, plan.Revision, rev)
}

// TestOfflineConvergence walks the full offline story: two actors queue
// mutations against the same starting snapshot, deliver them interleaved,
// and every replica that applies the outcomes converges on one layout.
func TestOfflineConvergence(t *testing.T) {
	ctx := context.Background()
	scope := testScope()
	rc, store := newTestReconciler(t)

	// Shared starting snapshot both actors saw before going offline.
	for i, id := range []string{"t1", "t2", "t3"} {
		item := makeTestItem(id, scope, position.Value(1000*(i+1)))
		item.OriginTS = int64(i)
		require.NoError(t, store.InsertItem(ctx, item))
	}

	// Alice (offline first) moves t3 between t1 and t2, predicting 1500.
	// Bob (offline later) inserts a new task in the same gap, also 1500.
	// Bob's queue reaches the server before Alice's.
	bob := &MutationIntent{
		ID: "intent-bob", Scope: scope, ItemID: "t4",
		PrevItemID: "t1", NextItemID: "t2",
		Predicted: 1500, OriginTS: 2000, Actor: "bob",
	}
	alice := &MutationIntent{
		ID: "intent-alice", Scope: scope, ItemID: "t3",
		PrevItemID: "t1", NextItemID: "t2",
		Predicted: 1500, OriginTS: 1000, Actor: "alice",
	}

	bobRes, err := rc.Reconcile(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, position.Value(1500), bobRes.Outcome.Position)

	aliceRes, err := rc.Reconcile(ctx, alice)
	require.NoError(t, err)

	// Alice's earlier edit holds the disputed midpoint; Bob's insert is
	// pushed to the next gap despite having arrived first.
	assert.Equal(t, position.Value(1500), aliceRes.Outcome.Position)

	items, err := store.ListScope(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, []string{"t1", "t3", "t4", "t2"}, []string{
		items[0].ID, items[1].ID, items[2].ID, items[3].ID,
	})
	assert.Equal(t, position.Value(1500), items[1].Position)
	assert.Equal(t, position.Value(1750), items[2].Position)

	// Bob's divergence is on the ledger as an expected concurrency effect.
	conflicts, err := store.ListConflicts(ctx, scope)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "intent-bob", conflicts[0].IntentID)
	assert.Equal(t, DivergenceConflict, conflicts[0].Divergence)
}
