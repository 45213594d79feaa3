package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptoivanen/ranksync/internal/order"
	"github.com/ptoivanen/ranksync/internal/position"
	"github.com/ptoivanen/ranksync/internal/transport"
)

// newIntegrationServer starts a full reconciling hub over an in-memory
// store and returns its websocket URL alongside the store for seeding.
func newIntegrationServer(t *testing.T) (string, *order.SQLiteStore) {
	t.Helper()

	store, err := order.NewStore(":memory:", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	rc := order.NewReconciler(store, position.NewCalculator(), testLogger(t))
	hub := transport.NewHub(rc, store, testLogger(t))

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), store
}

// newIntegrationEngine wires an Engine to a real websocket client and runs
// it until the test ends. The returned channel fires once per server ack.
func newIntegrationEngine(
	t *testing.T, ctx context.Context, url string,
) (*Engine, chan string) {
	t.Helper()

	wsClient := transport.NewClient(url, 50*time.Millisecond, time.Second, testLogger(t))
	engine := NewEngine(newTestOutbox(t), wsClient, position.NewCalculator(), "alice", testLogger(t))

	acked := make(chan string, 16)
	connected := make(chan struct{}, 1)

	wsClient.OnAck = func(ack *transport.AckPayload) {
		engine.HandleAck(ack)
		acked <- ack.IntentID
	}
	wsClient.OnUpdate = engine.HandleUpdate
	wsClient.OnRebalance = engine.HandleRebalance
	wsClient.OnConnect = func() {
		engine.HandleConnect()

		select {
		case connected <- struct{}{}:
		default:
		}
	}

	go func() { _ = wsClient.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("engine transport did not connect")
	}

	return engine, acked
}

func waitAcked(t *testing.T, acked chan string, intentID string) {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case id := <-acked:
			if id == intentID {
				return
			}
		case <-deadline:
			t.Fatalf("no ack for %s", intentID)
		}
	}
}

func seedIntegrationScope(t *testing.T, store *order.SQLiteStore) order.ScopeKey {
	t.Helper()

	ctx := context.Background()
	scope := order.NewScopeKey("list-1", "root")

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.InsertItem(ctx, &order.Item{
			ID: id, Scope: scope, Position: position.Value(1000 * (i + 1)),
			OriginTS: int64(i + 1), OriginActor: "seed", IntentID: "seed-" + id,
		}))
	}

	return scope
}

func TestEngineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, store := newIntegrationServer(t)
	scope := seedIntegrationScope(t, store)
	engine, acked := newIntegrationEngine(t, ctx, url)

	require.NoError(t, engine.LoadScope(ctx, scope, []EngineItem{
		{ID: "a", Position: 1000},
		{ID: "b", Position: 2000},
		{ID: "c", Position: 3000},
	}))

	// Move c between a and b. The optimistic midpoint and the server's
	// authoritative answer agree, so the ack confirms 1500.
	intent, err := engine.Move(ctx, scope, "c", "a", "b")
	require.NoError(t, err)
	waitAcked(t, acked, intent.ID)

	assert.Equal(t, []string{"a", "c", "b"}, snapshotIDs(engine, scope))

	items, err := store.ListScope(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "c", items[1].ID)
	assert.Equal(t, position.Value(1500), items[1].Position)

	// The outbox drains once the outcome lands.
	depth, err := engine.outbox.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

// TestConcurrentMovesConverge builds a scope through one replica, then has
// an offline replica move A to the end while the online replica moves B
// between A and C. Both replicas and the server must settle on the same
// deterministic order once the offline replica reconnects.
func TestConcurrentMovesConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, store := newIntegrationServer(t)
	scope := order.NewScopeKey("list-1", "root")

	alice, aliceAcked := newIntegrationEngine(t, ctx, url)
	require.NoError(t, alice.LoadScope(ctx, scope, nil))

	for _, ins := range []struct{ id, prev, next string }{
		{"A", "", ""},
		{"B", "A", ""},
		{"C", "A", "B"},
	} {
		intent, err := alice.Move(ctx, scope, ins.id, ins.prev, ins.next)
		require.NoError(t, err)
		waitAcked(t, aliceAcked, intent.ID)
	}

	// Bob replicated the scope before dropping offline.
	wsBob := transport.NewClient(url, 50*time.Millisecond, time.Second, testLogger(t))
	bob := NewEngine(newTestOutbox(t), wsBob, position.NewCalculator(), "bob", testLogger(t))
	require.NoError(t, bob.LoadScope(ctx, scope, []EngineItem{
		{ID: "A", Position: 1000},
		{ID: "C", Position: 1500},
		{ID: "B", Position: 2000},
	}))

	// Offline: bob moves A to the end. The intent stays queued.
	bobIntent, err := bob.Move(ctx, scope, "A", "B", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, snapshotIDs(bob, scope))

	// Online: alice concurrently moves B between A and C.
	aliceIntent, err := alice.Move(ctx, scope, "B", "A", "C")
	require.NoError(t, err)
	waitAcked(t, aliceAcked, aliceIntent.ID)

	// Bob reconnects: the subscribe snapshot catches him up on alice's
	// move, then his queued intent replays against the fresh state.
	bobAcked := make(chan string, 16)

	wsBob.OnAck = func(ack *transport.AckPayload) {
		bob.HandleAck(ack)
		bobAcked <- ack.IntentID
	}
	wsBob.OnUpdate = bob.HandleUpdate
	wsBob.OnRebalance = bob.HandleRebalance
	wsBob.OnConnect = bob.HandleConnect

	go func() { _ = wsBob.Run(ctx) }()

	waitAcked(t, bobAcked, bobIntent.ID)

	items, err := store.ListScope(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 3)

	serverOrder := make([]string, len(items))
	for i, it := range items {
		serverOrder[i] = it.ID
	}

	assert.Equal(t, []string{"B", "A", "C"}, serverOrder)

	// Both replicas converge on the server's order, including positions.
	for name, engine := range map[string]*Engine{"alice": alice, "bob": bob} {
		require.Eventuallyf(t, func() bool {
			snap := engine.Snapshot(scope)
			if len(snap) != len(items) {
				return false
			}

			for i, it := range items {
				if snap[i].ID != it.ID || snap[i].Position != it.Position {
					return false
				}
			}

			return true
		}, 5*time.Second, 20*time.Millisecond, "%s did not converge on server order", name)
	}
}

func TestEngineOfflineReplay(t *testing.T) {
	ctx := context.Background()

	url, store := newIntegrationServer(t)
	scope := seedIntegrationScope(t, store)

	// Queue a move with the transport down. The optimistic apply happens
	// locally and the intent stays in the outbox.
	wsClient := transport.NewClient(url, 50*time.Millisecond, time.Second, testLogger(t))
	engine := NewEngine(newTestOutbox(t), wsClient, position.NewCalculator(), "alice", testLogger(t))

	require.NoError(t, engine.LoadScope(ctx, scope, []EngineItem{
		{ID: "a", Position: 1000},
		{ID: "b", Position: 2000},
		{ID: "c", Position: 3000},
	}))

	intent, err := engine.Move(ctx, scope, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, snapshotIDs(engine, scope))

	depth, err := engine.outbox.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// Server has seen nothing yet.
	rev, err := store.ScopeRevision(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rev)

	// Bring the transport up. HandleConnect flushes the queued intent.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	acked := make(chan string, 16)

	wsClient.OnAck = func(ack *transport.AckPayload) {
		engine.HandleAck(ack)
		acked <- ack.IntentID
	}
	wsClient.OnUpdate = engine.HandleUpdate
	wsClient.OnRebalance = engine.HandleRebalance
	wsClient.OnConnect = engine.HandleConnect

	go func() { _ = wsClient.Run(runCtx) }()

	waitAcked(t, acked, intent.ID)

	items, err := store.ListScope(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[1].ID)
	assert.Equal(t, position.Value(2500), items[1].Position)

	depth, err = engine.outbox.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}
