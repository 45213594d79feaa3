package transport

import (
	"context"
	"log/slog"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptoivanen/ranksync/internal/order"
	"github.com/ptoivanen/ranksync/internal/position"
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

// newTestServer starts a Hub over an in-memory store and returns its
// websocket URL.
func newTestServer(t *testing.T) (string, *order.SQLiteStore) {
	t.Helper()

	store, err := order.NewStore(":memory:", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	rc := order.NewReconciler(store, position.NewCalculator(), testLogger(t))
	hub := NewHub(rc, store, testLogger(t))

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), store
}

// newTestClient creates a connected client with buffered delivery channels.
func newTestClient(
	t *testing.T, ctx context.Context, url string,
) (*Client, chan *AckPayload, chan *UpdatePayload, chan *RebalancePayload) {
	t.Helper()

	client := NewClient(url, 50*time.Millisecond, time.Second, testLogger(t))

	acks := make(chan *AckPayload, 16)
	updates := make(chan *UpdatePayload, 16)
	rebalances := make(chan *RebalancePayload, 16)
	connected := make(chan struct{}, 1)

	client.OnAck = func(a *AckPayload) { acks <- a }
	client.OnUpdate = func(u *UpdatePayload) { updates <- u }
	client.OnRebalance = func(r *RebalancePayload) { rebalances <- r }
	client.OnConnect = func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	}

	go func() { _ = client.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect")
	}

	return client, acks, updates, rebalances
}

func waitUpdate(t *testing.T, updates chan *UpdatePayload) *UpdatePayload {
	t.Helper()

	select {
	case upd := <-updates:
		return upd
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
		return nil
	}
}

func waitAck(t *testing.T, acks chan *AckPayload) *AckPayload {
	t.Helper()

	select {
	case ack := <-acks:
		return ack
	case <-time.After(5 * time.Second):
		t.Fatal("no ack received")
		return nil
	}
}

func TestIntentRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, store := newTestServer(t)
	client, acks, _, _ := newTestClient(t, ctx, url)

	scope := order.NewScopeKey("list-1", "root")
	require.NoError(t, client.Subscribe(ctx, scope))

	intent := &order.MutationIntent{
		ID: "intent-1", Scope: scope, ItemID: "task-1",
		Predicted: 1000, OriginTS: order.NowNano(), Actor: "alice",
	}
	require.NoError(t, client.SendIntent(ctx, intent))

	ack := waitAck(t, acks)
	assert.Equal(t, "intent-1", ack.IntentID)
	assert.Equal(t, float64(1000), ack.Position)
	assert.Equal(t, string(order.StateResolved), ack.State)
	assert.False(t, ack.Rebalanced)

	// Authoritative state reflects the mutation.
	items, err := store.ListScope(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "task-1", items[0].ID)
}

func TestDuplicateIntentDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, store := newTestServer(t)
	client, acks, _, _ := newTestClient(t, ctx, url)

	scope := order.NewScopeKey("list-1", "root")
	intent := &order.MutationIntent{
		ID: "intent-1", Scope: scope, ItemID: "task-1",
		Predicted: 1000, OriginTS: order.NowNano(), Actor: "alice",
	}

	require.NoError(t, client.SendIntent(ctx, intent))
	first := waitAck(t, acks)

	// At-least-once delivery: the retransmit gets the journaled outcome.
	require.NoError(t, client.SendIntent(ctx, intent))
	second := waitAck(t, acks)

	assert.Equal(t, first.Position, second.Position)
	assert.Equal(t, first.Revision, second.Revision)

	rev, err := store.ScopeRevision(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, first.Revision, rev)
}

func TestRebalanceBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, store := newTestServer(t)
	scope := order.NewScopeKey("list-1", "root")

	// Adjacent doubles leave no representable midpoint, so the insert
	// between them forces a rebalance.
	require.NoError(t, store.InsertItem(ctx, &order.Item{
		ID: "a", Scope: scope, Position: 10,
		OriginTS: 1, OriginActor: "seed", IntentID: "seed-a",
	}))
	require.NoError(t, store.InsertItem(ctx, &order.Item{
		ID: "b", Scope: scope, Position: position.Value(math.Nextafter(10, 20)),
		OriginTS: 2, OriginActor: "seed", IntentID: "seed-b",
	}))

	sender, acks, _, senderReb := newTestClient(t, ctx, url)
	observer, _, _, observerReb := newTestClient(t, ctx, url)

	require.NoError(t, sender.Subscribe(ctx, scope))
	require.NoError(t, observer.Subscribe(ctx, scope))

	intent := &order.MutationIntent{
		ID: "intent-1", Scope: scope, ItemID: "new",
		PrevItemID: "a", NextItemID: "b",
		Predicted: 10, OriginTS: order.NowNano(), Actor: "alice",
	}
	require.NoError(t, sender.SendIntent(ctx, intent))

	ack := waitAck(t, acks)
	assert.True(t, ack.Rebalanced)

	for name, ch := range map[string]chan *RebalancePayload{
		"sender": senderReb, "observer": observerReb,
	} {
		select {
		case reb := <-ch:
			assert.Equal(t, scope, reb.Scope(), name)
			assert.Len(t, reb.Entries, 2, name)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s did not receive rebalance broadcast", name)
		}
	}
}

func TestResolvedUpdateBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, store := newTestServer(t)
	scope := order.NewScopeKey("list-1", "root")

	require.NoError(t, store.InsertItem(ctx, &order.Item{
		ID: "a", Scope: scope, Position: 1000,
		OriginTS: 1, OriginActor: "seed", IntentID: "seed-a",
	}))
	require.NoError(t, store.InsertItem(ctx, &order.Item{
		ID: "b", Scope: scope, Position: 2000,
		OriginTS: 2, OriginActor: "seed", IntentID: "seed-b",
	}))

	sender, acks, senderUpd, _ := newTestClient(t, ctx, url)
	observer, _, observerUpd, _ := newTestClient(t, ctx, url)

	require.NoError(t, sender.Subscribe(ctx, scope))
	require.NoError(t, observer.Subscribe(ctx, scope))

	// Drain the snapshot frames answering each subscribe.
	for range 2 {
		waitUpdate(t, senderUpd)
		waitUpdate(t, observerUpd)
	}

	intent := &order.MutationIntent{
		ID: "intent-1", Scope: scope, ItemID: "c",
		PrevItemID: "a", NextItemID: "b",
		Predicted: 1500, OriginTS: order.NowNano(), Actor: "alice",
	}
	require.NoError(t, sender.SendIntent(ctx, intent))

	ack := waitAck(t, acks)
	assert.Equal(t, float64(1500), ack.Position)

	// The resolved position reaches every subscriber of the scope, the
	// originator included, not just the ack to the submitting connection.
	for name, ch := range map[string]chan *UpdatePayload{
		"sender": senderUpd, "observer": observerUpd,
	} {
		upd := waitUpdate(t, ch)
		assert.Equal(t, "c", upd.ItemID, name)
		assert.Equal(t, float64(1500), upd.Position, name)
		assert.Equal(t, scope, upd.Scope(), name)
	}
}

func TestSubscribeSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, store := newTestServer(t)
	scope := order.NewScopeKey("list-1", "root")

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.InsertItem(ctx, &order.Item{
			ID: id, Scope: scope, Position: position.Value(1000 * (i + 1)),
			OriginTS: int64(i + 1), OriginActor: "seed", IntentID: "seed-" + id,
		}))
	}

	client, _, updates, _ := newTestClient(t, ctx, url)
	require.NoError(t, client.Subscribe(ctx, scope))

	// Subscribing answers with the scope's current authoritative state, in
	// position order.
	got := make(map[string]float64, 3)
	for range 3 {
		upd := waitUpdate(t, updates)
		got[upd.ItemID] = upd.Position
	}

	assert.Equal(t, map[string]float64{"a": 1000, "b": 2000, "c": 3000}, got)
}

func TestSendWhileDisconnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/sync", time.Millisecond, time.Millisecond, testLogger(t))

	err := client.SendIntent(context.Background(), &order.MutationIntent{ID: "i1"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, client.Connected())
}
