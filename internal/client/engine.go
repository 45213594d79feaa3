package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ptoivanen/ranksync/internal/order"
	"github.com/ptoivanen/ranksync/internal/position"
	"github.com/ptoivanen/ranksync/internal/transport"
)

// Transport is the engine's view of the server connection. A send while
// offline returns transport.ErrNotConnected and the intent stays queued.
type Transport interface {
	SendIntent(ctx context.Context, intent *order.MutationIntent) error
	Subscribe(ctx context.Context, scope order.ScopeKey) error
}

// EngineItem is one positioned item in the local scope cache.
type EngineItem struct {
	ID       string
	Position position.Value
}

// undoEntry captures the state needed to revert an optimistic apply when
// its intent is abandoned before transmission.
type undoEntry struct {
	scope       order.ScopeKey
	itemID      string
	existed     bool
	oldPosition position.Value
}

// Engine is the device-side ordering engine. Reorderings apply to the
// local cache immediately with a predicted position; the matching intent
// goes to the persistent outbox and to the server when connected. Acks and
// rebalance broadcasts converge the cache on authoritative state.
type Engine struct {
	outbox    *Outbox
	transport Transport
	calc      position.Calculator
	actor     string
	logger    *slog.Logger

	mu     sync.Mutex
	scopes map[order.ScopeKey][]EngineItem
	undo   map[string]undoEntry
}

// NewEngine creates an Engine for the given actor identity.
func NewEngine(outbox *Outbox, t Transport, calc position.Calculator, actor string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		outbox:    outbox,
		transport: t,
		calc:      calc,
		actor:     actor,
		logger:    logger,
		scopes:    make(map[order.ScopeKey][]EngineItem),
		undo:      make(map[string]undoEntry),
	}
}

// LoadScope seeds the local cache with a scope snapshot and subscribes to
// the scope's broadcasts.
func (e *Engine) LoadScope(ctx context.Context, scope order.ScopeKey, items []EngineItem) error {
	sorted := make([]EngineItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	e.mu.Lock()
	e.scopes[scope] = sorted
	e.mu.Unlock()

	if err := e.transport.Subscribe(ctx, scope); err != nil {
		return fmt.Errorf("subscribe scope %s: %w", scope, err)
	}

	return nil
}

// Snapshot returns the scope's items in current local order.
func (e *Engine) Snapshot(scope order.ScopeKey) []EngineItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	items := make([]EngineItem, len(e.scopes[scope]))
	copy(items, e.scopes[scope])

	return items
}

// Move places itemID between prevID and nextID (empty string = scope
// boundary), applying the predicted position locally and queueing the
// intent. An unknown itemID is an insert. The returned intent carries the
// ID needed to Abandon the move before transmission.
func (e *Engine) Move(ctx context.Context, scope order.ScopeKey, itemID, prevID, nextID string) (*order.MutationIntent, error) {
	e.mu.Lock()

	prev, next, err := e.neighborPositions(scope, prevID, nextID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	predicted, err := e.calc.Compute(prev, next)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("predict position for %s: %w", itemID, err)
	}

	intent := &order.MutationIntent{
		ID:         uuid.NewString(),
		Scope:      scope,
		ItemID:     itemID,
		PrevItemID: prevID,
		NextItemID: nextID,
		Predicted:  predicted,
		OriginTS:   order.NowNano(),
		Actor:      e.actor,
	}

	e.undo[intent.ID] = e.applyLocked(scope, itemID, predicted)
	crowded := e.scopeCrowdedLocked(scope)
	e.mu.Unlock()

	if crowded {
		e.logger.Warn("scope nearing precision exhaustion, server rebalance expected",
			"scope", scope.String())
	}

	if err := e.outbox.Enqueue(ctx, intent); err != nil {
		// The move never made it into the queue; the cache must not show
		// a reorder that will never reach the server.
		e.mu.Lock()
		if entry, ok := e.undo[intent.ID]; ok {
			delete(e.undo, intent.ID)
			e.revertLocked(entry)
		}
		e.mu.Unlock()

		return nil, err
	}

	e.logger.Debug("optimistic move applied",
		"intent_id", intent.ID,
		"item_id", itemID,
		"scope", scope.String(),
		"predicted", float64(predicted),
	)

	e.submit(ctx, intent)

	return intent, nil
}

// Abandon reverts an intent that has not yet been transmitted, undoing the
// optimistic apply. Returns ErrAlreadySubmitted once the intent left the
// device; at that point only the server outcome resolves it.
func (e *Engine) Abandon(ctx context.Context, intentID string) error {
	if err := e.outbox.Abandon(ctx, intentID); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.undo[intentID]
	if !ok {
		return nil
	}

	delete(e.undo, intentID)
	e.revertLocked(entry)

	e.logger.Info("optimistic move reverted", "intent_id", intentID)

	return nil
}

// revertLocked undoes one optimistic apply: the item returns to its prior
// position, or disappears if the apply inserted it. Caller holds e.mu.
func (e *Engine) revertLocked(entry undoEntry) {
	if entry.existed {
		e.applyLocked(entry.scope, entry.itemID, entry.oldPosition)
	} else {
		e.removeLocked(entry.scope, entry.itemID)
	}
}

// Flush retransmits every unacknowledged intent in origin-timestamp order.
// Stops early when the connection drops mid-flush; the remainder stays
// queued.
func (e *Engine) Flush(ctx context.Context) error {
	intents, err := e.outbox.Pending(ctx)
	if err != nil {
		return err
	}

	for _, intent := range intents {
		if err := e.transport.SendIntent(ctx, intent); err != nil {
			if errors.Is(err, transport.ErrNotConnected) {
				e.logger.Debug("flush interrupted, connection down",
					"remaining", len(intents))
				return nil
			}

			return err
		}

		if err := e.outbox.MarkSubmitted(ctx, intent.ID); err != nil {
			return err
		}
	}

	if len(intents) > 0 {
		e.logger.Info("outbox flushed", "intents", len(intents))
	}

	return nil
}

// HandleAck applies the authoritative outcome for one intent: the item's
// position becomes the server's value (overwriting the prediction) and the
// intent leaves the outbox. Wire this to the transport client's OnAck.
func (e *Engine) HandleAck(ack *transport.AckPayload) {
	ctx := context.Background()
	scope := order.NewScopeKey(ack.ListID, ack.ParentID)

	e.mu.Lock()
	e.applyLocked(scope, ack.ItemID, position.Value(ack.Position))
	delete(e.undo, ack.IntentID)
	e.mu.Unlock()

	if err := e.outbox.Resolve(ctx, ack.IntentID); err != nil {
		e.logger.Error("resolve acked intent failed",
			"intent_id", ack.IntentID, "error", err)
	}

	e.logger.Debug("ack applied",
		"intent_id", ack.IntentID,
		"item_id", ack.ItemID,
		"position", ack.Position,
		"state", ack.State,
		"rebalanced", ack.Rebalanced,
	)
}

// HandleUpdate applies another writer's resolved position, or one row of
// the snapshot answering a subscribe. An item this client has its own
// unacknowledged intent for keeps its optimistic value; the eventual ack
// settles it. Wire this to the transport client's OnUpdate.
func (e *Engine) HandleUpdate(upd *transport.UpdatePayload) {
	scope := upd.Scope()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasPendingLocked(scope, upd.ItemID) {
		e.logger.Debug("update deferred to pending local intent",
			"item_id", upd.ItemID, "scope", scope.String())

		return
	}

	e.applyLocked(scope, upd.ItemID, position.Value(upd.Position))

	e.logger.Debug("authoritative update applied",
		"item_id", upd.ItemID,
		"scope", scope.String(),
		"position", upd.Position,
	)
}

// hasPendingLocked reports whether an unresolved local intent targets the
// item. Caller holds e.mu.
func (e *Engine) hasPendingLocked(scope order.ScopeKey, itemID string) bool {
	for _, entry := range e.undo {
		if entry.scope == scope && entry.itemID == itemID {
			return true
		}
	}

	return false
}

// HandleRebalance replaces the scope's cached positions with the
// broadcast's, unconditionally; a rebalance supersedes every local
// prediction for the scope. Wire this to the transport client's
// OnRebalance.
func (e *Engine) HandleRebalance(reb *transport.RebalancePayload) {
	scope := reb.Scope()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range reb.Entries {
		e.applyLocked(scope, entry.ItemID, position.Value(entry.Position))
	}

	e.logger.Info("rebalance applied",
		"scope", scope.String(),
		"items", len(reb.Entries),
		"revision", reb.Revision,
	)
}

// HandleConnect flushes the outbox after a (re)connect. Wire this to the
// transport client's OnConnect.
func (e *Engine) HandleConnect() {
	if err := e.Flush(context.Background()); err != nil {
		e.logger.Error("flush after reconnect failed", "error", err)
	}
}

// submit attempts immediate transmission; while offline the intent simply
// stays pending.
func (e *Engine) submit(ctx context.Context, intent *order.MutationIntent) {
	err := e.transport.SendIntent(ctx, intent)
	if errors.Is(err, transport.ErrNotConnected) {
		e.logger.Debug("offline, intent queued", "intent_id", intent.ID)
		return
	}

	if err != nil {
		e.logger.Warn("intent send failed, will retry on reconnect",
			"intent_id", intent.ID, "error", err)
		return
	}

	if err := e.outbox.MarkSubmitted(ctx, intent.ID); err != nil {
		e.logger.Error("mark submitted failed", "intent_id", intent.ID, "error", err)
	}
}

// scopeCrowdedLocked reports whether the cached scope has drifted close
// enough to precision exhaustion that the server auditor is likely to
// rebalance it soon. Caller holds e.mu.
func (e *Engine) scopeCrowdedLocked(scope order.ScopeKey) bool {
	items := e.scopes[scope]

	positions := make([]position.Value, len(items))
	for i, it := range items {
		positions[i] = it.Position
	}

	return e.calc.NeedsRebalancing(positions)
}

// neighborPositions resolves neighbor IDs to cached positions. Empty IDs
// are scope boundaries.
func (e *Engine) neighborPositions(scope order.ScopeKey, prevID, nextID string) (*position.Value, *position.Value, error) {
	items := e.scopes[scope]

	var prev, next *position.Value

	if prevID != "" {
		idx := indexOfItem(items, prevID)
		if idx < 0 {
			return nil, nil, fmt.Errorf("client: unknown predecessor %s in scope %s", prevID, scope)
		}

		prev = position.Ptr(items[idx].Position)
	}

	if nextID != "" {
		idx := indexOfItem(items, nextID)
		if idx < 0 {
			return nil, nil, fmt.Errorf("client: unknown successor %s in scope %s", nextID, scope)
		}

		next = position.Ptr(items[idx].Position)
	}

	return prev, next, nil
}

// applyLocked sets an item's position in the scope cache, inserting it if
// absent, and restores position order. Returns the undo entry for the
// previous state. Caller holds e.mu.
func (e *Engine) applyLocked(scope order.ScopeKey, itemID string, pos position.Value) undoEntry {
	items := e.scopes[scope]
	entry := undoEntry{scope: scope, itemID: itemID}

	if idx := indexOfItem(items, itemID); idx >= 0 {
		entry.existed = true
		entry.oldPosition = items[idx].Position
		items[idx].Position = pos
	} else {
		items = append(items, EngineItem{ID: itemID, Position: pos})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	e.scopes[scope] = items

	return entry
}

// removeLocked drops an item from the scope cache. Caller holds e.mu.
func (e *Engine) removeLocked(scope order.ScopeKey, itemID string) {
	items := e.scopes[scope]

	if idx := indexOfItem(items, itemID); idx >= 0 {
		e.scopes[scope] = append(items[:idx], items[idx+1:]...)
	}
}

func indexOfItem(items []EngineItem, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}

	return -1
}
