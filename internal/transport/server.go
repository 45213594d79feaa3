package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ptoivanen/ranksync/internal/order"
)

// Hub accepts client connections, feeds their intents to the reconciler,
// and fans reconciliation outcomes back out. Acks go only to the submitting
// connection; the authoritative position behind each ack, and every
// rebalance, reaches all subscribers of the affected scope including the
// submitter.
type Hub struct {
	reconciler *order.Reconciler
	store      order.Store
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[order.ScopeKey]map[*session]struct{}
}

// session is one client connection. Writes are serialized by writeMu; the
// websocket permits only one concurrent writer.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *session) write(ctx context.Context, env *Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return wsjson.Write(ctx, s.conn, env)
}

// NewHub creates a Hub backed by the given reconciler and store. The store
// serves the scope snapshot sent in answer to each subscribe.
func NewHub(reconciler *order.Reconciler, store order.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		reconciler: reconciler,
		store:      store,
		logger:     logger,
		subs:       make(map[order.ScopeKey]map[*session]struct{}),
	}
}

// Handler returns the websocket endpoint. Mount it at the sync path.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			h.logger.Error("websocket accept failed", "error", err)
			return
		}

		sess := &session{conn: conn}

		h.logger.Info("client connected", "remote", r.RemoteAddr)

		h.serve(r.Context(), sess)

		h.dropSession(sess)
		conn.Close(websocket.StatusNormalClosure, "")

		h.logger.Info("client disconnected", "remote", r.RemoteAddr)
	})
}

// serve runs the connection's read loop until the client goes away.
func (h *Hub) serve(ctx context.Context, sess *session) {
	for {
		var env Envelope

		if err := wsjson.Read(ctx, sess.conn, &env); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				errors.Is(err, context.Canceled) {
				return
			}

			h.logger.Debug("connection read ended", "error", err)

			return
		}

		switch env.Type {
		case MessageSubscribe:
			if env.Subscribe == nil {
				h.writeError(ctx, sess, "", "subscribe payload missing")
				continue
			}

			h.subscribe(env.Subscribe.Scope(), sess)
			h.sendSnapshot(ctx, sess, env.Subscribe.Scope())

		case MessageIntent:
			if env.Intent == nil {
				h.writeError(ctx, sess, "", "intent payload missing")
				continue
			}

			h.handleIntent(ctx, sess, env.Intent)

		default:
			h.writeError(ctx, sess, "", "unexpected message type "+string(env.Type))
		}
	}
}

// handleIntent reconciles one intent and writes the ack. When
// reconciliation forced a rebalance, the full plan is broadcast to the
// scope's subscribers before the ack so the submitter sees the re-spaced
// scope by the time its own position arrives.
func (h *Hub) handleIntent(ctx context.Context, sess *session, payload *IntentPayload) {
	intent := payload.ToIntent()

	result, err := h.reconciler.Reconcile(ctx, intent)
	if err != nil {
		h.logger.Error("reconcile failed",
			"intent_id", intent.ID, "scope", intent.Scope.String(), "error", err)
		h.writeError(ctx, sess, intent.ID, "reconciliation failed")

		return
	}

	if result.Plan != nil {
		h.BroadcastRebalance(ctx, result.Plan)
	} else {
		// Every replica of the scope converges on the resolved position,
		// plus any occupant the reconciliation displaced along the way.
		h.BroadcastUpdate(ctx, UpdateFromOutcome(result.Outcome))

		for i := range result.Updates {
			h.BroadcastUpdate(ctx, UpdateFromChange(&result.Updates[i]))
		}
	}

	ack := &Envelope{Type: MessageAck, Ack: AckFromOutcome(result.Outcome)}
	if err := sess.write(ctx, ack); err != nil {
		h.logger.Debug("ack write failed", "intent_id", intent.ID, "error", err)
	}
}

// subscribe registers the session for a scope's broadcasts.
func (h *Hub) subscribe(scope order.ScopeKey, sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[scope]
	if !ok {
		set = make(map[*session]struct{})
		h.subs[scope] = set
	}

	set[sess] = struct{}{}

	h.logger.Debug("scope subscribed", "scope", scope.String(), "subscribers", len(set))
}

// dropSession removes the session from every scope's subscriber set.
func (h *Hub) dropSession(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for scope, set := range h.subs {
		delete(set, sess)

		if len(set) == 0 {
			delete(h.subs, scope)
		}
	}
}

// sendSnapshot writes the scope's current authoritative positions to a
// freshly subscribed session, one update frame per live item. A client
// reconnecting after an offline stretch catches up on everything it missed
// before its queued intents replay.
func (h *Hub) sendSnapshot(ctx context.Context, sess *session, scope order.ScopeKey) {
	items, err := h.store.ListScope(ctx, scope)
	if err != nil {
		h.logger.Error("snapshot read failed", "scope", scope.String(), "error", err)
		return
	}

	revision, err := h.store.ScopeRevision(ctx, scope)
	if err != nil {
		h.logger.Error("snapshot revision read failed", "scope", scope.String(), "error", err)
		return
	}

	for _, item := range items {
		env := &Envelope{Type: MessageUpdate, Update: &UpdatePayload{
			ItemID:   item.ID,
			ListID:   scope.ListID,
			ParentID: scope.ParentID,
			Position: float64(item.Position),
			Revision: revision,
		}}

		if err := sess.write(ctx, env); err != nil {
			h.logger.Debug("snapshot write failed", "scope", scope.String(), "error", err)
			return
		}
	}
}

// BroadcastUpdate pushes one item's authoritative position to every
// subscriber of its scope. Write failures are logged and skipped; a dead
// connection is reaped by its own read loop.
func (h *Hub) BroadcastUpdate(ctx context.Context, update *UpdatePayload) {
	env := &Envelope{Type: MessageUpdate, Update: update}
	scope := update.Scope()

	h.mu.Lock()
	sessions := make([]*session, 0, len(h.subs[scope]))
	for sess := range h.subs[scope] {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.write(ctx, env); err != nil {
			h.logger.Debug("update broadcast write failed", "error", err)
		}
	}
}

// BroadcastRebalance pushes an applied rebalance plan to every subscriber
// of its scope. Write failures are logged and skipped; a dead connection is
// reaped by its own read loop.
func (h *Hub) BroadcastRebalance(ctx context.Context, plan *order.RebalancePlan) {
	env := &Envelope{Type: MessageRebalance, Rebalance: RebalanceFromPlan(plan)}

	h.mu.Lock()
	sessions := make([]*session, 0, len(h.subs[plan.Scope]))
	for sess := range h.subs[plan.Scope] {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.write(ctx, env); err != nil {
			h.logger.Debug("rebalance broadcast write failed", "error", err)
		}
	}

	h.logger.Info("rebalance broadcast",
		"scope", plan.Scope.String(), "subscribers", len(sessions))
}

func (h *Hub) writeError(ctx context.Context, sess *session, intentID, msg string) {
	env := &Envelope{Type: MessageError, Error: &ErrorPayload{IntentID: intentID, Message: msg}}
	if err := sess.write(ctx, env); err != nil {
		h.logger.Debug("error write failed", "error", err)
	}
}
