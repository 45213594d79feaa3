// Package transport carries mutation intents and reconciliation outcomes
// between clients and the server over a websocket connection. The wire
// format is a JSON envelope with one payload per message type; delivery is
// at-least-once, and the reconciler's intent journal absorbs duplicates.
package transport

import (
	"github.com/ptoivanen/ranksync/internal/order"
	"github.com/ptoivanen/ranksync/internal/position"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	// MessageSubscribe registers the connection for a scope's broadcasts.
	MessageSubscribe MessageType = "subscribe"
	// MessageIntent submits a mutation intent for reconciliation.
	MessageIntent MessageType = "intent"
	// MessageAck returns the authoritative outcome for one intent.
	MessageAck MessageType = "ack"
	// MessageUpdate pushes one item's authoritative position to subscribers.
	MessageUpdate MessageType = "update"
	// MessageRebalance pushes a full scope re-spacing to subscribers.
	MessageRebalance MessageType = "rebalance"
	// MessageError reports a request the server could not process.
	MessageError MessageType = "error"
)

// Envelope is the wire frame. Exactly one payload field is set, matching
// Type.
type Envelope struct {
	Type      MessageType       `json:"type"`
	Subscribe *SubscribePayload `json:"subscribe,omitempty"`
	Intent    *IntentPayload    `json:"intent,omitempty"`
	Ack       *AckPayload       `json:"ack,omitempty"`
	Update    *UpdatePayload    `json:"update,omitempty"`
	Rebalance *RebalancePayload `json:"rebalance,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
}

// SubscribePayload names the scope the connection wants broadcasts for.
type SubscribePayload struct {
	ListID   string `json:"list_id"`
	ParentID string `json:"parent_id"`
}

// IntentPayload is the wire form of a mutation intent: the client's claimed
// neighbors and predicted position, stamped with its origin timestamp.
type IntentPayload struct {
	ID         string  `json:"id"`
	ListID     string  `json:"list_id"`
	ParentID   string  `json:"parent_id"`
	ItemID     string  `json:"item_id"`
	PrevItemID string  `json:"prev_item_id,omitempty"`
	NextItemID string  `json:"next_item_id,omitempty"`
	Predicted  float64 `json:"predicted"`
	OriginTS   int64   `json:"origin_ts"`
	Actor      string  `json:"actor"`
}

// AckPayload is the authoritative outcome for one intent. When Rebalanced
// is true a rebalance broadcast for the same scope accompanies the ack and
// the client replaces its whole scope rather than patching one position.
type AckPayload struct {
	IntentID   string  `json:"intent_id"`
	ItemID     string  `json:"item_id"`
	ListID     string  `json:"list_id"`
	ParentID   string  `json:"parent_id"`
	Position   float64 `json:"position"`
	Revision   int64   `json:"revision"`
	State      string  `json:"state"`
	Rebalanced bool    `json:"rebalanced"`
}

// UpdatePayload carries one item's authoritative position. The server fans
// one out to every subscriber of the scope after each reconciliation, and
// sends one per item as the scope snapshot answering a subscribe.
type UpdatePayload struct {
	ItemID   string  `json:"item_id"`
	ListID   string  `json:"list_id"`
	ParentID string  `json:"parent_id"`
	Position float64 `json:"position"`
	Revision int64   `json:"revision"`
}

// RebalancePayload is a full scope re-spacing. Clients apply it
// unconditionally; it supersedes any locally predicted positions.
type RebalancePayload struct {
	ListID   string                  `json:"list_id"`
	ParentID string                  `json:"parent_id"`
	Revision int64                   `json:"revision"`
	Entries  []RebalanceEntryPayload `json:"entries"`
}

// RebalanceEntryPayload is one item's new position within a rebalance.
type RebalanceEntryPayload struct {
	ItemID   string  `json:"item_id"`
	Position float64 `json:"position"`
}

// ErrorPayload reports a failed request. IntentID is set when the failure
// relates to a specific intent.
type ErrorPayload struct {
	IntentID string `json:"intent_id,omitempty"`
	Message  string `json:"message"`
}

// ToIntent converts the wire payload to the engine's intent type.
func (p *IntentPayload) ToIntent() *order.MutationIntent {
	return &order.MutationIntent{
		ID:         p.ID,
		Scope:      order.NewScopeKey(p.ListID, p.ParentID),
		ItemID:     p.ItemID,
		PrevItemID: p.PrevItemID,
		NextItemID: p.NextItemID,
		Predicted:  position.Value(p.Predicted),
		OriginTS:   p.OriginTS,
		Actor:      p.Actor,
	}
}

// IntentFromMutation converts an engine intent to its wire payload.
func IntentFromMutation(intent *order.MutationIntent) *IntentPayload {
	return &IntentPayload{
		ID:         intent.ID,
		ListID:     intent.Scope.ListID,
		ParentID:   intent.Scope.ParentID,
		ItemID:     intent.ItemID,
		PrevItemID: intent.PrevItemID,
		NextItemID: intent.NextItemID,
		Predicted:  float64(intent.Predicted),
		OriginTS:   intent.OriginTS,
		Actor:      intent.Actor,
	}
}

// AckFromOutcome converts a reconciliation outcome to its wire payload.
func AckFromOutcome(o *order.Outcome) *AckPayload {
	return &AckPayload{
		IntentID:   o.IntentID,
		ItemID:     o.ItemID,
		ListID:     o.Scope.ListID,
		ParentID:   o.Scope.ParentID,
		Position:   float64(o.Position),
		Revision:   o.Revision,
		State:      string(o.State),
		Rebalanced: o.Rebalanced,
	}
}

// UpdateFromOutcome converts a reconciliation outcome to the update frame
// fanned out to the scope's subscribers.
func UpdateFromOutcome(o *order.Outcome) *UpdatePayload {
	return &UpdatePayload{
		ItemID:   o.ItemID,
		ListID:   o.Scope.ListID,
		ParentID: o.Scope.ParentID,
		Position: float64(o.Position),
		Revision: o.Revision,
	}
}

// UpdateFromChange converts a side-effect position change, such as a
// displaced disputed-gap occupant, to its wire payload.
func UpdateFromChange(u *order.ItemUpdate) *UpdatePayload {
	return &UpdatePayload{
		ItemID:   u.ItemID,
		ListID:   u.Scope.ListID,
		ParentID: u.Scope.ParentID,
		Position: float64(u.Position),
		Revision: u.Revision,
	}
}

// RebalanceFromPlan converts an applied rebalance plan to its wire payload.
func RebalanceFromPlan(plan *order.RebalancePlan) *RebalancePayload {
	entries := make([]RebalanceEntryPayload, len(plan.Entries))
	for i, e := range plan.Entries {
		entries[i] = RebalanceEntryPayload{
			ItemID:   e.ItemID,
			Position: float64(e.Position),
		}
	}

	return &RebalancePayload{
		ListID:   plan.Scope.ListID,
		ParentID: plan.Scope.ParentID,
		Revision: plan.Revision,
		Entries:  entries,
	}
}

// Scope returns the payload's scope key.
func (p *SubscribePayload) Scope() order.ScopeKey {
	return order.NewScopeKey(p.ListID, p.ParentID)
}

// Scope returns the payload's scope key.
func (p *UpdatePayload) Scope() order.ScopeKey {
	return order.NewScopeKey(p.ListID, p.ParentID)
}

// Scope returns the payload's scope key.
func (p *RebalancePayload) Scope() order.ScopeKey {
	return order.NewScopeKey(p.ListID, p.ParentID)
}
