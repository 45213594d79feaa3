package order

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ptoivanen/ranksync/internal/position"
)

// Neighbors is the resolved insertion point for a mutation: the positions
// bounding the target gap in *current* authoritative state, which may differ
// from the neighbors the client claimed when it computed its prediction.
type Neighbors struct {
	Prev *position.Value
	Next *position.Value

	// Resolved neighbor item IDs; empty string means the scope boundary.
	PrevID string
	NextID string

	// MatchesClaim is true when the resolved neighbors are exactly the ones
	// the intent claimed. When the positions then still differ, the
	// validator classifies the divergence as a logic bug rather than an
	// expected concurrency effect.
	MatchesClaim bool

	// Degraded is true when the claimed anchors were deleted or re-scoped
	// concurrently and the resolver fell back to end-of-scope insertion.
	Degraded bool
}

// Resolver maps a mutation intent onto the current authoritative state of
// its scope. It anchors on the claimed predecessor when it still exists,
// then the claimed successor, and degrades to end-of-scope when both are
// gone. Reorders under concurrent structural changes never error.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// NewResolver creates a Resolver reading scope state from the given store.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{store: store, logger: logger}
}

// Resolve loads the intent's scope and determines the insertion gap. The
// returned slice is the scope's current items in position order, excluding
// tombstones and the moving item itself (an item is never its own neighbor).
func (r *Resolver) Resolve(ctx context.Context, intent *MutationIntent) (*Neighbors, []*Item, error) {
	items, err := r.store.ListScope(ctx, intent.Scope)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve scope %s: %w", intent.Scope, err)
	}

	siblings := make([]*Item, 0, len(items))
	for _, it := range items {
		if it.ID == intent.ItemID || it.IsDeleted {
			continue
		}

		siblings = append(siblings, it)
	}

	n := r.resolveNeighbors(intent, siblings)

	r.logger.Debug("resolved insertion point",
		slog.String("intent_id", intent.ID),
		slog.String("scope", intent.Scope.String()),
		slog.String("prev_id", n.PrevID),
		slog.String("next_id", n.NextID),
		slog.Bool("matches_claim", n.MatchesClaim),
		slog.Bool("degraded", n.Degraded),
	)

	return n, siblings, nil
}

// resolveNeighbors picks the insertion gap among the current siblings.
func (r *Resolver) resolveNeighbors(intent *MutationIntent, siblings []*Item) *Neighbors {
	// Claimed start-of-scope: prev stays the boundary, next is whatever is
	// first now.
	if intent.PrevItemID == "" && intent.NextItemID == "" {
		return r.resolveEmptyClaim(siblings)
	}

	if intent.PrevItemID == "" {
		return r.resolveStartClaim(intent, siblings)
	}

	// Anchor on the claimed predecessor when it still exists; the gap is
	// between it and its *current* successor.
	if idx := indexOf(siblings, intent.PrevItemID); idx >= 0 {
		n := gapAfter(siblings, idx)
		n.MatchesClaim = n.NextID == intent.NextItemID

		return n
	}

	// Predecessor gone: fall back to the claimed successor and the gap
	// before it.
	if intent.NextItemID != "" {
		if idx := indexOf(siblings, intent.NextItemID); idx >= 0 {
			n := gapBefore(siblings, idx)
			n.Degraded = true

			return n
		}
	}

	// Both anchors deleted concurrently: end-of-scope policy.
	n := endOfScope(siblings)
	n.Degraded = true

	return n
}

// resolveEmptyClaim handles an intent computed against an empty scope. If
// other items appeared concurrently, the insert degrades to end-of-scope.
func (r *Resolver) resolveEmptyClaim(siblings []*Item) *Neighbors {
	if len(siblings) == 0 {
		return &Neighbors{MatchesClaim: true}
	}

	n := endOfScope(siblings)
	n.Degraded = true

	return n
}

// resolveStartClaim handles an insert-at-start intent: prev stays the
// boundary, next is the current first sibling.
func (r *Resolver) resolveStartClaim(intent *MutationIntent, siblings []*Item) *Neighbors {
	if len(siblings) == 0 {
		return &Neighbors{MatchesClaim: intent.NextItemID == ""}
	}

	first := siblings[0]

	return &Neighbors{
		Next:         position.Ptr(first.Position),
		NextID:       first.ID,
		MatchesClaim: first.ID == intent.NextItemID,
	}
}

// indexOf returns the index of the item with the given ID, or -1.
func indexOf(items []*Item, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}

	return -1
}

// gapAfter returns the gap between items[idx] and its successor.
func gapAfter(items []*Item, idx int) *Neighbors {
	n := &Neighbors{
		Prev:   position.Ptr(items[idx].Position),
		PrevID: items[idx].ID,
	}

	if idx+1 < len(items) {
		n.Next = position.Ptr(items[idx+1].Position)
		n.NextID = items[idx+1].ID
	}

	return n
}

// gapBefore returns the gap between items[idx] and its predecessor.
func gapBefore(items []*Item, idx int) *Neighbors {
	n := &Neighbors{
		Next:   position.Ptr(items[idx].Position),
		NextID: items[idx].ID,
	}

	if idx > 0 {
		n.Prev = position.Ptr(items[idx-1].Position)
		n.PrevID = items[idx-1].ID
	}

	return n
}

// endOfScope returns the gap after the last sibling, or the empty-scope
// boundary when there are no siblings.
func endOfScope(items []*Item) *Neighbors {
	if len(items) == 0 {
		return &Neighbors{}
	}

	last := items[len(items)-1]

	return &Neighbors{
		Prev:   position.Ptr(last.Position),
		PrevID: last.ID,
	}
}
