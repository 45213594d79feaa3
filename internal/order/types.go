// Package order implements the authoritative side of the fractional
// positioning engine: scope resolution, mutation reconciliation with
// origin-timestamp tie-breaking, rebalance planning, client/server
// consistency validation, and the SQLite state store that backs them.
package order

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/ptoivanen/ranksync/internal/position"
)

// ScopeKey identifies the ordering boundary within which positions are unique
// and totally ordered: the items of one list under one parent. Items in
// different scopes never compare positions. Moving an item to a different
// parent is a remove+insert, never an in-place re-scope.
type ScopeKey struct {
	ListID   string
	ParentID string // empty for top-level items
}

// NewScopeKey builds a ScopeKey with NFC-normalized components. Client
// platforms disagree on Unicode normal forms for user-named lists; without
// this, two clients can silently order the same list in two scopes.
func NewScopeKey(listID, parentID string) ScopeKey {
	return ScopeKey{
		ListID:   norm.NFC.String(listID),
		ParentID: norm.NFC.String(parentID),
	}
}

func (k ScopeKey) String() string {
	if k.ParentID == "" {
		return k.ListID
	}

	return k.ListID + "/" + k.ParentID
}

// Item is an orderable record tracked by the engine. The engine owns the
// Position and the origin metadata of the mutation that last set it;
// everything else about the item (title, assignee, completion) lives with
// external collaborators.
type Item struct {
	ID    string
	Scope ScopeKey

	Position position.Value

	// Origin metadata of the mutation that last positioned this item.
	// OriginTS is the deterministic tie-break key for disputed gaps.
	OriginTS    int64 // Unix nanoseconds, client-recorded
	OriginActor string
	IntentID    string

	// Tombstone fields. Deletion itself is external; the engine only reads
	// tombstones to degrade gracefully when a neighbor vanishes mid-flight.
	IsDeleted bool
	DeletedAt *int64

	CreatedAt int64 // Unix nanoseconds
	UpdatedAt int64 // Unix nanoseconds
}

// IntentState tracks a mutation through the reconciliation state machine.
type IntentState string

// Intent states as stored in the outcomes journal. Pending and Submitted are
// client-side states; the server journal only ever holds the final three.
const (
	StatePending     IntentState = "pending"
	StateSubmitted   IntentState = "submitted"
	StateReconciling IntentState = "reconciling"
	StateResolved    IntentState = "resolved"
	StateRejected    IntentState = "rejected"
)

// MutationIntent is the ephemeral record of a single reorder action: created
// at the moment of the user's move, optimistically applied locally, queued
// while offline, consumed by the server during reconciliation, discarded
// after the outcome is journaled.
type MutationIntent struct {
	ID    string // UUID, assigned client-side at creation
	Scope ScopeKey

	ItemID string
	// Claimed neighbors at the moment the client computed its prediction.
	// Empty string means the scope boundary on that side. The server
	// re-derives neighbors from current authoritative state; these fields
	// express intent, not truth.
	PrevItemID string
	NextItemID string

	Predicted position.Value
	OriginTS  int64  // Unix nanoseconds, client clock
	Actor     string // opaque, validated by the attribution collaborator
}

// Outcome is the journaled result of reconciling one MutationIntent. The
// journal makes reconciliation idempotent: a re-delivered intent returns its
// recorded outcome instead of re-running.
type Outcome struct {
	IntentID string
	ItemID   string
	Scope    ScopeKey

	Position position.Value
	Revision int64
	State    IntentState // StateResolved or StateRejected

	// Rebalanced is set when reconciling this intent forced a scope
	// rebalance; clients treat the accompanying plan as authoritative.
	Rebalanced bool

	ResolvedAt int64 // Unix nanoseconds, server clock
}

// RebalanceEntry assigns one item its re-spaced position.
type RebalanceEntry struct {
	ItemID   string
	Position position.Value
}

// RebalancePlan is a full re-spacing of one scope: evenly gapped positions
// preserving the existing relative order exactly. BaseRevision is the scope
// revision the plan was computed against; Revision is the revision after an
// atomic apply. A plan whose BaseRevision no longer matches is stale and
// must be recomputed, never partially applied.
type RebalancePlan struct {
	Scope        ScopeKey
	BaseRevision int64
	Revision     int64
	Entries      []RebalanceEntry
	PlannedAt    int64 // Unix nanoseconds
}

// Divergence classifies a client-predicted vs server-authoritative position
// comparison.
type Divergence string

const (
	// DivergenceNone: positions match within tolerance.
	DivergenceNone Divergence = "none"
	// DivergenceConflict: positions differ because the authoritative
	// neighbor state moved underneath the client. Expected under
	// concurrency; informational.
	DivergenceConflict Divergence = "conflict"
	// DivergenceLogic: positions differ even though the server saw the
	// same neighbors the client claimed. The calculator is deterministic,
	// so this indicates a client/server logic divergence bug.
	DivergenceLogic Divergence = "logic"
)

// ConflictRecord is a ledger entry for an observed divergence. The validator
// records and logs; it never corrects.
type ConflictRecord struct {
	ID       string
	IntentID string
	ItemID   string
	Scope    ScopeKey

	Predicted     position.Value
	Authoritative position.Value
	Divergence    Divergence

	Actor      string
	DetectedAt int64 // Unix nanoseconds
}

// ScopeInfo is a health snapshot of one scope, for status output and the
// periodic auditor.
type ScopeInfo struct {
	Scope     ScopeKey
	Revision  int64
	ItemCount int
	MinGap    float64
	UpdatedAt int64
}

// StaleRevisionError reports a persist or plan-apply attempted against an
// outdated scope revision. It is an expected, recoverable race: the caller
// re-reads neighbors and retries the single mutation.
type StaleRevisionError struct {
	Scope    ScopeKey
	Expected int64
	Actual   int64
}

func (e *StaleRevisionError) Error() string {
	return fmt.Sprintf("order: stale revision for scope %s (expected %d, actual %d)",
		e.Scope, e.Expected, e.Actual)
}

// Store is the interface to authoritative positioning state. All engine
// components operate against this interface rather than the concrete
// SQLite implementation.
type Store interface {
	// Items. Deletion is owned by external collaborators; MarkDeleted exists
	// so they can tombstone through the same store and the engine can degrade
	// gracefully when a neighbor vanishes.
	GetItem(ctx context.Context, itemID string) (*Item, error)
	InsertItem(ctx context.Context, item *Item) error
	MarkDeleted(ctx context.Context, itemID string, deletedAt int64) error
	ListScope(ctx context.Context, scope ScopeKey) ([]*Item, error)

	// Scope revisions
	ScopeRevision(ctx context.Context, scope ScopeKey) (int64, error)
	ListScopes(ctx context.Context) ([]ScopeInfo, error)

	// Positioning writes. PersistPosition moves or inserts a single item
	// under optimistic concurrency; ApplyRebalancePlan re-spaces a whole
	// scope atomically. Both return *StaleRevisionError when the scope
	// revision has advanced past the caller's expectation.
	PersistPosition(ctx context.Context, item *Item, expectedRevision int64) (int64, error)
	ApplyRebalancePlan(ctx context.Context, plan *RebalancePlan) error

	// Outcome journal (reconciliation idempotency)
	GetOutcome(ctx context.Context, intentID string) (*Outcome, error)
	RecordOutcome(ctx context.Context, outcome *Outcome) error

	// Conflict ledger
	RecordConflict(ctx context.Context, record *ConflictRecord) error
	ListConflicts(ctx context.Context, scope ScopeKey) ([]*ConflictRecord, error)

	// Maintenance
	Close() error
}

// NowNano returns the current time as Unix nanoseconds. All internal
// timestamps are int64 nanoseconds; conversion happens at system boundaries.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// Int64Ptr returns a pointer to v. Used for nullable database columns.
func Int64Ptr(v int64) *int64 {
	return &v
}
