package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/ptoivanen/ranksync/internal/position"
)

// Reconciliation retry policy for expected races (stale revisions from
// writers outside the scope lock, precision exhaustion mid-compute).
const (
	reconcileMaxRetries    = 5
	reconcileRetryInterval = 10 * time.Millisecond
)

// ErrReconcileExhausted indicates reconciliation kept losing revision races
// beyond the retry budget. This points at a writer bypassing the per-scope
// lock, not at normal contention.
var ErrReconcileExhausted = errors.New("order: reconciliation retries exhausted")

// ItemUpdate is an authoritative position change made as a side effect of
// reconciling some other item's intent, such as a disputed-gap occupant
// being displaced. The transport layer fans these out alongside the
// outcome so every replica learns of the move.
type ItemUpdate struct {
	Scope    ScopeKey
	ItemID   string
	Position position.Value
	Revision int64
}

// ReconcileResult is the outcome of reconciling one intent, plus any
// side-effect position changes and the rebalance plan when reconciliation
// forced one. The transport layer broadcasts the plan (or the updates) to
// every subscriber of the scope; clients apply them unconditionally.
type ReconcileResult struct {
	Outcome *Outcome
	Updates []ItemUpdate
	Plan    *RebalancePlan
}

// Reconciler is the server-side conflict resolver. Each mutation intent is
// reconciled under a per-scope mutual exclusion boundary: the authoritative
// neighbor read, position compute, and persist are atomic relative to other
// writers in the same scope. Cross-scope mutations never contend.
//
// The reconciler re-derives every position independently with the same
// deterministic calculator the client ran; the client's predicted value is
// never persisted as-is, only compared by the validator.
type Reconciler struct {
	store     Store
	resolver  *Resolver
	planner   *RebalancePlanner
	validator *Validator
	calc      position.Calculator
	logger    *slog.Logger

	mu         stdsync.Mutex
	scopeLocks map[ScopeKey]*stdsync.Mutex
}

// NewReconciler creates a Reconciler with its resolver, planner, and
// validator wired to the given store.
func NewReconciler(store Store, calc position.Calculator, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		store:      store,
		resolver:   NewResolver(store, logger),
		planner:    NewRebalancePlanner(calc, logger),
		validator:  NewValidator(store, logger),
		calc:       calc,
		logger:     logger,
		scopeLocks: make(map[ScopeKey]*stdsync.Mutex),
	}
}

// scopeLock returns the mutex serializing writers of the given scope,
// creating it on first use.
func (rc *Reconciler) scopeLock(scope ScopeKey) *stdsync.Mutex {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	l, ok := rc.scopeLocks[scope]
	if !ok {
		l = &stdsync.Mutex{}
		rc.scopeLocks[scope] = l
	}

	return l
}

// Reconcile consumes one mutation intent and returns the authoritative
// outcome. Re-delivered intents return their journaled outcome without
// re-running: the transport is at-least-once, the journal makes the
// engine effectively exactly-once.
func (rc *Reconciler) Reconcile(ctx context.Context, intent *MutationIntent) (*ReconcileResult, error) {
	if existing, err := rc.store.GetOutcome(ctx, intent.ID); err != nil {
		return nil, fmt.Errorf("outcome lookup for intent %s: %w", intent.ID, err)
	} else if existing != nil {
		rc.logger.Debug("intent already reconciled, returning journaled outcome",
			slog.String("intent_id", intent.ID),
		)

		return &ReconcileResult{Outcome: existing}, nil
	}

	lock := rc.scopeLock(intent.Scope)
	lock.Lock()
	defer lock.Unlock()

	rc.logger.Debug("reconciling intent",
		slog.String("intent_id", intent.ID),
		slog.String("scope", intent.Scope.String()),
		slog.String("item_id", intent.ItemID),
		slog.Int64("origin_ts", intent.OriginTS),
	)

	var (
		result     *ReconcileResult
		forcedPlan *RebalancePlan
		displaced  []ItemUpdate
	)

	backoff := retry.WithMaxRetries(reconcileMaxRetries, retry.NewConstant(reconcileRetryInterval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, attemptErr := rc.reconcileOnce(ctx, intent, &forcedPlan, &displaced)
		if attemptErr != nil {
			var stale *StaleRevisionError
			if errors.As(attemptErr, &stale) {
				// Expected race with a writer outside this scope lock:
				// re-read neighbors and retry the single mutation.
				rc.logger.Debug("stale revision during reconcile, retrying",
					slog.String("intent_id", intent.ID),
					slog.Int64("expected", stale.Expected),
					slog.Int64("actual", stale.Actual),
				)

				return retry.RetryableError(attemptErr)
			}

			return attemptErr
		}

		result = res

		return nil
	})
	if err != nil {
		var stale *StaleRevisionError
		if errors.As(err, &stale) {
			return nil, fmt.Errorf("%w: intent %s: %w", ErrReconcileExhausted, intent.ID, err)
		}

		return nil, err
	}

	// A rebalance forced by precision exhaustion happens in an earlier
	// attempt than the persist; surface it on the final outcome so
	// subscribers still receive the full re-spaced scope.
	if result.Plan == nil && forcedPlan != nil {
		result.Plan = forcedPlan
		result.Outcome.Rebalanced = true
	}

	// Displacements persisted in earlier attempts still happened; a
	// rebalance supersedes them since its plan re-spaces every item.
	if result.Plan == nil {
		result.Updates = displaced
	}

	if err := rc.store.RecordOutcome(ctx, result.Outcome); err != nil {
		return nil, fmt.Errorf("journal outcome for intent %s: %w", intent.ID, err)
	}

	return result, nil
}

// reconcileOnce performs a single reconciliation attempt against the current
// scope state. A rebalance forced by precision exhaustion is written through
// forcedPlan before the attempt retries; occupant displacements accumulate
// in displaced because their persists outlive a failed attempt.
func (rc *Reconciler) reconcileOnce(
	ctx context.Context, intent *MutationIntent, forcedPlan **RebalancePlan, displaced *[]ItemUpdate,
) (*ReconcileResult, error) {
	revision, err := rc.store.ScopeRevision(ctx, intent.Scope)
	if err != nil {
		return nil, fmt.Errorf("read scope revision %s: %w", intent.Scope, err)
	}

	neighbors, siblings, err := rc.resolver.Resolve(ctx, intent)
	if err != nil {
		return nil, err
	}

	// Disputed-gap tie-break: another offline writer computed the same
	// position for the same insertion point and reached the server first.
	// The earlier origin timestamp holds the disputed position whichever
	// intent arrives first; the later writer takes the next midpoint over.
	if occupant := rc.disputedOccupant(intent, neighbors, siblings); occupant != nil {
		if intentWinsDispute(intent, occupant) {
			revision, err = rc.displaceOccupant(ctx, intent, neighbors, siblings, occupant, revision)
			if err != nil {
				return nil, err
			}

			*displaced = append(*displaced, ItemUpdate{
				Scope:    intent.Scope,
				ItemID:   occupant.ID,
				Position: occupant.Position,
				Revision: revision,
			})
		} else {
			rc.yieldToOccupant(intent, neighbors, siblings, occupant)
		}
	}

	pos, err := rc.calc.Compute(neighbors.Prev, neighbors.Next)
	if errors.Is(err, position.ErrPrecisionExhausted) {
		// The target gap cannot be split: rebalance the scope and retry the
		// whole attempt against the re-spaced state.
		plan, rebErr := rc.rebalance(ctx, intent.Scope, siblings, revision)
		if rebErr != nil {
			return nil, rebErr
		}

		*forcedPlan = plan

		return nil, &StaleRevisionError{Scope: intent.Scope, Expected: revision, Actual: revision + 1}
	}

	if err != nil {
		// InvalidOrderingError: the scope is corrupt upstream. Fatal for
		// this mutation, surfaced, never silently corrected.
		return nil, fmt.Errorf("compute position for intent %s: %w", intent.ID, err)
	}

	item := &Item{
		ID:          intent.ItemID,
		Scope:       intent.Scope,
		Position:    pos,
		OriginTS:    intent.OriginTS,
		OriginActor: intent.Actor,
		IntentID:    intent.ID,
	}

	newRevision, err := rc.store.PersistPosition(ctx, item, revision)
	if err != nil {
		return nil, err
	}

	// A rebalance in an earlier attempt moved the claimed neighbors even
	// though their IDs still match; the prediction is invalidated by the
	// re-spacing, not by a calculator fault.
	matchesClaim := neighbors.MatchesClaim && *forcedPlan == nil

	divergence, err := rc.validator.Validate(ctx, intent, pos, matchesClaim)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		IntentID:   intent.ID,
		ItemID:     intent.ItemID,
		Scope:      intent.Scope,
		Position:   pos,
		Revision:   newRevision,
		State:      StateResolved,
		ResolvedAt: NowNano(),
	}
	if neighbors.Degraded {
		// Neighbors vanished concurrently; the mutation degraded to an
		// end-of-scope insert instead of failing.
		outcome.State = StateRejected
	}

	result := &ReconcileResult{Outcome: outcome}

	// Reactive precision check, run lazily after the persist rather than on
	// the client's hot path.
	plan, err := rc.rebalanceIfExhausted(ctx, intent.Scope, newRevision)
	if err != nil {
		return nil, err
	}

	if plan != nil {
		outcome.Rebalanced = true
		outcome.Revision = plan.Revision
		outcome.Position = planPosition(plan, intent.ItemID, pos)
		result.Plan = plan
	}

	rc.logger.Info("intent reconciled",
		slog.String("intent_id", intent.ID),
		slog.String("scope", intent.Scope.String()),
		slog.String("state", string(outcome.State)),
		slog.Float64("position", float64(outcome.Position)),
		slog.String("divergence", string(divergence)),
		slog.Bool("rebalanced", outcome.Rebalanced),
	)

	return result, nil
}

// disputedOccupant detects the disputed-gap case: the resolved successor
// sits at exactly the intent's predicted position, meaning two offline
// writers computed the same midpoint for the same gap.
func (rc *Reconciler) disputedOccupant(intent *MutationIntent, neighbors *Neighbors, siblings []*Item) *Item {
	if neighbors.NextID == "" {
		return nil
	}

	idx := indexOf(siblings, neighbors.NextID)
	if idx < 0 {
		return nil
	}

	occupant := siblings[idx]
	if occupant.Position != intent.Predicted {
		return nil
	}

	return occupant
}

// intentWinsDispute reports whether the incoming intent claims the disputed
// position: the earlier origin timestamp wins, with lexicographic intent ID
// keeping the order total for clock-equal writers.
func intentWinsDispute(intent *MutationIntent, occupant *Item) bool {
	if intent.OriginTS != occupant.OriginTS {
		return intent.OriginTS < occupant.OriginTS
	}

	return intent.ID < occupant.IntentID
}

// yieldToOccupant shifts the losing intent's gap to just after the earlier
// writer already holding the disputed position. The loser then computes the
// same fresh midpoint it would have been pushed to had it arrived first, so
// the final layout does not depend on network arrival order.
func (rc *Reconciler) yieldToOccupant(
	intent *MutationIntent, neighbors *Neighbors, siblings []*Item, occupant *Item,
) {
	idx := indexOf(siblings, occupant.ID)

	neighbors.Prev = position.Ptr(occupant.Position)
	neighbors.PrevID = occupant.ID
	neighbors.Next = nil
	neighbors.NextID = ""

	if idx+1 < len(siblings) {
		neighbors.Next = position.Ptr(siblings[idx+1].Position)
		neighbors.NextID = siblings[idx+1].ID
	}

	neighbors.MatchesClaim = false

	rc.logger.Info("yielded disputed gap to earlier writer",
		slog.String("loser_intent", intent.ID),
		slog.String("occupant_item", occupant.ID),
	)
}

// displaceOccupant moves the later-timestamped occupant of a disputed
// position to a fresh midpoint between the disputed position and the item
// after it. The winner's successor bound then skips the occupant entirely,
// so the winner's recomputation sees the same neighbors its client saw and
// reproduces the predicted value exactly.
func (rc *Reconciler) displaceOccupant(
	ctx context.Context,
	intent *MutationIntent,
	neighbors *Neighbors,
	siblings []*Item,
	occupant *Item,
	revision int64,
) (int64, error) {
	idx := indexOf(siblings, occupant.ID)

	var after *position.Value
	afterID := ""

	if idx+1 < len(siblings) {
		after = position.Ptr(siblings[idx+1].Position)
		afterID = siblings[idx+1].ID
	}

	fresh, err := rc.calc.Compute(position.Ptr(occupant.Position), after)
	if err != nil {
		return 0, fmt.Errorf("displace occupant %s: %w", occupant.ID, err)
	}

	moved := *occupant
	moved.Position = fresh

	newRevision, err := rc.store.PersistPosition(ctx, &moved, revision)
	if err != nil {
		return 0, err
	}

	// The occupant's acknowledged position just changed underneath it. Put
	// the move on the ledger so the divergence is visible regardless of
	// which writer reached the server first.
	record := &ConflictRecord{
		ID:            uuid.NewString(),
		IntentID:      occupant.IntentID,
		ItemID:        occupant.ID,
		Scope:         intent.Scope,
		Predicted:     occupant.Position,
		Authoritative: fresh,
		Divergence:    DivergenceConflict,
		Actor:         occupant.OriginActor,
		DetectedAt:    NowNano(),
	}
	if err := rc.store.RecordConflict(ctx, record); err != nil {
		return 0, fmt.Errorf("record displacement for item %s: %w", occupant.ID, err)
	}

	// The disputed gap is free again; the winner computes against the item
	// beyond the displaced occupant (its client-side view of the scope).
	neighbors.Next = after
	neighbors.NextID = afterID
	neighbors.MatchesClaim = afterID == intent.NextItemID
	occupant.Position = fresh

	rc.logger.Info("displaced later writer from disputed gap",
		slog.String("winner_intent", intent.ID),
		slog.String("displaced_item", occupant.ID),
		slog.Float64("fresh_position", float64(fresh)),
	)

	return newRevision, nil
}

// rebalanceIfExhausted scans the scope's gaps and rebalances when any has
// shrunk below epsilon. Returns the applied plan, or nil when the scope is
// healthy.
func (rc *Reconciler) rebalanceIfExhausted(ctx context.Context, scope ScopeKey, revision int64) (*RebalancePlan, error) {
	items, err := rc.store.ListScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("scan scope %s for rebalance: %w", scope, err)
	}

	positions := make([]position.Value, 0, len(items))
	for _, it := range items {
		if !it.IsDeleted {
			positions = append(positions, it.Position)
		}
	}

	if !rc.calc.NeedsRebalancing(positions) {
		return nil, nil
	}

	return rc.rebalance(ctx, scope, items, revision)
}

// rebalance plans and atomically applies a full re-spacing of the scope.
func (rc *Reconciler) rebalance(ctx context.Context, scope ScopeKey, items []*Item, revision int64) (*RebalancePlan, error) {
	plan := rc.planner.Plan(scope, items, revision)

	if err := rc.store.ApplyRebalancePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("apply rebalance plan for %s: %w", scope, err)
	}

	rc.logger.Info("scope rebalanced",
		slog.String("scope", scope.String()),
		slog.Int("items", len(plan.Entries)),
		slog.Int64("revision", plan.Revision),
	)

	return plan, nil
}

// Rebalance forces a rebalance of the scope under its lock, regardless of
// gap health. Backs the proactive audit path and the CLI.
func (rc *Reconciler) Rebalance(ctx context.Context, scope ScopeKey) (*RebalancePlan, error) {
	lock := rc.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	revision, err := rc.store.ScopeRevision(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("read scope revision %s: %w", scope, err)
	}

	items, err := rc.store.ListScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list scope %s: %w", scope, err)
	}

	return rc.rebalance(ctx, scope, items, revision)
}

// planPosition returns the item's position within the plan, falling back to
// the pre-rebalance value if the item is somehow absent.
func planPosition(plan *RebalancePlan, itemID string, fallback position.Value) position.Value {
	for _, e := range plan.Entries {
		if e.ItemID == itemID {
			return e.Position
		}
	}

	return fallback
}
