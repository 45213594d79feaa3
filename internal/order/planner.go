package order

import (
	"log/slog"
	"sort"

	"github.com/ptoivanen/ranksync/internal/position"
)

// RebalancePlanner produces full re-spacing plans for precision-exhausted
// scopes. It is a pure decision engine: it reads the item slice it is given
// and performs no I/O; the store's ApplyRebalancePlan owns atomicity.
type RebalancePlanner struct {
	calc   position.Calculator
	logger *slog.Logger
}

// NewRebalancePlanner creates a planner that spaces items using the
// calculator's seed and gap.
func NewRebalancePlanner(calc position.Calculator, logger *slog.Logger) *RebalancePlanner {
	if logger == nil {
		logger = slog.Default()
	}

	return &RebalancePlanner{calc: calc, logger: logger}
}

// Plan assigns evenly spaced positions (seed, seed+gap, seed+2*gap, ...)
// to every live item in the scope, preserving the current relative order
// exactly. Ties on position (possible transiently from clock-equal offline
// writers) break by origin timestamp then item ID, so the plan is
// deterministic for any input permutation. Tombstoned items are excluded;
// they no longer occupy gaps.
//
// Planning an already evenly spaced scope reproduces it unchanged, so a
// redundant proactive trigger is harmless.
func (p *RebalancePlanner) Plan(scope ScopeKey, items []*Item, baseRevision int64) *RebalancePlan {
	live := make([]*Item, 0, len(items))
	for _, it := range items {
		if !it.IsDeleted {
			live = append(live, it)
		}
	}

	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Position != live[j].Position {
			return live[i].Position < live[j].Position
		}

		if live[i].OriginTS != live[j].OriginTS {
			return live[i].OriginTS < live[j].OriginTS
		}

		return live[i].ID < live[j].ID
	})

	plan := &RebalancePlan{
		Scope:        scope,
		BaseRevision: baseRevision,
		Revision:     baseRevision + 1,
		Entries:      make([]RebalanceEntry, len(live)),
		PlannedAt:    NowNano(),
	}

	for i, it := range live {
		plan.Entries[i] = RebalanceEntry{
			ItemID:   it.ID,
			Position: p.calc.Seed + position.Value(i)*p.calc.Gap,
		}
	}

	p.logger.Info("rebalance plan computed",
		slog.String("scope", scope.String()),
		slog.Int("items", len(plan.Entries)),
		slog.Int64("base_revision", baseRevision),
	)

	return plan
}
