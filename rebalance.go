package main

import (
	"github.com/spf13/cobra"

	"github.com/ptoivanen/ranksync/internal/order"
	"github.com/ptoivanen/ranksync/internal/position"
)

func newRebalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance <list-id> [parent-id]",
		Short: "Force a full re-spacing of one scope",
		Long: `Rewrite every position in the scope to even seed/gap spacing, preserving
the current order. Normally the server rebalances automatically when a gap
shrinks below epsilon; this command forces it regardless of gap health.

Run against the same database as a live server only if that server is
stopped; the scope lock is per-process.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runRebalance,
	}
}

func runRebalance(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	parentID := ""
	if len(args) > 1 {
		parentID = args[1]
	}

	scope := order.NewScopeKey(args[0], parentID)

	store, err := order.NewStore(resolvedCfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	calc := position.Calculator{
		Seed:    position.Value(resolvedCfg.Engine.Seed),
		Gap:     position.Value(resolvedCfg.Engine.Gap),
		Epsilon: resolvedCfg.Engine.Epsilon,
	}

	reconciler := order.NewReconciler(store, calc, logger)

	plan, err := reconciler.Rebalance(cmd.Context(), scope)
	if err != nil {
		return err
	}

	statusf("Rebalanced %s: %d items re-spaced, revision %d.\n",
		scope, len(plan.Entries), plan.Revision)

	return nil
}
