package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/ptoivanen/ranksync/internal/order"
)

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <list-id> [parent-id]",
		Short: "Show the divergence ledger for a scope",
		Long: `List every recorded divergence between a client's predicted position and
the server's authoritative outcome in the given scope.

A "conflict" divergence is the expected footprint of concurrent edits. A
"logic" divergence means client and server computed different positions from
identical neighbors and should be investigated.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runConflicts,
	}
}

// conflictRow is the JSON form of one ledger entry.
type conflictRow struct {
	ID            string  `json:"id"`
	IntentID      string  `json:"intent_id"`
	ItemID        string  `json:"item_id"`
	Predicted     float64 `json:"predicted"`
	Authoritative float64 `json:"authoritative"`
	Divergence    string  `json:"divergence"`
	Actor         string  `json:"actor"`
	DetectedAt    int64   `json:"detected_at"`
}

func runConflicts(cmd *cobra.Command, args []string) error {
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

	records, err := store.ListConflicts(cmd.Context(), scope)
	if err != nil {
		return err
	}

	if flagJSON {
		rows := make([]conflictRow, len(records))
		for i, r := range records {
			rows[i] = conflictRow{
				ID:            r.ID,
				IntentID:      r.IntentID,
				ItemID:        r.ItemID,
				Predicted:     float64(r.Predicted),
				Authoritative: float64(r.Authoritative),
				Divergence:    string(r.Divergence),
				Actor:         r.Actor,
				DetectedAt:    r.DetectedAt,
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rows)
	}

	if len(records) == 0 {
		statusf("No conflicts recorded for %s.\n", scope)
		return nil
	}

	headers := []string{"ITEM", "ACTOR", "PREDICTED", "AUTHORITATIVE", "TYPE", "DETECTED"}

	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{
			r.ItemID,
			r.Actor,
			formatPosition(float64(r.Predicted)),
			formatPosition(float64(r.Authoritative)),
			string(r.Divergence),
			formatNano(r.DetectedAt),
		}
	}

	printTable(os.Stdout, headers, rows)

	return nil
}
