package main

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ptoivanen/ranksync/internal/order"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ordering health for every scope",
		Long: `Display item count, revision, and the smallest adjacent position gap
for every known scope. A gap approaching the configured epsilon means the
scope is close to precision exhaustion and will be rebalanced.`,
		RunE: runStatus,
	}
}

// scopeStatus is the JSON form of one scope's health row.
type scopeStatus struct {
	ListID    string  `json:"list_id"`
	ParentID  string  `json:"parent_id"`
	Revision  int64   `json:"revision"`
	ItemCount int     `json:"item_count"`
	MinGap    float64 `json:"min_gap"`
	UpdatedAt int64   `json:"updated_at"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	store, err := order.NewStore(resolvedCfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.ListScopes(cmd.Context())
	if err != nil {
		return err
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Scope.ListID != infos[j].Scope.ListID {
			return infos[i].Scope.ListID < infos[j].Scope.ListID
		}

		return infos[i].Scope.ParentID < infos[j].Scope.ParentID
	})

	if flagJSON {
		rows := make([]scopeStatus, len(infos))
		for i, info := range infos {
			rows[i] = scopeStatus{
				ListID:    info.Scope.ListID,
				ParentID:  info.Scope.ParentID,
				Revision:  info.Revision,
				ItemCount: info.ItemCount,
				MinGap:    info.MinGap,
				UpdatedAt: info.UpdatedAt,
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rows)
	}

	if len(infos) == 0 {
		statusf("No scopes yet.\n")
		return nil
	}

	headers := []string{"LIST", "PARENT", "ITEMS", "REVISION", "MIN GAP", "UPDATED"}

	rows := make([][]string, len(infos))
	for i, info := range infos {
		rows[i] = []string{
			info.Scope.ListID,
			info.Scope.ParentID,
			formatPosition(float64(info.ItemCount)),
			formatPosition(float64(info.Revision)),
			formatGap(info.MinGap),
			formatNano(info.UpdatedAt),
		}
	}

	printTable(os.Stdout, headers, rows)

	return nil
}
