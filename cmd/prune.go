package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached entities not refreshed recently (offline)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if pruneOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		since := time.Now().Add(-pruneOlderThan)
		out := cmd.OutOrStdout()
		if pruneDryRun {
			stale, err := a.manager.StaleEntities(ctx, since)
			if err != nil {
				return err
			}
			if !jsonOut {
				fmt.Fprintf(out, "Would remove %d entit%s not updated in %s:\n\n",
					len(stale), plural(len(stale), "y", "ies"), FormatDurationShort(pruneOlderThan))
			}
			return printEntities(out, stale)
		}

		deleted, err := a.manager.PruneStale(ctx, since)
		if err != nil {
			return err
		}
		if jsonOut {
			if deleted == nil {
				deleted = []string{}
			}
			return writeJSON(out, map[string]any{"deleted": deleted})
		}
		fmt.Fprintf(out, "Removed %d entit%s not updated in %s\n",
			len(deleted), plural(len(deleted), "y", "ies"), FormatDurationShort(pruneOlderThan))
		return nil
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Age after which an entity is stale")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "List what would be removed")
	rootCmd.AddCommand(pruneCmd)
}
