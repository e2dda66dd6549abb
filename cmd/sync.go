package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the root set when it is stale",
	Long:  "Lists the navigational categories and re-fetches their root-level entities, one category at a time, committing everything at once. Skipped while the cached root set is younger than the server's refresh interval unless --force is given.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.manager.SyncRootSet(ctx, syncForce).Wait(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOut {
			return writeJSON(out, res)
		}
		if !res.Refreshed {
			fmt.Fprintf(out, "Root set is fresh (synced %s); use --force to refresh anyway\n", syncAge(res.SyncedAt))
			return nil
		}
		fmt.Fprintf(out, "Synced %d root-level entit%s from %d categor%s",
			res.Merged, plural(res.Merged, "y", "ies"), res.Categories, plural(res.Categories, "y", "ies"))
		if len(res.Deleted) > 0 {
			fmt.Fprintf(out, ", removed %d", len(res.Deleted))
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "Refresh even if the root set is fresh")
	rootCmd.AddCommand(syncCmd)
}
