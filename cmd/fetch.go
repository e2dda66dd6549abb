package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mycelica/hypha/internal/call"
	"mycelica/hypha/internal/entity"
)

var (
	searchLocal bool
	searchLimit int
)

// fetchCommand builds drill and details, which differ only in the manager
// operation they run.
func fetchCommand(use, short string, op func(a *app, ctx context.Context, refs []entity.Ref) *call.Call[[]entity.Entity]) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			refs, err := resolveRefs(ctx, a, args)
			if err != nil {
				return err
			}
			got, err := op(a, ctx, refs).Wait(ctx)
			if err != nil {
				return err
			}
			return printEntities(cmd.OutOrStdout(), got)
		},
	}
}

var drillCmd = fetchCommand("drill <perm-id|text>...", "Fetch and cache the children of entities",
	func(a *app, ctx context.Context, refs []entity.Ref) *call.Call[[]entity.Entity] {
		return a.manager.Drill(ctx, refs)
	})

var detailsCmd = fetchCommand("details <perm-id|text>...", "Fetch and cache the full detail of entities",
	func(a *app, ctx context.Context, refs []entity.Ref) *call.Call[[]entity.Entity] {
		return a.manager.Details(ctx, refs)
	})

var searchCmd = &cobra.Command{
	Use:   "search <text>...",
	Short: "Search the server, or the cache with --local",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		text := strings.Join(args, " ")
		a, err := openApp(ctx, !searchLocal)
		if err != nil {
			return err
		}
		defer a.Close()

		var found []entity.Entity
		if searchLocal {
			found, err = a.manager.SearchLocal(ctx, text, searchLimit)
		} else {
			found, err = a.manager.Search(ctx, text).Wait(ctx)
		}
		if err != nil {
			return err
		}
		if searchLimit > 0 && len(found) > searchLimit {
			if !jsonOut {
				fmt.Fprintf(cmd.ErrOrStderr(), "showing %d of %d results\n", searchLimit, len(found))
			}
			found = found[:searchLimit]
		}
		return printEntities(cmd.OutOrStdout(), found)
	},
}

func init() {
	searchCmd.Flags().BoolVar(&searchLocal, "local", false, "Search the local cache only (offline)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "Maximum results to print")
	rootCmd.AddCommand(drillCmd)
	rootCmd.AddCommand(detailsCmd)
	rootCmd.AddCommand(searchCmd)
}
