package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lsAll bool

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached entities (offline)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if lsAll {
			all, err := a.manager.Entities(ctx)
			if err != nil {
				return err
			}
			return printEntities(cmd.OutOrStdout(), all)
		}
		roots, err := a.manager.RootLevelEntities(ctx)
		if err != nil {
			return err
		}
		if !jsonOut {
			fmt.Fprintf(cmd.OutOrStdout(), "Root set of %s, synced %s\n\n", a.cfg.Server, syncAge(a.manager.ServerInfo().LastRootSync))
		}
		return printGrouped(cmd.OutOrStdout(), roots)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <perm-id|text>",
	Short: "Show one cached entity (offline)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := ResolveEntity(ctx, a.manager, args[0])
		if err != nil {
			return err
		}
		kids, err := a.manager.Children(ctx, e.PermID)
		if err != nil {
			return err
		}
		return printEntity(cmd.OutOrStdout(), e, kids)
	},
}

func init() {
	lsCmd.Flags().BoolVar(&lsAll, "all", false, "List every cached entity, not just the root set")
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(showCmd)
}
