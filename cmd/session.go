package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and fetch client preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.manager.Login(ctx).Wait(ctx); err != nil {
			return err
		}
		prefs := a.manager.Preferences()
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"server":                   a.cfg.Server,
				"user":                     a.cfg.User,
				"root_set_refresh_seconds": prefs.RootSetRefreshInterval.Seconds(),
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s as %s\n", a.cfg.Server, a.cfg.User)
		fmt.Fprintf(cmd.OutOrStdout(), "Root set refresh interval: %s\n", FormatDurationShort(prefs.RootSetRefreshInterval))
		_, _ = a.manager.Logout(ctx).Wait(ctx)
		return nil
	},
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Log in and send one heartbeat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.manager.Login(ctx).Wait(ctx); err != nil {
			return err
		}
		if _, err := a.manager.Heartbeat(ctx).Wait(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Heartbeat acknowledged")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(heartbeatCmd)
}
