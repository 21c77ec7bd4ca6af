package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agentcore/internal/app"
)

var execCmd = &cobra.Command{
	Use:   "exec <command line>",
	Short: "Start the daemon, dispatch one command line, then stop",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		out, derr := a.Dispatch(ctx, strings.Join(args, " "))

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopAppStop)

		if derr != nil {
			return derr
		}
		if out != "" {
			fmt.Fprintln(cmd.OutOrStdout(), out)
		}
		return nil
	},
}
