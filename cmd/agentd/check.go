package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentcore/internal/app"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.CheckConfig(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		driver := "none"
		if cfg.Storage != nil {
			driver = cfg.Storage.Driver
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (workers=%d, jobs=%d, storage=%s)\n",
			cfgPath, cfg.Engine.Workers, len(cfg.Triggers.Jobs), driver)
		return nil
	},
}
