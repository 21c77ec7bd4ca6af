package main

import (
	"os"

	"github.com/spf13/cobra"

	logx "agentcore/pkg/logx"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "agentd runs the task engine, module pipeline and triggers",
	Long: `agentd hosts a dependency-aware task engine, a module pipeline sharing one
execution context, and cron/interval triggers that dispatch command lines.

Examples:
  # run the daemon, reading commands from stdin
  agentd serve --config ./configs/agentd.yaml --stdin

  # validate a config file
  agentd check --config ./configs/agentd.yaml

  # run one command against a fresh daemon and exit
  agentd exec --config ./configs/agentd.yaml "run"`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// Without a subcommand the daemon is served.
	RunE: func(cmd *cobra.Command, args []string) error { return serve(cmd.Context(), false) },
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./configs/agentd.yaml", "path to config (json or yaml)")
	rootCmd.AddCommand(serveCmd, checkCmd, execCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logx.NewConsole("info").Error("agentd exited", logx.Err(err))
		os.Exit(1)
	}
}
