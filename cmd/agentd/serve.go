package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"agentcore/internal/app"
)

const stopTimeout = 10 * time.Second

var serveStdin bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon until SIGINT/SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), serveStdin)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveStdin, "stdin", false, "read command lines from stdin; EOF stops the daemon")
}

func serve(ctx context.Context, stdin bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("fatal start: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	eof := make(chan struct{})
	if stdin {
		go readCommands(ctx, a, eof)
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-eof:
		reason = app.StopInputEOF
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	return nil
}

// readCommands dispatches one command per line and prints the output.
func readCommands(ctx context.Context, a *app.App, eof chan<- struct{}) {
	defer close(eof)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out, err := a.Dispatch(ctx, line)
		if err != nil {
			fmt.Fprintln(os.Stdout, "error:", err)
			continue
		}
		if out != "" {
			fmt.Fprintln(os.Stdout, out)
		}
	}
}
