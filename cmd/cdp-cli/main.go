package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:   "cdp-cli",
		Short: "Interactive client for the Chrome DevTools Protocol",
		Long: `cdp-cli attaches to a browser's remote debugging port and reads
DevTools protocol calls from stdin, one per line:

  Page.navigate({"url": "https://example.com"})

Replies are printed as they arrive. Events are printed too, or appended to
--event-log as JSON lines.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(cmd, o)
		},
	}

	o.register(cmd)

	cmd.AddCommand(
		versionCmd(o),
		listCmd(o),
		newCmd(o),
		activateCmd(o),
		closeCmd(o),
	)

	return cmd
}
