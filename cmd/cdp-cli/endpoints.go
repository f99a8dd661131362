package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wmdanor/cdp-cli/endpoints"
	"github.com/wmdanor/cdp-cli/internal/config"
)

func versionCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the browser version",
		Args:  cobra.NoArgs,
		RunE: withEndpoints(o, func(cmd *cobra.Command, ep *endpoints.Client, args []string) error {
			v, err := ep.Version(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, v)
		}),
	}
}

func listCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List debuggable targets",
		Args:  cobra.NoArgs,
		RunE: withEndpoints(o, func(cmd *cobra.Command, ep *endpoints.Client, args []string) error {
			targets, err := ep.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, targets)
		}),
	}
}

func newCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "new [url]",
		Short: "Open a new tab",
		Long:  "Open a new tab at url, " + config.DefaultNewTabURL + " by default, and print its target.",
		Args:  cobra.MaximumNArgs(1),
		RunE: withEndpoints(o, func(cmd *cobra.Command, ep *endpoints.Client, args []string) error {
			u := config.DefaultNewTabURL
			if len(args) == 1 {
				u = args[0]
			}
			t, err := ep.NewTab(cmd.Context(), u)
			if err != nil {
				return err
			}
			return printJSON(cmd, t)
		}),
	}
}

func activateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Bring a target to the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: withEndpoints(o, func(cmd *cobra.Command, ep *endpoints.Client, args []string) error {
			return ep.Activate(cmd.Context(), args[0])
		}),
	}
}

func closeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close a target",
		Args:  cobra.ExactArgs(1),
		RunE: withEndpoints(o, func(cmd *cobra.Command, ep *endpoints.Client, args []string) error {
			return ep.Close(cmd.Context(), args[0])
		}),
	}
}

func withEndpoints(o *options, run func(*cobra.Command, *endpoints.Client, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, l, err := o.setup(cmd)
		if err != nil {
			return err
		}
		defer l.Sync() //nolint:errcheck

		if err := run(cmd, o.endpoints(cfg, l), args); err != nil {
			l.Debug("command failed", zap.String("command", cmd.Name()), zap.Error(err))
			return err
		}
		return nil
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", b)
	return err
}
