// Command evalhub runs the evaluation platform: the HTTP API, the run
// workers and the stale-run watchdog, separately or in one process.
//
//	evalhub serve --config evalhub.yaml
//	evalhub worker
//	evalhub watchdog
//	evalhub all --in-memory
//
// Configuration comes from the YAML file named by --config or EVALHUB_CONFIG,
// overridden by environment variables (DATABASE_URL, NATS_URL,
// OPENAI_API_KEY, ...).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	inMemory   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "evalhub",
		Short:         "LLM evaluation runs, results and comparisons",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file")

	root.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newWatchdogCmd(opts),
		newAllCmd(opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				return a.serveHTTP(ctx)
			})
		},
	}
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Execute queued runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				return a.runWorkers(ctx)
			})
		},
	}
}

func newWatchdogCmd(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Fail runs that stopped making progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if once {
					return a.sweepOnce(ctx)
				}
				return a.runWatchdog(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func newAllCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run the API, the workers and the watchdog in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				return runAll(ctx,
					a.serveHTTP,
					a.runWorkers,
					a.runWatchdog,
				)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.inMemory, "in-memory", false, "keep all data in process memory instead of postgres")
	return cmd
}
