package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/specialistvlad/seqflow/internal/app"
	"github.com/spf13/cobra"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func addListFlags(cmd *cobra.Command, opts *app.CycleOptions) {
	cmd.Flags().StringVar(&opts.AllowList, "allow", "", "File of raw input ids to restrict scheduling to, one per line.")
	cmd.Flags().StringVar(&opts.SkipList, "skip", "", "File of ids to leave out, one per line.")
}

func newScheduleCmd(g *globalFlags, out io.Writer, appOpts []app.Option) *cobra.Command {
	var opts app.CycleOptions
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run scheduler cycles every scheduler.interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return withApp(ctx, out, cfg, appOpts, func(a *app.App) error {
				return a.Schedule(ctx, opts)
			})
		},
	}
	addListFlags(cmd, &opts)
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Log decisions without creating jobs.")
	return cmd
}

func newCycleCmd(g *globalFlags, out io.Writer, appOpts []app.Option) *cobra.Command {
	var opts app.CycleOptions
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run a single scheduler cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return withApp(ctx, out, cfg, appOpts, func(a *app.App) error {
				reqs, err := a.Cycle(ctx, opts)
				if err != nil {
					return err
				}
				verb := "created"
				if opts.DryRun {
					verb = "would be created"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d job(s) %s\n", len(reqs), verb)
				return nil
			})
		},
	}
	addListFlags(cmd, &opts)
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Log decisions without creating jobs.")
	return cmd
}

func newWatchCmd(g *globalFlags, out io.Writer, appOpts []app.Option) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Claim, run and finalize jobs for this site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateWatcher(); err != nil {
				return usageError(err)
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return withApp(ctx, out, cfg, appOpts, func(a *app.App) error {
				return a.Watch(ctx)
			})
		},
	}
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "seqflow", Version)
		},
	}
}
