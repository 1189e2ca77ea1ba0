package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/specialistvlad/seqflow/internal/app"
	"github.com/specialistvlad/seqflow/internal/config"
	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func usageError(err error) error {
	return &ExitError{Code: 2, Message: err.Error()}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// load reads the configuration and applies flag overrides on top.
func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, usageError(err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = strings.ToLower(g.logLevel)
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = strings.ToLower(g.logFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, usageError(err)
	}
	return cfg, nil
}

// NewRootCmd builds the seqflow command tree. opts are passed to every App
// the commands create.
func NewRootCmd(out io.Writer, opts ...app.Option) *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "seqflow",
		Short:         "Schedules and runs sequencing analysis workflows",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to the site configuration file (YAML or TOML).")
	pf.StringVar(&g.logLevel, "log-level", "info", "Logging level: debug, info, warn or error.")
	pf.StringVar(&g.logFormat, "log-format", "text", "Log output format: text or json.")

	cmd.AddCommand(
		newScheduleCmd(g, out, opts),
		newCycleCmd(g, out, opts),
		newWatchCmd(g, out, opts),
		newVersionCmd(out),
	)
	return cmd
}

// Execute runs the command tree with args. Errors that are not already an
// ExitError exit with code 1, configuration errors with code 2.
func Execute(ctx context.Context, out io.Writer, args []string, opts ...app.Option) error {
	cmd := NewRootCmd(out, opts...)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	var cfgErr *errs.ConfigError
	if errors.As(err, &cfgErr) {
		return usageError(err)
	}
	if strings.HasPrefix(err.Error(), "unknown command") {
		return usageError(err)
	}
	return &ExitError{Code: 1, Message: err.Error()}
}

// withApp starts an App for the duration of fn.
func withApp(ctx context.Context, out io.Writer, cfg *config.Config, opts []app.Option, fn func(*app.App) error) (err error) {
	a := app.NewApp(out, cfg, opts...)
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("shutdown: %w", cerr)
		}
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}
	return fn(a)
}
