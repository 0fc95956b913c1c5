package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"piswarm/internal/config"
	"piswarm/internal/logging"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitPartial = 3
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// usageError marks bad invocations so they exit with exitUsage.
func usageError(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

func main() {
	ctx := withSignals(context.Background())
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	logging.Sync()
	os.Exit(code)
}

func withSignals(parent context.Context) context.Context {
	ctx, _ := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// execute runs the command line and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &rootOptions{}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if opts.running {
		return exitFailed
	}
	// Rejected by cobra before any command ran: unknown command or flag,
	// wrong arguments.
	return exitUsage
}

type rootOptions struct {
	configPath string
	logLevel   string
	running    bool // set once a command body starts
}

// runE marks the invocation as valid before running fn.
func (o *rootOptions) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		o.running = true
		return fn(cmd, args)
	}
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "piswarm",
		Short: "piswarm - Raspberry Pi Docker Swarm bootstrapper",
		Long: `piswarm discovers Raspberry Pi hosts on the local network, backs up and
configures each one, installs Docker and forms a Docker Swarm cluster.

Every run holds a local lock, snapshots each host before changing it and
rolls those hosts back if the run fails as a whole.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate(fmt.Sprintf(
		"piswarm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: <binary>.yaml next to the executable)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newBootstrapCmd(opts),
		newDiscoverCmd(opts),
		newHistoryCmd(opts),
		newRestoreCmd(opts),
		newPruneCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads the configuration and starts logging. Configuration
// problems are usage errors.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	if err := logging.Init(logging.Options{Level: level, Dir: cfg.Logging.Dir}); err != nil {
		return nil, fmt.Errorf("failed to initialise logging: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "piswarm %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}
