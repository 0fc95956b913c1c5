package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"piswarm/internal/backup"
	"piswarm/internal/cluster"
	"piswarm/internal/config"
	"piswarm/internal/lock"
	"piswarm/internal/logging"
	"piswarm/internal/ssh"
	"piswarm/internal/store"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history [run]",
		Short: "List past runs, or show one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: root.runE(func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Paths.StateDB)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec, err := db.GetRun(args[0])
				if errors.Is(err, store.ErrNotFound) {
					return usageError("no run %q", args[0])
				}
				if err != nil {
					return &exitError{code: exitFailed, err: err}
				}
				printRun(out, rec, db)
				return nil
			}

			runs, err := db.ListRuns()
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STAMP\tSTATUS\tMANAGER\tHOSTS\tFAILED")
			for _, rec := range runs {
				failed := 0
				for _, h := range rec.Hosts {
					if !h.Succeeded() {
						failed++
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", rec.Stamp, rec.Status, dash(rec.Manager), len(rec.Hosts), failed)
			}
			return tw.Flush()
		}),
	}
}

func printRun(w io.Writer, rec *store.RunRecord, db *store.BoltStore) {
	fmt.Fprintf(w, "Run %s (%s)\n", rec.Stamp, rec.ID)
	fmt.Fprintf(w, "  Cluster:  %s\n", rec.Cluster)
	fmt.Fprintf(w, "  Status:   %s\n", statusLabel(rec.Status))
	fmt.Fprintf(w, "  Phase:    %s\n", rec.Phase)
	fmt.Fprintf(w, "  Manager:  %s\n", dash(rec.Manager))
	fmt.Fprintf(w, "  Started:  %s\n", rec.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  Finished: %s\n", rec.FinishedAt.Format("2006-01-02 15:04:05 MST"))
	if rec.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", rec.Error)
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tHOSTNAME\tROLE\tAUTH\tRESULT")
	for _, h := range rec.Hosts {
		result := "ok"
		if !h.Succeeded() {
			result = fmt.Sprintf("%s failed (%s)", h.Step, h.Failure)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.Address, dash(h.Hostname), dash(string(h.Role)), h.Auth, result)
	}
	tw.Flush()

	snaps, err := db.Snapshots(rec.Stamp)
	if err != nil || len(snaps) == 0 {
		return
	}
	fmt.Fprintln(w, "\nSnapshots")
	for _, s := range snaps {
		fmt.Fprintf(w, "  %s  %d file(s), %d absent  %s\n", s.Host, len(s.Files), len(s.Absent), s.Dir)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type restoreOptions struct {
	run     string
	host    string
	address string
}

func newRestoreCmd(root *rootOptions) *cobra.Command {
	opts := &restoreOptions{}
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Put hosts back to the snapshots taken by an earlier run",
		Long: `Restore writes the files captured by an earlier run back to the hosts and
removes the files that run created. Without --host every host of the run is
restored.

A host is tried at --address when given, then at the address the run left it
on, then at the address it had when the snapshot was taken.`,
		Args: cobra.NoArgs,
	}
	cmd.RunE = root.runE(func(cmd *cobra.Command, _ []string) error {
		if opts.run == "" {
			return usageError("--run is required")
		}
		if opts.address != "" && opts.host == "" {
			return usageError("--address needs --host")
		}
		cfg, err := root.loadConfig()
		if err != nil {
			return err
		}
		return runRestore(cmd, cfg, opts)
	})
	cmd.Flags().StringVar(&opts.run, "run", "", "run stamp, as listed by `piswarm history`")
	cmd.Flags().StringVar(&opts.host, "host", "", "only restore the snapshot taken from this address")
	cmd.Flags().StringVar(&opts.address, "address", "", "reach the --host at this address instead")
	return cmd
}

func runRestore(cmd *cobra.Command, cfg *config.Config, opts *restoreOptions) error {
	snaps, err := backup.LoadRun(cfg.Paths.BackupRoot, opts.run)
	if err != nil {
		return usageError("no backups for run %s: %v", opts.run, err)
	}
	var selected []*backup.Snapshot
	for _, s := range snaps {
		if opts.host == "" || s.Host == opts.host || s.HostID == opts.host {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		if opts.host != "" {
			return usageError("run %s has no snapshot of %s", opts.run, opts.host)
		}
		return usageError("run %s has no snapshots", opts.run)
	}

	lk := lock.New(cfg.Paths.LockFile)
	if err := lk.Acquire(); err != nil {
		return &exitError{code: exitFailed, err: err}
	}
	defer lk.Release()

	runner := ssh.NewExecutor(ssh.Options{
		KeyDir:         cfg.SSH.KeyDir,
		Port:           cfg.SSH.Port,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		CommandTimeout: cfg.SSH.CommandTimeout,
	})
	rec := recordedRun(cfg, opts.run)
	inv := cluster.NewInventory(hostCredential(cfg, ""))

	var errs error
	for _, snap := range selected {
		h := inv.Add(snap.HostID)
		if err := inv.Override(h.ID(), hostCredential(cfg, snap.HostID)); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := reach(cmd.Context(), runner, h, restoreAddresses(rec, snap, opts.address)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", snap.Host, err))
			continue
		}
		if err := backup.Restore(cmd.Context(), runner, h, snap); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", h.Address(), err))
			continue
		}
		logging.L().Infow("host restored", "host", h.Address(), "snapshot", snap.Host, "run", opts.run)
		fmt.Fprintf(cmd.OutOrStdout(), "%s restored from run %s\n", h.Address(), opts.run)
	}
	if errs != nil {
		return &exitError{code: exitFailed, err: errs}
	}
	return nil
}

// recordedRun returns the stored record of run, or nil when the history is
// unavailable.
func recordedRun(cfg *config.Config, run string) *store.RunRecord {
	db, err := store.Open(cfg.Paths.StateDB)
	if err != nil {
		logging.L().Warnw("run history unavailable", "error", err)
		return nil
	}
	defer db.Close()
	rec, err := db.GetRun(run)
	if err != nil {
		logging.L().Debugw("run not recorded", "run", run, "error", err)
		return nil
	}
	return rec
}

// restoreAddresses lists where a snapshot's host may answer, most likely
// first, without duplicates.
func restoreAddresses(rec *store.RunRecord, snap *backup.Snapshot, override string) []string {
	candidates := []string{override}
	if rec != nil {
		for _, out := range rec.Hosts {
			if string(out.Host) == snap.HostID {
				candidates = append(candidates, out.Address)
			}
		}
	}
	candidates = append(candidates, snap.Host, snap.HostID)

	seen := make(map[string]bool)
	var out []string
	for _, addr := range candidates {
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// reach points h at the first address that accepts a command.
func reach(ctx context.Context, runner ssh.Runner, h *cluster.Host, addrs []string) error {
	var errs error
	for _, addr := range addrs {
		h.SetAddress(addr)
		if _, err := ssh.Check(runner.Execute(ctx, h, ssh.Cmd("true"))); err != nil {
			logging.L().Warnw("host not answering", "host", addr, "error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("no address answered (%s): %w", strings.Join(addrs, ", "), errs)
}

// hostCredential applies any per-host override from the config.
func hostCredential(cfg *config.Config, address string) cluster.Credential {
	cred := cluster.Credential{Username: cfg.Credentials.Username, Password: cfg.Credentials.Password}
	if hc, ok := cfg.HostFor(address); ok {
		if hc.Username != "" {
			cred.Username = hc.Username
		}
		if hc.Password != "" {
			cred.Password = hc.Password
		}
	}
	return cred
}

func newPruneCmd(root *rootOptions) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest backup runs",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = root.runE(func(cmd *cobra.Command, _ []string) error {
		cfg, err := root.loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("keep") {
			if keep < 0 {
				return usageError("--keep must not be negative")
			}
			cfg.Backup.Keep = keep
		}

		removed, pruneErr := backup.Prune(cfg.Paths.BackupRoot, cfg.Backup.Keep)
		if len(removed) > 0 {
			if db, err := store.Open(cfg.Paths.StateDB); err == nil {
				for _, stamp := range removed {
					if err := db.DeleteRun(stamp); err != nil && !errors.Is(err, store.ErrNotFound) {
						logging.L().Warnw("failed to drop run history", "run", stamp, "error", err)
					}
				}
				db.Close()
			}
		}
		for _, stamp := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", stamp)
		}
		if pruneErr != nil {
			return &exitError{code: exitFailed, err: pruneErr}
		}
		return nil
	})
	cmd.Flags().IntVar(&keep, "keep", 0, "runs to keep (default from config)")
	return cmd
}
