package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"piswarm/internal/bootstrap"
	"piswarm/internal/cluster"
)

// exitCode maps a run status onto the process exit status. With legacy set
// a partially succeeded run exits 0.
func exitCode(status cluster.RunStatus, legacy bool) int {
	switch status {
	case cluster.RunValidated:
		return exitOK
	case cluster.RunPartiallySucceeded:
		if legacy {
			return exitOK
		}
		return exitPartial
	default:
		return exitFailed
	}
}

// remediation suggests what the operator should check for a failure kind.
func remediation(kind cluster.FailureKind) string {
	switch kind {
	case cluster.FailureAuth:
		return "check the username and password, or that the cluster key is in authorized_keys"
	case cluster.FailureConnection:
		return "check the host is powered on, reachable and running sshd"
	case cluster.FailureConfiguration:
		return "the host was restored from its backup; check the desired address, gateway and interface"
	case cluster.FailureBackup:
		return "check the backup directory is writable and the remote files are readable"
	case cluster.FailureRestore:
		return "restore the host by hand with `piswarm restore --run <stamp> --host <address>`"
	case cluster.FailureProvision:
		return "check apt and internet access on the host, then re-run bootstrap"
	case cluster.FailureSwarm:
		return "check ports 2377, 7946 and 4789 are open between the hosts"
	case cluster.FailureNoHosts:
		return "select at least one reachable host"
	default:
		return "see the log file for details"
	}
}

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	bold     = color.New(color.Bold).SprintFunc()
)

func statusLabel(status cluster.RunStatus) string {
	switch status {
	case cluster.RunValidated:
		return okMark("VALIDATED")
	case cluster.RunPartiallySucceeded:
		return warnMark("PARTIALLY SUCCEEDED")
	default:
		return failMark("FAILED")
	}
}

// printSummary writes the operator-facing result of a run.
func printSummary(w io.Writer, r *bootstrap.Report) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s (run %s)\n", bold("Bootstrap"), statusLabel(r.Status), r.Stamp)
	if r.Manager != "" {
		fmt.Fprintf(w, "  Manager: %s\n", r.Manager)
	}
	fmt.Fprintf(w, "  Phase:   %s\n", r.Phase)
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  Took:    %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}

	if len(r.Hosts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold("Hosts"))
		for _, h := range r.Hosts {
			name := h.Hostname
			if name == "" {
				name = "-"
			}
			if h.Succeeded() {
				role := string(h.Role)
				if role == "" {
					role = "unassigned"
				}
				fmt.Fprintf(w, "  %s %-15s %-16s %s\n", okMark("✓"), h.Address, name, role)
				continue
			}
			fmt.Fprintf(w, "  %s %-15s %-16s %s failed (%s): %s\n", failMark("✗"), h.Address, name, h.Step, h.Failure, h.Error)
			fmt.Fprintf(w, "      hint: %s\n", remediation(h.Failure))
		}
	}

	if len(r.DownNodes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %s\n", warnMark("Down nodes:"), strings.Join(r.DownNodes, ", "))
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, warnMark("Warnings"))
		for _, msg := range r.Warnings {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
	}
	if len(r.RolledBack) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %s\n", warnMark("Restored from backup:"), strings.Join(r.RolledBack, ", "))
	}
	if r.Err != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %v\n", failMark("Error:"), r.Err)
		fmt.Fprintf(w, "  hint: %s\n", remediation(cluster.ClassifyFailure(r.Err)))
	}
}
