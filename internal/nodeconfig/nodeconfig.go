// Package nodeconfig applies the optional per-node hardening step: firewall
// rules for SSH and swarm traffic, and disabling sshd password logins once the
// cluster key is in place.
package nodeconfig

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"piswarm/internal/cluster"
	"piswarm/internal/logging"
	"piswarm/internal/ssh"
)

// ErrConfiguration is returned when a hardening command fails.
var ErrConfiguration = cluster.ErrConfiguration

// SSHDDropIn is the sshd drop-in written when password logins are disabled.
const SSHDDropIn = "/etc/ssh/sshd_config.d/99-piswarm.conf"

// Options selects what Harden changes.
type Options struct {
	FirewallPorts       []string // ufw rules such as "22/tcp"
	DisablePasswordAuth bool
}

// NodeConfigurator handles per-node hardening.
type NodeConfigurator struct {
	runner ssh.Runner
	opts   Options
	log    *zap.SugaredLogger
}

// NewNodeConfigurator creates a new node configurator.
func NewNodeConfigurator(runner ssh.Runner, opts Options) *NodeConfigurator {
	return &NodeConfigurator{
		runner: runner,
		opts:   opts,
		log:    logging.L().With("component", "nodeconfig"),
	}
}

// Harden configures the firewall and, when requested, sshd on h.
func (nc *NodeConfigurator) Harden(ctx context.Context, h *cluster.Host) error {
	if len(nc.opts.FirewallPorts) > 0 {
		nc.log.Infow("configuring firewall", "host", h.Address(), "rules", nc.opts.FirewallPorts)
		if err := nc.configureFirewall(ctx, h); err != nil {
			return fmt.Errorf("%w: firewall on %s: %w", ErrConfiguration, h.Address(), err)
		}
	}

	if nc.opts.DisablePasswordAuth {
		if err := nc.disablePasswordAuth(ctx, h); err != nil {
			return fmt.Errorf("%w: sshd on %s: %w", ErrConfiguration, h.Address(), err)
		}
	}
	return nil
}

func (nc *NodeConfigurator) configureFirewall(ctx context.Context, h *cluster.Host) error {
	res, err := nc.runner.Execute(ctx, h, ssh.Cmd("command", "-v", "ufw"))
	if err != nil {
		return err
	}
	if !res.OK() {
		install := ssh.Script("DEBIAN_FRONTEND=noninteractive apt-get install -y ufw").AsRoot()
		if _, err := ssh.Check(nc.runner.Execute(ctx, h, install)); err != nil {
			return fmt.Errorf("failed to install ufw: %w", err)
		}
	}

	// ufw skips rules it already has, so re-runs are safe.
	for _, rule := range nc.opts.FirewallPorts {
		if _, err := ssh.Check(nc.runner.Execute(ctx, h, ssh.Cmd("ufw", "allow", rule).AsRoot())); err != nil {
			return fmt.Errorf("failed to allow %s: %w", rule, err)
		}
	}

	status, err := ssh.Check(nc.runner.Execute(ctx, h, ssh.Cmd("ufw", "status").AsRoot()))
	if err != nil {
		return err
	}
	if strings.Contains(status.Stdout, "Status: active") {
		return nil
	}
	if _, err := ssh.Check(nc.runner.Execute(ctx, h, ssh.Cmd("ufw", "--force", "enable").AsRoot())); err != nil {
		return fmt.Errorf("failed to enable ufw: %w", err)
	}
	nc.log.Infow("firewall enabled", "host", h.Address())
	return nil
}

// disablePasswordAuth only acts on hosts already reached with the cluster key;
// otherwise the next run could lock itself out.
func (nc *NodeConfigurator) disablePasswordAuth(ctx context.Context, h *cluster.Host) error {
	if h.AuthState() != cluster.AuthKey {
		nc.log.Warnw("keeping sshd password logins; host is not key-authenticated",
			"host", h.Address(), "auth", h.AuthState().String())
		return nil
	}

	dropIn := []byte("PasswordAuthentication no\nKbdInteractiveAuthentication no\n")
	if err := nc.runner.Upload(ctx, h, dropIn, SSHDDropIn, 0o644); err != nil {
		return err
	}
	if _, err := ssh.Check(nc.runner.Execute(ctx, h, ssh.Cmd("sshd", "-t").AsRoot())); err != nil {
		nc.runner.Execute(ctx, h, ssh.Cmd("rm", "-f", SSHDDropIn).AsRoot())
		return fmt.Errorf("sshd rejected the configuration: %w", err)
	}
	if _, err := ssh.Check(nc.runner.Execute(ctx, h, ssh.Script("systemctl reload ssh || systemctl reload sshd").AsRoot())); err != nil {
		return fmt.Errorf("failed to reload sshd: %w", err)
	}
	nc.log.Infow("disabled sshd password logins", "host", h.Address())
	return nil
}
