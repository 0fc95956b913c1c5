package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"piswarm/internal/backup"
	"piswarm/internal/cluster"
	"piswarm/internal/facts"
	"piswarm/internal/logging"
	"piswarm/internal/notify"
	"piswarm/internal/ssh"
)

// Per-host steps, in order. The names appear in reports.
const (
	stepProbe     = "probe"
	stepBackup    = "backup"
	stepNetwork   = "network"
	stepProvision = "provision"
	stepHarden    = "harden"
	stepValidate  = "validate"
)

// hostError is a failed per-host step.
type hostError struct {
	step string
	err  error
}

func (e *hostError) Error() string { return e.step + ": " + e.err.Error() }
func (e *hostError) Unwrap() error { return e.err }

// provisionAll runs the per-host pipeline on every host with at most
// Parallelism hosts in flight. Every host is attempted; failures only mark
// the host. A panic in a host goroutine is re-raised on the caller's
// goroutine once the others have finished, so Run's recover still rolls back.
func (o *Orchestrator) provisionAll(ctx context.Context, report *Report, inv *cluster.Inventory) []cluster.HostOutcome {
	hosts := inv.Hosts()
	outcomes := make([]cluster.HostOutcome, len(hosts))

	var (
		mu       sync.Mutex
		panicked any
	)
	var g errgroup.Group
	g.SetLimit(o.opts.Parallelism)
	for i, h := range hosts {
		i, h := i, h
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					logging.L().Errorw("host pipeline panicked", "host", h.Address(), "panic", p)
					mu.Lock()
					if panicked == nil {
						panicked = p
					}
					mu.Unlock()
				}
			}()
			outcomes[i] = o.processHost(ctx, h)
			return nil
		})
	}
	g.Wait()
	if panicked != nil {
		panic(panicked)
	}

	for _, out := range outcomes {
		if !out.Succeeded() {
			o.notify(ctx, report, notify.CategoryHostFailed,
				fmt.Sprintf("%s failed: %s", out.Step, out.Error), out.Address)
		}
	}
	return outcomes
}

// processHost takes one host through probe, backup, network, provision,
// hardening and validation.
func (o *Orchestrator) processHost(ctx context.Context, h *cluster.Host) cluster.HostOutcome {
	log := logging.L().With("component", "bootstrap", "host", h.Address())
	outcome := cluster.HostOutcome{Host: h.ID(), Address: h.Address()}

	err := o.pipeline(ctx, h)

	outcome.Address = h.Address()
	outcome.Hostname = h.Hostname()
	outcome.Auth = h.AuthState().String()
	if err != nil {
		var he *hostError
		if errors.As(err, &he) {
			outcome.Step = he.step
		}
		outcome.Failure = cluster.ClassifyFailure(err)
		outcome.Error = err.Error()
		log.Errorw(logging.FormatNodeMessage("x", h.Address(), h.Hostname(), "", "host failed"),
			"step", outcome.Step,
			"failure", string(outcome.Failure),
			"error", err,
		)
		return outcome
	}
	log.Infow(logging.FormatNodeMessage("->", h.Address(), h.Hostname(), "", "host ready"))
	return outcome
}

func (o *Orchestrator) pipeline(ctx context.Context, h *cluster.Host) error {
	if err := ctx.Err(); err != nil {
		return &hostError{stepProbe, err}
	}

	if err := o.probe(ctx, h); err != nil {
		return &hostError{stepProbe, err}
	}

	snap, err := o.deps.Backups.Backup(ctx, h)
	if err != nil {
		return &hostError{stepBackup, err}
	}
	o.recordSnapshot(h, snap)

	var f *facts.Facts
	if o.deps.Facts != nil {
		f, err = o.deps.Facts.Gather(ctx, h)
		if err != nil {
			logging.L().Warnw("hardware facts unavailable", "host", h.Address(), "error", err)
			f = nil
		}
	}

	if desired := h.DesiredAddress(); desired != "" && o.deps.Network != nil {
		if err := o.deps.Network.ConfigureStaticAddress(ctx, h, desired, o.opts.Gateway, o.opts.DNS); err != nil {
			o.restoreAfterConfigError(ctx, h)
			return &hostError{stepNetwork, err}
		}
	}

	if _, err := o.deps.Provisioner.Provision(ctx, h, f); err != nil {
		return &hostError{stepProvision, err}
	}

	if o.deps.Hardener != nil {
		if err := o.deps.Hardener.Harden(ctx, h); err != nil {
			if errors.Is(err, cluster.ErrConfiguration) {
				o.restoreAfterConfigError(ctx, h)
			}
			return &hostError{stepHarden, err}
		}
	}

	res, err := ssh.Check(o.deps.Runner.Execute(ctx, h, ssh.Cmd("docker", "info", "--format", "{{.ServerVersion}}").AsRoot()))
	if err != nil {
		return &hostError{stepValidate, err}
	}
	logging.L().Debugw("docker reachable", "host", h.Address(), "version", res.Trimmed())
	return nil
}

// probe authenticates to h and reads its hostname. A rejected password is
// re-prompted once.
func (o *Orchestrator) probe(ctx context.Context, h *cluster.Host) error {
	res, err := ssh.Check(o.deps.Runner.Execute(ctx, h, ssh.Cmd("hostname")))
	if errors.Is(err, ssh.ErrAuthFailure) && o.deps.Prompter != nil {
		if perr := o.reprompt(h); perr != nil {
			return fmt.Errorf("%w (re-prompt: %v)", err, perr)
		}
		res, err = ssh.Check(o.deps.Runner.Execute(ctx, h, ssh.Cmd("hostname")))
	}
	if err != nil {
		return err
	}
	if h.Hostname() == "" {
		h.SetHostname(res.Trimmed())
	}
	logging.L().Infow(logging.FormatNodeMessage("->", h.Address(), h.Hostname(), "", "connected"), "auth", h.AuthState().String())
	return nil
}

// reprompt asks for a new password for h only. The shared credential is
// left untouched.
func (o *Orchestrator) reprompt(h *cluster.Host) error {
	o.promptMu.Lock()
	defer o.promptMu.Unlock()

	cred := h.Credential()
	pw, err := o.deps.Prompter.Password(fmt.Sprintf("Password rejected for %s@%s, enter it again", cred.Username, h.Address()))
	if err != nil {
		return err
	}
	cred.Password = pw
	h.OverrideCredential(cred)
	return nil
}

func (o *Orchestrator) recordSnapshot(h *cluster.Host, snap *backup.Snapshot) {
	o.snapMu.Lock()
	o.snapshots[h.ID()] = snap
	o.snapMu.Unlock()

	if o.deps.Store != nil {
		if err := o.deps.Store.PutSnapshot(snap); err != nil {
			logging.L().Warnw("failed to catalogue snapshot", "snapshot", snap.ID(), "error", err)
		}
	}
}

// restoreAfterConfigError puts h's snapshot back right away. The snapshot
// leaves the rollback set either way so it is not replayed later.
func (o *Orchestrator) restoreAfterConfigError(ctx context.Context, h *cluster.Host) {
	o.snapMu.Lock()
	snap, ok := o.snapshots[h.ID()]
	delete(o.snapshots, h.ID())
	o.snapMu.Unlock()
	if !ok {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.RollbackTimeout)
	defer cancel()
	if err := o.restoreHost(rctx, h, snap); err != nil {
		logging.L().Errorw("restore after configuration error failed", "host", h.Address(), "error", err)
		return
	}
	logging.L().Warnw("host restored after configuration error", "host", h.Address())
}

// survivingHosts returns the hosts whose outcome succeeded, in inventory order.
func survivingHosts(inv *cluster.Inventory, outcomes []cluster.HostOutcome) []*cluster.Host {
	ok := make(map[cluster.HostID]bool, len(outcomes))
	for _, out := range outcomes {
		if out.Succeeded() {
			ok[out.Host] = true
		}
	}
	var out []*cluster.Host
	for _, h := range inv.Hosts() {
		if ok[h.ID()] {
			out = append(out, h)
		}
	}
	return out
}

func sortHosts(hosts []*cluster.Host) {
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID() < hosts[j].ID() })
}
