// Package bootstrap drives one run end to end: lock, discover, provision every
// host, form the swarm, deploy services and validate the result.
package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"

	"piswarm/internal/backup"
	"piswarm/internal/cluster"
	"piswarm/internal/defaults"
	"piswarm/internal/facts"
	"piswarm/internal/logging"
	"piswarm/internal/metrics"
	"piswarm/internal/notify"
	"piswarm/internal/provision"
	"piswarm/internal/services"
	"piswarm/internal/ssh"
	"piswarm/internal/store"
	"piswarm/internal/swarm"
)

// ErrNoHostsAvailable is returned when no host survived provisioning.
var ErrNoHostsAvailable = cluster.ErrNoHostsAvailable

// Locker is the run-wide mutual exclusion.
type Locker interface {
	Acquire() error
	Release() error
}

// Discoverer returns the operator-confirmed host addresses.
type Discoverer interface {
	Discover(ctx context.Context) []string
}

// Backups snapshots hosts before they are changed.
type Backups interface {
	Run() string
	Backup(ctx context.Context, h *cluster.Host) (*backup.Snapshot, error)
	Restore(ctx context.Context, h *cluster.Host, snap *backup.Snapshot) error
}

// NetworkConfigurator assigns static addresses.
type NetworkConfigurator interface {
	ConfigureStaticAddress(ctx context.Context, h *cluster.Host, desired, gateway string, dns []string) error
}

// Provisioner installs and verifies the container runtime.
type Provisioner interface {
	Provision(ctx context.Context, h *cluster.Host, f *facts.Facts) (provision.State, error)
}

// FactGatherer reads hardware facts. Its failures never fail a host.
type FactGatherer interface {
	Gather(ctx context.Context, h *cluster.Host) (*facts.Facts, error)
}

// Hardener applies the optional hardening step.
type Hardener interface {
	Harden(ctx context.Context, h *cluster.Host) error
}

// SwarmCoordinator forms the swarm.
type SwarmCoordinator interface {
	InitManager(ctx context.Context, h *cluster.Host) error
	JoinManagers(ctx context.Context, manager *cluster.Host, managers []*cluster.Host) []swarm.JoinResult
	JoinWorkers(ctx context.Context, manager *cluster.Host, workers []*cluster.Host) []swarm.JoinResult
	EnsureNetworks(ctx context.Context, manager *cluster.Host, networks []defaults.NetworkConfig) error
	Nodes(ctx context.Context, manager *cluster.Host) ([]swarm.NodeStatus, error)
}

// ServiceDeployer deploys the service stacks once the swarm exists.
type ServiceDeployer interface {
	Deploy(ctx context.Context, manager *cluster.Host) (*services.Result, error)
}

// Notifier receives run events. Its errors are ignored.
type Notifier interface {
	Notify(ctx context.Context, e notify.Event) error
}

// RunStore persists the run record and snapshot catalogue.
type RunStore interface {
	SaveRun(rec *store.RunRecord) error
	PutSnapshot(snap *backup.Snapshot) error
}

// PasswordPrompter asks the operator for a password.
type PasswordPrompter interface {
	Password(message string) (string, error)
}

// HostSpec is a statically configured host.
type HostSpec struct {
	Address        string
	DesiredAddress string
	Credential     *cluster.Credential // nil uses the shared credential
}

// Options tunes a run.
type Options struct {
	ClusterName string
	Credential  cluster.Credential
	// Hosts skips discovery when not empty.
	Hosts            []HostSpec
	Gateway          string
	DNS              []string
	PreferredManager string
	Managers         int
	Parallelism      int
	Networks         []defaults.NetworkConfig
	RollbackTimeout  time.Duration
}

// Deps are the collaborators of a run. Lock, Runner, Backups, Provisioner and
// Swarm are required; the rest may be nil.
type Deps struct {
	Lock        Locker
	Runner      ssh.Runner
	Discovery   Discoverer
	Backups     Backups
	Network     NetworkConfigurator
	Provisioner Provisioner
	Facts       FactGatherer
	Hardener    Hardener
	Swarm       SwarmCoordinator
	Services    ServiceDeployer
	Notifier    Notifier
	Store       RunStore
	Metrics     *metrics.Recorder
	Prompter    PasswordPrompter
	Clock       clockwork.Clock
}

// Report is the result of a run.
type Report struct {
	RunID      string
	Stamp      string
	Cluster    string
	Status     cluster.RunStatus
	Phase      cluster.Phase // last phase entered
	Manager    string
	Hosts      []cluster.HostOutcome
	Nodes      []swarm.NodeStatus
	DownNodes  []string
	Stacks     *services.Result
	Warnings   []string
	RolledBack []string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed returns the outcomes of hosts that did not come through.
func (r *Report) Failed() []cluster.HostOutcome {
	var out []cluster.HostOutcome
	for _, o := range r.Hosts {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// Orchestrator runs the bootstrap state machine.
type Orchestrator struct {
	opts  Options
	deps  Deps
	clock clockwork.Clock

	// snapshots holds the hosts eligible for rollback in this run.
	snapMu    sync.Mutex
	snapshots map[cluster.HostID]*backup.Snapshot
	hosts     map[cluster.HostID]*cluster.Host

	// promptMu serializes operator prompts across workers.
	promptMu sync.Mutex
}

// New creates an Orchestrator.
func New(opts Options, deps Deps) *Orchestrator {
	if opts.Parallelism < 1 {
		opts.Parallelism = defaults.Parallelism
	}
	if opts.Managers < 1 {
		opts.Managers = defaults.Managers
	}
	if opts.ClusterName == "" {
		opts.ClusterName = defaults.ClusterName
	}
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = 5 * time.Minute
	}
	if opts.Networks == nil {
		opts.Networks = defaults.AllNetworks()
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		opts:      opts,
		deps:      deps,
		clock:     clock,
		snapshots: make(map[cluster.HostID]*backup.Snapshot),
		hosts:     make(map[cluster.HostID]*cluster.Host),
	}
}

// Run executes one bootstrap. The lock is held from before discovery until
// Run returns, on every path. A fleet-level failure after discovery restores
// every host that has a snapshot in this run.
func (o *Orchestrator) Run(ctx context.Context) (report *Report, err error) {
	report = &Report{
		RunID:     uuid.NewString(),
		Stamp:     o.deps.Backups.Run(),
		Cluster:   o.opts.ClusterName,
		Phase:     cluster.PhaseIdle,
		StartedAt: o.clock.Now().UTC(),
	}
	log := logging.L().With("component", "bootstrap", "run", report.RunID)

	if err := o.deps.Lock.Acquire(); err != nil {
		report.Status = cluster.RunFailed
		report.Err = err
		report.FinishedAt = o.clock.Now().UTC()
		return report, err
	}
	defer func() {
		if rerr := o.deps.Lock.Release(); rerr != nil {
			log.Errorw("failed to release lock", "error", rerr)
		}
	}()

	defer func() {
		p := recover()
		if p != nil {
			log.Errorw("bootstrap panicked, rolling back", "panic", p)
			err = fmt.Errorf("bootstrap panicked: %v", p)
		}
		report.FinishedAt = o.clock.Now().UTC()
		if err != nil {
			report.Status = cluster.RunFailed
			report.Err = err
			o.rollback(ctx, report)
		}
		o.finish(ctx, report)
		if p != nil {
			panic(p)
		}
	}()

	o.notify(ctx, report, notify.CategoryRunStarted, "bootstrap started", "")

	// Discovering
	report.Phase = cluster.PhaseDiscovering
	inv, err := o.inventory(ctx)
	if err != nil {
		return report, err
	}
	log.Infow("hosts selected", "count", inv.Len())

	// PerHostProvisioning
	report.Phase = cluster.PhasePerHostProvisioning
	timer := o.startPhase(report.Phase)
	report.Hosts = o.provisionAll(ctx, report, inv)
	timer.stop()

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("bootstrap interrupted: %w", err)
	}

	survivors := survivingHosts(inv, report.Hosts)
	if len(survivors) == 0 {
		return report, fmt.Errorf("%w: all %d host(s) failed provisioning", ErrNoHostsAvailable, inv.Len())
	}
	log.Infow("provisioning complete", "succeeded", len(survivors), "failed", inv.Len()-len(survivors))

	// SwarmInitializing
	report.Phase = cluster.PhaseSwarmInitializing
	manager := o.chooseManager(survivors)
	report.Manager = manager.Address()
	timer = o.startPhase(report.Phase)
	err = o.deps.Swarm.InitManager(ctx, manager)
	timer.stop()
	if err != nil {
		o.markFailed(ctx, report, manager, "swarm-init", err)
		return report, err
	}
	o.markJoined(report, manager)

	// SwarmJoining
	report.Phase = cluster.PhaseSwarmJoining
	timer = o.startPhase(report.Phase)
	err = o.joinAll(ctx, report, manager, survivors)
	timer.stop()
	if err != nil {
		return report, err
	}
	o.notify(ctx, report, notify.CategorySwarmFormed, fmt.Sprintf("swarm formed with manager %s", manager.Address()), "")

	if err := o.deps.Swarm.EnsureNetworks(ctx, manager, o.opts.Networks); err != nil {
		o.warn(report, fmt.Sprintf("overlay networks: %v", err))
	}

	// ServiceDeploying
	report.Phase = cluster.PhaseServiceDeploying
	if o.deps.Services != nil {
		timer = o.startPhase(report.Phase)
		stacks, err := o.deps.Services.Deploy(ctx, manager)
		timer.stop()
		report.Stacks = stacks
		if err != nil {
			o.warn(report, fmt.Sprintf("service deployment: %v", err))
		}
	}

	o.validate(ctx, report, manager)
	return report, nil
}

// inventory builds the host set from configuration or discovery.
func (o *Orchestrator) inventory(ctx context.Context) (*cluster.Inventory, error) {
	inv := cluster.NewInventory(o.opts.Credential)

	if len(o.opts.Hosts) > 0 {
		for _, hs := range o.opts.Hosts {
			h := inv.Add(hs.Address)
			h.SetDesiredAddress(hs.DesiredAddress)
			if hs.Credential != nil {
				if err := inv.Override(h.ID(), *hs.Credential); err != nil {
					return nil, err
				}
			}
		}
	} else if o.deps.Discovery != nil {
		for _, addr := range o.deps.Discovery.Discover(ctx) {
			inv.Add(addr)
		}
	}

	if inv.Len() == 0 {
		return nil, fmt.Errorf("%w: no hosts selected", ErrNoHostsAvailable)
	}

	o.snapMu.Lock()
	for _, h := range inv.Hosts() {
		o.hosts[h.ID()] = h
	}
	o.snapMu.Unlock()
	return inv, nil
}

func (o *Orchestrator) chooseManager(survivors []*cluster.Host) *cluster.Host {
	if o.opts.PreferredManager != "" {
		for _, h := range survivors {
			if string(h.ID()) == o.opts.PreferredManager || h.Address() == o.opts.PreferredManager {
				return h
			}
		}
		logging.L().Warnw("preferred manager did not survive provisioning, using first surviving host",
			"preferred", o.opts.PreferredManager, "manager", survivors[0].Address())
	}
	return survivors[0]
}

// joinAll joins additional managers first, then workers. A majority of
// failed joins is fatal; fewer failures mark the hosts and continue.
func (o *Orchestrator) joinAll(ctx context.Context, report *Report, manager *cluster.Host, survivors []*cluster.Host) error {
	var others []*cluster.Host
	for _, h := range survivors {
		if h != manager {
			others = append(others, h)
		}
	}
	if len(others) == 0 {
		return nil
	}

	extra := o.opts.Managers - 1
	if extra > len(others) {
		extra = len(others)
	}

	var results []swarm.JoinResult
	if extra > 0 {
		results = append(results, o.deps.Swarm.JoinManagers(ctx, manager, others[:extra])...)
	}
	results = append(results, o.deps.Swarm.JoinWorkers(ctx, manager, others[extra:])...)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			o.markFailed(ctx, report, res.Host, "swarm-join", res.Err)
			continue
		}
		o.markJoined(report, res.Host)
	}
	if failed*2 > len(results) {
		return fmt.Errorf("%w: %d of %d joins failed", swarm.ErrSwarm, failed, len(results))
	}
	return nil
}

// validate decides between Validated and PartiallySucceeded.
func (o *Orchestrator) validate(ctx context.Context, report *Report, manager *cluster.Host) {
	nodes, err := o.deps.Swarm.Nodes(ctx, manager)
	if err != nil {
		o.warn(report, fmt.Sprintf("node status check: %v", err))
	} else {
		report.Nodes = nodes
		report.DownNodes = swarm.DownNodes(nodes)
		for _, n := range report.DownNodes {
			o.warn(report, fmt.Sprintf("node %s reports down", n))
		}
	}

	switch {
	case err != nil, len(report.DownNodes) > 0, len(report.Failed()) > 0, len(report.Warnings) > 0:
		report.Status = cluster.RunPartiallySucceeded
	default:
		report.Status = cluster.RunValidated
		report.Phase = cluster.PhaseValidated
	}
}

// rollback restores every host that still has a snapshot in this run. It
// runs detached from ctx so an interrupt does not cut it short.
func (o *Orchestrator) rollback(ctx context.Context, report *Report) {
	o.snapMu.Lock()
	pending := make(map[cluster.HostID]*backup.Snapshot, len(o.snapshots))
	for id, snap := range o.snapshots {
		pending[id] = snap
	}
	o.snapshots = make(map[cluster.HostID]*backup.Snapshot)
	o.snapMu.Unlock()

	if len(pending) == 0 {
		return
	}

	log := logging.L().With("component", "bootstrap", "run", report.RunID)
	log.Warnw("rolling back hosts with snapshots", "count", len(pending))

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.RollbackTimeout)
	defer cancel()

	var errs error
	for _, h := range o.orderedHosts(pending) {
		snap := pending[h.ID()]
		if err := o.restoreHost(rctx, h, snap); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		report.RolledBack = append(report.RolledBack, h.Address())
	}
	if errs != nil {
		log.Errorw("rollback incomplete", "error", errs)
		report.Warnings = append(report.Warnings, fmt.Sprintf("rollback incomplete: %v", errs))
	}
	o.notify(ctx, report, notify.CategoryRollback,
		fmt.Sprintf("restored %d of %d host(s)", len(report.RolledBack), len(pending)), "")
}

func (o *Orchestrator) orderedHosts(set map[cluster.HostID]*backup.Snapshot) []*cluster.Host {
	o.snapMu.Lock()
	defer o.snapMu.Unlock()
	var out []*cluster.Host
	for id := range set {
		if h, ok := o.hosts[id]; ok {
			out = append(out, h)
		}
	}
	sortHosts(out)
	return out
}

func (o *Orchestrator) restoreHost(ctx context.Context, h *cluster.Host, snap *backup.Snapshot) error {
	if err := o.deps.Backups.Restore(ctx, h, snap); err != nil {
		return fmt.Errorf("%s: %w", h.Address(), err)
	}
	// The restored network configuration brings the host back to the
	// address it was discovered at.
	h.SetAddress(string(h.ID()))
	return nil
}

// finish records the run: metrics, history and the final notification.
func (o *Orchestrator) finish(ctx context.Context, report *Report) {
	log := logging.L().With("component", "bootstrap", "run", report.RunID)

	if m := o.deps.Metrics; m != nil {
		m.ObserveHosts(report.Hosts)
		if report.Nodes != nil {
			m.ObserveNodes(len(report.Nodes), len(report.DownNodes))
		}
		if report.Stacks != nil {
			m.ObserveStacks(report.Stacks.Deployed, len(report.Stacks.Failed))
		}
		m.Finish(report.Status)
	}

	if o.deps.Store != nil {
		rec := &store.RunRecord{
			ID:         report.RunID,
			Stamp:      report.Stamp,
			Cluster:    report.Cluster,
			StartedAt:  report.StartedAt,
			FinishedAt: report.FinishedAt,
			Status:     report.Status,
			Phase:      report.Phase,
			Manager:    report.Manager,
			Hosts:      report.Hosts,
			DownNodes:  report.DownNodes,
		}
		if report.Err != nil {
			rec.Error = report.Err.Error()
		}
		if err := o.deps.Store.SaveRun(rec); err != nil {
			log.Warnw("failed to record run history", "error", err)
		}
	}

	category := notify.CategoryRunCompleted
	if report.Status == cluster.RunFailed {
		category = notify.CategoryRunFailed
	}
	msg := fmt.Sprintf("%d of %d host(s) succeeded", len(report.Hosts)-len(report.Failed()), len(report.Hosts))
	if report.Err != nil {
		msg = report.Err.Error()
	}
	o.notify(ctx, report, category, msg, "")

	log.Infow("bootstrap finished",
		"status", string(report.Status),
		"phase", string(report.Phase),
		"manager", report.Manager,
		"failedHosts", len(report.Failed()),
		"downNodes", report.DownNodes,
		"duration", report.FinishedAt.Sub(report.StartedAt).String(),
	)
}

func (o *Orchestrator) notify(ctx context.Context, report *Report, category notify.Category, msg, host string) {
	if o.deps.Notifier == nil {
		return
	}
	e := notify.Event{
		Category: category,
		Message:  msg,
		Cluster:  report.Cluster,
		RunID:    report.RunID,
		Host:     host,
		Status:   string(report.Status),
		Time:     o.clock.Now().UTC(),
	}
	if err := o.deps.Notifier.Notify(ctx, e); err != nil {
		logging.L().Debugw("notification not delivered", "category", string(category), "error", err)
	}
}

func (o *Orchestrator) warn(report *Report, msg string) {
	logging.L().Warnw(msg, "run", report.RunID)
	report.Warnings = append(report.Warnings, msg)
}

func (o *Orchestrator) markFailed(ctx context.Context, report *Report, h *cluster.Host, step string, err error) {
	for i := range report.Hosts {
		if report.Hosts[i].Host != h.ID() {
			continue
		}
		report.Hosts[i].Step = step
		report.Hosts[i].Failure = cluster.ClassifyFailure(err)
		report.Hosts[i].Error = err.Error()
		report.Hosts[i].Joined = false
	}
	o.notify(ctx, report, notify.CategoryHostFailed, fmt.Sprintf("%s failed: %v", step, err), h.Address())
}

func (o *Orchestrator) markJoined(report *Report, h *cluster.Host) {
	for i := range report.Hosts {
		if report.Hosts[i].Host == h.ID() {
			report.Hosts[i].Joined = true
			report.Hosts[i].Role = h.Role()
			report.Hosts[i].Address = h.Address()
			report.Hosts[i].Hostname = h.Hostname()
		}
	}
}

type phaseTimer struct{ t *metrics.Timer }

func (o *Orchestrator) startPhase(p cluster.Phase) phaseTimer {
	if o.deps.Metrics == nil {
		return phaseTimer{}
	}
	return phaseTimer{t: o.deps.Metrics.StartPhase(p)}
}

func (pt phaseTimer) stop() {
	if pt.t != nil {
		pt.t.Stop()
	}
}
