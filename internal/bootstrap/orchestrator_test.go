package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piswarm/internal/backup"
	"piswarm/internal/cluster"
	"piswarm/internal/defaults"
	"piswarm/internal/facts"
	"piswarm/internal/lock"
	"piswarm/internal/notify"
	"piswarm/internal/provision"
	"piswarm/internal/services"
	"piswarm/internal/ssh"
	"piswarm/internal/ssh/sshtest"
	"piswarm/internal/store"
	"piswarm/internal/swarm"
)

type fakeLock struct {
	err      error
	acquired int
	released int
}

func (l *fakeLock) Acquire() error {
	if l.err != nil {
		return l.err
	}
	l.acquired++
	return nil
}

func (l *fakeLock) Release() error {
	l.released++
	return nil
}

type fakeDiscovery struct {
	addrs []string
	calls int
}

func (d *fakeDiscovery) Discover(context.Context) []string {
	d.calls++
	return d.addrs
}

type fakeBackups struct {
	mu       sync.Mutex
	fail     map[string]error
	taken    []string
	restored []string
}

func (b *fakeBackups) Run() string { return "20261017T120000Z" }

func (b *fakeBackups) Backup(_ context.Context, h *cluster.Host) (*backup.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[h.Address()]; err != nil {
		return nil, err
	}
	b.taken = append(b.taken, h.Address())
	return &backup.Snapshot{Run: b.Run(), Host: h.Address(), HostID: string(h.ID())}, nil
}

func (b *fakeBackups) Restore(_ context.Context, h *cluster.Host, snap *backup.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restored = append(b.restored, snap.HostID)
	return nil
}

func (b *fakeBackups) restoredHosts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.restored...)
}

type fakeNetwork struct {
	fail map[string]error
}

func (n *fakeNetwork) ConfigureStaticAddress(_ context.Context, h *cluster.Host, desired, _ string, _ []string) error {
	if err := n.fail[h.Address()]; err != nil {
		return err
	}
	h.SetAddress(desired)
	return nil
}

type fakeProvisioner struct {
	mu     sync.Mutex
	fail   map[string]error
	panics map[string]any
	calls  []string
}

func (p *fakeProvisioner) Provision(_ context.Context, h *cluster.Host, _ *facts.Facts) (provision.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, h.Address())
	if v, ok := p.panics[h.Address()]; ok {
		panic(v)
	}
	if err := p.fail[h.Address()]; err != nil {
		return provision.BaseConfigured, &provision.Error{Host: h.Address(), Err: err}
	}
	return provision.Verified, nil
}

type fakeSwarm struct {
	initErr     error
	joinFail    map[string]error
	down        []string
	initCalls   []string
	workers     []string
	managers    []string
	networksErr error
}

func (s *fakeSwarm) InitManager(_ context.Context, h *cluster.Host) error {
	s.initCalls = append(s.initCalls, h.Address())
	if s.initErr != nil {
		return s.initErr
	}
	return h.AssignRole(cluster.RoleManager)
}

func (s *fakeSwarm) join(hosts []*cluster.Host, role cluster.Role, into *[]string) []swarm.JoinResult {
	var out []swarm.JoinResult
	for _, h := range hosts {
		*into = append(*into, h.Address())
		res := swarm.JoinResult{Host: h, Role: role, Err: s.joinFail[h.Address()]}
		if res.Err == nil {
			h.AssignRole(role)
		}
		out = append(out, res)
	}
	return out
}

func (s *fakeSwarm) JoinManagers(_ context.Context, _ *cluster.Host, hosts []*cluster.Host) []swarm.JoinResult {
	return s.join(hosts, cluster.RoleManager, &s.managers)
}

func (s *fakeSwarm) JoinWorkers(_ context.Context, _ *cluster.Host, hosts []*cluster.Host) []swarm.JoinResult {
	return s.join(hosts, cluster.RoleWorker, &s.workers)
}

func (s *fakeSwarm) EnsureNetworks(context.Context, *cluster.Host, []defaults.NetworkConfig) error {
	return s.networksErr
}

func (s *fakeSwarm) Nodes(context.Context, *cluster.Host) ([]swarm.NodeStatus, error) {
	var nodes []swarm.NodeStatus
	for _, a := range append(append([]string{}, s.initCalls[:1]...), append(s.managers, s.workers...)...) {
		if s.joinFail[a] != nil {
			continue
		}
		status := "Ready"
		for _, d := range s.down {
			if d == a {
				status = defaults.NodeDown
			}
		}
		nodes = append(nodes, swarm.NodeStatus{Hostname: a, Status: status, Availability: "Active"})
	}
	return nodes, nil
}

type fakeDeployer struct {
	err   error
	calls int
}

func (d *fakeDeployer) Deploy(context.Context, *cluster.Host) (*services.Result, error) {
	d.calls++
	if d.err != nil {
		return &services.Result{Found: 1, Enabled: 1, Failed: []string{"monitoring"}}, d.err
	}
	return &services.Result{Found: 1, Enabled: 1, Deployed: 1}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return errors.New("webhook unreachable")
}

func (n *recordingNotifier) categories() []notify.Category {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Category
	for _, e := range n.events {
		out = append(out, e.Category)
	}
	return out
}

type fakeStore struct {
	runs      []*store.RunRecord
	snapshots []string
}

func (s *fakeStore) SaveRun(rec *store.RunRecord) error {
	s.runs = append(s.runs, rec)
	return nil
}

func (s *fakeStore) PutSnapshot(snap *backup.Snapshot) error {
	s.snapshots = append(s.snapshots, snap.ID())
	return nil
}

type fakePrompter struct {
	password string
	asked    int
}

func (p *fakePrompter) Password(string) (string, error) {
	p.asked++
	return p.password, nil
}

var threeHosts = []string{"192.168.1.10", "192.168.1.11", "192.168.1.12"}

type harness struct {
	lock        *fakeLock
	discovery   *fakeDiscovery
	runner      *sshtest.Runner
	backups     *fakeBackups
	network     *fakeNetwork
	provisioner *fakeProvisioner
	swarm       *fakeSwarm
	deployer    *fakeDeployer
	notifier    *recordingNotifier
	store       *fakeStore
	opts        Options
}

func newHarness(addrs ...string) *harness {
	return &harness{
		lock:        &fakeLock{},
		discovery:   &fakeDiscovery{addrs: addrs},
		runner:      sshtest.New(),
		backups:     &fakeBackups{fail: map[string]error{}},
		network:     &fakeNetwork{fail: map[string]error{}},
		provisioner: &fakeProvisioner{fail: map[string]error{}},
		swarm:       &fakeSwarm{joinFail: map[string]error{}},
		deployer:    &fakeDeployer{},
		notifier:    &recordingNotifier{},
		store:       &fakeStore{},
		opts: Options{
			ClusterName: "test",
			Credential:  cluster.Credential{Username: "pi", Password: "raspberry"},
			Gateway:     "192.168.1.1",
			DNS:         []string{"1.1.1.1"},
		},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Lock:        h.lock,
		Runner:      h.runner,
		Discovery:   h.discovery,
		Backups:     h.backups,
		Network:     h.network,
		Provisioner: h.provisioner,
		Swarm:       h.swarm,
		Services:    h.deployer,
		Notifier:    h.notifier,
		Store:       h.store,
		Clock:       clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)),
	}
}

func (h *harness) run(t *testing.T) (*Report, error) {
	t.Helper()
	return New(h.opts, h.deps()).Run(context.Background())
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(threeHosts...)

	report, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, cluster.RunValidated, report.Status)
	assert.Equal(t, cluster.PhaseValidated, report.Phase)
	assert.Equal(t, "192.168.1.10", report.Manager)
	assert.Len(t, report.Nodes, 3)
	assert.Empty(t, report.DownNodes)
	assert.Empty(t, report.Failed())

	for _, out := range report.Hosts {
		assert.True(t, out.Joined, out.Host)
	}
	assert.Equal(t, []string{"192.168.1.11", "192.168.1.12"}, h.swarm.workers)
	assert.Equal(t, 1, h.deployer.calls)
	assert.Equal(t, 1, h.lock.acquired)
	assert.Equal(t, 1, h.lock.released)
	assert.Empty(t, h.backups.restoredHosts())

	require.Len(t, h.store.runs, 1)
	assert.Equal(t, cluster.RunValidated, h.store.runs[0].Status)
	assert.Len(t, h.store.snapshots, 3)

	cats := h.notifier.categories()
	assert.Equal(t, notify.CategoryRunStarted, cats[0])
	assert.Equal(t, notify.CategoryRunCompleted, cats[len(cats)-1])
}

func TestRunOneDeadHost(t *testing.T) {
	h := newHarness(threeHosts...)
	h.runner.Down("192.168.1.11", nil)

	report, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, cluster.RunPartiallySucceeded, report.Status)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, cluster.HostID("192.168.1.11"), failed[0].Host)
	assert.Equal(t, cluster.FailureConnection, failed[0].Failure)
	assert.Equal(t, stepProbe, failed[0].Step)

	assert.Equal(t, []string{"192.168.1.10"}, h.swarm.initCalls)
	assert.Equal(t, []string{"192.168.1.12"}, h.swarm.workers)
	assert.NotContains(t, h.provisioner.calls, "192.168.1.11")
	assert.Contains(t, h.notifier.categories(), notify.CategoryHostFailed)
}

func TestRunContinuesAfterProvisionFailures(t *testing.T) {
	h := newHarness("192.168.1.10", "192.168.1.11", "192.168.1.12", "192.168.1.13")
	h.provisioner.fail["192.168.1.10"] = errors.New("apt lock held")
	h.provisioner.fail["192.168.1.12"] = errors.New("docker install failed")

	report, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, cluster.RunPartiallySucceeded, report.Status)
	assert.ElementsMatch(t, []string{"192.168.1.10", "192.168.1.11", "192.168.1.12", "192.168.1.13"}, h.provisioner.calls)
	assert.Equal(t, "192.168.1.11", report.Manager)
	assert.Equal(t, []string{"192.168.1.13"}, h.swarm.workers)

	for _, out := range report.Failed() {
		assert.Equal(t, cluster.FailureProvision, out.Failure)
	}
}

func TestRunNoSurvivors(t *testing.T) {
	h := newHarness(threeHosts...)
	for _, a := range threeHosts {
		h.provisioner.fail[a] = errors.New("no space left on device")
	}

	report, err := h.run(t)
	require.ErrorIs(t, err, ErrNoHostsAvailable)
	assert.Equal(t, cluster.RunFailed, report.Status)
	assert.Empty(t, h.swarm.initCalls)
	assert.Equal(t, 1, h.lock.released)
	assert.ElementsMatch(t, threeHosts, h.backups.restoredHosts())
	assert.Equal(t, notify.CategoryRunFailed, h.notifier.categories()[len(h.notifier.categories())-1])
}

func TestRunNothingSelected(t *testing.T) {
	h := newHarness()

	_, err := h.run(t)
	require.ErrorIs(t, err, ErrNoHostsAvailable)
	assert.Empty(t, h.provisioner.calls)
	assert.Equal(t, 1, h.lock.released)
}

func TestRunRollbackOnlyHostsWithSnapshots(t *testing.T) {
	h := newHarness(threeHosts...)
	h.backups.fail["192.168.1.12"] = fmt.Errorf("%w: /etc/hosts: permission denied", backup.ErrBackup)
	h.swarm.initErr = fmt.Errorf("%w: init on 192.168.1.10", swarm.ErrSwarm)

	report, err := h.run(t)
	require.ErrorIs(t, err, swarm.ErrSwarm)
	assert.Equal(t, cluster.RunFailed, report.Status)
	assert.ElementsMatch(t, []string{"192.168.1.10", "192.168.1.11"}, h.backups.restoredHosts())
	assert.ElementsMatch(t, []string{"192.168.1.10", "192.168.1.11"}, report.RolledBack)
	assert.Contains(t, h.notifier.categories(), notify.CategoryRollback)
}

func TestRunConfigurationErrorRestoresHostOnce(t *testing.T) {
	h := newHarness(threeHosts...)
	h.opts.Hosts = []HostSpec{
		{Address: "192.168.1.10", DesiredAddress: "192.168.1.50"},
		{Address: "192.168.1.11", DesiredAddress: "192.168.1.51"},
	}
	h.network.fail["192.168.1.11"] = fmt.Errorf("%w: netplan apply", cluster.ErrConfiguration)

	report, err := h.run(t)
	require.NoError(t, err)
	assert.Zero(t, h.discovery.calls, "configured hosts skip discovery")
	assert.Equal(t, []string{"192.168.1.11"}, h.backups.restoredHosts())
	assert.Equal(t, "192.168.1.50", report.Manager)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, cluster.FailureConfiguration, failed[0].Failure)
	assert.Equal(t, stepNetwork, failed[0].Step)
}

func TestRunPerHostCredential(t *testing.T) {
	h := newHarness()
	h.opts.Hosts = []HostSpec{
		{Address: "192.168.1.10"},
		{Address: "192.168.1.11", Credential: &cluster.Credential{Username: "admin", Password: "other"}},
	}
	var seen []string
	h.runner.Handle("", "hostname", func(host *cluster.Host, _ string) (ssh.Result, error) {
		seen = append(seen, host.Address()+"="+host.Credential().Username)
		return ssh.Result{Stdout: "pi\n"}, nil
	})

	_, err := h.run(t)
	require.NoError(t, err)
	assert.Contains(t, seen, "192.168.1.10=pi")
	assert.Contains(t, seen, "192.168.1.11=admin")
}

func TestRunLockHeld(t *testing.T) {
	h := newHarness(threeHosts...)
	h.lock.err = &lock.HeldError{Path: "/var/lock/piswarm.lock", PID: 4242, Alive: true}

	report, err := h.run(t)
	require.ErrorIs(t, err, lock.ErrAlreadyLocked)
	assert.Equal(t, cluster.RunFailed, report.Status)
	assert.Zero(t, h.discovery.calls)
	assert.Zero(t, h.lock.released)
	assert.Empty(t, h.store.runs)
}

func TestRunReleasesRealLockOnEveryOutcome(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		cancel bool
	}{
		{"success", func(*harness) {}, false},
		{"partial", func(h *harness) { h.runner.Down("192.168.1.11", nil) }, false},
		{"fatal", func(h *harness) { h.swarm.initErr = swarm.ErrSwarm }, false},
		{"interrupted", func(*harness) {}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "piswarm.lock")
			h := newHarness(threeHosts...)
			tt.setup(h)
			deps := h.deps()
			deps.Lock = lock.New(path)

			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancel {
				cancel()
			}
			defer cancel()

			New(h.opts, deps).Run(ctx)

			next := lock.New(path)
			require.NoError(t, next.Acquire())
			require.NoError(t, next.Release())
		})
	}
}

func TestRunInterruptedRollsBack(t *testing.T) {
	h := newHarness(threeHosts...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runner.Handle("192.168.1.11", "hostname", func(*cluster.Host, string) (ssh.Result, error) {
		cancel()
		return ssh.Result{Stdout: "pi-11\n"}, nil
	})

	report, err := New(h.opts, h.deps()).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, cluster.RunFailed, report.Status)
	assert.Empty(t, h.swarm.initCalls)
	assert.ElementsMatch(t, []string{"192.168.1.10", "192.168.1.11"}, h.backups.restoredHosts())
	assert.NotContains(t, h.provisioner.calls, "192.168.1.12")
}

func TestRunHostPanicRollsBack(t *testing.T) {
	h := newHarness(threeHosts...)
	h.provisioner.panics = map[string]any{"192.168.1.11": "nil map write"}

	assert.PanicsWithValue(t, "nil map write", func() {
		New(h.opts, h.deps()).Run(context.Background())
	})
	assert.Equal(t, 1, h.lock.released)
	assert.Empty(t, h.swarm.initCalls)
	assert.ElementsMatch(t, threeHosts, h.backups.restoredHosts())

	require.Len(t, h.store.runs, 1)
	rec := h.store.runs[0]
	assert.Equal(t, cluster.RunFailed, rec.Status)
	assert.Equal(t, cluster.PhasePerHostProvisioning, rec.Phase)
	assert.Contains(t, rec.Error, "nil map write")
	assert.Contains(t, h.notifier.categories(), notify.CategoryRollback)
	assert.Contains(t, h.notifier.categories(), notify.CategoryRunFailed)
}

func TestRunRepromptsRejectedPassword(t *testing.T) {
	h := newHarness(threeHosts...)
	h.runner.Handle("192.168.1.12", "hostname", func(host *cluster.Host, _ string) (ssh.Result, error) {
		if host.Credential().Password != "s3cret" {
			return ssh.Result{}, fmt.Errorf("%w: 192.168.1.12", ssh.ErrAuthFailure)
		}
		return ssh.Result{Stdout: "pi-12\n"}, nil
	})
	prompter := &fakePrompter{password: "s3cret"}
	deps := h.deps()
	deps.Prompter = prompter

	report, err := New(h.opts, deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cluster.RunValidated, report.Status)
	assert.Equal(t, 1, prompter.asked)
	assert.Equal(t, 1, h.runner.CountOn("192.168.1.10", "hostname"), "other hosts keep the shared credential")
}

func TestRunAuthFailureWithoutPrompter(t *testing.T) {
	h := newHarness(threeHosts...)
	h.runner.OnHost("192.168.1.12", "hostname", ssh.Result{}, fmt.Errorf("%w: 192.168.1.12", ssh.ErrAuthFailure))

	report, err := h.run(t)
	require.NoError(t, err)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, cluster.FailureAuth, failed[0].Failure)
}

func TestRunMajorityJoinFailureIsFatal(t *testing.T) {
	h := newHarness(threeHosts...)
	h.swarm.joinFail["192.168.1.11"] = errors.New("timeout")
	h.swarm.joinFail["192.168.1.12"] = errors.New("timeout")

	report, err := h.run(t)
	require.ErrorIs(t, err, swarm.ErrSwarm)
	assert.Equal(t, cluster.RunFailed, report.Status)
	assert.ElementsMatch(t, threeHosts, h.backups.restoredHosts())
}

func TestRunMinorityJoinFailureIsPartial(t *testing.T) {
	h := newHarness("192.168.1.10", "192.168.1.11", "192.168.1.12", "192.168.1.13")
	h.swarm.joinFail["192.168.1.12"] = errors.New("timeout")

	report, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, cluster.RunPartiallySucceeded, report.Status)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "swarm-join", failed[0].Step)
	assert.False(t, failed[0].Joined)
}

func TestRunDownNodeIsPartial(t *testing.T) {
	h := newHarness(threeHosts...)
	h.swarm.down = []string{"192.168.1.12"}

	report, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, cluster.RunPartiallySucceeded, report.Status)
	assert.Equal(t, []string{"192.168.1.12"}, report.DownNodes)
	assert.Empty(t, report.Failed())
}

func TestRunServiceFailureIsPartial(t *testing.T) {
	h := newHarness(threeHosts...)
	h.deployer.err = errors.New("1 of 1 stacks failed to deploy: monitoring")

	report, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, cluster.RunPartiallySucceeded, report.Status)
	assert.NotEmpty(t, report.Warnings)
}

func TestRunManagerSelection(t *testing.T) {
	tests := []struct {
		name      string
		preferred string
		dead      string
		want      string
	}{
		{"preferred survives", "192.168.1.12", "", "192.168.1.12"},
		{"preferred dead", "192.168.1.10", "192.168.1.10", "192.168.1.11"},
		{"none configured", "", "", "192.168.1.10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(threeHosts...)
			h.opts.PreferredManager = tt.preferred
			if tt.dead != "" {
				h.runner.Down(tt.dead, nil)
			}
			report, err := h.run(t)
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Manager)
		})
	}
}

func TestRunAdditionalManagersAndParallelism(t *testing.T) {
	h := newHarness("192.168.1.10", "192.168.1.11", "192.168.1.12", "192.168.1.13")
	h.opts.Managers = 3
	h.opts.Parallelism = 4

	report, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, cluster.RunValidated, report.Status)
	assert.Equal(t, []string{"192.168.1.11", "192.168.1.12"}, h.swarm.managers)
	assert.Equal(t, []string{"192.168.1.13"}, h.swarm.workers)

	roles := map[cluster.Role]int{}
	for _, out := range report.Hosts {
		roles[out.Role]++
	}
	assert.Equal(t, 3, roles[cluster.RoleManager])
	assert.Equal(t, 1, roles[cluster.RoleWorker])
}
