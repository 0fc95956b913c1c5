// Package provision brings a host from a bare OS to a verified Docker engine
// through a strictly ordered state machine.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"piswarm/internal/cluster"
	"piswarm/internal/defaults"
	"piswarm/internal/facts"
	"piswarm/internal/logging"
	"piswarm/internal/ssh"
)

// ErrProvision is matched by every *Error.
var ErrProvision = cluster.ErrProvision

// State is a provisioning state of one host.
type State string

const (
	Unconfigured      State = "unconfigured"
	BaseConfigured    State = "baseConfigured"
	RuntimeInstalled  State = "containerRuntimeInstalled"
	RuntimeConfigured State = "containerRuntimeConfigured"
	Verified          State = "verified"
)

// Transition names a step between two states.
type Transition struct {
	From, To State
}

func (t Transition) String() string { return string(t.From) + " -> " + string(t.To) }

var (
	stepBase      = Transition{Unconfigured, BaseConfigured}
	stepInstall   = Transition{BaseConfigured, RuntimeInstalled}
	stepConfigure = Transition{RuntimeInstalled, RuntimeConfigured}
	stepVerify    = Transition{RuntimeConfigured, Verified}
)

// Error reports the transition that failed.
type Error struct {
	Host       string
	Transition Transition
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.Host, e.Transition, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrProvision }

// Options configures the provisioner.
type Options struct {
	Packages          []string
	Timezone          string
	LogMaxSize        string
	LogMaxFile        int
	StorageDriver     string
	ReadinessAttempts int
	ReadinessDelay    time.Duration
	WorkingDir        string
	AssetsDir         string // local directory copied to <WorkingDir>/config
	SmokeImage        string
	MinDockerVersion  string
	Clock             clockwork.Clock
}

// Provisioner runs the state machine over a Runner.
type Provisioner struct {
	runner ssh.Runner
	opts   Options
}

// New returns a Provisioner with unset options defaulted.
func New(runner ssh.Runner, opts Options) *Provisioner {
	if len(opts.Packages) == 0 {
		opts.Packages = defaults.Packages
	}
	if opts.Timezone == "" {
		opts.Timezone = defaults.Timezone
	}
	if opts.LogMaxSize == "" {
		opts.LogMaxSize = defaults.LogMaxSize
	}
	if opts.LogMaxFile == 0 {
		opts.LogMaxFile = defaults.LogMaxFile
	}
	if opts.StorageDriver == "" {
		opts.StorageDriver = defaults.StorageDriver
	}
	if opts.ReadinessAttempts == 0 {
		opts.ReadinessAttempts = defaults.ReadinessAttempts
	}
	if opts.ReadinessDelay == 0 {
		opts.ReadinessDelay = defaults.ReadinessDelay
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir = defaults.WorkingDir
	}
	if opts.SmokeImage == "" {
		opts.SmokeImage = defaults.SmokeImage
	}
	if opts.MinDockerVersion == "" {
		opts.MinDockerVersion = defaults.MinDockerVersion
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Provisioner{runner: runner, opts: opts}
}

// hostRun carries per-call state through the transitions.
type hostRun struct {
	p     *Provisioner
	h     *cluster.Host
	user  string
	facts *facts.Facts
	log   *zap.SugaredLogger
}

// Provision runs every transition in order and returns the last state
// reached. f may be nil; when present it tunes the daemon configuration.
func (p *Provisioner) Provision(ctx context.Context, h *cluster.Host, f *facts.Facts) (State, error) {
	r := &hostRun{
		p:     p,
		h:     h,
		user:  h.Credential().Username,
		facts: f,
		log:   logging.L().With("component", "provision", "host", h.Address()),
	}

	state := Unconfigured
	fail := func(t Transition, err error) (State, error) {
		return state, &Error{Host: h.Address(), Transition: t, Err: err}
	}

	if err := r.baseConfigure(ctx); err != nil {
		return fail(stepBase, err)
	}
	state = BaseConfigured

	functional, err := r.installRuntime(ctx)
	if err != nil {
		return fail(stepInstall, err)
	}
	state = RuntimeInstalled

	if functional {
		r.log.Infow("docker already installed and functional, skipping to verification")
	} else {
		if err := r.configureRuntime(ctx); err != nil {
			return fail(stepConfigure, err)
		}
	}
	state = RuntimeConfigured

	if err := r.verify(ctx); err != nil {
		return fail(stepVerify, err)
	}
	state = Verified
	r.log.Infow(logging.FormatNodeMessage("->", h.Address(), h.Hostname(), string(h.Role()), "provisioning verified"))
	return state, nil
}

func (r *hostRun) run(ctx context.Context, cmd ssh.Command) (ssh.Result, error) {
	return ssh.Check(r.p.runner.Execute(ctx, r.h, cmd))
}

func (r *hostRun) baseConfigure(ctx context.Context) error {
	o := r.p.opts
	steps := []struct {
		name string
		cmd  ssh.Command
	}{
		{"enable ssh", ssh.Script("systemctl is-enabled --quiet ssh || systemctl enable --now ssh").AsRoot()},
		{"refresh package index", ssh.Cmd("env", "DEBIAN_FRONTEND=noninteractive", "apt-get", "update", "-q").AsRoot().WithTimeout(defaults.SSHLongCommandTimeout)},
		{"install packages", ssh.Cmd("env", append([]string{"DEBIAN_FRONTEND=noninteractive", "apt-get", "install", "-y", "-q"}, o.Packages...)...).AsRoot().WithTimeout(defaults.SSHLongCommandTimeout)},
		{"set timezone", ssh.Cmd("timedatectl", "set-timezone", o.Timezone).AsRoot()},
		{"enable memory cgroup", ssh.Script(cgroupScript).AsRoot()},
		{"create working directories", ssh.Cmd("mkdir", "-p", o.WorkingDir+"/stacks", o.WorkingDir+"/config", o.WorkingDir+"/data").AsRoot()},
	}
	for _, s := range steps {
		r.log.Debugw("base configuration", "step", s.name)
		if _, err := r.run(ctx, s.cmd); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if !r.h.Credential().IsRoot() {
		if _, err := r.run(ctx, ssh.Cmd("chown", "-R", r.user+":", o.WorkingDir).AsRoot()); err != nil {
			return fmt.Errorf("chown working directory: %w", err)
		}
	}
	return r.copyAssets(ctx)
}

// cgroupScript appends the memory cgroup flags to the first kernel command
// line file found. It is a no-op when they are already present.
const cgroupScript = `for f in /boot/firmware/cmdline.txt /boot/cmdline.txt; do
  [ -f "$f" ] || continue
  grep -q 'cgroup_memory=1' "$f" || sed -i '1 s/$/ cgroup_enable=memory cgroup_memory=1/' "$f"
  exit 0
done
exit 0`

// installRuntime reports whether an existing engine is functional.
func (r *hostRun) installRuntime(ctx context.Context) (bool, error) {
	res, err := r.p.runner.Execute(ctx, r.h, ssh.Script("command -v docker"))
	if err != nil {
		return false, err
	}
	if res.OK() {
		ver, err := r.p.runner.Execute(ctx, r.h, ssh.Cmd("docker", "version", "--format", "{{.Server.Version}}").AsRoot())
		if err != nil {
			return false, err
		}
		if ver.OK() && ver.Trimmed() != "" {
			return true, nil
		}
		r.log.Warnw("docker present but not functional, removing it", "stderr", strings.TrimSpace(ver.Stderr))
		if _, err := r.run(ctx, ssh.Script(purgeScript(r.user)).AsRoot().WithTimeout(defaults.SSHLongCommandTimeout)); err != nil {
			return false, fmt.Errorf("remove broken docker: %w", err)
		}
	}

	r.log.Infow("installing docker", "source", defaults.DockerInstallURL)
	install := ssh.Script("curl -fsSL " + ssh.Quote(defaults.DockerInstallURL) + " -o /tmp/get-docker.sh && sh /tmp/get-docker.sh && rm -f /tmp/get-docker.sh").
		AsRoot().WithTimeout(defaults.SSHLongCommandTimeout)
	if _, err := r.run(ctx, install); err != nil {
		return false, fmt.Errorf("install docker: %w", err)
	}
	return false, nil
}

func purgeScript(user string) string {
	return strings.Join([]string{
		"systemctl stop docker.socket docker containerd 2>/dev/null",
		"DEBIAN_FRONTEND=noninteractive apt-get purge -y -q docker-ce docker-ce-cli docker-ce-rootless-extras containerd.io docker-buildx-plugin docker-compose-plugin docker.io 2>/dev/null",
		"rm -rf /var/lib/docker /var/lib/containerd /etc/docker",
		"gpasswd -d " + ssh.Quote(user) + " docker 2>/dev/null",
		"groupdel docker 2>/dev/null",
		"true",
	}, "; ")
}

// daemonConfig is /etc/docker/daemon.json.
type daemonConfig struct {
	LogDriver     string            `json:"log-driver"`
	LogOpts       map[string]string `json:"log-opts"`
	StorageDriver string            `json:"storage-driver"`
	LiveRestore   bool              `json:"live-restore"`
}

// DaemonConfig renders daemon.json. Low-memory hosts get a smaller log budget.
func (p *Provisioner) DaemonConfig(f *facts.Facts) ([]byte, error) {
	size, files := p.opts.LogMaxSize, p.opts.LogMaxFile
	if f != nil && f.LowMemory() {
		size, files = "5m", 2
	}
	cfg := daemonConfig{
		LogDriver:     "json-file",
		LogOpts:       map[string]string{"max-size": size, "max-file": strconv.Itoa(files)},
		StorageDriver: p.opts.StorageDriver,
		LiveRestore:   true,
	}
	return json.MarshalIndent(cfg, "", "  ")
}

func (r *hostRun) configureRuntime(ctx context.Context) error {
	if !r.h.Credential().IsRoot() {
		if _, err := r.run(ctx, ssh.Cmd("usermod", "-aG", "docker", r.user).AsRoot()); err != nil {
			return fmt.Errorf("add %s to docker group: %w", r.user, err)
		}
	}

	daemon, err := r.p.DaemonConfig(r.facts)
	if err != nil {
		return err
	}
	if err := r.p.runner.Upload(ctx, r.h, append(daemon, '\n'), defaults.DaemonConfigPath, 0o644); err != nil {
		return fmt.Errorf("write daemon configuration: %w", err)
	}

	if _, err := r.run(ctx, ssh.Cmd("systemctl", "enable", "docker").AsRoot()); err != nil {
		return fmt.Errorf("enable docker: %w", err)
	}
	if _, err := r.run(ctx, ssh.Cmd("systemctl", "restart", "docker").AsRoot().WithTimeout(2*time.Minute)); err != nil {
		return fmt.Errorf("restart docker: %w", err)
	}
	return r.waitReady(ctx)
}

// waitReady polls `docker info` a bounded number of times.
func (r *hostRun) waitReady(ctx context.Context) error {
	o := r.p.opts
	var last error
	for attempt := 1; attempt <= o.ReadinessAttempts; attempt++ {
		_, err := r.run(ctx, ssh.Cmd("docker", "info", "--format", "{{.ServerVersion}}").AsRoot())
		if err == nil {
			r.log.Debugw("docker daemon ready", "attempt", attempt)
			return nil
		}
		if errors.Is(err, ssh.ErrAuthFailure) {
			return err
		}
		last = err
		if attempt == o.ReadinessAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.Clock.After(o.ReadinessDelay):
		}
	}
	return fmt.Errorf("docker daemon not ready after %d attempts: %w", o.ReadinessAttempts, last)
}
