// Package backup snapshots a fixed list of remote configuration files before
// a host is mutated and puts them back on failure.
//
// Layout: <root>/<runStamp>/<hostAddress>/<filename>, plus manifest.yaml
// recording original paths, modes and the paths that did not exist.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"piswarm/internal/cluster"
	"piswarm/internal/defaults"
	"piswarm/internal/logging"
	"piswarm/internal/ssh"
)

var (
	ErrBackup  = cluster.ErrBackup
	ErrRestore = cluster.ErrRestore
)

// StampFormat names run directories; it sorts chronologically.
const StampFormat = "20060102T150405Z"

const manifestName = "manifest.yaml"

// File is one captured remote file.
type File struct {
	Path string      `yaml:"path"`
	Name string      `yaml:"name"`
	Mode os.FileMode `yaml:"mode"`
}

// Snapshot is the immutable capture of one host in one run.
type Snapshot struct {
	Run       string    `yaml:"run"`
	Host      string    `yaml:"host"`
	HostID    string    `yaml:"hostId"`
	CreatedAt time.Time `yaml:"createdAt"`
	Files     []File    `yaml:"files"`
	Absent    []string  `yaml:"absent"`
	Dir       string    `yaml:"-"`
}

// ID returns "<run>/<host>".
func (s *Snapshot) ID() string { return s.Run + "/" + s.Host }

// Manager takes and restores snapshots for one run.
type Manager struct {
	runner ssh.Runner
	root   string
	paths  []string
	run    string
	now    func() time.Time
}

// New returns a Manager writing under root/run.
func New(runner ssh.Runner, root string, paths []string, run string, now func() time.Time) *Manager {
	if len(paths) == 0 {
		paths = defaults.BackupPaths
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{runner: runner, root: root, paths: paths, run: run, now: now}
}

// Run returns the run stamp this Manager writes under.
func (m *Manager) Run() string { return m.run }

// Backup captures every configured path that exists on h. Absent paths are
// recorded, not errors. It fails if any existing file could not be saved.
func (m *Manager) Backup(ctx context.Context, h *cluster.Host) (*Snapshot, error) {
	log := logging.L().With("component", "backup", "host", h.Address())

	dir := filepath.Join(m.root, m.run, h.Address())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackup, err)
	}

	snap := &Snapshot{Run: m.run, Host: h.Address(), HostID: string(h.ID()), CreatedAt: m.now().UTC(), Dir: dir}
	used := make(map[string]bool)
	var errs error
	for _, p := range m.paths {
		data, exists, err := m.runner.Fetch(ctx, h, p)
		if err != nil {
			if errors.Is(err, ssh.ErrConnectionFailure) || errors.Is(err, ssh.ErrAuthFailure) {
				return nil, fmt.Errorf("%w: %s: %w", ErrBackup, p, err)
			}
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		if !exists {
			snap.Absent = append(snap.Absent, p)
			continue
		}

		name := localName(p, used)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		snap.Files = append(snap.Files, File{Path: p, Name: name, Mode: m.remoteMode(ctx, h, p)})
	}
	if errs != nil {
		return nil, fmt.Errorf("%w: %d file(s) not captured: %v", ErrBackup, len(multierr.Errors(errs)), errs)
	}

	if err := writeManifest(snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackup, err)
	}
	log.Infow("configuration snapshot taken", "snapshot", snap.ID(), "files", len(snap.Files), "absent", len(snap.Absent))
	return snap, nil
}

func (m *Manager) remoteMode(ctx context.Context, h *cluster.Host, p string) os.FileMode {
	res, err := ssh.Check(m.runner.Execute(ctx, h, ssh.Cmd("stat", "-c", "%a", p).AsRoot()))
	if err != nil {
		return 0o644
	}
	mode, err := strconv.ParseUint(res.Trimmed(), 8, 32)
	if err != nil {
		return 0o644
	}
	return os.FileMode(mode)
}

// localName is the base name, suffixed when two paths share it.
func localName(p string, used map[string]bool) string {
	base := path.Base(p)
	name := base
	for i := 1; used[name] || name == manifestName; i++ {
		name = base + "." + strconv.Itoa(i)
	}
	used[name] = true
	return name
}

// Restore writes every captured file back, removes paths that did not exist
// at backup time, then re-applies the files with side effects.
func (m *Manager) Restore(ctx context.Context, h *cluster.Host, snap *Snapshot) error {
	return Restore(ctx, m.runner, h, snap)
}

// Restore is Manager.Restore for snapshots loaded from disk.
func Restore(ctx context.Context, runner ssh.Runner, h *cluster.Host, snap *Snapshot) error {
	log := logging.L().With("component", "backup", "host", h.Address(), "snapshot", snap.ID())
	log.Warnw("restoring configuration snapshot")

	touched := make(map[string]bool)
	var errs error
	for _, f := range snap.Files {
		data, err := os.ReadFile(filepath.Join(snap.Dir, f.Name))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", f.Path, err))
			continue
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := runner.Upload(ctx, h, data, f.Path, mode); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", f.Path, err))
			continue
		}
		touched[f.Path] = true
	}
	for _, p := range snap.Absent {
		if _, err := ssh.Check(runner.Execute(ctx, h, ssh.Cmd("rm", "-f", p).AsRoot())); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", p, err))
			continue
		}
		touched[p] = true
	}

	for _, step := range reapplySteps(touched) {
		res, err := runner.Execute(ctx, h, step.cmd)
		if err != nil && !(step.detached && errors.Is(err, ssh.ErrConnectionFailure)) {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		if err == nil && !res.OK() {
			errs = multierr.Append(errs, fmt.Errorf("%s: exit status %d: %s", step.name, res.ExitStatus, strings.TrimSpace(res.Stderr)))
		}
	}

	if errs != nil {
		return fmt.Errorf("%w: %v", ErrRestore, errs)
	}
	log.Infow("configuration snapshot restored", "files", len(snap.Files), "removed", len(snap.Absent))
	return nil
}

type reapply struct {
	name     string
	cmd      ssh.Command
	detached bool
}

// reapplySteps orders side effects so the network is re-applied last, since
// it can drop the session.
func reapplySteps(touched map[string]bool) []reapply {
	var steps []reapply
	if touched["/etc/hostname"] {
		steps = append(steps, reapply{name: "hostname", cmd: ssh.Script("hostnamectl set-hostname \"$(cat /etc/hostname)\"").AsRoot()})
	}
	if touched[defaults.DaemonConfigPath] {
		steps = append(steps, reapply{name: "docker", cmd: ssh.Script("if systemctl is-enabled --quiet docker 2>/dev/null; then systemctl restart docker; fi").AsRoot()})
	}
	if touched["/etc/dhcpcd.conf"] {
		steps = append(steps, reapply{name: "dhcpcd", cmd: ssh.Script("if systemctl is-active --quiet dhcpcd; then nohup systemctl restart dhcpcd >/dev/null 2>&1 & fi").AsRoot(), detached: true})
	}
	if touched[defaults.NetplanPath] {
		steps = append(steps, reapply{name: "netplan", cmd: ssh.Script("nohup sh -c 'sleep 2; netplan apply' >/dev/null 2>&1 &").AsRoot(), detached: true})
	}
	return steps
}

func writeManifest(s *Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.Dir, manifestName), data, 0o600)
}

// Load reads the snapshot manifest in dir.
func Load(dir string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, manifestName), err)
	}
	s.Dir = dir
	return &s, nil
}

// LoadRun reads every host snapshot of one run.
func LoadRun(root, run string) ([]*Snapshot, error) {
	entries, err := os.ReadDir(filepath.Join(root, run))
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := Load(filepath.Join(root, run, e.Name()))
		if err != nil {
			logging.L().Warnw("skipping unreadable snapshot", "dir", e.Name(), "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Runs lists run directories under root, newest first.
func Runs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runs)))
	return runs, nil
}

// Prune deletes all but the newest keep run directories and returns the
// removed run stamps.
func Prune(root string, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	runs, err := Runs(root)
	if err != nil {
		return nil, err
	}
	if len(runs) <= keep {
		return nil, nil
	}
	var removed []string
	var errs error
	for _, run := range runs[keep:] {
		if err := os.RemoveAll(filepath.Join(root, run)); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed = append(removed, run)
	}
	return removed, errs
}
