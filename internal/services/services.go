// Package services deploys the stack files found in the services directory to
// the swarm manager once the cluster has formed.
package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"piswarm/internal/cluster"
	"piswarm/internal/logging"
	"piswarm/internal/ssh"
)

// Stack is one compose file. Name, description and enabled may be set by
// leading comment lines:
//
//	# NAME: monitoring
//	# DESCRIPTION: node exporter and cadvisor
//	# ENABLED: true
type Stack struct {
	Name        string
	Description string
	Enabled     bool
	Path        string
	Services    []string // service keys declared in the file
}

// Result summarises one Deploy call.
type Result struct {
	Found    int
	Enabled  int
	Deployed int
	Skipped  []string
	Failed   []string
	Took     time.Duration
}

var errNoServices = errors.New("compose file declares no services")

// Load reads every .yml/.yaml stack in dir, ordered by file name. Files that
// do not parse are logged and left out. A missing directory yields no stacks.
func Load(dir string) ([]Stack, error) {
	log := logging.L().With("component", "services", "dir", dir)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		log.Warnw("services directory does not exist, nothing to deploy")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read services directory: %w", err)
	}

	var stacks []Stack
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yml", ".yaml":
		default:
			continue
		}
		if e.IsDir() {
			continue
		}
		st, err := parseStack(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Warnw("skipping stack file", "file", e.Name(), "error", err)
			continue
		}
		stacks = append(stacks, st)
	}
	sort.Slice(stacks, func(i, j int) bool { return stacks[i].Path < stacks[j].Path })
	return stacks, nil
}

func parseStack(path string) (Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Stack{}, err
	}

	base := filepath.Base(path)
	st := Stack{
		Name:    strings.TrimSuffix(base, filepath.Ext(base)),
		Enabled: true,
		Path:    path,
	}
	applyHeader(&st, data)

	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Stack{}, fmt.Errorf("invalid compose file: %w", err)
	}
	if len(doc.Services) == 0 {
		return Stack{}, errNoServices
	}
	for name := range doc.Services {
		st.Services = append(st.Services, name)
	}
	sort.Strings(st.Services)
	return st, nil
}

// applyHeader reads KEY: value pairs from the comment block at the top of
// the file.
func applyHeader(st *Stack, data []byte) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#") {
			return
		}
		key, value, ok := strings.Cut(strings.TrimLeft(line, "# "), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "NAME":
			if value != "" {
				st.Name = value
			}
		case "DESCRIPTION":
			st.Description = value
		case "ENABLED":
			st.Enabled = strings.EqualFold(value, "true")
		}
	}
}

// Deployer deploys every enabled stack to a manager.
type Deployer struct {
	runner ssh.Runner
	dir    string
	clock  clockwork.Clock
}

// NewDeployer creates a Deployer reading stack files from dir.
func NewDeployer(runner ssh.Runner, dir string, clock clockwork.Clock) *Deployer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Deployer{runner: runner, dir: dir, clock: clock}
}

// Deploy runs `docker stack deploy` for each enabled stack on manager. Every
// stack is attempted; the error names the ones that failed.
func (d *Deployer) Deploy(ctx context.Context, manager *cluster.Host) (*Result, error) {
	log := logging.L().With("component", "services", "manager", manager.Address())
	start := d.clock.Now()
	res := &Result{}

	stacks, err := Load(d.dir)
	if err != nil {
		return res, err
	}
	res.Found = len(stacks)

	for _, st := range stacks {
		if !st.Enabled {
			log.Infow("stack disabled", "stack", st.Name)
			res.Skipped = append(res.Skipped, st.Name)
			continue
		}
		res.Enabled++
		log.Infow(fmt.Sprintf("deploying stack %d/%d", res.Enabled, res.Found), "stack", st.Name, "services", st.Services)
		if err := d.deployStack(ctx, manager, st); err != nil {
			log.Errorw("stack deployment failed", "stack", st.Name, "error", err)
			res.Failed = append(res.Failed, st.Name)
			continue
		}
		res.Deployed++
	}

	res.Took = d.clock.Since(start)
	log.Infow("stacks deployed",
		"deployed", res.Deployed,
		"failed", len(res.Failed),
		"skipped", len(res.Skipped),
		"took", res.Took.String(),
	)
	if len(res.Failed) > 0 {
		return res, fmt.Errorf("%d of %d stacks failed to deploy: %s",
			len(res.Failed), res.Enabled, strings.Join(res.Failed, ", "))
	}
	return res, nil
}

// deployStack stages the file on the manager and removes it afterwards.
func (d *Deployer) deployStack(ctx context.Context, manager *cluster.Host, st Stack) error {
	data, err := os.ReadFile(st.Path)
	if err != nil {
		return err
	}

	staged := fmt.Sprintf("/tmp/piswarm-stack-%s.yml", st.Name)
	if err := d.runner.Upload(ctx, manager, data, staged, 0o600); err != nil {
		return fmt.Errorf("stage %s: %w", staged, err)
	}
	defer func() {
		if _, err := d.runner.Execute(ctx, manager, ssh.Cmd("rm", "-f", staged).AsRoot()); err != nil {
			logging.L().Warnw("failed to remove staged stack file", "file", staged, "error", err)
		}
	}()

	_, err = ssh.Check(d.runner.Execute(ctx, manager, ssh.Cmd("docker", "stack", "deploy", "--prune", "-c", staged, st.Name).AsRoot()))
	return err
}
