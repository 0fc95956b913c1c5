// Package swarm initializes a Docker Swarm on a manager host and joins the
// remaining hosts with tokens fetched from it.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"piswarm/internal/cluster"
	"piswarm/internal/defaults"
	"piswarm/internal/logging"
	"piswarm/internal/ssh"
)

// ErrSwarm wraps manager initialization and token failures.
var ErrSwarm = cluster.ErrSwarm

// JoinResult is the outcome of one host's join attempt.
type JoinResult struct {
	Host          *cluster.Host
	Role          cluster.Role
	AlreadyMember bool
	Err           error
}

// NodeStatus is one row of `docker node ls`.
type NodeStatus struct {
	Hostname      string
	Status        string // Ready, Down, Unknown
	Availability  string // Active, Pause, Drain
	ManagerStatus string // Leader, Reachable, Unreachable or empty for workers
}

// Down reports whether the node is not ready.
func (n NodeStatus) Down() bool {
	return strings.EqualFold(n.Status, defaults.NodeDown) || strings.EqualFold(n.Status, "Unknown")
}

// Coordinator runs swarm commands over a Runner.
type Coordinator struct {
	runner ssh.Runner
}

func New(runner ssh.Runner) *Coordinator {
	return &Coordinator{runner: runner}
}

// nodeState is the swarm section of `docker info` on one host.
type nodeState struct {
	State     string // inactive, pending, active, error, locked
	Control   bool   // the node is a manager
	NodeID    string
	ClusterID string // only reported by managers
}

func (s nodeState) active() bool { return s.State == "active" }

// localState reads h's swarm membership.
func (c *Coordinator) localState(ctx context.Context, h *cluster.Host) (nodeState, error) {
	res, err := ssh.Check(c.runner.Execute(ctx, h,
		ssh.Cmd("docker", "info", "--format",
			"{{.Swarm.LocalNodeState}}|{{.Swarm.ControlAvailable}}|{{.Swarm.NodeID}}|{{with .Swarm.Cluster}}{{.ID}}{{end}}").AsRoot()))
	if err != nil {
		return nodeState{}, err
	}
	parts := strings.Split(res.Trimmed(), "|")
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	return nodeState{
		State:     parts[0],
		Control:   strings.EqualFold(parts[1], "true"),
		NodeID:    parts[2],
		ClusterID: parts[3],
	}, nil
}

// memberIDs lists the node IDs of the swarm managed by manager.
func (c *Coordinator) memberIDs(ctx context.Context, manager *cluster.Host) (map[string]bool, error) {
	res, err := ssh.Check(c.runner.Execute(ctx, manager, ssh.Cmd("docker", "node", "ls", "-q").AsRoot()))
	if err != nil {
		return nil, fmt.Errorf("%w: list nodes on %s: %w", ErrSwarm, manager.Address(), err)
	}
	ids := make(map[string]bool)
	for _, line := range strings.Split(res.Stdout, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids[id] = true
		}
	}
	return ids, nil
}

// InitManager initializes the swarm on h advertising its current address. A
// host that already manages a swarm is accepted as is.
func (c *Coordinator) InitManager(ctx context.Context, h *cluster.Host) error {
	log := logging.L().With("component", "swarm", "host", h.Address())

	st, err := c.localState(ctx, h)
	if err != nil {
		return fmt.Errorf("%w: inspect %s: %w", ErrSwarm, h.Address(), err)
	}
	switch {
	case st.active() && st.Control:
		log.Infow("swarm already initialized on manager", "cluster", st.ClusterID)
	case st.active():
		return fmt.Errorf("%w: %s is already a worker in another swarm", ErrSwarm, h.Address())
	default:
		initCmd := ssh.Cmd("docker", "swarm", "init", "--advertise-addr", h.Address()).AsRoot()
		if _, err := ssh.Check(c.runner.Execute(ctx, h, initCmd)); err != nil {
			return fmt.Errorf("%w: init on %s: %w", ErrSwarm, h.Address(), err)
		}
		log.Infow("swarm initialized", "advertiseAddr", h.Address())
	}

	if err := h.AssignRole(cluster.RoleManager); err != nil {
		return fmt.Errorf("%w: %v", ErrSwarm, err)
	}
	return nil
}

// JoinToken fetches the join token for role from the manager.
func (c *Coordinator) JoinToken(ctx context.Context, manager *cluster.Host, role cluster.Role) (string, error) {
	res, err := ssh.Check(c.runner.Execute(ctx, manager, ssh.Cmd("docker", "swarm", "join-token", "-q", string(role)).AsRoot()))
	if err != nil {
		return "", fmt.Errorf("%w: %s join token: %w", ErrSwarm, role, err)
	}
	token := res.Trimmed()
	if token == "" {
		return "", fmt.Errorf("%w: empty %s join token", ErrSwarm, role)
	}
	return token, nil
}

// JoinWorkers joins each host as a worker. Every host is attempted; one
// failure does not stop the rest.
func (c *Coordinator) JoinWorkers(ctx context.Context, manager *cluster.Host, workers []*cluster.Host) []JoinResult {
	return c.join(ctx, manager, workers, cluster.RoleWorker)
}

// JoinManagers joins each host as an additional manager.
func (c *Coordinator) JoinManagers(ctx context.Context, manager *cluster.Host, managers []*cluster.Host) []JoinResult {
	return c.join(ctx, manager, managers, cluster.RoleManager)
}

func (c *Coordinator) join(ctx context.Context, manager *cluster.Host, hosts []*cluster.Host, role cluster.Role) []JoinResult {
	results := make([]JoinResult, len(hosts))
	if len(hosts) == 0 {
		return results
	}

	token, err := c.JoinToken(ctx, manager, role)
	if err != nil {
		for i, h := range hosts {
			results[i] = JoinResult{Host: h, Role: role, Err: err}
		}
		return results
	}

	m := &membership{coordinator: c, manager: manager}
	target := net.JoinHostPort(manager.Address(), strconv.Itoa(defaults.SwarmPort))
	for i, h := range hosts {
		results[i] = c.joinOne(ctx, h, role, token, target, m)
	}
	return results
}

// membership lazily caches the manager's node list for one join batch.
type membership struct {
	coordinator *Coordinator
	manager     *cluster.Host
	ids         map[string]bool
}

func (m *membership) contains(ctx context.Context, nodeID string) (bool, error) {
	if m.ids == nil {
		ids, err := m.coordinator.memberIDs(ctx, m.manager)
		if err != nil {
			return false, err
		}
		m.ids = ids
	}
	return nodeID != "" && m.ids[nodeID], nil
}

// adopt decides what to do with a host whose swarm state is already active.
// A node of this swarm is accepted, promoting it first when a manager is
// wanted. A node of any other swarm is refused: leaving would discard that
// swarm's state.
func (c *Coordinator) adopt(ctx context.Context, h *cluster.Host, role cluster.Role, st nodeState, m *membership) error {
	member, err := m.contains(ctx, st.NodeID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: %s is active in another swarm (node %s)", ErrSwarm, h.Address(), st.NodeID)
	}
	if role == cluster.RoleManager && !st.Control {
		promote := ssh.Cmd("docker", "node", "promote", st.NodeID).AsRoot()
		if _, err := ssh.Check(c.runner.Execute(ctx, m.manager, promote)); err != nil {
			return fmt.Errorf("%w: promote %s: %w", ErrSwarm, h.Address(), err)
		}
	}
	return nil
}

func (c *Coordinator) joinOne(ctx context.Context, h *cluster.Host, role cluster.Role, token, target string, m *membership) JoinResult {
	log := logging.L().With("component", "swarm", "host", h.Address(), "role", string(role))
	result := JoinResult{Host: h, Role: role}

	if st, err := c.localState(ctx, h); err == nil && st.active() {
		if err := c.adopt(ctx, h, role, st, m); err != nil {
			log.Errorw("host already belongs to a swarm", "node", st.NodeID, "error", err)
			result.Err = fmt.Errorf("join %s as %s: %w", h.Address(), role, err)
			return result
		}
		log.Infow("host already joined swarm", "node", st.NodeID)
		result.AlreadyMember = true
	} else {
		join := ssh.Cmd("docker", "swarm", "join", "--advertise-addr", h.Address(), "--token", token, target).AsRoot()
		if _, err := ssh.Check(c.runner.Execute(ctx, h, join)); err != nil {
			log.Errorw("swarm join failed", "error", err)
			result.Err = fmt.Errorf("join %s as %s: %w", h.Address(), role, err)
			return result
		}
	}

	if err := h.AssignRole(role); err != nil {
		result.Err = err
		return result
	}
	log.Infow(logging.FormatNodeMessage("->", h.Address(), h.Hostname(), string(role), "joined swarm"))
	return result
}

// Nodes lists the swarm nodes as seen by the manager.
func (c *Coordinator) Nodes(ctx context.Context, manager *cluster.Host) ([]NodeStatus, error) {
	res, err := ssh.Check(c.runner.Execute(ctx, manager,
		ssh.Cmd("docker", "node", "ls", "--format", "{{.Hostname}}|{{.Status}}|{{.Availability}}|{{.ManagerStatus}}").AsRoot()))
	if err != nil {
		return nil, fmt.Errorf("%w: list nodes: %w", ErrSwarm, err)
	}
	return ParseNodes(res.Stdout)
}

// ParseNodes parses pipe-separated `docker node ls` output.
func ParseNodes(out string) ([]NodeStatus, error) {
	var nodes []NodeStatus
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 4 {
			return nil, fmt.Errorf("unexpected node ls line %q", line)
		}
		nodes = append(nodes, NodeStatus{
			Hostname:      parts[0],
			Status:        parts[1],
			Availability:  parts[2],
			ManagerStatus: parts[3],
		})
	}
	return nodes, nil
}

// DownNodes returns the hostnames of nodes that are not ready.
func DownNodes(nodes []NodeStatus) []string {
	var down []string
	for _, n := range nodes {
		if n.Down() {
			down = append(down, n.Hostname)
		}
	}
	return down
}

// EnsureNetworks creates the attachable overlay networks that do not exist yet.
func (c *Coordinator) EnsureNetworks(ctx context.Context, manager *cluster.Host, networks []defaults.NetworkConfig) error {
	log := logging.L().With("component", "swarm", "host", manager.Address())
	var errs []error
	for _, nw := range networks {
		if nw.Name == "" {
			errs = append(errs, errors.New("network name is required"))
			continue
		}
		res, err := c.runner.Execute(ctx, manager, ssh.Cmd("docker", "network", "inspect", nw.Name, "--format", "{{.Name}}").AsRoot())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.OK() && res.Trimmed() == nw.Name {
			log.Debugw("overlay network already present", "name", nw.Name)
			continue
		}

		args := []string{"network", "create", "--driver", "overlay", "--attachable"}
		if nw.Internal {
			args = append(args, "--internal")
		}
		if nw.Subnet != "" {
			args = append(args, "--subnet", nw.Subnet)
		}
		if nw.Gateway != "" {
			args = append(args, "--gateway", nw.Gateway)
		}
		args = append(args, nw.Name)
		if _, err := ssh.Check(c.runner.Execute(ctx, manager, ssh.Cmd("docker", args...).AsRoot())); err != nil {
			errs = append(errs, fmt.Errorf("create network %s: %w", nw.Name, err))
			continue
		}
		log.Infow("overlay network created", "name", nw.Name, "subnet", nw.Subnet, "internal", nw.Internal)
	}
	return errors.Join(errs...)
}
