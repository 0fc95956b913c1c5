// Package facts reads hardware facts from a host. It is read-only; callers use
// the result to tune provisioning and must tolerate its absence.
package facts

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"piswarm/internal/cluster"
	"piswarm/internal/ssh"
)

// Facts describes one host.
type Facts struct {
	Model    string // device-tree model, empty on non-ARM boards
	Arch     string
	CPUs     int
	MemTotal int64 // bytes
}

// IsRaspberryPi reports whether the device-tree model names a Raspberry Pi.
func (f *Facts) IsRaspberryPi() bool {
	return strings.Contains(f.Model, "Raspberry Pi")
}

// LowMemory reports hosts with under 1 GiB of RAM.
func (f *Facts) LowMemory() bool {
	return f.MemTotal > 0 && f.MemTotal < units.GiB
}

func (f *Facts) String() string {
	model := f.Model
	if model == "" {
		model = "unknown model"
	}
	return fmt.Sprintf("%s, %s, %d CPU, %s RAM", model, f.Arch, f.CPUs, units.BytesSize(float64(f.MemTotal)))
}

const probe = `tr -d '\0' < /proc/device-tree/model 2>/dev/null; echo; uname -m; nproc; awk '/^MemTotal:/ {print $2}' /proc/meminfo`

// Gatherer collects Facts over a Runner.
type Gatherer struct {
	runner ssh.Runner
}

func NewGatherer(runner ssh.Runner) *Gatherer {
	return &Gatherer{runner: runner}
}

// Gather runs one read-only probe on h.
func (g *Gatherer) Gather(ctx context.Context, h *cluster.Host) (*Facts, error) {
	res, err := ssh.Check(g.runner.Execute(ctx, h, ssh.Script(probe)))
	if err != nil {
		return nil, fmt.Errorf("gather facts: %w", err)
	}
	return parse(res.Stdout)
}

func parse(out string) (*Facts, error) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 4 {
		return nil, fmt.Errorf("gather facts: unexpected output %q", out)
	}
	f := &Facts{
		Model: strings.TrimSpace(lines[0]),
		Arch:  strings.TrimSpace(lines[1]),
	}
	cpus, err := strconv.Atoi(strings.TrimSpace(lines[2]))
	if err != nil {
		return nil, fmt.Errorf("gather facts: cpu count: %w", err)
	}
	f.CPUs = cpus
	kb, err := strconv.ParseInt(strings.TrimSpace(lines[3]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("gather facts: memory: %w", err)
	}
	f.MemTotal = kb * units.KiB
	return f, nil
}
