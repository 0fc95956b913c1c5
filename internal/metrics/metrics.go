// Package metrics records one bootstrap run as Prometheus metrics and writes
// them in the node_exporter textfile format.
package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"piswarm/internal/cluster"
)

// Recorder holds the metrics of a single run in its own registry.
type Recorder struct {
	registry *prometheus.Registry
	clock    clockwork.Clock

	hosts         *prometheus.GaugeVec
	hostFailures  *prometheus.CounterVec
	phaseDuration *prometheus.GaugeVec
	runStatus     *prometheus.GaugeVec
	runTimestamp  prometheus.Gauge
	swarmNodes    *prometheus.GaugeVec
	stacks        *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with every metric registered.
func NewRecorder(clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		clock:    clock,
		hosts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "piswarm_hosts",
				Help: "Hosts in the last run by outcome",
			},
			[]string{"outcome"},
		),
		hostFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "piswarm_host_failures_total",
				Help: "Per-host failures in the last run by failure kind",
			},
			[]string{"kind"},
		),
		phaseDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "piswarm_phase_duration_seconds",
				Help: "Wall time spent in each bootstrap phase",
			},
			[]string{"phase"},
		),
		runStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "piswarm_run_status",
				Help: "Terminal status of the last run (1 for the status reached)",
			},
			[]string{"status"},
		),
		runTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "piswarm_run_timestamp_seconds",
				Help: "Unix time the last run finished",
			},
		),
		swarmNodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "piswarm_swarm_nodes",
				Help: "Swarm nodes reported by the manager by status",
			},
			[]string{"status"},
		),
		stacks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "piswarm_stacks",
				Help: "Service stacks in the last deployment by result",
			},
			[]string{"result"},
		),
	}
	r.registry.MustRegister(r.hosts, r.hostFailures, r.phaseDuration, r.runStatus, r.runTimestamp, r.swarmNodes, r.stacks)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Timer measures one phase.
type Timer struct {
	r     *Recorder
	phase cluster.Phase
	start time.Time
}

// StartPhase begins timing phase.
func (r *Recorder) StartPhase(phase cluster.Phase) *Timer {
	return &Timer{r: r, phase: phase, start: r.clock.Now()}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	d := t.r.clock.Since(t.start)
	t.r.phaseDuration.WithLabelValues(string(t.phase)).Set(d.Seconds())
	return d
}

// ObserveHosts records the per-host outcomes.
func (r *Recorder) ObserveHosts(outcomes []cluster.HostOutcome) {
	ok, failed := 0, 0
	for _, o := range outcomes {
		if o.Succeeded() {
			ok++
			continue
		}
		failed++
		r.hostFailures.WithLabelValues(string(o.Failure)).Inc()
	}
	r.hosts.WithLabelValues("succeeded").Set(float64(ok))
	r.hosts.WithLabelValues("failed").Set(float64(failed))
}

// ObserveNodes records the swarm node count split into ready and down.
func (r *Recorder) ObserveNodes(total, down int) {
	r.swarmNodes.WithLabelValues("ready").Set(float64(total - down))
	r.swarmNodes.WithLabelValues("down").Set(float64(down))
}

// ObserveStacks records the service deployment result.
func (r *Recorder) ObserveStacks(succeeded, failed int) {
	r.stacks.WithLabelValues("succeeded").Set(float64(succeeded))
	r.stacks.WithLabelValues("failed").Set(float64(failed))
}

// Finish records the terminal status and completion time.
func (r *Recorder) Finish(status cluster.RunStatus) {
	for _, s := range []cluster.RunStatus{cluster.RunValidated, cluster.RunPartiallySucceeded, cluster.RunFailed} {
		v := 0.0
		if s == status {
			v = 1
		}
		r.runStatus.WithLabelValues(string(s)).Set(v)
	}
	r.runTimestamp.Set(float64(r.clock.Now().Unix()))
}

// WriteTextfile writes the metrics to path atomically. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
