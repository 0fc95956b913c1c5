package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piswarm/internal/cluster"
)

func TestPhaseTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRecorder(clock)

	timer := r.StartPhase(cluster.PhasePerHostProvisioning)
	clock.Advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, timer.Stop())
	assert.Equal(t, 90.0, testutil.ToFloat64(r.phaseDuration.WithLabelValues(string(cluster.PhasePerHostProvisioning))))
}

func TestObserveHosts(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveHosts([]cluster.HostOutcome{
		{Host: "192.168.1.10"},
		{Host: "192.168.1.11", Failure: cluster.FailureConnection},
		{Host: "192.168.1.12", Failure: cluster.FailureConnection},
		{Host: "192.168.1.13", Failure: cluster.FailureProvision},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.hosts.WithLabelValues("succeeded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.hosts.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.hostFailures.WithLabelValues("connection")))
}

func TestFinishAndWriteTextfile(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	r := NewRecorder(clock)
	r.ObserveNodes(3, 1)
	r.ObserveStacks(2, 0)
	r.Finish(cluster.RunPartiallySucceeded)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runStatus.WithLabelValues(string(cluster.RunPartiallySucceeded))))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.runStatus.WithLabelValues(string(cluster.RunValidated))))

	path := filepath.Join(t.TempDir(), "textfile", "piswarm.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `piswarm_swarm_nodes{status="down"} 1`)
	assert.Contains(t, string(data), `piswarm_run_status{status="partially-succeeded"} 1`)

	assert.NoError(t, r.WriteTextfile(""))
}
