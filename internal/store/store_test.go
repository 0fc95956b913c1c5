package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piswarm/internal/backup"
	"piswarm/internal/cluster"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "piswarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunsRoundTripNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)

	older := &RunRecord{ID: uuid.NewString(), Stamp: "20261017T080000Z", StartedAt: base, Status: cluster.RunFailed}
	newer := &RunRecord{
		ID:        uuid.NewString(),
		Stamp:     "20261017T090000Z",
		StartedAt: base.Add(time.Hour),
		Status:    cluster.RunPartiallySucceeded,
		Manager:   "192.168.1.10",
		Hosts:     []cluster.HostOutcome{{Host: "192.168.1.11", Failure: cluster.FailureConnection}},
		DownNodes: []string{"pi-node-12"},
	}
	require.NoError(t, s.SaveRun(older))
	require.NoError(t, s.SaveRun(newer))

	runs, err := s.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.Stamp, runs[0].Stamp)
	assert.Equal(t, cluster.FailureConnection, runs[0].Hosts[0].Failure)

	byID, err := s.GetRun(older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.Stamp, byID.Stamp)

	byStamp, err := s.GetRun(newer.Stamp)
	require.NoError(t, err)
	assert.Equal(t, []string{"pi-node-12"}, byStamp.DownNodes)

	_, err = s.GetRun("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRunRequiresStamp(t *testing.T) {
	assert.Error(t, openTestStore(t).SaveRun(&RunRecord{ID: "x"}))
}

func TestSnapshotCatalogue(t *testing.T) {
	s := openTestStore(t)
	run := "20261017T090000Z"
	for _, host := range []string{"192.168.1.10", "192.168.1.11"} {
		require.NoError(t, s.PutSnapshot(&backup.Snapshot{
			Run:    run,
			Host:   host,
			Files:  []backup.File{{Path: "/etc/hostname", Name: "hostname"}},
			Absent: []string{"/etc/netplan/99-piswarm.yaml"},
		}))
	}
	require.NoError(t, s.PutSnapshot(&backup.Snapshot{Run: "20261016T090000Z", Host: "192.168.1.10"}))
	require.NoError(t, s.SaveRun(&RunRecord{Stamp: run}))

	entries, err := s.Snapshots(run)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"/etc/hostname"}, entries[0].Files)

	require.NoError(t, s.DeleteRun(run))
	entries, err = s.Snapshots(run)
	require.NoError(t, err)
	assert.Empty(t, entries)

	other, err := s.Snapshots("20261016T090000Z")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
