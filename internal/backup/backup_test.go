package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piswarm/internal/cluster"
	"piswarm/internal/defaults"
	"piswarm/internal/ssh"
	"piswarm/internal/ssh/sshtest"
)

var fixedNow = func() time.Time { return time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC) }

func seeded() *sshtest.Runner {
	return sshtest.New().
		SetFile("192.168.1.57", "/etc/hostname", []byte("raspberrypi\n")).
		SetFile("192.168.1.57", "/etc/hosts", []byte("127.0.0.1 localhost\n127.0.1.1 raspberrypi\n")).
		SetFile("192.168.1.57", "/etc/dhcpcd.conf", []byte("interface eth0\n")).
		On("stat -c", ssh.Result{Stdout: "644\n"})
}

func TestBackupCapturesExistingAndRecordsAbsent(t *testing.T) {
	root := t.TempDir()
	r := seeded()
	m := New(r, root, nil, "20261017T080000Z", fixedNow)
	h := cluster.NewHost("192.168.1.57", cluster.Credential{Username: "pi"})

	snap, err := m.Backup(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, "20261017T080000Z/192.168.1.57", snap.ID())
	assert.Len(t, snap.Files, 3)
	assert.ElementsMatch(t, []string{defaults.NetplanPath, defaults.DaemonConfigPath}, snap.Absent)

	data, err := os.ReadFile(filepath.Join(root, "20261017T080000Z", "192.168.1.57", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "raspberrypi\n", string(data))

	loaded, err := Load(snap.Dir)
	require.NoError(t, err)
	assert.Equal(t, snap.Files, loaded.Files)
	assert.Equal(t, snap.Absent, loaded.Absent)
	assert.Equal(t, os.FileMode(0o644), loaded.Files[0].Mode)
}

func TestBackupUnreachableHost(t *testing.T) {
	r := sshtest.New().Down("192.168.1.58", nil)
	m := New(r, t.TempDir(), nil, "run", fixedNow)
	h := cluster.NewHost("192.168.1.58", cluster.Credential{})

	_, err := m.Backup(context.Background(), h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackup)
	assert.ErrorIs(t, err, ssh.ErrConnectionFailure)
}

type flakyFetch struct {
	*sshtest.Runner
	failPath string
}

func (f flakyFetch) Fetch(ctx context.Context, h *cluster.Host, p string) ([]byte, bool, error) {
	if p == f.failPath {
		return nil, true, errors.New("read error")
	}
	return f.Runner.Fetch(ctx, h, p)
}

func TestBackupPartialFailure(t *testing.T) {
	r := flakyFetch{Runner: seeded(), failPath: "/etc/hosts"}
	m := New(r, t.TempDir(), nil, "run", fixedNow)
	h := cluster.NewHost("192.168.1.57", cluster.Credential{})

	snap, err := m.Backup(context.Background(), h)
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrBackup)
	assert.Contains(t, err.Error(), "/etc/hosts")
}

func TestRestorePutsFilesBackAndReapplies(t *testing.T) {
	r := seeded()
	m := New(r, t.TempDir(), nil, "run", fixedNow)
	h := cluster.NewHost("192.168.1.57", cluster.Credential{})

	snap, err := m.Backup(context.Background(), h)
	require.NoError(t, err)

	// Simulate the mutations a failed run leaves behind.
	r.SetFile("192.168.1.57", "/etc/hostname", []byte("pi-node-20\n"))
	r.SetFile("192.168.1.57", defaults.NetplanPath, []byte("network: {}\n"))

	require.NoError(t, m.Restore(context.Background(), h, snap))

	data, _ := r.File("192.168.1.57", "/etc/hostname")
	assert.Equal(t, "raspberrypi\n", string(data))
	assert.Equal(t, 1, r.Count("rm -f "+defaults.NetplanPath))
	assert.Equal(t, 1, r.Count("rm -f "+defaults.DaemonConfigPath))
	assert.Equal(t, 1, r.Count("hostnamectl set-hostname"))
	assert.Equal(t, 1, r.Count("netplan apply"))
	assert.Equal(t, 1, r.Count("systemctl restart docker"))

	calls := r.Calls()
	assert.Contains(t, calls[len(calls)-1].Command, "netplan apply")
}

func TestRestoreAggregatesFailures(t *testing.T) {
	r := seeded()
	m := New(r, t.TempDir(), nil, "run", fixedNow)
	h := cluster.NewHost("192.168.1.57", cluster.Credential{})
	snap, err := m.Backup(context.Background(), h)
	require.NoError(t, err)

	r.On("rm -f", ssh.Result{ExitStatus: 1, Stderr: "read-only file system"})
	err = m.Restore(context.Background(), h, snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRestore)
	assert.Contains(t, err.Error(), defaults.NetplanPath)
	assert.Contains(t, err.Error(), defaults.DaemonConfigPath)
}

func TestRestoreToleratesDroppedConnectionOnNetworkApply(t *testing.T) {
	r := sshtest.New().SetFile("10.0.0.5", defaults.NetplanPath, []byte("old\n"))
	m := New(r, t.TempDir(), []string{defaults.NetplanPath}, "run", fixedNow)
	h := cluster.NewHost("10.0.0.5", cluster.Credential{})
	snap, err := m.Backup(context.Background(), h)
	require.NoError(t, err)

	r.OnHost("10.0.0.5", "netplan apply", ssh.Result{}, ssh.ErrConnectionFailure)
	assert.NoError(t, m.Restore(context.Background(), h, snap))
}

func TestPruneKeepsNewest(t *testing.T) {
	root := t.TempDir()
	for _, run := range []string{"20261001T000000Z", "20261005T000000Z", "20261010T000000Z", "20261017T000000Z"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, run, "10.0.0.1"), 0o700))
	}

	removed, err := Prune(root, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"20261005T000000Z", "20261001T000000Z"}, removed)

	runs, err := Runs(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"20261017T000000Z", "20261010T000000Z"}, runs)
}

func TestLocalNameAvoidsCollisions(t *testing.T) {
	used := make(map[string]bool)
	assert.Equal(t, "daemon.json", localName("/etc/docker/daemon.json", used))
	assert.Equal(t, "daemon.json.1", localName("/opt/other/daemon.json", used))
	assert.Equal(t, "manifest.yaml.1", localName("/etc/manifest.yaml", used))
}
