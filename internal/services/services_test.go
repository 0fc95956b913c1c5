package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piswarm/internal/cluster"
	"piswarm/internal/ssh"
	"piswarm/internal/ssh/sshtest"
)

const monitoringStack = `# NAME: monitoring
# DESCRIPTION: node exporter
# ENABLED: true
version: "3.8"
services:
  node-exporter:
    image: prom/node-exporter
`

const disabledStack = `# ENABLED: false
services:
  web:
    image: nginx
`

func writeStack(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "002-web.yml", disabledStack)
	writeStack(t, dir, "001-monitoring.yaml", monitoringStack)
	writeStack(t, dir, "README.md", "not a stack")
	writeStack(t, dir, "003-broken.yml", "services: [")
	writeStack(t, dir, "004-empty.yml", "version: \"3\"\n")

	stacks, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, stacks, 2)

	assert.Equal(t, "monitoring", stacks[0].Name)
	assert.Equal(t, "node exporter", stacks[0].Description)
	assert.True(t, stacks[0].Enabled)
	assert.Equal(t, []string{"node-exporter"}, stacks[0].Services)

	assert.Equal(t, "002-web", stacks[1].Name)
	assert.False(t, stacks[1].Enabled)
}

func TestLoadMissingDir(t *testing.T) {
	stacks, err := Load(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, stacks)
}

func TestDeploy(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "001-monitoring.yml", monitoringStack)
	writeStack(t, dir, "002-web.yml", disabledStack)

	r := sshtest.New()
	manager := cluster.NewHost("192.168.1.10", cluster.Credential{Username: "pi"})

	res, err := NewDeployer(r, dir, nil).Deploy(context.Background(), manager)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 1, res.Deployed)
	assert.Equal(t, []string{"002-web"}, res.Skipped)

	data, ok := r.File("192.168.1.10", "/tmp/piswarm-stack-monitoring.yml")
	require.True(t, ok)
	assert.Equal(t, monitoringStack, string(data))
	assert.Equal(t, 1, r.Count("docker stack deploy --prune -c /tmp/piswarm-stack-monitoring.yml monitoring"))
	assert.Equal(t, 1, r.Count("rm -f /tmp/piswarm-stack-monitoring.yml"))
	assert.Zero(t, r.Count("002-web"))
}

func TestDeployReportsFailedStacks(t *testing.T) {
	dir := t.TempDir()
	writeStack(t, dir, "001-monitoring.yml", monitoringStack)

	r := sshtest.New().On("docker stack deploy", ssh.Result{ExitStatus: 1, Stderr: "network not found"})
	manager := cluster.NewHost("192.168.1.10", cluster.Credential{Username: "pi"})

	res, err := NewDeployer(r, dir, nil).Deploy(context.Background(), manager)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring")
	assert.Equal(t, []string{"monitoring"}, res.Failed)
	assert.Zero(t, res.Deployed)
	assert.Equal(t, 1, r.Count("rm -f"), "the staged file is removed even when deploy fails")
}
