package facts

import (
	"context"
	"testing"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piswarm/internal/cluster"
	"piswarm/internal/ssh"
	"piswarm/internal/ssh/sshtest"
)

func TestGather(t *testing.T) {
	r := sshtest.New().On("/proc/meminfo", ssh.Result{Stdout: "Raspberry Pi 4 Model B Rev 1.4\naarch64\n4\n3884100\n"})
	f, err := NewGatherer(r).Gather(context.Background(), cluster.NewHost("10.0.0.2", cluster.Credential{}))
	require.NoError(t, err)

	assert.True(t, f.IsRaspberryPi())
	assert.Equal(t, "aarch64", f.Arch)
	assert.Equal(t, 4, f.CPUs)
	assert.Equal(t, int64(3884100)*units.KiB, f.MemTotal)
	assert.False(t, f.LowMemory())
	assert.Contains(t, f.String(), "Raspberry Pi 4")
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		low     bool
		wantErr bool
	}{
		{"pi zero", "Raspberry Pi Zero 2 W Rev 1.0\naarch64\n4\n435000\n", true, false},
		{"no device tree", "\nx86_64\n8\n16000000\n", false, false},
		{"truncated", "aarch64\n4\n", false, true},
		{"garbage memory", "m\naarch64\n4\nlots\n", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parse(tt.out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.low, f.LowMemory())
		})
	}
}
