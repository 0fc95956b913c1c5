package netconfig

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"piswarm/internal/cluster"
	"piswarm/internal/defaults"
	"piswarm/internal/ssh"
	"piswarm/internal/ssh/sshtest"
)

// fleet simulates a host that moves to its new address once netplan is applied.
func fleet(initial string) (*sshtest.Runner, *atomic.Value) {
	current := &atomic.Value{}
	current.Store(initial)
	r := sshtest.New()
	r.Handle("", "hostname -I", func(*cluster.Host, string) (ssh.Result, error) {
		return ssh.Result{Stdout: current.Load().(string) + " 172.17.0.1 \n"}, nil
	})
	return r, current
}

func newConfigurator(r ssh.Runner) *Configurator {
	return New(r, Plan{Interface: "eth0", PrefixLength: 24, HostnamePrefix: "pi-node-", SettleDelay: time.Millisecond}, nil)
}

func TestConfigureStaticAddressIsIdempotent(t *testing.T) {
	r, current := fleet("192.168.1.57")
	r.Handle("", "netplan apply", func(*cluster.Host, string) (ssh.Result, error) {
		current.Store("192.168.1.20")
		return ssh.Result{}, nil
	})
	c := newConfigurator(r)
	h := cluster.NewHost("192.168.1.57", cluster.Credential{Username: "pi", Password: "raspberry"})

	require.NoError(t, c.ConfigureStaticAddress(context.Background(), h, "192.168.1.20", "192.168.1.1", nil))
	assert.Equal(t, "192.168.1.20", h.Address())
	assert.Equal(t, "pi-node-20", h.Hostname())

	require.NoError(t, c.ConfigureStaticAddress(context.Background(), h, "192.168.1.20", "192.168.1.1", nil))

	assert.Equal(t, 1, r.Count("set-hostname"))
	assert.Equal(t, 1, r.Count("netplan apply"))

	data, ok := r.File("192.168.1.57", defaults.NetplanPath)
	require.True(t, ok)
	assert.Contains(t, string(data), "192.168.1.20/24")
	mode, _ := r.UploadedMode("192.168.1.57", defaults.NetplanPath)
	assert.Equal(t, 0o600, int(mode))
}

func TestConfigureStaticAddressAlreadyAtDesired(t *testing.T) {
	r, _ := fleet("192.168.1.20")
	c := newConfigurator(r)
	h := cluster.NewHost("192.168.1.20", cluster.Credential{Username: "pi"})

	require.NoError(t, c.ConfigureStaticAddress(context.Background(), h, "192.168.1.20", "192.168.1.1", nil))
	assert.Zero(t, r.Count("set-hostname"))
	assert.Zero(t, r.Count("netplan"))
	assert.Equal(t, "pi-node-20", h.Hostname())
}

func TestConfigureStaticAddressFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *sshtest.Runner)
		wantErr error
	}{
		{
			name: "hostname command fails",
			setup: func(r *sshtest.Runner) {
				r.On("set-hostname", ssh.Result{ExitStatus: 1, Stderr: "permission denied"})
			},
			wantErr: ErrConfiguration,
		},
		{
			name: "apply fails",
			setup: func(r *sshtest.Runner) {
				r.On("netplan apply", ssh.Result{ExitStatus: 1, Stderr: "invalid yaml"})
			},
			wantErr: ErrConfiguration,
		},
		{
			name: "host never comes back on the new address",
			setup: func(r *sshtest.Runner) {
				r.Down("192.168.1.20", nil)
			},
			wantErr: ErrConfiguration,
		},
		{
			name: "unreachable before any change",
			setup: func(r *sshtest.Runner) {
				r.Down("192.168.1.57", nil)
			},
			wantErr: ssh.ErrConnectionFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := fleet("192.168.1.57")
			tt.setup(r)
			h := cluster.NewHost("192.168.1.57", cluster.Credential{Username: "pi"})

			err := newConfigurator(r).ConfigureStaticAddress(context.Background(), h, "192.168.1.20", "192.168.1.1", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, "192.168.1.57", h.Address())
		})
	}
}

func TestConfigureStaticAddressRejectsBadInput(t *testing.T) {
	r, _ := fleet("192.168.1.57")
	h := cluster.NewHost("192.168.1.57", cluster.Credential{})
	c := newConfigurator(r)

	assert.ErrorIs(t, c.ConfigureStaticAddress(context.Background(), h, "192.168.1.999", "192.168.1.1", nil), ErrConfiguration)
	assert.ErrorIs(t, c.ConfigureStaticAddress(context.Background(), h, "192.168.1.20", "", nil), ErrConfiguration)
	assert.Empty(t, r.Calls())
}

func TestRenderNetplan(t *testing.T) {
	out, err := RenderNetplan("eth0", "10.0.0.20", 24, "10.0.0.1", []string{"9.9.9.9"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "# Managed by piswarm\n"))

	var doc netplanFile
	require.NoError(t, yaml.Unmarshal(out, &doc))
	eth := doc.Network.Ethernets["eth0"]
	assert.Equal(t, 2, doc.Network.Version)
	assert.Equal(t, []string{"10.0.0.20/24"}, eth.Addresses)
	assert.Equal(t, "10.0.0.1", eth.Routes[0].Via)
	assert.Equal(t, []string{"9.9.9.9"}, eth.Nameservers.Addresses)
	assert.False(t, eth.DHCP4)
}

func TestHostname(t *testing.T) {
	assert.Equal(t, "pi-node-20", Hostname("pi-node-", "192.168.1.20"))
	assert.Equal(t, "worker0", Hostname("worker", "10.0.0.0"))
	assert.Equal(t, "", Hostname("pi-node-", "not-an-ip"))
}
