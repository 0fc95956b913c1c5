package cluster

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpgradeAuthNeverReverses(t *testing.T) {
	h := NewHost("192.168.1.20", Credential{Username: "pi", Password: "raspberry"})
	assert.Equal(t, AuthUnknown, h.AuthState())

	assert.Equal(t, AuthPassword, h.UpgradeAuth(AuthPassword))
	assert.Equal(t, AuthKey, h.UpgradeAuth(AuthKey))
	assert.Equal(t, AuthKey, h.UpgradeAuth(AuthPassword))
	assert.Equal(t, AuthKey, h.UpgradeAuth(AuthUnreachable))
}

func TestAssignRoleOnce(t *testing.T) {
	h := NewHost("192.168.1.20", Credential{})

	require.NoError(t, h.AssignRole(RoleWorker))
	require.NoError(t, h.AssignRole(RoleWorker))
	assert.Error(t, h.AssignRole(RoleManager))
	assert.Equal(t, RoleWorker, h.Role())
}

func TestHostIDSurvivesAddressChange(t *testing.T) {
	h := NewHost(" 192.168.1.57 ", Credential{})
	h.SetAddress("192.168.1.20")

	assert.Equal(t, HostID("192.168.1.57"), h.ID())
	assert.Equal(t, "192.168.1.20", h.Address())
}

func TestInventoryKeepsOrderAndOverrides(t *testing.T) {
	inv := NewInventory(Credential{Username: "pi", Password: "shared"})
	a := inv.Add("192.168.1.20")
	inv.Add("192.168.1.21")
	again := inv.Add("192.168.1.20")

	assert.Same(t, a, again)
	require.Equal(t, 2, inv.Len())

	require.NoError(t, inv.Override("192.168.1.21", Credential{Username: "admin", Password: "other"}))
	assert.Error(t, inv.Override("10.0.0.1", Credential{}))

	hosts := inv.Hosts()
	assert.Equal(t, "shared", hosts[0].Credential().Password)
	assert.Equal(t, "admin", hosts[1].Credential().Username)
	h, ok := inv.Get("192.168.1.21")
	require.True(t, ok)
	assert.Equal(t, "other", h.Credential().Password)
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{nil, FailureNone},
		{fmt.Errorf("dial: %w", ErrConnectionFailure), FailureConnection},
		{fmt.Errorf("login: %w", ErrAuthFailure), FailureAuth},
		{fmt.Errorf("netplan: %w", ErrConfiguration), FailureConfiguration},
		{fmt.Errorf("docker: %w", ErrProvision), FailureProvision},
		{ErrNoHostsAvailable, FailureNoHosts},
		{fmt.Errorf("init: %w", ErrSwarm), FailureSwarm},
		{errors.New("boom"), FailureOther},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.err))
		})
	}
}
