// Package cluster holds the in-memory model of one bootstrap run: the managed
// hosts, their credentials and the run's terminal status. Nothing here is
// persisted; re-runs rediscover live state instead.
package cluster

import (
	"fmt"
	"strings"
	"sync"
)

// HostID identifies a host for the whole run. It is the address the host was
// discovered at and does not change when a static address is assigned.
type HostID string

// AuthState records how the executor last reached a host. Values are ordered
// from worst to best and a host only ever moves up.
type AuthState int

const (
	AuthUnknown AuthState = iota
	AuthUnreachable
	AuthPassword
	AuthKey
)

func (s AuthState) String() string {
	switch s {
	case AuthUnreachable:
		return "unreachable"
	case AuthPassword:
		return "password-authenticated"
	case AuthKey:
		return "key-authenticated"
	default:
		return "unknown"
	}
}

// Role is the swarm role assigned at join time.
type Role string

const (
	RoleUnassigned Role = ""
	RoleManager    Role = "manager"
	RoleWorker     Role = "worker"
)

// Credential is a username with either a password or an installed key.
type Credential struct {
	Username string
	Password string
	// KeyPath points at a private key supplied by the operator. The
	// automatically generated key pair is managed by the executor instead.
	KeyPath string
}

// IsRoot reports whether commands run as root without sudo.
func (c Credential) IsRoot() bool {
	return c.Username == "root"
}

// Host is one managed machine. It is safe for concurrent use.
type Host struct {
	id HostID

	mu             sync.RWMutex
	address        string
	desiredAddress string
	hostname       string
	credential     Credential
	role           Role
	authState      AuthState
}

// NewHost creates a host at the given address using the given credential.
func NewHost(address string, cred Credential) *Host {
	address = strings.TrimSpace(address)
	return &Host{
		id:         HostID(address),
		address:    address,
		credential: cred,
	}
}

func (h *Host) ID() HostID { return h.id }

// Address returns the address the host is currently reachable at.
func (h *Host) Address() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.address
}

// SetAddress records a new reachable address, e.g. after a static address was applied.
func (h *Host) SetAddress(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.address = addr
}

func (h *Host) DesiredAddress() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.desiredAddress
}

func (h *Host) SetDesiredAddress(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.desiredAddress = strings.TrimSpace(addr)
}

func (h *Host) Hostname() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hostname
}

func (h *Host) SetHostname(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hostname = name
}

// Credential returns the credential in effect for this host.
func (h *Host) Credential() Credential {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.credential
}

// OverrideCredential replaces the host's credential, e.g. after the operator
// re-entered a password that was rejected.
func (h *Host) OverrideCredential(cred Credential) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.credential = cred
}

func (h *Host) Role() Role {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.role
}

// AssignRole sets the swarm role. A role is assigned once per run; assigning
// the same role again is a no-op and assigning a different one is an error.
func (h *Host) AssignRole(r Role) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.role == r {
		return nil
	}
	if h.role != RoleUnassigned {
		return fmt.Errorf("cluster: host %s already has role %s", h.id, h.role)
	}
	h.role = r
	return nil
}

func (h *Host) AuthState() AuthState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.authState
}

// UpgradeAuth moves the auth state to s if s is better than the current state.
// It returns the state in effect afterwards.
func (h *Host) UpgradeAuth(s AuthState) AuthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s > h.authState {
		h.authState = s
	}
	return h.authState
}

func (h *Host) String() string {
	return string(h.id)
}
