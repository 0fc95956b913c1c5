package cluster

import (
	"fmt"
	"sync"
)

// Inventory is the explicit per-run cluster context: the ordered host set,
// keyed by HostID, plus the shared default credential. It is passed into every
// component instead of living in package globals.
type Inventory struct {
	mu       sync.RWMutex
	order    []HostID
	hosts    map[HostID]*Host
	defaults Credential
}

// NewInventory creates an empty inventory with the shared default credential.
// The default credential is read-only for the rest of the run.
func NewInventory(defaults Credential) *Inventory {
	return &Inventory{
		hosts:    make(map[HostID]*Host),
		defaults: defaults,
	}
}

// Add registers a host at address using the default credential. Adding an
// address that is already present returns the existing host.
func (inv *Inventory) Add(address string) *Host {
	h := NewHost(address, inv.defaults)

	inv.mu.Lock()
	defer inv.mu.Unlock()

	if existing, ok := inv.hosts[h.ID()]; ok {
		return existing
	}
	inv.hosts[h.ID()] = h
	inv.order = append(inv.order, h.ID())
	return h
}

// Get returns the host with the given id.
func (inv *Inventory) Get(id HostID) (*Host, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	h, ok := inv.hosts[id]
	return h, ok
}

// Override sets a per-host credential.
func (inv *Inventory) Override(id HostID, cred Credential) error {
	h, ok := inv.Get(id)
	if !ok {
		return fmt.Errorf("cluster: unknown host %s", id)
	}
	h.OverrideCredential(cred)
	return nil
}

// Hosts returns the hosts in discovery order.
func (inv *Inventory) Hosts() []*Host {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]*Host, 0, len(inv.order))
	for _, id := range inv.order {
		out = append(out, inv.hosts[id])
	}
	return out
}

func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.order)
}
