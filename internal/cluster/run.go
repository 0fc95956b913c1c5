package cluster

// RunStatus is the terminal status of a bootstrap run.
type RunStatus string

const (
	// RunValidated means every host provisioned and joined and no node is down.
	RunValidated RunStatus = "validated"
	// RunPartiallySucceeded means a swarm was formed but some hosts failed or
	// some nodes report down.
	RunPartiallySucceeded RunStatus = "partially-succeeded"
	// RunFailed means the run was aborted by a fleet-level error.
	RunFailed RunStatus = "failed"
)

// Phase is a state of the top-level bootstrap state machine.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseDiscovering         Phase = "discovering"
	PhasePerHostProvisioning Phase = "per-host-provisioning"
	PhaseSwarmInitializing   Phase = "swarm-initializing"
	PhaseSwarmJoining        Phase = "swarm-joining"
	PhaseServiceDeploying    Phase = "service-deploying"
	PhaseValidated           Phase = "validated"
)

// HostOutcome is the per-host result reported at the end of a run.
type HostOutcome struct {
	Host     HostID      `json:"host"`
	Address  string      `json:"address"`
	Hostname string      `json:"hostname,omitempty"`
	Role     Role        `json:"role,omitempty"`
	Auth     string      `json:"auth"`
	Step     string      `json:"step,omitempty"`
	Failure  FailureKind `json:"failure,omitempty"`
	Error    string      `json:"error,omitempty"`
	Joined   bool        `json:"joined"`
}

// Succeeded reports whether the host came through without a failure.
func (o HostOutcome) Succeeded() bool {
	return o.Failure == FailureNone
}
