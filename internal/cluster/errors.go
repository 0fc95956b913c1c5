package cluster

import "errors"

// Failure taxonomy shared by every component. Components wrap these with
// context; callers test with errors.Is.
var (
	// ErrAuthFailure means credentials were rejected. Recoverable by re-prompting.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrConnectionFailure means the host was unreachable or timed out.
	ErrConnectionFailure = errors.New("connection failed")
	// ErrConfiguration means a state-changing remote command failed.
	ErrConfiguration = errors.New("configuration failed")
	// ErrBackup means an existing config file could not be captured.
	ErrBackup = errors.New("backup failed")
	// ErrRestore means a snapshot could not be put back.
	ErrRestore = errors.New("restore failed")
	// ErrProvision means one provisioning transition failed.
	ErrProvision = errors.New("provisioning failed")
	// ErrNoHostsAvailable means no host survived provisioning.
	ErrNoHostsAvailable = errors.New("no hosts available")
	// ErrSwarm means the manager could not be initialised or most joins failed.
	ErrSwarm = errors.New("swarm formation failed")
)

// FailureKind names the class of a per-host or fleet failure in reports.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureAuth          FailureKind = "auth"
	FailureConnection    FailureKind = "connection"
	FailureConfiguration FailureKind = "configuration"
	FailureBackup        FailureKind = "backup"
	FailureRestore       FailureKind = "restore"
	FailureProvision     FailureKind = "provision"
	FailureNoHosts       FailureKind = "no-hosts"
	FailureSwarm         FailureKind = "swarm"
	FailureOther         FailureKind = "other"
)

// ClassifyFailure maps err onto the taxonomy. Auth is checked before
// connection so that a rejected login is never reported as unreachable.
func ClassifyFailure(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrAuthFailure):
		return FailureAuth
	case errors.Is(err, ErrConnectionFailure):
		return FailureConnection
	case errors.Is(err, ErrConfiguration):
		return FailureConfiguration
	case errors.Is(err, ErrBackup):
		return FailureBackup
	case errors.Is(err, ErrRestore):
		return FailureRestore
	case errors.Is(err, ErrProvision):
		return FailureProvision
	case errors.Is(err, ErrNoHostsAvailable):
		return FailureNoHosts
	case errors.Is(err, ErrSwarm):
		return FailureSwarm
	default:
		return FailureOther
	}
}
