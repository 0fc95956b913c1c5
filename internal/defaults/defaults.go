// Package defaults holds the default values shared by config, the CLI and the
// components, so each value is defined once.
package defaults

import "time"

// =============================================================================
// Docker Swarm Overlay Networks
// =============================================================================

const (
	// InternalNetworkName is the attachable overlay for service-to-service traffic.
	InternalNetworkName = "piswarm-internal"

	// ExternalNetworkName is the attachable overlay for published services.
	ExternalNetworkName = "piswarm-external"
)

// NetworkConfig describes one Docker overlay network.
type NetworkConfig struct {
	Name     string
	Subnet   string
	Gateway  string
	Internal bool // no external access
}

// InternalNetwork uses 10.10.0.0/20 to stay clear of docker0 (172.17.0.0/16).
func InternalNetwork() NetworkConfig {
	return NetworkConfig{
		Name:     InternalNetworkName,
		Subnet:   "10.10.0.0/20",
		Gateway:  "10.10.0.1",
		Internal: true,
	}
}

// ExternalNetwork uses 10.20.0.0/20.
func ExternalNetwork() NetworkConfig {
	return NetworkConfig{
		Name:    ExternalNetworkName,
		Subnet:  "10.20.0.0/20",
		Gateway: "10.20.0.1",
	}
}

// AllNetworks returns every overlay network the coordinator ensures.
func AllNetworks() []NetworkConfig {
	return []NetworkConfig{InternalNetwork(), ExternalNetwork()}
}

// =============================================================================
// Swarm
// =============================================================================

const (
	// SwarmPort is the manager API port used in join addresses.
	SwarmPort = 2377
	// NodeDown is the status `docker node ls` prints for unreachable nodes.
	NodeDown = "Down"
)

// SwarmFirewallRules are the ports a swarm node must accept, plus SSH.
var SwarmFirewallRules = []string{"22/tcp", "2377/tcp", "7946/tcp", "7946/udp", "4789/udp"}

// =============================================================================
// SSH
// =============================================================================

const (
	SSHPort           = 22
	SSHUsername       = "pi"
	SSHConnectTimeout = 5 * time.Second
	SSHCommandTimeout = 30 * time.Second
	// SSHLongCommandTimeout bounds package installs and the Docker install script.
	SSHLongCommandTimeout = 15 * time.Minute
)

// =============================================================================
// Cluster
// =============================================================================

const (
	ClusterName    = "piswarm"
	HostnamePrefix = "pi-node-"
	PrefixLength   = 24
	Timezone       = "UTC"
	Parallelism    = 1
	Managers       = 1
)

// DNS is used when the configuration names no DNS servers.
var DNS = []string{"1.1.1.1", "8.8.8.8"}

// =============================================================================
// Local paths
// =============================================================================

const (
	BackupRoot  = "/var/lib/piswarm/backups"
	LockFile    = "/var/lock/piswarm.lock"
	LogDir      = "/var/log/piswarm"
	StateDB     = "/var/lib/piswarm/state.db"
	KeyDir      = "/var/lib/piswarm/keys"
	ServicesDir = "services"
	AssetsDir   = "assets"
)

// =============================================================================
// Discovery
// =============================================================================

// PiMACPrefixes are the OUIs registered to Raspberry Pi Foundation / Trading.
var PiMACPrefixes = []string{"b8:27:eb", "dc:a6:32", "e4:5f:01", "d8:3a:dd", "28:cd:c1", "2c:cf:67"}

// ProbePorts are annotated on every candidate.
var ProbePorts = []int{22, 80, 443, 5000, 8080}

const (
	ProbeTimeout     = time.Second
	SweepConcurrency = 64
	// MaxSweepHosts caps the ping sweep; larger subnets fall back to the ARP table.
	MaxSweepHosts = 1024
)

// =============================================================================
// Provisioning
// =============================================================================

// Packages are installed on every host during base configuration.
var Packages = []string{"curl", "ca-certificates", "gnupg", "lsb-release", "jq", "ufw"}

const (
	LogMaxSize        = "10m"
	LogMaxFile        = 3
	StorageDriver     = "overlay2"
	ReadinessAttempts = 10
	ReadinessDelay    = 3 * time.Second
	SettleDelay       = 10 * time.Second
	WorkingDir        = "/opt/piswarm"
	SmokeImage        = "hello-world"
	MinDockerVersion  = "20.10.0"
	DockerInstallURL  = "https://get.docker.com"
)

// =============================================================================
// Backup
// =============================================================================

// NetplanPath is the file the network configurator renders.
const NetplanPath = "/etc/netplan/99-piswarm.yaml"

// DaemonConfigPath is the Docker daemon configuration file.
const DaemonConfigPath = "/etc/docker/daemon.json"

// BackupPaths are captured before any host is mutated.
var BackupPaths = []string{
	"/etc/hostname",
	"/etc/hosts",
	"/etc/dhcpcd.conf",
	NetplanPath,
	DaemonConfigPath,
}

// BackupKeep is the retention used by `piswarm prune`.
const BackupKeep = 10

// =============================================================================
// Notifications
// =============================================================================

const NotifyTimeout = 10 * time.Second
