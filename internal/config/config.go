package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"piswarm/internal/defaults"
)

// Config is the bootstrap configuration loaded from YAML.
type Config struct {
	Cluster     ClusterConfig     `yaml:"cluster"`
	Credentials CredentialsConfig `yaml:"credentials"`
	SSH         SSHConfig         `yaml:"ssh"`
	Paths       PathsConfig       `yaml:"paths"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Provision   ProvisionConfig   `yaml:"provision"`
	Backup      BackupConfig      `yaml:"backup"`
	Hardening   HardeningConfig   `yaml:"hardening"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
	Exit        ExitConfig        `yaml:"exit"`
	ConfigPath  string            `yaml:"-"` // absolute path of the loaded file
}

// ClusterConfig describes the fleet and its network plan.
type ClusterConfig struct {
	Name           string       `yaml:"name"`
	HostnamePrefix string       `yaml:"hostnamePrefix"`
	Interface      string       `yaml:"interface"` // remote interface for the static address (default: eth0)
	Gateway        string       `yaml:"gateway"`   // required when any host has a desiredAddress
	DNS            []string     `yaml:"dns"`
	PrefixLength   int          `yaml:"prefixLength"`
	Timezone       string       `yaml:"timezone"`
	Manager        string       `yaml:"manager"`     // preferred manager address (default: first host)
	Managers       int          `yaml:"managers"`    // total managers including the first
	Parallelism    int          `yaml:"parallelism"` // per-host worker pool size
	Hosts          []HostConfig `yaml:"hosts"`       // empty means discover interactively
}

// HostConfig is one statically configured host.
type HostConfig struct {
	Address        string `yaml:"address"`
	DesiredAddress string `yaml:"desiredAddress"`
	Username       string `yaml:"username"` // overrides credentials.username
	Password       string `yaml:"password"` // overrides credentials.password
}

// CredentialsConfig is the shared default login.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"` // PISWARM_PASSWORD overrides
}

type SSHConfig struct {
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
	KeyDir         string        `yaml:"keyDir"`
}

type PathsConfig struct {
	BackupRoot  string `yaml:"backupRoot"`
	LockFile    string `yaml:"lockFile"`
	LogDir      string `yaml:"logDir"`
	StateDB     string `yaml:"stateDB"`
	MetricsFile string `yaml:"metricsFile"` // empty disables metrics output
	ServicesDir string `yaml:"servicesDir"`
	AssetsDir   string `yaml:"assetsDir"`
}

type DiscoveryConfig struct {
	MACPrefixes      []string      `yaml:"macPrefixes"`
	Ports            []int         `yaml:"ports"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout"`
	SweepConcurrency int           `yaml:"sweepConcurrency"`
	MaxHosts         int           `yaml:"maxHosts"`
}

type ProvisionConfig struct {
	Packages          []string      `yaml:"packages"`
	LogMaxSize        string        `yaml:"logMaxSize"` // docker json-file max-size, e.g. "10m"
	LogMaxFile        int           `yaml:"logMaxFile"`
	StorageDriver     string        `yaml:"storageDriver"`
	ReadinessAttempts int           `yaml:"readinessAttempts"`
	ReadinessDelay    time.Duration `yaml:"readinessDelay"`
	SettleDelay       time.Duration `yaml:"settleDelay"`
	WorkingDir        string        `yaml:"workingDir"`
	SmokeImage        string        `yaml:"smokeImage"`
	MinDockerVersion  string        `yaml:"minDockerVersion"`
}

type BackupConfig struct {
	Paths []string `yaml:"paths"`
	Keep  int      `yaml:"keep"`
}

type HardeningConfig struct {
	Enabled             bool     `yaml:"enabled"`
	FirewallPorts       []string `yaml:"firewallPorts"`
	DisablePasswordAuth bool     `yaml:"disablePasswordAuth"`
}

// WebhookConfig is one notification target.
type WebhookConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // slack, discord or generic
	URL  string `yaml:"url"`
}

type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Timeout  time.Duration   `yaml:"timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

type ExitConfig struct {
	// LegacyPartialSuccess exits 0 for partially succeeded runs.
	LegacyPartialSuccess bool `yaml:"legacyPartialSuccess"`
}

// DefaultPath returns <binary-dir>/<binary-name>.yaml.
func DefaultPath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	name := filepath.Base(execPath)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(filepath.Dir(execPath), name+".yaml"), nil
}

// Load reads, validates and defaults the configuration at configPath. An
// empty path uses DefaultPath; a missing default file yields a defaulted
// empty configuration so the CLI can run fully interactively.
func Load(configPath string) (*Config, error) {
	explicit := configPath != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	var cfg Config
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if pw := os.Getenv("PISWARM_PASSWORD"); pw != "" {
		cfg.Credentials.Password = pw
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.ApplyDefaults()

	if abs, err := filepath.Abs(configPath); err == nil {
		cfg.ConfigPath = abs
	} else {
		cfg.ConfigPath = configPath
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	needGateway := false
	for i, h := range c.Cluster.Hosts {
		if net.ParseIP(h.Address).To4() == nil {
			return fmt.Errorf("cluster.hosts[%d]: %q is not an IPv4 address", i, h.Address)
		}
		if seen[h.Address] {
			return fmt.Errorf("cluster.hosts[%d]: duplicate address %s", i, h.Address)
		}
		seen[h.Address] = true
		if h.DesiredAddress != "" {
			if net.ParseIP(h.DesiredAddress).To4() == nil {
				return fmt.Errorf("cluster.hosts[%d]: desiredAddress %q is not an IPv4 address", i, h.DesiredAddress)
			}
			needGateway = true
		}
	}
	if needGateway && net.ParseIP(c.Cluster.Gateway).To4() == nil {
		return fmt.Errorf("cluster.gateway must be an IPv4 address when hosts have a desiredAddress")
	}
	for _, d := range c.Cluster.DNS {
		if net.ParseIP(d) == nil {
			return fmt.Errorf("cluster.dns: %q is not an IP address", d)
		}
	}
	if c.Cluster.Manager != "" && len(c.Cluster.Hosts) > 0 && !seen[c.Cluster.Manager] {
		return fmt.Errorf("cluster.manager %s is not one of cluster.hosts", c.Cluster.Manager)
	}
	if c.Cluster.PrefixLength < 0 || c.Cluster.PrefixLength > 32 {
		return fmt.Errorf("cluster.prefixLength must be between 0 and 32")
	}
	if c.Cluster.Parallelism < 0 {
		return fmt.Errorf("cluster.parallelism must not be negative")
	}
	if c.Cluster.Managers < 0 {
		return fmt.Errorf("cluster.managers must not be negative")
	}
	if c.Provision.LogMaxSize != "" {
		if _, err := units.FromHumanSize(c.Provision.LogMaxSize); err != nil {
			return fmt.Errorf("provision.logMaxSize: %w", err)
		}
	}
	for i, w := range c.Notify.Webhooks {
		switch w.Kind {
		case "", "slack", "discord", "generic":
		default:
			return fmt.Errorf("notify.webhooks[%d]: kind must be slack, discord or generic", i)
		}
		if w.URL == "" {
			return fmt.Errorf("notify.webhooks[%d]: url is required", i)
		}
	}
	return nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	cl := &c.Cluster
	if cl.Name == "" {
		cl.Name = defaults.ClusterName
	}
	if cl.HostnamePrefix == "" {
		cl.HostnamePrefix = defaults.HostnamePrefix
	}
	if cl.Interface == "" {
		cl.Interface = "eth0"
	}
	if len(cl.DNS) == 0 {
		cl.DNS = append([]string(nil), defaults.DNS...)
	}
	if cl.PrefixLength == 0 {
		cl.PrefixLength = defaults.PrefixLength
	}
	if cl.Timezone == "" {
		cl.Timezone = defaults.Timezone
	}
	if cl.Managers == 0 {
		cl.Managers = defaults.Managers
	}
	if cl.Parallelism == 0 {
		cl.Parallelism = defaults.Parallelism
	}

	if c.Credentials.Username == "" {
		c.Credentials.Username = defaults.SSHUsername
	}

	if c.SSH.Port == 0 {
		c.SSH.Port = defaults.SSHPort
	}
	if c.SSH.ConnectTimeout == 0 {
		c.SSH.ConnectTimeout = defaults.SSHConnectTimeout
	}
	if c.SSH.CommandTimeout == 0 {
		c.SSH.CommandTimeout = defaults.SSHCommandTimeout
	}
	if c.SSH.KeyDir == "" {
		c.SSH.KeyDir = defaults.KeyDir
	}

	p := &c.Paths
	if p.BackupRoot == "" {
		p.BackupRoot = defaults.BackupRoot
	}
	if p.LockFile == "" {
		p.LockFile = defaults.LockFile
	}
	if p.LogDir == "" {
		p.LogDir = defaults.LogDir
	}
	if p.StateDB == "" {
		p.StateDB = defaults.StateDB
	}
	if p.ServicesDir == "" {
		p.ServicesDir = defaults.ServicesDir
	}
	if p.AssetsDir == "" {
		p.AssetsDir = defaults.AssetsDir
	}

	d := &c.Discovery
	if len(d.MACPrefixes) == 0 {
		d.MACPrefixes = append([]string(nil), defaults.PiMACPrefixes...)
	}
	if len(d.Ports) == 0 {
		d.Ports = append([]int(nil), defaults.ProbePorts...)
	}
	if d.ProbeTimeout == 0 {
		d.ProbeTimeout = defaults.ProbeTimeout
	}
	if d.SweepConcurrency == 0 {
		d.SweepConcurrency = defaults.SweepConcurrency
	}
	if d.MaxHosts == 0 {
		d.MaxHosts = defaults.MaxSweepHosts
	}

	pr := &c.Provision
	if len(pr.Packages) == 0 {
		pr.Packages = append([]string(nil), defaults.Packages...)
	}
	if pr.LogMaxSize == "" {
		pr.LogMaxSize = defaults.LogMaxSize
	}
	if pr.LogMaxFile == 0 {
		pr.LogMaxFile = defaults.LogMaxFile
	}
	if pr.StorageDriver == "" {
		pr.StorageDriver = defaults.StorageDriver
	}
	if pr.ReadinessAttempts == 0 {
		pr.ReadinessAttempts = defaults.ReadinessAttempts
	}
	if pr.ReadinessDelay == 0 {
		pr.ReadinessDelay = defaults.ReadinessDelay
	}
	if pr.SettleDelay == 0 {
		pr.SettleDelay = defaults.SettleDelay
	}
	if pr.WorkingDir == "" {
		pr.WorkingDir = defaults.WorkingDir
	}
	if pr.SmokeImage == "" {
		pr.SmokeImage = defaults.SmokeImage
	}
	if pr.MinDockerVersion == "" {
		pr.MinDockerVersion = defaults.MinDockerVersion
	}

	if len(c.Backup.Paths) == 0 {
		c.Backup.Paths = append([]string(nil), defaults.BackupPaths...)
	}
	if c.Backup.Keep == 0 {
		c.Backup.Keep = defaults.BackupKeep
	}

	if len(c.Hardening.FirewallPorts) == 0 {
		c.Hardening.FirewallPorts = append([]string(nil), defaults.SwarmFirewallRules...)
	}

	for i := range c.Notify.Webhooks {
		if c.Notify.Webhooks[i].Kind == "" {
			c.Notify.Webhooks[i].Kind = "generic"
		}
		if c.Notify.Webhooks[i].Name == "" {
			c.Notify.Webhooks[i].Name = c.Notify.Webhooks[i].Kind
		}
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = defaults.NotifyTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = c.Paths.LogDir
	}
}

// HostFor returns the per-host configuration for address, if any.
func (c *Config) HostFor(address string) (HostConfig, bool) {
	for _, h := range c.Cluster.Hosts {
		if h.Address == address {
			return h, true
		}
	}
	return HostConfig{}, false
}
