// Package netconfig assigns a static IPv4 address and a derived hostname to a
// host. It is idempotent: a host already answering on the desired address is
// left untouched.
package netconfig

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"piswarm/internal/cluster"
	"piswarm/internal/defaults"
	"piswarm/internal/logging"
	"piswarm/internal/ssh"
)

// ErrConfiguration wraps every failed state-changing step. After it the host
// may be in the old or the new state and must be re-probed.
var ErrConfiguration = cluster.ErrConfiguration

// Plan holds the fleet-wide network settings.
type Plan struct {
	Interface      string
	PrefixLength   int
	HostnamePrefix string
	SettleDelay    time.Duration
}

// Configurator applies static network configuration over a Runner.
type Configurator struct {
	runner ssh.Runner
	plan   Plan
	clock  clockwork.Clock
}

// New returns a Configurator. A nil clock uses the real clock.
func New(runner ssh.Runner, plan Plan, clock clockwork.Clock) *Configurator {
	if plan.Interface == "" {
		plan.Interface = "eth0"
	}
	if plan.PrefixLength == 0 {
		plan.PrefixLength = defaults.PrefixLength
	}
	if plan.HostnamePrefix == "" {
		plan.HostnamePrefix = defaults.HostnamePrefix
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Configurator{runner: runner, plan: plan, clock: clock}
}

// Hostname derives <prefix><last octet> from an IPv4 address.
func Hostname(prefix, address string) string {
	ip := net.ParseIP(address).To4()
	if ip == nil {
		return ""
	}
	return prefix + strconv.Itoa(int(ip[3]))
}

// ConfigureStaticAddress moves h to desired with the given gateway and DNS
// servers. On success h's address and hostname are updated.
func (c *Configurator) ConfigureStaticAddress(ctx context.Context, h *cluster.Host, desired, gateway string, dns []string) error {
	log := logging.L().With("component", "netconfig", "host", h.Address(), "desired", desired)

	if net.ParseIP(desired).To4() == nil {
		return fmt.Errorf("%w: desired address %q is not IPv4", ErrConfiguration, desired)
	}
	if net.ParseIP(gateway).To4() == nil {
		return fmt.Errorf("%w: gateway %q is not IPv4", ErrConfiguration, gateway)
	}
	hostname := Hostname(c.plan.HostnamePrefix, desired)

	addrs, err := c.currentAddresses(ctx, h)
	if err != nil {
		return err
	}
	if contains(addrs, desired) {
		log.Infow("host already has desired address, skipping network configuration")
		h.SetAddress(desired)
		h.SetHostname(hostname)
		return nil
	}

	netplan, err := RenderNetplan(c.plan.Interface, desired, c.plan.PrefixLength, gateway, dns)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := c.runner.Upload(ctx, h, netplan, defaults.NetplanPath, 0o600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrConfiguration, defaults.NetplanPath, err)
	}

	if err := c.setHostname(ctx, h, hostname); err != nil {
		return err
	}

	// netplan apply drops the session, so it is detached and the connection
	// loss that may follow is expected.
	apply := ssh.Script("nohup sh -c 'sleep 2; netplan apply' >/dev/null 2>&1 &").AsRoot().WithTimeout(15 * time.Second)
	res, err := c.runner.Execute(ctx, h, apply)
	switch {
	case err != nil && errors.Is(err, ssh.ErrConnectionFailure):
		log.Debugw("connection dropped while applying network configuration", "error", err)
	case err != nil:
		return fmt.Errorf("%w: netplan apply: %v", ErrConfiguration, err)
	case !res.OK():
		return fmt.Errorf("%w: netplan apply: exit status %d: %s", ErrConfiguration, res.ExitStatus, strings.TrimSpace(res.Stderr))
	}

	log.Infow("waiting for network to settle", "delay", c.plan.SettleDelay)
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConfiguration, ctx.Err())
	case <-c.clock.After(c.plan.SettleDelay):
	}

	previous := h.Address()
	h.SetAddress(desired)
	addrs, err = c.currentAddresses(ctx, h)
	if err != nil || !contains(addrs, desired) {
		h.SetAddress(previous)
		if err == nil {
			err = fmt.Errorf("host reports %v", addrs)
		}
		return fmt.Errorf("%w: host not answering on %s after apply: %v", ErrConfiguration, desired, err)
	}
	h.SetHostname(hostname)

	log.Infow(logging.FormatNodeMessage("->", desired, hostname, string(h.Role()), "static address configured"))
	return nil
}

func (c *Configurator) currentAddresses(ctx context.Context, h *cluster.Host) ([]string, error) {
	res, err := ssh.Check(c.runner.Execute(ctx, h, ssh.Cmd("hostname", "-I")))
	if err != nil {
		if errors.Is(err, ssh.ErrAuthFailure) || errors.Is(err, ssh.ErrConnectionFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading current address: %v", ErrConfiguration, err)
	}
	return strings.Fields(res.Stdout), nil
}

func (c *Configurator) setHostname(ctx context.Context, h *cluster.Host, hostname string) error {
	if _, err := ssh.Check(c.runner.Execute(ctx, h, ssh.Cmd("hostnamectl", "set-hostname", hostname).AsRoot())); err != nil {
		return fmt.Errorf("%w: set hostname: %v", ErrConfiguration, err)
	}
	hosts := ssh.Script("sed -i '/^127\\.0\\.1\\.1[[:space:]]/d' /etc/hosts && echo " +
		ssh.Quote("127.0.1.1 "+hostname) + " >> /etc/hosts").AsRoot()
	if _, err := ssh.Check(c.runner.Execute(ctx, h, hosts)); err != nil {
		return fmt.Errorf("%w: update /etc/hosts: %v", ErrConfiguration, err)
	}
	return nil
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

type netplanFile struct {
	Network netplanNetwork `yaml:"network"`
}

type netplanNetwork struct {
	Version   int                         `yaml:"version"`
	Renderer  string                      `yaml:"renderer"`
	Ethernets map[string]netplanInterface `yaml:"ethernets"`
}

type netplanInterface struct {
	DHCP4       bool              `yaml:"dhcp4"`
	Addresses   []string          `yaml:"addresses"`
	Routes      []netplanRoute    `yaml:"routes"`
	Nameservers netplanNameserver `yaml:"nameservers"`
}

type netplanRoute struct {
	To  string `yaml:"to"`
	Via string `yaml:"via"`
}

type netplanNameserver struct {
	Addresses []string `yaml:"addresses"`
}

// RenderNetplan returns the netplan document for one static interface.
func RenderNetplan(iface, address string, prefixLength int, gateway string, dns []string) ([]byte, error) {
	if len(dns) == 0 {
		dns = defaults.DNS
	}
	doc := netplanFile{Network: netplanNetwork{
		Version:  2,
		Renderer: "networkd",
		Ethernets: map[string]netplanInterface{
			iface: {
				Addresses:   []string{address + "/" + strconv.Itoa(prefixLength)},
				Routes:      []netplanRoute{{To: "default", Via: gateway}},
				Nameservers: netplanNameserver{Addresses: dns},
			},
		},
	}}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render netplan: %w", err)
	}
	return append([]byte("# Managed by piswarm\n"), out...), nil
}
