// Package ipdetect finds the local LAN subnet that discovery scans.
package ipdetect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/vishvananda/netlink"
)

// Subnet is the local interface address and network that discovery sweeps.
type Subnet struct {
	Interface string
	Address   net.IP
	Network   *net.IPNet
	Gateway   net.IP // nil when found by interface enumeration
}

func (s Subnet) String() string {
	ones, _ := s.Network.Mask.Size()
	return s.Network.IP.String() + "/" + strconv.Itoa(ones) + " via " + s.Interface
}

// ErrNoSubnet is returned when no usable IPv4 interface exists.
var ErrNoSubnet = errors.New("ipdetect: no IPv4 subnet found")

// DetectSubnet returns the subnet behind the IPv4 default route, falling back
// to interface enumeration when the routing table is unavailable.
func DetectSubnet() (Subnet, error) {
	if s, err := fromDefaultRoute(); err == nil {
		return s, nil
	}
	return fromInterfaces()
}

func fromDefaultRoute() (Subnet, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return Subnet{}, err
	}
	for _, r := range routes {
		if r.Dst != nil && !isDefault(r.Dst) {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil || len(addrs) == 0 {
			continue
		}
		a := addrs[0]
		return Subnet{
			Interface: link.Attrs().Name,
			Address:   a.IP.To4(),
			Network:   &net.IPNet{IP: a.IP.Mask(a.Mask).To4(), Mask: a.Mask},
			Gateway:   r.Gw,
		}, nil
	}
	return Subnet{}, ErrNoSubnet
}

func isDefault(dst *net.IPNet) bool {
	ones, _ := dst.Mask.Size()
	return ones == 0
}

type candidate struct {
	iface string
	ipnet *net.IPNet
}

// fromInterfaces prefers RFC1918 LAN addresses, then other non-loopback
// addresses. CGNAT (100.64.0.0/10) is ranked last since it is usually an
// overlay VPN rather than the LAN.
func fromInterfaces() (Subnet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Subnet{}, err
	}
	var cands []candidate
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				cands = append(cands, candidate{iface: iface.Name, ipnet: ipnet})
			}
		}
	}
	return pick(cands)
}

func pick(cands []candidate) (Subnet, error) {
	best := -1
	bestRank := 0
	for i, c := range cands {
		rank := rankOf(c.ipnet.IP)
		if best == -1 || rank < bestRank {
			best, bestRank = i, rank
		}
	}
	if best == -1 {
		return Subnet{}, ErrNoSubnet
	}
	c := cands[best]
	ip := c.ipnet.IP.To4()
	return Subnet{
		Interface: c.iface,
		Address:   ip,
		Network:   &net.IPNet{IP: ip.Mask(c.ipnet.Mask), Mask: c.ipnet.Mask},
	}, nil
}

func rankOf(ip net.IP) int {
	switch {
	case inCIDR(ip, "10.0.0.0/8"), inCIDR(ip, "172.16.0.0/12"), inCIDR(ip, "192.168.0.0/16"):
		return 0
	case inCIDR(ip, "100.64.0.0/10"):
		return 2
	case ip.IsLinkLocalUnicast():
		return 3
	default:
		return 1
	}
}

func inCIDR(ip net.IP, cidr string) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return network.Contains(ip)
}

// Hosts lists the usable host addresses of n, excluding the network and
// broadcast addresses and self. It fails if there are more than max.
func Hosts(n *net.IPNet, self net.IP, max int) ([]net.IP, error) {
	base := n.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("ipdetect: %s is not IPv4", n)
	}
	ones, bits := n.Mask.Size()
	size := uint64(1) << uint(bits-ones)
	if size <= 2 {
		return nil, fmt.Errorf("ipdetect: %s has no host addresses", n)
	}
	if size-2 > uint64(max) {
		return nil, fmt.Errorf("ipdetect: %s has %d addresses, limit is %d", n, size-2, max)
	}

	start := binary.BigEndian.Uint32(base)
	out := make([]net.IP, 0, size-2)
	for i := uint64(1); i < size-1; i++ {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, start+uint32(i))
		if self != nil && ip.Equal(self) {
			continue
		}
		out = append(out, ip)
	}
	return out, nil
}
