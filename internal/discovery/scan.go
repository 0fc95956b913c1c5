package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/vishvananda/netlink"
	"golang.org/x/sync/errgroup"

	"piswarm/internal/ipdetect"
	"piswarm/internal/logging"
)

// ErrScanUnavailable means the local tools or permissions needed for a scan
// are missing.
var ErrScanUnavailable = errors.New("network scan unavailable")

// Score weights. A vendor MAC match alone marks a device as a candidate.
const (
	scoreMAC      = 50
	scoreSSH      = 30
	scoreHostname = 40
)

var hostnameHints = []string{"raspberrypi", "raspberry", "rpi", "pi"}

// ScanOptions configures a NetScanner.
type ScanOptions struct {
	MACPrefixes  []string
	Ports        []int
	ProbeTimeout time.Duration
	Concurrency  int
	MaxHosts     int
}

// NetScanner sweeps the local subnet with ping, reads the kernel neighbour
// table for MAC addresses and probes the flagged devices.
type NetScanner struct {
	opts ScanOptions

	// Seams for tests.
	subnet    func() (ipdetect.Subnet, error)
	ping      func(ctx context.Context, ip string) bool
	neighbors func() (map[string]string, error)
	probe     func(ctx context.Context, ip string, port int) bool
	reverse   func(ctx context.Context, ip string) string
}

// NewNetScanner returns a scanner using the real network.
func NewNetScanner(opts ScanOptions) *NetScanner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 32
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = time.Second
	}
	s := &NetScanner{
		opts:      opts,
		subnet:    ipdetect.DetectSubnet,
		neighbors: kernelNeighbors,
	}
	s.ping = s.pingHost
	s.probe = s.probePort
	s.reverse = newReverseResolver(opts.ProbeTimeout).lookup
	return s
}

// Available reports whether the local ping tool exists.
func Available() error {
	if _, err := exec.LookPath("ping"); err != nil {
		return fmt.Errorf("%w: ping not found in PATH", ErrScanUnavailable)
	}
	return nil
}

// Scan implements Scanner. Candidates are sorted by descending score.
func (s *NetScanner) Scan(ctx context.Context) ([]Candidate, error) {
	log := logging.L().With("component", "discovery")

	subnet, err := s.subnet()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScanUnavailable, err)
	}
	targets, err := ipdetect.Hosts(subnet.Network, subnet.Address, s.opts.MaxHosts)
	if err != nil {
		// Too large to sweep; rely on whatever the neighbour table already has.
		log.Warnw("subnet too large for ping sweep, using neighbour table only", "subnet", subnet.String(), "error", err)
		targets = nil
	}

	log.Infow("scanning network", "subnet", subnet.String(), "addresses", len(targets))
	alive := s.sweep(ctx, targets)

	macs, err := s.neighbors()
	if err != nil {
		return nil, fmt.Errorf("%w: reading neighbour table: %v", ErrScanUnavailable, err)
	}

	var flagged []Candidate
	for ip, mac := range macs {
		if !subnet.Network.Contains(net.ParseIP(ip)) {
			continue
		}
		if !s.vendorMatch(mac) {
			continue
		}
		flagged = append(flagged, Candidate{Address: ip, MAC: mac, Score: scoreMAC})
	}
	log.Infow("sweep complete", "responding", len(alive), "flagged", len(flagged))

	s.annotate(ctx, flagged)

	sort.Slice(flagged, func(i, j int) bool {
		if flagged[i].Score != flagged[j].Score {
			return flagged[i].Score > flagged[j].Score
		}
		return ipLess(flagged[i].Address, flagged[j].Address)
	})
	return flagged, ctx.Err()
}

// sweep pings every target to populate the neighbour table and returns the
// addresses that answered.
func (s *NetScanner) sweep(ctx context.Context, targets []net.IP) []string {
	var (
		mu    sync.Mutex
		alive []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, ip := range targets {
		addr := ip.String()
		g.Go(func() error {
			if s.ping(gctx, addr) {
				mu.Lock()
				alive = append(alive, addr)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return alive
}

// annotate probes ports and reverse DNS for each candidate in place.
func (s *NetScanner) annotate(ctx context.Context, cands []Candidate) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range cands {
		c := &cands[i]
		g.Go(func() error {
			for _, port := range s.opts.Ports {
				if s.probe(gctx, c.Address, port) {
					c.OpenPorts = append(c.OpenPorts, port)
				}
			}
			if containsInt(c.OpenPorts, 22) {
				c.Score += scoreSSH
			}
			c.Hostname = s.reverse(gctx, c.Address)
			if hasHostnameHint(c.Hostname) {
				c.Score += scoreHostname
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *NetScanner) vendorMatch(mac string) bool {
	mac = strings.ToLower(mac)
	for _, p := range s.opts.MACPrefixes {
		if strings.HasPrefix(mac, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (s *NetScanner) pingHost(ctx context.Context, ip string) bool {
	wait := int(s.opts.ProbeTimeout / time.Second)
	if wait < 1 {
		wait = 1
	}
	return exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(wait), ip).Run() == nil
}

func (s *NetScanner) probePort(ctx context.Context, ip string, port int) bool {
	d := net.Dialer{Timeout: s.opts.ProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// kernelNeighbors returns IPv4 address to MAC for every resolved neighbour.
func kernelNeighbors() (map[string]string, error) {
	neighs, err := netlink.NeighList(0, netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(neighs))
	for _, n := range neighs {
		if n.IP == nil || len(n.HardwareAddr) == 0 {
			continue
		}
		if n.State&(netlink.NUD_FAILED|netlink.NUD_INCOMPLETE) != 0 {
			continue
		}
		out[n.IP.String()] = n.HardwareAddr.String()
	}
	return out, nil
}

// reverseResolver asks the system's first nameserver for PTR records.
type reverseResolver struct {
	client *dns.Client
	server string
}

func newReverseResolver(timeout time.Duration) *reverseResolver {
	r := &reverseResolver{client: &dns.Client{Timeout: timeout}}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		r.server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return r
}

func (r *reverseResolver) lookup(ctx context.Context, ip string) string {
	if r.server == "" {
		return ""
	}
	name, err := dns.ReverseAddr(ip)
	if err != nil {
		return ""
	}
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypePTR)
	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil || resp == nil {
		return ""
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}

func hasHostnameHint(hostname string) bool {
	h := strings.ToLower(hostname)
	if h == "" {
		return false
	}
	for _, hint := range hostnameHints {
		if strings.Contains(h, hint) {
			return true
		}
	}
	return false
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func ipLess(a, b string) bool {
	ia, ib := net.ParseIP(a).To4(), net.ParseIP(b).To4()
	if ia == nil || ib == nil {
		return a < b
	}
	for i := 0; i < 4; i++ {
		if ia[i] != ib[i] {
			return ia[i] < ib[i]
		}
	}
	return false
}
