// Package discovery produces the working set of target hosts, either from a
// network scan confirmed by the operator or from a manually entered list.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"piswarm/internal/logging"
)

// Candidate is one device found by a scan.
type Candidate struct {
	Address   string
	MAC       string
	Hostname  string // reverse DNS hint, may be empty
	OpenPorts []int
	Score     int
}

// Label renders the candidate as one row of the selection table.
func (c Candidate) Label() string {
	ports := make([]string, len(c.OpenPorts))
	for i, p := range c.OpenPorts {
		ports[i] = strconv.Itoa(p)
	}
	host := c.Hostname
	if host == "" {
		host = "-"
	}
	portList := strings.Join(ports, ",")
	if portList == "" {
		portList = "none"
	}
	return fmt.Sprintf("%-15s  %-17s  %-24s  ports:%s", c.Address, c.MAC, host, portList)
}

// Scanner finds candidate devices on the local network.
type Scanner interface {
	Scan(ctx context.Context) ([]Candidate, error)
}

// Prompter is the operator interaction discovery needs.
type Prompter interface {
	// MultiSelect returns the indexes of the chosen options.
	MultiSelect(message string, options []string) ([]int, error)
	Input(message string) (string, error)
	Warn(message string)
}

// Discoverer runs a scan and has the operator confirm the result.
type Discoverer struct {
	scanner  Scanner
	prompter Prompter
}

// New returns a Discoverer. A nil scanner goes straight to manual entry.
func New(scanner Scanner, prompter Prompter) *Discoverer {
	return &Discoverer{scanner: scanner, prompter: prompter}
}

// Discover returns the operator-confirmed host addresses. It never fails: scan
// problems and a failed selection degrade to manual entry, and a manual entry
// error yields nothing.
func (d *Discoverer) Discover(ctx context.Context) []string {
	log := logging.L().With("component", "discovery")

	var candidates []Candidate
	if d.scanner != nil {
		var err error
		candidates, err = d.scanner.Scan(ctx)
		if err != nil {
			log.Warnw("network scan unavailable, falling back to manual entry", "error", err)
		}
	}
	if len(candidates) == 0 {
		log.Infow("no candidate devices found, requesting manual entry")
		return d.manual()
	}

	options := make([]string, len(candidates))
	for i, c := range candidates {
		options[i] = c.Label()
	}
	chosen, err := d.prompter.MultiSelect(fmt.Sprintf("Select the hosts to bootstrap (%d found)", len(candidates)), options)
	if err != nil {
		log.Warnw("selection unavailable, falling back to manual entry", "error", err)
		return d.manual()
	}
	if len(chosen) == 0 {
		d.prompter.Warn("No hosts selected; enter addresses manually.")
		return d.manual()
	}

	out := make([]string, 0, len(chosen))
	for _, i := range chosen {
		if i >= 0 && i < len(candidates) {
			out = append(out, candidates[i].Address)
		}
	}
	log.Infow("hosts selected", "count", len(out), "hosts", out)
	return out
}

// manual prompts until the operator enters a non-empty list with only valid
// addresses.
func (d *Discoverer) manual() []string {
	for {
		input, err := d.prompter.Input("Enter host IP addresses (comma or space separated)")
		if err != nil {
			logging.L().Warnw("manual entry aborted", "error", err)
			return nil
		}
		addrs, invalid, dups := ParseAddressList(input)
		if len(invalid) > 0 {
			d.prompter.Warn(fmt.Sprintf("Invalid IPv4 address(es): %s. Please re-enter the list.", strings.Join(invalid, ", ")))
			continue
		}
		if len(addrs) == 0 {
			d.prompter.Warn("At least one address is required.")
			continue
		}
		if len(dups) > 0 {
			d.prompter.Warn(fmt.Sprintf("Ignoring duplicate address(es): %s", strings.Join(dups, ", ")))
		}
		return addrs
	}
}

// ParseAddressList splits input on commas and whitespace. It returns the
// valid IPv4 addresses in first-seen order, the rejected entries, and the
// duplicates that were dropped.
func ParseAddressList(input string) (addrs, invalid, dups []string) {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	seen := make(map[string]bool)
	for _, f := range fields {
		if !ValidIPv4(f) {
			invalid = append(invalid, f)
			continue
		}
		canon := net.ParseIP(f).To4().String()
		if seen[canon] {
			dups = append(dups, canon)
			continue
		}
		seen[canon] = true
		addrs = append(addrs, canon)
	}
	return addrs, invalid, dups
}

// ValidIPv4 reports whether s is a dotted quad with every octet in 0-255.
func ValidIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 || (len(p) > 1 && p[0] == '0') {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || p[0] == '+' || p[0] == '-' {
			return false
		}
	}
	return true
}
