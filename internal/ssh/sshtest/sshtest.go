// Package sshtest provides a scripted in-memory ssh.Runner for tests.
package sshtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"piswarm/internal/cluster"
	"piswarm/internal/ssh"
)

// Call is one recorded Execute invocation.
type Call struct {
	Host       cluster.HostID
	Address    string
	Command    string
	Privileged bool
}

// Handler produces the outcome of a matched command.
type Handler func(h *cluster.Host, command string) (ssh.Result, error)

type rule struct {
	address string // empty matches every host
	pattern string
	handle  Handler
}

// Runner matches each command against registered substrings. Host-specific
// rules win over global ones; otherwise the most recently registered rule
// wins. Unmatched commands succeed with empty output.
type Runner struct {
	mu       sync.Mutex
	rules    []rule
	down     map[string]error
	calls    []Call
	files    map[string]map[string][]byte
	uploaded map[string]map[string]os.FileMode
}

// New returns an empty Runner.
func New() *Runner {
	return &Runner{
		down:     make(map[string]error),
		files:    make(map[string]map[string][]byte),
		uploaded: make(map[string]map[string]os.FileMode),
	}
}

// On answers commands containing pattern with res on every host.
func (r *Runner) On(pattern string, res ssh.Result) *Runner {
	return r.Handle("", pattern, func(*cluster.Host, string) (ssh.Result, error) { return res, nil })
}

// OnHost answers commands containing pattern on the host at address.
func (r *Runner) OnHost(address, pattern string, res ssh.Result, err error) *Runner {
	return r.Handle(address, pattern, func(*cluster.Host, string) (ssh.Result, error) { return res, err })
}

// Handle registers a dynamic rule. An empty address matches every host.
func (r *Runner) Handle(address, pattern string, fn Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{address: address, pattern: pattern, handle: fn})
	return r
}

// Down makes every operation against address fail with err.
func (r *Runner) Down(address string, err error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down[address] = err
	return r
}

// Up clears a previous Down.
func (r *Runner) Up(address string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.down, address)
	return r
}

// SetFile seeds a remote file for Fetch.
func (r *Runner) SetFile(address, path string, data []byte) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files[address] == nil {
		r.files[address] = make(map[string][]byte)
	}
	r.files[address][path] = data
	return r
}

// File returns the current content of a remote file.
func (r *Runner) File(address, path string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[address][path]
	return data, ok
}

// UploadedMode returns the mode of the last Upload to path.
func (r *Runner) UploadedMode(address, path string) (os.FileMode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mode, ok := r.uploaded[address][path]
	return mode, ok
}

// Calls returns a copy of every recorded Execute call.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many executed commands contained pattern.
func (r *Runner) Count(pattern string) int {
	return r.CountOn("", pattern)
}

// CountOn is Count restricted to one host address. An empty address counts
// every host.
func (r *Runner) CountOn(address, pattern string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if address != "" && c.Address != address {
			continue
		}
		if strings.Contains(c.Command, pattern) {
			n++
		}
	}
	return n
}

func (r *Runner) unreachable(h *cluster.Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.down[h.Address()]; ok {
		if err == nil {
			err = fmt.Errorf("%w: %s: connection refused", ssh.ErrConnectionFailure, h.Address())
		}
		return err
	}
	return nil
}

// Execute implements ssh.Runner.
func (r *Runner) Execute(_ context.Context, h *cluster.Host, cmd ssh.Command) (ssh.Result, error) {
	if err := r.unreachable(h); err != nil {
		return ssh.Result{}, err
	}
	line := cmd.String()

	r.mu.Lock()
	r.calls = append(r.calls, Call{Host: h.ID(), Address: h.Address(), Command: line, Privileged: cmd.Privileged()})
	handler := r.match(h.Address(), line)
	r.mu.Unlock()

	if handler == nil {
		return ssh.Result{}, nil
	}
	return handler(h, line)
}

func (r *Runner) match(address, line string) Handler {
	var global Handler
	for i := len(r.rules) - 1; i >= 0; i-- {
		rl := r.rules[i]
		if !strings.Contains(line, rl.pattern) {
			continue
		}
		if rl.address == address {
			return rl.handle
		}
		if rl.address == "" && global == nil {
			global = rl.handle
		}
	}
	return global
}

// Upload implements ssh.Runner by storing data in the in-memory filesystem.
func (r *Runner) Upload(_ context.Context, h *cluster.Host, data []byte, remotePath string, mode os.FileMode) error {
	if err := r.unreachable(h); err != nil {
		return err
	}
	r.SetFile(h.Address(), remotePath, append([]byte(nil), data...))
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploaded[h.Address()] == nil {
		r.uploaded[h.Address()] = make(map[string]os.FileMode)
	}
	r.uploaded[h.Address()][remotePath] = mode
	return nil
}

// Fetch implements ssh.Runner by reading the in-memory filesystem.
func (r *Runner) Fetch(_ context.Context, h *cluster.Host, remotePath string) ([]byte, bool, error) {
	if err := r.unreachable(h); err != nil {
		return nil, false, err
	}
	data, ok := r.File(h.Address(), remotePath)
	return data, ok, nil
}

// Transfer implements ssh.Runner by reading the local file and uploading it.
func (r *Runner) Transfer(ctx context.Context, h *cluster.Host, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return r.Upload(ctx, h, data, remotePath, 0o644)
}

var _ ssh.Runner = (*Runner)(nil)
