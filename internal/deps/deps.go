// Package deps checks and, where possible, installs the local tools the
// bootstrap run relies on.
package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"piswarm/internal/logging"
)

// Tool is a local binary with the package that provides it on each package
// manager.
type Tool struct {
	Name     string
	Required bool // false: the run degrades without it
	Packages map[string]string
}

// Ping is used by the discovery sweep. Without it discovery falls back to
// manual entry.
var Ping = Tool{
	Name: "ping",
	Packages: map[string]string{
		"apt-get": "iputils-ping",
		"dnf":     "iputils",
		"yum":     "iputils",
		"zypper":  "iputils",
		"pacman":  "iputils",
		"apk":     "iputils",
	},
}

// installCommands maps a package manager to the install command prefix.
var installCommands = []struct {
	manager string
	script  string
}{
	{"apt-get", "apt-get update && apt-get install -y %s"},
	{"dnf", "dnf install -y %s"},
	{"yum", "yum install -y %s"},
	{"zypper", "zypper --non-interactive install %s"},
	{"pacman", "pacman -Sy --noconfirm %s"},
	{"apk", "apk add --no-cache %s"},
}

// Report is the outcome of a preflight check.
type Report struct {
	Missing    []string // tools not on PATH after any install attempt
	Installed  []string
	Unwritable []string // local directories the run cannot write to
}

// ScanAvailable reports whether the subnet sweep can run.
func (r *Report) ScanAvailable() bool {
	for _, m := range r.Missing {
		if m == Ping.Name {
			return false
		}
	}
	return true
}

// Options configures Check.
type Options struct {
	Tools   []Tool
	Dirs    []string // directories that must exist and be writable
	Install bool     // attempt to install missing tools
}

// Checker runs the preflight. The function fields are replaced in tests.
type Checker struct {
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name, script string) error
}

func NewChecker() *Checker {
	return &Checker{lookPath: exec.LookPath, run: runInstallScript}
}

// Check inspects tools and directories. Missing optional tools and
// unwritable directories are reported, not returned as errors; only a
// missing required tool is an error.
func (c *Checker) Check(ctx context.Context, opts Options) (*Report, error) {
	log := logging.L().With("component", "deps")
	report := &Report{}

	var errs []error
	for _, tool := range opts.Tools {
		if _, err := c.lookPath(tool.Name); err == nil {
			continue
		}
		if opts.Install {
			if err := c.install(ctx, tool); err != nil {
				log.Warnw("tool installation failed", "tool", tool.Name, "error", err)
			} else if _, err := c.lookPath(tool.Name); err == nil {
				report.Installed = append(report.Installed, tool.Name)
				continue
			}
		}
		report.Missing = append(report.Missing, tool.Name)
		if tool.Required {
			errs = append(errs, fmt.Errorf("deps: required tool %q not found on PATH", tool.Name))
		} else {
			log.Warnw("optional tool missing", "tool", tool.Name)
		}
	}

	for _, dir := range opts.Dirs {
		if err := ensureWritable(dir); err != nil {
			log.Warnw("directory not writable", "path", dir, "error", err)
			report.Unwritable = append(report.Unwritable, dir)
		}
	}
	return report, errors.Join(errs...)
}

func (c *Checker) install(ctx context.Context, tool Tool) error {
	for _, ic := range installCommands {
		if _, err := c.lookPath(ic.manager); err != nil {
			continue
		}
		pkg, ok := tool.Packages[ic.manager]
		if !ok {
			pkg = tool.Name
		}
		logging.L().Infow("tool not found; attempting installation via package manager", "tool", tool.Name, "manager", ic.manager)
		return c.run(ctx, tool.Name, fmt.Sprintf(ic.script, pkg))
	}
	return fmt.Errorf("deps: %s not found and no supported package manager is available; install it manually", tool.Name)
}

// ensureWritable creates dir if needed and proves it accepts a file.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".piswarm-preflight-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}

// runInstallScript executes the given shell snippet via `sh -c` and returns a
// wrapped error including a small portion of output on failure.
func runInstallScript(ctx context.Context, name, script string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Env = os.Environ()

	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed != "" {
			return fmt.Errorf("deps: failed to install %s: %w (output: %s)", name, err, trimmed)
		}
		return fmt.Errorf("deps: failed to install %s: %w", name, err)
	}

	logging.L().Infow("dependency installation completed", "name", name)
	return nil
}
