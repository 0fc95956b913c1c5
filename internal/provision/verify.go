package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/coreos/go-semver/semver"

	"piswarm/internal/defaults"
	"piswarm/internal/ssh"
)

var versionPrefix = regexp.MustCompile(`^\d+(\.\d+){0,2}`)

// ParseDockerVersion normalizes engine versions such as "20.10.24+dfsg1" or
// "25.0" to a semantic version.
func ParseDockerVersion(raw string) (*semver.Version, error) {
	core := versionPrefix.FindString(strings.TrimSpace(raw))
	if core == "" {
		return nil, fmt.Errorf("unrecognised docker version %q", raw)
	}
	for strings.Count(core, ".") < 2 {
		core += ".0"
	}
	return semver.NewVersion(core)
}

func (r *hostRun) verify(ctx context.Context) error {
	o := r.p.opts

	res, err := r.run(ctx, ssh.Cmd("docker", "version", "--format", "{{.Server.Version}}").AsRoot())
	if err != nil {
		return fmt.Errorf("docker version: %w", err)
	}
	have, err := ParseDockerVersion(res.Trimmed())
	if err != nil {
		return err
	}
	want, err := semver.NewVersion(o.MinDockerVersion)
	if err != nil {
		return fmt.Errorf("minimum docker version: %w", err)
	}
	if have.LessThan(*want) {
		return fmt.Errorf("docker %s is older than required %s", have, want)
	}

	if !r.h.Credential().IsRoot() {
		res, err := r.run(ctx, ssh.Cmd("id", "-nG", r.user))
		if err != nil {
			return fmt.Errorf("group membership: %w", err)
		}
		if !containsWord(res.Stdout, "docker") {
			r.log.Warnw("user not in docker group, adding", "user", r.user)
			if _, err := r.run(ctx, ssh.Cmd("usermod", "-aG", "docker", r.user).AsRoot()); err != nil {
				return fmt.Errorf("add %s to docker group: %w", r.user, err)
			}
		}
	}

	active, err := r.p.runner.Execute(ctx, r.h, ssh.Cmd("systemctl", "is-active", "--quiet", "docker"))
	if err != nil {
		return err
	}
	if !active.OK() {
		r.log.Warnw("docker daemon inactive, starting it")
		if _, err := r.run(ctx, ssh.Cmd("systemctl", "start", "docker").AsRoot()); err != nil {
			return fmt.Errorf("start docker: %w", err)
		}
		if err := r.waitReady(ctx); err != nil {
			return err
		}
	}

	if _, err := r.run(ctx, ssh.Cmd("docker", "run", "--rm", o.SmokeImage).AsRoot().WithTimeout(defaults.SSHLongCommandTimeout)); err != nil {
		return fmt.Errorf("smoke test %s: %w", o.SmokeImage, err)
	}

	compose, err := r.p.runner.Execute(ctx, r.h, ssh.Cmd("docker", "compose", "version").AsRoot())
	if err != nil {
		return err
	}
	if !compose.OK() {
		r.log.Infow("installing docker compose plugin")
		install := ssh.Cmd("env", "DEBIAN_FRONTEND=noninteractive", "apt-get", "install", "-y", "-q", "docker-compose-plugin").
			AsRoot().WithTimeout(defaults.SSHLongCommandTimeout)
		if _, err := r.run(ctx, install); err != nil {
			return fmt.Errorf("install compose plugin: %w", err)
		}
		if _, err := r.run(ctx, ssh.Cmd("docker", "compose", "version").AsRoot()); err != nil {
			return fmt.Errorf("compose plugin: %w", err)
		}
	}
	r.log.Infow("docker verified", "version", have.String())
	return nil
}

func containsWord(s, word string) bool {
	for _, f := range strings.Fields(s) {
		if f == word {
			return true
		}
	}
	return false
}

// copyAssets mirrors the local assets directory into <WorkingDir>/config.
// A missing assets directory is not an error.
func (r *hostRun) copyAssets(ctx context.Context) error {
	dir := r.p.opts.AssetsDir
	if dir == "" {
		return nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		r.log.Debugw("no assets directory, skipping asset copy", "dir", dir)
		return nil
	}
	remoteRoot := r.p.opts.WorkingDir + "/config"
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		remote := remoteRoot + "/" + filepath.ToSlash(rel)
		if err := r.p.runner.Transfer(ctx, r.h, path, remote); err != nil {
			return fmt.Errorf("copy asset %s: %w", rel, err)
		}
		return nil
	})
}
