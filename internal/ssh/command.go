package ssh

import (
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// Command is a remote command built from an argument list rather than an
// interpolated string. Arguments are shell-quoted when rendered.
type Command struct {
	args    []string
	script  string
	sudo    bool
	timeout time.Duration
}

// Cmd builds a command from a program name and its arguments.
func Cmd(name string, args ...string) Command {
	return Command{args: append([]string{name}, args...)}
}

// Script builds a command that runs the given snippet with `sh -c`. Use it only
// for pipelines and redirections; values that come from outside should be
// passed through Quote.
func Script(snippet string) Command {
	return Command{script: snippet}
}

// Quote shell-quotes a single value for embedding in a Script.
func Quote(v string) string {
	return shellquote.Join(v)
}

// AsRoot marks the command as privileged. The executor runs it through sudo
// unless the login user is root.
func (c Command) AsRoot() Command {
	c.sudo = true
	return c
}

// WithTimeout overrides the executor's default command timeout.
func (c Command) WithTimeout(d time.Duration) Command {
	c.timeout = d
	return c
}

func (c Command) Privileged() bool       { return c.sudo }
func (c Command) Timeout() time.Duration { return c.timeout }

// String renders the command as the remote shell will see it, without sudo.
func (c Command) String() string {
	if c.script != "" {
		return shellquote.Join("sh", "-c", c.script)
	}
	return shellquote.Join(c.args...)
}

// render returns the command line to send. When sudo is needed and the
// password is known, sudo reads it from stdin.
func (c Command) render(root bool, withPassword bool) string {
	line := c.String()
	if !c.sudo || root {
		return line
	}
	if withPassword {
		return "sudo -S -p '' " + line
	}
	return "sudo -n " + line
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// OK reports a zero exit status.
func (r Result) OK() bool { return r.ExitStatus == 0 }

// Trimmed returns stdout without surrounding whitespace.
func (r Result) Trimmed() string { return strings.TrimSpace(r.Stdout) }

// Check folds a non-zero exit status into an error so callers that only care
// about success can use a single error check.
func Check(res Result, err error) (Result, error) {
	if err != nil {
		return res, err
	}
	if !res.OK() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return res, fmt.Errorf("exit status %d: %s", res.ExitStatus, msg)
	}
	return res, nil
}
