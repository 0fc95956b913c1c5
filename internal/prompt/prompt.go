// Package prompt talks to the operator on the terminal.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ErrNotInteractive is returned for prompts that need a terminal when stdin
// is not one.
var ErrNotInteractive = errors.New("prompt: stdin is not a terminal")

// Terminal prompts on stdin/stdout. When stdin is not a terminal, Input reads
// plain lines so addresses can be piped in; other prompts fail.
type Terminal struct {
	in          terminal.FileReader
	out         terminal.FileWriter
	errOut      io.Writer
	interactive bool
	lines       *bufio.Reader
}

// NewTerminal uses the process's standard streams.
func NewTerminal() *Terminal {
	return New(os.Stdin, os.Stdout, os.Stderr, isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()))
}

// New prompts over the given streams.
func New(in terminal.FileReader, out terminal.FileWriter, errOut io.Writer, interactive bool) *Terminal {
	return &Terminal{
		in:          in,
		out:         out,
		errOut:      errOut,
		interactive: interactive,
		lines:       bufio.NewReader(in),
	}
}

// Interactive reports whether stdin is a terminal.
func (t *Terminal) Interactive() bool { return t.interactive }

func (t *Terminal) stdio() survey.AskOpt {
	return survey.WithStdio(t.in, t.out, t.errOut)
}

// MultiSelect asks the operator to pick any number of options. Nothing is
// preselected.
func (t *Terminal) MultiSelect(message string, options []string) ([]int, error) {
	if !t.interactive {
		return nil, ErrNotInteractive
	}
	var chosen []int
	q := &survey.MultiSelect{Message: message, Options: options, PageSize: 15}
	if err := survey.AskOne(q, &chosen, t.stdio()); err != nil {
		return nil, err
	}
	return chosen, nil
}

// Input reads one line of free text.
func (t *Terminal) Input(message string) (string, error) {
	if !t.interactive {
		line, err := t.lines.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	var answer string
	if err := survey.AskOne(&survey.Input{Message: message}, &answer, t.stdio()); err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// Password reads a secret without echo.
func (t *Terminal) Password(message string) (string, error) {
	if !t.interactive {
		return "", ErrNotInteractive
	}
	var answer string
	if err := survey.AskOne(&survey.Password{Message: message}, &answer, t.stdio(), survey.WithValidator(survey.Required)); err != nil {
		return "", err
	}
	return answer, nil
}

// Confirm asks a yes/no question. Non-interactive sessions get def.
func (t *Terminal) Confirm(message string, def bool) (bool, error) {
	if !t.interactive {
		return def, nil
	}
	answer := def
	if err := survey.AskOne(&survey.Confirm{Message: message, Default: def}, &answer, t.stdio()); err != nil {
		return false, err
	}
	return answer, nil
}

// Warn prints a highlighted warning.
func (t *Terminal) Warn(message string) {
	fmt.Fprintln(t.errOut, color.YellowString("! %s", message))
}
