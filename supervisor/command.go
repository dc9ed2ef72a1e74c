package supervisor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

const (
	DefaultTerm = "xterm-256color"
	DefaultCols = 80
	DefaultRows = 30
)

// CommandSpec is a normalized launch request.
// Terminal fields are only used by pty sessions.
type CommandSpec struct {
	Program string
	Args    []string
	Env     map[string]string
	Dir     string

	Term string
	Cols uint16
	Rows uint16
}

// CommandLine returns the line handed to "shell -c".
// The program is passed through as-is so it may carry its own shell syntax, the arguments are quoted.
func (c CommandSpec) CommandLine() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + shellquote.Join(c.Args...)
}

// Environ returns the environment entries to append to the host environment, in a stable order.
func (c CommandSpec) Environ() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// CommandDescription is a command as a client sends it: either a bare program string,
// or an object of the form {cmd, env, cwd, rows, cols, term}.
type CommandDescription struct {
	Cmd  string            `json:"cmd"`
	Env  map[string]string `json:"env,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
	Rows int               `json:"rows,omitempty"`
	Cols int               `json:"cols,omitempty"`
	Term string            `json:"term,omitempty"`
}

func (d *CommandDescription) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = CommandDescription{Cmd: s}
		return nil
	}
	if trimmed == "null" {
		*d = CommandDescription{}
		return nil
	}
	type plain CommandDescription
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("cmd must be a string or an object: %w", err)
	}
	*d = CommandDescription(p)
	return nil
}

// Empty reports whether no program was given.
func (d CommandDescription) Empty() bool {
	return strings.TrimSpace(d.Cmd) == ""
}

// Normalize turns a description plus its arguments into a CommandSpec, filling in terminal defaults.
func (d CommandDescription) Normalize(args []string) CommandSpec {
	spec := CommandSpec{
		Program: d.Cmd,
		Args:    append([]string(nil), args...),
		Env:     map[string]string{},
		Dir:     d.Cwd,
		Term:    d.Term,
		Cols:    DefaultCols,
		Rows:    DefaultRows,
	}
	for k, v := range d.Env {
		spec.Env[k] = v
	}
	if spec.Term == "" {
		spec.Term = DefaultTerm
	}
	if d.Cols > 0 && d.Cols <= 0xffff {
		spec.Cols = uint16(d.Cols)
	}
	if d.Rows > 0 && d.Rows <= 0xffff {
		spec.Rows = uint16(d.Rows)
	}
	return spec
}
