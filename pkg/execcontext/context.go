// Package execcontext carries the environment and command prefix applied to the commands a
// delegate runs, locally or over SSH.
package execcontext

import (
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: slices.Clone(prependCmd),
		envs:       maps.Clone(envs),
	}
}

// With returns a copy of ctx whose environment is extended with envs. Keys of envs take
// precedence.
func With(ctx Context, envs map[string]string) Context {
	merged := ctx.Envs()
	if merged == nil {
		merged = make(map[string]string, len(envs))
	}

	maps.Copy(merged, envs)

	return &context{
		prependCmd: ctx.PrependCmd(),
		envs:       merged,
	}
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

func (c *context) Envs() map[string]string {
	return maps.Clone(c.envs)
}

func (c *context) PrependCmd() []string {
	return slices.Clone(c.prependCmd)
}

// ApplyToCmd appends the environment of ctx to cmd and prefixes cmd with the prepend command.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	for _, k := range sortedKeys(ctx.Envs()) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, ctx.Envs()[k]))
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// FormatCmd renders cmd as a single shell command line: environment assignments sorted by
// key, then the prepend command, then cmd. Arguments are quoted except shell operators.
func FormatCmd(ctx Context, cmd ...string) string {
	var b strings.Builder

	envs := ctx.Envs()
	for _, k := range sortedKeys(envs) {
		fmt.Fprintf(&b, "%s=%q ", k, envs[k])
	}

	for _, s := range ctx.PrependCmd() {
		appendToCmd(&b, s)
	}

	for _, s := range cmd {
		appendToCmd(&b, s)
	}

	return strings.TrimSpace(b.String())
}

var unquotable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	"&":  {},
}

func appendToCmd(b *strings.Builder, s string) {
	if _, ok := unquotable[s]; ok {
		fmt.Fprintf(b, "%s ", s)
		return
	}

	fmt.Fprintf(b, "%q ", s)
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
