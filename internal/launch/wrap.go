package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
	"mvdan.cc/sh/v3/syntax"

	"github.com/manderrow/manderrow/internal/agent"
)

// SteamCommandPlaceholder is replaced by Steam with the game command.
const SteamCommandPlaceholder = "%command%"

// WrapperCommand returns the fixed launch options that make Steam run the
// game through `self wrap`.
func WrapperCommand(self string) (string, error) {
	q, err := syntax.Quote(self, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("cannot quote %q: %w", self, err)
	}
	return q + " wrap " + SteamCommandPlaceholder, nil
}

// MarkerBlock renders args enclosed in the agent markers.
func MarkerBlock(args *agent.Args) []string {
	out := []string{agent.OpenMarker}
	out = append(out, args.Flags()...)
	return append(out, agent.CloseMarker)
}

// preloadVar is the dynamic loader variable that injects the agent.
func preloadVar(goos string) string {
	switch goos {
	case "darwin":
		return "DYLD_INSERT_LIBRARIES"
	case "linux", "freebsd", "netbsd", "openbsd":
		return "LD_PRELOAD"
	}
	return ""
}

// WrapPlan is the child process the wrapper will run.
type WrapPlan struct {
	Argv []string
	Env  []string
}

// PlanWrap builds the child command from the wrapper's argv. The marker
// block is kept at the end of the child argv so the agent sees it.
// Prepend and append instructions are applied here, and the agent library
// is added to the preload variable.
func PlanWrap(argv, environ []string, goos string) (*WrapPlan, error) {
	raw, rest, err := agent.ExtractArgs(argv)
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 {
		return nil, errors.New("no command to wrap")
	}
	args, err := agent.ParseArgs(raw)
	if err != nil {
		return nil, err
	}

	child := []string{rest[0]}
	var tail []string
	for _, in := range args.Instructions {
		switch in.Kind {
		case agent.PrependArg:
			child = append(child, in.Value)
		case agent.AppendArg:
			tail = append(tail, in.Value)
		}
	}
	child = append(child, rest[1:]...)
	child = append(child, tail...)
	if raw != nil {
		child = append(child, MarkerBlock(args)...)
	}

	env := append([]string(nil), environ...)
	if args.Enabled && args.AgentPath != "" {
		if v := preloadVar(goos); v != "" {
			env = prependEnvList(env, v, args.AgentPath, ":")
		}
	}
	return &WrapPlan{Argv: child, Env: env}, nil
}

func prependEnvList(env []string, key, value, sep string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			if cur := kv[len(prefix):]; cur != "" {
				env[i] = prefix + value + sep + cur
			} else {
				env[i] = prefix + value
			}
			return env
		}
	}
	return append(env, prefix+value)
}

// Wrap runs the wrapped command and returns its exit code.
func Wrap(ctx context.Context, argv []string, logger *log.Logger) (int, error) {
	plan, err := PlanWrap(argv, os.Environ(), runtime.GOOS)
	if err != nil {
		return 1, err
	}
	logger.Debug("running wrapped command", "argv", plan.Argv)

	cmd := exec.CommandContext(ctx, plan.Argv[0], plan.Argv[1:]...)
	cmd.Env = plan.Env
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return exit.ExitCode(), nil
		}
		return 1, fmt.Errorf("cannot run %s: %w", plan.Argv[0], err)
	}
	return 0, nil
}
