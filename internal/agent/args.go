package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Markers delimiting the agent's own arguments inside the game's argv.
const (
	OpenMarker  = "{manderrow"
	CloseMarker = "manderrow}"
)

// ErrUnbalancedArgumentDelimiters is returned for nested, unopened or
// unterminated marker blocks.
var ErrUnbalancedArgumentDelimiters = errors.New("unbalanced argument delimiters")

// DuplicateOptionError reports a non-repeatable option given twice.
type DuplicateOptionError struct{ Option string }

func (e *DuplicateOptionError) Error() string { return "duplicate option " + e.Option }

// MissingRequiredOptionError reports an absent mandatory option.
type MissingRequiredOptionError struct{ Option string }

func (e *MissingRequiredOptionError) Error() string { return "missing required option " + e.Option }

// MissingValueError reports an option given without its value.
type MissingValueError struct{ Option string }

func (e *MissingValueError) Error() string { return "option " + e.Option + " requires a value" }

// UnknownOptionError reports an unrecognised argument.
type UnknownOptionError struct{ Arg string }

func (e *UnknownOptionError) Error() string { return fmt.Sprintf("unknown option %q", e.Arg) }

// InvalidSetVarError reports a malformed --insn-set-var value.
type InvalidSetVarError struct {
	Arg    string
	Reason string
}

func (e *InvalidSetVarError) Error() string {
	return fmt.Sprintf("invalid --insn-set-var %q: %s", e.Arg, e.Reason)
}

// ExtractArgs splits argv into the tokens between marker pairs and the
// remaining arguments. Several blocks are allowed; nesting is not.
func ExtractArgs(argv []string) (agentArgs, rest []string, err error) {
	open := false
	for _, a := range argv {
		switch a {
		case OpenMarker:
			if open {
				return nil, nil, ErrUnbalancedArgumentDelimiters
			}
			open = true
		case CloseMarker:
			if !open {
				return nil, nil, ErrUnbalancedArgumentDelimiters
			}
			open = false
		default:
			if open {
				agentArgs = append(agentArgs, a)
			} else {
				rest = append(rest, a)
			}
		}
	}
	if open {
		return nil, nil, ErrUnbalancedArgumentDelimiters
	}
	return agentArgs, rest, nil
}

// InstructionKind selects what an Instruction does.
type InstructionKind int

const (
	LoadLibrary InstructionKind = iota
	SetVar
	PrependArg
	AppendArg
)

// Instruction is one step executed by the agent or the wrapper, in order.
type Instruction struct {
	Kind InstructionKind
	// Path for LoadLibrary, the argument for PrependArg and AppendArg.
	Value string
	// Key and Value for SetVar.
	Key string
}

// Flags renders the instruction as wrapper arguments.
func (in Instruction) Flags() []string {
	switch in.Kind {
	case LoadLibrary:
		return []string{"--insn-load-library", in.Value}
	case SetVar:
		return []string{"--insn-set-var", in.Key + "=" + in.Value}
	case PrependArg:
		return []string{"--insn-prepend-arg", in.Value}
	default:
		return []string{"--insn-append-arg", in.Value}
	}
}

// Args are the parsed agent arguments.
type Args struct {
	Enabled      bool
	C2STx        string
	Game         string
	Profile      *uuid.UUID
	AgentPath    string
	Instructions []Instruction
}

// Flags renders a as the tokens of a marker block, without the markers.
func (a *Args) Flags() []string {
	var out []string
	if a.Enabled {
		out = append(out, "--enable")
	}
	if a.AgentPath != "" {
		out = append(out, "--agent-path", a.AgentPath)
	}
	if a.C2STx != "" {
		out = append(out, "--c2s-tx", a.C2STx)
	}
	if a.Game != "" {
		out = append(out, "--game", a.Game)
	}
	if a.Profile != nil {
		out = append(out, "--profile", a.Profile.String())
	}
	for _, in := range a.Instructions {
		out = append(out, in.Flags()...)
	}
	return out
}

// ParseArgs parses the tokens returned by ExtractArgs. --game is required
// once --enable is present.
func ParseArgs(args []string) (*Args, error) {
	out := &Args{}
	seen := make(map[string]bool)
	once := func(opt string) error {
		if seen[opt] {
			return &DuplicateOptionError{Option: opt}
		}
		seen[opt] = true
		return nil
	}

	for i := 0; i < len(args); i++ {
		opt := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", &MissingValueError{Option: opt}
			}
			i++
			return args[i], nil
		}

		switch opt {
		case "--enable":
			if err := once(opt); err != nil {
				return nil, err
			}
			out.Enabled = true
		case "--c2s-tx", "--game", "--profile", "--agent-path":
			if err := once(opt); err != nil {
				return nil, err
			}
			v, err := value()
			if err != nil {
				return nil, err
			}
			switch opt {
			case "--c2s-tx":
				out.C2STx = v
			case "--game":
				out.Game = v
			case "--agent-path":
				out.AgentPath = v
			case "--profile":
				if len(v) != 36 {
					return nil, fmt.Errorf("invalid --profile %q: expected 36 characters", v)
				}
				id, err := uuid.Parse(v)
				if err != nil {
					return nil, fmt.Errorf("invalid --profile %q: %w", v, err)
				}
				out.Profile = &id
			}
		case "--insn-load-library", "--insn-prepend-arg", "--insn-append-arg":
			v, err := value()
			if err != nil {
				return nil, err
			}
			kind := LoadLibrary
			if opt == "--insn-prepend-arg" {
				kind = PrependArg
			} else if opt == "--insn-append-arg" {
				kind = AppendArg
			}
			out.Instructions = append(out.Instructions, Instruction{Kind: kind, Value: v})
		case "--insn-set-var":
			v, err := value()
			if err != nil {
				return nil, err
			}
			in, err := parseSetVar(v)
			if err != nil {
				return nil, err
			}
			out.Instructions = append(out.Instructions, in)
		default:
			return nil, &UnknownOptionError{Arg: opt}
		}
	}

	if out.Enabled && out.Game == "" {
		return nil, &MissingRequiredOptionError{Option: "--game"}
	}
	return out, nil
}

// parseSetVar splits KEY=VALUE at the first '=' byte.
func parseSetVar(s string) (Instruction, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return Instruction{}, &InvalidSetVarError{Arg: s, Reason: "contains NUL"}
	}
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return Instruction{}, &InvalidSetVarError{Arg: s, Reason: "missing '='"}
	}
	if eq == 0 {
		return Instruction{}, &InvalidSetVarError{Arg: s, Reason: "empty name"}
	}
	return Instruction{Kind: SetVar, Key: s[:eq], Value: s[eq+1:]}, nil
}
