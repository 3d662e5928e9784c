package launch

import (
	"path/filepath"

	"github.com/manderrow/manderrow/internal/agent"
)

// Loader describes where a mod loader was installed for a profile.
type Loader struct {
	// Dir is the loader installation, containing BepInEx/ and the
	// doorstop library.
	Dir string
	// ProfileDir is the profile whose plugins and config are used.
	ProfileDir string
	// GOOS of the game binary; "windows" for Wine/Proton targets.
	GOOS string
}

// BepInExInstructions returns the agent instructions that start BepInEx
// through Unity Doorstop.
func BepInExInstructions(l Loader) []agent.Instruction {
	preloader := filepath.Join(l.Dir, "BepInEx", "core", "BepInEx.Preloader.dll")
	set := func(k, v string) agent.Instruction { return agent.Instruction{Kind: agent.SetVar, Key: k, Value: v} }
	insns := []agent.Instruction{
		set("DOORSTOP_ENABLED", "1"),
		set("DOORSTOP_ENABLE", "TRUE"),
		set("DOORSTOP_TARGET_ASSEMBLY", preloader),
		set("DOORSTOP_INVOKE", "TRUE"),
		set("BEPINEX_CONFIGS", filepath.Join(l.ProfileDir, "config")),
		set("BEPINEX_PLUGINS", filepath.Join(l.ProfileDir, "mods")),
		set("BEPINEX_PATCHER_PLUGINS", filepath.Join(l.ProfileDir, "patchers")),
	}
	switch l.GOOS {
	case "linux":
		insns = append(insns, agent.Instruction{Kind: agent.LoadLibrary, Value: filepath.Join(l.Dir, "libdoorstop.so")})
	case "darwin":
		insns = append(insns, agent.Instruction{Kind: agent.LoadLibrary, Value: filepath.Join(l.Dir, "libdoorstop.dylib")})
	default:
		// The proxy DLL is picked up by the game itself; doorstop 4 reads
		// its settings from the command line.
		insns = append(insns,
			agent.Instruction{Kind: agent.AppendArg, Value: "--doorstop-enabled"},
			agent.Instruction{Kind: agent.AppendArg, Value: "true"},
			agent.Instruction{Kind: agent.AppendArg, Value: "--doorstop-target-assembly"},
			agent.Instruction{Kind: agent.AppendArg, Value: preloader},
		)
	}
	return insns
}
