// Package launch prepares the environment for a modded game and starts it.
//
// Steam is told to run every launch through `manderrow wrap %command%`. Each
// launch then passes a marker block with a fresh IPC server name as extra
// game arguments; the wrapper preloads the agent, which connects back to
// the controller.
package launch

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/manderrow/manderrow/internal/agent"
	"github.com/manderrow/manderrow/internal/config"
	"github.com/manderrow/manderrow/internal/ipc"
)

// Request describes one launch.
type Request struct {
	Game       config.Game
	ProfileID  uuid.UUID
	ProfileDir string
	// LoaderDir is where the mod loader is installed. Empty for games
	// without a loader.
	LoaderDir string
	// Self is the controller executable used as the wrapper.
	Self      string
	AgentPath string
}

// Launcher runs the launch sequence.
type Launcher struct {
	ctrl   *ipc.Controller
	store  StoreClient
	logger *log.Logger
}

// NewLauncher returns a Launcher using ctrl for agent connections.
func NewLauncher(ctrl *ipc.Controller, store StoreClient, logger *log.Logger) *Launcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Launcher{ctrl: ctrl, store: store, logger: logger}
}

// Launch prepares the store client and starts the game. Questions for the
// user go over prompts. It returns the connection the agent will use.
func (l *Launcher) Launch(ctx context.Context, prompts ipc.Conn, req Request) (ipc.ConnectionID, error) {
	goos := runtime.GOOS
	if req.Game.WinePrefix != "" {
		goos = "windows"
	}

	if req.Game.SteamAppID != "" {
		cmd, err := WrapperCommand(req.Self)
		if err != nil {
			return 0, err
		}
		if err := EnsureLaunchArgs(ctx, prompts, l.store, req.Game.SteamAppID, cmd); err != nil {
			return 0, fmt.Errorf("cannot set Steam launch options: %w", err)
		}
	}

	if req.Game.WinePrefix != "" && req.Game.ProxyDLL != "" {
		changed, err := EnsureWineDLLOverride(req.Game.WinePrefix, req.Game.ProxyDLL)
		if err != nil {
			return 0, fmt.Errorf("cannot configure Wine DLL override: %w", err)
		}
		if changed {
			l.logger.Info("added Wine DLL override", "dll", req.Game.ProxyDLL, "prefix", req.Game.WinePrefix)
		}
	}

	id := l.ctrl.Allocate()
	name, err := l.ctrl.SpawnExternal(id)
	if err != nil {
		return 0, err
	}

	profileID := req.ProfileID
	args := &agent.Args{
		Enabled:   true,
		AgentPath: req.AgentPath,
		C2STx:     name,
		Game:      req.Game.ID,
		Profile:   &profileID,
	}
	if req.Game.Loader == "bepinex" && req.LoaderDir != "" {
		args.Instructions = BepInExInstructions(Loader{Dir: req.LoaderDir, ProfileDir: req.ProfileDir, GOOS: goos})
	}
	block := MarkerBlock(args)

	if req.Game.SteamAppID != "" {
		err = l.store.RunGame(ctx, req.Game.SteamAppID, block)
	} else {
		err = l.spawnDirect(req, block)
	}
	if err != nil {
		return 0, err
	}
	l.logger.Info("game starting", "game", req.Game.ID, "conn", id)
	return id, nil
}

// spawnDirect runs the wrapper without a store client.
func (l *Launcher) spawnDirect(req Request, block []string) error {
	if req.Game.Executable == "" {
		return fmt.Errorf("game %s has neither a Steam app id nor an executable", req.Game.ID)
	}
	argv := append([]string{"wrap", req.Game.Executable}, block...)
	cmd := exec.Command(req.Self, argv...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start wrapper: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
