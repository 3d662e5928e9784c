package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/manderrow/manderrow/internal/ipc"
	"github.com/manderrow/manderrow/internal/launch"
	"github.com/manderrow/manderrow/internal/logging"
	"github.com/manderrow/manderrow/internal/profile"
)

// killGrace is how long a game gets to exit after a soft kill.
const killGrace = 10 * time.Second

var launchCmd = &cobra.Command{
	Use:   "launch <profile>",
	Short: "Launch a game with a profile's mods",
	Long: `Start the profile's game with the Manderrow agent injected and stream
its logs and output until it exits. Interrupting the command asks the game
to exit, then kills it.

Steam games are started through Steam; the first launch may ask to update
the game's Steam launch options.`,
	Args: cobra.ExactArgs(1),
	RunE: runLaunch,
}

var flagLaunchDetach bool

func init() {
	launchCmd.Flags().BoolVar(&flagLaunchDetach, "detach", false, "return once the game is started instead of waiting for it")
	rootCmd.AddCommand(launchCmd)
}

// loaderDir returns where the profile's BepInEx pack is installed, or "".
func loaderDir(p *profile.Profile) string {
	for _, m := range p.Mods {
		if !strings.HasSuffix(m.ID, "-BepInExPack") {
			continue
		}
		dir := p.ModDir(m.ID)
		if st, err := os.Stat(filepath.Join(dir, "BepInExPack")); err == nil && st.IsDir() {
			return filepath.Join(dir, "BepInExPack")
		}
		return dir
	}
	return ""
}

func runLaunch(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	p, err := a.profiles().Find(args[0])
	if err != nil {
		return err
	}
	g, err := a.game(p.Game)
	if err != nil {
		return err
	}
	self, err := selfPath()
	if err != nil {
		return err
	}
	agentPath, err := a.agentPath(self)
	if err != nil {
		return err
	}
	req := launch.Request{
		Game:       g,
		ProfileID:  p.ID,
		ProfileDir: p.Dir(),
		LoaderDir:  loaderDir(p),
		Self:       self,
		AgentPath:  agentPath,
	}
	if g.Loader == "bepinex" && req.LoaderDir == "" {
		printWarn(p.Name, "no BepInExPack installed; the game will start without mods")
	}

	s, err := a.openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	launcher := launch.NewLauncher(s.ctrl, a.steam(), logging.Component(a.logger, "launch"))
	id, err := launcher.Launch(ctx, s.prompts, req)
	if err != nil {
		return err
	}
	printOK(p.Name, fmt.Sprintf("launching %s", g.Name))
	if flagLaunchDetach {
		return nil
	}
	return waitGame(ctx, a, s, id)
}

// waitGame blocks until the agent's connection closes. Cancelling ctx asks
// the game to exit and kills it after killGrace.
func waitGame(ctx context.Context, a *app, s *session, id ipc.ConnectionID) error {
	closed := a.sink.Closed(id)
	select {
	case <-closed:
	case <-ctx.Done():
		printInfo("game", "stopping")
		stop, cancel := context.WithTimeout(context.Background(), killGrace)
		defer cancel()
		if err := s.ctrl.Kill(stop, id, false); err != nil {
			if errors.Is(err, ipc.ErrIncompleteConnection) {
				return ctx.Err()
			}
			a.logger.Warn("cannot ask the game to exit", "err", err)
		}
		select {
		case <-closed:
		case <-stop.Done():
			if err := s.ctrl.Kill(context.Background(), id, true); err != nil {
				return fmt.Errorf("cannot kill the game: %w", err)
			}
			select {
			case <-closed:
			case <-time.After(killGrace):
				return errors.New("game did not exit after being killed")
			}
		}
	}

	code, ok := a.sink.ExitCode(id)
	if !ok || code == nil || *code == 0 {
		return nil
	}
	return &ExitError{Code: int(*code), Err: fmt.Errorf("game exited with code %d", *code)}
}
