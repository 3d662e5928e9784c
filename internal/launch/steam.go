package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/charmbracelet/log"

	"github.com/manderrow/manderrow/internal/reaper"
)

// shutdownGrace is how long Steam gets to exit before it is killed.
const shutdownGrace = 20 * time.Second

// StoreClient is the game store the orchestrator cooperates with.
type StoreClient interface {
	// LocalConfigs lists the per-user configuration files.
	LocalConfigs() ([]string, error)
	// Shutdown stops the client so its configuration can be rewritten.
	Shutdown(ctx context.Context) error
	// RunGame asks the client to start appID with extra arguments.
	RunGame(ctx context.Context, appID string, args []string) error
}

// Steam is the Steam client installed in Dir.
type Steam struct {
	Dir    string
	logger *log.Logger
}

// NewSteam returns the client rooted at dir.
func NewSteam(dir string, logger *log.Logger) *Steam {
	if logger == nil {
		logger = log.Default()
	}
	return &Steam{Dir: dir, logger: logger}
}

// LocalConfigs returns userdata/*/config/localconfig.vdf.
func (s *Steam) LocalConfigs() ([]string, error) {
	if s.Dir == "" {
		return nil, fmt.Errorf("steam directory is not configured")
	}
	matches, err := filepath.Glob(filepath.Join(s.Dir, "userdata", "*", "config", "localconfig.vdf"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no Steam user configuration found in %s", s.Dir)
	}
	return matches, nil
}

// Shutdown asks every Steam process to exit and waits for them, killing
// the ones that outlive shutdownGrace.
func (s *Steam) Shutdown(ctx context.Context) error {
	pids, err := findSteamProcesses(ctx)
	if err != nil {
		return fmt.Errorf("cannot list Steam processes: %w", err)
	}
	if len(pids) == 0 {
		return nil
	}

	rg, err := reaper.New(s.logger)
	if err != nil {
		return err
	}
	defer rg.Close()

	pending := make(map[reaper.Tag]int, len(pids))
	for _, pid := range pids {
		if err := rg.Submit(pid, reaper.Tag(pid)); err != nil {
			return err
		}
		pending[reaper.Tag(pid)] = pid
		if p, err := os.FindProcess(pid); err == nil {
			if err := terminate(p); err != nil {
				s.logger.Debug("cannot signal Steam", "pid", pid, "err", err)
			}
		}
	}
	s.logger.Info("waiting for Steam to exit", "processes", len(pids))

	grace := time.NewTimer(shutdownGrace)
	defer grace.Stop()
	for len(pending) > 0 {
		select {
		case tag := <-rg.Deaths():
			delete(pending, tag)
		case <-grace.C:
			for _, pid := range pending {
				if p, err := os.FindProcess(pid); err == nil {
					_ = p.Kill()
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RunGame starts appID through the Steam client without waiting for it.
func (s *Steam) RunGame(ctx context.Context, appID string, args []string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command(filepath.Join(s.Dir, "steam.exe"), append([]string{"-applaunch", appID}, args...)...)
	case "darwin":
		cmd = exec.Command("open", append([]string{"-a", "Steam", "--args", "-applaunch", appID}, args...)...)
	default:
		cmd = exec.Command("steam", append([]string{"-applaunch", appID}, args...)...)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start Steam: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
