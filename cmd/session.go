package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/manderrow/manderrow/internal/ipc"
	"github.com/manderrow/manderrow/internal/launch"
	"github.com/manderrow/manderrow/internal/logging"
	"github.com/manderrow/manderrow/internal/reaper"
)

// session is a running IPC controller plus the in-process connection that
// core operations use to ask the user questions.
type session struct {
	ctrl    *ipc.Controller
	rg      reaper.Group
	prompts *ipc.InProcessConn
}

func (a *app) openSession() (*session, error) {
	rg, err := reaper.New(logging.Component(a.logger, "reaper"))
	if err != nil {
		return nil, fmt.Errorf("cannot start process reaper: %w", err)
	}
	ctrl := ipc.NewController(a.sink, rg, a.cfg.RuntimeDir, logging.Component(a.logger, "ipc"))
	a.sink.setResponder(ctrl.Send)
	prompts, err := ctrl.BindInternal(ctrl.Allocate())
	if err != nil {
		_ = ctrl.Close()
		_ = rg.Close()
		return nil, err
	}
	return &session{ctrl: ctrl, rg: rg, prompts: prompts}, nil
}

func (s *session) Close() error {
	return errors.Join(s.prompts.Close(), s.ctrl.Close(), s.rg.Close())
}

func (a *app) steam() *launch.Steam {
	return launch.NewSteam(a.cfg.SteamDir, logging.Component(a.logger, "steam"))
}

// agentLibName is the file name of the agent library next to the binary.
func agentLibName(goos string) string {
	switch goos {
	case "windows":
		return "manderrow_agent.dll"
	case "darwin":
		return "libmanderrow_agent.dylib"
	}
	return "libmanderrow_agent.so"
}

// agentPath returns the configured agent library or the one shipped next to
// self.
func (a *app) agentPath(self string) (string, error) {
	if a.cfg.AgentPath != "" {
		return a.cfg.AgentPath, nil
	}
	p := filepath.Join(filepath.Dir(self), agentLibName(runtime.GOOS))
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("agent library not found at %s (set agent_path in the config): %w", p, err)
	}
	return p, nil
}

func selfPath() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("cannot locate the manderrow executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(self); err == nil {
		self = resolved
	}
	return self, nil
}
