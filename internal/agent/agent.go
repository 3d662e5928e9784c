// Package agent is the code that runs inside the game process.
//
// The shared library built from cmd/manderrow-agent calls Init as early as
// possible. Init reads its arguments from the marker block in the process
// argv, connects to the controller, executes its instructions and starts
// forwarding logs and output. Without a block, or without --enable, the
// agent stays dormant.
//
// The IPC connection is a process-wide singleton: it is set once by Init
// and closed by Shutdown, which the library calls from its exit hook.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/manderrow/manderrow/internal/ipc"
)

// ErrIPCAlreadySet is returned when a second connection is installed.
var ErrIPCAlreadySet = errors.New("agent IPC connection is already set")

var (
	ipcMu   sync.RWMutex
	ipcConn ipc.Conn
)

// exitFunc terminates the process. Tests replace it.
var exitFunc = os.Exit

func setIPC(c ipc.Conn) error {
	ipcMu.Lock()
	defer ipcMu.Unlock()
	if ipcConn != nil {
		return ErrIPCAlreadySet
	}
	ipcConn = c
	return nil
}

func currentIPC() ipc.Conn {
	ipcMu.RLock()
	defer ipcMu.RUnlock()
	return ipcConn
}

func takeIPC() ipc.Conn {
	ipcMu.Lock()
	defer ipcMu.Unlock()
	c := ipcConn
	ipcConn = nil
	return c
}

// Agent is a running agent.
type Agent struct {
	Args   *Args
	logger *log.Logger
}

// Init starts the agent for argv. It returns nil without error when the
// agent is dormant.
func Init(ctx context.Context, argv []string) (*Agent, error) {
	raw, _, err := ExtractArgs(argv)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	args, err := ParseArgs(raw)
	if err != nil {
		return nil, err
	}
	if !args.Enabled {
		return nil, nil
	}

	installCrashOutput()

	writer := &ipcLogWriter{conn: currentIPC, fallback: os.Stderr}
	a := &Agent{Args: args, logger: newAgentLogger(writer)}

	if args.C2STx != "" {
		conn, err := ipc.Dial(ctx, args.C2STx, filepath.Dir(args.C2STx))
		if err != nil {
			return nil, fmt.Errorf("cannot connect to controller: %w", err)
		}
		if err := setIPC(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	a.logger.Info("agent started", "game", args.Game, "pid", os.Getpid())

	if err := a.runInstructions(); err != nil {
		return a, err
	}

	if conn := currentIPC(); conn != nil {
		if err := conn.Send(ctx, &ipc.Started{PID: uint32(os.Getpid())}); err != nil {
			a.logger.Warn("cannot report start", "err", err)
		}
		go killer(context.Background(), conn, a.logger)
		a.forwardStdio()
	}
	return a, nil
}

func (a *Agent) runInstructions() error {
	for _, in := range a.Args.Instructions {
		switch in.Kind {
		case LoadLibrary:
			if err := loadLibrary(in.Value); err != nil {
				return err
			}
			a.logger.Debug("loaded library", "path", in.Value)
		case SetVar:
			if err := os.Setenv(in.Key, in.Value); err != nil {
				return fmt.Errorf("cannot set %s: %w", in.Key, err)
			}
		case PrependArg, AppendArg:
			// The wrapper applies argv changes before the game starts.
			a.logger.Debug("argument instruction handled by wrapper", "arg", in.Value)
		}
	}
	return nil
}

func (a *Agent) forwardStdio() {
	for _, c := range []struct {
		ch      ipc.Channel
		capture func() (*os.File, *os.File, error)
	}{
		{ipc.Stdout, captureStdout},
		{ipc.Stderr, captureStderr},
	} {
		r, orig, err := c.capture()
		if err != nil {
			a.logger.Warn("cannot capture output", "channel", c.ch, "err", err)
			continue
		}
		go forwardLines(r, orig, c.ch, currentIPC)
	}
}

// killer exits the process when the controller sends Kill.
func killer(ctx context.Context, conn ipc.Conn, logger *log.Logger) {
	defer RecoverCrash()
	for {
		m, err := conn.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, ipc.ErrConnectionClosed) {
				logger.Debug("controller channel closed", "err", err)
			}
			return
		}
		if _, ok := m.(*ipc.Kill); ok {
			logger.Info("killed by controller")
			exitFunc(1)
			return
		}
	}
}

// Shutdown reports the exit code, if known, and closes the connection.
func Shutdown(code *int32) {
	conn := takeIPC()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	_ = conn.Send(ctx, &ipc.Exit{Code: code})
	_ = conn.Close()
}
