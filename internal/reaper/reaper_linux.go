//go:build linux

package reaper

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

func newPlatform(logger *log.Logger) (Group, error) {
	// Probe with our own pid; ENOSYS means the kernel predates pidfd.
	fd, err := unix.PidfdOpen(unix.Getpid(), 0)
	if errors.Is(err, unix.ENOSYS) {
		logger.Debug("pidfd unavailable, sweeping with kill(0)")
		return newSweeper(250*time.Millisecond, killZeroAlive, logger), nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot open pidfd: %w", err)
	}
	_ = unix.Close(fd)
	return newPidfdGroup(logger)
}

func killZeroAlive(pids []int) (map[int]bool, error) {
	out := make(map[int]bool, len(pids))
	for _, pid := range pids {
		err := unix.Kill(pid, 0)
		out[pid] = err == nil || errors.Is(err, unix.EPERM)
	}
	return out, nil
}

// pidfdGroup polls one pidfd per process plus a pipe used to interrupt the
// poll when the set changes.
type pidfdGroup struct {
	logger *log.Logger

	// mu guards the wake pipe as well: it is written and closed only while
	// held, and never after stopped is set.
	mu      sync.Mutex
	pending []watched
	closed  bool
	stopped bool

	wakeR, wakeW int
	deaths       chan Tag
	done         chan struct{}
	exited       chan struct{}
}

type watched struct {
	fd  int
	tag Tag
}

func newPidfdGroup(logger *log.Logger) (*pidfdGroup, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("cannot create wake pipe: %w", err)
	}
	g := &pidfdGroup{
		logger: logger,
		wakeR:  p[0],
		wakeW:  p[1],
		deaths: make(chan Tag, 64),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go g.run()
	return g, nil
}

func (g *pidfdGroup) Submit(pid int, tag Tag) error {
	fd, err := unix.PidfdOpen(pid, 0)
	if errors.Is(err, unix.ESRCH) {
		// Already gone.
		go func() {
			select {
			case g.deaths <- tag:
			case <-g.done:
			}
		}()
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot watch pid %d: %w", pid, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.stopped {
		_ = unix.Close(fd)
		return ErrClosed
	}
	g.pending = append(g.pending, watched{fd: fd, tag: tag})
	g.wakeLocked()
	return nil
}

func (g *pidfdGroup) wakeLocked() {
	if !g.stopped {
		_, _ = unix.Write(g.wakeW, []byte{0})
	}
}

func (g *pidfdGroup) Deaths() <-chan Tag { return g.deaths }

func (g *pidfdGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.wakeLocked()
	g.mu.Unlock()
	close(g.done)
	return nil
}

func (g *pidfdGroup) run() {
	var procs []watched
	defer func() {
		g.mu.Lock()
		g.stopped = true
		procs = append(procs, g.pending...)
		g.pending = nil
		_ = unix.Close(g.wakeR)
		_ = unix.Close(g.wakeW)
		g.mu.Unlock()
		for _, w := range procs {
			_ = unix.Close(w.fd)
		}
		close(g.exited)
	}()

	buf := make([]byte, 64)
	for {
		g.mu.Lock()
		procs = append(procs, g.pending...)
		g.pending = nil
		closed := g.closed
		g.mu.Unlock()
		if closed {
			return
		}

		fds := make([]unix.PollFd, 0, len(procs)+1)
		fds = append(fds, unix.PollFd{Fd: int32(g.wakeR), Events: unix.POLLIN})
		for _, w := range procs {
			fds = append(fds, unix.PollFd{Fd: int32(w.fd), Events: unix.POLLIN})
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			g.logger.Error("poll failed", "err", err)
			return
		}
		if fds[0].Revents != 0 {
			for {
				if n, err := unix.Read(g.wakeR, buf); n <= 0 || err != nil {
					break
				}
			}
		}

		alive := procs[:0]
		var dead []Tag
		for i, w := range procs {
			if fds[i+1].Revents != 0 {
				_ = unix.Close(w.fd)
				dead = append(dead, w.tag)
				continue
			}
			alive = append(alive, w)
		}
		procs = alive
		for _, tag := range dead {
			select {
			case g.deaths <- tag:
			case <-g.done:
				return
			}
		}
	}
}
