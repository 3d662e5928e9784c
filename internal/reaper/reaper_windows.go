//go:build windows

package reaper

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/windows"
)

// maxWaitObjects is MAXIMUM_WAIT_OBJECTS; one slot is kept for the notify
// event.
const maxWaitObjects = 64

// chunkWaitMillis bounds each wait when the handle list has to be split.
const chunkWaitMillis = 50

func newPlatform(logger *log.Logger) (Group, error) {
	ev, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create notify event: %w", err)
	}
	g := &handleGroup{
		logger: logger,
		notify: ev,
		deaths: make(chan Tag, 64),
		done:   make(chan struct{}),
	}
	go g.run()
	return g, nil
}

type handleGroup struct {
	logger *log.Logger
	notify windows.Handle

	mu      sync.Mutex
	pending []watched
	closed  bool

	deaths chan Tag
	done   chan struct{}
}

type watched struct {
	h   windows.Handle
	tag Tag
}

func (g *handleGroup) Submit(pid int, tag Tag) error {
	h, err := windows.OpenProcess(windows.SYNCHRONIZE, false, uint32(pid))
	if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
		// No such process.
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
	if g.closed {
		g.mu.Unlock()
		_ = windows.CloseHandle(h)
		return ErrClosed
	}
	g.pending = append(g.pending, watched{h: h, tag: tag})
	g.mu.Unlock()
	return windows.SetEvent(g.notify)
}

func (g *handleGroup) Deaths() <-chan Tag { return g.deaths }

func (g *handleGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	close(g.done)
	return windows.SetEvent(g.notify)
}

func (g *handleGroup) run() {
	var procs []watched
	defer func() {
		for _, w := range procs {
			_ = windows.CloseHandle(w.h)
		}
		_ = windows.CloseHandle(g.notify)
	}()

	for {
		g.mu.Lock()
		procs = append(procs, g.pending...)
		g.pending = nil
		closed := g.closed
		g.mu.Unlock()
		if closed {
			return
		}

		// With a single chunk the wait is indefinite; otherwise every chunk
		// is waited on briefly in turn.
		per := maxWaitObjects - 1
		timeout := uint32(windows.INFINITE)
		if len(procs) > per {
			timeout = chunkWaitMillis
		}
		var dead []int
	chunks:
		for start := 0; start == 0 || start < len(procs); start += per {
			end := min(start+per, len(procs))
			handles := make([]windows.Handle, 0, end-start+1)
			handles = append(handles, g.notify)
			for _, w := range procs[start:end] {
				handles = append(handles, w.h)
			}
			ev, err := windows.WaitForMultipleObjects(handles, false, timeout)
			if err != nil {
				g.logger.Error("wait failed", "err", err)
				return
			}
			switch {
			case ev == windows.WAIT_OBJECT_0:
				// Set changed; rebuild the handle list.
				break chunks
			case ev == uint32(windows.WAIT_TIMEOUT):
			case ev > windows.WAIT_OBJECT_0 && int(ev-windows.WAIT_OBJECT_0) < len(handles):
				dead = append(dead, start+int(ev-windows.WAIT_OBJECT_0)-1)
			}
		}

		if len(dead) == 0 {
			continue
		}
		var tags []Tag
		alive := make([]watched, 0, len(procs))
		for i, w := range procs {
			if containsInt(dead, i) {
				_ = windows.CloseHandle(w.h)
				tags = append(tags, w.tag)
				continue
			}
			alive = append(alive, w)
		}
		procs = alive
		for _, tag := range tags {
			select {
			case g.deaths <- tag:
			case <-g.done:
				return
			}
		}
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
