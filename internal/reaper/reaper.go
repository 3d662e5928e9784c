// Package reaper waits for any of a set of external processes to exit.
//
// Each platform has its own wait-group: pidfds and poll(2) on Linux, a
// batched ps sweep on macOS and WaitForMultipleObjects on Windows. Callers
// only see Group.
package reaper

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Tag identifies a submitted process to the caller.
type Tag = uint64

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("reaper closed")

// Group reports the tags of submitted processes as they exit.
type Group interface {
	// Submit starts watching pid. A process that has already exited is
	// reported promptly.
	Submit(pid int, tag Tag) error
	// Deaths delivers one tag per exited process.
	Deaths() <-chan Tag
	Close() error
}

// New returns the platform wait-group.
func New(logger *log.Logger) (Group, error) {
	if logger == nil {
		logger = log.Default()
	}
	return newPlatform(logger)
}

// sweeper polls a liveness predicate for every watched pid. It backs the
// macOS implementation and the Linux fallback for kernels without pidfd.
type sweeper struct {
	interval time.Duration
	alive    func(pids []int) (map[int]bool, error)
	logger   *log.Logger

	mu     sync.Mutex
	procs  map[int][]Tag
	closed bool

	deaths chan Tag
	wake   chan struct{}
	done   chan struct{}
}

func newSweeper(interval time.Duration, alive func([]int) (map[int]bool, error), logger *log.Logger) *sweeper {
	s := &sweeper{
		interval: interval,
		alive:    alive,
		logger:   logger,
		procs:    make(map[int][]Tag),
		deaths:   make(chan Tag, 64),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *sweeper) Submit(pid int, tag Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.procs[pid] = append(s.procs[pid], tag)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *sweeper) Deaths() <-chan Tag { return s.deaths }

func (s *sweeper) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return nil
}

func (s *sweeper) run() {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		case <-s.wake:
		}

		s.mu.Lock()
		pids := make([]int, 0, len(s.procs))
		for pid := range s.procs {
			pids = append(pids, pid)
		}
		s.mu.Unlock()
		if len(pids) == 0 {
			continue
		}

		alive, err := s.alive(pids)
		if err != nil {
			s.logger.Warn("process sweep failed", "err", err)
			continue
		}

		var dead []Tag
		s.mu.Lock()
		for _, pid := range pids {
			if !alive[pid] {
				dead = append(dead, s.procs[pid]...)
				delete(s.procs, pid)
			}
		}
		s.mu.Unlock()
		for _, tag := range dead {
			select {
			case s.deaths <- tag:
			case <-s.done:
				return
			}
		}
	}
}
