//go:build !windows

package reaper

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manderrow/manderrow/internal/logging"
)

func waitTag(t *testing.T, g Group) Tag {
	t.Helper()
	select {
	case tag := <-g.Deaths():
		return tag
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for death")
		return 0
	}
}

func TestGroup_ReportsExit(t *testing.T) {
	g, err := New(logging.Discard())
	require.NoError(t, err)
	defer g.Close()

	long := exec.Command("sleep", "30")
	require.NoError(t, long.Start())
	short := exec.Command("sleep", "30")
	require.NoError(t, short.Start())
	defer func() {
		_ = long.Process.Kill()
		_ = long.Wait()
	}()

	require.NoError(t, g.Submit(long.Process.Pid, 1))
	require.NoError(t, g.Submit(short.Process.Pid, 2))

	require.NoError(t, short.Process.Kill())
	assert.Equal(t, Tag(2), waitTag(t, g))
	_ = short.Wait()

	select {
	case tag := <-g.Deaths():
		t.Fatalf("unexpected death of %d", tag)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestGroup_AlreadyExited(t *testing.T) {
	g, err := New(logging.Discard())
	require.NoError(t, err)
	defer g.Close()

	c := exec.Command("true")
	require.NoError(t, c.Run())
	require.NoError(t, g.Submit(c.Process.Pid, 7))
	assert.Equal(t, Tag(7), waitTag(t, g))
}

func TestSweeper(t *testing.T) {
	alive := map[int]bool{10: true, 11: true}
	ch := make(chan map[int]bool, 1)
	ch <- alive
	s := newSweeper(10*time.Millisecond, func(pids []int) (map[int]bool, error) {
		select {
		case m := <-ch:
			alive = m
		default:
		}
		out := map[int]bool{}
		for _, p := range pids {
			out[p] = alive[p]
		}
		return out, nil
	}, logging.Discard())
	defer s.Close()

	require.NoError(t, s.Submit(10, 100))
	require.NoError(t, s.Submit(11, 110))
	ch <- map[int]bool{10: true}
	assert.Equal(t, Tag(110), waitTag(t, s))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Submit(12, 120), ErrClosed)
}
