//go:build darwin

package reaper

import (
	"bufio"
	"bytes"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

func newPlatform(logger *log.Logger) (Group, error) {
	return newSweeper(500*time.Millisecond, psAlive, logger), nil
}

// psAlive runs one ps for the whole batch. Pids missing from the output are
// dead.
func psAlive(pids []int) (map[int]bool, error) {
	list := make([]string, len(pids))
	for i, pid := range pids {
		list[i] = strconv.Itoa(pid)
	}
	out, err := exec.Command("ps", "-o", "pid=", "-p", strings.Join(list, ",")).Output()
	// ps exits 1 when none of the pids exist.
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, err
		}
	}
	alive := make(map[int]bool, len(pids))
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if pid, err := strconv.Atoi(strings.TrimSpace(sc.Text())); err == nil {
			alive[pid] = true
		}
	}
	return alive, sc.Err()
}
