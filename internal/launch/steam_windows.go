//go:build windows

package launch

import (
	"context"
	"encoding/csv"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

func findSteamProcesses(ctx context.Context) ([]int, error) {
	out, err := exec.CommandContext(ctx, "tasklist", "/FI", "IMAGENAME eq steam.exe", "/FO", "CSV", "/NH").Output()
	if err != nil {
		return nil, err
	}
	records, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	if err != nil {
		// tasklist prints a plain message when nothing matches.
		return nil, nil
	}
	var pids []int
	for _, r := range records {
		if len(r) < 2 || !strings.EqualFold(r[0], "steam.exe") {
			continue
		}
		if pid, err := strconv.Atoi(r[1]); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func terminate(p *os.Process) error { return p.Kill() }
