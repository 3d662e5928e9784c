package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manderrow/manderrow/internal/ipc"
	"github.com/manderrow/manderrow/internal/report"
	"github.com/manderrow/manderrow/internal/vdf"
)

// ApplyResult says what applying launch options did, or would do.
type ApplyResult int

const (
	Unchanged ApplyResult = iota
	Applied
	Overwrote
)

func (r ApplyResult) String() string {
	switch r {
	case Unchanged:
		return "unchanged"
	case Applied:
		return "applied"
	default:
		return "overwrote"
	}
}

// ErrGameNotFound is returned when no user configuration knows the game.
var ErrGameNotFound = errors.New("game not found in any Steam user configuration")

var appsPath = []string{"UserLocalConfigStore", "Software", "Valve", "Steam", "apps"}

// ApplyLaunchArgs sets the launch options of appID to args in every config.
// With dryRun nothing is written. Without overwriteOK, configs holding
// other non-empty options are reported as Overwrote and left alone. The
// result is the strongest change across all configs.
func ApplyLaunchArgs(ctx context.Context, configs []string, appID, args string, overwriteOK, dryRun bool) (ApplyResult, error) {
	result := Unchanged
	found := false
	for _, path := range configs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		r, ok, err := applyOne(path, appID, args, overwriteOK, dryRun)
		if err != nil {
			return result, err
		}
		if ok {
			found = true
			result = max(result, r)
		}
	}
	if !found {
		return result, fmt.Errorf("%w: app %s", ErrGameNotFound, appID)
	}
	return result, nil
}

func applyOne(path, appID, args string, overwriteOK, dryRun bool) (ApplyResult, bool, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Unchanged, false, fmt.Errorf("cannot read %s: %w", path, err)
	}
	root, err := vdf.Parse(src)
	if err != nil {
		return Unchanged, false, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	app := root.Lookup(append(appsPath, appID)...)
	if app == nil || !app.IsObject {
		return Unchanged, false, nil
	}

	var (
		result ApplyResult
		out    []byte
	)
	if opts := app.Child("LaunchOptions"); opts != nil && !opts.IsObject {
		switch opts.Value {
		case args:
			return Unchanged, true, nil
		case "":
			result = Applied
		default:
			result = Overwrote
		}
		if dryRun || (result == Overwrote && !overwriteOK) {
			return result, true, nil
		}
		out, err = vdf.SetValue(src, opts, args)
	} else {
		result = Applied
		if dryRun {
			return result, true, nil
		}
		out, err = vdf.InsertValue(src, app, "LaunchOptions", args)
	}
	if err != nil {
		return result, true, err
	}
	if err := replaceFile(path, out); err != nil {
		return result, true, err
	}
	return result, true, nil
}

// replaceFile writes data to a temporary sibling and renames it over path.
func replaceFile(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("cannot create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("cannot write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("cannot sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("cannot replace %s: %w", path, err)
	}
	return nil
}

// LaunchArgsFix is the user's answer to the launch options prompt.
type LaunchArgsFix string

const (
	FixApply LaunchArgsFix = "Apply"
	FixRetry LaunchArgsFix = "Retry"
	FixAbort LaunchArgsFix = "Abort"
)

// EnsureLaunchArgs makes the store client's launch options for appID equal
// args. When a change is needed the user is asked over conn: Apply shuts
// the client down and writes, Retry checks again and Abort fails with
// report.ErrAborted.
func EnsureLaunchArgs(ctx context.Context, conn ipc.Conn, store StoreClient, appID, args string) error {
	for {
		configs, err := store.LocalConfigs()
		if err != nil {
			return err
		}
		res, err := ApplyLaunchArgs(ctx, configs, appID, args, true, true)
		if err != nil {
			return err
		}
		if res == Unchanged {
			return nil
		}

		choice, err := ipc.Prompt(ctx, conn, "launch.steam_launch_options", nil,
			map[string]string{"app_id": appID, "launch_options": args, "change": res.String()},
			[]ipc.Fix[LaunchArgsFix]{
				{ID: FixApply, Label: ipc.Label("Close Steam and apply"), ConfirmLabel: ipc.Label("Steam will be closed")},
				{ID: FixRetry, Label: ipc.Label("I changed it myself, check again")},
				{ID: FixAbort, Label: ipc.Label("Cancel launch")},
			})
		if err != nil {
			return err
		}
		switch choice {
		case FixApply:
			if err := store.Shutdown(ctx); err != nil {
				return fmt.Errorf("cannot stop Steam: %w", err)
			}
			if _, err := ApplyLaunchArgs(ctx, configs, appID, args, true, false); err != nil {
				return err
			}
			return nil
		case FixRetry:
			continue
		case FixAbort:
			return report.ErrAborted
		default:
			return fmt.Errorf("unexpected choice %q", choice)
		}
	}
}
