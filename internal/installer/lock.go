package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 100 * time.Millisecond

// lockPath returns the cooperative lock file guarding target. It lives next
// to the target so the target itself can be renamed while the lock is held.
func lockPath(target string) string {
	return filepath.Clean(target) + ".~lock"
}

// lockTarget takes the advisory lock for target: shared for readers,
// exclusive for writers. It blocks until the lock is acquired or ctx ends.
func lockTarget(ctx context.Context, target string, exclusive bool) (func(), error) {
	path := lockPath(target)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ioErr("create", filepath.Dir(path), err)
	}
	l := flock.New(path)
	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = l.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = l.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot lock %s: %w", target, err)
	}
	if !locked {
		return nil, fmt.Errorf("cannot lock %s: %w", target, context.Cause(ctx))
	}
	return func() { _ = l.Unlock() }, nil
}
