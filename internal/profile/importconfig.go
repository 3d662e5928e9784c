package profile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/manderrow/manderrow/internal/installer"
)

// junkPatterns are never imported.
var junkPatterns = []string{".DS_Store", "Thumbs.db", "desktop.ini", "*.tmp", "*.bak", "*~"}

// ImportConflict records an incoming file that differed from the profile's.
type ImportConflict struct {
	Existing string
	Incoming string // where the incoming version was written
}

// ImportResult summarises ImportConfig.
type ImportResult struct {
	Imported  int
	Skipped   int // identical files already present
	Conflicts []ImportConflict
}

// ImportConfig copies the mod configuration under src (typically another
// install's BepInEx/config) into the profile's config directory. A file that
// exists with different content is kept, and the incoming version is stored
// next to it with an ".imported" infix.
func ImportConfig(ctx context.Context, p *Profile, src string) (*ImportResult, error) {
	st, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", src)
	}
	dstDir := p.ConfigDir()
	res := &ImportResult{}
	err = filepath.WalkDir(src, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == src {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if isJunk(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		dst := filepath.Join(dstDir, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		if _, err := os.Lstat(dst); err == nil {
			same, err := sameContent(path, dst)
			if err != nil {
				return err
			}
			if same {
				res.Skipped++
				return nil
			}
			incoming := conflictPath(dst)
			if err := copyFile(path, incoming); err != nil {
				return fmt.Errorf("cannot copy %s to %s: %w", path, incoming, err)
			}
			res.Conflicts = append(res.Conflicts, ImportConflict{Existing: dst, Incoming: incoming})
			res.Imported++
			return nil
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := copyFile(path, dst); err != nil {
			return fmt.Errorf("cannot copy %s to %s: %w", path, dst, err)
		}
		res.Imported++
		return nil
	})
	return res, err
}

// conflictPath inserts ".imported" before the final extension:
// BepInEx.cfg becomes BepInEx.imported.cfg.
func conflictPath(original string) string {
	ext := filepath.Ext(original)
	return strings.TrimSuffix(original, ext) + ".imported" + ext
}

func isJunk(rel string) bool {
	name := filepath.Base(rel)
	for _, pattern := range junkPatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func sameContent(a, b string) (bool, error) {
	ha, err := installer.HashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := installer.HashFile(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
