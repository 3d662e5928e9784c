// Package installer installs zip packages into directories atomically and
// tracks what it installed so user modifications survive updates and
// uninstalls.
package installer

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/manderrow/manderrow/internal/installer/cache"
	"github.com/manderrow/manderrow/internal/tasks"
)

// Request describes one package installation.
type Request struct {
	URL    string
	Hash   string // optional hex BLAKE3 of the artifact
	Target string
}

// Installer installs packages using an artifact cache.
type Installer struct {
	cache  *cache.Cache
	logger *log.Logger

	// beforeSwap runs after the new tree is staged and before it replaces
	// the target.
	beforeSwap func(staged string) error
}

// New creates an Installer.
func New(c *cache.Cache, logger *log.Logger) *Installer {
	if logger == nil {
		logger = log.Default()
	}
	return &Installer{cache: c, logger: logger}
}

// InstallZip installs the artifact at req.URL into req.Target. User changes
// to an existing install are carried over into the new tree. The target is
// replaced only once the new tree is complete.
func (in *Installer) InstallZip(ctx context.Context, req Request, task *tasks.Handle) error {
	target := filepath.Clean(req.Target)
	unlock, err := lockTarget(ctx, target, true)
	if err != nil {
		return err
	}
	defer unlock()

	changes, existed, err := scanExisting(ctx, target)
	if err != nil {
		return fmt.Errorf("cannot scan %s: %w", target, err)
	}

	var dl *tasks.Handle
	if task != nil {
		dl = task.Dependency(tasks.Metadata{Title: "Download " + req.URL, Kind: tasks.KindDownload, ProgressUnit: tasks.UnitBytes})
		defer dl.Close()
	}
	archive, err := in.cache.Fetch(ctx, req.URL, req.Hash, dl)
	if dl != nil {
		dl.Finish(err)
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return ioErr("create", filepath.Dir(target), err)
	}
	staged, err := os.MkdirTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return ioErr("create temp dir in", filepath.Dir(target), err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staged)
		}
	}()

	if err := extractZip(ctx, archive, staged); err != nil {
		return err
	}
	idx, err := GenerateIndex(ctx, staged)
	if err != nil {
		return err
	}
	if err := WriteIndex(staged, idx); err != nil {
		return err
	}
	if existed {
		if err := mergeChanges(target, staged, changes); err != nil {
			return err
		}
	}
	if in.beforeSwap != nil {
		if err := in.beforeSwap(staged); err != nil {
			return err
		}
	}
	if err := swapDir(staged, target); err != nil {
		return err
	}
	committed = true
	in.logger.Info("installed package", "target", target, "files", len(idx.Entries), "kept", len(changes))
	return nil
}

// mergeChanges replays user changes from the old tree onto the staged one.
func mergeChanges(oldRoot, newRoot string, changes []Change) error {
	for _, c := range changes {
		dst := filepath.Join(newRoot, filepath.FromSlash(c.Path))
		if c.Kind == Deleted {
			if err := os.RemoveAll(dst); err != nil {
				return ioErr("remove", dst, err)
			}
			continue
		}
		src := filepath.Join(oldRoot, filepath.FromSlash(c.Path))
		if err := os.RemoveAll(dst); err != nil {
			return ioErr("remove", dst, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return ioErr("create", filepath.Dir(dst), err)
		}
		if err := copyTree(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// copyTree copies files, directories and symlinks from src to dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return ioErr("walk", path, err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return ioErr("resolve", path, err)
		}
		out := filepath.Join(dst, rel)
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return ioErr("read link", path, err)
			}
			return ioErr("create link", out, os.Symlink(target, out))
		case d.IsDir():
			return ioErr("create", out, os.MkdirAll(out, 0o755))
		default:
			info, err := d.Info()
			if err != nil {
				return ioErr("stat", path, err)
			}
			return copyFile(path, out, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return ioErr("open", src, err)
	}
	defer in.Close()
	return writeFileFromReader(dst, in, mode)
}

// writeFileFromReader writes a file by copying from r and setting mode.
func writeFileFromReader(path string, r io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return ioErr("create", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return ioErr("write", path, err)
	}
	return ioErr("close", path, out.Close())
}

// swapDir replaces destDir with srcDir by renaming, keeping the old tree
// until the new one is in place.
func swapDir(srcDir, destDir string) error {
	backup := destDir + ".bak"
	_ = removeBackup(backup)
	hadDest := false
	if _, err := os.Lstat(destDir); err == nil {
		if err := os.Rename(destDir, backup); err != nil {
			return ioErr("move aside", destDir, err)
		}
		hadDest = true
	}
	if err := os.Rename(srcDir, destDir); err != nil {
		if hadDest {
			_ = os.Rename(backup, destDir)
		}
		return ioErr("move into place", destDir, err)
	}
	if hadDest {
		if err := removeBackup(backup); err != nil {
			return ioErr("remove", backup, err)
		}
	}
	return nil
}

func extractZip(ctx context.Context, archivePath, dest string) error {
	// Entry names are sanitized below, so insecure paths are not fatal.
	r, err := zip.OpenReader(archivePath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return ioErr("open archive", archivePath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := sanitizeArchivePath(f.Name)
		if name == "" {
			continue
		}
		out := filepath.Join(dest, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(out, 0o755); err != nil {
				return ioErr("create", out, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return ioErr("create", filepath.Dir(out), err)
		}
		if err := extractFile(f, out); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, out string) error {
	rc, err := f.Open()
	if err != nil {
		return ioErr("open archive entry", f.Name, err)
	}
	defer rc.Close()
	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	return writeFileFromReader(out, rc, mode|0o200)
}

// sanitizeArchivePath rejects absolute paths and traversal sequences in
// archive entries. Thunderstore packages are built on Windows, so both
// separators are accepted.
func sanitizeArchivePath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	if name == "" || strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" {
		return ""
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return ""
		}
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == IndexFileName {
		return ""
	}
	return clean
}

// Uninstall removes an installed package. With keepChanges, paths the user
// created or modified (and everything under them) are left behind.
func Uninstall(ctx context.Context, target string, keepChanges bool) error {
	target = filepath.Clean(target)
	unlock, err := lockTarget(ctx, target, true)
	if err != nil {
		return err
	}
	defer func() {
		unlock()
		if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
			_ = os.Remove(lockPath(target))
		}
	}()

	if !keepChanges {
		return ioErr("remove", target, os.RemoveAll(target))
	}

	idx, err := ReadIndex(target)
	if err != nil {
		return err
	}
	changes, err := scan(ctx, target, idx)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(changes))
	for _, c := range changes {
		if c.Kind != Deleted {
			keep[c.Path] = true
		}
	}

	// Deepest paths first so directories are empty by the time they are
	// considered.
	paths := idx.Paths()
	for i := len(paths) - 1; i >= 0; i-- {
		p := paths[i]
		if keep[p] || ancestorCovered(keep, p) {
			continue
		}
		full := filepath.Join(target, filepath.FromSlash(p))
		if idx.Entries[p].Kind == KindDirectory {
			if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) && !isNotEmpty(full) {
				return ioErr("remove", full, err)
			}
			continue
		}
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ioErr("remove", full, err)
		}
	}
	indexPath := filepath.Join(target, IndexFileName)
	if err := os.Remove(indexPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioErr("remove", indexPath, err)
	}
	// Leaves the target in place if anything the user made is still there.
	_ = os.Remove(target)
	return nil
}

func isNotEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
