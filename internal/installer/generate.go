package installer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// HashFile returns the BLAKE3 digest of the file at path.
func HashFile(path string) ([32]byte, error) {
	var sum [32]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, ioErr("open", path, err)
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, ioErr("read", path, err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// GenerateIndex walks dir depth-first and records every path. Absolute
// symlinks pointing inside dir are rewritten, on disk and in the index, to
// relative ones so the tree stays valid after it is moved.
func GenerateIndex(ctx context.Context, dir string) (*Index, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, ioErr("resolve", dir, err)
	}
	idx := NewIndex()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return ioErr("walk", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return ioErr("resolve", path, err)
		}
		key := filepath.ToSlash(rel)
		if key == IndexFileName {
			return nil
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return ioErr("read link", path, err)
			}
			if target, err = relativizeLink(root, path, target); err != nil {
				return err
			}
			idx.Entries[key] = Entry{Kind: KindSymlink, Target: target}
		case d.IsDir():
			idx.Entries[key] = Entry{Kind: KindDirectory}
		case d.Type().IsRegular():
			sum, err := HashFile(path)
			if err != nil {
				return err
			}
			idx.Entries[key] = Entry{Kind: KindFile, Hash: sum}
		default:
			return ioErr("index", path, fs.ErrInvalid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func relativizeLink(root, link, target string) (string, error) {
	if !filepath.IsAbs(target) {
		return target, nil
	}
	inside, err := filepath.Rel(root, target)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return target, nil
	}
	rel, err := filepath.Rel(filepath.Dir(link), target)
	if err != nil {
		return target, nil
	}
	if err := os.Remove(link); err != nil {
		return "", ioErr("remove", link, err)
	}
	if err := os.Symlink(rel, link); err != nil {
		return "", ioErr("create link", link, err)
	}
	return rel, nil
}
