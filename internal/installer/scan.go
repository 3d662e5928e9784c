package installer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ChangeKind classifies how a path differs from the pristine install.
type ChangeKind int

const (
	ContentModified ChangeKind = iota
	TypeChanged
	LinkTargetChanged
	Created
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case ContentModified:
		return "modified"
	case TypeChanged:
		return "type changed"
	case LinkTargetChanged:
		return "link target changed"
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Change is one user modification, keyed by slash-separated relative path.
type Change struct {
	Path string
	Kind ChangeKind
}

// Scan reports how target differs from its content index. It holds the
// target's lock in shared mode.
func Scan(ctx context.Context, target string) ([]Change, error) {
	unlock, err := lockTarget(ctx, target, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	idx, err := ReadIndex(target)
	if err != nil {
		return nil, err
	}
	return scan(ctx, target, idx)
}

func scan(ctx context.Context, root string, idx *Index) ([]Change, error) {
	var changes []Change
	seen := make(map[string]bool, len(idx.Entries))
	// covered holds paths whose whole subtree is already accounted for.
	covered := make(map[string]bool)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
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

		kind := kindOf(d)
		want, ok := idx.Entries[key]
		if !ok {
			changes = append(changes, Change{Path: key, Kind: Created})
			if kind == KindDirectory {
				return filepath.SkipDir
			}
			return nil
		}
		seen[key] = true

		if want.Kind != kind {
			changes = append(changes, Change{Path: key, Kind: TypeChanged})
			covered[key] = true
			if kind == KindDirectory {
				return filepath.SkipDir
			}
			return nil
		}
		switch kind {
		case KindFile:
			sum, err := HashFile(path)
			if err != nil {
				return err
			}
			if sum != want.Hash {
				changes = append(changes, Change{Path: key, Kind: ContentModified})
			}
		case KindSymlink:
			target, err := os.Readlink(path)
			if err != nil {
				return ioErr("read link", path, err)
			}
			if target != want.Target {
				changes = append(changes, Change{Path: key, Kind: LinkTargetChanged})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Paths are sorted, so every ancestor is visited before its descendants.
	for _, p := range idx.Paths() {
		if seen[p] || ancestorCovered(covered, p) {
			continue
		}
		covered[p] = true
		changes = append(changes, Change{Path: p, Kind: Deleted})
	}

	slices.SortFunc(changes, func(a, b Change) int { return strings.Compare(a.Path, b.Path) })
	return changes, nil
}

func ancestorCovered(covered map[string]bool, p string) bool {
	for {
		i := strings.LastIndexByte(p, '/')
		if i < 0 {
			return false
		}
		p = p[:i]
		if covered[p] {
			return true
		}
	}
}

func kindOf(d fs.DirEntry) EntryKind {
	switch {
	case d.Type()&fs.ModeSymlink != 0:
		return KindSymlink
	case d.IsDir():
		return KindDirectory
	}
	return KindFile
}

// scanExisting returns the user changes of an existing target. A missing
// target has none. A target without an index is treated as entirely user
// created so nothing in it is lost.
func scanExisting(ctx context.Context, target string) ([]Change, bool, error) {
	if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, ioErr("stat", target, err)
	}
	idx, err := ReadIndex(target)
	var notFound *IndexNotFoundError
	if errors.As(err, &notFound) {
		idx = NewIndex()
	} else if err != nil {
		return nil, true, err
	}
	changes, err := scan(ctx, target, idx)
	return changes, true, err
}
