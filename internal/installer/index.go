package installer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// IndexFileName is the hidden file describing the pristine contents of an
// installed directory.
const IndexFileName = ".manderrow_content_index"

const (
	indexMagic  = "MDRWCIDX"
	headerLen   = 8 + 4
	checksumLen = 32
)

// Format selects the on-disk layout of path keys.
type Format uint32

const (
	// FormatV1 stores every path component as UTF-8.
	FormatV1 Format = 1
	// FormatV2 stores native path components tagged with the platform that
	// wrote them.
	FormatV2 Format = 2
)

// Platform tags the native path encoding of a FormatV2 index.
type Platform uint8

const (
	PlatformUnix    Platform = 'U'
	PlatformWindows Platform = 'W'
)

// NativePlatform is the platform tag written by this build.
func NativePlatform() Platform {
	if runtime.GOOS == "windows" {
		return PlatformWindows
	}
	return PlatformUnix
}

// EntryKind is the type of an indexed path.
type EntryKind uint8

const (
	KindFile EntryKind = iota
	KindSymlink
	KindDirectory
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindDirectory:
		return "directory"
	}
	return fmt.Sprintf("EntryKind(%d)", uint8(k))
}

// Entry describes one path of an installed package.
type Entry struct {
	Kind   EntryKind
	Hash   [32]byte // KindFile
	Target string   // KindSymlink
}

// Index maps slash-separated relative paths to entries.
type Index struct {
	Format   Format
	Platform Platform
	Entries  map[string]Entry
}

// NewIndex returns an empty index in the native format.
func NewIndex() *Index {
	return &Index{Format: FormatV2, Platform: NativePlatform(), Entries: make(map[string]Entry)}
}

// Paths returns the indexed paths in sorted order.
func (idx *Index) Paths() []string {
	paths := make([]string, 0, len(idx.Entries))
	for p := range idx.Entries {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

func invalidIndex(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidIndex, fmt.Sprintf(format, args...))
}

// MarshalBinary encodes the index followed by a BLAKE3 checksum of the body.
func (idx *Index) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 64*len(idx.Entries)+64)
	buf = append(buf, indexMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(idx.Format))
	switch idx.Format {
	case FormatV1:
	case FormatV2:
		buf = append(buf, byte(idx.Platform))
	default:
		return nil, invalidIndex("unknown format %d", idx.Format)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(idx.Entries)))
	for _, p := range idx.Paths() {
		var err error
		if buf, err = idx.appendPath(buf, p); err != nil {
			return nil, err
		}
		e := idx.Entries[p]
		buf = append(buf, byte(e.Kind))
		switch e.Kind {
		case KindFile:
			buf = append(buf, e.Hash[:]...)
		case KindSymlink:
			buf = appendString(buf, e.Target)
		case KindDirectory:
		default:
			return nil, invalidIndex("unknown entry kind %d at %s", e.Kind, p)
		}
	}
	sum := blake3.Sum256(buf[headerLen:])
	return append(buf, sum[:]...), nil
}

func (idx *Index) appendPath(buf []byte, p string) ([]byte, error) {
	comps := strings.Split(p, "/")
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(comps)))
	for _, c := range comps {
		switch {
		case idx.Format == FormatV1:
			if !utf8.ValidString(c) {
				return nil, invalidIndex("path %q is not UTF-8", p)
			}
			buf = appendString(buf, c)
		case idx.Platform == PlatformWindows:
			units := utf16.Encode([]rune(c))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(units)))
			for _, u := range units {
				buf = binary.LittleEndian.AppendUint16(buf, u)
			}
		default:
			buf = appendString(buf, c)
		}
	}
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.data) {
		return nil, invalidIndex("truncated at byte %d", d.off)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalBinary decodes and validates an index. An index written on a
// different platform is rejected.
func (idx *Index) UnmarshalBinary(data []byte) error {
	if len(data) < headerLen+checksumLen {
		return invalidIndex("truncated")
	}
	body, sum := data[:len(data)-checksumLen], data[len(data)-checksumLen:]
	if want := blake3.Sum256(body[headerLen:]); !bytes.Equal(want[:], sum) {
		return invalidIndex("checksum mismatch")
	}
	if string(body[:8]) != indexMagic {
		return invalidIndex("bad magic")
	}
	d := &decoder{data: body, off: 8}
	f, _ := d.u32()
	out := Index{Format: Format(f), Entries: make(map[string]Entry)}
	switch out.Format {
	case FormatV1:
	case FormatV2:
		b, err := d.take(1)
		if err != nil {
			return err
		}
		out.Platform = Platform(b[0])
		if out.Platform != PlatformUnix && out.Platform != PlatformWindows {
			return invalidIndex("unknown platform tag %q", b[0])
		}
		if out.Platform != NativePlatform() {
			return invalidIndex("index was written on another platform (%c)", out.Platform)
		}
	default:
		return invalidIndex("unknown format %d", f)
	}

	n, err := d.u32()
	if err != nil {
		return err
	}
	for range n {
		p, err := out.readPath(d)
		if err != nil {
			return err
		}
		kb, err := d.take(1)
		if err != nil {
			return err
		}
		e := Entry{Kind: EntryKind(kb[0])}
		switch e.Kind {
		case KindFile:
			h, err := d.take(32)
			if err != nil {
				return err
			}
			copy(e.Hash[:], h)
		case KindSymlink:
			if e.Target, err = d.str(); err != nil {
				return err
			}
		case KindDirectory:
		default:
			return invalidIndex("unknown entry kind %d at %s", kb[0], p)
		}
		if _, dup := out.Entries[p]; dup {
			return invalidIndex("duplicate path %s", p)
		}
		out.Entries[p] = e
	}
	if d.off != len(body) {
		return invalidIndex("trailing bytes")
	}
	*idx = out
	return nil
}

func (idx *Index) readPath(d *decoder) (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", invalidIndex("empty path")
	}
	comps := make([]string, 0, n)
	for range n {
		var c string
		if idx.Format == FormatV2 && idx.Platform == PlatformWindows {
			units, err := d.u32()
			if err != nil {
				return "", err
			}
			b, err := d.take(int(units) * 2)
			if err != nil {
				return "", err
			}
			u16 := make([]uint16, units)
			for i := range u16 {
				u16[i] = binary.LittleEndian.Uint16(b[2*i:])
			}
			c = string(utf16.Decode(u16))
		} else if c, err = d.str(); err != nil {
			return "", err
		}
		if idx.Format == FormatV1 && !utf8.ValidString(c) {
			return "", invalidIndex("component %q is not UTF-8", c)
		}
		if c == "" || c == "." || c == ".." || strings.ContainsAny(c, "/\x00") {
			return "", invalidIndex("bad path component %q", c)
		}
		comps = append(comps, c)
	}
	return strings.Join(comps, "/"), nil
}

// WriteIndex stores idx in dir.
func WriteIndex(dir string, idx *Index) error {
	data, err := idx.MarshalBinary()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, IndexFileName)
	return ioErr("write", path, os.WriteFile(path, data, 0o644))
}

// ReadIndex loads the content index of dir.
func ReadIndex(dir string) (*Index, error) {
	path := filepath.Join(dir, IndexFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &IndexNotFoundError{Dir: dir}
	}
	if err != nil {
		return nil, &ReadIndexError{Path: path, Err: err}
	}
	var idx Index
	if err := idx.UnmarshalBinary(data); err != nil {
		return nil, &ReadIndexError{Path: path, Err: err}
	}
	return &idx, nil
}
