package modindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
	"unsafe"

	"github.com/manderrow/manderrow/internal/semver"
)

// Chunk layout (all integers little-endian):
//
//	header   magic[8] format:u32 mods:u32 versions:u32 refs:u32 strings:u32 blob:u32 (32 bytes)
//	mods     mods     × modRowSize
//	versions versions × versionRowSize
//	refs     refs     × u32 string id (categories and dependencies)
//	strings  strings  × (offset:u32, len:u32) into blob
//	blob     interned UTF-8 bytes
//
// Row layouts are documented next to their offsets below.
const (
	chunkMagic   = "MDRWIDX\x00"
	chunkFormat  = 1
	headerSize   = 32
	stringEntry  = 8
	noString     = math.MaxUint32
	flagPinned   = 1 << 0
	flagDeprec   = 1 << 1
	flagNSFW     = 1 << 2
	flagActive   = 1 << 0
	maxChunkSize = math.MaxUint32
)

const (
	modName           = 0
	modOwner          = 4
	modDonation       = 8
	modRating         = 12
	modFlags          = 16
	modCatStart       = 20
	modCatLen         = 24
	modVerStart       = 28
	modVerLen         = 32
	modDateCreated    = 40
	modDateUpdated    = 48
	modTotalDownloads = 56
	modRowSize        = 64
)

const (
	verDescription = 0
	verWebsite     = 4
	verDepStart    = 8
	verDepLen      = 12
	verFlags       = 16
	verDownloadURL = 20
	verNumber      = 24
	verDownloads   = 32
	verDateCreated = 40
	verFileSize    = 48
	versionRowSize = 56
)

// Timestamps are stored as microseconds since the Unix epoch and must fall
// within years 1 through 9999.
var (
	minMicros = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	maxMicros = time.Date(9999, 12, 31, 23, 59, 59, 999999000, time.UTC).UnixMicro()
)

// ErrInvalidChunk is returned when a chunk fails validation.
var ErrInvalidChunk = errors.New("invalid index chunk")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidChunk, fmt.Sprintf(format, args...))
}

// Chunk is an immutable, validated archive of a shard of the mod index.
// Accessors read directly from the backing buffer.
type Chunk struct {
	buf      []byte
	mods     uint32
	versions uint32
	refs     uint32
	strings  uint32
	modOff   uint32
	verOff   uint32
	refOff   uint32
	strOff   uint32
	blobOff  uint32
}

var le = binary.LittleEndian

// LoadChunk validates buf and wraps it. buf must not be modified afterwards.
func LoadChunk(buf []byte) (*Chunk, error) {
	if uint64(len(buf)) > maxChunkSize {
		return nil, invalid("chunk of %d bytes is too large", len(buf))
	}
	if len(buf) < headerSize {
		return nil, invalid("truncated header")
	}
	if string(buf[:8]) != chunkMagic {
		return nil, invalid("bad magic")
	}
	if f := le.Uint32(buf[8:]); f != chunkFormat {
		return nil, invalid("unsupported format %d", f)
	}
	c := &Chunk{
		buf:      buf,
		mods:     le.Uint32(buf[12:]),
		versions: le.Uint32(buf[16:]),
		refs:     le.Uint32(buf[20:]),
		strings:  le.Uint32(buf[24:]),
	}
	blobLen := uint64(le.Uint32(buf[28:]))

	off := uint64(headerSize)
	c.modOff = uint32(off)
	off += uint64(c.mods) * modRowSize
	c.verOff = uint32(min(off, maxChunkSize))
	off += uint64(c.versions) * versionRowSize
	c.refOff = uint32(min(off, maxChunkSize))
	off += uint64(c.refs) * 4
	c.strOff = uint32(min(off, maxChunkSize))
	off += uint64(c.strings) * stringEntry
	c.blobOff = uint32(min(off, maxChunkSize))
	off += blobLen
	if off != uint64(len(buf)) {
		return nil, invalid("section sizes sum to %d, buffer is %d bytes", off, len(buf))
	}

	if err := c.validate(blobLen); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chunk) validate(blobLen uint64) error {
	for i := uint32(0); i < c.strings; i++ {
		e := c.buf[c.strOff+i*stringEntry:]
		o, n := uint64(le.Uint32(e)), uint64(le.Uint32(e[4:]))
		if o+n > blobLen {
			return invalid("string %d out of bounds", i)
		}
		if !utf8.Valid(c.buf[uint64(c.blobOff)+o : uint64(c.blobOff)+o+n]) {
			return invalid("string %d is not UTF-8", i)
		}
	}
	for i := uint32(0); i < c.refs; i++ {
		if id := le.Uint32(c.buf[c.refOff+i*4:]); id >= c.strings {
			return invalid("ref %d points at string %d", i, id)
		}
	}
	for i := uint32(0); i < c.mods; i++ {
		r := c.modRow(i)
		if err := c.checkString(r[modName:], false); err != nil {
			return fmt.Errorf("mod %d name: %w", i, err)
		}
		if err := c.checkString(r[modOwner:], false); err != nil {
			return fmt.Errorf("mod %d owner: %w", i, err)
		}
		if err := c.checkString(r[modDonation:], true); err != nil {
			return fmt.Errorf("mod %d donation link: %w", i, err)
		}
		if err := checkRange(r[modCatStart:], r[modCatLen:], c.refs); err != nil {
			return fmt.Errorf("mod %d categories: %w", i, err)
		}
		if err := checkRange(r[modVerStart:], r[modVerLen:], c.versions); err != nil {
			return fmt.Errorf("mod %d versions: %w", i, err)
		}
		for _, at := range []int{modDateCreated, modDateUpdated} {
			if err := checkMicros(int64(le.Uint64(r[at:]))); err != nil {
				return fmt.Errorf("mod %d: %w", i, err)
			}
		}
	}
	for i := uint32(0); i < c.versions; i++ {
		r := c.versionRow(i)
		if err := c.checkString(r[verDescription:], false); err != nil {
			return fmt.Errorf("version %d description: %w", i, err)
		}
		if err := c.checkString(r[verWebsite:], true); err != nil {
			return fmt.Errorf("version %d website: %w", i, err)
		}
		if err := c.checkString(r[verDownloadURL:], true); err != nil {
			return fmt.Errorf("version %d download url: %w", i, err)
		}
		if err := checkRange(r[verDepStart:], r[verDepLen:], c.refs); err != nil {
			return fmt.Errorf("version %d dependencies: %w", i, err)
		}
		if _, err := semver.FromWord(le.Uint64(r[verNumber:])); err != nil {
			return invalid("version %d number: %v", i, err)
		}
		if err := checkMicros(int64(le.Uint64(r[verDateCreated:]))); err != nil {
			return fmt.Errorf("version %d: %w", i, err)
		}
	}
	return nil
}

func (c *Chunk) checkString(b []byte, optional bool) error {
	id := le.Uint32(b)
	if optional && id == noString {
		return nil
	}
	if id >= c.strings {
		return invalid("string id %d out of range", id)
	}
	return nil
}

func checkRange(start, n []byte, limit uint32) error {
	s, l := uint64(le.Uint32(start)), uint64(le.Uint32(n))
	if s+l > uint64(limit) {
		return invalid("range %d+%d exceeds %d", s, l, limit)
	}
	return nil
}

func checkMicros(us int64) error {
	if us < minMicros || us > maxMicros {
		return invalid("timestamp %dµs out of range", us)
	}
	return nil
}

// Bytes returns the backing buffer. Callers must not modify it.
func (c *Chunk) Bytes() []byte { return c.buf }

// Len returns the number of mods in the chunk.
func (c *Chunk) Len() int { return int(c.mods) }

// Mod returns the i-th mod.
func (c *Chunk) Mod(i int) Mod { return Mod{c: c, i: uint32(i)} }

func (c *Chunk) modRow(i uint32) []byte {
	o := c.modOff + i*modRowSize
	return c.buf[o : o+modRowSize]
}

func (c *Chunk) versionRow(i uint32) []byte {
	o := c.verOff + i*versionRowSize
	return c.buf[o : o+versionRowSize]
}

func (c *Chunk) str(id uint32) string {
	e := c.buf[c.strOff+id*stringEntry:]
	o, n := le.Uint32(e), le.Uint32(e[4:])
	if n == 0 {
		return ""
	}
	return unsafe.String(&c.buf[c.blobOff+o], int(n))
}

func (c *Chunk) optStr(b []byte) (string, bool) {
	id := le.Uint32(b)
	if id == noString {
		return "", false
	}
	return c.str(id), true
}

func (c *Chunk) refStrings(start, n uint32) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = c.str(le.Uint32(c.buf[c.refOff+(start+uint32(i))*4:]))
	}
	return out
}

// Mod is a view of one archived mod. It stays valid as long as the chunk
// is reachable.
type Mod struct {
	c *Chunk
	i uint32
}

func (m Mod) row() []byte { return m.c.modRow(m.i) }

// Chunk returns the chunk holding the mod.
func (m Mod) Chunk() *Chunk { return m.c }

// ID returns the owner/name pair.
func (m Mod) ID() ModID { return ModID{Owner: m.Owner(), Name: m.Name()} }

func (m Mod) Name() string { return m.c.str(le.Uint32(m.row()[modName:])) }
func (m Mod) Owner() string { return m.c.str(le.Uint32(m.row()[modOwner:])) }

// DonationLink returns the donation link if one was published.
func (m Mod) DonationLink() (string, bool) { return m.c.optStr(m.row()[modDonation:]) }

func (m Mod) RatingScore() uint32 { return le.Uint32(m.row()[modRating:]) }
func (m Mod) IsPinned() bool { return le.Uint32(m.row()[modFlags:])&flagPinned != 0 }
func (m Mod) IsDeprecated() bool { return le.Uint32(m.row()[modFlags:])&flagDeprec != 0 }
func (m Mod) HasNSFWContent() bool { return le.Uint32(m.row()[modFlags:])&flagNSFW != 0 }
func (m Mod) TotalDownloads() uint64 { return le.Uint64(m.row()[modTotalDownloads:]) }

func (m Mod) DateCreated() time.Time {
	return time.UnixMicro(int64(le.Uint64(m.row()[modDateCreated:]))).UTC()
}

func (m Mod) DateUpdated() time.Time {
	return time.UnixMicro(int64(le.Uint64(m.row()[modDateUpdated:]))).UTC()
}

// Categories returns the category names.
func (m Mod) Categories() []string {
	r := m.row()
	return m.c.refStrings(le.Uint32(r[modCatStart:]), le.Uint32(r[modCatLen:]))
}

// NumVersions returns the number of published versions.
func (m Mod) NumVersions() int { return int(le.Uint32(m.row()[modVerLen:])) }

// Version returns the i-th version, newest first as published.
func (m Mod) Version(i int) ModVersion {
	return ModVersion{c: m.c, i: le.Uint32(m.row()[modVerStart:]) + uint32(i)}
}

// Latest returns the first published version.
func (m Mod) Latest() (ModVersion, bool) {
	if m.NumVersions() == 0 {
		return ModVersion{}, false
	}
	return m.Version(0), true
}

// FindVersion returns the version with the given number.
func (m Mod) FindVersion(v semver.Version) (ModVersion, bool) {
	for i := range m.NumVersions() {
		if mv := m.Version(i); mv.Number() == v {
			return mv, true
		}
	}
	return ModVersion{}, false
}

// ModVersion is a view of one archived version.
type ModVersion struct {
	c *Chunk
	i uint32
}

func (v ModVersion) row() []byte { return v.c.versionRow(v.i) }

func (v ModVersion) Description() string { return v.c.str(le.Uint32(v.row()[verDescription:])) }

// Number returns the packed version number. It was validated on load.
func (v ModVersion) Number() semver.Version {
	n, _ := semver.FromWord(le.Uint64(v.row()[verNumber:]))
	return n
}

// Dependencies returns the raw "owner-name-version" strings.
func (v ModVersion) Dependencies() []string {
	r := v.row()
	return v.c.refStrings(le.Uint32(r[verDepStart:]), le.Uint32(r[verDepLen:]))
}

func (v ModVersion) Downloads() uint64 { return le.Uint64(v.row()[verDownloads:]) }
func (v ModVersion) FileSize() uint64 { return le.Uint64(v.row()[verFileSize:]) }
func (v ModVersion) IsActive() bool { return le.Uint32(v.row()[verFlags:])&flagActive != 0 }

func (v ModVersion) DateCreated() time.Time {
	return time.UnixMicro(int64(le.Uint64(v.row()[verDateCreated:]))).UTC()
}

// WebsiteURL returns the website if one was published.
func (v ModVersion) WebsiteURL() (string, bool) { return v.c.optStr(v.row()[verWebsite:]) }

// DownloadURL returns the artifact location if one was published.
func (v ModVersion) DownloadURL() (string, bool) { return v.c.optStr(v.row()[verDownloadURL:]) }
