// Package semver implements a compact, order-preserving encoding of
// major.minor.patch versions.
//
// The three components are concatenated as decimal digits into a single
// integer D, and the digit counts of the minor and patch components (minus one)
// are stored next to it so the split points can be recovered. Small versions fit
// in 32 bits ("inline"); larger ones need up to 56 bits ("out-of-line"). The low
// bit of the word tells the two forms apart.
package semver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxLen is the longest textual version accepted by Parse.
const MaxLen = 16

type packer struct {
	digitBits uint
	indexBits uint
	marker    uint64
}

var (
	inlinePacker    = packer{digitBits: 24, indexBits: 3, marker: 1}
	outOfLinePacker = packer{digitBits: 47, indexBits: 4, marker: 0}
)

var (
	// ErrTooManyBits is returned when the concatenated digits do not fit in 47 bits.
	ErrTooManyBits = errors.New("version has too many digits")
	// ErrTooLong is returned by Parse for inputs longer than MaxLen.
	ErrTooLong = errors.New("version string is too long")
	// ErrMissingDot is wrapped by MissingDotError.
	ErrMissingDot = errors.New("version is missing a dot")
	// ErrInvalidInteger is wrapped by InvalidIntegerError.
	ErrInvalidInteger = errors.New("version component is not a valid integer")
	// ErrNonCanonical is returned by FromWord for words that New would never produce.
	ErrNonCanonical = errors.New("version word is not canonical")
)

type (
	// MissingDotError reports how many dots were found before the input ended.
	MissingDotError struct {
		Found int
	}

	// InvalidIntegerError reports the component that failed to parse.
	InvalidIntegerError struct {
		Slice string
		Err   error
	}
)

func (e *MissingDotError) Error() string {
	return fmt.Sprintf("version is missing a dot (found %d)", e.Found)
}

// Unwrap returns ErrMissingDot for errors.Is compatibility.
func (e *MissingDotError) Unwrap() error { return ErrMissingDot }

func (e *InvalidIntegerError) Error() string {
	return fmt.Sprintf("invalid version component %q: %v", e.Slice, e.Err)
}

// Unwrap returns ErrInvalidInteger for errors.Is compatibility.
func (e *InvalidIntegerError) Unwrap() error { return ErrInvalidInteger }

// Version is a packed major.minor.patch triple. The zero value is not a valid
// version; use New or Parse.
type Version struct {
	word uint64
}

var pow10 = [...]uint64{
	1,
	10,
	100,
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
	100_000_000_000,
	1_000_000_000_000,
	10_000_000_000_000,
	100_000_000_000_000,
	1_000_000_000_000_000,
	10_000_000_000_000_000,
	100_000_000_000_000_000,
	1_000_000_000_000_000_000,
	10_000_000_000_000_000_000,
}

// digits returns the number of decimal digits in x. digits(0) is 1.
func digits(x uint64) int {
	n := 1
	for n < len(pow10) && x >= pow10[n] {
		n++
	}
	return n
}

// New packs (major, minor, patch). It fails with ErrTooManyBits when the
// concatenated decimal digits exceed 47 bits.
func New(major, minor, patch uint64) (Version, error) {
	minE := digits(patch) - 1
	majE := digits(minor) - 1
	total := minE + 1 + majE + 1
	if major != 0 {
		total += digits(major)
	}
	// 10^15 is already past 2^47, so anything longer cannot fit and
	// must not reach the multiplication below.
	if total > 15 {
		return Version{}, ErrTooManyBits
	}

	d := patch + minor*pow10[minE+1] + major*pow10[minE+1]*pow10[majE+1]

	var p packer
	switch {
	case d < 1<<inlinePacker.digitBits:
		p = inlinePacker
	case d < 1<<outOfLinePacker.digitBits:
		p = outOfLinePacker
	default:
		return Version{}, ErrTooManyBits
	}
	return Version{word: p.pack(d, uint64(majE), uint64(minE))}, nil
}

// MustNew is New for constants known to fit.
func MustNew(major, minor, patch uint64) Version {
	v, err := New(major, minor, patch)
	if err != nil {
		panic(err)
	}
	return v
}

func (p packer) pack(d, minorE, patchE uint64) uint64 {
	w := p.marker
	w |= minorE << 1
	w |= patchE << (1 + p.indexBits)
	w |= d << (1 + 2*p.indexBits)
	return w
}

func (p packer) unpack(w uint64) (d uint64, minorE, patchE int) {
	mask := uint64(1)<<p.indexBits - 1
	minorE = int((w >> 1) & mask)
	patchE = int((w >> (1 + p.indexBits)) & mask)
	d = (w >> (1 + 2*p.indexBits)) & (uint64(1)<<p.digitBits - 1)
	return d, minorE, patchE
}

func (v Version) packer() packer {
	if v.word&1 == 1 {
		return inlinePacker
	}
	return outOfLinePacker
}

// Parts returns the unpacked (major, minor, patch).
func (v Version) Parts() (major, minor, patch uint64) {
	d, minorE, patchE := v.packer().unpack(v.word)
	patch = d % pow10[patchE+1]
	d /= pow10[patchE+1]
	minor = d % pow10[minorE+1]
	major = d / pow10[minorE+1]
	return major, minor, patch
}

// Major returns the major component.
func (v Version) Major() uint64 { m, _, _ := v.Parts(); return m }

// Minor returns the minor component.
func (v Version) Minor() uint64 { _, m, _ := v.Parts(); return m }

// Patch returns the patch component.
func (v Version) Patch() uint64 { _, _, p := v.Parts(); return p }

// IsZero reports whether v is the (invalid) zero value.
func (v Version) IsZero() bool { return v.word == 0 }

// Word returns the canonical 64-bit encoding.
func (v Version) Word() uint64 { return v.word }

// Inline returns the 32-bit form when the version fits inline.
func (v Version) Inline() (uint32, bool) {
	if v.word&1 == 0 {
		return 0, false
	}
	return uint32(v.word), true
}

// FromWord validates an archived word and returns the version it encodes.
func FromWord(w uint64) (Version, error) {
	if w == 0 {
		return Version{}, ErrNonCanonical
	}
	v := Version{word: w}
	p := v.packer()
	if w>>(1+2*p.indexBits+p.digitBits) != 0 {
		return Version{}, ErrNonCanonical
	}
	major, minor, patch := v.Parts()
	canon, err := New(major, minor, patch)
	if err != nil || canon.word != w {
		return Version{}, ErrNonCanonical
	}
	return v, nil
}

// Parse reads "major.minor.patch".
func Parse(s string) (Version, error) {
	if len(s) > MaxLen {
		return Version{}, ErrTooLong
	}
	var parts [3]uint64
	rest := s
	for i := range parts {
		var field string
		if i < 2 {
			dot := strings.IndexByte(rest, '.')
			if dot < 0 {
				return Version{}, &MissingDotError{Found: i}
			}
			field, rest = rest[:dot], rest[dot+1:]
		} else {
			field = rest
		}
		n, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return Version{}, &InvalidIntegerError{Slice: field, Err: err}
		}
		parts[i] = n
	}
	return New(parts[0], parts[1], parts[2])
}

// String formats the version as "major.minor.patch".
func (v Version) String() string {
	major, minor, patch := v.Parts()
	var b strings.Builder
	b.Grow(MaxLen)
	b.WriteString(strconv.FormatUint(major, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(minor, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(patch, 10))
	return b.String()
}

// Compare orders versions by major, then minor, then patch.
func (v Version) Compare(o Version) int {
	a1, a2, a3 := v.Parts()
	b1, b2, b3 := o.Parts()
	switch {
	case a1 != b1:
		return cmpU64(a1, b1)
	case a2 != b2:
		return cmpU64(a2, b2)
	default:
		return cmpU64(a3, b3)
	}
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
