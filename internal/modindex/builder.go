package modindex

import (
	"fmt"
	"math"
	"time"
)

// Builder archives decoded mods into a chunk, interning every string.
type Builder struct {
	ids      map[string]uint32
	strs     []uint32 // (offset, len) pairs
	blob     []byte
	mods     []byte
	versions []byte
	refs     []byte
	nmods    uint32
	nvers    uint32
	nrefs    uint32
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{ids: make(map[string]uint32)}
}

func (b *Builder) intern(s string) uint32 {
	if id, ok := b.ids[s]; ok {
		return id
	}
	id := uint32(len(b.strs) / 2)
	b.strs = append(b.strs, uint32(len(b.blob)), uint32(len(s)))
	b.blob = append(b.blob, s...)
	b.ids[s] = id
	return id
}

func (b *Builder) internOpt(s *string) uint32 {
	if s == nil {
		return noString
	}
	return b.intern(*s)
}

func (b *Builder) addRefs(ss []string) (start, n uint32) {
	start = b.nrefs
	for _, s := range ss {
		b.refs = le.AppendUint32(b.refs, b.intern(s))
		b.nrefs++
	}
	return start, uint32(len(ss))
}

func micros(t time.Time) (uint64, error) {
	us := t.UnixMicro()
	if err := checkMicros(us); err != nil {
		return 0, err
	}
	return uint64(us), nil
}

// Add archives one mod. total_downloads is recomputed from the versions;
// whatever the server claims is ignored.
func (b *Builder) Add(m *ModRef) error {
	if err := m.check(); err != nil {
		return err
	}
	created, err := micros(*m.DateCreated)
	if err != nil {
		return err
	}
	updated, err := micros(*m.DateUpdated)
	if err != nil {
		return err
	}

	verStart := b.nvers
	var total uint64
	for i := range m.Versions {
		v := &m.Versions[i]
		vc, err := micros(*v.DateCreated)
		if err != nil {
			return fmt.Errorf("version %s: %w", v.VersionNumber, err)
		}
		depStart, depLen := b.addRefs(v.Dependencies)
		var flags uint32
		if *v.IsActive {
			flags |= flagActive
		}
		row := make([]byte, versionRowSize)
		le.PutUint32(row[verDescription:], b.intern(*v.Description))
		le.PutUint32(row[verWebsite:], b.internOpt(v.WebsiteURL))
		le.PutUint32(row[verDepStart:], depStart)
		le.PutUint32(row[verDepLen:], depLen)
		le.PutUint32(row[verFlags:], flags)
		le.PutUint32(row[verDownloadURL:], b.internOpt(v.DownloadURL))
		le.PutUint64(row[verNumber:], v.VersionNumber.Word())
		le.PutUint64(row[verDownloads:], *v.Downloads)
		le.PutUint64(row[verDateCreated:], vc)
		le.PutUint64(row[verFileSize:], *v.FileSize)
		b.versions = append(b.versions, row...)
		b.nvers++

		if total > math.MaxUint64-*v.Downloads {
			total = math.MaxUint64
		} else {
			total += *v.Downloads
		}
	}

	catStart, catLen := b.addRefs(m.Categories)
	var flags uint32
	if *m.IsPinned {
		flags |= flagPinned
	}
	if *m.IsDeprecated {
		flags |= flagDeprec
	}
	if *m.HasNSFWContent {
		flags |= flagNSFW
	}
	row := make([]byte, modRowSize)
	le.PutUint32(row[modName:], b.intern(*m.Name))
	le.PutUint32(row[modOwner:], b.intern(*m.Owner))
	le.PutUint32(row[modDonation:], b.internOpt(m.DonationLink))
	le.PutUint32(row[modRating:], *m.RatingScore)
	le.PutUint32(row[modFlags:], flags)
	le.PutUint32(row[modCatStart:], catStart)
	le.PutUint32(row[modCatLen:], catLen)
	le.PutUint32(row[modVerStart:], verStart)
	le.PutUint32(row[modVerLen:], uint32(len(m.Versions)))
	le.PutUint64(row[modDateCreated:], created)
	le.PutUint64(row[modDateUpdated:], updated)
	le.PutUint64(row[modTotalDownloads:], total)
	b.mods = append(b.mods, row...)
	b.nmods++
	return nil
}

// Build lays out the archive and validates it.
func (b *Builder) Build() (*Chunk, error) {
	nstr := uint32(len(b.strs) / 2)
	size := headerSize + len(b.mods) + len(b.versions) + len(b.refs) + len(b.strs)*4 + len(b.blob)
	if uint64(size) > maxChunkSize {
		return nil, invalid("archive of %d bytes is too large", size)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, chunkMagic...)
	buf = le.AppendUint32(buf, chunkFormat)
	buf = le.AppendUint32(buf, b.nmods)
	buf = le.AppendUint32(buf, b.nvers)
	buf = le.AppendUint32(buf, b.nrefs)
	buf = le.AppendUint32(buf, nstr)
	buf = le.AppendUint32(buf, uint32(len(b.blob)))
	buf = append(buf, b.mods...)
	buf = append(buf, b.versions...)
	buf = append(buf, b.refs...)
	for _, v := range b.strs {
		buf = le.AppendUint32(buf, v)
	}
	buf = append(buf, b.blob...)
	return LoadChunk(buf)
}

// BuildChunk decodes a JSON listing and archives it.
func BuildChunk(data []byte) (*Chunk, error) {
	refs, err := DecodeModRefs(data)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	for i := range refs {
		if err := b.Add(&refs[i]); err != nil {
			return nil, fmt.Errorf("cannot archive %s-%s: %w", *refs[i].Owner, *refs[i].Name, err)
		}
	}
	return b.Build()
}
