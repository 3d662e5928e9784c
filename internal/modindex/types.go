package modindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/manderrow/manderrow/internal/semver"
)

// ModID identifies a mod by owner and name.
type ModID struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (id ModID) String() string { return id.Owner + "-" + id.Name }

// Dependency is a parsed "owner-name-version" reference.
type Dependency struct {
	ModID
	Version semver.Version
}

func (d Dependency) String() string { return d.ModID.String() + "-" + d.Version.String() }

// ErrInvalidDependency is returned for malformed dependency strings.
var ErrInvalidDependency = errors.New("invalid dependency string")

// ParseDependency splits "owner-name-version". The owner may itself contain
// hyphens; the name and version may not.
func ParseDependency(s string) (Dependency, error) {
	vi := strings.LastIndexByte(s, '-')
	if vi <= 0 {
		return Dependency{}, fmt.Errorf("%w: %q", ErrInvalidDependency, s)
	}
	ni := strings.LastIndexByte(s[:vi], '-')
	if ni <= 0 || ni+1 == vi {
		return Dependency{}, fmt.Errorf("%w: %q", ErrInvalidDependency, s)
	}
	v, err := semver.Parse(s[vi+1:])
	if err != nil {
		return Dependency{}, fmt.Errorf("%w: %q: %w", ErrInvalidDependency, s, err)
	}
	return Dependency{ModID: ModID{Owner: s[:ni], Name: s[ni+1 : vi]}, Version: v}, nil
}

// ModRef is one mod as served by the remote listing. Fields not listed here
// are ignored. Required fields are pointers so their absence can be told apart
// from a zero value.
type ModRef struct {
	Name           *string      `json:"name"`
	Owner          *string      `json:"owner"`
	DonationLink   *string      `json:"donation_link"`
	DateCreated    *time.Time   `json:"date_created"`
	DateUpdated    *time.Time   `json:"date_updated"`
	RatingScore    *uint32      `json:"rating_score"`
	IsPinned       *bool        `json:"is_pinned"`
	IsDeprecated   *bool        `json:"is_deprecated"`
	HasNSFWContent *bool        `json:"has_nsfw_content"`
	Categories     []string     `json:"categories"`
	Versions       []VersionRef `json:"versions"`
}

// VersionRef is one published version of a mod.
type VersionRef struct {
	Description   *string         `json:"description"`
	VersionNumber *semver.Version `json:"version_number"`
	Dependencies  []string        `json:"dependencies"`
	Downloads     *uint64         `json:"downloads"`
	DateCreated   *time.Time      `json:"date_created"`
	WebsiteURL    *string         `json:"website_url"`
	DownloadURL   *string         `json:"download_url"`
	IsActive      *bool           `json:"is_active"`
	FileSize      *uint64         `json:"file_size"`
}

// MissingFieldError reports a required field absent from the listing.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// DecodeModRefs parses a JSON array of mods.
func DecodeModRefs(data []byte) ([]ModRef, error) {
	var mods []ModRef
	if err := json.Unmarshal(data, &mods); err != nil {
		return nil, fmt.Errorf("cannot decode mod listing: %w", err)
	}
	for i := range mods {
		if err := mods[i].check(); err != nil {
			return nil, fmt.Errorf("mod %d: %w", i, err)
		}
	}
	return mods, nil
}

func (m *ModRef) check() error {
	switch {
	case m.Name == nil:
		return &MissingFieldError{"name"}
	case m.Owner == nil:
		return &MissingFieldError{"owner"}
	case m.DateCreated == nil:
		return &MissingFieldError{"date_created"}
	case m.DateUpdated == nil:
		return &MissingFieldError{"date_updated"}
	case m.RatingScore == nil:
		return &MissingFieldError{"rating_score"}
	case m.IsPinned == nil:
		return &MissingFieldError{"is_pinned"}
	case m.IsDeprecated == nil:
		return &MissingFieldError{"is_deprecated"}
	case m.HasNSFWContent == nil:
		return &MissingFieldError{"has_nsfw_content"}
	case m.Categories == nil:
		return &MissingFieldError{"categories"}
	case m.Versions == nil:
		return &MissingFieldError{"versions"}
	}
	for i := range m.Versions {
		if err := m.Versions[i].check(); err != nil {
			return fmt.Errorf("%s-%s version %d: %w", *m.Owner, *m.Name, i, err)
		}
	}
	return nil
}

func (v *VersionRef) check() error {
	switch {
	case v.Description == nil:
		return &MissingFieldError{"description"}
	case v.VersionNumber == nil:
		return &MissingFieldError{"version_number"}
	case v.Dependencies == nil:
		return &MissingFieldError{"dependencies"}
	case v.Downloads == nil:
		return &MissingFieldError{"downloads"}
	case v.DateCreated == nil:
		return &MissingFieldError{"date_created"}
	case v.IsActive == nil:
		return &MissingFieldError{"is_active"}
	case v.FileSize == nil:
		return &MissingFieldError{"file_size"}
	}
	return nil
}
