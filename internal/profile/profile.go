// Package profile manages mod profiles under <data>/profiles/<uuid>/.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/manderrow/manderrow/internal/installer"
	"github.com/manderrow/manderrow/internal/modindex"
	"github.com/manderrow/manderrow/internal/tasks"
)

// FileName is the profile metadata file.
const FileName = "profile.json"

// ErrNotFound is returned for unknown profiles.
var ErrNotFound = errors.New("profile not found")

var validate = validator.New()

// InstalledMod records one package installed into a profile.
type InstalledMod struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Profile is a named set of mods for one game.
type Profile struct {
	ID        uuid.UUID      `json:"-"`
	Name      string         `json:"name" validate:"required,max=128"`
	Game      string         `json:"game" validate:"required"`
	CreatedAt time.Time      `json:"created_at"`
	Mods      []InstalledMod `json:"mods,omitempty"`

	dir string
}

// Dir is the profile's root directory.
func (p *Profile) Dir() string { return p.dir }

// ModsDir holds one directory per installed package.
func (p *Profile) ModsDir() string { return filepath.Join(p.dir, "mods") }

// ConfigDir holds mod configuration files.
func (p *Profile) ConfigDir() string { return filepath.Join(p.dir, "config") }

// PatchersDir holds preloader patchers.
func (p *Profile) PatchersDir() string { return filepath.Join(p.dir, "patchers") }

// ModDir is where the package "owner-name" is installed.
func (p *Profile) ModDir(id string) string { return filepath.Join(p.ModsDir(), id) }

// Store manages the profiles in one directory.
type Store struct {
	dir    string
	logger *log.Logger
	mu     sync.Mutex
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Create makes a new empty profile.
func (s *Store) Create(name, game string) (*Profile, error) {
	p := &Profile{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(name),
		Game:      game,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	p.dir = filepath.Join(s.dir, p.ID.String())
	for _, d := range []string{p.ModsDir(), p.ConfigDir(), p.PatchersDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", d, err)
		}
	}
	if err := s.Save(p); err != nil {
		return nil, err
	}
	s.logger.Info("created profile", "id", p.ID, "name", p.Name, "game", p.Game)
	return p, nil
}

// Save writes profile.json.
func (s *Store) Save(p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot encode profile: %w", err)
	}
	path := filepath.Join(p.dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// Get loads a profile by id.
func (s *Store) Get(id uuid.UUID) (*Profile, error) {
	dir := filepath.Join(s.dir, id.String())
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("cannot decode profile %s: %w", id, err)
	}
	p.ID = id
	p.dir = dir
	return &p, nil
}

// Find resolves a profile by id, id prefix or exact name.
func (s *Store) Find(ref string) (*Profile, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return s.Get(id)
	}
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var match *Profile
	for _, p := range all {
		if p.Name == ref || strings.HasPrefix(p.ID.String(), ref) {
			if match != nil {
				return nil, fmt.Errorf("profile reference %q is ambiguous", ref)
			}
			match = p
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return match, nil
}

// List returns every profile sorted by name. Directories that are not
// profiles are skipped.
func (s *Store) List() ([]*Profile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Profile
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		p, err := s.Get(id)
		if err != nil {
			s.logger.Warn("skipping unreadable profile", "dir", e.Name(), "err", err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Delete removes a profile and everything in it.
func (s *Store) Delete(id uuid.UUID) error {
	p, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p.dir); err != nil {
		return fmt.Errorf("cannot delete profile %s: %w", id, err)
	}
	s.logger.Info("deleted profile", "id", id)
	return nil
}

// PackageInstaller installs one package. *installer.Installer implements it.
type PackageInstaller interface {
	InstallZip(ctx context.Context, req installer.Request, task *tasks.Handle) error
}

// DownloadURL returns the artifact URL of a package, falling back to the
// Thunderstore download endpoint.
func DownloadURL(pkg modindex.Package) string {
	if u, ok := pkg.Version.DownloadURL(); ok {
		return u
	}
	id := pkg.Mod.ID()
	return fmt.Sprintf("https://thunderstore.io/package/download/%s/%s/%s/", id.Owner, id.Name, pkg.Version.Number())
}

// resolveRef turns "owner-name" into "owner-name-<latest>". Full
// dependency strings are returned unchanged.
func resolveRef(snap modindex.Snapshot, ref string) (string, error) {
	if _, err := modindex.ParseDependency(ref); err == nil {
		return ref, nil
	}
	i := strings.LastIndexByte(ref, '-')
	if i <= 0 {
		return "", fmt.Errorf("%w: %q", modindex.ErrInvalidDependency, ref)
	}
	mods := modindex.Get(snap, []modindex.ModID{{Owner: ref[:i], Name: ref[i+1:]}})
	if mods[0] == nil {
		return "", &modindex.MissingError{Missing: []string{ref}}
	}
	latest, ok := mods[0].Latest()
	if !ok {
		return "", fmt.Errorf("%s has no versions", ref)
	}
	return ref + "-" + latest.Number().String(), nil
}

// AddMod installs ref and its dependencies into p. ref is "owner-name" for
// the latest version or "owner-name-x.y.z".
func (s *Store) AddMod(ctx context.Context, p *Profile, snap modindex.Snapshot, inst PackageInstaller, ref string, task *tasks.Handle) ([]modindex.Package, error) {
	full, err := resolveRef(snap, ref)
	if err != nil {
		return nil, err
	}
	pkgs, err := modindex.Resolve(snap, []string{full})
	if err != nil {
		return nil, err
	}
	for i, pkg := range pkgs {
		id := pkg.Mod.ID().String()
		if task != nil {
			task.SetProgress(uint64(i), uint64(len(pkgs)))
		}
		req := installer.Request{URL: DownloadURL(pkg), Target: p.ModDir(id)}
		if err := inst.InstallZip(ctx, req, task); err != nil {
			return nil, fmt.Errorf("cannot install %s: %w", pkg.ID(), err)
		}
		p.recordMod(id, pkg.Version.Number().String())
		if err := s.Save(p); err != nil {
			return nil, err
		}
	}
	if task != nil {
		task.SetProgress(uint64(len(pkgs)), uint64(len(pkgs)))
	}
	return pkgs, nil
}

func (p *Profile) recordMod(id, version string) {
	for i := range p.Mods {
		if p.Mods[i].ID == id {
			p.Mods[i].Version = version
			return
		}
	}
	p.Mods = append(p.Mods, InstalledMod{ID: id, Version: version})
	sort.Slice(p.Mods, func(i, j int) bool { return p.Mods[i].ID < p.Mods[j].ID })
}

// RemoveMod uninstalls "owner-name" from p. With keepChanges, files the
// user added or edited stay in place.
func (s *Store) RemoveMod(ctx context.Context, p *Profile, id string, keepChanges bool) error {
	idx := -1
	for i, m := range p.Mods {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%s is not installed in profile %s", id, p.Name)
	}
	if err := installer.Uninstall(ctx, p.ModDir(id), keepChanges); err != nil {
		return err
	}
	p.Mods = append(p.Mods[:idx], p.Mods[idx+1:]...)
	return s.Save(p)
}
