package profile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manderrow/manderrow/internal/installer"
	"github.com/manderrow/manderrow/internal/logging"
	"github.com/manderrow/manderrow/internal/modindex"
	"github.com/manderrow/manderrow/internal/tasks"
)

func listing(t *testing.T) modindex.Snapshot {
	t.Helper()
	mod := func(owner, name string, versions ...map[string]any) map[string]any {
		return map[string]any{
			"name": name, "owner": owner,
			"date_created": "2023-05-06T07:08:09Z", "date_updated": "2024-05-06T07:08:09Z",
			"rating_score": 1, "is_pinned": false, "is_deprecated": false, "has_nsfw_content": false,
			"categories": []string{}, "versions": versions,
		}
	}
	version := func(number string, deps ...string) map[string]any {
		if deps == nil {
			deps = []string{}
		}
		return map[string]any{
			"description": "d", "version_number": number, "dependencies": deps,
			"downloads": 1, "date_created": "2024-01-02T03:04:05Z", "is_active": true, "file_size": 10,
		}
	}
	data, err := json.Marshal([]map[string]any{
		mod("notnotnotswipez", "MoreCompany", version("1.9.1", "BepInEx-BepInExPack-5.4.2100"), version("1.9.0")),
		mod("BepInEx", "BepInExPack", version("5.4.2100")),
	})
	require.NoError(t, err)
	chunk, err := modindex.BuildChunk(data)
	require.NoError(t, err)
	return modindex.Snapshot{chunk}
}

type recordingInstaller struct {
	requests []installer.Request
}

func (r *recordingInstaller) InstallZip(_ context.Context, req installer.Request, _ *tasks.Handle) error {
	r.requests = append(r.requests, req)
	if err := os.MkdirAll(req.Target, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(req.Target, "plugin.dll"), []byte("x"), 0o644)
}

func TestStoreCRUD(t *testing.T) {
	s := NewStore(t.TempDir(), logging.Discard())

	b, err := s.Create("Beta", "lethal-company")
	require.NoError(t, err)
	a, err := s.Create("  Alpha ", "lethal-company")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", a.Name)
	assert.DirExists(t, a.ModsDir())
	assert.DirExists(t, a.ConfigDir())
	assert.DirExists(t, a.PatchersDir())

	_, err = s.Create("", "lethal-company")
	assert.Error(t, err)

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Alpha", all[0].Name)
	assert.Equal(t, b.ID, all[1].ID)

	got, err := s.Find("Beta")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	got, err = s.Find(a.ID.String()[:8])
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	require.NoError(t, s.Delete(a.ID))
	_, err = s.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, a.Dir())
}

func TestAddModInstallsDependenciesFirst(t *testing.T) {
	s := NewStore(t.TempDir(), logging.Discard())
	p, err := s.Create("p", "lethal-company")
	require.NoError(t, err)
	inst := &recordingInstaller{}

	pkgs, err := s.AddMod(context.Background(), p, listing(t), inst, "notnotnotswipez-MoreCompany", nil)
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "BepInEx-BepInExPack-5.4.2100", pkgs[0].ID())
	assert.Equal(t, "notnotnotswipez-MoreCompany-1.9.1", pkgs[1].ID())

	require.Len(t, inst.requests, 2)
	assert.Equal(t, p.ModDir("BepInEx-BepInExPack"), inst.requests[0].Target)
	assert.Equal(t, "https://thunderstore.io/package/download/BepInEx/BepInExPack/5.4.2100/", inst.requests[0].URL)

	reloaded, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, []InstalledMod{
		{ID: "BepInEx-BepInExPack", Version: "5.4.2100"},
		{ID: "notnotnotswipez-MoreCompany", Version: "1.9.1"},
	}, reloaded.Mods)

	_, err = s.AddMod(context.Background(), p, listing(t), inst, "notnotnotswipez-MoreCompany-1.9.0", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.9.0", p.Mods[1].Version)

	_, err = s.AddMod(context.Background(), p, listing(t), inst, "nobody-Nothing", nil)
	var missing *modindex.MissingError
	assert.ErrorAs(t, err, &missing)
}

func TestRemoveMod(t *testing.T) {
	s := NewStore(t.TempDir(), logging.Discard())
	p, err := s.Create("p", "lethal-company")
	require.NoError(t, err)
	_, err = s.AddMod(context.Background(), p, listing(t), &recordingInstaller{}, "BepInEx-BepInExPack", nil)
	require.NoError(t, err)

	require.NoError(t, s.RemoveMod(context.Background(), p, "BepInEx-BepInExPack", false))
	assert.NoDirExists(t, p.ModDir("BepInEx-BepInExPack"))
	assert.Empty(t, p.Mods)

	assert.Error(t, s.RemoveMod(context.Background(), p, "BepInEx-BepInExPack", false))
}
