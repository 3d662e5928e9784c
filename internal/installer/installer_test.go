package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manderrow/manderrow/internal/installer/cache"
	"github.com/manderrow/manderrow/internal/logging"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

var packageV1 = map[string]string{
	"manifest.json":               `{"name":"Example","version_number":"1.0.0"}`,
	"README.md":                   "# Example\n",
	"BepInEx/plugins/Example.dll": "v1 binary",
	"BepInEx/config/Example.cfg":  "enabled = true\n",
	`BepInEx\patchers\Patch.dll`:  "patcher",
}

type fixture struct {
	installer *Installer
	srv       *httptest.Server
	target    string
}

func newFixture(t *testing.T, packages map[string]map[string]string) *fixture {
	t.Helper()
	mux := http.NewServeMux()
	for path, files := range packages {
		body := buildZip(t, files)
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(body) })
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := cache.Open(t.TempDir(), srv.Client(), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &fixture{
		installer: New(c, logging.Discard()),
		srv:       srv,
		target:    filepath.Join(t.TempDir(), "mods", "Example"),
	}
}

func (f *fixture) install(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, f.installer.InstallZip(context.Background(), Request{URL: f.srv.URL + path, Target: f.target}, nil))
}

func (f *fixture) path(rel string) string { return filepath.Join(f.target, filepath.FromSlash(rel)) }

func TestInstallZip_Fresh(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{"/v1.zip": packageV1})
	f.install(t, "/v1.zip")

	got, err := os.ReadFile(f.path("BepInEx/plugins/Example.dll"))
	require.NoError(t, err)
	assert.Equal(t, "v1 binary", string(got))
	assert.FileExists(t, f.path("BepInEx/patchers/Patch.dll"))

	idx, err := ReadIndex(f.target)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, idx.Entries["BepInEx"].Kind)
	assert.Equal(t, KindFile, idx.Entries["README.md"].Kind)
	assert.NotContains(t, idx.Entries, IndexFileName)

	changes, err := Scan(context.Background(), f.target)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestScan_DeletedAndModified(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{"/v1.zip": packageV1})
	f.install(t, "/v1.zip")

	require.NoError(t, os.Remove(f.path("BepInEx/plugins/Example.dll")))
	require.NoError(t, os.WriteFile(f.path("README.md"), []byte("edited"), 0o644))

	changes, err := Scan(context.Background(), f.target)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Change{
		{Path: "BepInEx/plugins/Example.dll", Kind: Deleted},
		{Path: "README.md", Kind: ContentModified},
	}, changes)
}

func TestScan_DeletedParentReportedOnce(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{"/v1.zip": packageV1})
	f.install(t, "/v1.zip")

	require.NoError(t, os.RemoveAll(f.path("BepInEx/plugins")))

	changes, err := Scan(context.Background(), f.target)
	require.NoError(t, err)
	assert.Equal(t, []Change{{Path: "BepInEx/plugins", Kind: Deleted}}, changes)
}

func TestScan_CreatedAndTypeChanged(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{"/v1.zip": packageV1})
	f.install(t, "/v1.zip")

	require.NoError(t, os.MkdirAll(f.path("BepInEx/plugins/Extra/sub"), 0o755))
	require.NoError(t, os.WriteFile(f.path("BepInEx/plugins/Extra/sub/x.dll"), nil, 0o644))
	require.NoError(t, os.Remove(f.path("README.md")))
	require.NoError(t, os.Mkdir(f.path("README.md"), 0o755))
	require.NoError(t, os.WriteFile(f.path("README.md/inner"), nil, 0o644))

	changes, err := Scan(context.Background(), f.target)
	require.NoError(t, err)
	assert.Equal(t, []Change{
		{Path: "BepInEx/plugins/Extra", Kind: Created},
		{Path: "README.md", Kind: TypeChanged},
	}, changes)
}

func TestScan_LinkTargetChanged(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("b"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(dir, "a"), filepath.Join(dir, "link")))

	idx, err := GenerateIndex(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, Entry{Kind: KindSymlink, Target: "a"}, idx.Entries["link"])
	target, err := os.Readlink(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a", target)
	require.NoError(t, WriteIndex(dir, idx))

	require.NoError(t, os.Remove(filepath.Join(dir, "link")))
	require.NoError(t, os.Symlink("b", filepath.Join(dir, "link")))

	changes, err := Scan(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []Change{{Path: "link", Kind: LinkTargetChanged}}, changes)
}

func TestInstallZip_UpdateKeepsUserChanges(t *testing.T) {
	v2 := map[string]string{
		"manifest.json":               `{"name":"Example","version_number":"2.0.0"}`,
		"README.md":                   "# Example v2\n",
		"BepInEx/plugins/Example.dll": "v2 binary",
		"BepInEx/config/Example.cfg":  "enabled = true\nnew = 1\n",
	}
	f := newFixture(t, map[string]map[string]string{"/v1.zip": packageV1, "/v2.zip": v2})
	f.install(t, "/v1.zip")

	require.NoError(t, os.WriteFile(f.path("BepInEx/config/Example.cfg"), []byte("enabled = false\n"), 0o644))
	require.NoError(t, os.WriteFile(f.path("BepInEx/plugins/Mine.dll"), []byte("mine"), 0o644))
	require.NoError(t, os.Remove(f.path("README.md")))

	f.install(t, "/v2.zip")

	got, err := os.ReadFile(f.path("BepInEx/config/Example.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "enabled = false\n", string(got))
	got, err = os.ReadFile(f.path("BepInEx/plugins/Example.dll"))
	require.NoError(t, err)
	assert.Equal(t, "v2 binary", string(got))
	assert.FileExists(t, f.path("BepInEx/plugins/Mine.dll"))
	assert.NoFileExists(t, f.path("README.md"))
	assert.NoDirExists(t, f.path("BepInEx/patchers"))

	// The index describes v2, so the carried-over edits are still changes.
	changes, err := Scan(context.Background(), f.target)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Change{
		{Path: "BepInEx/config/Example.cfg", Kind: ContentModified},
		{Path: "BepInEx/plugins/Mine.dll", Kind: Created},
		{Path: "README.md", Kind: Deleted},
	}, changes)
}

func TestInstallZip_InterruptedLeavesTargetUnchanged(t *testing.T) {
	v2 := map[string]string{"BepInEx/plugins/Example.dll": "v2 binary"}
	f := newFixture(t, map[string]map[string]string{"/v1.zip": packageV1, "/v2.zip": v2})
	f.install(t, "/v1.zip")
	before, err := os.ReadFile(filepath.Join(f.target, IndexFileName))
	require.NoError(t, err)

	var staged string
	boom := errors.New("interrupted")
	f.installer.beforeSwap = func(dir string) error {
		staged = dir
		return boom
	}
	err = f.installer.InstallZip(context.Background(), Request{URL: f.srv.URL + "/v2.zip", Target: f.target}, nil)
	require.ErrorIs(t, err, boom)

	got, err := os.ReadFile(f.path("BepInEx/plugins/Example.dll"))
	require.NoError(t, err)
	assert.Equal(t, "v1 binary", string(got))
	after, err := os.ReadFile(filepath.Join(f.target, IndexFileName))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoDirExists(t, staged)

	f.installer.beforeSwap = nil
	f.install(t, "/v2.zip")
	_, err = ReadIndex(f.target)
	require.NoError(t, err)
}

func TestUninstall(t *testing.T) {
	t.Run("discard changes", func(t *testing.T) {
		f := newFixture(t, map[string]map[string]string{"/v1.zip": packageV1})
		f.install(t, "/v1.zip")
		require.NoError(t, os.WriteFile(f.path("BepInEx/plugins/Mine.dll"), nil, 0o644))

		require.NoError(t, Uninstall(context.Background(), f.target, false))
		assert.NoDirExists(t, f.target)
		assert.NoFileExists(t, lockPath(f.target))
	})

	t.Run("keep changes", func(t *testing.T) {
		f := newFixture(t, map[string]map[string]string{"/v1.zip": packageV1})
		f.install(t, "/v1.zip")
		require.NoError(t, os.WriteFile(f.path("BepInEx/plugins/Mine.dll"), []byte("mine"), 0o644))
		require.NoError(t, os.WriteFile(f.path("BepInEx/config/Example.cfg"), []byte("edited"), 0o644))

		require.NoError(t, Uninstall(context.Background(), f.target, true))
		assert.FileExists(t, f.path("BepInEx/plugins/Mine.dll"))
		assert.FileExists(t, f.path("BepInEx/config/Example.cfg"))
		assert.NoFileExists(t, f.path("BepInEx/plugins/Example.dll"))
		assert.NoFileExists(t, f.path("README.md"))
		assert.NoDirExists(t, f.path("BepInEx/patchers"))
		assert.NoFileExists(t, filepath.Join(f.target, IndexFileName))
		assert.FileExists(t, lockPath(f.target))
	})
}

func TestIndexCodec(t *testing.T) {
	idx := NewIndex()
	idx.Entries["a"] = Entry{Kind: KindDirectory}
	idx.Entries["a/b.txt"] = Entry{Kind: KindFile, Hash: [32]byte{1, 2, 3}}
	idx.Entries["a/link"] = Entry{Kind: KindSymlink, Target: "b.txt"}

	data, err := idx.MarshalBinary()
	require.NoError(t, err)
	var got Index
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, *idx, got)

	t.Run("corrupt", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[len(bad)/2] ^= 0xff
		assert.ErrorIs(t, new(Index).UnmarshalBinary(bad), ErrInvalidIndex)
		assert.ErrorIs(t, new(Index).UnmarshalBinary(data[:10]), ErrInvalidIndex)
	})

	t.Run("foreign platform", func(t *testing.T) {
		foreign := *idx
		foreign.Platform = PlatformWindows
		if NativePlatform() == PlatformWindows {
			foreign.Platform = PlatformUnix
		}
		data, err := foreign.MarshalBinary()
		require.NoError(t, err)
		assert.ErrorIs(t, new(Index).UnmarshalBinary(data), ErrInvalidIndex)
	})

	t.Run("v1", func(t *testing.T) {
		v1 := &Index{Format: FormatV1, Entries: idx.Entries}
		data, err := v1.MarshalBinary()
		require.NoError(t, err)
		var got Index
		require.NoError(t, got.UnmarshalBinary(data))
		assert.Equal(t, FormatV1, got.Format)
		assert.Equal(t, idx.Entries, got.Entries)

		v1.Entries = map[string]Entry{"bad\xff": {Kind: KindDirectory}}
		_, err = v1.MarshalBinary()
		assert.ErrorIs(t, err, ErrInvalidIndex)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := ReadIndex(t.TempDir())
		var nf *IndexNotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}

func TestSanitizeArchivePath(t *testing.T) {
	cases := map[string]string{
		"a/b.txt":               filepath.FromSlash("a/b.txt"),
		`BepInEx\plugins\x.dll`: filepath.FromSlash("BepInEx/plugins/x.dll"),
		"./README.md":           "README.md",
		"../escape":             "",
		"/etc/passwd":           "",
		"a/../../b":             "",
		"":                      "",
		IndexFileName:           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeArchivePath(in), in)
	}
}
