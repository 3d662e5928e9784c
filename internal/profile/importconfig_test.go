package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manderrow/manderrow/internal/logging"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestImportConfig(t *testing.T) {
	store := NewStore(t.TempDir(), logging.Discard())
	p, err := store.Create("main", "riskofrain2")
	require.NoError(t, err)

	writeFile(t, p.ConfigDir(), "BepInEx.cfg", "[Logging]\nEnabled = true\n")
	writeFile(t, p.ConfigDir(), "same.cfg", "identical")

	src := t.TempDir()
	writeFile(t, src, "BepInEx.cfg", "[Logging]\nEnabled = false\n")
	writeFile(t, src, "same.cfg", "identical")
	writeFile(t, src, "plugin/new.cfg", "fresh")
	writeFile(t, src, ".DS_Store", "junk")

	res, err := ImportConfig(context.Background(), p, src)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, filepath.Join(p.ConfigDir(), "BepInEx.imported.cfg"), res.Conflicts[0].Incoming)

	kept, err := os.ReadFile(filepath.Join(p.ConfigDir(), "BepInEx.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "[Logging]\nEnabled = true\n", string(kept))
	incoming, err := os.ReadFile(res.Conflicts[0].Incoming)
	require.NoError(t, err)
	assert.Equal(t, "[Logging]\nEnabled = false\n", string(incoming))

	fresh, err := os.ReadFile(filepath.Join(p.ConfigDir(), "plugin", "new.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(fresh))
	assert.NoFileExists(t, filepath.Join(p.ConfigDir(), ".DS_Store"))
}

func TestImportConfig_NotADirectory(t *testing.T) {
	store := NewStore(t.TempDir(), logging.Discard())
	p, err := store.Create("main", "riskofrain2")
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "x.cfg")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = ImportConfig(context.Background(), p, file)
	assert.Error(t, err)
}
