package modindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manderrow/manderrow/internal/logging"
	"github.com/manderrow/manderrow/internal/semver"
	"github.com/manderrow/manderrow/internal/tasks"
)

type fixtureVersion struct {
	number    string
	downloads uint64
	deps      []string
}

func fixtureMod(owner, name string, versions ...fixtureVersion) map[string]any {
	vs := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		deps := v.deps
		if deps == nil {
			deps = []string{}
		}
		vs = append(vs, map[string]any{
			"name":           name,
			"full_name":      owner + "-" + name + "-" + v.number,
			"description":    name + " does things",
			"version_number": v.number,
			"dependencies":   deps,
			"download_url":   "https://example.invalid/" + owner + "/" + name + "/" + v.number,
			"downloads":      v.downloads,
			"date_created":   "2024-01-02T03:04:05.123456Z",
			"website_url":    "",
			"is_active":      true,
			"file_size":      1000 + v.downloads,
			"uuid4":          "ignored",
		})
	}
	return map[string]any{
		"name":             name,
		"full_name":        owner + "-" + name,
		"owner":            owner,
		"package_url":      "ignored",
		"date_created":     "2023-05-06T07:08:09Z",
		"date_updated":     "2024-05-06T07:08:09Z",
		"rating_score":     7,
		"is_pinned":        false,
		"is_deprecated":    false,
		"has_nsfw_content": false,
		"categories":       []string{"Mods", "Client-side"},
		"versions":         vs,
	}
}

func fixtureChunks() [][]map[string]any {
	return [][]map[string]any{
		{
			fixtureMod("notnotnotswipez", "MoreCompany",
				fixtureVersion{"1.9.1", 900_000, []string{"BepInEx-BepInExPack-5.4.2100"}},
				fixtureVersion{"1.9.0", 100_000, nil}),
			fixtureMod("BepInEx", "BepInExPack", fixtureVersion{"5.4.2100", 5_000_000, nil}),
			fixtureMod("x753", "More_Suits", fixtureVersion{"1.4.3", 50_000, []string{"BepInEx-BepInExPack-5.4.2100"}}),
		},
		{
			fixtureMod("Evaisa", "LethalLib",
				fixtureVersion{"0.16.0", 2_000_000, []string{"BepInEx-BepInExPack-5.4.2100", "Evaisa-HookGenPatcher-0.0.5"}}),
			fixtureMod("Evaisa", "HookGenPatcher", fixtureVersion{"0.0.5", 1_500_000, nil}),
			fixtureMod("someone", "MyOwnRandomEmotes", fixtureVersion{"1.0.0", 10, nil}),
			fixtureMod("MoreMods", "Unrelated", fixtureVersion{"2.0.0", 10, nil}),
		},
	}
}

func gzipJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// newIndexServer serves a manifest at /index and one file per chunk.
func newIndexServer(t *testing.T, chunks [][]map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	urls := make([]string, len(chunks))
	for i, c := range chunks {
		body := gzipJSON(t, c)
		path := fmt.Sprintf("/chunk/%d", i)
		urls[i] = srv.URL + path
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/gzip")
			_, _ = w.Write(body)
		})
	}
	manifest := gzipJSON(t, urls)
	mux.HandleFunc("/index", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(manifest)
	})
	return srv, &hits
}

func fetchedIndex(t *testing.T) *ModIndex {
	t.Helper()
	srv, _ := newIndexServer(t, fixtureChunks())
	reg := NewRegistry(srv.Client(), nil, logging.Discard())
	idx := reg.Get(srv.URL + "/index")
	require.NoError(t, idx.Fetch(context.Background(), false, nil))
	return idx
}

func TestFetch_PublishesAllChunks(t *testing.T) {
	srv, hits := newIndexServer(t, fixtureChunks())
	reg := NewRegistry(srv.Client(), nil, logging.Discard())
	idx := reg.Get(srv.URL + "/index")
	assert.Same(t, idx, reg.Get(srv.URL+"/index"))

	m := tasks.NewManager(nil)
	task := m.Start(context.Background(), tasks.Metadata{Title: "index", Kind: tasks.KindIndex, ProgressUnit: tasks.UnitBytes})
	defer task.Close()

	require.NoError(t, idx.Fetch(context.Background(), false, task))
	snap := idx.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, 7, snap.Len())

	done, total := idx.Progress()
	assert.Positive(t, done)
	assert.Equal(t, done, total)

	// Without refresh a populated index is not fetched again.
	require.NoError(t, idx.Fetch(context.Background(), false, nil))
	assert.Equal(t, int32(1), hits.Load())

	require.NoError(t, idx.Fetch(context.Background(), true, nil))
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	idx := NewRegistry(srv.Client(), nil, logging.Discard()).Get(srv.URL)
	err := idx.Fetch(context.Background(), false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
	assert.Empty(t, idx.Snapshot())
}

func TestArchive_RecomputesTotalDownloads(t *testing.T) {
	mod := fixtureMod("a", "b", fixtureVersion{"1.0.0", 5, nil}, fixtureVersion{"0.9.0", 7, nil})
	mod["total_downloads"] = 999999
	data, err := json.Marshal([]any{mod})
	require.NoError(t, err)

	c, err := BuildChunk(data)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	m := c.Mod(0)
	assert.Equal(t, uint64(12), m.TotalDownloads())
	assert.Equal(t, ModID{Owner: "a", Name: "b"}, m.ID())
	assert.Equal(t, []string{"Mods", "Client-side"}, m.Categories())
	assert.Equal(t, 2, m.NumVersions())
	assert.Equal(t, semver.MustNew(1, 0, 0), m.Version(0).Number())
	assert.Equal(t, 2024, m.Version(0).DateCreated().Year())
	assert.Equal(t, 123456000, m.Version(0).DateCreated().Nanosecond())
	url, ok := m.Version(1).DownloadURL()
	assert.True(t, ok)
	assert.Equal(t, "https://example.invalid/a/b/0.9.0", url)
	_, ok = m.DonationLink()
	assert.False(t, ok)
}

func TestArchive_MissingRequiredField(t *testing.T) {
	mod := fixtureMod("a", "b", fixtureVersion{"1.0.0", 5, nil})
	delete(mod, "rating_score")
	data, err := json.Marshal([]any{mod})
	require.NoError(t, err)

	_, err = BuildChunk(data)
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "rating_score", missing.Field)
}

func TestArchive_TimestampOutOfRange(t *testing.T) {
	mod := fixtureMod("a", "b", fixtureVersion{"1.0.0", 5, nil})
	mod["date_created"] = "0000-01-01T00:00:00Z"
	data, err := json.Marshal([]any{mod})
	require.NoError(t, err)

	_, err = BuildChunk(data)
	assert.ErrorIs(t, err, ErrInvalidChunk)
}

func TestLoadChunk_RejectsCorruption(t *testing.T) {
	data, err := json.Marshal(fixtureChunks()[0])
	require.NoError(t, err)
	c, err := BuildChunk(data)
	require.NoError(t, err)
	good := c.Bytes()

	_, err = LoadChunk(good[:len(good)-1])
	assert.ErrorIs(t, err, ErrInvalidChunk)

	bad := bytes.Clone(good)
	bad[0] = 'X'
	_, err = LoadChunk(bad)
	assert.ErrorIs(t, err, ErrInvalidChunk)

	// Point the first mod's name at a string that does not exist.
	bad = bytes.Clone(good)
	le.PutUint32(bad[headerSize+modName:], 1<<30)
	_, err = LoadChunk(bad)
	assert.ErrorIs(t, err, ErrInvalidChunk)

	// A version word that is not canonical.
	bad = bytes.Clone(good)
	verOff := headerSize + c.Len()*modRowSize
	le.PutUint64(bad[verOff+verNumber:], 0)
	_, err = LoadChunk(bad)
	assert.ErrorIs(t, err, ErrInvalidChunk)
}

func TestQuery_TopResultAndCount(t *testing.T) {
	snap := fetchedIndex(t).Snapshot()
	sort := []SortOption{{Column: ColumnRelevance, Descending: true}}

	results := Query(snap, "more", sort)
	require.NotEmpty(t, results)
	assert.Equal(t, ModID{Owner: "notnotnotswipez", Name: "MoreCompany"}, results[0].Mod.ID())
	assert.Equal(t, Count(snap, "more"), len(results))

	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
	for _, r := range results {
		assert.NotEqual(t, "LethalLib", r.Mod.Name())
	}
}

func TestQuery_EmptyQueryIncludesEverything(t *testing.T) {
	snap := fetchedIndex(t).Snapshot()
	results := Query(snap, "", []SortOption{{Column: ColumnDownloads, Descending: true}, {Column: ColumnName}})
	require.Len(t, results, snap.Len())
	assert.Equal(t, snap.Len(), Count(snap, ""))
	assert.Equal(t, "BepInExPack", results[0].Mod.Name())
	for _, r := range results {
		assert.Equal(t, MaxScore, r.Score)
	}
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Mod.TotalDownloads(), results[i-1].Mod.TotalDownloads())
	}
}

func TestQuery_SortByOwnerThenName(t *testing.T) {
	snap := fetchedIndex(t).Snapshot()
	results := Query(snap, "", []SortOption{{Column: ColumnOwner}, {Column: ColumnName}})
	require.Len(t, results, 7)
	assert.Equal(t, "BepInEx", results[0].Mod.Owner())
	assert.Equal(t, "HookGenPatcher", results[1].Mod.Name())
	assert.Equal(t, "LethalLib", results[2].Mod.Name())
}

func TestGet_PreservesRequestOrder(t *testing.T) {
	snap := fetchedIndex(t).Snapshot()
	ids := []ModID{
		{Owner: "Evaisa", Name: "LethalLib"},
		{Owner: "nobody", Name: "Nothing"},
		{Owner: "notnotnotswipez", Name: "MoreCompany"},
		{Owner: "Evaisa", Name: "LethalLib"},
	}
	got := Get(snap, ids)
	require.Len(t, got, 4)
	require.NotNil(t, got[0])
	assert.Equal(t, "LethalLib", got[0].Name())
	assert.Nil(t, got[1])
	require.NotNil(t, got[2])
	assert.Equal(t, "MoreCompany", got[2].Name())
	require.NotNil(t, got[3])
}

func TestResolve_DependenciesFirst(t *testing.T) {
	snap := fetchedIndex(t).Snapshot()
	pkgs, err := Resolve(snap, []string{"Evaisa-LethalLib-0.16.0", "notnotnotswipez-MoreCompany-1.9.1"})
	require.NoError(t, err)

	var ids []string
	for _, p := range pkgs {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{
		"BepInEx-BepInExPack-5.4.2100",
		"Evaisa-HookGenPatcher-0.0.5",
		"Evaisa-LethalLib-0.16.0",
		"notnotnotswipez-MoreCompany-1.9.1",
	}, ids)
}

func TestResolve_Missing(t *testing.T) {
	snap := fetchedIndex(t).Snapshot()
	_, err := Resolve(snap, []string{"nobody-Nothing-1.0.0", "Evaisa-LethalLib-9.9.9"})
	var missing *MissingError
	require.ErrorAs(t, err, &missing)
	assert.ElementsMatch(t, []string{"nobody-Nothing-1.0.0", "Evaisa-LethalLib-9.9.9"}, missing.Missing)
}

func TestResolve_IgnoresSupersededRequirements(t *testing.T) {
	srv, _ := newIndexServer(t, [][]map[string]any{{
		fixtureMod("Acme", "Lib",
			fixtureVersion{"2.0.0", 10, nil},
			fixtureVersion{"1.0.0", 10, []string{"Gone-Ghost-1.0.0"}}),
		fixtureMod("Acme", "Tool", fixtureVersion{"1.0.0", 10, []string{"Acme-Lib-1.0.0"}}),
	}})
	idx := NewRegistry(srv.Client(), nil, logging.Discard()).Get(srv.URL + "/index")
	require.NoError(t, idx.Fetch(context.Background(), false, nil))
	snap := idx.Snapshot()

	pkgs, err := Resolve(snap, []string{"Acme-Tool-1.0.0", "Acme-Lib-2.0.0"})
	require.NoError(t, err)
	var ids []string
	for _, p := range pkgs {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"Acme-Lib-2.0.0", "Acme-Tool-1.0.0"}, ids)

	_, err = Resolve(snap, []string{"Acme-Tool-1.0.0"})
	var missing *MissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"Gone-Ghost-1.0.0"}, missing.Missing)
}

func TestParseDependency(t *testing.T) {
	d, err := ParseDependency("Some-Team-ModName-1.2.3")
	require.NoError(t, err)
	assert.Equal(t, ModID{Owner: "Some-Team", Name: "ModName"}, d.ModID)
	assert.Equal(t, "1.2.3", d.Version.String())

	for _, bad := range []string{"", "nohyphen", "-Name-1.0.0", "Owner--1.0.0", "Owner-Name-x.y.z"} {
		_, err := ParseDependency(bad)
		assert.ErrorIs(t, err, ErrInvalidDependency, bad)
	}
}

func TestDiskCache_RoundTrip(t *testing.T) {
	cache, err := OpenDiskCache("")
	require.NoError(t, err)
	defer cache.Close()

	srv, hits := newIndexServer(t, fixtureChunks())
	url := srv.URL + "/index"
	idx := NewRegistry(srv.Client(), cache, logging.Discard()).Get(url)
	ok, err := idx.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, idx.Fetch(context.Background(), false, nil))

	// A fresh registry hydrates from the cache without touching the network.
	fresh := NewRegistry(srv.Client(), cache, logging.Discard()).Get(url)
	ok, err = fresh.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, fresh.Snapshot().Len())
	require.NoError(t, fresh.Fetch(context.Background(), false, nil))
	assert.Equal(t, int32(1), hits.Load())
}
