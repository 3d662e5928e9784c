// Package modindex fetches, archives and queries the public mod catalog of a
// game.
//
// A game's catalog is published as a gzipped JSON array of chunk URLs, each
// of which serves a gzipped JSON array of mods. Every chunk is archived into
// a compact immutable buffer and published into the index atomically.
package modindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/manderrow/manderrow/internal/tasks"
)

// fetchConcurrency bounds concurrent chunk downloads.
const fetchConcurrency = 8

// Snapshot is an immutable view of the chunks published at one moment.
type Snapshot []*Chunk

// Len returns the total number of mods.
func (s Snapshot) Len() int {
	n := 0
	for _, c := range s {
		n += c.Len()
	}
	return n
}

// All calls yield for every mod in chunk order.
func (s Snapshot) All(yield func(Mod) bool) {
	for _, c := range s {
		for i := range c.Len() {
			if !yield(c.Mod(i)) {
				return
			}
		}
	}
}

// Registry owns one ModIndex per remote index URL.
type Registry struct {
	client *http.Client
	cache  *DiskCache
	logger *log.Logger

	mu      sync.Mutex
	indexes map[string]*ModIndex
}

// NewRegistry creates a Registry. cache may be nil.
func NewRegistry(client *http.Client, cache *DiskCache, logger *log.Logger) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{client: client, cache: cache, logger: logger, indexes: make(map[string]*ModIndex)}
}

// Get returns the index for url, creating it on first use.
func (r *Registry) Get(url string) *ModIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.indexes[url]; ok {
		return m
	}
	m := &ModIndex{
		url:    url,
		client: r.client,
		cache:  r.cache,
		logger: r.logger.With("index", url),
	}
	r.indexes[url] = m
	return m
}

// ModIndex holds the archived catalog of one game.
type ModIndex struct {
	url    string
	client *http.Client
	cache  *DiskCache
	logger *log.Logger

	mu     sync.RWMutex
	chunks Snapshot

	refreshMu sync.Mutex
	inflight  chan struct{}

	downloaded atomic.Uint64
	expected   atomic.Uint64
}

// URL returns the manifest location.
func (m *ModIndex) URL() string { return m.url }

// Snapshot returns the currently published chunks. The read lock is held
// only long enough to copy the slice header.
func (m *ModIndex) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chunks
}

// Progress returns bytes downloaded and bytes expected by the running fetch.
func (m *ModIndex) Progress() (uint64, uint64) {
	return m.downloaded.Load(), m.expected.Load()
}

func (m *ModIndex) publish(chunks Snapshot) {
	m.mu.Lock()
	m.chunks = chunks
	m.mu.Unlock()
}

// Load hydrates the index from the disk cache. It returns false when the
// cache holds nothing usable for this index.
func (m *ModIndex) Load() (bool, error) {
	if m.cache == nil {
		return false, nil
	}
	bufs, fetchedAt, err := m.cache.Load(m.url)
	if err != nil || bufs == nil {
		return false, err
	}
	chunks := make(Snapshot, 0, len(bufs))
	for i, b := range bufs {
		c, err := LoadChunk(b)
		if err != nil {
			m.logger.Warn("discarding cached index", "chunk", i, "err", err)
			return false, nil
		}
		chunks = append(chunks, c)
	}
	m.publish(chunks)
	m.logger.Debug("loaded cached index", "chunks", len(chunks), "mods", chunks.Len(), "fetched", fetchedAt)
	return true, nil
}

// Fetch downloads and publishes the catalog. Without refresh an index that
// already has data is left alone. Concurrent callers wait for the fetch in
// progress instead of starting another.
func (m *ModIndex) Fetch(ctx context.Context, refresh bool, task *tasks.Handle) error {
	if !refresh && len(m.Snapshot()) != 0 {
		return nil
	}

	m.refreshMu.Lock()
	if ch := m.inflight; ch != nil {
		m.refreshMu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	m.inflight = done
	m.refreshMu.Unlock()
	defer func() {
		m.refreshMu.Lock()
		m.inflight = nil
		m.refreshMu.Unlock()
		close(done)
	}()

	m.downloaded.Store(0)
	m.expected.Store(0)

	start := time.Now()
	urls, err := m.fetchManifest(ctx, task)
	if err != nil {
		return err
	}

	chunks := make(Snapshot, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			data, err := m.download(gctx, u, task)
			if err != nil {
				return err
			}
			c, err := BuildChunk(data)
			if err != nil {
				return fmt.Errorf("cannot archive chunk %s: %w", u, err)
			}
			chunks[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.publish(chunks)
	m.logger.Info("fetched mod index", "chunks", len(chunks), "mods", chunks.Len(), "took", time.Since(start).Round(time.Millisecond))

	if m.cache != nil {
		bufs := make([][]byte, len(chunks))
		for i, c := range chunks {
			bufs[i] = c.Bytes()
		}
		if err := m.cache.Store(m.url, bufs, time.Now()); err != nil {
			m.logger.Warn("cannot cache mod index", "err", err)
		}
	}
	return nil
}

func (m *ModIndex) fetchManifest(ctx context.Context, task *tasks.Handle) ([]string, error) {
	data, err := m.download(ctx, m.url, task)
	if err != nil {
		return nil, err
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil, fmt.Errorf("cannot decode index manifest: %w", err)
	}
	return urls, nil
}

// download GETs a gzipped resource and returns the decompressed body.
func (m *ModIndex) download(ctx context.Context, url string, task *tasks.Handle) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cannot fetch %s: HTTP %d", url, resp.StatusCode)
	}

	if resp.ContentLength > 0 {
		m.expected.Add(uint64(resp.ContentLength))
		if task != nil {
			task.AddProgress(0, uint64(resp.ContentLength))
		}
	} else {
		m.logger.Debug("response has no content length", "url", url)
	}

	zr, err := gzip.NewReader(&progressReader{r: resp.Body, m: m, task: task})
	if err != nil {
		return nil, fmt.Errorf("cannot decompress %s: %w", url, err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, fmt.Errorf("cannot decompress %s: %w", url, err)
	}
	return buf.Bytes(), nil
}

type progressReader struct {
	r    io.Reader
	m    *ModIndex
	task *tasks.Handle
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.m.downloaded.Add(uint64(n))
		if p.task != nil {
			p.task.AddProgress(uint64(n), 0)
		}
	}
	return n, err
}
