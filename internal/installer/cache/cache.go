// Package cache stores downloaded artifacts by content hash and keeps a
// SQLite ledger of where each one came from and when it was last used.
package cache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/manderrow/manderrow/internal/tasks"
)

const ledgerFile = "ledger.db"

// ErrHashMismatch is returned when downloaded content does not match the
// requested hash.
var ErrHashMismatch = errors.New("artifact hash mismatch")

// ErrInvalidHash is returned for a hash that is not a hex BLAKE3 digest.
var ErrInvalidHash = errors.New("invalid artifact hash")

// Entry is one ledger row.
type Entry struct {
	Hash     string
	URL      string
	Size     int64
	Created  time.Time
	LastUsed time.Time
}

// Cache is a content-addressed artifact store rooted at a directory.
type Cache struct {
	dir    string
	db     *sql.DB
	client *http.Client
	logger *log.Logger
	now    func() time.Time
}

// Open opens the cache at dir, creating the directory and ledger if needed.
func Open(dir string, client *http.Client, logger *log.Logger) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, ledgerFile))
	if err != nil {
		return nil, fmt.Errorf("cannot open cache ledger: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Cache{dir: dir, db: db, client: client, logger: logger, now: time.Now}
	if err := c.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cannot migrate cache ledger: %w", err)
	}
	return c, nil
}

// Close closes the ledger.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) migrate(ctx context.Context) error {
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS artifacts (
			hash TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			last_used TEXT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS artifacts_url ON artifacts(url)",
	} {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Path returns where the artifact with the given hash is stored.
func (c *Cache) Path(hash string) string {
	return filepath.Join(c.dir, strings.ToLower(hash)+".zip")
}

// Fetch returns the path of the artifact at url. With a hash the cache is
// consulted by hash and the content verified; without one a previous
// download of the same URL is reused. Otherwise the artifact is downloaded,
// hashed while streaming, and recorded.
func (c *Cache) Fetch(ctx context.Context, url, hash string, task *tasks.Handle) (string, error) {
	hash = strings.ToLower(hash)
	if hash != "" {
		if err := validHash(hash); err != nil {
			return "", err
		}
	}
	if hash == "" {
		if known, err := c.lookupURL(ctx, url); err != nil {
			return "", err
		} else if known != "" {
			hash = known
		}
	}
	if hash != "" {
		ok, err := c.verify(hash)
		if err != nil {
			return "", err
		}
		if ok {
			if err := c.touch(ctx, hash); err != nil {
				return "", err
			}
			return c.Path(hash), nil
		}
	}

	got, size, err := c.download(ctx, url, hash, task)
	if err != nil {
		return "", err
	}
	now := c.now().UTC().Format(time.RFC3339Nano)
	_, err = c.db.ExecContext(ctx, `
INSERT INTO artifacts(hash, url, size, created_at, last_used) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET url = excluded.url, size = excluded.size, last_used = excluded.last_used`,
		got, url, size, now, now)
	if err != nil {
		return "", fmt.Errorf("cannot record artifact: %w", err)
	}
	return c.Path(got), nil
}

// validHash rejects anything but a lowercase hex 32-byte digest.
func validHash(hash string) error {
	b, err := hex.DecodeString(hash)
	if err != nil || len(b) != 32 || hex.EncodeToString(b) != hash {
		return fmt.Errorf("%w %q: want 64 hex characters", ErrInvalidHash, hash)
	}
	return nil
}

func (c *Cache) lookupURL(ctx context.Context, url string) (string, error) {
	var hash string
	err := c.db.QueryRowContext(ctx, "SELECT hash FROM artifacts WHERE url = ? ORDER BY last_used DESC LIMIT 1", url).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cannot query cache ledger: %w", err)
	}
	return hash, nil
}

func (c *Cache) touch(ctx context.Context, hash string) error {
	_, err := c.db.ExecContext(ctx, "UPDATE artifacts SET last_used = ? WHERE hash = ?",
		c.now().UTC().Format(time.RFC3339Nano), hash)
	if err != nil {
		return fmt.Errorf("cannot update cache ledger: %w", err)
	}
	return nil
}

// verify reports whether the cached file for hash exists and matches. A
// corrupt file is removed.
func (c *Cache) verify(hash string) (bool, error) {
	path := c.Path(hash)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cannot open %s: %w", path, err)
	}
	h := blake3.New()
	_, err = io.Copy(h, f)
	f.Close()
	if err != nil {
		return false, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if hex.EncodeToString(h.Sum(nil)) == hash {
		return true, nil
	}
	c.logger.Warn("removing corrupt cached artifact", "path", path)
	_ = os.Remove(path)
	return false, nil
}

func (c *Cache) download(ctx context.Context, url, want string, task *tasks.Handle) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", "manderrow")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return "", 0, fmt.Errorf("download failed: %s\n%s", resp.Status, strings.TrimSpace(string(body)))
	}
	if task != nil && resp.ContentLength > 0 {
		task.AddProgress(0, uint64(resp.ContentLength))
	}

	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return "", 0, fmt.Errorf("cannot create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := blake3.New()
	var size int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				tmp.Close()
				return "", 0, fmt.Errorf("write failed: %w", werr)
			}
			_, _ = h.Write(buf[:n])
			size += int64(n)
			if task != nil {
				task.AddProgress(uint64(n), 0)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			tmp.Close()
			return "", 0, fmt.Errorf("download read failed: %w", rerr)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("cannot close temp file: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if want != "" && got != want {
		return "", 0, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, want, got)
	}
	if err := os.Rename(tmp.Name(), c.Path(got)); err != nil {
		return "", 0, fmt.Errorf("cannot store artifact: %w", err)
	}
	c.logger.Debug("cached artifact", "url", url, "hash", got, "size", size)
	return got, size, nil
}

// Entries lists the ledger, most recently used first.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT hash, url, size, created_at, last_used FROM artifacts ORDER BY last_used DESC")
	if err != nil {
		return nil, fmt.Errorf("cannot query cache ledger: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			created, lastUsed string
		)
		if err := rows.Scan(&e.Hash, &e.URL, &e.Size, &created, &lastUsed); err != nil {
			return nil, err
		}
		e.Created, _ = time.Parse(time.RFC3339Nano, created)
		e.LastUsed, _ = time.Parse(time.RFC3339Nano, lastUsed)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes artifacts not used within maxAge and returns how many were
// removed and the bytes freed.
func (c *Cache) Prune(ctx context.Context, maxAge time.Duration) (int, int64, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return 0, 0, err
	}
	cutoff := c.now().Add(-maxAge)
	var (
		n     int
		freed int64
	)
	for _, e := range entries {
		if e.LastUsed.After(cutoff) {
			continue
		}
		if err := os.Remove(c.Path(e.Hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, freed, fmt.Errorf("cannot remove %s: %w", c.Path(e.Hash), err)
		}
		if _, err := c.db.ExecContext(ctx, "DELETE FROM artifacts WHERE hash = ?", e.Hash); err != nil {
			return n, freed, fmt.Errorf("cannot update cache ledger: %w", err)
		}
		n++
		freed += e.Size
	}
	return n, freed, nil
}
