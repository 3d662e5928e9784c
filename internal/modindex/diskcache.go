package modindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// DiskCache persists archived chunks between runs so the catalog is usable
// before the network fetch finishes.
type DiskCache struct {
	db *badger.DB
}

// OpenDiskCache opens (or creates) the cache at dir. An empty dir gives an
// in-memory cache.
func OpenDiskCache(dir string) (*DiskCache, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cannot open index cache at %s: %w", dir, err)
	}
	return &DiskCache{db: db}, nil
}

// Close releases the database.
func (c *DiskCache) Close() error { return c.db.Close() }

func metaKey(url string) []byte { return []byte("idx:" + url + ":meta") }

func chunkKey(url string, i int) []byte {
	return fmt.Appendf(nil, "idx:%s:chunk:%08d", url, i)
}

// Store replaces the cached chunks of url. Every chunk is written in its own
// transaction; the metadata record that makes them visible goes last.
func (c *DiskCache) Store(url string, chunks [][]byte, fetchedAt time.Time) error {
	for i, b := range chunks {
		err := c.db.Update(func(txn *badger.Txn) error {
			return txn.Set(chunkKey(url, i), b)
		})
		if err != nil {
			return fmt.Errorf("cannot store chunk %d: %w", i, err)
		}
	}
	meta := make([]byte, 12)
	binary.LittleEndian.PutUint64(meta, uint64(fetchedAt.UnixMicro()))
	binary.LittleEndian.PutUint32(meta[8:], uint32(len(chunks)))
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(url), meta)
	})
}

// Load returns the cached chunks of url, or nil if there are none.
func (c *DiskCache) Load(url string) ([][]byte, time.Time, error) {
	var (
		chunks    [][]byte
		fetchedAt time.Time
	)
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(url))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		meta, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(meta) != 12 {
			return fmt.Errorf("corrupt metadata for %s", url)
		}
		fetchedAt = time.UnixMicro(int64(binary.LittleEndian.Uint64(meta))).UTC()
		n := int(binary.LittleEndian.Uint32(meta[8:]))
		chunks = make([][]byte, 0, n)
		for i := range n {
			item, err := txn.Get(chunkKey(url, i))
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			b, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			chunks = append(chunks, b)
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("cannot read index cache: %w", err)
	}
	return chunks, fetchedAt, nil
}
