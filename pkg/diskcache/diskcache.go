// Package diskcache implements the Persistent Chunk Store: a
// content-addressed, crash-safe on-disk cache shared by reference
// across stream instances.
package diskcache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store is a reference implementation of the Persistent Chunk Store: it
// shards the filesystem tree by the first six hex digits of sha1(key),
// split 2/2/2, so no directory accumulates more than a few thousand
// entries. Writes land in a temp file beside the destination and are
// renamed into place, so concurrent readers never observe a partial
// write and concurrent writers racing on the same key are safe.
type Store struct {
	root string
}

// New opens (creating if necessary) a Store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk cache root %q: %w", dir, err)
	}

	return &Store{root: dir}, nil
}

func (s *Store) pathFor(key string) string {
	sum := sha1.Sum([]byte(key))
	h := hex.EncodeToString(sum[:])

	return filepath.Join(s.root, h[0:2], h[2:4], h[4:6], h)
}

// Get returns the bytes stored under key, or (nil, false) on a miss. A
// read failure other than "not found" is reported as an error; callers
// should treat it as a miss.
func (s *Store) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to read chunk %q: %w", key, err)
	}

	return data, true, nil
}

// Put stores data under key. The write is atomic: data lands in a
// temp file beside the destination, then is renamed into place, so a
// concurrent reader never observes a partial write and concurrent
// writers racing on the same key (the store is content-addressed, so
// they write the same bytes) are safe.
func (s *Store) Put(key string, data []byte) error {
	path := s.pathFor(key)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create chunk directory for %q: %w", key, err)
	}

	tmp := path + ".tmp-" + uuid.NewString()

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp chunk %q: %w", key, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("failed to commit chunk %q: %w", key, err)
	}

	return nil
}

// Key derives the stable persistent key for a chunk, binding it to both
// the remote object's URL and the chunk size so that changing either
// parameter produces a disjoint namespace.
func Key(url string, minChunkSize int, chunkIndex int64) string {
	return fmt.Sprintf("%s|%d|%d", url, minChunkSize, chunkIndex)
}
