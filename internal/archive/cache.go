package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketFiles = []byte("files")

// Entry is the index record of a cached archive file.
type Entry struct {
	URL       string    `json:"url"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cache stores downloaded archive files under a directory, indexed by URL in
// a bbolt database so that partial or foreign files are never reused.
type Cache struct {
	dir string
	db  *bolt.DB
}

func OpenCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFiles)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}
	return &Cache{dir: dir, db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Path is where f is stored once cached.
func (c *Cache) Path(f File) string {
	return filepath.Join(c.dir, f.CacheName())
}

// Lookup returns the index entry of f if the file is present with the
// recorded size.
func (c *Cache) Lookup(f File) (Entry, bool, error) {
	var e Entry
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(f.URL))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	if err != nil || !found {
		return Entry{}, false, err
	}
	st, err := os.Stat(c.Path(f))
	if err != nil || st.Size() != e.Size {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Store copies r into the cache and records it in the index.
func (c *Cache) Store(f File, r io.Reader) (Entry, error) {
	path := c.Path(f)
	tmp, err := os.CreateTemp(c.dir, f.CacheName()+".*.part")
	if err != nil {
		return Entry{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(tmp, io.TeeReader(r, h))
	if err != nil {
		tmp.Close()
		return Entry{}, fmt.Errorf("writing %s: %w", f.CacheName(), err)
	}
	if err := tmp.Close(); err != nil {
		return Entry{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Entry{}, fmt.Errorf("renaming %s: %w", f.CacheName(), err)
	}

	e := Entry{
		URL:       f.URL,
		Name:      f.CacheName(),
		Size:      n,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		FetchedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(f.URL), data)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("indexing %s: %w", f.CacheName(), err)
	}
	return e, nil
}

// Entries lists the index, ordered by URL.
func (c *Cache) Entries() ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}
