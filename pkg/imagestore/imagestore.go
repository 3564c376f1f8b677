// Package imagestore persists overlay images in a BoltDB file.
//
// Images are stored as zstd-compressed ELF objects keyed by their content
// ID, with a JSON metadata record alongside:
//   - images: id -> zstd(elf)
//   - meta:   id -> Meta
//
// Putting the same bytes twice is a no-op that returns the existing ID.
package imagestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/overlay/internal/types"
	"github.com/fortiblox/overlay/pkg/image"
)

var (
	// ErrNotFound is returned when an image doesn't exist.
	ErrNotFound = errors.New("image not found")

	// ErrAmbiguous is returned when a reference matches more than one image.
	ErrAmbiguous = errors.New("image reference is ambiguous")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("image store closed")
)

// Bucket names for BoltDB.
var (
	bucketImages = []byte("images")
	bucketMeta   = []byte("meta")
)

// Config holds image store configuration options.
type Config struct {
	// Path is the database file.
	Path string

	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default configuration for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Meta describes a stored image.
type Meta struct {
	ID         types.ImageID `json:"id"`
	Name       string        `json:"name"`
	Functions  []string      `json:"functions"`
	Size       int           `json:"size"`
	StoredSize int           `json:"storedSize"`
	StoredAt   time.Time     `json:"storedAt"`
}

// Store is a BoltDB-backed image store. It is safe for concurrent use.
type Store struct {
	db  *bolt.DB
	cfg Config
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens an image store.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout:  cfg.Timeout,
		NoSync:   cfg.NoSync,
		ReadOnly: cfg.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !cfg.ReadOnly {
		err := db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketImages, bucketMeta} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &Store{db: db, cfg: cfg, enc: enc, dec: dec}, nil
}

// Put stores an ELF image under name and returns its ID. The bytes must
// parse as an image. Storing bytes that are already present returns the
// existing ID and leaves the stored name unchanged.
func (s *Store) Put(name string, elf []byte) (types.ImageID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ImageID{}, ErrClosed
	}

	funcs, err := image.Parse(elf)
	if err != nil {
		return types.ImageID{}, fmt.Errorf("parse image: %w", err)
	}
	if len(funcs) == 0 {
		return types.ImageID{}, image.ErrNoFunctions
	}
	names := make([]string, len(funcs))
	for i, fn := range funcs {
		names[i] = fn.Name
	}

	id := types.ComputeImageID(elf)
	packed := s.enc.EncodeAll(elf, nil)
	meta := Meta{
		ID:         id,
		Name:       name,
		Functions:  names,
		Size:       len(elf),
		StoredSize: len(packed),
		StoredAt:   time.Now().UTC(),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return types.ImageID{}, fmt.Errorf("encode meta: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if images.Get(id[:]) != nil {
			return nil
		}
		if err := images.Put(id[:], packed); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(id[:], metaJSON)
	})
	if err != nil {
		return types.ImageID{}, fmt.Errorf("store image: %w", err)
	}
	return id, nil
}

// Get returns the raw ELF bytes of an image.
func (s *Store) Get(id types.ImageID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var packed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketImages).Get(id[:])
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		packed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := s.dec.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", id, err)
	}
	if types.ComputeImageID(data) != id {
		return nil, fmt.Errorf("image %s: stored bytes do not match their id", id)
	}
	return data, nil
}

// Load returns the image, parsed and linked with the default layout.
func (s *Store) Load(id types.ImageID) (*image.Image, error) {
	data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	funcs, err := image.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse image %s: %w", id, err)
	}
	return image.Link(funcs, image.DefaultLayout())
}

// Meta returns the metadata of an image.
func (s *Store) Meta(id types.ImageID) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Meta{}, ErrClosed
	}

	var m Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(id[:])
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(v, &m)
	})
	return m, err
}

// List returns every image's metadata, oldest first.
func (s *Store) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			var m Meta
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode meta %x: %w", k, err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StoredAt.Equal(out[j].StoredAt) {
			return out[i].StoredAt.Before(out[j].StoredAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

// Resolve finds an image by full ID, unique ID prefix, or name. A name
// shared by several images resolves to the most recently stored one.
func (s *Store) Resolve(ref string) (types.ImageID, error) {
	if id, err := types.ImageIDFromBase58(ref); err == nil {
		if _, err := s.Meta(id); err != nil {
			return types.ImageID{}, err
		}
		return id, nil
	}

	all, err := s.List()
	if err != nil {
		return types.ImageID{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Name == ref {
			return all[i].ID, nil
		}
	}

	var found []types.ImageID
	for _, m := range all {
		if ref != "" && strings.HasPrefix(m.ID.String(), ref) {
			found = append(found, m.ID)
		}
	}
	switch len(found) {
	case 0:
		return types.ImageID{}, fmt.Errorf("%w: %q", ErrNotFound, ref)
	case 1:
		return found[0], nil
	}
	return types.ImageID{}, fmt.Errorf("%w: %q matches %d images", ErrAmbiguous, ref, len(found))
}

// Delete removes an image.
func (s *Store) Delete(id types.ImageID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if images.Get(id[:]) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := images.Delete(id[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete(id[:])
	})
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
