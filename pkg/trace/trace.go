// Package trace records overlay manager events to BadgerDB.
//
// Each recording is a session identified by a time-ordered UUID. Keys are
// laid out so one prefix scan returns a session's events in order:
//
//	0x01 | session (16 bytes) | seq (8 bytes, big endian)  -> event
//	0x02 | session (16 bytes)                             -> Session (JSON)
package trace

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortiblox/overlay/internal/types"
	"github.com/fortiblox/overlay/pkg/overlay"
)

// Key prefixes for BadgerDB storage.
var (
	prefixEvent   = []byte{0x01}
	prefixSession = []byte{0x02}
)

var (
	// ErrClosed is returned when operating on a closed database or recorder.
	ErrClosed = errors.New("trace closed")

	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("trace session not found")

	// ErrCorruptEvent is returned when a stored event cannot be decoded.
	ErrCorruptEvent = errors.New("corrupt trace event")
)

// Config contains configuration for the trace database.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// BatchSize is the number of events a recorder buffers before it
	// writes them out.
	BatchSize int

	// Logger receives database and recorder messages. Nil disables logging.
	Logger *zap.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:      path,
		BatchSize: 1024,
	}
}

// DB is a trace database.
type DB struct {
	db     *badger.DB
	cfg    Config
	log    *zap.Logger
	closed atomic.Bool
}

// Open opens or creates a trace database.
func Open(cfg Config) (*DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig("").BatchSize
	}
	log := cfg.Logger.Named("trace")

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{log.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &DB{db: db, cfg: cfg, log: log}, nil
}

// Close closes the database. Recorders must be closed first.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

// Session describes one recording.
type Session struct {
	ID      uuid.UUID     `json:"id"`
	Image   types.ImageID `json:"image"`
	Started time.Time     `json:"started"`
	Ended   time.Time     `json:"ended"`
	Events  uint64        `json:"events"`
}

func sessionKey(id uuid.UUID) []byte {
	return append(append([]byte(nil), prefixSession...), id[:]...)
}

func eventPrefix(id uuid.UUID) []byte {
	return append(append([]byte(nil), prefixEvent...), id[:]...)
}

func eventKey(id uuid.UUID, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(eventPrefix(id), seq)
}

func (d *DB) putSession(s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(s.ID), data)
	})
}

// Session returns one session.
func (d *DB) Session(id uuid.UUID) (Session, error) {
	if d.closed.Load() {
		return Session{}, ErrClosed
	}

	var s Session
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	return s, err
}

// Sessions returns every session, oldest first.
func (d *DB) Sessions() ([]Session, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	var out []Session
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixSession
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var s Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out, nil
}

// Events returns a session's events in sequence order.
func (d *DB) Events(id uuid.UUID) ([]overlay.Event, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if _, err := d.Session(id); err != nil {
		return nil, err
	}

	var out []overlay.Event
	err := d.db.View(func(txn *badger.Txn) error {
		prefix := eventPrefix(id)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefix)+8 {
				continue
			}
			seq := binary.BigEndian.Uint64(key[len(prefix):])
			err := item.Value(func(val []byte) error {
				ev, err := decodeEvent(val)
				if err != nil {
					return fmt.Errorf("event %d: %w", seq, err)
				}
				ev.Seq = seq
				out = append(out, ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Event layout:
//
//	kind(1) stub(2) start(4) end(4) refcount(4) depth(4) name(rest)
const eventHeaderSize = 19

func encodeEvent(ev overlay.Event) []byte {
	b := make([]byte, eventHeaderSize, eventHeaderSize+len(ev.Name))
	b[0] = byte(ev.Kind)
	binary.LittleEndian.PutUint16(b[1:], uint16(ev.Stub))
	binary.LittleEndian.PutUint32(b[3:], ev.Start)
	binary.LittleEndian.PutUint32(b[7:], ev.End)
	binary.LittleEndian.PutUint32(b[11:], ev.RefCount)
	binary.LittleEndian.PutUint32(b[15:], uint32(ev.Depth))
	return append(b, ev.Name...)
}

func decodeEvent(b []byte) (overlay.Event, error) {
	if len(b) < eventHeaderSize {
		return overlay.Event{}, fmt.Errorf("%w: %d bytes", ErrCorruptEvent, len(b))
	}
	return overlay.Event{
		Kind:     overlay.EventKind(b[0]),
		Stub:     overlay.StubID(binary.LittleEndian.Uint16(b[1:])),
		Start:    binary.LittleEndian.Uint32(b[3:]),
		End:      binary.LittleEndian.Uint32(b[7:]),
		RefCount: binary.LittleEndian.Uint32(b[11:]),
		Depth:    int(binary.LittleEndian.Uint32(b[15:])),
		Name:     string(b[eventHeaderSize:]),
	}, nil
}

// badgerLogger routes badger's logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
