package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortiblox/overlay/internal/types"
	"github.com/fortiblox/overlay/pkg/overlay"
)

// Recorder writes one session's events. It implements overlay.Observer.
// Observe buffers into a write batch; the first write error is kept and
// returned by Flush and Close, and later events are dropped.
type Recorder struct {
	db  *DB
	log *zap.Logger

	mu      sync.Mutex
	session Session
	batch   *badger.WriteBatch
	pending int
	err     error
	closed  bool
}

// NewRecorder starts a session for an image.
func NewRecorder(db *DB, image types.ImageID) (*Recorder, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	s := Session{ID: id, Image: image, Started: time.Now().UTC()}
	if err := db.putSession(s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	r := &Recorder{
		db:      db,
		log:     db.log.With(zap.String("session", id.String())),
		session: s,
		batch:   db.db.NewWriteBatch(),
	}
	r.log.Debug("recording started", zap.Stringer("image", image))
	return r, nil
}

// ID returns the session ID.
func (r *Recorder) ID() uuid.UUID {
	return r.session.ID
}

// Observe implements overlay.Observer.
func (r *Recorder) Observe(ev overlay.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return
	}

	if err := r.batch.Set(eventKey(r.session.ID, ev.Seq), encodeEvent(ev)); err != nil {
		r.fail(err)
		return
	}
	r.session.Events++
	r.pending++
	if r.pending >= r.db.cfg.BatchSize {
		r.flushLocked()
	}
}

func (r *Recorder) fail(err error) {
	r.err = err
	r.log.Error("trace write failed, dropping further events", zap.Error(err))
}

func (r *Recorder) flushLocked() {
	if r.pending == 0 || r.err != nil {
		return
	}
	if err := r.batch.Flush(); err != nil {
		r.batch = nil
		r.fail(err)
		return
	}
	r.pending = 0
	r.batch = r.db.db.NewWriteBatch()
}

// Flush writes buffered events.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.flushLocked()
	return r.err
}

// Close flushes, records the session's event count and end time, and stops
// recording.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.flushLocked()
	r.closed = true
	if r.batch != nil {
		r.batch.Cancel()
	}

	r.session.Ended = time.Now().UTC()
	if err := r.db.putSession(r.session); err != nil && r.err == nil {
		r.err = fmt.Errorf("store session: %w", err)
	}
	r.log.Debug("recording stopped", zap.Uint64("events", r.session.Events))
	return r.err
}
