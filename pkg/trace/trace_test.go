package trace

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/overlay/internal/types"
	"github.com/fortiblox/overlay/pkg/core"
	"github.com/fortiblox/overlay/pkg/image"
	"github.com/fortiblox/overlay/pkg/overlay"
)

func openMemory(t *testing.T, batch int) *DB {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.BatchSize = batch
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// runDemo runs a few demo calls in a small region with rec attached and
// returns the events the manager emitted.
func runDemo(t *testing.T, rec *Recorder) []overlay.Event {
	t.Helper()
	img, err := image.Link(image.Demo(), image.DefaultLayout())
	require.NoError(t, err)

	var seen []overlay.Event
	cfg := overlay.DefaultConfig()
	cfg.RegionSize = 256
	cfg.TableCapacity = 4
	cfg.Observer = overlay.Observers(rec, overlay.ObserverFunc(func(ev overlay.Event) {
		seen = append(seen, ev)
	}))
	m, err := overlay.New(cfg, img.Program(), core.NewExecutor(core.Options{}))
	require.NoError(t, err)

	for _, call := range []struct {
		name string
		arg  uint64
	}{{"fib", 6}, {"sumsq", 3}, {"checksum", 1}, {"fib", 4}, {"main", 5}} {
		_, err := m.CallByName(call.name, overlay.Args{call.arg, call.arg})
		require.NoError(t, err)
	}
	return seen
}

func TestRecordAndReplay(t *testing.T) {
	db := openMemory(t, 7)
	imageID := types.ComputeImageID([]byte("demo"))

	rec, err := NewRecorder(db, imageID)
	require.NoError(t, err)
	seen := runDemo(t, rec)
	require.NotEmpty(t, seen)
	require.NoError(t, rec.Close())

	got, err := db.Events(rec.ID())
	require.NoError(t, err)
	require.Equal(t, seen, got)

	s, err := db.Session(rec.ID())
	require.NoError(t, err)
	require.Equal(t, imageID, s.Image)
	require.Equal(t, uint64(len(seen)), s.Events)
	require.False(t, s.Ended.Before(s.Started))
}

func TestSessions(t *testing.T) {
	db := openMemory(t, 0)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		rec, err := NewRecorder(db, types.ComputeImageID([]byte{byte(i)}))
		require.NoError(t, err)
		rec.Observe(overlay.Event{Seq: 1, Kind: overlay.EventFallback, Stub: 2, Name: "f"})
		require.NoError(t, rec.Close())
		ids = append(ids, rec.ID())
	}

	all, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, s := range all {
		require.Equal(t, ids[i], s.ID)
		require.Equal(t, uint64(1), s.Events)
	}

	_, err = db.Events(uuid.New())
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFlushMakesEventsVisible(t *testing.T) {
	db := openMemory(t, 1000)
	rec, err := NewRecorder(db, types.ImageID{})
	require.NoError(t, err)
	defer rec.Close()

	rec.Observe(overlay.Event{Seq: 1, Kind: overlay.EventLoad, Stub: 0, Name: "a", Start: 0x4000, End: 0x4040, RefCount: 1})
	got, err := db.Events(rec.ID())
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, rec.Flush())
	got, err = db.Events(rec.ID())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].Name)
	require.Equal(t, uint32(0x4040), got[0].End)
}

func TestRecorderAfterClose(t *testing.T) {
	db := openMemory(t, 0)
	rec, err := NewRecorder(db, types.ImageID{})
	require.NoError(t, err)
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	rec.Observe(overlay.Event{Seq: 1, Kind: overlay.EventHit})
	require.ErrorIs(t, rec.Flush(), ErrClosed)

	got, err := db.Events(rec.ID())
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, db.Close())
	_, err = NewRecorder(db, types.ImageID{})
	require.ErrorIs(t, err, ErrClosed)
	_, err = db.Sessions()
	require.ErrorIs(t, err, ErrClosed)
}

func TestSummarize(t *testing.T) {
	events := []overlay.Event{
		{Kind: overlay.EventLoad, Stub: 1, Name: "b", Start: 0x4000, End: 0x4040, RefCount: 1},
		{Kind: overlay.EventHit, Stub: 1, Name: "b", Start: 0x4000, End: 0x4040, RefCount: 2},
		{Kind: overlay.EventReturn, Stub: 1, Name: "b", Start: 0x4000, End: 0x4040, RefCount: 1},
		{Kind: overlay.EventReturn, Stub: 1, Name: "b", Start: 0x4000, End: 0x4040, RefCount: 0},
		{Kind: overlay.EventFallback, Stub: 0, Name: "a"},
		{Kind: overlay.EventEvict, Stub: 1, Name: "b", Start: 0x4000, End: 0x4040},
		{Kind: overlay.EventLoad, Stub: 1, Name: "b", Start: 0x4000, End: 0x4040, RefCount: 1},
	}

	got := Summarize(events)
	require.Equal(t, []FunctionSummary{
		{Stub: 0, Name: "a", Fallbacks: 1},
		{Stub: 1, Name: "b", Loads: 2, Hits: 1, Evictions: 1, BytesLoaded: 128, MaxRefCount: 2},
	}, got)
	require.Equal(t, 3, got[1].Calls())
	require.Empty(t, Summarize(nil))
}

func TestSummarizeMatchesStats(t *testing.T) {
	db := openMemory(t, 0)
	rec, err := NewRecorder(db, types.ImageID{})
	require.NoError(t, err)
	seen := runDemo(t, rec)
	require.NoError(t, rec.Close())

	var loads, evictions, fallbacks int
	for _, s := range Summarize(seen) {
		loads += s.Loads
		evictions += s.Evictions
		fallbacks += s.Fallbacks
	}
	var wantLoads, wantEvictions, wantFallbacks int
	for _, ev := range seen {
		switch ev.Kind {
		case overlay.EventLoad:
			wantLoads++
		case overlay.EventEvict:
			wantEvictions++
		case overlay.EventFallback:
			wantFallbacks++
		}
	}
	require.Equal(t, wantLoads, loads)
	require.Equal(t, wantEvictions, evictions)
	require.Equal(t, wantFallbacks, fallbacks)
	require.Positive(t, fallbacks)
}

func TestEventEncoding(t *testing.T) {
	ev := overlay.Event{Kind: overlay.EventHit, Stub: 513, Name: "fn", Start: 0x4010, End: 0x4050, RefCount: 3, Depth: 4}
	got, err := decodeEvent(encodeEvent(ev))
	require.NoError(t, err)
	require.Equal(t, ev, got)

	_, err = decodeEvent([]byte{1, 2})
	require.ErrorIs(t, err, ErrCorruptEvent)
}
