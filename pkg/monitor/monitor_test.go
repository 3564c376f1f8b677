package monitor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fortiblox/overlay/pkg/core"
	"github.com/fortiblox/overlay/pkg/image"
	"github.com/fortiblox/overlay/pkg/overlay"
)

// startServer serves srv over an in-memory listener and returns a client
// connected to it.
func startServer(t *testing.T, srv *Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := Dial("bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newManager(t *testing.T, obs overlay.Observer) *overlay.Manager {
	t.Helper()
	img, err := image.Link(image.Demo(), image.DefaultLayout())
	require.NoError(t, err)
	cfg := overlay.DefaultConfig()
	cfg.RegionSize = 256
	cfg.TableCapacity = 4
	cfg.Observer = obs
	m, err := overlay.New(cfg, img.Program(), core.NewExecutor(core.Options{}))
	require.NoError(t, err)
	return m
}

func TestSnapshot(t *testing.T) {
	srv := NewServer(DefaultConfig())
	c := startServer(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Snapshot(ctx)
	require.Equal(t, codes.Unavailable, status.Code(err))

	m := newManager(t, srv)
	srv.Attach(m, "demo")
	_, err = m.CallByName("sumsq", overlay.Args{3, 4})
	require.NoError(t, err)
	m.Publish()

	resp, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "demo", resp.Image)
	require.NotNil(t, resp.Snapshot)
	require.Equal(t, m.Stats(), resp.Snapshot.Stats)
	require.Equal(t, uint32(256), resp.Snapshot.RegionSize)

	names := make([]string, len(resp.Snapshot.Rows))
	for i, r := range resp.Snapshot.Rows {
		names[i] = r.Name
		require.Zero(t, r.RefCount)
	}
	require.Equal(t, []string{"sumsq", "square"}, names)
}

func TestWatch(t *testing.T) {
	srv := NewServer(DefaultConfig())
	c := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all, err := c.Watch(ctx, &WatchRequest{})
	require.NoError(t, err)
	loads, err := c.Watch(ctx, &WatchRequest{Kinds: []overlay.EventKind{overlay.EventLoad}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Watchers() == 2 }, 5*time.Second, 10*time.Millisecond)

	var want []overlay.Event
	local := overlay.ObserverFunc(func(ev overlay.Event) { want = append(want, ev) })
	m := newManager(t, overlay.Observers(srv, local))
	srv.Attach(m, "demo")
	_, err = m.CallByName("sumsq", overlay.Args{3, 4})
	require.NoError(t, err)
	require.NotEmpty(t, want)

	for _, w := range want {
		got, err := all.Recv()
		require.NoError(t, err)
		require.Equal(t, w, got.Event)
		require.Zero(t, got.Dropped)
	}
	for _, w := range want {
		if w.Kind != overlay.EventLoad {
			continue
		}
		got, err := loads.Recv()
		require.NoError(t, err)
		require.Equal(t, w, got.Event)
	}

	cancel()
	require.Eventually(t, func() bool { return srv.Watchers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSlowWatcherDropsEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WatchBuffer = 2
	srv := NewServer(cfg)
	w := srv.addWatcher(nil)
	defer srv.removeWatcher(w)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			srv.Observe(overlay.Event{Seq: uint64(i), Kind: overlay.EventHit})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Observe blocked on a full watcher")
	}

	require.Equal(t, uint64(3), w.dropped.Load())
	require.Equal(t, uint64(3), srv.Dropped())
	require.Equal(t, uint64(1), (<-w.ch).Seq)
	require.Equal(t, uint64(2), (<-w.ch).Seq)
}

func TestWatcherKindFilter(t *testing.T) {
	srv := NewServer(DefaultConfig())
	w := srv.addWatcher([]overlay.EventKind{overlay.EventEvict, overlay.EventFallback})
	defer srv.removeWatcher(w)

	for k := overlay.EventLoad; k <= overlay.EventFallback; k++ {
		srv.Observe(overlay.Event{Kind: k})
	}
	require.Len(t, w.ch, 2)
	require.Equal(t, overlay.EventEvict, (<-w.ch).Kind)
	require.Equal(t, overlay.EventFallback, (<-w.ch).Kind)
}

func TestCodec(t *testing.T) {
	var c jsonCodec
	require.Equal(t, "json", c.Name())

	in := &WatchRequest{Kinds: []overlay.EventKind{overlay.EventLoad, overlay.EventEvict}}
	data, err := c.Marshal(in)
	require.NoError(t, err)
	require.JSONEq(t, `{"kinds":["load","evict"]}`, string(data))

	out := new(WatchRequest)
	require.NoError(t, c.Unmarshal(data, out))
	require.Equal(t, in, out)
}
