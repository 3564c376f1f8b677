package monitor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/overlay/pkg/overlay"
)

// Default configuration values.
const (
	DefaultAddress     = "127.0.0.1:7373"
	DefaultWatchBuffer = 256
)

// ErrServerClosed is returned by Serve after Stop.
var ErrServerClosed = errors.New("monitor server closed")

// Config holds monitor server configuration.
type Config struct {
	// Address is where ListenAndServe listens.
	Address string

	// WatchBuffer is the number of events queued per watcher. A watcher
	// whose queue is full misses events instead of stalling the manager.
	WatchBuffer int

	// Logger receives watcher and server messages.
	Logger *zap.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Address:     DefaultAddress,
		WatchBuffer: DefaultWatchBuffer,
		Logger:      zap.NewNop(),
	}
}

// Source is what the monitor reads snapshots from. *overlay.Manager
// implements it.
type Source interface {
	Published() *overlay.Snapshot
}

type watcher struct {
	ch      chan overlay.Event
	kinds   map[overlay.EventKind]bool
	dropped atomic.Uint64
}

func (w *watcher) wants(k overlay.EventKind) bool {
	return len(w.kinds) == 0 || w.kinds[k]
}

// Server serves the Monitor service. It implements overlay.Observer; hand
// it to the manager's Config.Observer and Attach the manager once built.
type Server struct {
	cfg Config
	log *zap.Logger

	source atomic.Pointer[attached]

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	dropped  atomic.Uint64

	grpc    *grpc.Server
	stopped atomic.Bool
}

type attached struct {
	src   Source
	image string
}

// NewServer creates a monitor server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = DefaultWatchBuffer
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger.Named("monitor"),
		watchers: make(map[*watcher]struct{}),
		grpc:     grpc.NewServer(grpc.ForceServerCodec(jsonCodec{})),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Attach sets the manager snapshots are read from. image labels it in
// responses.
func (s *Server) Attach(src Source, image string) {
	s.source.Store(&attached{src: src, image: image})
}

// Observe implements overlay.Observer. It never blocks.
func (s *Server) Observe(ev overlay.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		if !w.wants(ev.Kind) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			w.dropped.Add(1)
			s.dropped.Add(1)
		}
	}
}

// Watchers returns the number of open Watch streams.
func (s *Server) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Dropped returns the number of events dropped across all watchers.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Server) addWatcher(kinds []overlay.EventKind) *watcher {
	w := &watcher{ch: make(chan overlay.Event, s.cfg.WatchBuffer)}
	if len(kinds) > 0 {
		w.kinds = make(map[overlay.EventKind]bool, len(kinds))
		for _, k := range kinds {
			w.kinds[k] = true
		}
	}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	return w
}

func (s *Server) removeWatcher(w *watcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
}

// Snapshot implements the Snapshot RPC.
func (s *Server) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	a := s.source.Load()
	if a == nil {
		return nil, status.Error(codes.Unavailable, "no manager attached")
	}
	snap := a.src.Published()
	if snap == nil {
		return nil, status.Error(codes.Unavailable, "manager has not published a snapshot")
	}
	return &SnapshotResponse{
		Image:    a.image,
		Snapshot: snap,
		Watchers: s.Watchers(),
		Dropped:  s.Dropped(),
	}, nil
}

// Watch implements the Watch RPC.
func (s *Server) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	w := s.addWatcher(req.Kinds)
	defer s.removeWatcher(w)
	s.log.Debug("watcher joined", zap.Int("kinds", len(req.Kinds)))

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("watcher left", zap.Uint64("dropped", w.dropped.Load()))
			return nil
		case ev := <-w.ch:
			if err := stream.SendMsg(&WatchEvent{Event: ev, Dropped: w.dropped.Load()}); err != nil {
				return err
			}
		}
	}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("monitor listening", zap.String("addr", lis.Addr().String()))
	err := s.grpc.Serve(lis)
	if s.stopped.Load() {
		return ErrServerClosed
	}
	return err
}

// ListenAndServe listens on Config.Address and serves until Stop.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Stop closes every connection and stream.
func (s *Server) Stop() {
	s.stopped.Store(true)
	s.grpc.Stop()
}
