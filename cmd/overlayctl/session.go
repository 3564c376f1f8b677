package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/overlay/internal/types"
	"github.com/fortiblox/overlay/pkg/core"
	"github.com/fortiblox/overlay/pkg/image"
	"github.com/fortiblox/overlay/pkg/imagestore"
	"github.com/fortiblox/overlay/pkg/monitor"
	"github.com/fortiblox/overlay/pkg/overlay"
	"github.com/fortiblox/overlay/pkg/trace"
)

// session is one manager running one image, with the optional recorder
// and monitor attached.
type session struct {
	id  types.ImageID
	img *image.Image
	m   *overlay.Manager
	log *zap.Logger

	traceDB *trace.DB
	rec     *trace.Recorder
	mon     *monitor.Server
	monErr  chan error
}

func (a *app) openStore() (*imagestore.Store, error) {
	return imagestore.Open(a.cfg.ToStore())
}

// loadImage resolves ref in the store and links it.
func (a *app) loadImage(ref string) (types.ImageID, *image.Image, error) {
	store, err := a.openStore()
	if err != nil {
		return types.ImageID{}, nil, err
	}
	defer store.Close()

	id, err := store.Resolve(ref)
	if err != nil {
		return types.ImageID{}, nil, err
	}
	img, err := store.Load(id)
	if err != nil {
		return types.ImageID{}, nil, err
	}
	return id, img, nil
}

func (a *app) openSession(ref string) (*session, error) {
	id, img, err := a.loadImage(ref)
	if err != nil {
		return nil, err
	}
	s := &session{id: id, img: img, log: a.log.With(zap.String("image", id.Short()))}

	var observers []overlay.Observer
	if a.cfg.Trace.Enabled {
		s.traceDB, err = trace.Open(a.cfg.ToTrace(a.log))
		if err != nil {
			return nil, fmt.Errorf("open trace: %w", err)
		}
		s.rec, err = trace.NewRecorder(s.traceDB, id)
		if err != nil {
			s.traceDB.Close()
			return nil, err
		}
		observers = append(observers, s.rec)
		s.log.Info("recording trace", zap.String("session", s.rec.ID().String()))
	}
	if a.cfg.Monitor.Enabled {
		s.mon = monitor.NewServer(a.cfg.ToMonitor(a.log))
		observers = append(observers, s.mon)
	}

	cfg := a.cfg.ToOverlay(a.log)
	cfg.Observer = overlay.Observers(observers...)
	s.m, err = overlay.New(cfg, img.Program(), core.NewExecutor(a.cfg.ToCore(a.log)))
	if err != nil {
		s.Close()
		return nil, err
	}

	if s.mon != nil {
		s.mon.Attach(s.m, id.String())
		s.monErr = make(chan error, 1)
		go func() { s.monErr <- s.mon.ListenAndServe() }()
	}
	return s, nil
}

// call runs a function by name and returns its result.
func (s *session) call(name string, args overlay.Args) (uint64, error) {
	v, err := s.m.CallByName(name, args)
	s.m.Publish()
	return v, err
}

func (s *session) Close() error {
	var errs []error
	if s.mon != nil {
		s.mon.Stop()
		if s.monErr != nil {
			if err := <-s.monErr; err != nil && !errors.Is(err, monitor.ErrServerClosed) {
				errs = append(errs, fmt.Errorf("monitor: %w", err))
			}
		}
	}
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("trace: %w", err))
		}
		s.log.Info("trace saved", zap.String("session", s.rec.ID().String()))
	}
	if s.traceDB != nil {
		if err := s.traceDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
