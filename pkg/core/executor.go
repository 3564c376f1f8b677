package core

import (
	"github.com/fortiblox/overlay/pkg/overlay"
	"go.uber.org/zap"
)

// Options configures interpreters created by an Executor.
type Options struct {
	// MaxSteps bounds the instructions of one invocation. Zero means
	// DefaultMaxSteps.
	MaxSteps uint64

	// Host resolves host calls. Nil means NewRegistry(Logger).
	Host *Registry

	// Logger receives program logs and execution failures.
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxSteps == 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Host == nil {
		o.Host = NewRegistry(o.Logger)
	}
	return o
}

// Executor runs overlay invocations on fresh interpreters. It implements
// overlay.Executor.
type Executor struct {
	opts Options
}

// NewExecutor creates an executor.
func NewExecutor(opts Options) *Executor {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.Named("core")
	return &Executor{opts: opts}
}

// Execute implements overlay.Executor.
func (e *Executor) Execute(inv overlay.Invocation) (uint64, error) {
	ip := NewInterpreter(inv.Name, inv.Code, inv.Addr, e.opts)
	v, err := ip.Run(inv.Args, inv.Caller)
	if err != nil {
		e.opts.Logger.Debug("invocation failed",
			zap.String("fn", inv.Name),
			zap.Bool("resident", inv.Resident),
			zap.Uint64("steps", ip.Steps()),
			zap.Error(err))
	}
	return v, err
}

// Host returns the host registry shared by every invocation.
func (e *Executor) Host() *Registry {
	return e.opts.Host
}
