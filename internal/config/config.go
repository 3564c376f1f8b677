// Package config loads overlayctl configuration from a TOML file.
//
// Every field has a default, so a missing file and an empty file both yield
// Default(dir). Sizes are written the way people say them ("16KiB", "2M")
// and parsed with go-units.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fortiblox/overlay/pkg/core"
	"github.com/fortiblox/overlay/pkg/imagestore"
	"github.com/fortiblox/overlay/pkg/monitor"
	"github.com/fortiblox/overlay/pkg/overlay"
	"github.com/fortiblox/overlay/pkg/trace"
)

// FileName is the configuration file looked for in the data directory.
const FileName = "overlayctl.toml"

// ErrInvalid is returned when a loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Size is a byte count written as a human-readable string.
type Size uint32

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return err
	}
	if n < 0 || n > 1<<32-1 {
		return fmt.Errorf("size %q out of range", text)
	}
	*s = Size(n)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// String returns the size in binary units, e.g. "16KiB".
func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Config is the complete overlayctl configuration.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Overlay OverlayConfig `toml:"overlay"`
	Store   StoreConfig   `toml:"store"`
	Trace   TraceConfig   `toml:"trace"`
	Monitor MonitorConfig `toml:"monitor"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `toml:"level"`

	// Development switches to the console encoder.
	Development bool `toml:"development"`
}

// OverlayConfig configures the overlay manager and the interpreter.
type OverlayConfig struct {
	RegionBase    uint32 `toml:"region-base"`
	RegionSize    Size   `toml:"region-size"`
	TableCapacity int    `toml:"table-capacity"`
	TrackingDepth int    `toml:"tracking-depth"`
	Debug         bool   `toml:"debug"`
	MaxSteps      uint64 `toml:"max-steps"`
}

// StoreConfig configures the image store.
type StoreConfig struct {
	Path string `toml:"path"`
}

// TraceConfig configures event recording.
type TraceConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	BatchSize int    `toml:"batch-size"`
}

// MonitorConfig configures the gRPC monitor.
type MonitorConfig struct {
	Enabled     bool   `toml:"enabled"`
	Address     string `toml:"address"`
	WatchBuffer int    `toml:"watch-buffer"`
}

// Default returns the default configuration with data files under dir.
func Default(dir string) Config {
	oc := overlay.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info"},
		Overlay: OverlayConfig{
			RegionBase:    oc.RegionBase,
			RegionSize:    Size(oc.RegionSize),
			TableCapacity: oc.TableCapacity,
			TrackingDepth: oc.TrackingDepth,
			MaxSteps:      core.DefaultMaxSteps,
		},
		Store: StoreConfig{Path: filepath.Join(dir, "images.db")},
		Trace: TraceConfig{
			Path:      filepath.Join(dir, "trace"),
			BatchSize: trace.DefaultConfig("").BatchSize,
		},
		Monitor: MonitorConfig{
			Address:     monitor.DefaultAddress,
			WatchBuffer: monitor.DefaultWatchBuffer,
		},
	}
}

// Load reads path over Default(dir). An empty path loads dir/FileName if it
// exists and the defaults otherwise.
func Load(path, dir string) (Config, error) {
	cfg := Default(dir)
	if path == "" {
		path = filepath.Join(dir, FileName)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalid, err)
	}
	if err := c.ToOverlay(nil).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store path is empty", ErrInvalid)
	}
	if c.Trace.Enabled && c.Trace.Path == "" {
		return fmt.Errorf("%w: trace enabled without a path", ErrInvalid)
	}
	return nil
}

// Logger builds the zap logger described by Log.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ToOverlay returns the manager configuration.
func (c Config) ToOverlay(log *zap.Logger) overlay.Config {
	oc := overlay.DefaultConfig()
	oc.RegionBase = c.Overlay.RegionBase
	oc.RegionSize = uint32(c.Overlay.RegionSize)
	oc.TableCapacity = c.Overlay.TableCapacity
	oc.TrackingDepth = c.Overlay.TrackingDepth
	oc.Debug = c.Overlay.Debug
	if log != nil {
		oc.Logger = log
	}
	return oc
}

// ToCore returns the interpreter options.
func (c Config) ToCore(log *zap.Logger) core.Options {
	return core.Options{MaxSteps: c.Overlay.MaxSteps, Logger: log}
}

// ToStore returns the image store configuration.
func (c Config) ToStore() imagestore.Config {
	return imagestore.DefaultConfig(c.Store.Path)
}

// ToTrace returns the trace database configuration.
func (c Config) ToTrace(log *zap.Logger) trace.Config {
	tc := trace.DefaultConfig(c.Trace.Path)
	tc.BatchSize = c.Trace.BatchSize
	tc.Logger = log
	return tc
}

// ToMonitor returns the monitor server configuration.
func (c Config) ToMonitor(log *zap.Logger) monitor.Config {
	mc := monitor.DefaultConfig()
	mc.Address = c.Monitor.Address
	mc.WatchBuffer = c.Monitor.WatchBuffer
	if log != nil {
		mc.Logger = log
	}
	return mc
}
