package overlay

import (
	"fmt"

	"go.uber.org/zap"
)

// Default manager sizing.
const (
	DefaultRegionBase    = uint32(0x4000)
	DefaultRegionSize    = uint32(16 * 1024) // 16 KB
	DefaultTableCapacity = 20
	DefaultTrackingDepth = 256
)

// Config holds manager configuration.
type Config struct {
	// RegionBase and RegionSize describe the on-chip region [base, base+size)
	// reserved for resident copies.
	RegionBase uint32
	RegionSize uint32

	// TableCapacity is the number of residency rows.
	TableCapacity int

	// TrackingDepth is the number of tracking-stack frames reserved.
	TrackingDepth int

	// ColdEntry and CountedEntry are the two handler addresses a stub can
	// branch to. They must match what the build step emitted.
	ColdEntry    uint32
	CountedEntry uint32

	// Debug runs the full invariant check after every table mutation and
	// panics on a violation.
	Debug bool

	// Logger receives load, eviction and fallback messages.
	Logger *zap.Logger

	// Observer receives an Event for every load, hit, return, eviction and
	// fallback. Optional.
	Observer Observer
}

// DefaultConfig returns a default manager configuration.
func DefaultConfig() Config {
	return Config{
		RegionBase:    DefaultRegionBase,
		RegionSize:    DefaultRegionSize,
		TableCapacity: DefaultTableCapacity,
		TrackingDepth: DefaultTrackingDepth,
		ColdEntry:     DefaultColdEntry,
		CountedEntry:  DefaultCountedEntry,
		Logger:        zap.NewNop(),
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.RegionSize == 0 {
		return fmt.Errorf("%w: empty region", ErrInvalidConfig)
	}
	if uint64(c.RegionBase)+uint64(c.RegionSize) > 1<<32 {
		return fmt.Errorf("%w: region [0x%x, +%d) wraps the address space", ErrInvalidConfig, c.RegionBase, c.RegionSize)
	}
	if c.TableCapacity <= 0 || c.TableCapacity >= int(NoStub) {
		return fmt.Errorf("%w: table capacity %d", ErrInvalidConfig, c.TableCapacity)
	}
	if c.TrackingDepth <= 0 {
		return fmt.Errorf("%w: tracking depth %d", ErrInvalidConfig, c.TrackingDepth)
	}
	if c.ColdEntry == c.CountedEntry {
		return fmt.Errorf("%w: cold and counted handlers share address 0x%x", ErrInvalidConfig, c.ColdEntry)
	}
	return nil
}
