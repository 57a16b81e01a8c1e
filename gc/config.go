package gc

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudfly/gc/alloctable"
)

// Config tunes a Collector at construction. Every field is optional: a
// zero-value Config produces a usable, if small, collector. Non-positive
// load factors and capacities fall back to their defaults.
type Config struct {
	// InitialCapacity and MinCapacity size the allocation table. Both are
	// clamped to primes by alloctable.New; InitialCapacity is clamped up to
	// at least MinCapacity.
	InitialCapacity int
	MinCapacity     int

	// DownsizeLoadFactor, UpsizeLoadFactor and SweepFactor tune the table's
	// resize and sweep-trigger behaviour. Non-positive values fall back to
	// alloctable's defaults.
	DownsizeLoadFactor float64
	UpsizeLoadFactor   float64
	SweepFactor        float64

	// Logger receives the three spec-mandated log events: a warning on
	// Free of an unknown pointer, and debug/info notices around automatic
	// and manual collections. Defaults to a no-op logger.
	Logger log.Logger

	// Registerer, if non-nil, publishes gcmetrics under it. A nil
	// Registerer is valid and simply means metrics are tracked but
	// registered with no registry.
	Registerer prometheus.Registerer

	// System is the raw allocator the collector delegates Malloc/Calloc/
	// Realloc/Free to. Defaults to defaultSystem, backed by Go's own
	// allocator. Tests substitute a fake System to exercise the retry-after-
	// collect and allocation-failure paths deterministically.
	System System
}

// resolved is a Config with every optional field filled in, constructed once
// by New and then treated as immutable for the Collector's lifetime.
type resolved struct {
	table      *alloctable.Table
	logger     log.Logger
	registerer prometheus.Registerer
	system     System
}

func (c Config) resolve() resolved {
	tbl := alloctable.New(
		c.InitialCapacity,
		c.MinCapacity,
		c.DownsizeLoadFactor,
		c.UpsizeLoadFactor,
		c.SweepFactor,
	)

	logger := c.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	sys := c.System
	if sys == nil {
		sys = defaultSystem{}
	}

	return resolved{
		table:      tbl,
		logger:     logger,
		registerer: c.Registerer,
		system:     sys,
	}
}
