// Command gcdemo is a small harness exercising a gc.Collector end to end:
// it allocates a synthetic workload, roots a fraction of it, runs a
// collection, and reports what came back. It is the "process-wide
// convenience wrapper allowed in place of a singleton collector — main
// still just holds one *gc.Collector value.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/cloudfly/gc/gc"
)

var cli struct {
	InitialCapacity int     `help:"Initial bucket count of the allocation table." default:"17"`
	MinCapacity     int     `help:"Floor below which the table will not downsize." default:"17"`
	UpsizeFactor    float64 `help:"Load factor above which the table grows." default:"0.8"`
	DownsizeFactor  float64 `help:"Load factor below which the table shrinks." default:"0.2"`
	SweepFactor     float64 `help:"Fraction of free capacity folded into the sweep limit." default:"0.5"`
	Allocations     int     `help:"Number of 8-byte regions to allocate in the synthetic workload." default:"64"`
	RootEvery       int     `help:"Every Nth allocation is made a root; 0 disables rooting." default:"8"`
	Verbose         bool    `help:"Log at debug level instead of info." short:"v"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("gcdemo"),
		kong.Description("Drive a gc.Collector through an allocate/root/run/shutdown cycle."),
	)

	logger := log.NewLogfmtLogger(os.Stderr)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if cli.Verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	c := gc.New(gc.Config{
		InitialCapacity:    cli.InitialCapacity,
		MinCapacity:        cli.MinCapacity,
		UpsizeLoadFactor:   cli.UpsizeFactor,
		DownsizeLoadFactor: cli.DownsizeFactor,
		SweepFactor:        cli.SweepFactor,
		Logger:             logger,
	})

	var roots []unsafe.Pointer
	for i := 0; i < cli.Allocations; i++ {
		p, err := c.Allocate(0, 8, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "allocate %d: %v\n", i, err)
			os.Exit(1)
		}
		if cli.RootEvery > 0 && i%cli.RootEvery == 0 {
			c.MakeRoot(p)
			roots = append(roots, p)
		}
	}

	freed := c.Run()
	stats := c.Stats()
	fmt.Printf("run: freed=%d bytes live=%d capacity=%d sweep_limit=%d runs=%d\n",
		freed, stats.LiveRecords, stats.Capacity, stats.SweepLimit, stats.Runs)

	for _, p := range roots {
		c.Unroot(p)
	}
	c.Shutdown()
	fmt.Printf("shutdown: final_live=%d total_reclaimed=%d\n", c.Stats().LiveRecords, c.Stats().BytesReclaimed)
}
