package gc

import (
	"errors"
	"unsafe"

	"github.com/go-kit/log/level"

	"github.com/cloudfly/gc/gcmetrics"
	"github.com/cloudfly/gc/record"
	"github.com/cloudfly/gc/stackscan"
)

// ErrInvalidArgument is returned by Reallocate when asked to grow or shrink
// a pointer the table does not recognise.
var ErrInvalidArgument = errors.New("gc: invalid argument")

// State names one of the Collector's five lifecycle states.
type State int

const (
	Idle State = iota
	Paused
	Marking
	Sweeping
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Paused:
		return "paused"
	case Marking:
		return "marking"
	case Sweeping:
		return "sweeping"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of collector activity, the kind of
// read-only accessor most allocators expose in some form (mstats in the Go
// runtime).
type Stats struct {
	LiveRecords    int
	Capacity       int
	SweepLimit     int
	Runs           uint64
	BytesReclaimed uintptr
	UnknownFrees   uint64
}

// Collector is the public facade: one AllocationTable, one conservative
// root stack, tuning parameters, and the mark/sweep/state-machine logic
// built on top of them. It is an explicit value — there is no process-wide
// singleton; cmd/gcdemo is an allowed convenience wrapper around one.
type Collector struct {
	res resolved

	metrics *gcmetrics.Metrics
	shadow  *stackscan.Shadow

	state  State
	paused bool

	runs           uint64
	bytesReclaimed uintptr
	unknownFrees   uint64
}

// New builds a Collector from cfg, resolving defaults and wiring the
// optional logger and metrics registerer. The returned Collector starts in
// the Idle state with an empty, freshly based Shadow.
func New(cfg Config) *Collector {
	res := cfg.resolve()
	return &Collector{
		res:     res,
		metrics: gcmetrics.New(res.registerer),
		shadow:  stackscan.NewShadow(),
		state:   Idle,
	}
}

// Shadow exposes the collector's conservative root stack. The mutator
// pushes the address of every local that might reference a managed
// allocation before calling Run, and pops on scope exit — see
// stackscan.Shadow's doc comment for why.
func (c *Collector) Shadow() *stackscan.Shadow { return c.shadow }

// State reports the collector's current lifecycle state.
func (c *Collector) State() State { return c.state }

// Allocate requests size bytes (if count == 0) or count*size zeroed bytes
// (otherwise), tracked under a fresh record with the given finalizer.
// A transient allocator failure triggers one collect-and-retry; a
// post-allocation table size above the sweep limit triggers a collection
// before returning, with the fresh region held on the shadow stack for its
// duration so that it survives; metadata-registration failure is handled
// the same way as an allocation failure.
func (c *Collector) Allocate(count, size uintptr, dtor record.Finalizer) (unsafe.Pointer, error) {
	region, err := c.rawAllocate(count, size)
	if errors.Is(err, ErrTransientOOM) {
		c.collect()
		region, err = c.rawAllocate(count, size)
	}
	if err != nil {
		return nil, err
	}

	rec, err := c.registerAllocation(region, size, dtor)
	if err != nil {
		c.res.system.Free(region)
		return nil, err
	}

	if c.res.table.Size() > c.res.table.SweepLimit() && !c.paused {
		level.Debug(c.res.logger).Log("msg", "sweep limit exceeded, collecting", "size", c.res.table.Size(), "sweep_limit", c.res.table.SweepLimit())
		c.shadow.Push(uintptr(rec.Ptr))
		c.collect()
		c.shadow.Pop()
	}
	c.metrics.ObserveTableState(c.res.table.Size(), c.res.table.Capacity())
	return rec.Ptr, nil
}

func (c *Collector) rawAllocate(count, size uintptr) (unsafe.Pointer, error) {
	if count == 0 {
		return c.res.system.Malloc(size)
	}
	return c.res.system.Calloc(count, size)
}

// registerAllocation records a fresh region in the table, recovering from a
// metadata-allocation panic (Go's stand-in for the C allocator's
// out-of-memory return, since the table's own backing slices are grown
// with make/append, which panics rather than returning an error) by
// collecting once and retrying if the metadata itself cannot be recorded.
func (c *Collector) registerAllocation(ptr unsafe.Pointer, size uintptr, dtor record.Finalizer) (rec *record.Allocation, err error) {
	rec, ok := c.tryRegister(ptr, size, dtor)
	if ok {
		return rec, nil
	}
	c.collect()
	rec, ok = c.tryRegister(ptr, size, dtor)
	if ok {
		return rec, nil
	}
	return nil, ErrTransientOOM
}

func (c *Collector) tryRegister(ptr unsafe.Pointer, size uintptr, dtor record.Finalizer) (rec *record.Allocation, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	rec = c.res.table.Put(ptr, size, dtor)
	return rec, true
}

// Reallocate resizes the region at p to size bytes. p must either be ⊥
// (nil) — in which case a fresh region is recorded with no finalizer, and
// no sweep-limit collection is triggered — or a pointer already known to
// the table; an unknown, non-nil p fails with ErrInvalidArgument.
func (c *Collector) Reallocate(p unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	var oldSize uintptr
	var dtor record.Finalizer
	if p != nil {
		rec, ok := c.res.table.Get(p)
		if !ok {
			return nil, ErrInvalidArgument
		}
		oldSize = rec.Size
		dtor = rec.Dtor
	}

	next, err := c.res.system.Realloc(p, oldSize, size)
	if errors.Is(err, ErrTransientOOM) {
		c.collect()
		next, err = c.res.system.Realloc(p, oldSize, size)
	}
	if err != nil {
		return nil, err
	}

	if next == p {
		rec, _ := c.res.table.Get(p)
		rec.Size = size
		return next, nil
	}

	if p != nil {
		c.res.table.Remove(p)
	}
	rec, err := c.registerAllocation(next, size, dtor)
	if err != nil {
		c.res.system.Free(next)
		return nil, err
	}
	c.metrics.ObserveTableState(c.res.table.Size(), c.res.table.Capacity())
	return rec.Ptr, nil
}

// Free reclaims p immediately: its finalizer (if any) runs, the region is
// released to the system allocator, and its record is removed. An unknown p
// logs a warning and has no other effect.
func (c *Collector) Free(p unsafe.Pointer) {
	rec, ok := c.res.table.Get(p)
	if !ok {
		level.Warn(c.res.logger).Log("msg", "free of unknown pointer", "ptr", p)
		c.unknownFrees++
		c.metrics.ObserveUnknownFree()
		return
	}
	rec.Reclaim()
	c.res.system.Free(p)
	c.res.table.Remove(p)
	c.metrics.ObserveTableState(c.res.table.Size(), c.res.table.Capacity())
}

// MakeRoot tags p as a root: it is unconditionally marked at the start of
// every mark phase and therefore never reclaimed by sweep while the tag
// holds. No effect if p is unknown.
func (c *Collector) MakeRoot(p unsafe.Pointer) {
	if rec, ok := c.res.table.Get(p); ok {
		rec.SetRoot(true)
	}
}

// Unroot clears the root tag on p. No effect if p is unknown or not a root.
func (c *Collector) Unroot(p unsafe.Pointer) {
	if rec, ok := c.res.table.Get(p); ok {
		rec.SetRoot(false)
	}
}

// Pause suppresses the automatic collection triggers inside Allocate.
// A manual Run ignores the flag. Pause does not interrupt a run already
// in progress.
func (c *Collector) Pause() {
	c.paused = true
	if c.state == Idle {
		c.state = Paused
	}
}

// Resume clears the pause flag and, if the collector was sitting Paused
// with no run in progress, returns it to Idle.
func (c *Collector) Resume() {
	c.paused = false
	if c.state == Paused {
		c.state = Idle
	}
}

// Run performs one full mark-then-sweep cycle unconditionally — it ignores
// the Pause flag, which only gates the *automatic* triggers inside
// Allocate — and returns the number of bytes reclaimed.
func (c *Collector) Run() uintptr {
	return c.collect()
}

func (c *Collector) collect() uintptr {
	wasPaused := c.paused

	c.state = Marking
	c.mark()

	c.state = Sweeping
	freed := c.sweep()

	c.runs++
	c.bytesReclaimed += freed
	c.metrics.ObserveRun(freed)
	c.metrics.ObserveTableState(c.res.table.Size(), c.res.table.Capacity())
	level.Info(c.res.logger).Log("msg", "collection complete", "bytes_reclaimed", freed, "live_records", c.res.table.Size())

	if wasPaused {
		c.state = Paused
	} else {
		c.state = Idle
	}
	return freed
}

// mark is the entry point to the mark phase: tagged roots first, then the
// conservative shadow-stack scan. It is marked noinline, mirroring the
// teacher's use of indirect calls through systemstack to defeat inlining
// around GC-sensitive sections — here, to keep the frame boundary between
// "mutator locals already pushed onto Shadow" and "collector marking"
// visible rather than folded away by the optimizer.
//
//go:noinline
func (c *Collector) mark() {
	c.markRoots()
	c.markShadowStack()
}

func (c *Collector) markRoots() {
	var roots []*record.Allocation
	c.res.table.Each(func(a *record.Allocation) {
		if a.IsRoot() {
			roots = append(roots, a)
		}
	})
	for _, r := range roots {
		c.markAlloc(uintptr(r.Ptr))
	}
}

// markShadowStack walks every candidate word currently pushed onto the
// conservative root stack, low index to high — see stackscan.Shadow's doc
// comment for why that ordering is structural, not incidental, in this
// rendition.
func (c *Collector) markShadowStack() {
	for _, word := range c.shadow.Words() {
		c.markAlloc(word)
	}
}

// markAlloc treats candidate as a possible managed address. If it matches a
// known, unmarked record, the record is marked and its region is
// recursively scanned at byte stride for further embedded candidates — the
// conservative graph traversal this performs. Recursion terminates
// because a record is marked at most once.
func (c *Collector) markAlloc(candidate uintptr) {
	rec, ok := c.res.table.Get(unsafe.Pointer(candidate))
	if !ok || rec.IsMarked() {
		return
	}
	rec.SetMark(true)

	for _, word := range stackscan.ScanRegion(rec.Ptr, rec.Size) {
		c.markAlloc(word)
	}
}

// sweep reclaims every unmarked record and clears Mark on every survivor,
// satisfying invariant 5 (no record carries Mark once a run completes).
func (c *Collector) sweep() uintptr {
	reclaimed := c.res.table.Sweep(func(a *record.Allocation) bool {
		if a.IsMarked() {
			a.SetMark(false)
			return true
		}
		return false
	})

	var freed uintptr
	for _, rec := range reclaimed {
		rec.Reclaim()
		c.res.system.Free(rec.Ptr)
		freed += rec.Size
	}
	return freed
}

// Shutdown performs one final collection — reclaiming everything not still
// rooted or referenced from the shadow stack — then moves the collector to
// the Shutdown state. Rooted allocations are not reclaimed by it: they stay
// in the table unless the caller unroots or frees them first. The table
// itself is not released; Stats keeps reporting it.
func (c *Collector) Shutdown() {
	c.collect()
	c.state = Shutdown
}

// Stats returns a point-in-time snapshot of collector activity.
func (c *Collector) Stats() Stats {
	return Stats{
		LiveRecords:    c.res.table.Size(),
		Capacity:       c.res.table.Capacity(),
		SweepLimit:     c.res.table.SweepLimit(),
		Runs:           c.runs,
		BytesReclaimed: c.bytesReclaimed,
		UnknownFrees:   c.unknownFrees,
	}
}
