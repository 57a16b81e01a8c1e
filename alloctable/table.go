// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alloctable implements the collector's own allocation metadata
// table: a separately-chained hash table keyed by the integer value of a
// managed address. It is generalized from the Go runtime's iface.go
// itab cache — a fixed-size hash[hashSize]*itab chain keyed by a computed
// integer hash, with prepend-at-head insertion via a "link" field — into a
// dynamically resized table whose growth is driven by load factor rather
// than a compile-time constant.
package alloctable

import (
	"unsafe"

	"github.com/cloudfly/gc/primes"
	"github.com/cloudfly/gc/record"
)

// Defaults applied when a non-positive tuning value is supplied: non-positive
// factors fall back to these rather than being rejected.
const (
	DefaultDownsizeFactor = 0.2
	DefaultUpsizeFactor   = 0.8
	DefaultSweepFactor    = 0.5
)

// Table is the separately-chained, address-keyed allocation table. It owns
// every record.Allocation it holds.
type Table struct {
	buckets []*record.Allocation

	capacity    int
	minCapacity int
	size        int

	downsizeFactor float64
	upsizeFactor   float64
	sweepFactor    float64
	sweepLimit     int
}

// New builds a Table with the given initial/minimum capacity (both clamped
// so capacity is a prime >= minCapacity, per invariant 6) and load-factor
// tuning. Non-positive factors fall back to their defaults.
func New(initialCapacity, minCapacity int, downsizeFactor, upsizeFactor, sweepFactor float64) *Table {
	if minCapacity < 1 {
		minCapacity = 1
	}
	minCapacity = primes.Next(minCapacity)
	if initialCapacity < minCapacity {
		initialCapacity = minCapacity
	}
	initialCapacity = primes.Next(initialCapacity)

	if downsizeFactor <= 0 {
		downsizeFactor = DefaultDownsizeFactor
	}
	if upsizeFactor <= 0 {
		upsizeFactor = DefaultUpsizeFactor
	}
	if sweepFactor <= 0 {
		sweepFactor = DefaultSweepFactor
	}

	t := &Table{
		buckets:        make([]*record.Allocation, initialCapacity),
		capacity:       initialCapacity,
		minCapacity:    minCapacity,
		downsizeFactor: downsizeFactor,
		upsizeFactor:   upsizeFactor,
		sweepFactor:    sweepFactor,
	}
	t.sweepLimit = t.computeSweepLimit()
	return t
}

// Capacity reports the current bucket count (always prime, >= minCapacity).
func (t *Table) Capacity() int { return t.capacity }

// Size reports the number of live records.
func (t *Table) Size() int { return t.size }

// SweepLimit reports the absolute record count that, once exceeded, should
// trigger an automatic collection at the next allocation.
func (t *Table) SweepLimit() int { return t.sweepLimit }

func (t *Table) hash(ptr unsafe.Pointer) int {
	return int((uintptr(ptr) >> 3) % uintptr(t.capacity))
}

// Put inserts or updates the record for ptr. If a record for ptr already
// exists, it is replaced in place at its existing chain position (the
// successor link is preserved regardless of whether the match was at the
// bucket head or an interior node — see DESIGN.md D4); otherwise a fresh
// record is prepended to the bucket's chain. Put returns the record now
// owned by the table.
func (t *Table) Put(ptr unsafe.Pointer, size uintptr, dtor record.Finalizer) *record.Allocation {
	h := t.hash(ptr)

	var prev *record.Allocation
	for cur := t.buckets[h]; cur != nil; cur = cur.Next {
		if cur.Ptr == ptr {
			fresh := record.New(ptr, size, dtor)
			fresh.Next = cur.Next
			if prev == nil {
				t.buckets[h] = fresh
			} else {
				prev.Next = fresh
			}
			return fresh
		}
		prev = cur
	}

	fresh := record.New(ptr, size, dtor)
	fresh.Next = t.buckets[h]
	t.buckets[h] = fresh
	t.size++

	if float64(t.size)/float64(t.capacity) > t.upsizeFactor {
		t.Resize(primes.Next(t.capacity * 2))
	}
	return fresh
}

// Get returns the record for ptr, or (nil, false) if unknown.
func (t *Table) Get(ptr unsafe.Pointer) (*record.Allocation, bool) {
	h := t.hash(ptr)
	for cur := t.buckets[h]; cur != nil; cur = cur.Next {
		if cur.Ptr == ptr {
			return cur, true
		}
	}
	return nil, false
}

// Remove unlinks and discards the record for ptr, if any. Unknown pointers
// are silently ignored. prev and cur always advance together, so removing an
// interior node re-links its predecessor correctly (see DESIGN.md D2).
func (t *Table) Remove(ptr unsafe.Pointer) bool {
	h := t.hash(ptr)

	var prev *record.Allocation
	for cur := t.buckets[h]; cur != nil; prev, cur = cur, cur.Next {
		if cur.Ptr != ptr {
			continue
		}
		if prev == nil {
			t.buckets[h] = cur.Next
		} else {
			prev.Next = cur.Next
		}
		t.size--

		if float64(t.size)/float64(t.capacity) < t.downsizeFactor {
			if candidate := primes.Next(t.capacity / 2); candidate > t.minCapacity {
				t.Resize(candidate)
			}
		}
		return true
	}
	return false
}

// Resize rehashes every record into a fresh bucket array of newCapacity
// buckets, moving (not copying) each record, then recomputes sweepLimit.
// Any target at or below minCapacity is refused and the table is left
// unchanged (invariant 6: minCapacity <= capacity is never violated).
func (t *Table) Resize(newCapacity int) {
	if newCapacity <= t.minCapacity {
		return
	}

	next := make([]*record.Allocation, newCapacity)
	oldCapacity := t.capacity
	t.capacity = newCapacity

	for i := 0; i < oldCapacity; i++ {
		cur := t.buckets[i]
		for cur != nil {
			following := cur.Next
			h := t.hash(cur.Ptr)
			cur.Next = next[h]
			next[h] = cur
			cur = following
		}
	}

	t.buckets = next
	t.sweepLimit = t.computeSweepLimit()
}

func (t *Table) computeSweepLimit() int {
	return t.size + int(t.sweepFactor*float64(t.capacity-t.size))
}

// Each visits every live record in the table. The visitor must not call
// Put/Remove/Resize on t (structural modification during iteration is
// forbidden by invariant 7); it may freely mutate a record's Tag.
func (t *Table) Each(visit func(*record.Allocation)) {
	for _, head := range t.buckets {
		for cur := head; cur != nil; cur = cur.Next {
			visit(cur)
		}
	}
}

// Sweep walks every bucket chain and unlinks every record for which keep
// returns false, returning the unlinked records so the caller (gc.Collector)
// can run finalizers, release regions, and account reclaimed bytes — table
// surgery stays inside alloctable, record disposal stays the collector's
// job. After unlinking, Sweep applies the same downsize check Remove uses
// (now against the post-sweep size), since a sweep can drop load far below
// a single Remove call's worth.
func (t *Table) Sweep(keep func(*record.Allocation) bool) []*record.Allocation {
	var reclaimed []*record.Allocation

	for i := range t.buckets {
		var prev *record.Allocation
		cur := t.buckets[i]
		for cur != nil {
			following := cur.Next
			if keep(cur) {
				prev = cur
			} else {
				if prev == nil {
					t.buckets[i] = following
				} else {
					prev.Next = following
				}
				t.size--
				reclaimed = append(reclaimed, cur)
			}
			cur = following
		}
	}

	if float64(t.size)/float64(t.capacity) < t.downsizeFactor {
		if candidate := primes.Next(t.capacity / 2); candidate > t.minCapacity {
			t.Resize(candidate)
		}
	}

	return reclaimed
}

// MinCapacity reports the floor below which the table will not downsize.
func (t *Table) MinCapacity() int { return t.minCapacity }
