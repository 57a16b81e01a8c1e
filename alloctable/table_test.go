package alloctable_test

import (
	"testing"
	"unsafe"

	"github.com/cloudfly/gc/alloctable"
	"github.com/cloudfly/gc/record"
	"github.com/stretchr/testify/require"
)

func addr(n uintptr) unsafe.Pointer { return unsafe.Pointer(n << 3) }

func sumChains(tbl *alloctable.Table) int {
	n := 0
	tbl.Each(func(*record.Allocation) { n++ })
	return n
}

func TestPutGetRoundTrip(t *testing.T) {
	tbl := alloctable.New(17, 17, 0.2, 0.8, 0.5)
	p := addr(1)
	rec := tbl.Put(p, 8, nil)
	require.Equal(t, p, rec.Ptr)

	got, ok := tbl.Get(p)
	require.True(t, ok)
	require.Same(t, rec, got) // fresh insert keeps the same object
	require.Equal(t, 1, tbl.Size())
}

func TestGetUnknownIsAbsent(t *testing.T) {
	tbl := alloctable.New(17, 17, 0.2, 0.8, 0.5)
	_, ok := tbl.Get(addr(999))
	require.False(t, ok)
}

func TestSizeMatchesChainLengths(t *testing.T) {
	tbl := alloctable.New(17, 17, 0.2, 0.8, 0.5)
	for i := uintptr(1); i <= 50; i++ {
		tbl.Put(addr(i), 8, nil)
	}
	require.Equal(t, 50, tbl.Size())
	require.Equal(t, tbl.Size(), sumChains(tbl))

	for i := uintptr(1); i <= 25; i++ {
		tbl.Remove(addr(i))
	}
	require.Equal(t, 25, tbl.Size())
	require.Equal(t, tbl.Size(), sumChains(tbl))
}

// TestRemoveInteriorNode pins down DESIGN.md D2: removing a non-head chain
// member must preserve the links on both sides of it, not just drop the
// head.
func TestRemoveInteriorNode(t *testing.T) {
	// A huge upsize factor keeps capacity pinned at 2 so every even-multiple
	// address below collides into the same bucket, guaranteeing the removed
	// pointer has both a predecessor and a successor in its chain.
	tbl := alloctable.New(1, 1, 0.2, 1e9, 0.5)
	var ptrs []unsafe.Pointer
	for i := uintptr(1); i <= 6; i++ {
		p := addr(i * 2) // even multiples of 2 to land in the same small table
		ptrs = append(ptrs, p)
		tbl.Put(p, 8, nil)
	}

	// Remove a pointer that is neither first nor last in whichever bucket
	// it landed in, then confirm every *other* pointer is still reachable.
	victim := ptrs[len(ptrs)/2]
	ok := tbl.Remove(victim)
	require.True(t, ok)

	for _, p := range ptrs {
		if p == victim {
			_, found := tbl.Get(p)
			require.False(t, found)
			continue
		}
		_, found := tbl.Get(p)
		require.True(t, found, "removing an interior node must not orphan its neighbours")
	}
	require.Equal(t, len(ptrs)-1, tbl.Size())
	require.Equal(t, tbl.Size(), sumChains(tbl))
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	tbl := alloctable.New(17, 17, 0.2, 0.8, 0.5)
	tbl.Put(addr(1), 8, nil)
	ok := tbl.Remove(addr(2))
	require.False(t, ok)
	require.Equal(t, 1, tbl.Size())
}

// TestUpsertPreservesChainPosition pins down DESIGN.md D4: re-Put of an
// existing key keeps its position in the chain (its successor), rather than
// only being correct when the match happened to be at the bucket head.
func TestUpsertPreservesChainPosition(t *testing.T) {
	tbl := alloctable.New(1, 1, 0.2, 1e9, 0.5)
	var ptrs []unsafe.Pointer
	for i := uintptr(1); i <= 5; i++ {
		p := addr(i * 2)
		ptrs = append(ptrs, p)
		tbl.Put(p, 8, nil)
	}

	interior := ptrs[2]
	before, _ := tbl.Get(interior)
	successor := before.Next

	updated := tbl.Put(interior, 99, nil)
	require.Equal(t, uintptr(99), updated.Size)
	require.Same(t, successor, updated.Next, "upsert must preserve the successor link regardless of chain position")
	require.Equal(t, len(ptrs), tbl.Size(), "upsert must not change the live record count")
}

func TestUpsizeGrowsCapacityAndStaysPrime(t *testing.T) {
	tbl := alloctable.New(17, 17, 0.2, 0.8, 0.5)
	for i := uintptr(1); i <= 1000; i++ {
		tbl.Put(addr(i), 8, nil)
	}
	require.GreaterOrEqual(t, tbl.Capacity(), 17)
	require.True(t, isPrime(tbl.Capacity()))
	require.Equal(t, 1000, tbl.Size())
}

func TestDownsizeRespectsMinCapacity(t *testing.T) {
	tbl := alloctable.New(17, 17, 0.2, 0.8, 0.5)
	for i := uintptr(1); i <= 1000; i++ {
		tbl.Put(addr(i), 8, nil)
	}
	grown := tbl.Capacity()
	require.Greater(t, grown, 17)

	for i := uintptr(1); i <= 1000; i++ {
		tbl.Remove(addr(i))
	}
	require.Equal(t, 0, tbl.Size())
	require.GreaterOrEqual(t, tbl.Capacity(), tbl.MinCapacity())
	require.LessOrEqual(t, tbl.Capacity(), grown)
}

func TestSweepRemovesUnmarkedKeepsMarked(t *testing.T) {
	tbl := alloctable.New(17, 17, 0.2, 0.8, 0.5)
	keep := tbl.Put(addr(1), 8, nil)
	keep.SetMark(true)
	drop := tbl.Put(addr(2), 16, nil)
	_ = drop

	reclaimed := tbl.Sweep(func(a *record.Allocation) bool { return a.IsMarked() })
	require.Len(t, reclaimed, 1)
	require.Equal(t, addr(2), reclaimed[0].Ptr)

	_, ok := tbl.Get(addr(1))
	require.True(t, ok)
	_, ok = tbl.Get(addr(2))
	require.False(t, ok)
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	for i := 2; i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}
