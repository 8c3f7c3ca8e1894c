package arena

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_RegionLIFO(t *testing.T) {
	a := New(64, 48, 2)

	l1 := a.Acquire(10)
	l2 := a.Acquire(20)
	require.Len(t, l1.Bytes(), 10)
	require.Len(t, l2.Bytes(), 20)
	assert.Equal(t, 30, a.Stats().Offset)
	assert.Equal(t, 2, a.Stats().LiveLeases)

	// 最近一次分配先归还，偏移量回退
	l2.Release()
	assert.Equal(t, 10, a.Stats().Offset)

	l1.Release()
	assert.Equal(t, 0, a.Stats().Offset)
	assert.Equal(t, 0, a.Stats().LiveLeases)
}

func TestArena_OutOfOrderReleaseDrains(t *testing.T) {
	a := New(64, 48, 2)

	l1 := a.Acquire(10)
	l2 := a.Acquire(10)

	l1.Release()
	assert.Equal(t, 20, a.Stats().Offset, "a non-top release must not rewind")

	l2.Release()
	assert.Equal(t, 0, a.Stats().Offset)
}

func TestArena_LeasesDoNotOverlap(t *testing.T) {
	a := New(64, 48, 2)

	l1 := a.Acquire(16)
	l2 := a.Acquire(16)
	for i := range l1.Bytes() {
		l1.Bytes()[i] = 0xAA
	}
	for i := range l2.Bytes() {
		l2.Bytes()[i] = 0x55
	}
	for _, b := range l1.Bytes() {
		require.Equal(t, byte(0xAA), b)
	}

	// appending to a region lease must not spill into the neighbour
	grown := append(l1.Bytes(), 0x01)
	grown[0] = 0x02
	assert.Equal(t, byte(0x55), l2.Bytes()[0])

	l2.Release()
	l1.Release()
}

func TestArena_HighWaterStopsNewRegionClaims(t *testing.T) {
	a := New(64, 16, 2)

	l1 := a.Acquire(20) // offset 20, past the high-water mark
	l2 := a.Acquire(4)
	assert.False(t, l2.inRegion)
	assert.Equal(t, 20, a.Stats().Offset)

	l2.Release()
	l1.Release()

	l3 := a.Acquire(4)
	assert.True(t, l3.inRegion)
	l3.Release()
}

func TestArena_SpillPoolIsBounded(t *testing.T) {
	a := New(8, 0, 2)

	leases := make([]*Lease, 0, 4)
	for i := 0; i < 4; i++ {
		l := a.Acquire(32)
		require.False(t, l.inRegion)
		leases = append(leases, l)
	}
	for _, l := range leases {
		l.Release()
	}
	assert.Equal(t, 2, a.Stats().SpillPooled)

	// 回收池中的缓冲区被复用
	l := a.Acquire(32)
	assert.Equal(t, 1, a.Stats().SpillPooled)
	assert.Len(t, l.Bytes(), 32)
	l.Release()
}

func TestArena_SpillTooSmallIsDropped(t *testing.T) {
	a := New(0, 0, 2)

	small := a.Acquire(4)
	small.Release()
	require.Equal(t, 1, a.Stats().SpillPooled)

	big := a.Acquire(64)
	assert.Len(t, big.Bytes(), 64)
	assert.Equal(t, 0, a.Stats().SpillPooled)
	big.Release()
}

func TestArena_DoubleReleaseIsIgnored(t *testing.T) {
	a := New(64, 48, 2)

	l1 := a.Acquire(8)
	l2 := a.Acquire(8)
	l2.Release()
	l2.Release()
	assert.Equal(t, 1, a.Stats().LiveLeases)
	assert.Equal(t, 8, a.Stats().Offset)
	l1.Release()
	assert.Equal(t, 0, a.Stats().LiveLeases)
}

func TestArena_Concurrent(t *testing.T) {
	a := New(DefaultSize, DefaultHighWater, DefaultSpillCap)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l := a.Acquire(100 + i%400)
				buf := l.Bytes()
				for j := range buf {
					buf[j] = seed
				}
				for _, b := range buf {
					if b != seed {
						t.Errorf("lease content clobbered by another claim")
						break
					}
				}
				l.Release()
			}
		}(byte(g))
	}
	wg.Wait()

	assert.Equal(t, 0, a.Stats().LiveLeases)
	assert.Equal(t, 0, a.Stats().Offset)
}
