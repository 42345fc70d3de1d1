package cache

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
	addrC = "0x00000000000000000000000000000000000000cc"
	addrD = "0x00000000000000000000000000000000000000dd"
)

func TestLRU_CustodialMembership(t *testing.T) {
	c := NewLRU[string, bool](10, 5*time.Minute)

	c.Put(addrA, true)
	c.Put(addrB, false)

	v, ok := c.Get(addrA)
	require.True(t, ok)
	assert.True(t, v)

	v, ok = c.Get(addrB)
	require.True(t, ok)
	assert.False(t, v)

	_, ok = c.Get(addrC)
	assert.False(t, ok)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string, int](3, 5*time.Minute)

	c.Put(addrA, 1)
	c.Put(addrB, 2)
	c.Put(addrC, 3)
	c.Get(addrA)
	c.Put(addrD, 4)

	_, ok := c.Get(addrB)
	assert.False(t, ok, "least recently used entry should be evicted")

	v, ok := c.Get(addrA)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 3, c.Len())
}

func TestLRU_GasPriceExpires(t *testing.T) {
	c := NewLRU[string, *big.Int](1, 15*time.Second)

	now := time.Now()
	c.nowFn = func() time.Time { return now }
	c.Put("gas_price", big.NewInt(1_000_000_000))

	v, ok := c.Get("gas_price")
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000_000), v.Int64())

	c.nowFn = func() time.Time { return now.Add(16 * time.Second) }
	_, ok = c.Get("gas_price")
	assert.False(t, ok, "entry should have expired")
	assert.Equal(t, 0, c.Len())
}

func TestLRU_Update(t *testing.T) {
	c := NewLRU[string, int](10, 5*time.Minute)

	c.Put(addrA, 1)
	c.Put(addrA, 2)
	v, ok := c.Get(addrA)
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_PutForShortensNegatives(t *testing.T) {
	c := NewLRU[string, bool](10, 10*time.Minute)
	now := time.Now()
	c.nowFn = func() time.Time { return now }

	c.Put(addrA, true)
	c.PutFor(addrB, false, 30*time.Second)

	c.nowFn = func() time.Time { return now.Add(time.Minute) }
	_, ok := c.Get(addrB)
	assert.False(t, ok, "negative entry should be gone")
	v, ok := c.Get(addrA)
	require.True(t, ok)
	assert.True(t, v)
}

func TestLRU_LoadFillsOnce(t *testing.T) {
	c := NewLRU[string, *big.Int](1, time.Minute)
	calls := 0
	fill := func() (*big.Int, error) {
		calls++
		return big.NewInt(7), nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.Load("gas_price", fill)
		require.NoError(t, err)
		assert.Equal(t, int64(7), v.Int64())
	}
	assert.Equal(t, 1, calls)
}

func TestLRU_LoadDoesNotCacheErrors(t *testing.T) {
	c := NewLRU[string, int](1, time.Minute)

	_, err := c.Load("k", func() (int, error) { return 0, errors.New("node down") })
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	v, err := c.Load("k", func() (int, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestLRU_Stats(t *testing.T) {
	c := NewLRU[string, bool](10, 5*time.Minute)
	c.Put(addrA, true)

	c.Get(addrA)
	c.Get(addrA)
	c.Get(addrB)

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}
