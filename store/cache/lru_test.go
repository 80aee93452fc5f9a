package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLRU_SetGet covers the basic roundtrip and misses.
func TestLRU_SetGet(t *testing.T) {
	c := NewLRU(8, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("payload"), 0))

	value, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), value)

	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)
}

// TestLRU_Overwrite replaces the value without growing the cache.
func TestLRU_Overwrite(t *testing.T) {
	c := NewLRU(8, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("v1"), 0))
	require.NoError(t, c.Set(ctx, "a", []byte("v2"), 0))

	value, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), value)
	assert.Equal(t, 1, c.Size())
}

// TestLRU_CapacityEviction drops the least recently used entry, respecting
// recency refreshes from Get.
func TestLRU_CapacityEviction(t *testing.T) {
	c := NewLRU(2, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Size())
}

// TestLRU_TTLExpiry lets entries lapse after their TTL.
func TestLRU_TTLExpiry(t *testing.T) {
	c := NewLRU(8, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

// TestLRU_Invalidate removes entries; absent keys are a no-op.
func TestLRU_Invalidate(t *testing.T) {
	c := NewLRU(8, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Invalidate(ctx, "a"))
	require.NoError(t, c.Invalidate(ctx, "a"))

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}
