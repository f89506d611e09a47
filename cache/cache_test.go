package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache_PutGet(t *testing.T) {
	c := NewLRUCache(2, nil)

	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = c.Get("c")
	assert.False(t, ok)
}

func TestLRUCache_Eviction(t *testing.T) {
	var evictedKeys []string
	c := NewLRUCache(2, func(key string, value interface{}) {
		evictedKeys = append(evictedKeys, key)
	})

	c.Put("a", 1)
	c.Put("b", 2)
	// Touch "a" so "b" becomes the LRU entry.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", 3)

	assert.Equal(t, []string{"b"}, evictedKeys)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	c := NewLRUCache(2, nil)
	c.Put("a", 1)
	c.Put("a", 10)

	assert.Equal(t, 1, c.Len())
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestLRUCache_ZeroCapacity(t *testing.T) {
	c := NewLRUCache(0, nil)
	c.Put("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUCache_Clear(t *testing.T) {
	evicted := 0
	c := NewLRUCache(4, func(string, interface{}) { evicted++ })
	for i := 0; i < 4; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 4, evicted)
}
