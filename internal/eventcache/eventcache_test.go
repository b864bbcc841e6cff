package eventcache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkAndSeen(t *testing.T) {
	c := New(4)
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Mark("a"))
	assert.True(t, c.Seen("a"))
	assert.False(t, c.Mark("a"), "marking an already-seen id reports no insertion")
}

func TestBoundedFIFOEviction(t *testing.T) {
	c := New(3)
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, c.Mark(id))
	}
	assert.Equal(t, 3, c.Len())

	assert.True(t, c.Mark("d"))
	assert.Equal(t, 3, c.Len(), "P5: size never exceeds capacity")
	assert.False(t, c.Seen("a"), "oldest-inserted id is evicted first")
	assert.True(t, c.Seen("b"))
	assert.True(t, c.Seen("c"))
	assert.True(t, c.Seen("d"))
}

func TestNeverExceedsCapacityUnderManyInserts(t *testing.T) {
	c := New(8)
	for i := 0; i < 1000; i++ {
		c.Mark(fmt.Sprintf("id-%d", i))
		assert.LessOrEqual(t, c.Len(), 8)
	}
}
