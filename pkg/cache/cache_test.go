package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache() (*HashCache, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := NewHashCache(0)
	c.SetClock(clock.now)
	return c, clock
}

func TestHashCache_SetAndGet(t *testing.T) {
	c, _ := newTestCache()
	c.HSet("channel:5", map[string][]byte{"A": []byte("a"), "B": []byte("b")}, time.Hour)

	got := c.HGetAll("channel:5")
	assert.Equal(t, map[string][]byte{"A": []byte("a"), "B": []byte("b")}, got)
	assert.Empty(t, c.HGetAll("channel:6"))
}

func TestHashCache_SlidingExpiry(t *testing.T) {
	c, clock := newTestCache()
	c.HSet("k", map[string][]byte{"A": []byte("a")}, time.Hour)

	clock.advance(50 * time.Minute)
	c.HSet("k", map[string][]byte{"B": []byte("b")}, time.Hour)
	assert.Equal(t, time.Hour, c.TTL("k"))

	clock.advance(50 * time.Minute)
	assert.Len(t, c.HGetAll("k"), 2, "write refreshed the expiry of the whole key")

	clock.advance(11 * time.Minute)
	assert.Empty(t, c.HGetAll("k"))
	assert.Zero(t, c.TTL("k"))
}

func TestHashCache_ExpiredKeyStartsFresh(t *testing.T) {
	c, clock := newTestCache()
	c.HSet("k", map[string][]byte{"A": []byte("a")}, time.Minute)
	clock.advance(2 * time.Minute)

	c.HSet("k", map[string][]byte{"B": []byte("b")}, time.Minute)
	assert.Equal(t, map[string][]byte{"B": []byte("b")}, c.HGetAll("k"))
}

func TestHashCache_HDel(t *testing.T) {
	c, _ := newTestCache()
	c.HSet("k", map[string][]byte{"A": []byte("a"), "B": []byte("b")}, time.Hour)

	c.HDel("k", "A", time.Hour)
	assert.Equal(t, map[string][]byte{"B": []byte("b")}, c.HGetAll("k"))

	c.HDel("k", "B", time.Hour)
	assert.Equal(t, 0, c.GetStats().TotalKeys)
}

func TestHashCache_ReturnsCopies(t *testing.T) {
	c, _ := newTestCache()
	value := []byte("a")
	c.HSet("k", map[string][]byte{"A": value}, time.Hour)
	value[0] = 'z'

	got := c.HGetAll("k")
	got["A"][0] = 'y'
	assert.Equal(t, []byte("a"), c.HGetAll("k")["A"])
}

func TestHashCache_Invalidate(t *testing.T) {
	c, clock := newTestCache()
	c.HSet("voice:1", map[string][]byte{"A": nil}, time.Hour)
	c.HSet("voice:2", map[string][]byte{"A": nil}, time.Minute)
	c.HSet("other", map[string][]byte{"A": nil}, time.Hour)

	clock.advance(2 * time.Minute)
	stats := c.GetStats()
	assert.Equal(t, 3, stats.TotalKeys)
	assert.Equal(t, 1, stats.Expired)

	c.Invalidate("")
	assert.Equal(t, 2, c.GetStats().TotalKeys)

	c.Invalidate("voice:")
	assert.Equal(t, 1, c.GetStats().TotalKeys)
}

func TestHashCache_StopIsIdempotent(t *testing.T) {
	c := NewHashCache(10 * time.Millisecond)
	c.Stop()
	c.Stop()
}
