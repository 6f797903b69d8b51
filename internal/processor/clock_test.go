package processor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVersionClock_WallClock(t *testing.T) {
	at := time.UnixMilli(1_590_000_000_000)
	c := NewVersionClock(func() time.Time { return at })

	assert.Equal(t, int64(1_590_000_000_000), c.Next(0))
	// Same millisecond: forced forward.
	assert.Equal(t, int64(1_590_000_000_001), c.Next(0))
	assert.Equal(t, int64(1_590_000_000_001), c.Current())
}

func TestVersionClock_Floor(t *testing.T) {
	at := time.UnixMilli(1000)
	c := NewVersionClock(func() time.Time { return at })

	assert.Equal(t, int64(5000), c.Next(5000))
	assert.Equal(t, int64(5001), c.Next(10))
}

func TestVersionClock_ConcurrentUnique(t *testing.T) {
	c := NewVersionClock(func() time.Time { return time.UnixMilli(42) })

	const n = 200
	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := c.Next(0)
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.Equal(t, int64(42+n-1), c.Current())
}
