package atomic_clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestZeroValue(t *testing.T) {
	t.Parallel()
	var c Clock
	assert.True(t, c.IsZero())
	c.SetNowIfZero()
	assert.False(t, c.IsZero())
	before := c.UnixNano()
	c.SetIfZero(1)
	assert.Equal(t, before, c.UnixNano())
}

func TestSinceAndSub(t *testing.T) {
	t.Parallel()
	const delta = 100 * time.Millisecond
	begin := New(time.Now().Add(-time.Second).UnixNano())
	assert.InDelta(t, float64(time.Second), float64(Since(begin)), float64(delta))

	end := New(begin.UnixNano() + int64(3*time.Second))
	assert.Equal(t, 3*time.Second, end.Sub(begin))

	tim := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	c := Now()
	c.SetTime(tim)
	assert.True(t, tim.Equal(c.Time()))
	assert.Equal(t, tim.Unix(), c.Unix())
}

func TestConcurrentTouch(t *testing.T) {
	t.Parallel()
	var c Clock
	wg := sync.WaitGroup{}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.SetNow()
				_ = Since(&c)
			}
		}()
	}
	wg.Wait()
	assert.True(t, Since(&c) >= 0)
}
