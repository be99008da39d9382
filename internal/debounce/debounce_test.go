package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDebounceCoalescesBurstsIntoOneFlush(t *testing.T) {
	var mu sync.Mutex
	var flushes []map[string]struct{}

	d := New[string](20*time.Millisecond, func(batch map[string]struct{}) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, batch)
	})

	d.Add("a")
	d.Add("b")
	time.Sleep(5 * time.Millisecond)
	d.Add("a") // re-adding resets the timer without creating a second batch
	d.Add("c")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushes[0], 3)
	require.Contains(t, flushes[0], "a")
	require.Contains(t, flushes[0], "b")
	require.Contains(t, flushes[0], "c")
}

func TestDebounceFlushNow(t *testing.T) {
	called := make(chan map[string]struct{}, 1)
	d := New[string](time.Hour, func(batch map[string]struct{}) { called <- batch })

	d.Add("x")
	d.Flush()

	select {
	case batch := <-called:
		require.Contains(t, batch, "x")
	case <-time.After(time.Second):
		t.Fatal("flush did not fire")
	}
}

func TestDebounceStopSuppressesFlush(t *testing.T) {
	fired := false
	d := New[string](10*time.Millisecond, func(map[string]struct{}) { fired = true })
	d.Add("x")
	d.Stop()
	time.Sleep(30 * time.Millisecond)
	require.False(t, fired)
}
