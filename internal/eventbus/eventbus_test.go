package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchOrderPerTopic(t *testing.T) {
	b := New(16)
	defer b.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		b.Register("clock.1hz", func(Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	b.Signal("clock.1hz", nil)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := New(16)
	defer b.Close()

	calls := 0
	var mu sync.Mutex
	h := b.Register("wifi.disconnect", func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	b.Signal("wifi.disconnect", nil)
	waitQuiescent(b)

	b.Unregister(h)
	b.Signal("wifi.disconnect", nil)
	waitQuiescent(b)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestOverflowDropsNewestAndRateLimits(t *testing.T) {
	b := New(1)
	defer b.Close()

	var mu sync.Mutex
	overflows := 0
	b.Register("bus.overflow", func(Event) {
		mu.Lock()
		overflows++
		mu.Unlock()
	})

	// Block the dispatch goroutine so the queue backs up.
	block := make(chan struct{})
	b.Register("slow", func(Event) { <-block })
	b.Signal("slow", nil) // occupies the single dispatch goroutine
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 10; i++ {
		b.Signal("slow", nil)
	}
	close(block)
	waitQuiescent(b)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, overflows, 1)
}

func waitQuiescent(b *Bus) {
	done := make(chan struct{})
	h := b.Register("__sync__", func(Event) { close(done) })
	defer b.Unregister(h)
	b.Signal("__sync__", nil)
	<-done
}
