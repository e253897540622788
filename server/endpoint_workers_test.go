package server

import (
	"sync"
	"testing"
)

func TestEndpointWorkerPoolPreservesOrderPerEndpoint(t *testing.T) {
	pool := newEndpointWorkerPool()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		pool.submit(1, 5, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("completion order broken at index %d: got %d, want %d", i, v, i)
		}
	}
}

func TestEndpointWorkerPoolIsolatesDifferentEndpoints(t *testing.T) {
	pool := newEndpointWorkerPool()

	block := make(chan struct{})
	done := make(chan struct{})

	pool.submit(1, 1, func() { <-block })
	pool.submit(1, 2, func() { close(done) })

	<-done
	close(block)
}
