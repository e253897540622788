package server

import "sync"

// endpointKey identifies one device endpoint whose URB completions must
// be delivered in submission order.
type endpointKey struct {
	deviceID uint32
	endpoint uint8
}

// endpointWorkerPool gives each (device, endpoint) pair its own
// FIFO queue and a single draining goroutine, so a slow transfer on one
// endpoint does not delay completions on another while its queue has
// room (once endpointQueueDepth items are queued, submit blocks) -- the
// per-session backpressure isolation the broker requires, implemented
// at endpoint granularity since that's the unit USBIP-style completion
// ordering is actually specified over.
type endpointWorkerPool struct {
	mu      sync.Mutex
	queues  map[endpointKey]chan func()
	closing bool
}

func newEndpointWorkerPool() *endpointWorkerPool {
	return &endpointWorkerPool{queues: make(map[endpointKey]chan func())}
}

const endpointQueueDepth = 64

func (p *endpointWorkerPool) submit(deviceID uint32, endpoint uint8, work func()) {
	key := endpointKey{deviceID: deviceID, endpoint: endpoint}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	q, ok := p.queues[key]
	if !ok {
		q = make(chan func(), endpointQueueDepth)
		p.queues[key] = q
		go drainQueue(q)
	}
	p.mu.Unlock()

	q <- work
}

func drainQueue(q chan func()) {
	for work := range q {
		work()
	}
}

// Close stops accepting new work; queued work already submitted still
// drains normally since the channels are never explicitly closed
// during the broker's own lifetime (only process exit reclaims the
// goroutines).
func (p *endpointWorkerPool) Close() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
}
