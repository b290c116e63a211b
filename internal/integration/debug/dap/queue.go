package dap

import "sync"

// handlerQueue runs callbacks one at a time in push order, off the reader
// goroutine. Its worker goroutine exits whenever the queue drains.
type handlerQueue struct {
	mu      sync.Mutex
	items   []func()
	running bool
}

func (q *handlerQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

func (q *handlerQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.items = nil
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}
