package engine

import (
	"sync"
)

// Pool is a fixed-size worker pool with a bounded queue. When the queue
// is full the submitting goroutine runs the task itself, which slows
// the producer down instead of dropping work or growing without bound.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewPool starts a pool with the given worker count and queue depth.
func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	p := &Pool{tasks: make(chan func(), queueDepth)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit queues a task, running it inline when the queue is full.
// Returns false if the pool has already stopped.
func (p *Pool) Submit(task func()) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}

	select {
	case p.tasks <- task:
		p.mu.Unlock()
		return true
	default:
	}
	p.mu.Unlock()

	// Queue saturated: caller runs
	task()
	return true
}

// Stop drains the queue and waits for in-flight tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
