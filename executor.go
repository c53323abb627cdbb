package scr

import (
	"sync"
)

// executor runs tasks one at a time in submission order. There is no
// dedicated goroutine: the goroutine that submits to an idle executor drains
// the queue, and submissions made while it is draining (including from the
// running task itself) are queued and run by that goroutine afterwards.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (e *executor) submit(task func()) {
	e.mu.Lock()
	e.queue = append(e.queue, task)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		next()
	}
}

// submitAndWait submits task and returns once it has run. It must not be
// called from a task of the same executor.
func (e *executor) submitAndWait(task func()) {
	done := make(chan struct{})
	e.submit(func() {
		defer close(done)
		task()
	})
	<-done
}
