// Package keylock serializes work per key.
//
// Work for one subject runs in submission order while different subjects
// proceed in parallel. No mutex is held while the work itself runs, so a slow
// call for one key never blocks bookkeeping for another. A key's entry is
// removed as soon as its backlog drains.
package keylock

import "sync"

// Queue runs submitted functions one at a time per key
type Queue struct {
	mu   sync.Mutex
	busy map[string][]func()
}

// NewQueue creates an empty Queue
func NewQueue() *Queue {
	return &Queue{busy: make(map[string][]func())}
}

// Do runs fn after every function submitted earlier for key has finished and
// returns once fn has run. A panic in fn is re-raised in the caller.
func (q *Queue) Do(key string, fn func()) {
	done := make(chan struct{})
	var panicked interface{}
	job := func() {
		defer close(done)
		defer func() { panicked = recover() }()
		fn()
	}

	q.mu.Lock()
	backlog, running := q.busy[key]
	q.busy[key] = append(backlog, job)
	q.mu.Unlock()

	if !running {
		go q.drain(key)
	}
	<-done

	if panicked != nil {
		panic(panicked)
	}
}

func (q *Queue) drain(key string) {
	for {
		q.mu.Lock()
		backlog := q.busy[key]
		if len(backlog) == 0 {
			delete(q.busy, key)
			q.mu.Unlock()
			return
		}
		job := backlog[0]
		q.busy[key] = backlog[1:]
		q.mu.Unlock()

		job()
	}
}

// Len returns the number of keys with queued or running work
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.busy)
}
