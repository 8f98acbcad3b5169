// Package tasks runs fire-and-forget background work (memory fact
// extraction, pattern recording) on a bounded worker pool so that a slow
// collaborator can never stall a chat turn.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is a unit of background work. The context is the pool's own
// lifecycle context, not the request context that spawned the task.
type Task func(ctx context.Context)

// Pool executes submitted tasks with a fixed concurrency cap. Submit never
// blocks: when all workers are busy and the queue is full, the task is
// dropped and logged.
type Pool struct {
	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type job struct {
	name string
	fn   Task
}

// NewPool starts workers goroutines draining a queue of queueSize tasks.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task", j.name).Msg("Background task panicked")
		}
	}()
	j.fn(p.ctx)
}

// Submit enqueues fn for execution. Returns false when the pool is shut
// down or saturated; the task is dropped in both cases.
func (p *Pool) Submit(name string, fn Task) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		log.Warn().Str("task", name).Msg("Background task dropped: pool shut down")
		return false
	}
	select {
	case p.queue <- job{name: name, fn: fn}:
		p.mu.Unlock()
		return true
	default:
		p.mu.Unlock()
		log.Warn().Str("task", name).Msg("Background task dropped: pool saturated")
		return false
	}
}

// Shutdown stops accepting work and waits for in-flight tasks to finish,
// up to the given grace period. After the grace period the pool context is
// cancelled so cooperative tasks can bail out.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("Background tasks still running at shutdown deadline")
	}
	p.cancel()
}
