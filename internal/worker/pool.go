package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Job is a unit of asynchronous work. The context it receives is detached
// from the submitting request; the caller's identity must be captured as an
// explicit closure parameter, never through ambient state.
type Job func(ctx context.Context)

var ErrQueueFull = errors.New("worker queue full")
var ErrStopped = errors.New("worker pool stopped")

// Pool is a fixed-size goroutine pool with a bounded queue, owned by the
// composition root and drained on shutdown.
type Pool struct {
	jobs chan Job
	log  zerolog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(workers, queueSize int, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &Pool{
		jobs: make(chan Job, queueSize),
		log:  log,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.invoke(job)
	}
}

func (p *Pool) invoke(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("worker job panicked")
		}
	}()
	job(context.Background())
}

// Submit enqueues a job, failing fast when the queue is full rather than
// blocking the caller. The mutex stays held across the send so Shutdown
// cannot close the channel between the stopped check and the enqueue.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops intake and waits for queued jobs to drain, or returns the
// context error if the deadline passes first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
