package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := NewPool(2, 8, zerolog.Nop())
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		if err := p.Submit(func(ctx context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := ran.Load(); got != 5 {
		t.Fatalf("ran %d jobs, want 5", got)
	}
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())
	release := make(chan struct{})
	// occupy the single worker
	if err := p.Submit(func(ctx context.Context) { <-release }); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	// fill the queue, then the next submit must fail fast
	var err error
	for i := 0; i < 3; i++ {
		err = p.Submit(func(ctx context.Context) {})
		if err != nil {
			break
		}
	}
	if err != ErrQueueFull {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestPoolSurvivesPanickingJob(t *testing.T) {
	p := NewPool(1, 4, zerolog.Nop())
	if err := p.Submit(func(ctx context.Context) { panic("boom") }); err != nil {
		t.Fatalf("submit panicker: %v", err)
	}
	done := make(chan struct{})
	if err := p.Submit(func(ctx context.Context) { close(done) }); err != nil {
		t.Fatalf("submit follower: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker died after panic")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSubmitRacingShutdownNeverSendsOnClosedChannel(t *testing.T) {
	for i := 0; i < 200; i++ {
		p := NewPool(2, 4, zerolog.Nop())
		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for {
					err := p.Submit(func(ctx context.Context) {})
					if err == ErrStopped {
						return
					}
				}
			}()
		}
		go func() {
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = p.Shutdown(ctx)
		}()
		close(start)
		// a send on the closed jobs channel would panic a submitter
		// goroutine and take the test process down
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("submitters did not drain; likely panicked mid-shutdown")
		}
		if err := p.Submit(func(ctx context.Context) {}); err != ErrStopped {
			t.Fatalf("want ErrStopped after shutdown, got %v", err)
		}
	}
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := p.Submit(func(ctx context.Context) {}); err != ErrStopped {
		t.Fatalf("want ErrStopped, got %v", err)
	}
}
