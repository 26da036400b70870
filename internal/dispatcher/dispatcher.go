// Package dispatcher runs admitted jobs as independent background tasks.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

// ErrClosed is returned by Submit once Wait has begun draining.
var ErrClosed = errors.New("dispatcher is shutting down")

// Processor runs a single job to a terminal state.
type Processor interface {
	Process(ctx context.Context, job archive.Job, req archive.Request)
}

// Dispatcher spawns one goroutine per job. Jobs are never cancelled: each runs
// on a context detached from the caller's cancellation.
type Dispatcher struct {
	proc   Processor
	logger *zap.Logger

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// New creates a Dispatcher.
func New(proc Processor, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{proc: proc, logger: logger}
}

// Submit hands job to a new background task and returns immediately.
func (d *Dispatcher) Submit(ctx context.Context, job archive.Job, req archive.Request) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("submit %s: %w", job.ID, ErrClosed)
	}

	taskCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	d.inFlight.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inFlight.Add(-1)
		d.proc.Process(taskCtx, job, req)
	}()
	d.logger.Debug("job dispatched", zap.String("job_id", job.ID))
	return nil
}

// InFlight reports the number of running jobs.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// Wait stops accepting jobs and blocks until running jobs finish or ctx
// ends. Jobs still running when ctx ends keep running.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("shutdown deadline reached with jobs still running", zap.Int("in_flight", d.InFlight()))
		return fmt.Errorf("wait for jobs: %w", ctx.Err())
	}
}
