// Package pool implements the session core's Thread Pool: a
// set of named, detached workers sharing one stop signal, with
// wait-for-drain teardown. It generalizes the context.Context +
// sync.WaitGroup lifecycle go-ublk's queue Runner uses per-queue into a
// single pool shared by every worker a Session spawns (responder reader,
// per-buffer enqueue/dequeue tasks, event-stream pumps).
package pool

import (
	"context"
	"os"
	"sync"

	"github.com/iiodproj/iiod/internal/logging"
)

// Pool spawns detached workers and exposes one shared stop signal.
// Restart is supported: after StopAndWait returns, a Restart call
// re-arms the signal.
type Pool struct {
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopped  bool
	stopOnce sync.Once

	// stopR/stopW back a self-pipe so fd-level waiters (via StopFD) can
	// poll on the pool's stop signal alongside their own file
	// descriptors, the same way go-ublk pins
	// a context.Context alongside kernel io_uring completions.
	stopR *os.File
	stopW *os.File

	logger *logging.Logger
}

// New creates a pool in the running state.
func New(logger *logging.Logger) *Pool {
	p := &Pool{logger: logger}
	p.arm()
	return p
}

func (p *Pool) arm() {
	ctx, cancel := context.WithCancel(context.Background())
	r, w, err := os.Pipe()
	if err != nil {
		// A self-pipe is only needed for FD-based cancellation; if the OS
		// refuses to hand out a pipe the pool still works via ctx alone.
		r, w = nil, nil
	}
	p.ctx = ctx
	p.cancel = cancel
	p.stopR = r
	p.stopW = w
	p.stopped = false
	p.stopOnce = sync.Once{}
}

// Context returns the pool's cancellation context; workers and
// iotransport both select on ctx.Done() for cooperative shutdown.
func (p *Pool) Context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

// StopFD returns the read end of the self-pipe, for use with unix.Poll
// alongside a transport file descriptor. Returns -1 if no self-pipe is
// available.
func (p *Pool) StopFD() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopR == nil {
		return -1
	}
	return int(p.stopR.Fd())
}

// Spawn starts fn as a detached worker named name. fn must return when
// ctx is cancelled; the pool's WaitGroup tracks it until it returns.
func (p *Pool) Spawn(name string, fn func(ctx context.Context)) {
	ctx := p.Context()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil && p.logger != nil {
				p.logger.Errorf("worker %s panicked: %v", name, r)
			}
		}()
		fn(ctx)
	}()
}

// Stop raises the stop signal exactly once. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	w := p.stopW
	p.stopped = true
	once := &p.stopOnce
	p.mu.Unlock()

	once.Do(func() {
		cancel()
		if w != nil {
			_ = w.Close()
		}
	})
}

// StopAndWait raises the stop signal, then blocks until every spawned
// worker has returned. Calling this from inside a pool worker deadlocks;
// callers must only call it from outside the pool.
func (p *Pool) StopAndWait() {
	p.Stop()
	p.wg.Wait()
}

// IsStopped reports whether Stop has been called since the last restart.
func (p *Pool) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Restart re-arms the pool after StopAndWait, permitting further Spawn
// calls.
func (p *Pool) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopR != nil {
		_ = p.stopR.Close()
	}
	p.arm()
}
