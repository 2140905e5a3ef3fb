//go:build giouring
// +build giouring

package bufmux

import (
	"context"
	"sync"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/iiodproj/iiod/internal/iio"
)

// pollable is implemented by kernel blocks whose readiness can be
// observed on a file descriptor before committing to a blocking
// dequeue.
type pollable interface {
	PollFD() int
}

// pollRing serializes POLL_ADD submissions through one small io_uring
// instance shared by every dequeue task in the process.
var pollRing struct {
	once sync.Once
	mu   sync.Mutex
	ring *giouring.Ring
}

func ringInit() {
	r, err := giouring.CreateRing(8)
	if err != nil {
		return
	}
	pollRing.ring = r
}

// waitBlockReady arms an io_uring POLL_ADD on the block's readiness fd
// and waits for its completion, so the dequeue task only enters the
// kernel once data is pending. Falls back to poll(2) when the ring
// cannot be created.
func waitBlockReady(ctx context.Context, kblk iio.Block) {
	p, ok := kblk.(pollable)
	if !ok || p.PollFD() < 0 {
		return
	}
	pollRing.once.Do(ringInit)
	if pollRing.ring == nil {
		fds := []unix.PollFd{{Fd: int32(p.PollFD()), Events: unix.POLLIN}}
		for ctx.Err() == nil {
			n, err := unix.Poll(fds, 100)
			if err == unix.EINTR {
				continue
			}
			if err != nil || n > 0 {
				return
			}
		}
		return
	}

	pollRing.mu.Lock()
	defer pollRing.mu.Unlock()
	sqe := pollRing.ring.GetSQE()
	if sqe == nil {
		return
	}
	sqe.PreparePollAdd(p.PollFD(), unix.POLLIN)
	if _, err := pollRing.ring.SubmitAndWait(1); err != nil {
		return
	}
	cqe, err := pollRing.ring.WaitCQE()
	if err != nil {
		return
	}
	pollRing.ring.CQESeen(cqe)
}
