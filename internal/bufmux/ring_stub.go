//go:build !giouring
// +build !giouring

package bufmux

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/iiodproj/iiod/internal/iio"
)

// pollable is implemented by kernel blocks whose readiness can be
// observed on a file descriptor before committing to a blocking
// dequeue.
type pollable interface {
	PollFD() int
}

// waitBlockReady polls the block's readiness fd, when it has one, so
// the dequeue task only enters the kernel once data is pending. The
// default build uses plain poll(2); build with -tags giouring for the
// io_uring fast path.
func waitBlockReady(ctx context.Context, kblk iio.Block) {
	p, ok := kblk.(pollable)
	if !ok || p.PollFD() < 0 {
		return
	}
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
}
