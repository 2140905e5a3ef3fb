package iotransport

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// isRetryable reports whether err represents a transient interruption
// (EINTR, EAGAIN) that ReadAll/WriteAll should silently retry.
func isRetryable(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

// isPeerGone reports whether err indicates the peer has disconnected,
// in which case socket transports surface it as EOF rather than a fatal
// signal.
func isPeerGone(err error) bool {
	if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// A forced deadline from watchCancellation surfaces as a timeout;
		// callers have already checked ctx.Err() before consulting this.
		return true
	}
	return false
}
