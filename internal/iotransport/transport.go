// Package iotransport implements the session core's Framed Transport I/O
//: blocking length-delimited reads/writes over a paired
// read/write descriptor, with cooperative cancellation via the thread
// pool's stop handle. It is grounded on go-ublk's treatment of a
// context.Context as the universal cancellation signal for blocking
// syscalls, generalized from io_uring completions to plain fd I/O.
package iotransport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// ErrEOF is returned by ReadAll/WriteAll when the stop handle fired or
// the peer closed its end before the requested length was satisfied
//").
var ErrEOF = errors.New("iotransport: eof")

// Transport is one session's pair of byte streams: a reader and a
// writer, plus a bit marking whether it is backed by a socket, so
// peer-disconnect can be reported as EOF rather than a fatal signal.
type Transport struct {
	Reader   io.Reader
	Writer   io.Writer
	IsSocket bool
	Closer   io.Closer
}

// NewTCPTransport wraps a net.Conn, configuring keep-alive probing and
// TCP_NODELAY.
func NewTCPTransport(conn *net.TCPConn, keepAlivePeriod time.Duration) (*Transport, error) {
	if err := conn.SetNoDelay(true); err != nil {
		return nil, err
	}
	if err := conn.SetKeepAlive(true); err != nil {
		return nil, err
	}
	if keepAlivePeriod > 0 {
		if err := conn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
			return nil, err
		}
	}
	return &Transport{Reader: conn, Writer: conn, IsSocket: true, Closer: conn}, nil
}

// NewPipeTransport wraps a non-socket read/write descriptor pair (serial
// lines, USB-FunctionFS endpoints).
func NewPipeTransport(r io.Reader, w io.Writer, closer io.Closer) *Transport {
	return &Transport{Reader: r, Writer: w, IsSocket: false, Closer: closer}
}

// deadlineSetter is implemented by *net.TCPConn and *os.File-backed
// transports; it lets a pending blocking Read/Write be cancelled by
// forcing an immediate deadline, the same cooperative-cancellation shape
// go-ublk gives its io_uring completions via context.Context.
type deadlineSetter interface {
	SetDeadline(t time.Time) error
}

// watchCancellation arms d's deadline the instant ctx is done, so a
// blocked Read/Write wakes up instead of hanging past cancellation. The
// returned stop func must be called once the blocking call returns.
func watchCancellation(ctx context.Context, rw any) (stop func()) {
	d, ok := rw.(deadlineSetter)
	if !ok || ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = d.SetDeadline(time.Unix(0, 1))
		case <-done:
		}
	}()
	return func() { close(done) }
}

// ReadAll reads exactly len(buf) bytes from r, or returns the number of
// bytes actually read and ErrEOF if ctx is cancelled or the peer closes
// before that length is reached. Short reads are retried transparently.
func ReadAll(ctx context.Context, r io.Reader, buf []byte) (int, error) {
	stop := watchCancellation(ctx, r)
	defer stop()

	total := 0
	for total < len(buf) {
		if err := ctx.Err(); err != nil {
			return total, ErrEOF
		}
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if err == io.EOF {
				return total, ErrEOF
			}
			if ctx.Err() != nil {
				return total, ErrEOF
			}
			if isRetryable(err) {
				continue
			}
			return total, err
		}
		if n == 0 {
			return total, ErrEOF
		}
	}
	return total, nil
}

// WriteAll writes exactly len(buf) bytes to w, retrying partial writes,
// or returns ErrEOF if ctx is cancelled or the peer has gone away.
func WriteAll(ctx context.Context, w io.Writer, buf []byte) (int, error) {
	stop := watchCancellation(ctx, w)
	defer stop()

	total := 0
	for total < len(buf) {
		if err := ctx.Err(); err != nil {
			return total, ErrEOF
		}
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			if ctx.Err() != nil || isPeerGone(err) {
				return total, ErrEOF
			}
			if isRetryable(err) {
				continue
			}
			return total, err
		}
	}
	return total, nil
}
