package responder

import (
	"context"
	"sync"
	"sync/atomic"
)

// IO is one reference-counted response handle: the
// correlation point between a client id and the response that will
// eventually answer it. A handle outlives the command scope that made
// it — a block's handle survives across transfers, and an event stream's
// handle survives until the stream is freed — hence the refcount.
type IO struct {
	r        *Responder
	clientID uint16
	refs     atomic.Int32

	mu        sync.Mutex
	done      chan struct{} // closed on answer or cancel; re-armed on reuse
	answered  bool
	cancelled bool
	code      int32
	payload   []byte
}

func newIO(r *Responder, clientID uint16) *IO {
	io := &IO{r: r, clientID: clientID, done: make(chan struct{})}
	io.refs.Store(1)
	return io
}

// ClientID returns the client id this handle correlates.
func (io *IO) ClientID() uint16 { return io.clientID }

// Ref takes an additional reference.
func (io *IO) Ref() { io.refs.Add(1) }

// Unref drops a reference; the final drop unregisters the handle from
// its responder.
func (io *IO) Unref() {
	if io.refs.Add(-1) == 0 {
		io.r.unregister(io)
	}
}

// SendResponse writes a response for this handle's client id: the
// header, then each payload segment, contiguous on the wire. Sending
// leaves the handle's state untouched, so it stays usable for later
// sends (a block handle is reused transfer after transfer) until it is
// cancelled.
func (io *IO) SendResponse(code int32, bufs ...[]byte) error {
	io.mu.Lock()
	if io.cancelled {
		io.mu.Unlock()
		return ErrCancelled
	}
	io.mu.Unlock()
	return io.r.sendResponse(io, code, bufs)
}

// SendResponseCode writes a payload-free response.
func (io *IO) SendResponseCode(code int32) error {
	return io.SendResponse(code)
}

// WaitResponse blocks until the peer answers for this handle's client
// id, the handle is cancelled, or ctx is done. On success it returns the
// response code and payload and re-arms the handle.
func (io *IO) WaitResponse(ctx context.Context) (int32, []byte, error) {
	io.mu.Lock()
	done := io.done
	io.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return 0, nil, ErrCancelled
	}

	io.mu.Lock()
	defer io.mu.Unlock()
	if io.cancelled {
		return 0, nil, ErrCancelled
	}
	code, payload := io.code, io.payload
	io.answered = false
	io.payload = nil
	io.done = make(chan struct{})
	return code, payload, nil
}

// Cancel marks the handle cancelled and wakes any waiter. Cancellation
// is sticky: the handle cannot be reused afterwards.
func (io *IO) Cancel() {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.cancelled {
		return
	}
	io.cancelled = true
	if !io.answered {
		close(io.done)
	}
}

// Cancelled reports whether Cancel has been called.
func (io *IO) Cancelled() bool {
	io.mu.Lock()
	defer io.mu.Unlock()
	return io.cancelled
}

// complete delivers a peer response into the answer slot.
func (io *IO) complete(code int32, payload []byte) {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.cancelled || io.answered {
		return
	}
	io.code = code
	io.payload = payload
	io.answered = true
	close(io.done)
}
