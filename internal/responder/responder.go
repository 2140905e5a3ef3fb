// Package responder implements the IIOD responder: a
// bidirectional, out-of-order command/response multiplexer riding on a
// single byte stream. Many concurrent exchanges share the stream without
// head-of-line blocking; identity is carried by the 16-bit client id in
// every record. The table-of-handles-keyed-by-numeric-id shape and the
// close-once teardown fan-out follow smux's session design.
package responder

import (
	"context"
	"errors"
	"sync"

	"github.com/iiodproj/iiod/internal/iotransport"
	"github.com/iiodproj/iiod/internal/logging"
	"github.com/iiodproj/iiod/internal/pool"
	"github.com/iiodproj/iiod/internal/wire"
)

var (
	// ErrCancelled is returned by WaitResponse when the handle was
	// cancelled or the responder shut down before the peer answered.
	ErrCancelled = errors.New("responder: io cancelled")

	// ErrDuplicateID is returned by CreateIO when a handle for that
	// client id is already registered. The protocol guarantees at most
	// one outstanding exchange per client id per direction.
	ErrDuplicateID = errors.New("responder: client id already in use")

	// ErrShutdown is returned for operations on a responder whose
	// stream has already failed or been torn down.
	ErrShutdown = errors.New("responder: shut down")
)

// Handler receives inbound Commands from the reader loop. The handler
// runs on the reader goroutine; any payload bytes the opcode carries
// must be consumed through data before the handler returns, and
// long-running work must be handed off to a background task.
type Handler interface {
	HandleCommand(cmd wire.Command, data *CommandReader)
}

// Responder multiplexes request/response exchanges over one transport.
type Responder struct {
	tr      *iotransport.Transport
	pool    *pool.Pool
	handler Handler
	logger  *logging.Logger

	// wmu is the writer lock: header and
	// payload segments of one response are contiguous on the wire.
	wmu sync.Mutex

	mu       sync.Mutex
	ios      map[uint16]*IO // handles answering peer commands
	pending  map[uint16]*IO // our commands awaiting a peer response
	shutdown bool
	started  bool

	drained   chan struct{} // closed when the reader loop has exited
	drainOnce sync.Once
}

// New wires a responder over tr. Workers run on p; inbound commands are
// dispatched to handler. Call Start to launch the reader loop.
func New(tr *iotransport.Transport, p *pool.Pool, handler Handler, logger *logging.Logger) *Responder {
	return &Responder{
		tr:      tr,
		pool:    p,
		handler: handler,
		logger:  logger,
		ios:     make(map[uint16]*IO),
		pending: make(map[uint16]*IO),
		drained: make(chan struct{}),
	}
}

// Start launches the reader loop on the responder's pool.
func (r *Responder) Start() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	r.pool.Spawn("responder-reader", r.readLoop)
}

func (r *Responder) closeDrained() {
	r.drainOnce.Do(func() { close(r.drained) })
}

// CreateIO allocates and registers a response handle for clientID. The
// returned handle starts with one reference held by the caller.
func (r *Responder) CreateIO(clientID uint16) (*IO, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, ErrShutdown
	}
	if _, ok := r.ios[clientID]; ok {
		return nil, ErrDuplicateID
	}
	io := newIO(r, clientID)
	r.ios[clientID] = io
	return io, nil
}

// LookupIO returns the registered handle for clientID, taking a new
// reference on it, or nil if none is registered.
func (r *Responder) LookupIO(clientID uint16) *IO {
	r.mu.Lock()
	defer r.mu.Unlock()
	io, ok := r.ios[clientID]
	if !ok {
		return nil
	}
	io.Ref()
	return io
}

// unregister drops io from whichever table holds it. Called from the
// final Unref.
func (r *Responder) unregister(io *IO) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ios[io.clientID] == io {
		delete(r.ios, io.clientID)
	}
	if r.pending[io.clientID] == io {
		delete(r.pending, io.clientID)
	}
}

// SendCommand writes a command record plus its payload and registers io
// to receive the peer's eventual response. The protocol is symmetric;
// this is the initiating half used by clients (and by tests driving a
// daemon-side responder through a paired transport).
func (r *Responder) SendCommand(io *IO, cmd wire.Command, payload []byte) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrShutdown
	}
	if prev, ok := r.pending[cmd.ClientID]; ok && prev != io {
		r.mu.Unlock()
		return ErrDuplicateID
	}
	r.pending[cmd.ClientID] = io
	r.mu.Unlock()

	var hdr [wire.CommandHeaderSize]byte
	cmd.MarshalTo(hdr[:])

	r.wmu.Lock()
	defer r.wmu.Unlock()
	ctx := r.pool.Context()
	if _, err := iotransport.WriteAll(ctx, r.tr.Writer, hdr[:]); err != nil {
		r.fail(err)
		return err
	}
	if len(payload) > 0 {
		if _, err := iotransport.WriteAll(ctx, r.tr.Writer, payload); err != nil {
			r.fail(err)
			return err
		}
	}
	return nil
}

// sendResponse writes a response header followed by the payload
// segments, atomically with respect to other writers. The wire sees one
// contiguous run of payloadSize bytes split into len(bufs) segments.
func (r *Responder) sendResponse(io *IO, code int32, bufs [][]byte) error {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	resp := wire.Response{
		ClientID:    io.clientID,
		Code:        code,
		PayloadSize: uint32(total),
		NbBufs:      uint16(len(bufs)),
	}
	var hdr [wire.ResponseHeaderSize]byte
	resp.MarshalTo(hdr[:])

	r.wmu.Lock()
	defer r.wmu.Unlock()
	ctx := r.pool.Context()
	if _, err := iotransport.WriteAll(ctx, r.tr.Writer, hdr[:]); err != nil {
		r.fail(err)
		return err
	}
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		if _, err := iotransport.WriteAll(ctx, r.tr.Writer, b); err != nil {
			r.fail(err)
			return err
		}
	}
	return nil
}

// fail converts a stream error into responder shutdown: raise the pool's
// stop signal and cancel every registered handle. A failed response
// write is the transport-eof error class; it unwinds the session.
func (r *Responder) fail(err error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	started := r.started
	cancels := make([]*IO, 0, len(r.ios)+len(r.pending))
	for _, io := range r.ios {
		cancels = append(cancels, io)
	}
	for _, io := range r.pending {
		cancels = append(cancels, io)
	}
	r.mu.Unlock()

	if !started {
		// No reader loop will ever run; nothing to drain.
		r.closeDrained()
	}

	if r.logger != nil && err != nil && err != iotransport.ErrEOF {
		r.logger.Warnf("responder stream error: %v", err)
	}
	r.pool.Stop()
	for _, io := range cancels {
		io.Cancel()
	}
}

// Shutdown tears the responder down from outside the reader loop,
// cancelling all registered handles and raising the pool stop signal.
func (r *Responder) Shutdown() {
	r.fail(nil)
}

// Drained returns a channel closed once the reader loop has exited; the
// session teardown path waits on it before destroying the IIO context.
func (r *Responder) Drained() <-chan struct{} {
	return r.drained
}

// readLoop is the responder's single inbound loop: read one 16-byte
// record header, decide direction, deliver. A record is a Response iff
// its leading client id matches a command this side has in flight; each
// side draws its command ids from a space disjoint from its peer's, so
// the test is unambiguous.
func (r *Responder) readLoop(ctx context.Context) {
	defer r.closeDrained()
	var hdr [wire.CommandHeaderSize]byte
	for {
		if _, err := iotransport.ReadAll(ctx, r.tr.Reader, hdr[:]); err != nil {
			r.fail(err)
			return
		}

		clientID := uint16(hdr[0]) | uint16(hdr[1])<<8
		r.mu.Lock()
		waiter := r.pending[clientID]
		if waiter != nil {
			delete(r.pending, clientID)
		}
		r.mu.Unlock()

		if waiter != nil {
			resp := wire.UnmarshalResponse(hdr[:])
			var payload []byte
			if resp.PayloadSize > 0 {
				payload = make([]byte, resp.PayloadSize)
				if _, err := iotransport.ReadAll(ctx, r.tr.Reader, payload); err != nil {
					r.fail(err)
					return
				}
			}
			waiter.complete(resp.Code, payload)
			continue
		}

		cmd := wire.UnmarshalCommand(hdr[:])
		data := &CommandReader{r: r}
		r.handler.HandleCommand(cmd, data)
	}
}

// CommandReader streams an inbound command's payload bytes out of the
// reader loop. Only the command handler,
// running on the reader goroutine, may use it, and only before the
// handler returns.
type CommandReader struct {
	r *Responder
}

// Read fills buf from the command's payload, blocking until the bytes
// arrive or the stream fails.
func (cr *CommandReader) Read(buf []byte) (int, error) {
	n, err := iotransport.ReadAll(cr.r.pool.Context(), cr.r.tr.Reader, buf)
	if err != nil {
		cr.r.fail(err)
	}
	return n, err
}

// Discard consumes and drops n payload bytes, so a handler that rejects
// a command early still leaves the stream aligned on the next record.
func (cr *CommandReader) Discard(n uint64) error {
	var scratch [4096]byte
	for n > 0 {
		chunk := uint64(len(scratch))
		if n < chunk {
			chunk = n
		}
		if _, err := cr.Read(scratch[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
