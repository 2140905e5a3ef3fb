// Package evstream implements the event stream forwarder: a
// lazy pump moving asynchronous hardware events from a per-device kernel
// stream to one client. Each stream runs a single-job task — one queued
// pump request reads one event and completes the record's IO handle —
// the same one-shot completion shape go-ublk's queue runner uses per
// tag, without the per-tag array.
package evstream

import (
	"context"
	"sync"

	"github.com/iiodproj/iiod"
	"github.com/iiodproj/iiod/internal/iio"
	"github.com/iiodproj/iiod/internal/logging"
	"github.com/iiodproj/iiod/internal/pool"
	"github.com/iiodproj/iiod/internal/responder"
)

// Record is one client's open event stream on one device.
type Record struct {
	id        uint64
	devIdx    uint16
	sessionID uint64
	stream    iio.EventStream
	io        *responder.IO
	pool      *pool.Pool
	logger    *logging.Logger
	observer  iiod.Observer

	pumpCh     chan struct{}
	pumpCancel context.CancelFunc
	pumpWG     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending bool
}

// Config carries everything needed to open one event stream record.
type Config struct {
	Device    iio.Device
	DevIdx    uint16
	SessionID uint64

	IO       *responder.IO
	Pool     *pool.Pool
	Registry *Registry
	Logger   *logging.Logger
	Observer iiod.Observer
}

// Open allocates a record, opens the kernel event stream, starts the
// pump task, and registers the record. The
// record takes a reference on cfg.IO for the lifetime of the stream.
func Open(ctx context.Context, cfg Config) (*Record, error) {
	stream, err := cfg.Device.OpenEventStream(ctx)
	if err != nil {
		return nil, iiod.WrapKernelError("CREATE_EVSTREAM", err)
	}

	rec := &Record{
		devIdx:    cfg.DevIdx,
		sessionID: cfg.SessionID,
		stream:    stream,
		io:        cfg.IO,
		pool:      cfg.Pool,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		pumpCh:    make(chan struct{}, 1),
	}
	if rec.observer == nil {
		rec.observer = iiod.NoOpObserver{}
	}
	cfg.IO.Ref()

	pumpCtx, cancel := context.WithCancel(cfg.Pool.Context())
	rec.pumpCancel = cancel
	rec.pumpWG.Add(1)
	cfg.Pool.Spawn("evstream-pump", func(ctx context.Context) {
		defer rec.pumpWG.Done()
		rec.pump(pumpCtx)
	})

	cfg.Registry.register(rec)
	return rec, nil
}

// ID returns the registry id assigned at open.
func (rec *Record) ID() uint64 { return rec.id }

// ClientID returns the client id whose responses this stream completes.
func (rec *Record) ClientID() uint16 { return rec.io.ClientID() }

// DevIdx returns the stream's device index.
func (rec *Record) DevIdx() uint16 { return rec.devIdx }

// ReadNonblock runs one event read inline, for READ_EVENT with the
// nonblock flag set: if an event is already pending it is returned
// immediately, otherwise ok is false and the caller responds -EAGAIN
// without touching the pump.
func (rec *Record) ReadNonblock() (recBytes []byte, ok bool, err error) {
	b, ok, err := rec.stream.ReadEventNonblock()
	if err != nil {
		rec.observer.ObserveEvent(false)
		return nil, false, iiod.WrapKernelError("READ_EVENT", err)
	}
	if ok {
		rec.observer.ObserveEvent(true)
	}
	return b, ok, nil
}

// QueueRead enqueues one pump job: the pump task will read the next
// event and complete the record's IO with it. At most one read may be
// pending per stream.
func (rec *Record) QueueRead() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return iiod.NewNotFound("READ_EVENT", "event stream closed")
	}
	if rec.pending {
		return iiod.NewBusy("READ_EVENT", "event read already pending")
	}
	rec.pending = true
	rec.pumpCh <- struct{}{}
	return nil
}

// readDone clears the pending marker once the pump has answered.
func (rec *Record) readDone() {
	rec.mu.Lock()
	rec.pending = false
	rec.mu.Unlock()
}

// pump is the stream's single-job task body: wait for a queued read,
// read one event, complete the IO, repeat.
func (rec *Record) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rec.pumpCh:
		}

		b, err := rec.stream.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rec.observer.ObserveEvent(false)
			code := iiod.WrapKernelError("READ_EVENT", err).WireCode()
			serr := rec.io.SendResponseCode(code)
			rec.readDone()
			if serr != nil {
				return
			}
			continue
		}
		rec.observer.ObserveEvent(true)
		serr := rec.io.SendResponse(int32(len(b)), b)
		rec.readDone()
		if serr != nil {
			return
		}
	}
}

// Close detaches the record from its registry, signals the pump task to
// stop, destroys the kernel stream, waits for the pump to exit, and then
// cancels and releases the IO handle, in that order. Idempotent.
func (rec *Record) Close(registry *Registry) error {
	rec.mu.Lock()
	if rec.closed {
		rec.mu.Unlock()
		return nil
	}
	rec.closed = true
	rec.mu.Unlock()

	registry.unregister(rec)
	rec.pumpCancel()
	// Closing the kernel stream unblocks a pump stuck in ReadEvent.
	err := rec.stream.Close()
	rec.pumpWG.Wait()
	rec.io.Cancel()
	rec.io.Unref()
	if err != nil {
		return iiod.WrapKernelError("FREE_EVSTREAM", err)
	}
	return nil
}

// Registry is the daemon-global event stream registry,
// used for fast lookup only; each record's owner is its session.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	records map[uint64]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[uint64]*Record)}
}

func (r *Registry) register(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	rec.id = r.nextID
	r.records[rec.id] = rec
}

func (r *Registry) unregister(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, rec.id)
}

// Lookup returns the record with the given registry id.
func (r *Registry) Lookup(id uint64) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
