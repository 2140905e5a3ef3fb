// Package session implements per-client session state: the
// registry of buffers and event streams one transport connection owns,
// and the ordered teardown that releases every kernel-facing resource
// when the transport disconnects. The construct → register resources →
// run → ordered-teardown lifecycle follows go-ublk's device lifecycle
// (CreateAndServe / StopAndDelete).
package session

import (
	"sync"
	"sync/atomic"

	"github.com/iiodproj/iiod"
	"github.com/iiodproj/iiod/internal/bufmux"
	"github.com/iiodproj/iiod/internal/evstream"
	"github.com/iiodproj/iiod/internal/iio"
	"github.com/iiodproj/iiod/internal/iotransport"
	"github.com/iiodproj/iiod/internal/logging"
	"github.com/iiodproj/iiod/internal/pool"
	"github.com/iiodproj/iiod/internal/responder"
)

var nextSessionID atomic.Uint64

// bufKey identifies one buffer within a session by its (device, index)
// slot.
type bufKey struct {
	devIdx uint16
	bufIdx uint16
}

// Config carries the collaborators a session needs.
type Config struct {
	Transport *iotransport.Transport
	Context   *iio.Context

	BufRegistry *bufmux.Registry
	EvRegistry  *evstream.Registry

	Logger   *logging.Logger
	Observer iiod.Observer

	// NewHandler builds the command handler (the daemon dispatcher)
	// bound to this session. Split out as a constructor so the session
	// package stays free of opcode knowledge.
	NewHandler func(*Session) responder.Handler
}

// Session is one client connection's lifecycle object: it owns a
// responder, the buffers it created, and the event streams it opened,
// and destroys them in reverse order on disconnect.
type Session struct {
	id       uint64
	iioCtx   *iio.Context
	pool     *pool.Pool
	rsp      *responder.Responder
	logger   *logging.Logger
	observer iiod.Observer
	metrics  *iiod.Metrics

	bufReg *bufmux.Registry
	evReg  *evstream.Registry

	timeoutMs atomic.Int32

	mu        sync.Mutex
	buffers   map[bufKey]*bufmux.Buffer
	evstreams map[uint16]*evstream.Record

	teardown sync.Once
	done     chan struct{}
}

// New builds a session over the given transport. The responder is wired
// but not started; call Run.
func New(cfg Config) *Session {
	s := &Session{
		id:        nextSessionID.Add(1),
		iioCtx:    cfg.Context,
		pool:      pool.New(cfg.Logger),
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		metrics:   iiod.NewMetrics(),
		bufReg:    cfg.BufRegistry,
		evReg:     cfg.EvRegistry,
		buffers:   make(map[bufKey]*bufmux.Buffer),
		evstreams: make(map[uint16]*evstream.Record),
		done:      make(chan struct{}),
	}
	if s.observer == nil {
		s.observer = iiod.NewMetricsObserver(s.metrics)
	}
	s.iioCtx.Ref()
	s.rsp = responder.New(cfg.Transport, s.pool, cfg.NewHandler(s), cfg.Logger)
	return s
}

// ID returns the session's daemon-unique id.
func (s *Session) ID() uint64 { return s.id }

// Context returns the IIO context this session resolves devices in.
func (s *Session) Context() *iio.Context { return s.iioCtx }

// Pool returns the session's thread pool.
func (s *Session) Pool() *pool.Pool { return s.pool }

// Responder returns the session's responder.
func (s *Session) Responder() *responder.Responder { return s.rsp }

// Logger returns the session's logger.
func (s *Session) Logger() *logging.Logger { return s.logger }

// Observer returns the session's metrics observer.
func (s *Session) Observer() iiod.Observer { return s.observer }

// Metrics returns the session's metrics.
func (s *Session) Metrics() *iiod.Metrics { return s.metrics }

// BufRegistry and EvRegistry expose the daemon-global registries.
func (s *Session) BufRegistry() *bufmux.Registry  { return s.bufReg }
func (s *Session) EvRegistry() *evstream.Registry { return s.evReg }

// SetTimeoutMs stores the context I/O deadline set by TIMEOUT.
func (s *Session) SetTimeoutMs(ms int32) { s.timeoutMs.Store(ms) }

// TimeoutMs returns the current context I/O deadline in milliseconds,
// zero meaning none.
func (s *Session) TimeoutMs() int32 { return s.timeoutMs.Load() }

// Run starts the responder and blocks until the transport disconnects,
// then performs the full disconnect teardown. It returns once every
// session-owned resource is released.
func (s *Session) Run() {
	if s.logger != nil {
		s.logger.Infof("session started session=%d", s.id)
	}
	s.rsp.Start()
	<-s.rsp.Drained()
	s.Teardown()
}

// AddBuffer records b as session-owned. The session must not already
// own a buffer at b's (device, index) slot.
func (s *Session) AddBuffer(b *bufmux.Buffer) error {
	key := bufKey{devIdx: b.DevIdx(), bufIdx: b.BufIdx()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[key]; ok {
		return iiod.NewBusy("CREATE_BUFFER", "session already owns this device/index")
	}
	s.buffers[key] = b
	return nil
}

// Buffer looks up the session-owned buffer at (devIdx, bufIdx).
func (s *Session) Buffer(devIdx, bufIdx uint16) (*bufmux.Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[bufKey{devIdx: devIdx, bufIdx: bufIdx}]
	return b, ok
}

// RemoveBuffer detaches the buffer at (devIdx, bufIdx) from the session
// without destroying it; the caller owns the destroy.
func (s *Session) RemoveBuffer(devIdx, bufIdx uint16) (*bufmux.Buffer, bool) {
	key := bufKey{devIdx: devIdx, bufIdx: bufIdx}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[key]
	if ok {
		delete(s.buffers, key)
	}
	return b, ok
}

// AddEvStream records rec as session-owned under its client id.
func (s *Session) AddEvStream(rec *evstream.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.evstreams[rec.ClientID()]; ok {
		return iiod.NewBusy("CREATE_EVSTREAM", "client already owns an event stream")
	}
	s.evstreams[rec.ClientID()] = rec
	return nil
}

// EvStream looks up the session-owned event stream for clientID.
func (s *Session) EvStream(clientID uint16) (*evstream.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.evstreams[clientID]
	return rec, ok
}

// RemoveEvStream detaches the event stream for clientID without closing
// it; the caller owns the close.
func (s *Session) RemoveEvStream(clientID uint16) (*evstream.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.evstreams[clientID]
	if ok {
		delete(s.evstreams, clientID)
	}
	return rec, ok
}

// Teardown releases everything the session owns, in dependency order:
// event streams, then buffers (blocks before kernel buffers), then the
// responder drain, and finally the session's handle on the IIO context.
// Repeated disconnect signals run at most one teardown.
func (s *Session) Teardown() {
	s.teardown.Do(func() {
		if s.logger != nil {
			s.logger.Infof("session teardown session=%d", s.id)
		}
		s.rsp.Shutdown()

		s.mu.Lock()
		streams := make([]*evstream.Record, 0, len(s.evstreams))
		for _, rec := range s.evstreams {
			streams = append(streams, rec)
		}
		s.evstreams = make(map[uint16]*evstream.Record)
		buffers := make([]*bufmux.Buffer, 0, len(s.buffers))
		for _, b := range s.buffers {
			buffers = append(buffers, b)
		}
		s.buffers = make(map[bufKey]*bufmux.Buffer)
		s.mu.Unlock()

		for _, rec := range streams {
			if err := rec.Close(s.evReg); err != nil && s.logger != nil {
				s.logger.Warnf("event stream teardown: %v", err)
			}
		}
		for _, b := range buffers {
			if err := b.Destroy(); err != nil && s.logger != nil {
				s.logger.Warnf("buffer teardown: %v", err)
			}
		}

		<-s.rsp.Drained()
		s.pool.StopAndWait()
		if err := s.iioCtx.Close(); err != nil && s.logger != nil {
			s.logger.Warnf("context handle teardown: %v", err)
		}
		s.metrics.Stop()
		close(s.done)
	})
	<-s.done
}

// Done returns a channel closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }
