// Package bufmux implements the buffer multiplexer: the
// arbitration engine that lets many concurrent clients share one kernel
// sample buffer on one device. Each buffer carries a pair of
// single-consumer tasks — enqueue and dequeue — joined by bounded
// channels of block references, a direct translation of go-ublk's
// per-tag queue state machine (fetch in flight → owned → commit in
// flight) into a per-block one (queued → in flight → completed).
package bufmux

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/iiodproj/iiod"
	"github.com/iiodproj/iiod/internal/iio"
	"github.com/iiodproj/iiod/internal/logging"
	"github.com/iiodproj/iiod/internal/pool"
	"github.com/iiodproj/iiod/internal/responder"
)

// taskQueueDepth bounds how many blocks may sit queued ahead of each
// task. Transfers submitted past this bound fail with -EAGAIN rather
// than blocking the reader loop.
const taskQueueDepth = 64

// blockState tracks where a block sits in its transfer lifecycle.
type blockState int

const (
	blockIdle     blockState = iota // owned by the client, not queued
	blockQueued                     // waiting in the enqueue task's queue
	blockInFlight                   // handed to the kernel, dequeue pending
)

// Block is one fixed-size transfer unit owned by a buffer. Its IO
// handle carries the completion of whichever transfer is in flight and
// is reused across transfers.
type Block struct {
	buf  *Buffer
	kblk iio.Block
	io   *responder.IO
	size uint64

	mu         sync.Mutex
	state      blockState
	bytesUsed  uint32
	cyclic     bool
	enqueuedAt time.Time
}

// ClientID returns the client id whose responses this block's transfers
// complete on.
func (bl *Block) ClientID() uint16 { return bl.io.ClientID() }

// Size returns the block's allocation size in bytes.
func (bl *Block) Size() uint64 { return bl.size }

// Data exposes the block's kernel memory. Valid only while the block is
// not in flight.
func (bl *Block) Data() []byte { return bl.kblk.Data() }

// Config carries everything needed to create one multiplexed buffer.
type Config struct {
	Device    iio.Device
	DevIdx    uint16
	BufIdx    uint16
	Mask      []byte
	Cyclic    bool
	SessionID uint64

	Pool     *pool.Pool
	Registry *Registry
	Logger   *logging.Logger
	Observer iiod.Observer
}

// Buffer arbitrates one kernel sample buffer across a session's clients
//. The two tasks are either both running or
// both stopped; Enable/Disable preserve that invariant.
type Buffer struct {
	id        uint64
	device    iio.Device
	devIdx    uint16
	bufIdx    uint16
	sessionID uint64
	cyclic    bool
	output    bool

	kbuf     iio.Buffer
	mask     []byte
	pool     *pool.Pool
	registry *Registry
	logger   *logging.Logger
	observer iiod.Observer

	enqueueCh chan *Block
	dequeueCh chan *Block

	mu           sync.Mutex
	blocks       map[uint16]*Block // keyed by owning client id
	enabled      bool
	tasksRunning bool
	taskCancel   context.CancelFunc
	taskWG       sync.WaitGroup
	destroyed    bool
}

// Create performs the buffer creation sequence: validate the mask
// length against the device's channel count, reconcile it through the
// kernel, register the buffer, and initialize, but not start, the task
// pair. The returned mask holds the bits the kernel actually honored.
func Create(ctx context.Context, cfg Config) (*Buffer, []byte, error) {
	nChannels := cfg.Device.NumChannels()
	wantLen := ((nChannels + 31) / 32) * 4
	if len(cfg.Mask) != wantLen {
		return nil, nil, iiod.NewInvalidArg("CREATE_BUFFER", "mask length does not match channel count")
	}

	b := &Buffer{
		device:    cfg.Device,
		devIdx:    cfg.DevIdx,
		bufIdx:    cfg.BufIdx,
		sessionID: cfg.SessionID,
		cyclic:    cfg.Cyclic,
		output:    cfg.Device.Output(),
		pool:      cfg.Pool,
		registry:  cfg.Registry,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		enqueueCh: make(chan *Block, taskQueueDepth),
		dequeueCh: make(chan *Block, taskQueueDepth),
		blocks:    make(map[uint16]*Block),
	}
	if b.observer == nil {
		b.observer = iiod.NoOpObserver{}
	}

	// Claim the (device, index) slot before touching the kernel, so a
	// losing racer never half-creates a kernel buffer.
	if err := cfg.Registry.register(b); err != nil {
		return nil, nil, err
	}

	kbuf, updated, err := cfg.Device.CreateBuffer(ctx, cfg.BufIdx, cfg.Mask)
	if err != nil {
		cfg.Registry.unregister(b)
		return nil, nil, iiod.WrapKernelError("CREATE_BUFFER", err)
	}
	b.kbuf = kbuf
	b.mask = updated
	return b, updated, nil
}

// ID returns the registry id assigned at creation.
func (b *Buffer) ID() uint64 { return b.id }

// DevIdx and BufIdx identify the buffer's (device, index) slot.
func (b *Buffer) DevIdx() uint16 { return b.devIdx }
func (b *Buffer) BufIdx() uint16 { return b.bufIdx }

// Cyclic reports whether the buffer was created in cyclic mode.
func (b *Buffer) Cyclic() bool { return b.cyclic }

// Output reports whether this is a TX buffer: clients write sample data
// into blocks, the kernel consumes it.
func (b *Buffer) Output() bool { return b.output }

// Mask returns the reconciled channel mask.
func (b *Buffer) Mask() []byte { return b.mask }

// Attr resolves a buffer-level attribute (READ_BUF_ATTR family).
func (b *Buffer) Attr(idx int) (iio.Attribute, bool) { return b.kbuf.Attr(idx) }

// CreateBlock allocates a kernel block of size bytes and attaches it to
// the buffer. io is the block's dedicated response handle,
// distinct from the creating command's default channel; the buffer holds
// a reference until the block is freed.
func (b *Buffer) CreateBlock(size uint64, io *responder.IO) (*Block, error) {
	if size == 0 {
		return nil, iiod.NewInvalidArg("CREATE_BLOCK", "zero-size block")
	}
	kblk, err := b.kbuf.CreateBlock(uint32(size))
	if err != nil {
		return nil, iiod.WrapKernelError("CREATE_BLOCK", err)
	}

	blk := &Block{buf: b, kblk: kblk, io: io, size: size}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		_ = kblk.Free()
		return nil, iiod.NewNotFound("CREATE_BLOCK", "buffer destroyed")
	}
	if _, ok := b.blocks[io.ClientID()]; ok {
		_ = kblk.Free()
		return nil, iiod.NewInvalidArg("CREATE_BLOCK", "client already owns a block on this buffer")
	}
	io.Ref()
	b.blocks[io.ClientID()] = blk
	return blk, nil
}

// Block looks up the block owned by clientID.
func (b *Buffer) Block(clientID uint16) (*Block, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.blocks[clientID]
	return blk, ok
}

// Transfer queues a block for one kernel round trip (TRANSFER_BLOCK /
// ENQUEUE_BLOCK_CYCLIC). The completion arrives on the block's own IO
// handle once the dequeue task finishes with it.
func (b *Buffer) Transfer(blk *Block, bytesUsed uint64, cyclic bool) error {
	if bytesUsed == 0 {
		return iiod.NewInvalidArg("TRANSFER_BLOCK", "bytes_used is zero")
	}
	if bytesUsed > blk.size {
		return iiod.NewInvalidArg("TRANSFER_BLOCK", "bytes_used exceeds block size")
	}
	if cyclic && !b.cyclic {
		return iiod.NewInvalidArg("TRANSFER_BLOCK", "cyclic transfer on a non-cyclic buffer")
	}

	blk.mu.Lock()
	if blk.state != blockIdle {
		blk.mu.Unlock()
		return iiod.NewBusy("TRANSFER_BLOCK", "block already queued")
	}
	blk.state = blockQueued
	blk.bytesUsed = uint32(bytesUsed)
	blk.cyclic = cyclic
	blk.enqueuedAt = time.Now()
	blk.mu.Unlock()

	select {
	case b.enqueueCh <- blk:
		return nil
	default:
		blk.mu.Lock()
		blk.state = blockIdle
		blk.mu.Unlock()
		e := iiod.NewBusy("TRANSFER_BLOCK", "enqueue queue full")
		e.Errno = unix.EAGAIN
		return e
	}
}

// FreeBlock detaches the block owned by clientID, cancels its IO handle
// so any waiter wakes with cancelled, and destroys the kernel block.
func (b *Buffer) FreeBlock(clientID uint16) error {
	b.mu.Lock()
	blk, ok := b.blocks[clientID]
	if ok {
		delete(b.blocks, clientID)
	}
	b.mu.Unlock()
	if !ok {
		return iiod.NewNotFound("FREE_BLOCK", "no block for client")
	}
	blk.io.Cancel()
	blk.io.Unref()
	if err := blk.kblk.Free(); err != nil {
		return iiod.WrapKernelError("FREE_BLOCK", err)
	}
	return nil
}

// Enable starts the task pair, then enables the kernel buffer. Tasks
// must be live before the kernel starts flowing.
func (b *Buffer) Enable(ctx context.Context) error {
	b.startTasks()
	if err := b.kbuf.Enable(ctx); err != nil {
		b.stopTasks()
		return iiod.WrapKernelError("ENABLE_BUFFER", err)
	}
	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()
	return nil
}

// Disable disables the kernel buffer, then stops the task pair — only
// after the kernel has stopped producing.
func (b *Buffer) Disable(ctx context.Context) error {
	err := b.kbuf.Disable(ctx)
	b.kbuf.Cancel()
	b.stopTasks()
	b.mu.Lock()
	b.enabled = false
	b.mu.Unlock()
	if err != nil {
		return iiod.WrapKernelError("DISABLE_BUFFER", err)
	}
	return nil
}

// Destroy tears the buffer down: stop tasks (draining in-flight work),
// free every block (cancelling any still-waiting IO), then destroy the
// kernel buffer. No kernel object is referenced after this returns.
func (b *Buffer) Destroy() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	b.mu.Unlock()

	b.kbuf.Cancel()
	b.stopTasks()

	b.mu.Lock()
	blocks := make([]*Block, 0, len(b.blocks))
	for _, blk := range b.blocks {
		blocks = append(blocks, blk)
	}
	b.blocks = make(map[uint16]*Block)
	b.mu.Unlock()

	for _, blk := range blocks {
		blk.io.Cancel()
		blk.io.Unref()
		_ = blk.kblk.Free()
	}

	err := b.kbuf.Destroy()
	b.registry.unregister(b)
	if err != nil {
		return iiod.WrapKernelError("FREE_BUFFER", err)
	}
	return nil
}

// startTasks launches the enqueue/dequeue pair if not already running.
func (b *Buffer) startTasks() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tasksRunning {
		return
	}
	taskCtx, cancel := context.WithCancel(b.pool.Context())
	b.taskCancel = cancel
	b.tasksRunning = true
	b.taskWG.Add(2)
	b.pool.Spawn("buffer-enqueue", func(ctx context.Context) {
		defer b.taskWG.Done()
		b.enqueueTask(taskCtx)
	})
	b.pool.Spawn("buffer-dequeue", func(ctx context.Context) {
		defer b.taskWG.Done()
		b.dequeueTask(taskCtx)
	})
}

// stopTasks cancels the task context and waits for both workers to
// exit. Both tasks stop together, preserving the both-running-or-
// both-stopped invariant.
func (b *Buffer) stopTasks() {
	b.mu.Lock()
	if !b.tasksRunning {
		b.mu.Unlock()
		return
	}
	cancel := b.taskCancel
	b.tasksRunning = false
	b.mu.Unlock()

	cancel()
	b.taskWG.Wait()
}

// enqueueTask hands queued blocks to the kernel one at a time. Cyclic
// enqueues and failures complete the block's IO immediately; everything
// else flows on to the dequeue task, keeping per-buffer FIFO order.
func (b *Buffer) enqueueTask(ctx context.Context) {
	for {
		var blk *Block
		select {
		case <-ctx.Done():
			return
		case blk = <-b.enqueueCh:
		}

		blk.mu.Lock()
		bytesUsed, cyclic := blk.bytesUsed, blk.cyclic
		blk.mu.Unlock()

		err := blk.kblk.Enqueue(ctx, bytesUsed, cyclic)
		if err != nil {
			b.observer.ObserveEnqueue(uint64(bytesUsed), b.output, false)
			b.completeBlock(blk, iiod.WrapKernelError("TRANSFER_BLOCK", err).WireCode())
			continue
		}
		b.observer.ObserveEnqueue(uint64(bytesUsed), b.output, true)

		if cyclic {
			// Cyclic blocks never reach the dequeue task; the kernel
			// replays them until the buffer is destroyed.
			b.completeBlock(blk, 0)
			continue
		}

		blk.mu.Lock()
		blk.state = blockInFlight
		blk.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case b.dequeueCh <- blk:
		}
	}
}

// dequeueTask retires in-flight blocks in FIFO order: an
// RX completion carries the dequeued bytes as payload, a TX completion
// carries only the consumed byte count.
func (b *Buffer) dequeueTask(ctx context.Context) {
	for {
		var blk *Block
		select {
		case <-ctx.Done():
			return
		case blk = <-b.dequeueCh:
		}

		waitBlockReady(ctx, blk.kblk)
		n, err := blk.kblk.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Teardown won the race; the free path cancels the IO.
				return
			}
			b.completeBlock(blk, iiod.WrapKernelError("TRANSFER_BLOCK", err).WireCode())
			continue
		}

		blk.mu.Lock()
		latency := time.Since(blk.enqueuedAt)
		blk.state = blockIdle
		blk.mu.Unlock()
		b.observer.ObserveDequeue(uint64(latency.Nanoseconds()))

		if b.output {
			if err := blk.io.SendResponseCode(int32(n)); err != nil {
				return
			}
			continue
		}
		if err := blk.io.SendResponse(int32(n), blk.kblk.Data()[:n]); err != nil {
			return
		}
	}
}

// completeBlock finishes a transfer on the block's own IO handle and
// returns the block to the idle state.
func (b *Buffer) completeBlock(blk *Block, code int32) {
	blk.mu.Lock()
	blk.state = blockIdle
	blk.mu.Unlock()
	if err := blk.io.SendResponseCode(code); err != nil && b.logger != nil {
		b.logger.Debugf("block completion dropped: %v", err)
	}
}
