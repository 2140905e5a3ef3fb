// Package iio states the contract the session core expects from the
// underlying industrial-I/O access layer. The core never talks to a
// kernel device directly: it treats this package's interfaces as an
// opaque external capability,
// so that the arbitration engine can be tested against internal/iiomock
// without real hardware.
package iio

import (
	"context"
	"sync"
)

// Context is one open IIO context: a tree of devices reachable by index,
// plus the pre-rendered XML description PRINT hands back to clients.
// The daemon opens one context and every session holds its own handle
// on it (Ref/Close); the backend's release hook runs when the last
// handle is closed.
type Context struct {
	devices []Device
	xml     []byte

	mu      sync.Mutex
	refs    int
	closeFn func() error
}

// NewContext wraps a fixed device list and its XML description into a
// Context. Rendering the description is the concrete backend's job (it
// knows its own device/channel/attribute names); the core only ever
// serves the bytes it was given. The caller holds the initial handle.
func NewContext(devices []Device, xml []byte) *Context {
	return NewContextWithCloser(devices, xml, nil)
}

// NewContextWithCloser is NewContext for backends that hold kernel
// resources: closeFn runs once, when the last handle is closed.
func NewContextWithCloser(devices []Device, xml []byte, closeFn func() error) *Context {
	return &Context{devices: devices, xml: xml, refs: 1, closeFn: closeFn}
}

// Ref takes an additional handle on the context. Each session refs the
// context at creation and closes its handle as the last step of
// disconnect teardown, after all of its buffers are gone.
func (c *Context) Ref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
}

// Close releases one handle. The last release runs the backend's close
// hook; no device may be touched through the context afterwards.
func (c *Context) Close() error {
	c.mu.Lock()
	c.refs--
	last := c.refs == 0
	closeFn := c.closeFn
	c.mu.Unlock()
	if !last || closeFn == nil {
		return nil
	}
	return closeFn()
}

// Device returns the device at idx, or false if out of range.
func (c *Context) Device(idx uint16) (Device, bool) {
	if int(idx) >= len(c.devices) {
		return nil, false
	}
	return c.devices[idx], true
}

// NumDevices returns the number of devices in the context.
func (c *Context) NumDevices() int { return len(c.devices) }

// XMLDescription returns the context's XML description, the payload for
// the PRINT opcode.
func (c *Context) XMLDescription() []byte { return c.xml }

// Device is one addressable device in a Context: a set of channels, a
// device-level and debug attribute namespace, and zero or more buffers.
type Device interface {
	Name() string

	NumAttrs() int
	Attr(idx int) (Attribute, bool)

	NumDebugAttrs() int
	DebugAttr(idx int) (Attribute, bool)

	NumChannels() int
	Channel(idx int) (Channel, bool)

	// Trigger returns the device index of the device currently acting as
	// this device's trigger, or false if none is set (GETTRIG).
	Trigger() (uint16, bool)
	// SetTrigger sets or, if triggerDevIdx is NoTrigger, clears the
	// device's trigger (SETTRIG).
	SetTrigger(triggerDevIdx uint16) error

	// CreateBuffer reconciles mask against the device's channels and
	// allocates a kernel sample buffer at the given buffer index. It
	// returns the post-reconciliation mask alongside the Buffer, so the
	// caller learns which channels the kernel actually honored.
	CreateBuffer(ctx context.Context, bufIdx uint16, mask []byte) (Buffer, []byte, error)

	// Output reports whether this device's channels are output lanes,
	// so buffers created against it are TX buffers (client writes
	// samples into blocks) rather than RX (kernel fills blocks).
	Output() bool

	// OpenEventStream opens the device's asynchronous hardware event
	// stream (CREATE_EVSTREAM).
	OpenEventStream(ctx context.Context) (EventStream, error)
}

// NoTrigger marks "clear this device's trigger" in SetTrigger.
const NoTrigger uint16 = 0xffff

// Attribute is an opaque scalar attribute resolved against its owner's
// attribute list.
type Attribute interface {
	Name() string
	// Read copies up to len(buf) bytes of the attribute's current value
	// into buf and returns the number of bytes written.
	Read(buf []byte) (int, error)
	// Write consumes data as the attribute's new value.
	Write(data []byte) (int, error)
}

// Channel is one data lane within a Device.
type Channel interface {
	Index() int
	Enabled() bool
	SetEnabled(enabled bool)

	NumAttrs() int
	Attr(idx int) (Attribute, bool)
}

// Buffer is a kernel-allocated queue of blocks for one device. All
// methods may block the calling worker and must respect ctx
// cancellation, which corresponds to the thread pool's stop signal.
type Buffer interface {
	NumAttrs() int
	Attr(idx int) (Attribute, bool)

	// Enable starts the kernel buffer flowing; Disable stops it. The
	// caller is responsible for starting the enqueue/dequeue tasks
	// before Enable and stopping them only after Disable.
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error

	CreateBlock(size uint32) (Block, error)

	// Cancel unblocks any in-flight Dequeue call on this buffer's
	// blocks, used during session teardown.
	Cancel()

	// Destroy releases the kernel buffer. The caller must have freed
	// all blocks first.
	Destroy() error
}

// Block is a fixed-size memory region owned by a Buffer, handed back
// and forth between the client and the kernel for one sample transfer.
type Block interface {
	// Data exposes the block's memory, valid only between an Enqueue
	// call and the matching Dequeue's completion for RX buffers, or
	// until the next Enqueue for TX buffers.
	Data() []byte

	// Enqueue hands the block to the kernel. cyclic requests the
	// enqueue be treated as a recurring cyclic transfer; callers must
	// only ever set cyclic for a buffer created cyclic.
	Enqueue(ctx context.Context, bytesUsed uint32, cyclic bool) error

	// Dequeue blocks until the kernel returns this block, yielding the
	// number of bytes the kernel produced (RX) or consumed (TX).
	Dequeue(ctx context.Context) (int, error)

	// Free releases the kernel block. The caller must ensure no
	// Enqueue/Dequeue call is in flight.
	Free() error
}

// EventStream produces a lazy, infinite sequence of event records from
// a device, independent of its sample buffer.
type EventStream interface {
	// ReadEvent blocks for the next fixed-size event record or returns
	// an error on cancellation/failure.
	ReadEvent(ctx context.Context) ([]byte, error)
	// ReadEventNonblock returns the next event record if one is already
	// pending, or ok=false when the read would block (READ_EVENT with
	// the nonblock flag set).
	ReadEventNonblock() (rec []byte, ok bool, err error)
	Close() error
}
