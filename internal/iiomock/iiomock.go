// Package iiomock provides an in-memory implementation of internal/iio's
// contract, for exercising the session core without real hardware. It is
// grounded on the same sharded-memory approach go-ublk's memory backend
// uses, adapted from an address space of bytes to a channel/attribute/
// sample-buffer tree.
package iiomock

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/iiodproj/iiod/internal/iio"
)

// Attribute is a simple in-memory scalar attribute backed by a byte slice.
type Attribute struct {
	mu    sync.RWMutex
	name  string
	value []byte

	// ReadCalls/WriteCalls track invocations for assertions in tests.
	ReadCalls  int
	WriteCalls int
}

// NewAttribute creates an attribute with the given name and initial value.
func NewAttribute(name string, value []byte) *Attribute {
	return &Attribute{name: name, value: append([]byte(nil), value...)}
}

func (a *Attribute) Name() string { return a.name }

func (a *Attribute) Read(buf []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ReadCalls++
	n := copy(buf, a.value)
	return n, nil
}

func (a *Attribute) Write(data []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.WriteCalls++
	a.value = append(a.value[:0], data...)
	return len(data), nil
}

var _ iio.Attribute = (*Attribute)(nil)

// Channel is an in-memory channel with its own attribute list.
type Channel struct {
	mu      sync.Mutex
	index   int
	enabled bool
	attrs   []*Attribute
}

// NewChannel creates a channel at the given index with the given attributes.
func NewChannel(index int, attrs ...*Attribute) *Channel {
	return &Channel{index: index, attrs: attrs}
}

func (c *Channel) Index() int { return c.index }

func (c *Channel) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Channel) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

func (c *Channel) NumAttrs() int { return len(c.attrs) }

func (c *Channel) Attr(idx int) (iio.Attribute, bool) {
	if idx < 0 || idx >= len(c.attrs) {
		return nil, false
	}
	return c.attrs[idx], true
}

var _ iio.Channel = (*Channel)(nil)

// Device is an in-memory device: channels, device/debug attributes, a
// trigger slot, and the buffers created against it.
type Device struct {
	mu sync.Mutex

	name       string
	attrs      []*Attribute
	debugAttrs []*Attribute
	channels   []*Channel

	triggerDevIdx uint16
	hasTrigger    bool

	// cyclicOwners tracks which buffer indices currently have a cyclic
	// buffer open; a cyclic owner excludes every other create on its
	// index until destroyed.
	cyclicOwners map[uint16]bool

	// SampleSize is the per-channel sample byte width recorded on each
	// buffer created on this device; defaults to 2 bytes/channel. Dequeue
	// results are sized by the block's bytes-used count, not by it.
	SampleSize int

	// IsOutput marks the device's channels as output lanes; buffers
	// created on it are TX buffers.
	IsOutput bool

	// EventTick controls how often the device's event stream emits a
	// synthetic record when no event has been injected. Zero means
	// events only arrive via EventStream.Inject.
	EventTick time.Duration
}

// NewDevice creates a device with the given name, attributes, and channels.
func NewDevice(name string, attrs []*Attribute, debugAttrs []*Attribute, channels []*Channel) *Device {
	return &Device{
		name:         name,
		attrs:        attrs,
		debugAttrs:   debugAttrs,
		channels:     channels,
		cyclicOwners: make(map[uint16]bool),
		SampleSize:   2,
	}
}

func (d *Device) Name() string { return d.name }

func (d *Device) NumAttrs() int { return len(d.attrs) }

func (d *Device) Attr(idx int) (iio.Attribute, bool) {
	if idx < 0 || idx >= len(d.attrs) {
		return nil, false
	}
	return d.attrs[idx], true
}

func (d *Device) NumDebugAttrs() int { return len(d.debugAttrs) }

func (d *Device) DebugAttr(idx int) (iio.Attribute, bool) {
	if idx < 0 || idx >= len(d.debugAttrs) {
		return nil, false
	}
	return d.debugAttrs[idx], true
}

func (d *Device) NumChannels() int { return len(d.channels) }

func (d *Device) Channel(idx int) (iio.Channel, bool) {
	if idx < 0 || idx >= len(d.channels) {
		return nil, false
	}
	return d.channels[idx], true
}

func (d *Device) Trigger() (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggerDevIdx, d.hasTrigger
}

func (d *Device) SetTrigger(triggerDevIdx uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if triggerDevIdx == iio.NoTrigger {
		d.hasTrigger = false
		d.triggerDevIdx = 0
		return nil
	}
	d.triggerDevIdx = triggerDevIdx
	d.hasTrigger = true
	return nil
}

// reconcileMask enables/disables channels per the raw bitmap, bit i per
// channel i, and rewrites the mask to only the bits that exist.
func reconcileMask(channels []*Channel, mask []byte) []byte {
	nWords := (len(channels) + 31) / 32
	out := make([]byte, nWords*4)
	for i, ch := range channels {
		word := i / 32
		bit := uint(i % 32)
		enabled := false
		if word*4+4 <= len(mask) {
			w := binary.LittleEndian.Uint32(mask[word*4 : word*4+4])
			enabled = (w>>bit)&1 != 0
		}
		ch.SetEnabled(enabled)
		if enabled {
			w := binary.LittleEndian.Uint32(out[word*4 : word*4+4])
			binary.LittleEndian.PutUint32(out[word*4:word*4+4], w|(1<<bit))
		}
	}
	return out
}

func (d *Device) CreateBuffer(ctx context.Context, bufIdx uint16, mask []byte) (iio.Buffer, []byte, error) {
	d.mu.Lock()
	if d.cyclicOwners[bufIdx] {
		d.mu.Unlock()
		return nil, nil, errBusy{}
	}
	d.mu.Unlock()

	updated := reconcileMask(d.channels, mask)
	sampleSize := 0
	for _, ch := range d.channels {
		if ch.Enabled() {
			sampleSize += d.SampleSize
		}
	}
	if sampleSize == 0 {
		sampleSize = d.SampleSize
	}

	buf := &Buffer{
		device:     d,
		bufIdx:     bufIdx,
		sampleSize: sampleSize,
	}
	return buf, updated, nil
}

type errBusy struct{}

func (errBusy) Error() string { return "buffer already cyclic" }

func (d *Device) Output() bool { return d.IsOutput }

func (d *Device) OpenEventStream(ctx context.Context) (iio.EventStream, error) {
	return NewEventStream(d.EventTick), nil
}

var _ iio.Device = (*Device)(nil)

// Buffer is an in-memory sample buffer. Enabled buffers feed a
// synthetic, ever-incrementing sample pattern to RX blocks; TX blocks are
// simply accepted and reported as fully consumed.
type Buffer struct {
	mu sync.Mutex

	device     *Device
	bufIdx     uint16
	sampleSize int
	enabled    bool
	cyclic     bool
	cancelled  bool

	attrs []*Attribute
	seq   uint64
}

func (b *Buffer) NumAttrs() int { return len(b.attrs) }

func (b *Buffer) Attr(idx int) (iio.Attribute, bool) {
	if idx < 0 || idx >= len(b.attrs) {
		return nil, false
	}
	return b.attrs[idx], true
}

func (b *Buffer) Enable(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = true
	return nil
}

func (b *Buffer) Disable(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = false
	return nil
}

func (b *Buffer) CreateBlock(size uint32) (iio.Block, error) {
	return &Block{buf: b, data: make([]byte, size)}, nil
}

func (b *Buffer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = true
}

func (b *Buffer) Destroy() error {
	b.device.mu.Lock()
	delete(b.device.cyclicOwners, b.bufIdx)
	b.device.mu.Unlock()
	return nil
}

// markCyclic registers this buffer as the exclusive cyclic owner of its
// (device, index) pair. Callers must already hold no conflicting buffer
// open, which CreateBuffer checked at creation time.
func (b *Buffer) markCyclic() {
	b.mu.Lock()
	b.cyclic = true
	b.mu.Unlock()
	b.device.mu.Lock()
	b.device.cyclicOwners[b.bufIdx] = true
	b.device.mu.Unlock()
}

var _ iio.Buffer = (*Buffer)(nil)

// Block is an in-memory kernel block. Dequeue synthesizes a short delay
// to give tests something to observe in dequeue-latency metrics.
type Block struct {
	buf  *Buffer
	data []byte

	mu        sync.Mutex
	bytesUsed uint32
	cyclic    bool
}

func (bl *Block) Data() []byte { return bl.data }

func (bl *Block) Enqueue(ctx context.Context, bytesUsed uint32, cyclic bool) error {
	bl.mu.Lock()
	bl.bytesUsed = bytesUsed
	bl.cyclic = cyclic
	bl.mu.Unlock()
	if cyclic {
		bl.buf.markCyclic()
	}
	return nil
}

func (bl *Block) Dequeue(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(time.Millisecond):
	}

	bl.buf.mu.Lock()
	cancelled := bl.buf.cancelled
	bl.buf.mu.Unlock()
	if cancelled {
		return 0, context.Canceled
	}

	bl.mu.Lock()
	defer bl.mu.Unlock()
	n := len(bl.data)
	if int(bl.bytesUsed) > 0 && int(bl.bytesUsed) < n {
		n = int(bl.bytesUsed)
	}
	for i := 0; i < n; i++ {
		bl.data[i] = byte(bl.buf.seq + uint64(i))
	}
	bl.buf.seq++
	return n, nil
}

func (bl *Block) Free() error { return nil }

var _ iio.Block = (*Block)(nil)

// EventStream is an in-memory event stream. Records arrive either via
// Inject (tests) or, when tick > 0, as a synthetic record once per tick.
type EventStream struct {
	tick     time.Duration
	injected chan []byte
	closed   chan struct{}
	once     sync.Once
}

// NewEventStream creates an event stream. A zero tick means only
// injected events are delivered.
func NewEventStream(tick time.Duration) *EventStream {
	return &EventStream{
		tick:     tick,
		injected: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

// Inject queues rec for delivery to the next ReadEvent call.
func (s *EventStream) Inject(rec []byte) {
	select {
	case s.injected <- append([]byte(nil), rec...):
	case <-s.closed:
	}
}

func syntheticEvent() []byte {
	rec := make([]byte, 16)
	binary.LittleEndian.PutUint64(rec[0:8], uint64(time.Now().UnixNano()))
	return rec
}

func (s *EventStream) ReadEvent(ctx context.Context) ([]byte, error) {
	var tickCh <-chan time.Time
	if s.tick > 0 {
		tickCh = time.After(s.tick)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, context.Canceled
	case rec := <-s.injected:
		return rec, nil
	case <-tickCh:
		return syntheticEvent(), nil
	}
}

func (s *EventStream) ReadEventNonblock() ([]byte, bool, error) {
	select {
	case <-s.closed:
		return nil, false, context.Canceled
	case rec := <-s.injected:
		return rec, true, nil
	default:
		return nil, false, nil
	}
}

func (s *EventStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

var _ iio.EventStream = (*EventStream)(nil)
