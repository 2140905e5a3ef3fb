package bufmux_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/iiodproj/iiod"
	"github.com/iiodproj/iiod/internal/bufmux"
	"github.com/iiodproj/iiod/internal/iiomock"
	"github.com/iiodproj/iiod/internal/iotransport"
	"github.com/iiodproj/iiod/internal/pool"
	"github.com/iiodproj/iiod/internal/responder"
	"github.com/iiodproj/iiod/internal/wire"
)

type nopHandler struct{}

func (nopHandler) HandleCommand(wire.Command, *responder.CommandReader) {}

// respRecord is one raw response read off the client end of the pipe.
type respRecord struct {
	hdr     wire.Response
	payload []byte
}

// newHarness wires a daemon-side responder whose outbound responses are
// parsed raw by a reader goroutine, the way the buffer multiplexer's
// completions reach a real client.
func newHarness(t *testing.T) (*responder.Responder, *pool.Pool, <-chan respRecord) {
	server, client := net.Pipe()
	p := pool.New(nil)
	r := responder.New(iotransport.NewPipeTransport(server, server, server), p, nopHandler{}, nil)

	responses := make(chan respRecord, 16)
	go func() {
		defer close(responses)
		hdr := make([]byte, wire.ResponseHeaderSize)
		for {
			if _, err := io.ReadFull(client, hdr); err != nil {
				return
			}
			resp := wire.UnmarshalResponse(hdr)
			var payload []byte
			if resp.PayloadSize > 0 {
				payload = make([]byte, resp.PayloadSize)
				if _, err := io.ReadFull(client, payload); err != nil {
					return
				}
			}
			responses <- respRecord{hdr: resp, payload: payload}
		}
	}()

	t.Cleanup(func() {
		p.StopAndWait()
		_ = server.Close()
		_ = client.Close()
	})
	return r, p, responses
}

func newRXDevice() *iiomock.Device {
	channels := make([]*iiomock.Channel, 4)
	for i := range channels {
		channels[i] = iiomock.NewChannel(i)
	}
	return iiomock.NewDevice("iio:device0", nil, nil, channels)
}

func createBuffer(t *testing.T, p *pool.Pool, reg *bufmux.Registry, dev *iiomock.Device, bufIdx uint16, cyclic bool) *bufmux.Buffer {
	t.Helper()
	b, updated, err := bufmux.Create(context.Background(), bufmux.Config{
		Device:   dev,
		DevIdx:   0,
		BufIdx:   bufIdx,
		Mask:     []byte{0x03, 0x00, 0x00, 0x00},
		Cyclic:   cyclic,
		Pool:     p,
		Registry: reg,
	})
	require.NoError(t, err)
	require.Equal(t, []byte{0x03, 0x00, 0x00, 0x00}, updated)
	return b
}

func TestCreateRejectsBadMaskLength(t *testing.T) {
	_, p, _ := newHarness(t)
	reg := bufmux.NewRegistry()

	_, _, err := bufmux.Create(context.Background(), bufmux.Config{
		Device:   newRXDevice(),
		Mask:     []byte{0x03}, // 4 channels need 4 bytes
		Pool:     p,
		Registry: reg,
	})
	assert.True(t, iiod.IsCode(err, iiod.CodeInvalidArg))
	assert.Equal(t, 0, reg.Len())
}

func TestCyclicSlotExclusivity(t *testing.T) {
	_, p, _ := newHarness(t)
	reg := bufmux.NewRegistry()
	dev := newRXDevice()

	cyc := createBuffer(t, p, reg, dev, 0, true)

	_, _, err := bufmux.Create(context.Background(), bufmux.Config{
		Device:   dev,
		BufIdx:   0,
		Mask:     []byte{0x0f, 0x00, 0x00, 0x00},
		Pool:     p,
		Registry: reg,
	})
	assert.True(t, iiod.IsCode(err, iiod.CodeBusy))

	// A different index on the same device is unaffected.
	other := createBuffer(t, p, reg, dev, 1, false)
	require.NoError(t, other.Destroy())

	// Destroying the cyclic owner releases the slot.
	require.NoError(t, cyc.Destroy())
	again := createBuffer(t, p, reg, dev, 0, false)
	require.NoError(t, again.Destroy())
	assert.Equal(t, 0, reg.Len())
}

func TestTransferValidation(t *testing.T) {
	r, p, _ := newHarness(t)
	reg := bufmux.NewRegistry()
	b := createBuffer(t, p, reg, newRXDevice(), 0, false)
	defer b.Destroy()

	bio, err := r.CreateIO(1)
	require.NoError(t, err)
	blk, err := b.CreateBlock(256, bio)
	require.NoError(t, err)
	bio.Unref()

	err = b.Transfer(blk, 0, false)
	assert.True(t, iiod.IsCode(err, iiod.CodeInvalidArg), "bytes_used == 0")

	err = b.Transfer(blk, 512, false)
	assert.True(t, iiod.IsCode(err, iiod.CodeInvalidArg), "bytes_used beyond block size")

	err = b.Transfer(blk, 256, true)
	assert.True(t, iiod.IsCode(err, iiod.CodeInvalidArg), "cyclic transfer on non-cyclic buffer")
}

func TestZeroSizeBlockRejected(t *testing.T) {
	r, p, _ := newHarness(t)
	reg := bufmux.NewRegistry()
	b := createBuffer(t, p, reg, newRXDevice(), 0, false)
	defer b.Destroy()

	bio, err := r.CreateIO(1)
	require.NoError(t, err)
	defer bio.Unref()
	_, err = b.CreateBlock(0, bio)
	assert.True(t, iiod.IsCode(err, iiod.CodeInvalidArg))
}

// Blocks complete in the order they were enqueued: the task pair forms
// a FIFO per buffer.
func TestBlockFIFO(t *testing.T) {
	r, p, responses := newHarness(t)
	reg := bufmux.NewRegistry()
	b := createBuffer(t, p, reg, newRXDevice(), 0, false)
	defer b.Destroy()

	var blocks []*bufmux.Block
	for id := uint16(1); id <= 3; id++ {
		bio, err := r.CreateIO(id)
		require.NoError(t, err)
		blk, err := b.CreateBlock(64, bio)
		require.NoError(t, err)
		bio.Unref()
		blocks = append(blocks, blk)
	}

	require.NoError(t, b.Enable(context.Background()))
	for _, blk := range blocks {
		require.NoError(t, b.Transfer(blk, 64, false))
	}

	for want := uint16(1); want <= 3; want++ {
		select {
		case rec := <-responses:
			assert.Equal(t, want, rec.hdr.ClientID, "dequeue order")
			assert.Equal(t, int32(64), rec.hdr.Code)
			assert.Len(t, rec.payload, 64)
		case <-time.After(2 * time.Second):
			t.Fatalf("no completion for block %d", want)
		}
	}

	require.NoError(t, b.Disable(context.Background()))
}

// A cyclic enqueue completes immediately and never reaches the dequeue
// task.
func TestCyclicCompletesOnEnqueue(t *testing.T) {
	r, p, responses := newHarness(t)
	reg := bufmux.NewRegistry()
	dev := newRXDevice()
	b := createBuffer(t, p, reg, dev, 0, true)
	defer b.Destroy()

	bio, err := r.CreateIO(1)
	require.NoError(t, err)
	blk, err := b.CreateBlock(64, bio)
	require.NoError(t, err)
	bio.Unref()

	require.NoError(t, b.Enable(context.Background()))
	require.NoError(t, b.Transfer(blk, 64, true))

	select {
	case rec := <-responses:
		assert.Equal(t, int32(0), rec.hdr.Code)
		assert.Empty(t, rec.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("cyclic enqueue did not complete")
	}
}

// Destroying a buffer with a queued-but-unstarted transfer cancels the
// block's IO handle before any kernel object goes away.
func TestDestroyCancelsQueuedBlock(t *testing.T) {
	r, p, _ := newHarness(t)
	reg := bufmux.NewRegistry()
	b := createBuffer(t, p, reg, newRXDevice(), 0, false)

	bio, err := r.CreateIO(1)
	require.NoError(t, err)
	blk, err := b.CreateBlock(64, bio)
	require.NoError(t, err)
	bio.Unref()

	// Tasks never started: the transfer stays queued.
	require.NoError(t, b.Transfer(blk, 64, false))
	require.NoError(t, b.Destroy())

	assert.True(t, bio.Cancelled())
	assert.Equal(t, 0, reg.Len())
}

func TestFreeBlockCancelsIO(t *testing.T) {
	r, p, _ := newHarness(t)
	reg := bufmux.NewRegistry()
	b := createBuffer(t, p, reg, newRXDevice(), 0, false)
	defer b.Destroy()

	bio, err := r.CreateIO(1)
	require.NoError(t, err)
	_, err = b.CreateBlock(64, bio)
	require.NoError(t, err)
	bio.Unref()

	require.NoError(t, b.FreeBlock(1))
	assert.True(t, bio.Cancelled())

	err = b.FreeBlock(1)
	var ie *iiod.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, unix.ENOENT, ie.Errno)
}
