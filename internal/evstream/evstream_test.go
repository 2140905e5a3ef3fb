package evstream_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iiodproj/iiod"
	"github.com/iiodproj/iiod/internal/evstream"
	"github.com/iiodproj/iiod/internal/iiomock"
	"github.com/iiodproj/iiod/internal/iotransport"
	"github.com/iiodproj/iiod/internal/pool"
	"github.com/iiodproj/iiod/internal/responder"
	"github.com/iiodproj/iiod/internal/wire"
)

type nopHandler struct{}

func (nopHandler) HandleCommand(wire.Command, *responder.CommandReader) {}

type respRecord struct {
	hdr     wire.Response
	payload []byte
}

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

func newDevice(tick time.Duration) *iiomock.Device {
	dev := iiomock.NewDevice("iio:device0", nil, nil, nil)
	dev.EventTick = tick
	return dev
}

func openStream(t *testing.T, r *responder.Responder, p *pool.Pool, reg *evstream.Registry, tick time.Duration) (*evstream.Record, *responder.IO) {
	t.Helper()
	hio, err := r.CreateIO(7)
	require.NoError(t, err)
	rec, err := evstream.Open(context.Background(), evstream.Config{
		Device:   newDevice(tick),
		DevIdx:   0,
		IO:       hio,
		Pool:     p,
		Registry: reg,
	})
	require.NoError(t, err)
	hio.Unref()
	return rec, hio
}

func TestQueuedReadCompletesOnEvent(t *testing.T) {
	r, p, responses := newHarness(t)
	reg := evstream.NewRegistry()
	rec, _ := openStream(t, r, p, reg, 2*time.Millisecond)
	defer rec.Close(reg)

	require.NoError(t, rec.QueueRead())

	select {
	case resp := <-responses:
		assert.Equal(t, uint16(7), resp.hdr.ClientID)
		assert.Equal(t, int32(16), resp.hdr.Code)
		assert.Len(t, resp.payload, 16)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not complete the queued read")
	}
}

func TestNonblockWithNothingPending(t *testing.T) {
	r, p, _ := newHarness(t)
	reg := evstream.NewRegistry()
	rec, _ := openStream(t, r, p, reg, 0)
	defer rec.Close(reg)

	_, ok, err := rec.ReadNonblock()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDoublePendingReadRejected(t *testing.T) {
	r, p, _ := newHarness(t)
	reg := evstream.NewRegistry()
	// No events ever arrive: the first read stays pending.
	rec, _ := openStream(t, r, p, reg, 0)
	defer rec.Close(reg)

	require.NoError(t, rec.QueueRead())
	err := rec.QueueRead()
	assert.True(t, iiod.IsCode(err, iiod.CodeBusy))
}

func TestCloseStopsPumpAndCancelsIO(t *testing.T) {
	r, p, _ := newHarness(t)
	reg := evstream.NewRegistry()
	rec, io := openStream(t, r, p, reg, 0)

	// Leave a read pending on a stream that never produces.
	require.NoError(t, rec.QueueRead())

	require.NoError(t, rec.Close(reg))
	assert.True(t, io.Cancelled())
	assert.Equal(t, 0, reg.Len())

	// Idempotent.
	require.NoError(t, rec.Close(reg))

	err := rec.QueueRead()
	assert.True(t, iiod.IsCode(err, iiod.CodeNotFound))
}
