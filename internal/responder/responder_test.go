package responder_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iiodproj/iiod/internal/iotransport"
	"github.com/iiodproj/iiod/internal/pool"
	"github.com/iiodproj/iiod/internal/responder"
	"github.com/iiodproj/iiod/internal/wire"
)

// echoHandler answers every command with its code echoed back, either
// inline or, when delay is set, from a goroutine after the delay.
type echoHandler struct {
	r     *responder.Responder
	delay map[uint16]time.Duration // per client id
	mu    sync.Mutex
}

func (h *echoHandler) HandleCommand(cmd wire.Command, data *responder.CommandReader) {
	h.mu.Lock()
	delay := h.delay[cmd.ClientID]
	h.mu.Unlock()

	respond := func() {
		io, err := h.r.CreateIO(cmd.ClientID)
		if err != nil {
			return
		}
		_ = io.SendResponseCode(cmd.Code)
		io.Unref()
	}
	if delay > 0 {
		go func() {
			time.Sleep(delay)
			respond()
		}()
		return
	}
	respond()
}

type nopHandler struct{}

func (nopHandler) HandleCommand(wire.Command, *responder.CommandReader) {}

// newPair wires a server responder and a client responder over a
// net.Pipe, exercising the protocol's symmetry: the client side issues
// commands with SendCommand/WaitResponse.
func newPair(t *testing.T, delay map[uint16]time.Duration) (server, client *responder.Responder, serverPool, clientPool *pool.Pool) {
	sc, cc := net.Pipe()
	serverPool = pool.New(nil)
	clientPool = pool.New(nil)

	h := &echoHandler{delay: delay}
	server = responder.New(iotransport.NewPipeTransport(sc, sc, sc), serverPool, h, nil)
	h.r = server
	client = responder.New(iotransport.NewPipeTransport(cc, cc, cc), clientPool, nopHandler{}, nil)

	server.Start()
	client.Start()
	t.Cleanup(func() {
		_ = sc.Close()
		_ = cc.Close()
		serverPool.StopAndWait()
		clientPool.StopAndWait()
	})
	return server, client, serverPool, clientPool
}

func TestRequestResponse(t *testing.T) {
	_, client, _, _ := newPair(t, nil)

	io, err := client.CreateIO(1)
	require.NoError(t, err)
	defer io.Unref()

	require.NoError(t, client.SendCommand(io, wire.Command{ClientID: 1, Op: 99, Code: 42}, nil))
	code, payload, err := io.WaitResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(42), code)
	assert.Empty(t, payload)
}

// Responses for distinct client ids may arrive in any order; a slow
// exchange does not block a fast one behind it.
func TestOutOfOrderResponses(t *testing.T) {
	_, client, _, _ := newPair(t, map[uint16]time.Duration{1: 100 * time.Millisecond})

	slow, err := client.CreateIO(1)
	require.NoError(t, err)
	defer slow.Unref()
	fast, err := client.CreateIO(2)
	require.NoError(t, err)
	defer fast.Unref()

	require.NoError(t, client.SendCommand(slow, wire.Command{ClientID: 1, Op: 99, Code: 111}, nil))
	require.NoError(t, client.SendCommand(fast, wire.Command{ClientID: 2, Op: 99, Code: 222}, nil))

	start := time.Now()
	code, _, err := fast.WaitResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(222), code)
	assert.Less(t, time.Since(start), 80*time.Millisecond, "fast exchange stuck behind slow one")

	code, _, err = slow.WaitResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(111), code)
}

// A handle can be reused for a second exchange after its first answer
// is consumed.
func TestIOReuse(t *testing.T) {
	_, client, _, _ := newPair(t, nil)

	io, err := client.CreateIO(9)
	require.NoError(t, err)
	defer io.Unref()

	for i := int32(1); i <= 3; i++ {
		require.NoError(t, client.SendCommand(io, wire.Command{ClientID: 9, Op: 99, Code: i}, nil))
		code, _, err := io.WaitResponse(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, code)
	}
}

func TestDuplicateClientID(t *testing.T) {
	_, client, _, _ := newPair(t, nil)

	io, err := client.CreateIO(5)
	require.NoError(t, err)
	defer io.Unref()

	_, err = client.CreateIO(5)
	assert.ErrorIs(t, err, responder.ErrDuplicateID)
}

func TestCancelWakesWaiter(t *testing.T) {
	_, client, _, _ := newPair(t, map[uint16]time.Duration{3: time.Hour})

	io, err := client.CreateIO(3)
	require.NoError(t, err)
	defer io.Unref()
	require.NoError(t, client.SendCommand(io, wire.Command{ClientID: 3, Op: 99}, nil))

	errCh := make(chan error, 1)
	go func() {
		_, _, err := io.WaitResponse(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	io.Cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, responder.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by cancel")
	}
}

// Shutting down a responder cancels every registered handle.
func TestShutdownCancelsAll(t *testing.T) {
	_, client, _, _ := newPair(t, map[uint16]time.Duration{7: time.Hour})

	io, err := client.CreateIO(7)
	require.NoError(t, err)
	defer io.Unref()
	require.NoError(t, client.SendCommand(io, wire.Command{ClientID: 7, Op: 99}, nil))

	go func() {
		time.Sleep(10 * time.Millisecond)
		client.Shutdown()
	}()

	_, _, err = io.WaitResponse(context.Background())
	assert.ErrorIs(t, err, responder.ErrCancelled)
	assert.True(t, io.Cancelled())
}

// Peer disconnect drains the reader loop and raises the pool's stop
// signal.
func TestPeerDisconnect(t *testing.T) {
	sc, cc := net.Pipe()
	serverPool := pool.New(nil)
	server := responder.New(iotransport.NewPipeTransport(sc, sc, sc), serverPool, nopHandler{}, nil)
	server.Start()

	require.NoError(t, cc.Close())

	select {
	case <-server.Drained():
	case <-time.After(time.Second):
		t.Fatal("reader loop did not exit on peer close")
	}
	assert.True(t, serverPool.IsStopped())
	serverPool.StopAndWait()
	_ = sc.Close()
}
