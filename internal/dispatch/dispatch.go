// Package dispatch implements the daemon dispatcher: the
// opcode table the responder's reader loop feeds inbound commands into.
// Handlers resolve device/channel/attribute handles against the IIO
// context, delegate to the session's buffer multiplexer and event
// stream forwarder, and answer every command with exactly one response.
// The thin translate-public-call-into-component-call shape follows
// go-ublk's control plane.
package dispatch

import (
	"bytes"
	"compress/gzip"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/iiodproj/iiod"
	"github.com/iiodproj/iiod/internal/bufmux"
	"github.com/iiodproj/iiod/internal/constants"
	"github.com/iiodproj/iiod/internal/evstream"
	"github.com/iiodproj/iiod/internal/iio"
	"github.com/iiodproj/iiod/internal/responder"
	"github.com/iiodproj/iiod/internal/session"
	"github.com/iiodproj/iiod/internal/wire"
)

// scratchPool hands out 64 KiB attribute scratch buffers,
// pointer-to-slice to keep sync.Pool allocation-free, the same shape as
// go-ublk's bucketed buffer pool.
var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, constants.AttrScratchBufSize)
		return &b
	},
}

// Dispatcher routes one session's commands. It implements
// responder.Handler and runs on the session's reader goroutine; only
// block transfers and event reads leave work behind on background
// tasks.
type Dispatcher struct {
	sess *session.Session

	printOnce sync.Once
	printBlob []byte // gzip-compressed context description
}

// New builds the dispatcher for sess. Wire it as the session's handler
// via session.Config.NewHandler.
func New(sess *session.Session) *Dispatcher {
	return &Dispatcher{sess: sess}
}

// NewHandler adapts New to session.Config's constructor field.
func NewHandler(sess *session.Session) responder.Handler {
	return New(sess)
}

// respond answers cmd's default response channel. The handle for the
// command's client id is reused if one is registered (a block or event
// stream already owns that id) and created transiently otherwise.
func (d *Dispatcher) respond(clientID uint16, code int32, payload ...[]byte) {
	if io := d.sess.Responder().LookupIO(clientID); io != nil {
		_ = io.SendResponse(code, payload...)
		io.Unref()
		return
	}
	io, err := d.sess.Responder().CreateIO(clientID)
	if err != nil {
		return
	}
	_ = io.SendResponse(code, payload...)
	io.Unref()
}

// respondErr maps err onto the wire and answers the default channel.
func (d *Dispatcher) respondErr(clientID uint16, err error) {
	var code int32 = -int32(unix.EIO)
	if e, ok := err.(*iiod.Error); ok {
		code = e.WireCode()
	}
	d.respond(clientID, code)
}

// HandleCommand is the opcode table. Unknown opcodes answer
// -EINVAL; every handler that does not queue background work sends its
// response before returning.
func (d *Dispatcher) HandleCommand(cmd wire.Command, data *responder.CommandReader) {
	switch constants.Opcode(cmd.Op) {
	case constants.OpPrint:
		d.handlePrint(cmd)
	case constants.OpTimeout:
		d.handleTimeout(cmd)

	case constants.OpReadAttr, constants.OpReadDbgAttr, constants.OpReadBufAttr, constants.OpReadChnAttr:
		d.handleReadAttr(cmd)
	case constants.OpWriteAttr, constants.OpWriteDbgAttr, constants.OpWriteBufAttr, constants.OpWriteChnAttr:
		d.handleWriteAttr(cmd, data)

	case constants.OpGetTrig:
		d.handleGetTrig(cmd)
	case constants.OpSetTrig:
		d.handleSetTrig(cmd)

	case constants.OpCreateBuffer:
		d.handleCreateBuffer(cmd, data)
	case constants.OpFreeBuffer:
		d.handleFreeBuffer(cmd)
	case constants.OpEnableBuffer:
		d.handleEnableBuffer(cmd)
	case constants.OpDisableBuffer:
		d.handleDisableBuffer(cmd)

	case constants.OpCreateBlock:
		d.handleCreateBlock(cmd, data)
	case constants.OpFreeBlock:
		d.handleFreeBlock(cmd)
	case constants.OpTransferBlock:
		d.handleTransferBlock(cmd, data, false)
	case constants.OpEnqueueBlockCyclic:
		d.handleTransferBlock(cmd, data, true)

	case constants.OpCreateEvstream:
		d.handleCreateEvstream(cmd)
	case constants.OpFreeEvstream:
		d.handleFreeEvstream(cmd)
	case constants.OpReadEvent:
		d.handleReadEvent(cmd)

	default:
		d.respondErr(cmd.ClientID, iiod.NewInvalidArg("DISPATCH", "unknown opcode"))
	}
}

// device resolves cmd's device index.
func (d *Dispatcher) device(cmd wire.Command) (iio.Device, *iiod.Error) {
	dev, ok := d.sess.Context().Device(cmd.DevIdx)
	if !ok {
		e := iiod.NewNotFound(constants.Opcode(cmd.Op).String(), "unknown device")
		e.Errno = unix.EBADF
		return nil, e.WithContext(d.sess.ID(), cmd.ClientID, cmd.DevIdx)
	}
	return dev, nil
}

func (d *Dispatcher) handlePrint(cmd wire.Command) {
	d.printOnce.Do(func() {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(d.sess.Context().XMLDescription()); err == nil {
			if err := zw.Close(); err == nil {
				d.printBlob = buf.Bytes()
			}
		}
	})
	if d.printBlob == nil {
		d.respondErr(cmd.ClientID, iiod.NewNoMemory("PRINT", "context description unavailable"))
		return
	}
	d.respond(cmd.ClientID, int32(len(d.printBlob)), d.printBlob)
}

func (d *Dispatcher) handleTimeout(cmd wire.Command) {
	d.sess.SetTimeoutMs(cmd.Code)
	d.respond(cmd.ClientID, 0)
}

// resolveAttr maps the opcode-specific (hi, lo) selector
// onto a concrete attribute: device-attr-idx, (channel-idx,
// channel-attr-idx), or (buffer-idx, buffer-attr-idx).
func (d *Dispatcher) resolveAttr(cmd wire.Command) (iio.Attribute, *iiod.Error) {
	dev, derr := d.device(cmd)
	if derr != nil {
		return nil, derr
	}
	op := constants.Opcode(cmd.Op)
	arg := wire.DecodeAttrArg(cmd)
	notFound := func(what string) *iiod.Error {
		return iiod.NewNotFound(op.String(), what).WithContext(d.sess.ID(), cmd.ClientID, cmd.DevIdx)
	}

	switch op {
	case constants.OpReadAttr, constants.OpWriteAttr:
		attr, ok := dev.Attr(int(arg.Hi))
		if !ok {
			return nil, notFound("unknown device attribute")
		}
		return attr, nil
	case constants.OpReadDbgAttr, constants.OpWriteDbgAttr:
		attr, ok := dev.DebugAttr(int(arg.Hi))
		if !ok {
			return nil, notFound("unknown debug attribute")
		}
		return attr, nil
	case constants.OpReadChnAttr, constants.OpWriteChnAttr:
		ch, ok := dev.Channel(int(arg.Lo))
		if !ok {
			return nil, notFound("unknown channel")
		}
		attr, ok := ch.Attr(int(arg.Hi))
		if !ok {
			return nil, notFound("unknown channel attribute")
		}
		return attr, nil
	case constants.OpReadBufAttr, constants.OpWriteBufAttr:
		buf, ok := d.sess.Buffer(cmd.DevIdx, arg.Lo)
		if !ok {
			return nil, notFound("unknown buffer")
		}
		attr, ok := buf.Attr(int(arg.Hi))
		if !ok {
			return nil, notFound("unknown buffer attribute")
		}
		return attr, nil
	}
	return nil, iiod.NewInvalidArg(op.String(), "not an attribute opcode")
}

func (d *Dispatcher) handleReadAttr(cmd wire.Command) {
	attr, derr := d.resolveAttr(cmd)
	if derr != nil {
		d.sess.Observer().ObserveAttrRead(false)
		d.respondErr(cmd.ClientID, derr)
		return
	}

	scratch := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(scratch)
	n, err := attr.Read(*scratch)
	if err != nil {
		d.sess.Observer().ObserveAttrRead(false)
		d.respondErr(cmd.ClientID, iiod.WrapKernelError(constants.Opcode(cmd.Op).String(), err))
		return
	}
	d.sess.Observer().ObserveAttrRead(true)
	d.respond(cmd.ClientID, int32(n), (*scratch)[:n])
}

func (d *Dispatcher) handleWriteAttr(cmd wire.Command, data *responder.CommandReader) {
	var lenBuf [8]byte
	if _, err := data.Read(lenBuf[:]); err != nil {
		return
	}
	length := wire.Uint64(lenBuf[:])

	if length > uint64(constants.AttrScratchBufSize) {
		_ = data.Discard(length)
		d.sess.Observer().ObserveAttrWrite(false)
		d.respondErr(cmd.ClientID, iiod.NewInvalidArg(constants.Opcode(cmd.Op).String(), "attribute value too large"))
		return
	}

	scratch := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(scratch)
	if _, err := data.Read((*scratch)[:length]); err != nil {
		return
	}

	attr, derr := d.resolveAttr(cmd)
	if derr != nil {
		d.sess.Observer().ObserveAttrWrite(false)
		d.respondErr(cmd.ClientID, derr)
		return
	}
	n, err := attr.Write((*scratch)[:length])
	if err != nil {
		d.sess.Observer().ObserveAttrWrite(false)
		d.respondErr(cmd.ClientID, iiod.WrapKernelError(constants.Opcode(cmd.Op).String(), err))
		return
	}
	d.sess.Observer().ObserveAttrWrite(true)
	d.respond(cmd.ClientID, int32(n))
}

func (d *Dispatcher) handleGetTrig(cmd wire.Command) {
	dev, derr := d.device(cmd)
	if derr != nil {
		d.respondErr(cmd.ClientID, derr)
		return
	}
	idx, ok := dev.Trigger()
	if !ok {
		d.respond(cmd.ClientID, -int32(unix.ENOENT))
		return
	}
	d.respond(cmd.ClientID, int32(idx))
}

func (d *Dispatcher) handleSetTrig(cmd wire.Command) {
	dev, derr := d.device(cmd)
	if derr != nil {
		d.respondErr(cmd.ClientID, derr)
		return
	}
	trig := iio.NoTrigger
	if cmd.Code >= 0 {
		if _, ok := d.sess.Context().Device(uint16(cmd.Code)); !ok {
			d.respondErr(cmd.ClientID, iiod.NewNotFound("SETTRIG", "unknown trigger device"))
			return
		}
		trig = uint16(cmd.Code)
	}
	if err := dev.SetTrigger(trig); err != nil {
		d.respondErr(cmd.ClientID, iiod.WrapKernelError("SETTRIG", err))
		return
	}
	d.respond(cmd.ClientID, 0)
}

// cyclicFlag marks a CREATE_BUFFER request as cyclic in the command's
// spare 16-bit argument.
const cyclicFlag uint16 = 1

func (d *Dispatcher) handleCreateBuffer(cmd wire.Command, data *responder.CommandReader) {
	dev, derr := d.device(cmd)
	if derr != nil {
		d.respondErr(cmd.ClientID, derr)
		return
	}

	maskLen := wire.MaskWords(dev.NumChannels()) * 4
	mask := make([]byte, maskLen)
	if _, err := data.Read(mask); err != nil {
		return
	}

	buf, updated, err := bufmux.Create(d.sess.Pool().Context(), bufmux.Config{
		Device:    dev,
		DevIdx:    cmd.DevIdx,
		BufIdx:    uint16(cmd.Code),
		Mask:      mask,
		Cyclic:    cmd.Arg16Hi&cyclicFlag != 0,
		SessionID: d.sess.ID(),
		Pool:      d.sess.Pool(),
		Registry:  d.sess.BufRegistry(),
		Logger:    d.sess.Logger(),
		Observer:  d.sess.Observer(),
	})
	if err != nil {
		d.respondErr(cmd.ClientID, err)
		return
	}
	if err := d.sess.AddBuffer(buf); err != nil {
		_ = buf.Destroy()
		d.respondErr(cmd.ClientID, err)
		return
	}
	if log := d.sess.Logger(); log != nil {
		log.Infof("buffer created session=%d client_id=%d dev=%d idx=%d cyclic=%t",
			d.sess.ID(), cmd.ClientID, cmd.DevIdx, uint16(cmd.Code), buf.Cyclic())
	}
	d.respond(cmd.ClientID, 0, updated)
}

// sessionBuffer resolves the (device, index) slot a buffer opcode names.
func (d *Dispatcher) sessionBuffer(cmd wire.Command) (*bufmux.Buffer, *iiod.Error) {
	buf, ok := d.sess.Buffer(cmd.DevIdx, uint16(cmd.Code))
	if !ok {
		e := iiod.NewNotFound(constants.Opcode(cmd.Op).String(), "unknown buffer")
		e.Errno = unix.EBADF
		return nil, e.WithContext(d.sess.ID(), cmd.ClientID, cmd.DevIdx)
	}
	return buf, nil
}

func (d *Dispatcher) handleFreeBuffer(cmd wire.Command) {
	buf, ok := d.sess.RemoveBuffer(cmd.DevIdx, uint16(cmd.Code))
	if !ok {
		e := iiod.NewNotFound("FREE_BUFFER", "unknown buffer")
		e.Errno = unix.EBADF
		d.respondErr(cmd.ClientID, e)
		return
	}
	if err := buf.Destroy(); err != nil {
		d.respondErr(cmd.ClientID, err)
		return
	}
	d.respond(cmd.ClientID, 0)
}

func (d *Dispatcher) handleEnableBuffer(cmd wire.Command) {
	buf, derr := d.sessionBuffer(cmd)
	if derr != nil {
		d.respondErr(cmd.ClientID, derr)
		return
	}
	if err := buf.Enable(d.sess.Pool().Context()); err != nil {
		d.respondErr(cmd.ClientID, err)
		return
	}
	d.respond(cmd.ClientID, 0)
}

func (d *Dispatcher) handleDisableBuffer(cmd wire.Command) {
	buf, derr := d.sessionBuffer(cmd)
	if derr != nil {
		d.respondErr(cmd.ClientID, derr)
		return
	}
	if err := buf.Disable(d.sess.Pool().Context()); err != nil {
		d.respondErr(cmd.ClientID, err)
		return
	}
	d.respond(cmd.ClientID, 0)
}

func (d *Dispatcher) handleCreateBlock(cmd wire.Command, data *responder.CommandReader) {
	var sizeBuf [8]byte
	if _, err := data.Read(sizeBuf[:]); err != nil {
		return
	}
	size := wire.Uint64(sizeBuf[:])

	buf, derr := d.sessionBuffer(cmd)
	if derr != nil {
		d.respondErr(cmd.ClientID, derr)
		return
	}

	// The block gets its own persistent IO handle, distinct in lifetime
	// from this command's response: future transfer completions arrive
	// on it.
	io, err := d.sess.Responder().CreateIO(cmd.ClientID)
	if err != nil {
		d.respondErr(cmd.ClientID, iiod.NewBusy("CREATE_BLOCK", "client id already in use"))
		return
	}
	if _, err := buf.CreateBlock(size, io); err != nil {
		io.Unref()
		d.respondErr(cmd.ClientID, err)
		return
	}
	// Creation code goes out on the same client id; the buffer keeps
	// its own reference to the handle.
	_ = io.SendResponseCode(0)
	io.Unref()
}

func (d *Dispatcher) handleFreeBlock(cmd wire.Command) {
	buf, derr := d.sessionBuffer(cmd)
	if derr != nil {
		d.respondErr(cmd.ClientID, derr)
		return
	}
	if err := buf.FreeBlock(cmd.ClientID); err != nil {
		d.respondErr(cmd.ClientID, err)
		return
	}
	d.respond(cmd.ClientID, 0)
}

func (d *Dispatcher) handleTransferBlock(cmd wire.Command, data *responder.CommandReader, cyclic bool) {
	var usedBuf [8]byte
	if _, err := data.Read(usedBuf[:]); err != nil {
		return
	}
	bytesUsed := wire.Uint64(usedBuf[:])

	buf, derr := d.sessionBuffer(cmd)
	if derr != nil {
		d.respondErr(cmd.ClientID, derr)
		return
	}

	blk, ok := buf.Block(cmd.ClientID)
	if !ok {
		e := iiod.NewNotFound(constants.Opcode(cmd.Op).String(), "no block for client")
		e.Errno = unix.EBADF
		d.respondErr(cmd.ClientID, e)
		return
	}

	// TX transfers carry the sample data inline; pull it into the block
	// before queueing.
	if buf.Output() {
		if bytesUsed == 0 || bytesUsed > blk.Size() {
			d.respondErr(cmd.ClientID, iiod.NewInvalidArg(constants.Opcode(cmd.Op).String(), "bad bytes_used"))
			return
		}
		if _, err := data.Read(blk.Data()[:bytesUsed]); err != nil {
			return
		}
	}

	if err := buf.Transfer(blk, bytesUsed, cyclic); err != nil {
		d.respondErr(cmd.ClientID, err)
		return
	}
	// No response here: the block's own IO completes when the dequeue
	// task finishes with it.
}

func (d *Dispatcher) handleCreateEvstream(cmd wire.Command) {
	dev, derr := d.device(cmd)
	if derr != nil {
		d.respondErr(cmd.ClientID, derr)
		return
	}

	io, err := d.sess.Responder().CreateIO(cmd.ClientID)
	if err != nil {
		d.respondErr(cmd.ClientID, iiod.NewBusy("CREATE_EVSTREAM", "client id already in use"))
		return
	}
	rec, err := evstream.Open(d.sess.Pool().Context(), evstream.Config{
		Device:    dev,
		DevIdx:    cmd.DevIdx,
		SessionID: d.sess.ID(),
		IO:        io,
		Pool:      d.sess.Pool(),
		Registry:  d.sess.EvRegistry(),
		Logger:    d.sess.Logger(),
		Observer:  d.sess.Observer(),
	})
	if err != nil {
		io.Unref()
		d.respondErr(cmd.ClientID, err)
		return
	}
	if err := d.sess.AddEvStream(rec); err != nil {
		_ = rec.Close(d.sess.EvRegistry())
		d.respondErr(cmd.ClientID, err)
		return
	}
	_ = io.SendResponseCode(0)
	io.Unref()
}

func (d *Dispatcher) handleFreeEvstream(cmd wire.Command) {
	rec, ok := d.sess.RemoveEvStream(uint16(cmd.Code))
	if !ok {
		d.respondErr(cmd.ClientID, iiod.NewNotFound("FREE_EVSTREAM", "unknown event stream"))
		return
	}
	if err := rec.Close(d.sess.EvRegistry()); err != nil {
		d.respondErr(cmd.ClientID, err)
		return
	}
	d.respond(cmd.ClientID, 0)
}

func (d *Dispatcher) handleReadEvent(cmd wire.Command) {
	rec, ok := d.sess.EvStream(cmd.ClientID)
	if !ok {
		d.respondErr(cmd.ClientID, iiod.NewNotFound("READ_EVENT", "no event stream for client"))
		return
	}

	if cmd.Code != 0 { // nonblock flag
		b, ready, err := rec.ReadNonblock()
		if err != nil {
			d.respondErr(cmd.ClientID, err)
			return
		}
		if !ready {
			d.respond(cmd.ClientID, -int32(unix.EAGAIN))
			return
		}
		d.respond(cmd.ClientID, int32(len(b)), b)
		return
	}

	if err := rec.QueueRead(); err != nil {
		d.respondErr(cmd.ClientID, err)
	}
	// The pump task completes the stream's IO when an event arrives.
}
