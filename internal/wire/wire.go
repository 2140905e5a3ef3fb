// Package wire marshals and unmarshals the IIOD binary protocol's
// Command and Response headers, hand-rolled the way
// go-ublk's internal/uapi package marshals its ioctl structs: fixed
// offsets, encoding/binary.LittleEndian, no reflection on the hot path.
package wire

import "encoding/binary"

// CommandHeaderSize and ResponseHeaderSize are the wire sizes of the
// fixed parts of a Command/Response.
const (
	CommandHeaderSize  = 16
	ResponseHeaderSize = 16
	EventRecordSize    = 16
)

// Command is the 16-byte header preceding every opcode-specific payload.
type Command struct {
	ClientID uint16
	DevIdx   uint16
	Op       uint8
	Reserved uint8
	Arg16Hi  uint16
	Code     int32
}

// Marshal encodes the Command header into a fresh 16-byte slice.
func (c *Command) Marshal() []byte {
	buf := make([]byte, CommandHeaderSize)
	c.MarshalTo(buf)
	return buf
}

// MarshalTo encodes the Command header into buf, which must be at least
// CommandHeaderSize bytes.
func (c *Command) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], c.ClientID)
	binary.LittleEndian.PutUint16(buf[2:4], c.DevIdx)
	buf[4] = c.Op
	buf[5] = c.Reserved
	binary.LittleEndian.PutUint16(buf[6:8], c.Arg16Hi)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(c.Code))
}

// UnmarshalCommand decodes a Command header from buf, which must be at
// least CommandHeaderSize bytes.
func UnmarshalCommand(buf []byte) Command {
	return Command{
		ClientID: binary.LittleEndian.Uint16(buf[0:2]),
		DevIdx:   binary.LittleEndian.Uint16(buf[2:4]),
		Op:       buf[4],
		Reserved: buf[5],
		Arg16Hi:  binary.LittleEndian.Uint16(buf[6:8]),
		Code:     int32(binary.LittleEndian.Uint32(buf[8:12])),
	}
}

// Response is the 16-byte header preceding zero or more payload segments.
type Response struct {
	ClientID    uint16
	Code        int32
	PayloadSize uint32
	NbBufs      uint16
}

// Marshal encodes the Response header into a fresh 16-byte slice.
func (r *Response) Marshal() []byte {
	buf := make([]byte, ResponseHeaderSize)
	r.MarshalTo(buf)
	return buf
}

// MarshalTo encodes the Response header into buf, which must be at
// least ResponseHeaderSize bytes.
func (r *Response) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], r.ClientID)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(r.Code))
	binary.LittleEndian.PutUint32(buf[6:10], r.PayloadSize)
	binary.LittleEndian.PutUint16(buf[10:12], r.NbBufs)
}

// UnmarshalResponse decodes a Response header from buf, which must be at
// least ResponseHeaderSize bytes.
func UnmarshalResponse(buf []byte) Response {
	return Response{
		ClientID:    binary.LittleEndian.Uint16(buf[0:2]),
		Code:        int32(binary.LittleEndian.Uint32(buf[2:6])),
		PayloadSize: binary.LittleEndian.Uint32(buf[6:10]),
		NbBufs:      binary.LittleEndian.Uint16(buf[10:12]),
	}
}

// AttrArg packs/unpacks the two 16-bit halves the attribute opcodes
// (READ_ATTR family) carry in a Command's code, selecting either a
// device attribute index, a (channel index, channel attribute index)
// pair, or a (buffer index, buffer attribute index) pair.
type AttrArg struct {
	Hi uint16
	Lo uint16
}

// DecodeAttrArg splits a Command's code into the attribute selector's
// hi/lo halves: the high 16 bits carry Hi (the attribute index), the
// low 16 bits carry Lo (the channel or buffer index).
func DecodeAttrArg(cmd Command) AttrArg {
	return AttrArg{Hi: uint16(uint32(cmd.Code) >> 16), Lo: uint16(uint32(cmd.Code))}
}

// EncodeAttrArg packs hi/lo back into a command code.
func EncodeAttrArg(arg AttrArg) int32 {
	return int32(uint32(arg.Hi)<<16 | uint32(arg.Lo))
}

// MaskWords returns the number of little-endian u32 words a channel mask
// of nChannels channels occupies on the wire.
func MaskWords(nChannels int) int {
	return (nChannels + 31) / 32
}

// PutUint64 and Uint64 are exported helpers for opcode payloads that
// carry a bare little-endian u64 (CREATE_BLOCK's size, TRANSFER_BLOCK's
// bytes_used) without a full header around them.
func PutUint64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func Uint64(buf []byte) uint64       { return binary.LittleEndian.Uint64(buf) }
