// Package protocol implements the wire format of the libvirt remote protocol:
// length-delimited frames carrying a fixed 24-byte header and an opaque payload.
//
// Every frame on the connection looks like this (big-endian throughout):
//
//	0        4        8        12       16       20       24       28
//	┌────────┬────────┬────────┬────────┬────────┬────────┬─────────────┐
//	│ length │program │version │  proc  │  type  │ serial │ status │ ...│
//	│ uint32 │ uint32 │ uint32 │ uint32 │ uint32 │ uint32 │ uint32 │pay │
//	└────────┴────────┴────────┴────────┴────────┴────────┴─────────────┘
//
// The length prefix counts the bytes that follow it (header + payload); the
// 4 prefix bytes themselves are excluded. The header layout matches the
// daemon's XDR encoding of its message header, which for six unsigned 32-bit
// fields is plain big-endian, so it is read and written with fixed offsets
// rather than a generic XDR codec.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Program identifies the remote protocol program on the shared connection.
	Program uint32 = 0x20008086
	// Version is the remote protocol version spoken by this client.
	Version uint32 = 1

	// HeaderSize is the encoded header length. The payload of a frame is
	// everything past this offset, so the constant doubles as the minimum
	// legal frame length.
	HeaderSize = 24
)

// Type discriminates what kind of traffic a frame carries.
type Type uint32

const (
	TypeCall    Type = 0 // Client → daemon RPC request
	TypeReply   Type = 1 // Daemon → client RPC response, correlated by serial
	TypeMessage Type = 2 // Unsolicited async event notification
	TypeStream  Type = 3 // Bulk data-stream traffic
)

// Status qualifies a REPLY or STREAM frame.
type Status uint32

const (
	StatusOK       Status = 0
	StatusError    Status = 1 // Payload carries the daemon's error structure
	StatusContinue Status = 2 // More stream data follows
)

// Procedure numbers referenced by this layer. The full procedure space is
// owned by the generated schema layer; only the event procedure the
// transport must recognize, plus a few procedures used by callers of this
// package, are named here.
const (
	ProcDomainGetInfo                         uint32 = 16
	ProcConnectGetLibVersion                  uint32 = 157
	ProcConnectDomainEventCallbackRegisterAny uint32 = 316
	ProcDomainEventCallbackLifecycle          uint32 = 348
)

// ErrInvalidInput classifies malformed wire data: short frames, unknown
// discriminants, truncated payloads. It is connection-fatal; the protocol
// has no way to resynchronize mid-stream.
var ErrInvalidInput = errors.New("invalid input")

// ParseType validates a raw type discriminant.
func ParseType(v uint32) (Type, error) {
	switch t := Type(v); t {
	case TypeCall, TypeReply, TypeMessage, TypeStream:
		return t, nil
	default:
		return 0, fmt.Errorf("%w: unknown message type %d", ErrInvalidInput, v)
	}
}

// ParseStatus validates a raw status discriminant.
func ParseStatus(v uint32) (Status, error) {
	switch s := Status(v); s {
	case StatusOK, StatusError, StatusContinue:
		return s, nil
	default:
		return 0, fmt.Errorf("%w: unknown status %d", ErrInvalidInput, v)
	}
}

// Header is the fixed preamble of every frame. Serial is the correlation id
// pairing a request with its eventual response; Proc names either an RPC
// procedure or, on MESSAGE frames, an event kind.
type Header struct {
	Program uint32
	Version uint32
	Proc    uint32
	Type    Type
	Serial  uint32
	Status  Status
}

// AppendHeader appends the 24-byte encoding of h to dst and returns the
// extended slice.
func AppendHeader(dst []byte, h *Header) []byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Program)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.Proc)
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[16:20], h.Serial)
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.Status))
	return append(dst, buf[:]...)
}

// DecodeHeader parses a Header from the front of data. The type and status
// discriminants are checked; a raw value outside the enumeration is a decode
// error, never a silent cast. Program and version pass through unvalidated
// because other programs (e.g. keepalive) legally share the connection and
// are classified by the layer above.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: frame length %d shorter than header size %d",
			ErrInvalidInput, len(data), HeaderSize)
	}

	typ, err := ParseType(binary.BigEndian.Uint32(data[12:16]))
	if err != nil {
		return Header{}, err
	}
	status, err := ParseStatus(binary.BigEndian.Uint32(data[20:24]))
	if err != nil {
		return Header{}, err
	}

	return Header{
		Program: binary.BigEndian.Uint32(data[0:4]),
		Version: binary.BigEndian.Uint32(data[4:8]),
		Proc:    binary.BigEndian.Uint32(data[8:12]),
		Type:    typ,
		Serial:  binary.BigEndian.Uint32(data[16:20]),
		Status:  status,
	}, nil
}
