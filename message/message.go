// Package message defines the request/response envelopes moved by the
// transport and the codec that turns them into frame bytes.
//
// Payloads are opaque at this layer: the generated schema layer owns their
// internal structure. The one exception is the asynchronous event payload
// (see event.go), which the transport must open to find the callback id.
package message

import (
	"errors"
	"fmt"
	"math"

	"virtrpc/protocol"
)

// Request is one outgoing call: header plus serialized procedure arguments.
// Header.Serial is a placeholder — the codec overwrites it with the
// multiplex id assigned by the RPC engine immediately before serialization.
// That is the only field this layer mutates.
type Request struct {
	Header  protocol.Header
	Payload []byte
}

// Response is one decoded incoming frame: header plus the serialized result
// (or the daemon's error structure when Header.Status is StatusError).
type Response struct {
	Header  protocol.Header
	Payload []byte
}

// ErrSerialRange reports a multiplex id that does not fit the wire's 32-bit
// serial field. Letting it through would silently truncate and cross-wire
// two outstanding calls.
var ErrSerialRange = errors.New("multiplex id exceeds 32-bit serial range")

// EncodeRequest serializes req into a frame body (header + payload, no
// length prefix), overwriting the header serial with id.
func EncodeRequest(id uint64, req *Request) ([]byte, error) {
	if id > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d", ErrSerialRange, id)
	}

	h := req.Header
	h.Serial = uint32(id)

	frame := make([]byte, 0, protocol.HeaderSize+len(req.Payload))
	frame = protocol.AppendHeader(frame, &h)
	return append(frame, req.Payload...), nil
}

// DecodeResponse parses one complete frame into its correlation id and
// Response. The payload boundary is frame length minus header length.
// Failures here carry protocol.ErrInvalidInput and are connection-fatal.
func DecodeResponse(frame []byte) (uint32, *Response, error) {
	h, err := protocol.DecodeHeader(frame)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, len(frame)-protocol.HeaderSize)
	copy(payload, frame[protocol.HeaderSize:])
	return h.Serial, &Response{Header: h, Payload: payload}, nil
}
