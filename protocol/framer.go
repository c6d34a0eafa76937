package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MaxFrameSize caps the declared length of a single frame (header + payload).
// It mirrors the daemon's own message size limit; a prefix claiming more is
// treated as stream corruption, not as an allocation request.
const MaxFrameSize = 16 << 20

// LenPrefixSize is the size of the length prefix preceding each frame.
const LenPrefixSize = 4

// ErrFrameTooLarge reports a length prefix exceeding MaxFrameSize. Like any
// framing fault it is connection-fatal.
var ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds size limit", ErrInvalidInput)

// Framer delimits an incoming byte stream into frames. Bytes arrive via
// Feed in whatever chunks the connection produces; Next yields at most one
// complete frame per call and never blocks. Once Next reports an error the
// Framer is poisoned: the stream cannot be resynchronized after a bad
// length prefix.
//
// Framer is not safe for concurrent use; the transport's single-reader
// discipline is what keeps frame boundaries intact.
type Framer struct {
	buf bytes.Buffer
	err error
}

// Feed appends raw bytes read from the connection.
func (f *Framer) Feed(p []byte) {
	f.buf.Write(p)
}

// Buffered reports how many fed bytes have not yet been consumed as frames.
// A non-zero value at end of input means the stream died mid-frame.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

// Next returns the next complete frame (header + payload, prefix stripped).
// ok is false when the accumulated bytes do not yet complete a frame; in
// that case nothing is consumed and the caller should feed more input.
func (f *Framer) Next() (frame []byte, ok bool, err error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.buf.Len() < LenPrefixSize {
		return nil, false, nil
	}

	n := binary.BigEndian.Uint32(f.buf.Bytes()[:LenPrefixSize])
	if n > MaxFrameSize {
		f.err = fmt.Errorf("%w: declared length %d", ErrFrameTooLarge, n)
		return nil, false, f.err
	}
	if f.buf.Len() < LenPrefixSize+int(n) {
		return nil, false, nil
	}

	f.buf.Next(LenPrefixSize)
	frame = make([]byte, n)
	copy(frame, f.buf.Next(int(n)))
	return frame, true, nil
}

// AppendFrame appends the length prefix followed by payload to dst and
// returns the extended slice. The prefix counts only the payload bytes.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var prefix [LenPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	dst = append(dst, prefix[:]...)
	return append(dst, payload...), nil
}
