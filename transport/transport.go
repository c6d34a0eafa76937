// Package transport implements the demultiplexing client transport: one
// ordered read/write interface over a framed connection that filters
// unsolicited traffic before it reaches the RPC correlation layer.
//
// The daemon interleaves three kinds of inbound frames on one connection:
//
//	REPLY    → surfaced to the caller as an (id, Response) pair
//	MESSAGE  → async event; decoded, routed via the event router, consumed
//	STREAM   → bulk data; logged and dropped (stream semantics live elsewhere)
//
// A single goroutine drives Recv (byte streams have one frame cursor;
// concurrent readers would tear frames apart), while Send is safe for many
// goroutines: a write mutex keeps each outgoing frame atomic and preserves
// submission order.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"virtrpc/event"
	"virtrpc/message"
	"virtrpc/protocol"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// readChunk is the per-read buffer handed to conn.Read. Frames larger than
// this simply accumulate in the framer across reads.
const readChunk = 32 << 10

// Transport couples the framer, the message codec, and a shared event
// router over one established connection. Build it with client.Protocol
// rather than by hand.
type Transport struct {
	conn   io.ReadWriteCloser
	router *event.Router
	log    *zap.Logger

	// Read path. Touched only by the single reading goroutine.
	framer  protocol.Framer
	readBuf []byte
	readErr error // sticky: once the read path fails (or hits EOF) it stays failed

	// Write path.
	writeMu sync.Mutex
	bw      *bufio.Writer
	closed  bool

	// Throttles logging of dropped frames so a chatty daemon cannot turn
	// the log into the hot path.
	dropLog *rate.Limiter
}

// New binds a transport to an established connection. Events recognized on
// the read path are delivered through router, which may be shared with
// other transports. A nil logger disables logging.
func New(conn io.ReadWriteCloser, router *event.Router, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		conn:    conn,
		router:  router,
		log:     log,
		readBuf: make([]byte, readChunk),
		bw:      bufio.NewWriter(conn),
		dropLog: rate.NewLimiter(1, 8),
	}
}

// Recv returns the next ordinary reply as its (correlation id, Response)
// pair, consuming any event and stream frames encountered on the way. It
// blocks only while the underlying connection has no bytes ready.
//
// A clean end of input (no partial frame pending) returns io.EOF, on this
// call and every later one. Any other error is equally sticky: the protocol
// cannot resynchronize, so the read path is done for good.
func (t *Transport) Recv() (uint32, *message.Response, error) {
	if t.readErr != nil {
		return 0, nil, t.readErr
	}

	// Iterative on purpose: a long run of consumed-only frames must not
	// grow the stack, and each blocked read parks this goroutine on the
	// netpoller anyway.
	for {
		frame, ok, err := t.framer.Next()
		if err != nil {
			return t.failRead(err)
		}
		if !ok {
			if err := t.fill(); err != nil {
				return t.failRead(err)
			}
			continue
		}

		id, resp, err := message.DecodeResponse(frame)
		if err != nil {
			return t.failRead(err)
		}

		switch resp.Header.Type {
		case protocol.TypeMessage:
			if err := t.consumeEvent(resp); err != nil {
				return t.failRead(err)
			}
		case protocol.TypeStream:
			if t.dropLog.Allow() {
				t.log.Debug("dropping stream frame",
					zap.Uint32("proc", resp.Header.Proc),
					zap.Uint32("serial", resp.Header.Serial),
					zap.Uint32("status", uint32(resp.Header.Status)))
			}
		default:
			return id, resp, nil
		}
	}
}

func (t *Transport) failRead(err error) (uint32, *message.Response, error) {
	t.readErr = err
	return 0, nil, err
}

// fill reads once from the connection into the framer. When the read
// returns data the deferred error, if any, will resurface on the next
// empty read.
func (t *Transport) fill() error {
	n, err := t.conn.Read(t.readBuf)
	if n > 0 {
		t.framer.Feed(t.readBuf[:n])
		return nil
	}
	if err == nil {
		return nil
	}
	if err == io.EOF {
		if t.framer.Buffered() > 0 {
			return fmt.Errorf("%w: connection closed mid-frame", io.ErrUnexpectedEOF)
		}
		return io.EOF
	}
	return fmt.Errorf("transport read: %w", err)
}

// consumeEvent handles one MESSAGE frame. Delivery problems — nobody
// subscribed, subscriber buffer full — are side-channel noise and never
// touch the reply stream; only a malformed event payload or an event
// procedure this client does not know is a (fatal) decode error.
func (t *Transport) consumeEvent(resp *message.Response) error {
	if resp.Header.Proc != protocol.ProcDomainEventCallbackLifecycle {
		return fmt.Errorf("%w: unrecognized event procedure %d",
			protocol.ErrInvalidInput, resp.Header.Proc)
	}

	ev, err := message.DecodeLifecycleEvent(resp.Payload)
	if err != nil {
		return err
	}

	if !t.router.Deliver(ev) && t.dropLog.Allow() {
		t.log.Warn("dropping undeliverable event",
			zap.Int32("callback_id", ev.CallbackID),
			zap.String("domain", ev.Dom.Name),
			zap.Int32("event", ev.Event))
	}
	return nil
}

// Send serializes req with its serial overwritten by id, frames it, and
// writes it out. Writes from concurrent callers land on the wire whole and
// in lock-acquisition order; this layer never reorders.
//
// An encode failure (including an id wider than 32 bits) writes nothing
// and poisons only this call — the stream stays framed and the connection
// stays usable. A short write is a different story: the peer's framing is
// gone, and the caller must treat the connection as dead.
func (t *Transport) Send(id uint64, req *message.Request) error {
	body, err := message.EncodeRequest(id, req)
	if err != nil {
		return err
	}
	frame, err := protocol.AppendFrame(make([]byte, 0, protocol.LenPrefixSize+len(body)), body)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, err := t.bw.Write(frame); err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	if err := t.bw.Flush(); err != nil {
		return fmt.Errorf("transport flush: %w", err)
	}
	return nil
}

// Close flushes buffered writes and closes the connection. Safe to call
// more than once; later calls are no-ops.
func (t *Transport) Close() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var flushErr error
	if err := t.bw.Flush(); err != nil {
		flushErr = fmt.Errorf("transport flush: %w", err)
	}
	return multierr.Combine(flushErr, t.conn.Close())
}
