// Package client assembles the protocol stack and runs the multiplexed RPC
// engine on top of it.
//
// Protocol is the binder: given an established connection it composes
// framer → codec → demultiplexing transport around a shared event router
// and hands back the transport. Client adds the correlation bookkeeping the
// transport deliberately does not do: serial assignment, the pending-call
// table, and a single dispatch goroutine routing replies to waiting
// callers.
//
//	goroutine-1 ──Call(serial=1)──┐
//	goroutine-2 ──Call(serial=2)──┼──→ one connection ──→ daemon
//	goroutine-3 ──Call(serial=3)──┘
//
//	dispatch: ←── reply(serial=2) → pending[2] ← resp → goroutine-2 wakes up
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"virtrpc/event"
	"virtrpc/message"
	"virtrpc/protocol"
	"virtrpc/transport"
)

// Protocol binds connections into transports. All transports bound by one
// Protocol share its event router, so events for a subscription arrive no
// matter which connection the daemon delivers them on.
type Protocol struct {
	events *event.Router
	log    *zap.Logger
}

// NewProtocol creates a binder around the given router. A nil router gets a
// fresh one; a nil logger disables logging.
func NewProtocol(events *event.Router, log *zap.Logger) *Protocol {
	if events == nil {
		events = event.NewRouter()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Protocol{events: events, log: log}
}

// Events returns the shared router, for the subscription layer to register
// callback ids against.
func (p *Protocol) Events() *event.Router {
	return p.events
}

// Bind composes the full stack over an established connection. No I/O
// happens here; the returned transport is a producer of (id, Response)
// pairs and a consumer of (id, Request) pairs, ready for an RPC engine.
func (p *Protocol) Bind(conn io.ReadWriteCloser) *transport.Transport {
	return transport.New(conn, p.events, p.log)
}

// ErrClientClosed is the terminal error after Close or a clean daemon
// hangup.
var ErrClientClosed = errors.New("client closed")

// RemoteError reports a call the daemon answered with an error status. The
// payload holds the daemon's serialized error structure; decoding it
// belongs to the schema layer.
type RemoteError struct {
	Proc    uint32
	Payload []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from procedure %d", e.Proc)
}

// Client multiplexes concurrent calls over one bound transport.
type Client struct {
	t   *transport.Transport
	log *zap.Logger

	mu      sync.Mutex
	serial  uint32
	pending map[uint32]chan *message.Response
	err     error // terminal; set once, then done is closed
	done    chan struct{}

	closeOnce sync.Once
}

// New binds conn through proto and starts the dispatch goroutine.
func New(conn io.ReadWriteCloser, proto *Protocol) *Client {
	c := &Client{
		t:       proto.Bind(conn),
		log:     proto.log,
		pending: make(map[uint32]chan *message.Response),
		done:    make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Call invokes proc with the given serialized arguments and returns the
// serialized result. Safe for concurrent use; replies may arrive in any
// order and are matched back by serial.
func (c *Client) Call(ctx context.Context, proc uint32, args []byte) ([]byte, error) {
	req := &message.Request{
		Header: protocol.Header{
			Program: protocol.Program,
			Version: protocol.Version,
			Proc:    proc,
			Type:    protocol.TypeCall,
			Status:  protocol.StatusOK,
		},
		Payload: args,
	}

	// Register before writing so a fast reply cannot race the table.
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.serial++
	id := c.serial
	ch := make(chan *message.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.t.Send(uint64(id), req); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Header.Status == protocol.StatusError {
			return nil, &RemoteError{Proc: proc, Payload: resp.Payload}
		}
		return resp.Payload, nil
	case <-c.done:
		return nil, c.terminalErr()
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Close tears the connection down. Outstanding calls fail with
// ErrClientClosed; the dispatch goroutine exits on the resulting read
// error.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fail(ErrClientClosed)
		err = c.t.Close()
	})
	return err
}

// dispatch is the single reader: it pulls demultiplexed replies off the
// transport and routes each to the caller that registered its serial. On
// any read-path error it marks the client dead so every waiter and future
// caller sees the terminal error.
func (c *Client) dispatch() {
	for {
		id, resp, err := c.t.Recv()
		if err != nil {
			if err == io.EOF {
				err = ErrClientClosed
			}
			c.fail(err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()

		if !ok {
			// Likely a call abandoned via context cancellation.
			c.log.Debug("reply for unknown serial", zap.Uint32("serial", id))
			continue
		}
		ch <- resp // buffered; registered before send, so never blocks
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	c.pending = nil // waiters wake via done, nothing will be delivered
	close(c.done)
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
