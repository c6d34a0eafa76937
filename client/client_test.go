package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtrpc/event"
	"virtrpc/message"
	"virtrpc/protocol"
)

// daemonHandler builds the frames the fake daemon writes back for one
// decoded request. Returning nil frames leaves the caller hanging, which
// some tests want.
type daemonHandler func(h protocol.Header, payload []byte) [][]byte

// runDaemon speaks the wire protocol from the server side over one pipe
// end until the client hangs up.
func runDaemon(conn net.Conn, handle daemonHandler) {
	defer conn.Close()
	for {
		var prefix [protocol.LenPrefixSize]byte
		if _, err := io.ReadFull(conn, prefix[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(prefix[:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		h, err := protocol.DecodeHeader(body)
		if err != nil {
			return
		}
		for _, f := range handle(h, body[protocol.HeaderSize:]) {
			if _, err := conn.Write(f); err != nil {
				return
			}
		}
	}
}

func wireFrame(t *testing.T, h protocol.Header, payload []byte) []byte {
	t.Helper()
	body := protocol.AppendHeader(nil, &h)
	body = append(body, payload...)
	buf, err := protocol.AppendFrame(nil, body)
	require.NoError(t, err)
	return buf
}

func replyTo(t *testing.T, h protocol.Header, status protocol.Status, payload []byte) []byte {
	t.Helper()
	h.Type = protocol.TypeReply
	h.Status = status
	return wireFrame(t, h, payload)
}

func TestCallConcurrentRoundTrips(t *testing.T) {
	clientEnd, daemonEnd := net.Pipe()
	go runDaemon(daemonEnd, func(h protocol.Header, payload []byte) [][]byte {
		// Echo the arguments back as the result.
		return [][]byte{replyTo(t, h, protocol.StatusOK, payload)}
	})

	c := New(clientEnd, NewProtocol(nil, nil))
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			args := []byte(fmt.Sprintf("args-%d", n))
			got, err := c.Call(context.Background(), protocol.ProcDomainGetInfo, args)
			if assert.NoError(t, err) {
				assert.Equal(t, args, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestCallRemoteError(t *testing.T) {
	clientEnd, daemonEnd := net.Pipe()
	go runDaemon(daemonEnd, func(h protocol.Header, payload []byte) [][]byte {
		return [][]byte{replyTo(t, h, protocol.StatusError, []byte("xdr error blob"))}
	})

	c := New(clientEnd, NewProtocol(nil, nil))
	defer c.Close()

	_, err := c.Call(context.Background(), protocol.ProcConnectGetLibVersion, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.ProcConnectGetLibVersion, remote.Proc)
	assert.Equal(t, []byte("xdr error blob"), remote.Payload)
}

func TestEventArrivesWhileCallInFlight(t *testing.T) {
	ev := message.DomainEvent{
		CallbackID: 1,
		Dom:        message.Domain{Name: "vm-event", ID: 9},
		Event:      message.EventStarted,
	}
	payload, err := message.EncodeLifecycleEvent(ev)
	require.NoError(t, err)

	clientEnd, daemonEnd := net.Pipe()
	go runDaemon(daemonEnd, func(h protocol.Header, _ []byte) [][]byte {
		// Slip the event in ahead of the reply, interleaved on the same
		// connection the way the daemon really does it.
		eventFrame := wireFrame(t, protocol.Header{
			Program: protocol.Program,
			Version: protocol.Version,
			Proc:    protocol.ProcDomainEventCallbackLifecycle,
			Type:    protocol.TypeMessage,
		}, payload)
		return [][]byte{eventFrame, replyTo(t, h, protocol.StatusOK, nil)}
	})

	router := event.NewRouter()
	stream, err := router.Subscribe(1)
	require.NoError(t, err)

	c := New(clientEnd, NewProtocol(router, nil))
	defer c.Close()

	_, err = c.Call(context.Background(), protocol.ProcDomainGetInfo, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestPendingCallsFailOnHangup(t *testing.T) {
	clientEnd, daemonEnd := net.Pipe()
	go runDaemon(daemonEnd, func(protocol.Header, []byte) [][]byte {
		daemonEnd.Close() // hang up instead of answering
		return nil
	})

	c := New(clientEnd, NewProtocol(nil, nil))
	defer c.Close()

	_, err := c.Call(context.Background(), protocol.ProcDomainGetInfo, nil)
	assert.ErrorIs(t, err, ErrClientClosed)

	// The terminal state is permanent.
	_, err = c.Call(context.Background(), protocol.ProcDomainGetInfo, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestCallContextCancellation(t *testing.T) {
	clientEnd, daemonEnd := net.Pipe()
	go runDaemon(daemonEnd, func(protocol.Header, []byte) [][]byte {
		return nil // never answer
	})

	c := New(clientEnd, NewProtocol(nil, nil))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, protocol.ProcDomainGetInfo, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallAfterClose(t *testing.T) {
	clientEnd, daemonEnd := net.Pipe()
	go runDaemon(daemonEnd, func(h protocol.Header, payload []byte) [][]byte {
		return [][]byte{replyTo(t, h, protocol.StatusOK, payload)}
	})

	c := New(clientEnd, NewProtocol(nil, nil))
	require.NoError(t, c.Close())

	_, err := c.Call(context.Background(), protocol.ProcDomainGetInfo, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}
