package event

import (
	"context"
	"errors"

	"virtrpc/message"
)

// ErrStreamClosed is returned by Recv after Unsubscribe ends the stream.
var ErrStreamClosed = errors.New("event stream closed")

// Stream is the receive side of one subscription. It ends when the
// subscription is removed; the only way to restart it is to subscribe
// again.
type Stream struct {
	ch chan message.DomainEvent
}

// C exposes the raw channel for callers that want to select across several
// streams. The channel closes when the subscription ends.
func (s *Stream) C() <-chan message.DomainEvent {
	return s.ch
}

// Recv returns the next event, blocking until one arrives, the stream
// closes, or ctx is done.
func (s *Stream) Recv(ctx context.Context) (message.DomainEvent, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return message.DomainEvent{}, ErrStreamClosed
		}
		return ev, nil
	case <-ctx.Done():
		return message.DomainEvent{}, ctx.Err()
	}
}
