// Package event routes asynchronous daemon notifications to subscribers.
//
// The Router is the shared table behind event demultiplexing: the
// transport's read path delivers into it, application code subscribes and
// unsubscribes through it. It is an explicitly owned object handed to every
// transport bound on a connection that may carry events — never package
// state.
package event

import (
	"fmt"
	"sync"

	"virtrpc/message"
)

// DefaultBuffer is the subscriber channel capacity used by Subscribe.
// Events beyond a full buffer are dropped, not queued without bound.
const DefaultBuffer = 16

// Router maps callback ids to subscriber channels. All methods are safe for
// concurrent use; the mutex is held only for a single lookup plus one
// non-blocking send, so the read path never stalls behind a slow subscriber.
type Router struct {
	mu   sync.Mutex
	subs map[int32]chan message.DomainEvent
}

// NewRouter returns an empty registry.
func NewRouter() *Router {
	return &Router{subs: make(map[int32]chan message.DomainEvent)}
}

// Subscribe registers a callback id and returns the stream events for it
// will arrive on. The id must have been obtained from the daemon by the
// subscription layer; registering it twice is a caller bug.
func (r *Router) Subscribe(callbackID int32) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[callbackID]; ok {
		return nil, fmt.Errorf("callback id %d already subscribed", callbackID)
	}
	ch := make(chan message.DomainEvent, DefaultBuffer)
	r.subs[callbackID] = ch
	return &Stream{ch: ch}, nil
}

// Unsubscribe removes the registration and closes its channel, ending the
// stream. Removing and closing under the same lock guarantees the read
// path can never send on a closed channel. Returns false for unknown ids.
func (r *Router) Unsubscribe(callbackID int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.subs[callbackID]
	if !ok {
		return false
	}
	delete(r.subs, callbackID)
	close(ch)
	return true
}

// Deliver hands one event to the subscriber registered for its callback id.
// A missing registration is not an error — nobody is listening and the
// event is dropped. The send is non-blocking: a full buffer also drops.
// The return value reports whether the subscriber got the event; the caller
// decides whether drops are worth logging.
func (r *Router) Deliver(ev message.DomainEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.subs[ev.CallbackID]
	if !ok {
		return false
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
