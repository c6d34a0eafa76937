package message

import (
	"bytes"
	"fmt"

	xdr "github.com/davecgh/go-xdr/xdr2"

	"virtrpc/protocol"
)

// Lifecycle event kinds carried in DomainEvent.Event.
const (
	EventDefined     int32 = 0
	EventUndefined   int32 = 1
	EventStarted     int32 = 2
	EventSuspended   int32 = 3
	EventResumed     int32 = 4
	EventStopped     int32 = 5
	EventShutdown    int32 = 6
	EventPMSuspended int32 = 7
	EventCrashed     int32 = 8
)

// Domain identifies the domain an event refers to.
type Domain struct {
	Name string
	UUID [16]byte
	ID   int32
}

// DomainEvent is one decoded lifecycle notification. CallbackID names the
// subscription the daemon is answering; the event router uses it to find
// the subscriber's channel.
type DomainEvent struct {
	CallbackID int32
	Dom        Domain
	Event      int32
	Detail     int32
}

// lifecycleMsg mirrors the XDR layout of the callback lifecycle payload:
// the callback id first, then the domain and the event/detail pair.
type lifecycleMsg struct {
	CallbackID int32
	Dom        Domain
	Event      int32
	Detail     int32
}

// DecodeLifecycleEvent parses the payload of a MESSAGE frame whose
// procedure is ProcDomainEventCallbackLifecycle. The payload is XDR proper
// (variable-length string, fixed opaque, padding), hence the codec instead
// of fixed offsets.
func DecodeLifecycleEvent(payload []byte) (DomainEvent, error) {
	var m lifecycleMsg
	if _, err := xdr.Unmarshal(bytes.NewReader(payload), &m); err != nil {
		return DomainEvent{}, fmt.Errorf("%w: lifecycle event payload: %v", protocol.ErrInvalidInput, err)
	}
	return DomainEvent(m), nil
}

// EncodeLifecycleEvent is the inverse of DecodeLifecycleEvent. The real
// daemon produces these payloads; this side only needs encoding for fakes
// and tests, but keeping the pair together pins the layout in one place.
func EncodeLifecycleEvent(ev DomainEvent) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, lifecycleMsg(ev)); err != nil {
		return nil, fmt.Errorf("encode lifecycle event: %w", err)
	}
	return buf.Bytes(), nil
}
