package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtrpc/message"
)

func ev(callbackID int32, name string) message.DomainEvent {
	return message.DomainEvent{
		CallbackID: callbackID,
		Dom:        message.Domain{Name: name, ID: 1},
		Event:      message.EventStarted,
	}
}

func TestDeliverToSubscriber(t *testing.T) {
	r := NewRouter()
	s, err := r.Subscribe(5)
	require.NoError(t, err)

	require.True(t, r.Deliver(ev(5, "vm-a")))

	got, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vm-a", got.Dom.Name)
}

func TestDeliverWithoutSubscriberIsNotAnError(t *testing.T) {
	r := NewRouter()
	assert.False(t, r.Deliver(ev(99, "ghost")))
}

func TestDuplicateSubscribe(t *testing.T) {
	r := NewRouter()
	_, err := r.Subscribe(1)
	require.NoError(t, err)
	_, err = r.Subscribe(1)
	require.Error(t, err)
}

func TestUnsubscribeEndsStream(t *testing.T) {
	r := NewRouter()
	s, err := r.Subscribe(2)
	require.NoError(t, err)

	require.True(t, r.Unsubscribe(2))
	assert.False(t, r.Unsubscribe(2))

	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)

	// Delivery after removal is a silent drop, never a send on a closed
	// channel.
	assert.False(t, r.Deliver(ev(2, "late")))
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	r := NewRouter()
	_, err := r.Subscribe(3)
	require.NoError(t, err)

	for i := 0; i < DefaultBuffer; i++ {
		require.True(t, r.Deliver(ev(3, "fill")))
	}
	assert.False(t, r.Deliver(ev(3, "overflow")))
}

func TestStreamRecvHonorsContext(t *testing.T) {
	r := NewRouter()
	s, err := r.Subscribe(4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Exercises the register/deliver/remove races the read path and application
// code produce; run with -race.
func TestConcurrentSubscribeDeliverUnsubscribe(t *testing.T) {
	r := NewRouter()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := int32(i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				if s, err := r.Subscribe(id); err == nil {
					go func() { //nolint:errcheck
						_, _ = s.Recv(context.Background())
					}()
					r.Unsubscribe(id)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				r.Deliver(ev(id, "race"))
			}
		}()
	}
	wg.Wait()
}
