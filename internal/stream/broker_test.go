package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected channel to be closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestPublishRelaysInOrder(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	ch := b.Subscribe("bot-1")

	b.Publish("bot-1", Event{Status: StatusInProgress})
	b.Publish("bot-1", Event{
		Status:     StatusAnalysisDone,
		Transcript: []TranscriptSegment{{Speaker: "alice", Text: "hello"}},
	})

	first := receive(t, ch)
	assert.Equal(t, StatusInProgress, first.Status)
	assert.Empty(t, first.Transcript)

	second := receive(t, ch)
	assert.Equal(t, StatusAnalysisDone, second.Status)
	require.Len(t, second.Transcript, 1)
	assert.Equal(t, "alice", second.Transcript[0].Speaker)
}

func TestPublishWithoutSubscriberIsNoOp(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	assert.NotPanics(t, func() {
		b.Publish("bot-unknown", Event{Status: StatusWaiting})
	})
}

func TestPublishToWrongBotNotDelivered(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	ch := b.Subscribe("bot-1")

	b.Publish("bot-2", Event{Status: StatusWaiting})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLastSubscriberWins(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	first := b.Subscribe("bot-1")
	second := b.Subscribe("bot-1")

	// The superseded subscriber observes closure.
	assertClosed(t, first)

	b.Publish("bot-1", Event{Status: StatusDone})
	assert.Equal(t, StatusDone, receive(t, second).Status)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	ch := b.Subscribe("bot-1")

	b.Unsubscribe("bot-1")
	assertClosed(t, ch)

	// Publish after unsubscribe drops silently.
	assert.NotPanics(t, func() {
		b.Publish("bot-1", Event{Status: StatusDone})
	})

	// Unsubscribe is idempotent.
	assert.NotPanics(t, func() { b.Unsubscribe("bot-1") })
}

func TestPublishDuringSubscriberChurn(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))

	// A client disconnecting (Unsubscribe) while the poller publishes must
	// never land a send on a closed channel.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				b.Publish("bot-1", Event{Status: StatusInProgress})
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				b.Subscribe("bot-1")
				b.Unsubscribe("bot-1")
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)
	close(done)
	wg.Wait()
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	b.Subscribe("bot-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish("bot-1", Event{Status: StatusInProgress})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
