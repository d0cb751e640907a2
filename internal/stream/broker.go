// Package stream fans out live bot status and transcript updates to
// per-bot subscribers.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/meetscribe/scribe/internal/metrics"
)

// Bot status values form a linear progression produced by the upstream
// status source; the broker relays them without enforcing the order.
const (
	StatusWaiting      = "waiting"
	StatusInProgress   = "in_progress"
	StatusDone         = "done"
	StatusAnalysisDone = "analysis_done"
)

// IsTerminal reports whether status is the end of a bot's lifetime, at
// which point transcript content becomes available.
func IsTerminal(status string) bool {
	return status == StatusAnalysisDone
}

// TranscriptSegment is one speaker turn of a meeting transcript.
type TranscriptSegment struct {
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start,omitempty"`
}

// Event is a status and/or transcript delta for one bot.
type Event struct {
	Status     string              `json:"status,omitempty"`
	Transcript []TranscriptSegment `json:"transcript,omitempty"`
}

// Broker multiplexes bot events to per-bot subscribers. The in-memory
// implementation is process-local; running multiple instances needs either
// sticky routing of a bot id to one process or a distributed implementation
// of this interface.
type Broker interface {
	// Subscribe registers a subscription for botID. An existing
	// subscription is replaced and its channel closed; the superseded
	// client observes EOF and terminates.
	Subscribe(botID string) <-chan Event
	// Publish pushes an event to the current subscriber if one exists.
	// With no subscriber the event is dropped: delivery is at-most-once
	// to a live viewer, with no replay across reconnects.
	Publish(botID string, ev Event)
	// Unsubscribe closes and removes the subscription for botID.
	Unsubscribe(botID string)
}

// subscriberBuffer absorbs short bursts from the status poller; a client
// that falls further behind loses events rather than blocking the pipeline.
const subscriberBuffer = 16

type memoryBroker struct {
	mu   sync.RWMutex
	subs map[string]chan Event
	log  *zap.Logger
}

// NewMemoryBroker creates the process-local Broker implementation.
func NewMemoryBroker(log *zap.Logger) Broker {
	return &memoryBroker{
		subs: make(map[string]chan Event),
		log:  log.With(zap.String("module", "stream")),
	}
}

func (b *memoryBroker) Subscribe(botID string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[botID]; ok {
		close(old)
		b.log.Warn("replacing existing stream subscription", zap.String("bot_id", botID))
	} else {
		metrics.StreamSubscribers.Inc()
	}
	ch := make(chan Event, subscriberBuffer)
	b.subs[botID] = ch
	return ch
}

func (b *memoryBroker) Publish(botID string, ev Event) {
	// The read lock is held across the send: channels are only closed under
	// the write lock, so a concurrent Unsubscribe cannot close between the
	// lookup and the send. The send never blocks, so the lock is short-lived.
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subs[botID]
	if !ok {
		metrics.StreamEventsDropped.Inc()
		return
	}

	select {
	case ch <- ev:
		metrics.StreamEventsPublished.Inc()
	default:
		metrics.StreamEventsDropped.Inc()
		b.log.Warn("dropping stream event for slow subscriber", zap.String("bot_id", botID))
	}
}

func (b *memoryBroker) Unsubscribe(botID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[botID]; ok {
		close(ch)
		delete(b.subs, botID)
		metrics.StreamSubscribers.Dec()
	}
}
