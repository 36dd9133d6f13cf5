package live

import (
	"sync"
	"time"

	"famcal-api/types"
)

// DefaultQueueSize bounds each subscriber's in-flight messages.
const DefaultQueueSize = 200

// Subscription is one consumer's bounded queue on a channel.
type Subscription struct {
	// C delivers messages published to the subscribed channel.
	C       chan types.LiveMessage
	channel string
}

// Broker is the in-process fan-out for live messages. Publishing never
// blocks: when a subscriber's queue is full, its backlog is dropped and
// replaced with a single system.resync_required, forcing the slow consumer
// to refetch authoritative state instead of reading stale history.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a consumer on a channel. size <= 0 uses
// DefaultQueueSize.
func (b *Broker) Subscribe(channel string, size int) *Subscription {
	if size <= 0 {
		size = DefaultQueueSize
	}
	sub := &Subscription{C: make(chan types.LiveMessage, size), channel: channel}
	b.mu.Lock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer. Its queue channel is not closed; the
// consumer simply stops receiving.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.channel)
		}
	}
	b.mu.Unlock()
}

// Publish delivers a message to every subscriber of a channel.
func (b *Broker) Publish(channel string, msg types.LiveMessage) {
	b.mu.Lock()
	set := b.subs[channel]
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.pushOrResync(sub, msg)
	}
}

// PublishAll delivers a message to several channels, deduplicating nothing;
// consumers subscribed to more than one channel rely on message ids for
// dedup (the client merge is idempotent anyway).
func (b *Broker) PublishAll(channels []string, msg types.LiveMessage) {
	for _, channel := range channels {
		b.Publish(channel, msg)
	}
}

func (b *Broker) pushOrResync(sub *Subscription, msg types.LiveMessage) {
	select {
	case sub.C <- msg:
		return
	default:
	}

	// Queue full: drop the backlog, the consumer must resync.
	for {
		select {
		case <-sub.C:
			continue
		default:
		}
		break
	}

	resync, err := types.NewLiveMessage(
		msg.ProjectID, msg.CalendarID,
		types.LiveSystemResyncRequired, msg.EntityID,
		nil, time.Now().UTC(),
	)
	if err != nil {
		return
	}
	select {
	case sub.C <- resync:
	default:
		// Still cannot keep up; keep going without blocking the publisher.
	}
}
