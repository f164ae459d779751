// Package events implements the in-process publisher consumed by the
// (external) API layer. Publishing never blocks: a slow subscriber drops
// events rather than stalling the publisher.
package events

import "sync"

// Topic names, verbatim, as the API layer expects them.
const (
	TopicDownloadsRefresh          = "DownloadsRefresh"
	TopicProcessingProgress        = "ProcessingProgress"
	TopicFastProcessingComplete    = "FastProcessingComplete"
	TopicDepotMappingStarted       = "DepotMappingStarted"
	TopicDepotMappingProgress      = "DepotMappingProgress"
	TopicDepotMappingComplete      = "DepotMappingComplete"
	TopicDatabaseResetProgress     = "DatabaseResetProgress"
	TopicLogRemovalProgress        = "LogRemovalProgress"
	TopicLogRemovalComplete        = "LogRemovalComplete"
	TopicGameRemovalProgress       = "GameRemovalProgress"
	TopicGameRemovalComplete       = "GameRemovalComplete"
	TopicServiceRemovalProgress    = "ServiceRemovalProgress"
	TopicServiceRemovalComplete    = "ServiceRemovalComplete"
	TopicCacheClearProgress        = "CacheClearProgress"
	TopicCacheClearComplete        = "CacheClearComplete"
	TopicCorruptionRemovalStarted  = "CorruptionRemovalStarted"
	TopicCorruptionRemovalComplete = "CorruptionRemovalComplete"
	TopicGameDetectionStarted      = "GameDetectionStarted"
	TopicGameDetectionComplete     = "GameDetectionComplete"
	TopicDownloadSpeedUpdate       = "DownloadSpeedUpdate"
	TopicSteamSessionError         = "SteamSessionError"
	TopicSteamAutoLogout           = "SteamAutoLogout"
)

// Event is a single published message: a topic and an arbitrary payload
// (one of the small structs in payloads.go).
type Event struct {
	Topic   string
	Payload any
}

// subscriberBacklog bounds how many unread events a subscriber can
// accumulate before the bus starts dropping its oldest ones.
const subscriberBacklog = 64

type subscriber struct {
	ch     chan Event
	topics map[string]struct{} // nil means "all topics"
}

// Bus is a non-blocking, multi-subscriber, multi-topic publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscription is a handle returned by Subscribe; call Close to unregister.
type Subscription struct {
	bus *Bus
	id  int
	C   <-chan Event
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subs, s.id)
	}
}

// Subscribe registers a new subscriber. If topics is empty, every topic is
// delivered; otherwise only the listed topics are.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[string]struct{}
	if len(topics) > 0 {
		filter = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			filter[t] = struct{}{}
		}
	}

	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan Event, subscriberBacklog), topics: filter}
	b.subs[id] = sub

	return &Subscription{bus: b, id: id, C: sub.ch}
}

// Publish delivers ev to every matching subscriber without blocking. If a
// subscriber's channel is full, the event is dropped for that subscriber
// only — publishing never stalls on a slow reader.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.topics != nil {
			if _, ok := sub.topics[ev.Topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			// Backlog full: drop the oldest to make room, then try once more.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
