package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersTopics(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicCacheClearComplete)
	defer sub.Close()

	bus.Publish(Event{Topic: TopicDownloadsRefresh, Payload: "ignored"})
	bus.Publish(Event{Topic: TopicCacheClearComplete, Payload: "wanted"})

	ev := <-sub.C
	assert.Equal(t, TopicCacheClearComplete, ev.Topic)
	assert.Equal(t, "wanted", ev.Payload)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestSubscribeAllTopics(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(Event{Topic: TopicDownloadsRefresh})
	bus.Publish(Event{Topic: TopicDownloadSpeedUpdate})

	assert.Equal(t, TopicDownloadsRefresh, (<-sub.C).Topic)
	assert.Equal(t, TopicDownloadSpeedUpdate, (<-sub.C).Topic)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicProcessingProgress)
	defer sub.Close()

	// One more than the backlog: the oldest is dropped to admit the newest.
	for i := 0; i <= subscriberBacklog; i++ {
		bus.Publish(Event{Topic: TopicProcessingProgress, Payload: i})
	}

	first := <-sub.C
	require.Equal(t, 1, first.Payload, "oldest event should have been dropped")

	count := 1
	for {
		select {
		case <-sub.C:
			count++
		default:
			assert.Equal(t, subscriberBacklog, count)
			return
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	sub.Close()
	sub.Close()
	bus.Publish(Event{Topic: TopicDownloadsRefresh}) // must not panic on a closed subscriber
}
