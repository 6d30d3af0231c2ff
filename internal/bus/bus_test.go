package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/tracematrix/internal/trace"
)

var change = RelationChange{
	Origin:    "view-1",
	Left:      "reqs.json",
	Right:     "tests.json",
	Relations: []trace.Relation{{ID: "r1", LeftIDs: []string{"A"}, RightIDs: []string{"X"}, Type: trace.KindTrace, Directed: trace.LeftToRight}},
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestNewEvent(t *testing.T) {
	t.Parallel()

	t.Run("RelationChange", func(t *testing.T) {
		t.Parallel()
		ev, err := NewEvent(TopicRelationChange, change)
		require.NoError(t, err)
		assert.Equal(t, "view-1", ev.Change.Origin)
		assert.Nil(t, ev.Selection)
	})

	t.Run("SelectionPointer", func(t *testing.T) {
		t.Parallel()
		ev, err := NewEvent(TopicCardSelection, &Selection{File: "reqs.json", CardIDs: []string{"A"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, ev.Selection.CardIDs)
	})

	t.Run("MismatchedPayload", func(t *testing.T) {
		t.Parallel()
		_, err := NewEvent(TopicCardSelection, change)
		assert.Error(t, err)
	})

	t.Run("UnknownTopic", func(t *testing.T) {
		t.Parallel()
		_, err := NewEvent("other", change)
		assert.Error(t, err)
	})
}

func TestLocalBus(t *testing.T) {
	t.Parallel()

	t.Run("DeliversByTopic", func(t *testing.T) {
		t.Parallel()
		b := NewLocalBus(nil)
		var changes, selections recorder
		b.Subscribe(TopicRelationChange, changes.handle)
		b.Subscribe(TopicCardSelection, selections.handle)

		require.NoError(t, b.Publish(context.Background(), TopicRelationChange, change))

		require.Len(t, changes.snapshot(), 1)
		assert.Equal(t, change, *changes.snapshot()[0].Change)
		assert.Empty(t, selections.snapshot())
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		t.Parallel()
		b := NewLocalBus(nil)
		var rec recorder
		unsubscribe := b.Subscribe(TopicRelationChange, rec.handle)
		unsubscribe()
		unsubscribe()

		require.NoError(t, b.Publish(context.Background(), TopicRelationChange, change))
		assert.Empty(t, rec.snapshot())
		assert.Equal(t, 0, b.Subscribers())
	})

	t.Run("PanickingHandlerIsIsolated", func(t *testing.T) {
		t.Parallel()
		b := NewLocalBus(nil)
		var rec recorder
		b.Subscribe(TopicRelationChange, func(Event) { panic("boom") })
		b.Subscribe(TopicRelationChange, rec.handle)

		require.NoError(t, b.Publish(context.Background(), TopicRelationChange, change))
		assert.Len(t, rec.snapshot(), 1)
	})

	t.Run("ClosedBusDropsEvents", func(t *testing.T) {
		t.Parallel()
		b := NewLocalBus(nil)
		var rec recorder
		b.Subscribe(TopicRelationChange, rec.handle)
		require.NoError(t, b.Close())

		require.NoError(t, b.Publish(context.Background(), TopicRelationChange, change))
		assert.Empty(t, rec.snapshot())
	})
}

func setupTestRedisBus(t *testing.T, s *miniredis.Miniredis) *RedisBus {
	t.Helper()
	b, err := NewRedisBus(context.Background(), "redis://"+s.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisBus(t *testing.T) {
	t.Parallel()

	t.Run("CrossInstanceDelivery", func(t *testing.T) {
		t.Parallel()
		s := miniredis.RunT(t)
		sender := setupTestRedisBus(t, s)
		receiver := setupTestRedisBus(t, s)

		var rec recorder
		receiver.Subscribe(TopicRelationChange, rec.handle)

		require.NoError(t, sender.Publish(context.Background(), TopicRelationChange, change))

		require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, change, *rec.snapshot()[0].Change)
	})

	t.Run("LocalSubscribersReceiveOnce", func(t *testing.T) {
		t.Parallel()
		s := miniredis.RunT(t)
		b := setupTestRedisBus(t, s)

		var rec recorder
		b.Subscribe(TopicCardSelection, rec.handle)

		sel := Selection{Origin: "v", File: "reqs.json", CardIDs: []string{"A", "B"}}
		require.NoError(t, b.Publish(context.Background(), TopicCardSelection, sel))

		// Delivered synchronously; the Redis echo is suppressed.
		require.Len(t, rec.snapshot(), 1)
		time.Sleep(100 * time.Millisecond)
		assert.Len(t, rec.snapshot(), 1)
	})

	t.Run("InvalidURL", func(t *testing.T) {
		t.Parallel()
		_, err := NewRedisBus(context.Background(), "not a url", nil)
		assert.Error(t, err)
	})
}
