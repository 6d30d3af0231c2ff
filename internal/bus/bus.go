// Package bus carries relation changes and card selections between views.
//
// Delivery is at-least-once and unordered across publishers. Subscribers
// must tolerate echoes of their own messages; every payload carries the
// Origin of the view that produced it for that purpose.
package bus

import (
	"context"
	"fmt"

	"github.com/Benny93/tracematrix/internal/trace"
)

// Topic names a message stream.
type Topic string

const (
	TopicRelationChange Topic = "relation-change"
	TopicCardSelection  Topic = "card-selection"
)

// RelationChange announces the collection a view just persisted for a pair.
type RelationChange struct {
	Origin    string           `json:"origin"`
	Left      string           `json:"left"`
	Right     string           `json:"right"`
	Relations []trace.Relation `json:"relations"`
	Revision  int64            `json:"revision,omitempty"`
}

// Pair returns the pair the change was published for.
func (c RelationChange) Pair() trace.Pair {
	return trace.Pair{Left: c.Left, Right: c.Right}
}

// Selection announces the cards selected in a view.
type Selection struct {
	Origin  string   `json:"origin"`
	File    string   `json:"file"`
	CardIDs []string `json:"card_ids"`
}

// Event is a delivered message. Exactly one payload field is set, matching
// Topic.
type Event struct {
	Topic     Topic           `json:"topic"`
	Change    *RelationChange `json:"change,omitempty"`
	Selection *Selection      `json:"selection,omitempty"`
}

// Handler processes delivered events.
type Handler func(Event)

// Bus is a typed publish/subscribe channel.
type Bus interface {
	// Publish delivers payload to every subscriber of topic. The payload
	// must be a RelationChange or a Selection matching the topic.
	Publish(ctx context.Context, topic Topic, payload any) error

	// Subscribe registers handler for topic and returns a function that
	// removes the subscription.
	Subscribe(topic Topic, handler Handler) (unsubscribe func())

	// Close stops delivery and releases resources.
	Close() error
}

// NewEvent wraps a payload in an Event for topic.
func NewEvent(topic Topic, payload any) (Event, error) {
	ev := Event{Topic: topic}
	switch topic {
	case TopicRelationChange:
		switch p := payload.(type) {
		case RelationChange:
			ev.Change = &p
		case *RelationChange:
			ev.Change = p
		default:
			return Event{}, fmt.Errorf("topic %s: unexpected payload %T", topic, payload)
		}
	case TopicCardSelection:
		switch p := payload.(type) {
		case Selection:
			ev.Selection = &p
		case *Selection:
			ev.Selection = p
		default:
			return Event{}, fmt.Errorf("topic %s: unexpected payload %T", topic, payload)
		}
	default:
		return Event{}, fmt.Errorf("unknown topic %q", topic)
	}
	return ev, nil
}
