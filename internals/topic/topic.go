// Package topic provides the per-topic subscription set and replay buffer
// (spec.md §4.3). A Topic carries no locking of its own: every field is
// guarded by the owning Registry's single serialization mutex (spec.md §5,
// §9 "Serialization of registry state"), so fine-grained locking here would
// only endanger invariants I1/I2 without buying real concurrency.
package topic

import (
	"time"

	"github.com/relaykit/broker/internals/models"
	"github.com/relaykit/broker/internals/ringbuffer"
	"github.com/relaykit/broker/internals/subscriber"
)

// Topic is the per-topic subscription set and bounded replay history.
type Topic struct {
	Name         string
	Subscribers  map[string]*subscriber.Subscriber
	history      *ringbuffer.RingBuffer
	MessageCount uint64
	DroppedCount uint64
}

// New creates a topic with the given replay-ring capacity. A capacity of 0
// disables replay entirely (spec.md §4.1).
func New(name string, ringBufferSize int) *Topic {
	return &Topic{
		Name:        name,
		Subscribers: make(map[string]*subscriber.Subscriber),
		history:     ringbuffer.NewRingBuffer(ringBufferSize),
	}
}

// Append records a new event in the replay history and bumps the publish
// counter. Called once per publish, inside the registry critical section,
// before fan-out.
func (t *Topic) Append(msg models.Message) models.Event {
	e := models.Event{Topic: t.Name, Message: msg, Ts: time.Now().UTC()}
	t.history.Push(e)
	t.MessageCount++
	return e
}

// Replay returns the last min(n, |history|) events in publish order, for
// delivery to a newly (re)subscribed client (spec.md §4.1).
func (t *Topic) Replay(n int) []models.Event {
	return t.history.LastN(n)
}

// AddDropped records n additional backpressure-dropped deliveries against
// this topic's counter (SPEC_FULL.md §4 supplemented per-topic stat).
func (t *Topic) AddDropped(n int) {
	t.DroppedCount += uint64(n)
}

// HistorySize reports how many events are currently retained.
func (t *Topic) HistorySize() int {
	return t.history.Size()
}

// RingBufferCapacity reports the configured replay-ring capacity.
func (t *Topic) RingBufferCapacity() int {
	return t.history.Capacity()
}

// SubscriberCount returns the number of subscribers currently joined.
func (t *Topic) SubscriberCount() int {
	return len(t.Subscribers)
}

// SubscriberIDs returns the client IDs currently joined, in no particular
// order (fan-out order across subscribers is unspecified, spec.md §4.1).
func (t *Topic) SubscriberIDs() []string {
	ids := make([]string, 0, len(t.Subscribers))
	for id := range t.Subscribers {
		ids = append(ids, id)
	}
	return ids
}
