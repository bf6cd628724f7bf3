// Package registry is the single source of truth for topics, subscribers,
// and the cross-references between them (spec.md §4.1). Every mutating
// operation runs under one coarse mutex so invariants I1-I5 hold atomically
// from the point of view of any concurrent reader — per spec.md §9, fine-
// grained per-topic locking is unnecessary at this scale and would endanger
// I1/I2.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaykit/broker/internals/config"
	"github.com/relaykit/broker/internals/log"
	"github.com/relaykit/broker/internals/metrics"
	"github.com/relaykit/broker/internals/models"
	"github.com/relaykit/broker/internals/subscriber"
	"github.com/relaykit/broker/internals/topic"
)

// TopicInfo is the list_topics() result shape (spec.md §4.1).
type TopicInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

// TopicStats is the get_stats() per-topic result shape.
type TopicStats struct {
	Messages    uint64 `json:"messages"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

// Health is the get_health() result shape.
type Health struct {
	UptimeSec   int64 `json:"uptime_sec"`
	Topics      int   `json:"topics"`
	Subscribers int   `json:"subscribers"`
}

// Registry indexes topics and subscribers and mediates every administrative
// and data-plane operation named in spec.md §4.1.
type Registry struct {
	mu sync.Mutex

	topics      map[string]*topic.Topic
	subscribers map[string]*subscriber.Subscriber

	cfg       *config.Config
	metrics   *metrics.Metrics
	startedAt time.Time
}

// New creates an empty registry bound to cfg and metrics.
func New(cfg *config.Config, m *metrics.Metrics) *Registry {
	return &Registry{
		topics:      make(map[string]*topic.Topic),
		subscribers: make(map[string]*subscriber.Subscriber),
		cfg:         cfg,
		metrics:     m,
		startedAt:   time.Now(),
	}
}

// CreateTopic implements create_topic(name) (spec.md §4.1).
func (r *Registry) CreateTopic(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidTopicName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.topics[name]; exists {
		return ErrTopicAlreadyExists
	}

	r.topics[name] = topic.New(name, r.cfg.RingBufferSize)
	r.metrics.IncTopics()
	log.WithComponent("registry").Info().Str("topic", name).Msg("topic created")
	return nil
}

// DeleteTopic implements delete_topic(name): detaches every joined
// subscriber (enqueuing a best-effort topic_deleted frame under the normal
// backpressure policy), then discards the topic (spec.md §4.1).
func (r *Registry) DeleteTopic(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return ErrTopicNotFound
	}

	var toRemove []string
	for clientID, sub := range t.Subscribers {
		delete(sub.Topics, name)
		res := sub.Enqueue(models.TopicDeleted(name), r.cfg.BackpressurePolicy)
		if res == subscriber.Disconnected || res == subscriber.AlreadyClosed {
			toRemove = append(toRemove, clientID)
		}
	}

	delete(r.topics, name)
	r.metrics.DecTopics()
	r.metrics.RemoveTopic(name)

	for _, clientID := range toRemove {
		r.removeSubscriberLocked(clientID)
	}

	log.WithComponent("registry").Info().Str("topic", name).Msg("topic deleted")
	return nil
}

// ListTopics implements list_topics() (spec.md §4.1), ordered by name for a
// stable admin-surface response.
func (r *Registry) ListTopics() []TopicInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]TopicInfo, 0, len(r.topics))
	for name, t := range r.topics {
		infos = append(infos, TopicInfo{Name: name, Subscribers: t.SubscriberCount(), Dropped: t.DroppedCount})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Subscribe implements subscribe(client_id, subscriber, topic, last_n)
// (spec.md §4.1). The caller — the Session Controller — owns construction of
// sub and must reuse the same instance for the life of a connection, so that
// every outbound frame for that client funnels through one writer goroutine
// (spec.md §4.2, §4.4); the registry only adopts sub into its index the first
// time it sees clientID and otherwise ignores it in favor of whatever is
// already registered. Subscribing an already-joined (client_id, topic) pair
// is a membership no-op that still replays and acknowledges (§9 Open
// Question, adopted as specified).
func (r *Registry) Subscribe(clientID string, sub *subscriber.Subscriber, topicName string, lastN int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tp, ok := r.topics[topicName]
	if !ok {
		return ErrTopicNotFound
	}

	if existing, exists := r.subscribers[clientID]; exists {
		sub = existing
	} else {
		r.subscribers[clientID] = sub
		r.metrics.IncSubscribers()
	}

	if _, joined := tp.Subscribers[clientID]; !joined {
		tp.Subscribers[clientID] = sub
		sub.Topics[topicName] = struct{}{}
		r.metrics.UpdateTopicSubscriberCount(topicName, tp.SubscriberCount())
	}

	if lastN > 0 {
		for _, e := range tp.Replay(lastN) {
			res := sub.Enqueue(models.EventFrame(e), r.cfg.BackpressurePolicy)
			if res == subscriber.Disconnected || res == subscriber.AlreadyClosed {
				r.removeSubscriberLocked(clientID)
				break
			}
		}
	}

	return nil
}

// Unsubscribe implements unsubscribe(client_id, topic) (spec.md §4.1). A
// missing topic and a never-joined pair both report ErrSubscriptionNotFound;
// the session boundary maps both to TOPIC_NOT_FOUND (spec.md §7, §9 Open
// Question — the spec does not require distinguishing the two cases).
func (r *Registry) Unsubscribe(clientID, topicName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tp, ok := r.topics[topicName]
	if !ok {
		return ErrSubscriptionNotFound
	}

	sub, joined := tp.Subscribers[clientID]
	if !joined {
		return ErrSubscriptionNotFound
	}

	delete(tp.Subscribers, clientID)
	delete(sub.Topics, topicName)
	r.metrics.UpdateTopicSubscriberCount(topicName, tp.SubscriberCount())
	return nil
}

// PublishResult is the publish() result shape (spec.md §4.1).
type PublishResult struct {
	SubscribersReached int
	Failed             int
}

// Publish implements publish(topic, message) (spec.md §4.1): appends to the
// topic's replay history, then fans out to every joined subscriber under its
// own backpressure policy. A failure on one subscriber never prevents
// delivery to the others.
func (r *Registry) Publish(topicName string, msg models.Message) (PublishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tp, ok := r.topics[topicName]
	if !ok {
		return PublishResult{}, ErrTopicNotFound
	}

	e := tp.Append(msg)
	frame := models.EventFrame(e)

	var result PublishResult
	var toRemove []string
	var dropped int
	for clientID, sub := range tp.Subscribers {
		switch sub.Enqueue(frame, r.cfg.BackpressurePolicy) {
		case subscriber.Delivered:
			result.SubscribersReached++
		case subscriber.Dropped:
			result.SubscribersReached++
			dropped++
		case subscriber.Disconnected, subscriber.AlreadyClosed:
			result.Failed++
			toRemove = append(toRemove, clientID)
		}
	}

	for _, clientID := range toRemove {
		r.removeSubscriberLocked(clientID)
	}

	r.metrics.IncPublished(topicName)
	r.metrics.IncDelivered(topicName, result.SubscribersReached)
	if dropped > 0 {
		tp.AddDropped(dropped)
		r.metrics.IncDropped(topicName, dropped)
	}

	return result, nil
}

// RemoveSubscriber is the internal cleanup the Session Controller invokes on
// transport close or heartbeat death (spec.md §4.1).
func (r *Registry) RemoveSubscriber(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeSubscriberLocked(clientID)
}

func (r *Registry) removeSubscriberLocked(clientID string) {
	sub, ok := r.subscribers[clientID]
	if !ok {
		return
	}

	for topicName := range sub.Topics {
		if tp, ok := r.topics[topicName]; ok {
			delete(tp.Subscribers, clientID)
			r.metrics.UpdateTopicSubscriberCount(topicName, tp.SubscriberCount())
		}
	}

	delete(r.subscribers, clientID)
	r.metrics.DecSubscribers()
}

// GetHealth implements get_health() (spec.md §4.1).
func (r *Registry) GetHealth() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Health{
		UptimeSec:   int64(time.Since(r.startedAt).Seconds()),
		Topics:      len(r.topics),
		Subscribers: len(r.subscribers),
	}
}

// GetStats implements get_stats() (spec.md §4.1).
func (r *Registry) GetStats() map[string]TopicStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]TopicStats, len(r.topics))
	for name, tp := range r.topics {
		stats[name] = TopicStats{Messages: tp.MessageCount, Subscribers: tp.SubscriberCount(), Dropped: tp.DroppedCount}
	}
	return stats
}

// TopicCount reports the number of registered topics (test/health helper).
func (r *Registry) TopicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

// SubscriberCount reports the number of distinct subscribers across all
// topics (test/health helper).
func (r *Registry) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Shutdown implements the graceful shutdown contract's final step (spec.md
// §5): close every remaining transport with code 1001 and release state.
// Closing a transport ends that session's read loop, which then runs its own
// CLOSING -> CLOSED transition. Shutdown does not wait for outbound queues
// to drain: events a subscriber's writer has not sent by the time its queues
// close may be discarded.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subscribers {
		sub.Close(1001, "Server shutting down")
	}
	r.topics = make(map[string]*topic.Topic)
	r.subscribers = make(map[string]*subscriber.Subscriber)
}
