// Package metrics provides metrics collection and reporting for the broker.
// Every counter is a Prometheus collector, scraped at /metrics; there is no
// separate in-process tally, so the registry's Inc*/Dec* calls are the only
// writers and the collectors themselves the only readers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	promTopicsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relaykit_topics_total",
		Help: "Number of topics currently registered.",
	})
	promSubscribersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relaykit_subscribers_total",
		Help: "Number of subscribers currently connected.",
	})
	promMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaykit_messages_total",
		Help: "Messages published or delivered, by topic and outcome.",
	}, []string{"topic", "outcome"})
	promSubscriberGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relaykit_topic_subscribers",
		Help: "Current subscriber count per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(promTopicsTotal, promSubscribersTotal, promMessagesTotal, promSubscriberGauge)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics records broker activity into the package's Prometheus collectors.
// It carries no state of its own; callers hold it only to call its methods.
type Metrics struct{}

// NewMetrics returns a Metrics bound to the package's Prometheus collectors.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncPublished records one publish to topic.
func (m *Metrics) IncPublished(topic string) {
	promMessagesTotal.WithLabelValues(topic, "published").Inc()
}

// IncDelivered records n successful deliveries on topic.
func (m *Metrics) IncDelivered(topic string, n int) {
	if n <= 0 {
		return
	}
	promMessagesTotal.WithLabelValues(topic, "delivered").Add(float64(n))
}

// IncDropped records n backpressure-dropped deliveries on topic.
func (m *Metrics) IncDropped(topic string, n int) {
	if n <= 0 {
		return
	}
	promMessagesTotal.WithLabelValues(topic, "dropped").Add(float64(n))
}

// IncTopics records a topic creation.
func (m *Metrics) IncTopics() {
	promTopicsTotal.Inc()
}

// DecTopics records a topic deletion.
func (m *Metrics) DecTopics() {
	promTopicsTotal.Dec()
}

// IncSubscribers records a new subscriber joining the registry.
func (m *Metrics) IncSubscribers() {
	promSubscribersTotal.Inc()
}

// DecSubscribers records a subscriber leaving the registry.
func (m *Metrics) DecSubscribers() {
	promSubscribersTotal.Dec()
}

// UpdateTopicSubscriberCount sets the current subscriber count for topic.
func (m *Metrics) UpdateTopicSubscriberCount(topic string, count int) {
	if count < 0 {
		count = 0
	}
	promSubscriberGauge.WithLabelValues(topic).Set(float64(count))
}

// RemoveTopic drops topic's per-topic gauge series once it's deleted.
func (m *Metrics) RemoveTopic(topic string) {
	promSubscriberGauge.DeleteLabelValues(topic)
}
