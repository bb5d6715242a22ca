// Package metrics exports client connection state to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/hpkv"
)

const defaultNamespace = "hpkv"

// StatsProvider is anything exposing a live connection snapshot.
type StatsProvider interface {
	Stats() hpkv.Stats
}

// EventSource is anything emitting lifecycle events.
type EventSource interface {
	On(kind hpkv.EventKind, handler hpkv.EventHandler) hpkv.ListenerID
	Off(id hpkv.ListenerID)
}

// Config contains collector configuration.
type Config struct {
	// Namespace defaults to "hpkv".
	Namespace string
	// ConstLabels are added to every metric, e.g. a client name.
	ConstLabels map[string]string
}

// Collector reads Stats() on every scrape and counts lifecycle events.
type Collector struct {
	provider StatsProvider

	state             *prometheus.Desc
	reconnectAttempts *prometheus.Desc
	pendingRequests   *prometheus.Desc
	throttleRate      *prometheus.Desc
	throttleQueue     *prometheus.Desc
	events            *prometheus.CounterVec

	mu      sync.Mutex
	tracked map[EventSource][]hpkv.ListenerID
}

var trackedKinds = []hpkv.EventKind{
	hpkv.EventConnected,
	hpkv.EventDisconnected,
	hpkv.EventReconnecting,
	hpkv.EventReconnectFailed,
	hpkv.EventError,
}

// NewCollector returns a collector over provider. If provider is also an
// EventSource its events are counted right away.
func NewCollector(provider StatsProvider, cfg Config) *Collector {
	ns := cfg.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	labels := prometheus.Labels(cfg.ConstLabels)
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, "client", name), help, variable, labels)
	}

	c := &Collector{
		provider:          provider,
		state:             desc("state", "Connection state, 1 for the current state.", "state"),
		reconnectAttempts: desc("reconnect_attempts", "Reconnect attempts in the current cycle."),
		pendingRequests:   desc("pending_requests", "Requests awaiting a response."),
		throttleRate:      desc("throttle_rate", "Current admitted request rate per second."),
		throttleQueue:     desc("throttle_queue_length", "Requests waiting for a throttle slot."),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "client",
			Name:        "events_total",
			Help:        "Lifecycle events emitted by the client.",
			ConstLabels: labels,
		}, []string{"event"}),
		tracked: make(map[EventSource][]hpkv.ListenerID),
	}
	if src, ok := provider.(EventSource); ok {
		c.Track(src)
	}
	return c
}

// Track counts the lifecycle events of src. Tracking a source twice is a no-op.
func (c *Collector) Track(src EventSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tracked[src]; ok {
		return
	}
	ids := make([]hpkv.ListenerID, 0, len(trackedKinds))
	for _, kind := range trackedKinds {
		counter := c.events.WithLabelValues(kind.String())
		ids = append(ids, src.On(kind, func(hpkv.Event) { counter.Inc() }))
	}
	c.tracked[src] = ids
}

// Untrack stops counting the events of src.
func (c *Collector) Untrack(src EventSource) {
	c.mu.Lock()
	ids := c.tracked[src]
	delete(c.tracked, src)
	c.mu.Unlock()
	for _, id := range ids {
		src.Off(id)
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.reconnectAttempts
	ch <- c.pendingRequests
	ch <- c.throttleRate
	ch <- c.throttleQueue
	c.events.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.provider.Stats()

	for _, st := range []hpkv.State{
		hpkv.StateDisconnected,
		hpkv.StateConnecting,
		hpkv.StateConnected,
		hpkv.StateDisconnecting,
		hpkv.StateReconnecting,
	} {
		v := 0.0
		if s.State == st {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, st.String())
	}
	ch <- prometheus.MustNewConstMetric(c.reconnectAttempts, prometheus.GaugeValue, float64(s.ReconnectAttempts))
	ch <- prometheus.MustNewConstMetric(c.pendingRequests, prometheus.GaugeValue, float64(s.PendingRequests))
	if s.Throttling != nil {
		ch <- prometheus.MustNewConstMetric(c.throttleRate, prometheus.GaugeValue, s.Throttling.CurrentRate)
		ch <- prometheus.MustNewConstMetric(c.throttleQueue, prometheus.GaugeValue, float64(s.Throttling.QueueLength))
	}
	c.events.Collect(ch)
}
