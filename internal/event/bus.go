package event

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// QueueSize bounds the number of events waiting for delivery
const QueueSize = 1024

// Publisher accepts events for delivery. Publish never blocks on and never
// reports failures of downstream subscribers.
type Publisher interface {
	Publish(Event)
}

// Subscriber receives every published event in publication order
type Subscriber interface {
	Name() string
	Deliver(Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface
type SubscriberFunc struct {
	SubscriberName string
	Fn             func(Event) error
}

func (s SubscriberFunc) Name() string { return s.SubscriberName }

func (s SubscriberFunc) Deliver(evt Event) error { return s.Fn(evt) }

// SubscriberID identifies a subscription on a Bus
type SubscriberID int

// NopPublisher discards every event
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

type busMetrics struct {
	published *prometheus.CounterVec
	dropped   prometheus.Counter
	failures  *prometheus.CounterVec
}

// Bus delivers events to subscribers from a single worker goroutine so that
// every subscriber observes events in publication order. A failing or
// panicking subscriber is logged and skipped.
type Bus struct {
	logger      *logrus.Logger
	metrics     *busMetrics
	mu          sync.RWMutex
	subscribers map[SubscriberID]Subscriber
	order       []SubscriberID
	lastID      SubscriberID

	queue    chan Event
	stopMu   sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewBus creates a Bus and starts its delivery worker. promRegistry may be nil.
func NewBus(logger *logrus.Logger, promRegistry prometheus.Registerer) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := &Bus{
		logger:      logger,
		subscribers: make(map[SubscriberID]Subscriber),
		queue:       make(chan Event, QueueSize),
		done:        make(chan struct{}),
	}
	if promRegistry != nil {
		factory := promauto.With(promRegistry)
		b.metrics = &busMetrics{
			published: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "renpool_events_published_total",
				Help: "Events accepted by the event bus",
			}, []string{"type"}),
			dropped: factory.NewCounter(prometheus.CounterOpts{
				Name: "renpool_events_dropped_total",
				Help: "Events dropped because the bus queue was full or stopped",
			}),
			failures: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "renpool_event_delivery_failures_total",
				Help: "Subscriber delivery failures",
			}, []string{"subscriber"}),
		}
	}
	go b.run()
	return b
}

// Subscribe registers a subscriber and returns its id
func (b *Bus) Subscribe(sub Subscriber) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID++
	id := b.lastID
	b.subscribers[id] = sub
	b.order = append(b.order, id)
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[id]; !ok {
		return
	}
	delete(b.subscribers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish enqueues an event. Events published after Stop, or while the queue
// is full, are dropped with a warning.
func (b *Bus) Publish(evt Event) {
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()
	if b.stopped {
		b.drop(evt, "bus stopped")
		return
	}
	select {
	case b.queue <- evt:
		if b.metrics != nil {
			b.metrics.published.WithLabelValues(string(evt.Type)).Inc()
		}
	default:
		b.drop(evt, "queue full")
	}
}

// Stop stops accepting events, delivers what is already queued and waits for
// the worker to exit. Safe to call more than once.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		b.stopped = true
		close(b.queue)
		b.stopMu.Unlock()
		<-b.done
	})
}

func (b *Bus) drop(evt Event, reason string) {
	if b.metrics != nil {
		b.metrics.dropped.Inc()
	}
	b.logger.WithFields(logrus.Fields{
		"event":  evt.Type,
		"pool":   evt.Pool.Hex(),
		"reason": reason,
	}).Warn("Dropping event")
}

func (b *Bus) run() {
	defer close(b.done)
	for evt := range b.queue {
		b.dispatch(evt)
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subscribers[id])
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := deliver(sub, evt); err != nil {
			if b.metrics != nil {
				b.metrics.failures.WithLabelValues(sub.Name()).Inc()
			}
			b.logger.WithError(err).WithFields(logrus.Fields{
				"subscriber": sub.Name(),
				"event":      evt.Type,
				"pool":       evt.Pool.Hex(),
			}).Warn("Event delivery failed")
		}
	}
}

func deliver(sub Subscriber, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.Deliver(evt)
}
