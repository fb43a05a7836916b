package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/irfndi/renpool/internal/event"
	"github.com/sirupsen/logrus"
)

// Subscription represents a client subscription to a topic
type Subscription struct {
	Client *Client
	Topic  string
	done   chan struct{} // closed once the Run loop has applied it
}

func newSubscription(client *Client, topic string) *Subscription {
	return &Subscription{Client: client, Topic: topic, done: make(chan struct{})}
}

// PoolTopic returns the subscription key for a single pool
func PoolTopic(pool common.Address) string {
	return string(TopicPool) + ":" + pool.Hex()
}

// Hub maintains the set of active clients and fans pool events out to the
// clients subscribed to them. It implements event.Subscriber.
type Hub struct {
	clients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	subscribe   chan *Subscription
	unsubscribe chan *Subscription

	// topic -> clients
	subscriptions map[string]map[*Client]bool

	stats   ConnectionStats
	stopped bool
	mu      sync.RWMutex
	log     *logrus.Entry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a new WebSocket hub
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		clients:       make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		subscribe:     make(chan *Subscription),
		unsubscribe:   make(chan *Subscription),
		subscriptions: make(map[string]map[*Client]bool),
		log:           logger.WithField("component", "websocket"),
		stop:          make(chan struct{}),
		stats: ConnectionStats{
			LastUpdate: time.Now(),
		},
	}
}

// Run handles client registration and subscriptions until Stop is called
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case subscription := <-h.subscribe:
			h.subscribeClient(subscription)
			close(subscription.done)
		case subscription := <-h.unsubscribe:
			h.unsubscribeClient(subscription)
			close(subscription.done)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver broadcasts a pool event to subscribers of every pool and of the
// event's pool. A client subscribed to both receives it once.
func (h *Hub) Deliver(evt event.Event) error {
	msg := evt.Message()
	data, err := json.Marshal(Message{
		Type:      MessageTypePoolEvent,
		Pool:      msg.Pool,
		Event:     &msg,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal websocket message: %w", err)
	}
	h.broadcast(data, string(TopicPools), PoolTopic(evt.Pool))
	return nil
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		client.closeSend()
		return
	}
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ActiveConnections++
	h.stats.LastUpdate = time.Now()

	h.log.WithFields(logrus.Fields{
		"client": client.ID,
		"active": h.stats.ActiveConnections,
	}).Debug("Client registered")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removeLocked(client) {
		h.log.WithFields(logrus.Fields{
			"client": client.ID,
			"active": h.stats.ActiveConnections,
		}).Debug("Client unregistered")
	}
}

// removeLocked drops a client and its subscriptions and closes its send
// channel. Reports whether the client was registered.
func (h *Hub) removeLocked(client *Client) bool {
	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	client.closeSend()
	h.stats.ActiveConnections--
	h.stats.LastUpdate = time.Now()

	for topic, clients := range h.subscriptions {
		if _, subscribed := clients[client]; subscribed {
			delete(clients, client)
			h.stats.TotalSubscriptions--
			if len(clients) == 0 {
				delete(h.subscriptions, topic)
			}
		}
	}
	return true
}

func (h *Hub) subscribeClient(subscription *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[subscription.Client] {
		return
	}
	if h.subscriptions[subscription.Topic] == nil {
		h.subscriptions[subscription.Topic] = make(map[*Client]bool)
	}
	if !h.subscriptions[subscription.Topic][subscription.Client] {
		h.subscriptions[subscription.Topic][subscription.Client] = true
		h.stats.TotalSubscriptions++
		h.stats.LastUpdate = time.Now()

		h.log.WithFields(logrus.Fields{
			"client": subscription.Client.ID,
			"topic":  subscription.Topic,
		}).Debug("Client subscribed")
	}
}

func (h *Hub) unsubscribeClient(subscription *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, exists := h.subscriptions[subscription.Topic]
	if !exists {
		return
	}
	if _, subscribed := clients[subscription.Client]; subscribed {
		delete(clients, subscription.Client)
		h.stats.TotalSubscriptions--
		h.stats.LastUpdate = time.Now()
		if len(clients) == 0 {
			delete(h.subscriptions, subscription.Topic)
		}

		h.log.WithFields(logrus.Fields{
			"client": subscription.Client.ID,
			"topic":  subscription.Topic,
		}).Debug("Client unsubscribed")
	}
}

// broadcast sends data to the union of the topics' subscribers. Clients
// whose send buffer is full are disconnected.
func (h *Hub) broadcast(data []byte, topics ...string) {
	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for _, topic := range topics {
		for client := range h.subscriptions[topic] {
			targets[client] = struct{}{}
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	var sent int64
	slow := make([]*Client, 0)
	for client := range targets {
		if client.trySend(data) {
			sent++
		} else {
			slow = append(slow, client)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range slow {
		if h.removeLocked(client) {
			h.log.WithField("client", client.ID).Warn("Disconnecting slow client")
		}
	}
	h.stats.MessagesSent += sent
	h.stats.MessagesDropped += int64(len(slow))
	h.stats.LastUpdate = time.Now()
}

// enqueue hands a request to the Run loop. It gives up once the hub stops.
func enqueue[T any](h *Hub, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.stop:
		return false
	}
}

// apply hands a subscription change to the Run loop and waits until it has
// taken effect
func (h *Hub) apply(ch chan *Subscription, subscription *Subscription) bool {
	if !enqueue(h, ch, subscription) {
		return false
	}
	select {
	case <-subscription.done:
		return true
	case <-h.stop:
		return false
	}
}

// GetStats returns current connection statistics
func (h *Hub) GetStats() ConnectionStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// ClientCount returns the number of active clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients subscribed to topic
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[topic])
}

// Stop stops the hub and closes every client's send channel. The write
// pumps then send the close frame.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)

		h.mu.Lock()
		defer h.mu.Unlock()
		h.stopped = true
		for client := range h.clients {
			h.removeLocked(client)
		}
	})
}
