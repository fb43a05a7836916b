package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBufferSize = 256
)

// Client represents a WebSocket client connection
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Hub           *Hub
	Send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex

	sendMu sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a new WebSocket client
func NewClient(conn *websocket.Conn, hub *Hub, id string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:            id,
		Conn:          conn,
		Hub:           hub,
		Send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// ReadPump pumps subscription requests from the connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		enqueue(c.Hub, c.Hub.unregister, c)
		c.Conn.Close()
		c.cancel()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.WithError(err).WithField("client", c.ID).Warn("WebSocket read failed")
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump pumps messages from the hub to the connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.cancel()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var req SubscriptionRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.sendError("Invalid message format", http.StatusBadRequest)
		return
	}

	switch req.Type {
	case MessageTypeSubscribe:
		c.handleSubscribe(req)
	case MessageTypeUnsubscribe:
		c.handleUnsubscribe(req)
	case MessageTypePing:
		c.sendMessage(Message{Type: MessageTypePong, Timestamp: time.Now()})
	default:
		c.sendError("Unknown message type", http.StatusBadRequest)
	}
}

// topicKey resolves a request to its hub subscription key
func (c *Client) topicKey(req SubscriptionRequest) (string, bool) {
	switch SubscriptionTopic(req.Topic) {
	case TopicPools:
		return string(TopicPools), true
	case TopicPool:
		if !common.IsHexAddress(req.Pool) {
			c.sendError("Pool address required for pool subscription", http.StatusBadRequest)
			return "", false
		}
		return PoolTopic(common.HexToAddress(req.Pool)), true
	default:
		c.sendError("Invalid subscription topic", http.StatusBadRequest)
		return "", false
	}
}

func (c *Client) handleSubscribe(req SubscriptionRequest) {
	key, ok := c.topicKey(req)
	if !ok {
		return
	}
	if !c.Hub.apply(c.Hub.subscribe, newSubscription(c, key)) {
		return
	}
	c.mu.Lock()
	c.subscriptions[key] = true
	c.mu.Unlock()

	c.sendMessage(Message{
		Type:      MessageTypeSubscribed,
		Topic:     req.Topic,
		Pool:      poolField(req),
		Timestamp: time.Now(),
	})
}

func (c *Client) handleUnsubscribe(req SubscriptionRequest) {
	key, ok := c.topicKey(req)
	if !ok {
		return
	}
	if !c.Hub.apply(c.Hub.unsubscribe, newSubscription(c, key)) {
		return
	}
	c.mu.Lock()
	delete(c.subscriptions, key)
	c.mu.Unlock()

	c.sendMessage(Message{
		Type:      MessageTypeUnsubscribed,
		Topic:     req.Topic,
		Pool:      poolField(req),
		Timestamp: time.Now(),
	})
}

func poolField(req SubscriptionRequest) string {
	if SubscriptionTopic(req.Topic) != TopicPool {
		return ""
	}
	return common.HexToAddress(req.Pool).Hex()
}

func (c *Client) sendError(errorMsg string, code int) {
	data, _ := json.Marshal(ErrorMessage{
		Type:      MessageTypeError,
		Error:     errorMsg,
		Code:      code,
		Timestamp: time.Now(),
	})
	c.trySend(data)
}

func (c *Client) sendMessage(msg Message) {
	data, _ := json.Marshal(msg)
	c.trySend(data)
}

// trySend queues data without blocking. It reports false when the buffer is
// full or the channel has been closed.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel once
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// IsSubscribed checks if the client is subscribed to a topic key
func (c *Client) IsSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[topic]
}

// Close stops the client's pumps
func (c *Client) Close() {
	c.cancel()
}
