package websocket

import (
	"time"

	"github.com/irfndi/renpool/internal/event"
)

// MessageType represents different types of WebSocket messages
type MessageType string

const (
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypePoolEvent    MessageType = "pool_event"
	MessageTypeError        MessageType = "error"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
)

// SubscriptionTopic represents different subscription topics
type SubscriptionTopic string

const (
	// TopicPools streams events of every pool, including deployments
	TopicPools SubscriptionTopic = "pools"
	// TopicPool streams events of the pool named in the request
	TopicPool SubscriptionTopic = "pool"
)

// Message is the envelope of every frame sent to clients
type Message struct {
	Type      MessageType    `json:"type"`
	Topic     string         `json:"topic,omitempty"`
	Pool      string         `json:"pool,omitempty"`
	Event     *event.Message `json:"event,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SubscriptionRequest is sent by clients to manage subscriptions
type SubscriptionRequest struct {
	Type  MessageType `json:"type"`
	Topic string      `json:"topic"`
	Pool  string      `json:"pool,omitempty"`
}

// ErrorMessage represents an error message
type ErrorMessage struct {
	Type      MessageType `json:"type"`
	Error     string      `json:"error"`
	Code      int         `json:"code,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConnectionStats represents WebSocket connection statistics
type ConnectionStats struct {
	TotalConnections   int       `json:"total_connections"`
	ActiveConnections  int       `json:"active_connections"`
	TotalSubscriptions int       `json:"total_subscriptions"`
	MessagesSent       int64     `json:"messages_sent"`
	MessagesDropped    int64     `json:"messages_dropped"`
	LastUpdate         time.Time `json:"last_update"`
}
