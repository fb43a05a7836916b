package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// LogSubscriber writes every event to a logrus logger
type LogSubscriber struct {
	Logger *logrus.Logger
}

func (s *LogSubscriber) Name() string { return "log" }

func (s *LogSubscriber) Deliver(evt Event) error {
	fields := logrus.Fields{
		"event": evt.Type,
		"pool":  evt.Pool.Hex(),
		"actor": evt.Actor.Hex(),
	}
	if evt.Amount != nil {
		fields["amount"] = evt.Amount.Dec()
	}
	if evt.TotalPooled != nil {
		fields["total_pooled"] = evt.TotalPooled.Dec()
	}
	s.Logger.WithFields(fields).Info("Pool event")
	return nil
}

// RedisPublisher is the subset of the redis client used by RedisSubscriber
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSubscriber publishes events as JSON messages on a redis channel
type RedisSubscriber struct {
	client  RedisPublisher
	channel string
	timeout time.Duration
}

// NewRedisSubscriber creates a subscriber publishing to channel
func NewRedisSubscriber(client RedisPublisher, channel string) *RedisSubscriber {
	return &RedisSubscriber{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
	}
}

func (s *RedisSubscriber) Name() string { return "redis" }

func (s *RedisSubscriber) Deliver(evt Event) error {
	payload, err := json.Marshal(evt.Message())
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	return nil
}
