package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/irfndi/renpool/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var (
	poolA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	poolB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	actor = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil)
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func connect(t *testing.T, hub *Hub, id string, buffer int, topics ...string) *Client {
	t.Helper()
	client := newTestClient(hub, id, buffer)
	require.True(t, enqueue(hub, hub.register, client))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return hub.clients[client]
	}, time.Second, time.Millisecond)
	for _, topic := range topics {
		require.True(t, hub.apply(hub.subscribe, newSubscription(client, topic)))
	}
	return client
}

func depositEvent(pool common.Address, amount uint64) event.Event {
	return event.New(event.TypeDeposit, pool, actor).WithAmount(uint256.NewInt(amount), uint256.NewInt(amount))
}

func receive(t *testing.T, client *Client) Message {
	t.Helper()
	select {
	case data, ok := <-client.Send:
		require.True(t, ok, "send channel closed")
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	default:
		t.Fatalf("client %s has no pending message", client.ID)
		return Message{}
	}
}

func TestHubRoutesEventsByTopic(t *testing.T) {
	hub := startHub(t)
	all := connect(t, hub, "all", 8, string(TopicPools))
	onlyA := connect(t, hub, "a", 8, PoolTopic(poolA))
	idle := connect(t, hub, "idle", 8)

	require.NoError(t, hub.Deliver(depositEvent(poolA, 10)))
	require.NoError(t, hub.Deliver(depositEvent(poolB, 20)))

	msg := receive(t, all)
	assert.Equal(t, MessageTypePoolEvent, msg.Type)
	assert.Equal(t, poolA.Hex(), msg.Pool)
	require.NotNil(t, msg.Event)
	assert.Equal(t, event.TypeDeposit, msg.Event.Type)
	assert.Equal(t, "10", msg.Event.Amount)
	assert.Equal(t, poolB.Hex(), receive(t, all).Pool)

	assert.Equal(t, poolA.Hex(), receive(t, onlyA).Pool)
	assert.Empty(t, onlyA.Send)
	assert.Empty(t, idle.Send)

	stats := hub.GetStats()
	assert.Equal(t, int64(3), stats.MessagesSent)
	assert.Equal(t, 3, stats.ActiveConnections)
	assert.Equal(t, 2, stats.TotalSubscriptions)
}

func TestHubDeliversOnceForOverlappingTopics(t *testing.T) {
	hub := startHub(t)
	client := connect(t, hub, "both", 8, string(TopicPools), PoolTopic(poolA))

	require.NoError(t, hub.Deliver(depositEvent(poolA, 1)))
	receive(t, client)
	assert.Empty(t, client.Send)
}

func TestHubUnsubscribe(t *testing.T) {
	hub := startHub(t)
	client := connect(t, hub, "c", 8, PoolTopic(poolA))
	require.Equal(t, 1, hub.SubscriberCount(PoolTopic(poolA)))

	require.True(t, hub.apply(hub.unsubscribe, newSubscription(client, PoolTopic(poolA))))
	assert.Equal(t, 0, hub.SubscriberCount(PoolTopic(poolA)))
	assert.Equal(t, 0, hub.GetStats().TotalSubscriptions)

	require.NoError(t, hub.Deliver(depositEvent(poolA, 1)))
	assert.Empty(t, client.Send)
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	hub := startHub(t)
	slow := connect(t, hub, "slow", 1, string(TopicPools))
	fast := connect(t, hub, "fast", 8, string(TopicPools))

	require.NoError(t, hub.Deliver(depositEvent(poolA, 1)))
	require.NoError(t, hub.Deliver(depositEvent(poolA, 2)))

	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, 1, hub.SubscriberCount(string(TopicPools)))
	assert.Equal(t, int64(1), hub.GetStats().MessagesDropped)

	// the buffered message is still readable, then the channel is closed
	<-slow.Send
	_, ok := <-slow.Send
	assert.False(t, ok)
	assert.Len(t, fast.Send, 2)
}

func TestHubUnregisterCleansSubscriptions(t *testing.T) {
	hub := startHub(t)
	client := connect(t, hub, "c", 8, string(TopicPools), PoolTopic(poolB))

	require.True(t, enqueue(hub, hub.unregister, client))
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.GetStats().TotalSubscriptions)
	assert.Equal(t, 0, hub.SubscriberCount(string(TopicPools)))

	// unregistering twice is harmless
	require.True(t, enqueue(hub, hub.unregister, client))
}

func TestHubStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := NewHub(nil)
	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()
	client := connect(t, hub, "c", 8, string(TopicPools))

	hub.Stop()
	hub.Stop()
	<-done

	_, ok := <-client.Send
	assert.False(t, ok)
	assert.Equal(t, 0, hub.ClientCount())
	assert.False(t, enqueue(hub, hub.register, newTestClient(hub, "late", 1)))
	assert.False(t, hub.apply(hub.subscribe, newSubscription(client, string(TopicPools))))
}

func TestHubImplementsSubscriber(t *testing.T) {
	var sub event.Subscriber = NewHub(nil)
	assert.Equal(t, "websocket", sub.Name())
}
