package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Type identifies what happened to a pool or factory
type Type string

const (
	TypePoolDeployed    Type = "pool_deployed"
	TypeDeposit         Type = "deposit"
	TypeWithdrawal      Type = "withdrawal"
	TypePoolLocked      Type = "pool_locked"
	TypePoolUnlocked    Type = "pool_unlocked"
	TypeRewardsClaimed  Type = "rewards_claimed"
	TypeOperatorChanged Type = "operator_changed"
)

// Types lists every event type in a stable order
var Types = []Type{
	TypePoolDeployed,
	TypeDeposit,
	TypeWithdrawal,
	TypePoolLocked,
	TypePoolUnlocked,
	TypeRewardsClaimed,
	TypeOperatorChanged,
}

// Event is a notification emitted after a committed state transition
type Event struct {
	Type        Type
	Pool        common.Address
	Actor       common.Address
	Amount      *uint256.Int // nil when the event carries no amount
	TotalPooled *uint256.Int // pool total after the transition
	Data        any
	Timestamp   time.Time
}

// New creates an event stamped with the current time
func New(eventType Type, pool, actor common.Address) Event {
	return Event{
		Type:      eventType,
		Pool:      pool,
		Actor:     actor,
		Timestamp: time.Now(),
	}
}

// WithAmount returns a copy of the event carrying amount and the pool total
func (e Event) WithAmount(amount, totalPooled *uint256.Int) Event {
	if amount != nil {
		e.Amount = new(uint256.Int).Set(amount)
	}
	if totalPooled != nil {
		e.TotalPooled = new(uint256.Int).Set(totalPooled)
	}
	return e
}

// WithData returns a copy of the event carrying a typed payload
func (e Event) WithData(data any) Event {
	e.Data = data
	return e
}

// Deployment is the payload of TypePoolDeployed
type Deployment struct {
	Factory      common.Address `json:"factory"`
	Owner        common.Address `json:"owner"`
	NodeOperator common.Address `json:"node_operator"`
	Token        common.Address `json:"token"`
	Registry     common.Address `json:"registry"`
	Payment      common.Address `json:"payment"`
	ClaimRewards common.Address `json:"claim_rewards"`
	Gateway      common.Address `json:"gateway"`
	Bond         string         `json:"bond"`
}

// OperatorChange is the payload of TypeOperatorChanged
type OperatorChange struct {
	Previous common.Address `json:"previous"`
	Next     common.Address `json:"next"`
}

// Payout is one depositor's share of a reward claim
type Payout struct {
	Depositor common.Address `json:"depositor"`
	Amount    string         `json:"amount"`
}

// RewardDistribution is the payload of TypeRewardsClaimed
type RewardDistribution struct {
	Claimed  string   `json:"claimed"`
	Retained string   `json:"retained"`
	Payouts  []Payout `json:"payouts"`
}

// Message is the wire form of an event used by the redis and websocket subscribers
type Message struct {
	Type        Type      `json:"type"`
	Pool        string    `json:"pool"`
	Actor       string    `json:"actor"`
	Amount      string    `json:"amount,omitempty"`
	TotalPooled string    `json:"total_pooled,omitempty"`
	Data        any       `json:"data,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Message converts the event to its wire form
func (e Event) Message() Message {
	msg := Message{
		Type:      e.Type,
		Pool:      e.Pool.Hex(),
		Actor:     e.Actor.Hex(),
		Data:      e.Data,
		Timestamp: e.Timestamp,
	}
	if e.Amount != nil {
		msg.Amount = e.Amount.Dec()
	}
	if e.TotalPooled != nil {
		msg.TotalPooled = e.TotalPooled.Dec()
	}
	return msg
}
