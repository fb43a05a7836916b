package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Amounts are stored as text columns: token amounts reach 78 digits, which
// sqlite's numeric affinity would round to a float.

// PoolRecord represents a deployed pool and a projection of its latest state
type PoolRecord struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	Address      string          `json:"address" gorm:"uniqueIndex;not null;size:42"`
	Factory      string          `json:"factory" gorm:"not null;size:42;index"`
	Owner        string          `json:"owner" gorm:"not null;size:42"`
	NodeOperator string          `json:"node_operator" gorm:"not null;size:42;index"`
	Token        string          `json:"token" gorm:"size:42"`
	Registry     string          `json:"registry" gorm:"size:42"`
	Payment      string          `json:"payment" gorm:"size:42"`
	ClaimRewards string          `json:"claim_rewards" gorm:"size:42"`
	Gateway      string          `json:"gateway" gorm:"size:42"`
	Bond         decimal.Decimal `json:"bond" gorm:"type:varchar(80);not null"`
	TotalPooled  decimal.Decimal `json:"total_pooled" gorm:"type:varchar(80)"`
	State        string          `json:"state" gorm:"size:16;default:'open'"`
	Sequence     uint64          `json:"sequence" gorm:"not null;index"` // deployment order within the factory
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TableName returns the table name for PoolRecord model
func (PoolRecord) TableName() string {
	return "pools"
}

// BeforeCreate hook to validate pool data
func (p *PoolRecord) BeforeCreate(tx *gorm.DB) error {
	if !common.IsHexAddress(p.Address) || !common.IsHexAddress(p.Owner) || !common.IsHexAddress(p.NodeOperator) {
		return gorm.ErrInvalidData
	}
	if p.Bond.IsNegative() || p.TotalPooled.IsNegative() {
		return gorm.ErrInvalidData
	}
	if p.State == "" {
		p.State = "open"
	}
	return nil
}

// EventRecord is one entry of the append-only event journal
type EventRecord struct {
	ID          uint                `json:"id" gorm:"primaryKey"`
	PoolAddress string              `json:"pool_address" gorm:"not null;size:42;index"`
	Type        string              `json:"type" gorm:"not null;size:32;index"`
	Actor       string              `json:"actor" gorm:"not null;size:42;index"`
	Amount      decimal.NullDecimal `json:"amount" gorm:"type:varchar(80)"`
	TotalPooled decimal.NullDecimal `json:"total_pooled" gorm:"type:varchar(80)"`
	Data        string              `json:"data,omitempty" gorm:"type:text"` // JSON payload
	OccurredAt  time.Time           `json:"occurred_at" gorm:"not null;index"`
	CreatedAt   time.Time           `json:"created_at"`
}

// TableName returns the table name for EventRecord model
func (EventRecord) TableName() string {
	return "pool_events"
}

// BeforeCreate hook to validate event data
func (e *EventRecord) BeforeCreate(tx *gorm.DB) error {
	if !common.IsHexAddress(e.PoolAddress) || !common.IsHexAddress(e.Actor) {
		return gorm.ErrInvalidData
	}
	if e.Type == "" {
		return gorm.ErrInvalidData
	}
	if e.Amount.Valid && e.Amount.Decimal.IsNegative() {
		return gorm.ErrInvalidData
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	return nil
}

// All lists every model for migration
func All() []interface{} {
	return []interface{}{&PoolRecord{}, &EventRecord{}}
}
