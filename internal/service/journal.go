package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/irfndi/renpool/internal/event"
	"github.com/irfndi/renpool/internal/models"
	"github.com/irfndi/renpool/internal/pool"
	"github.com/irfndi/renpool/internal/repository"
	"github.com/shopspring/decimal"
)

// Journal persists every event and keeps the pool records current. It is
// registered on the event bus, so it sees events in commit order.
type Journal struct {
	pools  repository.PoolRepository
	events repository.EventRepository
}

// NewJournal creates a journal subscriber
func NewJournal(pools repository.PoolRepository, events repository.EventRepository) (*Journal, error) {
	if pools == nil || events == nil {
		return nil, errors.New("journal repositories cannot be nil")
	}
	return &Journal{pools: pools, events: events}, nil
}

func (j *Journal) Name() string { return "journal" }

// Deliver records evt
func (j *Journal) Deliver(evt event.Event) error {
	record := &models.EventRecord{
		PoolAddress: evt.Pool.Hex(),
		Type:        string(evt.Type),
		Actor:       evt.Actor.Hex(),
		OccurredAt:  evt.Timestamp,
	}
	if evt.Amount != nil {
		record.Amount = decimal.NewNullDecimal(ToDecimal(evt.Amount, 0))
	}
	if evt.TotalPooled != nil {
		record.TotalPooled = decimal.NewNullDecimal(ToDecimal(evt.TotalPooled, 0))
	}
	if evt.Data != nil {
		data, err := json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", evt.Type, err)
		}
		record.Data = string(data)
	}
	if err := j.events.Create(record); err != nil {
		return fmt.Errorf("journal %s: %w", evt.Type, err)
	}
	return j.project(evt)
}

func (j *Journal) project(evt event.Event) error {
	address := evt.Pool.Hex()
	switch evt.Type {
	case event.TypePoolDeployed:
		deployment, ok := evt.Data.(event.Deployment)
		if !ok {
			return fmt.Errorf("pool_deployed event without deployment payload")
		}
		bond, err := decimal.NewFromString(deployment.Bond)
		if err != nil {
			return fmt.Errorf("parse bond: %w", err)
		}
		count, err := j.pools.Count()
		if err != nil {
			return err
		}
		return j.pools.Create(&models.PoolRecord{
			Address:      address,
			Factory:      deployment.Factory.Hex(),
			Owner:        deployment.Owner.Hex(),
			NodeOperator: deployment.NodeOperator.Hex(),
			Token:        deployment.Token.Hex(),
			Registry:     deployment.Registry.Hex(),
			Payment:      deployment.Payment.Hex(),
			ClaimRewards: deployment.ClaimRewards.Hex(),
			Gateway:      deployment.Gateway.Hex(),
			Bond:         bond,
			TotalPooled:  decimal.Zero,
			State:        pool.StateOpen.String(),
			Sequence:     uint64(count),
		})
	case event.TypeDeposit, event.TypeWithdrawal, event.TypePoolUnlocked:
		return j.pools.UpdateState(address, pool.StateOpen.String(), ToDecimal(evt.TotalPooled, 0))
	case event.TypePoolLocked:
		return j.pools.UpdateState(address, pool.StateLocked.String(), ToDecimal(evt.TotalPooled, 0))
	case event.TypeOperatorChanged:
		change, ok := evt.Data.(event.OperatorChange)
		if !ok {
			return fmt.Errorf("operator_changed event without operator payload")
		}
		return j.pools.UpdateOperator(address, change.Next.Hex())
	}
	return nil
}
