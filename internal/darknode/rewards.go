package darknode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/irfndi/renpool/internal/pool"
)

var ErrRewardOverflow = errors.New("accrued reward overflow")

// Transferer moves tokens out of the reward treasury
type Transferer interface {
	Transfer(ctx context.Context, sender, recipient common.Address, amount *uint256.Int) error
}

// Rewards accrues rewards to registered nodes and pays them out of a
// treasury account on claim. Accrued rewards stay claimable after the node
// deregisters.
type Rewards struct {
	mu       sync.Mutex
	ledger   Transferer
	treasury common.Address
	registry *Registry
	accrued  map[common.Address]*uint256.Int
}

// NewRewards creates a reward service paying from treasury
func NewRewards(ledger Transferer, treasury common.Address, registry *Registry) *Rewards {
	return &Rewards{
		ledger:   ledger,
		treasury: treasury,
		registry: registry,
		accrued:  make(map[common.Address]*uint256.Int),
	}
}

var _ pool.RewardClaimer = (*Rewards)(nil)

func (r *Rewards) Treasury() common.Address { return r.treasury }

// Accrue credits amount to a registered node
func (r *Rewards) Accrue(node common.Address, amount *uint256.Int) error {
	if !r.registry.IsRegistered(node) {
		return fmt.Errorf("%w: %s", ErrNotRegistered, node.Hex())
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	total, overflow := new(uint256.Int).AddOverflow(r.accruedOf(node), amount)
	if overflow {
		return ErrRewardOverflow
	}
	r.accrued[node] = total
	return nil
}

// Revoke takes back up to amount of what node has accrued
func (r *Rewards) Revoke(node common.Address, amount *uint256.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accrued := r.accruedOf(node)
	if !amount.Lt(accrued) {
		delete(r.accrued, node)
		return
	}
	r.accrued[node] = new(uint256.Int).Sub(accrued, amount)
}

func (r *Rewards) Accrued(node common.Address) *uint256.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(uint256.Int).Set(r.accruedOf(node))
}

// Claim transfers everything accrued by node from the treasury to node.
// Nothing is cleared when the transfer fails.
func (r *Rewards) Claim(ctx context.Context, node common.Address) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	amount := new(uint256.Int).Set(r.accruedOf(node))
	if amount.IsZero() {
		return amount, nil
	}
	if err := r.ledger.Transfer(ctx, r.treasury, node, amount); err != nil {
		return nil, fmt.Errorf("pay rewards to %s: %w", node.Hex(), err)
	}
	delete(r.accrued, node)
	return amount, nil
}

func (r *Rewards) accruedOf(node common.Address) *uint256.Int {
	if amount, ok := r.accrued[node]; ok {
		return amount
	}
	return new(uint256.Int)
}
