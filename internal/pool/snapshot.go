package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Position is one depositor's stake in a pool
type Position struct {
	Depositor common.Address
	Balance   *uint256.Int
	Rewards   *uint256.Int
}

// Snapshot is a consistent copy of a pool's observable state
type Snapshot struct {
	Config             Config
	State              State
	TotalPooled        *uint256.Int
	RetainedRewards    *uint256.Int
	DistributedRewards *uint256.Int
	Positions          []Position // first-deposit order
}

// Snapshot copies the pool state under a single lock acquisition
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := p.cfg
	cfg.NodeOperator = p.operator
	cfg.Bond = new(uint256.Int).Set(p.cfg.Bond)

	positions := make([]Position, 0, len(p.depositors))
	for _, depositor := range p.depositors {
		positions = append(positions, Position{
			Depositor: depositor,
			Balance:   new(uint256.Int).Set(p.balances[depositor]),
			Rewards:   new(uint256.Int).Set(p.rewardsOf(depositor)),
		})
	}
	return Snapshot{
		Config:             cfg,
		State:              p.state,
		TotalPooled:        new(uint256.Int).Set(&p.totalPooled),
		RetainedRewards:    new(uint256.Int).Set(&p.retained),
		DistributedRewards: new(uint256.Int).Set(&p.distributed),
		Positions:          positions,
	}
}

// SumBalances adds up every position balance. It equals TotalPooled for
// every snapshot.
func (s Snapshot) SumBalances() *uint256.Int {
	sum := new(uint256.Int)
	for _, position := range s.Positions {
		sum.Add(sum, position.Balance)
	}
	return sum
}
