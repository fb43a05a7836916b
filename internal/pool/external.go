package pool

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Payout is a single push transfer within a batch
type Payout struct {
	To     common.Address
	Amount *uint256.Int
}

// TokenLedger is the external fungible token ledger. Implementations must
// apply each call atomically.
type TokenLedger interface {
	// TransferFrom moves amount from owner to recipient using spender's allowance
	TransferFrom(ctx context.Context, spender, owner, recipient common.Address, amount *uint256.Int) error
	// Transfer moves amount from sender to recipient
	Transfer(ctx context.Context, sender, recipient common.Address, amount *uint256.Int) error
	// TransferBatch applies every payout from sender, or none of them
	TransferBatch(ctx context.Context, sender common.Address, payouts []Payout) error
}

// Registry is the external node registry
type Registry interface {
	Register(ctx context.Context, node common.Address, bond *uint256.Int) error
	Deregister(ctx context.Context, node common.Address) error
}

// RewardClaimer is the external reward claim service. Claim moves the
// rewards accrued by node to node's ledger account and reports the amount.
type RewardClaimer interface {
	Claim(ctx context.Context, node common.Address) (*uint256.Int, error)
}
