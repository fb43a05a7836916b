package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/irfndi/renpool/internal/pool"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrOverflow              = errors.New("balance overflow")
)

// Memory is an in-process fungible token ledger with ERC-20 semantics.
// Every call is applied atomically under a single mutex.
type Memory struct {
	mu         sync.RWMutex
	symbol     string
	decimals   uint8
	supply     uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
}

// NewMemory creates an empty ledger for a token
func NewMemory(symbol string, decimals uint8) *Memory {
	return &Memory{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

var _ pool.TokenLedger = (*Memory)(nil)

func (m *Memory) Symbol() string  { return m.symbol }
func (m *Memory) Decimals() uint8 { return m.decimals }

// Mint credits new tokens to an account
func (m *Memory) Mint(to common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	supply, overflow := new(uint256.Int).AddOverflow(&m.supply, amount)
	if overflow {
		return fmt.Errorf("mint %s: %w", amount.Dec(), ErrOverflow)
	}
	balance, overflow := new(uint256.Int).AddOverflow(m.balanceOf(to), amount)
	if overflow {
		return fmt.Errorf("mint %s: %w", amount.Dec(), ErrOverflow)
	}
	m.supply.Set(supply)
	m.balances[to] = balance
	return nil
}

// Approve sets the amount spender may pull from owner
func (m *Memory) Approve(owner, spender common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	m.allowances[owner][spender] = new(uint256.Int).Set(amount)
}

func (m *Memory) Allowance(owner, spender common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(uint256.Int).Set(m.allowance(owner, spender))
}

func (m *Memory) BalanceOf(account common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(uint256.Int).Set(m.balanceOf(account))
}

func (m *Memory) TotalSupply() *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(uint256.Int).Set(&m.supply)
}

// Transfer moves amount from sender to recipient
func (m *Memory) Transfer(ctx context.Context, sender, recipient common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(sender, recipient, amount)
}

// TransferFrom moves amount from owner to recipient, spending spender's allowance
func (m *Memory) TransferFrom(ctx context.Context, spender, owner, recipient common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	allowance := m.allowance(owner, spender)
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: %s approved for %s, requested %s",
			ErrInsufficientAllowance, owner.Hex(), spender.Hex(), amount.Dec())
	}
	if err := m.move(owner, recipient, amount); err != nil {
		return err
	}
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	m.allowances[owner][spender] = new(uint256.Int).Sub(allowance, amount)
	return nil
}

// TransferBatch applies every payout from sender or none of them
func (m *Memory) TransferBatch(ctx context.Context, sender common.Address, payouts []pool.Payout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[common.Address]*uint256.Int)
	get := func(account common.Address) *uint256.Int {
		if balance, ok := staged[account]; ok {
			return balance
		}
		return new(uint256.Int).Set(m.balanceOf(account))
	}
	for _, payout := range payouts {
		from := get(sender)
		if from.Lt(payout.Amount) {
			return fmt.Errorf("%w: %s holds %s, batch needs more", ErrInsufficientFunds, sender.Hex(), from.Dec())
		}
		staged[sender] = new(uint256.Int).Sub(from, payout.Amount)
		to, overflow := new(uint256.Int).AddOverflow(get(payout.To), payout.Amount)
		if overflow {
			return fmt.Errorf("credit %s: %w", payout.To.Hex(), ErrOverflow)
		}
		staged[payout.To] = to
	}
	for account, balance := range staged {
		m.balances[account] = balance
	}
	return nil
}

func (m *Memory) move(from, to common.Address, amount *uint256.Int) error {
	fromBalance := m.balanceOf(from)
	if fromBalance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, requested %s", ErrInsufficientFunds, from.Hex(), fromBalance.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	toBalance, overflow := new(uint256.Int).AddOverflow(m.balanceOf(to), amount)
	if overflow {
		return fmt.Errorf("credit %s: %w", to.Hex(), ErrOverflow)
	}
	m.balances[from] = new(uint256.Int).Sub(fromBalance, amount)
	m.balances[to] = toBalance
	return nil
}

func (m *Memory) balanceOf(account common.Address) *uint256.Int {
	if balance, ok := m.balances[account]; ok {
		return balance
	}
	return new(uint256.Int)
}

func (m *Memory) allowance(owner, spender common.Address) *uint256.Int {
	if allowance, ok := m.allowances[owner][spender]; ok {
		return allowance
	}
	return new(uint256.Int)
}
