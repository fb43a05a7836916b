// Package service exposes pool, factory and development-network operations to
// the transport layer.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/irfndi/renpool/internal/darknode"
	"github.com/irfndi/renpool/internal/factory"
	"github.com/irfndi/renpool/internal/ledger"
	"github.com/irfndi/renpool/internal/models"
	"github.com/irfndi/renpool/internal/pool"
	"github.com/irfndi/renpool/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	// ErrJournalUnavailable is returned by journal queries when no database is configured
	ErrJournalUnavailable = errors.New("event journal unavailable")
	// ErrNotJournaled is returned for an address with no journaled pool
	ErrNotJournaled = errors.New("pool not journaled")
)

// FactoryInfo describes the factory
type FactoryInfo struct {
	Address       common.Address
	Owner         common.Address
	PoolCount     int
	TokenSymbol   string
	TokenDecimals uint8
}

// TokenBalance is an account's position on the token ledger
type TokenBalance struct {
	Address  common.Address
	Balance  *uint256.Int
	Decimals uint8
	Symbol   string
}

// Service defines the application operations
type Service interface {
	Factory() FactoryInfo
	DeployPool(ctx context.Context, caller common.Address, params factory.Params) (pool.Snapshot, error)
	ListPools() []pool.Snapshot
	GetPool(address common.Address) (pool.Snapshot, error)
	BalanceOf(address, depositor common.Address) (pool.Position, error)

	Deposit(ctx context.Context, address, caller common.Address, amount *uint256.Int) (pool.Snapshot, error)
	Withdraw(ctx context.Context, address, caller common.Address, amount *uint256.Int) (pool.Snapshot, error)
	Lock(ctx context.Context, address, caller common.Address) (pool.Snapshot, error)
	Unlock(ctx context.Context, address, caller common.Address) (pool.Snapshot, error)
	ClaimRewards(ctx context.Context, address, caller common.Address) (*uint256.Int, error)
	SetNodeOperator(ctx context.Context, address, caller, operator common.Address) (pool.Snapshot, error)
	Events(address common.Address, limit, offset int) ([]*models.EventRecord, error)

	// Journal queries cover every pool ever deployed against the database,
	// including pools from earlier runs.
	PoolHistory(operator common.Address, limit, offset int) ([]*models.PoolRecord, error)
	PoolRecord(address common.Address) (*models.PoolRecord, int64, error)
	ActorEvents(actor common.Address, limit, offset int) ([]*models.EventRecord, error)

	Faucet(ctx context.Context, to common.Address) (TokenBalance, error)
	Approve(owner, spender common.Address, amount *uint256.Int) error
	TokenBalance(address common.Address) TokenBalance

	AdvanceEpoch(caller common.Address) (uint64, error)
	AccrueRewards(caller, node common.Address, amount *uint256.Int) error
}

// Options configures a service
type Options struct {
	Factory      *factory.Factory
	Ledger       *ledger.Memory
	Registry     *darknode.Registry
	Rewards      *darknode.Rewards
	Pools        repository.PoolRepository  // optional
	Events       repository.EventRepository // optional
	FaucetAmount *uint256.Int
	PoolDefaults factory.Params // identities for pools deployed without them
	Logger       *logrus.Logger
}

type service struct {
	factory      *factory.Factory
	ledger       *ledger.Memory
	registry     *darknode.Registry
	rewards      *darknode.Rewards
	pools        repository.PoolRepository
	events       repository.EventRepository
	faucetAmount *uint256.Int
	defaults     factory.Params
	log          *logrus.Logger
}

// NewService creates a new application service
func NewService(opts Options) (Service, error) {
	if opts.Factory == nil {
		return nil, errors.New("factory cannot be nil")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger cannot be nil")
	}
	if opts.Registry == nil || opts.Rewards == nil {
		return nil, errors.New("darknode registry and rewards cannot be nil")
	}
	faucet := new(uint256.Int)
	if opts.FaucetAmount != nil {
		faucet.Set(opts.FaucetAmount)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &service{
		factory:      opts.Factory,
		ledger:       opts.Ledger,
		registry:     opts.Registry,
		rewards:      opts.Rewards,
		pools:        opts.Pools,
		events:       opts.Events,
		faucetAmount: faucet,
		defaults:     opts.PoolDefaults,
		log:          logger,
	}, nil
}

func (s *service) Factory() FactoryInfo {
	return FactoryInfo{
		Address:       s.factory.Address(),
		Owner:         s.factory.Owner(),
		PoolCount:     s.factory.Count(),
		TokenSymbol:   s.ledger.Symbol(),
		TokenDecimals: s.ledger.Decimals(),
	}
}

func (s *service) DeployPool(ctx context.Context, caller common.Address, params factory.Params) (pool.Snapshot, error) {
	p, err := s.factory.DeployNewPool(ctx, caller, params.WithDefaults(s.defaults))
	if err != nil {
		return pool.Snapshot{}, err
	}
	return p.Snapshot(), nil
}

func (s *service) ListPools() []pool.Snapshot {
	pools := s.factory.Pools()
	out := make([]pool.Snapshot, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Snapshot())
	}
	return out
}

func (s *service) GetPool(address common.Address) (pool.Snapshot, error) {
	p, err := s.factory.Pool(address)
	if err != nil {
		return pool.Snapshot{}, err
	}
	return p.Snapshot(), nil
}

func (s *service) BalanceOf(address, depositor common.Address) (pool.Position, error) {
	p, err := s.factory.Pool(address)
	if err != nil {
		return pool.Position{}, err
	}
	return pool.Position{
		Depositor: depositor,
		Balance:   p.BalanceOf(depositor),
		Rewards:   p.RewardsOf(depositor),
	}, nil
}

func (s *service) Deposit(ctx context.Context, address, caller common.Address, amount *uint256.Int) (pool.Snapshot, error) {
	return s.apply(address, func(p *pool.Pool) error {
		return p.Deposit(ctx, caller, amount)
	})
}

func (s *service) Withdraw(ctx context.Context, address, caller common.Address, amount *uint256.Int) (pool.Snapshot, error) {
	return s.apply(address, func(p *pool.Pool) error {
		return p.Withdraw(ctx, caller, amount)
	})
}

func (s *service) Lock(ctx context.Context, address, caller common.Address) (pool.Snapshot, error) {
	return s.apply(address, func(p *pool.Pool) error {
		return p.Lock(ctx, caller)
	})
}

func (s *service) Unlock(ctx context.Context, address, caller common.Address) (pool.Snapshot, error) {
	return s.apply(address, func(p *pool.Pool) error {
		return p.Unlock(ctx, caller)
	})
}

func (s *service) ClaimRewards(ctx context.Context, address, caller common.Address) (*uint256.Int, error) {
	p, err := s.factory.Pool(address)
	if err != nil {
		return nil, err
	}
	return p.ClaimRewards(ctx, caller)
}

func (s *service) SetNodeOperator(ctx context.Context, address, caller, operator common.Address) (pool.Snapshot, error) {
	return s.apply(address, func(p *pool.Pool) error {
		return p.SetNodeOperator(ctx, caller, operator)
	})
}

func (s *service) Events(address common.Address, limit, offset int) ([]*models.EventRecord, error) {
	if s.events == nil {
		return nil, ErrJournalUnavailable
	}
	if _, err := s.factory.Pool(address); err != nil {
		return nil, err
	}
	limit, offset = page(limit, offset)
	return s.events.ListByPool(address.Hex(), limit, offset)
}

// PoolHistory lists journaled pools in deployment order. A zero operator
// lists every pool.
func (s *service) PoolHistory(operator common.Address, limit, offset int) ([]*models.PoolRecord, error) {
	if s.pools == nil {
		return nil, ErrJournalUnavailable
	}
	if operator == (common.Address{}) {
		limit, offset = page(limit, offset)
		return s.pools.List(limit, offset)
	}
	return s.pools.ListByOperator(operator.Hex())
}

// PoolRecord returns a journaled pool and the number of its journaled events
func (s *service) PoolRecord(address common.Address) (*models.PoolRecord, int64, error) {
	if s.pools == nil || s.events == nil {
		return nil, 0, ErrJournalUnavailable
	}
	record, err := s.pools.GetByAddress(address.Hex())
	if err != nil {
		return nil, 0, err
	}
	if record == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotJournaled, address.Hex())
	}
	count, err := s.events.CountByPool(address.Hex())
	if err != nil {
		return nil, 0, err
	}
	return record, count, nil
}

// ActorEvents lists the journaled events triggered by actor, newest first
func (s *service) ActorEvents(actor common.Address, limit, offset int) ([]*models.EventRecord, error) {
	if s.events == nil {
		return nil, ErrJournalUnavailable
	}
	limit, offset = page(limit, offset)
	return s.events.ListByActor(actor.Hex(), limit, offset)
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Faucet mints the configured faucet amount to an account
func (s *service) Faucet(ctx context.Context, to common.Address) (TokenBalance, error) {
	if err := ctx.Err(); err != nil {
		return TokenBalance{}, err
	}
	if to == (common.Address{}) {
		return TokenBalance{}, fmt.Errorf("%w: faucet recipient cannot be zero", pool.ErrInvalidAddress)
	}
	if s.faucetAmount.IsZero() {
		return TokenBalance{}, fmt.Errorf("%w: faucet is disabled", pool.ErrInvalidAmount)
	}
	if err := s.ledger.Mint(to, s.faucetAmount); err != nil {
		return TokenBalance{}, fmt.Errorf("%w: %w", pool.ErrOverflow, err)
	}
	s.log.WithFields(logrus.Fields{
		"address": to.Hex(),
		"amount":  s.faucetAmount.Dec(),
	}).Info("Faucet mint")
	return s.TokenBalance(to), nil
}

func (s *service) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: allowance is required", pool.ErrInvalidAmount)
	}
	if spender == (common.Address{}) {
		return fmt.Errorf("%w: spender cannot be zero", pool.ErrInvalidAddress)
	}
	s.ledger.Approve(owner, spender, amount)
	return nil
}

func (s *service) TokenBalance(address common.Address) TokenBalance {
	return TokenBalance{
		Address:  address,
		Balance:  s.ledger.BalanceOf(address),
		Decimals: s.ledger.Decimals(),
		Symbol:   s.ledger.Symbol(),
	}
}

// AdvanceEpoch moves the simulated registry to its next epoch. Factory owner only.
func (s *service) AdvanceEpoch(caller common.Address) (uint64, error) {
	if caller != s.factory.Owner() {
		return 0, fmt.Errorf("%w: only the factory owner can advance epochs", pool.ErrUnauthorized)
	}
	epoch := s.registry.NextEpoch()
	s.log.WithField("epoch", epoch).Info("Darknode epoch advanced")
	return epoch, nil
}

// AccrueRewards credits rewards to a registered node and funds the reward
// treasury with the same amount. The accrual is revoked when funding fails.
// Factory owner only.
func (s *service) AccrueRewards(caller, node common.Address, amount *uint256.Int) error {
	if caller != s.factory.Owner() {
		return fmt.Errorf("%w: only the factory owner can accrue rewards", pool.ErrUnauthorized)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: reward must be positive", pool.ErrInvalidAmount)
	}
	if err := s.rewards.Accrue(node, amount); err != nil {
		return err
	}
	if err := s.ledger.Mint(s.rewards.Treasury(), amount); err != nil {
		s.rewards.Revoke(node, amount)
		return fmt.Errorf("%w: %w", pool.ErrOverflow, err)
	}
	s.log.WithFields(logrus.Fields{
		"node":   node.Hex(),
		"amount": amount.Dec(),
	}).Info("Darknode rewards accrued")
	return nil
}

func (s *service) apply(address common.Address, op func(p *pool.Pool) error) (pool.Snapshot, error) {
	p, err := s.factory.Pool(address)
	if err != nil {
		return pool.Snapshot{}, err
	}
	if err := op(p); err != nil {
		return pool.Snapshot{}, err
	}
	return p.Snapshot(), nil
}

// ToDecimal converts a raw token amount to a decimal, shifted by decimals
// places when decimals is positive
func ToDecimal(amount *uint256.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals))
}
