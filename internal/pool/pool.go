package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/irfndi/renpool/internal/event"
	"github.com/sirupsen/logrus"
)

// State is the lock state of a pool
type State uint8

const (
	StateOpen State = iota
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateLocked:
		return "locked"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Config holds the construction parameters of a pool. Everything except
// NodeOperator is immutable once the pool exists.
type Config struct {
	Address      common.Address // identity of the pool on the ledger and registry
	Owner        common.Address
	NodeOperator common.Address
	Token        common.Address
	Registry     common.Address
	Payment      common.Address
	ClaimRewards common.Address
	Gateway      common.Address
	Bond         *uint256.Int
}

// Dependencies are the external collaborators a pool calls into
type Dependencies struct {
	Ledger    TokenLedger
	Registry  Registry
	Claimer   RewardClaimer
	Publisher event.Publisher
	Logger    *logrus.Logger
}

// Pool pools token deposits until they cover the bond of a node registration.
// Every operation runs under the pool mutex, so operations on one pool are
// totally ordered and either commit fully or leave no effect.
type Pool struct {
	mu sync.Mutex

	cfg       Config
	operator  common.Address
	ledger    TokenLedger
	registry  Registry
	claimer   RewardClaimer
	publisher event.Publisher
	log       *logrus.Entry

	state       State
	totalPooled uint256.Int
	balances    map[common.Address]*uint256.Int
	depositors  []common.Address // first-deposit order, drives reward distribution
	rewards     map[common.Address]*uint256.Int
	retained    uint256.Int
	distributed uint256.Int
}

// New creates an open pool with no deposits
func New(cfg Config, deps Dependencies) (*Pool, error) {
	if deps.Ledger == nil {
		return nil, errors.New("token ledger cannot be nil")
	}
	if deps.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if deps.Claimer == nil {
		return nil, errors.New("reward claimer cannot be nil")
	}
	if cfg.NodeOperator == (common.Address{}) {
		return nil, fmt.Errorf("%w: node operator cannot be zero", ErrInvalidAddress)
	}
	if cfg.Bond == nil {
		cfg.Bond = new(uint256.Int)
	} else {
		cfg.Bond = new(uint256.Int).Set(cfg.Bond)
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = event.NopPublisher{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pool{
		cfg:       cfg,
		operator:  cfg.NodeOperator,
		ledger:    deps.Ledger,
		registry:  deps.Registry,
		claimer:   deps.Claimer,
		publisher: publisher,
		log:       logger.WithField("pool", cfg.Address.Hex()),
		state:     StateOpen,
		balances:  make(map[common.Address]*uint256.Int),
		rewards:   make(map[common.Address]*uint256.Int),
	}, nil
}

type callKey struct{ pool *Pool }

// enter rejects calls made from inside one of this pool's external calls and
// returns the context handed to collaborators.
func (p *Pool) enter(ctx context.Context) (context.Context, error) {
	if ctx.Value(callKey{p}) != nil {
		return nil, ErrReentrantCall
	}
	return context.WithValue(ctx, callKey{p}, struct{}{}), nil
}

// Deposit pulls amount from depositor into the pool
func (p *Pool) Deposit(ctx context.Context, depositor common.Address, amount *uint256.Int) error {
	ctx, err := p.enter(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateLocked {
		return fmt.Errorf("%w: deposits are closed while the pool is locked", ErrInvalidState)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
	}
	amount = new(uint256.Int).Set(amount)

	newBalance, overflow := new(uint256.Int).AddOverflow(p.balanceOf(depositor), amount)
	if overflow {
		return p.overflow("deposit", depositor)
	}
	newTotal, overflow := new(uint256.Int).AddOverflow(&p.totalPooled, amount)
	if overflow {
		return p.overflow("deposit", depositor)
	}

	if err := p.ledger.TransferFrom(ctx, p.cfg.Address, depositor, p.cfg.Address, amount); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"depositor": depositor.Hex(),
			"amount":    amount.Dec(),
		}).Warn("Deposit pull failed")
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	p.setBalance(depositor, newBalance)
	p.totalPooled.Set(newTotal)
	p.publish(event.New(event.TypeDeposit, p.cfg.Address, depositor).WithAmount(amount, &p.totalPooled))
	return nil
}

// Withdraw pushes amount from the pool back to depositor. The pool's books
// are updated before the ledger push and restored if the push fails.
func (p *Pool) Withdraw(ctx context.Context, depositor common.Address, amount *uint256.Int) error {
	ctx, err := p.enter(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateLocked {
		return fmt.Errorf("%w: funds are immobilized while the pool is locked", ErrInvalidState)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: withdrawal must be positive", ErrInvalidAmount)
	}
	amount = new(uint256.Int).Set(amount)

	prevBalance := new(uint256.Int).Set(p.balanceOf(depositor))
	if amount.Gt(prevBalance) {
		return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientBalance, amount.Dec(), prevBalance.Dec())
	}
	newBalance, underflow := new(uint256.Int).SubOverflow(prevBalance, amount)
	if underflow {
		return p.overflow("withdraw", depositor)
	}
	prevTotal := new(uint256.Int).Set(&p.totalPooled)
	newTotal, underflow := new(uint256.Int).SubOverflow(prevTotal, amount)
	if underflow {
		return p.overflow("withdraw", depositor)
	}

	p.balances[depositor] = newBalance
	p.totalPooled.Set(newTotal)

	if err := p.ledger.Transfer(ctx, p.cfg.Address, depositor, amount); err != nil {
		p.balances[depositor] = prevBalance
		p.totalPooled.Set(prevTotal)
		p.log.WithError(err).WithFields(logrus.Fields{
			"depositor": depositor.Hex(),
			"amount":    amount.Dec(),
		}).Warn("Withdrawal push failed, books restored")
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	p.prune(depositor)
	p.publish(event.New(event.TypeWithdrawal, p.cfg.Address, depositor).WithAmount(amount, &p.totalPooled))
	return nil
}

// Lock registers the pool with the node registry, immobilizing deposits
func (p *Pool) Lock(ctx context.Context, caller common.Address) error {
	ctx, err := p.enter(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.operator {
		return fmt.Errorf("%w: only the node operator can lock", ErrUnauthorized)
	}
	if p.state == StateLocked {
		return fmt.Errorf("%w: pool is already locked", ErrInvalidState)
	}
	if p.totalPooled.Lt(p.cfg.Bond) {
		return fmt.Errorf("%w: pooled %s, bond %s", ErrInsufficientBond, p.totalPooled.Dec(), p.cfg.Bond.Dec())
	}

	p.state = StateLocked
	if err := p.registry.Register(ctx, p.cfg.Address, new(uint256.Int).Set(p.cfg.Bond)); err != nil {
		p.state = StateOpen
		p.log.WithError(err).Warn("Node registration failed")
		return fmt.Errorf("register node: %w", err)
	}

	p.publish(event.New(event.TypePoolLocked, p.cfg.Address, caller).WithAmount(p.cfg.Bond, &p.totalPooled))
	return nil
}

// Unlock deregisters the pool from the node registry, freeing deposits
func (p *Pool) Unlock(ctx context.Context, caller common.Address) error {
	ctx, err := p.enter(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.operator {
		return fmt.Errorf("%w: only the node operator can unlock", ErrUnauthorized)
	}
	if p.state == StateOpen {
		return fmt.Errorf("%w: pool is already open", ErrInvalidState)
	}

	p.state = StateOpen
	if err := p.registry.Deregister(ctx, p.cfg.Address); err != nil {
		p.state = StateLocked
		p.log.WithError(err).Warn("Node deregistration refused")
		return fmt.Errorf("%w: %w", ErrDeregistrationPending, err)
	}

	p.publish(event.New(event.TypePoolUnlocked, p.cfg.Address, caller).WithAmount(nil, &p.totalPooled))
	return nil
}

// ClaimRewards pulls accrued rewards from the claim service and pays them out
// pro-rata to depositors. Each share is floor(distributable*balance/total);
// the remainder is retained and added to the next claim. It returns the
// amount paid out.
func (p *Pool) ClaimRewards(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	ctx, err := p.enter(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.operator && p.balanceOf(caller).IsZero() {
		return nil, fmt.Errorf("%w: only the node operator or a depositor can claim", ErrUnauthorized)
	}
	if p.totalPooled.IsZero() {
		return nil, fmt.Errorf("%w: pool has no deposits", ErrNothingToClaim)
	}

	claimed, err := p.claimer.Claim(ctx, p.cfg.Address)
	if err != nil {
		p.log.WithError(err).Warn("Reward claim failed")
		return nil, fmt.Errorf("claim rewards: %w", err)
	}
	if claimed == nil || claimed.IsZero() {
		return nil, fmt.Errorf("%w: no rewards accrued", ErrNothingToClaim)
	}
	claimed = new(uint256.Int).Set(claimed)

	distributable, overflow := new(uint256.Int).AddOverflow(&p.retained, claimed)
	if overflow {
		return nil, p.overflow("claim", caller)
	}

	payouts := make([]Payout, 0, len(p.depositors))
	newRewards := make([]*uint256.Int, 0, len(p.depositors))
	paid := new(uint256.Int)
	for _, depositor := range p.depositors {
		balance := p.balances[depositor]
		share, overflow := new(uint256.Int).MulDivOverflow(distributable, balance, &p.totalPooled)
		if overflow {
			p.retained.Set(distributable)
			return nil, p.overflow("claim", caller)
		}
		if share.IsZero() {
			continue
		}
		total, overflow := new(uint256.Int).AddOverflow(p.rewardsOf(depositor), share)
		if overflow {
			p.retained.Set(distributable)
			return nil, p.overflow("claim", caller)
		}
		payouts = append(payouts, Payout{To: depositor, Amount: share})
		newRewards = append(newRewards, total)
		paid.Add(paid, share)
	}
	remainder, underflow := new(uint256.Int).SubOverflow(distributable, paid)
	if underflow {
		p.retained.Set(distributable)
		return nil, p.overflow("claim", caller)
	}
	newDistributed, overflow := new(uint256.Int).AddOverflow(&p.distributed, paid)
	if overflow {
		p.retained.Set(distributable)
		return nil, p.overflow("claim", caller)
	}

	prevRewards := make([]*uint256.Int, len(payouts))
	for i, payout := range payouts {
		prevRewards[i] = p.rewards[payout.To]
		p.rewards[payout.To] = newRewards[i]
	}
	prevDistributed := new(uint256.Int).Set(&p.distributed)
	p.distributed.Set(newDistributed)
	p.retained.Set(remainder)

	if len(payouts) > 0 {
		if err := p.ledger.TransferBatch(ctx, p.cfg.Address, payouts); err != nil {
			for i, payout := range payouts {
				if prevRewards[i] == nil {
					delete(p.rewards, payout.To)
				} else {
					p.rewards[payout.To] = prevRewards[i]
				}
			}
			p.distributed.Set(prevDistributed)
			p.retained.Set(distributable)
			p.log.WithError(err).WithField("retained", distributable.Dec()).Warn("Reward payout failed, rewards retained")
			return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
	}

	dist := event.RewardDistribution{
		Claimed:  claimed.Dec(),
		Retained: remainder.Dec(),
		Payouts:  make([]event.Payout, 0, len(payouts)),
	}
	for _, payout := range payouts {
		dist.Payouts = append(dist.Payouts, event.Payout{Depositor: payout.To, Amount: payout.Amount.Dec()})
	}
	p.publish(event.New(event.TypeRewardsClaimed, p.cfg.Address, caller).
		WithAmount(paid, &p.totalPooled).
		WithData(dist))
	return paid, nil
}

// SetNodeOperator reassigns the operator role. Only the owner may call it.
func (p *Pool) SetNodeOperator(ctx context.Context, caller, operator common.Address) error {
	if _, err := p.enter(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.cfg.Owner {
		return fmt.Errorf("%w: only the owner can change the node operator", ErrUnauthorized)
	}
	if operator == (common.Address{}) {
		return fmt.Errorf("%w: node operator cannot be zero", ErrInvalidAddress)
	}
	prev := p.operator
	p.operator = operator

	p.publish(event.New(event.TypeOperatorChanged, p.cfg.Address, caller).
		WithData(event.OperatorChange{Previous: prev, Next: operator}))
	return nil
}

func (p *Pool) Address() common.Address { return p.cfg.Address }

func (p *Pool) Owner() common.Address { return p.cfg.Owner }

func (p *Pool) NodeOperator() common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.operator
}

func (p *Pool) Bond() *uint256.Int { return new(uint256.Int).Set(p.cfg.Bond) }

func (p *Pool) IsLocked() bool {
	return p.State() == StateLocked
}

func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) TotalPooled() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(uint256.Int).Set(&p.totalPooled)
}

// BalanceOf returns the amount deposited by depositor, zero when unknown
func (p *Pool) BalanceOf(depositor common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(uint256.Int).Set(p.balanceOf(depositor))
}

// RewardsOf returns the total rewards paid out to depositor
func (p *Pool) RewardsOf(depositor common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(uint256.Int).Set(p.rewardsOf(depositor))
}

// RetainedRewards returns claimed rewards not yet paid out
func (p *Pool) RetainedRewards() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(uint256.Int).Set(&p.retained)
}

// Config returns the construction parameters with the current operator
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.cfg
	cfg.NodeOperator = p.operator
	cfg.Bond = new(uint256.Int).Set(p.cfg.Bond)
	return cfg
}

func (p *Pool) balanceOf(depositor common.Address) *uint256.Int {
	if balance, ok := p.balances[depositor]; ok {
		return balance
	}
	return new(uint256.Int)
}

func (p *Pool) rewardsOf(depositor common.Address) *uint256.Int {
	if total, ok := p.rewards[depositor]; ok {
		return total
	}
	return new(uint256.Int)
}

func (p *Pool) setBalance(depositor common.Address, balance *uint256.Int) {
	if _, ok := p.balances[depositor]; !ok {
		p.depositors = append(p.depositors, depositor)
	}
	p.balances[depositor] = balance
	p.prune(depositor)
}

// prune drops a depositor whose balance reached zero
func (p *Pool) prune(depositor common.Address) {
	balance, ok := p.balances[depositor]
	if !ok || !balance.IsZero() {
		return
	}
	delete(p.balances, depositor)
	for i, d := range p.depositors {
		if d == depositor {
			p.depositors = append(p.depositors[:i], p.depositors[i+1:]...)
			break
		}
	}
}

func (p *Pool) overflow(op string, caller common.Address) error {
	p.log.WithFields(logrus.Fields{
		"operation": op,
		"caller":    caller.Hex(),
	}).Error("Arithmetic invariant violated, operation halted")
	return fmt.Errorf("%s: %w", op, ErrOverflow)
}

func (p *Pool) publish(evt event.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("event", evt.Type).Errorf("Event publisher panicked: %v", r)
		}
	}()
	p.publisher.Publish(evt)
}
