// Package factory deploys pools and keeps the ordered record of every pool it
// created.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/irfndi/renpool/internal/event"
	"github.com/irfndi/renpool/internal/pool"
	"github.com/sirupsen/logrus"
)

// ErrPoolNotFound is returned when an address does not belong to a deployed pool
var ErrPoolNotFound = errors.New("pool not found")

// Params are the caller supplied parameters of a new pool. Zero external
// identities are permitted.
type Params struct {
	Token        common.Address
	Registry     common.Address
	Payment      common.Address
	ClaimRewards common.Address
	Gateway      common.Address
	Bond         *uint256.Int
}

// WithDefaults returns a copy of p whose zero external identities are taken
// from defaults. The bond is never defaulted.
func (p Params) WithDefaults(defaults Params) Params {
	fill := func(dst *common.Address, def common.Address) {
		if *dst == (common.Address{}) {
			*dst = def
		}
	}
	fill(&p.Token, defaults.Token)
	fill(&p.Registry, defaults.Registry)
	fill(&p.Payment, defaults.Payment)
	fill(&p.ClaimRewards, defaults.ClaimRewards)
	fill(&p.Gateway, defaults.Gateway)
	return p
}

// Factory deploys pools. Every pool it creates is owned by the factory owner
// and operated by the caller that requested it.
type Factory struct {
	mu      sync.RWMutex
	owner   common.Address
	address common.Address
	nonce   uint64
	pools   []*pool.Pool
	index   map[common.Address]*pool.Pool

	deps pool.Dependencies
	log  *logrus.Entry
}

// New creates a factory with no pools. deps are shared by every pool it
// deploys.
func New(owner, address common.Address, deps pool.Dependencies) (*Factory, error) {
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: factory owner cannot be zero", pool.ErrInvalidAddress)
	}
	if deps.Publisher == nil {
		deps.Publisher = event.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Factory{
		owner:   owner,
		address: address,
		index:   make(map[common.Address]*pool.Pool),
		deps:    deps,
		log:     deps.Logger.WithField("factory", address.Hex()),
	}, nil
}

// Resume continues pool identities after nonce earlier deployments, so a
// factory restarted over a persisted journal never reissues an address. It
// must be called before the first deployment.
func (f *Factory) Resume(nonce uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pools) > 0 {
		return fmt.Errorf("cannot resume factory %s after %d deployments", f.address.Hex(), len(f.pools))
	}
	f.nonce = nonce
	if nonce > 0 {
		f.log.WithField("nonce", nonce).Info("Factory resumed")
	}
	return nil
}

// DeployNewPool creates a pool operated by caller and appends it to the
// registry. The pool address is derived from the factory address and a nonce
// that only advances when construction succeeds.
func (f *Factory) DeployNewPool(ctx context.Context, caller common.Address, params Params) (*pool.Pool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	addr := crypto.CreateAddress(f.address, f.nonce)
	if _, exists := f.index[addr]; exists {
		return nil, fmt.Errorf("pool address %s already deployed", addr.Hex())
	}

	p, err := pool.New(pool.Config{
		Address:      addr,
		Owner:        f.owner,
		NodeOperator: caller,
		Token:        params.Token,
		Registry:     params.Registry,
		Payment:      params.Payment,
		ClaimRewards: params.ClaimRewards,
		Gateway:      params.Gateway,
		Bond:         params.Bond,
	}, f.deps)
	if err != nil {
		f.log.WithError(err).WithField("caller", caller.Hex()).Warn("Pool construction failed")
		return nil, fmt.Errorf("deploy pool: %w", err)
	}

	f.nonce++
	f.pools = append(f.pools, p)
	f.index[addr] = p

	f.log.WithFields(logrus.Fields{
		"pool":     addr.Hex(),
		"operator": caller.Hex(),
		"bond":     p.Bond().Dec(),
	}).Info("Pool deployed")

	f.deps.Publisher.Publish(event.New(event.TypePoolDeployed, addr, caller).
		WithAmount(p.Bond(), nil).
		WithData(event.Deployment{
			Factory:      f.address,
			Owner:        f.owner,
			NodeOperator: caller,
			Token:        params.Token,
			Registry:     params.Registry,
			Payment:      params.Payment,
			ClaimRewards: params.ClaimRewards,
			Gateway:      params.Gateway,
			Bond:         p.Bond().Dec(),
		}))
	return p, nil
}

// GetPools returns the addresses of every deployed pool in deployment order.
// The result is never nil.
func (f *Factory) GetPools() []common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]common.Address, len(f.pools))
	for i, p := range f.pools {
		out[i] = p.Address()
	}
	return out
}

// Pools returns the deployed pools in deployment order
func (f *Factory) Pools() []*pool.Pool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*pool.Pool, len(f.pools))
	copy(out, f.pools)
	return out
}

// Pool looks up a deployed pool by address
func (f *Factory) Pool(address common.Address) (*pool.Pool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.index[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, address.Hex())
	}
	return p, nil
}

func (f *Factory) Owner() common.Address { return f.owner }

func (f *Factory) Address() common.Address { return f.address }

func (f *Factory) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.pools)
}
