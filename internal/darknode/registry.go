// Package darknode simulates the external node registry and the reward
// claim service a pool registers with.
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

var (
	ErrAlreadyRegistered = errors.New("node already registered")
	ErrNotRegistered     = errors.New("node not registered")
	ErrBondTooLow        = errors.New("bond below registry minimum")
	ErrBondingPeriod     = errors.New("node is within its minimum bonding period")
)

// Registration records a registered node
type Registration struct {
	Node         common.Address
	Bond         *uint256.Int
	RegisteredAt uint64 // epoch of registration
}

// Registry is an epoch-based node registry. A node may only deregister once
// minimumEpochs epochs have passed since it registered.
type Registry struct {
	mu            sync.RWMutex
	minimumBond   *uint256.Int
	minimumEpochs uint64
	epoch         uint64
	nodes         map[common.Address]Registration
}

// NewRegistry creates a registry at epoch zero
func NewRegistry(minimumBond *uint256.Int, minimumEpochs uint64) *Registry {
	if minimumBond == nil {
		minimumBond = new(uint256.Int)
	}
	return &Registry{
		minimumBond:   new(uint256.Int).Set(minimumBond),
		minimumEpochs: minimumEpochs,
		nodes:         make(map[common.Address]Registration),
	}
}

var _ pool.Registry = (*Registry)(nil)

func (r *Registry) Register(ctx context.Context, node common.Address, bond *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, node.Hex())
	}
	if bond.Lt(r.minimumBond) {
		return fmt.Errorf("%w: got %s, need %s", ErrBondTooLow, bond.Dec(), r.minimumBond.Dec())
	}
	r.nodes[node] = Registration{
		Node:         node,
		Bond:         new(uint256.Int).Set(bond),
		RegisteredAt: r.epoch,
	}
	return nil
}

func (r *Registry) Deregister(ctx context.Context, node common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.nodes[node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, node.Hex())
	}
	if elapsed := r.epoch - reg.RegisteredAt; elapsed < r.minimumEpochs {
		return fmt.Errorf("%w: %d of %d epochs elapsed", ErrBondingPeriod, elapsed, r.minimumEpochs)
	}
	delete(r.nodes, node)
	return nil
}

func (r *Registry) IsRegistered(node common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[node]
	return ok
}

// Registration returns the registration of node, if any
func (r *Registry) Registration(node common.Address) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.nodes[node]
	if ok {
		reg.Bond = new(uint256.Int).Set(reg.Bond)
	}
	return reg, ok
}

func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// NextEpoch advances the registry by one epoch and returns the new epoch
func (r *Registry) NextEpoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	return r.epoch
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
