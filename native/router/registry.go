package router

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"levlend/native/venues"
)

// CurvePool is the StableSwap surface the router calls.
type CurvePool interface {
	Address() common.Address
	LPToken() common.Address
	NCoins() int
	Coin(i int) (common.Address, bool)
	Exchange(ctx context.Context, caller common.Address, i, j int, dx, minDy *big.Int, receiver common.Address) (*big.Int, error)
	ExchangeUnderlying(ctx context.Context, caller common.Address, i, j int, dx, minDy *big.Int, receiver common.Address) (*big.Int, error)
	AddLiquidity(ctx context.Context, caller common.Address, amounts []*big.Int, minMint *big.Int, receiver common.Address) (*big.Int, error)
	RemoveLiquidityOneCoin(ctx context.Context, caller common.Address, amount *big.Int, i int, minOut *big.Int, receiver common.Address) (*big.Int, error)
}

// BalancerVault is the batch-swap surface the router calls.
type BalancerVault interface {
	Address() common.Address
	BatchSwap(ctx context.Context, kind venues.SwapKind, steps []venues.BatchSwapStep, assets []common.Address, funds venues.FundManagement, limits []*big.Int, deadline time.Time) ([]*big.Int, error)
}

// UniswapRouter is the fee-tiered pair surface the router calls.
type UniswapRouter interface {
	Address() common.Address
	ExactInputSingle(ctx context.Context, caller common.Address, params venues.ExactInputSingleParams) (*big.Int, error)
}

// Venues resolves hop pool addresses to venue implementations.
type Venues interface {
	Curve(addr common.Address) (CurvePool, error)
	Balancer(addr common.Address) (BalancerVault, error)
	Uniswap(addr common.Address) (UniswapRouter, error)
}

// Registry is an in-memory Venues implementation keyed by venue address.
type Registry struct {
	mu       sync.RWMutex
	curve    map[common.Address]CurvePool
	balancer map[common.Address]BalancerVault
	uniswap  map[common.Address]UniswapRouter
}

func NewRegistry() *Registry {
	return &Registry{
		curve:    make(map[common.Address]CurvePool),
		balancer: make(map[common.Address]BalancerVault),
		uniswap:  make(map[common.Address]UniswapRouter),
	}
}

func (r *Registry) RegisterCurve(pool CurvePool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.curve[pool.Address()] = pool
}

func (r *Registry) RegisterBalancer(vault BalancerVault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balancer[vault.Address()] = vault
}

func (r *Registry) RegisterUniswap(router UniswapRouter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uniswap[router.Address()] = router
}

func (r *Registry) Curve(addr common.Address) (CurvePool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if pool, ok := r.curve[addr]; ok {
		return pool, nil
	}
	return nil, fmt.Errorf("%w: curve %s", ErrUnknownVenue, addr.Hex())
}

func (r *Registry) Balancer(addr common.Address) (BalancerVault, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if vault, ok := r.balancer[addr]; ok {
		return vault, nil
	}
	return nil, fmt.Errorf("%w: balancer %s", ErrUnknownVenue, addr.Hex())
}

func (r *Registry) Uniswap(addr common.Address) (UniswapRouter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if router, ok := r.uniswap[addr]; ok {
		return router, nil
	}
	return nil, fmt.Errorf("%w: uniswap %s", ErrUnknownVenue, addr.Hex())
}
