package venues

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"levlend/crypto"
)

// SwapKind selects whether batch swap step amounts are inputs or outputs.
type SwapKind uint8

const (
	GivenIn SwapKind = iota
	GivenOut
)

// PoolID identifies a pool registered with the batch vault.
type PoolID [32]byte

// BatchSwapStep is one pool hop inside a batch swap. A zero Amount on any
// step after the first consumes the previous step's output.
type BatchSwapStep struct {
	PoolID        PoolID
	AssetInIndex  int
	AssetOutIndex int
	Amount        *big.Int
}

// FundManagement names who pays the batch inputs and who receives outputs.
type FundManagement struct {
	Sender    common.Address
	Recipient common.Address
}

type weightedPair struct {
	id      PoolID
	account common.Address
	tokens  [2]common.Address
	feeBps  uint64
}

// BalancerVault holds two-token equal-weight pools and settles batch swaps
// across them. Each pool's reserves sit in its own derived account.
type BalancerVault struct {
	ledger  Ledger
	address common.Address
	now     func() time.Time

	mu    sync.RWMutex
	pools map[PoolID]*weightedPair
}

func NewBalancerVault(ledger Ledger, address common.Address) *BalancerVault {
	return &BalancerVault{
		ledger:  ledger,
		address: address,
		now:     time.Now,
		pools:   make(map[PoolID]*weightedPair),
	}
}

func (v *BalancerVault) Address() common.Address { return v.address }

// SetClock overrides the time source used for deadline checks.
func (v *BalancerVault) SetClock(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// RegisterPool creates an equal-weight pair charging feeBps per swap and
// returns the account that holds its reserves.
func (v *BalancerVault) RegisterPool(id PoolID, tokenA, tokenB common.Address, feeBps uint64) (common.Address, error) {
	if tokenA == tokenB {
		return common.Address{}, ErrSameToken
	}
	if feeBps >= 10_000 {
		return common.Address{}, fmt.Errorf("venues: swap fee %d bps too large", feeBps)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.pools[id]; ok {
		return common.Address{}, ErrPoolExists
	}
	account := crypto.DeriveAddress(fmt.Sprintf("balancer/%s/%x", v.address.Hex(), id[:]))
	v.pools[id] = &weightedPair{id: id, account: account, tokens: [2]common.Address{tokenA, tokenB}, feeBps: feeBps}
	return account, nil
}

func (v *BalancerVault) pool(id PoolID) (*weightedPair, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownPool, id[:])
	}
	return p, nil
}

// JoinPool adds reserves to a pool, pulling both amounts from caller.
func (v *BalancerVault) JoinPool(ctx context.Context, caller common.Address, id PoolID, amounts [2]*big.Int) error {
	p, err := v.pool(id)
	if err != nil {
		return err
	}
	return v.ledger.Execute(ctx, func(context.Context) error {
		for k, amt := range amounts {
			if !positive(amt) {
				continue
			}
			if err := v.ledger.TransferFrom(p.tokens[k], v.address, caller, p.account, amt); err != nil {
				return err
			}
		}
		return nil
	})
}

type reserveKey struct {
	account common.Address
	token   common.Address
}

type batchPlan struct {
	deltas []*big.Int
	moves  []batchMove
}

type batchMove struct {
	pool      *weightedPair
	tokenIn   common.Address
	tokenOut  common.Address
	amountIn  *big.Int
	amountOut *big.Int
}

func (v *BalancerVault) plan(kind SwapKind, steps []BatchSwapStep, assets []common.Address) (*batchPlan, error) {
	if kind != GivenIn {
		return nil, ErrUnsupportedKind
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidPath)
	}
	reserves := make(map[reserveKey]*big.Int)
	reserve := func(account, token common.Address) *big.Int {
		key := reserveKey{account, token}
		if r, ok := reserves[key]; ok {
			return r
		}
		r := v.ledger.BalanceOf(token, account)
		reserves[key] = r
		return r
	}
	out := &batchPlan{deltas: make([]*big.Int, len(assets))}
	for k := range out.deltas {
		out.deltas[k] = new(big.Int)
	}
	var previousOut *big.Int
	previousOutIndex := -1
	for idx, step := range steps {
		if step.AssetInIndex < 0 || step.AssetInIndex >= len(assets) || step.AssetOutIndex < 0 || step.AssetOutIndex >= len(assets) {
			return nil, fmt.Errorf("%w: step %d asset index out of range", ErrInvalidPath, idx)
		}
		if step.AssetInIndex == step.AssetOutIndex {
			return nil, ErrSameToken
		}
		p, err := v.pool(step.PoolID)
		if err != nil {
			return nil, err
		}
		tokenIn, tokenOut := assets[step.AssetInIndex], assets[step.AssetOutIndex]
		if !((p.tokens[0] == tokenIn && p.tokens[1] == tokenOut) || (p.tokens[1] == tokenIn && p.tokens[0] == tokenOut)) {
			return nil, fmt.Errorf("%w: step %d tokens not in pool", ErrUnknownToken, idx)
		}
		amountIn := step.Amount
		if amountIn == nil || amountIn.Sign() == 0 {
			if idx == 0 || previousOutIndex != step.AssetInIndex {
				return nil, fmt.Errorf("%w: step %d has no amount to chain", ErrInvalidPath, idx)
			}
			amountIn = previousOut
		}
		if !positive(amountIn) {
			return nil, ErrInvalidAmount
		}
		balIn := reserve(p.account, tokenIn)
		balOut := reserve(p.account, tokenOut)
		if balIn.Sign() == 0 || balOut.Sign() == 0 {
			return nil, ErrEmptyPool
		}
		inAfterFee := new(big.Int).Mul(amountIn, big.NewInt(int64(10_000-p.feeBps)))
		inAfterFee.Quo(inAfterFee, big.NewInt(10_000))
		amountOut := new(big.Int).Mul(balOut, inAfterFee)
		amountOut.Quo(amountOut, new(big.Int).Add(balIn, inAfterFee))
		if amountOut.Sign() == 0 {
			return nil, ErrInsufficientOutput
		}
		balIn.Add(balIn, amountIn)
		balOut.Sub(balOut, amountOut)

		out.deltas[step.AssetInIndex].Add(out.deltas[step.AssetInIndex], amountIn)
		out.deltas[step.AssetOutIndex].Sub(out.deltas[step.AssetOutIndex], amountOut)
		out.moves = append(out.moves, batchMove{pool: p, tokenIn: tokenIn, tokenOut: tokenOut, amountIn: new(big.Int).Set(amountIn), amountOut: amountOut})
		previousOut = amountOut
		previousOutIndex = step.AssetOutIndex
	}
	return out, nil
}

// QueryBatchSwap simulates a batch swap and returns the vault's asset deltas:
// positive values are paid in, negative values are paid out.
func (v *BalancerVault) QueryBatchSwap(kind SwapKind, steps []BatchSwapStep, assets []common.Address) ([]*big.Int, error) {
	p, err := v.plan(kind, steps, assets)
	if err != nil {
		return nil, err
	}
	return p.deltas, nil
}

// BatchSwap executes steps and settles the net deltas. limits bound each
// asset delta: inputs may not exceed a positive limit and outputs must reach
// at least the magnitude of a negative limit. funds.Sender must have approved
// the vault for its inputs.
func (v *BalancerVault) BatchSwap(ctx context.Context, kind SwapKind, steps []BatchSwapStep, assets []common.Address, funds FundManagement, limits []*big.Int, deadline time.Time) ([]*big.Int, error) {
	if len(limits) != len(assets) {
		return nil, fmt.Errorf("%w: %d limits for %d assets", ErrInvalidPath, len(limits), len(assets))
	}
	if !deadline.IsZero() && v.now().After(deadline) {
		return nil, ErrDeadline
	}
	var deltas []*big.Int
	err := v.ledger.Execute(ctx, func(context.Context) error {
		p, err := v.plan(kind, steps, assets)
		if err != nil {
			return err
		}
		for k, delta := range p.deltas {
			if limits[k] != nil && delta.Cmp(limits[k]) > 0 {
				return fmt.Errorf("%w: asset %s delta %s above limit %s", ErrLimitExceeded, assets[k].Hex(), delta, limits[k])
			}
		}
		for k, delta := range p.deltas {
			if delta.Sign() > 0 {
				if err := v.ledger.TransferFrom(assets[k], v.address, funds.Sender, v.address, delta); err != nil {
					return err
				}
			}
		}
		for _, move := range p.moves {
			if err := v.ledger.Transfer(move.tokenIn, v.address, move.pool.account, move.amountIn); err != nil {
				return err
			}
			if err := v.ledger.Transfer(move.tokenOut, move.pool.account, v.address, move.amountOut); err != nil {
				return err
			}
		}
		for k, delta := range p.deltas {
			if delta.Sign() < 0 {
				if err := v.ledger.Transfer(assets[k], v.address, funds.Recipient, new(big.Int).Neg(delta)); err != nil {
					return err
				}
			}
		}
		deltas = p.deltas
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deltas, nil
}
