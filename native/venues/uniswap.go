package venues

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"levlend/crypto"
)

// UniswapFeeDenominator scales fee tiers: 500 is 0.05%, 3000 is 0.3%.
const UniswapFeeDenominator = 1_000_000

// Supported fee tiers.
const (
	FeeTierLowest uint32 = 100
	FeeTierLow    uint32 = 500
	FeeTierMedium uint32 = 3_000
	FeeTierHigh   uint32 = 10_000
)

type pairKey struct {
	token0 common.Address
	token1 common.Address
	fee    uint32
}

func sortPair(a, b common.Address, fee uint32) pairKey {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return pairKey{token0: a, token1: b, fee: fee}
}

// ExactInputSingleParams mirrors a single-pool exact input swap request.
type ExactInputSingleParams struct {
	TokenIn          common.Address
	TokenOut         common.Address
	Fee              uint32
	Recipient        common.Address
	Deadline         time.Time
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// ExactInputParams routes through several pools encoded as
// token(20) | fee(3) | token(20) | fee(3) | token(20) ...
type ExactInputParams struct {
	Path             []byte
	Recipient        common.Address
	Deadline         time.Time
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// UniswapRouter swaps across fee-tiered pairs. Each pair is priced as a
// constant product over the reserves held by its derived account.
type UniswapRouter struct {
	ledger  Ledger
	address common.Address
	now     func() time.Time

	mu    sync.RWMutex
	pairs map[pairKey]common.Address
}

func NewUniswapRouter(ledger Ledger, address common.Address) *UniswapRouter {
	return &UniswapRouter{
		ledger:  ledger,
		address: address,
		now:     time.Now,
		pairs:   make(map[pairKey]common.Address),
	}
}

func (r *UniswapRouter) Address() common.Address { return r.address }

// SetClock overrides the time source used for deadline checks.
func (r *UniswapRouter) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

func validFeeTier(fee uint32) bool {
	switch fee {
	case FeeTierLowest, FeeTierLow, FeeTierMedium, FeeTierHigh:
		return true
	}
	return false
}

// CreatePool registers the (tokenA, tokenB, fee) pair and returns the account
// holding its reserves.
func (r *UniswapRouter) CreatePool(tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	if tokenA == tokenB {
		return common.Address{}, ErrSameToken
	}
	if !validFeeTier(fee) {
		return common.Address{}, fmt.Errorf("venues: unsupported fee tier %d", fee)
	}
	key := sortPair(tokenA, tokenB, fee)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pairs[key]; ok {
		return common.Address{}, ErrPoolExists
	}
	account := crypto.DeriveAddress(fmt.Sprintf("uniswap/%s/%s/%s/%d", r.address.Hex(), key.token0.Hex(), key.token1.Hex(), fee))
	r.pairs[key] = account
	return account, nil
}

// PoolAddress returns the reserve account of a registered pair.
func (r *UniswapRouter) PoolAddress(tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.pairs[sortPair(tokenA, tokenB, fee)]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s/%s fee %d", ErrUnknownPool, tokenA.Hex(), tokenB.Hex(), fee)
	}
	return account, nil
}

// AddLiquidity deposits reserves into a pair, pulling both amounts from caller.
func (r *UniswapRouter) AddLiquidity(ctx context.Context, caller, tokenA, tokenB common.Address, fee uint32, amountA, amountB *big.Int) error {
	account, err := r.PoolAddress(tokenA, tokenB, fee)
	if err != nil {
		return err
	}
	return r.ledger.Execute(ctx, func(context.Context) error {
		if positive(amountA) {
			if err := r.ledger.TransferFrom(tokenA, r.address, caller, account, amountA); err != nil {
				return err
			}
		}
		if positive(amountB) {
			if err := r.ledger.TransferFrom(tokenB, r.address, caller, account, amountB); err != nil {
				return err
			}
		}
		return nil
	})
}

// QuoteExactInputSingle returns the output for amountIn without executing.
func (r *UniswapRouter) QuoteExactInputSingle(tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) (*big.Int, error) {
	account, err := r.PoolAddress(tokenIn, tokenOut, fee)
	if err != nil {
		return nil, err
	}
	return r.quote(account, tokenIn, tokenOut, fee, amountIn)
}

func (r *UniswapRouter) quote(account, tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) (*big.Int, error) {
	if tokenIn == tokenOut {
		return nil, ErrSameToken
	}
	if !positive(amountIn) {
		return nil, ErrInvalidAmount
	}
	reserveIn := r.ledger.BalanceOf(tokenIn, account)
	reserveOut := r.ledger.BalanceOf(tokenOut, account)
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, ErrEmptyPool
	}
	inAfterFee := new(big.Int).Mul(amountIn, big.NewInt(int64(UniswapFeeDenominator-fee)))
	inAfterFee.Quo(inAfterFee, big.NewInt(UniswapFeeDenominator))
	out := new(big.Int).Mul(reserveOut, inAfterFee)
	return out.Quo(out, new(big.Int).Add(reserveIn, inAfterFee)), nil
}

func (r *UniswapRouter) swapSingle(payer, tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int, recipient common.Address) (*big.Int, error) {
	account, err := r.PoolAddress(tokenIn, tokenOut, fee)
	if err != nil {
		return nil, err
	}
	out, err := r.quote(account, tokenIn, tokenOut, fee, amountIn)
	if err != nil {
		return nil, err
	}
	if out.Sign() == 0 {
		return nil, ErrInsufficientOutput
	}
	if payer == r.address {
		err = r.ledger.Transfer(tokenIn, r.address, account, amountIn)
	} else {
		err = r.ledger.TransferFrom(tokenIn, r.address, payer, account, amountIn)
	}
	if err != nil {
		return nil, err
	}
	if err := r.ledger.Transfer(tokenOut, account, recipient, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExactInputSingle swaps AmountIn of TokenIn pulled from caller for TokenOut.
func (r *UniswapRouter) ExactInputSingle(ctx context.Context, caller common.Address, params ExactInputSingleParams) (*big.Int, error) {
	if !params.Deadline.IsZero() && r.now().After(params.Deadline) {
		return nil, ErrDeadline
	}
	var amountOut *big.Int
	err := r.ledger.Execute(ctx, func(context.Context) error {
		out, err := r.swapSingle(caller, params.TokenIn, params.TokenOut, params.Fee, params.AmountIn, params.Recipient)
		if err != nil {
			return err
		}
		if params.AmountOutMinimum != nil && out.Cmp(params.AmountOutMinimum) < 0 {
			return fmt.Errorf("%w: got %s, minimum %s", ErrInsufficientOutput, out, params.AmountOutMinimum)
		}
		amountOut = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amountOut, nil
}

// EncodePath builds an ExactInput path from tokens and the fee between each
// consecutive pair.
func EncodePath(tokens []common.Address, fees []uint32) ([]byte, error) {
	if len(tokens) < 2 || len(fees) != len(tokens)-1 {
		return nil, ErrInvalidPath
	}
	var buf bytes.Buffer
	for k, token := range tokens {
		buf.Write(token.Bytes())
		if k < len(fees) {
			var fee [4]byte
			binary.BigEndian.PutUint32(fee[:], fees[k])
			buf.Write(fee[1:])
		}
	}
	return buf.Bytes(), nil
}

// DecodePath splits an encoded path into tokens and fees.
func DecodePath(path []byte) ([]common.Address, []uint32, error) {
	const hop = common.AddressLength + 3
	if len(path) < common.AddressLength+hop || (len(path)-common.AddressLength)%hop != 0 {
		return nil, nil, ErrInvalidPath
	}
	var tokens []common.Address
	var fees []uint32
	for offset := 0; ; offset += hop {
		tokens = append(tokens, common.BytesToAddress(path[offset:offset+common.AddressLength]))
		if offset+common.AddressLength == len(path) {
			break
		}
		feeBytes := path[offset+common.AddressLength : offset+hop]
		fees = append(fees, uint32(feeBytes[0])<<16|uint32(feeBytes[1])<<8|uint32(feeBytes[2]))
	}
	return tokens, fees, nil
}

// ExactInput swaps along an encoded multi-pool path. Intermediate outputs
// stay with the router and are paid into the next pool.
func (r *UniswapRouter) ExactInput(ctx context.Context, caller common.Address, params ExactInputParams) (*big.Int, error) {
	if !params.Deadline.IsZero() && r.now().After(params.Deadline) {
		return nil, ErrDeadline
	}
	tokens, fees, err := DecodePath(params.Path)
	if err != nil {
		return nil, err
	}
	var amountOut *big.Int
	err = r.ledger.Execute(ctx, func(context.Context) error {
		payer := caller
		amount := params.AmountIn
		for k, fee := range fees {
			recipient := r.address
			if k == len(fees)-1 {
				recipient = params.Recipient
			}
			out, err := r.swapSingle(payer, tokens[k], tokens[k+1], fee, amount, recipient)
			if err != nil {
				return err
			}
			payer = r.address
			amount = out
		}
		if params.AmountOutMinimum != nil && amount.Cmp(params.AmountOutMinimum) < 0 {
			return fmt.Errorf("%w: got %s, minimum %s", ErrInsufficientOutput, amount, params.AmountOutMinimum)
		}
		amountOut = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amountOut, nil
}
