// Package venues implements the liquidity venues the swap router can route
// through: a StableSwap pool with an LP token, a batch-swap vault over
// weighted pairs and a fee-tiered pair router. Every venue keeps its reserves
// as ledger balances of its own account, so ledger snapshots cover them.
package venues

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount      = errors.New("venues: amount must be positive")
	ErrUnknownToken       = errors.New("venues: token not supported by pool")
	ErrSameToken          = errors.New("venues: input and output token must differ")
	ErrInsufficientOutput = errors.New("venues: output below minimum")
	ErrEmptyPool          = errors.New("venues: pool has no liquidity")
	ErrNoConvergence      = errors.New("venues: invariant did not converge")
	ErrUnknownPool        = errors.New("venues: pool not registered")
	ErrPoolExists         = errors.New("venues: pool already registered")
	ErrLimitExceeded      = errors.New("venues: batch swap limit exceeded")
	ErrUnsupportedKind    = errors.New("venues: swap kind not supported")
	ErrInvalidPath        = errors.New("venues: malformed swap path")
	ErrDeadline           = errors.New("venues: deadline passed")
)

// Ledger is the subset of the shared ledger the venues move tokens through.
type Ledger interface {
	BalanceOf(token, owner common.Address) *big.Int
	TotalSupply(token common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
	TransferFrom(token, spender, from, to common.Address, amount *big.Int) error
	Mint(token, to common.Address, amount *big.Int) error
	Burn(token, from common.Address, amount *big.Int) error
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

func positive(v *big.Int) bool { return v != nil && v.Sign() > 0 }

func abs(v *big.Int) *big.Int { return new(big.Int).Abs(v) }

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
