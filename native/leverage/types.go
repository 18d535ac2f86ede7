package leverage

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/events"
	"levlend/native/lending"
	"levlend/native/router"
)

// DefaultMaxLeverageBps caps requested leverage when the config leaves it
// unset.
const DefaultMaxLeverageBps = 100_000

// Ledger is the token and unit-of-work surface the engine runs on.
type Ledger interface {
	BalanceOf(token, owner common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
	TransferFrom(token, spender, from, to common.Address, amount *big.Int) error
	Approve(token, owner, spender common.Address, amount *big.Int) error
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	Emit(evt events.Event)
}

// LendingPool is the pool the engine borrows from and repays into. The pool
// enforces health factor checks on borrow and withdraw.
type LendingPool interface {
	Address() common.Address
	Borrow(ctx context.Context, caller, asset common.Address, amount *big.Int, mode lending.InterestRateMode, onBehalfOf common.Address) error
	Repay(ctx context.Context, caller, asset common.Address, amount *big.Int, mode lending.InterestRateMode, onBehalfOf common.Address) (*big.Int, error)
	GetUserAccountData(user common.Address) (lending.AccountData, error)
	FlashLoan(ctx context.Context, initiator common.Address, receiver lending.FlashLoanReceiver, assets []common.Address, amounts []*big.Int, params []byte) error
	FlashLoanPremiumBps() uint64
	ReserveConfig(asset common.Address) (lending.ReserveConfig, error)
	DebtOf(user, asset common.Address) (*big.Int, error)
}

// Vault deposits and withdraws the engine's collateral on behalf of users.
type Vault interface {
	Address() common.Address
	CollateralAsset() common.Address
	ReceiptToken() common.Address
	DepositCollateralFrom(ctx context.Context, caller, asset common.Address, amount *big.Int, user common.Address) error
	WithdrawCollateralFrom(ctx context.Context, caller, asset common.Address, amount *big.Int, slippageBps uint64, user, to common.Address) (*big.Int, error)
}

// Swapper executes SwapInfo routes for the engine.
type Swapper interface {
	ExecuteSwapInfo(ctx context.Context, from common.Address, info router.Info, reverse bool, routeIndex int, totalIn *big.Int) (*big.Int, error)
}

// Whitelist is the vault admission gate.
type Whitelist interface {
	IsCallerAllowed(vault, caller common.Address) (bool, error)
	IsUserAllowed(vault, user common.Address) (bool, error)
}

// PriceOracle serves 1e18-scaled prices.
type PriceOracle interface {
	GetAssetPrice(asset common.Address) (*big.Int, error)
}

// BorrowAsset is a stablecoin the engine may flash-borrow against its
// collateral. SlippageBps bounds collateral withdrawals through the vault on
// exit.
type BorrowAsset struct {
	Asset       common.Address
	SlippageBps uint64
}

// Config holds the per-engine settings.
type Config struct {
	Address        common.Address
	BorrowAssets   []BorrowAsset
	MaxLeverageBps uint64
}

func (c *Config) ensureDefaults() {
	if c.MaxLeverageBps == 0 {
		c.MaxLeverageBps = DefaultMaxLeverageBps
	}
}

func (c Config) validate(collateral common.Address) error {
	if c.Address == (common.Address{}) {
		return fmt.Errorf("leverage: engine address required")
	}
	if len(c.BorrowAssets) == 0 {
		return fmt.Errorf("leverage: at least one borrow asset required")
	}
	seen := make(map[common.Address]struct{}, len(c.BorrowAssets))
	for _, b := range c.BorrowAssets {
		if b.Asset == (common.Address{}) || b.Asset == collateral {
			return fmt.Errorf("leverage: invalid borrow asset %s", b.Asset.Hex())
		}
		if b.SlippageBps > 10_000 {
			return fmt.Errorf("leverage: borrow asset %s slippage above 10000 bps", b.Asset.Hex())
		}
		if _, dup := seen[b.Asset]; dup {
			return fmt.Errorf("leverage: duplicate borrow asset %s", b.Asset.Hex())
		}
		seen[b.Asset] = struct{}{}
	}
	return nil
}

// EnterResult reports the movements of a successful entry.
type EnterResult struct {
	OperationID  string
	FlashAmount  *big.Int
	Premium      *big.Int
	Swapped      *big.Int
	Deposited    *big.Int
	Borrowed     *big.Int
	HealthFactor *big.Int
}

// ExitResult reports the movements of a successful exit.
type ExitResult struct {
	OperationID        string
	Repaid             *big.Int
	Withdrawn          *big.Int
	SwappedCollateral  *big.Int
	Recovered          *big.Int
	Premium            *big.Int
	ReturnedBorrow     *big.Int
	ReturnedCollateral *big.Int
	HealthFactor       *big.Int
}

// Stage is the progress of one engine call.
type Stage uint8

const (
	StageIdle Stage = iota
	StageValidating
	StageFlashLoanRequested
	StageInCallback
	StageSettling
	StageDone
	StageReverted
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageValidating:
		return "validating"
	case StageFlashLoanRequested:
		return "flash_loan_requested"
	case StageInCallback:
		return "in_callback"
	case StageSettling:
		return "settling"
	case StageDone:
		return "done"
	case StageReverted:
		return "reverted"
	default:
		return "unknown"
	}
}
