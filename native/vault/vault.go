// Package vault routes a single collateral asset into the lending pool on
// behalf of users. Leverage engines and users deposit and withdraw through the
// vault so that admission control applies to every collateral movement.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/events"
	nativecommon "levlend/native/common"
	"levlend/native/lending"
	"levlend/native/levmath"
)

var (
	ErrInvalidAsset    = errors.New("vault: asset is not the vault collateral")
	ErrInvalidAmount   = errors.New("vault: amount must be positive")
	ErrInvalidSlippage = errors.New("vault: slippage must be at most 10000 bps")
	ErrSlippage        = errors.New("vault: withdrawn amount below slippage bound")
	ErrNotWhitelisted  = errors.New("vault: caller or user not whitelisted")
	errNilVault        = errors.New("vault: not configured")
)

const moduleName = "vault"

// Ledger is the token surface the vault needs.
type Ledger interface {
	BalanceOf(token, owner common.Address) *big.Int
	Approve(token, owner, spender common.Address, amount *big.Int) error
	TransferFrom(token, spender, from, to common.Address, amount *big.Int) error
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	Emit(evt events.Event)
}

// Pool is the lending pool the vault supplies.
type Pool interface {
	Address() common.Address
	Deposit(ctx context.Context, caller, asset common.Address, amount *big.Int, onBehalfOf common.Address) error
	WithdrawFrom(ctx context.Context, spender, asset common.Address, amount *big.Int, owner, to common.Address) (*big.Int, error)
	ReserveConfig(asset common.Address) (lending.ReserveConfig, error)
}

// Gate answers admission questions for a vault. A nil gate admits everyone.
type Gate interface {
	IsCallerAllowed(vault, caller common.Address) (bool, error)
	IsUserAllowed(vault, user common.Address) (bool, error)
}

// Vault holds no balances between calls. Collateral pulled from a caller is
// deposited into the pool in the same unit of work.
type Vault struct {
	ledger     Ledger
	pool       Pool
	gate       Gate
	address    common.Address
	collateral common.Address
	receipt    common.Address
	pauses     nativecommon.PauseView
	logger     *slog.Logger
}

// New builds the vault for collateral. The pool must already list the asset.
func New(ledger Ledger, pool Pool, address, collateral common.Address) (*Vault, error) {
	if ledger == nil || pool == nil {
		return nil, errNilVault
	}
	reserve, err := pool.ReserveConfig(collateral)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{
		ledger:     ledger,
		pool:       pool,
		address:    address,
		collateral: collateral,
		receipt:    reserve.ReceiptToken,
		logger:     slog.Default().With("component", "vault"),
	}, nil
}

func (v *Vault) SetGate(gate Gate)                  { v.gate = gate }
func (v *Vault) SetPauses(p nativecommon.PauseView) { v.pauses = p }
func (v *Vault) Address() common.Address            { return v.address }
func (v *Vault) CollateralAsset() common.Address    { return v.collateral }
func (v *Vault) ReceiptToken() common.Address       { return v.receipt }

func (v *Vault) SetLogger(logger *slog.Logger) {
	if logger != nil {
		v.logger = logger.With("component", "vault")
	}
}

func (v *Vault) admit(caller, user common.Address) error {
	if v.gate == nil {
		return nil
	}
	if caller != user {
		ok, err := v.gate.IsCallerAllowed(v.address, caller)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: caller %s", ErrNotWhitelisted, caller.Hex())
		}
	}
	ok, err := v.gate.IsUserAllowed(v.address, user)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotWhitelisted, user.Hex())
	}
	return nil
}

func (v *Vault) check(asset common.Address, amount *big.Int) error {
	if v == nil || v.ledger == nil {
		return errNilVault
	}
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return err
	}
	if asset != v.collateral {
		return fmt.Errorf("%w: %s", ErrInvalidAsset, asset.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// DepositCollateral deposits the caller's own collateral.
func (v *Vault) DepositCollateral(ctx context.Context, caller, asset common.Address, amount *big.Int) error {
	return v.DepositCollateralFrom(ctx, caller, asset, amount, caller)
}

// DepositCollateralFrom pulls amount of asset from caller and supplies it to
// the pool on behalf of user. caller must have approved the vault.
func (v *Vault) DepositCollateralFrom(ctx context.Context, caller, asset common.Address, amount *big.Int, user common.Address) error {
	if err := v.check(asset, amount); err != nil {
		return err
	}
	if err := v.admit(caller, user); err != nil {
		return err
	}
	return v.ledger.Execute(ctx, func(ctx context.Context) error {
		if err := v.ledger.TransferFrom(asset, v.address, caller, v.address, amount); err != nil {
			return err
		}
		pool := v.pool.Address()
		if err := v.ledger.Approve(asset, v.address, pool, amount); err != nil {
			return err
		}
		if err := v.pool.Deposit(ctx, v.address, asset, amount, user); err != nil {
			return err
		}
		if err := v.ledger.Approve(asset, v.address, pool, new(big.Int)); err != nil {
			return err
		}
		v.ledger.Emit(events.VaultAction{
			Action: events.TypeVaultDeposit,
			Vault:  v.address,
			Asset:  asset,
			Caller: caller,
			User:   user,
			Amount: new(big.Int).Set(amount),
		})
		return nil
	})
}

// WithdrawCollateral withdraws the caller's own collateral to to.
func (v *Vault) WithdrawCollateral(ctx context.Context, caller, asset common.Address, amount *big.Int, slippageBps uint64, to common.Address) (*big.Int, error) {
	return v.WithdrawCollateralFrom(ctx, caller, asset, amount, slippageBps, caller, to)
}

// WithdrawCollateralFrom redeems amount of user's receipts and sends the
// collateral to to. A caller other than user spends the receipt allowance user
// granted it. The amount delivered to to must be at least amount reduced by
// slippageBps, and the pool rejects withdrawals that leave user unhealthy.
func (v *Vault) WithdrawCollateralFrom(ctx context.Context, caller, asset common.Address, amount *big.Int, slippageBps uint64, user, to common.Address) (*big.Int, error) {
	if err := v.check(asset, amount); err != nil {
		return nil, err
	}
	if slippageBps > 10_000 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlippage, slippageBps)
	}
	if err := v.admit(caller, user); err != nil {
		return nil, err
	}
	var received *big.Int
	err := v.ledger.Execute(ctx, func(ctx context.Context) error {
		before := v.ledger.BalanceOf(asset, to)
		if _, err := v.pool.WithdrawFrom(ctx, caller, asset, amount, user, to); err != nil {
			return err
		}
		received = new(big.Int).Sub(v.ledger.BalanceOf(asset, to), before)
		if floor := levmath.ApplySlippage(amount, slippageBps); received.Cmp(floor) < 0 {
			return fmt.Errorf("%w: received %s, minimum %s", ErrSlippage, received, floor)
		}
		v.ledger.Emit(events.VaultAction{
			Action:      events.TypeVaultWithdraw,
			Vault:       v.address,
			Asset:       asset,
			Caller:      caller,
			User:        user,
			Recipient:   to,
			Amount:      new(big.Int).Set(received),
			SlippageBps: slippageBps,
		})
		return nil
	})
	if err != nil {
		v.logger.Debug("collateral withdrawal reverted",
			slog.String("user", user.Hex()),
			slog.String("error", err.Error()))
		return nil, err
	}
	return received, nil
}
