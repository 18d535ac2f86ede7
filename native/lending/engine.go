package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/events"
	"levlend/native/levmath"
	nativecommon "levlend/native/common"
	"levlend/observability/metrics"
)

var (
	ErrUnauthorized                = errors.New("lending engine: caller is not the admin")
	ErrUnknownReserve              = errors.New("lending engine: reserve not listed")
	ErrReserveExists               = errors.New("lending engine: reserve already listed")
	ErrInvalidAmount               = errors.New("lending engine: amount must be positive")
	ErrInsufficientBalance         = errors.New("lending engine: insufficient balance")
	ErrInsufficientLiquidity       = errors.New("lending engine: insufficient liquidity")
	ErrHealthCheckFailed           = errors.New("lending engine: borrower health factor below 1")
	ErrCollateralCannotCoverBorrow = errors.New("lending engine: collateral cannot cover new borrow")
	ErrBorrowAllowanceExceeded     = errors.New("lending engine: borrow allowance exceeded")
	ErrBorrowingDisabled           = errors.New("lending engine: borrowing disabled for reserve")
	ErrUnsupportedRateMode         = errors.New("lending engine: only variable rate debt is supported")
	ErrNoDebtToRepay               = errors.New("lending engine: no outstanding debt to repay")
	ErrInvalidFlashLoan            = errors.New("lending engine: invalid flash loan request")
	ErrFlashLoanNotRepaid          = errors.New("lending engine: flash loan not repaid")
	errNilState                    = errors.New("lending engine: ledger not configured")
)

const moduleName = "lending"

// Ledger is the token and unit-of-work surface the pool runs on.
type Ledger interface {
	BalanceOf(token, owner common.Address) *big.Int
	TotalSupply(token common.Address) *big.Int
	Allowance(token, owner, spender common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
	TransferFrom(token, spender, from, to common.Address, amount *big.Int) error
	Approve(token, owner, spender common.Address, amount *big.Int) error
	Mint(token, to common.Address, amount *big.Int) error
	Burn(token, from common.Address, amount *big.Int) error
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	Emit(evt events.Event)
}

// Engine is a multi-reserve lending pool. Deposits mint receipt tokens,
// borrows mint debt tokens and every position is valued with oracle prices.
// Each operation runs as one ledger unit, so a failed check leaves no trace.
type Engine struct {
	ledger     Ledger
	oracle     PriceOracle
	address    common.Address
	admin      common.Address
	premiumBps uint64
	pauses     nativecommon.PauseView
	metrics    *metrics.LendingMetrics
	logger     *slog.Logger

	mu       sync.RWMutex
	reserves map[common.Address]ReserveConfig
	order    []common.Address
}

// NewEngine constructs a pool living at address. admin lists reserves and
// tunes the flash loan premium.
func NewEngine(ledger Ledger, oracle PriceOracle, address, admin common.Address) *Engine {
	return &Engine{
		ledger:     ledger,
		oracle:     oracle,
		address:    address,
		admin:      admin,
		premiumBps: DefaultFlashLoanPremiumBps,
		metrics:    metrics.Lending(),
		logger:     slog.Default().With("component", "lending"),
		reserves:   make(map[common.Address]ReserveConfig),
	}
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger.With("component", "lending")
}

// Address returns the pool account. Users approve it to pull deposits and
// repayments.
func (e *Engine) Address() common.Address { return e.address }

// FlashLoanPremiumBps returns the premium charged on flash loans.
func (e *Engine) FlashLoanPremiumBps() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.premiumBps
}

// SetFlashLoanPremium updates the flash loan premium.
func (e *Engine) SetFlashLoanPremium(caller common.Address, bps uint64) error {
	if caller != e.admin {
		return ErrUnauthorized
	}
	if bps > 10_000 {
		return fmt.Errorf("%w: premium %d bps", ErrInvalidAmount, bps)
	}
	e.mu.Lock()
	e.premiumBps = bps
	e.mu.Unlock()
	return nil
}

// AddReserve lists a new asset.
func (e *Engine) AddReserve(caller common.Address, cfg ReserveConfig) error {
	if caller != e.admin {
		return ErrUnauthorized
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.reserves[cfg.Asset]; ok {
		return fmt.Errorf("%w: %s", ErrReserveExists, cfg.Asset.Hex())
	}
	e.reserves[cfg.Asset] = cfg
	e.order = append(e.order, cfg.Asset)
	return nil
}

// ReserveConfig returns the configuration of asset.
func (e *Engine) ReserveConfig(asset common.Address) (ReserveConfig, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.reserves[asset]
	if !ok {
		return ReserveConfig{}, fmt.Errorf("%w: %s", ErrUnknownReserve, asset.Hex())
	}
	return cfg, nil
}

func (e *Engine) listed() []ReserveConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ReserveConfig, 0, len(e.order))
	for _, asset := range e.order {
		out = append(out, e.reserves[asset])
	}
	return out
}

func (e *Engine) begin(asset common.Address, amount *big.Int) (ReserveConfig, error) {
	if e == nil || e.ledger == nil {
		return ReserveConfig{}, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return ReserveConfig{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ReserveConfig{}, ErrInvalidAmount
	}
	return e.ReserveConfig(asset)
}

// Deposit pulls amount of asset from caller and credits receipts to
// onBehalfOf.
func (e *Engine) Deposit(ctx context.Context, caller, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	reserve, err := e.begin(asset, amount)
	if err != nil {
		return err
	}
	err = e.ledger.Execute(ctx, func(context.Context) error {
		if err := e.ledger.TransferFrom(asset, e.address, caller, reserve.ReceiptToken, amount); err != nil {
			return err
		}
		if err := e.ledger.Mint(reserve.ReceiptToken, onBehalfOf, amount); err != nil {
			return err
		}
		e.ledger.Emit(events.LendingAction{Action: events.TypeLendingDeposit, Reserve: asset, Caller: caller, OnBehalfOf: onBehalfOf, Amount: new(big.Int).Set(amount)})
		return nil
	})
	if err == nil {
		e.metrics.ObserveAction("deposit", asset.Hex())
		e.metrics.SetReserveLiquidity(asset.Hex(), e.ledger.BalanceOf(asset, reserve.ReceiptToken))
	}
	return err
}

// Withdraw burns caller's receipts and pays the underlying to to.
func (e *Engine) Withdraw(ctx context.Context, caller, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error) {
	return e.WithdrawFrom(ctx, caller, asset, amount, caller, to)
}

// WithdrawFrom burns owner's receipts on behalf of spender, consuming the
// receipt allowance owner granted spender, and pays the underlying to to. The
// owner's health factor must stay at or above 1.
func (e *Engine) WithdrawFrom(ctx context.Context, spender, asset common.Address, amount *big.Int, owner, to common.Address) (*big.Int, error) {
	reserve, err := e.begin(asset, amount)
	if err != nil {
		return nil, err
	}
	err = e.ledger.Execute(ctx, func(context.Context) error {
		if e.ledger.BalanceOf(reserve.ReceiptToken, owner).Cmp(amount) < 0 {
			return fmt.Errorf("%w: receipt balance below %s", ErrInsufficientBalance, amount)
		}
		if e.ledger.BalanceOf(asset, reserve.ReceiptToken).Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}
		if spender != owner {
			if err := e.ledger.TransferFrom(reserve.ReceiptToken, spender, owner, spender, amount); err != nil {
				return err
			}
			if err := e.ledger.Burn(reserve.ReceiptToken, spender, amount); err != nil {
				return err
			}
		} else if err := e.ledger.Burn(reserve.ReceiptToken, owner, amount); err != nil {
			return err
		}
		if err := e.ledger.Transfer(asset, reserve.ReceiptToken, to, amount); err != nil {
			return err
		}
		if err := e.requireHealthy(owner, "withdraw"); err != nil {
			return err
		}
		e.ledger.Emit(events.LendingAction{Action: events.TypeLendingWithdraw, Reserve: asset, Caller: spender, OnBehalfOf: owner, Recipient: to, Amount: new(big.Int).Set(amount)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveAction("withdraw", asset.Hex())
	return new(big.Int).Set(amount), nil
}

// ApproveDelegation lets delegatee borrow asset against delegator's
// collateral up to amount. It replaces any previous allowance.
func (e *Engine) ApproveDelegation(delegator, asset, delegatee common.Address, amount *big.Int) error {
	reserve, err := e.ReserveConfig(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if err := e.ledger.Approve(reserve.DebtToken, delegator, delegatee, amount); err != nil {
		return err
	}
	e.ledger.Emit(events.DelegationApproved{Delegator: delegator, Delegatee: delegatee, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

// BorrowAllowance returns the remaining credit delegatee may draw on behalf
// of delegator.
func (e *Engine) BorrowAllowance(delegator, asset, delegatee common.Address) (*big.Int, error) {
	reserve, err := e.ReserveConfig(asset)
	if err != nil {
		return nil, err
	}
	return e.ledger.Allowance(reserve.DebtToken, delegator, delegatee), nil
}

// Borrow sends amount of asset to caller and records the debt against
// onBehalfOf. Borrowing for another account consumes its delegation. The
// borrower's debt must fit within the LTV-weighted collateral and keep the
// health factor at or above 1.
func (e *Engine) Borrow(ctx context.Context, caller, asset common.Address, amount *big.Int, mode InterestRateMode, onBehalfOf common.Address) error {
	reserve, err := e.begin(asset, amount)
	if err != nil {
		return err
	}
	if mode != RateModeVariable {
		return ErrUnsupportedRateMode
	}
	if !reserve.BorrowingEnabled {
		return fmt.Errorf("%w: %s", ErrBorrowingDisabled, asset.Hex())
	}
	err = e.ledger.Execute(ctx, func(context.Context) error {
		if caller != onBehalfOf {
			allowance := e.ledger.Allowance(reserve.DebtToken, onBehalfOf, caller)
			if allowance.Cmp(amount) < 0 {
				return fmt.Errorf("%w: allowance %s, requested %s", ErrBorrowAllowanceExceeded, allowance, amount)
			}
			if err := e.ledger.Approve(reserve.DebtToken, onBehalfOf, caller, new(big.Int).Sub(allowance, amount)); err != nil {
				return err
			}
		}
		if e.ledger.BalanceOf(asset, reserve.ReceiptToken).Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}
		if err := e.ledger.Mint(reserve.DebtToken, onBehalfOf, amount); err != nil {
			return err
		}
		data, err := e.GetUserAccountData(onBehalfOf)
		if err != nil {
			return err
		}
		borrowable := levmath.MulDivDown(data.TotalCollateralValue, new(big.Int).SetUint64(data.LTVBps), levmath.PercentageFactor)
		if data.TotalCollateralValue.Sign() == 0 || data.TotalDebtValue.Cmp(borrowable) > 0 {
			e.metrics.IncHealthRejection("borrow")
			return fmt.Errorf("%w: debt value %s, borrowable %s", ErrCollateralCannotCoverBorrow, data.TotalDebtValue, borrowable)
		}
		if data.HealthFactor.Cmp(levmath.Wad) < 0 {
			e.metrics.IncHealthRejection("borrow")
			return fmt.Errorf("%w: %s", ErrHealthCheckFailed, data.HealthFactor)
		}
		if err := e.ledger.Transfer(asset, reserve.ReceiptToken, caller, amount); err != nil {
			return err
		}
		e.ledger.Emit(events.LendingAction{Action: events.TypeLendingBorrow, Reserve: asset, Caller: caller, OnBehalfOf: onBehalfOf, Recipient: caller, Amount: new(big.Int).Set(amount)})
		return nil
	})
	if err == nil {
		e.metrics.ObserveAction("borrow", asset.Hex())
		e.metrics.SetReserveLiquidity(asset.Hex(), e.ledger.BalanceOf(asset, reserve.ReceiptToken))
	}
	return err
}

// Repay pulls up to amount of asset from caller to reduce onBehalfOf's debt.
// The repayment is capped at the outstanding debt and the amount actually
// repaid is returned.
func (e *Engine) Repay(ctx context.Context, caller, asset common.Address, amount *big.Int, mode InterestRateMode, onBehalfOf common.Address) (*big.Int, error) {
	reserve, err := e.begin(asset, amount)
	if err != nil {
		return nil, err
	}
	if mode != RateModeVariable {
		return nil, ErrUnsupportedRateMode
	}
	var paid *big.Int
	err = e.ledger.Execute(ctx, func(context.Context) error {
		debt := e.ledger.BalanceOf(reserve.DebtToken, onBehalfOf)
		if debt.Sign() == 0 {
			return ErrNoDebtToRepay
		}
		paid = new(big.Int).Set(amount)
		if paid.Cmp(debt) > 0 {
			paid = debt
		}
		if err := e.ledger.TransferFrom(asset, e.address, caller, reserve.ReceiptToken, paid); err != nil {
			return err
		}
		if err := e.ledger.Burn(reserve.DebtToken, onBehalfOf, paid); err != nil {
			return err
		}
		e.ledger.Emit(events.LendingAction{Action: events.TypeLendingRepay, Reserve: asset, Caller: caller, OnBehalfOf: onBehalfOf, Amount: new(big.Int).Set(paid)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveAction("repay", asset.Hex())
	return paid, nil
}

// DebtOf returns the outstanding debt of user in asset.
func (e *Engine) DebtOf(user, asset common.Address) (*big.Int, error) {
	reserve, err := e.ReserveConfig(asset)
	if err != nil {
		return nil, err
	}
	return e.ledger.BalanceOf(reserve.DebtToken, user), nil
}

// CollateralOf returns the receipt balance of user in asset.
func (e *Engine) CollateralOf(user, asset common.Address) (*big.Int, error) {
	reserve, err := e.ReserveConfig(asset)
	if err != nil {
		return nil, err
	}
	return e.ledger.BalanceOf(reserve.ReceiptToken, user), nil
}

// GetUserAccountData values user's receipts and debt across every reserve.
// Collateral is valued rounding down and debt rounding up.
func (e *Engine) GetUserAccountData(user common.Address) (AccountData, error) {
	if e == nil || e.ledger == nil {
		return AccountData{}, errNilState
	}
	collateral := new(big.Int)
	debt := new(big.Int)
	weightedLTV := new(big.Int)
	weightedLT := new(big.Int)
	for _, reserve := range e.listed() {
		receipts := e.ledger.BalanceOf(reserve.ReceiptToken, user)
		owed := e.ledger.BalanceOf(reserve.DebtToken, user)
		countsAsCollateral := receipts.Sign() > 0 && reserve.LiquidationThresholdBps > 0
		if !countsAsCollateral && owed.Sign() == 0 {
			continue
		}
		price, err := e.oracle.GetAssetPrice(reserve.Asset)
		if err != nil {
			return AccountData{}, fmt.Errorf("price %s: %w", reserve.Asset.Hex(), err)
		}
		if countsAsCollateral {
			value := levmath.Value(receipts, price, reserve.Decimals)
			collateral.Add(collateral, value)
			weightedLTV.Add(weightedLTV, new(big.Int).Mul(value, new(big.Int).SetUint64(reserve.LTVBps)))
			weightedLT.Add(weightedLT, new(big.Int).Mul(value, new(big.Int).SetUint64(reserve.LiquidationThresholdBps)))
		}
		if owed.Sign() > 0 {
			debt.Add(debt, levmath.ValueUp(owed, price, reserve.Decimals))
		}
	}
	data := AccountData{
		TotalCollateralValue:  collateral,
		TotalDebtValue:        debt,
		AvailableBorrowsValue: new(big.Int),
		HealthFactor:          new(big.Int).Set(levmath.MaxHealthFactor),
	}
	if collateral.Sign() > 0 {
		data.LTVBps = new(big.Int).Quo(weightedLTV, collateral).Uint64()
		data.CurrentLiquidationThresholdBps = new(big.Int).Quo(weightedLT, collateral).Uint64()
		borrowable := new(big.Int).Quo(weightedLTV, levmath.PercentageFactor)
		if borrowable.Cmp(debt) > 0 {
			data.AvailableBorrowsValue = borrowable.Sub(borrowable, debt)
		}
	}
	if debt.Sign() > 0 {
		thresholdValue := new(big.Int).Quo(weightedLT, levmath.PercentageFactor)
		data.HealthFactor = levmath.MulDivDown(thresholdValue, levmath.Wad, debt)
	}
	return data, nil
}

func (e *Engine) requireHealthy(user common.Address, action string) error {
	data, err := e.GetUserAccountData(user)
	if err != nil {
		return err
	}
	if data.TotalDebtValue.Sign() > 0 && data.HealthFactor.Cmp(levmath.Wad) < 0 {
		e.metrics.IncHealthRejection(action)
		return fmt.Errorf("%w: %s", ErrHealthCheckFailed, data.HealthFactor)
	}
	return nil
}

// FlashLoan lends amounts of assets to receiver for the duration of its
// ExecuteOperation callback and pulls back each amount plus premium. The
// whole loan is one ledger unit: if the callback fails or the repayment
// cannot be pulled, every movement made during the loan is reverted.
func (e *Engine) FlashLoan(ctx context.Context, initiator common.Address, receiver FlashLoanReceiver, assets []common.Address, amounts []*big.Int, params []byte) error {
	if e == nil || e.ledger == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if receiver == nil || len(assets) == 0 || len(assets) != len(amounts) {
		return ErrInvalidFlashLoan
	}
	premiumBps := e.FlashLoanPremiumBps()
	reserves := make([]ReserveConfig, len(assets))
	premiums := make([]*big.Int, len(assets))
	seen := make(map[common.Address]struct{}, len(assets))
	for k, asset := range assets {
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("%w: duplicate asset %s", ErrInvalidFlashLoan, asset.Hex())
		}
		seen[asset] = struct{}{}
		reserve, err := e.begin(asset, amounts[k])
		if err != nil {
			return err
		}
		reserves[k] = reserve
		premiums[k] = levmath.ComputeFlashloanPremium(amounts[k], premiumBps)
	}
	target := receiver.Address()
	err := e.ledger.Execute(ctx, func(ctx context.Context) error {
		for k, asset := range assets {
			if e.ledger.BalanceOf(asset, reserves[k].ReceiptToken).Cmp(amounts[k]) < 0 {
				return fmt.Errorf("%w: %s", ErrInsufficientLiquidity, asset.Hex())
			}
			if err := e.ledger.Transfer(asset, reserves[k].ReceiptToken, target, amounts[k]); err != nil {
				return err
			}
		}
		call := FlashLoanCall{
			Pool:      e.address,
			Assets:    append([]common.Address(nil), assets...),
			Amounts:   cloneAmounts(amounts),
			Premiums:  cloneAmounts(premiums),
			Initiator: initiator,
			Params:    append([]byte(nil), params...),
		}
		if err := receiver.ExecuteOperation(ctx, call); err != nil {
			return err
		}
		for k, asset := range assets {
			owed := new(big.Int).Add(amounts[k], premiums[k])
			if err := e.ledger.TransferFrom(asset, e.address, target, reserves[k].ReceiptToken, owed); err != nil {
				return fmt.Errorf("%w: %s owed %s: %w", ErrFlashLoanNotRepaid, asset.Hex(), owed, err)
			}
			e.ledger.Emit(events.FlashLoan{Receiver: target, Initiator: initiator, Asset: asset, Amount: new(big.Int).Set(amounts[k]), Premium: new(big.Int).Set(premiums[k])})
		}
		return nil
	})
	for k, asset := range assets {
		e.metrics.ObserveFlashLoan(asset.Hex(), premiums[k], err)
	}
	if err != nil {
		e.logger.Debug("flash loan reverted",
			slog.String("initiator", initiator.Hex()),
			slog.String("receiver", target.Hex()),
			slog.String("error", err.Error()))
	}
	return err
}

func cloneAmounts(in []*big.Int) []*big.Int {
	out := make([]*big.Int, len(in))
	for k, v := range in {
		out[k] = new(big.Int).Set(v)
	}
	return out
}
