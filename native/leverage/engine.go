// Package leverage turns a single collateral deposit into a leveraged
// position, and back, inside one flash loan. Entry flash-borrows a stablecoin,
// swaps it into collateral, deposits principal plus swapped collateral for the
// user and borrows against it to settle the loan. Exit flash-borrows the
// stablecoin to repay debt, withdraws collateral, swaps part of it back and
// settles the loan from the proceeds. Either call completes fully or leaves
// no trace on the ledger.
package leverage

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	nativecommon "levlend/native/common"
	"levlend/native/lending"
	"levlend/native/levmath"
	"levlend/native/router"
	"levlend/observability"
)

const moduleName = "leverage"

type opKind uint8

const (
	opEnter opKind = iota + 1
	opExit
)

func (k opKind) String() string {
	if k == opEnter {
		return "enter"
	}
	return "exit"
}

// operation is the state of the call in flight. The flash loan callback reads
// its inputs from here and records its outputs here.
type operation struct {
	id          string
	kind        opKind
	stage       Stage
	user        common.Address
	borrowAsset common.Address
	routeIndex  int
	info        router.Info
	flashAmount *big.Int
	premium     *big.Int

	principal   *big.Int
	leverageBps uint64

	repayAmount *big.Int
	withdrawAmt *big.Int
	swapIn      *big.Int
	slippageBps uint64
	baseBorrow  *big.Int

	swapped   *big.Int
	deposited *big.Int
	borrowed  *big.Int
	repaid    *big.Int
	withdrawn *big.Int
	recovered *big.Int

	healthFactor *big.Int
}

type borrowMarket struct {
	BorrowAsset
	decimals uint8
}

// Engine serves one collateral asset through one vault. Calls are admitted one
// at a time; a second call while one is in flight, including a nested call
// from a venue or token hook, fails with ErrReentrantCall.
type Engine struct {
	cfg       Config
	ledger    Ledger
	pool      LendingPool
	vault     Vault
	oracle    PriceOracle
	swapper   Swapper
	whitelist Whitelist
	guard     *nativecommon.CallGuard
	pauses    nativecommon.PauseView

	collateral         common.Address
	collateralDecimals uint8
	markets            map[common.Address]borrowMarket

	logger  *slog.Logger
	metrics *observability.LeverageMetrics
	tracer  trace.Tracer
	clock   func() time.Time
	newID   func() string

	mu     sync.Mutex
	active *operation
}

// New wires an engine for the vault's collateral. The pool must list the
// collateral and every borrow asset, and borrowing must be enabled on the
// latter.
func New(ledger Ledger, pool LendingPool, vault Vault, oracle PriceOracle, swapper Swapper, cfg Config) (*Engine, error) {
	if ledger == nil || pool == nil || vault == nil || oracle == nil || swapper == nil {
		return nil, errNotConfigured
	}
	cfg.ensureDefaults()
	collateral := vault.CollateralAsset()
	if err := cfg.validate(collateral); err != nil {
		return nil, err
	}
	collateralReserve, err := pool.ReserveConfig(collateral)
	if err != nil {
		return nil, fmt.Errorf("leverage: collateral reserve: %w", err)
	}
	markets := make(map[common.Address]borrowMarket, len(cfg.BorrowAssets))
	for _, b := range cfg.BorrowAssets {
		reserve, err := pool.ReserveConfig(b.Asset)
		if err != nil {
			return nil, fmt.Errorf("leverage: borrow reserve: %w", err)
		}
		if !reserve.BorrowingEnabled {
			return nil, fmt.Errorf("leverage: borrowing disabled for %s", b.Asset.Hex())
		}
		markets[b.Asset] = borrowMarket{BorrowAsset: b, decimals: reserve.Decimals}
	}
	return &Engine{
		cfg:                cfg,
		ledger:             ledger,
		pool:               pool,
		vault:              vault,
		oracle:             oracle,
		swapper:            swapper,
		guard:              &nativecommon.CallGuard{},
		collateral:         collateral,
		collateralDecimals: collateralReserve.Decimals,
		markets:            markets,
		logger:             slog.Default().With("component", "leverage"),
		metrics:            observability.Leverage(),
		tracer:             otel.Tracer("levlend/leverage"),
		clock:              time.Now,
		newID:              uuid.NewString,
	}, nil
}

// SetWhitelist installs the admission gate. Without one every caller and user
// is admitted.
func (e *Engine) SetWhitelist(w Whitelist) { e.whitelist = w }

// SetGuard replaces the call guard. Engines sharing a guard exclude each
// other as well as themselves.
func (e *Engine) SetGuard(g *nativecommon.CallGuard) {
	if g != nil {
		e.guard = g
	}
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger.With("component", "leverage")
	}
}

// SetClock overrides the time source used for latency metrics.
func (e *Engine) SetClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

// Address is the engine account. Users approve it for their principal and
// receipts and delegate borrowing power to it.
func (e *Engine) Address() common.Address { return e.cfg.Address }

// Collateral is the asset this engine levers.
func (e *Engine) Collateral() common.Address { return e.collateral }

// Vault returns the vault the engine deposits through.
func (e *Engine) Vault() Vault { return e.vault }

// BorrowAssets lists the supported borrow assets.
func (e *Engine) BorrowAssets() []BorrowAsset {
	out := make([]BorrowAsset, len(e.cfg.BorrowAssets))
	copy(out, e.cfg.BorrowAssets)
	return out
}

// MaxLeverageBps is the highest leverage an entry may request.
func (e *Engine) MaxLeverageBps() uint64 { return e.cfg.MaxLeverageBps }

func (e *Engine) market(asset common.Address) (borrowMarket, error) {
	m, ok := e.markets[asset]
	if !ok {
		return borrowMarket{}, fmt.Errorf("%w: %s", ErrUnsupportedBorrowAsset, asset.Hex())
	}
	return m, nil
}

// admit checks the engine and the user against the vault whitelist.
func (e *Engine) admit(user common.Address) error {
	if e.whitelist == nil {
		return nil
	}
	vaultAddr := e.vault.Address()
	ok, err := e.whitelist.IsCallerAllowed(vaultAddr, e.cfg.Address)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: engine %s", ErrNotWhitelisted, e.cfg.Address.Hex())
	}
	ok, err = e.whitelist.IsUserAllowed(vaultAddr, user)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotWhitelisted, user.Hex())
	}
	return nil
}

func checkRoute(info router.Info, reverse bool, routeIndex int) error {
	if info.Active() > 1 {
		return nil
	}
	if routeIndex < 0 || routeIndex >= router.MaxPaths || !info.Direction(reverse)[routeIndex].Active() {
		return fmt.Errorf("%w: %d", ErrInvalidRouteIndex, routeIndex)
	}
	return nil
}

// FlashAmount returns the borrow-asset amount an entry of principal at
// leverageBps flash-borrows: principal*leverageBps/10000 of collateral,
// converted at oracle prices and rounded down.
func (e *Engine) FlashAmount(principal *big.Int, leverageBps uint64, borrowAsset common.Address) (*big.Int, error) {
	m, err := e.market(borrowAsset)
	if err != nil {
		return nil, err
	}
	collateralPrice, err := e.oracle.GetAssetPrice(e.collateral)
	if err != nil {
		return nil, err
	}
	borrowPrice, err := e.oracle.GetAssetPrice(borrowAsset)
	if err != nil {
		return nil, err
	}
	levered := levmath.ComputeFlashloanAmount(principal, leverageBps)
	return levmath.ConvertAmount(levered, collateralPrice, e.collateralDecimals, borrowPrice, m.decimals)
}

// MaxWithdrawable returns how much collateral user could withdraw once
// repayAmount of borrowAsset debt is repaid, keeping the health factor at or
// above 1. Callers use it to size the exit withdrawal.
func (e *Engine) MaxWithdrawable(user common.Address, repayAmount *big.Int, borrowAsset common.Address) (*big.Int, error) {
	m, err := e.market(borrowAsset)
	if err != nil {
		return nil, err
	}
	data, err := e.pool.GetUserAccountData(user)
	if err != nil {
		return nil, err
	}
	reserve, err := e.pool.ReserveConfig(e.collateral)
	if err != nil {
		return nil, err
	}
	collateralPrice, err := e.oracle.GetAssetPrice(e.collateral)
	if err != nil {
		return nil, err
	}
	borrowPrice, err := e.oracle.GetAssetPrice(borrowAsset)
	if err != nil {
		return nil, err
	}
	debt, err := e.pool.DebtOf(user, borrowAsset)
	if err != nil {
		return nil, err
	}
	repay := repayAmount
	if repay == nil || repay.Cmp(debt) > 0 {
		repay = debt
	}
	repayValue := levmath.Value(repay, borrowPrice, m.decimals)
	existing := e.ledger.BalanceOf(e.vault.ReceiptToken(), user)
	return levmath.ComputeMaxWithdrawableDecimals(
		data.TotalCollateralValue,
		data.TotalDebtValue,
		repayValue,
		data.CurrentLiquidationThresholdBps,
		reserve.LiquidationThresholdBps,
		collateralPrice,
		existing,
		e.collateralDecimals,
	)
}

// run admits one call and records its outcome. body runs with the call
// guard held and op installed as the active operation.
func (e *Engine) run(ctx context.Context, op *operation, body func(ctx context.Context) error) (err error) {
	if e == nil || e.ledger == nil {
		return errNotConfigured
	}
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "leverage."+op.kind.String(), trace.WithAttributes(
		attribute.String("operation_id", op.id),
		attribute.String("user", op.user.Hex()),
		attribute.String("borrow_asset", op.borrowAsset.Hex()),
		attribute.String("collateral", e.collateral.Hex()),
	))
	defer span.End()
	defer func() {
		kind := Classify(err)
		e.metrics.Observe(op.kind.String(), e.clock().Sub(start), string(kind), err)
		if err != nil {
			failedAt := op.stage
			op.stage = StageReverted
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Warn("leverage call reverted",
				slog.String("operationId", op.id),
				slog.String("operation", op.kind.String()),
				slog.String("user", op.user.Hex()),
				slog.String("stage", failedAt.String()),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
			return
		}
		op.stage = StageDone
		e.logger.Info("leverage call settled",
			slog.String("operationId", op.id),
			slog.String("operation", op.kind.String()),
			slog.String("user", op.user.Hex()))
	}()

	paused := nativecommon.Guard(e.pauses, moduleName)
	e.metrics.SetPause(paused != nil)
	if paused != nil {
		return paused
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()

	e.mu.Lock()
	e.active = op
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}()

	op.stage = StageValidating
	return body(ctx)
}

// flashLoan requests op.flashAmount of the borrow asset with the engine as
// receiver. The callback continues the operation.
func (e *Engine) flashLoan(ctx context.Context, op *operation) error {
	op.stage = StageFlashLoanRequested
	return e.pool.FlashLoan(ctx, e.cfg.Address, e, []common.Address{op.borrowAsset}, []*big.Int{op.flashAmount}, []byte(op.id))
}

// ExecuteOperation is the flash loan callback. It only accepts the loan the
// engine itself requested for the operation in flight.
func (e *Engine) ExecuteOperation(ctx context.Context, call lending.FlashLoanCall) error {
	e.mu.Lock()
	op := e.active
	e.mu.Unlock()
	if op == nil || op.stage != StageFlashLoanRequested {
		return fmt.Errorf("%w: no loan requested", ErrInvalidCallback)
	}
	if call.Pool != e.pool.Address() || call.Initiator != e.cfg.Address || string(call.Params) != op.id {
		return fmt.Errorf("%w: foreign loan", ErrInvalidCallback)
	}
	if len(call.Assets) != 1 || len(call.Amounts) != 1 || len(call.Premiums) != 1 ||
		call.Assets[0] != op.borrowAsset || call.Amounts[0].Cmp(op.flashAmount) != 0 {
		return fmt.Errorf("%w: loan terms differ from request", ErrInvalidCallback)
	}
	op.stage = StageInCallback
	op.premium = new(big.Int).Set(call.Premiums[0])
	if op.kind == opEnter {
		return e.enterCallback(ctx, op)
	}
	return e.exitCallback(ctx, op)
}

// approveFor runs fn with spender allowed to move amount of token from the
// engine, then clears the allowance.
func (e *Engine) approveFor(token, spender common.Address, amount *big.Int, fn func() error) error {
	if err := e.ledger.Approve(token, e.cfg.Address, spender, amount); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return e.ledger.Approve(token, e.cfg.Address, spender, new(big.Int))
}

// surplus returns what the engine holds of token beyond base.
func (e *Engine) surplus(token common.Address, base *big.Int) *big.Int {
	out := new(big.Int).Sub(e.ledger.BalanceOf(token, e.cfg.Address), base)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// healthAfter reads the user's health factor and fails when a position with
// debt is below 1.
func (e *Engine) healthAfter(user common.Address) (*big.Int, error) {
	data, err := e.pool.GetUserAccountData(user)
	if err != nil {
		return nil, err
	}
	if data.TotalDebtValue.Sign() > 0 && data.HealthFactor.Cmp(levmath.Wad) < 0 {
		return nil, fmt.Errorf("%w: %s", lending.ErrHealthCheckFailed, data.HealthFactor)
	}
	e.metrics.RecordHealthFactor(e.collateral.Hex(), data.HealthFactor)
	return data.HealthFactor, nil
}
