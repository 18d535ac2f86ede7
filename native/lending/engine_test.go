package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/state"
	"levlend/crypto"
	"levlend/native/levmath"
	"levlend/native/oracle"
)

var (
	poolAddr      = crypto.DeriveAddress("lending-test/pool")
	poolAdmin     = crypto.DeriveAddress("lending-test/admin")
	dai           = crypto.DeriveAddress("lending-test/dai")
	daiReceipt    = crypto.DeriveAddress("lending-test/adai")
	daiDebt       = crypto.DeriveAddress("lending-test/vdai")
	usdc          = crypto.DeriveAddress("lending-test/usdc")
	usdcReceipt   = crypto.DeriveAddress("lending-test/ausdc")
	usdcDebt      = crypto.DeriveAddress("lending-test/vusdc")
	alice         = crypto.DeriveAddress("lending-test/alice")
	bob           = crypto.DeriveAddress("lending-test/bob")
	supplier      = crypto.DeriveAddress("lending-test/supplier")
	flashBorrower = crypto.DeriveAddress("lending-test/flash")
)

func daiUnits(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000_000_000_000))
}

func usdcUnits(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000))
}

type poolFixture struct {
	ledger *state.Ledger
	oracle *oracle.Oracle
	engine *Engine
}

// newPoolFixture lists DAI and USDC at $1, gives alice 1000 DAI and seeds the
// pool with 10000 USDC of liquidity.
func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	ledger := state.NewLedger()
	prices := oracle.New(poolAdmin)
	for _, asset := range []common.Address{dai, usdc} {
		if err := prices.SetAssetPrice(poolAdmin, asset, levmath.Wad); err != nil {
			t.Fatalf("set price: %v", err)
		}
	}
	engine := NewEngine(ledger, prices, poolAddr, poolAdmin)
	reserves := []ReserveConfig{
		{Asset: dai, Decimals: 18, LTVBps: 7_500, LiquidationThresholdBps: 8_000, ReceiptToken: daiReceipt, DebtToken: daiDebt, BorrowingEnabled: true},
		{Asset: usdc, Decimals: 6, LTVBps: 8_000, LiquidationThresholdBps: 8_500, ReceiptToken: usdcReceipt, DebtToken: usdcDebt, BorrowingEnabled: true},
	}
	for _, r := range reserves {
		if err := engine.AddReserve(poolAdmin, r); err != nil {
			t.Fatalf("add reserve: %v", err)
		}
	}
	if err := ledger.Mint(dai, alice, daiUnits(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Mint(usdc, supplier, usdcUnits(10_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	approveMax(t, ledger, dai, alice)
	approveMax(t, ledger, usdc, alice)
	approveMax(t, ledger, usdc, supplier)
	if err := engine.Deposit(context.Background(), supplier, usdc, usdcUnits(10_000), supplier); err != nil {
		t.Fatalf("seed liquidity: %v", err)
	}
	return &poolFixture{ledger: ledger, oracle: prices, engine: engine}
}

func approveMax(t *testing.T, ledger *state.Ledger, token, owner common.Address) {
	t.Helper()
	if err := ledger.Approve(token, owner, poolAddr, daiUnits(1_000_000_000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

type flashReceiver struct {
	ledger *state.Ledger
	addr   common.Address
	repay  bool
	calls  []FlashLoanCall
}

func (r *flashReceiver) Address() common.Address { return r.addr }

func (r *flashReceiver) ExecuteOperation(_ context.Context, call FlashLoanCall) error {
	r.calls = append(r.calls, call)
	if !r.repay {
		return nil
	}
	for k, asset := range call.Assets {
		owed := new(big.Int).Add(call.Amounts[k], call.Premiums[k])
		if err := r.ledger.Approve(asset, r.addr, call.Pool, owed); err != nil {
			return err
		}
	}
	return nil
}

func TestDepositMintsReceiptsAndHoldsLiquidity(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	if err := f.engine.Deposit(ctx, alice, dai, daiUnits(400), bob); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := f.ledger.BalanceOf(daiReceipt, bob); got.Cmp(daiUnits(400)) != 0 {
		t.Fatalf("expected bob to hold 400 receipts, got %s", got)
	}
	if got := f.ledger.BalanceOf(dai, daiReceipt); got.Cmp(daiUnits(400)) != 0 {
		t.Fatalf("expected reserve liquidity 400, got %s", got)
	}
	if got := f.ledger.BalanceOf(dai, alice); got.Cmp(daiUnits(600)) != 0 {
		t.Fatalf("expected alice to keep 600 DAI, got %s", got)
	}
	if err := f.engine.Deposit(ctx, alice, dai, big.NewInt(0), alice); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := f.engine.Deposit(ctx, alice, bob, daiUnits(1), alice); !errors.Is(err, ErrUnknownReserve) {
		t.Fatalf("expected unknown reserve, got %v", err)
	}
	if err := f.engine.Deposit(ctx, alice, dai, daiUnits(5_000), alice); err == nil {
		t.Fatalf("expected deposit beyond balance to fail")
	}
	if got := f.ledger.BalanceOf(dai, alice); got.Cmp(daiUnits(600)) != 0 {
		t.Fatalf("failed deposit moved funds: %s", got)
	}
}

func TestBorrowRespectsLTVAndHealthFactor(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	if err := f.engine.Deposit(ctx, alice, dai, daiUnits(1_000), alice); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.Borrow(ctx, alice, usdc, usdcUnits(700), RateModeStable, alice); !errors.Is(err, ErrUnsupportedRateMode) {
		t.Fatalf("expected unsupported rate mode, got %v", err)
	}
	if err := f.engine.Borrow(ctx, alice, usdc, usdcUnits(700), RateModeVariable, alice); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	data, err := f.engine.GetUserAccountData(alice)
	if err != nil {
		t.Fatalf("account data: %v", err)
	}
	if data.TotalCollateralValue.Cmp(daiUnits(1_000)) != 0 || data.TotalDebtValue.Cmp(daiUnits(700)) != 0 {
		t.Fatalf("unexpected values: collateral %s debt %s", data.TotalCollateralValue, data.TotalDebtValue)
	}
	if data.LTVBps != 7_500 || data.CurrentLiquidationThresholdBps != 8_000 {
		t.Fatalf("unexpected weighted params: ltv %d lt %d", data.LTVBps, data.CurrentLiquidationThresholdBps)
	}
	wantHF, _ := new(big.Int).SetString("1142857142857142857", 10)
	if data.HealthFactor.Cmp(wantHF) != 0 {
		t.Fatalf("expected health factor %s, got %s", wantHF, data.HealthFactor)
	}
	if data.AvailableBorrowsValue.Cmp(daiUnits(50)) != 0 {
		t.Fatalf("expected 50 available, got %s", data.AvailableBorrowsValue)
	}

	err = f.engine.Borrow(ctx, alice, usdc, usdcUnits(100), RateModeVariable, alice)
	if !errors.Is(err, ErrCollateralCannotCoverBorrow) {
		t.Fatalf("expected collateral cannot cover, got %v", err)
	}
	if debt, _ := f.engine.DebtOf(alice, usdc); debt.Cmp(usdcUnits(700)) != 0 {
		t.Fatalf("rejected borrow changed debt: %s", debt)
	}
	if got := f.ledger.BalanceOf(usdc, alice); got.Cmp(usdcUnits(700)) != 0 {
		t.Fatalf("rejected borrow moved funds: %s", got)
	}

	if _, err := f.engine.Withdraw(ctx, alice, dai, daiUnits(200), alice); !errors.Is(err, ErrHealthCheckFailed) {
		t.Fatalf("expected health check failure, got %v", err)
	}
	if got, _ := f.engine.CollateralOf(alice, dai); got.Cmp(daiUnits(1_000)) != 0 {
		t.Fatalf("rejected withdraw burned receipts: %s", got)
	}
	withdrawn, err := f.engine.Withdraw(ctx, alice, dai, daiUnits(100), alice)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Cmp(daiUnits(100)) != 0 {
		t.Fatalf("expected 100 withdrawn, got %s", withdrawn)
	}
}

func TestRepayCapsAtDebt(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	if err := f.engine.Deposit(ctx, alice, dai, daiUnits(1_000), alice); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Repay(ctx, alice, usdc, usdcUnits(1), RateModeVariable, alice); !errors.Is(err, ErrNoDebtToRepay) {
		t.Fatalf("expected no debt, got %v", err)
	}
	if err := f.engine.Borrow(ctx, alice, usdc, usdcUnits(500), RateModeVariable, alice); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := f.ledger.Mint(usdc, alice, usdcUnits(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	paid, err := f.engine.Repay(ctx, alice, usdc, usdcUnits(10_000), RateModeVariable, alice)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if paid.Cmp(usdcUnits(500)) != 0 {
		t.Fatalf("expected repayment capped at 500, got %s", paid)
	}
	if got := f.ledger.BalanceOf(usdc, alice); got.Cmp(usdcUnits(100)) != 0 {
		t.Fatalf("expected 100 USDC left, got %s", got)
	}
	data, err := f.engine.GetUserAccountData(alice)
	if err != nil {
		t.Fatalf("account data: %v", err)
	}
	if data.TotalDebtValue.Sign() != 0 || data.HealthFactor.Cmp(levmath.MaxHealthFactor) != 0 {
		t.Fatalf("expected debt-free account, got debt %s hf %s", data.TotalDebtValue, data.HealthFactor)
	}
}

func TestCreditDelegation(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	if err := f.engine.Deposit(ctx, alice, dai, daiUnits(1_000), alice); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	err := f.engine.Borrow(ctx, bob, usdc, usdcUnits(60), RateModeVariable, alice)
	if !errors.Is(err, ErrBorrowAllowanceExceeded) {
		t.Fatalf("expected allowance error, got %v", err)
	}
	if err := f.engine.ApproveDelegation(alice, usdc, bob, usdcUnits(100)); err != nil {
		t.Fatalf("approve delegation: %v", err)
	}
	if err := f.engine.Borrow(ctx, bob, usdc, usdcUnits(60), RateModeVariable, alice); err != nil {
		t.Fatalf("delegated borrow: %v", err)
	}
	if got := f.ledger.BalanceOf(usdc, bob); got.Cmp(usdcUnits(60)) != 0 {
		t.Fatalf("expected bob to receive 60, got %s", got)
	}
	if debt, _ := f.engine.DebtOf(alice, usdc); debt.Cmp(usdcUnits(60)) != 0 {
		t.Fatalf("expected alice to owe 60, got %s", debt)
	}
	if left, _ := f.engine.BorrowAllowance(alice, usdc, bob); left.Cmp(usdcUnits(40)) != 0 {
		t.Fatalf("expected 40 allowance left, got %s", left)
	}
	if err := f.engine.Borrow(ctx, bob, usdc, usdcUnits(50), RateModeVariable, alice); !errors.Is(err, ErrBorrowAllowanceExceeded) {
		t.Fatalf("expected allowance exhausted, got %v", err)
	}
}

func TestWithdrawFromConsumesReceiptAllowance(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	if err := f.engine.Deposit(ctx, alice, dai, daiUnits(300), alice); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.WithdrawFrom(ctx, bob, dai, daiUnits(100), alice, bob); err == nil {
		t.Fatalf("expected withdraw without allowance to fail")
	}
	if err := f.ledger.Approve(daiReceipt, alice, bob, daiUnits(100)); err != nil {
		t.Fatalf("approve receipts: %v", err)
	}
	if _, err := f.engine.WithdrawFrom(ctx, bob, dai, daiUnits(100), alice, bob); err != nil {
		t.Fatalf("withdraw from: %v", err)
	}
	if got := f.ledger.BalanceOf(dai, bob); got.Cmp(daiUnits(100)) != 0 {
		t.Fatalf("expected bob to receive 100 DAI, got %s", got)
	}
	if got, _ := f.engine.CollateralOf(alice, dai); got.Cmp(daiUnits(200)) != 0 {
		t.Fatalf("expected 200 receipts left, got %s", got)
	}
	if got := f.ledger.Allowance(daiReceipt, alice, bob); got.Sign() != 0 {
		t.Fatalf("expected allowance consumed, got %s", got)
	}
}

func TestFlashLoanRepaidWithPremium(t *testing.T) {
	f := newPoolFixture(t)
	if err := f.ledger.Mint(usdc, flashBorrower, usdcUnits(1)); err != nil {
		t.Fatalf("mint premium: %v", err)
	}
	receiver := &flashReceiver{ledger: f.ledger, addr: flashBorrower, repay: true}
	err := f.engine.FlashLoan(context.Background(), alice, receiver, []common.Address{usdc}, []*big.Int{usdcUnits(1_000)}, []byte("x"))
	if err != nil {
		t.Fatalf("flash loan: %v", err)
	}
	if len(receiver.calls) != 1 {
		t.Fatalf("expected one callback, got %d", len(receiver.calls))
	}
	call := receiver.calls[0]
	if call.Initiator != alice || call.Pool != poolAddr || string(call.Params) != "x" {
		t.Fatalf("unexpected callback payload: %+v", call)
	}
	if call.Premiums[0].Cmp(big.NewInt(900_000)) != 0 {
		t.Fatalf("expected 9 bps premium, got %s", call.Premiums[0])
	}
	if got := f.ledger.BalanceOf(usdc, usdcReceipt); got.Cmp(big.NewInt(10_000_900_000)) != 0 {
		t.Fatalf("expected liquidity to grow by the premium, got %s", got)
	}
	if got := f.ledger.BalanceOf(usdc, flashBorrower); got.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("expected 0.1 USDC left with borrower, got %s", got)
	}
}

func TestFlashLoanNotRepaidReverts(t *testing.T) {
	f := newPoolFixture(t)
	receiver := &flashReceiver{ledger: f.ledger, addr: flashBorrower}
	err := f.engine.FlashLoan(context.Background(), alice, receiver, []common.Address{usdc}, []*big.Int{usdcUnits(1_000)}, nil)
	if !errors.Is(err, ErrFlashLoanNotRepaid) {
		t.Fatalf("expected not repaid, got %v", err)
	}
	if got := f.ledger.BalanceOf(usdc, flashBorrower); got.Sign() != 0 {
		t.Fatalf("expected loaned funds rolled back, got %s", got)
	}
	if got := f.ledger.BalanceOf(usdc, usdcReceipt); got.Cmp(usdcUnits(10_000)) != 0 {
		t.Fatalf("expected liquidity restored, got %s", got)
	}

	err = f.engine.FlashLoan(context.Background(), alice, receiver, []common.Address{usdc, usdc}, []*big.Int{usdcUnits(1), usdcUnits(1)}, nil)
	if !errors.Is(err, ErrInvalidFlashLoan) {
		t.Fatalf("expected duplicate asset rejection, got %v", err)
	}
	err = f.engine.FlashLoan(context.Background(), alice, receiver, []common.Address{usdc}, []*big.Int{usdcUnits(20_000)}, nil)
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
}

func TestAdminOperations(t *testing.T) {
	f := newPoolFixture(t)
	if err := f.engine.AddReserve(alice, ReserveConfig{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	cfg, err := f.engine.ReserveConfig(dai)
	if err != nil {
		t.Fatalf("reserve config: %v", err)
	}
	if err := f.engine.AddReserve(poolAdmin, cfg); !errors.Is(err, ErrReserveExists) {
		t.Fatalf("expected duplicate reserve, got %v", err)
	}
	if err := f.engine.SetFlashLoanPremium(poolAdmin, 5); err != nil {
		t.Fatalf("set premium: %v", err)
	}
	if f.engine.FlashLoanPremiumBps() != 5 {
		t.Fatalf("premium not updated")
	}
	bad := ReserveConfig{Asset: bob, ReceiptToken: alice, DebtToken: supplier, LTVBps: 9_000, LiquidationThresholdBps: 8_000}
	if err := f.engine.AddReserve(poolAdmin, bad); err == nil {
		t.Fatalf("expected LTV above threshold to be rejected")
	}
}
