// Package leveragetest assembles a complete leverage deployment on an
// in-memory ledger for scenario tests: a DAI/USDC StableSwap pool whose LP
// token is the collateral, a batch-swap vault and a fee-tiered pair router as
// alternative venues, a lending pool listing the LP token and USDC, the
// collateral vault, the whitelist, the manager and the engine itself.
package leveragetest

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"levlend/core/state"
	"levlend/crypto"
	nativecommon "levlend/native/common"
	"levlend/native/lending"
	"levlend/native/leverage"
	"levlend/native/levmanager"
	"levlend/native/levmath"
	"levlend/native/oracle"
	"levlend/native/router"
	"levlend/native/vault"
	"levlend/native/venues"
	"levlend/native/whitelist"
)

var (
	Admin    = crypto.DeriveAddress("leveragetest/admin")
	Provider = crypto.DeriveAddress("leveragetest/provider")
	Supplier = crypto.DeriveAddress("leveragetest/supplier")

	DAI         = crypto.DeriveAddress("leveragetest/dai")
	USDC        = crypto.DeriveAddress("leveragetest/usdc")
	USDCReceipt = crypto.DeriveAddress("leveragetest/ausdc")
	USDCDebt    = crypto.DeriveAddress("leveragetest/vusdc")
	LP          = crypto.DeriveAddress("leveragetest/crv-lp")
	LPReceipt   = crypto.DeriveAddress("leveragetest/acrv-lp")
	LPDebt      = crypto.DeriveAddress("leveragetest/vcrv-lp")

	PoolAddress     = crypto.DeriveAddress("leveragetest/lending-pool")
	VaultAddress    = crypto.DeriveAddress("leveragetest/vault")
	EngineAddress   = crypto.DeriveAddress("leveragetest/engine")
	CurveAddress    = crypto.DeriveAddress("leveragetest/curve")
	BalancerAddress = crypto.DeriveAddress("leveragetest/balancer")
	UniswapAddress  = crypto.DeriveAddress("leveragetest/uniswap")

	BalancerPool = venues.PoolID{0x4c, 0x50}
)

const (
	// Coin indices of the StableSwap pool.
	DAIIndex  = 0
	USDCIndex = 1

	// ExitSlippageBps bounds vault withdrawals made by the engine.
	ExitSlippageBps = 100
)

// LPUnits returns v whole LP tokens.
func LPUnits(v int64) *big.Int { return new(big.Int).Mul(big.NewInt(v), levmath.Wad) }

// USDCUnits returns v whole USDC.
func USDCUnits(v int64) *big.Int { return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000)) }

func units(v int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

var maxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))

// Fixture is a wired deployment. Every component shares Ledger, so a
// snapshot of it covers the whole system.
type Fixture struct {
	Ledger    *state.Ledger
	Oracle    *oracle.Oracle
	Pool      *lending.Engine
	Curve     *venues.CurvePool
	Balancer  *venues.BalancerVault
	Uniswap   *venues.UniswapRouter
	Venues    *router.Registry
	Router    *router.Router
	Vault     *vault.Vault
	Whitelist *whitelist.Whitelist
	Manager   *levmanager.Manager
	Engine    *leverage.Engine
	Pauses    *nativecommon.PauseSet
	// Guard is the engine's call guard. Engines built on top of the
	// fixture share it to exclude each other.
	Guard     *nativecommon.CallGuard
}

// New deploys and seeds every component.
func New(t testing.TB) *Fixture {
	t.Helper()
	ctx := context.Background()
	ledger := state.NewLedger()

	prices := oracle.New(Admin)
	for _, asset := range []common.Address{DAI, USDC, LP} {
		require.NoError(t, prices.SetAssetPrice(Admin, asset, levmath.Wad))
	}

	curve, err := venues.NewCurvePool(ledger, venues.CurvePoolConfig{
		Address:  CurveAddress,
		Coins:    []common.Address{DAI, USDC},
		Decimals: []uint8{18, 6},
		LPToken:  LP,
		A:        200,
		Fee:      4_000_000,
	})
	require.NoError(t, err)
	balancer := venues.NewBalancerVault(ledger, BalancerAddress)
	_, err = balancer.RegisterPool(BalancerPool, USDC, LP, 5)
	require.NoError(t, err)
	uniswap := venues.NewUniswapRouter(ledger, UniswapAddress)
	_, err = uniswap.CreatePool(USDC, DAI, venues.FeeTierLow)
	require.NoError(t, err)

	mint := func(token common.Address, amount *big.Int, spenders ...common.Address) {
		require.NoError(t, ledger.Mint(token, Provider, amount))
		for _, s := range spenders {
			require.NoError(t, ledger.Approve(token, Provider, s, maxAllowance))
		}
	}
	mint(DAI, units(12_000_000, 18), CurveAddress, UniswapAddress)
	mint(USDC, units(14_000_000, 6), CurveAddress, BalancerAddress, UniswapAddress)
	_, err = curve.AddLiquidity(ctx, Provider, []*big.Int{units(10_000_000, 18), units(10_000_000, 6)}, nil, Provider)
	require.NoError(t, err)
	require.NoError(t, ledger.Approve(LP, Provider, BalancerAddress, maxAllowance))
	require.NoError(t, balancer.JoinPool(ctx, Provider, BalancerPool, [2]*big.Int{units(2_000_000, 6), units(2_000_000, 18)}))
	require.NoError(t, uniswap.AddLiquidity(ctx, Provider, USDC, DAI, venues.FeeTierLow, units(2_000_000, 6), units(2_000_000, 18)))

	registry := router.NewRegistry()
	registry.RegisterCurve(curve)
	registry.RegisterBalancer(balancer)
	registry.RegisterUniswap(uniswap)
	swaps := router.New(ledger, registry)

	pool := lending.NewEngine(ledger, prices, PoolAddress, Admin)
	require.NoError(t, pool.AddReserve(Admin, lending.ReserveConfig{
		Asset:                   LP,
		Decimals:                18,
		LTVBps:                  9_000,
		LiquidationThresholdBps: 9_300,
		ReceiptToken:            LPReceipt,
		DebtToken:               LPDebt,
	}))
	require.NoError(t, pool.AddReserve(Admin, lending.ReserveConfig{
		Asset:                   USDC,
		Decimals:                6,
		LTVBps:                  8_000,
		LiquidationThresholdBps: 8_500,
		ReceiptToken:            USDCReceipt,
		DebtToken:               USDCDebt,
		BorrowingEnabled:        true,
	}))
	liquidity := units(5_000_000, 6)
	require.NoError(t, ledger.Mint(USDC, Supplier, liquidity))
	require.NoError(t, ledger.Approve(USDC, Supplier, PoolAddress, liquidity))
	require.NoError(t, pool.Deposit(ctx, Supplier, USDC, liquidity, Supplier))

	list := whitelist.New(ledger, Admin)
	list.SetEmitter(ledger)
	pauses := nativecommon.NewPauseSet()

	collateralVault, err := vault.New(ledger, pool, VaultAddress, LP)
	require.NoError(t, err)
	collateralVault.SetGate(list)
	collateralVault.SetPauses(pauses)

	engine, err := leverage.New(ledger, pool, collateralVault, prices, swaps, leverage.Config{
		Address:      EngineAddress,
		BorrowAssets: []leverage.BorrowAsset{{Asset: USDC, SlippageBps: ExitSlippageBps}},
	})
	require.NoError(t, err)
	engine.SetWhitelist(list)
	engine.SetPauses(pauses)
	guard := &nativecommon.CallGuard{}
	engine.SetGuard(guard)

	manager := levmanager.New(ledger, Admin)
	manager.SetEmitter(ledger)
	manager.Attach(engine)
	require.NoError(t, manager.SetLevSwapper(Admin, LP, EngineAddress))

	return &Fixture{
		Ledger:    ledger,
		Oracle:    prices,
		Pool:      pool,
		Curve:     curve,
		Balancer:  balancer,
		Uniswap:   uniswap,
		Venues:    registry,
		Router:    swaps,
		Vault:     collateralVault,
		Whitelist: list,
		Manager:   manager,
		Engine:    engine,
		Pauses:    pauses,
		Guard:     guard,
	}
}

// Fund hands user amount of LP out of the provider's liquidity position.
func (f *Fixture) Fund(t testing.TB, user common.Address, amount *big.Int) {
	t.Helper()
	require.NoError(t, f.Ledger.Transfer(LP, Provider, user, amount))
}

// Authorize grants the engine what it needs to act for user: the LP
// principal, the vault receipts and USDC credit delegation.
func (f *Fixture) Authorize(t testing.TB, user common.Address) {
	t.Helper()
	require.NoError(t, f.Ledger.Approve(LP, user, EngineAddress, maxAllowance))
	require.NoError(t, f.Ledger.Approve(LPReceipt, user, EngineAddress, maxAllowance))
	require.NoError(t, f.Pool.ApproveDelegation(user, USDC, EngineAddress, maxAllowance))
}

// lpFor converts a USDC amount to LP units at the oracle's 1:1 price and
// keeps minBps of it.
func lpFor(usdc *big.Int, minBps uint64) *big.Int {
	out := new(big.Int).Mul(usdc, big.NewInt(1_000_000_000_000))
	return levmath.PercentMulDown(out, minBps)
}

func (f *Fixture) curveDeposit(token common.Address, index int) router.Hop {
	return router.Hop{Venue: router.VenueCurve, Op: router.OpAddLiquidity, Pool: CurveAddress, TokenIn: token, TokenOut: LP, I: index, NCoins: 2}
}

// CurveEntryInfo routes the flash-borrowed USDC into LP with a single-sided
// StableSwap deposit, accepting no less than 98% of the LP at par.
func (f *Fixture) CurveEntryInfo(flash *big.Int) router.Info {
	var info router.Info
	info.Paths[0] = router.Path{
		Hops:      []router.Hop{f.curveDeposit(USDC, USDCIndex)},
		SwapFrom:  USDC,
		SwapTo:    LP,
		InAmount:  new(big.Int).Set(flash),
		OutAmount: lpFor(flash, 9_800),
	}
	return info
}

// MultiHopEntryInfo swaps USDC into DAI on the pair router and deposits the
// DAI into the StableSwap pool.
func (f *Fixture) MultiHopEntryInfo(flash *big.Int) router.Info {
	var info router.Info
	info.Paths[1] = router.Path{
		Hops: []router.Hop{
			{Venue: router.VenueUniswapV3, Op: router.OpExactInputSingle, Pool: UniswapAddress, TokenIn: USDC, TokenOut: DAI, Fee: venues.FeeTierLow},
			f.curveDeposit(DAI, DAIIndex),
		},
		SwapFrom:  USDC,
		SwapTo:    LP,
		InAmount:  new(big.Int).Set(flash),
		OutAmount: lpFor(flash, 9_800),
	}
	return info
}

// SplitEntryInfo splits the flash-borrowed USDC evenly between the
// StableSwap deposit and the batch-swap vault.
func (f *Fixture) SplitEntryInfo(flash *big.Int) router.Info {
	half := new(big.Int).Quo(flash, big.NewInt(2))
	rest := new(big.Int).Sub(flash, half)
	var info router.Info
	info.PathLength = 2
	info.Paths[0] = router.Path{
		Hops:      []router.Hop{f.curveDeposit(USDC, USDCIndex)},
		SwapFrom:  USDC,
		SwapTo:    LP,
		InAmount:  half,
		OutAmount: lpFor(half, 9_800),
	}
	info.Paths[1] = router.Path{
		Hops:      []router.Hop{{Venue: router.VenueBalancer, Op: router.OpBatchSwap, Pool: BalancerAddress, TokenIn: USDC, TokenOut: LP, PoolID: BalancerPool}},
		SwapFrom:  USDC,
		SwapTo:    LP,
		InAmount:  rest,
		OutAmount: lpFor(rest, 9_800),
	}
	return info
}

// Owed returns repay plus the flash loan premium the pool charges on it.
func (f *Fixture) Owed(repay *big.Int) *big.Int {
	return levmath.ComputeRepayWithPremium(repay, f.Pool.FlashLoanPremiumBps())
}

// ExitLPFor returns the smallest LP amount, in 0.1% steps above par, whose
// single-coin StableSwap withdrawal currently quotes at least owed USDC.
func (f *Fixture) ExitLPFor(t testing.TB, owed *big.Int) *big.Int {
	t.Helper()
	in := lpFor(owed, 10_000)
	for range 100 {
		quote, err := f.Curve.CalcWithdrawOneCoin(in, USDCIndex)
		require.NoError(t, err)
		if quote.Cmp(owed) >= 0 {
			return in
		}
		in.Add(in, new(big.Int).Quo(in, big.NewInt(1_000)))
	}
	t.Fatalf("no LP amount covers %s USDC", owed)
	return nil
}

// CurveExitInfo routes lpIn back into USDC with a single-coin StableSwap
// withdrawal that must return at least owed.
func (f *Fixture) CurveExitInfo(lpIn, owed *big.Int) router.Info {
	var info router.Info
	info.ReversePaths[0] = router.Path{
		Hops:      []router.Hop{{Venue: router.VenueCurve, Op: router.OpRemoveLiquidityOneCoin, Pool: CurveAddress, TokenIn: LP, TokenOut: USDC, J: USDCIndex, NCoins: 2}},
		SwapFrom:  LP,
		SwapTo:    USDC,
		InAmount:  new(big.Int).Set(lpIn),
		OutAmount: new(big.Int).Set(owed),
	}
	return info
}

// Enter levers principal at leverageBps through the StableSwap route.
func (f *Fixture) Enter(ctx context.Context, user common.Address, principal *big.Int, leverageBps uint64) (*leverage.EnterResult, error) {
	flash, err := f.Engine.FlashAmount(principal, leverageBps, USDC)
	if err != nil {
		return nil, err
	}
	return f.Engine.EnterPositionWithFlashloan(ctx, user, principal, leverageBps, USDC, 0, f.CurveEntryInfo(flash))
}

// Exit repays repay of the user's USDC debt and withdraws withdraw LP,
// sizing the StableSwap withdrawal to cover the flash loan.
func (f *Fixture) Exit(ctx context.Context, t testing.TB, user common.Address, repay, withdraw *big.Int) (*leverage.ExitResult, error) {
	t.Helper()
	owed := f.Owed(repay)
	lpIn := f.ExitLPFor(t, owed)
	return f.Engine.WithdrawWithFlashloan(ctx, user, repay, withdraw, USDC, LPReceipt, 0, f.CurveExitInfo(lpIn, owed))
}

// Debt returns the user's USDC debt.
func (f *Fixture) Debt(t testing.TB, user common.Address) *big.Int {
	t.Helper()
	debt, err := f.Pool.DebtOf(user, USDC)
	require.NoError(t, err)
	return debt
}

// HealthFactor returns the user's health factor.
func (f *Fixture) HealthFactor(t testing.TB, user common.Address) *big.Int {
	t.Helper()
	data, err := f.Pool.GetUserAccountData(user)
	require.NoError(t, err)
	return data.HealthFactor
}

// WalletValue returns the 1e18-scaled oracle value of the LP and USDC the
// user holds outside the lending pool.
func (f *Fixture) WalletValue(t testing.TB, user common.Address) *big.Int {
	t.Helper()
	lpPrice, err := f.Oracle.GetAssetPrice(LP)
	require.NoError(t, err)
	usdcPrice, err := f.Oracle.GetAssetPrice(USDC)
	require.NoError(t, err)
	value := levmath.Value(f.Ledger.BalanceOf(LP, user), lpPrice, 18)
	return value.Add(value, levmath.Value(f.Ledger.BalanceOf(USDC, user), usdcPrice, 6))
}

// Balances captures every balance a leverage call can touch.
type Balances map[string]*big.Int

// Capture records the balances of accounts in every token of the
// deployment, plus the venue and pool reserves.
func (f *Fixture) Capture(accounts ...common.Address) Balances {
	tokens := []common.Address{DAI, USDC, USDCReceipt, USDCDebt, LP, LPReceipt, LPDebt}
	holders := append([]common.Address{EngineAddress, VaultAddress, PoolAddress, CurveAddress, USDCReceipt, LPReceipt, Provider}, accounts...)
	out := make(Balances, len(tokens)*(len(holders)+1))
	for _, token := range tokens {
		out["supply/"+token.Hex()] = f.Ledger.TotalSupply(token)
		for _, holder := range holders {
			out[token.Hex()+"/"+holder.Hex()] = f.Ledger.BalanceOf(token, holder)
		}
	}
	return out
}

// RequireUnchanged fails when any balance captured in before differs now.
func (f *Fixture) RequireUnchanged(t testing.TB, before Balances, accounts ...common.Address) {
	t.Helper()
	after := f.Capture(accounts...)
	for key, want := range before {
		got, ok := after[key]
		require.Truef(t, ok, "balance %s disappeared", key)
		require.Zerof(t, want.Cmp(got), "balance %s changed from %s to %s", key, want, got)
	}
}
