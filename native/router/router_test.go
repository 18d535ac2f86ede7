package router

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/state"
	"levlend/crypto"
	"levlend/native/venues"
)

var (
	dai  = crypto.DeriveAddress("router-test/dai")
	usdc = crypto.DeriveAddress("router-test/usdc")
	usdt = crypto.DeriveAddress("router-test/usdt")
	lp   = crypto.DeriveAddress("router-test/lp")

	lpProvider = crypto.DeriveAddress("router-test/provider")
	swapper    = crypto.DeriveAddress("router-test/swapper")

	balancerPool = venues.PoolID{0x01}
)

type fixture struct {
	ledger   *state.Ledger
	router   *Router
	curve    *venues.CurvePool
	balancer *venues.BalancerVault
	uniswap  *venues.UniswapRouter
}

func amount(v int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ledger := state.NewLedger()

	curve, err := venues.NewCurvePool(ledger, venues.CurvePoolConfig{
		Address:  crypto.DeriveAddress("router-test/curve"),
		Coins:    []common.Address{dai, usdc},
		Decimals: []uint8{18, 6},
		LPToken:  lp,
		A:        200,
		Fee:      4_000_000,
	})
	mustNoErr(t, err)
	balancer := venues.NewBalancerVault(ledger, crypto.DeriveAddress("router-test/balancer"))
	_, err = balancer.RegisterPool(balancerPool, usdt, usdc, 5)
	mustNoErr(t, err)
	uniswap := venues.NewUniswapRouter(ledger, crypto.DeriveAddress("router-test/uniswap"))
	_, err = uniswap.CreatePool(usdt, dai, venues.FeeTierLow)
	mustNoErr(t, err)

	mint := func(token common.Address, v *big.Int, spenders ...common.Address) {
		mustNoErr(t, ledger.Mint(token, lpProvider, v))
		for _, s := range spenders {
			mustNoErr(t, ledger.Approve(token, lpProvider, s, v))
		}
	}
	mint(dai, amount(3_000_000, 18), curve.Address(), uniswap.Address())
	mint(usdc, amount(3_000_000, 6), curve.Address(), balancer.Address())
	mint(usdt, amount(3_000_000, 6), balancer.Address(), uniswap.Address())

	_, err = curve.AddLiquidity(ctx, lpProvider, []*big.Int{amount(1_000_000, 18), amount(1_000_000, 6)}, nil, lpProvider)
	mustNoErr(t, err)
	mustNoErr(t, balancer.JoinPool(ctx, lpProvider, balancerPool, [2]*big.Int{amount(1_000_000, 6), amount(1_000_000, 6)}))
	mustNoErr(t, uniswap.AddLiquidity(ctx, lpProvider, usdt, dai, venues.FeeTierLow, amount(1_000_000, 6), amount(1_000_000, 18)))

	registry := NewRegistry()
	registry.RegisterCurve(curve)
	registry.RegisterBalancer(balancer)
	registry.RegisterUniswap(uniswap)
	return &fixture{ledger: ledger, router: New(ledger, registry), curve: curve, balancer: balancer, uniswap: uniswap}
}

func (f *fixture) curveDeposit(token common.Address, index int) Hop {
	return Hop{Venue: VenueCurve, Op: OpAddLiquidity, Pool: f.curve.Address(), TokenIn: token, TokenOut: lp, I: index, NCoins: 2}
}

func (f *fixture) usdtToDAI() Hop {
	return Hop{Venue: VenueUniswapV3, Op: OpExactInputSingle, Pool: f.uniswap.Address(), TokenIn: usdt, TokenOut: dai, Fee: venues.FeeTierLow}
}

func (f *fixture) usdcToUSDT() Hop {
	return Hop{Venue: VenueBalancer, Op: OpBatchSwap, Pool: f.balancer.Address(), TokenIn: usdc, TokenOut: usdt, PoolID: balancerPool}
}

func TestExecuteSwapPathChainsVenues(t *testing.T) {
	f := newFixture(t)
	in := amount(1_000, 6)
	mustNoErr(t, f.ledger.Mint(usdt, swapper, in))

	path := Path{
		Hops:      []Hop{f.usdtToDAI(), f.curveDeposit(dai, 0)},
		SwapFrom:  usdt,
		SwapTo:    lp,
		InAmount:  in,
		OutAmount: amount(990, 18),
	}
	out, err := f.router.ExecuteSwapPath(context.Background(), swapper, path)
	mustNoErr(t, err)
	if out.Cmp(amount(990, 18)) < 0 || out.Cmp(amount(1_000, 18)) > 0 {
		t.Fatalf("unexpected LP output %s", out)
	}
	if got := f.ledger.BalanceOf(lp, swapper); got.Cmp(out) != 0 {
		t.Fatalf("LP balance %s, want %s", got, out)
	}
	if bal := f.ledger.BalanceOf(usdt, swapper); bal.Sign() != 0 {
		t.Fatalf("input not fully spent: %s", bal)
	}
	if bal := f.ledger.BalanceOf(dai, swapper); bal.Sign() != 0 {
		t.Fatalf("intermediate token left behind: %s", bal)
	}
	if allowance := f.ledger.Allowance(dai, swapper, f.curve.Address()); allowance.Sign() != 0 {
		t.Fatalf("allowance not cleared: %s", allowance)
	}
	hops := 0
	for _, evt := range f.ledger.Events() {
		if evt.Type == "router.hop" {
			hops++
		}
	}
	if hops != 2 {
		t.Fatalf("expected 2 hop events, got %d", hops)
	}
}

func TestExecuteSwapPathSlippageRevertsEveryHop(t *testing.T) {
	f := newFixture(t)
	in := amount(1_000, 6)
	mustNoErr(t, f.ledger.Mint(usdt, swapper, in))
	poolDAI := f.ledger.BalanceOf(dai, f.curve.Address())
	events := len(f.ledger.Events())

	path := Path{
		Hops:      []Hop{f.usdtToDAI(), f.curveDeposit(dai, 0)},
		SwapFrom:  usdt,
		SwapTo:    lp,
		InAmount:  in,
		OutAmount: amount(1_001, 18),
	}
	_, err := f.router.ExecuteSwapPath(context.Background(), swapper, path)
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected slippage error, got %v", err)
	}
	if bal := f.ledger.BalanceOf(usdt, swapper); bal.Cmp(in) != 0 {
		t.Fatalf("input not restored: %s", bal)
	}
	if bal := f.ledger.BalanceOf(lp, swapper); bal.Sign() != 0 {
		t.Fatalf("LP minted despite failure: %s", bal)
	}
	if bal := f.ledger.BalanceOf(dai, f.curve.Address()); bal.Cmp(poolDAI) != 0 {
		t.Fatalf("pool balance changed: %s vs %s", bal, poolDAI)
	}
	if got := len(f.ledger.Events()); got != events {
		t.Fatalf("events of reverted hops kept: %d vs %d", got, events)
	}
}

func TestExecuteSwapInfoSplitsAcrossPaths(t *testing.T) {
	f := newFixture(t)
	total := amount(1_000, 6)
	mustNoErr(t, f.ledger.Mint(usdc, swapper, total))

	info := Info{PathLength: 2}
	info.Paths[0] = Path{
		Hops:      []Hop{f.curveDeposit(usdc, 1)},
		SwapFrom:  usdc,
		SwapTo:    lp,
		InAmount:  amount(3, 6),
		OutAmount: amount(29, 17),
	}
	info.Paths[1] = Path{
		Hops:      []Hop{f.usdcToUSDT(), f.usdtToDAI(), f.curveDeposit(dai, 0)},
		SwapFrom:  usdc,
		SwapTo:    lp,
		InAmount:  amount(2, 6),
		OutAmount: amount(19, 17),
	}
	if err := ValidateSwapInfo(info, usdc, lp, false); err != nil {
		t.Fatalf("validate: %v", err)
	}
	declared, err := info.DeclaredIn(false, 0)
	mustNoErr(t, err)
	if declared.Cmp(amount(5, 6)) != 0 {
		t.Fatalf("declared input %s", declared)
	}

	out, err := f.router.ExecuteSwapInfo(context.Background(), swapper, info, false, 0, total)
	mustNoErr(t, err)
	if out.Cmp(amount(990, 18)) < 0 {
		t.Fatalf("split output too low: %s", out)
	}
	if bal := f.ledger.BalanceOf(usdc, swapper); bal.Sign() != 0 {
		t.Fatalf("split left %s unspent", bal)
	}
	if bal := f.ledger.BalanceOf(usdt, f.balancer.Address()); bal.Sign() != 0 {
		t.Fatalf("balancer vault kept %s", bal)
	}

	// A bound scaled with the share still applies to each path.
	mustNoErr(t, f.ledger.Mint(usdc, swapper, total))
	info.Paths[1].OutAmount = amount(21, 17)
	if _, err := f.router.ExecuteSwapInfo(context.Background(), swapper, info, false, 0, total); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected slippage error on the second path, got %v", err)
	}
	if bal := f.ledger.BalanceOf(usdc, swapper); bal.Cmp(total) != 0 {
		t.Fatalf("first path not reverted: %s", bal)
	}
}

func TestExecuteSwapInfoRouteIndexAndReverse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mustNoErr(t, f.ledger.Mint(usdc, swapper, amount(500, 6)))

	var info Info
	info.Paths[2] = Path{Hops: []Hop{f.curveDeposit(usdc, 1)}, SwapFrom: usdc, SwapTo: lp, InAmount: amount(500, 6)}
	info.ReversePaths[0] = Path{
		Hops:     []Hop{{Venue: VenueCurve, Op: OpRemoveLiquidityOneCoin, Pool: f.curve.Address(), TokenIn: lp, TokenOut: usdc, J: 1, NCoins: 2}},
		SwapFrom: lp,
		SwapTo:   usdc,
		InAmount: amount(1, 18),
	}
	if _, err := f.router.ExecuteSwapInfo(ctx, swapper, info, false, 0, amount(500, 6)); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected empty route to be rejected, got %v", err)
	}
	minted, err := f.router.ExecuteSwapInfo(ctx, swapper, info, false, 2, amount(500, 6))
	mustNoErr(t, err)

	back, err := f.router.ExecuteSwapInfo(ctx, swapper, info, true, 0, minted)
	mustNoErr(t, err)
	if back.Cmp(amount(499, 6)) < 0 || back.Cmp(amount(500, 6)) > 0 {
		t.Fatalf("round trip returned %s", back)
	}
	if bal := f.ledger.BalanceOf(lp, swapper); bal.Sign() != 0 {
		t.Fatalf("LP left after reverse swap: %s", bal)
	}
}

func TestValidateSwapInfoRejectsMalformedPaths(t *testing.T) {
	f := newFixture(t)
	good := Path{Hops: []Hop{f.curveDeposit(usdc, 1)}, SwapFrom: usdc, SwapTo: lp, InAmount: big.NewInt(1)}

	cases := []struct {
		name string
		info func() Info
		want error
	}{
		{"path length", func() Info { return Info{PathLength: 4} }, ErrInvalidSwapInfo},
		{"no path", func() Info { return Info{} }, ErrInvalidSwapInfo},
		{"wrong assets", func() Info {
			var i Info
			i.Paths[0] = good
			i.Paths[0].SwapFrom = dai
			return i
		}, ErrInvalidSwapInfo},
		{"op not valid for venue", func() Info {
			var i Info
			i.Paths[0] = good
			i.Paths[0].Hops = []Hop{{Venue: VenueBalancer, Op: OpExchange, Pool: f.balancer.Address(), TokenIn: usdc, TokenOut: lp}}
			return i
		}, ErrInvalidHop},
		{"broken chain", func() Info {
			var i Info
			i.Paths[0] = good
			i.Paths[0].Hops = []Hop{f.usdcToUSDT(), f.curveDeposit(dai, 0)}
			return i
		}, ErrInvalidPath},
		{"too many hops", func() Info {
			var i Info
			i.Paths[0] = good
			hop := f.curveDeposit(usdc, 1)
			i.Paths[0].Hops = []Hop{hop, hop, hop, hop, hop}
			return i
		}, ErrInvalidPath},
		{"sentinel beyond path length", func() Info {
			i := Info{PathLength: 2}
			i.Paths[0], i.Paths[1], i.Paths[2] = good, good, good
			return i
		}, ErrInvalidSwapInfo},
		{"zero input", func() Info {
			var i Info
			i.Paths[0] = good
			i.Paths[0].InAmount = new(big.Int)
			return i
		}, ErrInvalidPath},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSwapInfo(tc.info(), usdc, lp, false)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestExecuteSwapPathUnknownVenue(t *testing.T) {
	f := newFixture(t)
	mustNoErr(t, f.ledger.Mint(usdc, swapper, amount(10, 6)))
	hop := f.curveDeposit(usdc, 1)
	hop.Pool = crypto.DeriveAddress("router-test/missing")
	_, err := f.router.ExecuteSwapPath(context.Background(), swapper, Path{Hops: []Hop{hop}, SwapFrom: usdc, SwapTo: lp, InAmount: amount(10, 6)})
	if !errors.Is(err, ErrUnknownVenue) {
		t.Fatalf("expected unknown venue, got %v", err)
	}
}
