// Package router executes swap paths across heterogeneous venues. A path is a
// chain of up to four hops; a SwapInfo carries up to three parallel paths per
// direction and the router splits an input across them proportionally.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"levlend/core/events"
	"levlend/native/levmath"
	"levlend/native/venues"
	"levlend/observability"
)

// Ledger is the token surface the router needs to fund venue calls.
type Ledger interface {
	BalanceOf(token, owner common.Address) *big.Int
	Approve(token, owner, spender common.Address, amount *big.Int) error
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	Emit(evt events.Event)
}

// Router dispatches hops to the registered venues. Swaps are executed on
// behalf of the caller passed to each method: inputs are taken from and
// outputs paid to that account.
type Router struct {
	ledger  Ledger
	venues  Venues
	logger  *slog.Logger
	metrics *observability.RouterMetrics
	tracer  trace.Tracer
	clock   func() time.Time
}

func New(ledger Ledger, venues Venues) *Router {
	return &Router{
		ledger:  ledger,
		venues:  venues,
		logger:  slog.Default().With("component", "router"),
		metrics: observability.Router(),
		tracer:  otel.Tracer("levlend/router"),
		clock:   time.Now,
	}
}

// SetLogger replaces the router logger.
func (r *Router) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger.With("component", "router")
	}
}

// SetClock overrides the time source used for hop latency metrics.
func (r *Router) SetClock(clock func() time.Time) {
	if clock != nil {
		r.clock = clock
	}
}

// ExecuteSwapPath runs every hop of path for from, feeding each hop's output
// into the next, and fails with ErrSlippageExceeded when the final output is
// below path.OutAmount. The path is atomic: a failing hop reverts the earlier
// ones.
func (r *Router) ExecuteSwapPath(ctx context.Context, from common.Address, path Path) (*big.Int, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	ctx, span := r.tracer.Start(ctx, "router.execute_path", trace.WithAttributes(
		attribute.String("swap_from", path.SwapFrom.Hex()),
		attribute.String("swap_to", path.SwapTo.Hex()),
		attribute.Int("hops", len(path.Hops)),
	))
	defer span.End()

	var out *big.Int
	err := r.ledger.Execute(ctx, func(ctx context.Context) error {
		amount := new(big.Int).Set(path.InAmount)
		for k, hop := range path.Hops {
			next, err := r.executeHop(ctx, from, hop, amount)
			if err != nil {
				return fmt.Errorf("hop %d (%s %s): %w", k, hop.Venue, hop.Op, err)
			}
			amount = next
		}
		if path.OutAmount != nil && amount.Cmp(path.OutAmount) < 0 {
			r.metrics.RecordSlippageRejection()
			return fmt.Errorf("%w: got %s, minimum %s", ErrSlippageExceeded, amount, path.OutAmount)
		}
		out = amount
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("amount_out", out.String()))
	return out, nil
}

// ExecuteSwapInfo swaps totalIn using the forward or reverse paths of info.
// With a single active path, routeIndex selects it; otherwise totalIn is split
// across the first PathLength paths in proportion to their declared InAmount,
// the remainder going to the last path. Each path's OutAmount is scaled by the
// same proportion as its input and enforced separately.
func (r *Router) ExecuteSwapInfo(ctx context.Context, from common.Address, info Info, reverse bool, routeIndex int, totalIn *big.Int) (*big.Int, error) {
	if totalIn == nil || totalIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: input amount must be positive", ErrInvalidPath)
	}
	if info.PathLength < 0 || info.PathLength > MaxPaths {
		return nil, fmt.Errorf("%w: path length %d", ErrInvalidSwapInfo, info.PathLength)
	}
	paths, err := info.selected(reverse, routeIndex)
	if err != nil {
		return nil, err
	}
	weights := make([]*big.Int, len(paths))
	for k, p := range paths {
		if p.InAmount == nil || p.InAmount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: path %d has no declared input", ErrInvalidSwapInfo, k)
		}
		weights[k] = p.InAmount
	}
	shares, err := levmath.SplitProportionally(totalIn, weights)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSwapInfo, err)
	}

	total := new(big.Int)
	err = r.ledger.Execute(ctx, func(ctx context.Context) error {
		for k, p := range paths {
			if shares[k].Sign() == 0 {
				continue
			}
			scaled := p
			scaled.InAmount = shares[k]
			if p.OutAmount != nil {
				scaled.OutAmount = levmath.MulDivDown(p.OutAmount, shares[k], p.InAmount)
			}
			out, err := r.ExecuteSwapPath(ctx, from, scaled)
			if err != nil {
				return fmt.Errorf("path %d: %w", k, err)
			}
			total.Add(total, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// executeHop funds and runs one hop, returning the amount of hop.TokenOut
// credited to from.
func (r *Router) executeHop(ctx context.Context, from common.Address, hop Hop, amountIn *big.Int) (*big.Int, error) {
	start := r.clock()
	before := r.ledger.BalanceOf(hop.TokenOut, from)
	spender, err := r.dispatch(ctx, from, hop, amountIn)
	if spender != (common.Address{}) {
		if resetErr := r.ledger.Approve(hop.TokenIn, from, spender, new(big.Int)); resetErr != nil && err == nil {
			err = resetErr
		}
	}
	var out *big.Int
	if err == nil {
		out = new(big.Int).Sub(r.ledger.BalanceOf(hop.TokenOut, from), before)
		if out.Sign() <= 0 {
			err = fmt.Errorf("%w: hop produced no output", venues.ErrInsufficientOutput)
		}
	}
	r.metrics.ObserveHop(hop.Venue.String(), hop.Op.String(), r.clock().Sub(start), err)
	if err != nil {
		r.logger.Debug("swap hop failed",
			slog.String("venue", hop.Venue.String()),
			slog.String("op", hop.Op.String()),
			slog.String("pool", hop.Pool.Hex()),
			slog.String("error", err.Error()))
		return nil, err
	}
	r.ledger.Emit(events.SwapHop{
		Venue:     hop.Venue.String(),
		Operation: hop.Op.String(),
		Pool:      hop.Pool,
		TokenIn:   hop.TokenIn,
		TokenOut:  hop.TokenOut,
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: out,
	})
	return out, nil
}

// dispatch approves the venue for amountIn and performs the venue call. It
// returns the approved spender so the caller can clear the allowance.
func (r *Router) dispatch(ctx context.Context, from common.Address, hop Hop, amountIn *big.Int) (common.Address, error) {
	approve := func(spender common.Address) error {
		return r.ledger.Approve(hop.TokenIn, from, spender, amountIn)
	}
	switch hop.Venue {
	case VenueCurve:
		pool, err := r.venues.Curve(hop.Pool)
		if err != nil {
			return common.Address{}, err
		}
		spender := pool.Address()
		switch hop.Op {
		case OpExchange, OpExchangeUnderlying:
			if err := checkCoin(pool, hop.I, hop.TokenIn); err != nil {
				return common.Address{}, err
			}
			if err := checkCoin(pool, hop.J, hop.TokenOut); err != nil {
				return common.Address{}, err
			}
			if err := approve(spender); err != nil {
				return common.Address{}, err
			}
			if hop.Op == OpExchange {
				_, err = pool.Exchange(ctx, from, hop.I, hop.J, amountIn, nil, from)
			} else {
				_, err = pool.ExchangeUnderlying(ctx, from, hop.I, hop.J, amountIn, nil, from)
			}
			return spender, err
		case OpAddLiquidity:
			if err := checkCoin(pool, hop.I, hop.TokenIn); err != nil {
				return common.Address{}, err
			}
			if pool.LPToken() != hop.TokenOut {
				return common.Address{}, fmt.Errorf("%w: token out is not the pool LP token", ErrInvalidHop)
			}
			amounts := make([]*big.Int, pool.NCoins())
			for k := range amounts {
				amounts[k] = new(big.Int)
			}
			amounts[hop.I] = new(big.Int).Set(amountIn)
			if err := approve(spender); err != nil {
				return common.Address{}, err
			}
			_, err = pool.AddLiquidity(ctx, from, amounts, nil, from)
			return spender, err
		case OpRemoveLiquidityOneCoin:
			if pool.LPToken() != hop.TokenIn {
				return common.Address{}, fmt.Errorf("%w: token in is not the pool LP token", ErrInvalidHop)
			}
			if err := checkCoin(pool, hop.J, hop.TokenOut); err != nil {
				return common.Address{}, err
			}
			_, err = pool.RemoveLiquidityOneCoin(ctx, from, amountIn, hop.J, nil, from)
			return common.Address{}, err
		}
	case VenueBalancer:
		vault, err := r.venues.Balancer(hop.Pool)
		if err != nil {
			return common.Address{}, err
		}
		switch hop.Op {
		case OpBatchSwap:
			spender := vault.Address()
			if err := approve(spender); err != nil {
				return common.Address{}, err
			}
			steps := []venues.BatchSwapStep{{PoolID: hop.PoolID, AssetInIndex: 0, AssetOutIndex: 1, Amount: new(big.Int).Set(amountIn)}}
			assets := []common.Address{hop.TokenIn, hop.TokenOut}
			limits := []*big.Int{new(big.Int).Set(amountIn), new(big.Int)}
			funds := venues.FundManagement{Sender: from, Recipient: from}
			_, err = vault.BatchSwap(ctx, venues.GivenIn, steps, assets, funds, limits, time.Time{})
			return spender, err
		}
	case VenueUniswapV3:
		router, err := r.venues.Uniswap(hop.Pool)
		if err != nil {
			return common.Address{}, err
		}
		switch hop.Op {
		case OpExactInputSingle:
			spender := router.Address()
			if err := approve(spender); err != nil {
				return common.Address{}, err
			}
			_, err = router.ExactInputSingle(ctx, from, venues.ExactInputSingleParams{
				TokenIn:   hop.TokenIn,
				TokenOut:  hop.TokenOut,
				Fee:       hop.Fee,
				Recipient: from,
				AmountIn:  new(big.Int).Set(amountIn),
			})
			return spender, err
		}
	}
	return common.Address{}, fmt.Errorf("%w: %s not supported on %s", ErrInvalidHop, hop.Op, hop.Venue)
}

func checkCoin(pool CurvePool, index int, token common.Address) error {
	coin, ok := pool.Coin(index)
	if !ok || coin != token {
		return fmt.Errorf("%w: coin %d of pool %s is not %s", ErrInvalidHop, index, pool.Address().Hex(), token.Hex())
	}
	return nil
}
