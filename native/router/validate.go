package router

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ValidatePath checks the structural invariants of a single path: a positive
// input, 1..MaxHops hops whose ops suit their venues, hops chaining token to
// token, and endpoints matching SwapFrom and SwapTo.
func ValidatePath(p Path) error {
	if p.InAmount == nil || p.InAmount.Sign() <= 0 {
		return fmt.Errorf("%w: input amount must be positive", ErrInvalidPath)
	}
	if p.OutAmount != nil && p.OutAmount.Sign() < 0 {
		return fmt.Errorf("%w: negative output bound", ErrInvalidPath)
	}
	if len(p.Hops) == 0 || len(p.Hops) > MaxHops {
		return fmt.Errorf("%w: %d hops, want 1..%d", ErrInvalidPath, len(p.Hops), MaxHops)
	}
	if route := p.Route(); len(route) > MaxRouteLength {
		return fmt.Errorf("%w: route of %d hand-offs", ErrInvalidPath, len(route))
	}
	for k, hop := range p.Hops {
		if err := validateHop(hop); err != nil {
			return fmt.Errorf("hop %d: %w", k, err)
		}
		if k > 0 && p.Hops[k-1].TokenOut != hop.TokenIn {
			return fmt.Errorf("%w: hop %d starts at %s, previous hop ends at %s", ErrInvalidPath, k, hop.TokenIn.Hex(), p.Hops[k-1].TokenOut.Hex())
		}
	}
	if p.Hops[0].TokenIn != p.SwapFrom {
		return fmt.Errorf("%w: first hop does not start at %s", ErrInvalidPath, p.SwapFrom.Hex())
	}
	if p.Hops[len(p.Hops)-1].TokenOut != p.SwapTo {
		return fmt.Errorf("%w: last hop does not end at %s", ErrInvalidPath, p.SwapTo.Hex())
	}
	return nil
}

func validateHop(h Hop) error {
	if !h.Venue.Supports(h.Op) {
		return fmt.Errorf("%w: %s not supported on %s", ErrInvalidHop, h.Op, h.Venue)
	}
	if h.Pool == (common.Address{}) {
		return fmt.Errorf("%w: missing pool", ErrInvalidHop)
	}
	if h.TokenIn == h.TokenOut {
		return fmt.Errorf("%w: token in equals token out", ErrInvalidHop)
	}
	if h.Venue == VenueCurve {
		if h.I < 0 || h.J < 0 {
			return fmt.Errorf("%w: negative coin index", ErrInvalidHop)
		}
		if h.NCoins != 0 && (h.I >= h.NCoins || h.J >= h.NCoins) {
			return fmt.Errorf("%w: coin index beyond %d coins", ErrInvalidHop, h.NCoins)
		}
	}
	return nil
}

func validateSet(set [MaxPaths]Path, active int, from, to common.Address, required bool) error {
	populated := 0
	for k, p := range set {
		if active > 1 && k >= active {
			if !p.IsZero() {
				return fmt.Errorf("%w: path %d beyond path length must be empty", ErrInvalidSwapInfo, k)
			}
			continue
		}
		if p.IsZero() {
			if active > 1 && required {
				return fmt.Errorf("%w: path %d is empty", ErrInvalidSwapInfo, k)
			}
			continue
		}
		if p.SwapFrom != from || p.SwapTo != to {
			return fmt.Errorf("%w: path %d swaps %s to %s, want %s to %s", ErrInvalidSwapInfo, k, p.SwapFrom.Hex(), p.SwapTo.Hex(), from.Hex(), to.Hex())
		}
		if err := ValidatePath(p); err != nil {
			return fmt.Errorf("%w: path %d: %w", ErrInvalidSwapInfo, k, err)
		}
		populated++
	}
	if required && populated == 0 {
		return fmt.Errorf("%w: no active path", ErrInvalidSwapInfo)
	}
	return nil
}

// ValidateSwapInfo checks that the forward paths swap from into to and the
// reverse paths swap to back into from. Only the direction selected by
// reverse must carry a path; populated paths of the other direction are still
// validated. With PathLength above one, the first PathLength slots of the
// selected direction must be active and the remaining slots of both
// directions must be zero sentinels.
func ValidateSwapInfo(info Info, from, to common.Address, reverse bool) error {
	if info.PathLength < 0 || info.PathLength > MaxPaths {
		return fmt.Errorf("%w: path length %d", ErrInvalidSwapInfo, info.PathLength)
	}
	active := info.Active()
	if err := validateSet(info.Paths, active, from, to, !reverse); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	if err := validateSet(info.ReversePaths, active, to, from, reverse); err != nil {
		return fmt.Errorf("reverse: %w", err)
	}
	return nil
}
