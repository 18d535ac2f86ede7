package router

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"levlend/native/venues"
)

const (
	// MaxHops bounds the number of venue calls in one path.
	MaxHops = 4
	// MaxRouteLength bounds the token hand-offs of a path: MaxHops hops
	// interleaved with their MaxHops+1 tokens.
	MaxRouteLength = 2*MaxHops + 1
	// MaxPaths bounds the parallel paths of a SwapInfo direction.
	MaxPaths = 3
)

var (
	ErrSlippageExceeded = errors.New("router: output below path minimum")
	ErrInvalidPath      = errors.New("router: invalid swap path")
	ErrInvalidHop       = errors.New("router: invalid hop")
	ErrInvalidSwapInfo  = errors.New("router: invalid swap info")
	ErrUnknownVenue     = errors.New("router: venue not registered")
	ErrInvalidRoute     = errors.New("router: route index out of range")
)

// Venue tags the protocol family a hop settles against.
type Venue uint8

const (
	VenueNone Venue = iota
	VenueCurve
	VenueBalancer
	VenueUniswapV3
)

func (v Venue) String() string {
	switch v {
	case VenueCurve:
		return "curve"
	case VenueBalancer:
		return "balancer"
	case VenueUniswapV3:
		return "uniswap_v3"
	default:
		return "none"
	}
}

// Op is the venue-specific operation a hop performs.
type Op uint8

const (
	OpNone Op = iota
	OpExchange
	OpExchangeUnderlying
	OpAddLiquidity
	OpRemoveLiquidityOneCoin
	OpBatchSwap
	OpExactInputSingle
)

func (o Op) String() string {
	switch o {
	case OpExchange:
		return "exchange"
	case OpExchangeUnderlying:
		return "exchange_underlying"
	case OpAddLiquidity:
		return "add_liquidity"
	case OpRemoveLiquidityOneCoin:
		return "remove_liquidity_one_coin"
	case OpBatchSwap:
		return "batch_swap"
	case OpExactInputSingle:
		return "exact_input_single"
	default:
		return "none"
	}
}

// Supports reports whether op can be executed against venue v.
func (v Venue) Supports(op Op) bool {
	switch v {
	case VenueCurve:
		switch op {
		case OpExchange, OpExchangeUnderlying, OpAddLiquidity, OpRemoveLiquidityOneCoin:
			return true
		}
	case VenueBalancer:
		return op == OpBatchSwap
	case VenueUniswapV3:
		return op == OpExactInputSingle
	}
	return false
}

// Hop is one venue call. Pool is the Curve pool, the Balancer vault or the
// Uniswap router depending on Venue. I and J are coin indices for Curve ops:
// AddLiquidity deposits into coin I and RemoveLiquidityOneCoin withdraws coin
// J. PoolID applies to Balancer hops and Fee to Uniswap hops.
type Hop struct {
	Venue    Venue
	Op       Op
	Pool     common.Address
	TokenIn  common.Address
	TokenOut common.Address
	I        int
	J        int
	NCoins   int
	PoolID   venues.PoolID
	Fee      uint32
}

// Path chains hops from SwapFrom to SwapTo. InAmount is the declared input
// and OutAmount the minimum accepted output for that input.
type Path struct {
	Hops      []Hop
	SwapFrom  common.Address
	SwapTo    common.Address
	InAmount  *big.Int
	OutAmount *big.Int
}

// Active reports whether the path carries any hop.
func (p Path) Active() bool { return len(p.Hops) > 0 }

// IsZero reports whether p is the zero sentinel used for unused path slots.
func (p Path) IsZero() bool {
	return len(p.Hops) == 0 &&
		p.SwapFrom == (common.Address{}) &&
		p.SwapTo == (common.Address{}) &&
		(p.InAmount == nil || p.InAmount.Sign() == 0) &&
		(p.OutAmount == nil || p.OutAmount.Sign() == 0)
}

// Route returns the token hand-offs of the path in order.
func (p Path) Route() []common.Address {
	if len(p.Hops) == 0 {
		return nil
	}
	route := make([]common.Address, 0, len(p.Hops)+1)
	route = append(route, p.Hops[0].TokenIn)
	for _, hop := range p.Hops {
		route = append(route, hop.TokenOut)
	}
	return route
}

// Info carries the forward (borrow asset to collateral) and reverse
// (collateral to borrow asset) paths for one engine call. PathLength selects
// how many parallel paths are active; zero behaves as one.
type Info struct {
	Paths        [MaxPaths]Path
	ReversePaths [MaxPaths]Path
	PathLength   int
}

// Active returns the number of parallel paths in use.
func (i Info) Active() int {
	if i.PathLength <= 0 {
		return 1
	}
	return i.PathLength
}

// Direction returns the forward or reverse path set.
func (i Info) Direction(reverse bool) [MaxPaths]Path {
	if reverse {
		return i.ReversePaths
	}
	return i.Paths
}

// DeclaredIn sums the declared InAmount of the paths an execution would use.
func (i Info) DeclaredIn(reverse bool, routeIndex int) (*big.Int, error) {
	paths, err := i.selected(reverse, routeIndex)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, p := range paths {
		if p.InAmount != nil {
			total.Add(total, p.InAmount)
		}
	}
	return total, nil
}

func (i Info) selected(reverse bool, routeIndex int) ([]Path, error) {
	set := i.Direction(reverse)
	if n := i.Active(); n > 1 {
		return append([]Path(nil), set[:n]...), nil
	}
	if routeIndex < 0 || routeIndex >= MaxPaths {
		return nil, ErrInvalidRoute
	}
	if !set[routeIndex].Active() {
		return nil, ErrInvalidRoute
	}
	return []Path{set[routeIndex]}, nil
}
