package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/types"
)

// TypeSwapHop is emitted for every venue hop executed by the swap router.
const TypeSwapHop = "router.hop"

type SwapHop struct {
	Venue     string
	Operation string
	Pool      common.Address
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
}

func (SwapHop) EventType() string { return TypeSwapHop }

func (e SwapHop) Event() *types.Event {
	return &types.Event{
		Type: TypeSwapHop,
		Attributes: map[string]string{
			"venue":     normalizeLabel(e.Venue),
			"operation": normalizeLabel(e.Operation),
			"pool":      accountString(e.Pool),
			"tokenIn":   assetString(e.TokenIn),
			"tokenOut":  assetString(e.TokenOut),
			"amountIn":  amountString(e.AmountIn),
			"amountOut": amountString(e.AmountOut),
		},
	}
}
