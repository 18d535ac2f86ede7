package server

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"levlend/config"
	"levlend/native/router"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// parseUnits reads a non-negative base-unit integer. Empty input is nil.
func parseUnits(field, value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	out, ok := new(big.Int).SetString(value, 10)
	if !ok || out.Sign() < 0 {
		return nil, badRequest("%s: %q is not a non-negative integer", field, value)
	}
	return out, nil
}

func units(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type hopJSON struct {
	Venue    string `json:"venue"`
	Op       string `json:"op"`
	Pool     string `json:"pool"`
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	I        int    `json:"i,omitempty"`
	J        int    `json:"j,omitempty"`
	NCoins   int    `json:"n_coins,omitempty"`
	PoolID   string `json:"pool_id,omitempty"`
	Fee      uint32 `json:"fee,omitempty"`
}

type pathJSON struct {
	Hops      []hopJSON `json:"hops"`
	SwapFrom  string    `json:"swap_from"`
	SwapTo    string    `json:"swap_to"`
	InAmount  string    `json:"in_amount"`
	OutAmount string    `json:"out_amount"`
}

// infoJSON is the wire form of router.Info. Path slots are positional; an
// empty object leaves a slot unused.
type infoJSON struct {
	Paths        []pathJSON `json:"paths"`
	ReversePaths []pathJSON `json:"reverse_paths"`
	PathLength   int        `json:"path_length,omitempty"`
}

var (
	venueNames = map[string]router.Venue{}
	opNames    = map[string]router.Op{}
)

func init() {
	for _, v := range []router.Venue{router.VenueCurve, router.VenueBalancer, router.VenueUniswapV3} {
		venueNames[v.String()] = v
	}
	for _, op := range []router.Op{
		router.OpExchange,
		router.OpExchangeUnderlying,
		router.OpAddLiquidity,
		router.OpRemoveLiquidityOneCoin,
		router.OpBatchSwap,
		router.OpExactInputSingle,
	} {
		opNames[op.String()] = op
	}
}

type tokenResolver func(ref string) (common.Address, error)

func (h hopJSON) decode(resolve tokenResolver) (router.Hop, error) {
	venue, ok := venueNames[strings.ToLower(strings.TrimSpace(h.Venue))]
	if !ok {
		return router.Hop{}, badRequest("unknown venue %q", h.Venue)
	}
	op, ok := opNames[strings.ToLower(strings.TrimSpace(h.Op))]
	if !ok {
		return router.Hop{}, badRequest("unknown op %q", h.Op)
	}
	pool, err := parseAccount(h.Pool)
	if err != nil {
		return router.Hop{}, badRequest("pool: %v", err)
	}
	in, err := resolve(h.TokenIn)
	if err != nil {
		return router.Hop{}, badRequest("token_in: %v", err)
	}
	out, err := resolve(h.TokenOut)
	if err != nil {
		return router.Hop{}, badRequest("token_out: %v", err)
	}
	hop := router.Hop{Venue: venue, Op: op, Pool: pool, TokenIn: in, TokenOut: out, I: h.I, J: h.J, NCoins: h.NCoins, Fee: h.Fee}
	if strings.TrimSpace(h.PoolID) != "" {
		if hop.PoolID, err = config.ParsePoolID(h.PoolID); err != nil {
			return router.Hop{}, badRequest("%v", err)
		}
	}
	return hop, nil
}

func (p pathJSON) decode(resolve tokenResolver) (router.Path, error) {
	if len(p.Hops) == 0 && p.SwapFrom == "" && p.SwapTo == "" {
		return router.Path{}, nil
	}
	var path router.Path
	for i, h := range p.Hops {
		hop, err := h.decode(resolve)
		if err != nil {
			return router.Path{}, fmt.Errorf("hop %d: %w", i, err)
		}
		path.Hops = append(path.Hops, hop)
	}
	var err error
	if path.SwapFrom, err = resolve(p.SwapFrom); err != nil {
		return router.Path{}, badRequest("swap_from: %v", err)
	}
	if path.SwapTo, err = resolve(p.SwapTo); err != nil {
		return router.Path{}, badRequest("swap_to: %v", err)
	}
	if path.InAmount, err = parseUnits("in_amount", p.InAmount); err != nil {
		return router.Path{}, err
	}
	if path.OutAmount, err = parseUnits("out_amount", p.OutAmount); err != nil {
		return router.Path{}, err
	}
	return path, nil
}

func (i infoJSON) decode(resolve tokenResolver) (router.Info, error) {
	var info router.Info
	if len(i.Paths) > router.MaxPaths || len(i.ReversePaths) > router.MaxPaths {
		return info, badRequest("at most %d paths per direction", router.MaxPaths)
	}
	for n, p := range i.Paths {
		path, err := p.decode(resolve)
		if err != nil {
			return info, fmt.Errorf("paths[%d]: %w", n, err)
		}
		info.Paths[n] = path
	}
	for n, p := range i.ReversePaths {
		path, err := p.decode(resolve)
		if err != nil {
			return info, fmt.Errorf("reverse_paths[%d]: %w", n, err)
		}
		info.ReversePaths[n] = path
	}
	info.PathLength = i.PathLength
	return info, nil
}

// EnterRequest opens or grows a levered position. Amounts are base units.
type EnterRequest struct {
	User        string   `json:"user,omitempty"`
	Principal   string   `json:"principal"`
	LeverageBps uint64   `json:"leverage_bps"`
	BorrowAsset string   `json:"borrow_asset,omitempty"`
	RouteIndex  int      `json:"route_index"`
	Info        infoJSON `json:"info"`
}

// ExitRequest repays debt and withdraws collateral.
type ExitRequest struct {
	User        string   `json:"user,omitempty"`
	Repay       string   `json:"repay"`
	Withdraw    string   `json:"withdraw"`
	BorrowAsset string   `json:"borrow_asset,omitempty"`
	Receipt     string   `json:"receipt,omitempty"`
	RouteIndex  int      `json:"route_index"`
	Info        infoJSON `json:"info"`
}

type enterResponse struct {
	OperationID  string `json:"operation_id"`
	FlashAmount  string `json:"flash_amount"`
	Premium      string `json:"premium"`
	Swapped      string `json:"swapped"`
	Deposited    string `json:"deposited"`
	Borrowed     string `json:"borrowed"`
	HealthFactor string `json:"health_factor"`
}

type exitResponse struct {
	OperationID        string `json:"operation_id"`
	Repaid             string `json:"repaid"`
	Withdrawn          string `json:"withdrawn"`
	SwappedCollateral  string `json:"swapped_collateral"`
	Recovered          string `json:"recovered"`
	Premium            string `json:"premium"`
	ReturnedBorrow     string `json:"returned_borrow"`
	ReturnedCollateral string `json:"returned_collateral"`
	HealthFactor       string `json:"health_factor"`
}

type borrowAssetJSON struct {
	Symbol      string `json:"symbol"`
	Address     string `json:"address"`
	Decimals    uint8  `json:"decimals"`
	SlippageBps uint64 `json:"slippage_bps"`
}

type marketJSON struct {
	Collateral          string            `json:"collateral"`
	Symbol              string            `json:"symbol"`
	Decimals            uint8             `json:"decimals"`
	Vault               string            `json:"vault"`
	Receipt             string            `json:"receipt"`
	Engine              string            `json:"engine"`
	MaxLeverageBps      uint64            `json:"max_leverage_bps"`
	FlashLoanPremiumBps uint64            `json:"flash_loan_premium_bps"`
	BorrowAssets        []borrowAssetJSON `json:"borrow_assets"`
}

type debtJSON struct {
	Asset           string `json:"asset"`
	Symbol          string `json:"symbol"`
	Debt            string `json:"debt"`
	MaxWithdrawable string `json:"max_withdrawable_after_full_repay"`
}

type positionJSON struct {
	User                 string     `json:"user"`
	Collateral           string     `json:"collateral"`
	Deposited            string     `json:"deposited"`
	Wallet               string     `json:"wallet"`
	TotalCollateralValue string     `json:"total_collateral_value"`
	TotalDebtValue       string     `json:"total_debt_value"`
	HealthFactor         string     `json:"health_factor"`
	Debts                []debtJSON `json:"debts"`
}

type quoteJSON struct {
	Collateral  string `json:"collateral"`
	BorrowAsset string `json:"borrow_asset"`
	Principal   string `json:"principal"`
	LeverageBps uint64 `json:"leverage_bps"`
	FlashAmount string `json:"flash_amount"`
	Premium     string `json:"premium"`
}

type accountsRequest struct {
	Accounts []string `json:"accounts"`
}

type priceRequest struct {
	Price string `json:"price"`
}

// SignedPriceRequest carries a feeder-signed observation.
type SignedPriceRequest struct {
	Asset     string `json:"asset"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type levSwapperRequest struct {
	Engine string `json:"engine"`
}

type errorJSON struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
