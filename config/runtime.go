package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"levlend/crypto"
	"levlend/native/lending"
	"levlend/native/leverage"
	"levlend/native/oracle"
	"levlend/native/venues"
)

// PausableModules lists the module names accepted in Pauses.
var PausableModules = []string{"lending", "vault", "leverage"}

// Mint is a resolved allocation in base units.
type Mint struct {
	Account common.Address
	Token   common.Address
	Amount  *big.Int
}

type CurveDeployment struct {
	Config venues.CurvePoolConfig
	Seed   []*big.Int
}

type BalancerPoolDeployment struct {
	ID           venues.PoolID
	TokenA       common.Address
	TokenB       common.Address
	FeeBps       uint64
	SeedA, SeedB *big.Int
}

type BalancerDeployment struct {
	Address common.Address
	Pools   []BalancerPoolDeployment
}

type UniswapPoolDeployment struct {
	TokenA       common.Address
	TokenB       common.Address
	Fee          uint32
	SeedA, SeedB *big.Int
}

type UniswapDeployment struct {
	Address common.Address
	Pools   []UniswapPoolDeployment
}

type MarketDeployment struct {
	Vault      common.Address
	Collateral common.Address
	Engine     leverage.Config
}

type WhitelistDeployment struct {
	Vault   common.Address
	Callers []common.Address
	Users   []common.Address
}

// Runtime is the typed form of a Config, ready to deploy.
type Runtime struct {
	Admin    common.Address
	Symbols  map[common.Address]string
	Decimals map[common.Address]uint8
	Genesis  []Mint

	Prices                map[common.Address]*big.Int
	OracleMaxAge          time.Duration
	OracleMaxDeviationBps uint64
	Signers               []common.Address

	Pool     common.Address
	Lending  lending.Config
	Deposits []Mint

	Provider common.Address
	Curve    []CurveDeployment
	Balancer []BalancerDeployment
	Uniswap  []UniswapDeployment

	Markets   []MarketDeployment
	Whitelist []WhitelistDeployment
	Pauses    []string
}

type resolver struct {
	bySymbol map[string]common.Address
	decimals map[common.Address]uint8
}

func (r *resolver) token(ref string) (common.Address, error) {
	if addr, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(ref))]; ok {
		return addr, nil
	}
	addr, err := crypto.ParseAddress(ref)
	if err != nil {
		return common.Address{}, fmt.Errorf("token %q: %w", ref, err)
	}
	if _, ok := r.decimals[addr]; !ok {
		return common.Address{}, fmt.Errorf("token %q is not listed in tokens", ref)
	}
	return addr, nil
}

func (r *resolver) amount(token common.Address, value string) (*big.Int, error) {
	return ParseAmount(value, r.decimals[token])
}

func (r *resolver) mint(a Allocation) (Mint, error) {
	account, err := crypto.ParseAddress(a.Account)
	if err != nil {
		return Mint{}, fmt.Errorf("account: %w", err)
	}
	token, err := r.token(a.Token)
	if err != nil {
		return Mint{}, err
	}
	amount, err := r.amount(token, a.Amount)
	if err != nil {
		return Mint{}, err
	}
	return Mint{Account: account, Token: token, Amount: amount}, nil
}

func parseAddresses(values []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(values))
	for _, v := range values {
		addr, err := crypto.ParseAddress(v)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// ParseAmount converts a decimal string in whole token units into base
// units. Amounts finer than the token's decimals are rejected.
func ParseAmount(value string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", value)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", value, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders base units as whole token units.
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ParsePoolID decodes a hex pool id of 1 to 32 bytes, left aligned.
func ParsePoolID(value string) (venues.PoolID, error) {
	var id venues.PoolID
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return id, fmt.Errorf("pool id %q: %w", value, err)
	}
	if len(raw) == 0 || len(raw) > len(id) {
		return id, fmt.Errorf("pool id %q must be 1 to 32 bytes", value)
	}
	copy(id[:], raw)
	return id, nil
}

// Resolve parses every address, token reference, amount and price.
func (c *Config) Resolve() (*Runtime, error) {
	rt := &Runtime{
		Symbols:  make(map[common.Address]string, len(c.Tokens)),
		Decimals: make(map[common.Address]uint8, len(c.Tokens)),
		Prices:   make(map[common.Address]*big.Int, len(c.Oracle.Prices)),
	}
	var err error
	if rt.Admin, err = crypto.ParseAddress(c.Admin); err != nil {
		return nil, fmt.Errorf("admin: %w", err)
	}

	r := &resolver{bySymbol: make(map[string]common.Address, len(c.Tokens)), decimals: rt.Decimals}
	for _, t := range c.Tokens {
		addr, err := crypto.ParseAddress(t.Address)
		if err != nil {
			return nil, fmt.Errorf("tokens: %s: %w", t.Symbol, err)
		}
		symbol := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("tokens: %s has no symbol", addr.Hex())
		}
		if _, dup := r.bySymbol[symbol]; dup {
			return nil, fmt.Errorf("tokens: duplicate symbol %s", symbol)
		}
		if _, dup := rt.Decimals[addr]; dup {
			return nil, fmt.Errorf("tokens: duplicate address %s", addr.Hex())
		}
		if t.Decimals > 36 {
			return nil, fmt.Errorf("tokens: %s decimals above 36", symbol)
		}
		r.bySymbol[symbol] = addr
		rt.Decimals[addr] = t.Decimals
		rt.Symbols[addr] = symbol
	}

	for i, a := range c.Genesis {
		m, err := r.mint(a)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		rt.Genesis = append(rt.Genesis, m)
	}

	if err := c.resolveOracle(r, rt); err != nil {
		return nil, err
	}
	if err := c.resolveLending(r, rt); err != nil {
		return nil, err
	}
	if err := c.resolveVenues(r, rt); err != nil {
		return nil, err
	}
	if err := c.resolveMarkets(r, rt); err != nil {
		return nil, err
	}

	for i, w := range c.Whitelist {
		vaultAddr, err := crypto.ParseAddress(w.Vault)
		if err != nil {
			return nil, fmt.Errorf("whitelist[%d]: vault: %w", i, err)
		}
		callers, err := parseAddresses(w.Callers)
		if err != nil {
			return nil, fmt.Errorf("whitelist[%d]: callers: %w", i, err)
		}
		users, err := parseAddresses(w.Users)
		if err != nil {
			return nil, fmt.Errorf("whitelist[%d]: users: %w", i, err)
		}
		rt.Whitelist = append(rt.Whitelist, WhitelistDeployment{Vault: vaultAddr, Callers: callers, Users: users})
	}

	for _, module := range c.Pauses {
		name := strings.ToLower(strings.TrimSpace(module))
		if !pausable(name) {
			return nil, fmt.Errorf("pauses: unknown module %q", module)
		}
		rt.Pauses = append(rt.Pauses, name)
	}
	return rt, nil
}

func pausable(name string) bool {
	for _, m := range PausableModules {
		if m == name {
			return true
		}
	}
	return false
}

func (c *Config) resolveOracle(r *resolver, rt *Runtime) error {
	for ref, value := range c.Oracle.Prices {
		token, err := r.token(ref)
		if err != nil {
			return fmt.Errorf("oracle: %w", err)
		}
		price, err := oracle.ParsePrice(value)
		if err != nil {
			return fmt.Errorf("oracle: %s: %w", ref, err)
		}
		if _, dup := rt.Prices[token]; dup {
			return fmt.Errorf("oracle: duplicate price for %s", token.Hex())
		}
		rt.Prices[token] = price
	}
	if c.Oracle.MaxDeviationBps > 10_000 {
		return fmt.Errorf("oracle: max deviation %d bps above 10000", c.Oracle.MaxDeviationBps)
	}
	rt.OracleMaxAge = time.Duration(c.Oracle.MaxAgeSeconds) * time.Second
	rt.OracleMaxDeviationBps = c.Oracle.MaxDeviationBps
	signers, err := parseAddresses(c.Oracle.Signers)
	if err != nil {
		return fmt.Errorf("oracle: signers: %w", err)
	}
	rt.Signers = signers
	return nil
}

func (c *Config) resolveLending(r *resolver, rt *Runtime) error {
	var err error
	if rt.Pool, err = crypto.ParseAddress(c.Lending.PoolAddress); err != nil {
		return fmt.Errorf("lending: pool address: %w", err)
	}
	rt.Lending.FlashLoanPremiumBps = c.Lending.FlashLoanPremiumBps
	for i, res := range c.Lending.Reserves {
		asset, err := r.token(res.Token)
		if err != nil {
			return fmt.Errorf("lending: reserves[%d]: %w", i, err)
		}
		receipt, err := crypto.ParseAddress(res.ReceiptToken)
		if err != nil {
			return fmt.Errorf("lending: reserves[%d]: receipt token: %w", i, err)
		}
		debt, err := crypto.ParseAddress(res.DebtToken)
		if err != nil {
			return fmt.Errorf("lending: reserves[%d]: debt token: %w", i, err)
		}
		if _, ok := rt.Prices[asset]; !ok {
			return fmt.Errorf("lending: reserves[%d]: no oracle price for %s", i, res.Token)
		}
		rt.Lending.Reserves = append(rt.Lending.Reserves, lending.ReserveConfig{
			Asset:                   asset,
			Decimals:                rt.Decimals[asset],
			LTVBps:                  res.LTVBps,
			LiquidationThresholdBps: res.LiquidationThresholdBps,
			ReceiptToken:            receipt,
			DebtToken:               debt,
			BorrowingEnabled:        res.BorrowingEnabled,
		})
	}
	rt.Lending.EnsureDefaults()
	if err := rt.Lending.Validate(); err != nil {
		return err
	}
	for i, a := range c.Lending.Deposits {
		m, err := r.mint(a)
		if err != nil {
			return fmt.Errorf("lending: deposits[%d]: %w", i, err)
		}
		if rt.reserve(m.Token) == nil {
			return fmt.Errorf("lending: deposits[%d]: %s is not a reserve", i, a.Token)
		}
		rt.Deposits = append(rt.Deposits, m)
	}
	return nil
}

func (rt *Runtime) reserve(asset common.Address) *lending.ReserveConfig {
	for i := range rt.Lending.Reserves {
		if rt.Lending.Reserves[i].Asset == asset {
			return &rt.Lending.Reserves[i]
		}
	}
	return nil
}

func (r *resolver) seeds(tokens []common.Address, values []string) ([]*big.Int, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if len(values) != len(tokens) {
		return nil, fmt.Errorf("%d seed amounts for %d tokens", len(values), len(tokens))
	}
	out := make([]*big.Int, len(values))
	for i, v := range values {
		amount, err := r.amount(tokens[i], v)
		if err != nil {
			return nil, err
		}
		out[i] = amount
	}
	return out, nil
}

func (c *Config) resolveVenues(r *resolver, rt *Runtime) error {
	seeded := false
	for i, p := range c.Venues.Curve {
		addr, err := crypto.ParseAddress(p.Address)
		if err != nil {
			return fmt.Errorf("venues: curve[%d]: %w", i, err)
		}
		cfg := venues.CurvePoolConfig{Address: addr, A: p.A, Fee: p.Fee}
		for _, ref := range p.Coins {
			coin, err := r.token(ref)
			if err != nil {
				return fmt.Errorf("venues: curve[%d]: %w", i, err)
			}
			cfg.Coins = append(cfg.Coins, coin)
			cfg.Decimals = append(cfg.Decimals, rt.Decimals[coin])
		}
		if cfg.LPToken, err = r.token(p.LPToken); err != nil {
			return fmt.Errorf("venues: curve[%d]: lp token: %w", i, err)
		}
		seed, err := r.seeds(cfg.Coins, p.Seed)
		if err != nil {
			return fmt.Errorf("venues: curve[%d]: seed: %w", i, err)
		}
		seeded = seeded || seed != nil
		rt.Curve = append(rt.Curve, CurveDeployment{Config: cfg, Seed: seed})
	}
	for i, v := range c.Venues.Balancer {
		addr, err := crypto.ParseAddress(v.Address)
		if err != nil {
			return fmt.Errorf("venues: balancer[%d]: %w", i, err)
		}
		dep := BalancerDeployment{Address: addr}
		for j, p := range v.Pools {
			pool := BalancerPoolDeployment{FeeBps: p.FeeBps}
			if pool.ID, err = ParsePoolID(p.ID); err != nil {
				return fmt.Errorf("venues: balancer[%d].pools[%d]: %w", i, j, err)
			}
			if pool.TokenA, err = r.token(p.TokenA); err != nil {
				return fmt.Errorf("venues: balancer[%d].pools[%d]: %w", i, j, err)
			}
			if pool.TokenB, err = r.token(p.TokenB); err != nil {
				return fmt.Errorf("venues: balancer[%d].pools[%d]: %w", i, j, err)
			}
			seed, err := r.pairSeed(pool.TokenA, pool.TokenB, p.SeedA, p.SeedB)
			if err != nil {
				return fmt.Errorf("venues: balancer[%d].pools[%d]: seed: %w", i, j, err)
			}
			if seed != nil {
				pool.SeedA, pool.SeedB = seed[0], seed[1]
				seeded = true
			}
			dep.Pools = append(dep.Pools, pool)
		}
		rt.Balancer = append(rt.Balancer, dep)
	}
	for i, v := range c.Venues.Uniswap {
		addr, err := crypto.ParseAddress(v.Address)
		if err != nil {
			return fmt.Errorf("venues: uniswap[%d]: %w", i, err)
		}
		dep := UniswapDeployment{Address: addr}
		for j, p := range v.Pools {
			pool := UniswapPoolDeployment{Fee: p.Fee}
			if pool.TokenA, err = r.token(p.TokenA); err != nil {
				return fmt.Errorf("venues: uniswap[%d].pools[%d]: %w", i, j, err)
			}
			if pool.TokenB, err = r.token(p.TokenB); err != nil {
				return fmt.Errorf("venues: uniswap[%d].pools[%d]: %w", i, j, err)
			}
			seed, err := r.pairSeed(pool.TokenA, pool.TokenB, p.SeedA, p.SeedB)
			if err != nil {
				return fmt.Errorf("venues: uniswap[%d].pools[%d]: seed: %w", i, j, err)
			}
			if seed != nil {
				pool.SeedA, pool.SeedB = seed[0], seed[1]
				seeded = true
			}
			dep.Pools = append(dep.Pools, pool)
		}
		rt.Uniswap = append(rt.Uniswap, dep)
	}
	if strings.TrimSpace(c.Venues.Provider) != "" {
		provider, err := crypto.ParseAddress(c.Venues.Provider)
		if err != nil {
			return fmt.Errorf("venues: provider: %w", err)
		}
		rt.Provider = provider
	} else if seeded {
		return fmt.Errorf("venues: seed amounts require a provider")
	}
	return nil
}

func (r *resolver) pairSeed(a, b common.Address, seedA, seedB string) ([]*big.Int, error) {
	if strings.TrimSpace(seedA) == "" && strings.TrimSpace(seedB) == "" {
		return nil, nil
	}
	return r.seeds([]common.Address{a, b}, []string{seedA, seedB})
}

func (c *Config) resolveMarkets(r *resolver, rt *Runtime) error {
	collaterals := make(map[common.Address]struct{}, len(c.Leverage.Markets))
	engines := make(map[common.Address]struct{}, len(c.Leverage.Markets))
	for i, m := range c.Leverage.Markets {
		collateral, err := r.token(m.Collateral)
		if err != nil {
			return fmt.Errorf("leverage: markets[%d]: collateral: %w", i, err)
		}
		if rt.reserve(collateral) == nil {
			return fmt.Errorf("leverage: markets[%d]: collateral %s is not a reserve", i, m.Collateral)
		}
		if _, dup := collaterals[collateral]; dup {
			return fmt.Errorf("leverage: markets[%d]: duplicate market for %s", i, m.Collateral)
		}
		collaterals[collateral] = struct{}{}
		vaultAddr, err := crypto.ParseAddress(m.Vault)
		if err != nil {
			return fmt.Errorf("leverage: markets[%d]: vault: %w", i, err)
		}
		engine, err := crypto.ParseAddress(m.Engine)
		if err != nil {
			return fmt.Errorf("leverage: markets[%d]: engine: %w", i, err)
		}
		if _, dup := engines[engine]; dup {
			return fmt.Errorf("leverage: markets[%d]: engine %s serves two markets", i, engine.Hex())
		}
		engines[engine] = struct{}{}
		if m.MaxLeverageBps != 0 && m.MaxLeverageBps < 10_000 {
			return fmt.Errorf("leverage: markets[%d]: max leverage %d bps below 10000", i, m.MaxLeverageBps)
		}
		dep := MarketDeployment{
			Vault:      vaultAddr,
			Collateral: collateral,
			Engine:     leverage.Config{Address: engine, MaxLeverageBps: m.MaxLeverageBps},
		}
		if len(m.BorrowAssets) == 0 {
			return fmt.Errorf("leverage: markets[%d]: no borrow assets", i)
		}
		for _, b := range m.BorrowAssets {
			asset, err := r.token(b.Token)
			if err != nil {
				return fmt.Errorf("leverage: markets[%d]: borrow asset: %w", i, err)
			}
			reserve := rt.reserve(asset)
			if reserve == nil || !reserve.BorrowingEnabled {
				return fmt.Errorf("leverage: markets[%d]: %s is not borrowable", i, b.Token)
			}
			if b.SlippageBps > 10_000 {
				return fmt.Errorf("leverage: markets[%d]: %s slippage above 10000 bps", i, b.Token)
			}
			dep.Engine.BorrowAssets = append(dep.Engine.BorrowAssets, leverage.BorrowAsset{Asset: asset, SlippageBps: b.SlippageBps})
		}
		rt.Markets = append(rt.Markets, dep)
	}
	return nil
}
