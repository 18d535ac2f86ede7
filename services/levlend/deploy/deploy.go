// Package deploy assembles a leverage deployment from a resolved
// configuration: ledger, oracle, lending pool, swap venues, router,
// whitelist, manager and one engine per collateral market.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"levlend/config"
	"levlend/core/state"
	"levlend/crypto"
	nativecommon "levlend/native/common"
	"levlend/native/lending"
	"levlend/native/leverage"
	"levlend/native/levmanager"
	"levlend/native/oracle"
	"levlend/native/router"
	"levlend/native/vault"
	"levlend/native/venues"
	"levlend/native/whitelist"
	"levlend/storage"
)

const (
	whitelistPrefix = "whitelist/"
	managerPrefix   = "levmanager/"
	seedPrefix      = "seeded/"
)

var (
	ErrUnknownMarket = errors.New("deploy: no market for collateral")
	ErrUnknownToken  = errors.New("deploy: token not configured")

	maxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
)

// Market is one collateral with its vault and engine.
type Market struct {
	Collateral common.Address
	Vault      *vault.Vault
	Engine     *leverage.Engine
}

// Deployment is a wired system. Every simulated component shares Ledger;
// the whitelist and the manager persist in the database handed to Build.
type Deployment struct {
	Admin    common.Address
	Symbols  map[common.Address]string
	Decimals map[common.Address]uint8

	Ledger    *state.Ledger
	Oracle    *oracle.Oracle
	Pool      *lending.Engine
	Venues    *router.Registry
	Router    *router.Router
	Curve     []*venues.CurvePool
	Balancer  []*venues.BalancerVault
	Uniswap   []*venues.UniswapRouter
	Whitelist *whitelist.Whitelist
	Manager   *levmanager.Manager
	Pauses    *nativecommon.PauseSet
	// Guard is shared by every engine, so no market can be entered while
	// another one is mid-call.
	Guard *nativecommon.CallGuard

	seeds   *storage.KVStore
	markets map[common.Address]*Market
}

// Build deploys rt on a fresh ledger. Genesis balances and venue seeds are
// replayed on every start. Configured whitelist members and engine
// registrations are written to db once each; later starts leave them alone,
// so runtime additions and removals survive a restart.
func Build(ctx context.Context, rt *config.Runtime, db storage.Database, logger *slog.Logger) (*Deployment, error) {
	if rt == nil || db == nil {
		return nil, errors.New("deploy: runtime and database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deployment{
		Admin:    rt.Admin,
		Symbols:  rt.Symbols,
		Decimals: rt.Decimals,
		Ledger:   state.NewLedger(),
		Pauses:   nativecommon.NewPauseSet(rt.Pauses...),
		Guard:    &nativecommon.CallGuard{},
		seeds:    storage.NewKVStore(db, seedPrefix),
		markets:  make(map[common.Address]*Market, len(rt.Markets)),
	}
	for _, m := range rt.Genesis {
		if err := d.Ledger.Mint(m.Token, m.Account, m.Amount); err != nil {
			return nil, fmt.Errorf("deploy: genesis %s: %w", d.Symbol(m.Token), err)
		}
	}
	if err := d.buildOracle(rt); err != nil {
		return nil, err
	}
	if err := d.buildPool(ctx, rt, logger); err != nil {
		return nil, err
	}
	if err := d.buildVenues(ctx, rt, logger); err != nil {
		return nil, err
	}

	d.Whitelist = whitelist.New(storage.NewKVStore(db, whitelistPrefix), rt.Admin)
	d.Whitelist.SetEmitter(d.Ledger)
	for _, w := range rt.Whitelist {
		for _, c := range w.Callers {
			err := d.seedOnce(seedKey("caller", w.Vault, c), func() error {
				return d.Whitelist.AddCallerContract(rt.Admin, w.Vault, c)
			})
			if err != nil {
				return nil, fmt.Errorf("deploy: whitelist caller %s: %w", c.Hex(), err)
			}
		}
		for _, u := range w.Users {
			err := d.seedOnce(seedKey("user", w.Vault, u), func() error {
				return d.Whitelist.AddUser(rt.Admin, w.Vault, u)
			})
			if err != nil {
				return nil, fmt.Errorf("deploy: whitelist user %s: %w", u.Hex(), err)
			}
		}
	}

	d.Manager = levmanager.New(storage.NewKVStore(db, managerPrefix), rt.Admin)
	d.Manager.SetEmitter(d.Ledger)
	for _, m := range rt.Markets {
		if err := d.buildMarket(m, logger); err != nil {
			return nil, err
		}
	}
	logger.Info("deployment ready",
		"markets", len(d.markets),
		"curve", len(d.Curve),
		"balancer", len(d.Balancer),
		"uniswap", len(d.Uniswap))
	return d, nil
}

func seedKey(kind string, scope, account common.Address) []byte {
	return []byte(kind + "/" + scope.Hex() + "/" + account.Hex())
}

// seedOnce applies a configured registry write the first time key is seen
// and records that it did.
func (d *Deployment) seedOnce(key []byte, apply func() error) error {
	var done bool
	found, err := d.seeds.KVGet(key, &done)
	if err != nil {
		return err
	}
	if found && done {
		return nil
	}
	if err := apply(); err != nil {
		return err
	}
	return d.seeds.KVPut(key, true)
}

func (d *Deployment) buildOracle(rt *config.Runtime) error {
	d.Oracle = oracle.New(rt.Admin)
	d.Oracle.SetEmitter(d.Ledger)
	if rt.OracleMaxAge > 0 {
		d.Oracle.SetMaxAge(rt.OracleMaxAge)
	}
	if rt.OracleMaxDeviationBps > 0 {
		d.Oracle.SetMaxDeviationBps(rt.OracleMaxDeviationBps)
	}
	for asset, price := range rt.Prices {
		if err := d.Oracle.SetAssetPrice(rt.Admin, asset, price); err != nil {
			return fmt.Errorf("deploy: price %s: %w", d.Symbol(asset), err)
		}
	}
	for _, signer := range rt.Signers {
		if err := d.Oracle.AuthorizeSigner(rt.Admin, signer, true); err != nil {
			return fmt.Errorf("deploy: oracle signer: %w", err)
		}
	}
	return nil
}

func (d *Deployment) buildPool(ctx context.Context, rt *config.Runtime, logger *slog.Logger) error {
	d.Pool = lending.NewEngine(d.Ledger, d.Oracle, rt.Pool, rt.Admin)
	d.Pool.SetPauses(d.Pauses)
	d.Pool.SetLogger(logger)
	if err := d.Pool.SetFlashLoanPremium(rt.Admin, rt.Lending.FlashLoanPremiumBps); err != nil {
		return fmt.Errorf("deploy: flash loan premium: %w", err)
	}
	for _, reserve := range rt.Lending.Reserves {
		if err := d.Pool.AddReserve(rt.Admin, reserve); err != nil {
			return fmt.Errorf("deploy: reserve %s: %w", d.Symbol(reserve.Asset), err)
		}
	}
	for _, dep := range rt.Deposits {
		if err := d.Ledger.Approve(dep.Token, dep.Account, rt.Pool, dep.Amount); err != nil {
			return fmt.Errorf("deploy: deposit approval: %w", err)
		}
		if err := d.Pool.Deposit(ctx, dep.Account, dep.Token, dep.Amount, dep.Account); err != nil {
			return fmt.Errorf("deploy: deposit %s: %w", d.Symbol(dep.Token), err)
		}
	}
	return nil
}

// buildVenues seeds StableSwap pools first so their LP tokens exist before
// any weighted or concentrated pool that pairs against them.
func (d *Deployment) buildVenues(ctx context.Context, rt *config.Runtime, logger *slog.Logger) error {
	d.Venues = router.NewRegistry()
	for _, c := range rt.Curve {
		pool, err := venues.NewCurvePool(d.Ledger, c.Config)
		if err != nil {
			return fmt.Errorf("deploy: curve %s: %w", c.Config.Address.Hex(), err)
		}
		if c.Seed != nil {
			if err := d.approve(rt.Provider, c.Config.Address, c.Config.Coins...); err != nil {
				return err
			}
			if _, err := pool.AddLiquidity(ctx, rt.Provider, c.Seed, nil, rt.Provider); err != nil {
				return fmt.Errorf("deploy: seed curve %s: %w", c.Config.Address.Hex(), err)
			}
		}
		d.Venues.RegisterCurve(pool)
		d.Curve = append(d.Curve, pool)
	}
	for _, b := range rt.Balancer {
		batch := venues.NewBalancerVault(d.Ledger, b.Address)
		for _, p := range b.Pools {
			if _, err := batch.RegisterPool(p.ID, p.TokenA, p.TokenB, p.FeeBps); err != nil {
				return fmt.Errorf("deploy: balancer pool %x: %w", p.ID[:4], err)
			}
			if p.SeedA == nil {
				continue
			}
			if err := d.approve(rt.Provider, b.Address, p.TokenA, p.TokenB); err != nil {
				return err
			}
			if err := batch.JoinPool(ctx, rt.Provider, p.ID, [2]*big.Int{p.SeedA, p.SeedB}); err != nil {
				return fmt.Errorf("deploy: seed balancer pool %x: %w", p.ID[:4], err)
			}
		}
		d.Venues.RegisterBalancer(batch)
		d.Balancer = append(d.Balancer, batch)
	}
	for _, u := range rt.Uniswap {
		swapRouter := venues.NewUniswapRouter(d.Ledger, u.Address)
		for _, p := range u.Pools {
			if _, err := swapRouter.CreatePool(p.TokenA, p.TokenB, p.Fee); err != nil {
				return fmt.Errorf("deploy: uniswap pool %s/%s: %w", d.Symbol(p.TokenA), d.Symbol(p.TokenB), err)
			}
			if p.SeedA == nil {
				continue
			}
			if err := d.approve(rt.Provider, u.Address, p.TokenA, p.TokenB); err != nil {
				return err
			}
			if err := swapRouter.AddLiquidity(ctx, rt.Provider, p.TokenA, p.TokenB, p.Fee, p.SeedA, p.SeedB); err != nil {
				return fmt.Errorf("deploy: seed uniswap pool %s/%s: %w", d.Symbol(p.TokenA), d.Symbol(p.TokenB), err)
			}
		}
		d.Venues.RegisterUniswap(swapRouter)
		d.Uniswap = append(d.Uniswap, swapRouter)
	}
	d.Router = router.New(d.Ledger, d.Venues)
	d.Router.SetLogger(logger)
	return nil
}

func (d *Deployment) approve(owner, spender common.Address, tokens ...common.Address) error {
	for _, token := range tokens {
		if err := d.Ledger.Approve(token, owner, spender, maxAllowance); err != nil {
			return fmt.Errorf("deploy: approve %s for %s: %w", d.Symbol(token), spender.Hex(), err)
		}
	}
	return nil
}

func (d *Deployment) buildMarket(m config.MarketDeployment, logger *slog.Logger) error {
	collateralVault, err := vault.New(d.Ledger, d.Pool, m.Vault, m.Collateral)
	if err != nil {
		return fmt.Errorf("deploy: vault for %s: %w", d.Symbol(m.Collateral), err)
	}
	collateralVault.SetGate(d.Whitelist)
	collateralVault.SetPauses(d.Pauses)
	collateralVault.SetLogger(logger)

	engine, err := leverage.New(d.Ledger, d.Pool, collateralVault, d.Oracle, d.Router, m.Engine)
	if err != nil {
		return fmt.Errorf("deploy: engine for %s: %w", d.Symbol(m.Collateral), err)
	}
	engine.SetWhitelist(d.Whitelist)
	engine.SetGuard(d.Guard)
	engine.SetPauses(d.Pauses)
	engine.SetLogger(logger)

	d.Manager.Attach(engine)
	err = d.seedOnce(seedKey("levswapper", m.Collateral, engine.Address()), func() error {
		return d.Manager.SetLevSwapper(d.Admin, m.Collateral, engine.Address())
	})
	if err != nil {
		return fmt.Errorf("deploy: register engine for %s: %w", d.Symbol(m.Collateral), err)
	}
	d.markets[m.Collateral] = &Market{Collateral: m.Collateral, Vault: collateralVault, Engine: engine}
	return nil
}

// Symbol returns the configured symbol of token, or its hex address.
func (d *Deployment) Symbol(token common.Address) string {
	if s, ok := d.Symbols[token]; ok {
		return s
	}
	return token.Hex()
}

// Token resolves a configured symbol or an address of a configured token.
func (d *Deployment) Token(ref string) (common.Address, error) {
	want := strings.ToUpper(strings.TrimSpace(ref))
	for addr, symbol := range d.Symbols {
		if symbol == want {
			return addr, nil
		}
	}
	addr, err := crypto.ParseAddress(ref)
	if err != nil {
		return common.Address{}, err
	}
	if _, ok := d.Decimals[addr]; !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownToken, ref)
	}
	return addr, nil
}

// Markets returns every market ordered by collateral symbol.
func (d *Deployment) Markets() []*Market {
	out := make([]*Market, 0, len(d.markets))
	for _, m := range d.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return d.Symbol(out[i].Collateral) < d.Symbol(out[j].Collateral) })
	return out
}

// Market resolves the engine serving collateral through the manager, so a
// registration removed at runtime stops routing calls to its engine.
func (d *Deployment) Market(collateral common.Address) (*Market, error) {
	engine, err := d.Manager.Resolve(collateral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMarket, err)
	}
	m, ok := d.markets[collateral]
	if !ok || m.Engine.Address() != engine.Address() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, d.Symbol(collateral))
	}
	return m, nil
}
