package venues

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	curveMaxIterations = 255
	// CurveFeeDenominator scales CurvePoolConfig.Fee, so 4_000_000 is 0.04%.
	CurveFeeDenominator = 10_000_000_000
)

var curveFeeDenominator = big.NewInt(CurveFeeDenominator)

// CurvePoolConfig describes a StableSwap pool.
type CurvePoolConfig struct {
	Address  common.Address
	Coins    []common.Address
	Decimals []uint8
	LPToken  common.Address
	A        uint64
	Fee      uint64
}

// CurvePool is an N-coin StableSwap pool. Coin balances are the ledger
// balances of the pool address and the LP supply is the ledger supply of the
// LP token.
type CurvePool struct {
	ledger     Ledger
	cfg        CurvePoolConfig
	precisions []*big.Int
}

// NewCurvePool validates cfg and binds the pool to ledger.
func NewCurvePool(ledger Ledger, cfg CurvePoolConfig) (*CurvePool, error) {
	n := len(cfg.Coins)
	if n < 2 || n > 4 {
		return nil, fmt.Errorf("venues: curve pool needs 2-4 coins, got %d", n)
	}
	if len(cfg.Decimals) != n {
		return nil, fmt.Errorf("venues: curve pool decimals mismatch")
	}
	if cfg.A == 0 {
		return nil, fmt.Errorf("venues: curve amplification must be positive")
	}
	if cfg.Fee >= CurveFeeDenominator/2 {
		return nil, fmt.Errorf("venues: curve fee too large")
	}
	seen := make(map[common.Address]struct{}, n)
	precisions := make([]*big.Int, n)
	for i, coin := range cfg.Coins {
		if _, dup := seen[coin]; dup {
			return nil, fmt.Errorf("venues: duplicate curve coin %s", coin.Hex())
		}
		seen[coin] = struct{}{}
		if cfg.Decimals[i] > 18 {
			return nil, fmt.Errorf("venues: curve coin decimals above 18")
		}
		precisions[i] = pow10(18 - cfg.Decimals[i])
	}
	cfg.Coins = append([]common.Address(nil), cfg.Coins...)
	cfg.Decimals = append([]uint8(nil), cfg.Decimals...)
	return &CurvePool{ledger: ledger, cfg: cfg, precisions: precisions}, nil
}

func (p *CurvePool) Address() common.Address { return p.cfg.Address }
func (p *CurvePool) LPToken() common.Address { return p.cfg.LPToken }
func (p *CurvePool) NCoins() int             { return len(p.cfg.Coins) }

// Coin returns the token at index i.
func (p *CurvePool) Coin(i int) (common.Address, bool) {
	if i < 0 || i >= len(p.cfg.Coins) {
		return common.Address{}, false
	}
	return p.cfg.Coins[i], true
}

// CoinIndex returns the index of token in the pool.
func (p *CurvePool) CoinIndex(token common.Address) (int, bool) {
	for i, coin := range p.cfg.Coins {
		if coin == token {
			return i, true
		}
	}
	return -1, false
}

// Balances returns the current coin balances held by the pool.
func (p *CurvePool) Balances() []*big.Int {
	out := make([]*big.Int, len(p.cfg.Coins))
	for i, coin := range p.cfg.Coins {
		out[i] = p.ledger.BalanceOf(coin, p.cfg.Address)
	}
	return out
}

func (p *CurvePool) xp(balances []*big.Int) []*big.Int {
	out := make([]*big.Int, len(balances))
	for i, bal := range balances {
		out[i] = new(big.Int).Mul(bal, p.precisions[i])
	}
	return out
}

func (p *CurvePool) checkIndex(i int) error {
	if i < 0 || i >= len(p.cfg.Coins) {
		return fmt.Errorf("%w: index %d", ErrUnknownToken, i)
	}
	return nil
}

func (p *CurvePool) getD(xp []*big.Int) (*big.Int, error) {
	n := big.NewInt(int64(len(xp)))
	sum := new(big.Int)
	for _, x := range xp {
		sum.Add(sum, x)
	}
	if sum.Sign() == 0 {
		return new(big.Int), nil
	}
	ann := new(big.Int).Mul(new(big.Int).SetUint64(p.cfg.A), n)
	d := new(big.Int).Set(sum)
	one := big.NewInt(1)
	for iter := 0; iter < curveMaxIterations; iter++ {
		dP := new(big.Int).Set(d)
		for _, x := range xp {
			if x.Sign() == 0 {
				return nil, ErrEmptyPool
			}
			dP.Mul(dP, d)
			dP.Quo(dP, new(big.Int).Mul(x, n))
		}
		prev := new(big.Int).Set(d)
		num := new(big.Int).Mul(ann, sum)
		num.Add(num, new(big.Int).Mul(dP, n))
		num.Mul(num, d)
		den := new(big.Int).Mul(new(big.Int).Sub(ann, one), d)
		den.Add(den, new(big.Int).Mul(new(big.Int).Add(n, one), dP))
		d = num.Quo(num, den)
		if abs(new(big.Int).Sub(d, prev)).Cmp(one) <= 0 {
			return d, nil
		}
	}
	return nil, ErrNoConvergence
}

// solveY solves the invariant for coin i given the other balances and D.
// When x is non-nil, coin j takes the value x instead of its balance.
func (p *CurvePool) solveY(i int, xp []*big.Int, d *big.Int, j int, x *big.Int) (*big.Int, error) {
	n := big.NewInt(int64(len(xp)))
	ann := new(big.Int).Mul(new(big.Int).SetUint64(p.cfg.A), n)
	c := new(big.Int).Set(d)
	s := new(big.Int)
	for k := range xp {
		var v *big.Int
		switch {
		case k == i:
			continue
		case x != nil && k == j:
			v = x
		default:
			v = xp[k]
		}
		if v.Sign() == 0 {
			return nil, ErrEmptyPool
		}
		s.Add(s, v)
		c.Mul(c, d)
		c.Quo(c, new(big.Int).Mul(v, n))
	}
	c.Mul(c, d)
	c.Quo(c, new(big.Int).Mul(ann, n))
	b := new(big.Int).Add(s, new(big.Int).Quo(d, ann))
	y := new(big.Int).Set(d)
	one := big.NewInt(1)
	two := big.NewInt(2)
	for iter := 0; iter < curveMaxIterations; iter++ {
		prev := new(big.Int).Set(y)
		num := new(big.Int).Mul(y, y)
		num.Add(num, c)
		den := new(big.Int).Mul(two, y)
		den.Add(den, b)
		den.Sub(den, d)
		if den.Sign() <= 0 {
			return nil, ErrNoConvergence
		}
		y = num.Quo(num, den)
		if abs(new(big.Int).Sub(y, prev)).Cmp(one) <= 0 {
			return y, nil
		}
	}
	return nil, ErrNoConvergence
}

func (p *CurvePool) feeOf(amount *big.Int, fee *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, fee)
	return out.Quo(out, curveFeeDenominator)
}

func (p *CurvePool) imbalanceFee() *big.Int {
	n := int64(len(p.cfg.Coins))
	fee := new(big.Int).SetUint64(p.cfg.Fee)
	fee.Mul(fee, big.NewInt(n))
	return fee.Quo(fee, big.NewInt(4*(n-1)))
}

// GetDy quotes the output of exchanging dx of coin i for coin j.
func (p *CurvePool) GetDy(i, j int, dx *big.Int) (*big.Int, error) {
	return p.getDy(i, j, dx, p.Balances())
}

func (p *CurvePool) getDy(i, j int, dx *big.Int, balances []*big.Int) (*big.Int, error) {
	if err := p.checkIndex(i); err != nil {
		return nil, err
	}
	if err := p.checkIndex(j); err != nil {
		return nil, err
	}
	if i == j {
		return nil, ErrSameToken
	}
	if !positive(dx) {
		return nil, ErrInvalidAmount
	}
	xp := p.xp(balances)
	d, err := p.getD(xp)
	if err != nil {
		return nil, err
	}
	if d.Sign() == 0 {
		return nil, ErrEmptyPool
	}
	x := new(big.Int).Add(xp[i], new(big.Int).Mul(dx, p.precisions[i]))
	y, err := p.solveY(j, xp, d, i, x)
	if err != nil {
		return nil, err
	}
	dy := new(big.Int).Sub(xp[j], y)
	dy.Sub(dy, big.NewInt(1))
	if dy.Sign() <= 0 {
		return new(big.Int), nil
	}
	dy.Sub(dy, p.feeOf(dy, new(big.Int).SetUint64(p.cfg.Fee)))
	return dy.Quo(dy, p.precisions[j]), nil
}

// Exchange swaps dx of coin i for coin j, pulling dx from caller and paying
// receiver. caller must have approved the pool for dx.
func (p *CurvePool) Exchange(ctx context.Context, caller common.Address, i, j int, dx, minDy *big.Int, receiver common.Address) (*big.Int, error) {
	var dy *big.Int
	err := p.ledger.Execute(ctx, func(context.Context) error {
		out, err := p.GetDy(i, j, dx)
		if err != nil {
			return err
		}
		if minDy != nil && out.Cmp(minDy) < 0 {
			return fmt.Errorf("%w: got %s, minimum %s", ErrInsufficientOutput, out, minDy)
		}
		if out.Sign() == 0 {
			return ErrInsufficientOutput
		}
		if err := p.ledger.TransferFrom(p.cfg.Coins[i], p.cfg.Address, caller, p.cfg.Address, dx); err != nil {
			return err
		}
		if err := p.ledger.Transfer(p.cfg.Coins[j], p.cfg.Address, receiver, out); err != nil {
			return err
		}
		dy = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dy, nil
}

// ExchangeUnderlying swaps underlying coins. Pool coins are held unwrapped,
// so this settles exactly like Exchange.
func (p *CurvePool) ExchangeUnderlying(ctx context.Context, caller common.Address, i, j int, dx, minDy *big.Int, receiver common.Address) (*big.Int, error) {
	return p.Exchange(ctx, caller, i, j, dx, minDy, receiver)
}

// CalcTokenAmount estimates LP minted (deposit) or burned (withdrawal) for
// the given coin amounts, ignoring fees.
func (p *CurvePool) CalcTokenAmount(amounts []*big.Int, deposit bool) (*big.Int, error) {
	if len(amounts) != len(p.cfg.Coins) {
		return nil, fmt.Errorf("venues: expected %d amounts", len(p.cfg.Coins))
	}
	balances := p.Balances()
	d0, err := p.getD(p.xp(balances))
	if err != nil {
		return nil, err
	}
	next := make([]*big.Int, len(balances))
	for k, bal := range balances {
		next[k] = new(big.Int).Set(bal)
		if amounts[k] == nil {
			continue
		}
		if deposit {
			next[k].Add(next[k], amounts[k])
		} else {
			next[k].Sub(next[k], amounts[k])
		}
	}
	d1, err := p.getD(p.xp(next))
	if err != nil {
		return nil, err
	}
	supply := p.ledger.TotalSupply(p.cfg.LPToken)
	if supply.Sign() == 0 || d0.Sign() == 0 {
		return d1, nil
	}
	diff := abs(new(big.Int).Sub(d1, d0))
	return diff.Mul(diff, supply).Quo(diff, d0), nil
}

func (p *CurvePool) mintAmount(amounts []*big.Int) (*big.Int, error) {
	if len(amounts) != len(p.cfg.Coins) {
		return nil, fmt.Errorf("venues: expected %d amounts", len(p.cfg.Coins))
	}
	supply := p.ledger.TotalSupply(p.cfg.LPToken)
	old := p.Balances()
	d0 := new(big.Int)
	if supply.Sign() > 0 {
		var err error
		if d0, err = p.getD(p.xp(old)); err != nil {
			return nil, err
		}
	}
	next := make([]*big.Int, len(old))
	deposited := false
	for k := range old {
		amt := amounts[k]
		if amt == nil {
			amt = new(big.Int)
		}
		if amt.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		if supply.Sign() == 0 && amt.Sign() == 0 {
			return nil, fmt.Errorf("%w: initial deposit requires every coin", ErrInvalidAmount)
		}
		if amt.Sign() > 0 {
			deposited = true
		}
		next[k] = new(big.Int).Add(old[k], amt)
	}
	if !deposited {
		return nil, ErrInvalidAmount
	}
	d1, err := p.getD(p.xp(next))
	if err != nil {
		return nil, err
	}
	if d1.Cmp(d0) <= 0 {
		return nil, ErrInvalidAmount
	}
	if supply.Sign() == 0 {
		return d1, nil
	}
	fee := p.imbalanceFee()
	adjusted := make([]*big.Int, len(next))
	for k := range next {
		ideal := new(big.Int).Mul(d1, old[k])
		ideal.Quo(ideal, d0)
		diff := abs(new(big.Int).Sub(ideal, next[k]))
		adjusted[k] = new(big.Int).Sub(next[k], p.feeOf(diff, fee))
	}
	d2, err := p.getD(p.xp(adjusted))
	if err != nil {
		return nil, err
	}
	mint := new(big.Int).Sub(d2, d0)
	mint.Mul(mint, supply)
	return mint.Quo(mint, d0), nil
}

// AddLiquidity deposits amounts (one entry per coin, zero allowed after the
// first deposit) and mints LP tokens to receiver.
func (p *CurvePool) AddLiquidity(ctx context.Context, caller common.Address, amounts []*big.Int, minMint *big.Int, receiver common.Address) (*big.Int, error) {
	var minted *big.Int
	err := p.ledger.Execute(ctx, func(context.Context) error {
		mint, err := p.mintAmount(amounts)
		if err != nil {
			return err
		}
		if minMint != nil && mint.Cmp(minMint) < 0 {
			return fmt.Errorf("%w: minted %s, minimum %s", ErrInsufficientOutput, mint, minMint)
		}
		for k, amt := range amounts {
			if !positive(amt) {
				continue
			}
			if err := p.ledger.TransferFrom(p.cfg.Coins[k], p.cfg.Address, caller, p.cfg.Address, amt); err != nil {
				return err
			}
		}
		if err := p.ledger.Mint(p.cfg.LPToken, receiver, mint); err != nil {
			return err
		}
		minted = mint
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// CalcWithdrawOneCoin quotes the coin i received for burning amount LP.
func (p *CurvePool) CalcWithdrawOneCoin(amount *big.Int, i int) (*big.Int, error) {
	if err := p.checkIndex(i); err != nil {
		return nil, err
	}
	if !positive(amount) {
		return nil, ErrInvalidAmount
	}
	supply := p.ledger.TotalSupply(p.cfg.LPToken)
	if supply.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: burn exceeds LP supply", ErrInvalidAmount)
	}
	xp := p.xp(p.Balances())
	d0, err := p.getD(xp)
	if err != nil {
		return nil, err
	}
	d1 := new(big.Int).Mul(amount, d0)
	d1.Quo(d1, supply)
	d1.Sub(d0, d1)
	newY, err := p.solveY(i, xp, d1, -1, nil)
	if err != nil {
		return nil, err
	}
	fee := p.imbalanceFee()
	reduced := make([]*big.Int, len(xp))
	for k := range xp {
		scaled := new(big.Int).Mul(xp[k], d1)
		scaled.Quo(scaled, d0)
		var expected *big.Int
		if k == i {
			expected = scaled.Sub(scaled, newY)
		} else {
			expected = new(big.Int).Sub(xp[k], scaled)
		}
		reduced[k] = new(big.Int).Sub(xp[k], p.feeOf(expected, fee))
	}
	y, err := p.solveY(i, reduced, d1, -1, nil)
	if err != nil {
		return nil, err
	}
	dy := new(big.Int).Sub(reduced[i], y)
	dy.Sub(dy, big.NewInt(1))
	if dy.Sign() <= 0 {
		return new(big.Int), nil
	}
	return dy.Quo(dy, p.precisions[i]), nil
}

// RemoveLiquidityOneCoin burns amount LP from caller and pays coin i to
// receiver.
func (p *CurvePool) RemoveLiquidityOneCoin(ctx context.Context, caller common.Address, amount *big.Int, i int, minOut *big.Int, receiver common.Address) (*big.Int, error) {
	var paid *big.Int
	err := p.ledger.Execute(ctx, func(context.Context) error {
		dy, err := p.CalcWithdrawOneCoin(amount, i)
		if err != nil {
			return err
		}
		if minOut != nil && dy.Cmp(minOut) < 0 {
			return fmt.Errorf("%w: got %s, minimum %s", ErrInsufficientOutput, dy, minOut)
		}
		if dy.Sign() == 0 {
			return ErrInsufficientOutput
		}
		if err := p.ledger.Burn(p.cfg.LPToken, caller, amount); err != nil {
			return err
		}
		if err := p.ledger.Transfer(p.cfg.Coins[i], p.cfg.Address, receiver, dy); err != nil {
			return err
		}
		paid = dy
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// VirtualPrice returns D per LP token scaled by 1e18.
func (p *CurvePool) VirtualPrice() (*big.Int, error) {
	supply := p.ledger.TotalSupply(p.cfg.LPToken)
	if supply.Sign() == 0 {
		return nil, ErrEmptyPool
	}
	d, err := p.getD(p.xp(p.Balances()))
	if err != nil {
		return nil, err
	}
	d.Mul(d, pow10(18))
	return d.Quo(d, supply), nil
}
