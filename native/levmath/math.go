// Package levmath holds the fixed-point arithmetic behind leveraged entries
// and exits. Prices are scaled by 1e18 and percentages are expressed in basis
// points (10000 = 100%). Amounts paid out or withdrawn round down, amounts a
// user must supply or repay round up.
package levmath

import (
	"errors"
	"math/big"
)

var (
	ErrZeroPrice     = errors.New("levmath: price must be positive")
	ErrZeroThreshold = errors.New("levmath: liquidation threshold must be positive")
	ErrZeroDivisor   = errors.New("levmath: division by zero")
)

var (
	// PercentageFactor is 100% in basis points.
	PercentageFactor = big.NewInt(10_000)
	// Wad is the 1e18 scale used for prices, values and health factors.
	Wad = big.NewInt(1_000_000_000_000_000_000)
	// MaxHealthFactor is reported for positions without debt.
	MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func bps(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// MulDivDown returns floor(a*b/c).
func MulDivDown(a, b, c *big.Int) *big.Int {
	if c == nil || c.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(orZero(a), orZero(b))
	return out.Quo(out, c)
}

// MulDivUp returns ceil(a*b/c) for non-negative operands.
func MulDivUp(a, b, c *big.Int) *big.Int {
	if c == nil || c.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(orZero(a), orZero(b))
	rem := new(big.Int)
	out.QuoRem(out, c, rem)
	if rem.Sign() > 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// PercentMulDown applies a basis point percentage, rounding down.
func PercentMulDown(value *big.Int, percentBps uint64) *big.Int {
	return MulDivDown(value, bps(percentBps), PercentageFactor)
}

// PercentMulUp applies a basis point percentage, rounding up.
func PercentMulUp(value *big.Int, percentBps uint64) *big.Int {
	return MulDivUp(value, bps(percentBps), PercentageFactor)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// ComputeFlashloanAmount returns principal*leverageBps/10000, rounded down.
func ComputeFlashloanAmount(principal *big.Int, leverageBps uint64) *big.Int {
	return PercentMulDown(principal, leverageBps)
}

// ComputeBorrowAmount sizes the borrow that, swapped back into collateral,
// reaches the requested leverage without exceeding ltvBps:
//
//	collateralAmount * (1 + leverage) * collateralPrice * ltv / borrowAssetPrice
//
// The result is rounded down once, after every multiplication.
func ComputeBorrowAmount(collateralAmount *big.Int, leverageBps uint64, collateralPrice *big.Int, ltvBps uint64, borrowAssetPrice *big.Int) (*big.Int, error) {
	if borrowAssetPrice == nil || borrowAssetPrice.Sign() <= 0 || collateralPrice == nil || collateralPrice.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	num := new(big.Int).Mul(orZero(collateralAmount), new(big.Int).Add(PercentageFactor, bps(leverageBps)))
	num.Mul(num, collateralPrice)
	num.Mul(num, bps(ltvBps))
	den := new(big.Int).Mul(PercentageFactor, PercentageFactor)
	den.Mul(den, borrowAssetPrice)
	return num.Quo(num, den), nil
}

// ComputeMaxWithdrawable returns the largest collateral amount (18 decimals)
// that may leave the position once repayValue of debt has been repaid,
// keeping the health factor at or above 1.
//
// currentLiqThresholdBps is the position's weighted threshold and
// assetLiqThresholdBps the threshold of the collateral being withdrawn. They
// are separate inputs and are not assumed equal.
func ComputeMaxWithdrawable(totalCollateralValue, totalDebtValue, repayValue *big.Int, currentLiqThresholdBps, assetLiqThresholdBps uint64, collateralPrice, existingCollateralAmount *big.Int) (*big.Int, error) {
	return ComputeMaxWithdrawableDecimals(totalCollateralValue, totalDebtValue, repayValue, currentLiqThresholdBps, assetLiqThresholdBps, collateralPrice, existingCollateralAmount, 18)
}

// ComputeMaxWithdrawableDecimals is ComputeMaxWithdrawable for collateral with
// an arbitrary number of decimals.
func ComputeMaxWithdrawableDecimals(totalCollateralValue, totalDebtValue, repayValue *big.Int, currentLiqThresholdBps, assetLiqThresholdBps uint64, collateralPrice, existingCollateralAmount *big.Int, collateralDecimals uint8) (*big.Int, error) {
	if collateralPrice == nil || collateralPrice.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	if assetLiqThresholdBps == 0 {
		return nil, ErrZeroThreshold
	}
	headroom := PercentMulDown(totalCollateralValue, currentLiqThresholdBps)
	headroom.Sub(headroom, orZero(totalDebtValue))
	headroom.Add(headroom, orZero(repayValue))
	if headroom.Sign() <= 0 {
		return new(big.Int), nil
	}
	withdrawValue := MulDivDown(headroom, PercentageFactor, bps(assetLiqThresholdBps))
	amount := MulDivDown(withdrawValue, pow10(collateralDecimals), collateralPrice)
	existing := orZero(existingCollateralAmount)
	if amount.Cmp(existing) > 0 {
		return new(big.Int).Set(existing), nil
	}
	return amount, nil
}

// HealthFactor returns collateralValue*threshold/debtValue scaled by 1e18.
// Positions without debt report MaxHealthFactor.
func HealthFactor(collateralValue, debtValue *big.Int, liqThresholdBps uint64) *big.Int {
	if debtValue == nil || debtValue.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	adjusted := PercentMulDown(collateralValue, liqThresholdBps)
	return MulDivDown(adjusted, Wad, debtValue)
}

// ComputeFlashloanPremium returns the fee owed on a flash loan. The borrower
// supplies it, so it rounds up.
func ComputeFlashloanPremium(amount *big.Int, premiumBps uint64) *big.Int {
	return PercentMulUp(amount, premiumBps)
}

// ComputeRepayWithPremium returns amount plus its flash loan premium.
func ComputeRepayWithPremium(amount *big.Int, premiumBps uint64) *big.Int {
	return new(big.Int).Add(orZero(amount), ComputeFlashloanPremium(amount, premiumBps))
}

// Value converts a token amount into a 1e18-scaled value.
func Value(amount, price *big.Int, decimals uint8) *big.Int {
	return MulDivDown(amount, price, pow10(decimals))
}

// ValueUp is Value rounded up, used for debt.
func ValueUp(amount, price *big.Int, decimals uint8) *big.Int {
	return MulDivUp(amount, price, pow10(decimals))
}

// ConvertAmount converts an amount of one asset into the equivalent amount of
// another using their prices, rounding down.
func ConvertAmount(amount, fromPrice *big.Int, fromDecimals uint8, toPrice *big.Int, toDecimals uint8) (*big.Int, error) {
	if fromPrice == nil || fromPrice.Sign() <= 0 || toPrice == nil || toPrice.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	num := new(big.Int).Mul(orZero(amount), fromPrice)
	num.Mul(num, pow10(toDecimals))
	den := new(big.Int).Mul(toPrice, pow10(fromDecimals))
	return num.Quo(num, den), nil
}

// ConvertAmountUp is ConvertAmount rounded up.
func ConvertAmountUp(amount, fromPrice *big.Int, fromDecimals uint8, toPrice *big.Int, toDecimals uint8) (*big.Int, error) {
	if fromPrice == nil || fromPrice.Sign() <= 0 || toPrice == nil || toPrice.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	num := new(big.Int).Mul(orZero(amount), fromPrice)
	num.Mul(num, pow10(toDecimals))
	den := new(big.Int).Mul(toPrice, pow10(fromDecimals))
	return MulDivUp(num, big.NewInt(1), den), nil
}

// ApplySlippage reduces amount by slippageBps, rounding down. It is used to
// derive minimum outputs for swap bounds.
func ApplySlippage(amount *big.Int, slippageBps uint64) *big.Int {
	if slippageBps >= 10_000 {
		return new(big.Int)
	}
	return PercentMulDown(amount, 10_000-slippageBps)
}

// SplitProportionally divides total across weights, rounding each share down
// and assigning the remainder to the last positive weight.
func SplitProportionally(total *big.Int, weights []*big.Int) ([]*big.Int, error) {
	sum := new(big.Int)
	last := -1
	for i, w := range weights {
		if w == nil || w.Sign() < 0 {
			return nil, ErrZeroDivisor
		}
		if w.Sign() > 0 {
			last = i
		}
		sum.Add(sum, w)
	}
	if sum.Sign() == 0 {
		return nil, ErrZeroDivisor
	}
	shares := make([]*big.Int, len(weights))
	assigned := new(big.Int)
	for i, w := range weights {
		if i == last {
			continue
		}
		shares[i] = MulDivDown(total, w, sum)
		assigned.Add(assigned, shares[i])
	}
	shares[last] = new(big.Int).Sub(orZero(total), assigned)
	return shares, nil
}
