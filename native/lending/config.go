package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultFlashLoanPremiumBps is the premium charged when none is configured.
const DefaultFlashLoanPremiumBps = 9

// Config captures the runtime configuration for the lending pool.
type Config struct {
	FlashLoanPremiumBps uint64          `toml:"FlashLoanPremiumBps" yaml:"flashLoanPremiumBps"`
	Reserves            []ReserveConfig `toml:"-" yaml:"-"`
}

// EnsureDefaults fills unset fields.
func (c *Config) EnsureDefaults() {
	if c.FlashLoanPremiumBps == 0 {
		c.FlashLoanPremiumBps = DefaultFlashLoanPremiumBps
	}
}

// Validate checks the premium and every reserve.
func (c Config) Validate() error {
	if c.FlashLoanPremiumBps > 10_000 {
		return fmt.Errorf("lending: flash loan premium %d bps exceeds 100%%", c.FlashLoanPremiumBps)
	}
	seen := make(map[common.Address]struct{}, len(c.Reserves))
	for _, r := range c.Reserves {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.Asset]; dup {
			return fmt.Errorf("lending: duplicate reserve %s", r.Asset.Hex())
		}
		seen[r.Asset] = struct{}{}
	}
	return nil
}

// Validate checks the risk parameters and token addresses of a reserve.
func (c ReserveConfig) Validate() error {
	zero := common.Address{}
	if c.Asset == zero || c.ReceiptToken == zero || c.DebtToken == zero {
		return fmt.Errorf("lending: reserve requires asset, receipt and debt token addresses")
	}
	if c.Asset == c.ReceiptToken || c.Asset == c.DebtToken || c.ReceiptToken == c.DebtToken {
		return fmt.Errorf("lending: reserve %s token addresses must differ", c.Asset.Hex())
	}
	if c.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("lending: reserve %s liquidation threshold above 100%%", c.Asset.Hex())
	}
	if c.LTVBps > c.LiquidationThresholdBps {
		return fmt.Errorf("lending: reserve %s LTV above liquidation threshold", c.Asset.Hex())
	}
	if c.Decimals > 36 {
		return fmt.Errorf("lending: reserve %s decimals above 36", c.Asset.Hex())
	}
	return nil
}
