package lending

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ReserveConfig describes one asset listed in the pool.
type ReserveConfig struct {
	// Asset is the underlying token supplied and borrowed.
	Asset common.Address
	// Decimals of the underlying token, used to value balances with 1e18
	// oracle prices.
	Decimals uint8
	// LTVBps caps how much may be borrowed against the reserve, in basis
	// points of its value. Zero means the reserve cannot back new borrows.
	LTVBps uint64
	// LiquidationThresholdBps is the share of the reserve value counted by
	// the health factor. Zero excludes the reserve from collateral.
	LiquidationThresholdBps uint64
	// ReceiptToken is the interest-free receipt minted 1:1 on deposit. Its
	// account also holds the reserve's underlying liquidity.
	ReceiptToken common.Address
	// DebtToken tracks variable debt 1:1 with the borrowed amount. Ledger
	// allowances on it record credit delegation.
	DebtToken common.Address
	// BorrowingEnabled allows the asset to be borrowed.
	BorrowingEnabled bool
}

// InterestRateMode selects the debt flavour of a borrow. Only variable debt
// is supported.
type InterestRateMode uint8

const (
	RateModeNone     InterestRateMode = 0
	RateModeStable   InterestRateMode = 1
	RateModeVariable InterestRateMode = 2
)

// AccountData aggregates a user's position across reserves. Values are
// 1e18-scaled and the health factor is 1e18 at the liquidation boundary.
type AccountData struct {
	TotalCollateralValue           *big.Int
	TotalDebtValue                 *big.Int
	AvailableBorrowsValue          *big.Int
	CurrentLiquidationThresholdBps uint64
	LTVBps                         uint64
	HealthFactor                   *big.Int
}

// FlashLoanCall is handed to the receiver while the loan is outstanding.
type FlashLoanCall struct {
	Pool      common.Address
	Assets    []common.Address
	Amounts   []*big.Int
	Premiums  []*big.Int
	Initiator common.Address
	Params    []byte
}

// FlashLoanReceiver receives flash-loaned funds. Before ExecuteOperation
// returns, the receiver must approve the pool for every amount plus its
// premium; the pool pulls the repayment afterwards.
type FlashLoanReceiver interface {
	Address() common.Address
	ExecuteOperation(ctx context.Context, call FlashLoanCall) error
}

// PriceOracle serves 1e18-scaled prices.
type PriceOracle interface {
	GetAssetPrice(asset common.Address) (*big.Int, error)
}
