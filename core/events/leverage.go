package events

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/types"
)

const (
	// TypeLeverageEntered is emitted after a flash-loan funded position entry settles.
	TypeLeverageEntered = "leverage.entered"
	// TypeLeverageExited is emitted after a flash-loan funded deleverage settles.
	TypeLeverageExited = "leverage.exited"
)

// LeverageEntered summarises a successful position entry.
type LeverageEntered struct {
	OperationID     string
	Engine          common.Address
	User            common.Address
	Collateral      common.Address
	BorrowAsset     common.Address
	Principal       *big.Int
	LeverageBps     uint64
	FlashAmount     *big.Int
	Premium         *big.Int
	Swapped         *big.Int
	Deposited       *big.Int
	Borrowed        *big.Int
	HealthFactorWad *big.Int
}

func (LeverageEntered) EventType() string { return TypeLeverageEntered }

func (e LeverageEntered) Event() *types.Event {
	return &types.Event{
		Type: TypeLeverageEntered,
		Attributes: map[string]string{
			"operationId":  strings.TrimSpace(e.OperationID),
			"engine":       accountString(e.Engine),
			"user":         accountString(e.User),
			"collateral":   assetString(e.Collateral),
			"borrowAsset":  assetString(e.BorrowAsset),
			"principal":    amountString(e.Principal),
			"leverageBps":  new(big.Int).SetUint64(e.LeverageBps).String(),
			"flashAmount":  amountString(e.FlashAmount),
			"premium":      amountString(e.Premium),
			"swapped":      amountString(e.Swapped),
			"deposited":    amountString(e.Deposited),
			"borrowed":     amountString(e.Borrowed),
			"healthFactor": amountString(e.HealthFactorWad),
		},
	}
}

// LeverageExited summarises a successful (possibly partial) deleverage.
type LeverageExited struct {
	OperationID       string
	Engine            common.Address
	User              common.Address
	Collateral        common.Address
	BorrowAsset       common.Address
	Repaid            *big.Int
	Withdrawn         *big.Int
	SwappedCollateral *big.Int
	Recovered         *big.Int
	Premium           *big.Int
	ReturnedBorrow    *big.Int
	ReturnedCollat    *big.Int
	HealthFactorWad   *big.Int
}

func (LeverageExited) EventType() string { return TypeLeverageExited }

func (e LeverageExited) Event() *types.Event {
	return &types.Event{
		Type: TypeLeverageExited,
		Attributes: map[string]string{
			"operationId":         strings.TrimSpace(e.OperationID),
			"engine":              accountString(e.Engine),
			"user":                accountString(e.User),
			"collateral":          assetString(e.Collateral),
			"borrowAsset":         assetString(e.BorrowAsset),
			"repaid":              amountString(e.Repaid),
			"withdrawn":           amountString(e.Withdrawn),
			"swappedCollateral":   amountString(e.SwappedCollateral),
			"recovered":           amountString(e.Recovered),
			"premium":             amountString(e.Premium),
			"returnedBorrowAsset": amountString(e.ReturnedBorrow),
			"returnedCollateral":  amountString(e.ReturnedCollat),
			"healthFactor":        amountString(e.HealthFactorWad),
		},
	}
}
