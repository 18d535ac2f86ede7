package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/types"
)

const (
	TypeLendingDeposit    = "lending.deposit"
	TypeLendingWithdraw   = "lending.withdraw"
	TypeLendingBorrow     = "lending.borrow"
	TypeLendingRepay      = "lending.repay"
	TypeLendingFlashLoan  = "lending.flash_loan"
	TypeLendingDelegation = "lending.delegation"
)

// LendingAction records a pool movement. Action is one of the lending.* types.
type LendingAction struct {
	Action     string
	Reserve    common.Address
	Caller     common.Address
	OnBehalfOf common.Address
	Recipient  common.Address
	Amount     *big.Int
}

func (e LendingAction) EventType() string { return e.Action }

func (e LendingAction) Event() *types.Event {
	return &types.Event{
		Type: e.Action,
		Attributes: map[string]string{
			"reserve":    assetString(e.Reserve),
			"caller":     accountString(e.Caller),
			"onBehalfOf": accountString(e.OnBehalfOf),
			"recipient":  accountString(e.Recipient),
			"amount":     amountString(e.Amount),
		},
	}
}

// FlashLoan is emitted once per borrowed asset after the loan is repaid.
type FlashLoan struct {
	Receiver  common.Address
	Initiator common.Address
	Asset     common.Address
	Amount    *big.Int
	Premium   *big.Int
}

func (FlashLoan) EventType() string { return TypeLendingFlashLoan }

func (e FlashLoan) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingFlashLoan,
		Attributes: map[string]string{
			"receiver":  accountString(e.Receiver),
			"initiator": accountString(e.Initiator),
			"asset":     assetString(e.Asset),
			"amount":    amountString(e.Amount),
			"premium":   amountString(e.Premium),
		},
	}
}

// DelegationApproved is emitted when a borrower grants credit to a delegatee.
type DelegationApproved struct {
	Delegator common.Address
	Delegatee common.Address
	Asset     common.Address
	Amount    *big.Int
}

func (DelegationApproved) EventType() string { return TypeLendingDelegation }

func (e DelegationApproved) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingDelegation,
		Attributes: map[string]string{
			"delegator": accountString(e.Delegator),
			"delegatee": accountString(e.Delegatee),
			"asset":     assetString(e.Asset),
			"amount":    amountString(e.Amount),
		},
	}
}
