package journal

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"levlend/native/leverage"
)

// EnterCall is the request side of an entry.
type EnterCall struct {
	User        common.Address
	Collateral  common.Address
	BorrowAsset common.Address
	Principal   *big.Int
	LeverageBps uint64
	RouteIndex  int
}

// ExitCall is the request side of an exit.
type ExitCall struct {
	User        common.Address
	Collateral  common.Address
	BorrowAsset common.Address
	Repay       *big.Int
	Withdraw    *big.Int
	RouteIndex  int
}

// FromEnter builds the journal row of an entry from its request and result.
// A non-nil err marks the row reverted.
func FromEnter(call EnterCall, res *leverage.EnterResult, err error) *Operation {
	op := &Operation{
		Kind:        KindEnter,
		User:        call.User.Hex(),
		Collateral:  call.Collateral.Hex(),
		BorrowAsset: call.BorrowAsset.Hex(),
		LeverageBps: call.LeverageBps,
		RouteIndex:  call.RouteIndex,
		Principal:   amount(call.Principal),
	}
	if err != nil {
		op.revert(err)
		return op
	}
	op.Outcome = OutcomeCommitted
	if res != nil {
		op.ID = parseID(res.OperationID)
		op.FlashAmount = amount(res.FlashAmount)
		op.Premium = amount(res.Premium)
		op.CollateralMoved = amount(res.Deposited)
		op.DebtMoved = amount(res.Borrowed)
		op.HealthFactor = amount(res.HealthFactor)
	}
	return op
}

// FromExit builds the journal row of an exit. The flash loan of an exit
// equals the repaid debt.
func FromExit(call ExitCall, res *leverage.ExitResult, err error) *Operation {
	op := &Operation{
		Kind:        KindExit,
		User:        call.User.Hex(),
		Collateral:  call.Collateral.Hex(),
		BorrowAsset: call.BorrowAsset.Hex(),
		RouteIndex:  call.RouteIndex,
		Principal:   amount(call.Withdraw),
		FlashAmount: amount(call.Repay),
	}
	if err != nil {
		op.revert(err)
		return op
	}
	op.Outcome = OutcomeCommitted
	if res != nil {
		op.ID = parseID(res.OperationID)
		op.Premium = amount(res.Premium)
		op.CollateralMoved = amount(res.Withdrawn)
		op.DebtMoved = amount(res.Repaid)
		op.HealthFactor = amount(res.HealthFactor)
	}
	return op
}

func (op *Operation) revert(err error) {
	op.Outcome = OutcomeReverted
	op.ErrorKind = string(leverage.Classify(err))
	op.Error = err.Error()
}

func parseID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func amount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
