package leverage

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"levlend/core/events"
	"levlend/native/lending"
	"levlend/native/router"
)

// WithdrawWithFlashloan deleverages the user's position. It flash-borrows
// repayAmount of borrowAsset, repays that much of the user's debt, withdraws
// principalAmount of collateral through the vault, swaps the amount declared
// by the reverse paths of info back into borrowAsset and settles the loan.
// Whatever is left of both assets goes to the user. The user must have
// approved the engine for principalAmount of collateralReceipt.
func (e *Engine) WithdrawWithFlashloan(ctx context.Context, user common.Address, repayAmount, principalAmount *big.Int, borrowAsset, collateralReceipt common.Address, routeIndex int, info router.Info) (*ExitResult, error) {
	op := &operation{
		kind:        opExit,
		user:        user,
		borrowAsset: borrowAsset,
		routeIndex:  routeIndex,
		info:        info,
	}
	if e != nil && e.newID != nil {
		op.id = e.newID()
	}
	if repayAmount != nil {
		op.repayAmount = new(big.Int).Set(repayAmount)
	}
	if principalAmount != nil {
		op.withdrawAmt = new(big.Int).Set(principalAmount)
	}
	var result *ExitResult
	err := e.run(ctx, op, func(ctx context.Context) error {
		if err := e.validateExit(op, collateralReceipt); err != nil {
			return err
		}
		if err := e.admit(user); err != nil {
			return err
		}
		op.flashAmount = op.repayAmount
		return e.ledger.Execute(ctx, func(ctx context.Context) error {
			op.baseBorrow = e.ledger.BalanceOf(borrowAsset, e.cfg.Address)
			baseCollat := e.ledger.BalanceOf(e.collateral, e.cfg.Address)
			if err := e.flashLoan(ctx, op); err != nil {
				return err
			}
			op.stage = StageSettling
			borrowBack, collatBack, err := e.returnSurplus(op, op.baseBorrow, baseCollat)
			if err != nil {
				return err
			}
			hf, err := e.healthAfter(user)
			if err != nil {
				return err
			}
			e.metrics.RecordFlashLoan(borrowAsset.Hex(), op.flashAmount)
			e.ledger.Emit(events.LeverageExited{
				OperationID:       op.id,
				Engine:            e.cfg.Address,
				User:              user,
				Collateral:        e.collateral,
				BorrowAsset:       borrowAsset,
				Repaid:            op.repaid,
				Withdrawn:         op.withdrawn,
				SwappedCollateral: op.swapIn,
				Recovered:         op.recovered,
				Premium:           op.premium,
				ReturnedBorrow:    borrowBack,
				ReturnedCollat:    collatBack,
				HealthFactorWad:   hf,
			})
			result = &ExitResult{
				OperationID:        op.id,
				Repaid:             op.repaid,
				Withdrawn:          op.withdrawn,
				SwappedCollateral:  op.swapIn,
				Recovered:          op.recovered,
				Premium:            op.premium,
				ReturnedBorrow:     borrowBack,
				ReturnedCollateral: collatBack,
				HealthFactor:       hf,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) validateExit(op *operation, collateralReceipt common.Address) error {
	if op.repayAmount == nil || op.repayAmount.Sign() <= 0 {
		return ErrEmptyRepay
	}
	if op.withdrawAmt == nil || op.withdrawAmt.Sign() <= 0 {
		return ErrEmptyPrincipal
	}
	m, err := e.market(op.borrowAsset)
	if err != nil {
		return err
	}
	op.slippageBps = m.SlippageBps
	receipt := e.vault.ReceiptToken()
	if collateralReceipt != receipt {
		return fmt.Errorf("%w: got %s, vault receipt %s", ErrInvalidReceipt, collateralReceipt.Hex(), receipt.Hex())
	}
	if held := e.ledger.BalanceOf(receipt, op.user); held.Cmp(op.withdrawAmt) < 0 {
		return fmt.Errorf("%w: holds %s receipts, withdrawing %s", ErrInsufficientCollateral, held, op.withdrawAmt)
	}
	debt, err := e.pool.DebtOf(op.user, op.borrowAsset)
	if err != nil {
		return err
	}
	if debt.Sign() == 0 {
		return ErrNoDebt
	}
	if err := router.ValidateSwapInfo(op.info, op.borrowAsset, e.collateral, true); err != nil {
		return err
	}
	if err := checkRoute(op.info, true, op.routeIndex); err != nil {
		return err
	}
	swapIn, err := op.info.DeclaredIn(true, op.routeIndex)
	if err != nil {
		return err
	}
	if swapIn.Cmp(op.withdrawAmt) > 0 {
		return fmt.Errorf("%w: reverse paths swap %s, withdrawing %s", ErrInsufficientCollateral, swapIn, op.withdrawAmt)
	}
	op.swapIn = swapIn
	return nil
}

// exitCallback runs while the flash-borrowed funds sit with the engine.
func (e *Engine) exitCallback(ctx context.Context, op *operation) error {
	err := e.approveFor(op.borrowAsset, e.pool.Address(), op.repayAmount, func() error {
		repaid, err := e.pool.Repay(ctx, e.cfg.Address, op.borrowAsset, op.repayAmount, lending.RateModeVariable, op.user)
		if err != nil {
			return err
		}
		op.repaid = repaid
		return nil
	})
	if err != nil {
		return fmt.Errorf("repay debt: %w", err)
	}

	withdrawn, err := e.vault.WithdrawCollateralFrom(ctx, e.cfg.Address, e.collateral, op.withdrawAmt, op.slippageBps, op.user, e.cfg.Address)
	if err != nil {
		return fmt.Errorf("withdraw collateral: %w", err)
	}
	op.withdrawn = withdrawn
	if op.swapIn.Cmp(withdrawn) > 0 {
		return fmt.Errorf("%w: withdrew %s, reverse paths need %s", ErrInsufficientCollateral, withdrawn, op.swapIn)
	}

	recovered, err := e.swapper.ExecuteSwapInfo(ctx, e.cfg.Address, op.info, true, op.routeIndex, op.swapIn)
	if err != nil {
		return fmt.Errorf("swap into borrow asset: %w", err)
	}
	op.recovered = recovered

	owed := new(big.Int).Add(op.flashAmount, op.premium)
	if available := e.surplus(op.borrowAsset, op.baseBorrow); available.Cmp(owed) < 0 {
		return fmt.Errorf("%w: holds %s, owes %s", ErrFlashLoanShortfall, available, owed)
	}
	return e.ledger.Approve(op.borrowAsset, e.cfg.Address, e.pool.Address(), owed)
}
