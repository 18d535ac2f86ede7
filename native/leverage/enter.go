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

// EnterPositionWithFlashloan levers principal of the user's collateral by
// leverageBps. The user must have approved the engine for principal of the
// collateral and delegated enough borrowAsset credit to cover the flash
// amount plus premium. The forward paths of info, selected by routeIndex or
// split by PathLength, convert the flash-borrowed asset into collateral.
func (e *Engine) EnterPositionWithFlashloan(ctx context.Context, user common.Address, principal *big.Int, leverageBps uint64, borrowAsset common.Address, routeIndex int, info router.Info) (*EnterResult, error) {
	op := &operation{
		kind:        opEnter,
		user:        user,
		borrowAsset: borrowAsset,
		routeIndex:  routeIndex,
		info:        info,
		leverageBps: leverageBps,
	}
	if e != nil && e.newID != nil {
		op.id = e.newID()
	}
	if principal != nil {
		op.principal = new(big.Int).Set(principal)
	}
	err := e.run(ctx, op, func(ctx context.Context) error {
		if err := e.validateEnter(op); err != nil {
			return err
		}
		if err := e.admit(user); err != nil {
			return err
		}
		flash, err := e.FlashAmount(op.principal, leverageBps, borrowAsset)
		if err != nil {
			return err
		}
		if flash.Sign() == 0 {
			return fmt.Errorf("%w: flash amount rounds to zero", ErrInvalidLeverage)
		}
		op.flashAmount = flash
		return e.ledger.Execute(ctx, func(ctx context.Context) error {
			baseBorrow := e.ledger.BalanceOf(borrowAsset, e.cfg.Address)
			baseCollat := e.ledger.BalanceOf(e.collateral, e.cfg.Address)
			if err := e.flashLoan(ctx, op); err != nil {
				return err
			}
			op.stage = StageSettling
			if _, _, err := e.returnSurplus(op, baseBorrow, baseCollat); err != nil {
				return err
			}
			hf, err := e.healthAfter(user)
			if err != nil {
				return err
			}
			e.metrics.RecordFlashLoan(borrowAsset.Hex(), op.flashAmount)
			e.ledger.Emit(events.LeverageEntered{
				OperationID:     op.id,
				Engine:          e.cfg.Address,
				User:            user,
				Collateral:      e.collateral,
				BorrowAsset:     borrowAsset,
				Principal:       op.principal,
				LeverageBps:     leverageBps,
				FlashAmount:     op.flashAmount,
				Premium:         op.premium,
				Swapped:         op.swapped,
				Deposited:       op.deposited,
				Borrowed:        op.borrowed,
				HealthFactorWad: hf,
			})
			op.healthFactor = hf
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &EnterResult{
		OperationID:  op.id,
		FlashAmount:  op.flashAmount,
		Premium:      op.premium,
		Swapped:      op.swapped,
		Deposited:    op.deposited,
		Borrowed:     op.borrowed,
		HealthFactor: op.healthFactor,
	}, nil
}

func (e *Engine) validateEnter(op *operation) error {
	if op.principal == nil || op.principal.Sign() <= 0 {
		return ErrEmptyPrincipal
	}
	if op.leverageBps == 0 || op.leverageBps > e.cfg.MaxLeverageBps {
		return fmt.Errorf("%w: %d bps, maximum %d", ErrInvalidLeverage, op.leverageBps, e.cfg.MaxLeverageBps)
	}
	if _, err := e.market(op.borrowAsset); err != nil {
		return err
	}
	if held := e.ledger.BalanceOf(e.collateral, op.user); held.Cmp(op.principal) < 0 {
		return fmt.Errorf("%w: holds %s, principal %s", ErrInsufficientCollateral, held, op.principal)
	}
	if err := router.ValidateSwapInfo(op.info, op.borrowAsset, e.collateral, false); err != nil {
		return err
	}
	return checkRoute(op.info, false, op.routeIndex)
}

// enterCallback runs while the flash-borrowed funds sit with the engine.
func (e *Engine) enterCallback(ctx context.Context, op *operation) error {
	swapped, err := e.swapper.ExecuteSwapInfo(ctx, e.cfg.Address, op.info, false, op.routeIndex, op.flashAmount)
	if err != nil {
		return fmt.Errorf("swap into collateral: %w", err)
	}
	op.swapped = swapped

	if err := e.ledger.TransferFrom(e.collateral, e.cfg.Address, op.user, e.cfg.Address, op.principal); err != nil {
		return fmt.Errorf("pull principal: %w", err)
	}
	deposit := new(big.Int).Add(op.principal, swapped)
	err = e.approveFor(e.collateral, e.vault.Address(), deposit, func() error {
		return e.vault.DepositCollateralFrom(ctx, e.cfg.Address, e.collateral, deposit, op.user)
	})
	if err != nil {
		return fmt.Errorf("deposit collateral: %w", err)
	}
	op.deposited = deposit

	owed := new(big.Int).Add(op.flashAmount, op.premium)
	if err := e.pool.Borrow(ctx, e.cfg.Address, op.borrowAsset, owed, lending.RateModeVariable, op.user); err != nil {
		return fmt.Errorf("borrow against position: %w", err)
	}
	op.borrowed = owed
	return e.ledger.Approve(op.borrowAsset, e.cfg.Address, e.pool.Address(), owed)
}

// returnSurplus sends anything the call left with the engine to the user and
// reports the amounts returned.
func (e *Engine) returnSurplus(op *operation, baseBorrow, baseCollat *big.Int) (*big.Int, *big.Int, error) {
	borrowBack := e.surplus(op.borrowAsset, baseBorrow)
	if borrowBack.Sign() > 0 {
		if err := e.ledger.Transfer(op.borrowAsset, e.cfg.Address, op.user, borrowBack); err != nil {
			return nil, nil, err
		}
	}
	collatBack := e.surplus(e.collateral, baseCollat)
	if collatBack.Sign() > 0 {
		if err := e.ledger.Transfer(e.collateral, e.cfg.Address, op.user, collatBack); err != nil {
			return nil, nil, err
		}
	}
	return borrowBack, collatBack, nil
}
