package leverage

import (
	"errors"

	nativecommon "levlend/native/common"
	"levlend/native/lending"
	"levlend/native/router"
	"levlend/native/vault"
)

var (
	ErrEmptyPrincipal         = errors.New("leverage: principal must be positive")
	ErrEmptyRepay             = errors.New("leverage: repay amount must be positive")
	ErrUnsupportedBorrowAsset = errors.New("leverage: borrow asset not supported for this collateral")
	ErrInsufficientCollateral = errors.New("leverage: insufficient collateral")
	ErrInvalidRouteIndex      = errors.New("leverage: route index does not select an active path")
	ErrInvalidLeverage        = errors.New("leverage: leverage out of range")
	ErrInvalidReceipt         = errors.New("leverage: collateral receipt does not match the vault")
	ErrNoDebt                 = errors.New("leverage: user has no debt in borrow asset")
	ErrNotWhitelisted         = errors.New("leverage: caller or user not whitelisted for vault")
	ErrFlashLoanShortfall     = errors.New("leverage: recovered funds do not cover flash loan")
	ErrInvalidCallback        = errors.New("leverage: unexpected flash loan callback")
	errNotConfigured          = errors.New("leverage: engine not configured")
)

// ErrorKind groups failures for metrics and callers that only care about the
// category of a revert.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindValidation ErrorKind = "validation"
	KindAdmission  ErrorKind = "admission"
	KindSlippage   ErrorKind = "slippage"
	KindSolvency   ErrorKind = "solvency"
	KindReentrancy ErrorKind = "reentrancy"
	KindPaused     ErrorKind = "paused"
	KindInternal   ErrorKind = "internal"
)

// Classify maps err onto its ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, nativecommon.ErrReentrantCall):
		return KindReentrancy
	case errors.Is(err, nativecommon.ErrModulePaused):
		return KindPaused
	case errors.Is(err, ErrNotWhitelisted), errors.Is(err, vault.ErrNotWhitelisted):
		return KindAdmission
	case errors.Is(err, router.ErrSlippageExceeded), errors.Is(err, vault.ErrSlippage):
		return KindSlippage
	case errors.Is(err, ErrFlashLoanShortfall),
		errors.Is(err, lending.ErrHealthCheckFailed),
		errors.Is(err, lending.ErrCollateralCannotCoverBorrow),
		errors.Is(err, lending.ErrFlashLoanNotRepaid),
		errors.Is(err, lending.ErrBorrowAllowanceExceeded),
		errors.Is(err, lending.ErrInsufficientLiquidity):
		return KindSolvency
	case errors.Is(err, ErrEmptyPrincipal),
		errors.Is(err, ErrEmptyRepay),
		errors.Is(err, ErrUnsupportedBorrowAsset),
		errors.Is(err, ErrInsufficientCollateral),
		errors.Is(err, ErrInvalidRouteIndex),
		errors.Is(err, ErrInvalidLeverage),
		errors.Is(err, ErrInvalidReceipt),
		errors.Is(err, ErrNoDebt),
		errors.Is(err, router.ErrInvalidSwapInfo),
		errors.Is(err, router.ErrInvalidPath),
		errors.Is(err, router.ErrInvalidHop),
		errors.Is(err, router.ErrInvalidRoute):
		return KindValidation
	default:
		return KindInternal
	}
}
