package server

import (
	"errors"
	"net/http"

	"levlend/native/lending"
	"levlend/native/leverage"
	"levlend/native/levmanager"
	"levlend/native/oracle"
	"levlend/native/whitelist"
	"levlend/services/levlend/deploy"
	"levlend/services/levlend/journal"
)

var kindStatus = map[leverage.ErrorKind]int{
	leverage.KindValidation: http.StatusBadRequest,
	leverage.KindAdmission:  http.StatusForbidden,
	leverage.KindSlippage:   http.StatusUnprocessableEntity,
	leverage.KindSolvency:   http.StatusUnprocessableEntity,
	leverage.KindReentrancy: http.StatusConflict,
	leverage.KindPaused:     http.StatusServiceUnavailable,
}

// statusOf maps an error onto its HTTP status and, for engine reverts, the
// revert kind.
func statusOf(err error) (int, leverage.ErrorKind) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, deploy.ErrUnknownToken),
		errors.Is(err, whitelist.ErrInvalidAccount),
		errors.Is(err, levmanager.ErrInvalidAddress),
		errors.Is(err, oracle.ErrInvalidPrice):
		return http.StatusBadRequest, ""
	case errors.Is(err, errForbidden),
		errors.Is(err, whitelist.ErrUnauthorized),
		errors.Is(err, levmanager.ErrUnauthorized),
		errors.Is(err, oracle.ErrUnauthorized),
		errors.Is(err, oracle.ErrUnknownSigner),
		errors.Is(err, lending.ErrUnauthorized):
		return http.StatusForbidden, ""
	case errors.Is(err, deploy.ErrUnknownMarket),
		errors.Is(err, journal.ErrNotFound),
		errors.Is(err, levmanager.ErrNotRegistered):
		return http.StatusNotFound, ""
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrPriceDeviation):
		return http.StatusUnprocessableEntity, ""
	}
	kind := leverage.Classify(err)
	if status, ok := kindStatus[kind]; ok {
		return status, kind
	}
	return http.StatusInternalServerError, kind
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorJSON{Error: err.Error(), Kind: string(kind)})
}
