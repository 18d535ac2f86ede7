package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"levlend/services/levlend/journal"
)

const maxListLimit = 1000

type operationJSON struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Outcome         string    `json:"outcome"`
	User            string    `json:"user"`
	Collateral      string    `json:"collateral"`
	BorrowAsset     string    `json:"borrow_asset"`
	LeverageBps     uint64    `json:"leverage_bps,omitempty"`
	RouteIndex      int       `json:"route_index"`
	Principal       string    `json:"principal,omitempty"`
	FlashAmount     string    `json:"flash_amount,omitempty"`
	Premium         string    `json:"premium,omitempty"`
	CollateralMoved string    `json:"collateral_moved,omitempty"`
	DebtMoved       string    `json:"debt_moved,omitempty"`
	HealthFactor    string    `json:"health_factor,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	Digest          string    `json:"digest"`
	Verified        bool      `json:"verified"`
	CreatedAt       time.Time `json:"created_at"`
}

func toOperationJSON(op *journal.Operation) operationJSON {
	return operationJSON{
		ID:              op.ID.String(),
		Kind:            op.Kind,
		Outcome:         op.Outcome,
		User:            op.User,
		Collateral:      op.Collateral,
		BorrowAsset:     op.BorrowAsset,
		LeverageBps:     op.LeverageBps,
		RouteIndex:      op.RouteIndex,
		Principal:       op.Principal,
		FlashAmount:     op.FlashAmount,
		Premium:         op.Premium,
		CollateralMoved: op.CollateralMoved,
		DebtMoved:       op.DebtMoved,
		HealthFactor:    op.HealthFactor,
		ErrorKind:       op.ErrorKind,
		Error:           op.Error,
		Digest:          op.Digest,
		Verified:        journal.Verify(op),
		CreatedAt:       op.CreatedAt,
	}
}

// journalFilter reads ?user=&collateral=&kind=&outcome=&since=&limit=.
// since is RFC 3339.
func (s *Server) journalFilter(r *http.Request) (journal.Filter, error) {
	q := r.URL.Query()
	var f journal.Filter
	if v := strings.TrimSpace(q.Get("user")); v != "" {
		addr, err := parseAccount(v)
		if err != nil {
			return f, badRequest("user: %v", err)
		}
		f.User = addr
	}
	if v := strings.TrimSpace(q.Get("collateral")); v != "" {
		addr, err := s.d.Token(v)
		if err != nil {
			return f, badRequest("collateral: %v", err)
		}
		f.Collateral = addr
	}
	switch kind := q.Get("kind"); kind {
	case "", journal.KindEnter, journal.KindExit:
		f.Kind = kind
	default:
		return f, badRequest("unknown kind %q", kind)
	}
	switch outcome := q.Get("outcome"); outcome {
	case "", journal.OutcomeCommitted, journal.OutcomeReverted:
		f.Outcome = outcome
	default:
		return f, badRequest("unknown outcome %q", outcome)
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, badRequest("since: %v", err)
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return f, badRequest("limit must be a positive integer")
		}
		f.Limit = min(limit, maxListLimit)
	}
	return f, nil
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	filter, err := s.journalFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	ops, err := s.journal.List(ctx, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]operationJSON, 0, len(ops))
	for i := range ops {
		out = append(out, toOperationJSON(&ops[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": out})
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, badRequest("id: %v", err))
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	op, err := s.journal.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationJSON(op))
}
