package server

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"levlend/services/levlend/deploy"
	"levlend/services/levlend/journal"
)

var maxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))

type authorizeRequest struct {
	User        string `json:"user,omitempty"`
	BorrowAsset string `json:"borrow_asset,omitempty"`
}

// authorize grants the market engine what it pulls from a user: the
// collateral principal, the vault receipt on exit and borrow credit
// delegation on entry.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.market(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.actor(r, req.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var assets []common.Address
	if strings.TrimSpace(req.BorrowAsset) != "" {
		asset, err := s.borrowAsset(m, req.BorrowAsset)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		assets = append(assets, asset)
	} else {
		for _, b := range m.Engine.BorrowAssets() {
			assets = append(assets, b.Asset)
		}
	}
	engine := m.Engine.Address()
	for _, token := range []common.Address{m.Collateral, m.Vault.ReceiptToken()} {
		if err := s.d.Ledger.Approve(token, user, engine, maxAllowance); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	delegated := make([]string, 0, len(assets))
	for _, asset := range assets {
		if err := s.d.Pool.ApproveDelegation(user, asset, engine, maxAllowance); err != nil {
			s.writeError(w, r, err)
			return
		}
		delegated = append(delegated, asset.Hex())
	}
	s.logger.Info("engine authorized", "user", user.Hex(), "engine", engine.Hex(), "borrow_assets", len(assets))
	writeJSON(w, http.StatusOK, map[string]any{
		"user":      user.Hex(),
		"engine":    engine.Hex(),
		"delegated": delegated,
	})
}

type enterPlan struct {
	market *deploy.Market
	call   journal.EnterCall
	levBps uint64
}

func (s *Server) planEnter(r *http.Request, req EnterRequest) (*enterPlan, error) {
	m, err := s.market(r)
	if err != nil {
		return nil, err
	}
	user, err := s.actor(r, req.User)
	if err != nil {
		return nil, err
	}
	principal, err := parseUnits("principal", req.Principal)
	if err != nil {
		return nil, err
	}
	if principal == nil {
		return nil, badRequest("principal required")
	}
	borrow, err := s.borrowAsset(m, req.BorrowAsset)
	if err != nil {
		return nil, err
	}
	return &enterPlan{
		market: m,
		levBps: req.LeverageBps,
		call: journal.EnterCall{
			User:        user,
			Collateral:  m.Collateral,
			BorrowAsset: borrow,
			Principal:   principal,
			LeverageBps: req.LeverageBps,
			RouteIndex:  req.RouteIndex,
		},
	}, nil
}

func (s *Server) enter(w http.ResponseWriter, r *http.Request) {
	var req EnterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, err := s.planEnter(r, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := req.Info.decode(s.d.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	call := plan.call
	res, runErr := plan.market.Engine.EnterPositionWithFlashloan(ctx, call.User, call.Principal, plan.levBps, call.BorrowAsset, call.RouteIndex, info)
	s.record(ctx, journal.FromEnter(call, res, runErr))
	if runErr != nil {
		s.writeError(w, r, runErr)
		return
	}
	writeJSON(w, http.StatusOK, enterResponse{
		OperationID:  res.OperationID,
		FlashAmount:  units(res.FlashAmount),
		Premium:      units(res.Premium),
		Swapped:      units(res.Swapped),
		Deposited:    units(res.Deposited),
		Borrowed:     units(res.Borrowed),
		HealthFactor: units(res.HealthFactor),
	})
}

func (s *Server) exit(w http.ResponseWriter, r *http.Request) {
	var req ExitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.market(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.actor(r, req.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	repay, err := parseUnits("repay", req.Repay)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	withdraw, err := parseUnits("withdraw", req.Withdraw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if repay == nil || withdraw == nil {
		s.writeError(w, r, badRequest("repay and withdraw required"))
		return
	}
	borrow, err := s.borrowAsset(m, req.BorrowAsset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt := m.Vault.ReceiptToken()
	if strings.TrimSpace(req.Receipt) != "" {
		if receipt, err = parseAccount(req.Receipt); err != nil {
			s.writeError(w, r, badRequest("receipt: %v", err))
			return
		}
	}
	info, err := req.Info.decode(s.d.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	call := journal.ExitCall{
		User:        user,
		Collateral:  m.Collateral,
		BorrowAsset: borrow,
		Repay:       repay,
		Withdraw:    withdraw,
		RouteIndex:  req.RouteIndex,
	}
	res, runErr := m.Engine.WithdrawWithFlashloan(ctx, user, repay, withdraw, borrow, receipt, req.RouteIndex, info)
	s.record(ctx, journal.FromExit(call, res, runErr))
	if runErr != nil {
		s.writeError(w, r, runErr)
		return
	}
	writeJSON(w, http.StatusOK, exitResponse{
		OperationID:        res.OperationID,
		Repaid:             units(res.Repaid),
		Withdrawn:          units(res.Withdrawn),
		SwappedCollateral:  units(res.SwappedCollateral),
		Recovered:          units(res.Recovered),
		Premium:            units(res.Premium),
		ReturnedBorrow:     units(res.ReturnedBorrow),
		ReturnedCollateral: units(res.ReturnedCollateral),
		HealthFactor:       units(res.HealthFactor),
	})
}

// record journals an engine call. The row is written even when the request
// deadline passed, and a journal failure never changes the call's response.
func (s *Server) record(ctx context.Context, op *journal.Operation) {
	if err := s.journal.Record(context.WithoutCancel(ctx), op); err != nil {
		s.logger.Error("journal write failed", "kind", op.Kind, "user", op.User, "error", err)
	}
}
