package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"levlend/native/levmath"
	"levlend/services/levlend/deploy"
)

func (s *Server) marketJSON(m *deploy.Market) marketJSON {
	out := marketJSON{
		Collateral:          m.Collateral.Hex(),
		Symbol:              s.d.Symbol(m.Collateral),
		Decimals:            s.d.Decimals[m.Collateral],
		Vault:               m.Vault.Address().Hex(),
		Receipt:             m.Vault.ReceiptToken().Hex(),
		Engine:              m.Engine.Address().Hex(),
		MaxLeverageBps:      m.Engine.MaxLeverageBps(),
		FlashLoanPremiumBps: s.d.Pool.FlashLoanPremiumBps(),
	}
	for _, b := range m.Engine.BorrowAssets() {
		out.BorrowAssets = append(out.BorrowAssets, borrowAssetJSON{
			Symbol:      s.d.Symbol(b.Asset),
			Address:     b.Asset.Hex(),
			Decimals:    s.d.Decimals[b.Asset],
			SlippageBps: b.SlippageBps,
		})
	}
	return out
}

// listMarkets reports the markets the manager currently routes to.
func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]marketJSON, 0)
	for _, m := range s.d.Markets() {
		if _, err := s.d.Market(m.Collateral); err != nil {
			continue
		}
		out = append(out, s.marketJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

// quote sizes the flash loan of an entry: ?principal=&leverage_bps=&borrow_asset=
func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.market(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	principal, err := parseUnits("principal", q.Get("principal"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if principal == nil || principal.Sign() == 0 {
		s.writeError(w, r, badRequest("principal required"))
		return
	}
	levBps, err := strconv.ParseUint(q.Get("leverage_bps"), 10, 64)
	if err != nil {
		s.writeError(w, r, badRequest("leverage_bps: %v", err))
		return
	}
	borrow, err := s.borrowAsset(m, q.Get("borrow_asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flash, err := m.Engine.FlashAmount(principal, levBps, borrow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteJSON{
		Collateral:  m.Collateral.Hex(),
		BorrowAsset: borrow.Hex(),
		Principal:   principal.String(),
		LeverageBps: levBps,
		FlashAmount: flash.String(),
		Premium:     levmath.ComputeFlashloanPremium(flash, s.d.Pool.FlashLoanPremiumBps()).String(),
	})
}

// position reports a user's collateral, debts and health in one market.
func (s *Server) position(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.market(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := parseAccount(chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, r, badRequest("user: %v", err))
		return
	}
	data, err := s.d.Pool.GetUserAccountData(user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := positionJSON{
		User:                 user.Hex(),
		Collateral:           m.Collateral.Hex(),
		Deposited:            units(s.d.Ledger.BalanceOf(m.Vault.ReceiptToken(), user)),
		Wallet:               units(s.d.Ledger.BalanceOf(m.Collateral, user)),
		TotalCollateralValue: units(data.TotalCollateralValue),
		TotalDebtValue:       units(data.TotalDebtValue),
		HealthFactor:         units(data.HealthFactor),
		Debts:                make([]debtJSON, 0),
	}
	for _, b := range m.Engine.BorrowAssets() {
		debt, err := s.d.Pool.DebtOf(user, b.Asset)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		row := debtJSON{Asset: b.Asset.Hex(), Symbol: s.d.Symbol(b.Asset), Debt: units(debt), MaxWithdrawable: "0"}
		if debt != nil && debt.Sign() > 0 {
			limit, err := m.Engine.MaxWithdrawable(user, debt, b.Asset)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			row.MaxWithdrawable = units(limit)
		}
		out.Debts = append(out.Debts, row)
	}
	writeJSON(w, http.StatusOK, out)
}
