package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"levlend/native/oracle"
	"levlend/observability"
)

// Modules that can be paused. The vault and the lending pool share the
// names their packages guard on.
var pausable = map[string]bool{
	"leverage": true,
	"vault":    true,
	"lending":  true,
}

func (s *Server) updateWhitelist(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req accountsRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		vaultAddr, err := parseAccount(chi.URLParam(r, "vault"))
		if err != nil {
			s.writeError(w, r, badRequest("vault: %v", err))
			return
		}
		accounts := make([]common.Address, 0, len(req.Accounts))
		for _, raw := range req.Accounts {
			addr, err := parseAccount(raw)
			if err != nil {
				s.writeError(w, r, badRequest("account %q: %v", raw, err))
				return
			}
			accounts = append(accounts, addr)
		}
		if len(accounts) == 0 {
			s.writeError(w, r, badRequest("accounts required"))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		caller, err := s.adminCaller(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		kind := chi.URLParam(r, "kind")
		wl := s.d.Whitelist
		switch {
		case kind == "callers" && add:
			err = wl.AddCallerContracts(caller, vaultAddr, accounts)
		case kind == "callers":
			err = wl.RemoveCallerContracts(caller, vaultAddr, accounts)
		case kind == "users" && add:
			err = wl.AddUsers(caller, vaultAddr, accounts)
		case kind == "users":
			err = wl.RemoveUsers(caller, vaultAddr, accounts)
		default:
			err = badRequest("unknown member kind %q", kind)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		callers, err := wl.CallerCount(vaultAddr)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		users, err := wl.UserCount(vaultAddr)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"vault":   vaultAddr.Hex(),
			"callers": callers,
			"users":   users,
		})
	}
}

func (s *Server) setPause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		module := strings.ToLower(chi.URLParam(r, "module"))
		if !pausable[module] {
			s.writeError(w, r, badRequest("unknown module %q", module))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		caller, err := s.adminCaller(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if caller != s.d.Admin {
			s.writeError(w, r, fmt.Errorf("%w: caller is not the admin", errForbidden))
			return
		}
		if paused {
			s.d.Pauses.Pause(module)
		} else {
			s.d.Pauses.Resume(module)
		}
		if module == "leverage" {
			observability.Leverage().SetPause(paused)
		}
		s.logger.Warn("module pause changed", "module", module, "paused", paused)
		writeJSON(w, http.StatusOK, map[string]any{"module": module, "paused": paused})
	}
}

func (s *Server) setPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.d.Token(chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	price, err := oracle.ParsePrice(req.Price)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	caller, err := s.adminCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.d.Oracle.SetAssetPrice(caller, token, price); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token.Hex(), "price": oracle.FormatPrice(price)})
}

// submitSignedPrice accepts a feeder-signed observation. The signature is
// the authorization, so the route needs no token.
func (s *Server) submitSignedPrice(w http.ResponseWriter, r *http.Request) {
	var req SignedPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := s.d.Token(req.Asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	price, err := oracle.ParsePrice(req.Price)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		s.writeError(w, r, badRequest("signature: %v", err))
		return
	}
	update := &oracle.PriceUpdate{
		Domain:    oracle.PriceUpdateDomainV1,
		Asset:     asset,
		Price:     price,
		Timestamp: time.Unix(req.Timestamp, 0).UTC(),
		Signature: sig,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.d.Oracle.SubmitPriceUpdate(update); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"asset": asset.Hex(), "price": oracle.FormatPrice(price)})
}

func (s *Server) setLevSwapper(w http.ResponseWriter, r *http.Request) {
	var req levSwapperRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	collateral, err := s.d.Token(chi.URLParam(r, "collateral"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	engine, err := parseAccount(req.Engine)
	if err != nil {
		s.writeError(w, r, badRequest("engine: %v", err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	caller, err := s.adminCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.d.Manager.SetLevSwapper(caller, collateral, engine); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"collateral": collateral.Hex(), "engine": engine.Hex()})
}

func (s *Server) removeLevSwapper(w http.ResponseWriter, r *http.Request) {
	collateral, err := s.d.Token(chi.URLParam(r, "collateral"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	caller, err := s.adminCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.d.Manager.RemoveLevSwapper(caller, collateral); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// exportJournal streams matching journal rows as a Parquet file.
func (s *Server) exportJournal(w http.ResponseWriter, r *http.Request) {
	filter, err := s.journalFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dir, err := os.MkdirTemp("", "levlend-export-")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "operations.parquet")

	ctx, cancel := s.context(r.Context())
	defer cancel()
	rows, err := s.journal.ExportParquet(ctx, path, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="operations.parquet"`)
	w.Header().Set("X-Levlend-Rows", fmt.Sprint(rows))
	http.ServeContent(w, r, "operations.parquet", time.Time{}, f)
}
