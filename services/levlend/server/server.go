// Package server exposes a leverage deployment over HTTP: market and position
// queries, leveraged entries and exits, admin controls for the whitelist, the
// manager, pauses and prices, the operation journal and a live event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"levlend/crypto"
	"levlend/gateway/middleware"
	"levlend/services/levlend/deploy"
	"levlend/services/levlend/journal"
)

const (
	requestBodyLimit      = 1 << 20 // 1 MiB
	defaultRequestTimeout = 10 * time.Second
)

var errForbidden = errors.New("forbidden")

// Config wires a Server.
type Config struct {
	ServiceName    string
	Deployment     *deploy.Deployment
	Journal        *journal.Journal
	Auth           *middleware.Authenticator
	RateLimit      middleware.RateLimit
	CORS           middleware.CORSConfig
	Logger         *slog.Logger
	RequestTimeout time.Duration
	LogRequests    bool
}

// Server serves the levlend HTTP API. Calls that change state hold the write
// lock for their whole duration, so engine calls apply one at a time the way
// transactions apply within a block.
type Server struct {
	d       *deploy.Deployment
	journal *journal.Journal
	auth    *middleware.Authenticator
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	handler http.Handler
}

func New(cfg Config) (*Server, error) {
	if cfg.Deployment == nil {
		return nil, errors.New("server: deployment required")
	}
	if cfg.Journal == nil {
		return nil, errors.New("server: journal required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "levlend"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth == nil {
		cfg.Auth = middleware.NewAuthenticator(middleware.AuthConfig{}, cfg.Logger)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		d:       cfg.Deployment,
		journal: cfg.Journal,
		auth:    cfg.Auth,
		logger:  cfg.Logger.With("component", "server"),
		timeout: cfg.RequestTimeout,
	}
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: cfg.ServiceName,
		LogRequests: cfg.LogRequests,
	}, cfg.Logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.Logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(obs.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(limiter.Middleware)

		v1.Get("/markets", s.listMarkets)
		v1.Get("/markets/{collateral}/quote", s.quote)
		v1.Get("/markets/{collateral}/positions/{user}", s.position)
		v1.Get("/operations", s.listOperations)
		v1.Get("/operations/{id}", s.getOperation)
		v1.Get("/events", s.streamEvents)
		v1.Post("/prices", s.submitSignedPrice)

		v1.Group(func(trade chi.Router) {
			trade.Use(s.auth.Middleware(middleware.ScopeTrade))
			trade.Post("/markets/{collateral}/authorize", s.authorize)
			trade.Post("/markets/{collateral}/enter", s.enter)
			trade.Post("/markets/{collateral}/exit", s.exit)
		})

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware(middleware.ScopeAdmin))
			admin.Post("/whitelist/{vault}/{kind}", s.updateWhitelist(true))
			admin.Delete("/whitelist/{vault}/{kind}", s.updateWhitelist(false))
			admin.Post("/pauses/{module}", s.setPause(true))
			admin.Delete("/pauses/{module}", s.setPause(false))
			admin.Put("/prices/{token}", s.setPrice)
			admin.Post("/levswappers/{collateral}", s.setLevSwapper)
			admin.Delete("/levswappers/{collateral}", s.removeLevSwapper)
			admin.Get("/journal/export", s.exportJournal)
		})
	})

	s.handler = otelhttp.NewHandler(r, cfg.ServiceName+"/api")
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// actor resolves who a trade call acts for. With auth enabled the token
// subject decides and a differing body user is refused.
func (s *Server) actor(r *http.Request, claimed string) (common.Address, error) {
	claimed = strings.TrimSpace(claimed)
	if s.auth.Enabled() {
		subject, _ := middleware.Subject(r.Context())
		addr, err := crypto.ParseAddress(subject)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: token subject is not an account", errForbidden)
		}
		if claimed != "" {
			other, err := parseAccount(claimed)
			if err != nil {
				return common.Address{}, badRequest("user: %v", err)
			}
			if other != addr {
				return common.Address{}, fmt.Errorf("%w: user does not match token subject", errForbidden)
			}
		}
		return addr, nil
	}
	if claimed == "" {
		return common.Address{}, badRequest("user required")
	}
	addr, err := parseAccount(claimed)
	if err != nil {
		return common.Address{}, badRequest("user: %v", err)
	}
	return addr, nil
}

// adminCaller is the account admin calls are made as: the token subject, or
// the deployment admin when auth is off.
func (s *Server) adminCaller(r *http.Request) (common.Address, error) {
	if !s.auth.Enabled() {
		return s.d.Admin, nil
	}
	subject, _ := middleware.Subject(r.Context())
	addr, err := crypto.ParseAddress(subject)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: token subject is not an account", errForbidden)
	}
	return addr, nil
}

func (s *Server) market(r *http.Request) (*deploy.Market, error) {
	collateral, err := s.d.Token(chi.URLParam(r, "collateral"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", deploy.ErrUnknownMarket, err)
	}
	return s.d.Market(collateral)
}

// borrowAsset picks the requested borrow asset, or the market's first one.
func (s *Server) borrowAsset(m *deploy.Market, ref string) (common.Address, error) {
	if strings.TrimSpace(ref) == "" {
		assets := m.Engine.BorrowAssets()
		if len(assets) == 0 {
			return common.Address{}, badRequest("market has no borrow asset")
		}
		return assets[0].Asset, nil
	}
	addr, err := s.d.Token(ref)
	if err != nil {
		return common.Address{}, badRequest("borrow_asset: %v", err)
	}
	return addr, nil
}

func parseAccount(value string) (common.Address, error) {
	addr, err := crypto.ParseAddress(strings.TrimSpace(value))
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("zero address")
	}
	return addr, nil
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body required")
		}
		return badRequest("decode body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
