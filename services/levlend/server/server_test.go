package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"levlend/config"
	"levlend/core/events"
	"levlend/core/types"
	"levlend/crypto"
	"levlend/gateway/middleware"
	"levlend/native/levmath"
	"levlend/native/oracle"
	"levlend/services/levlend/deploy"
	"levlend/services/levlend/journal"
	"levlend/storage"
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000a0001")
	provider  = common.HexToAddress("0x00000000000000000000000000000000000a0002")
	member    = common.HexToAddress("0x00000000000000000000000000000000000a0004")
	lp        = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	lpReceipt = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	vaultAddr = common.HexToAddress("0x000000000000000000000000000000000000b002")
	curveAddr = common.HexToAddress("0x000000000000000000000000000000000000b004")
)

const usdcIndex = 1

type harness struct {
	t       *testing.T
	d       *deploy.Deployment
	journal *journal.Journal
	auth    *middleware.Authenticator
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg, err := config.Load(filepath.Join("..", "..", "..", "config", "testdata", "levlend.toml"))
	require.NoError(t, err)
	rt, err := cfg.Resolve()
	require.NoError(t, err)
	d, err := deploy.Build(context.Background(), rt, storage.NewMemDB(), nil)
	require.NoError(t, err)
	j, err := journal.Open(journal.MemoryDSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Server.Auth.Enabled,
		HMACSecret: cfg.Server.Auth.AuthSecret(),
		Issuer:     cfg.Server.Auth.Issuer,
		Audience:   cfg.Server.Auth.Audience,
	}, nil)
	srv, err := New(Config{Deployment: d, Journal: j, Auth: auth})
	require.NoError(t, err)
	return &harness{t: t, d: d, journal: j, auth: auth, handler: srv.Handler()}
}

func (h *harness) token(subject common.Address, scopes ...string) string {
	h.t.Helper()
	token, err := h.auth.IssueToken(subject.Hex(), time.Hour, scopes...)
	require.NoError(h.t, err)
	return token
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func lpUnits(v int64) *big.Int { return new(big.Int).Mul(big.NewInt(v), levmath.Wad) }

// fund hands user LP out of the provider's pool position and authorizes
// the engine over HTTP.
func (h *harness) fund(user common.Address, trade string) {
	h.t.Helper()
	require.NoError(h.t, h.d.Ledger.Transfer(lp, provider, user, lpUnits(1_000)))
	res := h.do(http.MethodPost, "/v1/markets/CRVLP/authorize", trade, map[string]string{})
	require.Equal(h.t, http.StatusOK, res.Code, res.Body.String())
}

func (h *harness) quote(principal *big.Int, levBps uint64) *big.Int {
	h.t.Helper()
	res := h.do(http.MethodGet, fmt.Sprintf("/v1/markets/CRVLP/quote?principal=%s&leverage_bps=%d", principal, levBps), "", nil)
	require.Equal(h.t, http.StatusOK, res.Code, res.Body.String())
	q := decode[quoteJSON](h.t, res)
	flash, ok := new(big.Int).SetString(q.FlashAmount, 10)
	require.True(h.t, ok)
	return flash
}

func entryInfo(flash *big.Int) infoJSON {
	minOut := levmath.PercentMulDown(new(big.Int).Mul(flash, big.NewInt(1_000_000_000_000)), 9_800)
	return infoJSON{Paths: []pathJSON{{
		Hops: []hopJSON{{
			Venue: "curve", Op: "add_liquidity", Pool: curveAddr.Hex(),
			TokenIn: "USDC", TokenOut: "CRVLP", I: usdcIndex, NCoins: 2,
		}},
		SwapFrom:  "USDC",
		SwapTo:    "CRVLP",
		InAmount:  flash.String(),
		OutAmount: minOut.String(),
	}}}
}

// exitInfo sizes a single-coin withdrawal that covers repay plus premium.
func (h *harness) exitInfo(repay *big.Int) infoJSON {
	h.t.Helper()
	owed := levmath.ComputeRepayWithPremium(repay, h.d.Pool.FlashLoanPremiumBps())
	in := new(big.Int).Mul(owed, big.NewInt(1_000_000_000_000))
	for range 100 {
		quote, err := h.d.Curve[0].CalcWithdrawOneCoin(in, usdcIndex)
		require.NoError(h.t, err)
		if quote.Cmp(owed) >= 0 {
			break
		}
		in.Add(in, new(big.Int).Quo(in, big.NewInt(1_000)))
	}
	return infoJSON{ReversePaths: []pathJSON{{
		Hops: []hopJSON{{
			Venue: "curve", Op: "remove_liquidity_one_coin", Pool: curveAddr.Hex(),
			TokenIn: "CRVLP", TokenOut: "USDC", J: usdcIndex, NCoins: 2,
		}},
		SwapFrom:  "CRVLP",
		SwapTo:    "USDC",
		InAmount:  in.String(),
		OutAmount: owed.String(),
	}}}
}

func (h *harness) enter(trade string, principal *big.Int) *httptest.ResponseRecorder {
	h.t.Helper()
	flash := h.quote(principal, 30_000)
	return h.do(http.MethodPost, "/v1/markets/CRVLP/enter", trade, EnterRequest{
		Principal:   principal.String(),
		LeverageBps: 30_000,
		BorrowAsset: "USDC",
		Info:        entryInfo(flash),
	})
}

func TestHealthAndMarkets(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = h.do(http.MethodGet, "/v1/markets", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	body := decode[struct {
		Markets []marketJSON `json:"markets"`
	}](t, res)
	require.Len(t, body.Markets, 1)
	m := body.Markets[0]
	require.Equal(t, "CRVLP", m.Symbol)
	require.Equal(t, vaultAddr.Hex(), m.Vault)
	require.Equal(t, lpReceipt.Hex(), m.Receipt)
	require.Equal(t, uint64(50_000), m.MaxLeverageBps)
	require.Equal(t, uint64(9), m.FlashLoanPremiumBps)
	require.Len(t, m.BorrowAssets, 1)
	require.Equal(t, "USDC", m.BorrowAssets[0].Symbol)

	res = h.do(http.MethodGet, "/v1/markets/DAI/quote?principal=1&leverage_bps=20000", "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "levlend_http_requests_total")
}

func TestEnterAndExitOverHTTP(t *testing.T) {
	h := newHarness(t)
	trade := h.token(member, middleware.ScopeTrade)
	h.fund(member, trade)
	principal := lpUnits(100)

	res := h.enter(trade, principal)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	entered := decode[enterResponse](t, res)
	hf, ok := new(big.Int).SetString(entered.HealthFactor, 10)
	require.True(t, ok)
	require.True(t, hf.Cmp(levmath.Wad) >= 0)

	res = h.do(http.MethodGet, "/v1/markets/CRVLP/positions/"+member.Hex(), "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	pos := decode[positionJSON](t, res)
	require.Len(t, pos.Debts, 1)
	debt, ok := new(big.Int).SetString(pos.Debts[0].Debt, 10)
	require.True(t, ok)
	require.Positive(t, debt.Sign())
	require.NotEqual(t, "0", pos.Deposited)

	receipts := h.d.Ledger.BalanceOf(lpReceipt, member)
	res = h.do(http.MethodPost, "/v1/markets/CRVLP/exit", trade, ExitRequest{
		Repay:    debt.String(),
		Withdraw: receipts.String(),
		Info:     h.exitInfo(debt),
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	exited := decode[exitResponse](t, res)
	require.Equal(t, debt.String(), exited.Repaid)
	require.Equal(t, receipts.String(), exited.Withdrawn)

	after, err := h.d.Pool.DebtOf(member, usdc)
	require.NoError(t, err)
	require.Zero(t, after.Sign())
	wallet := h.d.Ledger.BalanceOf(lp, member)
	floor := new(big.Int).Add(lpUnits(900), levmath.PercentMulDown(principal, 9_700))
	require.True(t, wallet.Cmp(floor) >= 0, "round trip kept %s LP", wallet)

	res = h.do(http.MethodGet, "/v1/operations?user="+member.Hex(), "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	ops := decode[struct {
		Operations []operationJSON `json:"operations"`
	}](t, res).Operations
	require.Len(t, ops, 2)
	kinds := map[string]bool{}
	for _, op := range ops {
		require.Equal(t, journal.OutcomeCommitted, op.Outcome)
		require.True(t, op.Verified)
		kinds[op.Kind] = true
	}
	require.True(t, kinds[journal.KindEnter] && kinds[journal.KindExit])

	res = h.do(http.MethodGet, "/v1/operations/"+entered.OperationID, "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, journal.KindEnter, decode[operationJSON](t, res).Kind)
}

func TestTradeRoutesCheckTheCaller(t *testing.T) {
	h := newHarness(t)
	body := EnterRequest{Principal: "1", LeverageBps: 20_000}

	res := h.do(http.MethodPost, "/v1/markets/CRVLP/enter", "", body)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	adminOnly := h.token(member, middleware.ScopeAdmin)
	res = h.do(http.MethodPost, "/v1/markets/CRVLP/enter", adminOnly, body)
	require.Equal(t, http.StatusForbidden, res.Code)

	trade := h.token(member, middleware.ScopeTrade)
	body.User = provider.Hex()
	res = h.do(http.MethodPost, "/v1/markets/CRVLP/enter", trade, body)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(http.MethodPost, "/v1/markets/CRVLP/enter", trade, map[string]any{"principal": "1", "bogus": true})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestRevertedEntryIsJournaled(t *testing.T) {
	h := newHarness(t)
	outsider := crypto.DeriveAddress("server-test/outsider")
	trade := h.token(outsider, middleware.ScopeTrade)
	h.fund(outsider, trade)

	res := h.enter(trade, lpUnits(100))
	require.Equal(t, http.StatusForbidden, res.Code, res.Body.String())
	require.Equal(t, "admission", decode[errorJSON](t, res).Kind)
	require.Equal(t, lpUnits(1_000).String(), h.d.Ledger.BalanceOf(lp, outsider).String())

	res = h.do(http.MethodGet, "/v1/operations?outcome=reverted", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	ops := decode[struct {
		Operations []operationJSON `json:"operations"`
	}](t, res).Operations
	require.Len(t, ops, 1)
	require.Equal(t, "admission", ops[0].ErrorKind)
	require.Equal(t, outsider.Hex(), ops[0].User)

	res = h.do(http.MethodGet, "/v1/operations?kind=borrow", "", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAdminWhitelistAndPause(t *testing.T) {
	h := newHarness(t)
	adminToken := h.token(admin, middleware.ScopeAdmin)
	outsider := crypto.DeriveAddress("server-test/outsider")
	trade := h.token(outsider, middleware.ScopeTrade)
	h.fund(outsider, trade)

	path := "/v1/admin/whitelist/" + vaultAddr.Hex() + "/users"
	res := h.do(http.MethodPost, path, h.token(member, middleware.ScopeAdmin), accountsRequest{Accounts: []string{outsider.Hex()}})
	require.Equal(t, http.StatusForbidden, res.Code, "non-admin subject")

	res = h.do(http.MethodPost, path, adminToken, accountsRequest{Accounts: []string{outsider.Hex()}})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.EqualValues(t, 2, decode[map[string]any](t, res)["users"])

	res = h.do(http.MethodPost, "/v1/admin/pauses/leverage", adminToken, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = h.enter(trade, lpUnits(100))
	require.Equal(t, http.StatusServiceUnavailable, res.Code, res.Body.String())
	require.Equal(t, "paused", decode[errorJSON](t, res).Kind)

	res = h.do(http.MethodDelete, "/v1/admin/pauses/leverage", adminToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	res = h.enter(trade, lpUnits(100))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(http.MethodDelete, path, adminToken, accountsRequest{Accounts: []string{outsider.Hex()}})
	require.Equal(t, http.StatusOK, res.Code)
	require.EqualValues(t, 1, decode[map[string]any](t, res)["users"])

	res = h.do(http.MethodPost, "/v1/admin/pauses/consensus", adminToken, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAdminPricesAndSignedUpdates(t *testing.T) {
	h := newHarness(t)
	adminToken := h.token(admin, middleware.ScopeAdmin)

	res := h.do(http.MethodPut, "/v1/admin/prices/CRVLP", adminToken, priceRequest{Price: "1.01"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	price, err := h.d.Oracle.GetAssetPrice(lp)
	require.NoError(t, err)
	require.Equal(t, "1.01", oracle.FormatPrice(price))

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	feeder := oracle.NewFeeder(key)
	ts := time.Now().Add(time.Minute).Truncate(time.Second)
	update, err := feeder.Sign(lp, levmath.PercentMulDown(levmath.Wad, 10_050), ts)
	require.NoError(t, err)
	signed := SignedPriceRequest{
		Asset:     "CRVLP",
		Price:     oracle.FormatPrice(update.Price),
		Timestamp: ts.Unix(),
		Signature: hexutil.Encode(update.Signature),
	}

	res = h.do(http.MethodPost, "/v1/prices", "", signed)
	require.Equal(t, http.StatusForbidden, res.Code, "unauthorised signer")

	require.NoError(t, h.d.Oracle.AuthorizeSigner(admin, feeder.Address(), true))
	res = h.do(http.MethodPost, "/v1/prices", "", signed)
	require.Equal(t, http.StatusAccepted, res.Code, res.Body.String())
	price, err = h.d.Oracle.GetAssetPrice(lp)
	require.NoError(t, err)
	require.Equal(t, "1.005", oracle.FormatPrice(price))

	res = h.do(http.MethodPost, "/v1/prices", "", signed)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code, "replayed update")
}

func TestLevSwapperRegistrationControlsRouting(t *testing.T) {
	h := newHarness(t)
	adminToken := h.token(admin, middleware.ScopeAdmin)
	engine := h.d.Markets()[0].Engine.Address()

	res := h.do(http.MethodDelete, "/v1/admin/levswappers/CRVLP", adminToken, nil)
	require.Equal(t, http.StatusNoContent, res.Code, res.Body.String())
	res = h.do(http.MethodGet, "/v1/markets", "", nil)
	require.NotContains(t, res.Body.String(), "CRVLP")
	res = h.do(http.MethodGet, "/v1/markets/CRVLP/quote?principal=1&leverage_bps=20000", "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = h.do(http.MethodPost, "/v1/admin/levswappers/CRVLP", adminToken, levSwapperRequest{Engine: engine.Hex()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = h.do(http.MethodGet, "/v1/markets/CRVLP/quote?principal=1000000000000000000&leverage_bps=20000", "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
}

func TestJournalExport(t *testing.T) {
	h := newHarness(t)
	trade := h.token(member, middleware.ScopeTrade)
	h.fund(member, trade)
	require.Equal(t, http.StatusOK, h.enter(trade, lpUnits(50)).Code)

	res := h.do(http.MethodGet, "/v1/admin/journal/export", "", nil)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = h.do(http.MethodGet, "/v1/admin/journal/export?kind=enter", h.token(admin, middleware.ScopeAdmin), nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "1", res.Header().Get("X-Levlend-Rows"))
	require.True(t, bytes.HasPrefix(res.Body.Bytes(), []byte("PAR1")))
}

func TestEventStreamDeliversCommittedEvents(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?type=" + events.TypeWhitelistUpdated
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test complete")

	require.NoError(t, h.d.Oracle.SetAssetPrice(admin, lp, levmath.Wad))
	require.NoError(t, h.d.Whitelist.AddUser(admin, vaultAddr, provider))

	msgType, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, msgType)
	var evt types.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, events.TypeWhitelistUpdated, evt.Type)
}
