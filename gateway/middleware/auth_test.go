package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func testAuthenticator() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: "levlend-test-secret",
		Issuer:     "levlend",
		Audience:   "levlend-admin",
	}, nil)
}

func serveWithToken(a *Authenticator, token string, scopes ...string) (*httptest.ResponseRecorder, string) {
	var subject string
	handler := a.Middleware(scopes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/pauses/leverage", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res, subject
}

func TestAuthenticatorAcceptsScopedToken(t *testing.T) {
	a := testAuthenticator()
	token, err := a.IssueToken("0x00000000000000000000000000000000000a0001", time.Minute, ScopeAdmin, ScopeTrade)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	res, subject := serveWithToken(a, token, ScopeAdmin)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if subject != "0x00000000000000000000000000000000000a0001" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestAuthenticatorRejections(t *testing.T) {
	a := testAuthenticator()
	tradeOnly, err := a.IssueToken("alice", time.Minute, ScopeTrade)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "other", Issuer: "levlend", Audience: "levlend-admin"}, nil)
	forged, err := other.IssueToken("alice", time.Minute, ScopeAdmin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	expired, err := a.IssueToken("alice", -time.Hour, ScopeAdmin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	wrongAudience, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "iss": "levlend", "aud": "someone-else", "scope": ScopeAdmin,
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("levlend-test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := map[string]struct {
		token string
		want  int
	}{
		"missing":        {"", http.StatusUnauthorized},
		"garbage":        {"not-a-jwt", http.StatusUnauthorized},
		"forged":         {forged, http.StatusUnauthorized},
		"expired":        {expired, http.StatusUnauthorized},
		"wrong audience": {wrongAudience, http.StatusUnauthorized},
		"missing scope":  {tradeOnly, http.StatusForbidden},
	}
	for name, tc := range cases {
		res, _ := serveWithToken(a, tc.token, ScopeAdmin)
		if res.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", name, tc.want, res.Code)
		}
	}
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	a := NewAuthenticator(AuthConfig{}, nil)
	res, subject := serveWithToken(a, "", ScopeAdmin)
	if res.Code != http.StatusOK || subject != "" {
		t.Fatalf("expected anonymous pass-through, got %d %q", res.Code, subject)
	}
}

func TestExtractBearer(t *testing.T) {
	if got := extractBearer("bearer  abc "); got != "abc" {
		t.Fatalf("unexpected token %q", got)
	}
	if got := extractBearer("Basic abc"); got != "" {
		t.Fatalf("expected non-bearer scheme to be ignored, got %q", got)
	}
}
