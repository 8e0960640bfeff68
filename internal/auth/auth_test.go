package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pulse/internal/storage"
	logx "pulse/pkg/logx"
)

var secret = []byte("test-secret")

func newVerifier(t *testing.T, users ...storage.User) *Verifier {
	t.Helper()
	st := storage.NewMemory()
	for _, u := range users {
		if err := st.PutUser(context.Background(), u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	v, err := NewVerifier(Config{Secret: secret, Issuer: "pulse"}, st, logx.Nop())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func TestVerify(t *testing.T) {
	t.Parallel()
	v := newVerifier(t,
		storage.User{ID: "alice", Username: "alice", TokenVersion: 2},
	)
	sign := Signer{Secret: secret, Issuer: "pulse"}
	mustSign := func(user string, ver int, ttl time.Duration) string {
		tok, err := sign.Sign(user, ver, ttl)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return tok
	}
	wrongKey, _ := Signer{Secret: []byte("other"), Issuer: "pulse"}.Sign("alice", 2, time.Hour)
	wrongIssuer, _ := Signer{Secret: secret, Issuer: "elsewhere"}.Sign("alice", 2, time.Hour)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: "pulse", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString(secret)

	cases := []struct {
		name  string
		token string
		want  Reason
	}{
		{"valid", mustSign("alice", 2, time.Hour), ""},
		{"version ahead of user", mustSign("alice", 3, time.Hour), ReasonRevoked},
		{"missing", "", ReasonMissing},
		{"malformed", "not-a-jwt", ReasonMalformed},
		{"expired", mustSign("alice", 2, -time.Minute), ReasonExpired},
		{"revoked", mustSign("alice", 1, time.Hour), ReasonRevoked},
		{"unknown user", mustSign("mallory", 0, time.Hour), ReasonUserNotFound},
		{"wrong key", wrongKey, ReasonInvalid},
		{"wrong issuer", wrongIssuer, ReasonInvalid},
		{"no subject", noSubject, ReasonMalformed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			id, err := v.Verify(context.Background(), tc.token)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Verify: %v", err)
				}
				if id.UserID != "alice" || id.Username != "alice" || id.ExpiresAt.IsZero() {
					t.Fatalf("identity = %+v", id)
				}
				return
			}
			if got := ReasonOf(err); got != tc.want {
				t.Fatalf("reason = %q (%v), want %q", got, err, tc.want)
			}
		})
	}
}

func TestSentinelsMatch(t *testing.T) {
	t.Parallel()
	err := &Error{Reason: ReasonExpired, Err: errors.New("token is expired")}
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatal("wrapped reason should match its sentinel")
	}
	if errors.Is(err, ErrRevokedToken) {
		t.Fatal("different reasons must not match")
	}
}

func TestStoreFailureIsNotAuthError(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	v, err := NewVerifier(Config{Secret: secret}, st, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	tok, _ := Signer{Secret: secret}.Sign("alice", 0, time.Hour)
	_ = st.Close()
	_, err = v.Verify(context.Background(), tok)
	if err == nil || ReasonOf(err) != "" || !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}

func TestNewVerifierRequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := NewVerifier(Config{}, storage.NewMemory(), logx.Nop()); err == nil {
		t.Fatal("expected error without secret or jwks")
	}
}

func TestExtractToken(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name        string
		build       func(r *http.Request)
		wantToken   string
		wantCarrier string
		wantErr     error
	}{
		{"header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc", CarrierHeader, nil},
		{"header wins over query", func(r *http.Request) {
			r.Header.Set("Authorization", "bearer abc")
			r.URL.RawQuery = "token=q"
		}, "abc", CarrierHeader, nil},
		{"bad scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic zzz") }, "", CarrierHeader, ErrMalformedToken},
		{"subprotocol", func(r *http.Request) { r.Header.Set("Sec-WebSocket-Protocol", "bearer, tok-1") }, "tok-1", CarrierProtocol, nil},
		{"subprotocol wins over cookie", func(r *http.Request) {
			r.Header.Set("Sec-WebSocket-Protocol", "bearer, tok-1")
			r.AddCookie(&http.Cookie{Name: "token", Value: "c"})
		}, "tok-1", CarrierProtocol, nil},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=q" }, "q", CarrierQuery, nil},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "token", Value: "c"}) }, "c", CarrierCookie, nil},
		{"none", func(*http.Request) {}, "", "", ErrMissingToken},
		{"protocol without token", func(r *http.Request) { r.Header.Set("Sec-WebSocket-Protocol", "bearer") }, "", "", ErrMissingToken},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tc.build(r)
			tok, carrier, err := ExtractToken(r)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if tok != tc.wantToken || carrier != tc.wantCarrier {
				t.Fatalf("got (%q, %q), want (%q, %q)", tok, carrier, tc.wantToken, tc.wantCarrier)
			}
		})
	}
}
