// Package auth verifies the bearer credential presented on the socket
// handshake and resolves it to a known user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"pulse/internal/storage"
	logx "pulse/pkg/logx"
)

// Reason is the specific cause a credential was refused.
type Reason string

const (
	ReasonMissing      Reason = "missing"
	ReasonMalformed    Reason = "malformed"
	ReasonExpired      Reason = "expired"
	ReasonRevoked      Reason = "revoked"
	ReasonUserNotFound Reason = "user_not_found"
	ReasonInvalid      Reason = "invalid"
)

// Error is a refused credential.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Reason so sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason && t.Err == nil
}

var (
	ErrMissingToken   = &Error{Reason: ReasonMissing}
	ErrMalformedToken = &Error{Reason: ReasonMalformed}
	ErrExpiredToken   = &Error{Reason: ReasonExpired}
	ErrRevokedToken   = &Error{Reason: ReasonRevoked}
	ErrUserNotFound   = &Error{Reason: ReasonUserNotFound}
)

// ReasonOf returns the refusal reason, or "" when err is not an auth error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Message is the client-facing text for a reason.
func (r Reason) Message() string {
	switch r {
	case ReasonMissing:
		return "authentication token required"
	case ReasonMalformed:
		return "malformed authentication token"
	case ReasonExpired:
		return "authentication token expired"
	case ReasonRevoked:
		return "authentication token revoked"
	case ReasonUserNotFound:
		return "user not found"
	default:
		return "invalid authentication token"
	}
}

// Claims carried by access tokens. Subject is the user id; Version must be
// at least the user's current token version.
type Claims struct {
	Version  int    `json:"ver"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the resolved caller.
type Identity struct {
	UserID    string
	Username  string
	Version   int
	ExpiresAt time.Time
}

// Config selects HMAC (Secret) or JWKS (JWKSURL) verification.
type Config struct {
	Secret      []byte
	Issuer      string
	Leeway      time.Duration
	JWKSURL     string
	JWKSRefresh time.Duration
}

type Verifier struct {
	users   storage.UserStore
	keyFunc jwt.Keyfunc
	parser  *jwt.Parser
	jwks    *keyfunc.JWKS
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the time used for expiry checks.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func NewVerifier(cfg Config, users storage.UserStore, log logx.Logger, opts ...Option) (*Verifier, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	v := &Verifier{users: users}
	popts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Leeway > 0 {
		popts = append(popts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		popts = append(popts, jwt.WithIssuer(cfg.Issuer))
	}
	if o.now != nil {
		popts = append(popts, jwt.WithTimeFunc(o.now))
	}

	switch {
	case cfg.JWKSURL != "":
		refresh := cfg.JWKSRefresh
		if refresh <= 0 {
			refresh = time.Hour
		}
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			Ctx:               context.Background(),
			RefreshInterval:   refresh,
			RefreshRateLimit:  time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.Warn("jwks refresh failed", logx.String("url", cfg.JWKSURL), logx.Err(err))
			},
		})
		if err != nil {
			return nil, fmt.Errorf("auth: fetch jwks: %w", err)
		}
		v.jwks = jwks
		v.keyFunc = jwks.Keyfunc
		popts = append(popts, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"}))
	case len(cfg.Secret) > 0:
		secret := append([]byte(nil), cfg.Secret...)
		v.keyFunc = func(*jwt.Token) (any, error) { return secret, nil }
		popts = append(popts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	default:
		return nil, errors.New("auth: secret or jwks url required")
	}
	v.parser = jwt.NewParser(popts...)
	return v, nil
}

// Verify checks the token and resolves its user. Refusals are *Error; a
// store failure is returned as is.
func (v *Verifier) Verify(ctx context.Context, raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}
	var claims Claims
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.keyFunc); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, &Error{Reason: ReasonExpired, Err: err}
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Identity{}, &Error{Reason: ReasonMalformed, Err: err}
		default:
			return Identity{}, &Error{Reason: ReasonInvalid, Err: err}
		}
	}
	if claims.Subject == "" {
		return Identity{}, &Error{Reason: ReasonMalformed, Err: errors.New("missing subject")}
	}

	u, err := v.users.FindUser(ctx, claims.Subject)
	if errors.Is(err, storage.ErrNotFound) {
		return Identity{}, ErrUserNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: find user: %w", err)
	}
	if claims.Version != u.TokenVersion {
		return Identity{}, ErrRevokedToken
	}

	id := Identity{UserID: u.ID, Username: u.Username, Version: claims.Version}
	if id.Username == "" {
		id.Username = claims.Username
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Close stops the JWKS refresh goroutine, if any.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// Signer issues HMAC tokens. Credential issuance belongs to the account
// service; Signer exists for tooling and tests.
type Signer struct {
	Secret []byte
	Issuer string
	Now    func() time.Time
}

func (s Signer) Sign(userID string, version int, ttl time.Duration) (string, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	claims := Claims{
		Version: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}
