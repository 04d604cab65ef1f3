package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"payman-billing/internal/domain"
	"payman-billing/internal/infra/logging"
)

// InternalKeyHeader authenticates cron and back-office callers.
const InternalKeyHeader = "X-Internal-Api-Key"

type SessionClaims struct {
	jwt.RegisteredClaims
}

// Sessions validates HS256 session tokens issued by the account service.
// The subject claim is the user id.
type Sessions struct {
	secret []byte
	issuer string
}

func NewSessions(secret, issuer string) *Sessions {
	return &Sessions{secret: []byte(secret), issuer: issuer}
}

// Mint issues a token for userID. Used by tooling and tests.
func (s *Sessions) Mint(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse returns the user id carried by tok.
func (s *Sessions) Parse(tok string) (string, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("invalid session token: %w", domain.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("session token has no subject: %w", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}

func bearer(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if len(hdr) > 7 && strings.EqualFold(hdr[:7], "bearer ") {
		return strings.TrimSpace(hdr[7:])
	}
	return ""
}

// Session requires a valid bearer token and stores the user id in the context.
func Session(s *Sessions, logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearer(r)
			if tok == "" {
				writeError(w, r, fmt.Errorf("missing bearer token: %w", domain.ErrUnauthorized), logger)
				return
			}
			userID, err := s.Parse(tok)
			if err != nil {
				writeError(w, r, err, logger)
				return
			}
			ctx := logging.WithUserID(r.Context(), userID)
			rememberUser(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalKey guards endpoints that only trusted schedulers may call.
func InternalKey(key string, logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalKeyHeader)
			if got == "" {
				writeError(w, r, fmt.Errorf("missing api key: %w", domain.ErrUnauthorized), logger)
				return
			}
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, r, fmt.Errorf("api key rejected: %w", domain.ErrForbidden), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func currentUser(r *http.Request) string {
	return logging.UserID(r.Context())
}
