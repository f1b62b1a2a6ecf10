package transport

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stegvis/stegvis/internal/config"
	"github.com/stegvis/stegvis/model"
)

// TokenIssuer mints and verifies HS256 session tokens. A token is issued
// when a session starts and scopes the caller to that session's subject.
type TokenIssuer struct {
	issuer string
	key    []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a token issuer from configuration. The signing key
// is read from the environment variable named in cfg.SigningKeyEnv.
func NewTokenIssuer(cfg config.AuthConfig) (*TokenIssuer, error) {
	key := os.Getenv(cfg.SigningKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("auth: signing key env %s is not set", cfg.SigningKeyEnv)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("auth: signing key must be at least 32 bytes")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenIssuer{
		issuer: cfg.Issuer,
		key:    []byte(key),
		ttl:    ttl,
	}, nil
}

// NewTokenIssuerWithKey creates a token issuer with an explicit key,
// bypassing the environment lookup. Intended for tests.
func NewTokenIssuerWithKey(issuer string, key []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{issuer: issuer, key: key, ttl: ttl}
}

// Issue mints a signed token binding the subject to a session.
func (t *TokenIssuer) Issue(subjectID, sessionID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":        t.issuer,
		"sub":        subjectID,
		"session_id": sessionID,
		"iat":        now.Unix(),
		"exp":        now.Add(t.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the subject and session
// it was issued for.
func (t *TokenIssuer) Verify(tokenStr string) (subjectID, sessionID string, err error) {
	token, err := jwt.Parse(tokenStr,
		func(token *jwt.Token) (any, error) {
			return t.key, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(t.issuer),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("invalid token")
	}
	subjectID, _ = claims["sub"].(string)
	sessionID, _ = claims["session_id"].(string)
	if subjectID == "" {
		return "", "", fmt.Errorf("token missing subject")
	}
	return subjectID, sessionID, nil
}

// Authenticator returns middleware that verifies session tokens from the
// Authorization header and stores the verified identity in the request
// context.
func Authenticator(issuer *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			subjectID, sessionID, err := issuer.Verify(auth[7:])
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyTokenError(err)))
				return
			}

			rctx := &model.RequestContext{
				SubjectID:     subjectID,
				SessionID:     sessionID,
				Locale:        r.Header.Get("Accept-Language"),
				CorrelationID: CorrelationIDFrom(r.Context()),
			}
			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyTokenError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "Token expired"
	case strings.Contains(s, "issuer"):
		return "Invalid token issuer"
	case strings.Contains(s, "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(s, "signature"):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}
