package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sapliy/notification-delivery/pkg/apikey"
	"github.com/sapliy/notification-delivery/pkg/jsonutil"
)

var ErrInvalidToken = errors.New("invalid token")

type ctxKey int

const userIDKey ctxKey = iota

// UserID returns the authenticated subject set by RequireUser.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// TokenVerifier validates HS256 bearer tokens whose subject is the user id.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) Verify(tokenStr string) (string, error) {
	claims := new(jwt.RegisteredClaims)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// IssueToken signs a token for userID. The watch command and tests use it.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequireUser rejects requests without a valid bearer token.
func RequireUser(v *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				jsonutil.WriteError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			userID, err := v.Verify(strings.TrimSpace(tokenStr))
			if err != nil {
				jsonutil.WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}

// RequireAPIKey guards service-to-service endpoints with an HMAC-hashed key
// sent in X-API-Key.
func RequireAPIKey(storedHash, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if !apikey.ValidateKeyFormat(key, apikey.Prefix) || !apikey.Verify(key, secret, storedHash) {
				jsonutil.WriteError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
