package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vigil/internal/logger"
)

// Identity is the caller behind a request.
type Identity struct {
	ID   string
	Name string
}

// Claims carried by actor tokens.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrEmptyToken   = errors.New("auth: empty token")
	ErrEmptySecret  = errors.New("auth: empty secret")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrMissingSub   = errors.New("auth: missing sub")
)

type identityKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity set by Auth.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.ID != ""
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrEmptyToken
	}
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingSub
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, jwt.ErrTokenExpired
	}
	return claims, nil
}

// Auth resolves the caller identity. With a secret, a bearer token is
// required whenever one is presented and X-Actor headers are ignored.
// Without a secret the X-Actor-ID and X-Actor-Name headers are trusted.
// Requests without any identity pass through; handlers that mutate state
// reject them.
func Auth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) > 0 {
				raw, ok := bearer(r)
				if !ok {
					next.ServeHTTP(w, r)
					return
				}
				claims, err := ParseToken(raw, key)
				if err != nil {
					logger.WithRequestID(r.Header.Get("X-Request-ID")).Warn().
						Err(err).
						Msg("rejected actor token")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnauthorized)
					_, _ = w.Write([]byte(`{"error":{"kind":"unauthorized","message":"invalid token"}}`))
					return
				}
				name := claims.Name
				if name == "" {
					name = claims.Subject
				}
				r = r.WithContext(WithIdentity(r.Context(), Identity{ID: claims.Subject, Name: name}))
				next.ServeHTTP(w, r)
				return
			}

			if id := strings.TrimSpace(r.Header.Get("X-Actor-ID")); id != "" {
				name := strings.TrimSpace(r.Header.Get("X-Actor-Name"))
				if name == "" {
					name = id
				}
				r = r.WithContext(WithIdentity(r.Context(), Identity{ID: id, Name: name}))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
